package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/heraldbot/herald/internal/auth"
	"github.com/heraldbot/herald/internal/event"
	"github.com/heraldbot/herald/internal/logging"
	"github.com/heraldbot/herald/internal/metrics"
	"github.com/heraldbot/herald/internal/store"
	"github.com/heraldbot/herald/internal/tracing"
)

// eventStore is the slice of store.WebhookEvents the ingestor needs.
type eventStore interface {
	InsertDedup(ctx context.Context, ev *event.WebhookEvent) (bool, error)
	GetByDeliveryID(ctx context.Context, deliveryID string) (*event.WebhookEvent, error)
}

// repoStore is the slice of store.Repos the admin API needs.
type repoStore interface {
	List(ctx context.Context) ([]*store.TrackedRepo, error)
	Subscribe(ctx context.Context, fullName, channelID, addedBy string) (*store.TrackedRepo, error)
	Unsubscribe(ctx context.Context, fullName, channelID string) (bool, error)
}

// taskStore is the slice of store.Tasks the admin API needs.
type taskStore interface {
	CreateTask(ctx context.Context, t *store.Task) (*store.Task, error)
	UpdateStatus(ctx context.Context, id int64, status string) error
}

// publisher matches nsq.Producer.Publish.
type publisher interface {
	Publish(topic string, body []byte) error
}

// Service accepts provider webhooks and exposes the admin API.
type Service struct {
	secret  []byte
	maxBody int64
	topic   string
	events  eventStore
	repos   repoStore
	tasks   taskStore
	prod    publisher
	log     *logging.Logger
}

func NewService(secret string, maxBody int64, topic string, events eventStore, repos repoStore, tasks taskStore, prod publisher, log *logging.Logger) *Service {
	return &Service{
		secret:  []byte(secret),
		maxBody: maxBody,
		topic:   topic,
		events:  events,
		repos:   repos,
		tasks:   tasks,
		prod:    prod,
		log:     log,
	}
}

// Routes registers the webhook endpoint on mux and returns the admin
// handler separately so the caller can wrap it in auth middleware.
func (s *Service) Routes(mux *http.ServeMux) http.Handler {
	mux.HandleFunc("POST /webhook/github", s.HandleWebhook)

	admin := http.NewServeMux()
	admin.HandleFunc("GET /admin/repos", s.handleListRepos)
	admin.HandleFunc("POST /admin/repos/subscribe", s.handleSubscribe)
	admin.HandleFunc("POST /admin/repos/unsubscribe", s.handleUnsubscribe)
	admin.HandleFunc("GET /admin/events/{delivery_id}", s.handleGetEvent)
	admin.HandleFunc("POST /admin/events/{delivery_id}/replay", s.handleReplay)
	admin.HandleFunc("POST /admin/tasks", s.handleCreateTask)
	admin.HandleFunc("POST /admin/tasks/{id}/status", s.handleUpdateTaskStatus)
	return admin
}

// HandleWebhook ingests one provider delivery. The unique constraint on
// delivery_id is the authoritative duplicate guard; everything before it
// is validation that must not persist anything.
func (s *Service) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.StartSpan(r.Context(), "ingest.HandleWebhook")
	defer span.End()

	eventType := r.Header.Get("X-GitHub-Event")
	deliveryID := r.Header.Get("X-GitHub-Delivery")
	signature := r.Header.Get("X-Hub-Signature-256")

	span.SetAttributes(
		attribute.String("event_type", eventType),
		attribute.String("delivery_id", deliveryID),
	)

	if eventType == "" {
		metrics.RecordWebhookEvent("bad_payload")
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing X-GitHub-Event header"})
		return
	}

	// Cap the body before hashing so an oversized payload costs one read,
	// not a full HMAC pass.
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		metrics.RecordWebhookEvent("bad_payload")
		s.log.Plain().WithDelivery(deliveryID).WithError(err).Warn("webhook body rejected")
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body too large or unreadable"})
		return
	}

	if !s.verifySignature(body, signature) {
		metrics.RecordWebhookEvent("bad_signature")
		s.log.Plain().WithDelivery(deliveryID).Warn("webhook signature mismatch")
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "signature mismatch"})
		return
	}

	// Provider retries with the same delivery id are acknowledged without
	// side effects. An empty id cannot be deduplicated, so it is treated
	// as a duplicate too rather than stored unkeyed.
	if deliveryID == "" {
		metrics.RecordWebhookEvent("duplicate")
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	ev, err := event.NewWebhookEvent(event.EventType(eventType), deliveryID, body)
	if err != nil {
		metrics.RecordWebhookEvent("bad_payload")
		s.log.Plain().WithDelivery(deliveryID).WithError(err).Warn("webhook payload is not valid JSON")
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed JSON payload"})
		return
	}

	inserted, err := s.events.InsertDedup(ctx, ev)
	if err != nil {
		metrics.RecordWebhookEvent("store_error")
		tracing.SetSpanError(ctx, err)
		s.log.Plain().WithDelivery(deliveryID).WithError(err).Error("failed to persist webhook event")
		// 500 tells the provider to redeliver; the dedup guard absorbs it
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "storage failure"})
		return
	}
	if !inserted {
		metrics.RecordWebhookEvent("duplicate")
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	if err := s.publishTask(ctx, ev); err != nil {
		// The event is persisted; the re-drive sweeper will pick it up.
		tracing.SetSpanError(ctx, err)
		s.log.Plain().WithDelivery(deliveryID).WithError(err).Error("failed to enqueue webhook event")
	}

	metrics.RecordWebhookEvent("accepted")
	s.log.Plain().
		WithDelivery(deliveryID).
		WithRepo(ev.RepoFullName).
		WithField("event_type", string(ev.EventType)).
		Info("webhook event accepted")
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *Service) verifySignature(body []byte, header string) bool {
	hexSig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(hexSig)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	want := mac.Sum(nil)

	return subtle.ConstantTimeCompare(got, want) == 1
}

func (s *Service) publishTask(ctx context.Context, ev *event.WebhookEvent) error {
	task := event.Task{
		DeliveryID:   ev.DeliveryID,
		EventType:    string(ev.EventType),
		RepoFullName: ev.RepoFullName,
		Attempt:      0,
		PublishedAt:  time.Now().UTC().Format(time.RFC3339),
		TraceHeaders: tracing.PropagateTraceToNSQ(ctx),
	}
	b, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return s.prod.Publish(s.topic, b)
}

// --- admin API ---

type repoView struct {
	FullName  string `json:"full_name"`
	ChannelID string `json:"channel_id"`
	AddedBy   string `json:"added_by,omitempty"`
}

type subscribeRequest struct {
	Repo      string `json:"repo"`
	ChannelID string `json:"channel_id"`
}

func (s *Service) handleListRepos(w http.ResponseWriter, r *http.Request) {
	repos, err := s.repos.List(r.Context())
	if err != nil {
		s.log.Plain().WithError(err).Error("failed to list repos")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "storage failure"})
		return
	}

	views := make([]repoView, 0, len(repos))
	for _, repo := range repos {
		views = append(views, repoView{
			FullName:  repo.FullName,
			ChannelID: repo.ChannelID,
			AddedBy:   repo.AddedBy,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"repos": views})
}

func (s *Service) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Repo == "" || req.ChannelID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "repo and channel_id are required"})
		return
	}

	operator, _ := auth.GetOperatorIDFromContext(r.Context())
	repo, err := s.repos.Subscribe(r.Context(), req.Repo, req.ChannelID, operator)
	if err != nil {
		s.log.Plain().WithRepo(req.Repo).WithError(err).Error("subscribe failed")
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	s.log.Plain().WithRepo(repo.FullName).WithChannel(repo.ChannelID).Info("repo subscribed")
	writeJSON(w, http.StatusOK, repoView{
		FullName:  repo.FullName,
		ChannelID: repo.ChannelID,
		AddedBy:   repo.AddedBy,
	})
}

func (s *Service) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Repo == "" || req.ChannelID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "repo and channel_id are required"})
		return
	}

	removed, err := s.repos.Unsubscribe(r.Context(), req.Repo, req.ChannelID)
	if err != nil {
		s.log.Plain().WithRepo(req.Repo).WithError(err).Error("unsubscribe failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "storage failure"})
		return
	}

	if removed {
		s.log.Plain().WithRepo(req.Repo).WithChannel(req.ChannelID).Info("repo unsubscribed")
	}
	writeJSON(w, http.StatusOK, map[string]bool{"unsubscribed": removed})
}

type eventView struct {
	DeliveryID   string `json:"delivery_id"`
	EventType    string `json:"event_type"`
	Action       string `json:"action,omitempty"`
	RepoFullName string `json:"repo_full_name"`
	Title        string `json:"title,omitempty"`
	Processed    bool   `json:"processed"`
	ProcessedAt  string `json:"processed_at,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	RetryCount   int    `json:"retry_count"`
	CreatedAt    string `json:"created_at"`
}

func (s *Service) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	ev, ok := s.lookupEvent(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toEventView(ev))
}

func (s *Service) handleReplay(w http.ResponseWriter, r *http.Request) {
	ev, ok := s.lookupEvent(w, r)
	if !ok {
		return
	}

	// Replays bypass the retry cadence on purpose: a processed event is a
	// no-op downstream, an unprocessed one gets an immediate attempt.
	if err := s.publishTask(r.Context(), ev); err != nil {
		s.log.Plain().WithDelivery(ev.DeliveryID).WithError(err).Error("replay publish failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "queue publish failed"})
		return
	}

	s.log.Plain().WithDelivery(ev.DeliveryID).Info("webhook event replayed")
	writeJSON(w, http.StatusOK, map[string]string{"status": "replayed", "delivery_id": ev.DeliveryID})
}

func (s *Service) lookupEvent(w http.ResponseWriter, r *http.Request) (*event.WebhookEvent, bool) {
	deliveryID := r.PathValue("delivery_id")
	if deliveryID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "delivery_id is required"})
		return nil, false
	}

	ev, err := s.events.GetByDeliveryID(r.Context(), deliveryID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown delivery_id"})
			return nil, false
		}
		s.log.Plain().WithDelivery(deliveryID).WithError(err).Error("event lookup failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "storage failure"})
		return nil, false
	}
	return ev, true
}

type taskView struct {
	ID                int64  `json:"id"`
	ExternalID        string `json:"external_id,omitempty"`
	Title             string `json:"title"`
	Description       string `json:"description,omitempty"`
	Status            string `json:"status"`
	DueDate           string `json:"due_date,omitempty"`
	AssigneeDiscordID string `json:"assignee_discord_id"`
	CreatedAt         string `json:"created_at"`
	UpdatedAt         string `json:"updated_at"`
}

type createTaskRequest struct {
	ExternalID        string `json:"external_id"`
	Title             string `json:"title"`
	Description       string `json:"description"`
	Status            string `json:"status"`
	DueDate           string `json:"due_date"`
	AssigneeDiscordID string `json:"assignee_discord_id"`
}

func (s *Service) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Title == "" || req.AssigneeDiscordID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "title and assignee_discord_id are required"})
		return
	}

	task := &store.Task{
		ExternalID:        req.ExternalID,
		Title:             req.Title,
		Description:       req.Description,
		Status:            req.Status,
		AssigneeDiscordID: req.AssigneeDiscordID,
	}
	if req.DueDate != "" {
		due, err := time.Parse(time.RFC3339, req.DueDate)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "due_date must be RFC 3339"})
			return
		}
		task.DueDate = &due
	}

	created, err := s.tasks.CreateTask(r.Context(), task)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateTask) {
			writeJSON(w, http.StatusConflict, map[string]any{
				"error":       "duplicate task",
				"existing_id": created.ID,
				"task":        toTaskView(created),
			})
			return
		}
		s.log.Plain().WithError(err).Error("task create failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "storage failure"})
		return
	}

	s.log.Plain().WithField("task_id", created.ID).Info("task created")
	writeJSON(w, http.StatusCreated, toTaskView(created))
}

func (s *Service) handleUpdateTaskStatus(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "task id must be an integer"})
		return
	}

	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Status == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "status is required"})
		return
	}

	if err := s.tasks.UpdateStatus(r.Context(), id, req.Status); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown task id"})
			return
		}
		s.log.Plain().WithField("task_id", id).WithError(err).Error("task status update failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "storage failure"})
		return
	}

	s.log.Plain().WithField("task_id", id).WithField("status", req.Status).Info("task status updated")
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": req.Status})
}

func toTaskView(t *store.Task) taskView {
	view := taskView{
		ID:                t.ID,
		ExternalID:        t.ExternalID,
		Title:             t.Title,
		Description:       t.Description,
		Status:            t.Status,
		AssigneeDiscordID: t.AssigneeDiscordID,
		CreatedAt:         t.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:         t.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if t.DueDate != nil {
		view.DueDate = t.DueDate.UTC().Format(time.RFC3339)
	}
	return view
}

func toEventView(ev *event.WebhookEvent) eventView {
	view := eventView{
		DeliveryID:   ev.DeliveryID,
		EventType:    string(ev.EventType),
		Action:       ev.Action,
		RepoFullName: ev.RepoFullName,
		Title:        ev.Title,
		Processed:    ev.Processed,
		ErrorMessage: ev.ErrorMessage,
		RetryCount:   ev.RetryCount,
		CreatedAt:    ev.CreatedAt.UTC().Format(time.RFC3339),
	}
	if ev.ProcessedAt != nil {
		view.ProcessedAt = ev.ProcessedAt.UTC().Format(time.RFC3339)
	}
	return view
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
