package ingest

// TODO: Add tests that require more setup and scaffolding:
// - Integration tests with real pgxpool.Pool database connections
// - NSQ producer integration tests against a live nsqd
// - End-to-end workflow tests (subscribe -> webhook -> worker -> delivery)

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/heraldbot/herald/internal/event"
	"github.com/heraldbot/herald/internal/logging"
	"github.com/heraldbot/herald/internal/store"
)

const testSecret = "webhook-test-secret"

// fakeEventStore keeps webhook events in memory keyed by delivery id.
type fakeEventStore struct {
	mu        sync.Mutex
	events    map[string]*event.WebhookEvent
	insertErr error
}

func newFakeEventStore() *fakeEventStore {
	return &fakeEventStore{events: map[string]*event.WebhookEvent{}}
}

func (f *fakeEventStore) InsertDedup(_ context.Context, ev *event.WebhookEvent) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return false, f.insertErr
	}
	if _, dup := f.events[ev.DeliveryID]; dup {
		return false, nil
	}
	f.events[ev.DeliveryID] = ev
	return true, nil
}

func (f *fakeEventStore) GetByDeliveryID(_ context.Context, deliveryID string) (*event.WebhookEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.events[deliveryID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return ev, nil
}

// fakeRepoStore keeps subscriptions in memory.
type fakeRepoStore struct {
	mu    sync.Mutex
	repos map[string]*store.TrackedRepo
}

func newFakeRepoStore() *fakeRepoStore {
	return &fakeRepoStore{repos: map[string]*store.TrackedRepo{}}
}

func (f *fakeRepoStore) List(_ context.Context) ([]*store.TrackedRepo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.TrackedRepo
	for _, r := range f.repos {
		if r.IsActive {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRepoStore) Subscribe(_ context.Context, fullName, channelID, addedBy string) (*store.TrackedRepo, error) {
	if !strings.Contains(fullName, "/") {
		return nil, errors.New("invalid repository name")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	repo := &store.TrackedRepo{FullName: fullName, ChannelID: channelID, AddedBy: addedBy, IsActive: true}
	f.repos[fullName] = repo
	return repo, nil
}

func (f *fakeRepoStore) Unsubscribe(_ context.Context, fullName, channelID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	repo, ok := f.repos[fullName]
	if !ok || !repo.IsActive || repo.ChannelID != channelID {
		return false, nil
	}
	repo.IsActive = false
	return true, nil
}

// fakeTaskStore keeps tasks in memory and flags duplicates by external id.
type fakeTaskStore struct {
	mu     sync.Mutex
	nextID int64
	tasks  map[int64]*store.Task
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{nextID: 1, tasks: map[int64]*store.Task{}}
}

func (f *fakeTaskStore) CreateTask(_ context.Context, t *store.Task) (*store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.tasks {
		if existing.Title == t.Title && existing.AssigneeDiscordID == t.AssigneeDiscordID {
			return existing, store.ErrDuplicateTask
		}
	}
	created := *t
	created.ID = f.nextID
	if created.Status == "" {
		created.Status = "pending"
	}
	f.nextID++
	f.tasks[created.ID] = &created
	return &created, nil
}

func (f *fakeTaskStore) UpdateStatus(_ context.Context, id int64, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	task.Status = status
	return nil
}

// fakeProducer records published messages.
type fakeProducer struct {
	mu         sync.Mutex
	published  []event.Task
	publishErr error
}

func (f *fakeProducer) Publish(topic string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	var task event.Task
	if err := json.Unmarshal(body, &task); err != nil {
		return err
	}
	f.published = append(f.published, task)
	return nil
}

func (f *fakeProducer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func newTestService() (*Service, *fakeEventStore, *fakeRepoStore, *fakeProducer) {
	events := newFakeEventStore()
	repos := newFakeRepoStore()
	prod := &fakeProducer{}
	svc := NewService(testSecret, 1<<20, "webhook-events", events, repos, newFakeTaskStore(), prod, logging.New("ingest-test"))
	return svc, events, repos, prod
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func webhookRequest(t *testing.T, eventType, deliveryID string, body []byte, signature string) *http.Request {
	t.Helper()
	req := httptest.NewRequest("POST", "/webhook/github", bytes.NewReader(body))
	if eventType != "" {
		req.Header.Set("X-GitHub-Event", eventType)
	}
	if deliveryID != "" {
		req.Header.Set("X-GitHub-Delivery", deliveryID)
	}
	if signature != "" {
		req.Header.Set("X-Hub-Signature-256", signature)
	}
	return req
}

func TestHandleWebhook_Accepted(t *testing.T) {
	svc, events, _, prod := newTestService()

	body := []byte(`{
		"action": "opened",
		"repository": {"name": "herald", "full_name": "heraldbot/herald"},
		"sender": {"login": "octocat", "id": 1},
		"issue": {"title": "Crash on boot", "number": 42}
	}`)

	w := httptest.NewRecorder()
	svc.HandleWebhook(w, webhookRequest(t, "issues", "d-100", body, sign(body)))

	if w.Code != http.StatusOK {
		t.Fatalf("HandleWebhook() status = %d, want %d; body %s", w.Code, http.StatusOK, w.Body)
	}

	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["status"] != "accepted" {
		t.Errorf("response status = %q, want %q", resp["status"], "accepted")
	}

	stored, err := events.GetByDeliveryID(context.Background(), "d-100")
	if err != nil {
		t.Fatalf("stored event lookup failed: %v", err)
	}
	if stored.EventType != event.TypeIssues {
		t.Errorf("stored EventType = %q, want %q", stored.EventType, event.TypeIssues)
	}
	if stored.Title != "Crash on boot" {
		t.Errorf("stored Title = %q, want %q", stored.Title, "Crash on boot")
	}
	if stored.Processed {
		t.Error("stored event marked processed on ingest")
	}

	if prod.count() != 1 {
		t.Fatalf("published tasks = %d, want 1", prod.count())
	}
	if prod.published[0].DeliveryID != "d-100" {
		t.Errorf("published DeliveryID = %q, want %q", prod.published[0].DeliveryID, "d-100")
	}
}

func TestHandleWebhook_DuplicateDelivery(t *testing.T) {
	svc, _, _, prod := newTestService()
	body := []byte(`{"repository":{"name":"herald","full_name":"heraldbot/herald"},"sender":{"login":"octocat","id":1}}`)

	first := httptest.NewRecorder()
	svc.HandleWebhook(first, webhookRequest(t, "push", "d-dup", body, sign(body)))
	if first.Code != http.StatusOK {
		t.Fatalf("first delivery status = %d, want 200", first.Code)
	}

	second := httptest.NewRecorder()
	svc.HandleWebhook(second, webhookRequest(t, "push", "d-dup", body, sign(body)))
	if second.Code != http.StatusOK {
		t.Fatalf("duplicate delivery status = %d, want 200", second.Code)
	}

	var resp map[string]string
	json.Unmarshal(second.Body.Bytes(), &resp)
	if resp["status"] != "duplicate" {
		t.Errorf("duplicate response status = %q, want %q", resp["status"], "duplicate")
	}
	if prod.count() != 1 {
		t.Errorf("published tasks = %d, want 1 (duplicates must not re-enqueue)", prod.count())
	}
}

func TestHandleWebhook_EmptyDeliveryID(t *testing.T) {
	svc, events, _, prod := newTestService()
	body := []byte(`{"repository":{"name":"x","full_name":"a/x"},"sender":{"login":"u","id":1}}`)

	w := httptest.NewRecorder()
	svc.HandleWebhook(w, webhookRequest(t, "push", "", body, sign(body)))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["status"] != "duplicate" {
		t.Errorf("response status = %q, want %q", resp["status"], "duplicate")
	}
	if len(events.events) != 0 {
		t.Error("event without delivery id must not be persisted")
	}
	if prod.count() != 0 {
		t.Error("event without delivery id must not be enqueued")
	}
}

func TestHandleWebhook_BadSignature(t *testing.T) {
	svc, events, _, _ := newTestService()
	body := []byte(`{"repository":{"name":"x","full_name":"a/x"}}`)

	tests := []struct {
		name      string
		signature string
	}{
		{name: "missing header", signature: ""},
		{name: "wrong scheme", signature: "sha1=deadbeef"},
		{name: "not hex", signature: "sha256=zzzz"},
		{name: "wrong digest", signature: "sha256=" + hex.EncodeToString(make([]byte, 32))},
		{name: "signed with other secret", signature: func() string {
			mac := hmac.New(sha256.New, []byte("other-secret"))
			mac.Write(body)
			return "sha256=" + hex.EncodeToString(mac.Sum(nil))
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			svc.HandleWebhook(w, webhookRequest(t, "push", "d-sig", body, tt.signature))

			if w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
			}
			if len(events.events) != 0 {
				t.Error("rejected delivery must not be persisted")
			}
		})
	}
}

func TestHandleWebhook_MalformedJSON(t *testing.T) {
	svc, events, _, _ := newTestService()
	body := []byte(`{"broken":`)

	w := httptest.NewRecorder()
	svc.HandleWebhook(w, webhookRequest(t, "push", "d-bad", body, sign(body)))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if len(events.events) != 0 {
		t.Error("malformed delivery must not be persisted")
	}
}

func TestHandleWebhook_MissingEventHeader(t *testing.T) {
	svc, _, _, _ := newTestService()
	body := []byte(`{}`)

	w := httptest.NewRecorder()
	svc.HandleWebhook(w, webhookRequest(t, "", "d-1", body, sign(body)))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestHandleWebhook_BodyTooLarge(t *testing.T) {
	events := newFakeEventStore()
	svc := NewService(testSecret, 64, "webhook-events", events, newFakeRepoStore(), newFakeTaskStore(), &fakeProducer{}, logging.New("ingest-test"))

	body := bytes.Repeat([]byte("a"), 128)
	w := httptest.NewRecorder()
	svc.HandleWebhook(w, webhookRequest(t, "push", "d-big", body, sign(body)))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if len(events.events) != 0 {
		t.Error("oversized delivery must not be persisted")
	}
}

func TestHandleWebhook_StoreFailure(t *testing.T) {
	svc, events, _, prod := newTestService()
	events.insertErr = errors.New("connection refused")
	body := []byte(`{"repository":{"name":"x","full_name":"a/x"}}`)

	w := httptest.NewRecorder()
	svc.HandleWebhook(w, webhookRequest(t, "push", "d-err", body, sign(body)))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d (provider must redeliver)", w.Code, http.StatusInternalServerError)
	}
	if prod.count() != 0 {
		t.Error("failed persist must not enqueue")
	}
}

func TestHandleWebhook_QueuePublishFailureStillAccepts(t *testing.T) {
	svc, events, _, prod := newTestService()
	prod.publishErr = errors.New("nsqd unreachable")
	body := []byte(`{"repository":{"name":"x","full_name":"a/x"}}`)

	w := httptest.NewRecorder()
	svc.HandleWebhook(w, webhookRequest(t, "push", "d-q", body, sign(body)))

	// The event is durable; the sweeper re-drives it later.
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if _, err := events.GetByDeliveryID(context.Background(), "d-q"); err != nil {
		t.Errorf("event not persisted despite accepted response: %v", err)
	}
}

func TestAdminAPI_SubscribeListUnsubscribe(t *testing.T) {
	svc, _, _, _ := newTestService()
	mux := http.NewServeMux()
	admin := svc.Routes(mux)

	// subscribe
	body := `{"repo":"heraldbot/herald","channel_id":"chan-1"}`
	w := httptest.NewRecorder()
	admin.ServeHTTP(w, httptest.NewRequest("POST", "/admin/repos/subscribe", strings.NewReader(body)))
	if w.Code != http.StatusOK {
		t.Fatalf("subscribe status = %d, want 200; body %s", w.Code, w.Body)
	}

	// list
	w = httptest.NewRecorder()
	admin.ServeHTTP(w, httptest.NewRequest("GET", "/admin/repos", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d, want 200", w.Code)
	}
	var listResp struct {
		Repos []repoView `json:"repos"`
	}
	json.Unmarshal(w.Body.Bytes(), &listResp)
	if len(listResp.Repos) != 1 || listResp.Repos[0].FullName != "heraldbot/herald" {
		t.Fatalf("list = %+v, want one heraldbot/herald entry", listResp.Repos)
	}

	// unsubscribe from the wrong channel does nothing
	w = httptest.NewRecorder()
	admin.ServeHTTP(w, httptest.NewRequest("POST", "/admin/repos/unsubscribe",
		strings.NewReader(`{"repo":"heraldbot/herald","channel_id":"other-chan"}`)))
	var unsub map[string]bool
	json.Unmarshal(w.Body.Bytes(), &unsub)
	if unsub["unsubscribed"] {
		t.Error("unsubscribe from non-matching channel reported success")
	}

	// unsubscribe from the right channel deactivates
	w = httptest.NewRecorder()
	admin.ServeHTTP(w, httptest.NewRequest("POST", "/admin/repos/unsubscribe", strings.NewReader(body)))
	json.Unmarshal(w.Body.Bytes(), &unsub)
	if !unsub["unsubscribed"] {
		t.Error("unsubscribe from matching channel reported failure")
	}
}

func TestAdminAPI_EventStatusAndReplay(t *testing.T) {
	svc, events, _, prod := newTestService()
	mux := http.NewServeMux()
	admin := svc.Routes(mux)

	events.events["d-77"] = &event.WebhookEvent{
		DeliveryID:   "d-77",
		EventType:    event.TypePush,
		RepoFullName: "heraldbot/herald",
		RetryCount:   2,
		ErrorMessage: "delivery failed",
	}

	// status
	w := httptest.NewRecorder()
	admin.ServeHTTP(w, httptest.NewRequest("GET", "/admin/events/d-77", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status lookup = %d, want 200", w.Code)
	}
	var view eventView
	json.Unmarshal(w.Body.Bytes(), &view)
	if view.DeliveryID != "d-77" || view.RetryCount != 2 || view.Processed {
		t.Errorf("event view = %+v, want unprocessed d-77 with 2 retries", view)
	}

	// replay re-publishes regardless of retry cadence
	w = httptest.NewRecorder()
	admin.ServeHTTP(w, httptest.NewRequest("POST", "/admin/events/d-77/replay", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("replay = %d, want 200; body %s", w.Code, w.Body)
	}
	if prod.count() != 1 {
		t.Errorf("published tasks after replay = %d, want 1", prod.count())
	}

	// unknown delivery id
	w = httptest.NewRecorder()
	admin.ServeHTTP(w, httptest.NewRequest("GET", "/admin/events/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown event status = %d, want 404", w.Code)
	}
}

func TestAdminAPI_CreateTask(t *testing.T) {
	svc, _, _, _ := newTestService()
	mux := http.NewServeMux()
	admin := svc.Routes(mux)

	body := `{"title":"Ship release notes","assignee_discord_id":"user-9","due_date":"2026-09-15T12:00:00Z"}`
	w := httptest.NewRecorder()
	admin.ServeHTTP(w, httptest.NewRequest("POST", "/admin/tasks", strings.NewReader(body)))
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, want 201; body %s", w.Code, w.Body)
	}
	var view taskView
	json.Unmarshal(w.Body.Bytes(), &view)
	if view.ID == 0 || view.Title != "Ship release notes" || view.Status != "pending" {
		t.Errorf("created task = %+v, want pending task with id", view)
	}
	if view.DueDate != "2026-09-15T12:00:00Z" {
		t.Errorf("created DueDate = %q, want RFC 3339 echo", view.DueDate)
	}

	// Same title and assignee again is a duplicate; the caller gets the
	// existing record's id back.
	w = httptest.NewRecorder()
	admin.ServeHTTP(w, httptest.NewRequest("POST", "/admin/tasks", strings.NewReader(body)))
	if w.Code != http.StatusConflict {
		t.Fatalf("duplicate status = %d, want 409; body %s", w.Code, w.Body)
	}
	var dup struct {
		Error      string   `json:"error"`
		ExistingID int64    `json:"existing_id"`
		Task       taskView `json:"task"`
	}
	json.Unmarshal(w.Body.Bytes(), &dup)
	if dup.Error != "duplicate task" || dup.ExistingID != view.ID {
		t.Errorf("duplicate response = %+v, want existing_id %d", dup, view.ID)
	}
}

func TestAdminAPI_CreateTask_BadRequest(t *testing.T) {
	svc, _, _, _ := newTestService()
	mux := http.NewServeMux()
	admin := svc.Routes(mux)

	tests := []struct {
		name string
		body string
	}{
		{name: "missing title", body: `{"assignee_discord_id":"user-9"}`},
		{name: "missing assignee", body: `{"title":"t"}`},
		{name: "malformed json", body: `{"title":`},
		{name: "bad due date", body: `{"title":"t","assignee_discord_id":"u","due_date":"tomorrow"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			admin.ServeHTTP(w, httptest.NewRequest("POST", "/admin/tasks", strings.NewReader(tt.body)))
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400; body %s", w.Code, w.Body)
			}
		})
	}
}

func TestAdminAPI_UpdateTaskStatus(t *testing.T) {
	svc, _, _, _ := newTestService()
	mux := http.NewServeMux()
	admin := svc.Routes(mux)

	w := httptest.NewRecorder()
	admin.ServeHTTP(w, httptest.NewRequest("POST", "/admin/tasks",
		strings.NewReader(`{"title":"Rotate webhook secret","assignee_discord_id":"user-3"}`)))
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", w.Code)
	}
	var created taskView
	json.Unmarshal(w.Body.Bytes(), &created)

	w = httptest.NewRecorder()
	admin.ServeHTTP(w, httptest.NewRequest("POST", "/admin/tasks/1/status",
		strings.NewReader(`{"status":"completed"}`)))
	if w.Code != http.StatusOK {
		t.Fatalf("update status = %d, want 200; body %s", w.Code, w.Body)
	}
	var resp struct {
		ID     int64  `json:"id"`
		Status string `json:"status"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.ID != created.ID || resp.Status != "completed" {
		t.Errorf("update response = %+v, want id %d completed", resp, created.ID)
	}

	// unknown id
	w = httptest.NewRecorder()
	admin.ServeHTTP(w, httptest.NewRequest("POST", "/admin/tasks/999/status",
		strings.NewReader(`{"status":"completed"}`)))
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown task status = %d, want 404", w.Code)
	}

	// non-numeric id
	w = httptest.NewRecorder()
	admin.ServeHTTP(w, httptest.NewRequest("POST", "/admin/tasks/abc/status",
		strings.NewReader(`{"status":"completed"}`)))
	if w.Code != http.StatusBadRequest {
		t.Errorf("non-numeric task id status = %d, want 400", w.Code)
	}

	// missing status
	w = httptest.NewRecorder()
	admin.ServeHTTP(w, httptest.NewRequest("POST", "/admin/tasks/1/status", strings.NewReader(`{}`)))
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing status = %d, want 400", w.Code)
	}
}

func TestVerifySignature_ConstantTimeShape(t *testing.T) {
	svc, _, _, _ := newTestService()
	body := []byte("payload")

	if !svc.verifySignature(body, sign(body)) {
		t.Error("verifySignature() = false for valid signature")
	}
	// Truncated digests must not pass even as a prefix match
	valid := sign(body)
	if svc.verifySignature(body, valid[:len(valid)-2]) {
		t.Error("verifySignature() = true for truncated signature")
	}
}
