package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/heraldbot/herald/internal/event"
	"github.com/heraldbot/herald/internal/logging"
	"github.com/heraldbot/herald/internal/metrics"
	"github.com/heraldbot/herald/internal/sink"
	"github.com/heraldbot/herald/internal/store"
)

// repoResolver is the slice of store.Repos the processor needs.
type repoResolver interface {
	GetByFullName(ctx context.Context, fullName string) (*store.TrackedRepo, error)
}

// eventRecorder is the slice of store.WebhookEvents the processor needs.
type eventRecorder interface {
	MarkProcessed(ctx context.Context, deliveryID string) error
	MarkFailed(ctx context.Context, deliveryID, errorMessage string) error
}

// Processor turns change events and webhook events into deliveries.
type Processor struct {
	sink   sink.Sink
	repos  repoResolver
	events eventRecorder
	log    *logging.Logger
}

func New(s sink.Sink, repos repoResolver, events eventRecorder, log *logging.Logger) *Processor {
	return &Processor{sink: s, repos: repos, events: events, log: log}
}

// HandleChange delivers one task notification as a DM. Change events are
// ephemeral: any failure is logged and the event dropped, never retried.
func (p *Processor) HandleChange(ctx context.Context, ev event.ChangeEvent) error {
	msg := FormatChangeMessage(ev)

	result, err := p.sink.DeliverDM(ctx, ev.RecipientID, msg)
	metrics.RecordDelivery(result.String())

	switch result {
	case sink.Delivered:
		p.log.WithContext(ctx).
			WithRecipient(ev.RecipientID).
			WithChannel(string(ev.Channel)).
			Info("task notification delivered")
		return nil
	case sink.RecipientNotFound:
		p.log.WithContext(ctx).
			WithRecipient(ev.RecipientID).
			WithChannel(string(ev.Channel)).
			Warn("recipient not found, dropping notification")
		return nil
	default:
		p.log.WithContext(ctx).
			WithRecipient(ev.RecipientID).
			WithChannel(string(ev.Channel)).
			WithError(err).
			Error("task notification delivery failed")
		return fmt.Errorf("deliver change event: %w", err)
	}
}

// ProcessWebhook delivers one stored webhook event to its repo channel and
// records the outcome. Failures mark the event failed and return an error
// so the caller can requeue; the processed flag makes redeliveries no-ops.
func (p *Processor) ProcessWebhook(ctx context.Context, ev *event.WebhookEvent) error {
	log := p.log.WithContext(ctx).WithDelivery(ev.DeliveryID).WithRepo(ev.RepoFullName)

	if ev.Processed {
		log.Debug("event already processed, skipping")
		return nil
	}

	repo, err := p.repos.GetByFullName(ctx, ev.RepoFullName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Nothing subscribes to this repo; settle the event cleanly.
			log.Info("repo not tracked, marking event processed")
			return p.events.MarkProcessed(ctx, ev.DeliveryID)
		}
		return fmt.Errorf("resolve repo: %w", err)
	}
	if !repo.IsActive {
		log.Info("repo subscription inactive, marking event processed")
		return p.events.MarkProcessed(ctx, ev.DeliveryID)
	}

	msg := FormatWebhookMessage(ev)
	result, derr := p.sink.DeliverChannel(ctx, repo.ChannelID, msg)
	metrics.RecordDelivery(result.String())

	if result != sink.Delivered {
		reason := result.String()
		if derr != nil {
			reason = derr.Error()
		}
		if err := p.events.MarkFailed(ctx, ev.DeliveryID, reason); err != nil {
			log.WithError(err).Error("failed to record delivery failure")
		}
		metrics.RecordProcessRetry(result.String())
		log.WithChannel(repo.ChannelID).WithError(derr).Error("webhook delivery failed")
		return fmt.Errorf("deliver webhook event: %w", derr)
	}

	if err := p.events.MarkProcessed(ctx, ev.DeliveryID); err != nil {
		log.WithError(err).Error("delivered but failed to mark processed")
		return fmt.Errorf("mark processed: %w", err)
	}

	log.WithChannel(repo.ChannelID).Info("webhook event delivered")
	return nil
}

// FormatChangeMessage renders a per-channel DM from the event's own
// payload. It never consults current row state, so out-of-order arrival
// still produces a truthful message.
func FormatChangeMessage(ev event.ChangeEvent) sink.Message {
	task := ev.Payload

	switch ev.Channel {
	case event.ChannelTaskCompleted:
		return sink.Message{
			Title: "✅ Task Completed!",
			Body:  fmt.Sprintf("🎉 You just completed **%s**!", orDefault(task.Title, "a task")),
		}
	case event.ChannelTaskAssigned:
		return sink.Message{
			Title: "📌 New Task Assigned!",
			Body:  fmt.Sprintf("You've been assigned a new task: **%s**", orDefault(task.Title, "Untitled Task")),
			Fields: []sink.Field{
				{Name: "Description", Value: orDefault(task.Description, "N/A")},
				{Name: "Due Date", Value: orDefault(task.DueDate, "N/A"), Inline: true},
				{Name: "Status", Value: humanizeStatus(task.Status), Inline: true},
			},
		}
	default:
		return sink.Message{
			Title: "🔔 Task Updated",
			Body:  "There was an update to one of your tasks.",
			Fields: []sink.Field{
				{Name: "Task", Value: orDefault(task.Title, "N/A"), Inline: true},
				{Name: "Description", Value: orDefault(task.Description, "N/A"), Inline: true},
				{Name: "Status", Value: humanizeStatus(task.Status), Inline: true},
				{Name: "Due Date", Value: orDefault(task.DueDate, "N/A"), Inline: true},
			},
		}
	}
}

// FormatWebhookMessage renders a repo channel message from the extracted
// fields of a stored webhook event.
func FormatWebhookMessage(ev *event.WebhookEvent) sink.Message {
	switch ev.EventType {
	case event.TypePush:
		msg := sink.Message{
			Title: fmt.Sprintf("📦 New push to %s", ev.RepoFullName),
			Body:  fmt.Sprintf("%s pushed to `%s`", ev.SenderLogin, ev.Branch),
		}
		if ev.CommitSHA != "" {
			msg.Fields = append(msg.Fields, sink.Field{Name: "Commit", Value: shortSHA(ev.CommitSHA), Inline: true})
		}
		return msg
	case event.TypePullRequest:
		return sink.Message{
			Title: fmt.Sprintf("🔀 Pull request %s: %s", orDefault(ev.Action, "updated"), ev.Title),
			Body:  ev.Body,
			Fields: []sink.Field{
				{Name: "PR", Value: fmt.Sprintf("#%d", ev.PRNumber), Inline: true},
				{Name: "Branch", Value: ev.Branch, Inline: true},
				{Name: "Author", Value: ev.SenderLogin, Inline: true},
			},
		}
	case event.TypeIssues:
		return sink.Message{
			Title: fmt.Sprintf("🐛 Issue %s: %s", orDefault(ev.Action, "updated"), ev.Title),
			Body:  ev.Body,
			Fields: []sink.Field{
				{Name: "Issue", Value: fmt.Sprintf("#%d", ev.IssueNumber), Inline: true},
				{Name: "Author", Value: ev.SenderLogin, Inline: true},
			},
		}
	case event.TypeIssueComment:
		return sink.Message{
			Title: fmt.Sprintf("💬 %s commented on: %s", ev.SenderLogin, ev.Title),
			Body:  ev.Body,
			Fields: []sink.Field{
				{Name: "Issue", Value: fmt.Sprintf("#%d", ev.IssueNumber), Inline: true},
			},
		}
	case event.TypePullRequestReview:
		return sink.Message{
			Title: fmt.Sprintf("📝 %s reviewed: %s", ev.SenderLogin, ev.Title),
			Body:  ev.Body,
			Fields: []sink.Field{
				{Name: "PR", Value: fmt.Sprintf("#%d", ev.PRNumber), Inline: true},
			},
		}
	case event.TypeRelease:
		return sink.Message{
			Title: fmt.Sprintf("🚀 Release %s in %s", ev.Title, ev.RepoFullName),
			Body:  ev.Body,
		}
	case event.TypeCreate:
		return sink.Message{
			Title: fmt.Sprintf("🌱 %s created `%s` in %s", ev.SenderLogin, ev.Branch, ev.RepoFullName),
		}
	case event.TypeDelete:
		return sink.Message{
			Title: fmt.Sprintf("🗑️ %s deleted `%s` in %s", ev.SenderLogin, ev.Branch, ev.RepoFullName),
		}
	case event.TypeFork:
		return sink.Message{
			Title: fmt.Sprintf("🍴 %s forked %s", ev.SenderLogin, ev.RepoFullName),
		}
	case event.TypeStar:
		return sink.Message{
			Title: fmt.Sprintf("⭐ %s starred %s", ev.SenderLogin, ev.RepoFullName),
		}
	case event.TypeWatch:
		return sink.Message{
			Title: fmt.Sprintf("👀 %s is watching %s", ev.SenderLogin, ev.RepoFullName),
		}
	default:
		return sink.Message{
			Title: fmt.Sprintf("%s event in %s", ev.EventType, ev.RepoFullName),
			Body:  ev.Title,
		}
	}
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// humanizeStatus turns "in_progress" into "In Progress".
func humanizeStatus(status string) string {
	if status == "" {
		return "Unknown"
	}
	words := strings.Split(strings.ReplaceAll(status, "_", " "), " ")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
