package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/heraldbot/herald/internal/event"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// WebhookEvents persists provider webhook deliveries.
type WebhookEvents struct {
	pool *pgxpool.Pool
}

func NewWebhookEvents(pool *pgxpool.Pool) *WebhookEvents {
	return &WebhookEvents{pool: pool}
}

const webhookEventColumns = `id, delivery_id, provider_event_id, repo_name, repo_full_name,
	event_type, action, sender_login, sender_id, branch, commit_sha, pr_number,
	issue_number, title, body, raw_payload, processed, processed_at,
	error_message, retry_count, created_at`

// InsertDedup inserts ev and reports whether a row was actually written.
// The unique constraint on delivery_id is the authoritative duplicate
// guard: a conflicting insert writes nothing and returns false, nil.
func (s *WebhookEvents) InsertDedup(ctx context.Context, ev *event.WebhookEvent) (bool, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO herald.webhook_events (
			delivery_id, provider_event_id, repo_name, repo_full_name,
			event_type, action, sender_login, sender_id, branch, commit_sha,
			pr_number, issue_number, title, body, raw_payload
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (delivery_id) DO NOTHING
		RETURNING id, created_at`,
		ev.DeliveryID, ev.ProviderEventID, ev.RepoName, ev.RepoFullName,
		string(ev.EventType), ev.Action, ev.SenderLogin, ev.SenderID,
		ev.Branch, ev.CommitSHA, zeroNull(ev.PRNumber), zeroNull(ev.IssueNumber),
		ev.Title, ev.Body, ev.RawPayload,
	)

	if err := row.Scan(&ev.ID, &ev.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("insert webhook event: %w", err)
	}
	return true, nil
}

// MarkProcessed flips the event to its terminal state and clears any
// previous error.
func (s *WebhookEvents) MarkProcessed(ctx context.Context, deliveryID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE herald.webhook_events
		SET processed = TRUE, processed_at = now(), error_message = NULL
		WHERE delivery_id = $1`,
		deliveryID,
	)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed records the failure and bumps retry_count. The event stays
// unprocessed so the re-drive sweeper picks it up again.
func (s *WebhookEvents) MarkFailed(ctx context.Context, deliveryID, errorMessage string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE herald.webhook_events
		SET error_message = $2, retry_count = retry_count + 1
		WHERE delivery_id = $1`,
		deliveryID, errorMessage,
	)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetByDeliveryID returns the stored event or ErrNotFound.
func (s *WebhookEvents) GetByDeliveryID(ctx context.Context, deliveryID string) (*event.WebhookEvent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+webhookEventColumns+` FROM herald.webhook_events WHERE delivery_id = $1`,
		deliveryID,
	)
	ev, err := scanWebhookEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get webhook event: %w", err)
	}
	return ev, nil
}

// ListUnprocessed returns up to limit pending events below the retry cap,
// least-retried and oldest first.
func (s *WebhookEvents) ListUnprocessed(ctx context.Context, maxRetries, limit int) ([]*event.WebhookEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+webhookEventColumns+`
		FROM herald.webhook_events
		WHERE NOT processed AND retry_count < $1
		ORDER BY retry_count, created_at
		LIMIT $2`,
		maxRetries, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list unprocessed: %w", err)
	}
	defer rows.Close()

	var events []*event.WebhookEvent
	for rows.Next() {
		ev, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan unprocessed: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWebhookEvent(row rowScanner) (*event.WebhookEvent, error) {
	var (
		ev          event.WebhookEvent
		eventType   string
		action      *string
		providerID  *string
		branch      *string
		commitSHA   *string
		prNumber    *int
		issueNumber *int
		title       *string
		body        *string
		errMsg      *string
		processedAt *time.Time
	)

	err := row.Scan(
		&ev.ID, &ev.DeliveryID, &providerID, &ev.RepoName, &ev.RepoFullName,
		&eventType, &action, &ev.SenderLogin, &ev.SenderID, &branch, &commitSHA,
		&prNumber, &issueNumber, &title, &body, &ev.RawPayload, &ev.Processed,
		&processedAt, &errMsg, &ev.RetryCount, &ev.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	ev.EventType = event.EventType(eventType)
	ev.ProviderEventID = deref(providerID)
	ev.Action = deref(action)
	ev.Branch = deref(branch)
	ev.CommitSHA = deref(commitSHA)
	ev.Title = deref(title)
	ev.Body = deref(body)
	ev.ErrorMessage = deref(errMsg)
	ev.ProcessedAt = processedAt
	if prNumber != nil {
		ev.PRNumber = *prNumber
	}
	if issueNumber != nil {
		ev.IssueNumber = *issueNumber
	}
	return &ev, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// zeroNull stores zero-valued item numbers as NULL instead of 0.
func zeroNull(n int) *int {
	if n == 0 {
		return nil
	}
	return &n
}
