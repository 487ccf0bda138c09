package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrDuplicateTask reports that an equivalent task was created inside the
// duplicate-detection window. The existing task is returned alongside it.
var ErrDuplicateTask = errors.New("task already exists")

// duplicateWindow is the trailing window inside which a task with the same
// title and assignee counts as a double submission.
const duplicateWindow = 60 * time.Second

// Task is one row in herald.tasks. Status changes on this table fire the
// notify triggers the listener consumes.
type Task struct {
	ID                int64
	ExternalID        string
	Title             string
	Description       string
	Status            string
	DueDate           *time.Time
	AssigneeDiscordID string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Tasks persists tasks.
type Tasks struct {
	pool *pgxpool.Pool
}

func NewTasks(pool *pgxpool.Pool) *Tasks {
	return &Tasks{pool: pool}
}

// CreateTask inserts t. When a task with the same title and assignee was
// created within the last 60 seconds the existing task is returned with
// ErrDuplicateTask and nothing is inserted. The check bounds duplicates
// from double submission; it is not an exactly-once guarantee.
func (s *Tasks) CreateTask(ctx context.Context, t *Task) (*Task, error) {
	existing, err := s.FindRecentDuplicate(ctx, t.Title, t.AssigneeDiscordID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, ErrDuplicateTask
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO herald.tasks (external_id, title, description, status, due_date, assignee_discord_id)
		VALUES ($1, $2, $3, COALESCE(NULLIF($4, ''), 'pending'), $5, $6)
		RETURNING id, status, created_at, updated_at`,
		t.ExternalID, t.Title, t.Description, t.Status, t.DueDate, t.AssigneeDiscordID,
	)
	created := *t
	if err := row.Scan(&created.ID, &created.Status, &created.CreatedAt, &created.UpdatedAt); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return &created, nil
}

// FindRecentDuplicate returns the newest task matching title and assignee
// created within the duplicate window, or nil.
func (s *Tasks) FindRecentDuplicate(ctx context.Context, title, assigneeDiscordID string) (*Task, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, external_id, title, description, status, due_date, assignee_discord_id, created_at, updated_at
		FROM herald.tasks
		WHERE title = $1 AND assignee_discord_id = $2 AND created_at > now() - make_interval(secs => $3)
		ORDER BY created_at DESC
		LIMIT 1`,
		title, assigneeDiscordID, duplicateWindow.Seconds(),
	)

	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find duplicate task: %w", err)
	}
	return task, nil
}

// UpdateStatus moves the task to status, firing the relevant trigger.
func (s *Tasks) UpdateStatus(ctx context.Context, id int64, status string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE herald.tasks
		SET status = $2, updated_at = now()
		WHERE id = $1`,
		id, status,
	)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		task        Task
		externalID  *string
		description *string
		assignee    *string
	)
	err := row.Scan(
		&task.ID, &externalID, &task.Title, &description, &task.Status,
		&task.DueDate, &assignee, &task.CreatedAt, &task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	task.ExternalID = deref(externalID)
	task.Description = deref(description)
	task.AssigneeDiscordID = deref(assignee)
	return &task, nil
}
