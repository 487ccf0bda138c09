package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TrackedRepo maps a repository to the channel its events are posted in.
type TrackedRepo struct {
	ID        int64
	Name      string
	FullName  string
	Owner     string
	ChannelID string
	AddedBy   string
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Repos persists tracked repository subscriptions.
type Repos struct {
	pool *pgxpool.Pool
}

func NewRepos(pool *pgxpool.Pool) *Repos {
	return &Repos{pool: pool}
}

// Subscribe tracks fullName in channelID. Subscribing an already-tracked
// repository overwrites the channel and reactivates it.
func (s *Repos) Subscribe(ctx context.Context, fullName, channelID, addedBy string) (*TrackedRepo, error) {
	owner, name, ok := splitFullName(fullName)
	if !ok {
		return nil, fmt.Errorf("invalid repository name %q, want owner/repo", fullName)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO herald.tracked_repos (name, full_name, owner, channel_id, added_by)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (full_name) DO UPDATE
		SET channel_id = EXCLUDED.channel_id,
		    added_by = EXCLUDED.added_by,
		    is_active = TRUE,
		    updated_at = now()
		RETURNING id, name, full_name, owner, channel_id, added_by, is_active, created_at, updated_at`,
		name, fullName, owner, channelID, addedBy,
	)

	repo, err := scanRepo(row)
	if err != nil {
		return nil, fmt.Errorf("subscribe repo: %w", err)
	}
	return repo, nil
}

// Unsubscribe deactivates fullName, but only when the caller's channel
// matches the subscription. Returns false when nothing was deactivated.
func (s *Repos) Unsubscribe(ctx context.Context, fullName, channelID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE herald.tracked_repos
		SET is_active = FALSE, updated_at = now()
		WHERE full_name = $1 AND channel_id = $2 AND is_active`,
		fullName, channelID,
	)
	if err != nil {
		return false, fmt.Errorf("unsubscribe repo: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetByFullName returns the subscription for fullName or ErrNotFound.
// Inactive subscriptions are returned too; callers check IsActive.
func (s *Repos) GetByFullName(ctx context.Context, fullName string) (*TrackedRepo, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, full_name, owner, channel_id, added_by, is_active, created_at, updated_at
		FROM herald.tracked_repos
		WHERE full_name = $1`,
		fullName,
	)

	repo, err := scanRepo(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get repo: %w", err)
	}
	return repo, nil
}

// List returns active subscriptions ordered by full name.
func (s *Repos) List(ctx context.Context) ([]*TrackedRepo, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, full_name, owner, channel_id, added_by, is_active, created_at, updated_at
		FROM herald.tracked_repos
		WHERE is_active
		ORDER BY full_name`,
	)
	if err != nil {
		return nil, fmt.Errorf("list repos: %w", err)
	}
	defer rows.Close()

	var repos []*TrackedRepo
	for rows.Next() {
		repo, err := scanRepo(rows)
		if err != nil {
			return nil, fmt.Errorf("scan repo: %w", err)
		}
		repos = append(repos, repo)
	}
	return repos, rows.Err()
}

func scanRepo(row rowScanner) (*TrackedRepo, error) {
	var (
		repo    TrackedRepo
		addedBy *string
	)
	err := row.Scan(
		&repo.ID, &repo.Name, &repo.FullName, &repo.Owner, &repo.ChannelID,
		&addedBy, &repo.IsActive, &repo.CreatedAt, &repo.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	repo.AddedBy = deref(addedBy)
	return &repo, nil
}

func splitFullName(fullName string) (owner, name string, ok bool) {
	owner, name, ok = strings.Cut(fullName, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", false
	}
	return owner, name, true
}
