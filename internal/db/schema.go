package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schemaDDL creates the herald schema and its tables. Statements are
// idempotent so they run on every startup.
var schemaDDL = []string{
	`CREATE SCHEMA IF NOT EXISTS herald`,

	`CREATE TABLE IF NOT EXISTS herald.tasks (
		id                  BIGSERIAL PRIMARY KEY,
		external_id         TEXT,
		title               TEXT NOT NULL,
		description         TEXT,
		status              TEXT NOT NULL DEFAULT 'pending',
		due_date            TIMESTAMPTZ,
		assignee_discord_id TEXT,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE INDEX IF NOT EXISTS tasks_assignee_created_idx
		ON herald.tasks (assignee_discord_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS herald.tracked_repos (
		id         BIGSERIAL PRIMARY KEY,
		name       TEXT NOT NULL,
		full_name  TEXT NOT NULL UNIQUE,
		owner      TEXT NOT NULL,
		channel_id TEXT NOT NULL,
		added_by   TEXT,
		is_active  BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS herald.webhook_events (
		id                BIGSERIAL PRIMARY KEY,
		delivery_id       TEXT NOT NULL UNIQUE,
		provider_event_id TEXT,
		repo_name         TEXT NOT NULL,
		repo_full_name    TEXT NOT NULL,
		event_type        TEXT NOT NULL,
		action            TEXT,
		sender_login      TEXT NOT NULL DEFAULT '',
		sender_id         BIGINT NOT NULL DEFAULT 0,
		branch            TEXT,
		commit_sha        TEXT,
		pr_number         INTEGER,
		issue_number      INTEGER,
		title             TEXT,
		body              TEXT,
		raw_payload       JSONB NOT NULL DEFAULT '{}'::jsonb,
		processed         BOOLEAN NOT NULL DEFAULT FALSE,
		processed_at      TIMESTAMPTZ,
		error_message     TEXT,
		retry_count       INTEGER NOT NULL DEFAULT 0,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE INDEX IF NOT EXISTS webhook_events_pending_idx
		ON herald.webhook_events (retry_count, created_at)
		WHERE NOT processed`,
}

// taskPayload is the json_build_object expression shared by the three
// notify functions. The notifier parses exactly this shape.
const taskPayload = `json_build_object(
	'discord_id', NEW.assignee_discord_id,
	'message', json_build_object(
		'title', NEW.title,
		'description', NEW.description,
		'status', NEW.status,
		'external_id', NEW.external_id,
		'due_date', NEW.due_date
	)
)::text`

// triggerDDL installs the notify functions and triggers on herald.tasks.
// 'completed' is the terminal status: completion fires task_completed,
// every other status change fires task_update.
var triggerDDL = []string{
	`CREATE OR REPLACE FUNCTION herald.notify_task_update()
	RETURNS trigger AS $$
	DECLARE
		payload TEXT;
	BEGIN
		IF NEW.status != 'completed' AND OLD.status IS DISTINCT FROM NEW.status THEN
			payload := ` + taskPayload + `;
			PERFORM pg_notify('task_update', payload);
		END IF;
		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql`,

	`CREATE OR REPLACE FUNCTION herald.notify_task_completed()
	RETURNS trigger AS $$
	DECLARE
		payload TEXT;
	BEGIN
		IF NEW.status = 'completed' AND OLD.status IS DISTINCT FROM NEW.status THEN
			payload := ` + taskPayload + `;
			PERFORM pg_notify('task_completed', payload);
		END IF;
		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql`,

	`CREATE OR REPLACE FUNCTION herald.notify_task_assigned()
	RETURNS trigger AS $$
	DECLARE
		payload TEXT;
	BEGIN
		IF (
			TG_OP = 'INSERT' AND NEW.assignee_discord_id IS NOT NULL
		) OR (
			TG_OP = 'UPDATE' AND OLD.assignee_discord_id IS DISTINCT FROM NEW.assignee_discord_id AND NEW.assignee_discord_id IS NOT NULL
		) THEN
			payload := ` + taskPayload + `;
			PERFORM pg_notify('task_assigned', payload);
		END IF;
		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql`,

	`CREATE OR REPLACE TRIGGER task_update_trigger
		AFTER UPDATE ON herald.tasks
		FOR EACH ROW
		EXECUTE FUNCTION herald.notify_task_update()`,

	`CREATE OR REPLACE TRIGGER task_completed_trigger
		AFTER UPDATE ON herald.tasks
		FOR EACH ROW
		WHEN (NEW.status = 'completed' AND OLD.status IS DISTINCT FROM NEW.status)
		EXECUTE FUNCTION herald.notify_task_completed()`,

	`CREATE OR REPLACE TRIGGER task_assigned_trigger
		AFTER INSERT OR UPDATE ON herald.tasks
		FOR EACH ROW
		EXECUTE FUNCTION herald.notify_task_assigned()`,
}

// EnsureSchema creates the herald schema, tables and indexes if missing.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schemaDDL {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// EnsureTriggers installs or replaces the task notify functions and triggers.
func EnsureTriggers(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range triggerDDL {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure triggers: %w", err)
		}
	}
	return nil
}
