// Package db provides database connection helpers, schema migration, and small data access helpers.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'
)

// PersistenceError wraps a database failure with the operation that hit it, so
// batch loops can count and log them uniformly.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("db %s: %v", e.Op, e.Err) }
func (e *PersistenceError) Unwrap() error { return e.Err }

// Connect opens a Postgres connection. The DSN comes from config so defaults
// live in exactly one place.
func Connect(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("empty database dsn")
	}
	return sql.Open("pgx", dsn)
}

// Migrate applies idempotent schema changes for all required tables and indices.
// It is the fallback when the versioned migrations directory is not shipped
// alongside the binary; RunMigrations is the primary path.
func Migrate(ctx context.Context, db *sql.DB) error { return migratePostgres(ctx, db) }

func migratePostgres(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS streamers (
			id BIGINT PRIMARY KEY,
			login TEXT UNIQUE NOT NULL,
			display_name TEXT,
			profile_image_url TEXT,
			processing_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			profile_name TEXT,
			webhook_subscription_id TEXT,
			num_broadcasts INTEGER NOT NULL DEFAULT 0,
			num_matching_broadcasts INTEGER NOT NULL DEFAULT 0,
			oldest_broadcast TIMESTAMPTZ,
			last_seen_streaming TIMESTAMPTZ,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS vods (
			id BIGSERIAL PRIMARY KEY,
			streamer_id BIGINT REFERENCES streamers(id),
			source TEXT NOT NULL DEFAULT 'twitch',
			source_id TEXT NOT NULL,
			title TEXT,
			duration_seconds INTEGER,
			published_at TIMESTAMPTZ,
			segments JSONB,
			availability TEXT NOT NULL DEFAULT 'available',
			last_availability_check TIMESTAMPTZ,
			unavailable_since TIMESTAMPTZ,
			ready_for_processing BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ,
			UNIQUE(source, source_id)
		)`,
		`CREATE TABLE IF NOT EXISTS chunks (
			id UUID PRIMARY KEY,
			vod_id BIGINT NOT NULL REFERENCES vods(id) ON DELETE CASCADE,
			chunk_index INTEGER NOT NULL,
			start_seconds INTEGER NOT NULL,
			end_seconds INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			priority INTEGER NOT NULL DEFAULT 0,
			queued_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ,
			UNIQUE(vod_id, chunk_index)
		)`,
		`CREATE TABLE IF NOT EXISTS webhook_subscriptions (
			id TEXT PRIMARY KEY,
			streamer_id BIGINT REFERENCES streamers(id),
			event_type TEXT NOT NULL DEFAULT 'stream.offline',
			status TEXT NOT NULL DEFAULT 'enabled',
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS notification_subscriptions (
			id BIGSERIAL PRIMARY KEY,
			subscriber_id TEXT NOT NULL,
			username TEXT NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			delivery_mode TEXT NOT NULL DEFAULT 'direct',
			destination_group_id TEXT,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ,
			UNIQUE(subscriber_id, username)
		)`,
		`CREATE TABLE IF NOT EXISTS detections (
			id BIGSERIAL PRIMARY KEY,
			vod_id BIGINT REFERENCES vods(id),
			username TEXT NOT NULL,
			frame_time_seconds INTEGER NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS processing_profiles (
			name TEXT PRIMARY KEY,
			version INTEGER NOT NULL DEFAULT 1,
			match_threshold DOUBLE PRECISION NOT NULL DEFAULT 0.8,
			sample_interval_seconds INTEGER NOT NULL DEFAULT 2,
			ocr_engine TEXT NOT NULL DEFAULT 'tesseract',
			scale_factor DOUBLE PRECISION NOT NULL DEFAULT 1.0,
			updated_at TIMESTAMPTZ
		)`,
		`INSERT INTO processing_profiles(name) VALUES('default') ON CONFLICT(name) DO NOTHING`,
		`CREATE TABLE IF NOT EXISTS cataloger_runs (
			id UUID PRIMARY KEY,
			run_type TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'running',
			started_at TIMESTAMPTZ DEFAULT NOW(),
			completed_at TIMESTAMPTZ,
			vods_discovered INTEGER NOT NULL DEFAULT 0,
			streamers_discovered INTEGER NOT NULL DEFAULT 0,
			vods_checked INTEGER NOT NULL DEFAULT 0,
			errors TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_vods_streamer ON vods(streamer_id)`,
		`CREATE INDEX IF NOT EXISTS idx_vods_availability_check ON vods(availability, last_availability_check)`,
		`CREATE INDEX IF NOT EXISTS idx_vods_published_at ON vods(published_at)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_vod_status ON chunks(vod_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_status ON chunks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_notif_subs_username ON notification_subscriptions(username) WHERE enabled`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("postgres migrate step %d failed: %w", i, err)
		}
	}
	return nil
}

// SetKV stores a small bookkeeping value (job timestamps, cursors).
func SetKV(ctx context.Context, dbx *sql.DB, key, value string) error {
	_, err := dbx.ExecContext(ctx,
		`INSERT INTO kv(key, value, updated_at) VALUES($1,$2,NOW())
		 ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`, key, value)
	if err != nil {
		return &PersistenceError{Op: "set kv " + key, Err: err}
	}
	return nil
}

// GetKV returns a stored value, or "" when absent.
func GetKV(ctx context.Context, dbx *sql.DB, key string) (string, error) {
	var v string
	err := dbx.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", &PersistenceError{Op: "get kv " + key, Err: err}
	}
	return v, nil
}

// MarkJobRun records the completion time of a background job under a kv key.
func MarkJobRun(ctx context.Context, dbx *sql.DB, key string) error {
	return SetKV(ctx, dbx, key, time.Now().UTC().Format(time.RFC3339))
}
