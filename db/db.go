// Package db provides database connection helpers, schema migration, and small
// shared helpers (kv heartbeats, the credential encryptor). Domain row access
// lives next to the code that owns it (tracker, session, eventsub, auth).
package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'

	"github.com/onnwee/streamwarden/crypto"
)

var (
	// encryptor is the process-wide encryptor for credentials at rest.
	encryptor     crypto.Encryptor
	encryptorOnce sync.Once
	encryptorErr  error
)

// initEncryptor initializes the encryptor from ENCRYPTION_KEY. When the key is
// not set, new writes land as plaintext (encryption_version = 0) and plaintext
// primary tokens are still served; legacy grants are withheld until
// cmd/migrate-grants encrypts the row, and rows already at
// encryption_version >= 1 are refused without the key.
func initEncryptor() {
	encryptorOnce.Do(func() {
		key := os.Getenv("ENCRYPTION_KEY")
		if key == "" {
			slog.Warn("ENCRYPTION_KEY not set, stored tokens will be plaintext (not recommended for production)", slog.String("component", "db_encryption"))
			return
		}
		enc, err := crypto.NewAESEncryptor(key)
		if err != nil {
			encryptorErr = fmt.Errorf("failed to initialize encryption: %w", err)
			slog.Error("encryption initialization failed", slog.Any("error", encryptorErr), slog.String("component", "db_encryption"))
			return
		}
		encryptor = enc
		slog.Info("credential encryption enabled (AES-256-GCM)", slog.String("component", "db_encryption"))
	})
}

// Encryptor returns the process-wide encryptor, or nil when encryption is not
// configured. The error is non-nil only when ENCRYPTION_KEY is set but invalid.
func Encryptor() (crypto.Encryptor, error) {
	initEncryptor()
	if encryptorErr != nil {
		return nil, encryptorErr
	}
	return encryptor, nil
}

// Connect opens a Postgres connection with the given DSN. Callers resolve the
// DSN through config.Load so there is a single source of defaults.
func Connect(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("empty database dsn")
	}
	return sql.Open("pgx", dsn)
}

// Migrate applies idempotent schema changes for all required tables and indices.
// It is the embedded fallback behind the versioned migrations in db/migrations/.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS channel_state (
			channel_id BIGINT PRIMARY KEY,
			login TEXT NOT NULL,
			is_live BOOLEAN NOT NULL DEFAULT FALSE,
			last_category TEXT DEFAULT '',
			last_viewer_count INTEGER DEFAULT 0,
			active_session_id UUID,
			had_target_category BOOLEAN NOT NULL DEFAULT FALSE,
			target_category_seen_at TIMESTAMPTZ,
			stream_instance_id TEXT,
			raid_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			announce_channel_id TEXT DEFAULT '',
			announce_message_id TEXT DEFAULT '',
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id UUID PRIMARY KEY,
			channel_id BIGINT NOT NULL,
			stream_instance_id TEXT NOT NULL,
			title TEXT DEFAULT '',
			category TEXT DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ,
			end_reason TEXT,
			start_viewers INTEGER DEFAULT 0,
			peak_viewers INTEGER DEFAULT 0,
			end_viewers INTEGER DEFAULT 0,
			avg_viewers DOUBLE PRECISION DEFAULT 0,
			sample_count INTEGER DEFAULT 0,
			retention_5m DOUBLE PRECISION,
			retention_10m DOUBLE PRECISION,
			retention_20m DOUBLE PRECISION,
			max_dropoff_pct DOUBLE PRECISION,
			dropoff_offset_seconds INTEGER,
			dropoff_before INTEGER,
			dropoff_after INTEGER,
			chatter_count INTEGER,
			follower_start INTEGER,
			follower_end INTEGER,
			follower_delta INTEGER,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS session_samples (
			session_id UUID NOT NULL REFERENCES sessions(id),
			offset_seconds INTEGER NOT NULL,
			viewer_count INTEGER NOT NULL,
			sampled_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS eventsub_subscriptions (
			sub_type TEXT NOT NULL,
			channel_id BIGINT NOT NULL,
			twitch_sub_id TEXT NOT NULL,
			status TEXT DEFAULT 'enabled',
			created_at TIMESTAMPTZ DEFAULT NOW(),
			PRIMARY KEY (sub_type, channel_id)
		)`,
		`CREATE TABLE IF NOT EXISTS capacity_snapshots (
			id BIGSERIAL PRIMARY KEY,
			used_slots INTEGER NOT NULL,
			total_slots INTEGER NOT NULL,
			by_type TEXT DEFAULT '{}',
			reason TEXT DEFAULT '',
			created_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS channel_tokens (
			channel_id BIGINT PRIMARY KEY,
			access_token TEXT DEFAULT '',
			refresh_token TEXT DEFAULT '',
			expires_at TIMESTAMPTZ,
			scope TEXT DEFAULT '',
			needs_reauth BOOLEAN NOT NULL DEFAULT FALSE,
			legacy_grant TEXT,
			encryption_version INTEGER DEFAULT 0,
			encryption_key_id TEXT,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_channel_open ON sessions(channel_id) WHERE ended_at IS NULL`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_channel_started ON sessions(channel_id, started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_samples_session_offset ON session_samples(session_id, offset_seconds)`,
		`CREATE INDEX IF NOT EXISTS idx_channel_state_live ON channel_state(is_live)`,
		`CREATE INDEX IF NOT EXISTS idx_capacity_snapshots_created ON capacity_snapshots(created_at)`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("postgres migrate step %d failed: %w", i, err)
		}
	}
	return nil
}

// Heartbeat records a job liveness timestamp in the kv table. Errors are
// returned for the caller to log; a failed heartbeat is never fatal.
func Heartbeat(ctx context.Context, db *sql.DB, job string) error {
	_, err := db.ExecContext(ctx, `INSERT INTO kv (key, value, updated_at) VALUES ($1, to_char(NOW() AT TIME ZONE 'UTC','YYYY-MM-DD"T"HH24:MI:SS"Z"'), NOW())
		ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`, "job_"+job+"_last")
	return err
}

// GetKV reads a kv value; returns "" when the key is absent.
func GetKV(ctx context.Context, db *sql.DB, key string) (string, error) {
	var v sql.NullString
	err := db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return v.String, nil
}

// SetKV stores a kv value.
func SetKV(ctx context.Context, db *sql.DB, key, value string) error {
	_, err := db.ExecContext(ctx, `INSERT INTO kv (key, value, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`, key, value)
	return err
}

// WaitReady pings the database with backoff until it responds or the deadline passes.
// Used at startup so the service tolerates Postgres coming up after it.
func WaitReady(ctx context.Context, db *sql.DB, deadline time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	delay := 250 * time.Millisecond
	for {
		if err := db.PingContext(ctx); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("database not ready: %w", ctx.Err())
		case <-time.After(delay):
		}
		if delay < 4*time.Second {
			delay *= 2
		}
	}
}
