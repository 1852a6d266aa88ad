package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"credit-processing-service/internal/models"
)

// StarterBalances are the role-dependent balances given to accounts on
// first touch. The admin figure is display-only since admins bypass checks.
type StarterBalances struct {
	Member int64
	Admin  int64
}

// Store wraps pgxpool for Postgres persistence of accounts, the transaction
// log, jobs, and the outcome history.
type Store struct {
	pool     *pgxpool.Pool
	starters StarterBalances
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string, starters StarterBalances) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool, starters: starters}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping probes the durable store. Facades use it for health reporting only;
// per-operation fallback decisions are made from the operation's own error.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		username     TEXT PRIMARY KEY,
		role         TEXT NOT NULL DEFAULT 'member',
		balance      BIGINT NOT NULL DEFAULT 0,
		last_updated TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		id          BIGSERIAL PRIMARY KEY,
		username    TEXT NOT NULL,
		job_id      TEXT,
		amount      BIGINT NOT NULL,
		kind        TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	// At most one refund may ever exist per job.
	`CREATE UNIQUE INDEX IF NOT EXISTS transactions_refund_once
		ON transactions (job_id) WHERE kind = 'refund'`,
	`CREATE INDEX IF NOT EXISTS transactions_username_idx
		ON transactions (username, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS jobs (
		id         TEXT PRIMARY KEY,
		owner      TEXT NOT NULL,
		role       TEXT NOT NULL,
		input_ref  TEXT NOT NULL,
		params     JSONB NOT NULL DEFAULT '{}',
		status     TEXT NOT NULL,
		result     JSONB,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS jobs_owner_idx ON jobs (owner, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS outcomes (
		id            BIGSERIAL PRIMARY KEY,
		job_id        TEXT NOT NULL REFERENCES jobs (id) ON DELETE CASCADE,
		owner         TEXT NOT NULL,
		input_ref     TEXT NOT NULL,
		output_ref    TEXT,
		duration_ms   BIGINT NOT NULL,
		success       BOOLEAN NOT NULL,
		error_message TEXT,
		recorded_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS processing_stats (
		id              SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
		units_processed BIGINT NOT NULL DEFAULT 0,
		avg_duration_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`INSERT INTO processing_stats (id) VALUES (1) ON CONFLICT DO NOTHING`,
}

// RunMigrations executes the schema statements in order. Each statement is
// idempotent so the call is safe on every startup.
func (s *Store) RunMigrations(ctx context.Context) error {
	for i, sql := range migrations {
		if _, err := s.pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("exec migration %d: %w", i, err)
		}
	}
	return nil
}

func (s *Store) starterFor(role string) int64 {
	if role == models.RoleAdmin {
		return s.starters.Admin
	}
	return s.starters.Member
}
