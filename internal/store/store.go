// Package store is Marathon's persistence layer (spec §6.3): a durable
// mirror of the in-memory task table, node status for operator visibility,
// and the usage ledger consumed by billing. It is grounded on the
// teacher's store.PostgresStore — pool construction, Ping, and
// ensureSchema follow the same shape — trimmed to the three repositories
// the spec names instead of the teacher's much larger metadata store.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore owns the connection pool shared by the three repository
// implementations below. The spec treats the SQL engine itself as
// peripheral infrastructure (§1); this type exists only so the
// TaskRepository/NodeRepository/UsageRepository interfaces have a real,
// runnable backend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a pool against dsn, verifies connectivity, and
// ensures the schema this package needs exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	s := &PostgresStore{pool: pool}

	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres not initialized")
	}
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			client_id TEXT NOT NULL,
			state SMALLINT NOT NULL,
			repo_url TEXT NOT NULL,
			branch TEXT NOT NULL,
			prompt TEXT NOT NULL,
			node_id TEXT,
			vm_id TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			error_message TEXT,
			pr_url TEXT,
			create_pr BOOLEAN NOT NULL DEFAULT FALSE,
			pr_title TEXT,
			pr_body TEXT,
			compute_time_ms BIGINT NOT NULL DEFAULT 0,
			input_tokens BIGINT NOT NULL DEFAULT 0,
			output_tokens BIGINT NOT NULL DEFAULT 0,
			cache_read_tokens BIGINT NOT NULL DEFAULT 0,
			cache_write_tokens BIGINT NOT NULL DEFAULT 0,
			tool_calls BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_client_id ON tasks(client_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_client_state ON tasks(client_id, state)`,
		`CREATE TABLE IF NOT EXISTS usage_events (
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			client_id TEXT NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL,
			compute_time_ms BIGINT NOT NULL DEFAULT 0,
			input_tokens BIGINT NOT NULL DEFAULT 0,
			output_tokens BIGINT NOT NULL DEFAULT 0,
			cache_read_tokens BIGINT NOT NULL DEFAULT 0,
			cache_write_tokens BIGINT NOT NULL DEFAULT 0,
			tool_calls BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_events_client_time ON usage_events(client_id, recorded_at)`,
		`CREATE TABLE IF NOT EXISTS nodes (
			node_id TEXT PRIMARY KEY,
			hostname TEXT NOT NULL,
			total_vm_slots INTEGER NOT NULL,
			active_vms INTEGER NOT NULL,
			warm_vms INTEGER NOT NULL,
			cpu_usage DOUBLE PRECISION NOT NULL,
			memory_usage DOUBLE PRECISION NOT NULL,
			disk_available_bytes BIGINT NOT NULL,
			healthy BOOLEAN NOT NULL,
			draining BOOLEAN NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
