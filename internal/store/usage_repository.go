package store

import (
	"context"
	"fmt"
	"time"

	"github.com/MartianGreed/marathon/internal/ids"
	"github.com/MartianGreed/marathon/internal/task"
	"github.com/MartianGreed/marathon/internal/wire"
)

// UsageRepository is the billing ledger (spec §6.3): every completed
// task's usage is appended once, and get_usage reports an aggregate plus
// a per-task breakdown over a time window. Report's signature matches
// dispatch.UsageRepository directly so a *PostgresUsageRepository can be
// handed straight to dispatch.NewClientServer.
type UsageRepository interface {
	Append(ctx context.Context, taskID ids.TaskID, clientID ids.ClientID, metrics task.UsageMetrics, ts time.Time) error
	Report(clientID ids.ClientID, startMs, endMs int64) (task.UsageMetrics, []wire.TaskUsageEntry, error)
}

// PostgresUsageRepository implements UsageRepository against Postgres.
type PostgresUsageRepository struct {
	store *PostgresStore
}

// NewPostgresUsageRepository returns a PostgresUsageRepository. Report's
// signature (spec §6.3 / dispatch.UsageRepository) carries no context
// parameter, so background calls use context.Background(); Append takes
// one explicitly since it is always called from an already-context-aware
// caller (the scheduler's completion path).
func NewPostgresUsageRepository(s *PostgresStore) *PostgresUsageRepository {
	return &PostgresUsageRepository{store: s}
}

func (r *PostgresUsageRepository) Append(ctx context.Context, taskID ids.TaskID, clientID ids.ClientID, metrics task.UsageMetrics, ts time.Time) error {
	_, err := r.store.pool.Exec(ctx, `
		INSERT INTO usage_events (task_id, client_id, recorded_at,
			compute_time_ms, input_tokens, output_tokens, cache_read_tokens, cache_write_tokens, tool_calls)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`,
		taskID.String(), clientID.String(), ts,
		metrics.ComputeTimeMs, metrics.InputTokens, metrics.OutputTokens, metrics.CacheReadTokens, metrics.CacheWriteTokens, metrics.ToolCalls,
	)
	if err != nil {
		return fmt.Errorf("append usage event: %w", err)
	}
	return nil
}

func (r *PostgresUsageRepository) Report(clientID ids.ClientID, startMs, endMs int64) (task.UsageMetrics, []wire.TaskUsageEntry, error) {
	ctx := context.Background()
	start := time.UnixMilli(startMs)
	end := time.UnixMilli(endMs)

	rows, err := r.store.pool.Query(ctx, `
		SELECT task_id,
			SUM(compute_time_ms), SUM(input_tokens), SUM(output_tokens),
			SUM(cache_read_tokens), SUM(cache_write_tokens), SUM(tool_calls)
		FROM usage_events
		WHERE client_id = $1 AND recorded_at >= $2 AND recorded_at < $3
		GROUP BY task_id
		ORDER BY task_id
	`, clientID.String(), start, end)
	if err != nil {
		return task.UsageMetrics{}, nil, fmt.Errorf("report usage: %w", err)
	}
	defer rows.Close()

	var total task.UsageMetrics
	var entries []wire.TaskUsageEntry
	for rows.Next() {
		var taskIDStr string
		var m task.UsageMetrics
		if err := rows.Scan(&taskIDStr, &m.ComputeTimeMs, &m.InputTokens, &m.OutputTokens, &m.CacheReadTokens, &m.CacheWriteTokens, &m.ToolCalls); err != nil {
			return task.UsageMetrics{}, nil, fmt.Errorf("scan usage row: %w", err)
		}
		taskID, ok := ids.TaskIDFromHex(taskIDStr)
		if !ok {
			return task.UsageMetrics{}, nil, fmt.Errorf("malformed task id in usage row: %q", taskIDStr)
		}
		total = total.Add(m)
		entries = append(entries, wire.TaskUsageEntry{
			TaskID: [32]byte(taskID),
			Usage:  wire.UsageMetrics(m),
		})
	}
	if err := rows.Err(); err != nil {
		return task.UsageMetrics{}, nil, fmt.Errorf("report usage: %w", err)
	}
	return total, entries, nil
}
