package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/MartianGreed/marathon/internal/ids"
	"github.com/MartianGreed/marathon/internal/task"
)

// TaskRepository is a durable mirror of the scheduler's in-memory task
// table (spec §6.3). The scheduler is the source of truth at runtime; this
// exists for restart recovery and operator queries, so callers proceed on
// a write failure rather than block task progress on it.
type TaskRepository interface {
	Create(ctx context.Context, t *task.Task) error
	Update(ctx context.Context, id ids.TaskID, patch TaskPatch) error
	Get(ctx context.Context, id ids.TaskID) (*task.Task, error)
	List(ctx context.Context, clientID ids.ClientID, state *task.State, limit, offset int) ([]*task.Task, error)
}

// TaskPatch carries the fields Scheduler mutations need to persist; nil
// fields are left untouched.
type TaskPatch struct {
	State        *task.State
	NodeID       *ids.NodeID
	VMID         *ids.VMID
	StartedAt    *time.Time
	CompletedAt  *time.Time
	ErrorMessage *string
	PRURL        *string
	Usage        *task.UsageMetrics
}

// PostgresTaskRepository implements TaskRepository against Postgres.
type PostgresTaskRepository struct {
	store *PostgresStore
}

func NewPostgresTaskRepository(s *PostgresStore) *PostgresTaskRepository {
	return &PostgresTaskRepository{store: s}
}

func (r *PostgresTaskRepository) Create(ctx context.Context, t *task.Task) error {
	var nodeID, vmID *string
	if t.HasNodeID {
		s := t.NodeID.String()
		nodeID = &s
	}
	if t.HasVMID {
		s := t.VMID.String()
		vmID = &s
	}

	_, err := r.store.pool.Exec(ctx, `
		INSERT INTO tasks (id, client_id, state, repo_url, branch, prompt, node_id, vm_id,
			created_at, started_at, completed_at, error_message, pr_url, create_pr, pr_title, pr_body,
			compute_time_ms, input_tokens, output_tokens, cache_read_tokens, cache_write_tokens, tool_calls)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
		ON CONFLICT (id) DO NOTHING
	`,
		t.ID.String(), t.ClientID.String(), t.State, t.RepoURL, t.Branch, t.Prompt, nodeID, vmID,
		t.CreatedAt, t.StartedAt, t.CompletedAt, t.ErrorMessage, t.PRURL, t.CreatePR, t.PRTitle, t.PRBody,
		t.Usage.ComputeTimeMs, t.Usage.InputTokens, t.Usage.OutputTokens, t.Usage.CacheReadTokens, t.Usage.CacheWriteTokens, t.Usage.ToolCalls,
	)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (r *PostgresTaskRepository) Update(ctx context.Context, id ids.TaskID, patch TaskPatch) error {
	sets := make([]string, 0, 8)
	args := make([]any, 0, 9)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if patch.State != nil {
		sets = append(sets, "state = "+arg(*patch.State))
	}
	if patch.NodeID != nil {
		sets = append(sets, "node_id = "+arg(patch.NodeID.String()))
	}
	if patch.VMID != nil {
		sets = append(sets, "vm_id = "+arg(patch.VMID.String()))
	}
	if patch.StartedAt != nil {
		sets = append(sets, "started_at = "+arg(*patch.StartedAt))
	}
	if patch.CompletedAt != nil {
		sets = append(sets, "completed_at = "+arg(*patch.CompletedAt))
	}
	if patch.ErrorMessage != nil {
		sets = append(sets, "error_message = "+arg(*patch.ErrorMessage))
	}
	if patch.PRURL != nil {
		sets = append(sets, "pr_url = "+arg(*patch.PRURL))
	}
	if patch.Usage != nil {
		sets = append(sets, "compute_time_ms = "+arg(patch.Usage.ComputeTimeMs))
		sets = append(sets, "input_tokens = "+arg(patch.Usage.InputTokens))
		sets = append(sets, "output_tokens = "+arg(patch.Usage.OutputTokens))
		sets = append(sets, "cache_read_tokens = "+arg(patch.Usage.CacheReadTokens))
		sets = append(sets, "cache_write_tokens = "+arg(patch.Usage.CacheWriteTokens))
		sets = append(sets, "tool_calls = "+arg(patch.Usage.ToolCalls))
	}
	if len(sets) == 0 {
		return nil
	}

	query := "UPDATE tasks SET "
	for i, s := range sets {
		if i > 0 {
			query += ", "
		}
		query += s
	}
	query += " WHERE id = " + arg(id.String())

	if _, err := r.store.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("update task %s: %w", id.String(), err)
	}
	return nil
}

func (r *PostgresTaskRepository) Get(ctx context.Context, id ids.TaskID) (*task.Task, error) {
	row := r.store.pool.QueryRow(ctx, `
		SELECT id, client_id, state, repo_url, branch, prompt, node_id, vm_id,
			created_at, started_at, completed_at, error_message, pr_url, create_pr, pr_title, pr_body,
			compute_time_ms, input_tokens, output_tokens, cache_read_tokens, cache_write_tokens, tool_calls
		FROM tasks WHERE id = $1
	`, id.String())
	t, err := scanTask(row)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("task not found: %s", id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (r *PostgresTaskRepository) List(ctx context.Context, clientID ids.ClientID, state *task.State, limit, offset int) ([]*task.Task, error) {
	var rows pgx.Rows
	var err error
	if state != nil {
		rows, err = r.store.pool.Query(ctx, `
			SELECT id, client_id, state, repo_url, branch, prompt, node_id, vm_id,
				created_at, started_at, completed_at, error_message, pr_url, create_pr, pr_title, pr_body,
				compute_time_ms, input_tokens, output_tokens, cache_read_tokens, cache_write_tokens, tool_calls
			FROM tasks WHERE client_id = $1 AND state = $2 ORDER BY created_at DESC LIMIT $3 OFFSET $4
		`, clientID.String(), *state, limit, offset)
	} else {
		rows, err = r.store.pool.Query(ctx, `
			SELECT id, client_id, state, repo_url, branch, prompt, node_id, vm_id,
				created_at, started_at, completed_at, error_message, pr_url, create_pr, pr_title, pr_body,
				compute_time_ms, input_tokens, output_tokens, cache_read_tokens, cache_write_tokens, tool_calls
			FROM tasks WHERE client_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3
		`, clientID.String(), limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	var (
		t                  task.Task
		idStr, clientIDStr string
		nodeID, vmID       *string
	)
	if err := row.Scan(
		&idStr, &clientIDStr, &t.State, &t.RepoURL, &t.Branch, &t.Prompt, &nodeID, &vmID,
		&t.CreatedAt, &t.StartedAt, &t.CompletedAt, &t.ErrorMessage, &t.PRURL, &t.CreatePR, &t.PRTitle, &t.PRBody,
		&t.Usage.ComputeTimeMs, &t.Usage.InputTokens, &t.Usage.OutputTokens, &t.Usage.CacheReadTokens, &t.Usage.CacheWriteTokens, &t.Usage.ToolCalls,
	); err != nil {
		return nil, err
	}

	id, ok := ids.TaskIDFromHex(idStr)
	if !ok {
		return nil, fmt.Errorf("malformed task id in row: %q", idStr)
	}
	t.ID = id

	clientID, ok := ids.ClientIDFromHex(clientIDStr)
	if !ok {
		return nil, fmt.Errorf("malformed client id in row: %q", clientIDStr)
	}
	t.ClientID = clientID

	if nodeID != nil {
		if n, ok := ids.NodeIDFromHex(*nodeID); ok {
			t.NodeID = n
			t.HasNodeID = true
		}
	}
	if vmID != nil {
		if v, ok := ids.VMIDFromHex(*vmID); ok {
			t.VMID = v
			t.HasVMID = true
		}
	}
	return &t, nil
}
