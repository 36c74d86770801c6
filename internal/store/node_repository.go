package store

import (
	"context"
	"fmt"
	"time"

	"github.com/MartianGreed/marathon/internal/ids"
	"github.com/MartianGreed/marathon/internal/registry"
)

// NodeRepository durably records node status for operator visibility
// (spec §6.3); it is not on the scheduling hot path — the in-memory
// registry is authoritative for placement decisions.
type NodeRepository interface {
	Upsert(ctx context.Context, status registry.Status) error
	List(ctx context.Context) ([]registry.Status, error)
	MarkUnhealthy(ctx context.Context, id ids.NodeID) error
}

// PostgresNodeRepository implements NodeRepository against Postgres.
type PostgresNodeRepository struct {
	store *PostgresStore
}

func NewPostgresNodeRepository(s *PostgresStore) *PostgresNodeRepository {
	return &PostgresNodeRepository{store: s}
}

func (r *PostgresNodeRepository) Upsert(ctx context.Context, status registry.Status) error {
	_, err := r.store.pool.Exec(ctx, `
		INSERT INTO nodes (node_id, hostname, total_vm_slots, active_vms, warm_vms,
			cpu_usage, memory_usage, disk_available_bytes, healthy, draining, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (node_id) DO UPDATE SET
			hostname = EXCLUDED.hostname,
			total_vm_slots = EXCLUDED.total_vm_slots,
			active_vms = EXCLUDED.active_vms,
			warm_vms = EXCLUDED.warm_vms,
			cpu_usage = EXCLUDED.cpu_usage,
			memory_usage = EXCLUDED.memory_usage,
			disk_available_bytes = EXCLUDED.disk_available_bytes,
			healthy = EXCLUDED.healthy,
			draining = EXCLUDED.draining,
			updated_at = EXCLUDED.updated_at
	`,
		status.NodeID.String(), status.Hostname, status.TotalVMSlots, status.ActiveVMs, status.WarmVMs,
		status.CPUUsage, status.MemoryUsage, status.DiskAvailableBytes, status.Healthy, status.Draining, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("upsert node: %w", err)
	}
	return nil
}

func (r *PostgresNodeRepository) List(ctx context.Context) ([]registry.Status, error) {
	rows, err := r.store.pool.Query(ctx, `
		SELECT node_id, hostname, total_vm_slots, active_vms, warm_vms,
			cpu_usage, memory_usage, disk_available_bytes, healthy, draining
		FROM nodes ORDER BY node_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var out []registry.Status
	for rows.Next() {
		st, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (r *PostgresNodeRepository) MarkUnhealthy(ctx context.Context, id ids.NodeID) error {
	ct, err := r.store.pool.Exec(ctx, `UPDATE nodes SET healthy = FALSE, updated_at = $1 WHERE node_id = $2`, time.Now(), id.String())
	if err != nil {
		return fmt.Errorf("mark node unhealthy: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("node not found: %s", id.String())
	}
	return nil
}

func scanNode(row rowScanner) (registry.Status, error) {
	var st registry.Status
	var nodeID string
	if err := row.Scan(
		&nodeID, &st.Hostname, &st.TotalVMSlots, &st.ActiveVMs, &st.WarmVMs,
		&st.CPUUsage, &st.MemoryUsage, &st.DiskAvailableBytes, &st.Healthy, &st.Draining,
	); err != nil {
		return registry.Status{}, err
	}
	id, ok := ids.NodeIDFromHex(nodeID)
	if !ok {
		return registry.Status{}, fmt.Errorf("malformed node id in row: %q", nodeID)
	}
	st.NodeID = id
	return st, nil
}
