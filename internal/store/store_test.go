package store

import (
	"context"
	"testing"
	"time"

	"github.com/MartianGreed/marathon/internal/ids"
	"github.com/MartianGreed/marathon/internal/task"
)

// fakeRow feeds fixed values to Scan in call order, mimicking pgx.Row for
// scanTask/scanNode without a real database.
type fakeRow struct {
	values []any
}

func (f fakeRow) Scan(dest ...any) error {
	if len(dest) != len(f.values) {
		panic("fakeRow: dest/values length mismatch")
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = f.values[i].(string)
		case **string:
			*p = f.values[i].(*string)
		case *task.State:
			*p = f.values[i].(task.State)
		case *bool:
			*p = f.values[i].(bool)
		case *int64:
			*p = f.values[i].(int64)
		case *uint32:
			*p = f.values[i].(uint32)
		case *uint64:
			*p = f.values[i].(uint64)
		case *float64:
			*p = f.values[i].(float64)
		case *time.Time:
			*p = f.values[i].(time.Time)
		case **time.Time:
			*p = f.values[i].(*time.Time)
		default:
			panic("fakeRow: unsupported dest type")
		}
	}
	return nil
}

func TestScanTaskRoundTrips(t *testing.T) {
	taskID, err := ids.NewTaskID()
	if err != nil {
		t.Fatal(err)
	}
	clientID := ids.ClientID{7}
	now := time.Now().UTC().Truncate(time.Second)

	row := fakeRow{values: []any{
		taskID.String(), clientID.String(), task.StateCompleted, "https://github.com/acme/repo", "main", "fix it",
		(*string)(nil), (*string)(nil),
		now, (*time.Time)(nil), (*time.Time)(nil), (*string)(nil), (*string)(nil), false, (*string)(nil), (*string)(nil),
		int64(100), int64(10), int64(20), int64(1), int64(2), int64(3),
	}}

	got, err := scanTask(row)
	if err != nil {
		t.Fatalf("scanTask: %v", err)
	}
	if got.ID != taskID {
		t.Errorf("task id mismatch")
	}
	if got.ClientID != clientID {
		t.Errorf("client id mismatch")
	}
	if got.State != task.StateCompleted {
		t.Errorf("expected state completed, got %v", got.State)
	}
	if got.Usage.ComputeTimeMs != 100 || got.Usage.ToolCalls != 3 {
		t.Errorf("usage mismatch: %+v", got.Usage)
	}
	if got.HasNodeID || got.HasVMID {
		t.Errorf("expected no node/vm assignment for a nil-column row")
	}
}

func TestScanNodeRoundTrips(t *testing.T) {
	nodeID := ids.NodeID{4}
	row := fakeRow{values: []any{
		nodeID.String(), "node-a", uint32(4), uint32(2), uint32(1),
		0.5, 0.25, uint64(1 << 30), true, false,
	}}

	got, err := scanNode(row)
	if err != nil {
		t.Fatalf("scanNode: %v", err)
	}
	if got.NodeID != nodeID {
		t.Errorf("node id mismatch")
	}
	if got.Hostname != "node-a" || got.TotalVMSlots != 4 || !got.Healthy {
		t.Errorf("unexpected node status: %+v", got)
	}
}

func TestTaskRepositoryUpdateNoopOnEmptyPatch(t *testing.T) {
	repo := NewPostgresTaskRepository(&PostgresStore{})
	taskID, err := ids.NewTaskID()
	if err != nil {
		t.Fatal(err)
	}
	// An empty patch must return before touching the (nil) pool, or this
	// panics on a nil pointer dereference.
	if err := repo.Update(context.Background(), taskID, TaskPatch{}); err != nil {
		t.Fatalf("expected no-op update to succeed, got %v", err)
	}
}
