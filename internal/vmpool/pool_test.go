package vmpool

import (
	"context"
	"testing"

	"github.com/MartianGreed/marathon/internal/ids"
)

type fakeBackend struct {
	restoreErr bool
}

func (f *fakeBackend) Restore(ctx context.Context, id ids.VMID, cid uint32) (*VM, error) {
	if f.restoreErr {
		return nil, errRestore
	}
	return &VM{ID: id, CID: cid}, nil
}

func (f *fakeBackend) ColdBoot(ctx context.Context, id ids.VMID, cid uint32) (*VM, error) {
	return &VM{ID: id, CID: cid}, nil
}

func (f *fakeBackend) Stop(ctx context.Context, vm *VM) error {
	return nil
}

var errRestore = &fakeErr{"restore failed"}

type fakeErr struct{ msg string }

func (e *fakeErr) Error() string { return e.msg }

func TestWarmPoolLifecycle(t *testing.T) {
	p := New(&fakeBackend{}, 10, "/tmp")
	ctx := context.Background()

	p.RefillTo(ctx, 1)
	if p.WarmCount() != 1 {
		t.Fatalf("WarmCount = %d, want 1", p.WarmCount())
	}

	vm, ok := p.Acquire()
	if !ok {
		t.Fatal("Acquire returned false")
	}
	if p.ActiveCount() != 1 || p.WarmCount() != 0 {
		t.Fatalf("after acquire: active=%d warm=%d, want active=1 warm=0", p.ActiveCount(), p.WarmCount())
	}

	if err := p.Release(ctx, vm.ID); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if p.ActiveCount() != 0 {
		t.Fatalf("ActiveCount after release = %d, want 0", p.ActiveCount())
	}

	p.RefillTo(ctx, 1)
	if p.WarmCount() != 1 {
		t.Fatalf("WarmCount after re-refill = %d, want 1", p.WarmCount())
	}
}

func TestAcquireEmptyPool(t *testing.T) {
	p := New(&fakeBackend{}, 10, "/tmp")
	if _, ok := p.Acquire(); ok {
		t.Fatal("Acquire on empty pool returned true")
	}
}

func TestRefillFallsBackToColdBoot(t *testing.T) {
	p := New(&fakeBackend{restoreErr: true}, 10, "/tmp")
	p.RefillTo(context.Background(), 2)
	if p.WarmCount() != 2 {
		t.Fatalf("WarmCount = %d, want 2 (cold boot fallback)", p.WarmCount())
	}
}

func TestRefillRespectsTotalSlots(t *testing.T) {
	p := New(&fakeBackend{}, 2, "/tmp")
	ctx := context.Background()
	p.RefillTo(ctx, 5) // target exceeds total_vm_slots
	if p.TotalCount() != 2 {
		t.Fatalf("TotalCount = %d, want capped at 2", p.TotalCount())
	}
}

func TestReleaseUnknownVM(t *testing.T) {
	p := New(&fakeBackend{}, 10, "/tmp")
	if err := p.Release(context.Background(), ids.NewVMID()); err != ErrNotFound {
		t.Fatalf("Release unknown vm error = %v, want ErrNotFound", err)
	}
}
