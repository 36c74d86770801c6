package vmpool

import (
	"context"

	"github.com/MartianGreed/marathon/internal/ids"
)

// Backend creates and tears down VMs for a single node. The Firecracker
// implementation lives in internal/firecracker; tests use a fake Backend.
type Backend interface {
	// Restore boots a VM from the base snapshot at the given CID. It
	// returns an error if the snapshot restore fails; the pool falls back
	// to ColdBoot.
	Restore(ctx context.Context, id ids.VMID, cid uint32) (*VM, error)

	// ColdBoot boots a VM from scratch (no snapshot), used when Restore
	// fails.
	ColdBoot(ctx context.Context, id ids.VMID, cid uint32) (*VM, error)

	// Stop tears a VM down and releases its host-side resources.
	Stop(ctx context.Context, vm *VM) error
}
