package firecracker

import (
	"context"

	"github.com/MartianGreed/marathon/internal/ids"
	"github.com/MartianGreed/marathon/internal/vmpool"
)

// Backend adapts a Manager to vmpool.Backend, translating between the
// package-private vm bookkeeping record and vmpool's public VM shape.
type Backend struct {
	manager *Manager
}

// NewBackend wraps a Manager for use by vmpool.Pool.
func NewBackend(m *Manager) *Backend {
	return &Backend{manager: m}
}

func (b *Backend) Restore(ctx context.Context, id ids.VMID, cid uint32) (*vmpool.VM, error) {
	v, err := b.manager.Restore(ctx, id, cid)
	if err != nil {
		return nil, err
	}
	return toPoolVM(v), nil
}

func (b *Backend) ColdBoot(ctx context.Context, id ids.VMID, cid uint32) (*vmpool.VM, error) {
	v, err := b.manager.ColdBoot(ctx, id, cid)
	if err != nil {
		return nil, err
	}
	return toPoolVM(v), nil
}

func (b *Backend) Stop(ctx context.Context, pv *vmpool.VM) error {
	return b.manager.Stop(ctx, pv.ID)
}

func toPoolVM(v *vm) *vmpool.VM {
	return &vmpool.VM{
		ID:         v.id,
		CID:        v.cid,
		State:      vmpool.StateReady,
		SocketPath: v.vsockPath,
	}
}
