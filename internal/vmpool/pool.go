package vmpool

import (
	"context"
	"errors"
	"sync"

	"github.com/MartianGreed/marathon/internal/ids"
	"github.com/MartianGreed/marathon/internal/logging"
	"github.com/MartianGreed/marathon/internal/metrics"
)

// ErrNotFound is returned by Release when the VmId is not active.
var ErrNotFound = errors.New("vmpool: vm not active")

// Pool holds a node's warm and active VM inventory under one mutex, per
// spec §4.4. It is grounded on the teacher's internal/pool package but
// drops per-function sharding: a node runs exactly one kind of VM (the
// agent image), so there is a single pool, not one per pool-key.
type Pool struct {
	backend      Backend
	totalSlots   uint32
	baseSockDir  string
	nodeLabel    string

	mu        sync.Mutex
	warmVMs   []*VM
	activeVMs map[ids.VMID]*VM
	inUseCIDs map[uint32]bool
}

// New returns an empty Pool with capacity for totalSlots concurrent VMs.
func New(backend Backend, totalSlots uint32, baseSockDir string) *Pool {
	return &Pool{
		backend:     backend,
		totalSlots:  totalSlots,
		baseSockDir: baseSockDir,
		activeVMs:   make(map[ids.VMID]*VM),
		inUseCIDs:   make(map[uint32]bool),
	}
}

// SetNodeLabel sets the node identifier used as the Prometheus "node"
// label on pool-size gauges; cmd/node calls this once at startup with
// its own NodeID.
func (p *Pool) SetNodeLabel(nodeID string) {
	p.mu.Lock()
	p.nodeLabel = nodeID
	p.mu.Unlock()
}

// RefillTo tops the warm pool up to target, bounded by total_vm_slots
// minus whatever is already warm or active. For each new slot it tries a
// snapshot restore; on failure it falls back to a cold boot; if that also
// fails it logs and stops refilling for this call (spec §4.4).
func (p *Pool) RefillTo(ctx context.Context, target uint32) {
	for {
		p.mu.Lock()
		warm := uint32(len(p.warmVMs))
		active := uint32(len(p.activeVMs))
		if warm >= target || warm+active >= p.totalSlots {
			p.mu.Unlock()
			return
		}
		cid, err := allocateCID(p.inUseCIDs)
		if err != nil {
			p.mu.Unlock()
			logging.Op().Error("vmpool: CID allocation failed, stopping refill", "error", err)
			return
		}
		p.inUseCIDs[cid] = true
		p.mu.Unlock()

		id := ids.NewVMID()
		vm, err := p.backend.Restore(ctx, id, cid)
		fromSnapshot := err == nil
		if err != nil {
			logging.Op().Warn("vmpool: snapshot restore failed, falling back to cold boot", "vm_id", id.String(), "error", err)
			vm, err = p.backend.ColdBoot(ctx, id, cid)
		}
		if err != nil {
			p.mu.Lock()
			delete(p.inUseCIDs, cid)
			p.mu.Unlock()
			logging.Op().Error("vmpool: cold boot also failed, stopping refill for this tick", "vm_id", id.String(), "error", err)
			return
		}

		if fromSnapshot {
			metrics.Global().RecordSnapshotHit()
		}
		metrics.Global().RecordVMCreated()

		vm.State = StateReady
		vm.SocketPath = SocketPathFor(p.baseSockDir, vm.ID)
		p.mu.Lock()
		p.warmVMs = append(p.warmVMs, vm)
		warm, active, nodeLabel := len(p.warmVMs), len(p.activeVMs), p.nodeLabel
		p.mu.Unlock()
		metrics.SetVMPoolSize(nodeLabel, warm, active, int(p.totalSlots))
	}
}

// Acquire pops a VM from the warm set, transitions it ready→running, and
// returns an owning handle. It returns false if no warm VM is available.
func (p *Pool) Acquire() (*VM, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.warmVMs) == 0 {
		return nil, false
	}
	vm := p.warmVMs[0]
	p.warmVMs = p.warmVMs[1:]
	vm.State = StateRunning
	p.activeVMs[vm.ID] = vm
	return vm, true
}

// Release removes id from the active set and tears the VM down; the base
// image is cheap enough to re-warm rather than reuse (spec §4.4).
func (p *Pool) Release(ctx context.Context, id ids.VMID) error {
	p.mu.Lock()
	vm, ok := p.activeVMs[id]
	if !ok {
		p.mu.Unlock()
		return ErrNotFound
	}
	delete(p.activeVMs, id)
	vm.State = StateStopping
	p.mu.Unlock()

	err := p.backend.Stop(ctx, vm)

	p.mu.Lock()
	if err != nil {
		vm.State = StateFailed
		logging.Op().Error("vmpool: VM teardown failed", "vm_id", id.String(), "error", err)
		metrics.Global().RecordVMCrashed()
	} else {
		vm.State = StateStopped
		metrics.Global().RecordVMStopped()
	}
	delete(p.inUseCIDs, vm.CID)
	warm, active, total, nodeLabel := len(p.warmVMs), len(p.activeVMs), int(p.totalSlots), p.nodeLabel
	p.mu.Unlock()
	metrics.SetVMPoolSize(nodeLabel, warm, active, total)

	return err
}

// WarmCount, ActiveCount, TotalCount are O(1) reads (spec §4.4).
func (p *Pool) WarmCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.warmVMs)
}

func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.activeVMs)
}

func (p *Pool) TotalCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.warmVMs) + len(p.activeVMs)
}
