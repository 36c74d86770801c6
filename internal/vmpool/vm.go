// Package vmpool maintains a per-node inventory of pre-booted VMs
// restored from a base snapshot, with acquire/release discipline and
// slot accounting (spec §4.4).
package vmpool

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/MartianGreed/marathon/internal/ids"
)

// State is a VM's lifecycle state (spec §4.4).
type State uint8

const (
	StateCreating State = iota
	StateReady
	StateRunning
	StateStopping
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreating:
		return "creating"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// minCID and maxCID bound the guest context id range (spec's "random u32
// in [3, 0xFFFF_FFFC]"); 0-2 are reserved by VSOCK itself.
const (
	minCID uint32 = 3
	maxCID uint32 = 0xFFFF_FFFC
)

// VM is a single micro-VM tracked by the pool.
type VM struct {
	ID         ids.VMID
	CID        uint32
	State      State
	SocketPath string // host-side socket path, derived from ID's hex form
}

// SocketPathFor derives a collision-free host socket path from a VMID.
func SocketPathFor(baseDir string, id ids.VMID) string {
	return fmt.Sprintf("%s/%s.sock", baseDir, id.String())
}

// allocateCID draws a random CID in [minCID, maxCID], retrying on
// collision against the pool's in-use set. It gives up after a bounded
// number of attempts rather than looping forever against a full range.
func allocateCID(inUse map[uint32]bool) (uint32, error) {
	const maxAttempts = 64
	span := maxCID - minCID + 1
	var buf [4]byte
	for i := 0; i < maxAttempts; i++ {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, err
		}
		cid := minCID + binary.BigEndian.Uint32(buf[:])%span
		if !inUse[cid] {
			return cid, nil
		}
	}
	return 0, fmt.Errorf("vmpool: could not allocate a free CID after %d attempts", maxAttempts)
}
