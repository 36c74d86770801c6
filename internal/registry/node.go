// Package registry tracks per-node status reports and scores nodes for
// task placement (spec §4.2). It is grounded on the teacher's
// internal/cluster package: a single mutex over a map, insertion-order
// tie-breaking, and a background pruning loop in place of a gossip layer.
package registry

import (
	"time"

	"github.com/MartianGreed/marathon/internal/ids"
)

// Status is a node's self-reported health and capacity, refreshed on
// every heartbeat (spec §3 NodeStatus).
type Status struct {
	NodeID             ids.NodeID
	Hostname           string
	TotalVMSlots       uint32
	ActiveVMs          uint32
	WarmVMs            uint32
	CPUUsage           float64
	MemoryUsage        float64
	DiskAvailableBytes uint64
	Healthy            bool
	Draining           bool
	UptimeSeconds      uint64
	LastTaskAt         *time.Time
	ActiveTaskIDs      []ids.TaskID
}

// AvailableSlots is max(0, total-active), the open capacity for new VMs.
func (s Status) AvailableSlots() uint32 {
	if s.ActiveVMs >= s.TotalVMSlots {
		return 0
	}
	return s.TotalVMSlots - s.ActiveVMs
}

// Score returns the node's placement weight in [0, 1]. It is zero
// whenever the node is unhealthy, draining, or has no open slot;
// otherwise it is a weighted blend of spare capacity, warm-pool depth,
// and inverse resource pressure (spec §4.2).
func (s Status) Score() float64 {
	if !s.Healthy || s.Draining || s.AvailableSlots() == 0 {
		return 0
	}
	total := float64(s.TotalVMSlots)
	if total == 0 {
		total = 1
	}
	available := float64(s.AvailableSlots())
	warm := float64(s.WarmVMs)

	score := 0.4*(available/total) + 0.3*(warm/total) + 0.15*(1-s.CPUUsage) + 0.15*(1-s.MemoryUsage)
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
