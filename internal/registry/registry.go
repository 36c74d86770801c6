package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/MartianGreed/marathon/internal/ids"
	"github.com/MartianGreed/marathon/internal/logging"
)

// ErrAlreadyRegistered is returned by Register when the NodeID is already
// present in the registry.
var ErrAlreadyRegistered = errors.New("registry: node already registered")

// ErrNotFound is returned by Get when the NodeID is unknown.
var ErrNotFound = errors.New("registry: node not found")

type entry struct {
	status   Status
	lastSeen time.Time
	seq      uint64 // insertion order, used to break score ties
}

// Registry maps NodeID to Status under a single mutex; heartbeat rates
// make finer-grained locking unnecessary (spec §4.2).
type Registry struct {
	mu      sync.Mutex
	nodes   map[ids.NodeID]*entry
	nextSeq uint64
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{nodes: make(map[ids.NodeID]*entry)}
}

// Register inserts a new node. It fails if the NodeID is already present.
func (r *Registry) Register(status Status, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[status.NodeID]; ok {
		return ErrAlreadyRegistered
	}
	r.nextSeq++
	r.nodes[status.NodeID] = &entry{status: status, lastSeen: now, seq: r.nextSeq}
	logging.Op().Info("node registered", "node_id", status.NodeID.String(), "hostname", status.Hostname)
	return nil
}

// Update replaces a node's status and refreshes its last-seen timestamp.
// If the node is unknown it is registered, matching the dispatcher's
// "register if new" heartbeat handling (spec §4.5).
func (r *Registry) Update(status Status, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.nodes[status.NodeID]
	if !ok {
		r.nextSeq++
		r.nodes[status.NodeID] = &entry{status: status, lastSeen: now, seq: r.nextSeq}
		return
	}
	e.status = status
	e.lastSeen = now
}

// Get returns a copy of the node's current status.
func (r *Registry) Get(id ids.NodeID) (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.nodes[id]
	if !ok {
		return Status{}, ErrNotFound
	}
	return e.status, nil
}

// List returns every known node's status, in insertion order.
func (r *Registry) List() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Status, 0, len(r.nodes))
	for _, e := range r.orderedLocked() {
		out = append(out, e.status)
	}
	return out
}

// Prune removes every node whose last-seen is older than now-timeout and
// returns their NodeIDs.
func (r *Registry) Prune(now time.Time, timeout time.Duration) []ids.NodeID {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []ids.NodeID
	cutoff := now.Add(-timeout)
	for id, e := range r.nodes {
		if e.lastSeen.Before(cutoff) {
			removed = append(removed, id)
			delete(r.nodes, id)
		}
	}
	if len(removed) > 0 {
		logging.Op().Warn("pruned stale nodes", "count", len(removed))
	}
	return removed
}

// SelectBest returns the NodeID with the highest Score() among known
// nodes, breaking ties by insertion order. It returns false if no node
// scores above zero.
func (r *Registry) SelectBest() (ids.NodeID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		best      ids.NodeID
		bestScore float64
		found     bool
	)
	for _, e := range r.orderedLocked() {
		score := e.status.Score()
		if score <= 0 {
			continue
		}
		if !found || score > bestScore {
			best = e.status.NodeID
			bestScore = score
			found = true
		}
	}
	return best, found
}

// orderedLocked returns entries sorted by insertion sequence. Caller must
// hold r.mu.
func (r *Registry) orderedLocked() []*entry {
	out := make([]*entry, 0, len(r.nodes))
	for _, e := range r.nodes {
		out = append(out, e)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].seq < out[j-1].seq; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
