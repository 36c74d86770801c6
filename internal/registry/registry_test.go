package registry

import (
	"testing"
	"time"

	"github.com/MartianGreed/marathon/internal/ids"
)

func TestScoreBounds(t *testing.T) {
	s := Status{
		TotalVMSlots: 10,
		ActiveVMs:    3,
		WarmVMs:      5,
		CPUUsage:     0.5,
		MemoryUsage:  0.4,
		Healthy:      true,
		Draining:     false,
	}
	score := s.Score()
	if score <= 0 || score >= 1 {
		t.Fatalf("score = %v, want strictly in (0, 1)", score)
	}
}

func TestScoreZeroDisqualifiers(t *testing.T) {
	base := Status{TotalVMSlots: 10, ActiveVMs: 3, WarmVMs: 5, CPUUsage: 0.1, MemoryUsage: 0.1, Healthy: true}
	if base.Score() <= 0 {
		t.Fatal("base case should score above zero")
	}

	unhealthy := base
	unhealthy.Healthy = false
	if got := unhealthy.Score(); got != 0 {
		t.Fatalf("unhealthy score = %v, want 0", got)
	}

	draining := base
	draining.Draining = true
	if got := draining.Score(); got != 0 {
		t.Fatalf("draining score = %v, want 0", got)
	}

	full := base
	full.ActiveVMs = full.TotalVMSlots
	if got := full.Score(); got != 0 {
		t.Fatalf("full score = %v, want 0", got)
	}
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	r := New()
	id := ids.NewNodeID()
	now := time.Now()
	if err := r.Register(Status{NodeID: id}, now); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := r.Register(Status{NodeID: id}, now); err != ErrAlreadyRegistered {
		t.Fatalf("second Register error = %v, want ErrAlreadyRegistered", err)
	}
}

func TestPruneRemovesStaleNodes(t *testing.T) {
	r := New()
	now := time.Now()
	fresh := ids.NewNodeID()
	stale := ids.NewNodeID()

	if err := r.Register(Status{NodeID: fresh}, now); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(Status{NodeID: stale}, now.Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}

	removed := r.Prune(now, 30*time.Second)
	if len(removed) != 1 || removed[0] != stale {
		t.Fatalf("Prune removed %v, want [%v]", removed, stale)
	}
	if _, err := r.Get(stale); err != ErrNotFound {
		t.Fatalf("Get(stale) error = %v, want ErrNotFound", err)
	}
	if _, err := r.Get(fresh); err != nil {
		t.Fatalf("Get(fresh) error = %v, want nil", err)
	}
}

func TestSelectBestBreaksTiesByInsertionOrder(t *testing.T) {
	r := New()
	now := time.Now()
	first := ids.NewNodeID()
	second := ids.NewNodeID()

	identical := Status{TotalVMSlots: 10, ActiveVMs: 0, WarmVMs: 0, Healthy: true}
	identical.NodeID = first
	if err := r.Register(identical, now); err != nil {
		t.Fatal(err)
	}
	identical.NodeID = second
	if err := r.Register(identical, now); err != nil {
		t.Fatal(err)
	}

	got, ok := r.SelectBest()
	if !ok {
		t.Fatal("SelectBest found no node")
	}
	if got != first {
		t.Fatalf("SelectBest = %v, want first-registered %v", got, first)
	}
}

func TestSelectBestNoneEligible(t *testing.T) {
	r := New()
	if err := r.Register(Status{NodeID: ids.NewNodeID(), Healthy: false}, time.Now()); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.SelectBest(); ok {
		t.Fatal("SelectBest should find no eligible node")
	}
}
