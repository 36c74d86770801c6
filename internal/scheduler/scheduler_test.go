package scheduler

import (
	"testing"
	"time"

	"github.com/MartianGreed/marathon/internal/ids"
	"github.com/MartianGreed/marathon/internal/registry"
	"github.com/MartianGreed/marathon/internal/task"
)

func healthyRegistry(t *testing.T) (*registry.Registry, ids.NodeID) {
	t.Helper()
	reg := registry.New()
	nodeID := ids.NewNodeID()
	if err := reg.Register(registry.Status{
		NodeID:       nodeID,
		TotalVMSlots: 10,
		WarmVMs:      5,
		Healthy:      true,
	}, time.Now()); err != nil {
		t.Fatal(err)
	}
	return reg, nodeID
}

func newTask(t *testing.T, clientID ids.ClientID) *task.Task {
	t.Helper()
	id, err := ids.NewTaskID()
	if err != nil {
		t.Fatal(err)
	}
	return &task.Task{ID: id, ClientID: clientID, RepoURL: "https://github.com/test/repo", Branch: "main", Prompt: "fix it"}
}

func TestSubmitRejectsDuplicateID(t *testing.T) {
	reg, _ := healthyRegistry(t)
	s := New(reg)
	tk := newTask(t, ids.ClientID{1})

	if _, err := s.Submit(tk); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if _, err := s.Submit(tk); err != ErrDuplicateID {
		t.Fatalf("second submit error = %v, want ErrDuplicateID", err)
	}
}

func TestScheduleNextAssignsNode(t *testing.T) {
	reg, nodeID := healthyRegistry(t)
	s := New(reg)
	tk := newTask(t, ids.ClientID{1})
	if _, err := s.Submit(tk); err != nil {
		t.Fatal(err)
	}

	assignment, ok := s.ScheduleNext()
	if !ok {
		t.Fatal("ScheduleNext returned false, want true")
	}
	if assignment.NodeID != nodeID {
		t.Fatalf("assigned node = %v, want %v", assignment.NodeID, nodeID)
	}
	if assignment.Task.State != task.StateStarting {
		t.Fatalf("task state = %v, want starting", assignment.Task.State)
	}

	state, err := s.GetState(tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if state != task.StateStarting {
		t.Fatalf("GetState = %v, want starting", state)
	}
}

func TestScheduleNextRequeuesWhenNoEligibleNode(t *testing.T) {
	reg := registry.New() // no nodes registered
	s := New(reg)
	tk := newTask(t, ids.ClientID{1})
	if _, err := s.Submit(tk); err != nil {
		t.Fatal(err)
	}

	if _, ok := s.ScheduleNext(); ok {
		t.Fatal("ScheduleNext should fail with no eligible node")
	}
	state, err := s.GetState(tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if state != task.StateQueued {
		t.Fatalf("task state after failed schedule = %v, want still queued", state)
	}
	// The task must still be reachable via the queue (requeued at tail).
	if _, ok := s.ScheduleNext(); ok {
		t.Fatal("ScheduleNext should still fail with no eligible node")
	}
}

func TestListFiltersByClientAndCountsTotal(t *testing.T) {
	reg, _ := healthyRegistry(t)
	s := New(reg)
	clientA := ids.ClientID{0xaa}
	clientB := ids.ClientID{0xbb}

	for i := 0; i < 2; i++ {
		if _, err := s.Submit(newTask(t, clientA)); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.Submit(newTask(t, clientB)); err != nil {
		t.Fatal(err)
	}

	_, totalA := s.List(clientA, nil, 100, 0)
	if totalA != 2 {
		t.Fatalf("total for client A = %d, want 2", totalA)
	}
	_, totalB := s.List(clientB, nil, 100, 0)
	if totalB != 1 {
		t.Fatalf("total for client B = %d, want 1", totalB)
	}
}

func TestCancelRespectsTerminality(t *testing.T) {
	reg, _ := healthyRegistry(t)
	s := New(reg)
	tk := newTask(t, ids.ClientID{1})
	if _, err := s.Submit(tk); err != nil {
		t.Fatal(err)
	}

	ok, err := s.Cancel(tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("first Cancel = false, want true")
	}

	ok, err = s.Cancel(tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("second Cancel = true, want false (already terminal)")
	}

	state, err := s.GetState(tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if state != task.StateCancelled {
		t.Fatalf("final state = %v, want cancelled", state)
	}
}

func TestCompleteIsIdempotentAfterTerminal(t *testing.T) {
	reg, _ := healthyRegistry(t)
	s := New(reg)
	tk := newTask(t, ids.ClientID{1})
	if _, err := s.Submit(tk); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Cancel(tk.ID); err != nil {
		t.Fatal(err)
	}

	if err := s.Complete(tk.ID, task.CompleteResult{State: task.StateCompleted}); err != nil {
		t.Fatal(err)
	}
	state, err := s.GetState(tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if state != task.StateCancelled {
		t.Fatalf("Complete mutated a terminal task: state = %v, want cancelled", state)
	}
}

func TestScheduleNextSkipsCancelledQueueEntry(t *testing.T) {
	reg, nodeID := healthyRegistry(t)
	s := New(reg)
	cancelled := newTask(t, ids.ClientID{1})
	runnable := newTask(t, ids.ClientID{1})
	if _, err := s.Submit(cancelled); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Submit(runnable); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Cancel(cancelled.ID); err != nil {
		t.Fatal(err)
	}

	assignment, ok := s.ScheduleNext()
	if !ok {
		t.Fatal("ScheduleNext returned false, want true: a cancelled head-of-queue entry must not block the task behind it")
	}
	if assignment.Task.ID != runnable.ID {
		t.Fatalf("assigned task = %v, want %v", assignment.Task.ID, runnable.ID)
	}
	if assignment.NodeID != nodeID {
		t.Fatalf("assigned node = %v, want %v", assignment.NodeID, nodeID)
	}
}

func TestSubscribeReceivesEventsInOrder(t *testing.T) {
	reg, _ := healthyRegistry(t)
	s := New(reg)
	tk := newTask(t, ids.ClientID{1})

	var states []task.State
	s.Subscribe(tk.ID, func(ev task.Event) bool {
		states = append(states, ev.NewState)
		return true
	})

	if _, err := s.Submit(tk); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.ScheduleNext(); !ok {
		t.Fatal("ScheduleNext failed")
	}
	if err := s.MarkRunning(tk.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.Complete(tk.ID, task.CompleteResult{State: task.StateCompleted}); err != nil {
		t.Fatal(err)
	}

	want := []task.State{task.StateQueued, task.StateStarting, task.StateRunning, task.StateCompleted}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states[%d] = %v, want %v", i, states[i], want[i])
		}
	}
}
