package task

import "testing"

func TestCanTransitionFromQueued(t *testing.T) {
	cases := []struct {
		to   State
		want bool
	}{
		{StateStarting, true},
		{StateCancelled, true},
		{StateCompleted, false},
		{StateFailed, false},
		{StateRunning, false},
	}
	for _, c := range cases {
		if got := CanTransition(StateQueued, c.to); got != c.want {
			t.Errorf("CanTransition(queued, %s) = %v, want %v", c.to, got, c.want)
		}
	}
}

func TestTerminalStatesAreSinks(t *testing.T) {
	terminals := []State{StateCompleted, StateFailed, StateCancelled}
	targets := []State{StateUnspecified, StateQueued, StateStarting, StateRunning, StateCompleted, StateFailed, StateCancelled}
	for _, from := range terminals {
		if !from.Terminal() {
			t.Fatalf("%s.Terminal() = false, want true", from)
		}
		for _, to := range targets {
			if CanTransition(from, to) {
				t.Errorf("CanTransition(%s, %s) = true, want false (terminal is a sink)", from, to)
			}
		}
	}
}

func TestCanTransitionFromStarting(t *testing.T) {
	cases := map[State]bool{
		StateRunning:   true,
		StateFailed:    true,
		StateCancelled: true,
		StateQueued:    false,
		StateCompleted: false,
	}
	for to, want := range cases {
		if got := CanTransition(StateStarting, to); got != want {
			t.Errorf("CanTransition(starting, %s) = %v, want %v", to, got, want)
		}
	}
}

func TestUsageMetricsAdd(t *testing.T) {
	a := UsageMetrics{ComputeTimeMs: 10, InputTokens: 1, OutputTokens: 2, CacheReadTokens: 3, CacheWriteTokens: 4, ToolCalls: 5}
	b := UsageMetrics{ComputeTimeMs: 1, InputTokens: 1, OutputTokens: 1, CacheReadTokens: 1, CacheWriteTokens: 1, ToolCalls: 1}
	sum := a.Add(b)
	want := UsageMetrics{ComputeTimeMs: 11, InputTokens: 2, OutputTokens: 3, CacheReadTokens: 4, CacheWriteTokens: 5, ToolCalls: 6}
	if sum != want {
		t.Fatalf("Add = %+v, want %+v", sum, want)
	}
}

func TestCloneDoesNotAliasPointers(t *testing.T) {
	errMsg := "boom"
	orig := &Task{ErrorMessage: &errMsg}
	clone := orig.Clone()
	if clone.ErrorMessage == orig.ErrorMessage {
		t.Fatal("Clone aliased ErrorMessage pointer")
	}
	if *clone.ErrorMessage != errMsg {
		t.Fatalf("Clone.ErrorMessage = %q, want %q", *clone.ErrorMessage, errMsg)
	}
	*clone.ErrorMessage = "mutated"
	if *orig.ErrorMessage != "boom" {
		t.Fatal("mutating clone's ErrorMessage affected original")
	}
}
