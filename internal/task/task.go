// Package task defines the Task record and its lifecycle state machine
// (spec §3). The scheduler (internal/scheduler) owns the authoritative
// table of these; this package only knows the shape and the legal
// transitions, so it can be tested in isolation.
package task

import (
	"time"

	"github.com/MartianGreed/marathon/internal/ids"
)

// State is a task's lifecycle state. Terminal states are sinks: no
// transition leaves them.
type State uint8

const (
	StateUnspecified State = iota
	StateQueued
	StateStarting
	StateRunning
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unspecified"
	}
}

// Terminal reports whether s is one of the sink states.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// transitions enumerates every legal (from, to) pair per spec §3. Anything
// absent from this table, including every transition out of a terminal
// state, is illegal.
var transitions = map[State]map[State]bool{
	StateUnspecified: {StateQueued: true},
	StateQueued:      {StateStarting: true, StateCancelled: true},
	StateStarting:    {StateRunning: true, StateFailed: true, StateCancelled: true},
	StateRunning:     {StateCompleted: true, StateFailed: true, StateCancelled: true},
}

// CanTransition reports whether moving from s to next is legal.
func CanTransition(s, next State) bool {
	return transitions[s][next]
}

// UsageMetrics is the six additive counters of spec §3.
type UsageMetrics struct {
	ComputeTimeMs    int64
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64
	ToolCalls        int64
}

// Add returns the element-wise sum of u and o.
func (u UsageMetrics) Add(o UsageMetrics) UsageMetrics {
	return UsageMetrics{
		ComputeTimeMs:    u.ComputeTimeMs + o.ComputeTimeMs,
		InputTokens:      u.InputTokens + o.InputTokens,
		OutputTokens:     u.OutputTokens + o.OutputTokens,
		CacheReadTokens:  u.CacheReadTokens + o.CacheReadTokens,
		CacheWriteTokens: u.CacheWriteTokens + o.CacheWriteTokens,
		ToolCalls:        u.ToolCalls + o.ToolCalls,
	}
}

// Task is a unit of agent work tracked through its state machine. Strings
// are owned copies taken at construction; a Task's identity is its ID,
// compared by byte equality.
type Task struct {
	ID       ids.TaskID
	ClientID ids.ClientID
	State    State

	RepoURL string
	Branch  string
	Prompt  string

	HasNodeID bool
	NodeID    ids.NodeID
	HasVMID   bool
	VMID      ids.VMID

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	ErrorMessage *string
	PRURL        *string

	Usage UsageMetrics

	CreatePR bool
	PRTitle  *string
	PRBody   *string

	GithubToken *string
}

// Clone returns a deep copy suitable for handing to a caller outside the
// scheduler lock: no interior pointer of the returned Task aliases the
// original's memory.
func (t *Task) Clone() *Task {
	c := *t
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	if t.ErrorMessage != nil {
		v := *t.ErrorMessage
		c.ErrorMessage = &v
	}
	if t.PRURL != nil {
		v := *t.PRURL
		c.PRURL = &v
	}
	if t.PRTitle != nil {
		v := *t.PRTitle
		c.PRTitle = &v
	}
	if t.PRBody != nil {
		v := *t.PRBody
		c.PRBody = &v
	}
	if t.GithubToken != nil {
		v := *t.GithubToken
		c.GithubToken = &v
	}
	return &c
}

// CompleteResult carries the terminal outcome applied by Scheduler.Complete.
type CompleteResult struct {
	State        State // must be one of the terminal states
	ErrorMessage *string
	PRURL        *string
	Usage        UsageMetrics
}
