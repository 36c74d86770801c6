// Package scheduler owns the authoritative task table and FIFO queue
// (spec §4.3): task submission, node selection via the registry, the
// lifecycle state machine, and event fan-out to streaming subscribers.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MartianGreed/marathon/internal/ids"
	"github.com/MartianGreed/marathon/internal/logging"
	"github.com/MartianGreed/marathon/internal/metrics"
	"github.com/MartianGreed/marathon/internal/registry"
	"github.com/MartianGreed/marathon/internal/store"
	"github.com/MartianGreed/marathon/internal/task"
)

// ErrDuplicateID is returned by Submit when the caller supplies a TaskID
// already present in the scheduler's table.
var ErrDuplicateID = errors.New("scheduler: duplicate task id")

// ErrNotFound is returned by operations addressing an unknown TaskID.
var ErrNotFound = errors.New("scheduler: task not found")

// maxListLimit caps List's limit parameter (spec §4.3).
const maxListLimit = 1000

type taskContext struct {
	t           *task.Task
	subscribers []task.Subscriber
}

// Scheduler is safe for concurrent use. A single mutex guards both the
// task table and the FIFO queue; read operations return deep copies so
// the lock is never held while a caller inspects a Task (spec §5).
type Scheduler struct {
	reg       *registry.Registry
	taskRepo  store.TaskRepository
	usageRepo store.UsageRepository

	mu      sync.Mutex
	tasks   map[ids.TaskID]*taskContext
	queue   []ids.TaskID
	pending map[ids.TaskID][]task.Subscriber // subscribers registered before submit
	now     func() time.Time
}

// Option configures optional Scheduler dependencies.
type Option func(*Scheduler)

// WithTaskRepository has the scheduler mirror every task lifecycle
// transition into repo (spec §6.3: the core consumes the repository
// contract directly). Writes are fire-and-forget: a persistence failure
// is logged, never propagated, so a Postgres outage can't stall
// scheduling.
func WithTaskRepository(repo store.TaskRepository) Option {
	return func(s *Scheduler) { s.taskRepo = repo }
}

// WithUsageRepository has the scheduler append a task's final usage to
// the billing ledger once it reaches a terminal state.
func WithUsageRepository(repo store.UsageRepository) Option {
	return func(s *Scheduler) { s.usageRepo = repo }
}

// New returns an empty Scheduler backed by reg for node selection.
func New(reg *registry.Registry, opts ...Option) *Scheduler {
	s := &Scheduler{
		reg:     reg,
		tasks:   make(map[ids.TaskID]*taskContext),
		pending: make(map[ids.TaskID][]task.Subscriber),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// persistCreate mirrors a newly submitted task, if a TaskRepository was
// configured. t is cloned so the background write never races the
// scheduler's own mutations.
func (s *Scheduler) persistCreate(t *task.Task) {
	if s.taskRepo == nil {
		return
	}
	snapshot := t.Clone()
	go func() {
		if err := s.taskRepo.Create(context.Background(), snapshot); err != nil {
			logging.Op().Warn("persist task create failed", "task_id", snapshot.ID.String(), "error", err)
		}
	}()
}

// persistUpdate mirrors a task mutation described by patch, if a
// TaskRepository was configured.
func (s *Scheduler) persistUpdate(id ids.TaskID, patch store.TaskPatch) {
	if s.taskRepo == nil {
		return
	}
	go func() {
		if err := s.taskRepo.Update(context.Background(), id, patch); err != nil {
			logging.Op().Warn("persist task update failed", "task_id", id.String(), "error", err)
		}
	}()
}

// persistUsage appends a task's total usage to the billing ledger, if a
// UsageRepository was configured.
func (s *Scheduler) persistUsage(id ids.TaskID, clientID ids.ClientID, usage task.UsageMetrics, ts time.Time) {
	if s.usageRepo == nil {
		return
	}
	go func() {
		if err := s.usageRepo.Append(context.Background(), id, clientID, usage, ts); err != nil {
			logging.Op().Warn("persist usage append failed", "task_id", id.String(), "error", err)
		}
	}()
}

// Submit enqueues t in state queued. It fails with ErrDuplicateID if
// t.ID is already present.
func (s *Scheduler) Submit(t *task.Task) (ids.TaskID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[t.ID]; ok {
		return ids.TaskID{}, ErrDuplicateID
	}

	t.State = task.StateQueued
	t.CreatedAt = s.now()

	ctx := &taskContext{t: t}
	if subs, ok := s.pending[t.ID]; ok {
		ctx.subscribers = subs
		delete(s.pending, t.ID)
	}
	s.tasks[t.ID] = ctx
	s.queue = append(s.queue, t.ID)
	metrics.SetQueueDepth(len(s.queue))

	s.emitLocked(ctx, task.StateQueued, task.EventStateChange, nil)
	s.persistCreate(t)

	logging.Op().Info("task submitted", "task_id", t.ID.String(), "client_id", t.ClientID.String())
	return t.ID, nil
}

// GetState returns the task's current state.
func (s *Scheduler) GetState(id ids.TaskID) (task.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, ok := s.tasks[id]
	if !ok {
		return task.StateUnspecified, ErrNotFound
	}
	return ctx.t.State, nil
}

// GetSnapshot returns a deep copy of the task.
func (s *Scheduler) GetSnapshot(id ids.TaskID) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return ctx.t.Clone(), nil
}

// Assignment is the result of a successful ScheduleNext call.
type Assignment struct {
	Task   *task.Task
	NodeID ids.NodeID
}

// ScheduleNext dequeues the head task and attempts to place it on the
// best-scoring eligible node. On success it transitions queued→starting,
// stamps NodeID and StartedAt, and returns the assignment. On failure (no
// eligible node, or an empty queue) it requeues the task at the tail (if
// any) and returns false.
func (s *Scheduler) ScheduleNext() (Assignment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheduleNextLocked()
}

func (s *Scheduler) scheduleNextLocked() (Assignment, bool) {
	if len(s.queue) == 0 {
		return Assignment{}, false
	}

	id := s.queue[0]
	s.queue = s.queue[1:]

	ctx, ok := s.tasks[id]
	if !ok {
		// Stale queue entry (task removed from the table); try the next one
		// instead of wedging scheduling on a dangling id.
		return s.scheduleNextLocked()
	}

	if ctx.t.State.Terminal() {
		// Cancelled (or otherwise completed) while still queued; drop it
		// and move on instead of treating it like a live, unplaceable task.
		return s.scheduleNextLocked()
	}

	nodeID, found := s.reg.SelectBest()
	if !found || !task.CanTransition(ctx.t.State, task.StateStarting) {
		s.queue = append(s.queue, id)
		return Assignment{}, false
	}

	now := s.now()
	ctx.t.State = task.StateStarting
	ctx.t.HasNodeID = true
	ctx.t.NodeID = nodeID
	ctx.t.StartedAt = &now
	metrics.SetQueueDepth(len(s.queue))
	metrics.IncActiveTasks()
	metrics.SetQueueWaitMs(now.Sub(ctx.t.CreatedAt).Milliseconds())

	s.emitLocked(ctx, task.StateStarting, task.EventStateChange, nil)
	startedState := task.StateStarting
	s.persistUpdate(id, store.TaskPatch{State: &startedState, NodeID: &nodeID, StartedAt: &now})

	logging.Op().Info("task scheduled", "task_id", id.String(), "node_id", nodeID.String())
	return Assignment{Task: ctx.t.Clone(), NodeID: nodeID}, true
}

// Complete applies a terminal outcome. It is idempotent: calling it again
// after the task is already terminal is a no-op (spec §7).
func (s *Scheduler) Complete(id ids.TaskID, result task.CompleteResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if ctx.t.State.Terminal() {
		return nil
	}
	if !task.CanTransition(ctx.t.State, result.State) {
		return nil
	}

	now := s.now()
	ctx.t.State = result.State
	ctx.t.CompletedAt = &now
	ctx.t.Usage = ctx.t.Usage.Add(result.Usage)
	ctx.t.ErrorMessage = result.ErrorMessage
	ctx.t.PRURL = result.PRURL

	s.emitLocked(ctx, result.State, task.EventComplete, nil)
	ctx.subscribers = nil

	finalState := ctx.t.State
	finalUsage := ctx.t.Usage
	s.persistUpdate(id, store.TaskPatch{
		State:        &finalState,
		CompletedAt:  &now,
		ErrorMessage: ctx.t.ErrorMessage,
		PRURL:        ctx.t.PRURL,
		Usage:        &finalUsage,
	})
	s.persistUsage(id, ctx.t.ClientID, finalUsage, now)

	metrics.DecActiveTasks()
	durationMs := int64(0)
	if ctx.t.StartedAt != nil {
		durationMs = now.Sub(*ctx.t.StartedAt).Milliseconds()
	}
	outcome := metrics.TaskFailed
	if result.State == task.StateCompleted {
		outcome = metrics.TaskSucceeded
	}
	metrics.Global().RecordTaskCompletion(ctx.t.ClientID.String(), durationMs, false, outcome)

	return nil
}

// MarkRunning transitions a task from starting to running, once the node
// dispatcher confirms the in-VM agent has accepted the task. It is a
// no-op if the task is not currently starting (already running, already
// terminal, or unknown to this table).
func (s *Scheduler) MarkRunning(id ids.TaskID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if !task.CanTransition(ctx.t.State, task.StateRunning) {
		return nil
	}
	ctx.t.State = task.StateRunning
	s.emitLocked(ctx, task.StateRunning, task.EventStateChange, nil)
	runningState := task.StateRunning
	s.persistUpdate(id, store.TaskPatch{State: &runningState})
	return nil
}

// Notify relays an out-of-band event (output, mid-run error) for a task
// to its current subscribers without altering its state. The node
// dispatcher uses this to forward vsock_output chunks as they arrive,
// rather than waiting for the next state transition.
func (s *Scheduler) Notify(id ids.TaskID, evType task.EventType, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	s.emitLocked(ctx, ctx.t.State, evType, data)
	return nil
}

// AddUsage accumulates an incremental usage report (spec's vsock_metrics)
// into the task's running totals.
func (s *Scheduler) AddUsage(id ids.TaskID, usage task.UsageMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	ctx.t.Usage = ctx.t.Usage.Add(usage)
	return nil
}

// Cancel transitions a non-terminal task to cancelled. It returns false
// if the task was already terminal (or unknown).
func (s *Scheduler) Cancel(id ids.TaskID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, ok := s.tasks[id]
	if !ok {
		return false, ErrNotFound
	}
	if ctx.t.State.Terminal() {
		return false, nil
	}
	if !task.CanTransition(ctx.t.State, task.StateCancelled) {
		return false, nil
	}

	wasActive := ctx.t.State == task.StateStarting || ctx.t.State == task.StateRunning
	now := s.now()
	ctx.t.State = task.StateCancelled
	ctx.t.CompletedAt = &now

	s.emitLocked(ctx, task.StateCancelled, task.EventComplete, nil)
	ctx.subscribers = nil

	cancelledState := task.StateCancelled
	s.persistUpdate(id, store.TaskPatch{State: &cancelledState, CompletedAt: &now})
	s.persistUsage(id, ctx.t.ClientID, ctx.t.Usage, now)

	if wasActive {
		metrics.DecActiveTasks()
	}
	metrics.Global().RecordTaskCompletion(ctx.t.ClientID.String(), 0, false, metrics.TaskCanceled)

	return true, nil
}

// List returns a snapshot slice of client_id's tasks matching the
// optional state filter, applying limit (capped at maxListLimit) and
// offset, plus the total match count before paging.
func (s *Scheduler) List(clientID ids.ClientID, state *task.State, limit, offset int) ([]*task.Task, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	var matched []*task.Task
	for _, id := range s.orderedIDsLocked() {
		ctx := s.tasks[id]
		if ctx.t.ClientID != clientID {
			continue
		}
		if state != nil && ctx.t.State != *state {
			continue
		}
		matched = append(matched, ctx.t)
	}

	total := len(matched)
	if offset >= total {
		return nil, total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	out := make([]*task.Task, 0, end-offset)
	for _, t := range matched[offset:end] {
		out = append(out, t.Clone())
	}
	return out, total
}

// Subscribe registers sub to receive every subsequent event for id until
// it returns false or the task terminates. If id has not been submitted
// yet, the subscription is held pending and attached on Submit.
func (s *Scheduler) Subscribe(id ids.TaskID, sub task.Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, ok := s.tasks[id]
	if !ok {
		s.pending[id] = append(s.pending[id], sub)
		return
	}
	ctx.subscribers = append(ctx.subscribers, sub)
}

// emitLocked builds and delivers a TaskEvent to ctx's subscribers.
// Callers must hold s.mu. Per spec §5, subscriber callbacks run under the
// lock and must not block on I/O; they are expected to push onto a
// bounded outbound queue and return immediately.
func (s *Scheduler) emitLocked(ctx *taskContext, newState task.State, evType task.EventType, data []byte) {
	ev := task.Event{
		TaskID:      ctx.t.ID,
		NewState:    newState,
		TimestampMs: s.now().UnixMilli(),
		EventType:   evType,
		Data:        data,
	}
	live := ctx.subscribers[:0]
	for _, sub := range ctx.subscribers {
		if sub(ev) {
			live = append(live, sub)
		}
	}
	ctx.subscribers = live
}

// orderedIDsLocked returns task ids sorted by creation time, giving List a
// stable, deterministic iteration order despite Go's unordered maps.
// Caller must hold s.mu.
func (s *Scheduler) orderedIDsLocked() []ids.TaskID {
	out := make([]ids.TaskID, 0, len(s.tasks))
	for id := range s.tasks {
		out = append(out, id)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && s.tasks[out[j]].t.CreatedAt.Before(s.tasks[out[j-1]].t.CreatedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
