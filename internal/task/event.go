package task

import "github.com/MartianGreed/marathon/internal/ids"

// EventType discriminates a TaskEvent's opaque Data payload.
type EventType uint8

const (
	EventStateChange EventType = iota
	EventOutput
	EventTaskError
	EventComplete
)

// Event is one entry in a task's event stream (spec §4.3). TimestampMs is
// milliseconds since epoch, stamped under the scheduler lock so that
// events for a single task are observed in state-change order.
type Event struct {
	TaskID      ids.TaskID
	NewState    State
	TimestampMs int64
	EventType   EventType
	Data        []byte
}

// Subscriber receives every event for a task until it returns false or the
// task reaches a terminal state. It must not block: the scheduler invokes
// it while holding its lock (spec §5), so implementations push onto a
// bounded outbound queue and return immediately.
type Subscriber func(Event) bool
