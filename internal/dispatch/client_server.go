// Package dispatch wires the scheduler and registry to the network: the
// client-facing and node-facing TCP accept loops, and the node-side
// acquire/vsock_start/forward loop (spec §4.5).
package dispatch

import (
	"net"

	"github.com/MartianGreed/marathon/internal/ids"
	"github.com/MartianGreed/marathon/internal/logging"
	"github.com/MartianGreed/marathon/internal/ratelimit"
	"github.com/MartianGreed/marathon/internal/scheduler"
	"github.com/MartianGreed/marathon/internal/task"
	"github.com/MartianGreed/marathon/internal/wire"
)

// outboxDepth bounds the per-connection outgoing event queue (spec §5:
// subscriber callbacks must be O(1) and never block on I/O while holding
// the scheduler lock).
const outboxDepth = 256

// ClientServer is the orchestrator's client-facing accept loop: submit,
// get_task, cancel_task, get_usage, list_tasks, and the task_event stream
// for a submitted task's lifetime.
type ClientServer struct {
	sched   *scheduler.Scheduler
	usage   UsageRepository
	limiter *ratelimit.Limiter
}

// UsageRepository is the billing-facing persistence contract consumed by
// get_usage (spec §6.3); the orchestrator binary supplies a Postgres
// implementation.
type UsageRepository interface {
	Report(clientID ids.ClientID, startMs, endMs int64) (task.UsageMetrics, []wire.TaskUsageEntry, error)
}

// NewClientServer returns a ClientServer dispatching onto sched. limiter
// may be nil, in which case submit_task is never throttled (used by tests
// and by deployments that accept the backpressure risk).
func NewClientServer(sched *scheduler.Scheduler, usage UsageRepository, limiter *ratelimit.Limiter) *ClientServer {
	return &ClientServer{sched: sched, usage: usage, limiter: limiter}
}

// Serve accepts connections on ln until it returns an error (typically
// because ln was closed for shutdown). Each connection is handled on its
// own goroutine; a connection error is fatal only to that connection
// (spec §4.5 failure semantics).
func (s *ClientServer) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *ClientServer) handleConn(netConn net.Conn) {
	defer netConn.Close()

	clientID := ids.ClientIDFromAddr(netConn.RemoteAddr())
	conn := wire.NewConn(netConn)

	outbox := make(chan outboundMsg, outboxDepth)
	done := make(chan struct{})
	defer close(done)
	go writerLoop(conn, outbox, done)

	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := s.dispatch(conn, clientID, msg, outbox); err != nil {
			logging.Op().Warn("client dispatch error", "client_id", clientID.String(), "error", err)
			return
		}
	}
}

type outboundMsg struct {
	msgType   wire.MessageType
	requestID uint32
	payload   any
}

// writerLoop serializes all writes to conn: responses and task_event
// pushes share one goroutine so they never race on the socket.
func writerLoop(conn *wire.Conn, outbox <-chan outboundMsg, done <-chan struct{}) {
	for {
		select {
		case m, ok := <-outbox:
			if !ok {
				return
			}
			if err := conn.WriteMessage(m.msgType, m.requestID, m.payload); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (s *ClientServer) dispatch(conn *wire.Conn, clientID ids.ClientID, msg wire.Message, outbox chan<- outboundMsg) error {
	switch p := msg.Payload.(type) {
	case *wire.SubmitTaskRequest:
		return s.handleSubmit(clientID, msg.Header.RequestID, p, outbox)
	case *wire.GetTaskRequest:
		if msg.Header.Type == wire.MsgCancelTask {
			return s.handleCancel(msg.Header.RequestID, p, outbox)
		}
		return s.handleGetTask(msg.Header.RequestID, p, outbox)
	case *wire.GetUsageRequest:
		return s.handleGetUsage(msg.Header.RequestID, p, outbox)
	case *wire.ListTasksRequest:
		return s.handleListTasks(msg.Header.RequestID, p, outbox)
	default:
		return writeError(outbox, msg.Header.RequestID, "UNSUPPORTED_MESSAGE", "message type not handled on this endpoint")
	}
}

func writeError(outbox chan<- outboundMsg, requestID uint32, code, message string) error {
	outbox <- outboundMsg{
		msgType:   wire.MsgErrorResponse,
		requestID: requestID,
		payload:   &wire.ErrorResponse{Code: code, Message: message},
	}
	return nil
}

func taskToWire(t *task.Task) *wire.TaskResponse {
	resp := &wire.TaskResponse{
		TaskID:       [32]byte(t.ID),
		ClientID:     [16]byte(t.ClientID),
		State:        wire.TaskState(t.State),
		RepoURL:      t.RepoURL,
		Branch:       t.Branch,
		Prompt:       t.Prompt,
		HasNodeID:    t.HasNodeID,
		HasVMID:      t.HasVMID,
		CreatedAtMs:  t.CreatedAt.UnixMilli(),
		ErrorMessage: t.ErrorMessage,
		PRURL:        t.PRURL,
		CreatePR:     t.CreatePR,
		PRTitle:      t.PRTitle,
		PRBody:       t.PRBody,
		Usage:        wire.UsageMetrics(t.Usage),
	}
	if t.HasNodeID {
		resp.NodeID = [16]byte(t.NodeID)
	}
	if t.HasVMID {
		resp.VMID = [16]byte(t.VMID)
	}
	if t.StartedAt != nil {
		ms := t.StartedAt.UnixMilli()
		resp.StartedAtMs = &ms
	}
	if t.CompletedAt != nil {
		ms := t.CompletedAt.UnixMilli()
		resp.CompletedAtMs = &ms
	}
	return resp
}
