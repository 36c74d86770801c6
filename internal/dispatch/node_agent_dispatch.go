package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/MartianGreed/marathon/internal/ids"
	"github.com/MartianGreed/marathon/internal/logging"
	"github.com/MartianGreed/marathon/internal/metrics"
	"github.com/MartianGreed/marathon/internal/observability"
	"github.com/MartianGreed/marathon/internal/vmpool"
	"github.com/MartianGreed/marathon/internal/vtransport"
	"github.com/MartianGreed/marathon/internal/wire"
)

// Uplink is the node's half of the node↔orchestrator connection: the
// single wire.Conn a heartbeat loop keeps open to forward vsock events
// upstream as they occur, independent of the request/response heartbeat
// cycle (spec §4.5).
type Uplink interface {
	WriteMessage(t wire.MessageType, requestID uint32, payload any) error
}

// NodeAgent runs ExecuteTaskRequest commands handed down in a
// HeartbeatResponse: it acquires a warm VM, starts the task over vsock,
// and relays the guest agent's output/metrics/completion back upstream
// (spec §4.4, §6.2).
type NodeAgent struct {
	pool   *vmpool.Pool
	uplink Uplink
	port   uint32
	dial   func(ctx context.Context, cid, port uint32) (*wire.Conn, error)

	cancelMu    sync.Mutex
	cancelConns map[ids.TaskID]*wire.Conn
}

// NewNodeAgent returns a NodeAgent drawing VMs from pool and forwarding
// events over uplink. port is the guest agent's well-known vsock port.
func NewNodeAgent(pool *vmpool.Pool, uplink Uplink, port uint32) *NodeAgent {
	return &NodeAgent{pool: pool, uplink: uplink, port: port, dial: vtransport.DialVM}
}

// HandleCommands runs every command in resp in order. Execute commands
// run in their own goroutine so a slow task cannot stall command
// delivery for the next heartbeat; cancel commands write a VsockCancel
// on the task's agent connection, tracked in cancelConns.
func (a *NodeAgent) HandleCommands(ctx context.Context, resp *wire.HeartbeatResponse) {
	for _, cmd := range resp.Commands {
		switch cmd.Kind {
		case wire.NodeCommandExecuteTask:
			if cmd.Execute != nil {
				go a.runTask(ctx, cmd.Execute)
			}
		case wire.NodeCommandCancelTask:
			a.cancel(cmd.CancelTaskID)
		}
	}
}

func (a *NodeAgent) runTask(ctx context.Context, req *wire.ExecuteTaskRequest) {
	vm, ok := a.pool.Acquire()
	if !ok {
		a.reportError(req.TaskID, "no warm VM available")
		return
	}
	defer func() {
		if err := a.pool.Release(ctx, vm.ID); err != nil {
			logging.Op().Error("vmpool release failed", "vm_id", vm.ID.String(), "error", err)
		}
	}()

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultTaskTimeoutMs * time.Millisecond
	}
	dialStart := time.Now()
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, err := a.dial(dialCtx, vm.CID, a.port)
	cancel()
	metrics.RecordVsockLatency("connect", float64(time.Since(dialStart).Milliseconds()))
	if err != nil {
		a.reportError(req.TaskID, "vsock dial failed: "+err.Error())
		return
	}
	defer conn.Close()

	a.track(req.TaskID, conn)
	defer a.untrack(req.TaskID)

	start := &wire.VsockStart{
		TaskID:       req.TaskID,
		RepoURL:      req.RepoURL,
		Branch:       req.Branch,
		Prompt:       req.Prompt,
		GithubToken:  req.GithubToken,
		AnthropicKey: req.AnthropicKey,
		CreatePR:     req.CreatePR,
		PRTitle:      req.PRTitle,
		PRBody:       req.PRBody,
		TimeoutMs:    req.TimeoutMs,
	}
	if tc := observability.ExtractTraceContext(ctx); tc.TraceParent != "" {
		start.TraceParent = &tc.TraceParent
		if tc.TraceState != "" {
			start.TraceState = &tc.TraceState
		}
	}
	if err := conn.WriteMessage(wire.MsgVsockStart, 0, start); err != nil {
		a.reportError(req.TaskID, "vsock_start send failed: "+err.Error())
		return
	}
	a.forward(wire.MsgTaskEvent, &wire.TaskEvent{TaskID: req.TaskID, NewState: wire.TaskStateRunning})

	deadline := time.Now().Add(timeout)
	for {
		if err := conn.SetReadDeadline(deadline); err != nil {
			logging.Op().Warn("vsock read deadline unavailable", "error", err)
		}
		msg, err := conn.ReadMessage()
		if err != nil {
			a.reportError(req.TaskID, "vsock connection lost: "+err.Error())
			return
		}
		if a.relayToUplink(msg) {
			return
		}
		if time.Now().After(deadline) {
			a.reportTimeout(req.TaskID)
			return
		}
	}
}

// relayToUplink forwards a guest message upstream verbatim, reusing the
// same vsock_* wire types for the node→orchestrator hop as for the
// node→guest hop (spec's wire vocabulary is closed; this avoids
// inventing a parallel set of relay-only messages). It reports whether
// the task reached a terminal outcome.
func (a *NodeAgent) relayToUplink(msg wire.Message) bool {
	switch p := msg.Payload.(type) {
	case *wire.VsockOutput:
		a.forward(wire.MsgVsockOutput, p)
		return false
	case *wire.VsockMetrics:
		a.forward(wire.MsgVsockMetrics, p)
		return false
	case *wire.VsockComplete:
		a.forward(wire.MsgVsockComplete, p)
		return true
	case *wire.VsockError:
		a.forward(wire.MsgVsockError, p)
		return true
	case *wire.VsockReady:
		return false
	default:
		return false
	}
}

func (a *NodeAgent) forward(t wire.MessageType, payload any) {
	if err := a.uplink.WriteMessage(t, 0, payload); err != nil {
		logging.Op().Error("failed to relay vsock event upstream", "type", t, "error", err)
	}
}

func (a *NodeAgent) reportError(taskID [32]byte, message string) {
	a.forward(wire.MsgVsockError, &wire.VsockError{TaskID: taskID, Message: message})
}

func (a *NodeAgent) reportTimeout(taskID [32]byte) {
	msg := "timeout"
	a.forward(wire.MsgVsockComplete, &wire.VsockComplete{
		TaskID:       taskID,
		Success:      false,
		ErrorMessage: &msg,
	})
}

func (a *NodeAgent) cancel(taskID [32]byte) {
	id, ok := ids.TaskIDFromBytes(taskID[:])
	if !ok {
		return
	}
	a.cancelMu.Lock()
	cancelConn, tracked := a.cancelConns[id]
	a.cancelMu.Unlock()
	if !tracked {
		return
	}
	_ = cancelConn.WriteMessage(wire.MsgVsockCancel, 0, &wire.VsockCancel{TaskID: taskID})
}

func (a *NodeAgent) track(taskID [32]byte, conn *wire.Conn) {
	id, ok := ids.TaskIDFromBytes(taskID[:])
	if !ok {
		return
	}
	a.cancelMu.Lock()
	defer a.cancelMu.Unlock()
	if a.cancelConns == nil {
		a.cancelConns = make(map[ids.TaskID]*wire.Conn)
	}
	a.cancelConns[id] = conn
}

func (a *NodeAgent) untrack(taskID [32]byte) {
	id, ok := ids.TaskIDFromBytes(taskID[:])
	if !ok {
		return
	}
	a.cancelMu.Lock()
	delete(a.cancelConns, id)
	a.cancelMu.Unlock()
}
