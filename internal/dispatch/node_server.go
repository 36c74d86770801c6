package dispatch

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/MartianGreed/marathon/internal/ids"
	"github.com/MartianGreed/marathon/internal/logging"
	"github.com/MartianGreed/marathon/internal/registry"
	"github.com/MartianGreed/marathon/internal/scheduler"
	"github.com/MartianGreed/marathon/internal/task"
	"github.com/MartianGreed/marathon/internal/wire"
)

// heartbeatSkew is the maximum tolerated difference between a node's
// clock and the orchestrator's when verifying a heartbeat's HMAC (spec
// §4.5 step 1).
const heartbeatSkew = 5 * time.Minute

// TokenSource supplies the per-task secrets injected into an
// ExecuteTaskRequest just before it leaves the orchestrator (spec §9):
// the node and the VM it forwards to never see a secret outside the
// single heartbeat response that carries it.
type TokenSource interface {
	AnthropicKey() *string
}

// NodeRepository durably records node status for operator visibility
// (spec §6.3); it is not on the scheduling hot path, so NodeServer writes
// to it best-effort off of every heartbeat.
type NodeRepository interface {
	Upsert(ctx context.Context, status registry.Status) error
}

// NodeServer is the orchestrator's node-facing accept loop: heartbeat
// authentication, registry bookkeeping, scheduling, and command
// dispatch (spec §4.5), plus the return path for vsock_output /
// vsock_metrics / vsock_complete / vsock_error relayed up from a node's
// running VMs.
type NodeServer struct {
	reg      *registry.Registry
	sched    *scheduler.Scheduler
	tokens   TokenSource
	secret   []byte
	nodeRepo NodeRepository

	mu      sync.Mutex
	pending map[ids.NodeID][]wire.NodeCommand
}

// NewNodeServer returns a NodeServer. secret is the shared HMAC key every
// node heartbeat must be signed with. nodeRepo may be nil, in which case
// node status is tracked in the in-memory registry only.
func NewNodeServer(reg *registry.Registry, sched *scheduler.Scheduler, tokens TokenSource, secret []byte, nodeRepo NodeRepository) *NodeServer {
	return &NodeServer{
		reg:      reg,
		sched:    sched,
		tokens:   tokens,
		secret:   secret,
		nodeRepo: nodeRepo,
		pending:  make(map[ids.NodeID][]wire.NodeCommand),
	}
}

// Serve accepts node connections on ln until it returns an error.
func (s *NodeServer) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *NodeServer) handleConn(netConn net.Conn) {
	defer netConn.Close()
	conn := wire.NewConn(netConn)

	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := s.dispatch(conn, msg); err != nil {
			logging.Op().Warn("node dispatch error", "remote", netConn.RemoteAddr().String(), "error", err)
			return
		}
	}
}

func (s *NodeServer) dispatch(conn *wire.Conn, msg wire.Message) error {
	switch p := msg.Payload.(type) {
	case *wire.HeartbeatRequest:
		return s.handleHeartbeat(conn, msg.Header.RequestID, p)
	case *wire.VsockOutput:
		return s.relayOutput(p)
	case *wire.VsockMetrics:
		return s.relayMetrics(p)
	case *wire.VsockComplete:
		return s.relayComplete(p)
	case *wire.VsockError:
		return s.relayError(p)
	case *wire.TaskEvent:
		return s.relayStateChange(p)
	default:
		return conn.WriteMessage(wire.MsgErrorResponse, msg.Header.RequestID, &wire.ErrorResponse{
			Code:    "UNSUPPORTED_MESSAGE",
			Message: "message type not handled on this endpoint",
		})
	}
}

// handleHeartbeat implements spec §4.5's four steps: authenticate,
// register-or-update, drain the scheduler queue, and deliver commands.
func (s *NodeServer) handleHeartbeat(conn *wire.Conn, requestID uint32, req *wire.HeartbeatRequest) error {
	if !s.verifyHMAC(req) {
		return conn.WriteMessage(wire.MsgErrorResponse, requestID, &wire.ErrorResponse{
			Code:    "AUTH_FAILED",
			Message: "heartbeat HMAC invalid or outside the allowed clock skew",
		})
	}

	status := statusFromWire(req.Status)
	now := time.Now()
	s.reg.Update(status, now)
	s.persistNodeStatus(status)

	nodeID := status.NodeID
	for {
		assignment, ok := s.sched.ScheduleNext()
		if !ok {
			break
		}
		// The assigned node is whichever one the scheduler's scoring picked,
		// not necessarily the one heartbeating right now; it is delivered on
		// that node's own next heartbeat.
		s.enqueueCommand(assignment.NodeID, s.buildExecuteCommand(assignment))
	}

	resp := &wire.HeartbeatResponse{Commands: s.drainCommands(nodeID)}
	return conn.WriteMessage(wire.MsgHeartbeatResponse, requestID, resp)
}

// persistNodeStatus mirrors a heartbeat's status into nodeRepo, if one was
// configured. Fire-and-forget: a Postgres outage must never stall the
// heartbeat response a node is waiting on.
func (s *NodeServer) persistNodeStatus(status registry.Status) {
	if s.nodeRepo == nil {
		return
	}
	go func() {
		if err := s.nodeRepo.Upsert(context.Background(), status); err != nil {
			logging.Op().Warn("persist node status failed", "node_id", status.NodeID.String(), "error", err)
		}
	}()
}

func (s *NodeServer) buildExecuteCommand(a scheduler.Assignment) wire.NodeCommand {
	t := a.Task
	exec := &wire.ExecuteTaskRequest{
		TaskID:      [32]byte(t.ID),
		RepoURL:     t.RepoURL,
		Branch:      t.Branch,
		Prompt:      t.Prompt,
		GithubToken: t.GithubToken,
		CreatePR:    t.CreatePR,
		PRTitle:     t.PRTitle,
		PRBody:      t.PRBody,
		TimeoutMs:   defaultTaskTimeoutMs,
	}
	if s.tokens != nil {
		exec.AnthropicKey = s.tokens.AnthropicKey()
	}
	return wire.NodeCommand{Kind: wire.NodeCommandExecuteTask, Execute: exec}
}

// defaultTaskTimeoutMs is the node-enforced wall-clock budget for a task
// that does not specify its own (spec §5).
const defaultTaskTimeoutMs = 10 * 60 * 1000

func (s *NodeServer) enqueueCommand(nodeID ids.NodeID, cmd wire.NodeCommand) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[nodeID] = append(s.pending[nodeID], cmd)
}

func (s *NodeServer) drainCommands(nodeID ids.NodeID) []wire.NodeCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmds := s.pending[nodeID]
	delete(s.pending, nodeID)
	return cmds
}

// verifyHMAC checks req.HMAC against HMAC-SHA256(secret, node_id||timestamp)
// and rejects timestamps outside heartbeatSkew of the orchestrator's
// clock, guarding against both forged and replayed heartbeats.
func (s *NodeServer) verifyHMAC(req *wire.HeartbeatRequest) bool {
	if !req.HasHMAC {
		return len(s.secret) == 0
	}
	if len(s.secret) == 0 {
		return false
	}

	skew := time.Since(time.UnixMilli(req.TimestampMs))
	if skew < 0 {
		skew = -skew
	}
	if skew > heartbeatSkew {
		return false
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(req.Status.NodeID[:])
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(req.TimestampMs))
	mac.Write(tsBuf[:])
	expected := mac.Sum(nil)

	return hmac.Equal(expected, req.HMAC[:])
}

func statusFromWire(s wire.NodeStatus) registry.Status {
	out := registry.Status{
		NodeID:             ids.NodeID(s.NodeID),
		Hostname:           s.Hostname,
		TotalVMSlots:       s.TotalVMSlots,
		ActiveVMs:          s.ActiveVMs,
		WarmVMs:            s.WarmVMs,
		CPUUsage:           s.CPUUsage,
		MemoryUsage:        s.MemoryUsage,
		DiskAvailableBytes: s.DiskAvailableBytes,
		Healthy:            s.Healthy,
		Draining:           s.Draining,
		UptimeSeconds:      s.UptimeSeconds,
	}
	if s.HasLastTaskAt {
		t := time.UnixMilli(s.LastTaskAtMs)
		out.LastTaskAt = &t
	}
	for _, raw := range s.ActiveTaskIDs {
		if id, ok := ids.TaskIDFromBytes(raw[:]); ok {
			out.ActiveTaskIDs = append(out.ActiveTaskIDs, id)
		}
	}
	return out
}

func (s *NodeServer) relayOutput(p *wire.VsockOutput) error {
	id, ok := ids.TaskIDFromBytes(p.TaskID[:])
	if !ok {
		return nil
	}
	return ignoreNotFound(s.sched.Notify(id, task.EventOutput, p.Data))
}

func (s *NodeServer) relayMetrics(p *wire.VsockMetrics) error {
	id, ok := ids.TaskIDFromBytes(p.TaskID[:])
	if !ok {
		return nil
	}
	return ignoreNotFound(s.sched.AddUsage(id, task.UsageMetrics(p.Usage)))
}

func (s *NodeServer) relayComplete(p *wire.VsockComplete) error {
	id, ok := ids.TaskIDFromBytes(p.TaskID[:])
	if !ok {
		return nil
	}
	result := task.CompleteResult{
		State:        task.StateCompleted,
		ErrorMessage: p.ErrorMessage,
		PRURL:        p.PRURL,
		Usage:        task.UsageMetrics(p.Usage),
	}
	if !p.Success {
		result.State = task.StateFailed
	}
	return ignoreNotFound(s.sched.Complete(id, result))
}

// relayStateChange handles the one state transition a node reports
// directly rather than through a vsock_* relay: starting→running, sent
// once the in-VM agent has accepted a task (spec §3's legal transition
// table; the only other non-terminal transition, queued→starting, is
// the scheduler's own doing and never arrives from a node).
func (s *NodeServer) relayStateChange(p *wire.TaskEvent) error {
	if p.NewState != wire.TaskStateRunning {
		return nil
	}
	id, ok := ids.TaskIDFromBytes(p.TaskID[:])
	if !ok {
		return nil
	}
	return ignoreNotFound(s.sched.MarkRunning(id))
}

func (s *NodeServer) relayError(p *wire.VsockError) error {
	id, ok := ids.TaskIDFromBytes(p.TaskID[:])
	if !ok {
		return nil
	}
	msg := p.Message
	return ignoreNotFound(s.sched.Complete(id, task.CompleteResult{
		State:        task.StateFailed,
		ErrorMessage: &msg,
	}))
}

func ignoreNotFound(err error) error {
	if err == scheduler.ErrNotFound {
		return nil
	}
	return err
}
