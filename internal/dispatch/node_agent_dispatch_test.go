package dispatch

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/MartianGreed/marathon/internal/ids"
	"github.com/MartianGreed/marathon/internal/vmpool"
	"github.com/MartianGreed/marathon/internal/wire"
)

type fakeAgentBackend struct{}

func (fakeAgentBackend) Restore(ctx context.Context, id ids.VMID, cid uint32) (*vmpool.VM, error) {
	return &vmpool.VM{ID: id, CID: cid}, nil
}
func (fakeAgentBackend) ColdBoot(ctx context.Context, id ids.VMID, cid uint32) (*vmpool.VM, error) {
	return &vmpool.VM{ID: id, CID: cid}, nil
}
func (fakeAgentBackend) Stop(ctx context.Context, vm *vmpool.VM) error { return nil }

type fakeUplink struct {
	mu  sync.Mutex
	msg []struct {
		t wire.MessageType
		p any
	}
}

func (u *fakeUplink) WriteMessage(t wire.MessageType, _ uint32, payload any) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.msg = append(u.msg, struct {
		t wire.MessageType
		p any
	}{t, payload})
	return nil
}

func (u *fakeUplink) types() []wire.MessageType {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]wire.MessageType, len(u.msg))
	for i, m := range u.msg {
		out[i] = m.t
	}
	return out
}

func TestNodeAgentRunsTaskAndRelaysCompletion(t *testing.T) {
	pool := vmpool.New(fakeAgentBackend{}, 4, t.TempDir())
	pool.RefillTo(context.Background(), 1)

	guestConn, hostConn := net.Pipe()
	defer guestConn.Close()
	up := &fakeUplink{}
	agent := NewNodeAgent(pool, up, 9999)
	agent.dial = func(ctx context.Context, cid, port uint32) (*wire.Conn, error) {
		return wire.NewConn(hostConn), nil
	}

	taskID, err := ids.NewTaskID()
	if err != nil {
		t.Fatal(err)
	}
	req := &wire.ExecuteTaskRequest{TaskID: [32]byte(taskID), RepoURL: "https://github.com/acme/repo"}

	done := make(chan struct{})
	go func() {
		agent.runTask(context.Background(), req)
		close(done)
	}()

	guest := wire.NewConn(guestConn)
	startMsg, err := guest.ReadMessage()
	if err != nil {
		t.Fatalf("guest ReadMessage: %v", err)
	}
	if _, ok := startMsg.Payload.(*wire.VsockStart); !ok {
		t.Fatalf("expected VsockStart, got %T", startMsg.Payload)
	}

	if err := guest.WriteMessage(wire.MsgVsockComplete, 0, &wire.VsockComplete{
		TaskID:  [32]byte(taskID),
		Success: true,
	}); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runTask did not return after completion")
	}

	types := up.types()
	if len(types) != 2 || types[0] != wire.MsgTaskEvent || types[1] != wire.MsgVsockComplete {
		t.Fatalf("unexpected relayed message sequence: %v", types)
	}
	if pool.ActiveCount() != 0 || pool.WarmCount() != 0 {
		t.Fatalf("expected VM released after task completion: active=%d warm=%d", pool.ActiveCount(), pool.WarmCount())
	}
}

func TestNodeAgentNoWarmVMReportsError(t *testing.T) {
	pool := vmpool.New(fakeAgentBackend{}, 4, t.TempDir())
	up := &fakeUplink{}
	agent := NewNodeAgent(pool, up, 9999)

	taskID, err := ids.NewTaskID()
	if err != nil {
		t.Fatal(err)
	}
	agent.runTask(context.Background(), &wire.ExecuteTaskRequest{TaskID: [32]byte(taskID)})

	types := up.types()
	if len(types) != 1 || types[0] != wire.MsgVsockError {
		t.Fatalf("expected a single VsockError relay, got %v", types)
	}
}
