package dispatch

import (
	"net"
	"testing"
	"time"

	"github.com/MartianGreed/marathon/internal/registry"
	"github.com/MartianGreed/marathon/internal/scheduler"
	"github.com/MartianGreed/marathon/internal/wire"
)

func TestValidateRepoURL(t *testing.T) {
	cases := []struct {
		url string
		ok  bool
	}{
		{"https://github.com/acme/repo", true},
		{"git@github.com:acme/repo.git", true},
		{"https://example.com/repo", true},
		{"ftp://github.com/acme/repo", false},
		{"short", false},
	}
	for _, c := range cases {
		if got := validateRepoURL(c.url); got != c.ok {
			t.Errorf("validateRepoURL(%q) = %v, want %v", c.url, got, c.ok)
		}
	}
}

func TestValidGithubToken(t *testing.T) {
	if !validGithubToken("ghp_abcdefghijklmnopqrstuvwx") {
		t.Error("expected classic PAT to validate")
	}
	if !validGithubToken("0123456789abcdef0123456789abcdef01234567") {
		t.Error("expected 40-char hex token to validate")
	}
	if validGithubToken("not-a-token") {
		t.Error("expected malformed token to be rejected")
	}
}

func TestClientServerSubmitAndGetTask(t *testing.T) {
	reg := registry.New()
	if err := reg.Register(registry.Status{
		NodeID: [16]byte{1}, TotalVMSlots: 4, WarmVMs: 2, Healthy: true,
	}, time.Now()); err != nil {
		t.Fatal(err)
	}
	sched := scheduler.New(reg)
	srv := NewClientServer(sched, nil, nil)

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	go srv.handleConn(serverConn)

	client := wire.NewConn(clientConn)
	submitReq := &wire.SubmitTaskRequest{
		RepoURL: "https://github.com/acme/repo",
		Branch:  "main",
		Prompt:  "fix the bug",
	}
	if err := client.WriteMessage(wire.MsgSubmitTask, 1, submitReq); err != nil {
		t.Fatal(err)
	}

	msg, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	ev, ok := msg.Payload.(*wire.TaskEvent)
	if !ok {
		t.Fatalf("expected TaskEvent, got %T", msg.Payload)
	}
	if ev.NewState != wire.TaskStateQueued {
		t.Errorf("expected initial event state queued, got %v", ev.NewState)
	}

	getReq := &wire.GetTaskRequest{TaskID: ev.TaskID}
	if err := client.WriteMessage(wire.MsgGetTask, 2, getReq); err != nil {
		t.Fatal(err)
	}
	msg2, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	resp, ok := msg2.Payload.(*wire.TaskResponse)
	if !ok {
		t.Fatalf("expected TaskResponse, got %T", msg2.Payload)
	}
	if resp.RepoURL != submitReq.RepoURL {
		t.Errorf("expected repo url to round trip, got %q", resp.RepoURL)
	}
}

func TestClientServerSubmitRejectsBadRepoURL(t *testing.T) {
	sched := scheduler.New(registry.New())
	srv := NewClientServer(sched, nil, nil)

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	go srv.handleConn(serverConn)

	client := wire.NewConn(clientConn)
	if err := client.WriteMessage(wire.MsgSubmitTask, 1, &wire.SubmitTaskRequest{RepoURL: "nope"}); err != nil {
		t.Fatal(err)
	}
	msg, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	errResp, ok := msg.Payload.(*wire.ErrorResponse)
	if !ok {
		t.Fatalf("expected ErrorResponse, got %T", msg.Payload)
	}
	if errResp.Code != "INVALID_REPO_URL" {
		t.Errorf("expected INVALID_REPO_URL, got %q", errResp.Code)
	}
}
