package main

import (
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"time"

	"github.com/MartianGreed/marathon/internal/logging"
	"github.com/MartianGreed/marathon/internal/observability"
	"github.com/MartianGreed/marathon/internal/wire"
)

// handleConn owns one task's lifecycle on one connection: the node dials
// a fresh connection per task (dispatch.NodeAgent.runTask), so unlike the
// heartbeat link this connection carries exactly one VsockStart and
// exactly one terminal vsock_complete/vsock_error.
func handleConn(conn *wire.Conn, workDir string) {
	defer conn.Close()

	_ = conn.WriteMessage(wire.MsgVsockReady, 0, &wire.VsockReady{})

	msg, err := conn.ReadMessage()
	if err != nil {
		return
	}
	start, ok := msg.Payload.(*wire.VsockStart)
	if !ok {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if start.TimeoutMs > 0 {
		var timeoutCancel context.CancelFunc
		ctx, timeoutCancel = context.WithTimeout(ctx, time.Duration(start.TimeoutMs)*time.Millisecond)
		defer timeoutCancel()
	}
	ctx = observability.InjectTraceContext(ctx, traceContextFromStart(start))

	go watchForCancel(conn, cancel)

	runTask(ctx, conn, workDir, start)
}

func traceContextFromStart(start *wire.VsockStart) observability.TraceContext {
	var tc observability.TraceContext
	if start.TraceParent != nil {
		tc.TraceParent = *start.TraceParent
	}
	if start.TraceState != nil {
		tc.TraceState = *start.TraceState
	}
	return tc
}

// watchForCancel blocks on reads from conn for the lifetime of the task,
// looking only for a vsock_cancel; any read error (including the
// connection closing once the task completes) also unblocks it.
func watchForCancel(conn *wire.Conn, cancel context.CancelFunc) {
	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if _, ok := msg.Payload.(*wire.VsockCancel); ok {
			cancel()
			return
		}
	}
}

func runTask(ctx context.Context, conn *wire.Conn, workDir string, start *wire.VsockStart) {
	f := &forwarder{conn: conn, taskID: start.TaskID}
	log := logging.OpWithTrace(observability.GetTraceID(ctx), observability.GetSpanID(ctx))

	taskDir := filepath.Join(workDir, hex.EncodeToString(start.TaskID[:]))
	if err := os.MkdirAll(taskDir, 0755); err != nil {
		log.Error("create task workdir failed", "error", err)
		f.complete(false, "create task workdir: "+err.Error(), nil, wire.UsageMetrics{})
		return
	}
	defer os.RemoveAll(taskDir)

	log.Info("task started", "repo_url", start.RepoURL, "branch", start.Branch)
	f.output("cloning " + start.RepoURL + " (" + start.Branch + ")\n")
	if err := cloneRepo(ctx, taskDir, start.RepoURL, start.Branch, start.GithubToken); err != nil {
		if ctx.Err() != nil {
			f.completeCanceled()
			return
		}
		log.Error("clone failed", "error", err)
		f.complete(false, "clone failed: "+err.Error(), nil, wire.UsageMetrics{})
		return
	}

	usage, err := runCodingAgent(ctx, taskDir, start, f)
	if err != nil {
		if ctx.Err() != nil {
			f.completeCanceled()
			return
		}
		log.Error("agent run failed", "error", err)
		f.complete(false, "agent run failed: "+err.Error(), nil, usage)
		return
	}

	var prURL *string
	if start.CreatePR {
		url, err := openPullRequest(ctx, taskDir, start)
		if err != nil {
			log.Error("pull request failed", "error", err)
			f.complete(false, "pull request failed: "+err.Error(), nil, usage)
			return
		}
		prURL = &url
	}

	log.Info("task completed")
	f.complete(true, "", prURL, usage)
}
