package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MartianGreed/marathon/internal/ids"
	"github.com/MartianGreed/marathon/internal/logging"
	"github.com/MartianGreed/marathon/internal/observability"
	"github.com/MartianGreed/marathon/internal/scheduler"
	"github.com/MartianGreed/marathon/internal/task"
	"github.com/MartianGreed/marathon/internal/wire"
)

// minURLLen/maxURLLen bound a repo URL's byte length (spec §7,
// INVALID_REPO_URL).
const (
	minURLLen = 10
	maxURLLen = 2048
)

// allowedRepoPrefixes enumerates the known git-hosting prefixes, over
// either https or ssh (spec §7). validateRepoURL also accepts any other
// https:// or git@ URL whose length is within [minURLLen, maxURLLen].
var allowedRepoPrefixes = []string{
	"https://github.com/",
	"https://gitlab.com/",
	"https://bitbucket.org/",
	"git@github.com:",
	"git@gitlab.com:",
	"git@bitbucket.org:",
}

func validateRepoURL(url string) bool {
	if len(url) < minURLLen || len(url) > maxURLLen {
		return false
	}
	for _, p := range allowedRepoPrefixes {
		if strings.HasPrefix(url, p) {
			return true
		}
	}
	return strings.HasPrefix(url, "https://") || strings.HasPrefix(url, "git@")
}

func (s *ClientServer) handleSubmit(clientID ids.ClientID, requestID uint32, req *wire.SubmitTaskRequest, outbox chan<- outboundMsg) error {
	ctx, span := observability.StartServerSpan(context.Background(), "submit_task",
		observability.AttrClientID.String(clientID.String()),
		observability.AttrRequestID.String(fmt.Sprint(requestID)),
	)
	defer span.End()

	if err := s.handleSubmitTraced(ctx, clientID, requestID, req, outbox); err != nil {
		observability.SetSpanError(span, err)
		return err
	}
	observability.SetSpanOK(span)
	return nil
}

func (s *ClientServer) handleSubmitTraced(ctx context.Context, clientID ids.ClientID, requestID uint32, req *wire.SubmitTaskRequest, outbox chan<- outboundMsg) error {
	if s.limiter != nil {
		res, err := s.limiter.Allow(ctx, clientID)
		if err != nil {
			// A rate limit backend error is never allowed to block
			// submission; log and fail open (spec's Rate limiting
			// module: a Redis outage degrades precision, not
			// availability, and FallbackBackend already handles the
			// common case locally — this only fires if that local
			// bucket itself errors).
			logging.Op().Warn("rate limit check failed, failing open", "client_id", clientID.String(), "error", err)
		} else if !res.Allowed {
			retryAfter := int(time.Until(res.ResetAt).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			return writeError(outbox, requestID, "RATE_LIMITED", fmt.Sprintf("submit rate limit exceeded, retry after %ds", retryAfter))
		}
	}

	if !validateRepoURL(req.RepoURL) {
		return writeError(outbox, requestID, "INVALID_REPO_URL", "repo_url is not an allowed github/gitlab/bitbucket https or ssh URL")
	}
	if req.GithubToken != nil && !validGithubToken(*req.GithubToken) {
		return writeError(outbox, requestID, "INVALID_GITHUB_TOKEN", "github_token does not match a known token format")
	}

	id, err := ids.NewTaskID()
	if err != nil {
		return writeError(outbox, requestID, "INTERNAL_ERROR", "failed to allocate task id")
	}
	observability.SpanFromContext(ctx).SetAttributes(observability.AttrTaskID.String(id.String()))

	t := &task.Task{
		ID:          id,
		ClientID:    clientID,
		RepoURL:     req.RepoURL,
		Branch:      req.Branch,
		Prompt:      req.Prompt,
		GithubToken: req.GithubToken,
		CreatePR:    req.CreatePR,
		PRTitle:     req.PRTitle,
		PRBody:      req.PRBody,
	}

	// Subscribe before Submit so the submitter never misses the initial
	// queued event; the scheduler holds pending subscriptions for ids
	// not yet in its table (spec §4.3).
	s.sched.Subscribe(id, func(ev task.Event) bool {
		return pushEvent(outbox, requestID, ev)
	})

	if _, err := s.sched.Submit(t); err != nil {
		if errors.Is(err, scheduler.ErrDuplicateID) {
			return writeError(outbox, requestID, "INTERNAL_ERROR", "task id collision")
		}
		return writeError(outbox, requestID, "INTERNAL_ERROR", err.Error())
	}
	return nil
}

// pushEvent forwards a task.Event to the connection's outbox as a
// TaskEvent message, stopping the subscription once the task reaches a
// terminal state. It never blocks: a full outbox drops the event rather
// than stall the scheduler lock (spec §5).
func pushEvent(outbox chan<- outboundMsg, requestID uint32, ev task.Event) bool {
	wev := &wire.TaskEvent{
		TaskID:      [32]byte(ev.TaskID),
		NewState:    wire.TaskState(ev.NewState),
		TimestampMs: ev.TimestampMs,
		EventType:   wire.EventType(ev.EventType),
		Data:        ev.Data,
	}
	select {
	case outbox <- outboundMsg{msgType: wire.MsgTaskEvent, requestID: requestID, payload: wev}:
	default:
	}
	return !ev.NewState.Terminal()
}

func (s *ClientServer) handleGetTask(requestID uint32, req *wire.GetTaskRequest, outbox chan<- outboundMsg) error {
	id, ok := ids.TaskIDFromBytes(req.TaskID[:])
	if !ok {
		return writeError(outbox, requestID, "NOT_FOUND", "malformed task id")
	}
	t, err := s.sched.GetSnapshot(id)
	if err != nil {
		return writeError(outbox, requestID, "NOT_FOUND", "task not found")
	}
	outbox <- outboundMsg{msgType: wire.MsgTaskResponse, requestID: requestID, payload: taskToWire(t)}
	return nil
}

func (s *ClientServer) handleCancel(requestID uint32, req *wire.GetTaskRequest, outbox chan<- outboundMsg) error {
	id, ok := ids.TaskIDFromBytes(req.TaskID[:])
	if !ok {
		return writeError(outbox, requestID, "NOT_FOUND", "malformed task id")
	}
	if _, err := s.sched.Cancel(id); err != nil {
		return writeError(outbox, requestID, "NOT_FOUND", "task not found")
	}
	t, err := s.sched.GetSnapshot(id)
	if err != nil {
		return writeError(outbox, requestID, "NOT_FOUND", "task not found")
	}
	outbox <- outboundMsg{msgType: wire.MsgTaskResponse, requestID: requestID, payload: taskToWire(t)}
	return nil
}

func (s *ClientServer) handleGetUsage(requestID uint32, req *wire.GetUsageRequest, outbox chan<- outboundMsg) error {
	if s.usage == nil {
		return writeError(outbox, requestID, "INTERNAL_ERROR", "usage reporting unavailable")
	}
	clientID := ids.ClientID(req.ClientID)
	total, entries, err := s.usage.Report(clientID, req.StartMs, req.EndMs)
	if err != nil {
		return writeError(outbox, requestID, "DB_ERROR", err.Error())
	}
	resp := &wire.UsageResponse{
		ClientID: req.ClientID,
		Total:    wire.UsageMetrics(total),
		Tasks:    entries,
	}
	outbox <- outboundMsg{msgType: wire.MsgUsageResponse, requestID: requestID, payload: resp}
	return nil
}

func (s *ClientServer) handleListTasks(requestID uint32, req *wire.ListTasksRequest, outbox chan<- outboundMsg) error {
	clientID := ids.ClientID(req.ClientID)
	var state *task.State
	if req.HasState {
		v := task.State(req.State)
		state = &v
	}
	tasks, total := s.sched.List(clientID, state, int(req.Limit), int(req.Offset))
	_ = total // surfaced via len(tasks) responses today; spec leaves pagination metadata to the caller's offset math

	for _, t := range tasks {
		outbox <- outboundMsg{msgType: wire.MsgTaskResponse, requestID: requestID, payload: taskToWire(t)}
	}
	return nil
}

// validGithubToken accepts the two current GitHub PAT formats (classic
// "ghp_" and fine-grained "github_pat_") plus the legacy 40-hex-char
// format, matching spec §7's INVALID_GITHUB_TOKEN rule.
func validGithubToken(tok string) bool {
	if strings.HasPrefix(tok, "ghp_") || strings.HasPrefix(tok, "github_pat_") {
		return len(tok) >= 20
	}
	if len(tok) != 40 {
		return false
	}
	for _, r := range tok {
		if !isHex(r) {
			return false
		}
	}
	return true
}

func isHex(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
}
