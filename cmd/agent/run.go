package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/MartianGreed/marathon/internal/wire"
)

// defaultAgentBin is the coding agent executable baked into the VM image;
// MARATHON_AGENT_CMD overrides it for local testing against a stub binary.
const defaultAgentBin = "/opt/marathon/bin/coding-agent"

// agentEvent is one line of the coding agent's stream-json output. Lines
// that don't parse as this shape are forwarded as raw text instead of
// dropped, so an agent binary that doesn't speak this protocol still
// streams something useful.
type agentEvent struct {
	Type  string              `json:"type"`
	Text  string              `json:"text"`
	Usage *wire.UsageMetrics `json:"usage"`
}

// runCodingAgent execs the VM's coding agent against the task's prompt
// inside dir (the freshly cloned repo), streaming its output and usage
// back through f as it runs. It returns the accumulated usage regardless
// of whether the agent process ultimately succeeded, so a failed task
// still bills for the work it did.
func runCodingAgent(ctx context.Context, dir string, start *wire.VsockStart, f *forwarder) (wire.UsageMetrics, error) {
	bin := os.Getenv("MARATHON_AGENT_CMD")
	if bin == "" {
		bin = defaultAgentBin
	}

	cmd := exec.CommandContext(ctx, bin, "--output-format", "stream-json")
	cmd.Dir = dir
	cmd.Stdin = strings.NewReader(start.Prompt)
	cmd.Env = os.Environ()
	if start.AnthropicKey != nil && *start.AnthropicKey != "" {
		cmd.Env = append(cmd.Env, "ANTHROPIC_API_KEY="+*start.AnthropicKey)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return wire.UsageMetrics{}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return wire.UsageMetrics{}, fmt.Errorf("stderr pipe: %w", err)
	}

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return wire.UsageMetrics{}, fmt.Errorf("start agent: %w", err)
	}

	var usage wire.UsageMetrics
	done := make(chan struct{})
	go func() {
		defer close(done)
		streamStderr(stderr, f)
	}()
	streamStdout(stdout, f, &usage)
	<-done

	err = cmd.Wait()
	if usage.ComputeTimeMs == 0 {
		usage.ComputeTimeMs = time.Since(started).Milliseconds()
	}
	if err != nil {
		return usage, fmt.Errorf("agent exited: %w", err)
	}
	return usage, nil
}

func streamStdout(r io.Reader, f *forwarder, usage *wire.UsageMetrics) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		var event agentEvent
		if err := json.Unmarshal(line, &event); err == nil && event.Type != "" {
			if event.Text != "" {
				f.output(event.Text)
			}
			if event.Usage != nil {
				usage.ComputeTimeMs += event.Usage.ComputeTimeMs
				usage.InputTokens += event.Usage.InputTokens
				usage.OutputTokens += event.Usage.OutputTokens
				usage.CacheReadTokens += event.Usage.CacheReadTokens
				usage.CacheWriteTokens += event.Usage.CacheWriteTokens
				usage.ToolCalls += event.Usage.ToolCalls
				f.metrics(*usage)
			}
			continue
		}
		f.output(string(line) + "\n")
	}
}

func streamStderr(r io.Reader, f *forwarder) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		f.output(scanner.Text() + "\n")
	}
}
