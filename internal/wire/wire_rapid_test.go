package wire

import (
	"bytes"
	"testing"

	"pgregory.net/rapid"
)

// checkRoundTrip asserts decode(encode(v)) re-encodes to the exact same
// bytes as v itself. Comparing encoded bytes rather than the decoded
// struct sidesteps the nil-vs-empty-slice noise reflect.DeepEqual would
// otherwise flag on zero-length []byte/slice fields, while still proving
// the codec is lossless for every field the wire format actually carries.
func checkRoundTrip(t *rapid.T, msgType MessageType, v any) {
	t.Helper()
	want, err := EncodePayload(v)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodePayload(msgType, want)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, err := EncodePayload(decoded)
	if err != nil {
		t.Fatalf("re-encode: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("round trip mismatch for %T:\n got  %x\n want %x", v, got, want)
	}
}

func genBytesN(t *rapid.T, label string, n int) []byte {
	return rapid.SliceOfN(rapid.Uint8(), n, n).Draw(t, label)
}

func genTaskID(t *rapid.T, label string) [32]byte {
	var b [32]byte
	copy(b[:], genBytesN(t, label, 32))
	return b
}

func genClientID(t *rapid.T, label string) [16]byte {
	var b [16]byte
	copy(b[:], genBytesN(t, label, 16))
	return b
}

func genOptString(t *rapid.T, label string) *string {
	if !rapid.Bool().Draw(t, label+"_has") {
		return nil
	}
	s := rapid.String().Draw(t, label)
	return &s
}

func genUsageMetrics(t *rapid.T, label string) UsageMetrics {
	return UsageMetrics{
		ComputeTimeMs:    rapid.Int64().Draw(t, label+"_compute"),
		InputTokens:      rapid.Int64().Draw(t, label+"_in"),
		OutputTokens:     rapid.Int64().Draw(t, label+"_out"),
		CacheReadTokens:  rapid.Int64().Draw(t, label+"_cacheRead"),
		CacheWriteTokens: rapid.Int64().Draw(t, label+"_cacheWrite"),
		ToolCalls:        rapid.Int64().Draw(t, label+"_tools"),
	}
}

func genExecuteTaskRequest(t *rapid.T) *ExecuteTaskRequest {
	return &ExecuteTaskRequest{
		TaskID:       genTaskID(t, "taskID"),
		RepoURL:      rapid.String().Draw(t, "repoURL"),
		Branch:       rapid.String().Draw(t, "branch"),
		Prompt:       rapid.String().Draw(t, "prompt"),
		GithubToken:  genOptString(t, "githubToken"),
		AnthropicKey: genOptString(t, "anthropicKey"),
		CreatePR:     rapid.Bool().Draw(t, "createPR"),
		PRTitle:      genOptString(t, "prTitle"),
		PRBody:       genOptString(t, "prBody"),
		TimeoutMs:    rapid.Int64().Draw(t, "timeoutMs"),
	}
}

func TestGetTaskRequestRapidRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		req := &GetTaskRequest{TaskID: genTaskID(t, "taskID")}
		checkRoundTrip(t, MsgGetTask, req)
	})
}

func TestGetUsageRequestRapidRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		req := &GetUsageRequest{
			ClientID: genClientID(t, "clientID"),
			StartMs:  rapid.Int64().Draw(t, "startMs"),
			EndMs:    rapid.Int64().Draw(t, "endMs"),
		}
		checkRoundTrip(t, MsgGetUsage, req)
	})
}

func TestListTasksRequestRapidRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		req := &ListTasksRequest{
			ClientID: genClientID(t, "clientID"),
			HasState: rapid.Bool().Draw(t, "hasState"),
			State:    TaskState(rapid.IntRange(0, 6).Draw(t, "state")),
			Limit:    rapid.Uint32().Draw(t, "limit"),
			Offset:   rapid.Uint32().Draw(t, "offset"),
		}
		checkRoundTrip(t, MsgListTasks, req)
	})
}

func TestTaskEventRapidRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ev := &TaskEvent{
			TaskID:      genTaskID(t, "taskID"),
			NewState:    TaskState(rapid.IntRange(0, 6).Draw(t, "state")),
			TimestampMs: rapid.Int64().Draw(t, "ts"),
			EventType:   EventType(rapid.IntRange(0, 3).Draw(t, "eventType")),
			Data:        rapid.SliceOf(rapid.Uint8()).Draw(t, "data"),
		}
		checkRoundTrip(t, MsgTaskEvent, ev)
	})
}

func TestUsageResponseRapidRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 5).Draw(t, "numTasks")
		entries := make([]TaskUsageEntry, n)
		for i := range entries {
			entries[i] = TaskUsageEntry{
				TaskID: genTaskID(t, "entryTaskID"),
				Usage:  genUsageMetrics(t, "entryUsage"),
			}
		}
		resp := &UsageResponse{
			ClientID: genClientID(t, "clientID"),
			Total:    genUsageMetrics(t, "total"),
			Tasks:    entries,
		}
		checkRoundTrip(t, MsgUsageResponse, resp)
	})
}

func TestErrorResponseRapidRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		resp := &ErrorResponse{
			Code:    rapid.String().Draw(t, "code"),
			Message: rapid.String().Draw(t, "message"),
		}
		checkRoundTrip(t, MsgErrorResponse, resp)
	})
}

func TestExecuteTaskRequestRapidRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		checkRoundTrip(t, MsgExecuteTask, genExecuteTaskRequest(t))
	})
}

func TestNodeStatusRapidRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		hasLastTaskAt := rapid.Bool().Draw(t, "hasLastTaskAt")
		n := rapid.IntRange(0, 5).Draw(t, "numActiveTasks")
		active := make([][32]byte, n)
		for i := range active {
			active[i] = genTaskID(t, "activeTaskID")
		}
		status := &NodeStatus{
			NodeID:             genClientID(t, "nodeID"),
			Hostname:           rapid.String().Draw(t, "hostname"),
			TotalVMSlots:       rapid.Uint32().Draw(t, "totalVMSlots"),
			ActiveVMs:          rapid.Uint32().Draw(t, "activeVMs"),
			WarmVMs:            rapid.Uint32().Draw(t, "warmVMs"),
			CPUUsage:           rapid.Float64().Draw(t, "cpuUsage"),
			MemoryUsage:        rapid.Float64().Draw(t, "memoryUsage"),
			DiskAvailableBytes: rapid.Uint64().Draw(t, "diskAvailableBytes"),
			Healthy:            rapid.Bool().Draw(t, "healthy"),
			Draining:           rapid.Bool().Draw(t, "draining"),
			UptimeSeconds:      rapid.Uint64().Draw(t, "uptimeSeconds"),
			HasLastTaskAt:      hasLastTaskAt,
			LastTaskAtMs:       rapid.Int64().Draw(t, "lastTaskAtMs"),
			ActiveTaskIDs:      active,
		}
		checkRoundTrip(t, MsgNodeStatus, status)
	})
}

func TestNodeCommandRapidRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cmd := &NodeCommand{}
		if rapid.Bool().Draw(t, "isExecute") {
			cmd.Kind = NodeCommandExecuteTask
			cmd.Execute = genExecuteTaskRequest(t)
		} else {
			cmd.Kind = NodeCommandCancelTask
			cmd.CancelTaskID = genTaskID(t, "cancelTaskID")
		}
		checkRoundTrip(t, MsgNodeCommand, cmd)
	})
}

func TestVsockReadyRapidRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ready := &VsockReady{VMID: genClientID(t, "vmID")}
		checkRoundTrip(t, MsgVsockReady, ready)
	})
}

func TestVsockStartRapidRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		start := &VsockStart{
			TaskID:       genTaskID(t, "taskID"),
			RepoURL:      rapid.String().Draw(t, "repoURL"),
			Branch:       rapid.String().Draw(t, "branch"),
			Prompt:       rapid.String().Draw(t, "prompt"),
			GithubToken:  genOptString(t, "githubToken"),
			AnthropicKey: genOptString(t, "anthropicKey"),
			CreatePR:     rapid.Bool().Draw(t, "createPR"),
			PRTitle:      genOptString(t, "prTitle"),
			PRBody:       genOptString(t, "prBody"),
			TimeoutMs:    rapid.Int64().Draw(t, "timeoutMs"),
			TraceParent:  genOptString(t, "traceParent"),
			TraceState:   genOptString(t, "traceState"),
		}
		checkRoundTrip(t, MsgVsockStart, start)
	})
}

func TestVsockCancelRapidRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cancel := &VsockCancel{TaskID: genTaskID(t, "taskID")}
		checkRoundTrip(t, MsgVsockCancel, cancel)
	})
}

func TestVsockOutputRapidRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		out := &VsockOutput{
			TaskID: genTaskID(t, "taskID"),
			Data:   rapid.SliceOf(rapid.Uint8()).Draw(t, "data"),
		}
		checkRoundTrip(t, MsgVsockOutput, out)
	})
}

func TestVsockMetricsRapidRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := &VsockMetrics{
			TaskID: genTaskID(t, "taskID"),
			Usage:  genUsageMetrics(t, "usage"),
		}
		checkRoundTrip(t, MsgVsockMetrics, m)
	})
}

func TestVsockCompleteRapidRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		c := &VsockComplete{
			TaskID:       genTaskID(t, "taskID"),
			Success:      rapid.Bool().Draw(t, "success"),
			ErrorMessage: genOptString(t, "errorMessage"),
			PRURL:        genOptString(t, "prURL"),
			Usage:        genUsageMetrics(t, "usage"),
		}
		checkRoundTrip(t, MsgVsockComplete, c)
	})
}

func TestVsockErrorRapidRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		e := &VsockError{
			TaskID:  genTaskID(t, "taskID"),
			Message: rapid.String().Draw(t, "message"),
		}
		checkRoundTrip(t, MsgVsockError, e)
	})
}
