package wire

import (
	"bytes"
	"reflect"
	"testing"
)

func strPtr(s string) *string { return &s }
func i64Ptr(v int64) *int64   { return &v }

func TestSubmitTaskRequestRoundTrip(t *testing.T) {
	req := &SubmitTaskRequest{
		RepoURL:     "https://github.com/acme/widget",
		Branch:      "main",
		Prompt:      "fix the flaky test",
		GithubToken: strPtr("ghp_abc123"),
		CreatePR:    true,
		PRTitle:     strPtr("Fix flaky test"),
		PRBody:      nil,
	}
	body, err := EncodePayload(req)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodePayload(MsgSubmitTask, body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(got, req) {
		t.Fatalf("round trip mismatch:\n got  %#v\n want %#v", got, req)
	}
}

func TestTaskResponseRoundTrip(t *testing.T) {
	resp := &TaskResponse{
		TaskID:       [32]byte{1, 2, 3},
		ClientID:     [16]byte{4, 5, 6},
		State:        TaskState(TaskStateRunning),
		RepoURL:      "https://github.com/acme/widget",
		Branch:       "main",
		Prompt:       "do the thing",
		HasNodeID:    true,
		NodeID:       [16]byte{7, 8},
		HasVMID:      false,
		CreatedAtMs:  1000,
		StartedAtMs:  i64Ptr(2000),
		CompletedAtMs: nil,
		ErrorMessage: nil,
		PRURL:        strPtr("https://github.com/acme/widget/pull/1"),
		Usage: UsageMetrics{
			ComputeTimeMs: 500,
			InputTokens:   100,
			OutputTokens:  50,
		},
		CreatePR: true,
		PRTitle:  strPtr("title"),
		PRBody:   strPtr("body"),
	}
	body, err := EncodePayload(resp)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodePayload(MsgTaskResponse, body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(got, resp) {
		t.Fatalf("round trip mismatch:\n got  %#v\n want %#v", got, resp)
	}
}

func TestHeartbeatRequestRoundTrip(t *testing.T) {
	hb := &HeartbeatRequest{
		Status: NodeStatus{
			NodeID:             [16]byte{9},
			Hostname:           "node-1.marathon.local",
			TotalVMSlots:       16,
			ActiveVMs:          3,
			WarmVMs:            5,
			CPUUsage:           0.42,
			MemoryUsage:        0.71,
			DiskAvailableBytes: 1 << 30,
			Healthy:            true,
			Draining:           false,
			UptimeSeconds:      3600,
			HasLastTaskAt:      true,
			LastTaskAtMs:       123456,
			ActiveTaskIDs:      [][32]byte{{1}, {2}},
		},
		TimestampMs: 999,
		HasHMAC:     true,
		HMAC:        [32]byte{0xaa, 0xbb},
	}
	body, err := EncodePayload(hb)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodePayload(MsgHeartbeatRequest, body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(got, hb) {
		t.Fatalf("round trip mismatch:\n got  %#v\n want %#v", got, hb)
	}
}

func TestHeartbeatResponseRoundTrip(t *testing.T) {
	taskID := [32]byte{3, 3, 3}
	resp := &HeartbeatResponse{
		Commands: []NodeCommand{
			{
				Kind: NodeCommandExecuteTask,
				Execute: &ExecuteTaskRequest{
					TaskID:    taskID,
					RepoURL:   "https://github.com/acme/widget",
					Branch:    "main",
					Prompt:    "run the thing",
					TimeoutMs: 60000,
				},
			},
			{
				Kind:         NodeCommandCancelTask,
				CancelTaskID: taskID,
			},
		},
	}
	body, err := EncodePayload(resp)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodePayload(MsgHeartbeatResponse, body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(got, resp) {
		t.Fatalf("round trip mismatch:\n got  %#v\n want %#v", got, resp)
	}
}

func TestDecodePayloadUnknownMessageType(t *testing.T) {
	if _, err := DecodePayload(MessageType(0xff), nil); err != errUnknownMessageType {
		t.Fatalf("expected errUnknownMessageType, got %v", err)
	}
}

func TestDecodeHeaderTruncated(t *testing.T) {
	if _, err := DecodeHeader([]byte{1, 2, 3}); err != ErrMessageTooShort {
		t.Fatalf("expected ErrMessageTooShort, got %v", err)
	}
}

func TestDecodeHeaderBadMagic(t *testing.T) {
	buf := make([]byte, HeaderSize)
	h := Header{Version: Version, Type: MsgGetTask}
	h.Encode(buf)
	buf[0] = 'X'
	if _, err := DecodeHeader(buf); err != ErrInvalidMagic {
		t.Fatalf("expected ErrInvalidMagic, got %v", err)
	}
}

func TestDecodeHeaderBadVersion(t *testing.T) {
	buf := make([]byte, HeaderSize)
	h := Header{Version: Version, Type: MsgGetTask}
	h.Encode(buf)
	buf[4] = Version + 1
	if _, err := DecodeHeader(buf); err != ErrUnsupportedVersion {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestConnRoundTripOverPipe(t *testing.T) {
	var buf bytes.Buffer
	conn := NewConn(&buf)

	req := &GetTaskRequest{TaskID: [32]byte{1, 2, 3, 4}}
	if err := conn.WriteMessage(MsgGetTask, 42, req); err != nil {
		t.Fatalf("write: %v", err)
	}

	msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Header.RequestID != 42 {
		t.Fatalf("request id = %d, want 42", msg.Header.RequestID)
	}
	got, ok := msg.Payload.(*GetTaskRequest)
	if !ok {
		t.Fatalf("payload type = %T, want *GetTaskRequest", msg.Payload)
	}
	if !reflect.DeepEqual(got, req) {
		t.Fatalf("round trip mismatch:\n got  %#v\n want %#v", got, req)
	}
}

func TestConnReadMessageIncompletePayload(t *testing.T) {
	h := Header{Version: Version, Type: MsgGetTask, PayloadLen: 32}
	hbuf := make([]byte, HeaderSize)
	h.Encode(hbuf)
	// Only write the header plus a few payload bytes, simulating a
	// connection that closes mid-frame.
	buf := bytes.NewBuffer(append(hbuf, []byte{1, 2, 3}...))
	conn := NewConn(buf)
	if _, err := conn.ReadMessage(); err != ErrIncompletePayload {
		t.Fatalf("expected ErrIncompletePayload, got %v", err)
	}
}
