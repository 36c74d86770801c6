package wire

// TaskState is the wire encoding of a task's lifecycle state (§3).
type TaskState uint8

const (
	TaskStateUnspecified TaskState = 0
	TaskStateQueued      TaskState = 1
	TaskStateStarting    TaskState = 2
	TaskStateRunning     TaskState = 3
	TaskStateCompleted   TaskState = 4
	TaskStateFailed      TaskState = 5
	TaskStateCancelled   TaskState = 6
)

func (s TaskState) String() string {
	switch s {
	case TaskStateQueued:
		return "queued"
	case TaskStateStarting:
		return "starting"
	case TaskStateRunning:
		return "running"
	case TaskStateCompleted:
		return "completed"
	case TaskStateFailed:
		return "failed"
	case TaskStateCancelled:
		return "cancelled"
	default:
		return "unspecified"
	}
}

// EventType discriminates a TaskEvent's data payload (§4.3).
type EventType uint8

const (
	EventStateChange EventType = 0
	EventOutput      EventType = 1
	EventTaskError   EventType = 2
	EventComplete    EventType = 3
)

// NodeCommandKind discriminates the NodeCommand union carried in a
// HeartbeatResponse (§4.5).
type NodeCommandKind uint8

const (
	NodeCommandExecuteTask NodeCommandKind = 0
	NodeCommandCancelTask  NodeCommandKind = 1
)

// UsageMetrics is the six additive counters of §3, fixed field order.
type UsageMetrics struct {
	ComputeTimeMs    int64
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64
	ToolCalls        int64
}

// Add returns the element-wise sum of two UsageMetrics.
func (u UsageMetrics) Add(o UsageMetrics) UsageMetrics {
	return UsageMetrics{
		ComputeTimeMs:    u.ComputeTimeMs + o.ComputeTimeMs,
		InputTokens:      u.InputTokens + o.InputTokens,
		OutputTokens:     u.OutputTokens + o.OutputTokens,
		CacheReadTokens:  u.CacheReadTokens + o.CacheReadTokens,
		CacheWriteTokens: u.CacheWriteTokens + o.CacheWriteTokens,
		ToolCalls:        u.ToolCalls + o.ToolCalls,
	}
}

// SubmitTaskRequest is the payload of MsgSubmitTask.
type SubmitTaskRequest struct {
	RepoURL     string
	Branch      string
	Prompt      string
	GithubToken *string
	CreatePR    bool
	PRTitle     *string
	PRBody      *string
}

// GetTaskRequest is the payload of MsgGetTask and MsgCancelTask.
type GetTaskRequest struct {
	TaskID [32]byte
}

// GetUsageRequest is the payload of MsgGetUsage: a client's usage ledger
// over [StartMs, EndMs).
type GetUsageRequest struct {
	ClientID [16]byte
	StartMs  int64
	EndMs    int64
}

// ListTasksRequest is the payload of MsgListTasks.
type ListTasksRequest struct {
	ClientID      [16]byte
	HasState      bool
	State         TaskState
	Limit         uint32
	Offset        uint32
}

// TaskEvent is the payload of MsgTaskEvent (§4.3 event fan-out).
type TaskEvent struct {
	TaskID      [32]byte
	NewState    TaskState
	TimestampMs int64
	EventType   EventType
	Data        []byte
}

// TaskResponse is the full Task snapshot payload of MsgTaskResponse.
type TaskResponse struct {
	TaskID       [32]byte
	ClientID     [16]byte
	State        TaskState
	RepoURL      string
	Branch       string
	Prompt       string
	HasNodeID    bool
	NodeID       [16]byte
	HasVMID      bool
	VMID         [16]byte
	CreatedAtMs  int64
	StartedAtMs  *int64
	CompletedAtMs *int64
	ErrorMessage *string
	PRURL        *string
	Usage        UsageMetrics
	CreatePR     bool
	PRTitle      *string
	PRBody       *string
}

// TaskUsageEntry pairs a task with its usage, used in UsageResponse.
type TaskUsageEntry struct {
	TaskID [32]byte
	Usage  UsageMetrics
}

// UsageResponse is the payload of MsgUsageResponse.
type UsageResponse struct {
	ClientID [16]byte
	Total    UsageMetrics
	Tasks    []TaskUsageEntry
}

// ErrorResponse is the payload of MsgErrorResponse (§7).
type ErrorResponse struct {
	Code    string
	Message string
}

// ExecuteTaskRequest is the payload of MsgExecuteTask, delivered to a node
// inside a HeartbeatResponse's NodeCommand, and forwarded to the in-VM
// agent as a VsockStart.
type ExecuteTaskRequest struct {
	TaskID         [32]byte
	RepoURL        string
	Branch         string
	Prompt         string
	GithubToken    *string
	AnthropicKey   *string
	CreatePR       bool
	PRTitle        *string
	PRBody         *string
	TimeoutMs      int64
}

// NodeStatus is the payload of MsgNodeStatus, and is embedded in
// MsgHeartbeatRequest.
type NodeStatus struct {
	NodeID             [16]byte
	Hostname           string
	TotalVMSlots       uint32
	ActiveVMs          uint32
	WarmVMs            uint32
	CPUUsage           float64
	MemoryUsage        float64
	DiskAvailableBytes uint64
	Healthy            bool
	Draining           bool
	UptimeSeconds      uint64
	HasLastTaskAt      bool
	LastTaskAtMs       int64
	ActiveTaskIDs      [][32]byte
}

// HeartbeatRequest is the payload of MsgHeartbeatRequest (§4.5).
type HeartbeatRequest struct {
	Status      NodeStatus
	TimestampMs int64
	HasHMAC     bool
	HMAC        [32]byte
}

// NodeCommand is the discriminated union carried in a HeartbeatResponse.
type NodeCommand struct {
	Kind         NodeCommandKind
	Execute      *ExecuteTaskRequest
	CancelTaskID [32]byte
}

// HeartbeatResponse is the payload of MsgHeartbeatResponse.
type HeartbeatResponse struct {
	Commands []NodeCommand
}

// VsockReady signals the agent is initialized and ready for a task.
type VsockReady struct {
	VMID [16]byte
}

// VsockStart starts task execution inside the VM. TraceParent/TraceState
// carry the orchestrator's W3C trace context across the vsock boundary so
// the in-VM agent's logs can be correlated back to the task's span.
type VsockStart struct {
	TaskID       [32]byte
	RepoURL      string
	Branch       string
	Prompt       string
	GithubToken  *string
	AnthropicKey *string
	CreatePR     bool
	PRTitle      *string
	PRBody       *string
	TimeoutMs    int64
	TraceParent  *string
	TraceState   *string
}

// VsockCancel asks the agent to cancel the in-flight task.
type VsockCancel struct {
	TaskID [32]byte
}

// VsockOutput streams a chunk of agent output back to the host.
type VsockOutput struct {
	TaskID [32]byte
	Data   []byte
}

// VsockMetrics reports an incremental usage update for the running task.
type VsockMetrics struct {
	TaskID [32]byte
	Usage  UsageMetrics
}

// VsockComplete reports task completion (success or failure).
type VsockComplete struct {
	TaskID       [32]byte
	Success      bool
	ErrorMessage *string
	PRURL        *string
	Usage        UsageMetrics
}

// VsockError reports an unrecoverable agent-side error.
type VsockError struct {
	TaskID  [32]byte
	Message string
}
