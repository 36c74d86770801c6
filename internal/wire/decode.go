package wire

// DecodePayload decodes a message's payload bytes according to its type.
// It returns one of the typed payload pointers from types.go.
func DecodePayload(t MessageType, payload []byte) (any, error) {
	r := newReader(payload)
	var (
		v   any
		err error
	)
	switch t {
	case MsgSubmitTask:
		v, err = decodeSubmitTaskRequest(r)
	case MsgGetTask, MsgCancelTask:
		v, err = decodeGetTaskRequest(r)
	case MsgGetUsage:
		v, err = decodeGetUsageRequest(r)
	case MsgListTasks:
		v, err = decodeListTasksRequest(r)
	case MsgTaskEvent:
		v, err = decodeTaskEvent(r)
	case MsgTaskResponse:
		v, err = decodeTaskResponse(r)
	case MsgUsageResponse:
		v, err = decodeUsageResponse(r)
	case MsgErrorResponse:
		v, err = decodeErrorResponse(r)
	case MsgExecuteTask:
		v, err = decodeExecuteTaskRequest(r)
	case MsgNodeStatus:
		var ns NodeStatus
		err = decodeNodeStatus(r, &ns)
		v = &ns
	case MsgHeartbeatRequest:
		v, err = decodeHeartbeatRequest(r)
	case MsgHeartbeatResponse:
		v, err = decodeHeartbeatResponse(r)
	case MsgNodeCommand:
		var c NodeCommand
		err = decodeNodeCommand(r, &c)
		v = &c
	case MsgVsockReady:
		v, err = decodeVsockReady(r)
	case MsgVsockStart:
		v, err = decodeVsockStart(r)
	case MsgVsockCancel:
		v, err = decodeVsockCancel(r)
	case MsgVsockOutput:
		v, err = decodeVsockOutput(r)
	case MsgVsockMetrics:
		v, err = decodeVsockMetrics(r)
	case MsgVsockComplete:
		v, err = decodeVsockComplete(r)
	case MsgVsockError:
		v, err = decodeVsockError(r)
	default:
		return nil, errUnknownMessageType
	}
	if err != nil {
		return nil, err
	}
	if !r.done() {
		return nil, ErrIncompletePayload
	}
	return v, nil
}

func decodeUsageMetrics(r *reader) (UsageMetrics, error) {
	var u UsageMetrics
	var err error
	if u.ComputeTimeMs, err = r.i64(); err != nil {
		return u, err
	}
	if u.InputTokens, err = r.i64(); err != nil {
		return u, err
	}
	if u.OutputTokens, err = r.i64(); err != nil {
		return u, err
	}
	if u.CacheReadTokens, err = r.i64(); err != nil {
		return u, err
	}
	if u.CacheWriteTokens, err = r.i64(); err != nil {
		return u, err
	}
	if u.ToolCalls, err = r.i64(); err != nil {
		return u, err
	}
	return u, nil
}

func decodeSubmitTaskRequest(r *reader) (*SubmitTaskRequest, error) {
	p := &SubmitTaskRequest{}
	var err error
	if p.RepoURL, err = r.str(); err != nil {
		return nil, err
	}
	if p.Branch, err = r.str(); err != nil {
		return nil, err
	}
	if p.Prompt, err = r.str(); err != nil {
		return nil, err
	}
	if p.GithubToken, err = r.optStr(); err != nil {
		return nil, err
	}
	if p.CreatePR, err = r.boolean(); err != nil {
		return nil, err
	}
	if p.PRTitle, err = r.optStr(); err != nil {
		return nil, err
	}
	if p.PRBody, err = r.optStr(); err != nil {
		return nil, err
	}
	return p, nil
}

func decodeGetTaskRequest(r *reader) (*GetTaskRequest, error) {
	b, err := r.fixed(32)
	if err != nil {
		return nil, err
	}
	p := &GetTaskRequest{}
	copy(p.TaskID[:], b)
	return p, nil
}

func decodeGetUsageRequest(r *reader) (*GetUsageRequest, error) {
	p := &GetUsageRequest{}
	b, err := r.fixed(16)
	if err != nil {
		return nil, err
	}
	copy(p.ClientID[:], b)
	if p.StartMs, err = r.i64(); err != nil {
		return nil, err
	}
	if p.EndMs, err = r.i64(); err != nil {
		return nil, err
	}
	return p, nil
}

func decodeListTasksRequest(r *reader) (*ListTasksRequest, error) {
	p := &ListTasksRequest{}
	b, err := r.fixed(16)
	if err != nil {
		return nil, err
	}
	copy(p.ClientID[:], b)
	if p.HasState, err = r.boolean(); err != nil {
		return nil, err
	}
	st, err := r.u8()
	if err != nil {
		return nil, err
	}
	p.State = TaskState(st)
	if p.Limit, err = r.u32(); err != nil {
		return nil, err
	}
	if p.Offset, err = r.u32(); err != nil {
		return nil, err
	}
	return p, nil
}

func decodeTaskEvent(r *reader) (*TaskEvent, error) {
	p := &TaskEvent{}
	b, err := r.fixed(32)
	if err != nil {
		return nil, err
	}
	copy(p.TaskID[:], b)
	st, err := r.u8()
	if err != nil {
		return nil, err
	}
	p.NewState = TaskState(st)
	if p.TimestampMs, err = r.i64(); err != nil {
		return nil, err
	}
	et, err := r.u8()
	if err != nil {
		return nil, err
	}
	p.EventType = EventType(et)
	if p.Data, err = r.varBytes(); err != nil {
		return nil, err
	}
	return p, nil
}

func decodeTaskResponse(r *reader) (*TaskResponse, error) {
	p := &TaskResponse{}
	var err error
	var b []byte
	if b, err = r.fixed(32); err != nil {
		return nil, err
	}
	copy(p.TaskID[:], b)
	if b, err = r.fixed(16); err != nil {
		return nil, err
	}
	copy(p.ClientID[:], b)
	st, err := r.u8()
	if err != nil {
		return nil, err
	}
	p.State = TaskState(st)
	if p.RepoURL, err = r.str(); err != nil {
		return nil, err
	}
	if p.Branch, err = r.str(); err != nil {
		return nil, err
	}
	if p.Prompt, err = r.str(); err != nil {
		return nil, err
	}
	var present bool
	if present, b, err = r.optFixed(16); err != nil {
		return nil, err
	}
	p.HasNodeID = present
	if present {
		copy(p.NodeID[:], b)
	}
	if present, b, err = r.optFixed(16); err != nil {
		return nil, err
	}
	p.HasVMID = present
	if present {
		copy(p.VMID[:], b)
	}
	if p.CreatedAtMs, err = r.i64(); err != nil {
		return nil, err
	}
	if p.StartedAtMs, err = r.optI64(); err != nil {
		return nil, err
	}
	if p.CompletedAtMs, err = r.optI64(); err != nil {
		return nil, err
	}
	if p.ErrorMessage, err = r.optStr(); err != nil {
		return nil, err
	}
	if p.PRURL, err = r.optStr(); err != nil {
		return nil, err
	}
	if p.Usage, err = decodeUsageMetrics(r); err != nil {
		return nil, err
	}
	if p.CreatePR, err = r.boolean(); err != nil {
		return nil, err
	}
	if p.PRTitle, err = r.optStr(); err != nil {
		return nil, err
	}
	if p.PRBody, err = r.optStr(); err != nil {
		return nil, err
	}
	return p, nil
}

func decodeUsageResponse(r *reader) (*UsageResponse, error) {
	p := &UsageResponse{}
	b, err := r.fixed(16)
	if err != nil {
		return nil, err
	}
	copy(p.ClientID[:], b)
	if p.Total, err = decodeUsageMetrics(r); err != nil {
		return nil, err
	}
	n, err := r.seqCount()
	if err != nil {
		return nil, err
	}
	p.Tasks = make([]TaskUsageEntry, 0, n)
	for i := 0; i < n; i++ {
		var e TaskUsageEntry
		if b, err = r.fixed(32); err != nil {
			return nil, err
		}
		copy(e.TaskID[:], b)
		if e.Usage, err = decodeUsageMetrics(r); err != nil {
			return nil, err
		}
		p.Tasks = append(p.Tasks, e)
	}
	return p, nil
}

func decodeErrorResponse(r *reader) (*ErrorResponse, error) {
	p := &ErrorResponse{}
	var err error
	if p.Code, err = r.str(); err != nil {
		return nil, err
	}
	if p.Message, err = r.str(); err != nil {
		return nil, err
	}
	return p, nil
}

func decodeExecuteTaskRequest(r *reader) (*ExecuteTaskRequest, error) {
	p := &ExecuteTaskRequest{}
	b, err := r.fixed(32)
	if err != nil {
		return nil, err
	}
	copy(p.TaskID[:], b)
	if p.RepoURL, err = r.str(); err != nil {
		return nil, err
	}
	if p.Branch, err = r.str(); err != nil {
		return nil, err
	}
	if p.Prompt, err = r.str(); err != nil {
		return nil, err
	}
	if p.GithubToken, err = r.optStr(); err != nil {
		return nil, err
	}
	if p.AnthropicKey, err = r.optStr(); err != nil {
		return nil, err
	}
	if p.CreatePR, err = r.boolean(); err != nil {
		return nil, err
	}
	if p.PRTitle, err = r.optStr(); err != nil {
		return nil, err
	}
	if p.PRBody, err = r.optStr(); err != nil {
		return nil, err
	}
	if p.TimeoutMs, err = r.i64(); err != nil {
		return nil, err
	}
	return p, nil
}

func decodeVsockStart(r *reader) (*VsockStart, error) {
	p := &VsockStart{}
	b, err := r.fixed(32)
	if err != nil {
		return nil, err
	}
	copy(p.TaskID[:], b)
	if p.RepoURL, err = r.str(); err != nil {
		return nil, err
	}
	if p.Branch, err = r.str(); err != nil {
		return nil, err
	}
	if p.Prompt, err = r.str(); err != nil {
		return nil, err
	}
	if p.GithubToken, err = r.optStr(); err != nil {
		return nil, err
	}
	if p.AnthropicKey, err = r.optStr(); err != nil {
		return nil, err
	}
	if p.CreatePR, err = r.boolean(); err != nil {
		return nil, err
	}
	if p.PRTitle, err = r.optStr(); err != nil {
		return nil, err
	}
	if p.PRBody, err = r.optStr(); err != nil {
		return nil, err
	}
	if p.TimeoutMs, err = r.i64(); err != nil {
		return nil, err
	}
	if p.TraceParent, err = r.optStr(); err != nil {
		return nil, err
	}
	if p.TraceState, err = r.optStr(); err != nil {
		return nil, err
	}
	return p, nil
}

func decodeNodeStatus(r *reader, p *NodeStatus) error {
	b, err := r.fixed(16)
	if err != nil {
		return err
	}
	copy(p.NodeID[:], b)
	if p.Hostname, err = r.str(); err != nil {
		return err
	}
	if p.TotalVMSlots, err = r.u32(); err != nil {
		return err
	}
	if p.ActiveVMs, err = r.u32(); err != nil {
		return err
	}
	if p.WarmVMs, err = r.u32(); err != nil {
		return err
	}
	if p.CPUUsage, err = r.f64(); err != nil {
		return err
	}
	if p.MemoryUsage, err = r.f64(); err != nil {
		return err
	}
	if p.DiskAvailableBytes, err = r.u64(); err != nil {
		return err
	}
	if p.Healthy, err = r.boolean(); err != nil {
		return err
	}
	if p.Draining, err = r.boolean(); err != nil {
		return err
	}
	if p.UptimeSeconds, err = r.u64(); err != nil {
		return err
	}
	if p.HasLastTaskAt, err = r.boolean(); err != nil {
		return err
	}
	if p.LastTaskAtMs, err = r.i64(); err != nil {
		return err
	}
	n, err := r.seqCount()
	if err != nil {
		return err
	}
	p.ActiveTaskIDs = make([][32]byte, 0, n)
	for i := 0; i < n; i++ {
		b, err := r.fixed(32)
		if err != nil {
			return err
		}
		var id [32]byte
		copy(id[:], b)
		p.ActiveTaskIDs = append(p.ActiveTaskIDs, id)
	}
	return nil
}

func decodeHeartbeatRequest(r *reader) (*HeartbeatRequest, error) {
	p := &HeartbeatRequest{}
	if err := decodeNodeStatus(r, &p.Status); err != nil {
		return nil, err
	}
	var err error
	if p.TimestampMs, err = r.i64(); err != nil {
		return nil, err
	}
	present, b, err := r.optFixed(32)
	if err != nil {
		return nil, err
	}
	p.HasHMAC = present
	if present {
		copy(p.HMAC[:], b)
	}
	return p, nil
}

func decodeHeartbeatResponse(r *reader) (*HeartbeatResponse, error) {
	p := &HeartbeatResponse{}
	n, err := r.seqCount()
	if err != nil {
		return nil, err
	}
	p.Commands = make([]NodeCommand, 0, n)
	for i := 0; i < n; i++ {
		var c NodeCommand
		if err := decodeNodeCommand(r, &c); err != nil {
			return nil, err
		}
		p.Commands = append(p.Commands, c)
	}
	return p, nil
}

func decodeNodeCommand(r *reader, c *NodeCommand) error {
	kind, err := r.u8()
	if err != nil {
		return err
	}
	c.Kind = NodeCommandKind(kind)
	switch c.Kind {
	case NodeCommandExecuteTask:
		exec, err := decodeExecuteTaskRequest(r)
		if err != nil {
			return err
		}
		c.Execute = exec
	case NodeCommandCancelTask:
		b, err := r.fixed(32)
		if err != nil {
			return err
		}
		copy(c.CancelTaskID[:], b)
	}
	return nil
}

func decodeVsockReady(r *reader) (*VsockReady, error) {
	b, err := r.fixed(16)
	if err != nil {
		return nil, err
	}
	p := &VsockReady{}
	copy(p.VMID[:], b)
	return p, nil
}

func decodeVsockCancel(r *reader) (*VsockCancel, error) {
	b, err := r.fixed(32)
	if err != nil {
		return nil, err
	}
	p := &VsockCancel{}
	copy(p.TaskID[:], b)
	return p, nil
}

func decodeVsockOutput(r *reader) (*VsockOutput, error) {
	p := &VsockOutput{}
	b, err := r.fixed(32)
	if err != nil {
		return nil, err
	}
	copy(p.TaskID[:], b)
	if p.Data, err = r.varBytes(); err != nil {
		return nil, err
	}
	return p, nil
}

func decodeVsockMetrics(r *reader) (*VsockMetrics, error) {
	p := &VsockMetrics{}
	b, err := r.fixed(32)
	if err != nil {
		return nil, err
	}
	copy(p.TaskID[:], b)
	if p.Usage, err = decodeUsageMetrics(r); err != nil {
		return nil, err
	}
	return p, nil
}

func decodeVsockComplete(r *reader) (*VsockComplete, error) {
	p := &VsockComplete{}
	b, err := r.fixed(32)
	if err != nil {
		return nil, err
	}
	copy(p.TaskID[:], b)
	if p.Success, err = r.boolean(); err != nil {
		return nil, err
	}
	if p.ErrorMessage, err = r.optStr(); err != nil {
		return nil, err
	}
	if p.PRURL, err = r.optStr(); err != nil {
		return nil, err
	}
	if p.Usage, err = decodeUsageMetrics(r); err != nil {
		return nil, err
	}
	return p, nil
}

func decodeVsockError(r *reader) (*VsockError, error) {
	p := &VsockError{}
	b, err := r.fixed(32)
	if err != nil {
		return nil, err
	}
	copy(p.TaskID[:], b)
	if p.Message, err = r.str(); err != nil {
		return nil, err
	}
	return p, nil
}
