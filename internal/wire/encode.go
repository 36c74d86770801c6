package wire

// EncodePayload encodes a typed payload into its wire byte representation.
// The returned bytes are exactly PayloadLen bytes — the codec never pads.
func EncodePayload(v any) ([]byte, error) {
	w := newWriter()
	switch p := v.(type) {
	case *SubmitTaskRequest:
		encodeSubmitTaskRequest(w, p)
	case *GetTaskRequest:
		w.fixed(p.TaskID[:])
	case *GetUsageRequest:
		w.fixed(p.ClientID[:])
		w.i64(p.StartMs)
		w.i64(p.EndMs)
	case *ListTasksRequest:
		w.fixed(p.ClientID[:])
		w.bool(p.HasState)
		w.u8(uint8(p.State))
		w.u32(p.Limit)
		w.u32(p.Offset)
	case *TaskEvent:
		w.fixed(p.TaskID[:])
		w.u8(uint8(p.NewState))
		w.i64(p.TimestampMs)
		w.u8(uint8(p.EventType))
		w.varBytes(p.Data)
	case *TaskResponse:
		encodeTaskResponse(w, p)
	case *UsageResponse:
		w.fixed(p.ClientID[:])
		encodeUsageMetrics(w, p.Total)
		w.seqCount(len(p.Tasks))
		for _, e := range p.Tasks {
			w.fixed(e.TaskID[:])
			encodeUsageMetrics(w, e.Usage)
		}
	case *ErrorResponse:
		w.str(p.Code)
		w.str(p.Message)
	case *ExecuteTaskRequest:
		encodeExecuteTaskRequest(w, p)
	case *NodeStatus:
		encodeNodeStatus(w, p)
	case *HeartbeatRequest:
		encodeNodeStatus(w, &p.Status)
		w.i64(p.TimestampMs)
		w.optFixed(p.HasHMAC, p.HMAC[:])
	case *HeartbeatResponse:
		w.seqCount(len(p.Commands))
		for _, c := range p.Commands {
			encodeNodeCommand(w, &c)
		}
	case *NodeCommand:
		encodeNodeCommand(w, p)
	case *VsockReady:
		w.fixed(p.VMID[:])
	case *VsockStart:
		encodeVsockStart(w, p)
	case *VsockCancel:
		w.fixed(p.TaskID[:])
	case *VsockOutput:
		w.fixed(p.TaskID[:])
		w.varBytes(p.Data)
	case *VsockMetrics:
		w.fixed(p.TaskID[:])
		encodeUsageMetrics(w, p.Usage)
	case *VsockComplete:
		w.fixed(p.TaskID[:])
		w.bool(p.Success)
		w.optStr(p.ErrorMessage)
		w.optStr(p.PRURL)
		encodeUsageMetrics(w, p.Usage)
	case *VsockError:
		w.fixed(p.TaskID[:])
		w.str(p.Message)
	default:
		return nil, errUnsupportedPayload
	}
	return w.Bytes(), nil
}

func encodeUsageMetrics(w *writer, u UsageMetrics) {
	w.i64(u.ComputeTimeMs)
	w.i64(u.InputTokens)
	w.i64(u.OutputTokens)
	w.i64(u.CacheReadTokens)
	w.i64(u.CacheWriteTokens)
	w.i64(u.ToolCalls)
}

func encodeSubmitTaskRequest(w *writer, p *SubmitTaskRequest) {
	w.str(p.RepoURL)
	w.str(p.Branch)
	w.str(p.Prompt)
	w.optStr(p.GithubToken)
	w.bool(p.CreatePR)
	w.optStr(p.PRTitle)
	w.optStr(p.PRBody)
}

func encodeExecuteTaskRequest(w *writer, p *ExecuteTaskRequest) {
	w.fixed(p.TaskID[:])
	w.str(p.RepoURL)
	w.str(p.Branch)
	w.str(p.Prompt)
	w.optStr(p.GithubToken)
	w.optStr(p.AnthropicKey)
	w.bool(p.CreatePR)
	w.optStr(p.PRTitle)
	w.optStr(p.PRBody)
	w.i64(p.TimeoutMs)
}

func encodeVsockStart(w *writer, p *VsockStart) {
	w.fixed(p.TaskID[:])
	w.str(p.RepoURL)
	w.str(p.Branch)
	w.str(p.Prompt)
	w.optStr(p.GithubToken)
	w.optStr(p.AnthropicKey)
	w.bool(p.CreatePR)
	w.optStr(p.PRTitle)
	w.optStr(p.PRBody)
	w.i64(p.TimeoutMs)
	w.optStr(p.TraceParent)
	w.optStr(p.TraceState)
}

func encodeNodeStatus(w *writer, p *NodeStatus) {
	w.fixed(p.NodeID[:])
	w.str(p.Hostname)
	w.u32(p.TotalVMSlots)
	w.u32(p.ActiveVMs)
	w.u32(p.WarmVMs)
	w.f64(p.CPUUsage)
	w.f64(p.MemoryUsage)
	w.u64(p.DiskAvailableBytes)
	w.bool(p.Healthy)
	w.bool(p.Draining)
	w.u64(p.UptimeSeconds)
	w.bool(p.HasLastTaskAt)
	w.i64(p.LastTaskAtMs)
	w.seqCount(len(p.ActiveTaskIDs))
	for _, id := range p.ActiveTaskIDs {
		w.fixed(id[:])
	}
}

func encodeNodeCommand(w *writer, c *NodeCommand) {
	w.u8(uint8(c.Kind))
	switch c.Kind {
	case NodeCommandExecuteTask:
		if c.Execute == nil {
			encodeExecuteTaskRequest(w, &ExecuteTaskRequest{})
			return
		}
		encodeExecuteTaskRequest(w, c.Execute)
	case NodeCommandCancelTask:
		w.fixed(c.CancelTaskID[:])
	}
}

func encodeTaskResponse(w *writer, p *TaskResponse) {
	w.fixed(p.TaskID[:])
	w.fixed(p.ClientID[:])
	w.u8(uint8(p.State))
	w.str(p.RepoURL)
	w.str(p.Branch)
	w.str(p.Prompt)
	w.optFixed(p.HasNodeID, p.NodeID[:])
	w.optFixed(p.HasVMID, p.VMID[:])
	w.i64(p.CreatedAtMs)
	w.optI64(p.StartedAtMs)
	w.optI64(p.CompletedAtMs)
	w.optStr(p.ErrorMessage)
	w.optStr(p.PRURL)
	encodeUsageMetrics(w, p.Usage)
	w.bool(p.CreatePR)
	w.optStr(p.PRTitle)
	w.optStr(p.PRBody)
}
