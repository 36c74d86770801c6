package main

import (
	"github.com/MartianGreed/marathon/internal/wire"
)

// forwarder sends a running task's progress back to the node over conn.
// It is only ever written to from runTask's goroutine, so unlike the
// node's uplink it needs no write mutex.
type forwarder struct {
	conn   *wire.Conn
	taskID [32]byte
}

func (f *forwarder) output(data string) {
	_ = f.conn.WriteMessage(wire.MsgVsockOutput, 0, &wire.VsockOutput{
		TaskID: f.taskID,
		Data:   []byte(data),
	})
}

func (f *forwarder) metrics(usage wire.UsageMetrics) {
	_ = f.conn.WriteMessage(wire.MsgVsockMetrics, 0, &wire.VsockMetrics{
		TaskID: f.taskID,
		Usage:  usage,
	})
}

func (f *forwarder) complete(success bool, errMsg string, prURL *string, usage wire.UsageMetrics) {
	var errPtr *string
	if errMsg != "" {
		errPtr = &errMsg
	}
	_ = f.conn.WriteMessage(wire.MsgVsockComplete, 0, &wire.VsockComplete{
		TaskID:       f.taskID,
		Success:      success,
		ErrorMessage: errPtr,
		PRURL:        prURL,
		Usage:        usage,
	})
}

func (f *forwarder) completeCanceled() {
	f.complete(false, "canceled", nil, wire.UsageMetrics{})
}
