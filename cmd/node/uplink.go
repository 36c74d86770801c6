package main

import (
	"sync"

	"github.com/MartianGreed/marathon/internal/wire"
)

// nodeUplink serializes writes on the single connection a node keeps open
// to the orchestrator. The heartbeat loop and NodeAgent's vsock relay both
// write frames on it; wire.Conn.WriteMessage has no internal locking, so
// without this two writers could interleave and corrupt a frame. Reads
// are never contended: only the heartbeat loop reads from the connection,
// since the orchestrator never pushes anything unsolicited (spec §4.5).
type nodeUplink struct {
	conn *wire.Conn
	mu   sync.Mutex
}

func newNodeUplink(conn *wire.Conn) *nodeUplink {
	return &nodeUplink{conn: conn}
}

func (u *nodeUplink) WriteMessage(t wire.MessageType, requestID uint32, payload any) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.conn.WriteMessage(t, requestID, payload)
}
