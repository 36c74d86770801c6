package wire

import (
	"io"
	"time"
)

// maxPayloadLen bounds PayloadLen on read, guarding against a corrupt or
// hostile header forcing an unbounded allocation.
const maxPayloadLen = 64 * 1024 * 1024

// Message is a fully decoded frame: header plus typed payload.
type Message struct {
	Header  Header
	Payload any
}

// Conn reads and writes Marathon wire frames over an underlying stream.
// Both the orchestrator's TCP listener and the node/agent's vsock
// transport speak this framing; Conn itself is transport-agnostic and
// tolerates fragmented reads, per §6.1.
type Conn struct {
	rw        io.ReadWriter
	nextReqID uint32
}

// NewConn wraps an underlying stream in the Marathon frame codec.
func NewConn(rw io.ReadWriter) *Conn {
	return &Conn{rw: rw}
}

// WriteMessage encodes and writes a full frame (header + payload).
func (c *Conn) WriteMessage(t MessageType, requestID uint32, payload any) error {
	body, err := EncodePayload(payload)
	if err != nil {
		return err
	}
	h := Header{
		Version:    Version,
		Type:       t,
		PayloadLen: uint32(len(body)),
		RequestID:  requestID,
	}
	buf := make([]byte, HeaderSize+len(body))
	h.Encode(buf[:HeaderSize])
	copy(buf[HeaderSize:], body)
	_, err = c.rw.Write(buf)
	return err
}

// WriteStreaming is like WriteMessage but sets FlagStreaming, used for
// VsockOutput chunks belonging to a single long-running task.
func (c *Conn) WriteStreaming(t MessageType, requestID uint32, payload any) error {
	body, err := EncodePayload(payload)
	if err != nil {
		return err
	}
	h := Header{
		Version:    Version,
		Type:       t,
		Flags:      FlagStreaming,
		PayloadLen: uint32(len(body)),
		RequestID:  requestID,
	}
	buf := make([]byte, HeaderSize+len(body))
	h.Encode(buf[:HeaderSize])
	copy(buf[HeaderSize:], body)
	_, err = c.rw.Write(buf)
	return err
}

// ReadMessage reads and decodes the next full frame, blocking until the
// header and entire payload have arrived. It uses io.ReadFull so a peer
// that writes the frame across several TCP segments is handled
// transparently.
func (c *Conn) ReadMessage() (Message, error) {
	var hbuf [HeaderSize]byte
	if _, err := io.ReadFull(c.rw, hbuf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Message{}, ErrMessageTooShort
		}
		return Message{}, err
	}
	h, err := DecodeHeader(hbuf[:])
	if err != nil {
		return Message{}, err
	}
	if h.PayloadLen > maxPayloadLen {
		return Message{}, ErrIncompletePayload
	}
	body := make([]byte, h.PayloadLen)
	if _, err := io.ReadFull(c.rw, body); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Message{}, ErrIncompletePayload
		}
		return Message{}, err
	}
	payload, err := DecodePayload(h.Type, body)
	if err != nil {
		return Message{}, err
	}
	return Message{Header: h, Payload: payload}, nil
}

// NextRequestID returns a monotonically increasing request id scoped to
// this connection, used by clients issuing request/response pairs.
func (c *Conn) NextRequestID() uint32 {
	c.nextReqID++
	return c.nextReqID
}

// Close closes the underlying transport if it supports closing.
func (c *Conn) Close() error {
	if cl, ok := c.rw.(io.Closer); ok {
		return cl.Close()
	}
	return nil
}

// deadlineSetter is satisfied by net.Conn; Conn itself only requires an
// io.ReadWriter, so SetReadDeadline is a best-effort no-op over a
// transport (e.g. a net.Pipe or an in-memory buffer in tests) that
// doesn't support deadlines.
type deadlineSetter interface {
	SetReadDeadline(t time.Time) error
}

// SetReadDeadline forwards to the underlying transport's read deadline
// when it supports one, used by the node agent to bound how long it
// waits for a task's next vsock event (spec §5's per-task timeout).
func (c *Conn) SetReadDeadline(t time.Time) error {
	if ds, ok := c.rw.(deadlineSetter); ok {
		return ds.SetReadDeadline(t)
	}
	return nil
}
