package wire

import "encoding/binary"

// HeaderSize is the fixed on-wire header length (§6.1).
const HeaderSize = 16

// Magic identifies a Marathon wire frame: 'M', 'R', 'T', 'N'.
var Magic = [4]byte{'M', 'R', 'T', 'N'}

// Version is the only wire protocol version this codec speaks.
const Version = 1

// Flag bits within Header.Flags.
const (
	FlagStreaming  byte = 1 << 0
	FlagCompressed byte = 1 << 1 // reserved
	FlagEncrypted  byte = 1 << 2 // reserved
)

// MessageType identifies the payload shape that follows a Header.
type MessageType byte

const (
	MsgSubmitTask MessageType = 0x01
	MsgGetTask    MessageType = 0x02
	MsgCancelTask MessageType = 0x03
	MsgGetUsage   MessageType = 0x04
	MsgListTasks  MessageType = 0x05

	MsgTaskEvent     MessageType = 0x10
	MsgTaskResponse  MessageType = 0x11
	MsgUsageResponse MessageType = 0x12
	MsgErrorResponse MessageType = 0x1f

	MsgExecuteTask       MessageType = 0x20
	MsgHeartbeatRequest  MessageType = 0x21
	MsgHeartbeatResponse MessageType = 0x22
	MsgNodeStatus        MessageType = 0x23
	MsgNodeCommand       MessageType = 0x24

	MsgVsockReady    MessageType = 0x30
	MsgVsockOutput   MessageType = 0x31
	MsgVsockMetrics  MessageType = 0x32
	MsgVsockComplete MessageType = 0x33
	MsgVsockError    MessageType = 0x34
	MsgVsockStart    MessageType = 0x35
	MsgVsockCancel   MessageType = 0x36
)

// Header is the fixed 16-byte frame header preceding every payload.
type Header struct {
	Version   byte
	Type      MessageType
	Flags     byte
	Reserved  byte
	PayloadLen uint32
	RequestID  uint32
}

// Encode writes the header's on-wire representation into buf, which must
// be at least HeaderSize bytes long.
func (h Header) Encode(buf []byte) {
	copy(buf[0:4], Magic[:])
	buf[4] = h.Version
	buf[5] = byte(h.Type)
	buf[6] = h.Flags
	buf[7] = h.Reserved
	binary.BigEndian.PutUint32(buf[8:12], h.PayloadLen)
	binary.BigEndian.PutUint32(buf[12:16], h.RequestID)
}

// DecodeHeader parses a HeaderSize-byte buffer into a Header.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrMessageTooShort
	}
	if buf[0] != Magic[0] || buf[1] != Magic[1] || buf[2] != Magic[2] || buf[3] != Magic[3] {
		return Header{}, ErrInvalidMagic
	}
	h := Header{
		Version:    buf[4],
		Type:       MessageType(buf[5]),
		Flags:      buf[6],
		Reserved:   buf[7],
		PayloadLen: binary.BigEndian.Uint32(buf[8:12]),
		RequestID:  binary.BigEndian.Uint32(buf[12:16]),
	}
	if h.Version != Version {
		return Header{}, ErrUnsupportedVersion
	}
	return h, nil
}

func (h Header) HasFlag(f byte) bool { return h.Flags&f != 0 }
