package wire

import "errors"

// Decode/frame errors, per spec §4.1.
var (
	ErrMessageTooShort    = errors.New("wire: message too short")
	ErrInvalidMagic       = errors.New("wire: invalid magic")
	ErrUnsupportedVersion = errors.New("wire: unsupported version")
	ErrIncompletePayload  = errors.New("wire: incomplete payload")
	ErrUnexpectedEOD      = errors.New("wire: unexpected end of data")

	errUnsupportedPayload = errors.New("wire: unsupported payload type")
	errUnknownMessageType = errors.New("wire: unknown message type")
)
