package protocol

import "errors"

var (
	ErrEmptyFrame     = errors.New("empty frame")
	ErrUnknownType    = errors.New("unknown message type")
	ErrMalformedFrame = errors.New("malformed frame")
	ErrPayloadTooLong = errors.New("custom data payload exceeds 255 bytes")

	// ErrUnsupportedOperation is returned for commands the firmware defines no encoding for.
	ErrUnsupportedOperation = errors.New("unsupported operation")
)
