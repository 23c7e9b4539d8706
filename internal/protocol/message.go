package protocol

import (
	"fmt"
)

// MessageType is the one-byte ASCII tag that opens every frame.
type MessageType byte

const (
	TypeSendCustomData       MessageType = 'Z'
	TypeQueryProtocolVersion MessageType = 'V'
	TypeQueryTotalPinCount   MessageType = 'C'
	TypeQueryPinCapability   MessageType = 'P'
	TypeQueryPinMode         MessageType = 'M'
	TypeSetPinMode           MessageType = 'S'
	TypeDigitalWrite         MessageType = 'T'
	TypeDigitalRead          MessageType = 'G'
	TypeAnalogWrite          MessageType = 'N'
	TypeServoWrite           MessageType = 'O'
	TypeQueryPinAllLegacy    MessageType = 'A' // firmware table entry; QueryPinAll emits 'M' with no arguments
)

const (
	// MaxCustomDataPayload is bounded by the single length byte.
	MaxCustomDataPayload      = 255
	customDataLengthFieldSize = 1
)

var typeNames = map[MessageType]string{
	TypeSendCustomData:       "send_custom_data",
	TypeQueryProtocolVersion: "query_protocol_version",
	TypeQueryTotalPinCount:   "query_total_pin_count",
	TypeQueryPinCapability:   "query_pin_capability",
	TypeQueryPinMode:         "query_pin_mode",
	TypeSetPinMode:           "set_pin_mode",
	TypeDigitalWrite:         "digital_write",
	TypeDigitalRead:          "digital_read",
	TypeAnalogWrite:          "analog_write",
	TypeServoWrite:           "servo_write",
	TypeQueryPinAllLegacy:    "query_pin_all_legacy",
}

func (t MessageType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown(0x%02x)", byte(t))
}

// Known reports whether t is part of the command set.
func (t MessageType) Known() bool {
	_, ok := typeNames[t]
	return ok
}

// Message is a single outbound command frame: tag followed by argument bytes.
type Message struct {
	Type      MessageType
	Arguments []byte
}

// Len returns the encoded frame size. MTU limits are not enforced by the codec,
// callers that care compare Len against the negotiated payload size.
func (m Message) Len() int {
	return 1 + len(m.Arguments)
}

func (m Message) String() string {
	return fmt.Sprintf("%s % X", m.Type, m.Arguments)
}

// Encode returns tag ++ arguments.
func Encode(m Message) []byte {
	buf := make([]byte, 0, m.Len())
	buf = append(buf, byte(m.Type))
	return append(buf, m.Arguments...)
}

// ParseMessage is the inverse of Encode for outbound frames.
func ParseMessage(frame []byte) (Message, error) {
	if len(frame) == 0 {
		return Message{}, ErrEmptyFrame
	}

	msg := Message{Type: MessageType(frame[0])}
	if len(frame) > 1 {
		msg.Arguments = append([]byte(nil), frame[1:]...)
	}
	if !msg.Type.Known() {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownType, frame[0])
	}

	argc := len(msg.Arguments)
	switch msg.Type {
	case TypeQueryProtocolVersion, TypeQueryTotalPinCount, TypeQueryPinAllLegacy:
		if argc != 0 {
			return Message{}, malformed(msg.Type, "expected no arguments, got %d", argc)
		}
	case TypeQueryPinMode:
		if argc > 1 {
			return Message{}, malformed(msg.Type, "expected at most 1 argument, got %d", argc)
		}
	case TypeQueryPinCapability, TypeDigitalRead:
		if argc != 1 {
			return Message{}, malformed(msg.Type, "expected 1 argument, got %d", argc)
		}
	case TypeSetPinMode, TypeDigitalWrite, TypeAnalogWrite, TypeServoWrite:
		if argc != 2 {
			return Message{}, malformed(msg.Type, "expected 2 arguments, got %d", argc)
		}
	case TypeSendCustomData:
		if argc < customDataLengthFieldSize {
			return Message{}, malformed(msg.Type, "missing length byte")
		}
		if declared := int(msg.Arguments[0]); declared != argc-customDataLengthFieldSize {
			return Message{}, malformed(msg.Type, "length byte %d, payload %d", declared, argc-customDataLengthFieldSize)
		}
	}

	return msg, nil
}

func malformed(t MessageType, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrMalformedFrame, t, fmt.Sprintf(format, args...))
}
