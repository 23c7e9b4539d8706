package protocol

import "fmt"

func QueryProtocolVersion() Message {
	return Message{Type: TypeQueryProtocolVersion}
}

func QueryTotalPinCount() Message {
	return Message{Type: TypeQueryTotalPinCount}
}

// QueryPinCapability asks for the capability bits of the given pin class or pin.
func QueryPinCapability(b byte) Message {
	return Message{Type: TypeQueryPinCapability, Arguments: []byte{b}}
}

func QueryPinMode(pin byte) Message {
	return Message{Type: TypeQueryPinMode, Arguments: []byte{pin}}
}

// QueryPinAll shares the pin mode tag and carries no arguments.
func QueryPinAll() Message {
	return Message{Type: TypeQueryPinMode}
}

func SetPinMode(pin byte, mode PinMode) Message {
	return Message{Type: TypeSetPinMode, Arguments: []byte{pin, byte(mode)}}
}

func DigitalWrite(pin byte, value PinValue) Message {
	return Message{Type: TypeDigitalWrite, Arguments: []byte{pin, byte(value)}}
}

func DigitalRead(pin byte) Message {
	return Message{Type: TypeDigitalRead, Arguments: []byte{pin}}
}

func AnalogWrite(pin, value byte) Message {
	return Message{Type: TypeAnalogWrite, Arguments: []byte{pin, value}}
}

func ServoWrite(pin, value byte) Message {
	return Message{Type: TypeServoWrite, Arguments: []byte{pin, value}}
}

// SendCustomData frames payload as Z, length, payload.
func SendCustomData(payload []byte) (Message, error) {
	if len(payload) > MaxCustomDataPayload {
		return Message{}, fmt.Errorf("%w: got %d bytes", ErrPayloadTooLong, len(payload))
	}
	args := make([]byte, 0, customDataLengthFieldSize+len(payload))
	args = append(args, byte(len(payload)))
	args = append(args, payload...)
	return Message{Type: TypeSendCustomData, Arguments: args}, nil
}

// AnalogRead has no wire encoding in the firmware command set.
func AnalogRead(pin byte) (Message, error) {
	return Message{}, fmt.Errorf("%w: analog read (pin %d)", ErrUnsupportedOperation, pin)
}

// ServoRead has no wire encoding in the firmware command set.
func ServoRead(pin byte) (Message, error) {
	return Message{}, fmt.Errorf("%w: servo read (pin %d)", ErrUnsupportedOperation, pin)
}
