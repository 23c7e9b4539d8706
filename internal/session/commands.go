package session

import "github.com/srg/rblink/internal/protocol"

func (s *Session) QueryProtocolVersion() {
	s.SendCommand(protocol.QueryProtocolVersion())
}

func (s *Session) QueryTotalPinCount() {
	s.SendCommand(protocol.QueryTotalPinCount())
}

func (s *Session) QueryPinCapability(b byte) {
	s.SendCommand(protocol.QueryPinCapability(b))
}

func (s *Session) QueryPinMode(pin byte) {
	s.SendCommand(protocol.QueryPinMode(pin))
}

func (s *Session) QueryPinAll() {
	s.SendCommand(protocol.QueryPinAll())
}

func (s *Session) SetPinMode(pin byte, mode protocol.PinMode) {
	s.SendCommand(protocol.SetPinMode(pin, mode))
}

func (s *Session) DigitalWrite(pin byte, value protocol.PinValue) {
	s.SendCommand(protocol.DigitalWrite(pin, value))
}

func (s *Session) DigitalRead(pin byte) {
	s.SendCommand(protocol.DigitalRead(pin))
}

func (s *Session) AnalogWrite(pin, value byte) {
	s.SendCommand(protocol.AnalogWrite(pin, value))
}

func (s *Session) ServoWrite(pin, value byte) {
	s.SendCommand(protocol.ServoWrite(pin, value))
}

// SendCustomData fails only when payload does not fit the one-byte length field.
func (s *Session) SendCustomData(payload []byte) error {
	msg, err := protocol.SendCustomData(payload)
	if err != nil {
		return err
	}
	s.SendCommand(msg)
	return nil
}

// AnalogRead always fails with protocol.ErrUnsupportedOperation; nothing is queued.
func (s *Session) AnalogRead(pin byte) error {
	_, err := protocol.AnalogRead(pin)
	s.logger.WithError(err).Warn("Rejected unsupported command")
	return err
}

// ServoRead always fails with protocol.ErrUnsupportedOperation; nothing is queued.
func (s *Session) ServoRead(pin byte) error {
	_, err := protocol.ServoRead(pin)
	s.logger.WithError(err).Warn("Rejected unsupported command")
	return err
}
