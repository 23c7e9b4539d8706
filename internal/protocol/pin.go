package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// PinMode values as defined by the peripheral firmware.
type PinMode byte

const (
	PinModeInput       PinMode = 0x00
	PinModeOutput      PinMode = 0x01
	PinModeAnalog      PinMode = 0x02
	PinModePWM         PinMode = 0x03
	PinModeServo       PinMode = 0x04
	PinModeUnavailable PinMode = 0xff
)

var pinModeNames = map[PinMode]string{
	PinModeInput:       "input",
	PinModeOutput:      "output",
	PinModeAnalog:      "analog",
	PinModePWM:         "pwm",
	PinModeServo:       "servo",
	PinModeUnavailable: "unavailable",
}

func (m PinMode) String() string {
	if name, ok := pinModeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("mode(0x%02x)", byte(m))
}

// ParsePinMode accepts a mode name (case-insensitive) or a numeric value.
func ParsePinMode(s string) (PinMode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for mode, name := range pinModeNames {
		if name == s {
			return mode, nil
		}
	}
	v, err := parseByte(s)
	if err != nil {
		return 0, fmt.Errorf("invalid pin mode %q", s)
	}
	if _, ok := pinModeNames[PinMode(v)]; !ok {
		return 0, fmt.Errorf("invalid pin mode %q", s)
	}
	return PinMode(v), nil
}

// PinType selects the pin class in a capability query.
type PinType byte

const (
	PinTypeDigital PinType = 0x02
	PinTypeAnalog  PinType = 0x03
)

func (t PinType) String() string {
	switch t {
	case PinTypeDigital:
		return "digital"
	case PinTypeAnalog:
		return "analog"
	default:
		return fmt.Sprintf("type(0x%02x)", byte(t))
	}
}

// PinValue is a digital level.
type PinValue byte

const (
	PinValueLow  PinValue = 0x00
	PinValueHigh PinValue = 0x01
)

func (v PinValue) String() string {
	switch v {
	case PinValueLow:
		return "low"
	case PinValueHigh:
		return "high"
	default:
		return fmt.Sprintf("value(0x%02x)", byte(v))
	}
}

// ParsePinValue accepts high/low, on/off or 1/0.
func ParsePinValue(s string) (PinValue, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high", "on", "1":
		return PinValueHigh, nil
	case "low", "off", "0":
		return PinValueLow, nil
	default:
		return 0, fmt.Errorf("invalid pin value %q: expected high or low", s)
	}
}

// PinCapability is a bit set reported per pin.
type PinCapability byte

const (
	PinCapabilityNone    PinCapability = 0x00
	PinCapabilityDigital PinCapability = 0x01
	PinCapabilityAnalog  PinCapability = 0x02
	PinCapabilityPWM     PinCapability = 0x04
	PinCapabilityServo   PinCapability = 0x08
	PinCapabilityI2C     PinCapability = 0x10
)

var capabilityOrder = []struct {
	flag PinCapability
	name string
}{
	{PinCapabilityDigital, "digital"},
	{PinCapabilityAnalog, "analog"},
	{PinCapabilityPWM, "pwm"},
	{PinCapabilityServo, "servo"},
	{PinCapabilityI2C, "i2c"},
}

// Has reports whether all bits of flag are set.
func (c PinCapability) Has(flag PinCapability) bool {
	return c&flag == flag
}

func (c PinCapability) String() string {
	if c == PinCapabilityNone {
		return "none"
	}
	var names []string
	rest := c
	for _, entry := range capabilityOrder {
		if c.Has(entry.flag) {
			names = append(names, entry.name)
			rest &^= entry.flag
		}
	}
	if rest != 0 {
		names = append(names, fmt.Sprintf("0x%02x", byte(rest)))
	}
	return strings.Join(names, "|")
}

// PinError codes reported by the firmware.
type PinError byte

const (
	PinErrorInvalidPin  PinError = 0x01
	PinErrorInvalidMode PinError = 0x03
)

func (e PinError) String() string {
	switch e {
	case PinErrorInvalidPin:
		return "invalid_pin"
	case PinErrorInvalidMode:
		return "invalid_mode"
	default:
		return fmt.Sprintf("pin_error(0x%02x)", byte(e))
	}
}

// ParseByte parses a decimal or 0x-prefixed hex value in 0..255.
func ParseByte(s string) (byte, error) {
	v, err := parseByte(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid byte value %q: %w", s, err)
	}
	return v, nil
}

func parseByte(s string) (byte, error) {
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, err
	}
	return byte(v), nil
}
