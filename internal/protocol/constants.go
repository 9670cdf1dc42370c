package protocol

import (
	"fmt"
	"strings"
)

// Status bytes. The low nibble of the 0x90, 0xC0, 0xD0 and 0xE0 families
// carries a port or channel number.
const (
	DigitalMessage   byte = 0x90 // port, lsb, msb
	ReportAnalogPin  byte = 0xC0 // channel, enable
	ReportDigitalMsg byte = 0xD0 // port, enable
	AnalogMessage    byte = 0xE0 // channel, lsb, msb
	StartSysex       byte = 0xF0
	SetPinModeMsg    byte = 0xF4 // pin, mode
	SetDigitalPinMsg byte = 0xF5 // pin, value
	EndSysex         byte = 0xF7
	ProtocolVersion  byte = 0xF9 // major, minor
	SystemReset      byte = 0xFF
)

// Sysex sub-commands.
const (
	SysexAnalogMappingQuery    byte = 0x69
	SysexAnalogMappingResponse byte = 0x6A
	SysexCapabilityQuery       byte = 0x6B
	SysexCapabilityResponse    byte = 0x6C
	SysexPinStateQuery         byte = 0x6D
	SysexPinStateResponse      byte = 0x6E
	SysexExtendedAnalog        byte = 0x6F
	SysexServoConfig           byte = 0x70
	SysexStringData            byte = 0x71
	SysexReportFirmware        byte = 0x79
	SysexSamplingInterval      byte = 0x7A
)

// CapabilityTerminator ends one pin's mode list in a capability response.
// The same value marks "no analog channel" in an analog mapping response.
const CapabilityTerminator byte = 0x7F

// Max14Bit is the largest value carried by two 7-bit data bytes.
const Max14Bit = 0x3FFF

// PinMode is a Firmata pin mode code.
type PinMode uint8

const (
	PinModeInput       PinMode = 0x00
	PinModeOutput      PinMode = 0x01
	PinModeAnalog      PinMode = 0x02
	PinModePWM         PinMode = 0x03
	PinModeServo       PinMode = 0x04
	PinModeShift       PinMode = 0x05
	PinModeI2C         PinMode = 0x06
	PinModeOneWire     PinMode = 0x07
	PinModeStepper     PinMode = 0x08
	PinModeEncoder     PinMode = 0x09
	PinModeSerial      PinMode = 0x0A
	PinModeInputPullUp PinMode = 0x0B

	// PinModeNone means no mode has been configured yet.
	PinModeNone PinMode = 0x7F
)

var pinModeNames = map[PinMode]string{
	PinModeInput:       "Input",
	PinModeOutput:      "Output",
	PinModeAnalog:      "Analog",
	PinModePWM:         "PWM",
	PinModeServo:       "Servo",
	PinModeShift:       "Shift",
	PinModeI2C:         "I2C",
	PinModeOneWire:     "OneWire",
	PinModeStepper:     "Stepper",
	PinModeEncoder:     "Encoder",
	PinModeSerial:      "Serial",
	PinModeInputPullUp: "InputPullUp",
	PinModeNone:        "None",
}

func (m PinMode) String() string {
	if s, ok := pinModeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("Mode(0x%02X)", uint8(m))
}

// MarshalText lets pin modes appear by name in JSON and YAML.
func (m PinMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// ParsePinMode resolves a mode by name, ignoring case.
func ParsePinMode(s string) (PinMode, error) {
	for m, name := range pinModeNames {
		if strings.EqualFold(name, s) {
			return m, nil
		}
	}
	return PinModeNone, fmt.Errorf("unknown pin mode %q", s)
}

// UnmarshalText is the inverse of MarshalText.
func (m *PinMode) UnmarshalText(b []byte) error {
	v, err := ParsePinMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// frameLength returns the fixed length of a frame opened by status byte b,
// or 0 when b does not open a fixed-length frame.
func frameLength(b byte) int {
	switch b & 0xF0 {
	case DigitalMessage, AnalogMessage:
		return 3
	case ReportAnalogPin, ReportDigitalMsg:
		return 2
	}
	switch b {
	case SetPinModeMsg, SetDigitalPinMsg, ProtocolVersion:
		return 3
	case SystemReset:
		return 1
	}
	return 0
}
