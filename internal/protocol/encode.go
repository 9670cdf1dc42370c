package protocol

import (
	"fmt"
	"sort"
)

// Encode renders m as wire bytes.
func Encode(m Message) ([]byte, error) {
	switch m := m.(type) {
	case SetPinMode:
		if err := checkRange("pin", m.Pin, 0x7F); err != nil {
			return nil, err
		}
		if err := checkRange("mode", int(m.Mode), 0x7F); err != nil {
			return nil, err
		}
		return []byte{SetPinModeMsg, byte(m.Pin), byte(m.Mode)}, nil

	case SetServoConfig:
		if err := checkRange("pin", m.Pin, 0x7F); err != nil {
			return nil, err
		}
		out := []byte{StartSysex, SysexServoConfig, byte(m.Pin)}
		for _, f := range []struct {
			name string
			v    int
		}{{"min pulse", m.MinPulse}, {"max pulse", m.MaxPulse}, {"angle", m.Angle}} {
			if err := checkRange(f.name, f.v, Max14Bit); err != nil {
				return nil, err
			}
			lsb, msb := Split14(f.v)
			out = append(out, lsb, msb)
		}
		return append(out, EndSysex), nil

	case DigitalPortWrite:
		return encodePort(m.Port, m.Pins)

	case DigitalPortReport:
		return encodePort(m.Port, m.Pins)

	case AnalogWrite:
		if err := checkRange("pin", m.Pin, 0x7F); err != nil {
			return nil, err
		}
		if m.Value < 0 {
			return nil, fmt.Errorf("%w: value %d", ErrArgumentRange, m.Value)
		}
		if m.Pin < 16 && m.Value <= Max14Bit {
			lsb, msb := Split14(m.Value)
			return []byte{AnalogMessage | byte(m.Pin), lsb, msb}, nil
		}
		if m.Value >= 1<<(7*maxGroups) {
			return nil, fmt.Errorf("%w: value %d", ErrArgumentRange, m.Value)
		}
		out := appendGroups([]byte{StartSysex, SysexExtendedAnalog, byte(m.Pin)}, m.Value)
		return append(out, EndSysex), nil

	case AnalogValueReport:
		if err := checkRange("channel", m.Channel, 0x0F); err != nil {
			return nil, err
		}
		if err := checkRange("value", m.Value, Max14Bit); err != nil {
			return nil, err
		}
		lsb, msb := Split14(m.Value)
		return []byte{AnalogMessage | byte(m.Channel), lsb, msb}, nil

	case SetSamplingInterval:
		if err := checkRange("interval", m.Milliseconds, Max14Bit); err != nil {
			return nil, err
		}
		lsb, msb := Split14(m.Milliseconds)
		return []byte{StartSysex, SysexSamplingInterval, lsb, msb, EndSysex}, nil

	case QueryPinState:
		if err := checkRange("pin", m.Pin, 0x7F); err != nil {
			return nil, err
		}
		return []byte{StartSysex, SysexPinStateQuery, byte(m.Pin), EndSysex}, nil

	case QueryCapabilities:
		return []byte{StartSysex, SysexCapabilityQuery, EndSysex}, nil

	case QueryAnalogMapping:
		return []byte{StartSysex, SysexAnalogMappingQuery, EndSysex}, nil

	case QueryFirmwareVersion:
		return []byte{StartSysex, SysexReportFirmware, EndSysex}, nil

	case Reset:
		return []byte{SystemReset}, nil

	case ReportAnalog:
		if err := checkRange("channel", m.Channel, 0x0F); err != nil {
			return nil, err
		}
		return []byte{ReportAnalogPin | byte(m.Channel), flag(m.Enable)}, nil

	case ReportDigital:
		if err := checkRange("port", m.Port, 0x0F); err != nil {
			return nil, err
		}
		return []byte{ReportDigitalMsg | byte(m.Port), flag(m.Enable)}, nil

	case SetDigitalPin:
		if err := checkRange("pin", m.Pin, 0x7F); err != nil {
			return nil, err
		}
		return []byte{SetDigitalPinMsg, byte(m.Pin), flag(m.Value)}, nil

	case CapabilityResponse:
		out := []byte{StartSysex, SysexCapabilityResponse}
		for pin, caps := range m.Pins {
			modes := make([]int, 0, len(caps))
			for mode := range caps {
				modes = append(modes, int(mode))
			}
			sort.Ints(modes)
			for _, mode := range modes {
				res := caps[PinMode(mode)]
				if mode >= int(CapabilityTerminator) || res < 0 || res >= int(CapabilityTerminator) {
					return nil, fmt.Errorf("%w: pin %d mode %d resolution %d", ErrArgumentRange, pin, mode, res)
				}
				out = append(out, byte(mode), byte(res))
			}
			out = append(out, CapabilityTerminator)
		}
		return append(out, EndSysex), nil

	case PinStateResponse:
		if err := checkRange("pin", m.Pin, 0x7F); err != nil {
			return nil, err
		}
		if err := checkRange("mode", int(m.Mode), 0x7F); err != nil {
			return nil, err
		}
		if m.State < 0 || m.State >= 1<<(7*maxGroups) {
			return nil, fmt.Errorf("%w: state %d", ErrArgumentRange, m.State)
		}
		out := appendGroups([]byte{StartSysex, SysexPinStateResponse, byte(m.Pin), byte(m.Mode)}, m.State)
		return append(out, EndSysex), nil

	case AnalogMappingResponse:
		out := []byte{StartSysex, SysexAnalogMappingResponse}
		for pin, ch := range m.Mapping {
			if ch > CapabilityTerminator {
				return nil, fmt.Errorf("%w: pin %d channel %d", ErrArgumentRange, pin, ch)
			}
			out = append(out, ch)
		}
		return append(out, EndSysex), nil

	case FirmwareVersionResponse:
		if err := checkRange("major", m.Major, 0x7F); err != nil {
			return nil, err
		}
		if err := checkRange("minor", m.Minor, 0x7F); err != nil {
			return nil, err
		}
		out, err := appendString([]byte{StartSysex, SysexReportFirmware, byte(m.Major), byte(m.Minor)}, m.Name)
		if err != nil {
			return nil, err
		}
		return append(out, EndSysex), nil

	case StringDataReport:
		out, err := appendString([]byte{StartSysex, SysexStringData}, m.Text)
		if err != nil {
			return nil, err
		}
		return append(out, EndSysex), nil

	case ProtocolVersionReport:
		if err := checkRange("major", m.Major, 0x7F); err != nil {
			return nil, err
		}
		if err := checkRange("minor", m.Minor, 0x7F); err != nil {
			return nil, err
		}
		return []byte{ProtocolVersion, byte(m.Major), byte(m.Minor)}, nil
	}
	return nil, fmt.Errorf("encode %T: %w", m, ErrUnknownCommand)
}

func encodePort(port int, pins [8]bool) ([]byte, error) {
	if err := checkRange("port", port, 0x0F); err != nil {
		return nil, err
	}
	lsb, msb := Split14(portByte(pins))
	return []byte{DigitalMessage | byte(port), lsb, msb}, nil
}

func checkRange(name string, v, limit int) error {
	if v < 0 || v > limit {
		return fmt.Errorf("%w: %s %d not in [0, %d]", ErrArgumentRange, name, v, limit)
	}
	return nil
}

func flag(b bool) byte {
	if b {
		return 1
	}
	return 0
}
