package protocol

// Decode parses one complete frame as produced by the Reassembler. dir says
// which side sent it.
func Decode(dir Direction, frame []byte) (Message, error) {
	if len(frame) == 0 {
		return nil, decodeErr(frame, ErrTruncated, "empty frame")
	}
	status := frame[0]
	if status == StartSysex {
		return decodeSysex(dir, frame)
	}

	n := frameLength(status)
	if n == 0 {
		return nil, decodeErr(frame, ErrUnknownCommand, "status 0x%02X", status)
	}
	if len(frame) < n {
		return nil, decodeErr(frame, ErrTruncated, "have %d of %d bytes", len(frame), n)
	}
	if len(frame) > n {
		return nil, decodeErr(frame, ErrMalformedTerminator, "%d trailing bytes", len(frame)-n)
	}
	for _, b := range frame[1:] {
		if b&0x80 != 0 {
			return nil, decodeErr(frame, ErrValueOutOfRange, "data byte 0x%02X", b)
		}
	}

	low := int(status & 0x0F)
	switch status & 0xF0 {
	case DigitalMessage:
		// A port carries eight pins; only bit 0 of the second data byte is
		// meaningful.
		if frame[2]&^0x01 != 0 {
			return nil, decodeErr(frame, ErrValueOutOfRange, "port bits 0x%02X above pin 7", frame[2]&^0x01)
		}
		v, _ := Join14(frame[1], frame[2])
		if dir == FromHost {
			return DigitalPortWrite{Port: low, Pins: portPins(v)}, nil
		}
		return DigitalPortReport{Port: low, Pins: portPins(v)}, nil

	case AnalogMessage:
		v, _ := Join14(frame[1], frame[2])
		if dir == FromHost {
			return AnalogWrite{Pin: low, Value: v}, nil
		}
		return AnalogValueReport{Channel: low, Value: v}, nil

	case ReportAnalogPin:
		if dir != FromHost {
			return nil, decodeErr(frame, ErrWrongDirection, "")
		}
		return ReportAnalog{Channel: low, Enable: frame[1] != 0}, nil

	case ReportDigitalMsg:
		if dir != FromHost {
			return nil, decodeErr(frame, ErrWrongDirection, "")
		}
		return ReportDigital{Port: low, Enable: frame[1] != 0}, nil
	}

	switch status {
	case SetPinModeMsg:
		if dir != FromHost {
			return nil, decodeErr(frame, ErrWrongDirection, "")
		}
		return SetPinMode{Pin: int(frame[1]), Mode: PinMode(frame[2])}, nil

	case SetDigitalPinMsg:
		if dir != FromHost {
			return nil, decodeErr(frame, ErrWrongDirection, "")
		}
		return SetDigitalPin{Pin: int(frame[1]), Value: frame[2] != 0}, nil

	case ProtocolVersion:
		if dir != FromDevice {
			return nil, decodeErr(frame, ErrWrongDirection, "")
		}
		return ProtocolVersionReport{Major: int(frame[1]), Minor: int(frame[2])}, nil

	case SystemReset:
		if dir != FromHost {
			return nil, decodeErr(frame, ErrWrongDirection, "")
		}
		return Reset{}, nil
	}
	return nil, decodeErr(frame, ErrUnknownCommand, "status 0x%02X", status)
}

func decodeSysex(dir Direction, frame []byte) (Message, error) {
	if frame[len(frame)-1] != EndSysex {
		if len(frame) < 3 {
			return nil, decodeErr(frame, ErrTruncated, "sysex without end marker")
		}
		return nil, decodeErr(frame, ErrMalformedTerminator, "sysex ends with 0x%02X", frame[len(frame)-1])
	}
	if len(frame) < 3 {
		return nil, decodeErr(frame, ErrTruncated, "sysex without command")
	}
	cmd := frame[1]
	payload := frame[2 : len(frame)-1]
	for _, b := range payload {
		if b == EndSysex {
			return nil, decodeErr(frame, ErrMalformedTerminator, "end marker inside payload")
		}
		if b&0x80 != 0 {
			return nil, decodeErr(frame, ErrValueOutOfRange, "payload byte 0x%02X", b)
		}
	}

	expect := func(want Direction) error {
		if dir != want {
			return decodeErr(frame, ErrWrongDirection, "sysex 0x%02X", cmd)
		}
		return nil
	}
	exactly := func(n int) error {
		if len(payload) < n {
			return decodeErr(frame, ErrTruncated, "sysex 0x%02X payload %d bytes, want %d", cmd, len(payload), n)
		}
		if len(payload) > n {
			return decodeErr(frame, ErrMalformedTerminator, "sysex 0x%02X payload %d bytes, want %d", cmd, len(payload), n)
		}
		return nil
	}

	switch cmd {
	case SysexCapabilityQuery:
		if err := expect(FromHost); err != nil {
			return nil, err
		}
		if err := exactly(0); err != nil {
			return nil, err
		}
		return QueryCapabilities{}, nil

	case SysexCapabilityResponse:
		if err := expect(FromDevice); err != nil {
			return nil, err
		}
		return decodeCapabilities(frame, payload)

	case SysexAnalogMappingQuery:
		if err := expect(FromHost); err != nil {
			return nil, err
		}
		if err := exactly(0); err != nil {
			return nil, err
		}
		return QueryAnalogMapping{}, nil

	case SysexAnalogMappingResponse:
		if err := expect(FromDevice); err != nil {
			return nil, err
		}
		return AnalogMappingResponse{Mapping: append([]byte(nil), payload...)}, nil

	case SysexPinStateQuery:
		if err := expect(FromHost); err != nil {
			return nil, err
		}
		if err := exactly(1); err != nil {
			return nil, err
		}
		return QueryPinState{Pin: int(payload[0])}, nil

	case SysexPinStateResponse:
		if err := expect(FromDevice); err != nil {
			return nil, err
		}
		if len(payload) < 3 {
			return nil, decodeErr(frame, ErrTruncated, "pin state payload %d bytes", len(payload))
		}
		state, err := readGroups(payload[2:])
		if err != nil {
			return nil, decodeErr(frame, err, "")
		}
		return PinStateResponse{Pin: int(payload[0]), Mode: PinMode(payload[1]), State: state}, nil

	case SysexExtendedAnalog:
		if err := expect(FromHost); err != nil {
			return nil, err
		}
		if len(payload) < 2 {
			return nil, decodeErr(frame, ErrTruncated, "extended analog payload %d bytes", len(payload))
		}
		v, err := readGroups(payload[1:])
		if err != nil {
			return nil, decodeErr(frame, err, "")
		}
		return AnalogWrite{Pin: int(payload[0]), Value: v}, nil

	case SysexServoConfig:
		if err := expect(FromHost); err != nil {
			return nil, err
		}
		// The angle pair is optional on the wire.
		if len(payload) != 5 {
			if err := exactly(7); err != nil {
				return nil, err
			}
		}
		m := SetServoConfig{Pin: int(payload[0])}
		m.MinPulse, _ = Join14(payload[1], payload[2])
		m.MaxPulse, _ = Join14(payload[3], payload[4])
		if len(payload) == 7 {
			m.Angle, _ = Join14(payload[5], payload[6])
		}
		return m, nil

	case SysexStringData:
		text, err := readString(payload)
		if err != nil {
			return nil, decodeErr(frame, err, "")
		}
		return StringDataReport{Text: text}, nil

	case SysexReportFirmware:
		if dir == FromHost {
			if err := exactly(0); err != nil {
				return nil, err
			}
			return QueryFirmwareVersion{}, nil
		}
		if len(payload) < 2 {
			return nil, decodeErr(frame, ErrTruncated, "firmware payload %d bytes", len(payload))
		}
		name, err := readString(payload[2:])
		if err != nil {
			return nil, decodeErr(frame, err, "")
		}
		return FirmwareVersionResponse{Major: int(payload[0]), Minor: int(payload[1]), Name: name}, nil

	case SysexSamplingInterval:
		if err := expect(FromHost); err != nil {
			return nil, err
		}
		if err := exactly(2); err != nil {
			return nil, err
		}
		ms, _ := Join14(payload[0], payload[1])
		return SetSamplingInterval{Milliseconds: ms}, nil
	}
	return nil, decodeErr(frame, ErrUnknownCommand, "sysex 0x%02X", cmd)
}

// decodeCapabilities walks the per-pin (mode, resolution) lists. Each list
// ends with CapabilityTerminator; a mode immediately followed by the
// terminator, or a list left open at the end, is malformed.
func decodeCapabilities(frame, payload []byte) (Message, error) {
	resp := CapabilityResponse{}
	cur := map[PinMode]int{}
	open := false
	for i := 0; i < len(payload); {
		if payload[i] == CapabilityTerminator {
			resp.Pins = append(resp.Pins, cur)
			cur = map[PinMode]int{}
			open = false
			i++
			continue
		}
		if i+1 >= len(payload) || payload[i+1] == CapabilityTerminator {
			return nil, decodeErr(frame, ErrMalformedTerminator, "pin %d mode 0x%02X has no resolution", len(resp.Pins), payload[i])
		}
		cur[PinMode(payload[i])] = int(payload[i+1])
		open = true
		i += 2
	}
	if open {
		return nil, decodeErr(frame, ErrMalformedTerminator, "pin %d list not terminated", len(resp.Pins))
	}
	return resp, nil
}
