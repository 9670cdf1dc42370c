package engine

import (
	"fmt"

	"github.com/shaunagostinho/gofirmata/internal/protocol"
	"github.com/shaunagostinho/gofirmata/internal/registry"
)

const maxServoAngle = 180

// check rejects m before anything is encoded when the registry says the
// board cannot honour it.
func (e *Engine) check(m protocol.Message) error {
	switch m := m.(type) {
	case protocol.SetPinMode:
		if m.Mode == protocol.PinModeI2C {
			return fmt.Errorf("%w: I2C on pin %d", ErrUnsupportedFeature, m.Pin)
		}
		return e.require(m.Pin, m.Mode)
	case protocol.SetServoConfig:
		return e.require(m.Pin, protocol.PinModeServo)
	case protocol.AnalogWrite:
		if e.reg.HasCapability(m.Pin, protocol.PinModeServo) {
			if p, _ := e.reg.Pin(m.Pin); p.Mode == protocol.PinModeServo {
				return nil
			}
		}
		if err := e.require(m.Pin, protocol.PinModePWM); err != nil {
			return err
		}
		return e.requireMode(m.Pin, protocol.PinModePWM)
	case protocol.SetDigitalPin:
		return e.require(m.Pin, protocol.PinModeOutput)
	case protocol.QueryPinState:
		_, err := e.reg.Pin(m.Pin)
		return err
	case protocol.ReportAnalog:
		_, err := e.reg.AnalogByChannel(m.Channel)
		return err
	case protocol.Reset, protocol.QueryCapabilities, protocol.QueryAnalogMapping:
		return fmt.Errorf("firmata: %s is only sent during the handshake", m.Command())
	}
	return nil
}

func (e *Engine) require(pin int, mode protocol.PinMode) error {
	p, err := e.reg.Pin(pin)
	if err != nil {
		return err
	}
	if !p.HasCapability(mode) {
		return &CapabilityError{Pin: pin, Mode: mode, Supported: p.Supported()}
	}
	return nil
}

// requireMode rejects a pin that is not currently in mode.
func (e *Engine) requireMode(pin int, mode protocol.PinMode) error {
	p, err := e.reg.Pin(pin)
	if err != nil {
		return err
	}
	if p.Mode != mode {
		return &ModeError{Pin: pin, Want: mode, Have: p.Mode}
	}
	return nil
}

// record applies the local effect of an outgoing command to the registry
// before the board confirms it. A PinStateResponse overrides it unless the
// query behind it was sent before this command.
func (e *Engine) record(m protocol.Message) {
	switch m := m.(type) {
	case protocol.SetPinMode:
		_ = e.reg.SetMode(m.Pin, m.Mode)
		e.supersede(m.Pin)
	case protocol.SetServoConfig:
		_ = e.reg.SetMode(m.Pin, protocol.PinModeServo)
		_ = e.reg.SetValue(m.Pin, m.Angle)
		e.supersede(m.Pin)
	case protocol.AnalogWrite:
		_ = e.reg.SetValue(m.Pin, m.Value)
		e.supersede(m.Pin)
	case protocol.SetDigitalPin:
		_ = e.reg.SetValue(m.Pin, boolValue(m.Value))
		e.supersede(m.Pin)
	case protocol.DigitalPortWrite:
		// Firmware applies port bits to output pins only.
		for i, on := range m.Pins {
			idx := m.Port*registry.PinsPerPort + i
			p, err := e.reg.Pin(idx)
			if err != nil || !registry.DrivesPort(p.Mode) || p.Value == boolValue(on) {
				continue
			}
			_ = e.reg.SetValue(idx, boolValue(on))
			e.supersede(idx)
		}
	case protocol.QueryPinState:
		e.queries[m.Pin] = append(e.queries[m.Pin], false)
	}
}

// supersede marks every unanswered state query for pin as out of date.
func (e *Engine) supersede(pin int) {
	for i := range e.queries[pin] {
		e.queries[pin][i] = true
	}
}

// SetPinMode configures a pin, then asks the board for the pin's state so
// the registry ends up with what the firmware actually did. Input modes also
// turn on reporting for the pin's port so level changes come back without
// polling.
func (e *Engine) SetPinMode(pin int, mode protocol.PinMode) error {
	if err := e.SendMessage(protocol.SetPinMode{Pin: pin, Mode: mode}); err != nil {
		return err
	}
	if isInputMode(mode) {
		if err := e.ReportDigital(pin/registry.PinsPerPort, true); err != nil {
			return err
		}
	}
	return e.QueryPinState(pin)
}

// DigitalWrite sets one pin by rewriting its port. The other output pins
// keep their last known levels; pins in any other mode are sent low, which
// the firmware ignores, and keep their registry values.
func (e *Engine) DigitalWrite(pin int, value bool) error {
	return e.submit(func() (protocol.Message, error) {
		if err := e.require(pin, protocol.PinModeOutput); err != nil {
			return nil, err
		}
		port := pin / registry.PinsPerPort
		levels := e.reg.PortValues(port)
		levels[pin%registry.PinsPerPort] = value
		return protocol.DigitalPortWrite{Port: port, Pins: levels}, nil
	})
}

// AnalogWrite sets a PWM duty cycle on a pin in PWM mode. The value must fit
// the pin's PWM resolution.
func (e *Engine) AnalogWrite(pin, value int) error {
	return e.submit(func() (protocol.Message, error) {
		if err := e.require(pin, protocol.PinModePWM); err != nil {
			return nil, err
		}
		if err := e.requireMode(pin, protocol.PinModePWM); err != nil {
			return nil, err
		}
		p, _ := e.reg.Pin(pin)
		if limit := 1<<p.Capabilities[protocol.PinModePWM] - 1; value < 0 || value > limit {
			return nil, fmt.Errorf("%w: pwm value %d on pin %d (0..%d)", protocol.ErrArgumentRange, value, pin, limit)
		}
		return protocol.AnalogWrite{Pin: pin, Value: value}, nil
	})
}

// ServoWrite moves a servo to angle degrees. The pin must be in Servo mode,
// see ConfigureServo.
func (e *Engine) ServoWrite(pin, angle int) error {
	return e.submit(func() (protocol.Message, error) {
		if err := e.require(pin, protocol.PinModeServo); err != nil {
			return nil, err
		}
		if err := e.requireMode(pin, protocol.PinModeServo); err != nil {
			return nil, err
		}
		if angle < 0 || angle > maxServoAngle {
			return nil, fmt.Errorf("%w: servo angle %d", protocol.ErrArgumentRange, angle)
		}
		return protocol.AnalogWrite{Pin: pin, Value: angle}, nil
	})
}

// ConfigureServo sets the pulse range of a servo pin and puts it in servo
// mode.
func (e *Engine) ConfigureServo(pin, minPulse, maxPulse int) error {
	if minPulse < 0 || maxPulse < minPulse {
		return fmt.Errorf("%w: servo pulse %d..%d", protocol.ErrArgumentRange, minPulse, maxPulse)
	}
	return e.SendMessage(protocol.SetServoConfig{Pin: pin, MinPulse: minPulse, MaxPulse: maxPulse})
}

// AnalogRead returns the last value reported on an analog channel. The
// channel's pin must be in Analog mode, otherwise the value is not a reading.
func (e *Engine) AnalogRead(channel int) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.usable(); err != nil {
		return 0, err
	}
	a, err := e.reg.AnalogByChannel(channel)
	if err != nil {
		return 0, err
	}
	if a.Mode != protocol.PinModeAnalog {
		return 0, &ModeError{Pin: a.Pin, Want: protocol.PinModeAnalog, Have: a.Mode}
	}
	return a.Value, nil
}

// DigitalRead returns the last known level of a pin.
func (e *Engine) DigitalRead(pin int) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.usable(); err != nil {
		return false, err
	}
	p, err := e.reg.Pin(pin)
	if err != nil {
		return false, err
	}
	return p.Value != 0, nil
}

func (e *Engine) SetSamplingInterval(ms int) error {
	return e.SendMessage(protocol.SetSamplingInterval{Milliseconds: ms})
}

func (e *Engine) ReportAnalog(channel int, enable bool) error {
	return e.SendMessage(protocol.ReportAnalog{Channel: channel, Enable: enable})
}

func (e *Engine) ReportDigital(port int, enable bool) error {
	return e.SendMessage(protocol.ReportDigital{Port: port, Enable: enable})
}

// QueryPinState asks the board for a pin's actual mode and value. The
// answer arrives as an EventPinState and replaces the registry entry.
func (e *Engine) QueryPinState(pin int) error {
	return e.SendMessage(protocol.QueryPinState{Pin: pin})
}

// ShiftOut clocks data out over three pins, first bit first, the way a
// 74HC595 expects it: latch low, then for every bit set the data line and
// pulse the clock, then latch high.
func (e *Engine) ShiftOut(data []bool, dataPin, clockPin, latchPin int) error {
	for _, pin := range []int{dataPin, clockPin, latchPin} {
		if err := e.SetPinMode(pin, protocol.PinModeOutput); err != nil {
			return err
		}
	}
	if err := e.DigitalWrite(latchPin, false); err != nil {
		return err
	}
	for _, bit := range data {
		for _, step := range []struct {
			pin   int
			value bool
		}{{dataPin, bit}, {clockPin, true}, {clockPin, false}} {
			if err := e.DigitalWrite(step.pin, step.value); err != nil {
				return err
			}
		}
	}
	return e.DigitalWrite(latchPin, true)
}

func isInputMode(m protocol.PinMode) bool {
	return m == protocol.PinModeInput || m == protocol.PinModeInputPullUp
}

func boolValue(b bool) int {
	if b {
		return 1
	}
	return 0
}
