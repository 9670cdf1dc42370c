// Package registry holds the host's view of every pin on the board: what
// each pin can do, what it was last told to do, and its last known value.
//
// A Registry is owned by a single engine and is not safe for concurrent use.
// Local writes (SetMode, SetValue) are applied optimistically when a command
// is sent; ApplyPinState is the entry point for reconciling against what the
// device reports.
package registry

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shaunagostinho/gofirmata/internal/protocol"
)

var (
	ErrAlreadyRegistered = errors.New("pin capabilities already registered")
	ErrUnknownPin        = errors.New("unknown pin")
	ErrUnknownChannel    = errors.New("unknown analog channel")
)

// PinsPerPort is the number of digital pins sharing one port message.
const PinsPerPort = 8

// Pin is one digital-capable pin.
type Pin struct {
	Index        int                      `json:"index"`
	Port         int                      `json:"port"`
	Capabilities map[protocol.PinMode]int `json:"capabilities"`
	Mode         protocol.PinMode         `json:"mode"`
	Value        int                      `json:"value"`
}

// HasCapability reports whether the pin supports mode.
func (p Pin) HasCapability(mode protocol.PinMode) bool {
	_, ok := p.Capabilities[mode]
	return ok
}

// Supported returns the pin's modes in ascending order.
func (p Pin) Supported() []protocol.PinMode {
	modes := make([]protocol.PinMode, 0, len(p.Capabilities))
	for m := range p.Capabilities {
		modes = append(modes, m)
	}
	sort.Slice(modes, func(i, j int) bool { return modes[i] < modes[j] })
	return modes
}

func (p Pin) clone() Pin {
	caps := make(map[protocol.PinMode]int, len(p.Capabilities))
	for m, r := range p.Capabilities {
		caps[m] = r
	}
	p.Capabilities = caps
	return p
}

// AnalogPin is one ADC channel bound to an underlying pin.
type AnalogPin struct {
	Channel int              `json:"channel"`
	Pin     int              `json:"pin"`
	Mode    protocol.PinMode `json:"mode"`
	Value   int              `json:"value"`
}

// Registry is the ordered set of pins and analog channels.
type Registry struct {
	pins   []*Pin
	analog map[int]*AnalogPin // by channel
}

func New() *Registry {
	return &Registry{analog: make(map[int]*AnalogPin)}
}

// Len returns the number of pins with registered capabilities.
func (r *Registry) Len() int { return len(r.pins) }

// RegisterCapabilities records the modes of a pin. Capabilities are
// discovered once; a second call for the same pin fails.
func (r *Registry) RegisterCapabilities(index int, caps map[protocol.PinMode]int) error {
	if index < 0 {
		return fmt.Errorf("%w: %d", ErrUnknownPin, index)
	}
	for len(r.pins) <= index {
		r.pins = append(r.pins, nil)
	}
	if r.pins[index] != nil {
		return fmt.Errorf("pin %d: %w", index, ErrAlreadyRegistered)
	}
	p := &Pin{
		Index: index,
		Port:  index / PinsPerPort,
		Mode:  protocol.PinModeNone,
	}
	p.Capabilities = make(map[protocol.PinMode]int, len(caps))
	for m, res := range caps {
		p.Capabilities[m] = res
	}
	r.pins[index] = p
	return nil
}

func (r *Registry) pin(index int) (*Pin, error) {
	if index < 0 || index >= len(r.pins) || r.pins[index] == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPin, index)
	}
	return r.pins[index], nil
}

// Pin returns a copy of one pin.
func (r *Registry) Pin(index int) (Pin, error) {
	p, err := r.pin(index)
	if err != nil {
		return Pin{}, err
	}
	return p.clone(), nil
}

// Pins returns copies of all registered pins in index order.
func (r *Registry) Pins() []Pin {
	out := make([]Pin, 0, len(r.pins))
	for _, p := range r.pins {
		if p != nil {
			out = append(out, p.clone())
		}
	}
	return out
}

func (r *Registry) HasCapability(index int, mode protocol.PinMode) bool {
	p, err := r.pin(index)
	return err == nil && p.HasCapability(mode)
}

// SetMode records the mode the engine just commanded. Analog channels bound
// to the pin follow it.
func (r *Registry) SetMode(index int, mode protocol.PinMode) error {
	p, err := r.pin(index)
	if err != nil {
		return err
	}
	p.Mode = mode
	for _, a := range r.analog {
		if a.Pin == index {
			a.Mode = mode
		}
	}
	return nil
}

// SetValue records the value the engine just commanded.
func (r *Registry) SetValue(index, value int) error {
	p, err := r.pin(index)
	if err != nil {
		return err
	}
	p.Value = value
	return nil
}

// PortValues returns the levels to send when rewriting a port. Only pins
// driven as digital outputs (or not yet configured) contribute; pins in any
// other mode read as low, since firmware ignores their port bits or would
// treat a high bit on an input as a pull-up request.
func (r *Registry) PortValues(port int) [PinsPerPort]bool {
	var levels [PinsPerPort]bool
	for i := range levels {
		idx := port*PinsPerPort + i
		if idx < len(r.pins) && r.pins[idx] != nil && DrivesPort(r.pins[idx].Mode) {
			levels[i] = r.pins[idx].Value != 0
		}
	}
	return levels
}

// DrivesPort reports whether a pin in mode m takes its level from a digital
// port write.
func DrivesPort(m protocol.PinMode) bool {
	return m == protocol.PinModeOutput || m == protocol.PinModeNone
}

// ApplyPortReport stores a digital port report. Only pins configured as
// inputs take the reported level; the indices whose value changed are
// returned.
func (r *Registry) ApplyPortReport(port int, levels [PinsPerPort]bool) []int {
	var changed []int
	for i, on := range levels {
		idx := port*PinsPerPort + i
		if idx >= len(r.pins) || r.pins[idx] == nil {
			continue
		}
		p := r.pins[idx]
		if p.Mode != protocol.PinModeInput && p.Mode != protocol.PinModeInputPullUp {
			continue
		}
		v := 0
		if on {
			v = 1
		}
		if p.Value != v {
			p.Value = v
			changed = append(changed, idx)
		}
	}
	return changed
}

// ApplyPinState treats a pin state response as authoritative for mode and
// value. It reports whether anything changed.
func (r *Registry) ApplyPinState(index int, mode protocol.PinMode, value int) (bool, error) {
	p, err := r.pin(index)
	if err != nil {
		return false, err
	}
	changed := p.Mode != mode || p.Value != value
	p.Mode = mode
	p.Value = value
	for _, a := range r.analog {
		if a.Pin == index {
			a.Mode = mode
		}
	}
	return changed, nil
}

// BindAnalog ties an analog channel to its underlying pin.
func (r *Registry) BindAnalog(channel, pin int) error {
	p, err := r.pin(pin)
	if err != nil {
		return err
	}
	r.analog[channel] = &AnalogPin{Channel: channel, Pin: pin, Mode: p.Mode}
	return nil
}

// AnalogByChannel returns a copy of one analog channel.
func (r *Registry) AnalogByChannel(channel int) (AnalogPin, error) {
	a, ok := r.analog[channel]
	if !ok {
		return AnalogPin{}, fmt.Errorf("%w: %d", ErrUnknownChannel, channel)
	}
	return *a, nil
}

// AnalogPins returns copies of every bound channel in channel order.
func (r *Registry) AnalogPins() []AnalogPin {
	out := make([]AnalogPin, 0, len(r.analog))
	for _, a := range r.analog {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}

// SetAnalogValue stores a reading for a channel and mirrors it onto the
// underlying pin. It reports whether the value changed.
func (r *Registry) SetAnalogValue(channel, value int) (bool, error) {
	a, ok := r.analog[channel]
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrUnknownChannel, channel)
	}
	changed := a.Value != value
	a.Value = value
	if p, err := r.pin(a.Pin); err == nil {
		p.Value = value
	}
	return changed, nil
}
