package protocol

import "fmt"

// Direction selects how a frame is interpreted. Several status bytes mean
// one thing coming from the host and another coming from the device.
type Direction int

const (
	FromDevice Direction = iota
	FromHost
)

func (d Direction) String() string {
	if d == FromHost {
		return "host"
	}
	return "device"
}

// Message is the closed set of Firmata messages.
type Message interface {
	Command() string
	message()
}

// Host to device.

type SetPinMode struct {
	Pin  int
	Mode PinMode
}

type SetServoConfig struct {
	Pin      int
	MinPulse int
	MaxPulse int
	Angle    int
}

// DigitalPortWrite sets all eight pins of a port at once.
type DigitalPortWrite struct {
	Port int
	Pins [8]bool
}

// AnalogWrite drives a PWM or servo pin. Pins from 16 up, or values wider
// than 14 bits, go out as an extended analog sysex.
type AnalogWrite struct {
	Pin   int
	Value int
}

type SetSamplingInterval struct {
	Milliseconds int
}

type QueryPinState struct {
	Pin int
}

type QueryCapabilities struct{}

type QueryAnalogMapping struct{}

type QueryFirmwareVersion struct{}

type Reset struct{}

// ReportAnalog toggles streaming of one analog channel.
type ReportAnalog struct {
	Channel int
	Enable  bool
}

// ReportDigital toggles streaming of one digital port.
type ReportDigital struct {
	Port   int
	Enable bool
}

// SetDigitalPin sets a single pin level without addressing the whole port.
type SetDigitalPin struct {
	Pin   int
	Value bool
}

// Device to host.

type DigitalPortReport struct {
	Port int
	Pins [8]bool
}

type AnalogValueReport struct {
	Channel int
	Value   int
}

// CapabilityResponse lists, per pin in wire order, the supported modes and
// their resolution in bits. A pin with no modes has an empty map.
type CapabilityResponse struct {
	Pins []map[PinMode]int
}

type PinStateResponse struct {
	Pin   int
	Mode  PinMode
	State int
}

// AnalogMappingResponse is indexed by pin; each entry is the analog channel
// of that pin or CapabilityTerminator when the pin has none.
type AnalogMappingResponse struct {
	Mapping []byte
}

// Channels returns analog channel → pin index.
func (r AnalogMappingResponse) Channels() map[int]int {
	out := make(map[int]int)
	for pin, ch := range r.Mapping {
		if ch != CapabilityTerminator {
			out[int(ch)] = pin
		}
	}
	return out
}

type FirmwareVersionResponse struct {
	Major int
	Minor int
	Name  string
}

func (f FirmwareVersionResponse) String() string {
	return fmt.Sprintf("%s %d.%d", f.Name, f.Major, f.Minor)
}

type StringDataReport struct {
	Text string
}

type ProtocolVersionReport struct {
	Major int
	Minor int
}

func (SetPinMode) Command() string { return "SetPinMode" }
func (SetServoConfig) Command() string { return "SetServoConfig" }
func (DigitalPortWrite) Command() string { return "DigitalPortWrite" }
func (AnalogWrite) Command() string { return "AnalogWrite" }
func (SetSamplingInterval) Command() string { return "SetSamplingInterval" }
func (QueryPinState) Command() string { return "QueryPinState" }
func (QueryCapabilities) Command() string { return "QueryCapabilities" }
func (QueryAnalogMapping) Command() string { return "QueryAnalogMapping" }
func (QueryFirmwareVersion) Command() string { return "QueryFirmwareVersion" }
func (Reset) Command() string { return "Reset" }
func (ReportAnalog) Command() string { return "ReportAnalog" }
func (ReportDigital) Command() string { return "ReportDigital" }
func (SetDigitalPin) Command() string { return "SetDigitalPin" }
func (DigitalPortReport) Command() string { return "DigitalPortReport" }
func (AnalogValueReport) Command() string { return "AnalogValueReport" }
func (CapabilityResponse) Command() string { return "CapabilityResponse" }
func (PinStateResponse) Command() string { return "PinStateResponse" }
func (AnalogMappingResponse) Command() string { return "AnalogMappingResponse" }
func (FirmwareVersionResponse) Command() string { return "FirmwareVersionResponse" }
func (StringDataReport) Command() string { return "StringDataReport" }
func (ProtocolVersionReport) Command() string { return "ProtocolVersionReport" }

func (SetPinMode) message() {}
func (SetServoConfig) message() {}
func (DigitalPortWrite) message() {}
func (AnalogWrite) message() {}
func (SetSamplingInterval) message() {}
func (QueryPinState) message() {}
func (QueryCapabilities) message() {}
func (QueryAnalogMapping) message() {}
func (QueryFirmwareVersion) message() {}
func (Reset) message() {}
func (ReportAnalog) message() {}
func (ReportDigital) message() {}
func (SetDigitalPin) message() {}
func (DigitalPortReport) message() {}
func (AnalogValueReport) message() {}
func (CapabilityResponse) message() {}
func (PinStateResponse) message() {}
func (AnalogMappingResponse) message() {}
func (FirmwareVersionResponse) message() {}
func (StringDataReport) message() {}
func (ProtocolVersionReport) message() {}
