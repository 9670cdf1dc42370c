package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shaunagostinho/gofirmata/internal/protocol"
)

var (
	// ErrNotInitialized is returned by every operation issued before the
	// handshake has finished.
	ErrNotInitialized = errors.New("firmata: board not initialized")
	// ErrFaulted marks an engine whose transport is gone. It is always
	// wrapped in a *TransportError.
	ErrFaulted = errors.New("firmata: connection faulted")
	// ErrUnsupportedFeature is returned for modes the engine does not drive,
	// currently I2C.
	ErrUnsupportedFeature = errors.New("firmata: unsupported feature")
)

// TransportError is an I/O failure of the underlying link. Once one has
// been reported the engine is Faulted for good.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("firmata: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// CapabilityError reports a command for a mode the pin does not support.
// Nothing was written to the board.
type CapabilityError struct {
	Pin       int
	Mode      protocol.PinMode
	Supported []protocol.PinMode
}

func (e *CapabilityError) Error() string {
	names := make([]string, len(e.Supported))
	for i, m := range e.Supported {
		names[i] = m.String()
	}
	return fmt.Sprintf("firmata: pin %d does not support %s (supports %s)",
		e.Pin, e.Mode, strings.Join(names, ", "))
}

// ModeError reports a command or read that needs the pin in a mode it is
// not currently in. The pin could be switched with SetPinMode.
type ModeError struct {
	Pin  int
	Want protocol.PinMode
	Have protocol.PinMode
}

func (e *ModeError) Error() string {
	return fmt.Sprintf("firmata: pin %d is in %s mode, needs %s", e.Pin, e.Have, e.Want)
}
