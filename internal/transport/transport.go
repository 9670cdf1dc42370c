package transport

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrClosed is passed to TransportClosed when Close was called locally.
var ErrClosed = errors.New("transport closed")

// Handler receives what the transport reads. Calls arrive on a goroutine the
// transport owns, one at a time, in arrival order.
type Handler interface {
	// BytesReceived delivers a chunk of the stream. Chunk boundaries carry no
	// meaning. The slice is not reused by the transport.
	BytesReceived(b []byte)
	// TransportClosed is called exactly once when the link goes down,
	// with ErrClosed after a local Close.
	TransportClosed(err error)
}

// PeerHandler is a Handler that wants to know when a listening transport
// gains a peer. Frames sent while nobody was connected were dropped, so the
// handler gets a chance to send them again.
type PeerHandler interface {
	Handler
	PeerAttached()
}

// Transport is the byte link to a Firmata board. Serial and TCP are the
// usual implementations; Sim emulates a board in-process.
type Transport interface {
	// Name returns a human-readable description of the link.
	Name() string
	// Open connects and starts delivering bytes to h.
	Open(h Handler) error
	// Close shuts the link down. It is safe to call more than once.
	Close() error
	// Send writes one or more whole frames. Implementations are safe for
	// concurrent use.
	Send(b []byte) error
}

// Config selects and configures a transport.
type Config struct {
	Type       string `yaml:"type" json:"type"`             // "serial", "tcp", "tcp-listen" or "sim"
	PortPath   string `yaml:"port_path" json:"portPath"`    // serial device, e.g. /dev/ttyACM0
	BaudRate   int    `yaml:"baud_rate" json:"baudRate"`    // serial only
	OpenDelay  int    `yaml:"open_delay_ms" json:"openDelayMs"` // wait for the bootloader after opening
	Address    string `yaml:"address" json:"address"`       // host:port to dial or listen on
	SimTickMs  int    `yaml:"sim_tick_ms" json:"simTickMs"` // analog report period of the simulator
	SimVariant string `yaml:"sim_variant" json:"simVariant"`
}

// Factory builds a transport from configuration.
type Factory func(cfg Config) (Transport, error)

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{
		"serial":     func(cfg Config) (Transport, error) { return NewSerial(cfg), nil },
		"tcp":        func(cfg Config) (Transport, error) { return NewTCPDialer(cfg), nil },
		"tcp-listen": func(cfg Config) (Transport, error) { return NewTCPListener(cfg), nil },
		"sim":        func(cfg Config) (Transport, error) { return NewSim(cfg), nil },
	}
)

// Register adds or replaces a transport kind.
func Register(kind string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[kind] = f
}

// Kinds lists the registered transport kinds.
func Kinds() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	kinds := make([]string, 0, len(factories))
	for k := range factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// New builds the transport named by cfg.Type.
func New(cfg Config) (Transport, error) {
	factoriesMu.RLock()
	f, ok := factories[cfg.Type]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("transport: unknown type %q (have %v)", cfg.Type, Kinds())
	}
	return f(cfg)
}
