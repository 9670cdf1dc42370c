package transport

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
)

const (
	defaultBaudRate    = 57600 // StandardFirmata
	defaultOpenDelayMs = 2000  // Arduino bootloader runs after the DTR reset
	serialReadTimeout  = 100 * time.Millisecond
)

// Serial is a Firmata link over a local serial port.
type Serial struct {
	portPath  string
	baudRate  int
	openDelay time.Duration

	writeMu sync.Mutex
	mu      sync.Mutex
	port    serial.Port
	closing atomic.Bool
	done    chan struct{}
}

// NewSerial creates a serial transport; nothing is opened until Open.
func NewSerial(cfg Config) *Serial {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = defaultBaudRate
	}
	if cfg.OpenDelay == 0 {
		cfg.OpenDelay = defaultOpenDelayMs
	}
	return &Serial{
		portPath:  cfg.PortPath,
		baudRate:  cfg.BaudRate,
		openDelay: time.Duration(cfg.OpenDelay) * time.Millisecond,
	}
}

func (s *Serial) Name() string {
	return fmt.Sprintf("serial %s@%d", s.portPath, s.baudRate)
}

// Open opens the port, waits out the board's reset, discards anything the
// bootloader printed and starts the read loop.
func (s *Serial) Open(h Handler) error {
	mode := &serial.Mode{
		BaudRate: s.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(s.portPath, mode)
	if err != nil {
		return fmt.Errorf("serial: failed to open %s: %w", s.portPath, err)
	}
	if err := port.SetReadTimeout(serialReadTimeout); err != nil {
		port.Close()
		return fmt.Errorf("serial: failed to set timeout: %w", err)
	}
	log.Printf("[transport] opened %s at %d baud", s.portPath, s.baudRate)

	if s.openDelay > 0 {
		time.Sleep(s.openDelay)
	}
	if err := port.ResetInputBuffer(); err != nil {
		log.Printf("[transport] %s: reset input buffer: %v", s.portPath, err)
	}

	s.mu.Lock()
	s.port = port
	s.done = make(chan struct{})
	s.closing.Store(false)
	done := s.done
	s.mu.Unlock()

	go s.readLoop(port, h, done)
	return nil
}

func (s *Serial) readLoop(port serial.Port, h Handler, done chan struct{}) {
	defer close(done)
	buf := make([]byte, 256)
	for {
		n, err := port.Read(buf)
		if n > 0 {
			h.BytesReceived(append([]byte(nil), buf[:n]...))
		}
		if s.closing.Load() {
			h.TransportClosed(ErrClosed)
			return
		}
		if err != nil {
			log.Printf("[transport] %s: read failed: %v", s.portPath, err)
			h.TransportClosed(fmt.Errorf("serial: read %s: %w", s.portPath, err))
			return
		}
	}
}

// Send writes b in full.
func (s *Serial) Send(b []byte) error {
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()
	if port == nil || s.closing.Load() {
		return fmt.Errorf("serial: %s: %w", s.portPath, ErrClosed)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	for len(b) > 0 {
		n, err := port.Write(b)
		if err != nil {
			return fmt.Errorf("serial: write %s: %w", s.portPath, err)
		}
		b = b[n:]
	}
	return nil
}

// Close closes the port and waits for the read loop to finish.
func (s *Serial) Close() error {
	s.mu.Lock()
	port, done := s.port, s.done
	s.port = nil
	s.mu.Unlock()
	if port == nil {
		return nil
	}
	s.closing.Store(true)
	err := port.Close()
	<-done
	log.Printf("[transport] closed %s", s.portPath)
	return err
}
