package transport

import (
	"errors"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/shaunagostinho/gofirmata/internal/protocol"
)

const (
	defaultSimTick = 50 * time.Millisecond
	minSimTick     = 10 * time.Millisecond
	simFirmware    = "SimFirmata"
)

// simBoard describes the pin layout the simulator reports.
type simBoard struct {
	pins   []map[protocol.PinMode]int
	analog []byte // per pin: channel or CapabilityTerminator
}

func uno() simBoard {
	return buildBoard(20, 14, map[int]bool{3: true, 5: true, 6: true, 9: true, 10: true, 11: true}, map[int]bool{18: true, 19: true})
}

func mega() simBoard {
	pwm := map[int]bool{44: true, 45: true, 46: true}
	for p := 2; p <= 13; p++ {
		pwm[p] = true
	}
	return buildBoard(70, 54, pwm, map[int]bool{20: true, 21: true})
}

func buildBoard(total, firstAnalog int, pwm, i2c map[int]bool) simBoard {
	b := simBoard{}
	for p := 0; p < total; p++ {
		caps := map[protocol.PinMode]int{
			protocol.PinModeInput:       1,
			protocol.PinModeOutput:      1,
			protocol.PinModeInputPullUp: 1,
		}
		if p >= 2 && p < firstAnalog {
			caps[protocol.PinModeServo] = 14
		}
		if pwm[p] {
			caps[protocol.PinModePWM] = 8
		}
		if i2c[p] {
			caps[protocol.PinModeI2C] = 1
		}
		ch := protocol.CapabilityTerminator
		if p >= firstAnalog {
			caps[protocol.PinModeAnalog] = 10
			ch = byte(p - firstAnalog)
		}
		b.pins = append(b.pins, caps)
		b.analog = append(b.analog, ch)
	}
	return b
}

// Sim is an in-process Firmata board. It answers the queries a real
// StandardFirmata answers, remembers every pin write, and streams analog
// readings for channels with reporting turned on.
type Sim struct {
	board simBoard
	tick  time.Duration

	mu            sync.Mutex
	stream        *protocol.Reassembler
	modes         []protocol.PinMode
	values        []int
	reportAnalog  map[int]bool
	reportDigital map[int]bool
	received      []protocol.Message
	t             float64
	open          bool

	// Replies are queued without bound so a handler that sends from inside
	// BytesReceived can never block on the delivery goroutine.
	qmu     sync.Mutex
	queue   [][]byte
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	retick  chan time.Duration
	handler Handler
}

// NewSim builds a simulator. cfg.SimVariant picks "uno" (default) or "mega".
func NewSim(cfg Config) *Sim {
	board := uno()
	if cfg.SimVariant == "mega" {
		board = mega()
	}
	tick := defaultSimTick
	if cfg.SimTickMs > 0 {
		tick = time.Duration(cfg.SimTickMs) * time.Millisecond
	}
	s := &Sim{board: board, tick: tick}
	s.resetPins()
	return s
}

func (s *Sim) Name() string { return "Simulated board" }

func (s *Sim) Open(h Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		return errors.New("sim: already open")
	}
	s.open = true
	s.stream = protocol.NewReassembler(0)
	s.handler = h
	s.wake = make(chan struct{}, 1)
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.retick = make(chan time.Duration, 1)
	go s.run(s.tick)
	return nil
}

func (s *Sim) Close() error {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return nil
	}
	s.open = false
	stop, done := s.stop, s.done
	s.mu.Unlock()
	close(stop)
	<-done
	return nil
}

// Send feeds host bytes to the simulated firmware.
func (s *Sim) Send(b []byte) error {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return ErrClosed
	}
	_, _ = s.stream.Write(b)
	var replies [][]byte
	for frame := range s.stream.Frames() {
		msg, err := protocol.Decode(protocol.FromHost, frame)
		if err != nil {
			log.Printf("[sim] dropping frame: %v", err)
			continue
		}
		s.received = append(s.received, msg)
		replies = append(replies, s.handle(msg)...)
	}
	s.mu.Unlock()

	for _, r := range replies {
		s.enqueue(r)
	}
	return nil
}

// Inject queues raw bytes as if the board had sent them.
func (s *Sim) Inject(b []byte) {
	s.enqueue(append([]byte(nil), b...))
}

// Received returns every message the simulator has decoded so far.
func (s *Sim) Received() []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Message(nil), s.received...)
}

// PinMode returns the mode the simulated firmware has for a pin.
func (s *Sim) PinMode(pin int) protocol.PinMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pin < 0 || pin >= len(s.modes) {
		return protocol.PinModeNone
	}
	return s.modes[pin]
}

// PinValue returns the value the simulated firmware has for a pin.
func (s *Sim) PinValue(pin int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pin < 0 || pin >= len(s.values) {
		return 0
	}
	return s.values[pin]
}

func (s *Sim) resetPins() {
	n := len(s.board.pins)
	s.modes = make([]protocol.PinMode, n)
	s.values = make([]int, n)
	for p := range s.modes {
		if s.board.analog[p] != protocol.CapabilityTerminator {
			s.modes[p] = protocol.PinModeAnalog
		} else {
			s.modes[p] = protocol.PinModeOutput
		}
	}
	s.reportAnalog = make(map[int]bool)
	s.reportDigital = make(map[int]bool)
}

func (s *Sim) channelPin(ch int) int {
	for p, c := range s.board.analog {
		if c != protocol.CapabilityTerminator && int(c) == ch {
			return p
		}
	}
	return -1
}

func (s *Sim) validPin(p int) bool { return p >= 0 && p < len(s.modes) }

// handle applies one host message and returns the encoded replies.
func (s *Sim) handle(msg protocol.Message) [][]byte {
	var out []protocol.Message
	switch m := msg.(type) {
	case protocol.Reset:
		s.resetPins()
		out = append(out,
			protocol.ProtocolVersionReport{Major: 2, Minor: 5},
			protocol.FirmwareVersionResponse{Major: 2, Minor: 5, Name: simFirmware})
	case protocol.QueryCapabilities:
		out = append(out, protocol.CapabilityResponse{Pins: s.board.pins})
	case protocol.QueryAnalogMapping:
		out = append(out, protocol.AnalogMappingResponse{Mapping: s.board.analog})
	case protocol.QueryFirmwareVersion:
		out = append(out, protocol.FirmwareVersionResponse{Major: 2, Minor: 5, Name: simFirmware})
	case protocol.QueryPinState:
		if s.validPin(m.Pin) {
			out = append(out, protocol.PinStateResponse{Pin: m.Pin, Mode: s.modes[m.Pin], State: s.values[m.Pin]})
		}
	case protocol.SetPinMode:
		if s.validPin(m.Pin) {
			if _, ok := s.board.pins[m.Pin][m.Mode]; ok {
				s.modes[m.Pin] = m.Mode
				if ch := s.board.analog[m.Pin]; ch != protocol.CapabilityTerminator {
					s.reportAnalog[int(ch)] = m.Mode == protocol.PinModeAnalog
				}
			}
		}
	case protocol.SetServoConfig:
		if s.validPin(m.Pin) {
			s.modes[m.Pin] = protocol.PinModeServo
			s.values[m.Pin] = m.Angle
		}
	case protocol.DigitalPortWrite:
		for i, on := range m.Pins {
			p := m.Port*8 + i
			if s.validPin(p) && s.modes[p] == protocol.PinModeOutput {
				s.values[p] = boolInt(on)
			}
		}
	case protocol.SetDigitalPin:
		if s.validPin(m.Pin) {
			s.values[m.Pin] = boolInt(m.Value)
		}
	case protocol.AnalogWrite:
		if s.validPin(m.Pin) {
			s.values[m.Pin] = m.Value
		}
	case protocol.SetSamplingInterval:
		d := time.Duration(m.Milliseconds) * time.Millisecond
		if d < minSimTick {
			d = minSimTick
		}
		select {
		case s.retick <- d:
		default:
		}
	case protocol.ReportAnalog:
		s.reportAnalog[m.Channel] = m.Enable
	case protocol.ReportDigital:
		s.reportDigital[m.Port] = m.Enable
		if m.Enable {
			out = append(out, s.portReport(m.Port))
		}
	}

	replies := make([][]byte, 0, len(out))
	for _, r := range out {
		b, err := protocol.Encode(r)
		if err != nil {
			log.Printf("[sim] encode %s: %v", r.Command(), err)
			continue
		}
		replies = append(replies, b)
	}
	return replies
}

func (s *Sim) portReport(port int) protocol.DigitalPortReport {
	r := protocol.DigitalPortReport{Port: port}
	for i := range r.Pins {
		p := port*8 + i
		if s.validPin(p) {
			r.Pins[i] = s.values[p] != 0
		}
	}
	return r
}

func (s *Sim) enqueue(b []byte) {
	s.qmu.Lock()
	s.queue = append(s.queue, b)
	s.qmu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// run delivers queued bytes and produces periodic readings until Close.
func (s *Sim) run(tick time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	steps := 0
	for {
		select {
		case <-s.stop:
			s.flush()
			s.handler.TransportClosed(ErrClosed)
			return
		case d := <-s.retick:
			ticker.Reset(d)
		case <-s.wake:
			s.flush()
		case <-ticker.C:
			steps++
			for _, b := range s.sample(steps) {
				s.enqueue(b)
			}
			s.flush()
		}
	}
}

func (s *Sim) flush() {
	for {
		s.qmu.Lock()
		batch := s.queue
		s.queue = nil
		s.qmu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, b := range batch {
			s.handler.BytesReceived(b)
		}
	}
}

// sample advances the virtual clock and returns the reports due this tick:
// a noisy sine per reporting analog channel, and every twentieth tick a
// toggled level on input pins of reporting ports.
func (s *Sim) sample(step int) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.t += 0.05

	var msgs []protocol.Message
	for ch, on := range s.reportAnalog {
		p := s.channelPin(ch)
		if !on || p < 0 || s.modes[p] != protocol.PinModeAnalog {
			continue
		}
		v := 512 + 400*math.Sin(s.t*0.3+float64(ch)) + rand.Float64()*8
		s.values[p] = int(math.Max(0, math.Min(1023, v)))
		msgs = append(msgs, protocol.AnalogValueReport{Channel: ch, Value: s.values[p]})
	}
	if step%20 == 0 {
		for port, on := range s.reportDigital {
			if !on {
				continue
			}
			changed := false
			for i := 0; i < 8; i++ {
				p := port*8 + i
				if s.validPin(p) && (s.modes[p] == protocol.PinModeInput || s.modes[p] == protocol.PinModeInputPullUp) {
					s.values[p] ^= 1
					changed = true
				}
			}
			if changed {
				msgs = append(msgs, s.portReport(port))
			}
		}
	}

	out := make([][]byte, 0, len(msgs))
	for _, m := range msgs {
		if b, err := protocol.Encode(m); err == nil {
			out = append(out, b)
		}
	}
	return out
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
