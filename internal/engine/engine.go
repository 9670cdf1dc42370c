// Package engine drives a Firmata board over a transport: it runs the
// capability handshake, keeps the pin registry in step with what the board
// reports, and turns pin operations into wire frames.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/shaunagostinho/gofirmata/internal/protocol"
	"github.com/shaunagostinho/gofirmata/internal/registry"
	"github.com/shaunagostinho/gofirmata/internal/transport"
)

// State is the engine's position in the handshake.
type State int

const (
	Uninitialized State = iota
	AwaitingCapabilities
	AwaitingAnalogMapping
	Ready
	Faulted
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "Uninitialized"
	case AwaitingCapabilities:
		return "AwaitingCapabilities"
	case AwaitingAnalogMapping:
		return "AwaitingAnalogMapping"
	case Ready:
		return "Ready"
	case Faulted:
		return "Faulted"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Config tunes the engine.
type Config struct {
	SamplingIntervalMs int `yaml:"sampling_interval_ms" json:"samplingIntervalMs"` // sent once Ready; 0 keeps the firmware default
	MaxSysexBytes      int `yaml:"max_sysex_bytes" json:"maxSysexBytes"`
}

// Engine is safe for concurrent use. Incoming bytes arrive on the
// transport's goroutine; any number of callers may issue commands.
type Engine struct {
	cfg Config
	tr  transport.Transport

	// sendMu is always taken before mu so the registry update and the frame
	// derived from it reach the wire in the same order.
	sendMu sync.Mutex

	mu       sync.Mutex
	state    State
	reg      *registry.Registry
	stream   *protocol.Reassembler
	firmware *protocol.FirmwareVersionResponse
	err      error

	// queries holds one entry per pin state query still unanswered, oldest
	// first. An entry turns true once a newer command for the pin is sent,
	// so the answer no longer describes the pin.
	queries map[int][]bool

	ready     chan struct{}
	done      chan struct{}
	events    *hub
	closeOnce sync.Once
}

var _ transport.PeerHandler = (*Engine)(nil)

// New wires an engine to t. Nothing is sent until Open.
func New(t transport.Transport, cfg Config) *Engine {
	return &Engine{
		cfg:    cfg,
		tr:     t,
		reg:     registry.New(),
		stream:  protocol.NewReassembler(cfg.MaxSysexBytes),
		queries: make(map[int][]bool),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
		events: newHub(),
	}
}

// Open opens the transport and starts the handshake. It returns once the
// first queries are on the wire; Ready is closed when the board has
// answered them.
func (e *Engine) Open(ctx context.Context) error {
	e.mu.Lock()
	if e.state != Uninitialized {
		st := e.state
		e.mu.Unlock()
		return fmt.Errorf("firmata: open in state %s", st)
	}
	e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	opened := make(chan error, 1)
	go func() { opened <- e.tr.Open(e) }()
	select {
	case err := <-opened:
		if err != nil {
			terr := &TransportError{Op: "open", Err: err}
			e.fault(terr)
			return terr
		}
	case <-ctx.Done():
		e.fault(ctx.Err())
		go func() {
			if err := <-opened; err == nil {
				e.tr.Close()
			}
		}()
		return ctx.Err()
	}

	e.mu.Lock()
	if e.state != Uninitialized {
		e.mu.Unlock()
		return e.Err()
	}
	e.state = AwaitingCapabilities
	e.mu.Unlock()
	log.Printf("[engine] connected via %s, querying capabilities", e.tr.Name())

	for _, m := range []protocol.Message{protocol.Reset{}, protocol.QueryCapabilities{}} {
		if err := e.sendRaw(m); err != nil {
			return err
		}
	}
	return nil
}

// WaitReady blocks until the handshake completes, the engine faults or ctx
// is done.
func (e *Engine) WaitReady(ctx context.Context) error {
	select {
	case <-e.ready:
		return nil
	case <-e.done:
		return e.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready is closed when the engine reaches the Ready state.
func (e *Engine) Ready() <-chan struct{} { return e.ready }

// Done is closed when the engine faults or is closed.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Err returns why the engine faulted, or nil.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// IsInitialized reports whether the handshake has completed and the engine
// has not faulted since.
func (e *Engine) IsInitialized() bool { return e.State() == Ready }

// Firmware returns the firmware the board reported, if it has yet.
func (e *Engine) Firmware() (protocol.FirmwareVersionResponse, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.firmware == nil {
		return protocol.FirmwareVersionResponse{}, false
	}
	return *e.firmware, true
}

func (e *Engine) Pin(index int) (registry.Pin, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reg.Pin(index)
}

func (e *Engine) Pins() []registry.Pin {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reg.Pins()
}

func (e *Engine) AnalogPins() []registry.AnalogPin {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reg.AnalogPins()
}

// Subscribe returns a subscription buffering up to buffer events.
func (e *Engine) Subscribe(buffer int) *Subscription { return e.events.subscribe(buffer) }

// Close closes the transport, ends every subscription and discards the
// registry. It is safe to call more than once.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		err = e.tr.Close()
		e.fault(transport.ErrClosed)
		e.mu.Lock()
		e.reg = registry.New()
		e.queries = make(map[int][]bool)
		e.stream.Reset()
		e.mu.Unlock()
	})
	return err
}

// BytesReceived implements transport.Handler.
func (e *Engine) BytesReceived(b []byte) {
	var (
		events  []Event
		replies []protocol.Message
	)
	e.mu.Lock()
	if e.state == Faulted {
		e.mu.Unlock()
		return
	}
	_, _ = e.stream.Write(b)
	for frame := range e.stream.Frames() {
		msg, err := protocol.Decode(protocol.FromDevice, frame)
		if err != nil {
			log.Printf("[engine] %v", err)
			ev := newEvent(EventDecodeError)
			ev.Err = err
			ev.Text = err.Error()
			events = append(events, ev)
			continue
		}
		ev, out := e.apply(msg)
		events = append(events, ev...)
		replies = append(replies, out...)
	}
	e.mu.Unlock()

	for _, m := range replies {
		if err := e.sendRaw(m); err != nil {
			log.Printf("[engine] %s: %v", m.Command(), err)
			break
		}
	}
	e.events.publish(events...)
}

// PeerAttached implements transport.PeerHandler. A listening transport
// calls it when a board connects, after anything sent earlier went nowhere.
// During the handshake it starts over; once Ready it re-reads every pin so
// the registry follows the board that is now on the other end.
func (e *Engine) PeerAttached() {
	var out []protocol.Message
	e.mu.Lock()
	switch e.state {
	case AwaitingCapabilities, AwaitingAnalogMapping:
		e.state = AwaitingCapabilities
		e.reg = registry.New()
		e.stream.Reset()
		out = []protocol.Message{protocol.Reset{}, protocol.QueryCapabilities{}}
	case Ready:
		e.stream.Reset()
		e.queries = make(map[int][]bool)
		out = append(out, protocol.QueryFirmwareVersion{})
		for _, p := range e.reg.Pins() {
			out = append(out, protocol.QueryPinState{Pin: p.Index})
		}
	}
	st := e.state
	e.mu.Unlock()

	if len(out) == 0 {
		return
	}
	log.Printf("[engine] peer attached in %s, sending %d queries", st, len(out))
	for _, m := range out {
		if err := e.sendRaw(m); err != nil {
			log.Printf("[engine] %s: %v", m.Command(), err)
			return
		}
	}
}

// TransportClosed implements transport.Handler.
func (e *Engine) TransportClosed(err error) {
	if err == nil {
		err = transport.ErrClosed
	}
	e.fault(err)
}

// fault moves the engine to Faulted once, tells subscribers and ends their
// subscriptions.
func (e *Engine) fault(cause error) {
	e.mu.Lock()
	if e.state == Faulted {
		e.mu.Unlock()
		return
	}
	prev := e.state
	e.state = Faulted
	e.err = cause
	close(e.done)
	e.mu.Unlock()

	if errors.Is(cause, transport.ErrClosed) {
		log.Printf("[engine] closed (was %s)", prev)
	} else {
		log.Printf("[engine] faulted in %s: %v", prev, cause)
	}
	ev := newEvent(EventFaulted)
	ev.Err = cause
	ev.Text = cause.Error()
	e.events.publish(ev)
	e.events.close()
}

// apply handles one decoded frame under e.mu. It returns the events to
// publish and the handshake messages to send once the lock is released.
func (e *Engine) apply(msg protocol.Message) ([]Event, []protocol.Message) {
	switch e.state {
	case AwaitingCapabilities:
		caps, ok := msg.(protocol.CapabilityResponse)
		if !ok {
			return nil, nil
		}
		for i, modes := range caps.Pins {
			if err := e.reg.RegisterCapabilities(i, modes); err != nil {
				log.Printf("[engine] %v", err)
			}
		}
		e.state = AwaitingAnalogMapping
		log.Printf("[engine] %d pins discovered, querying analog mapping", len(caps.Pins))
		return nil, []protocol.Message{protocol.QueryAnalogMapping{}}

	case AwaitingAnalogMapping:
		mapping, ok := msg.(protocol.AnalogMappingResponse)
		if !ok {
			return nil, nil
		}
		for ch, pin := range mapping.Channels() {
			if err := e.reg.BindAnalog(ch, pin); err != nil {
				log.Printf("[engine] analog channel %d: %v", ch, err)
			}
		}
		e.state = Ready
		close(e.ready)
		log.Printf("[engine] ready: %d pins, %d analog channels", e.reg.Len(), len(e.reg.AnalogPins()))

		out := []protocol.Message{protocol.QueryFirmwareVersion{}}
		if e.cfg.SamplingIntervalMs > 0 {
			out = append(out, protocol.SetSamplingInterval{Milliseconds: e.cfg.SamplingIntervalMs})
		}
		return []Event{newEvent(EventInitialized)}, out

	case Ready:
		return e.applyReport(msg), nil
	}
	return nil, nil
}

// answerIsStale consumes the oldest outstanding query for pin and reports
// whether a command for the pin was sent after it.
func (e *Engine) answerIsStale(pin int) bool {
	q := e.queries[pin]
	if len(q) == 0 {
		return false
	}
	stale := q[0]
	if len(q) == 1 {
		delete(e.queries, pin)
	} else {
		e.queries[pin] = q[1:]
	}
	return stale
}

func (e *Engine) applyReport(msg protocol.Message) []Event {
	switch m := msg.(type) {
	case protocol.DigitalPortReport:
		var events []Event
		for _, idx := range e.reg.ApplyPortReport(m.Port, m.Pins) {
			p, _ := e.reg.Pin(idx)
			ev := newEvent(EventDigitalChanged)
			ev.Pin, ev.Port, ev.Mode, ev.Value = idx, m.Port, p.Mode, p.Value
			events = append(events, ev)
		}
		return events

	case protocol.AnalogValueReport:
		changed, err := e.reg.SetAnalogValue(m.Channel, m.Value)
		if err != nil {
			log.Printf("[engine] analog report: %v", err)
			return nil
		}
		if !changed {
			return nil
		}
		a, _ := e.reg.AnalogByChannel(m.Channel)
		ev := newEvent(EventAnalogChanged)
		ev.Channel, ev.Pin, ev.Mode, ev.Value = m.Channel, a.Pin, a.Mode, m.Value
		return []Event{ev}

	case protocol.PinStateResponse:
		if e.answerIsStale(m.Pin) {
			log.Printf("[engine] pin %d state answer predates a later command, keeping local state", m.Pin)
		} else if _, err := e.reg.ApplyPinState(m.Pin, m.Mode, m.State); err != nil {
			log.Printf("[engine] pin state: %v", err)
			return nil
		}
		ev := newEvent(EventPinState)
		ev.Pin, ev.Port, ev.Mode, ev.Value = m.Pin, m.Pin/registry.PinsPerPort, m.Mode, m.State
		return []Event{ev}

	case protocol.FirmwareVersionResponse:
		fw := m
		e.firmware = &fw
		log.Printf("[engine] firmware %s", fw)
		ev := newEvent(EventFirmware)
		ev.Text = fw.String()
		return []Event{ev}

	case protocol.StringDataReport:
		log.Printf("[engine] board says: %s", m.Text)
		ev := newEvent(EventStringData)
		ev.Text = m.Text
		return []Event{ev}

	case protocol.ProtocolVersionReport:
		log.Printf("[engine] protocol version %d.%d", m.Major, m.Minor)
	}
	return nil
}

// SendMessage validates m against the registry, records its effect and
// writes it. Handshake queries cannot be sent this way.
func (e *Engine) SendMessage(m protocol.Message) error {
	return e.submit(func() (protocol.Message, error) { return m, nil })
}

// submit runs build under the state lock, checks and encodes what it
// returns, applies it to the registry and writes it.
func (e *Engine) submit(build func() (protocol.Message, error)) error {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	e.mu.Lock()
	b, err := e.prepare(build)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	return e.write(b)
}

func (e *Engine) prepare(build func() (protocol.Message, error)) ([]byte, error) {
	if err := e.usable(); err != nil {
		return nil, err
	}
	m, err := build()
	if err != nil {
		return nil, err
	}
	if err := e.check(m); err != nil {
		return nil, err
	}
	b, err := protocol.Encode(m)
	if err != nil {
		return nil, err
	}
	e.record(m)
	return b, nil
}

// usable is the single not-initialized policy: before Ready every
// operation fails with ErrNotInitialized, after a fault with a
// TransportError wrapping ErrFaulted.
func (e *Engine) usable() error {
	switch e.state {
	case Ready:
		return nil
	case Faulted:
		return &TransportError{Op: "send", Err: fmt.Errorf("%w: %w", ErrFaulted, e.err)}
	}
	return ErrNotInitialized
}

// sendRaw writes a handshake message without the Ready check.
func (e *Engine) sendRaw(m protocol.Message) error {
	b, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	if e.State() == Faulted {
		return &TransportError{Op: "send", Err: fmt.Errorf("%w: %w", ErrFaulted, e.Err())}
	}
	return e.write(b)
}

// write hands b to the transport. A failed write faults the engine.
func (e *Engine) write(b []byte) error {
	if err := e.tr.Send(b); err != nil {
		terr := &TransportError{Op: "send", Err: err}
		e.fault(terr)
		return terr
	}
	return nil
}
