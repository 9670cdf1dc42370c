package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/shaunagostinho/gofirmata/internal/protocol"
)

// EventKind classifies an Event.
type EventKind int

const (
	EventInitialized EventKind = iota
	EventFaulted
	EventDigitalChanged
	EventAnalogChanged
	EventPinState
	EventFirmware
	EventStringData
	EventDecodeError
)

var eventKindNames = [...]string{
	EventInitialized:    "initialized",
	EventFaulted:        "faulted",
	EventDigitalChanged: "digital",
	EventAnalogChanged:  "analog",
	EventPinState:       "pinState",
	EventFirmware:       "firmware",
	EventStringData:     "string",
	EventDecodeError:    "decodeError",
}

func (k EventKind) String() string {
	if int(k) < len(eventKindNames) {
		return eventKindNames[k]
	}
	return "unknown"
}

func (k EventKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Event is a notification from the engine. Only the fields relevant to
// Kind are set; Pin and Channel are -1 when they do not apply.
type Event struct {
	Kind    EventKind        `json:"kind"`
	Pin     int              `json:"pin"`
	Channel int              `json:"channel"`
	Port    int              `json:"port"`
	Mode    protocol.PinMode `json:"mode"`
	Value   int              `json:"value"`
	Text    string           `json:"text,omitempty"`
	Err     error            `json:"-"`
	Time    time.Time        `json:"time"`
}

func newEvent(kind EventKind) Event {
	return Event{Kind: kind, Pin: -1, Channel: -1, Port: -1, Mode: protocol.PinModeNone, Time: time.Now()}
}

// Subscription receives engine events on C until it is closed, either by
// the subscriber or when the engine shuts down. Events that arrive while C
// is full are dropped and counted.
type Subscription struct {
	ID uuid.UUID
	C  <-chan Event

	ch      chan Event
	dropped atomic.Uint64
	hub     *hub
}

// Close unsubscribes and closes C. It is safe to call more than once.
func (s *Subscription) Close() { s.hub.remove(s.ID) }

// Dropped returns how many events did not fit in the buffer.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

type hub struct {
	mu     sync.Mutex
	subs   map[uuid.UUID]*Subscription
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[uuid.UUID]*Subscription)}
}

func (h *hub) subscribe(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)
	s := &Subscription{ID: uuid.New(), C: ch, ch: ch, hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return s
	}
	h.subs[s.ID] = s
	return s
}

func (h *hub) remove(id uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(s.ch)
	}
}

func (h *hub) publish(events ...Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ev := range events {
		for _, s := range h.subs {
			select {
			case s.ch <- ev:
			default:
				s.dropped.Add(1)
			}
		}
	}
}

// close ends every subscription. Later subscribers get a closed channel.
func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, s := range h.subs {
		delete(h.subs, id)
		close(s.ch)
	}
}

func (h *hub) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
