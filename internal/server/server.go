package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shaunagostinho/gofirmata/internal/engine"
	"github.com/shaunagostinho/gofirmata/internal/protocol"
	"github.com/shaunagostinho/gofirmata/internal/recorder"
	"github.com/shaunagostinho/gofirmata/internal/registry"
)

// Board is the part of the engine the monitor drives.
type Board interface {
	State() engine.State
	Firmware() (protocol.FirmwareVersionResponse, bool)
	Pins() []registry.Pin
	AnalogPins() []registry.AnalogPin
	Pin(index int) (registry.Pin, error)
	SetPinMode(pin int, mode protocol.PinMode) error
	DigitalWrite(pin int, value bool) error
	AnalogWrite(pin, value int) error
	ServoWrite(pin, angle int) error
	Subscribe(buffer int) *engine.Subscription
}

const eventBuffer = 256

// Server relays engine events to WebSocket clients and exposes the pins
// over a small JSON API.
type Server struct {
	cfg      *Config
	webFS    fs.FS
	recorder *recorder.Recorder

	boardMu sync.RWMutex
	board   Board

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Event  *engine.Event `json:"event,omitempty"`
	Status *Status       `json:"status,omitempty"`
	Pins   *PinSnapshot  `json:"pins,omitempty"`
	Stamp  int64         `json:"stamp"` // Unix ms
}

// Status describes the attached board.
type Status struct {
	State    string `json:"state"`
	Firmware string `json:"firmware,omitempty"`
}

type PinSnapshot struct {
	Digital []registry.Pin       `json:"digital"`
	Analog  []registry.AnalogPin `json:"analog"`
}

// pinRequest is the body of POST /api/pins/{index}. Mode is applied first.
type pinRequest struct {
	Mode  *protocol.PinMode `json:"mode"`
	Value *int              `json:"value"`
}

// New creates a new Server.
func New(cfg *Config, webFS fs.FS) *Server {
	snap := cfg.Snapshot()
	return &Server{
		cfg:   cfg,
		webFS: webFS,
		recorder: recorder.New(recorder.Config{
			Enabled:    snap.Recording.Enabled,
			Path:       snap.Recording.Path,
			IntervalMs: snap.Recording.Interval,
		}),
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Attach makes b the board shown to clients and starts relaying and
// recording its events until its subscriptions end.
func (s *Server) Attach(ctx context.Context, b Board) {
	s.boardMu.Lock()
	s.board = b
	s.boardMu.Unlock()

	go s.relay(b.Subscribe(eventBuffer))
	go s.recorder.Run(ctx, b.Subscribe(eventBuffer))
	s.broadcast(s.snapshotFrame())
}

func (s *Server) currentBoard() Board {
	s.boardMu.RLock()
	defer s.boardMu.RUnlock()
	return s.board
}

// Handler returns the HTTP routes of the monitor.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("GET /api/pins", s.handlePins)
	mux.HandleFunc("POST /api/pins/{index}", s.handlePinUpdate)
	mux.HandleFunc("/api/config", s.handleConfig)
	return mux
}

// Run serves HTTP until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	addr := s.cfg.Snapshot().Server.ListenAddr
	srv := &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
		s.recorder.Close()
	}()

	log.Printf("[server] listening on %s", addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) relay(sub *engine.Subscription) {
	for ev := range sub.C {
		frame := Frame{Event: &ev, Stamp: ev.Time.UnixMilli()}
		if ev.Kind == engine.EventInitialized || ev.Kind == engine.EventFaulted || ev.Kind == engine.EventFirmware {
			snap := s.snapshotFrame()
			frame.Status, frame.Pins = snap.Status, snap.Pins
		}
		s.broadcast(frame)
	}
	if n := sub.Dropped(); n > 0 {
		log.Printf("[server] %d events dropped for slow clients", n)
	}
}

func (s *Server) snapshotFrame() Frame {
	frame := Frame{
		Status: &Status{State: "Disconnected"},
		Pins:   &PinSnapshot{Digital: []registry.Pin{}, Analog: []registry.AnalogPin{}},
		Stamp:  time.Now().UnixMilli(),
	}
	b := s.currentBoard()
	if b == nil {
		return frame
	}
	frame.Status.State = b.State().String()
	if fw, ok := b.Firmware(); ok {
		frame.Status.Firmware = fw.String()
	}
	frame.Pins.Digital = b.Pins()
	frame.Pins.Analog = b.AnalogPins()
	return frame
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	if data, err := json.Marshal(s.snapshotFrame()); err == nil {
		client.send <- data
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	log.Printf("[ws] client connected (%d total)", n)

	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			close(client.send)
			s.clientsMu.Unlock()
			log.Printf("[ws] client disconnected (%d total)", n)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) handlePins(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshotFrame())
}

func (s *Server) handlePinUpdate(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		http.Error(w, "bad pin index", http.StatusBadRequest)
		return
	}
	var req pinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Mode == nil && req.Value == nil {
		http.Error(w, "nothing to do", http.StatusBadRequest)
		return
	}
	b := s.currentBoard()
	if b == nil {
		http.Error(w, "no board attached", http.StatusServiceUnavailable)
		return
	}

	if req.Mode != nil {
		if err := b.SetPinMode(index, *req.Mode); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.Value != nil {
		if err := writeValue(b, index, *req.Value); err != nil {
			writeError(w, err)
			return
		}
	}

	p, err := b.Pin(index)
	if err != nil {
		writeError(w, err)
		return
	}
	s.broadcast(s.snapshotFrame())
	writeJSON(w, http.StatusOK, p)
}

// writeValue picks the write that matches the pin's current mode. A pin
// the registry does not know goes through DigitalWrite, which reports why.
func writeValue(b Board, index, value int) error {
	p, err := b.Pin(index)
	if err != nil {
		return b.DigitalWrite(index, value != 0)
	}
	switch p.Mode {
	case protocol.PinModePWM:
		return b.AnalogWrite(index, value)
	case protocol.PinModeServo:
		return b.ServoWrite(index, value)
	}
	return b.DigitalWrite(index, value != 0)
}

func writeError(w http.ResponseWriter, err error) {
	var (
		capErr  *engine.CapabilityError
		modeErr *engine.ModeError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrNotInitialized):
		status = http.StatusConflict
	case errors.As(err, &capErr), errors.As(err, &modeErr):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrFaulted):
		status = http.StatusServiceUnavailable
	case errors.Is(err, registry.ErrUnknownPin), errors.Is(err, registry.ErrUnknownChannel):
		status = http.StatusNotFound
	case errors.Is(err, protocol.ErrArgumentRange), errors.Is(err, engine.ErrUnsupportedFeature):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[server] encode response: %v", err)
	}
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if err := s.cfg.Save(); err != nil {
			log.Printf("[config] save failed: %v", err)
		}
		s.recorder.SetEnabled(s.cfg.Snapshot().Recording.Enabled)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}
