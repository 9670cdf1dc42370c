package transport

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/gofirmata/internal/protocol"
)

type recorder struct {
	mu     sync.Mutex
	data   []byte
	closed chan error
}

func newRecorder() *recorder { return &recorder{closed: make(chan error, 1)} }

func (r *recorder) BytesReceived(b []byte) {
	r.mu.Lock()
	r.data = append(r.data, b...)
	r.mu.Unlock()
}

func (r *recorder) TransportClosed(err error) { r.closed <- err }

func (r *recorder) bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.data...)
}

func (r *recorder) messages(t *testing.T) []protocol.Message {
	t.Helper()
	re := protocol.NewReassembler(0)
	_, _ = re.Write(r.bytes())
	var out []protocol.Message
	for frame := range re.Frames() {
		m, err := protocol.Decode(protocol.FromDevice, frame)
		require.NoError(t, err)
		out = append(out, m)
	}
	return out
}

func encode(t *testing.T, m protocol.Message) []byte {
	t.Helper()
	b, err := protocol.Encode(m)
	require.NoError(t, err)
	return b
}

func TestNewUnknownType(t *testing.T) {
	_, err := New(Config{Type: "carrier-pigeon"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "carrier-pigeon")
}

func TestBuiltinKinds(t *testing.T) {
	assert.Subset(t, Kinds(), []string{"serial", "sim", "tcp", "tcp-listen"})

	tr, err := New(Config{Type: "sim"})
	require.NoError(t, err)
	assert.IsType(t, &Sim{}, tr)

	tr, err = New(Config{Type: "serial", PortPath: "/dev/ttyACM0"})
	require.NoError(t, err)
	assert.Equal(t, "serial /dev/ttyACM0@57600", tr.Name())
}

func TestRegister(t *testing.T) {
	Register("test-loop", func(cfg Config) (Transport, error) { return NewSim(cfg), nil })
	assert.Contains(t, Kinds(), "test-loop")
	_, err := New(Config{Type: "test-loop"})
	assert.NoError(t, err)
}

func TestTCPDialerAndListener(t *testing.T) {
	board := newRecorder()
	ln := NewTCPListener(Config{Address: "127.0.0.1:0"})
	require.NoError(t, ln.Open(board))

	// Nobody attached yet: sends are dropped.
	assert.NoError(t, ln.Send([]byte{0x01}))

	host := newRecorder()
	d := NewTCPDialer(Config{Address: ln.Addr()})
	require.NoError(t, d.Open(host))
	require.Eventually(t, ln.Connected, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, d.Send([]byte{0xF0, 0x6B, 0xF7}))
	assert.Eventually(t, func() bool { return len(board.bytes()) == 3 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, ln.Send([]byte{0xE0, 0x7F, 0x03}))
	assert.Eventually(t, func() bool { return len(host.bytes()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []protocol.Message{protocol.AnalogValueReport{Channel: 0, Value: 511}}, host.messages(t))

	// A second client is turned away.
	intruder, err := net.Dial("tcp", ln.Addr())
	require.NoError(t, err)
	require.NoError(t, intruder.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = intruder.Read(make([]byte, 1))
	assert.Error(t, err)
	intruder.Close()
	assert.True(t, ln.Connected())

	require.NoError(t, d.Close())
	assert.ErrorIs(t, <-host.closed, ErrClosed)
	assert.Eventually(t, func() bool { return !ln.Connected() }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, ln.Close())
	assert.ErrorIs(t, <-board.closed, ErrClosed)
	assert.ErrorIs(t, ln.Send([]byte{0x01}), ErrClosed)
	assert.NoError(t, ln.Close())
}

// peerRecorder counts the clients a listener reports.
type peerRecorder struct {
	*recorder
	peers chan struct{}
}

func (p *peerRecorder) PeerAttached() { p.peers <- struct{}{} }

func TestTCPListenerAnnouncesPeers(t *testing.T) {
	board := &peerRecorder{recorder: newRecorder(), peers: make(chan struct{}, 4)}
	ln := NewTCPListener(Config{Address: "127.0.0.1:0"})
	require.NoError(t, ln.Open(board))
	defer ln.Close()

	for i := 0; i < 2; i++ {
		conn, err := net.Dial("tcp", ln.Addr())
		require.NoError(t, err)
		select {
		case <-board.peers:
		case <-time.After(2 * time.Second):
			t.Fatalf("client %d not announced", i)
		}
		// Sends made from the announcement reach the new client.
		require.NoError(t, ln.Send([]byte{0xFF}))
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		got := make([]byte, 1)
		_, err = conn.Read(got)
		require.NoError(t, err)
		assert.Equal(t, byte(0xFF), got[0])
		conn.Close()
		require.Eventually(t, func() bool { return !ln.Connected() }, 2*time.Second, 5*time.Millisecond)
	}
}

func TestTCPDialerFailsWithoutPeer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	d := NewTCPDialer(Config{Address: addr})
	assert.Error(t, d.Open(newRecorder()))
	assert.ErrorIs(t, d.Send([]byte{0x01}), ErrClosed)
	assert.NoError(t, d.Close())
}

func TestSimAnswersHandshake(t *testing.T) {
	h := newRecorder()
	sim := NewSim(Config{})
	require.NoError(t, sim.Open(h))
	defer sim.Close()

	require.NoError(t, sim.Send(encode(t, protocol.QueryCapabilities{})))
	require.NoError(t, sim.Send(encode(t, protocol.QueryAnalogMapping{})))

	var msgs []protocol.Message
	require.Eventually(t, func() bool {
		msgs = h.messages(t)
		return len(msgs) == 2
	}, 2*time.Second, 5*time.Millisecond)

	caps, ok := msgs[0].(protocol.CapabilityResponse)
	require.True(t, ok)
	require.Len(t, caps.Pins, 20)
	assert.Contains(t, caps.Pins[3], protocol.PinModePWM)
	assert.NotContains(t, caps.Pins[2], protocol.PinModePWM)
	assert.Contains(t, caps.Pins[18], protocol.PinModeI2C)

	mapping, ok := msgs[1].(protocol.AnalogMappingResponse)
	require.True(t, ok)
	assert.Equal(t, map[int]int{0: 14, 1: 15, 2: 16, 3: 17, 4: 18, 5: 19}, mapping.Channels())

	assert.Equal(t, []protocol.Message{protocol.QueryCapabilities{}, protocol.QueryAnalogMapping{}}, sim.Received())
}

func TestSimTracksWrites(t *testing.T) {
	h := newRecorder()
	sim := NewSim(Config{})
	require.NoError(t, sim.Open(h))
	defer sim.Close()

	// Split mid-frame to exercise the simulator's own reassembly.
	frame := encode(t, protocol.DigitalPortWrite{Port: 1, Pins: [8]bool{5: true}})
	require.NoError(t, sim.Send(frame[:1]))
	require.NoError(t, sim.Send(frame[1:]))
	assert.Equal(t, 1, sim.PinValue(13))

	require.NoError(t, sim.Send(encode(t, protocol.SetPinMode{Pin: 7, Mode: protocol.PinModeInput})))
	assert.Equal(t, protocol.PinModeInput, sim.PinMode(7))

	// Modes the pin lacks are ignored.
	require.NoError(t, sim.Send(encode(t, protocol.SetPinMode{Pin: 2, Mode: protocol.PinModePWM})))
	assert.Equal(t, protocol.PinModeOutput, sim.PinMode(2))

	require.NoError(t, sim.Send(encode(t, protocol.QueryPinState{Pin: 13})))
	require.Eventually(t, func() bool { return len(h.messages(t)) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, protocol.PinStateResponse{Pin: 13, Mode: protocol.PinModeOutput, State: 1}, h.messages(t)[0])
}

func TestSimStreamsReportedChannels(t *testing.T) {
	h := newRecorder()
	sim := NewSim(Config{SimTickMs: 5})
	require.NoError(t, sim.Open(h))
	defer sim.Close()

	require.NoError(t, sim.Send(encode(t, protocol.ReportAnalog{Channel: 2, Enable: true})))
	require.Eventually(t, func() bool { return len(h.messages(t)) > 0 }, 2*time.Second, 5*time.Millisecond)
	for _, m := range h.messages(t) {
		r, ok := m.(protocol.AnalogValueReport)
		require.True(t, ok)
		assert.Equal(t, 2, r.Channel)
	}
}

func TestSimInjectAndClose(t *testing.T) {
	h := newRecorder()
	sim := NewSim(Config{})
	require.NoError(t, sim.Open(h))
	assert.Error(t, sim.Open(h))

	sim.Inject([]byte{0xE1, 0x01, 0x00})
	require.Eventually(t, func() bool { return len(h.bytes()) == 3 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, sim.Close())
	assert.ErrorIs(t, <-h.closed, ErrClosed)
	assert.ErrorIs(t, sim.Send([]byte{0xFF}), ErrClosed)
	assert.NoError(t, sim.Close())
}
