package transport

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultListenAddr = ":8090"
	dialTimeout       = 5 * time.Second
)

// TCPDialer connects out to a board exposed over the network, for example
// an ESP8266 running Firmata over WiFi or a ser2net bridge.
type TCPDialer struct {
	addr string

	writeMu sync.Mutex
	mu      sync.Mutex
	conn    net.Conn
	closing atomic.Bool
	done    chan struct{}
}

func NewTCPDialer(cfg Config) *TCPDialer {
	return &TCPDialer{addr: cfg.Address}
}

func (d *TCPDialer) Name() string { return "tcp " + d.addr }

func (d *TCPDialer) Open(h Handler) error {
	conn, err := net.DialTimeout("tcp", d.addr, dialTimeout)
	if err != nil {
		return fmt.Errorf("tcp: dial %s: %w", d.addr, err)
	}
	log.Printf("[transport] connected to %s", d.addr)

	d.mu.Lock()
	d.conn = conn
	d.done = make(chan struct{})
	d.closing.Store(false)
	done := d.done
	d.mu.Unlock()

	go func() {
		defer close(done)
		err := pump(conn, h)
		if d.closing.Load() {
			err = ErrClosed
		}
		h.TransportClosed(err)
	}()
	return nil
}

func (d *TCPDialer) Send(b []byte) error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("tcp: %s: %w", d.addr, ErrClosed)
	}
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if _, err := conn.Write(b); err != nil {
		return fmt.Errorf("tcp: write %s: %w", d.addr, err)
	}
	return nil
}

func (d *TCPDialer) Close() error {
	d.mu.Lock()
	conn, done := d.conn, d.done
	d.conn = nil
	d.mu.Unlock()
	if conn == nil {
		return nil
	}
	d.closing.Store(true)
	err := conn.Close()
	<-done
	return err
}

// pump copies the connection into h until it fails. A clean EOF from the
// peer is reported as io.EOF.
func pump(conn net.Conn, h Handler) error {
	buf := make([]byte, 256)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			h.BytesReceived(append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			return err
		}
	}
}

// TCPListener waits for a remote peer to connect and relays its bytes. It
// serves one client at a time and turns away any other that connects
// meanwhile. Sends with no client attached are dropped; a handler that is a
// PeerHandler hears about each client as it arrives. A client leaving does
// not close the transport; the next client picks up the stream.
type TCPListener struct {
	addr string

	mu       sync.Mutex
	ln       net.Listener
	client   net.Conn
	writeMu  sync.Mutex
	closing  atomic.Bool
	done     chan struct{}
	clientWG sync.WaitGroup
}

func NewTCPListener(cfg Config) *TCPListener {
	addr := cfg.Address
	if addr == "" {
		addr = defaultListenAddr
	}
	return &TCPListener{addr: addr}
}

func (l *TCPListener) Name() string { return "tcp-listen " + l.Addr() }

// Addr returns the bound address once open, the configured one before.
func (l *TCPListener) Addr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln != nil {
		return l.ln.Addr().String()
	}
	return l.addr
}

func (l *TCPListener) Open(h Handler) error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("tcp: listen %s: %w", l.addr, err)
	}
	log.Printf("[transport] waiting for remote connections on %s", ln.Addr())

	l.mu.Lock()
	l.ln = ln
	l.done = make(chan struct{})
	l.closing.Store(false)
	done := l.done
	l.mu.Unlock()

	go l.acceptLoop(ln, h, done)
	return nil
}

func (l *TCPListener) acceptLoop(ln net.Listener, h Handler, done chan struct{}) {
	defer close(done)
	var err error
	for {
		var conn net.Conn
		conn, err = ln.Accept()
		if err != nil {
			break
		}
		l.mu.Lock()
		busy := l.client != nil
		if !busy {
			l.client = conn
		}
		l.mu.Unlock()
		if busy {
			log.Printf("[transport] rejecting %s, already have a client", conn.RemoteAddr())
			conn.Close()
			continue
		}
		log.Printf("[transport] remote client %s connected", conn.RemoteAddr())
		l.clientWG.Add(1)
		go l.serve(conn, h)
		if ph, ok := h.(PeerHandler); ok {
			ph.PeerAttached()
		}
	}
	l.mu.Lock()
	if l.client != nil {
		l.client.Close()
	}
	l.mu.Unlock()
	l.clientWG.Wait()
	if l.closing.Load() || errors.Is(err, net.ErrClosed) {
		err = ErrClosed
	}
	h.TransportClosed(err)
}

func (l *TCPListener) serve(conn net.Conn, h Handler) {
	defer l.clientWG.Done()
	err := pump(conn, h)
	if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		log.Printf("[transport] client %s: %v", conn.RemoteAddr(), err)
	}
	log.Printf("[transport] client %s disconnected", conn.RemoteAddr())
	l.mu.Lock()
	if l.client == conn {
		l.client = nil
	}
	l.mu.Unlock()
	conn.Close()
}

// Send writes to the current client, if any.
func (l *TCPListener) Send(b []byte) error {
	if l.closing.Load() {
		return fmt.Errorf("tcp: %s: %w", l.addr, ErrClosed)
	}
	l.mu.Lock()
	conn := l.client
	l.mu.Unlock()
	if conn == nil {
		return nil
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if _, err := conn.Write(b); err != nil {
		return fmt.Errorf("tcp: write to %s: %w", conn.RemoteAddr(), err)
	}
	return nil
}

// Connected reports whether a client is attached.
func (l *TCPListener) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.client != nil
}

func (l *TCPListener) Close() error {
	l.mu.Lock()
	ln, done := l.ln, l.done
	l.ln = nil
	l.mu.Unlock()
	if ln == nil {
		return nil
	}
	l.closing.Store(true)
	err := ln.Close()
	l.mu.Lock()
	client := l.client
	l.mu.Unlock()
	if client != nil {
		client.Close()
	}
	<-done
	log.Printf("[transport] closed listener %s", l.addr)
	return err
}
