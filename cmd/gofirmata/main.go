package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shaunagostinho/gofirmata/internal/engine"
	"github.com/shaunagostinho/gofirmata/internal/server"
	"github.com/shaunagostinho/gofirmata/internal/transport"
	"github.com/shaunagostinho/gofirmata/web"
)

// handshakeTimeout bounds how long a freshly opened board may take to
// answer the capability and analog mapping queries.
const handshakeTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", server.DefaultConfigPath, "Path to config file")
	demo := flag.Bool("demo", false, "Run against a simulated board")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	port := flag.String("port", "", "Override serial port (implies -transport serial)")
	kind := flag.String("transport", "", "Override transport type")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] gofirmata starting")

	cfg := server.LoadConfig(*configPath)

	if *port != "" {
		cfg.Transport.Type = "serial"
		cfg.Transport.PortPath = *port
	}
	if *kind != "" {
		cfg.Transport.Type = *kind
	}
	if *demo {
		cfg.Transport.Type = "sim"
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	// Monitor starts regardless; the board attaches once it answers.
	srv := server.New(cfg, web.FS)
	go superviseBoard(ctx, cfg, srv)

	if err := srv.Run(ctx); err != nil {
		log.Printf("[main] server exited: %v", err)
	}
}

// superviseBoard keeps one engine attached to the monitor, reconnecting
// with backoff whenever the link faults.
func superviseBoard(ctx context.Context, cfg *server.Config, srv *server.Server) {
	for {
		snap := cfg.Snapshot()
		var e *engine.Engine
		err := connectWithRetry(ctx, "board", func(ctx context.Context) error {
			t, err := transport.New(snap.Transport)
			if err != nil {
				return err
			}
			e = engine.New(t, snap.Engine)
			if err := e.Open(ctx); err != nil {
				return err
			}
			hsCtx, cancel := handshakeContext(ctx, snap.Transport.Type)
			defer cancel()
			if err := e.WaitReady(hsCtx); err != nil {
				e.Close()
				if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
					return fmt.Errorf("%s did not answer the handshake within %v", t.Name(), handshakeTimeout)
				}
				return err
			}
			return nil
		}, 10)
		if err != nil {
			return
		}

		srv.Attach(ctx, e)
		select {
		case <-ctx.Done():
			e.Close()
			return
		case <-e.Done():
			log.Printf("[main] board lost: %v", e.Err())
			e.Close()
		}
	}
}

// handshakeContext bounds the handshake. A listening transport waits on the
// board to dial in, which may take any time, so only ctx limits it.
func handshakeContext(ctx context.Context, kind string) (context.Context, context.CancelFunc) {
	if kind == "tcp-listen" {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, handshakeTimeout)
}

const (
	firstRetryDelay = time.Second
	maxRetryDelay   = time.Minute
)

// connectWithRetry calls connect until it succeeds or ctx is done, doubling
// the pause between attempts up to maxRetryDelay. The first verbose
// failures are logged one by one; after that only every tenth is.
func connectWithRetry(ctx context.Context, name string, connect func(context.Context) error, verbose int) error {
	delay := firstRetryDelay
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := connect(ctx)
		if err == nil {
			log.Printf("[%s] ready after %d attempt(s)", name, attempt)
			return nil
		}
		if attempt <= verbose || attempt%10 == 0 {
			log.Printf("[%s] attempt %d: %v (next in %v)", name, attempt, err, delay)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, maxRetryDelay)
	}
}
