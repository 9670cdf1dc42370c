package recorder

import (
	"context"
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/shaunagostinho/gofirmata/internal/engine"
)

// Recorder appends engine events to CSV files with automatic rotation.
type Recorder struct {
	mu       sync.Mutex
	dir      string
	interval time.Duration
	enabled  bool

	file       *os.File
	writer     *csv.Writer
	lastAnalog map[int]time.Time // by channel
	rows       int
	current    string
}

// Config holds recorder configuration.
type Config struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	IntervalMs int    `yaml:"interval_ms" json:"intervalMs"`
}

const (
	maxRowsPerFile = 100_000
	defaultDir     = "/var/log/gofirmata"
)

var csvHeader = []string{"timestamp", "event", "pin", "channel", "port", "mode", "value", "text"}

// New creates a new Recorder. Analog rows for one channel are written at
// most once per IntervalMs; every other event is always written.
func New(cfg Config) *Recorder {
	if cfg.Path == "" {
		cfg.Path = defaultDir
	}
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval < 0 {
		interval = 0
	}
	return &Recorder{
		dir:        cfg.Path,
		interval:   interval,
		enabled:    cfg.Enabled,
		lastAnalog: make(map[int]time.Time),
	}
}

// SetEnabled allows toggling recording at runtime.
func (r *Recorder) SetEnabled(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = on
	if !on && r.file != nil {
		r.closeFile()
	}
}

// IsEnabled returns whether recording is active.
func (r *Recorder) IsEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// File returns the path of the file being written, if any.
func (r *Recorder) File() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Run records events from sub until it is closed or ctx is done, then
// closes the current file.
func (r *Recorder) Run(ctx context.Context, sub *engine.Subscription) {
	defer r.Close()
	for {
		select {
		case <-ctx.Done():
			sub.Close()
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			r.Record(ev)
		}
	}
}

// Record writes one event.
func (r *Recorder) Record(ev engine.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.enabled {
		return
	}

	if ev.Kind == engine.EventAnalogChanged {
		if ev.Time.Sub(r.lastAnalog[ev.Channel]) < r.interval {
			return
		}
		r.lastAnalog[ev.Channel] = ev.Time
	}

	if r.writer == nil || r.rows >= maxRowsPerFile {
		if err := r.rotateFile(ev.Time); err != nil {
			log.Printf("[recorder] rotate failed: %v", err)
			return
		}
	}

	if err := r.writer.Write(buildRow(ev)); err != nil {
		log.Printf("[recorder] write failed: %v", err)
		return
	}
	r.writer.Flush()
	r.rows++
}

// Close flushes and closes the current file.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeFile()
}

func (r *Recorder) rotateFile(now time.Time) error {
	r.closeFile()

	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", r.dir, err)
	}

	filename := fmt.Sprintf("firmata_%s.csv", now.Format("2006-01-02_150405.000"))
	path := filepath.Join(r.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	r.file = f
	r.writer = csv.NewWriter(f)
	r.rows = 0
	r.current = path

	if err := r.writer.Write(csvHeader); err != nil {
		return err
	}
	r.writer.Flush()

	log.Printf("[recorder] opened %s", path)
	return nil
}

func (r *Recorder) closeFile() {
	if r.writer != nil {
		r.writer.Flush()
		r.writer = nil
	}
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
	r.current = ""
}

func buildRow(ev engine.Event) []string {
	row := make([]string, len(csvHeader))
	row[0] = ev.Time.Format(time.RFC3339Nano)
	row[1] = ev.Kind.String()
	row[2] = optInt(ev.Pin)
	row[3] = optInt(ev.Channel)
	row[4] = optInt(ev.Port)
	if ev.Pin >= 0 || ev.Channel >= 0 {
		row[5] = ev.Mode.String()
		row[6] = strconv.Itoa(ev.Value)
	}
	row[7] = ev.Text
	return row
}

func optInt(v int) string {
	if v < 0 {
		return ""
	}
	return strconv.Itoa(v)
}
