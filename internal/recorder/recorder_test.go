package recorder

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/gofirmata/internal/engine"
	"github.com/shaunagostinho/gofirmata/internal/protocol"
)

func readRows(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func analog(ch, value int, at time.Time) engine.Event {
	return engine.Event{Kind: engine.EventAnalogChanged, Pin: 14 + ch, Channel: ch, Port: -1,
		Mode: protocol.PinModeAnalog, Value: value, Time: at}
}

func TestDisabledWritesNothing(t *testing.T) {
	dir := t.TempDir()
	r := New(Config{Path: dir})
	r.Record(analog(0, 1, time.Now()))
	assert.Empty(t, r.File())
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRecordRows(t *testing.T) {
	r := New(Config{Enabled: true, Path: t.TempDir(), IntervalMs: 100})
	defer r.Close()

	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.Record(engine.Event{Kind: engine.EventInitialized, Pin: -1, Channel: -1, Port: -1, Time: t0})
	r.Record(analog(0, 500, t0))
	r.Record(analog(0, 501, t0.Add(50*time.Millisecond))) // throttled
	r.Record(analog(1, 20, t0.Add(50*time.Millisecond)))
	r.Record(analog(0, 502, t0.Add(150*time.Millisecond)))
	r.Record(engine.Event{Kind: engine.EventDigitalChanged, Pin: 4, Channel: -1, Port: 0,
		Mode: protocol.PinModeInput, Value: 1, Time: t0.Add(time.Second)})
	r.Record(engine.Event{Kind: engine.EventFaulted, Pin: -1, Channel: -1, Port: -1,
		Err: errors.New("gone"), Text: "gone", Time: t0.Add(2 * time.Second)})

	rows := readRows(t, r.File())
	require.Len(t, rows, 7)
	assert.Equal(t, csvHeader, rows[0])
	assert.Equal(t, []string{"2026-03-01T12:00:00Z", "initialized", "", "", "", "", "", ""}, rows[1])
	assert.Equal(t, []string{"analog", "14", "0", "", "Analog", "500"}, rows[2][1:7])
	assert.Equal(t, "20", rows[3][6])
	assert.Equal(t, "502", rows[4][6])
	assert.Equal(t, []string{"digital", "4", "", "0", "Input", "1"}, rows[5][1:7])
	assert.Equal(t, "gone", rows[6][7])
}

func TestRotation(t *testing.T) {
	r := New(Config{Enabled: true, Path: t.TempDir()})
	defer r.Close()

	r.Record(analog(0, 1, time.Now()))
	first := r.File()
	r.mu.Lock()
	r.rows = maxRowsPerFile
	r.mu.Unlock()
	r.Record(analog(1, 2, time.Now().Add(time.Second)))

	assert.NotEqual(t, first, r.File())
	assert.Len(t, readRows(t, first), 2)
	assert.Len(t, readRows(t, r.File()), 2)
}

func TestSetEnabledClosesFile(t *testing.T) {
	r := New(Config{Enabled: true, Path: t.TempDir()})
	r.Record(analog(0, 1, time.Now()))
	require.NotEmpty(t, r.File())

	r.SetEnabled(false)
	assert.False(t, r.IsEnabled())
	assert.Empty(t, r.File())

	r.SetEnabled(true)
	r.Record(analog(0, 2, time.Now().Add(time.Second)))
	assert.NotEmpty(t, r.File())
	r.Close()
}

func TestRunStopsWhenContextEnds(t *testing.T) {
	r := New(Config{Enabled: true, Path: t.TempDir()})
	e := engine.New(nil, engine.Config{})
	sub := e.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, sub)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	_, ok := <-sub.C
	assert.False(t, ok)
}
