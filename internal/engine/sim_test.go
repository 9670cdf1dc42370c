package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/gofirmata/internal/protocol"
	"github.com/shaunagostinho/gofirmata/internal/transport"
)

func simEngine(t *testing.T, variant string) (*Engine, *transport.Sim) {
	t.Helper()
	sim := transport.NewSim(transport.Config{SimTickMs: 10, SimVariant: variant})
	e := New(sim, Config{})
	sub := e.Subscribe(64)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Open(ctx))
	require.NoError(t, e.WaitReady(ctx))
	t.Cleanup(func() { e.Close() })

	nextEvent(t, sub, EventFirmware)
	sub.Close()
	return e, sim
}

func TestEngineAgainstSimulatedUno(t *testing.T) {
	e, sim := simEngine(t, "")
	assert.Len(t, e.Pins(), 20)
	assert.Len(t, e.AnalogPins(), 6)
	fw, ok := e.Firmware()
	require.True(t, ok)
	assert.Equal(t, "SimFirmata", fw.Name)

	require.NoError(t, e.SetPinMode(13, protocol.PinModeOutput))
	require.NoError(t, e.DigitalWrite(13, true))
	assert.Eventually(t, func() bool { return sim.PinValue(13) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, e.SetPinMode(9, protocol.PinModePWM))
	require.NoError(t, e.AnalogWrite(9, 128))
	assert.Eventually(t, func() bool { return sim.PinValue(9) == 128 }, 2*time.Second, 5*time.Millisecond)

	var capErr *CapabilityError
	assert.ErrorAs(t, e.AnalogWrite(2, 10), &capErr)
}

func TestSimulatedAnalogStream(t *testing.T) {
	e, _ := simEngine(t, "")
	sub := e.Subscribe(64)
	defer sub.Close()

	require.NoError(t, e.SetPinMode(14, protocol.PinModeAnalog))
	ev := nextEvent(t, sub, EventAnalogChanged)
	assert.Equal(t, 0, ev.Channel)
	assert.Equal(t, 14, ev.Pin)
	assert.GreaterOrEqual(t, ev.Value, 0)
	assert.LessOrEqual(t, ev.Value, 1023)
}

func TestSimulatedPinStateQuery(t *testing.T) {
	e, _ := simEngine(t, "")
	sub := e.Subscribe(64)
	defer sub.Close()

	require.NoError(t, e.ConfigureServo(5, 544, 2400))
	require.NoError(t, e.ServoWrite(5, 45))
	require.NoError(t, e.QueryPinState(5))

	ev := nextEvent(t, sub, EventPinState)
	assert.Equal(t, 5, ev.Pin)
	assert.Equal(t, protocol.PinModeServo, ev.Mode)
	assert.Equal(t, 45, ev.Value)
}

func TestSimulatedMega(t *testing.T) {
	e, _ := simEngine(t, "mega")
	assert.Len(t, e.Pins(), 70)
	assert.Len(t, e.AnalogPins(), 16)
	p, err := e.Pin(45)
	require.NoError(t, err)
	assert.True(t, p.HasCapability(protocol.PinModePWM))
}

func TestSimulatorCloseFaultsEngine(t *testing.T) {
	sim := transport.NewSim(transport.Config{})
	e := New(sim, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Open(ctx))
	require.NoError(t, e.WaitReady(ctx))

	require.NoError(t, sim.Close())
	<-e.Done()
	assert.ErrorIs(t, e.Err(), transport.ErrClosed)
	assert.ErrorIs(t, e.DigitalWrite(13, true), ErrFaulted)
	assert.NoError(t, e.Close())
}
