package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/gofirmata/internal/protocol"
)

func unoLike(t *testing.T) *Registry {
	t.Helper()
	r := New()
	digital := map[protocol.PinMode]int{protocol.PinModeInput: 1, protocol.PinModeOutput: 1}
	for i := 0; i < 16; i++ {
		caps := digital
		if i == 2 {
			caps = map[protocol.PinMode]int{protocol.PinModeInput: 1, protocol.PinModeOutput: 1, protocol.PinModePWM: 8}
		}
		if i >= 14 {
			caps = map[protocol.PinMode]int{protocol.PinModeInput: 1, protocol.PinModeOutput: 1, protocol.PinModeAnalog: 10}
		}
		require.NoError(t, r.RegisterCapabilities(i, caps))
	}
	return r
}

func TestRegisterCapabilitiesOnce(t *testing.T) {
	r := unoLike(t)
	assert.Equal(t, 16, r.Len())
	err := r.RegisterCapabilities(2, map[protocol.PinMode]int{protocol.PinModeServo: 14})
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
	assert.False(t, r.HasCapability(2, protocol.PinModeServo))
}

func TestHasCapability(t *testing.T) {
	r := unoLike(t)
	assert.True(t, r.HasCapability(2, protocol.PinModePWM))
	assert.False(t, r.HasCapability(2, protocol.PinModeServo))
	assert.False(t, r.HasCapability(99, protocol.PinModeInput))

	p, err := r.Pin(2)
	require.NoError(t, err)
	assert.Equal(t, []protocol.PinMode{protocol.PinModeInput, protocol.PinModeOutput, protocol.PinModePWM}, p.Supported())
	assert.Equal(t, protocol.PinModeNone, p.Mode)
	assert.Equal(t, 0, p.Port)
}

func TestPinCopiesAreIndependent(t *testing.T) {
	r := unoLike(t)
	p, err := r.Pin(3)
	require.NoError(t, err)
	p.Capabilities[protocol.PinModeServo] = 14
	p.Value = 9
	assert.False(t, r.HasCapability(3, protocol.PinModeServo))
	q, _ := r.Pin(3)
	assert.Zero(t, q.Value)
}

func TestPortValues(t *testing.T) {
	r := unoLike(t)
	require.NoError(t, r.SetValue(4, 1))
	require.NoError(t, r.SetValue(9, 1))
	assert.Equal(t, [8]bool{false, false, false, false, true}, r.PortValues(0))
	assert.Equal(t, [8]bool{false, true}, r.PortValues(1))
	assert.Equal(t, [8]bool{}, r.PortValues(5))
}

func TestPortValuesSkipsNonDigitalPins(t *testing.T) {
	r := unoLike(t)
	require.NoError(t, r.SetMode(2, protocol.PinModePWM))
	require.NoError(t, r.SetValue(2, 200))
	require.NoError(t, r.SetMode(3, protocol.PinModeInput))
	require.NoError(t, r.SetValue(3, 1))
	require.NoError(t, r.SetMode(4, protocol.PinModeOutput))
	require.NoError(t, r.SetValue(4, 1))

	assert.Equal(t, [8]bool{4: true}, r.PortValues(0))

	require.NoError(t, r.BindAnalog(0, 14))
	require.NoError(t, r.SetMode(14, protocol.PinModeAnalog))
	_, err := r.SetAnalogValue(0, 700)
	require.NoError(t, err)
	assert.Equal(t, [8]bool{}, r.PortValues(1))
}

func TestApplyPortReportOnlyTouchesInputs(t *testing.T) {
	r := unoLike(t)
	require.NoError(t, r.SetMode(3, protocol.PinModeInput))
	require.NoError(t, r.SetMode(5, protocol.PinModeInputPullUp))
	require.NoError(t, r.SetMode(6, protocol.PinModeOutput))

	changed := r.ApplyPortReport(0, [8]bool{true, true, true, true, false, true, true, true})
	assert.Equal(t, []int{3, 5}, changed)

	p6, _ := r.Pin(6)
	assert.Zero(t, p6.Value)

	assert.Empty(t, r.ApplyPortReport(0, [8]bool{true, true, true, true, false, true, true, true}))
}

func TestAnalogBinding(t *testing.T) {
	r := unoLike(t)
	require.NoError(t, r.BindAnalog(0, 14))
	require.NoError(t, r.BindAnalog(1, 15))
	assert.ErrorIs(t, r.BindAnalog(2, 40), ErrUnknownPin)

	require.NoError(t, r.SetMode(14, protocol.PinModeAnalog))
	a, err := r.AnalogByChannel(0)
	require.NoError(t, err)
	assert.Equal(t, protocol.PinModeAnalog, a.Mode)

	changed, err := r.SetAnalogValue(0, 512)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, _ = r.SetAnalogValue(0, 512)
	assert.False(t, changed)

	_, err = r.SetAnalogValue(7, 1)
	assert.ErrorIs(t, err, ErrUnknownChannel)

	p, _ := r.Pin(14)
	assert.Equal(t, 512, p.Value)
	assert.Len(t, r.AnalogPins(), 2)
	assert.Equal(t, 0, r.AnalogPins()[0].Channel)
}

func TestApplyPinState(t *testing.T) {
	r := unoLike(t)
	require.NoError(t, r.SetMode(2, protocol.PinModeOutput))
	changed, err := r.ApplyPinState(2, protocol.PinModePWM, 128)
	require.NoError(t, err)
	assert.True(t, changed)
	p, _ := r.Pin(2)
	assert.Equal(t, protocol.PinModePWM, p.Mode)
	assert.Equal(t, 128, p.Value)

	_, err = r.ApplyPinState(50, protocol.PinModeInput, 0)
	assert.ErrorIs(t, err, ErrUnknownPin)
}
