package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleStream(t *testing.T) ([]byte, [][]byte) {
	t.Helper()
	msgs := []Message{
		ProtocolVersionReport{Major: 2, Minor: 5},
		FirmwareVersionResponse{Major: 2, Minor: 5, Name: "StandardFirmata"},
		CapabilityResponse{Pins: []map[PinMode]int{{}, {}, {PinModeInput: 1, PinModeOutput: 1, PinModePWM: 8}}},
		DigitalPortReport{Port: 0, Pins: [8]bool{false, false, true}},
		AnalogValueReport{Channel: 3, Value: 511},
		AnalogMappingResponse{Mapping: []byte{0x7F, 0x7F, 0x00}},
		PinStateResponse{Pin: 2, Mode: PinModePWM, State: 128},
		StringDataReport{Text: "ok"},
	}
	var stream []byte
	var frames [][]byte
	for _, m := range msgs {
		b, err := Encode(m)
		require.NoError(t, err)
		stream = append(stream, b...)
		frames = append(frames, b)
	}
	return stream, frames
}

func drain(r *Reassembler) [][]byte {
	var out [][]byte
	for f := range r.Frames() {
		out = append(out, f)
	}
	return out
}

func TestReassemblerWholeBuffer(t *testing.T) {
	stream, want := sampleStream(t)
	r := NewReassembler(0)
	_, _ = r.Write(stream)
	assert.Equal(t, want, drain(r))
	assert.Zero(t, r.Buffered())
}

func TestReassemblerEverySplitPoint(t *testing.T) {
	stream, want := sampleStream(t)
	for cut := 1; cut < len(stream); cut++ {
		r := NewReassembler(0)
		_, _ = r.Write(stream[:cut])
		got := drain(r)
		_, _ = r.Write(stream[cut:])
		got = append(got, drain(r)...)
		require.Equal(t, want, got, "split at %d", cut)
	}
}

func TestReassemblerChunkSizes(t *testing.T) {
	stream, want := sampleStream(t)
	for size := 1; size <= len(stream); size++ {
		r := NewReassembler(0)
		var got [][]byte
		for i := 0; i < len(stream); i += size {
			end := min(i+size, len(stream))
			_, _ = r.Write(stream[i:end])
			got = append(got, drain(r)...)
		}
		require.Equal(t, want, got, "chunk size %d", size)
	}
}

func TestReassemblerSkipsNoise(t *testing.T) {
	// Telnet negotiation and stray data bytes ahead of real frames.
	noise := []byte{0x01, 0x02, 0xFB, 0x7E, 0xF1}
	r := NewReassembler(0)
	_, _ = r.Write(noise)
	_, _ = r.Write([]byte{0xE3, 0x7F, 0x03})
	got := drain(r)
	require.Len(t, got, 1)
	assert.Equal(t, []byte{0xE3, 0x7F, 0x03}, got[0])
	assert.Equal(t, len(noise), r.Skipped())
}

func TestReassemblerUnterminatedSysexWaits(t *testing.T) {
	r := NewReassembler(0)
	_, _ = r.Write([]byte{0xF0, 0x6C, 0x00})
	assert.Empty(t, drain(r))
	_, _ = r.Write([]byte{0x01})
	assert.Empty(t, drain(r))
	_, _ = r.Write([]byte{0x7F})
	assert.Empty(t, drain(r))
	_, _ = r.Write([]byte{0xF7, 0x90})
	got := drain(r)
	require.Len(t, got, 1)
	assert.Equal(t, []byte{0xF0, 0x6C, 0x00, 0x01, 0x7F, 0xF7}, got[0])
	assert.Equal(t, 1, r.Buffered())
}

func TestReassemblerResyncsAfterInterruptedFrame(t *testing.T) {
	r := NewReassembler(0)
	_, _ = r.Write([]byte{0x90, 0x01, 0xE3, 0x7F, 0x03, 0xF0, 0x71, 0x61, 0xE1, 0x02, 0x00})
	got := drain(r)
	require.Len(t, got, 4)

	_, err := Decode(FromDevice, got[0])
	assert.ErrorIs(t, err, ErrTruncated)

	msg, err := Decode(FromDevice, got[1])
	require.NoError(t, err)
	assert.Equal(t, AnalogValueReport{Channel: 3, Value: 511}, msg)

	_, err = Decode(FromDevice, got[2])
	assert.ErrorIs(t, err, ErrMalformedTerminator)

	msg, err = Decode(FromDevice, got[3])
	require.NoError(t, err)
	assert.Equal(t, AnalogValueReport{Channel: 1, Value: 2}, msg)
}

func TestReassemblerCapsSysexLength(t *testing.T) {
	r := NewReassembler(8)
	_, _ = r.Write([]byte{0xF0, 0x71, 1, 2, 3, 4, 5, 6, 7, 8, 9, 0xF7, 0xC0, 0x01})
	got := drain(r)
	require.Len(t, got, 2)
	assert.Len(t, got[0], 8)
	_, err := Decode(FromDevice, got[0])
	assert.Error(t, err)
	assert.Equal(t, []byte{0xC0, 0x01}, got[1])
}

func TestReassemblerCompactsBuffer(t *testing.T) {
	r := NewReassembler(0)
	for i := 0; i < 1000; i++ {
		_, _ = r.Write([]byte{0xE0, 0x01, 0x00})
		_, ok := r.Next()
		require.True(t, ok)
	}
	assert.LessOrEqual(t, cap(r.buf), 64)
	r.Reset()
	assert.Zero(t, r.Buffered())
}
