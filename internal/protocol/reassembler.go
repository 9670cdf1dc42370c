package protocol

import "iter"

// DefaultMaxSysex caps how many bytes a sysex frame may buffer before it is
// cut off and handed to Decode, which rejects it.
const DefaultMaxSysex = 4096

// Reassembler turns an arbitrarily chunked byte stream into whole frames.
// It is not safe for concurrent use.
type Reassembler struct {
	buf      []byte
	pos      int // first byte not yet consumed
	maxSysex int
	skipped  int
}

// NewReassembler returns an empty reassembler. maxSysex <= 0 selects
// DefaultMaxSysex.
func NewReassembler(maxSysex int) *Reassembler {
	if maxSysex <= 0 {
		maxSysex = DefaultMaxSysex
	}
	return &Reassembler{maxSysex: maxSysex}
}

// Write appends received bytes. It never fails.
func (r *Reassembler) Write(p []byte) (int, error) {
	if r.pos > 0 && r.pos >= len(r.buf)/2 {
		n := copy(r.buf, r.buf[r.pos:])
		r.buf = r.buf[:n]
		r.pos = 0
	}
	r.buf = append(r.buf, p...)
	return len(p), nil
}

// Buffered reports how many bytes are waiting, including a partial frame.
func (r *Reassembler) Buffered() int { return len(r.buf) - r.pos }

// Skipped reports how many stray bytes were discarded between frames.
func (r *Reassembler) Skipped() int { return r.skipped }

// Reset drops everything buffered.
func (r *Reassembler) Reset() {
	r.buf = r.buf[:0]
	r.pos = 0
}

// Next returns the next complete frame. The returned slice is a copy. When
// only a partial frame is buffered it returns false and keeps the partial
// bytes for the next Write.
//
// A status byte that interrupts an open frame ends that frame early: the
// partial frame is returned as-is (Decode will reject it) and the next call
// starts at the interrupting byte.
func (r *Reassembler) Next() ([]byte, bool) {
	for r.pos < len(r.buf) {
		status := r.buf[r.pos]
		if status == StartSysex {
			return r.nextSysex()
		}
		n := frameLength(status)
		if n == 0 {
			r.pos++
			r.skipped++
			continue
		}
		end := r.pos + 1
		for end < r.pos+n {
			if end >= len(r.buf) {
				return nil, false
			}
			if r.buf[end]&0x80 != 0 {
				break
			}
			end++
		}
		return r.take(end), true
	}
	return nil, false
}

func (r *Reassembler) nextSysex() ([]byte, bool) {
	for end := r.pos + 1; end < len(r.buf); end++ {
		b := r.buf[end]
		if b == EndSysex {
			return r.take(end + 1), true
		}
		if b&0x80 != 0 || end-r.pos >= r.maxSysex {
			return r.take(end), true
		}
	}
	return nil, false
}

func (r *Reassembler) take(end int) []byte {
	frame := append([]byte(nil), r.buf[r.pos:end]...)
	r.pos = end
	return frame
}

// Frames yields every complete frame currently buffered. Ranging over it
// again after another Write picks up where the last range stopped.
func (r *Reassembler) Frames() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for {
			frame, ok := r.Next()
			if !ok || !yield(frame) {
				return
			}
		}
	}
}
