// Package rd03d recovers target records from the binary report stream of an
// RD-03D multi-target radar.
//
// The sensor emits fixed 30 byte frames: a 4 byte header, three 8 byte target
// slots and a 2 byte tail. The serial link gives no framing guarantees, so a
// Synchronizer keeps a rolling buffer and resynchronises on the header after
// partial reads, garbage bytes or a corrupt frame.
package rd03d

import (
	"bytes"
	"iter"
	"sync/atomic"
)

const (
	// FrameLen is the size of one report frame in bytes.
	FrameLen = 30
	// TargetsPerFrame is the number of target slots in a frame.
	TargetsPerFrame = 3
	// SlotLen is the size of one target slot in bytes.
	SlotLen = 8

	headerLen = 4
	tailLen   = 2
)

var (
	FrameHeader = []byte{0xAA, 0xFF, 0x03, 0x00}
	FrameTail   = []byte{0x55, 0xCC}
)

// RawFrame is one complete, tail-validated report frame.
type RawFrame [FrameLen]byte

// Stats counts what a Synchronizer has seen since it was created.
type Stats struct {
	Frames         uint64 `json:"frames"`
	CorruptFrames  uint64 `json:"corrupt_frames"`
	DiscardedBytes uint64 `json:"discarded_bytes"`
}

// Synchronizer locates frame boundaries in an unreliable byte stream.
// It is not safe for concurrent use; the reader loop owns it.
type Synchronizer struct {
	buf []byte

	frames    atomic.Uint64
	corrupt   atomic.Uint64
	discarded atomic.Uint64

	// OnCorrupt, if set, is called with each window dropped for a bad tail.
	OnCorrupt func(window []byte)
}

// NewSynchronizer returns an empty Synchronizer.
func NewSynchronizer() *Synchronizer {
	return &Synchronizer{buf: make([]byte, 0, 4*FrameLen)}
}

// Feed appends p to the rolling buffer and returns a sequence of the frames
// that can now be extracted. Frames are extracted lazily as the sequence is
// ranged over; if the caller stops early the remaining bytes stay buffered and
// are yielded by the next call.
func (s *Synchronizer) Feed(p []byte) iter.Seq[RawFrame] {
	s.buf = append(s.buf, p...)
	return func(yield func(RawFrame) bool) {
		for {
			f, ok := s.next()
			if !ok {
				return
			}
			if !yield(f) {
				return
			}
		}
	}
}

// Buffered reports how many bytes are held waiting for more data.
func (s *Synchronizer) Buffered() int { return len(s.buf) }

// Stats returns a snapshot of the synchronizer counters.
func (s *Synchronizer) Stats() Stats {
	return Stats{
		Frames:         s.frames.Load(),
		CorruptFrames:  s.corrupt.Load(),
		DiscardedBytes: s.discarded.Load(),
	}
}

// Reset drops any buffered bytes.
func (s *Synchronizer) Reset() {
	s.discarded.Add(uint64(len(s.buf)))
	s.buf = s.buf[:0]
}

// next extracts the next valid frame from the buffer, if any.
func (s *Synchronizer) next() (RawFrame, bool) {
	for {
		idx := bytes.Index(s.buf, FrameHeader)
		if idx < 0 {
			// a header may still be split across this read and the next
			if keep := headerLen - 1; len(s.buf) > keep {
				s.consume(len(s.buf)-keep, true)
			}
			return RawFrame{}, false
		}
		if len(s.buf)-idx < FrameLen {
			return RawFrame{}, false
		}

		var f RawFrame
		copy(f[:], s.buf[idx:idx+FrameLen])
		s.consume(idx, true)
		s.consume(FrameLen, false)

		if !bytes.Equal(f[FrameLen-tailLen:], FrameTail) {
			s.corrupt.Add(1)
			s.discarded.Add(FrameLen)
			if s.OnCorrupt != nil {
				s.OnCorrupt(f[:])
			}
			continue
		}
		s.frames.Add(1)
		return f, true
	}
}

// consume removes n bytes from the front of the buffer, reusing its storage.
func (s *Synchronizer) consume(n int, garbage bool) {
	if n <= 0 {
		return
	}
	if garbage {
		s.discarded.Add(uint64(n))
	}
	s.buf = s.buf[:copy(s.buf, s.buf[n:])]
}
