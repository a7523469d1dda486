package capture

import (
	"cmp"
	"io"
	"os"
	"sync"
	"time"

	"github.com/banshee-data/rd03d.relay/internal/serialport"
	"github.com/banshee-data/rd03d.relay/internal/timeutil"
)

var _ serialport.SerialPorter = (*ReplayPort)(nil)

// DefaultMaxWait bounds how long a paced Read blocks, like a serial read
// timeout.
const DefaultMaxWait = 50 * time.Millisecond

// ReplayPort serves a capture as a serial port. Reads return recorded bytes
// in order and io.EOF once the capture is exhausted. Writes are discarded.
type ReplayPort struct {
	mu      sync.Mutex
	r       *Reader
	c       io.Closer
	pending []byte
	eof     bool

	// Pace, when set, delays each record until its recorded offset has
	// elapsed on Clock since the first Read. A Read waits at most MaxWait
	// and returns (0, nil) if the record is not yet due.
	Pace    bool
	Clock   timeutil.Clock
	MaxWait time.Duration
	last    Record
	begun   bool
	due     time.Time
	closed  chan struct{}
}

// NewReplayPort replays the capture stream r. If r is an io.Closer it is
// closed by Close.
func NewReplayPort(r io.Reader) (*ReplayPort, error) {
	cr, err := NewReader(r)
	if err != nil {
		return nil, err
	}
	p := &ReplayPort{
		r:       cr,
		Clock:   timeutil.RealClock{},
		MaxWait: DefaultMaxWait,
		closed:  make(chan struct{}),
	}
	if c, ok := r.(io.Closer); ok {
		p.c = c
	}
	return p, nil
}

// OpenReplay opens the capture file at path for replay.
func OpenReplay(path string, pace bool) (*ReplayPort, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	p, err := NewReplayPort(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	p.Pace = pace
	return p, nil
}

func (p *ReplayPort) Read(b []byte) (int, error) {
	p.mu.Lock()

	if len(p.pending) == 0 {
		if p.eof {
			p.mu.Unlock()
			return 0, io.EOF
		}
		rec, err := p.r.Next()
		if err != nil {
			p.eof = true
			p.mu.Unlock()
			return 0, err
		}
		p.due = time.Time{}
		if p.Pace && p.begun {
			if wait := rec.Offset - p.last.Offset; wait > 0 {
				p.due = p.Clock.Now().Add(wait)
			}
		}
		p.begun = true
		p.last = rec
		p.pending = rec.Data
	}

	if !p.due.IsZero() {
		if wait := p.due.Sub(p.Clock.Now()); wait > 0 {
			wait = min(wait, cmp.Or(p.MaxWait, DefaultMaxWait))
			p.mu.Unlock()
			select {
			case <-p.Clock.After(wait):
			case <-p.closed:
			}
			return 0, nil
		}
	}

	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	p.mu.Unlock()
	return n, nil
}

func (p *ReplayPort) Write(b []byte) (int, error) { return len(b), nil }

func (p *ReplayPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.eof = true
	p.pending = nil
	select {
	case <-p.closed:
	default:
		close(p.closed)
	}
	if p.c != nil {
		c := p.c
		p.c = nil
		return c.Close()
	}
	return nil
}
