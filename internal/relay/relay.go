// Package relay moves radar detections from the serial reader to a
// subscriber. A reader goroutine decodes frames into target batches and hands
// them to a bounded latest-wins queue; a publisher goroutine wakes at a fixed
// rate, takes the newest batch and publishes the closest target. Neither side
// ever waits for the other.
package relay

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/banshee-data/rd03d.relay/internal/classify"
	"github.com/banshee-data/rd03d.relay/internal/monitoring"
	"github.com/banshee-data/rd03d.relay/internal/rd03d"
	"github.com/banshee-data/rd03d.relay/internal/timeutil"
)

// Command bytes accepted by HandleCommand.
const (
	CmdResetTracking  byte = 0x01
	CmdResetTimestamp byte = 0x02
)

const (
	DefaultPublishInterval = 50 * time.Millisecond
	DefaultRetryBackoff    = 100 * time.Millisecond
	DefaultReadChunk       = 64
)

// Publisher delivers an encoded packet to the remote subscriber.
type Publisher interface {
	Publish(packet []byte) error
}

// Control is the subscriber-facing side of the relay. Transports call it when
// a subscriber arrives or leaves and when a command is received.
type Control interface {
	SetActive(active bool)
	HandleCommand(cmd []byte)
}

// Observer is notified of every published detection. Observe is called on the
// publisher goroutine and must not block.
type Observer interface {
	Observe(Detection)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Detection)

func (f ObserverFunc) Observe(d Detection) { f(d) }

// Detection is a published target along with how it was classified and
// encoded.
type Detection struct {
	Time   time.Time       `json:"time"`
	Target rd03d.Target    `json:"target"`
	Result classify.Result `json:"classification"`
	Packet classify.Packet `json:"packet"`
}

// Options tunes the relay loops. Zero values take the defaults.
type Options struct {
	QueueCapacity   int
	PublishInterval time.Duration
	RetryBackoff    time.Duration
	ReadChunk       int
	Encoder         classify.Encoder
	Clock           timeutil.Clock
}

func (o Options) withDefaults() Options {
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = DefaultQueueCapacity
	}
	if o.PublishInterval <= 0 {
		o.PublishInterval = DefaultPublishInterval
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = DefaultRetryBackoff
	}
	if o.ReadChunk <= 0 {
		o.ReadChunk = DefaultReadChunk
	}
	if o.Encoder == (classify.Encoder{}) {
		o.Encoder = classify.NewEncoder()
	}
	if o.Clock == nil {
		o.Clock = timeutil.RealClock{}
	}
	return o
}

// Stats is a snapshot of relay counters for the debug endpoints.
type Stats struct {
	Active        bool        `json:"active"`
	Sync          rd03d.Stats `json:"sync"`
	Batches       uint64      `json:"batches"`
	Evicted       uint64      `json:"evicted"`
	Queued        int         `json:"queued"`
	Published     uint64      `json:"published"`
	PublishErrors uint64      `json:"publish_errors"`
	ReadErrors    uint64      `json:"read_errors"`
	TimestampBase time.Time   `json:"timestamp_base"`
}

// Relay couples a serial reader to a Publisher.
type Relay struct {
	port   io.Reader
	pub    Publisher
	opts   Options
	frames *rd03d.Synchronizer
	queue  *Queue

	active atomic.Bool

	batches    atomic.Uint64
	published  atomic.Uint64
	pubErrors  atomic.Uint64
	readErrors atomic.Uint64

	observersMu sync.Mutex
	observers   []Observer

	// legacy tracker state; only the reset commands touch it
	trackerMu     sync.Mutex
	tracker       map[int]rd03d.Target
	nextObjectID  int
	timestampBase time.Time

	errLog     rate.Sometimes
	corruptLog rate.Sometimes
}

// New creates a relay that reads frames from port and publishes to pub. A nil
// pub discards packets until SetPublisher is called. The relay starts Idle.
func New(port io.Reader, pub Publisher, opts Options) *Relay {
	opts = opts.withDefaults()
	if pub == nil {
		pub = Discard{}
	}
	r := &Relay{
		port:          port,
		pub:           pub,
		opts:          opts,
		frames:        rd03d.NewSynchronizer(),
		queue:         NewQueue(opts.QueueCapacity),
		tracker:       make(map[int]rd03d.Target),
		nextObjectID:  1,
		timestampBase: opts.Clock.Now(),
		errLog:        rate.Sometimes{First: 3, Interval: 10 * time.Second},
		corruptLog:    rate.Sometimes{First: 1, Interval: 30 * time.Second},
	}
	r.frames.OnCorrupt = func(window []byte) {
		r.corruptLog.Do(func() {
			monitoring.Logf("dropped corrupt radar frame (tail %x); resynchronising", window[len(window)-2:])
		})
	}
	return r
}

// SetPublisher replaces the publisher. Transports that need the relay as
// their Control are constructed after it and bound here, before PublishLoop
// starts.
func (r *Relay) SetPublisher(pub Publisher) {
	r.pub = pub
}

// AddObserver registers o to be notified of published detections.
func (r *Relay) AddObserver(o Observer) {
	r.observersMu.Lock()
	defer r.observersMu.Unlock()
	r.observers = append(r.observers, o)
}

// SetActive switches between Idle (no subscriber) and Active. Batches queued
// while Idle are discarded on activation so a new subscriber never receives
// data older than its subscription.
func (r *Relay) SetActive(active bool) {
	if r.active.Swap(active) == active {
		return
	}
	if active {
		if _, stale := r.queue.Drain(); stale {
			monitoring.Debugf("discarded detections queued while idle")
		}
		monitoring.Logf("subscriber attached; notifications enabled")
	} else {
		monitoring.Logf("subscriber detached; notifications disabled")
	}
}

// Active reports whether a subscriber is attached.
func (r *Relay) Active() bool { return r.active.Load() }

// HandleCommand applies a command received from the subscriber. Neither
// command affects relay decisions: no tracking state survives beyond the
// current batch, so both only reset inert legacy state.
func (r *Relay) HandleCommand(cmd []byte) {
	if len(cmd) == 0 {
		return
	}
	switch cmd[0] {
	case CmdResetTracking:
		r.trackerMu.Lock()
		clear(r.tracker)
		r.nextObjectID = 1
		r.trackerMu.Unlock()
		monitoring.Logf("reset object tracking")
	case CmdResetTimestamp:
		r.trackerMu.Lock()
		r.timestampBase = r.opts.Clock.Now()
		r.trackerMu.Unlock()
		monitoring.Logf("reset timestamp base")
	default:
		monitoring.Debugf("ignoring unknown command %#02x", cmd[0])
	}
}

// ReadLoop reads the serial port until ctx is cancelled, queueing each
// non-empty batch of targets. Read errors are logged and retried after a
// backoff; io.EOF ends the loop without error.
func (r *Relay) ReadLoop(ctx context.Context) error {
	buf := make([]byte, r.opts.ReadChunk)
	for {
		if ctx.Err() != nil {
			return nil
		}

		n, err := r.port.Read(buf)
		if n > 0 {
			for f := range r.frames.Feed(buf[:n]) {
				if targets := f.Targets(); len(targets) > 0 {
					r.batches.Add(1)
					r.queue.Push(targets)
				}
			}
		}

		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			monitoring.Logf("radar stream ended")
			return nil
		default:
			r.readErrors.Add(1)
			r.errLog.Do(func() { monitoring.Logf("serial read error: %v", err) })
			select {
			case <-ctx.Done():
				return nil
			case <-r.opts.Clock.After(r.opts.RetryBackoff):
			}
		}
	}
}

// PublishLoop calls Tick every publish interval until ctx is cancelled.
func (r *Relay) PublishLoop(ctx context.Context) error {
	t := r.opts.Clock.NewTicker(r.opts.PublishInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C():
			r.Tick()
		}
	}
}

// Tick performs one publish step: while Active it takes the newest queued
// batch and publishes its closest target. It reports the detection sent, if
// any.
func (r *Relay) Tick() (Detection, bool) {
	if !r.active.Load() {
		return Detection{}, false
	}
	batch, ok := r.queue.Drain()
	if !ok || len(batch) == 0 {
		return Detection{}, false
	}

	t := Closest(batch)
	d := Detection{
		Time:   r.opts.Clock.Now(),
		Target: t,
		Result: classify.Classify(t),
		Packet: r.opts.Encoder.Encode(t),
	}
	b, err := d.Packet.MarshalBinary()
	if err == nil {
		err = r.pub.Publish(b)
	}
	if err != nil {
		r.pubErrors.Add(1)
		r.errLog.Do(func() { monitoring.Logf("publish failed: %v", err) })
		return Detection{}, false
	}
	r.published.Add(1)

	monitoring.Debugf("sent detection: x=%.2fm, y=%.2fm, depth=%.2fm, snr=%.1fdB, type=%s",
		float64(t.XMM)/1000, float64(t.YMM)/1000, t.RangeM(), d.Packet.SignalQuality, d.Packet.Type)

	r.observersMu.Lock()
	for _, o := range r.observers {
		o.Observe(d)
	}
	r.observersMu.Unlock()
	return d, true
}

// Closest returns the target with the smallest range, preferring the lower
// slot on ties. batch must not be empty.
func Closest(batch []rd03d.Target) rd03d.Target {
	return slices.MinFunc(batch, func(a, b rd03d.Target) int {
		return cmp.Or(cmp.Compare(a.RangeMM, b.RangeMM), cmp.Compare(a.Slot, b.Slot))
	})
}

// Stats returns a snapshot of the relay counters.
func (r *Relay) Stats() Stats {
	r.trackerMu.Lock()
	base := r.timestampBase
	r.trackerMu.Unlock()
	return Stats{
		Active:        r.Active(),
		Sync:          r.frames.Stats(),
		Batches:       r.batches.Load(),
		Evicted:       r.queue.Evicted(),
		Queued:        r.queue.Len(),
		Published:     r.published.Load(),
		PublishErrors: r.pubErrors.Load(),
		ReadErrors:    r.readErrors.Load(),
		TimestampBase: base,
	}
}

// String describes the relay for startup logs.
func (r *Relay) String() string {
	return fmt.Sprintf("relay(queue=%d, interval=%s, scale=%.1f, clamp=±%.1fm)",
		r.opts.QueueCapacity, r.opts.PublishInterval, r.opts.Encoder.PositionScale, r.opts.Encoder.MaxPositionM)
}

// Discard is a Publisher that drops every packet.
type Discard struct{}

func (Discard) Publish([]byte) error { return nil }
