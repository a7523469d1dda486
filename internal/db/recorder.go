package db

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/banshee-data/rd03d.relay/internal/monitoring"
	"github.com/banshee-data/rd03d.relay/internal/relay"
)

var _ relay.Observer = (*Recorder)(nil)

// Recorder persists detections off the publisher goroutine. Observe never
// blocks; when the buffer is full the detection is dropped and counted.
type Recorder struct {
	db      *DB
	session string
	ch      chan relay.Detection

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
	errLog  rate.Sometimes
}

// NewRecorder returns a Recorder writing to session with room for buffer
// pending detections.
func NewRecorder(db *DB, session string, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = 64
	}
	return &Recorder{
		db:      db,
		session: session,
		ch:      make(chan relay.Detection, buffer),
		errLog:  rate.Sometimes{First: 3, Interval: time.Minute},
	}
}

func (r *Recorder) Observe(d relay.Detection) {
	select {
	case r.ch <- d:
	default:
		r.dropped.Add(1)
	}
}

// Run writes queued detections until ctx is cancelled, then flushes whatever
// is still buffered.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case d := <-r.ch:
					r.write(d)
				default:
					return nil
				}
			}
		case d := <-r.ch:
			r.write(d)
		}
	}
}

func (r *Recorder) write(d relay.Detection) {
	if _, err := r.db.RecordDetection(r.session, d); err != nil {
		r.failed.Add(1)
		r.errLog.Do(func() { monitoring.Logf("failed to record detection: %v", err) })
		return
	}
	r.written.Add(1)
}

// RecorderStats counts what happened to observed detections.
type RecorderStats struct {
	Session string `json:"session_id"`
	Written uint64 `json:"written"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
}

func (r *Recorder) Stats() RecorderStats {
	return RecorderStats{
		Session: r.session,
		Written: r.written.Load(),
		Dropped: r.dropped.Load(),
		Failed:  r.failed.Load(),
	}
}
