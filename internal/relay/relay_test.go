package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/rd03d.relay/internal/classify"
	"github.com/banshee-data/rd03d.relay/internal/monitoring"
	"github.com/banshee-data/rd03d.relay/internal/rd03d"
	"github.com/banshee-data/rd03d.relay/internal/serialport"
	"github.com/banshee-data/rd03d.relay/internal/timeutil"
)

// recordingPublisher captures published packets.
type recordingPublisher struct {
	mu      sync.Mutex
	packets [][]byte
	err     error
}

func (p *recordingPublisher) Publish(b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.packets = append(p.packets, append([]byte(nil), b...))
	return nil
}

func (p *recordingPublisher) Packets() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.packets...)
}

func quietLogs(t *testing.T) {
	t.Helper()
	orig := monitoring.Logf
	monitoring.SetLogger(t.Logf)
	t.Cleanup(func() { monitoring.Logf = orig })
}

func decodePacket(t *testing.T, b []byte) classify.Packet {
	t.Helper()
	var p classify.Packet
	require.NoError(t, p.UnmarshalBinary(b))
	return p
}

func TestClosest(t *testing.T) {
	b := []rd03d.Target{
		{Slot: 1, RangeMM: 3000},
		{Slot: 2, RangeMM: 1200},
		{Slot: 3, RangeMM: 1200},
	}
	assert.Equal(t, 2, Closest(b).Slot)

	b = []rd03d.Target{{Slot: 3, RangeMM: 900}, {Slot: 1, RangeMM: 900}}
	assert.Equal(t, 1, Closest(b).Slot, "ties break on lower slot")
}

func TestTick_IdlePublishesNothing(t *testing.T) {
	quietLogs(t)
	pub := &recordingPublisher{}
	r := New(nil, pub, Options{})

	r.queue.Push([]rd03d.Target{{Slot: 1, YMM: 2000, RangeMM: 2000}})
	_, sent := r.Tick()
	assert.False(t, sent)
	assert.Empty(t, pub.Packets())
	assert.Equal(t, 1, r.queue.Len(), "idle ticks leave the queue alone")
}

func TestSetActive_DiscardsBatchesQueuedWhileIdle(t *testing.T) {
	quietLogs(t)
	pub := &recordingPublisher{}
	r := New(nil, pub, Options{})

	r.queue.Push([]rd03d.Target{{Slot: 1, YMM: 2000, RangeMM: 2000}})
	r.SetActive(true)
	assert.Zero(t, r.queue.Len())
	_, sent := r.Tick()
	assert.False(t, sent, "nothing fresh since the subscriber attached")

	r.queue.Push([]rd03d.Target{{Slot: 2, YMM: 1000, RangeMM: 1000}})
	d, sent := r.Tick()
	require.True(t, sent)
	assert.Equal(t, 2, d.Target.Slot)
	assert.Len(t, pub.Packets(), 1)
}

func TestTick_EmptyQueuePublishesNothing(t *testing.T) {
	quietLogs(t)
	pub := &recordingPublisher{}
	r := New(nil, pub, Options{})
	r.SetActive(true)

	_, sent := r.Tick()
	assert.False(t, sent)
	assert.Empty(t, pub.Packets())
}

func TestTick_UsesNewestBatchAndClosestTarget(t *testing.T) {
	quietLogs(t)
	pub := &recordingPublisher{}
	r := New(nil, pub, Options{})
	r.SetActive(true)

	r.queue.Push([]rd03d.Target{{Slot: 1, XMM: 0, YMM: 500, RangeMM: 500}})
	r.queue.Push([]rd03d.Target{
		{Slot: 1, XMM: 0, YMM: 6000, RangeMM: 6000, SpeedCMS: 30},
		{Slot: 2, XMM: 1000, YMM: 2000, RangeMM: 2236, SpeedCMS: 50},
		{Slot: 3, XMM: -3000, YMM: 4000, RangeMM: 5000},
	})

	d, sent := r.Tick()
	require.True(t, sent)
	assert.Equal(t, 2, d.Target.Slot)
	assert.Equal(t, classify.Person, d.Result.Type)

	packets := pub.Packets()
	require.Len(t, packets, 1)
	p := decodePacket(t, packets[0])
	assert.Equal(t, d.Packet, p)
	assert.InDelta(t, 3.0, p.VisualX, 1e-6)
	assert.InDelta(t, 6.0, p.VisualY, 1e-6)
	assert.InDelta(t, 2.236, p.Depth, 1e-6)

	// the queue is drained; the next tick has nothing to send
	_, sent = r.Tick()
	assert.False(t, sent)
	assert.Len(t, pub.Packets(), 1)
}

func TestTick_PublishErrorIsCounted(t *testing.T) {
	quietLogs(t)
	pub := &recordingPublisher{err: errors.New("link down")}
	r := New(nil, pub, Options{})
	r.SetActive(true)
	r.queue.Push([]rd03d.Target{{Slot: 1, YMM: 1000, RangeMM: 1000}})

	_, sent := r.Tick()
	assert.False(t, sent)
	assert.Equal(t, uint64(1), r.Stats().PublishErrors)
}

func TestTick_NotifiesObservers(t *testing.T) {
	quietLogs(t)
	r := New(nil, Discard{}, Options{})
	r.SetActive(true)

	var seen []Detection
	r.AddObserver(ObserverFunc(func(d Detection) { seen = append(seen, d) }))

	r.queue.Push([]rd03d.Target{{Slot: 1, YMM: 300, RangeMM: 300}})
	r.Tick()

	require.Len(t, seen, 1)
	assert.Equal(t, classify.Ghost, seen[0].Result.Type)
	assert.InDelta(t, 0.2, seen[0].Result.Confidence, 1e-9)
}

func TestSetActive_Transitions(t *testing.T) {
	quietLogs(t)
	r := New(nil, Discard{}, Options{})
	assert.False(t, r.Active())
	r.SetActive(true)
	r.SetActive(true)
	assert.True(t, r.Active())
	r.SetActive(false)
	assert.False(t, r.Active())
}

func TestHandleCommand(t *testing.T) {
	quietLogs(t)
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := timeutil.NewMockClock(start)
	r := New(nil, Discard{}, Options{Clock: clock})

	r.tracker[1] = rd03d.Target{Slot: 1}
	r.nextObjectID = 7
	r.HandleCommand([]byte{CmdResetTracking})
	assert.Empty(t, r.tracker)
	assert.Equal(t, 1, r.nextObjectID)

	clock.Advance(time.Minute)
	r.HandleCommand([]byte{CmdResetTimestamp, 0xFF})
	assert.Equal(t, start.Add(time.Minute), r.Stats().TimestampBase)

	// ignored
	r.HandleCommand(nil)
	r.HandleCommand([]byte{0x7F})
	assert.Equal(t, start.Add(time.Minute), r.Stats().TimestampBase)
}

func TestReadLoop_QueuesBatches(t *testing.T) {
	quietLogs(t)
	port := serialport.NewTestableSerialPort()
	require.NoError(t, port.SetReadTimeout(2*time.Millisecond))
	port.MaxReadSize = 7

	empty := rd03d.BuildFrame()
	a := rd03d.BuildFrame(rd03d.Target{XMM: 100, YMM: 900})
	b := rd03d.BuildFrame(rd03d.Target{XMM: 0, YMM: 1500}, rd03d.Target{XMM: 0, YMM: 1000})
	port.AddReadData(append(append(append([]byte{0x13, 0x37}, a[:]...), empty[:]...), b[:]...))

	r := New(port, Discard{}, Options{ReadChunk: 16})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.ReadLoop(ctx) }()

	require.Eventually(t, func() bool { return r.Stats().Batches == 2 }, time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reader did not stop on cancellation")
	}

	st := r.Stats()
	assert.Equal(t, uint64(3), st.Sync.Frames)
	assert.Equal(t, 2, st.Queued)

	batch, ok := r.queue.Drain()
	require.True(t, ok)
	require.Len(t, batch, 2)
	assert.Equal(t, uint(1000), Closest(batch).RangeMM)
}

func TestReadLoop_RetriesTransientErrors(t *testing.T) {
	quietLogs(t)
	port := serialport.NewTestableSerialPort()
	require.NoError(t, port.SetReadTimeout(2*time.Millisecond))
	port.ReadErrors = []error{errors.New("device busy"), errors.New("device busy")}
	f := rd03d.BuildFrame(rd03d.Target{XMM: 1, YMM: 800})
	port.AddReadData(f[:])

	r := New(port, Discard{}, Options{RetryBackoff: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.ReadLoop(ctx) }()

	require.Eventually(t, func() bool { return r.Stats().Batches == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, uint64(2), r.Stats().ReadErrors)
	cancel()
	require.NoError(t, <-done)
}

func TestPublishLoop_Ticks(t *testing.T) {
	quietLogs(t)
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	pub := &recordingPublisher{}
	r := New(nil, pub, Options{Clock: clock})
	r.SetActive(true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.PublishLoop(ctx) }()
	require.Eventually(t, func() bool { return clock.Tickers() == 1 }, time.Second, time.Millisecond)

	r.queue.Push([]rd03d.Target{{Slot: 1, YMM: 2000, RangeMM: 2000}})
	clock.Advance(DefaultPublishInterval)
	require.Eventually(t, func() bool { return len(pub.Packets()) == 1 }, time.Second, time.Millisecond)

	// a tick with nothing queued sends nothing
	clock.Advance(DefaultPublishInterval)
	time.Sleep(10 * time.Millisecond)
	assert.Len(t, pub.Packets(), 1)

	cancel()
	require.NoError(t, <-done)
}

func TestReaderAndPublisherEndToEnd(t *testing.T) {
	quietLogs(t)
	port := serialport.NewTestableSerialPort()
	require.NoError(t, port.SetReadTimeout(2*time.Millisecond))
	pub := &recordingPublisher{}
	r := New(port, pub, Options{PublishInterval: 5 * time.Millisecond})
	r.SetActive(true)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); r.ReadLoop(ctx) }()
	go func() { defer wg.Done(); r.PublishLoop(ctx) }()

	f := rd03d.BuildFrame(rd03d.Target{XMM: 3000, YMM: 4000, SpeedCMS: 60, GateMM: 360})
	port.AddReadData(f[:])

	require.Eventually(t, func() bool { return len(pub.Packets()) > 0 }, time.Second, time.Millisecond)
	cancel()
	wg.Wait()

	p := decodePacket(t, pub.Packets()[0])
	assert.InDelta(t, 5.0, p.Depth, 1e-6)
	assert.Equal(t, float32(9.0), p.VisualX)
	assert.Equal(t, float32(10.0), p.VisualY)
	assert.Equal(t, classify.Person, p.Type)
}

func TestSetPublisher(t *testing.T) {
	quietLogs(t)
	r := New(nil, nil, Options{})
	r.SetActive(true)
	r.queue.Push([]rd03d.Target{{Slot: 1, YMM: 2000, RangeMM: 2000}})
	_, sent := r.Tick()
	assert.True(t, sent, "nil publisher discards")

	pub := &recordingPublisher{}
	r.SetPublisher(pub)
	r.queue.Push([]rd03d.Target{{Slot: 1, YMM: 2000, RangeMM: 2000}})
	_, sent = r.Tick()
	assert.True(t, sent)
	assert.Len(t, pub.Packets(), 1)
}
