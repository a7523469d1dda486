package capture

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/rd03d.relay/internal/rd03d"
	"github.com/banshee-data/rd03d.relay/internal/relay"
	"github.com/banshee-data/rd03d.relay/internal/serialport"
	"github.com/banshee-data/rd03d.relay/internal/timeutil"
)

func TestWriterReader(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	var buf bytes.Buffer
	w, err := NewWriter(&buf, clock)
	require.NoError(t, err)

	require.NoError(t, w.Record([]byte{0xAA, 0xFF}))
	require.NoError(t, w.Record(nil)) // skipped
	clock.Advance(40 * time.Millisecond)
	require.NoError(t, w.Record([]byte{0x03, 0x00}))
	require.NoError(t, w.Close())
	assert.Equal(t, 2, w.Records())
	assert.ErrorIs(t, w.Record([]byte{1}), ErrClosed)

	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte(Magic)))

	r, err := NewReader(&buf)
	require.NoError(t, err)
	var got []Record
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, rec)
	}
	want := []Record{
		{Offset: 0, Data: []byte{0xAA, 0xFF}},
		{Offset: 40 * time.Millisecond, Data: []byte{0x03, 0x00}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
}

func TestNewReader_BadMagic(t *testing.T) {
	_, err := NewReader(bytes.NewReader([]byte("NOTACAPFILE")))
	assert.ErrorIs(t, err, ErrBadMagic)

	_, err = NewReader(bytes.NewReader([]byte("RD0")))
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestTeeThenReplay(t *testing.T) {
	port := serialport.NewTestableSerialPort()
	require.NoError(t, port.SetReadTimeout(time.Millisecond))
	port.MaxReadSize = 11

	a, b := rd03d.BuildFrame(rd03d.Target{XMM: 200, YMM: 1500}), rd03d.BuildFrame()
	frames := append(a[:], b[:]...)
	port.AddReadData(frames)

	var buf bytes.Buffer
	w, err := NewWriter(&buf, nil)
	require.NoError(t, err)
	tee := Tee(port, w)

	var read []byte
	chunk := make([]byte, 64)
	for len(read) < len(frames) {
		n, err := tee.Read(chunk)
		require.NoError(t, err)
		read = append(read, chunk[:n]...)
	}
	require.NoError(t, tee.Close())
	assert.True(t, port.Closed())
	assert.Equal(t, 6, w.Records(), "60 bytes in reads of at most 11")

	replay, err := NewReplayPort(&buf)
	require.NoError(t, err)
	replayed, err := io.ReadAll(replay)
	require.NoError(t, err)
	assert.Equal(t, frames, replayed)

	n, err := replay.Read(chunk)
	assert.Zero(t, n)
	assert.ErrorIs(t, err, io.EOF)

	n, err = replay.Write([]byte{1, 2, 3})
	assert.Equal(t, 3, n)
	assert.NoError(t, err)
}

func TestReplayPort_SmallReadsSplitRecords(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, nil)
	require.NoError(t, err)
	require.NoError(t, w.Record([]byte{1, 2, 3, 4, 5}))
	require.NoError(t, w.Close())

	replay, err := NewReplayPort(&buf)
	require.NoError(t, err)
	b := make([]byte, 2)
	var got []byte
	for {
		n, err := replay.Read(b)
		got = append(got, b[:n]...)
		if err != nil {
			assert.ErrorIs(t, err, io.EOF)
			break
		}
	}
	assert.Equal(t, []byte{1, 2, 3, 4, 5}, got)
}

func TestReplayPort_Pace(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	var buf bytes.Buffer
	w, err := NewWriter(&buf, clock)
	require.NoError(t, err)
	require.NoError(t, w.Record([]byte{1}))
	clock.Advance(100 * time.Millisecond)
	require.NoError(t, w.Record([]byte{2}))
	require.NoError(t, w.Close())

	replay, err := NewReplayPort(&buf)
	require.NoError(t, err)
	replay.Pace = true
	replay.Clock = clock

	b := make([]byte, 8)
	n, err := replay.Read(b)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	done := make(chan byte, 1)
	go func() {
		defer close(done)
		for {
			n, err := replay.Read(b)
			if err != nil {
				return
			}
			if n == 1 {
				done <- b[0]
				return
			}
		}
	}()

	require.Eventually(t, func() bool { return clock.Waiters() == 1 }, time.Second, time.Millisecond)
	select {
	case <-done:
		t.Fatal("second record delivered before its offset")
	default:
	}
	clock.Advance(100 * time.Millisecond)
	select {
	case v := <-done:
		assert.Equal(t, byte(2), v)
	case <-time.After(time.Second):
		t.Fatal("paced read did not complete")
	}
}

// writeGapCapture records two frames ten minutes apart.
func writeGapCapture(t *testing.T) *bytes.Buffer {
	t.Helper()
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	var buf bytes.Buffer
	w, err := NewWriter(&buf, clock)
	require.NoError(t, err)
	a := rd03d.BuildFrame(rd03d.Target{XMM: 0, YMM: 1000})
	require.NoError(t, w.Record(a[:]))
	clock.Advance(10 * time.Minute)
	b := rd03d.BuildFrame(rd03d.Target{XMM: 0, YMM: 2000})
	require.NoError(t, w.Record(b[:]))
	require.NoError(t, w.Close())
	return &buf
}

func TestReplayPort_PaceWaitIsBounded(t *testing.T) {
	replay, err := NewReplayPort(writeGapCapture(t))
	require.NoError(t, err)
	replay.Pace = true
	replay.MaxWait = 5 * time.Millisecond

	b := make([]byte, 64)
	n, err := replay.Read(b)
	require.NoError(t, err)
	require.Equal(t, rd03d.FrameLen, n)

	start := time.Now()
	n, err = replay.Read(b)
	require.NoError(t, err)
	assert.Zero(t, n, "record is not due yet")
	assert.Less(t, time.Since(start), time.Second)
}

func TestReplayPort_CloseInterruptsPacedRead(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	replay, err := NewReplayPort(writeGapCapture(t))
	require.NoError(t, err)
	replay.Pace = true
	replay.Clock = clock
	replay.MaxWait = time.Hour

	b := make([]byte, 64)
	_, err = replay.Read(b)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := replay.Read(b)
		done <- err
	}()
	require.Eventually(t, func() bool { return clock.Waiters() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, replay.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Close did not interrupt the paced read")
	}
	_, err = replay.Read(b)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReplayPort_ReadLoopStopsDuringGap(t *testing.T) {
	replay, err := NewReplayPort(writeGapCapture(t))
	require.NoError(t, err)
	replay.Pace = true
	replay.MaxWait = 5 * time.Millisecond

	r := relay.New(replay, relay.Discard{}, relay.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.ReadLoop(ctx) }()

	require.Eventually(t, func() bool { return r.Stats().Batches == 1 }, time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("ReadLoop did not stop during a recorded gap")
	}
	assert.Equal(t, uint64(1), r.Stats().Batches)
}

func TestCreateAndOpenReplay(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "captures")
	w, name, err := Create(dir, "rd03d")
	require.NoError(t, err)
	assert.Equal(t, ".cap", filepath.Ext(name))
	require.NoError(t, w.Record([]byte{9, 9}))
	require.NoError(t, w.Close())

	info, err := os.Stat(name)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(len(Magic)))

	replay, err := OpenReplay(name, false)
	require.NoError(t, err)
	got, err := io.ReadAll(replay)
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 9}, got)
	require.NoError(t, replay.Close())

	_, err = OpenReplay(filepath.Join(dir, "missing.cap"), false)
	assert.Error(t, err)
}
