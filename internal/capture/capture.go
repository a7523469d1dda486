// Package capture records raw radar serial bytes to disk and replays them as
// if they came from the sensor.
//
// A capture file is the 8-byte magic "RD03DCAP" followed by a stream of CBOR
// records, one per serial read. Each record holds the read offset from the
// start of the capture and the bytes returned by that read.
package capture

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/banshee-data/rd03d.relay/internal/serialport"
	"github.com/banshee-data/rd03d.relay/internal/timeutil"
)

const Magic = "RD03DCAP"

var (
	ErrBadMagic = errors.New("not a radar capture file")
	ErrClosed   = errors.New("capture writer is closed")
)

// Record is one serial read.
type Record struct {
	Offset time.Duration `cbor:"1,keyasint"`
	Data   []byte        `cbor:"2,keyasint"`
}

// Writer appends records to a capture stream. It is safe for concurrent use.
type Writer struct {
	mu    sync.Mutex
	c     io.Closer
	w     *bufio.Writer
	enc   *cbor.Encoder
	clock timeutil.Clock
	start time.Time
	n     int
}

// NewWriter writes the capture header to w and returns a Writer. If w is an
// io.Closer it is closed by Close.
func NewWriter(w io.Writer, clock timeutil.Clock) (*Writer, error) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	bw := bufio.NewWriterSize(w, 64*1024)
	if _, err := bw.WriteString(Magic); err != nil {
		return nil, err
	}
	if err := bw.Flush(); err != nil {
		return nil, err
	}
	cw := &Writer{
		w:     bw,
		enc:   cbor.NewEncoder(bw),
		clock: clock,
		start: clock.Now(),
	}
	if c, ok := w.(io.Closer); ok {
		cw.c = c
	}
	return cw, nil
}

// Create opens a new timestamped capture file in dir.
func Create(dir, prefix string) (*Writer, string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", err
	}
	name := filepath.Join(dir, fmt.Sprintf("%s_%s.cap", time.Now().Format("20060102_150405"), prefix))
	f, err := os.Create(name)
	if err != nil {
		return nil, "", err
	}
	w, err := NewWriter(f, nil)
	if err != nil {
		_ = f.Close()
		return nil, "", err
	}
	return w, name, nil
}

// Record appends one read. Empty reads are skipped.
func (w *Writer) Record(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.w == nil {
		return ErrClosed
	}
	rec := Record{Offset: w.clock.Now().Sub(w.start), Data: data}
	if err := w.enc.Encode(rec); err != nil {
		return err
	}
	w.n++
	return w.w.Flush()
}

// Records returns how many records have been written.
func (w *Writer) Records() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.n
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.w == nil {
		return nil
	}
	err := w.w.Flush()
	w.w = nil
	if w.c != nil {
		err = errors.Join(err, w.c.Close())
	}
	return err
}

// Reader decodes records from a capture stream.
type Reader struct {
	dec *cbor.Decoder
}

// NewReader checks the capture header and returns a Reader positioned at the
// first record.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReader(r)
	header := make([]byte, len(Magic))
	if _, err := io.ReadFull(br, header); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrBadMagic
		}
		return nil, err
	}
	if string(header) != Magic {
		return nil, fmt.Errorf("%w: header %q", ErrBadMagic, header)
	}
	return &Reader{dec: cbor.NewDecoder(br)}, nil
}

// Next returns the next record, or io.EOF after the last one.
func (r *Reader) Next() (Record, error) {
	var rec Record
	if err := r.dec.Decode(&rec); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Record{}, io.EOF // truncated final record
		}
		return Record{}, err
	}
	return rec, nil
}

// TeePort wraps a serial port so that every byte read is also recorded.
type TeePort struct {
	serialport.SerialPorter
	w *Writer
}

// Tee returns a port that records reads from p into w.
func Tee(p serialport.SerialPorter, w *Writer) *TeePort {
	return &TeePort{SerialPorter: p, w: w}
}

func (t *TeePort) Read(b []byte) (int, error) {
	n, err := t.SerialPorter.Read(b)
	if n > 0 {
		if werr := t.w.Record(b[:n]); werr != nil {
			return n, errors.Join(err, fmt.Errorf("record capture: %w", werr))
		}
	}
	return n, err
}

// Close closes the underlying port and then the capture writer.
func (t *TeePort) Close() error {
	return errors.Join(t.SerialPorter.Close(), t.w.Close())
}
