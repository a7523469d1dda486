package serialport

import (
	"bytes"
	"errors"
	"sync"
	"time"
)

// ErrPortClosed is returned by TestableSerialPort after Close.
var ErrPortClosed = errors.New("serial port closed")

// TestableSerialPort implements TimeoutSerialPorter with configurable
// behaviour for testing. When no data is buffered a Read waits for the read
// timeout and returns (0, nil), the way a real port configured with
// SetReadTimeout does.
type TestableSerialPort struct {
	mu   sync.Mutex
	cond *sync.Cond

	readBuf  bytes.Buffer
	writeBuf bytes.Buffer

	// ReadErrors are returned, one per call, before any buffered data.
	ReadErrors []error

	// MaxReadSize limits how many bytes a single Read returns. Zero means
	// the caller's buffer size.
	MaxReadSize int

	// CloseError is returned by Close if set
	CloseError error

	readTimeout time.Duration
	closed      bool
	readCalls   int
}

// NewTestableSerialPort creates a new TestableSerialPort for testing.
func NewTestableSerialPort() *TestableSerialPort {
	p := &TestableSerialPort{readTimeout: 10 * time.Millisecond}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Read returns buffered data, a queued error, or (0, nil) after the read
// timeout.
func (p *TestableSerialPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.readCalls++
	if p.closed {
		return 0, ErrPortClosed
	}
	if len(p.ReadErrors) > 0 {
		err := p.ReadErrors[0]
		p.ReadErrors = p.ReadErrors[1:]
		return 0, err
	}

	if p.readBuf.Len() == 0 {
		deadline := time.Now().Add(p.readTimeout)
		timer := time.AfterFunc(p.readTimeout, func() {
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		})
		for p.readBuf.Len() == 0 && !p.closed && time.Now().Before(deadline) {
			p.cond.Wait()
		}
		timer.Stop()
		if p.closed {
			return 0, ErrPortClosed
		}
	}

	if p.MaxReadSize > 0 && len(b) > p.MaxReadSize {
		b = b[:p.MaxReadSize]
	}
	n, _ := p.readBuf.Read(b)
	return n, nil
}

// Write captures data written to the port.
func (p *TestableSerialPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrPortClosed
	}
	return p.writeBuf.Write(b)
}

// Close marks the port as closed and wakes any blocked reader.
func (p *TestableSerialPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
	return p.CloseError
}

// SetReadTimeout implements TimeoutSerialPorter.
func (p *TestableSerialPort) SetReadTimeout(timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readTimeout = timeout
	return nil
}

// AddReadData adds data to be returned by subsequent Read calls.
func (p *TestableSerialPort) AddReadData(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readBuf.Write(data)
	p.cond.Broadcast()
}

// Pending returns the number of bytes not yet read.
func (p *TestableSerialPort) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readBuf.Len()
}

// ReadCalls returns the number of Read calls so far.
func (p *TestableSerialPort) ReadCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readCalls
}

// Closed reports whether Close has been called.
func (p *TestableSerialPort) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// WrittenData returns a copy of everything written to the port.
func (p *TestableSerialPort) WrittenData() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return bytes.Clone(p.writeBuf.Bytes())
}
