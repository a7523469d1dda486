package serialport

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// Open opens a real serial port at path and applies a read timeout so that
// reads return (0, nil) when no bytes arrive within readTimeout.
func Open(path string, opts PortOptions, readTimeout time.Duration) (serial.Port, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", path, err)
	}

	if readTimeout > 0 {
		if err := port.SetReadTimeout(readTimeout); err != nil {
			port.Close()
			return nil, fmt.Errorf("set read timeout on %s: %w", path, err)
		}
	}
	return port, nil
}

// Opener returns a SerialPortOpener that opens real ports with the given read
// timeout.
func Opener(readTimeout time.Duration) SerialPortOpener {
	return func(path string, opts PortOptions) (SerialPorter, error) {
		return Open(path, opts, readTimeout)
	}
}
