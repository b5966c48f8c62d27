package serialconn

import (
	"errors"
	"fmt"
	"time"

	"go.bug.st/serial"
)

// ErrReadTimeout is returned by Port.ReadByte when no byte arrives within
// the configured read timeout. It is a soft signal, not a port fault.
var ErrReadTimeout = errors.New("serialconn: read timed out")

// Port is the byte-oriented serial transport required by the connection
// subsystem. Implementations must support one concurrent reader and one
// concurrent writer.
type Port interface {
	// ReadByte reads a single byte, blocking up to the port's read timeout.
	// It returns ErrReadTimeout when the timeout elapses with no data.
	ReadByte() (byte, error)

	// Write writes len(p) bytes, returning the count written and any error.
	Write(p []byte) (int, error)

	// Close closes the port. Blocked reads return an error after Close.
	Close() error
}

// PortOpener opens the named port with the given read timeout. It exists so
// tests can substitute in-memory ports for real hardware.
type PortOpener func(name string, readTimeout time.Duration) (Port, error)

// serialPort is the production Port over go.bug.st/serial.
type serialPort struct {
	port serial.Port
}

// OpenSerialPort opens name at 115200 baud, 8N1 with the given read timeout.
func OpenSerialPort(name string, readTimeout time.Duration) (Port, error) {
	mode := &serial.Mode{
		BaudRate: 115200,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", name, err)
	}

	if err := port.SetReadTimeout(readTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", name, err)
	}

	return &serialPort{port: port}, nil
}

func (s *serialPort) ReadByte() (byte, error) {
	var buf [1]byte

	n, err := s.port.Read(buf[:])
	if err != nil {
		return 0, err
	}
	if n == 0 {
		// go.bug.st/serial signals a read timeout as a zero-length read.
		return 0, ErrReadTimeout
	}

	return buf[0], nil
}

func (s *serialPort) Write(p []byte) (int, error) {
	return s.port.Write(p)
}

func (s *serialPort) Close() error {
	return s.port.Close()
}

// AvailablePorts enumerates the serial port names present on this host.
func AvailablePorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerate serial ports: %w", err)
	}

	return ports, nil
}
