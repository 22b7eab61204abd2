package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/tarm/serial"
)

// DefaultBaud is the controller's factory line speed.
const DefaultBaud = 460800

// pollInterval bounds how long a single serial read blocks, so that
// ReadExact can notice context expiry.
const pollInterval = 100 * time.Millisecond

// maxFastEmptyReads is how many empty reads in a row may return well
// before pollInterval before the port is considered gone.
const maxFastEmptyReads = 5

var errNoWait = errors.New("port returns no data without waiting")

// SerialTarget is a controller attached to a local serial device,
// always driven at 8 data bits, no parity, 1 stop bit.
type SerialTarget struct {
	Device string
	// Baud defaults to DefaultBaud.
	Baud int
}

func (t SerialTarget) baud() int {
	if t.Baud == 0 {
		return DefaultBaud
	}
	return t.Baud
}

func (t SerialTarget) String() string {
	return t.Device + "@" + strconv.Itoa(t.baud())
}

func (t SerialTarget) Open(ctx context.Context) (Transport, error) {
	c := &serial.Config{
		Name:        t.Device,
		Baud:        t.baud(),
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: pollInterval,
	}
	s, err := serial.OpenPort(c)
	if err != nil {
		return nil, err
	}
	return &Serial{port: s}, nil
}

// Serial adapts an open serial port to Transport.
type Serial struct {
	port io.ReadWriteCloser
}

func (s *Serial) WriteAll(ctx context.Context, p []byte) error {
	if err := ctx.Err(); err != nil {
		return timeoutError(ctx, 0, len(p))
	}
	n, err := s.port.Write(p)
	if err != nil {
		return fmt.Errorf("%w after %d of %d bytes: %v", ErrClosed, n, len(p), err)
	}
	if n != len(p) {
		return fmt.Errorf("%w: short write of %d of %d bytes", ErrClosed, n, len(p))
	}
	return nil
}

// read performs one port read. An expired read timeout surfaces as an
// empty read, reported as io.EOF on POSIX systems, and returns (0, nil).
// Empty reads that return immediately are counted in empties.
func (s *Serial) read(p []byte, empties *int) (int, error) {
	start := time.Now()
	m, err := s.port.Read(p)
	if err != nil && err != io.EOF {
		return m, err
	}
	if m > 0 {
		*empties = 0
		return m, nil
	}
	if time.Since(start) >= pollInterval/2 {
		*empties = 0
		return 0, nil
	}
	*empties++
	if *empties >= maxFastEmptyReads {
		return 0, errNoWait
	}
	return 0, nil
}

func (s *Serial) ReadExact(ctx context.Context, n int) ([]byte, error) {
	buf := make([]byte, n)
	got, empties := 0, 0
	for got < n {
		if err := ctx.Err(); err != nil {
			return buf[:got], timeoutError(ctx, got, n)
		}
		m, err := s.read(buf[got:], &empties)
		got += m
		if err != nil {
			return buf[:got], fmt.Errorf("%w after %d of %d bytes: %v", ErrClosed, got, n, err)
		}
	}
	return buf, nil
}

func (s *Serial) Discard(quiet time.Duration) (int, error) {
	buf := make([]byte, 256)
	total, empties := 0, 0
	last := time.Now()
	for total < maxDiscard {
		m, err := s.read(buf, &empties)
		total += m
		if err != nil {
			return total, fmt.Errorf("%w after discarding %d bytes: %v", ErrClosed, total, err)
		}
		if m > 0 {
			last = time.Now()
		} else if time.Since(last) >= quiet {
			return total, nil
		}
	}
	return total, discardOverflow(total)
}

func (s *Serial) Close() error {
	return s.port.Close()
}
