// Package transport provides the byte links a rotor controller is driven
// over: a serial line or a TCP socket.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrTimeout is wrapped by errors returned when a context expires
	// before an exchange completes.
	ErrTimeout = errors.New("timed out")
	// ErrClosed is wrapped by errors returned when the link is closed
	// or drops while reading or writing.
	ErrClosed = errors.New("link closed")
)

// Transport is an open, full-duplex byte channel to a device.
type Transport interface {
	// WriteAll writes every byte of p or fails.
	WriteAll(ctx context.Context, p []byte) error
	// ReadExact blocks until exactly n bytes have arrived. On failure it
	// returns the bytes received so far along with the error.
	ReadExact(ctx context.Context, n int) ([]byte, error)
	// Discard drops input until none has arrived for quiet, returning
	// the number of bytes dropped.
	Discard(quiet time.Duration) (int, error)
	Close() error
}

// maxDiscard bounds how much a single Discard will drop before giving up
// on a link that never goes quiet.
const maxDiscard = 4096

func discardOverflow(n int) error {
	return fmt.Errorf("link still busy after discarding %d bytes", n)
}

// Target names a device link that can be opened.
type Target interface {
	Open(ctx context.Context) (Transport, error)
	String() string
}

// ParseTarget parses a command-line target. "tcp://host:port" and
// "host:port" select TCP; anything else is a serial device path, with an
// optional "@baud" suffix.
func ParseTarget(s string) (Target, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty target")
	}
	if strings.HasPrefix(s, "tcp://") {
		return parseTCP(strings.TrimPrefix(s, "tcp://"))
	}
	if !strings.HasPrefix(s, "/") && !strings.Contains(s, "@") {
		if _, _, err := net.SplitHostPort(s); err == nil {
			return parseTCP(s)
		}
	}
	device, baud := s, 0
	if i := strings.LastIndex(s, "@"); i >= 0 {
		b, err := strconv.Atoi(s[i+1:])
		if err != nil || b <= 0 {
			return nil, fmt.Errorf("invalid baud rate in %q", s)
		}
		device, baud = s[:i], b
	}
	if device == "" {
		return nil, fmt.Errorf("missing device path in %q", s)
	}
	return SerialTarget{Device: device, Baud: baud}, nil
}

func parseTCP(hostport string) (Target, error) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return nil, err
	}
	p, err := strconv.Atoi(port)
	if err != nil || p <= 0 || p > 65535 {
		return nil, fmt.Errorf("invalid port %q", port)
	}
	return TCPTarget{Host: host, Port: p}, nil
}

func timeoutError(ctx context.Context, got, want int) error {
	return fmt.Errorf("%w after %d of %d bytes: %v", ErrTimeout, got, want, ctx.Err())
}
