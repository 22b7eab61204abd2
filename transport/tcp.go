package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strconv"
	"time"
)

// DefaultTCPPort is the port serial-to-Ethernet bridges in front of the
// controller usually listen on.
const DefaultTCPPort = 23

// TCPTarget is a controller reachable through a TCP socket.
type TCPTarget struct {
	Host string
	// Port defaults to DefaultTCPPort.
	Port int
}

func (t TCPTarget) port() int {
	if t.Port == 0 {
		return DefaultTCPPort
	}
	return t.Port
}

func (t TCPTarget) String() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.port()))
}

func (t TCPTarget) Open(ctx context.Context) (Transport, error) {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	conn, err := dialer.DialContext(ctx, "tcp", t.String())
	if err != nil {
		return nil, err
	}
	return NewConn(conn), nil
}

// Conn adapts a net.Conn to Transport. Context deadlines and
// cancellation are mapped onto the connection's I/O deadlines.
type Conn struct {
	conn net.Conn
}

func NewConn(conn net.Conn) *Conn {
	return &Conn{conn: conn}
}

// aLongTimeAgo is a deadline in the past, used to unblock pending I/O.
var aLongTimeAgo = time.Unix(1, 0)

// watch applies ctx to the connection's deadline until the returned
// function is called.
func (c *Conn) watch(ctx context.Context, setDeadline func(time.Time) error) func() {
	deadline, _ := ctx.Deadline()
	if err := setDeadline(deadline); err != nil {
		log.Printf("setting deadline on %v: %v", c.conn.RemoteAddr(), err)
	}
	if ctx.Done() == nil {
		return func() {}
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case <-ctx.Done():
			setDeadline(aLongTimeAgo)
		case <-stop:
		}
	}()
	return func() {
		close(stop)
		<-done
	}
}

func (c *Conn) WriteAll(ctx context.Context, p []byte) error {
	if err := ctx.Err(); err != nil {
		return timeoutError(ctx, 0, len(p))
	}
	defer c.watch(ctx, c.conn.SetWriteDeadline)()
	n, err := c.conn.Write(p)
	if err != nil {
		return c.ioError(ctx, err, n, len(p))
	}
	if n != len(p) {
		return fmt.Errorf("%w: short write of %d of %d bytes", ErrClosed, n, len(p))
	}
	return nil
}

func (c *Conn) ReadExact(ctx context.Context, n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := ctx.Err(); err != nil {
		return buf[:0], timeoutError(ctx, 0, n)
	}
	defer c.watch(ctx, c.conn.SetReadDeadline)()
	got, err := io.ReadFull(c.conn, buf)
	if err != nil {
		return buf[:got], c.ioError(ctx, err, got, n)
	}
	return buf, nil
}

func (c *Conn) Discard(quiet time.Duration) (int, error) {
	defer c.conn.SetReadDeadline(time.Time{})
	buf := make([]byte, 256)
	total := 0
	for total < maxDiscard {
		if err := c.conn.SetReadDeadline(time.Now().Add(quiet)); err != nil {
			return total, fmt.Errorf("%w: %v", ErrClosed, err)
		}
		n, err := c.conn.Read(buf)
		total += n
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return total, nil
		}
		if err != nil {
			return total, fmt.Errorf("%w after discarding %d bytes: %v", ErrClosed, total, err)
		}
	}
	return total, discardOverflow(total)
}

func (c *Conn) ioError(ctx context.Context, err error, got, want int) error {
	if ctx.Err() != nil {
		return timeoutError(ctx, got, want)
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%w after %d of %d bytes", ErrTimeout, got, want)
	}
	return fmt.Errorf("%w after %d of %d bytes: %v", ErrClosed, got, want, err)
}

func (c *Conn) Close() error {
	return c.conn.Close()
}
