package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestParseTarget(t *testing.T) {
	for _, test := range []struct {
		input  string
		target Target
		str    string
	}{
		{"192.168.0.10:23", TCPTarget{Host: "192.168.0.10", Port: 23}, "192.168.0.10:23"},
		{"tcp://rotor.local:4001", TCPTarget{Host: "rotor.local", Port: 4001}, "rotor.local:4001"},
		{"/dev/ttyUSB0", SerialTarget{Device: "/dev/ttyUSB0"}, "/dev/ttyUSB0@460800"},
		{"/dev/ttyUSB0@600", SerialTarget{Device: "/dev/ttyUSB0", Baud: 600}, "/dev/ttyUSB0@600"},
		{"COM17", SerialTarget{Device: "COM17"}, "COM17@460800"},
	} {
		t.Run(test.input, func(t *testing.T) {
			target, err := ParseTarget(test.input)
			if err != nil {
				t.Fatalf("ParseTarget(%q): %v", test.input, err)
			}
			if diff := cmp.Diff(target, test.target); diff != "" {
				t.Errorf("unexpected target: got(-)/want(+):\n%s", diff)
			}
			if got := target.String(); got != test.str {
				t.Errorf("String() = %q, want %q", got, test.str)
			}
		})
	}
}

func TestParseTargetErrors(t *testing.T) {
	for _, input := range []string{"", "tcp://host", "tcp://host:99999", "/dev/ttyS0@fast", "@9600"} {
		if _, err := ParseTarget(input); err == nil {
			t.Errorf("ParseTarget(%q) succeeded, want error", input)
		}
	}
}

func TestConnReadExact(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	conn := NewConn(a)
	go func() {
		b.Write([]byte{1, 2})
		b.Write([]byte{3, 4, 5})
	}()
	got, err := conn.ReadExact(context.Background(), 5)
	if err != nil {
		t.Fatalf("ReadExact: %v", err)
	}
	if diff := cmp.Diff(got, []byte{1, 2, 3, 4, 5}); diff != "" {
		t.Errorf("unexpected bytes: got(-)/want(+):\n%s", diff)
	}
}

func TestConnReadTimeout(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	conn := NewConn(a)
	go b.Write([]byte{1, 2, 3})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	got, err := conn.ReadExact(ctx, 12)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("ReadExact error = %v, want ErrTimeout", err)
	}
	if len(got) != 3 {
		t.Errorf("got %d bytes before timeout, want 3", len(got))
	}
}

func TestConnReadClosed(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	conn := NewConn(a)
	go func() {
		b.Write([]byte{0x57})
		b.Close()
	}()
	got, err := conn.ReadExact(context.Background(), 12)
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("ReadExact error = %v, want ErrClosed", err)
	}
	if len(got) != 1 {
		t.Errorf("got %d bytes before close, want 1", len(got))
	}
}

func TestConnDiscard(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	conn := NewConn(a)
	go func() {
		time.Sleep(20 * time.Millisecond)
		b.Write([]byte{0, 10, 3, 6, 0, 0, 10})
		time.Sleep(20 * time.Millisecond)
		b.Write([]byte{0x20})
	}()
	n, err := conn.Discard(100 * time.Millisecond)
	if err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if n != 8 {
		t.Errorf("Discard dropped %d bytes, want 8", n)
	}

	go b.Write([]byte{0x57, 3})
	got, err := conn.ReadExact(context.Background(), 2)
	if err != nil {
		t.Fatalf("ReadExact after Discard: %v", err)
	}
	if diff := cmp.Diff(got, []byte{0x57, 3}); diff != "" {
		t.Errorf("unexpected bytes: got(-)/want(+):\n%s", diff)
	}
}

func TestConnDiscardClosed(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	b.Close()
	if _, err := NewConn(a).Discard(time.Second); !errors.Is(err, ErrClosed) {
		t.Fatalf("Discard error = %v, want ErrClosed", err)
	}
}

func TestConnWriteAll(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	conn := NewConn(a)
	want := []byte{0x57, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0x1F, 0x20}
	read := make(chan []byte)
	go func() {
		buf := make([]byte, len(want))
		io.ReadFull(b, buf)
		read <- buf
	}()
	if err := conn.WriteAll(context.Background(), want); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}
	if diff := cmp.Diff(<-read, want); diff != "" {
		t.Errorf("unexpected bytes: got(-)/want(+):\n%s", diff)
	}
}

func TestTCPTargetOpen(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		io.Copy(c, c)
	}()
	addr := ln.Addr().(*net.TCPAddr)
	tr, err := TCPTarget{Host: "127.0.0.1", Port: addr.Port}.Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tr.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := tr.WriteAll(ctx, []byte("ping")); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}
	got, err := tr.ReadExact(ctx, 4)
	if err != nil {
		t.Fatalf("ReadExact: %v", err)
	}
	if string(got) != "ping" {
		t.Errorf("echo = %q, want %q", got, "ping")
	}
}

// fakePort replays scripted reads, recording writes. Empty reads block
// for wait, like a port whose read timeout expired.
type fakePort struct {
	reads  []fakeRead
	wait   time.Duration
	writes bytes.Buffer
	closed bool
	nreads int
}

type fakeRead struct {
	data []byte
	err  error
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.nreads++
	if len(p.reads) == 0 {
		time.Sleep(p.wait)
		return 0, io.EOF
	}
	r := p.reads[0]
	p.reads = p.reads[1:]
	if len(r.data) == 0 {
		time.Sleep(p.wait)
	}
	return copy(b, r.data), r.err
}

func (p *fakePort) Write(b []byte) (int, error) {
	return p.writes.Write(b)
}

func (p *fakePort) Close() error {
	p.closed = true
	return nil
}

func TestSerialReadExact(t *testing.T) {
	port := &fakePort{reads: []fakeRead{
		{data: []byte{0x57, 3}},
		{err: io.EOF}, // read timeout expired
		{},
		{data: []byte{6, 0}},
	}}
	s := &Serial{port: port}
	got, err := s.ReadExact(context.Background(), 4)
	if err != nil {
		t.Fatalf("ReadExact: %v", err)
	}
	if diff := cmp.Diff(got, []byte{0x57, 3, 6, 0}); diff != "" {
		t.Errorf("unexpected bytes: got(-)/want(+):\n%s", diff)
	}
}

func TestSerialReadTimeout(t *testing.T) {
	s := &Serial{port: &fakePort{reads: []fakeRead{{data: []byte{0x57}}}, wait: pollInterval}}
	ctx, cancel := context.WithTimeout(context.Background(), 3*pollInterval/2)
	defer cancel()
	got, err := s.ReadExact(ctx, 12)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("ReadExact error = %v, want ErrTimeout", err)
	}
	if len(got) != 1 {
		t.Errorf("got %d bytes before timeout, want 1", len(got))
	}
}

func TestSerialReadNoWait(t *testing.T) {
	port := &fakePort{}
	s := &Serial{port: port}
	_, err := s.ReadExact(context.Background(), 12)
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("ReadExact error = %v, want ErrClosed", err)
	}
	if port.nreads != maxFastEmptyReads {
		t.Errorf("read %d times, want %d", port.nreads, maxFastEmptyReads)
	}
}

func TestSerialDiscard(t *testing.T) {
	port := &fakePort{
		reads: []fakeRead{
			{data: []byte{6, 0, 10, 3, 6}},
			{err: io.EOF},
			{data: []byte{0, 0, 10, 0x20}},
		},
		wait: pollInterval,
	}
	s := &Serial{port: port}
	n, err := s.Discard(3 * pollInterval / 2)
	if err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if n != 9 {
		t.Errorf("Discard dropped %d bytes, want 9", n)
	}
}

func TestSerialDiscardNoWait(t *testing.T) {
	s := &Serial{port: &fakePort{}}
	if _, err := s.Discard(time.Second); !errors.Is(err, ErrClosed) {
		t.Fatalf("Discard error = %v, want ErrClosed", err)
	}
}

func TestSerialReadError(t *testing.T) {
	s := &Serial{port: &fakePort{reads: []fakeRead{{err: errors.New("input/output error")}}}}
	if _, err := s.ReadExact(context.Background(), 12); !errors.Is(err, ErrClosed) {
		t.Fatalf("ReadExact error = %v, want ErrClosed", err)
	}
}

func TestSerialWriteAll(t *testing.T) {
	port := &fakePort{}
	s := &Serial{port: port}
	if err := s.WriteAll(context.Background(), []byte{0x57, 0x0F, 0x20}); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}
	if diff := cmp.Diff(port.writes.Bytes(), []byte{0x57, 0x0F, 0x20}); diff != "" {
		t.Errorf("unexpected bytes: got(-)/want(+):\n%s", diff)
	}
	if err := s.Close(); err != nil || !port.closed {
		t.Errorf("Close() = %v, closed = %v", err, port.closed)
	}
}
