package rot2prog_test

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/w1xm/rot2prog_interface/rot2prog"
	"github.com/w1xm/rot2prog_interface/rot2prog/simulator"
	"github.com/w1xm/rot2prog_interface/transport"
)

// startSimulator serves a simulated controller on a loopback port.
func startSimulator(t *testing.T, pulse uint8) (*simulator.Simulator, transport.TCPTarget) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	sim := simulator.New(pulse)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sim.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return sim, transport.TCPTarget{Host: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port}
}

// unreachable returns a loopback target nothing listens on.
func unreachable(t *testing.T) transport.TCPTarget {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return transport.TCPTarget{Host: "127.0.0.1", Port: port}
}

func dial(t *testing.T, target transport.Target) *rot2prog.Rotator {
	t.Helper()
	r, err := rot2prog.Connect(context.Background(), target, rot2prog.Config{
		Timeout:     time.Second,
		SettleDelay: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Connect(%v): %v", target, err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestSimulatedController(t *testing.T) {
	sim, target := startSimulator(t, 10)
	sim.SetStatus(rot2prog.Status{AzPos: 181.5, ElPos: 12.3, PulsesPerDegree: 10})
	r := dial(t, target)
	ctx := context.Background()

	status, err := r.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if diff := cmp.Diff(status, rot2prog.Status{AzPos: 181.5, ElPos: 12.3, PulsesPerDegree: 10}); diff != "" {
		t.Errorf("unexpected status: got(-)/want(+):\n%s", diff)
	}

	if err := r.Set(ctx, 200, 30.5); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := r.Status(ctx); err != nil {
		t.Fatalf("Status: %v", err)
	}
	if tgt, ok := sim.Target(); !ok || tgt.AzPos != 200 || tgt.ElPos != 30.5 {
		t.Errorf("simulator target = %+v (%v), want 200/30.5", tgt, ok)
	}

	if _, err := r.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, ok := sim.Target(); ok {
		t.Error("simulator still moving after STOP")
	}
}

func TestTimeout(t *testing.T) {
	// A listener that accepts but never answers.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			defer c.Close()
		}
	}()
	target := transport.TCPTarget{Host: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port}
	_, err = rot2prog.Connect(context.Background(), target, rot2prog.Config{Timeout: 50 * time.Millisecond})
	var perr *rot2prog.ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("Connect = %v, want ProtocolError", err)
	}
	if !errors.Is(err, transport.ErrTimeout) {
		t.Errorf("Connect = %v, want wrapped ErrTimeout", err)
	}
}

// startSequenced serves a device that answers the i'th command with
// azimuth i, writing each reply through reply.
func startSequenced(t *testing.T, reply func(i int, conn net.Conn, frame []byte)) transport.TCPTarget {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		cmd := make([]byte, rot2prog.CommandLen)
		for i := 0; ; i++ {
			if _, err := io.ReadFull(conn, cmd); err != nil {
				return
			}
			reply(i, conn, rot2prog.EncodeResponse(rot2prog.Status{AzPos: float64(i), PulsesPerDegree: 10}))
		}
	}()
	return transport.TCPTarget{Host: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port}
}

func TestLateReply(t *testing.T) {
	const late = 150 * time.Millisecond
	for _, test := range []struct {
		name  string
		reply func(i int, conn net.Conn, frame []byte)
	}{
		{"split", func(i int, conn net.Conn, frame []byte) {
			if i == 1 {
				conn.Write(frame[:5])
				time.Sleep(late)
				frame = frame[5:]
			}
			conn.Write(frame)
		}},
		{"whole", func(i int, conn net.Conn, frame []byte) {
			if i == 1 {
				time.Sleep(late)
			}
			conn.Write(frame)
		}},
	} {
		t.Run(test.name, func(t *testing.T) {
			target := startSequenced(t, test.reply)
			r, err := rot2prog.Connect(context.Background(), target, rot2prog.Config{Timeout: 100 * time.Millisecond})
			if err != nil {
				t.Fatalf("Connect: %v", err)
			}
			defer r.Close()

			_, err = r.Status(context.Background())
			var perr *rot2prog.ProtocolError
			if !errors.As(err, &perr) || !errors.Is(err, transport.ErrTimeout) {
				t.Fatalf("Status #1 = %v, want ProtocolError wrapping ErrTimeout", err)
			}
			for i := 2; i < 6; i++ {
				status, err := r.Status(context.Background())
				if err != nil {
					t.Fatalf("Status #%d: %v", i, err)
				}
				if status.AzPos != float64(i) {
					t.Errorf("Status #%d azimuth = %v, want %d", i, status.AzPos, i)
				}
			}
		})
	}
}

func TestReconnectUnreachable(t *testing.T) {
	sim, target := startSimulator(t, 10)
	r := dial(t, target)
	bad := unreachable(t)

	err := r.Reconnect(context.Background(), bad)
	var cerr *rot2prog.ConnectionError
	if !errors.As(err, &cerr) {
		t.Fatalf("Reconnect = %v, want ConnectionError", err)
	}
	if cerr.Target != bad.String() {
		t.Errorf("error names %q, want %q", cerr.Target, bad.String())
	}
	if r.Target() != transport.Target(target) {
		t.Errorf("Target() = %v, want %v", r.Target(), target)
	}
	before := len(sim.Received())
	if _, err := r.Status(context.Background()); err != nil {
		t.Fatalf("Status after failed reconnect: %v", err)
	}
	if got := len(sim.Received()); got != before+1 {
		t.Errorf("simulator saw %d new commands, want 1", got-before)
	}
}

func TestReconnectNewTarget(t *testing.T) {
	_, first := startSimulator(t, 10)
	second, next := startSimulator(t, 2)
	r := dial(t, first)
	if err := r.Reconnect(context.Background(), next); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	if got := r.PulsesPerDegree(); got != 10 {
		t.Errorf("PulsesPerDegree() = %d before STATUS, want 10", got)
	}
	if _, err := r.Status(context.Background()); err != nil {
		t.Fatalf("Status: %v", err)
	}
	if got := r.PulsesPerDegree(); got != 2 {
		t.Errorf("PulsesPerDegree() = %d after STATUS, want 2", got)
	}
	if diff := cmp.Diff(second.Received(), []rot2prog.Command{rot2prog.CmdStatus}); diff != "" {
		t.Errorf("unexpected commands: got(-)/want(+):\n%s", diff)
	}
}

func TestConcurrentCommands(t *testing.T) {
	sim, target := startSimulator(t, 10)
	sim.SetStatus(rot2prog.Status{AzPos: 45, ElPos: 45, PulsesPerDegree: 10})
	r := dial(t, target)
	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			status, err := r.Status(context.Background())
			if err == nil && (status.AzPos != 45 || status.PulsesPerDegree != 10) {
				t.Errorf("interleaved reply: %+v", status)
			}
			errs <- err
		}()
		go func() {
			defer wg.Done()
			errs <- r.Set(context.Background(), 45, 45)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Error(err)
		}
	}
}
