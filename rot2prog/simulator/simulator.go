// Package simulator emulates a Rot2Prog controller on the far side of a
// byte link, for tests and for running the service without hardware.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net"
	"sync"
	"time"

	"github.com/w1xm/rot2prog_interface/rot2prog"
	"golang.org/x/sync/errgroup"
)

const (
	// Maximum slew rate in degrees/second
	maxVel = 6
	// Discrete simulation step size
	stepSize = 25 * time.Millisecond
)

type Simulator struct {
	mu     sync.Mutex
	status rot2prog.Status
	// target is non-nil while the rotor is positioning.
	target   *rot2prog.Status
	received []rot2prog.Command
	// Verbose logs every frame.
	Verbose bool
}

// New returns a simulator parked at 0/0 reporting the given resolution.
func New(pulse uint8) *Simulator {
	return &Simulator{status: rot2prog.Status{PulsesPerDegree: pulse}}
}

// Run steps the motion model until ctx is canceled.
func (s *Simulator) Run(ctx context.Context) error {
	t := time.NewTicker(stepSize)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		s.step()
	}
}

// Serve accepts connections on ln and handles each one, while running
// the motion model.
func (s *Simulator) Serve(ctx context.Context, ln net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return ln.Close()
	})
	g.Go(func() error {
		return s.Run(ctx)
	})
	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("accepting: %w", err)
			}
			log.Printf("accepted connection from %v", conn.RemoteAddr())
			go func() {
				if err := s.Handle(ctx, conn); err != nil {
					log.Printf("handling %v: %v", conn.RemoteAddr(), err)
				}
			}()
		}
	})
	return g.Wait()
}

// Handle answers commands arriving on conn until it is closed or ctx is
// canceled.
func (s *Simulator) Handle(ctx context.Context, conn io.ReadWriteCloser) error {
	g, ctx := errgroup.WithContext(ctx)
	done := make(chan struct{})
	g.Go(func() error {
		// Wait for context to be canceled, then close connection.
		select {
		case <-ctx.Done():
		case <-done:
		}
		return conn.Close()
	})
	g.Go(func() error {
		defer close(done)
		err := s.reader(conn)
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
			return nil
		}
		return err
	})
	return g.Wait()
}

func (s *Simulator) reader(conn io.ReadWriter) error {
	frame := make([]byte, rot2prog.CommandLen)
	for {
		// Resynchronize on the start byte.
		if _, err := io.ReadFull(conn, frame[:1]); err != nil {
			return err
		}
		if frame[0] != 0x57 {
			log.Printf("srv->sim: discarding %#02x", frame[0])
			continue
		}
		if _, err := io.ReadFull(conn, frame[1:]); err != nil {
			return err
		}
		if s.Verbose {
			log.Printf("srv->sim: % x", frame)
		}
		req, err := rot2prog.DecodeCommand(frame)
		if err != nil {
			log.Printf("parsing % x: %v", frame, err)
			continue
		}
		reply := s.apply(req)
		if reply == nil {
			continue
		}
		if s.Verbose {
			log.Printf("sim->srv: % x", reply)
		}
		if _, err := conn.Write(reply); err != nil {
			return err
		}
	}
}

func (s *Simulator) apply(req rot2prog.Request) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, req.Command)
	switch req.Command {
	case rot2prog.CmdStop:
		s.target = nil
	case rot2prog.CmdSet:
		s.target = &rot2prog.Status{AzPos: req.AzPos, ElPos: req.ElPos}
		return nil
	}
	return rot2prog.EncodeResponse(s.status)
}

// slew returns the new position moving from s toward t for one step.
func slew(s, t float64) float64 {
	delta := t - s
	limit := maxVel * stepSize.Seconds()
	if math.Abs(delta) > limit {
		return s + math.Copysign(limit, delta)
	}
	return t
}

func (s *Simulator) step() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.target == nil {
		return
	}
	s.status.AzPos = slew(s.status.AzPos, s.target.AzPos)
	s.status.ElPos = slew(s.status.ElPos, s.target.ElPos)
	if s.status.AzPos == s.target.AzPos && s.status.ElPos == s.target.ElPos {
		s.target = nil
	}
}

// Status returns the simulated rotor state.
func (s *Simulator) Status() rot2prog.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SetStatus overrides the simulated rotor state.
func (s *Simulator) SetStatus(status rot2prog.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// Target returns the position being moved to, if any.
func (s *Simulator) Target() (rot2prog.Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.target == nil {
		return rot2prog.Status{}, false
	}
	return *s.target, true
}

// Received returns the commands decoded so far.
func (s *Simulator) Received() []rot2prog.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]rot2prog.Command(nil), s.received...)
}
