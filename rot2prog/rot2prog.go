// Package rot2prog drives a SPID Elektronik Rot2Prog azimuth/elevation
// rotor controller over its 13-byte binary command protocol.
package rot2prog

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/w1xm/rot2prog_interface/transport"
)

// Bounds are the azimuth and elevation limits SET commands must respect.
type Bounds struct {
	MinAz, MaxAz float64
	MinEl, MaxEl float64
}

// DefaultBounds matches the mechanical range of the Rot2Prog.
var DefaultBounds = Bounds{MinAz: -180, MaxAz: 540, MinEl: -21, MaxEl: 180}

// Validate rejects inverted or non-finite ranges.
func (b Bounds) Validate() error {
	for _, r := range []struct {
		field    string
		min, max float64
	}{
		{"azimuth", b.MinAz, b.MaxAz},
		{"elevation", b.MinEl, b.MaxEl},
	} {
		if math.IsNaN(r.min) || math.IsNaN(r.max) || math.IsInf(r.min, 0) || math.IsInf(r.max, 0) {
			return &ValidationError{Field: "bounds", Value: r.min, Limit: r.max, Msg: r.field + " range is not finite"}
		}
		if r.min > r.max {
			return &ValidationError{Field: "bounds", Value: r.min, Limit: r.max, Msg: fmt.Sprintf("%s minimum %g above maximum %g", r.field, r.min, r.max)}
		}
	}
	return nil
}

// Check reports the first bound violated by a target position.
func (b Bounds) Check(az, el float64) error {
	switch {
	case !(az >= b.MinAz):
		return &ValidationError{Field: "azimuth", Value: az, Limit: b.MinAz, Msg: fmt.Sprintf("%g below minimum %g", az, b.MinAz)}
	case !(az <= b.MaxAz):
		return &ValidationError{Field: "azimuth", Value: az, Limit: b.MaxAz, Msg: fmt.Sprintf("%g above maximum %g", az, b.MaxAz)}
	case !(el >= b.MinEl):
		return &ValidationError{Field: "elevation", Value: el, Limit: b.MinEl, Msg: fmt.Sprintf("%g below minimum %g", el, b.MinEl)}
	case !(el <= b.MaxEl):
		return &ValidationError{Field: "elevation", Value: el, Limit: b.MaxEl, Msg: fmt.Sprintf("%g above maximum %g", el, b.MaxEl)}
	}
	return nil
}

// DefaultSettleDelay is how long the controller needs to process a SET
// before it will accept another command.
const DefaultSettleDelay = 1 * time.Second

// DefaultDrainWindow is how long the link must stay quiet before the
// first command after a failed exchange.
const DefaultDrainWindow = 250 * time.Millisecond

// Config tunes a Rotator. The zero value uses the defaults.
type Config struct {
	// Bounds defaults to DefaultBounds.
	Bounds *Bounds
	// Timeout bounds each STATUS/STOP exchange. Zero waits as long as
	// the caller's context allows.
	Timeout time.Duration
	// SettleDelay defaults to DefaultSettleDelay.
	SettleDelay time.Duration
	// DrainWindow defaults to DefaultDrainWindow. A reply that arrives
	// later than Timeout plus DrainWindow cannot be told apart from the
	// answer to the next command.
	DrainWindow time.Duration
	// Debug logs every exchange.
	Debug bool
}

// Rotator is a connected, calibrated controller. All commands are
// serialized: the link has no request IDs, so each exchange holds the
// lock from write until the reply (or settle delay) completes.
type Rotator struct {
	timeout time.Duration
	settle  time.Duration
	drain   time.Duration
	debug   bool

	mu     sync.Mutex
	target transport.Target
	conn   transport.Transport
	bounds Bounds
	// pulse is only updated by a successfully decoded reply.
	pulse uint8
	// dirty is set when an exchange failed part way, so stale reply
	// bytes may still be on the link.
	dirty bool
}

// Connect opens target and calibrates the pulse resolution with an
// initial STATUS command.
func Connect(ctx context.Context, target transport.Target, cfg Config) (*Rotator, error) {
	r := &Rotator{
		timeout: cfg.Timeout,
		settle:  cfg.SettleDelay,
		drain:   cfg.DrainWindow,
		debug:   cfg.Debug,
		target:  target,
		bounds:  DefaultBounds,
	}
	if cfg.Bounds != nil {
		if err := cfg.Bounds.Validate(); err != nil {
			return nil, err
		}
		r.bounds = *cfg.Bounds
	}
	if r.settle == 0 {
		r.settle = DefaultSettleDelay
	}
	if r.drain == 0 {
		r.drain = DefaultDrainWindow
	}
	conn, err := target.Open(ctx)
	if err != nil {
		return nil, &ConnectionError{Target: target.String(), Err: err}
	}
	log.Printf("opened %s", target)
	r.conn = conn
	status, err := r.Status(ctx)
	if err != nil {
		conn.Close()
		return nil, &ConnectionError{Target: target.String(), Err: fmt.Errorf("calibrating: %w", err)}
	}
	log.Printf("%s: %d pulses/degree, az %.1f el %.1f", target, status.PulsesPerDegree, status.AzPos, status.ElPos)
	return r, nil
}

// Status queries the current position without moving the rotor.
func (r *Rotator) Status(ctx context.Context) (Status, error) {
	return r.query(ctx, CmdStatus)
}

// Stop halts the rotor and returns the position where it stopped.
func (r *Rotator) Stop(ctx context.Context) (Status, error) {
	return r.query(ctx, CmdStop)
}

func (r *Rotator) query(ctx context.Context, cmd Command) (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return Status{}, &TransportError{Op: "write", Target: r.target.String(), Err: transport.ErrClosed}
	}
	if r.dirty {
		n, err := r.conn.Discard(r.drain)
		if err != nil {
			return Status{}, &TransportError{Op: "drain", Target: r.target.String(), Err: err}
		}
		if n > 0 {
			log.Printf("%s: discarded %d stale bytes", r.target, n)
		}
		r.dirty = false
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	if err := r.conn.WriteAll(ctx, encodeQuery(cmd)); err != nil {
		return Status{}, &TransportError{Op: "write", Target: r.target.String(), Err: err}
	}
	reply, err := r.conn.ReadExact(ctx, ResponseLen)
	if err != nil {
		if errors.Is(err, transport.ErrTimeout) {
			r.dirty = true
			return Status{}, &ProtocolError{
				Command:  cmd,
				Msg:      fmt.Sprintf("no complete response: %d of %d bytes", len(reply), ResponseLen),
				Received: len(reply),
				Frame:    reply,
				Err:      err,
			}
		}
		return Status{}, &TransportError{Op: "read", Target: r.target.String(), Err: err}
	}
	status, err := decodeResponse(cmd, reply)
	if err != nil {
		r.dirty = true
		return Status{}, err
	}
	r.pulse = status.PulsesPerDegree
	if r.debug {
		log.Printf("%v % x: az %.1f el %.1f pulse %d", cmd, reply, status.AzPos, status.ElPos, status.PulsesPerDegree)
	}
	return status, nil
}

// Set commands the rotor toward a position. The controller sends no
// reply; Set returns once the settle delay after transmission has passed.
func (r *Rotator) Set(ctx context.Context, az, el float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.bounds.Check(az, el); err != nil {
		return err
	}
	frame, err := encodeSet(az, el, r.pulse)
	if err != nil {
		return err
	}
	if r.conn == nil {
		return &TransportError{Op: "write", Target: r.target.String(), Err: transport.ErrClosed}
	}
	if err := r.conn.WriteAll(ctx, frame); err != nil {
		return &TransportError{Op: "write", Target: r.target.String(), Err: err}
	}
	if r.debug {
		log.Printf("SET % x: az %.1f el %.1f", frame, az, el)
	}
	// The device drops commands sent while it is still processing a SET.
	time.Sleep(r.settle)
	return nil
}

// Reconnect closes the current link and opens target. If target cannot
// be opened the previous link is reopened and a *ConnectionError naming
// target is returned. Calibration is not refreshed; call Status after a
// successful Reconnect.
func (r *Rotator) Reconnect(ctx context.Context, target transport.Target) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.target
	if r.conn != nil {
		if err := r.conn.Close(); err != nil {
			log.Printf("closing %s: %v", prev, err)
		}
		r.conn = nil
	}
	conn, err := target.Open(ctx)
	if err == nil {
		log.Printf("opened %s (was %s)", target, prev)
		r.conn = conn
		r.target = target
		r.dirty = false
		return nil
	}
	log.Printf("opening %s: %v; reopening %s", target, err, prev)
	cerr := &ConnectionError{Target: target.String(), Previous: prev.String(), Err: err}
	// ctx may already be spent on the rejected target.
	fctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, ferr := prev.Open(fctx)
	if ferr != nil {
		log.Printf("reopening %s: %v", prev, ferr)
		cerr.Fallback = ferr
		return cerr
	}
	r.conn = conn
	r.dirty = false
	return cerr
}

// Close releases the link. Commands issued afterwards fail with a
// *TransportError.
func (r *Rotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	err := r.conn.Close()
	r.conn = nil
	return err
}

// Target returns the link the controller is bound to.
func (r *Rotator) Target() transport.Target {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.target
}

// Bounds returns the limits Set enforces.
func (r *Rotator) Bounds() Bounds {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bounds
}

// SetBounds replaces the limits, rejecting inverted or non-finite ranges.
func (r *Rotator) SetBounds(b Bounds) error {
	if err := b.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bounds = b
	return nil
}

// PulsesPerDegree returns the most recently reported pulse resolution.
func (r *Rotator) PulsesPerDegree() uint8 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pulse
}
