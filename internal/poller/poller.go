// Package poller periodically queries a controller's position.
package poller

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/w1xm/rot2prog_interface/rot2prog"
)

const (
	DefaultInterval = 2 * time.Second
	MaxInterval     = 60 * time.Second
)

// StatusReader is the part of a controller the poller needs.
type StatusReader interface {
	Status(ctx context.Context) (rot2prog.Status, error)
}

// Update is the result of one poll.
type Update struct {
	Status rot2prog.Status
	Err    error
	Time   time.Time
}

type Poller struct {
	r        StatusReader
	callback func(Update)

	mu       sync.Mutex
	interval time.Duration
	reset    chan struct{}
}

func New(r StatusReader, interval time.Duration, callback func(Update)) (*Poller, error) {
	if err := ValidateInterval(interval); err != nil {
		return nil, err
	}
	return &Poller{
		r:        r,
		callback: callback,
		interval: interval,
		reset:    make(chan struct{}, 1),
	}, nil
}

// ValidateInterval accepts intervals in (0, MaxInterval].
func ValidateInterval(d time.Duration) error {
	if d <= 0 || d > MaxInterval {
		return fmt.Errorf("poll interval %v outside (0, %v]", d, MaxInterval)
	}
	return nil
}

func (p *Poller) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}

// SetInterval changes the interval; the next poll is rescheduled.
func (p *Poller) SetInterval(d time.Duration) error {
	if err := ValidateInterval(d); err != nil {
		return err
	}
	p.mu.Lock()
	p.interval = d
	p.mu.Unlock()
	select {
	case p.reset <- struct{}{}:
	default:
	}
	return nil
}

// Run polls until ctx is canceled. Errors are reported to the callback
// and logged; polling continues.
func (p *Poller) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.reset:
			continue
		case <-time.After(p.Interval()):
		}
		p.Poll(ctx)
	}
}

// Poll performs a single query.
func (p *Poller) Poll(ctx context.Context) Update {
	status, err := p.r.Status(ctx)
	if err != nil {
		log.Printf("polling status: %v", err)
	}
	u := Update{Status: status, Err: err, Time: time.Now()}
	if p.callback != nil {
		p.callback(u)
	}
	return u
}
