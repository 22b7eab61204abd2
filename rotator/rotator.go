// Package rotator defines the controller surface the front ends drive.
package rotator

import (
	"context"

	"github.com/w1xm/rot2prog_interface/rot2prog"
	"github.com/w1xm/rot2prog_interface/transport"
)

// Controller is implemented by *rot2prog.Rotator and *rot2prog.Offset.
type Controller interface {
	Status(ctx context.Context) (rot2prog.Status, error)
	Stop(ctx context.Context) (rot2prog.Status, error)
	Set(ctx context.Context, azimuth, elevation float64) error
	Reconnect(ctx context.Context, target transport.Target) error
	Target() transport.Target
	Bounds() rot2prog.Bounds
	Close() error
}

// Offsetter is implemented by controllers that correct reported and
// commanded positions for how the rotor is mounted.
type Offsetter interface {
	Offsets() (azimuth, elevation float64)
	SetOffsets(ctx context.Context, azimuth, elevation float64) error
}

// Status is satisfied by any reported position.
type Status interface {
	AzimuthPosition() float64
	ElevationPosition() float64
}

var (
	_ Controller = (*rot2prog.Rotator)(nil)
	_ Controller = (*rot2prog.Offset)(nil)
	_ Offsetter  = (*rot2prog.Offset)(nil)
	_ Status     = rot2prog.Status{}
)
