package rot2prog

import (
	"context"
	"sync"
)

// Offset corrects for a rotor mounted away from true north or level.
// Offsets are added to reported positions and subtracted from requested
// positions; bounds are expressed in the corrected frame.
type Offset struct {
	*Rotator

	mu sync.Mutex
	// last requested position (with offset)
	az, el float64
	// positioning is set by Set and cleared by Stop.
	positioning bool
	// offsetAz and offsetEl are added to the returned position and subtracted from requested positions.
	offsetAz, offsetEl float64
}

func NewOffset(r *Rotator, offsetAz, offsetEl float64) *Offset {
	return &Offset{Rotator: r, offsetAz: offsetAz, offsetEl: offsetEl}
}

// Offsets returns the azimuth and elevation offsets in effect.
func (o *Offset) Offsets() (float64, float64) {
	return o.offsets()
}

func (o *Offset) offsets() (float64, float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.offsetAz, o.offsetEl
}

func (o *Offset) shift(status Status) Status {
	offAz, offEl := o.offsets()
	status.AzPos += offAz
	status.ElPos += offEl
	return status
}

func (o *Offset) Status(ctx context.Context) (Status, error) {
	status, err := o.Rotator.Status(ctx)
	if err != nil {
		return Status{}, err
	}
	return o.shift(status), nil
}

func (o *Offset) Stop(ctx context.Context) (Status, error) {
	o.mu.Lock()
	o.positioning = false
	o.mu.Unlock()
	status, err := o.Rotator.Stop(ctx)
	if err != nil {
		return Status{}, err
	}
	return o.shift(status), nil
}

func (o *Offset) Set(ctx context.Context, az, el float64) error {
	offAz, offEl := o.offsets()
	if err := o.set(ctx, az, el, offAz, offEl); err != nil {
		return err
	}
	o.mu.Lock()
	o.az, o.el, o.positioning = az, el, true
	o.mu.Unlock()
	return nil
}

func (o *Offset) set(ctx context.Context, az, el, offAz, offEl float64) error {
	if err := shiftBounds(o.Rotator.Bounds(), offAz, offEl).Check(az, el); err != nil {
		return err
	}
	return o.Rotator.Set(ctx, az-offAz, el-offEl)
}

// SetOffsets changes both offsets. If the rotor was last commanded to a
// position, it is re-sent so the corrected target stays the same.
func (o *Offset) SetOffsets(ctx context.Context, offsetAz, offsetEl float64) error {
	o.mu.Lock()
	o.offsetAz, o.offsetEl = offsetAz, offsetEl
	do := o.positioning
	az, el := o.az, o.el
	o.mu.Unlock()
	if do {
		return o.set(ctx, az, el, offsetAz, offsetEl)
	}
	return nil
}

func (o *Offset) Bounds() Bounds {
	offAz, offEl := o.offsets()
	return shiftBounds(o.Rotator.Bounds(), offAz, offEl)
}

func shiftBounds(b Bounds, offAz, offEl float64) Bounds {
	return Bounds{
		MinAz: b.MinAz + offAz,
		MaxAz: b.MaxAz + offAz,
		MinEl: b.MinEl + offEl,
		MaxEl: b.MaxEl + offEl,
	}
}
