package optimizer

import (
	"errors"
	"fmt"
	"math"

	"crftune/pkg/crf"
)

// ErrOutOfBounds is returned for an initial point outside the box or an empty box
var ErrOutOfBounds = errors.New("parameters outside bounds")

// Bounds is the box every evaluated parameter vector is confined to
type Bounds struct {
	Lower, Upper crf.Params
}

// Validate checks that the box is finite and non-empty along every axis
func (b Bounds) Validate() error {
	if err := b.Lower.Validate(); err != nil {
		return fmt.Errorf("lower bound: %w", err)
	}
	if err := b.Upper.Validate(); err != nil {
		return fmt.Errorf("upper bound: %w", err)
	}
	lo, hi := b.Lower.Vector(), b.Upper.Vector()
	for i := range lo {
		if lo[i] > hi[i] {
			return fmt.Errorf("%w: %s lower %g above upper %g", ErrOutOfBounds, crf.Names[i], lo[i], hi[i])
		}
	}
	return nil
}

// Contains reports whether p lies inside the box, borders included
func (b Bounds) Contains(p crf.Params) bool {
	lo, hi, x := b.Lower.Vector(), b.Upper.Vector(), p.Vector()
	for i := range x {
		if x[i] < lo[i] || x[i] > hi[i] {
			return false
		}
	}
	return true
}

// normalize maps p into unit coordinates of the box. Degenerate axes map to 0.
func (b Bounds) normalize(p crf.Params) []float64 {
	lo, hi, x := b.Lower.Vector(), b.Upper.Vector(), p.Vector()
	u := make([]float64, len(x))
	for i := range x {
		if w := hi[i] - lo[i]; w > 0 {
			u[i] = (x[i] - lo[i]) / w
		}
	}
	return u
}

// denormalize clamps u into the unit cube and maps it back onto the box
func (b Bounds) denormalize(u []float64) crf.Params {
	lo, hi := b.Lower.Vector(), b.Upper.Vector()
	x := make([]float64, len(u))
	for i, v := range u {
		if math.IsNaN(v) {
			v = 0
		}
		v = math.Max(0, math.Min(1, v))
		x[i] = lo[i] + v*(hi[i]-lo[i])
	}
	p, _ := crf.FromVector(x)
	return p
}
