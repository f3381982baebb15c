package volumeio

import (
	"gonum.org/v1/gonum/floats"
)

// Converter maps acquisition-unit intensities to a bounded float representation.
// It must be monotonic and must not modify its input.
type Converter func(intensities []float64) []float64

// HounsfieldToFloatDyn stretches the dynamic range actually present in the slice
// onto [0, 1]. A constant slice maps to all zeros.
func HounsfieldToFloatDyn(intensities []float64) []float64 {
	out := make([]float64, len(intensities))
	if len(intensities) == 0 {
		return out
	}
	lo := floats.Min(intensities)
	hi := floats.Max(intensities)
	if hi == lo {
		return out
	}
	copy(out, intensities)
	floats.AddConst(-lo, out)
	floats.Scale(1/(hi-lo), out)
	return out
}
