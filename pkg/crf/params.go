// Package crf defines the CRF inference collaborator consumed by the evaluation
// harness: the nine tunable hyperparameters, the Inferer/Session contract, and two
// backends (an in-process mean-field solver and an external command).
package crf

import (
	"errors"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
)

// ErrNonFinite is returned when a parameter is NaN or infinite
var ErrNonFinite = errors.New("non-finite CRF parameter")

// Dim is the number of tunable hyperparameters
const Dim = 9

// Names lists the hyperparameters in vector order
var Names = [Dim]string{
	"pos_x_std",
	"pos_y_std",
	"pos_z_std",
	"bilateral_x_std",
	"bilateral_y_std",
	"bilateral_z_std",
	"bilateral_intensity_std",
	"pos_w",
	"bilateral_w",
}

// Params is one candidate CRF parameter vector. It is passed by value, so every
// job of a round sees the same immutable copy.
type Params struct {
	PosXStd               float64
	PosYStd               float64
	PosZStd               float64
	BilateralXStd         float64
	BilateralYStd         float64
	BilateralZStd         float64
	BilateralIntensityStd float64
	PosW                  float64
	BilateralW            float64
}

// Vector returns the parameters in Names order
func (p Params) Vector() []float64 {
	return []float64{
		p.PosXStd, p.PosYStd, p.PosZStd,
		p.BilateralXStd, p.BilateralYStd, p.BilateralZStd,
		p.BilateralIntensityStd,
		p.PosW, p.BilateralW,
	}
}

// FromVector builds Params from a slice in Names order
func FromVector(x []float64) (Params, error) {
	if len(x) != Dim {
		return Params{}, fmt.Errorf("parameter vector has %d entries, want %d", len(x), Dim)
	}
	return Params{
		PosXStd:               x[0],
		PosYStd:               x[1],
		PosZStd:               x[2],
		BilateralXStd:         x[3],
		BilateralYStd:         x[4],
		BilateralZStd:         x[5],
		BilateralIntensityStd: x[6],
		PosW:                  x[7],
		BilateralW:            x[8],
	}, nil
}

// Validate checks that every value is finite
func (p Params) Validate() error {
	for i, v := range p.Vector() {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s = %v", ErrNonFinite, Names[i], v)
		}
	}
	return nil
}

// Fields returns the parameters as structured log fields
func (p Params) Fields() logrus.Fields {
	f := make(logrus.Fields, Dim)
	for i, v := range p.Vector() {
		f[Names[i]] = v
	}
	return f
}

// Args renders the parameters as command line flags, e.g. --pos-x-std=1.5
func (p Params) Args() []string {
	out := make([]string, 0, Dim)
	for i, v := range p.Vector() {
		out = append(out, fmt.Sprintf("--%s=%g", flagName(Names[i]), v))
	}
	return out
}

func flagName(name string) string {
	b := []byte(name)
	for i, c := range b {
		if c == '_' {
			b[i] = '-'
		}
	}
	return string(b)
}
