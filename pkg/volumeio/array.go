// Package volumeio loads and stores the volumes crftune works on: NIfTI-1 scans and
// label maps, NumPy probability maps, and the Hounsfield dynamic-range conversion.
package volumeio

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"crftune/internal/models"
)

var (
	// ErrUnsupportedFormat is returned for unknown extensions or element types
	ErrUnsupportedFormat = errors.New("unsupported volume format")

	// ErrBadRank is returned when an array does not have the expected dimensionality
	ErrBadRank = errors.New("unexpected array rank")
)

// Array is a decoded n-dimensional array with the first axis varying fastest
type Array struct {
	Data    []float64
	Shape   []int
	Spacing models.Spacing
}

// Load decodes the file at path, choosing the decoder from its extension
func Load(path string) (*Array, error) {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".nii"), strings.HasSuffix(lower, ".nii.gz"):
		return ReadNIfTI(path)
	case strings.HasSuffix(lower, ".npy"):
		return ReadNpy(path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Base(path))
	}
}

// Volume interprets a rank-3 array as an intensity volume
func (a *Array) Volume() (*models.Volume, error) {
	shape, err := a.shape3()
	if err != nil {
		return nil, err
	}
	vol := models.NewVolume(shape, a.Spacing)
	copy(vol.Data, a.Data)
	return vol, nil
}

// Labels interprets a rank-3 array as a class map. Values are rounded and must fit in a byte.
func (a *Array) Labels() (*models.LabelVolume, error) {
	shape, err := a.shape3()
	if err != nil {
		return nil, err
	}
	lv := models.NewLabelVolume(shape, a.Spacing)
	for i, v := range a.Data {
		r := math.Round(v)
		if r < 0 || r > math.MaxUint8 {
			return nil, fmt.Errorf("label value %v at voxel %d out of range", v, i)
		}
		lv.Data[i] = uint8(r)
	}
	return lv, nil
}

// Probabilities interprets a rank-4 array (x, y, z, class) as per-class probability layers
func (a *Array) Probabilities() (*models.ProbabilityVolume, error) {
	if len(a.Shape) != 4 {
		return nil, fmt.Errorf("%w: probability map has shape %v, want (x, y, z, class)", ErrBadRank, a.Shape)
	}
	shape := models.Shape{X: a.Shape[0], Y: a.Shape[1], Z: a.Shape[2]}
	pv := models.NewProbabilityVolume(shape, a.Shape[3])
	for i, v := range a.Data {
		pv.Data[i] = float32(v)
	}
	return pv, nil
}

func (a *Array) shape3() (models.Shape, error) {
	dims := a.Shape
	// trailing singleton axes are common in NIfTI label maps
	for len(dims) > 3 && dims[len(dims)-1] == 1 {
		dims = dims[:len(dims)-1]
	}
	if len(dims) != 3 {
		return models.Shape{}, fmt.Errorf("%w: got shape %v, want 3 axes", ErrBadRank, a.Shape)
	}
	return models.Shape{X: dims[0], Y: dims[1], Z: dims[2]}, nil
}

// LoadVolume loads an intensity volume
func LoadVolume(path string) (*models.Volume, error) {
	a, err := Load(path)
	if err != nil {
		return nil, err
	}
	return a.Volume()
}

// LoadLabels loads a label volume
func LoadLabels(path string) (*models.LabelVolume, error) {
	a, err := Load(path)
	if err != nil {
		return nil, err
	}
	return a.Labels()
}

// LoadProbabilities loads a probability volume
func LoadProbabilities(path string) (*models.ProbabilityVolume, error) {
	a, err := Load(path)
	if err != nil {
		return nil, err
	}
	return a.Probabilities()
}
