package models

import (
	"errors"
	"fmt"
)

// ErrShapeMismatch is returned when two volumes that must share a grid do not.
var ErrShapeMismatch = errors.New("volume shape mismatch")

// Shape is the voxel grid size of a volume along x, y and z
type Shape struct {
	X, Y, Z int
}

// Len returns the number of voxels in the grid
func (s Shape) Len() int {
	return s.X * s.Y * s.Z
}

// Valid reports whether every dimension is positive
func (s Shape) Valid() bool {
	return s.X > 0 && s.Y > 0 && s.Z > 0
}

func (s Shape) String() string {
	return fmt.Sprintf("%dx%dx%d", s.X, s.Y, s.Z)
}

// Spacing is the physical size of a voxel in mm
type Spacing struct {
	X, Y, Z float64
}

// UnitSpacing is used when the source format carries no spacing
var UnitSpacing = Spacing{X: 1, Y: 1, Z: 1}

// Volume represents a 3D intensity volume (raw scan or normalized image)
type Volume struct {
	// Data is the 3D volume data as a 1D array, x fastest then y then z
	Data []float64

	// Shape is the voxel grid of the volume
	Shape Shape

	// Spacing is the physical size of each voxel in mm
	Spacing Spacing
}

// NewVolume allocates a zeroed volume
func NewVolume(shape Shape, spacing Spacing) *Volume {
	return &Volume{
		Data:    make([]float64, shape.Len()),
		Shape:   shape,
		Spacing: spacing,
	}
}

// Index returns the flat offset of voxel (x, y, z)
func (v *Volume) Index(x, y, z int) int {
	return z*v.Shape.X*v.Shape.Y + y*v.Shape.X + x
}

// At returns the sample at (x, y, z)
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[v.Index(x, y, z)]
}

// Slice returns a copy of the xy plane at depth z
func (v *Volume) Slice(z int) []float64 {
	n := v.Shape.X * v.Shape.Y
	out := make([]float64, n)
	copy(out, v.Data[z*n:(z+1)*n])
	return out
}

// SetSlice overwrites the xy plane at depth z
func (v *Volume) SetSlice(z int, data []float64) {
	n := v.Shape.X * v.Shape.Y
	copy(v.Data[z*n:(z+1)*n], data)
}

// LabelVolume is a class map; every voxel holds a small non-negative class index
type LabelVolume struct {
	Data    []uint8
	Shape   Shape
	Spacing Spacing
}

// NewLabelVolume allocates an all-background label volume
func NewLabelVolume(shape Shape, spacing Spacing) *LabelVolume {
	return &LabelVolume{
		Data:    make([]uint8, shape.Len()),
		Shape:   shape,
		Spacing: spacing,
	}
}

// Index returns the flat offset of voxel (x, y, z)
func (l *LabelVolume) Index(x, y, z int) int {
	return z*l.Shape.X*l.Shape.Y + y*l.Shape.X + x
}

// At returns the class at (x, y, z)
func (l *LabelVolume) At(x, y, z int) uint8 {
	return l.Data[l.Index(x, y, z)]
}

// Slice returns a copy of the xy plane at depth z
func (l *LabelVolume) Slice(z int) []uint8 {
	n := l.Shape.X * l.Shape.Y
	out := make([]uint8, n)
	copy(out, l.Data[z*n:(z+1)*n])
	return out
}

// SetSlice overwrites the xy plane at depth z
func (l *LabelVolume) SetSlice(z int, data []uint8) {
	n := l.Shape.X * l.Shape.Y
	copy(l.Data[z*n:(z+1)*n], data)
}

// Count returns the number of voxels equal to class
func (l *LabelVolume) Count(class uint8) int {
	n := 0
	for _, v := range l.Data {
		if v == class {
			n++
		}
	}
	return n
}

// Classes returns the set of class values present in the volume
func (l *LabelVolume) Classes() map[uint8]struct{} {
	set := make(map[uint8]struct{})
	for _, v := range l.Data {
		set[v] = struct{}{}
	}
	return set
}

// ProbabilityVolume holds per-class probability layers for every voxel.
// Data is laid out x fastest, then y, then z, then class.
type ProbabilityVolume struct {
	Data    []float32
	Shape   Shape
	Classes int
}

// NewProbabilityVolume allocates a zeroed probability volume
func NewProbabilityVolume(shape Shape, classes int) *ProbabilityVolume {
	return &ProbabilityVolume{
		Data:    make([]float32, shape.Len()*classes),
		Shape:   shape,
		Classes: classes,
	}
}

// At returns the probability of class c at the flat voxel offset i
func (p *ProbabilityVolume) At(i, c int) float32 {
	return p.Data[c*p.Shape.Len()+i]
}

// Set stores the probability of class c at the flat voxel offset i
func (p *ProbabilityVolume) Set(i, c int, v float32) {
	p.Data[c*p.Shape.Len()+i] = v
}

// Case is one validation case ready for CRF inference and scoring
type Case struct {
	// ID identifies the case in logs and error reports
	ID string

	// Image is the preprocessed intensity volume, values in [0, 1]
	Image *Volume

	// Label is the preprocessed ground truth class map
	Label *LabelVolume

	// Probability is the classifier output consumed by the CRF
	Probability *ProbabilityVolume
}

// Validate checks that the three volumes of the case share a grid
func (c *Case) Validate() error {
	if c.Image == nil || c.Label == nil || c.Probability == nil {
		return fmt.Errorf("case %s: missing volume", c.ID)
	}
	if c.Image.Shape != c.Label.Shape {
		return fmt.Errorf("case %s: image %s vs label %s: %w", c.ID, c.Image.Shape, c.Label.Shape, ErrShapeMismatch)
	}
	if c.Image.Shape != c.Probability.Shape {
		return fmt.Errorf("case %s: image %s vs probability %s: %w", c.ID, c.Image.Shape, c.Probability.Shape, ErrShapeMismatch)
	}
	return nil
}

// VolumeSet is the ordered, read-only collection of cases built once at startup.
// It is never mutated after construction and is shared by reference with workers.
type VolumeSet struct {
	cases []Case
}

// NewVolumeSet validates and wraps the given cases
func NewVolumeSet(cases []Case) (*VolumeSet, error) {
	for i := range cases {
		if err := cases[i].Validate(); err != nil {
			return nil, err
		}
	}
	owned := make([]Case, len(cases))
	copy(owned, cases)
	return &VolumeSet{cases: owned}, nil
}

// Len returns the number of cases
func (s *VolumeSet) Len() int {
	return len(s.cases)
}

// Case returns the i-th case
func (s *VolumeSet) Case(i int) *Case {
	return &s.cases[i]
}
