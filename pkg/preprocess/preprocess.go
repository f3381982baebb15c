// Package preprocess prepares raw scan/label pairs for CRF inference: it suppresses
// saturated voxels, maps intensities to [0, 1] and resamples every axial slice to a
// fixed in-plane resolution.
package preprocess

import (
	"errors"
	"fmt"
	"image"
	"math"

	"golang.org/x/image/draw"
	"gonum.org/v1/gonum/floats"

	"crftune/internal/models"
	"crftune/pkg/volumeio"
)

// ErrInvalidResolution is returned when the target slice shape is not positive
var ErrInvalidResolution = errors.New("invalid target resolution")

// DefaultSaturation is the intensity above which voxels are treated as artifacts
const DefaultSaturation = 1200

// Params controls slice preparation
type Params struct {
	// Width and Height are the target in-plane resolution
	Width, Height int

	// Saturation zeroes every intensity strictly above it
	Saturation float64

	// Kernel resamples image slices; labels always use nearest neighbour
	Kernel draw.Interpolator

	// Convert maps acquisition units to a bounded float range
	Convert volumeio.Converter
}

// DefaultParams returns the parameters used for the validation set
func DefaultParams(width, height int) Params {
	return Params{
		Width:      width,
		Height:     height,
		Saturation: DefaultSaturation,
		Kernel:     draw.BiLinear,
		Convert:    volumeio.HounsfieldToFloatDyn,
	}
}

// KernelByName maps a configuration name to a resampling kernel
func KernelByName(name string) (draw.Interpolator, error) {
	switch name {
	case "bilinear", "":
		return draw.BiLinear, nil
	case "catmullrom":
		return draw.CatmullRom, nil
	}
	return nil, fmt.Errorf("unknown interpolation %q", name)
}

// Prepare resamples img and label slice by slice. Both outputs have shape
// (Width, Height, Z); image values lie in [0, 1] and label values are a subset
// of the input classes.
func Prepare(img *models.Volume, label *models.LabelVolume, p Params) (*models.Volume, *models.LabelVolume, error) {
	if p.Width <= 0 || p.Height <= 0 {
		return nil, nil, fmt.Errorf("%w: %dx%d", ErrInvalidResolution, p.Width, p.Height)
	}
	if img.Shape != label.Shape {
		return nil, nil, fmt.Errorf("image %s vs label %s: %w", img.Shape, label.Shape, models.ErrShapeMismatch)
	}
	if !img.Shape.Valid() {
		return nil, nil, fmt.Errorf("empty volume %s: %w", img.Shape, models.ErrShapeMismatch)
	}
	if p.Kernel == nil {
		p.Kernel = draw.BiLinear
	}
	if p.Convert == nil {
		p.Convert = volumeio.HounsfieldToFloatDyn
	}

	outShape := models.Shape{X: p.Width, Y: p.Height, Z: img.Shape.Z}
	spacing := models.Spacing{
		X: img.Spacing.X * float64(img.Shape.X) / float64(p.Width),
		Y: img.Spacing.Y * float64(img.Shape.Y) / float64(p.Height),
		Z: img.Spacing.Z,
	}
	outImg := models.NewVolume(outShape, spacing)
	outLabel := models.NewLabelVolume(outShape, spacing)

	for z := 0; z < img.Shape.Z; z++ {
		outImg.SetSlice(z, prepareImageSlice(img.Slice(z), img.Shape, p))
		outLabel.SetSlice(z, prepareLabelSlice(label.Slice(z), label.Shape, p))
	}

	return outImg, outLabel, nil
}

func prepareImageSlice(slice []float64, shape models.Shape, p Params) []float64 {
	for i, v := range slice {
		if v > p.Saturation {
			slice[i] = 0
		}
	}
	converted := p.Convert(slice)

	src := image.NewGray(image.Rect(0, 0, shape.X, shape.Y))
	copy(src.Pix, bytescale(converted))

	dst := image.NewGray(image.Rect(0, 0, p.Width, p.Height))
	p.Kernel.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	out := make([]float64, p.Width*p.Height)
	for i, v := range dst.Pix {
		out[i] = float64(v) / 255
	}
	return out
}

func prepareLabelSlice(slice []uint8, shape models.Shape, p Params) []uint8 {
	src := image.NewGray(image.Rect(0, 0, shape.X, shape.Y))
	copy(src.Pix, slice)

	dst := image.NewGray(image.Rect(0, 0, p.Width, p.Height))
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	out := make([]uint8, len(dst.Pix))
	copy(out, dst.Pix)
	return out
}

// bytescale stretches data onto 0..255 with rounding; a constant slice maps to 0
func bytescale(data []float64) []uint8 {
	out := make([]uint8, len(data))
	if len(data) == 0 {
		return out
	}
	lo, hi := floats.Min(data), floats.Max(data)
	if hi == lo {
		return out
	}
	scale := 255 / (hi - lo)
	for i, v := range data {
		b := (v-lo)*scale + 0.5
		out[i] = uint8(math.Max(0, math.Min(255, b)))
	}
	return out
}

// Rot90Volume rotates every slice 90 degrees counter-clockwise in the xy plane,
// swapping the x and y extents.
func Rot90Volume(v *models.Volume) *models.Volume {
	out := models.NewVolume(
		models.Shape{X: v.Shape.Y, Y: v.Shape.X, Z: v.Shape.Z},
		models.Spacing{X: v.Spacing.Y, Y: v.Spacing.X, Z: v.Spacing.Z},
	)
	for z := 0; z < v.Shape.Z; z++ {
		for j := 0; j < v.Shape.X; j++ {
			for i := 0; i < v.Shape.Y; i++ {
				out.Data[out.Index(i, j, z)] = v.At(j, v.Shape.Y-1-i, z)
			}
		}
	}
	return out
}

// Rot90Labels is Rot90Volume for label volumes
func Rot90Labels(l *models.LabelVolume) *models.LabelVolume {
	out := models.NewLabelVolume(
		models.Shape{X: l.Shape.Y, Y: l.Shape.X, Z: l.Shape.Z},
		models.Spacing{X: l.Spacing.Y, Y: l.Spacing.X, Z: l.Spacing.Z},
	)
	for z := 0; z < l.Shape.Z; z++ {
		for j := 0; j < l.Shape.X; j++ {
			for i := 0; i < l.Shape.Y; i++ {
				out.Data[out.Index(i, j, z)] = l.At(j, l.Shape.Y-1-i, z)
			}
		}
	}
	return out
}
