package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"

	"golang.org/x/image/draw"

	"crftune/internal/models"
)

var (
	// predictionColor marks voxels labelled as the class by the CRF
	predictionColor = color.RGBA{R: 255, A: 255}

	// missedColor marks ground truth voxels the CRF did not label
	missedColor = color.RGBA{G: 255, A: 255}
)

// overlayAlpha is the opacity of the label tint over the grey image
const overlayAlpha = 0.45

// Viewer renders slices of a preprocessed image volume with the CRF prediction
// and the ground truth of one class overlaid, for visual inspection of a
// parameter vector.
type Viewer struct {
	// image holds intensities in [0, 1]
	image *models.Volume

	// prediction and truth are optional label maps on the same grid
	prediction *models.LabelVolume
	truth      *models.LabelVolume

	// class is the label drawn in the overlay
	class uint8
}

// NewViewer creates a viewer. prediction and truth may be nil.
func NewViewer(img *models.Volume, prediction, truth *models.LabelVolume, class uint8) (*Viewer, error) {
	if img == nil {
		return nil, fmt.Errorf("viewer needs an image volume")
	}
	for _, l := range []*models.LabelVolume{prediction, truth} {
		if l != nil && l.Shape != img.Shape {
			return nil, fmt.Errorf("image %s vs labels %s: %w", img.Shape, l.Shape, models.ErrShapeMismatch)
		}
	}
	return &Viewer{image: img, prediction: prediction, truth: truth, class: class}, nil
}

// pixel returns the overlay colour of voxel i
func (v *Viewer) pixel(i int) color.RGBA {
	g := uint8(math.Max(0, math.Min(255, v.image.Data[i]*255)))
	base := color.RGBA{R: g, G: g, B: g, A: 255}

	var tint color.RGBA
	switch {
	case v.prediction != nil && v.prediction.Data[i] == v.class:
		tint = predictionColor
	case v.truth != nil && v.truth.Data[i] == v.class:
		tint = missedColor
	default:
		return base
	}
	blend := func(a, b uint8) uint8 {
		return uint8(float64(a)*(1-overlayAlpha) + float64(b)*overlayAlpha)
	}
	return color.RGBA{R: blend(base.R, tint.R), G: blend(base.G, tint.G), B: blend(base.B, tint.B), A: 255}
}

// ExtractSlice renders a 2D slice along the specified axis. Slices across z are
// stretched so that one pixel covers the same physical distance on both axes.
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	sh := v.image.Shape

	var img *image.RGBA
	var stretch float64

	switch axis {
	case "x", "X":
		// YZ plane
		if position >= sh.X {
			return nil, fmt.Errorf("position %d exceeds width %d", position, sh.X)
		}
		img = image.NewRGBA(image.Rect(0, 0, sh.Y, sh.Z))
		for z := 0; z < sh.Z; z++ {
			for y := 0; y < sh.Y; y++ {
				img.SetRGBA(y, z, v.pixel(v.image.Index(position, y, z)))
			}
		}
		stretch = v.image.Spacing.Z / v.image.Spacing.Y

	case "y", "Y":
		// XZ plane
		if position >= sh.Y {
			return nil, fmt.Errorf("position %d exceeds height %d", position, sh.Y)
		}
		img = image.NewRGBA(image.Rect(0, 0, sh.X, sh.Z))
		for z := 0; z < sh.Z; z++ {
			for x := 0; x < sh.X; x++ {
				img.SetRGBA(x, z, v.pixel(v.image.Index(x, position, z)))
			}
		}
		stretch = v.image.Spacing.Z / v.image.Spacing.X

	case "z", "Z":
		// XY plane
		if position >= sh.Z {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, sh.Z)
		}
		img = image.NewRGBA(image.Rect(0, 0, sh.X, sh.Y))
		for y := 0; y < sh.Y; y++ {
			for x := 0; x < sh.X; x++ {
				img.SetRGBA(x, y, v.pixel(v.image.Index(x, y, position)))
			}
		}
		return img, nil

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	if stretch <= 1 || math.IsNaN(stretch) || math.IsInf(stretch, 0) {
		return img, nil
	}
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), int(math.Round(float64(b.Dy())*stretch))))
	draw.NearestNeighbor.Scale(out, out.Bounds(), img, b, draw.Src, nil)
	return out, nil
}

// SaveSlice saves an extracted slice as a JPEG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}

// SaveSliceSequence extracts and saves every slice along the specified axis
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	sh := v.image.Shape
	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = sh.X
	case "y", "Y":
		maxPos = sh.Y
	case "z", "Z":
		maxPos = sh.Z
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.jpg", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}

// SaveLesionSlices saves only the axial slices where the prediction or the
// ground truth contains the class, and returns how many were written
func (v *Viewer) SaveLesionSlices(outputDir string) (int, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return 0, err
	}

	written := 0
	for z := 0; z < v.image.Shape.Z; z++ {
		if !v.sliceHasClass(z) {
			continue
		}
		img, err := v.ExtractSlice("z", z)
		if err != nil {
			return written, err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("slice_z_%03d.jpg", z))
		if err := v.SaveSlice(img, filename); err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}

// SavePreview writes the slices selected by mode, which is "lesion" for
// SaveLesionSlices or an axis name for SaveSliceSequence, and returns how many
// were written
func (v *Viewer) SavePreview(mode, outputDir string) (int, error) {
	sh := v.image.Shape
	var n int
	switch mode {
	case "lesion":
		return v.SaveLesionSlices(outputDir)
	case "x", "X":
		n = sh.X
	case "y", "Y":
		n = sh.Y
	case "z", "Z":
		n = sh.Z
	default:
		return 0, fmt.Errorf("invalid preview mode: %s (must be lesion, x, y, or z)", mode)
	}
	if err := v.SaveSliceSequence(mode, outputDir); err != nil {
		return 0, err
	}
	return n, nil
}

func (v *Viewer) sliceHasClass(z int) bool {
	for _, l := range []*models.LabelVolume{v.prediction, v.truth} {
		if l == nil {
			continue
		}
		for _, c := range l.Slice(z) {
			if c == v.class {
				return true
			}
		}
	}
	return false
}
