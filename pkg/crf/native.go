package crf

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"crftune/internal/models"
)

const (
	defaultIterations   = 5
	defaultWindowRadius = 3
	minProbability      = 1e-8
	minStd              = 1e-6

	// intensityScale maps normalised [0, 1] intensities onto the 0..255 range the
	// bilateral intensity std is expressed in
	intensityScale = 255
)

// Native is an in-process dense CRF solved by mean-field iterations with a Potts
// compatibility. The fully connected Gaussian kernels are truncated to a local
// window around each voxel. Sessions share no mutable state, so one Native value
// may serve every worker of the pool.
type Native struct{}

// Open implements Inferer
func (Native) Open(settings Settings) (Session, error) {
	if settings.MaxIterations <= 0 {
		settings.MaxIterations = defaultIterations
	}
	if settings.WindowRadius <= 0 {
		settings.WindowRadius = defaultWindowRadius
	}
	return &nativeSession{settings: settings}, nil
}

type nativeSession struct {
	settings Settings
	q, next  []float64
	unary    []float64
}

type offset struct {
	dx, dy, dz int

	// pos is the positional kernel weight, bil the spatial part of the bilateral kernel
	pos, bil float64
}

func (s *nativeSession) Close() error {
	s.q, s.next, s.unary = nil, nil, nil
	return nil
}

// memoryNeeded estimates the working set of one Run in bytes
func memoryNeeded(shape models.Shape, classes int) int64 {
	return int64(shape.Len()) * int64(classes) * 8 * 3
}

func (s *nativeSession) Run(img *models.Volume, prob *models.ProbabilityVolume, params Params) (*models.LabelVolume, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if img.Shape != prob.Shape {
		return nil, fmt.Errorf("image %s vs probabilities %s: %w", img.Shape, prob.Shape, models.ErrShapeMismatch)
	}
	classes := prob.Classes
	if classes < 1 || classes > math.MaxUint8+1 {
		return nil, fmt.Errorf("unsupported number of classes: %d", classes)
	}
	if need := memoryNeeded(img.Shape, classes); !s.settings.IgnoreMemory && s.settings.MemoryLimit > 0 && need > s.settings.MemoryLimit {
		return nil, fmt.Errorf("%w: need %d bytes, limit %d", ErrMemoryBudget, need, s.settings.MemoryLimit)
	}

	shape := img.Shape
	n := shape.Len()
	s.unary = make([]float64, n*classes)
	s.q = make([]float64, n*classes)
	s.next = make([]float64, n*classes)

	logits := make([]float64, classes)
	for i := 0; i < n; i++ {
		for c := 0; c < classes; c++ {
			p := math.Max(float64(prob.At(i, c)), minProbability)
			s.unary[i*classes+c] = -math.Log(p)
			logits[c] = -s.unary[i*classes+c]
		}
		normalize(logits, s.q[i*classes:(i+1)*classes])
	}

	kernel := s.buildKernel(params)
	invIntensity := 1 / (2 * sq(math.Max(params.BilateralIntensityStd, minStd)))
	msg := make([]float64, classes)

	for it := 0; it < s.settings.MaxIterations; it++ {
		for z := 0; z < shape.Z; z++ {
			for y := 0; y < shape.Y; y++ {
				for x := 0; x < shape.X; x++ {
					i := img.Index(x, y, z)
					for c := range msg {
						msg[c] = 0
					}
					for _, o := range kernel {
						xx, yy, zz := x+o.dx, y+o.dy, z+o.dz
						if xx < 0 || yy < 0 || zz < 0 || xx >= shape.X || yy >= shape.Y || zz >= shape.Z {
							continue
						}
						j := img.Index(xx, yy, zz)
						w := o.pos
						if o.bil > 0 {
							dI := (img.Data[i] - img.Data[j]) * intensityScale
							w += o.bil * math.Exp(-dI*dI*invIntensity)
						}
						floats.AddScaled(msg, w, s.q[j*classes:(j+1)*classes])
					}
					for c := 0; c < classes; c++ {
						logits[c] = -s.unary[i*classes+c] + msg[c]
					}
					normalize(logits, s.next[i*classes:(i+1)*classes])
				}
			}
		}
		s.q, s.next = s.next, s.q
	}

	out := models.NewLabelVolume(shape, img.Spacing)
	for i := 0; i < n; i++ {
		out.Data[i] = uint8(floats.MaxIdx(s.q[i*classes : (i+1)*classes]))
	}
	return out, nil
}

// buildKernel precomputes the spatial weights of every window offset
func (s *nativeSession) buildKernel(p Params) []offset {
	r := s.settings.WindowRadius
	rz := 1
	if s.settings.DynamicZ {
		rz = int(math.Ceil(2 * math.Max(p.PosZStd, p.BilateralZStd)))
		if rz > r {
			rz = r
		}
	}

	gauss := func(dx, dy, dz int, sx, sy, sz float64) float64 {
		e := sq(float64(dx))/(2*sq(math.Max(sx, minStd))) +
			sq(float64(dy))/(2*sq(math.Max(sy, minStd))) +
			sq(float64(dz))/(2*sq(math.Max(sz, minStd)))
		return math.Exp(-e)
	}

	var kernel []offset
	for dz := -rz; dz <= rz; dz++ {
		for dy := -r; dy <= r; dy++ {
			for dx := -r; dx <= r; dx++ {
				if dx == 0 && dy == 0 && dz == 0 {
					continue
				}
				o := offset{
					dx: dx, dy: dy, dz: dz,
					pos: p.PosW * gauss(dx, dy, dz, p.PosXStd, p.PosYStd, p.PosZStd),
					bil: p.BilateralW * gauss(dx, dy, dz, p.BilateralXStd, p.BilateralYStd, p.BilateralZStd),
				}
				if o.pos == 0 && o.bil == 0 {
					continue
				}
				kernel = append(kernel, o)
			}
		}
	}
	return kernel
}

// normalize writes softmax(logits) into dst
func normalize(logits, dst []float64) {
	lse := floats.LogSumExp(logits)
	for c, v := range logits {
		dst[c] = math.Exp(v - lse)
	}
}

func sq(v float64) float64 { return v * v }
