package crf

import (
	"errors"

	"crftune/internal/models"
)

// ErrMemoryBudget is returned when a session would exceed its memory limit
var ErrMemoryBudget = errors.New("CRF memory budget exceeded")

// Settings are the CRF tunables that are passed through verbatim and stay fixed
// for the whole optimisation run.
type Settings struct {
	// MaxIterations caps the number of mean-field iterations
	MaxIterations int

	// DynamicZ derives the through-plane window from the z standard deviations
	// instead of using only the adjacent slices
	DynamicZ bool

	// IgnoreMemory skips the memory budget check
	IgnoreMemory bool

	// MemoryLimit is the working-set budget of one session in bytes
	MemoryLimit int64

	// WindowRadius bounds the message passing neighbourhood in voxels
	WindowRadius int
}

// Inferer hands out CRF sessions. Implementations must be safe for concurrent Open calls.
type Inferer interface {
	Open(settings Settings) (Session, error)
}

// Session is a scoped CRF inference context. It is used by exactly one job and
// must be closed when the job ends, whether it succeeded or not.
type Session interface {
	// Run labels every voxel of img given the classifier probabilities
	Run(img *models.Volume, prob *models.ProbabilityVolume, params Params) (*models.LabelVolume, error)

	// Close releases every resource held by the session
	Close() error
}

// InfererFunc adapts a plain function into a stateless Inferer
type InfererFunc func(img *models.Volume, prob *models.ProbabilityVolume, params Params) (*models.LabelVolume, error)

// Open implements Inferer
func (f InfererFunc) Open(Settings) (Session, error) {
	return funcSession(f), nil
}

type funcSession InfererFunc

func (s funcSession) Run(img *models.Volume, prob *models.ProbabilityVolume, params Params) (*models.LabelVolume, error) {
	return s(img, prob, params)
}

func (s funcSession) Close() error { return nil }
