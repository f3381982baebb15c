// Package optimizer drives a derivative-free, bound-constrained search over the CRF
// hyperparameters. It depends only on an Objective and knows nothing of volumes.
package optimizer

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"crftune/pkg/crf"
)

// Methods
const (
	NelderMead = "neldermead"
	CMAES      = "cmaes"
)

// Objective scores one parameter vector; higher is better
type Objective interface {
	Evaluate(ctx context.Context, params crf.Params) (float64, error)
}

// Options configures a Driver
type Options struct {
	// Method is NelderMead or CMAES
	Method string

	// MaxTime bounds the wall-clock time of the search; zero means no limit
	MaxTime time.Duration

	// MaxEvaluations bounds the number of objective calls; zero means no limit
	MaxEvaluations int

	// Seed makes CMA-ES sampling reproducible
	Seed uint64
}

// Result summarises a finished search
type Result struct {
	// Best is the best parameter vector evaluated, always inside the bounds
	Best crf.Params

	// Fitness is the objective value at Best
	Fitness float64

	// Evaluations counts successful objective calls
	Evaluations int

	Elapsed time.Duration

	// Status is the gonum termination status
	Status optimize.Status
}

// Driver runs the optimisation loop
type Driver struct {
	objective Objective
	opts      Options
	logger    *logrus.Logger
}

// NewDriver creates a driver for the given objective
func NewDriver(objective Objective, opts Options, logger *logrus.Logger) (*Driver, error) {
	switch opts.Method {
	case NelderMead, CMAES:
	case "":
		opts.Method = NelderMead
	default:
		return nil, fmt.Errorf("unknown optimizer method %q", opts.Method)
	}
	if opts.MaxTime < 0 || opts.MaxEvaluations < 0 {
		return nil, fmt.Errorf("optimizer budget must not be negative")
	}
	return &Driver{objective: objective, opts: opts, logger: logger}, nil
}

// cmaesSpread is the initial per-axis standard deviation of CMA-ES samples in
// unit-box coordinates
const cmaesSpread = 0.25

func (d *Driver) method(dim int) (optimize.Method, error) {
	if d.opts.Method != CMAES {
		return &optimize.NelderMead{}, nil
	}
	cov := mat.NewSymDense(dim, nil)
	for i := 0; i < dim; i++ {
		cov.SetSym(i, i, cmaesSpread*cmaesSpread)
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(cov); !ok {
		return nil, fmt.Errorf("initial CMA-ES covariance is not positive definite")
	}
	return &optimize.CmaEsChol{
		InitStepSize: cmaesSpread,
		InitCholesky: &chol,
		Src:          rand.NewSource(d.opts.Seed),
	}, nil
}

// search holds the mutable state of one Run
type search struct {
	mu      sync.Mutex
	best    crf.Params
	fitness float64
	evals   int
	err     error
}

func (s *search) failed() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Run maximises the objective starting from initial. Every proposed point is
// projected into bounds before evaluation. An objective error stops the search;
// the error is returned together with the best point found before it.
func (d *Driver) Run(ctx context.Context, initial crf.Params, bounds Bounds) (Result, error) {
	if err := bounds.Validate(); err != nil {
		return Result{}, err
	}
	if err := initial.Validate(); err != nil {
		return Result{}, fmt.Errorf("initial point: %w", err)
	}
	if !bounds.Contains(initial) {
		return Result{}, fmt.Errorf("%w: initial point", ErrOutOfBounds)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	s := &search{best: initial, fitness: math.Inf(-1)}

	problem := optimize.Problem{
		Func: func(u []float64) float64 {
			if s.failed() != nil {
				return math.Inf(1)
			}
			params := bounds.denormalize(u)
			if err := ctx.Err(); err != nil {
				s.mu.Lock()
				s.err = err
				s.mu.Unlock()
				return math.Inf(1)
			}

			fitness, err := d.objective.Evaluate(ctx, params)

			s.mu.Lock()
			defer s.mu.Unlock()
			if err != nil {
				s.err = err
				return math.Inf(1)
			}
			s.evals++
			if fitness > s.fitness {
				s.fitness = fitness
				s.best = params
				d.logger.WithFields(params.Fields()).WithFields(logrus.Fields{
					"fitness":    fitness,
					"evaluation": s.evals,
				}).Info("New best fitness")
			}
			return -fitness
		},
		Status: func() (optimize.Status, error) {
			if err := s.failed(); err != nil {
				return optimize.Failure, err
			}
			return optimize.NotTerminated, nil
		},
	}

	settings := &optimize.Settings{
		Runtime:         d.opts.MaxTime,
		FuncEvaluations: d.opts.MaxEvaluations,
		Concurrent:      1,
	}
	if d.opts.Method == CMAES {
		settings.Converger = &optimize.NeverTerminate{}
	}

	d.logger.WithFields(logrus.Fields{
		"method":          d.opts.Method,
		"max_time":        d.opts.MaxTime,
		"max_evaluations": d.opts.MaxEvaluations,
	}).Info("Starting optimisation")

	x0 := bounds.normalize(initial)
	method, err := d.method(len(x0))
	if err != nil {
		return Result{}, err
	}

	start := time.Now()
	var res *optimize.Result
	budgetLeft := true
	if d.opts.Method == CMAES {
		// CMA-ES only samples around its mean, so the start is scored up front
		// and the reported best can never be worse than it
		problem.Func(x0)
		if settings.FuncEvaluations > 0 {
			settings.FuncEvaluations--
			budgetLeft = settings.FuncEvaluations > 0
		}
	}
	if s.failed() == nil && budgetLeft {
		res, err = optimize.Minimize(problem, x0, settings, method)
	}
	elapsed := time.Since(start)

	s.mu.Lock()
	defer s.mu.Unlock()
	out := Result{
		Best:        s.best,
		Fitness:     s.fitness,
		Evaluations: s.evals,
		Elapsed:     elapsed,
	}
	if s.evals == 0 {
		out.Fitness = math.NaN()
	}
	switch {
	case res != nil:
		out.Status = res.Status
	case !budgetLeft:
		out.Status = optimize.FunctionEvaluationLimit
	}

	if s.err != nil {
		return out, fmt.Errorf("optimisation aborted after %d evaluations: %w", s.evals, s.err)
	}
	if err != nil {
		return out, fmt.Errorf("optimisation failed: %w", err)
	}

	d.logger.WithFields(out.Best.Fields()).WithFields(logrus.Fields{
		"fitness":     out.Fitness,
		"evaluations": out.Evaluations,
		"elapsed":     out.Elapsed,
		"status":      out.Status.String(),
	}).Info("Optimisation finished")
	return out, nil
}
