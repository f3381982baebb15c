package harness

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"crftune/internal/models"
	"crftune/pkg/crf"
	"crftune/pkg/metrics"
	"crftune/pkg/telemetry"
)

// ErrPoolClosed is returned by Run after Close
var ErrPoolClosed = errors.New("worker pool closed")

// Job is one CRF inference plus scoring on one case. Jobs are immutable once built.
type Job struct {
	// Index is the position of the case in the volume set
	Index int

	// Case is a read-only reference into the volume set
	Case *models.Case

	// Params is the round's parameter vector, copied into every job
	Params crf.Params

	// Full requests the complete ScoreSet instead of lesion Dice only
	Full bool

	// KeepPrediction returns the predicted label volume with the result
	KeepPrediction bool
}

// Result is the outcome of one Job
type Result struct {
	Index  int
	CaseID string

	// Dice is the lesion Dice of the prediction
	Dice float64

	// Scores is set when the job asked for the full ScoreSet
	Scores metrics.ScoreSet

	// Prediction is set when the job asked to keep it
	Prediction *models.LabelVolume

	Duration time.Duration
	Err      error
}

// PoolConfig configures a worker pool
type PoolConfig struct {
	// Workers is the fixed number of workers
	Workers int

	// Inferer hands out one CRF session per job
	Inferer crf.Inferer

	// Settings are the CRF tunables passed to every session
	Settings crf.Settings

	// LesionClass is the label scored by every job
	LesionClass uint8
}

type task struct {
	job     Job
	results chan<- Result
}

// Pool is a fixed-size set of workers created once and reused by every round.
// Run submits a whole batch and blocks until every job has finished.
type Pool struct {
	cfg       PoolConfig
	tasks     chan task
	wg        sync.WaitGroup
	mu        sync.RWMutex
	closed    bool
	logger    *logrus.Logger
	telemetry *telemetry.Recorder
}

// NewPool starts cfg.Workers workers
func NewPool(cfg PoolConfig, logger *logrus.Logger, rec *telemetry.Recorder) (*Pool, error) {
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("pool needs at least one worker, got %d", cfg.Workers)
	}
	if cfg.Inferer == nil {
		return nil, errors.New("pool needs a CRF inferer")
	}

	p := &Pool{
		cfg:       cfg,
		tasks:     make(chan task),
		logger:    logger,
		telemetry: rec,
	}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	rec.SetWorkers(cfg.Workers)
	logger.Infof("Created %d CRF workers", cfg.Workers)
	return p, nil
}

// Size returns the number of workers
func (p *Pool) Size() int {
	return p.cfg.Workers
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for t := range p.tasks {
		res := p.process(t.job)
		if res.Err != nil {
			p.logger.WithFields(logrus.Fields{
				"worker": id,
				"case":   res.CaseID,
			}).Errorf("CRF job failed: %v", res.Err)
		}
		t.results <- res
	}
	p.logger.Debugf("Worker %d stopping", id)
}

// process runs one job. The CRF session is released on every path, and a panic
// inside the collaborator is turned into a job error instead of killing the process.
func (p *Pool) process(job Job) (res Result) {
	start := time.Now()
	res = Result{Index: job.Index}

	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("panic in CRF job: %v\n%s", r, debug.Stack())
		}
		res.Duration = time.Since(start)
		p.telemetry.ObserveJob(res.Duration, res.Err)
	}()

	res.CaseID = job.Case.ID

	session, err := p.cfg.Inferer.Open(p.cfg.Settings)
	if err != nil {
		res.Err = fmt.Errorf("failed to open CRF session: %w", err)
		return res
	}
	defer func() {
		if cerr := session.Close(); cerr != nil && res.Err == nil {
			res.Err = fmt.Errorf("failed to close CRF session: %w", cerr)
		}
	}()

	pred, err := session.Run(job.Case.Image, job.Case.Probability, job.Params)
	if err != nil {
		res.Err = fmt.Errorf("CRF inference failed: %w", err)
		return res
	}

	if job.Full {
		scores, err := metrics.Score(pred, job.Case.Label, job.Case.Label.Spacing, p.cfg.LesionClass)
		if err != nil {
			res.Err = fmt.Errorf("scoring failed: %w", err)
			return res
		}
		res.Scores = scores
		res.Dice = scores.Dice
	} else {
		dice, err := metrics.Dice(pred, job.Case.Label, p.cfg.LesionClass)
		if err != nil {
			res.Err = fmt.Errorf("scoring failed: %w", err)
			return res
		}
		res.Dice = dice
	}

	if job.KeepPrediction {
		res.Prediction = pred
	}
	return res
}

// Run dispatches every job and waits for all of them. There is no cancellation:
// once submitted, each job runs to completion or failure. Results are returned in
// job order regardless of completion order.
func (p *Pool) Run(jobs []Job) ([]Result, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrPoolClosed
	}

	results := make(chan Result, len(jobs))
	go func() {
		for _, j := range jobs {
			p.tasks <- task{job: j, results: results}
		}
	}()

	out := make([]Result, len(jobs))
	pos := make(map[int]int, len(jobs))
	for i, j := range jobs {
		pos[j.Index] = i
	}
	for completed := 0; completed < len(jobs); completed++ {
		res := <-results
		out[pos[res.Index]] = res
	}
	return out, nil
}

// Close stops the workers after in-flight work has drained
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.tasks)
	p.wg.Wait()
}
