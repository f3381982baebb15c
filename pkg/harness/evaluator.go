// Package harness evaluates one CRF parameter vector over the whole validation set
// on a fixed pool of workers and reduces the per-case lesion Dice to one fitness.
package harness

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"crftune/internal/models"
	"crftune/pkg/crf"
	"crftune/pkg/metrics"
	"crftune/pkg/telemetry"
)

// FailurePolicy decides how a round with failed jobs is scored
type FailurePolicy int

const (
	// FailAbort fails the whole round and hands the error to the caller
	FailAbort FailurePolicy = iota

	// FailWorst scores the round with the minimum Dice and keeps going
	FailWorst
)

// worstFitness is the lowest Dice a round can reach
const worstFitness = 0.0

// ParseFailurePolicy maps a configuration name to a policy
func ParseFailurePolicy(name string) (FailurePolicy, error) {
	switch name {
	case "abort", "":
		return FailAbort, nil
	case "worst":
		return FailWorst, nil
	}
	return FailAbort, fmt.Errorf("unknown failure policy %q", name)
}

func (p FailurePolicy) String() string {
	if p == FailWorst {
		return "worst"
	}
	return "abort"
}

// Evaluator is the objective of the optimisation driver. Rounds are expected to be
// issued one at a time; the round counter is nevertheless safe for concurrent use.
type Evaluator struct {
	pool      *Pool
	set       *models.VolumeSet
	policy    FailurePolicy
	logger    *logrus.Logger
	telemetry *telemetry.Recorder
	runID     string
	round     atomic.Int64
}

// NewEvaluator binds a pool to a volume set
func NewEvaluator(pool *Pool, set *models.VolumeSet, policy FailurePolicy, logger *logrus.Logger, rec *telemetry.Recorder) (*Evaluator, error) {
	if set == nil || set.Len() == 0 {
		return nil, ErrEmptyVolumeSet
	}
	return &Evaluator{
		pool:      pool,
		set:       set,
		policy:    policy,
		logger:    logger,
		telemetry: rec,
		runID:     uuid.NewString(),
	}, nil
}

// RunID identifies this evaluator in every log entry
func (e *Evaluator) RunID() string {
	return e.runID
}

// Rounds returns the number of rounds evaluated so far
func (e *Evaluator) Rounds() int64 {
	return e.round.Load()
}

func (e *Evaluator) jobs(params crf.Params, full, keep bool) []Job {
	jobs := make([]Job, e.set.Len())
	for i := range jobs {
		jobs[i] = Job{
			Index:          i,
			Case:           e.set.Case(i),
			Params:         params,
			Full:           full,
			KeepPrediction: keep,
		}
	}
	return jobs
}

// failures collects the job errors of a round in job order
func failures(results []Result) []error {
	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, &JobError{Index: r.Index, CaseID: r.CaseID, Err: r.Err})
		}
	}
	return errs
}

// Evaluate runs one round: CRF inference and lesion Dice on every case with the
// same parameters, reduced to the arithmetic mean. The context is only checked
// before dispatch; a dispatched round always runs to completion.
func (e *Evaluator) Evaluate(ctx context.Context, params crf.Params) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := params.Validate(); err != nil {
		return 0, err
	}

	round := e.round.Add(1)
	entry := e.logger.WithFields(params.Fields()).WithFields(logrus.Fields{
		"run_id": e.runID,
		"round":  round,
	})
	entry.Info("Evaluating CRF parameters")

	start := time.Now()
	results, err := e.pool.Run(e.jobs(params, false, false))
	if err != nil {
		return 0, err
	}
	elapsed := time.Since(start)

	if errs := failures(results); len(errs) > 0 {
		e.telemetry.ObserveRound(elapsed, worstFitness, true)
		roundErr := &RoundError{Round: round, Total: len(results), Failed: errs}
		if e.policy == FailAbort {
			return 0, roundErr
		}
		entry.WithField("fitness", worstFitness).Warnf("Round scored as worst: %v", roundErr)
		return worstFitness, nil
	}

	scores := make([]float64, len(results))
	for i, r := range results {
		scores[i] = r.Dice
		entry.WithFields(logrus.Fields{
			"case":     r.CaseID,
			"dice":     r.Dice,
			"duration": r.Duration,
		}).Debug("Case scored")
	}
	fitness := stat.Mean(scores, nil)

	e.telemetry.ObserveRound(elapsed, fitness, false)
	entry.WithFields(logrus.Fields{
		"fitness":  fitness,
		"duration": elapsed,
	}).Info("Round finished")
	return fitness, nil
}

// ScoreCases evaluates params once with the full metric set on every case. Any
// failed case fails the call regardless of the failure policy.
func (e *Evaluator) ScoreCases(ctx context.Context, params crf.Params, keepPredictions bool) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	e.logger.WithFields(params.Fields()).WithField("run_id", e.runID).Info("Scoring cases")
	results, err := e.pool.Run(e.jobs(params, true, keepPredictions))
	if err != nil {
		return nil, err
	}
	if errs := failures(results); len(errs) > 0 {
		return nil, &RoundError{Total: len(results), Failed: errs}
	}
	return results, nil
}

// MeanScores averages every metric over the results
func MeanScores(results []Result) metrics.ScoreSet {
	if len(results) == 0 {
		return metrics.ScoreSet{}
	}
	cols := make([][]float64, 6)
	for _, r := range results {
		s := r.Scores
		for i, v := range []float64{s.Dice, s.Jaccard, s.VOE, s.RVD, s.ASSD, s.MSD} {
			cols[i] = append(cols[i], v)
		}
	}
	return metrics.ScoreSet{
		Dice:    stat.Mean(cols[0], nil),
		Jaccard: stat.Mean(cols[1], nil),
		VOE:     stat.Mean(cols[2], nil),
		RVD:     stat.Mean(cols[3], nil),
		ASSD:    stat.Mean(cols[4], nil),
		MSD:     stat.Mean(cols[5], nil),
	}
}
