// Package telemetry counts evaluation rounds and jobs in a private Prometheus
// registry. crftune has no network surface, so the registry is flushed to a
// node-exporter style textfile instead of being served.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder holds the round and job collectors. A nil *Recorder is valid and records nothing.
type Recorder struct {
	registry *prometheus.Registry

	rounds        prometheus.Counter
	roundFailures prometheus.Counter
	jobs          *prometheus.CounterVec
	roundDuration prometheus.Histogram
	jobDuration   prometheus.Histogram
	lastFitness   prometheus.Gauge
	bestFitness   prometheus.Gauge
	workers       prometheus.Gauge

	best float64
}

// NewRecorder registers every collector in a fresh registry
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		rounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crftune",
			Name:      "rounds_total",
			Help:      "Objective evaluations started.",
		}),
		roundFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crftune",
			Name:      "round_failures_total",
			Help:      "Objective evaluations with at least one failed case.",
		}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crftune",
			Name:      "jobs_total",
			Help:      "CRF inference jobs by outcome.",
		}, []string{"outcome"}),
		roundDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "crftune",
			Name:      "round_duration_seconds",
			Help:      "Wall-clock time of one objective evaluation.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "crftune",
			Name:      "job_duration_seconds",
			Help:      "Wall-clock time of one CRF inference plus scoring.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
		lastFitness: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "crftune",
			Name:      "last_fitness",
			Help:      "Mean lesion Dice of the latest round.",
		}),
		bestFitness: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "crftune",
			Name:      "best_fitness",
			Help:      "Best mean lesion Dice so far.",
		}),
		workers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "crftune",
			Name:      "pool_workers",
			Help:      "Size of the evaluation worker pool.",
		}),
	}
	r.registry.MustRegister(r.rounds, r.roundFailures, r.jobs, r.roundDuration,
		r.jobDuration, r.lastFitness, r.bestFitness, r.workers)
	return r
}

// Registry exposes the underlying registry, mainly for tests
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// SetWorkers records the pool size
func (r *Recorder) SetWorkers(n int) {
	if r == nil {
		return
	}
	r.workers.Set(float64(n))
}

// ObserveJob records one finished job
func (r *Recorder) ObserveJob(d time.Duration, err error) {
	if r == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.jobs.WithLabelValues(outcome).Inc()
	r.jobDuration.Observe(d.Seconds())
}

// ObserveRound records one finished round. Rounds are observed from the
// coordinating goroutine only, so best needs no lock.
func (r *Recorder) ObserveRound(d time.Duration, fitness float64, failed bool) {
	if r == nil {
		return
	}
	r.rounds.Inc()
	r.roundDuration.Observe(d.Seconds())
	if failed {
		r.roundFailures.Inc()
		return
	}
	r.lastFitness.Set(fitness)
	if fitness > r.best {
		r.best = fitness
		r.bestFitness.Set(fitness)
	}
}

// WriteTextfile atomically writes every metric in Prometheus text format
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, r.registry)
}
