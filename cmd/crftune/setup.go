package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"crftune/internal/models"
	"crftune/pkg/config"
	"crftune/pkg/crf"
	"crftune/pkg/harness"
	"crftune/pkg/logging"
	"crftune/pkg/preprocess"
	"crftune/pkg/telemetry"
)

// app bundles everything a command needs once configuration has been read
type app struct {
	cfg       *config.Config
	logger    *logrus.Logger
	closeLog  func() error
	telemetry *telemetry.Recorder
	pool      *harness.Pool
	evaluator *harness.Evaluator
	set       *models.VolumeSet
}

// loadConfig reads the configuration file and applies command line overrides
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if workers > 0 {
		cfg.Harness.Workers = workers
	}
	if maxTime != "" {
		d, err := time.ParseDuration(maxTime)
		if err != nil {
			return nil, fmt.Errorf("%w: max-time: %v", config.ErrInvalidConfig, err)
		}
		cfg.Optimizer.MaxTime = d
	}
	if logLevel != "" {
		cfg.Output.LogLevel = logLevel
	}
	if previewAx != "" {
		cfg.Output.PreviewAxis = previewAx
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(cfg.Dataset.Cases) == 0 {
		return nil, fmt.Errorf("%w: dataset has no cases", config.ErrInvalidConfig)
	}
	return cfg, nil
}

// setup loads configuration and the validation set and starts the worker pool.
// Every failure here is a configuration error; whatever was already started is
// released before it is returned.
func setup(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}

	logger, closeLog, err := logging.New(cfg.Output.LogFile, cfg.Output.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, closeLog: closeLog, telemetry: telemetry.NewRecorder()}
	if err := a.start(ctx); err != nil {
		logger.Errorf("Setup failed: %v", err)
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) start(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	kernel, err := preprocess.KernelByName(cfg.Preprocess.Interpolation)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	pp := preprocess.DefaultParams(cfg.Preprocess.SliceShape[0], cfg.Preprocess.SliceShape[1])
	pp.Saturation = cfg.Preprocess.Saturation
	pp.Kernel = kernel

	files := make([]harness.CaseFiles, len(cfg.Dataset.Cases))
	for i, c := range cfg.Dataset.Cases {
		files[i] = harness.CaseFiles{ID: c.ID, Image: c.Image, Label: c.Label, Probability: c.Probability}
	}

	start := time.Now()
	a.set, err = harness.LoadVolumeSet(ctx, files, harness.LoadOptions{
		Preprocess: pp,
		Rotate90:   cfg.Dataset.Rotate90,
		Workers:    cfg.Harness.Workers,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to load validation set: %w", err)
	}
	logger.Infof("Validation set ready in %.2f seconds", time.Since(start).Seconds())

	policy, err := harness.ParseFailurePolicy(cfg.Harness.FailurePolicy)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	a.pool, err = harness.NewPool(harness.PoolConfig{
		Workers:     cfg.Harness.Workers,
		Inferer:     inferer(cfg),
		Settings:    settings(cfg),
		LesionClass: uint8(cfg.Preprocess.LesionClass),
	}, logger, a.telemetry)
	if err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	a.evaluator, err = harness.NewEvaluator(a.pool, a.set, policy, logger, a.telemetry)
	if err != nil {
		return fmt.Errorf("failed to create evaluator: %w", err)
	}
	logger.WithField("run_id", a.evaluator.RunID()).Infof("Evaluating %d cases on %d workers", a.set.Len(), a.pool.Size())
	return nil
}

// close stops the pool, flushes telemetry and releases the log file
func (a *app) close() {
	if a.pool != nil {
		a.pool.Close()
	}
	if err := a.telemetry.WriteTextfile(a.cfg.Output.MetricsFile); err != nil {
		a.logger.Warnf("Failed to write metrics file: %v", err)
	}
	if err := a.closeLog(); err != nil {
		fmt.Printf("Warning: failed to close log file: %v\n", err)
	}
}

func inferer(cfg *config.Config) crf.Inferer {
	if cfg.CRF.Backend == config.BackendExec {
		return &crf.Exec{Command: cfg.CRF.Command, Args: cfg.CRF.Args}
	}
	return crf.Native{}
}

func settings(cfg *config.Config) crf.Settings {
	return crf.Settings{
		MaxIterations: cfg.CRF.MaxIterations,
		DynamicZ:      cfg.CRF.DynamicZ,
		IgnoreMemory:  cfg.CRF.IgnoreMemory,
		MemoryLimit:   int64(cfg.CRF.MemoryLimitMB) << 20,
		WindowRadius:  cfg.CRF.WindowRadius,
	}
}

func toParams(p config.CRFParams) crf.Params {
	return crf.Params{
		PosXStd:               p.PosXStd,
		PosYStd:               p.PosYStd,
		PosZStd:               p.PosZStd,
		BilateralXStd:         p.BilateralXStd,
		BilateralYStd:         p.BilateralYStd,
		BilateralZStd:         p.BilateralZStd,
		BilateralIntensityStd: p.BilateralIntensityStd,
		PosW:                  p.PosW,
		BilateralW:            p.BilateralW,
	}
}

func fromParams(p crf.Params) config.CRFParams {
	return config.CRFParams{
		PosXStd:               p.PosXStd,
		PosYStd:               p.PosYStd,
		PosZStd:               p.PosZStd,
		BilateralXStd:         p.BilateralXStd,
		BilateralYStd:         p.BilateralYStd,
		BilateralZStd:         p.BilateralZStd,
		BilateralIntensityStd: p.BilateralIntensityStd,
		PosW:                  p.PosW,
		BilateralW:            p.BilateralW,
	}
}
