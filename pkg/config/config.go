// Package config provides configuration loading and management for crftune.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Failure policies for a round in which at least one case failed
const (
	FailureAbort = "abort"
	FailureWorst = "worst"
)

// CRF backends
const (
	BackendNative = "native"
	BackendExec   = "exec"
)

// Optimizer methods
const (
	MethodNelderMead = "neldermead"
	MethodCMAES      = "cmaes"
)

// PreviewLesion selects the axial slices that contain the lesion class
const PreviewLesion = "lesion"

// CaseConfig names the files of one validation case
type CaseConfig struct {
	ID          string `yaml:"id"`
	Image       string `yaml:"image"`
	Label       string `yaml:"label"`
	Probability string `yaml:"probability"`
}

// CRFParams mirrors the nine tunable CRF hyperparameters
type CRFParams struct {
	PosXStd               float64 `yaml:"posXStd" json:"pos_x_std"`
	PosYStd               float64 `yaml:"posYStd" json:"pos_y_std"`
	PosZStd               float64 `yaml:"posZStd" json:"pos_z_std"`
	BilateralXStd         float64 `yaml:"bilateralXStd" json:"bilateral_x_std"`
	BilateralYStd         float64 `yaml:"bilateralYStd" json:"bilateral_y_std"`
	BilateralZStd         float64 `yaml:"bilateralZStd" json:"bilateral_z_std"`
	BilateralIntensityStd float64 `yaml:"bilateralIntensityStd" json:"bilateral_intensity_std"`
	PosW                  float64 `yaml:"posW" json:"pos_w"`
	BilateralW            float64 `yaml:"bilateralW" json:"bilateral_w"`
}

// Config represents the application configuration loaded from YAML
type Config struct {
	// Preprocessing parameters
	Preprocess struct {
		// SliceShape is the target in-plane resolution [x, y]
		SliceShape [2]int `yaml:"sliceShape"`

		// Saturation is the intensity above which voxels are zeroed
		Saturation float64 `yaml:"saturation"`

		// Interpolation selects the image resampling kernel: bilinear or catmullrom
		Interpolation string `yaml:"interpolation"`

		// LesionClass is the label index scored by the harness
		LesionClass int `yaml:"lesionClass"`
	} `yaml:"preprocess"`

	// CRF inference tunables, passed through verbatim
	CRF struct {
		// Backend is native (in-process mean field) or exec (external command)
		Backend string `yaml:"backend"`

		MaxIterations int  `yaml:"maxIterations"`
		DynamicZ      bool `yaml:"dynamicZ"`
		IgnoreMemory  bool `yaml:"ignoreMemory"`

		// MemoryLimitMB caps the working set of one native session
		MemoryLimitMB int `yaml:"memoryLimitMB"`

		// WindowRadius caps the in-plane message passing window of the native backend
		WindowRadius int `yaml:"windowRadius"`

		// Command and Args configure the exec backend
		Command string   `yaml:"command"`
		Args    []string `yaml:"args,omitempty"`
	} `yaml:"crf"`

	// Dataset to evaluate on
	Dataset struct {
		Cases []CaseConfig `yaml:"cases,omitempty"`

		// Rotate90 rotates image and label in-plane before preprocessing
		Rotate90 bool `yaml:"rotate90"`
	} `yaml:"dataset"`

	// Harness parameters
	Harness struct {
		// Workers is the fixed worker pool size
		Workers int `yaml:"workers"`

		// FailurePolicy is abort or worst
		FailurePolicy string `yaml:"failurePolicy"`
	} `yaml:"harness"`

	// Optimizer parameters
	Optimizer struct {
		Method         string        `yaml:"method"`
		MaxTime        time.Duration `yaml:"maxTime"`
		MaxEvaluations int           `yaml:"maxEvaluations"`

		// Seed makes CMA-ES sampling reproducible
		Seed uint64 `yaml:"seed"`

		Initial CRFParams `yaml:"initial"`
		Lower   CRFParams `yaml:"lower"`
		Upper   CRFParams `yaml:"upper"`
	} `yaml:"optimizer"`

	// Output parameters
	Output struct {
		LogFile  string `yaml:"logFile"`
		LogLevel string `yaml:"logLevel"`

		// MetricsFile receives round telemetry in Prometheus text format
		MetricsFile string `yaml:"metricsFile"`

		// PreviewDir receives JPEG overlays of the best parameters, if set
		PreviewDir string `yaml:"previewDir"`

		// PreviewAxis is "lesion" for the axial slices showing the class, or
		// x, y or z for every slice along that axis
		PreviewAxis string `yaml:"previewAxis"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Preprocess.SliceShape = [2]int{388, 388}
	cfg.Preprocess.Saturation = 1200
	cfg.Preprocess.Interpolation = "bilinear"
	cfg.Preprocess.LesionClass = 2

	cfg.CRF.Backend = BackendNative
	cfg.CRF.MaxIterations = 10
	cfg.CRF.DynamicZ = false
	cfg.CRF.IgnoreMemory = false
	cfg.CRF.MemoryLimitMB = 4096
	cfg.CRF.WindowRadius = 3

	cfg.Dataset.Rotate90 = true

	cfg.Harness.Workers = runtime.NumCPU()
	cfg.Harness.FailurePolicy = FailureAbort

	cfg.Optimizer.Method = MethodNelderMead
	cfg.Optimizer.MaxTime = 24 * time.Hour
	cfg.Optimizer.Seed = 1
	cfg.Optimizer.Initial = CRFParams{
		PosXStd:               1.5,
		PosYStd:               1.5,
		PosZStd:               1.5,
		BilateralXStd:         9,
		BilateralYStd:         9,
		BilateralZStd:         9,
		BilateralIntensityStd: 20,
		PosW:                  3,
		BilateralW:            10,
	}
	cfg.Optimizer.Lower = CRFParams{
		PosXStd:               0.1,
		PosYStd:               0.1,
		PosZStd:               0.1,
		BilateralXStd:         0.1,
		BilateralYStd:         0.1,
		BilateralZStd:         0.1,
		BilateralIntensityStd: 0.1,
		PosW:                  0,
		BilateralW:            0,
	}
	cfg.Optimizer.Upper = CRFParams{
		PosXStd:               20,
		PosYStd:               20,
		PosZStd:               20,
		BilateralXStd:         50,
		BilateralYStd:         50,
		BilateralZStd:         50,
		BilateralIntensityStd: 100,
		PosW:                  50,
		BilateralW:            50,
	}

	cfg.Output.LogFile = "crftune.log"
	cfg.Output.LogLevel = "info"
	cfg.Output.PreviewAxis = PreviewLesion

	return cfg
}

// Validate checks the configuration for values that would make the run meaningless
func (c *Config) Validate() error {
	if c.Preprocess.SliceShape[0] <= 0 || c.Preprocess.SliceShape[1] <= 0 {
		return fmt.Errorf("%w: sliceShape %v must be positive", ErrInvalidConfig, c.Preprocess.SliceShape)
	}
	if c.Preprocess.LesionClass < 0 || c.Preprocess.LesionClass > math.MaxUint8 {
		return fmt.Errorf("%w: lesionClass %d out of range", ErrInvalidConfig, c.Preprocess.LesionClass)
	}
	switch c.Preprocess.Interpolation {
	case "catmullrom", "bilinear":
	default:
		return fmt.Errorf("%w: unknown interpolation %q", ErrInvalidConfig, c.Preprocess.Interpolation)
	}
	switch c.CRF.Backend {
	case BackendNative:
	case BackendExec:
		if c.CRF.Command == "" {
			return fmt.Errorf("%w: exec backend needs crf.command", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown crf backend %q", ErrInvalidConfig, c.CRF.Backend)
	}
	if c.CRF.MaxIterations <= 0 {
		return fmt.Errorf("%w: crf.maxIterations must be positive", ErrInvalidConfig)
	}
	if c.Harness.Workers <= 0 {
		return fmt.Errorf("%w: harness.workers must be positive", ErrInvalidConfig)
	}
	switch c.Harness.FailurePolicy {
	case FailureAbort, FailureWorst:
	default:
		return fmt.Errorf("%w: unknown failurePolicy %q", ErrInvalidConfig, c.Harness.FailurePolicy)
	}
	switch c.Optimizer.Method {
	case MethodNelderMead, MethodCMAES:
	default:
		return fmt.Errorf("%w: unknown optimizer method %q", ErrInvalidConfig, c.Optimizer.Method)
	}
	if c.Optimizer.MaxTime <= 0 && c.Optimizer.MaxEvaluations <= 0 {
		return fmt.Errorf("%w: optimizer needs maxTime or maxEvaluations", ErrInvalidConfig)
	}
	switch c.Output.PreviewAxis {
	case PreviewLesion, "x", "y", "z":
	default:
		return fmt.Errorf("%w: unknown previewAxis %q", ErrInvalidConfig, c.Output.PreviewAxis)
	}
	for i, cs := range c.Dataset.Cases {
		if cs.Image == "" || cs.Label == "" || cs.Probability == "" {
			return fmt.Errorf("%w: dataset case %d is missing a path", ErrInvalidConfig, i)
		}
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	// Relative dataset paths are resolved against the config file
	base := filepath.Dir(configPath)
	for i := range cfg.Dataset.Cases {
		cs := &cfg.Dataset.Cases[i]
		cs.Image = resolve(base, cs.Image)
		cs.Label = resolve(base, cs.Label)
		cs.Probability = resolve(base, cs.Probability)
		if cs.ID == "" {
			cs.ID = fmt.Sprintf("case-%03d", i)
		}
	}

	return cfg, nil
}

func resolve(base, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
