// Package config provides configuration loading and management for
// multilevelreg. It handles loading configuration from YAML files and
// provides default values matching the legacy command line.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"multilevelreg/pkg/engine"
	"multilevelreg/pkg/initializer"
	"multilevelreg/pkg/manager"
	"multilevelreg/pkg/metric"
	"multilevelreg/pkg/pipeline"
	"multilevelreg/pkg/registration"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Levels of registration after initialization
	Levels struct {
		// Count is the number of registration levels
		Count int `yaml:"count"`

		// ROIFiles lists one ROI file per level, or one fewer when level 1
		// runs on the whole volume
		ROIFiles []string `yaml:"roiFiles,omitempty"`
	} `yaml:"levels"`

	// Relaxation shrinks steps and weights from level to level
	Relaxation struct {
		// Divisor scales the per-level reduction
		Divisor float64 `yaml:"divisor"`

		// Denominator is levelMinusOne or level
		Denominator string `yaml:"denominator"`
	} `yaml:"relaxation"`

	// Registration engine parameters of level 1
	Registration struct {
		RotationScale     float64 `yaml:"rotationScale"`
		TranslationScale  float64 `yaml:"translationScale"`
		ScalingScale      float64 `yaml:"scalingScale"`
		Iterations        int     `yaml:"iterations"`
		MaxStepLength     float64 `yaml:"maxStepLength"`
		MinStepLength     float64 `yaml:"minStepLength"`
		RelaxationFactor  float64 `yaml:"relaxationFactor"`
		GradientTolerance float64 `yaml:"gradientTolerance"`

		// Metric is mutualInformation or meanSquares
		Metric           string  `yaml:"metric"`
		HistogramBins    int     `yaml:"histogramBins"`
		SamplingFraction float64 `yaml:"samplingFraction"`
		Seed             uint64  `yaml:"seed"`
	} `yaml:"registration"`

	// Initialization of the first transform
	Initialization struct {
		CenterOfGeometry bool    `yaml:"centerOfGeometry"`
		Iterative        bool    `yaml:"iterative"`
		Translate        [3]bool `yaml:"translate,flow"`
		Rotate           [3]bool `yaml:"rotate,flow"`

		// ManualTransform is an affine .tfm file replacing the modes above
		ManualTransform string `yaml:"manualTransform"`

		// FixedInitialTransform resamples the fixed volume onto
		// ReferenceImage before registration
		FixedInitialTransform string `yaml:"fixedInitialTransform"`
		ReferenceImage        string `yaml:"referenceImage"`
	} `yaml:"initialization"`

	// Preprocessing of the moving volume
	Preprocessing struct {
		UpperThreshold *float64 `yaml:"upperThreshold"`
		LowerThreshold *float64 `yaml:"lowerThreshold"`

		// GaussianVariance in mm², 0 disables smoothing
		GaussianVariance float64 `yaml:"gaussianVariance"`
	} `yaml:"preprocessing"`

	// Crop parameters
	Crop struct {
		// InclusiveSize adds the end voxel to the crop region
		InclusiveSize bool `yaml:"inclusiveSize"`
	} `yaml:"crop"`

	// Validation parameters
	Validation struct {
		// Checkerboard writes a checkerboard volume after every level
		Checkerboard bool `yaml:"checkerboard"`

		// Fiducial landmark files in the fixed and moving frames
		FixedFiducials  string `yaml:"fixedFiducials"`
		MovingFiducials string `yaml:"movingFiducials"`
	} `yaml:"validation"`

	// Output parameters
	Output struct {
		// Transform is the path of the final composite transform
		Transform string `yaml:"transform"`

		// ResampledImage receives the moving volume resampled onto the fixed grid
		ResampledImage string `yaml:"resampledImage"`

		// Observe logs engine progress
		Observe bool `yaml:"observe"`

		// DebugTransforms saves transform snapshots during registration
		DebugTransforms bool `yaml:"debugTransforms"`

		// DebugImages saves resampled volumes with JPEG previews
		DebugImages bool `yaml:"debugImages"`

		// DebugDirectory receives debug artifacts, one subdirectory per run
		DebugDirectory string `yaml:"debugDirectory"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`

	// Processing parameters
	Processing struct {
		// NumCores specifies how many CPU cores to use for resampling
		NumCores int `yaml:"numCores"`
	} `yaml:"processing"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Levels.Count = 1

	cfg.Relaxation.Divisor = 2
	cfg.Relaxation.Denominator = registration.LevelMinusOne.String()

	cfg.Registration.RotationScale = 0.001
	cfg.Registration.TranslationScale = 10
	cfg.Registration.ScalingScale = 0.001
	cfg.Registration.Iterations = 500
	cfg.Registration.MaxStepLength = 1.0
	cfg.Registration.MinStepLength = 0.001
	cfg.Registration.RelaxationFactor = 0.5
	cfg.Registration.GradientTolerance = 0.001
	cfg.Registration.Metric = string(metric.MutualInformation)
	cfg.Registration.HistogramBins = 50
	cfg.Registration.SamplingFraction = 0.01
	cfg.Registration.Seed = 1

	cfg.Initialization.CenterOfGeometry = true

	cfg.Output.Transform = "output.tfm"
	cfg.Output.DebugDirectory = "debug"

	cfg.Processing.NumCores = runtime.NumCPU() // Use all available cores by default

	return cfg
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

	return cfg, nil
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

// Validate checks the configuration for values the pipeline cannot run
// with.
func (c *Config) Validate() error {
	if c.Levels.Count < 0 {
		return fmt.Errorf("levels.count must not be negative, got %d", c.Levels.Count)
	}
	if d := c.Levels.Count - len(c.Levels.ROIFiles); d != 0 && d != 1 {
		return fmt.Errorf("levels.roiFiles must list %d or %d files for %d levels, got %d",
			c.Levels.Count-1, c.Levels.Count, c.Levels.Count, len(c.Levels.ROIFiles))
	}
	if c.Relaxation.Divisor <= 0 {
		return fmt.Errorf("relaxation.divisor must be positive, got %g", c.Relaxation.Divisor)
	}
	if _, err := registration.ParseDenominator(c.Relaxation.Denominator); err != nil {
		return fmt.Errorf("relaxation.denominator: %w", err)
	}

	r := c.Registration
	if r.RotationScale < 0 || r.TranslationScale < 0 || r.ScalingScale < 0 {
		return fmt.Errorf("registration scales must not be negative")
	}
	if r.Iterations < 0 {
		return fmt.Errorf("registration.iterations must not be negative, got %d", r.Iterations)
	}
	if r.MaxStepLength <= 0 {
		return fmt.Errorf("registration.maxStepLength must be positive, got %g", r.MaxStepLength)
	}
	if r.MinStepLength < 0 || r.MinStepLength > r.MaxStepLength {
		return fmt.Errorf("registration.minStepLength must lie in [0, maxStepLength], got %g", r.MinStepLength)
	}
	if r.RelaxationFactor <= 0 || r.RelaxationFactor >= 1 {
		return fmt.Errorf("registration.relaxationFactor must lie in (0, 1), got %g", r.RelaxationFactor)
	}
	switch metric.Kind(r.Metric) {
	case metric.MutualInformation, metric.MeanSquares:
	default:
		return fmt.Errorf("registration.metric must be %s or %s, got %q", metric.MutualInformation, metric.MeanSquares, r.Metric)
	}
	if r.HistogramBins < 2 {
		return fmt.Errorf("registration.histogramBins must be at least 2, got %d", r.HistogramBins)
	}
	if r.SamplingFraction <= 0 || r.SamplingFraction > 1 {
		return fmt.Errorf("registration.samplingFraction must lie in (0, 1], got %g", r.SamplingFraction)
	}

	if c.Preprocessing.GaussianVariance < 0 {
		return fmt.Errorf("preprocessing.gaussianVariance must not be negative, got %g", c.Preprocessing.GaussianVariance)
	}
	if c.Initialization.FixedInitialTransform == "" && c.Initialization.ReferenceImage != "" {
		return fmt.Errorf("initialization.referenceImage needs initialization.fixedInitialTransform")
	}
	if (c.Validation.FixedFiducials == "") != (c.Validation.MovingFiducials == "") {
		return fmt.Errorf("validation needs both fixedFiducials and movingFiducials")
	}
	if c.Processing.NumCores < 0 {
		return fmt.Errorf("processing.numCores must not be negative, got %d", c.Processing.NumCores)
	}
	return nil
}

// Settings returns the level 1 engine settings.
func (c *Config) Settings() registration.Settings {
	r := c.Registration
	return registration.Settings{
		MaxStepLength:     r.MaxStepLength,
		MinStepLength:     r.MinStepLength,
		MaxIterations:     r.Iterations,
		RelaxationFactor:  r.RelaxationFactor,
		GradientTolerance: r.GradientTolerance,
		Weights: engine.Weights{
			Rotation:    r.RotationScale,
			Translation: r.TranslationScale,
			Scaling:     r.ScalingScale,
		},
		Metric: metric.Options{
			Kind:             metric.Kind(r.Metric),
			Bins:             r.HistogramBins,
			SamplingFraction: r.SamplingFraction,
			Seed:             r.Seed,
		},
	}
}

// Params converts the configuration into pipeline parameters. The run ID
// is left to the caller.
func (c *Config) Params() (pipeline.Params, error) {
	mode, err := registration.ParseDenominator(c.Relaxation.Denominator)
	if err != nil {
		return pipeline.Params{}, err
	}
	return pipeline.Params{
		Levels: c.Levels.Count,
		Schedule: registration.Schedule{
			Base:    c.Settings(),
			Divisor: c.Relaxation.Divisor,
			Mode:    mode,
		},
		Initializer: initializer.Options{
			Iterative:        c.Initialization.Iterative,
			CenterOfGeometry: c.Initialization.CenterOfGeometry,
			Translate:        c.Initialization.Translate,
			Rotate:           c.Initialization.Rotate,
			Observe:          c.Output.Observe,
		},
		Preprocess: pipeline.Preprocess{
			UpperThreshold: c.Preprocessing.UpperThreshold,
			LowerThreshold: c.Preprocessing.LowerThreshold,
			Variance:       c.Preprocessing.GaussianVariance,
		},
		Crop:          manager.CropOptions{Inclusive: c.Crop.InclusiveSize},
		NumCores:      c.Processing.NumCores,
		Observe:       c.Output.Observe,
		Debug:         c.Output.DebugTransforms || c.Output.DebugImages,
		Checkerboard:  c.Validation.Checkerboard,
		TransformPath: c.Output.Transform,
	}, nil
}
