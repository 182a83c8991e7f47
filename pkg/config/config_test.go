package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"multilevelreg/pkg/metric"
	"multilevelreg/pkg/registration"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 1, cfg.Levels.Count)
	assert.Equal(t, 2.0, cfg.Relaxation.Divisor)
	assert.Equal(t, "levelMinusOne", cfg.Relaxation.Denominator)
	assert.True(t, cfg.Initialization.CenterOfGeometry)
	assert.Positive(t, cfg.Processing.NumCores)

	s := cfg.Settings()
	want := registration.DefaultSettings()
	assert.Equal(t, want.MaxStepLength, s.MaxStepLength)
	assert.Equal(t, want.MinStepLength, s.MinStepLength)
	assert.Equal(t, want.MaxIterations, s.MaxIterations)
	assert.Equal(t, want.RelaxationFactor, s.RelaxationFactor)
	assert.Equal(t, want.GradientTolerance, s.GradientTolerance)
	assert.Equal(t, want.Weights, s.Weights)
	assert.Equal(t, metric.MutualInformation, s.Metric.Kind)
	assert.Equal(t, 50, s.Metric.Bins)
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()

	t.Run("MissingFileGivesDefaults", func(t *testing.T) {
		cfg, err := LoadConfig(filepath.Join(dir, "absent.yaml"))
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig().Registration, cfg.Registration)
	})

	t.Run("OverridesDefaults", func(t *testing.T) {
		path := filepath.Join(dir, "partial.yaml")
		yaml := strings.Join([]string{
			"levels:",
			"  count: 3",
			"  roiFiles: [a.acsv, b.acsv]",
			"relaxation:",
			"  denominator: level",
			"registration:",
			"  metric: meanSquares",
			"  iterations: 40",
			"initialization:",
			"  translate: [true, false, true]",
			"preprocessing:",
			"  upperThreshold: 900",
			"crop:",
			"  inclusiveSize: true",
		}, "\n")
		require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		require.NoError(t, cfg.Validate())

		assert.Equal(t, 3, cfg.Levels.Count)
		assert.Equal(t, []string{"a.acsv", "b.acsv"}, cfg.Levels.ROIFiles)
		assert.Equal(t, 40, cfg.Registration.Iterations)
		assert.Equal(t, 0.5, cfg.Registration.RelaxationFactor, "unset keys keep their default")
		assert.Equal(t, [3]bool{true, false, true}, cfg.Initialization.Translate)
		require.NotNil(t, cfg.Preprocessing.UpperThreshold)
		assert.Equal(t, 900.0, *cfg.Preprocessing.UpperThreshold)
		assert.Nil(t, cfg.Preprocessing.LowerThreshold)

		params, err := cfg.Params()
		require.NoError(t, err)
		assert.Equal(t, 3, params.Levels)
		assert.Equal(t, registration.Level, params.Schedule.Mode)
		assert.Equal(t, metric.MeanSquares, params.Schedule.Base.Metric.Kind)
		assert.True(t, params.Crop.Inclusive)
		assert.Equal(t, [3]bool{true, false, true}, params.Initializer.Translate)
	})

	t.Run("InvalidYAML", func(t *testing.T) {
		path := filepath.Join(dir, "broken.yaml")
		require.NoError(t, os.WriteFile(path, []byte("levels: [unclosed"), 0644))
		_, err := LoadConfig(path)
		assert.Error(t, err)
	})
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, CreateDefaultConfigFile(path))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"NegativeLevels", func(c *Config) { c.Levels.Count = -1 }, "levels.count"},
		{"TooManyROIs", func(c *Config) { c.Levels.ROIFiles = []string{"a", "b"} }, "roiFiles"},
		{"TooFewROIs", func(c *Config) { c.Levels.Count = 3 }, "roiFiles"},
		{"Divisor", func(c *Config) { c.Relaxation.Divisor = 0 }, "divisor"},
		{"Denominator", func(c *Config) { c.Relaxation.Denominator = "half" }, "denominator"},
		{"Scale", func(c *Config) { c.Registration.TranslationScale = -1 }, "scales"},
		{"MaxStep", func(c *Config) { c.Registration.MaxStepLength = 0 }, "maxStepLength"},
		{"MinStep", func(c *Config) { c.Registration.MinStepLength = 2 }, "minStepLength"},
		{"Relaxation", func(c *Config) { c.Registration.RelaxationFactor = 1 }, "relaxationFactor"},
		{"Metric", func(c *Config) { c.Registration.Metric = "correlation" }, "metric"},
		{"Bins", func(c *Config) { c.Registration.HistogramBins = 1 }, "histogramBins"},
		{"Sampling", func(c *Config) { c.Registration.SamplingFraction = 0 }, "samplingFraction"},
		{"Variance", func(c *Config) { c.Preprocessing.GaussianVariance = -1 }, "gaussianVariance"},
		{"Reference", func(c *Config) { c.Initialization.ReferenceImage = "ref.nrrd" }, "referenceImage"},
		{"Fiducials", func(c *Config) { c.Validation.FixedFiducials = "f.fcsv" }, "fiducials"},
		{"Cores", func(c *Config) { c.Processing.NumCores = -2 }, "numCores"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, strings.ToLower(err.Error()), strings.ToLower(tt.want))
		})
	}
}
