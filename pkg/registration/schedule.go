package registration

import (
	"fmt"

	"multilevelreg/pkg/engine"
	"multilevelreg/pkg/metric"
)

// Denominator selects the level factor of the relaxation schedule.
type Denominator int

const (
	// LevelMinusOne divides level k > 1 settings by divisor*(k-1).
	LevelMinusOne Denominator = iota
	// Level divides level k > 1 settings by divisor*k.
	Level
)

func (d Denominator) String() string {
	switch d {
	case LevelMinusOne:
		return "levelMinusOne"
	case Level:
		return "level"
	default:
		return fmt.Sprintf("denominator(%d)", int(d))
	}
}

// ParseDenominator parses the configuration spelling of a Denominator.
func ParseDenominator(s string) (Denominator, error) {
	switch s {
	case "levelMinusOne", "":
		return LevelMinusOne, nil
	case "level":
		return Level, nil
	default:
		return 0, fmt.Errorf("unknown relaxation denominator %q, expected levelMinusOne or level", s)
	}
}

// Settings are the engine settings of one level.
type Settings struct {
	MaxStepLength     float64
	MinStepLength     float64
	MaxIterations     int
	RelaxationFactor  float64
	GradientTolerance float64
	Weights           engine.Weights
	Metric            metric.Options
}

// DefaultSettings mirrors the defaults of the command line tool.
func DefaultSettings() Settings {
	return Settings{
		MaxStepLength:     1.0,
		MinStepLength:     0.001,
		MaxIterations:     500,
		RelaxationFactor:  0.5,
		GradientTolerance: 0.001,
		Weights:           engine.Weights{Rotation: 0.001, Translation: 10, Scaling: 0.001},
		Metric:            metric.DefaultOptions(),
	}
}

// Schedule shrinks the search problem as levels progress. Level 1 uses
// the base settings. Every later level k divides the maximum step length
// and the three weights by Divisor*f(k), where f is chosen by Mode. The
// minimum step length, iteration cap, relaxation factor and gradient
// tolerance do not change.
type Schedule struct {
	Base    Settings
	Divisor float64
	Mode    Denominator
}

// ForLevel returns the settings of level k, counting from 1.
func (s Schedule) ForLevel(k int) (Settings, error) {
	if k < 1 {
		return Settings{}, fmt.Errorf("levels count from 1, got %d", k)
	}
	out := s.Base
	if k == 1 {
		return out, nil
	}
	if s.Divisor <= 0 {
		return Settings{}, fmt.Errorf("relaxation divisor must be positive, got %g", s.Divisor)
	}

	f := float64(k - 1)
	if s.Mode == Level {
		f = float64(k)
	}
	d := s.Divisor * f
	out.MaxStepLength /= d
	out.Weights.Rotation /= d
	out.Weights.Translation /= d
	out.Weights.Scaling /= d
	return out, nil
}
