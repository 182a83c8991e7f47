package registration

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"multilevelreg/internal/logging"
	"multilevelreg/internal/models"
	"multilevelreg/pkg/engine"
	"multilevelreg/pkg/errs"
	"multilevelreg/pkg/transform"
)

func TestSchedule(t *testing.T) {
	base := DefaultSettings()

	t.Run("FirstLevelUnmodified", func(t *testing.T) {
		for _, mode := range []Denominator{LevelMinusOne, Level} {
			got, err := Schedule{Base: base, Divisor: 2, Mode: mode}.ForLevel(1)
			require.NoError(t, err)
			assert.Equal(t, base, got)
		}
	})

	tests := []struct {
		name  string
		mode  Denominator
		level int
		div   float64
	}{
		{"LevelMinusOneSecond", LevelMinusOne, 2, 2},
		{"LevelMinusOneThird", LevelMinusOne, 3, 4},
		{"LevelSecond", Level, 2, 4},
		{"LevelThird", Level, 3, 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Schedule{Base: base, Divisor: 2, Mode: tt.mode}.ForLevel(tt.level)
			require.NoError(t, err)
			assert.InDelta(t, base.MaxStepLength/tt.div, got.MaxStepLength, 1e-15)
			assert.InDelta(t, base.Weights.Rotation/tt.div, got.Weights.Rotation, 1e-15)
			assert.InDelta(t, base.Weights.Translation/tt.div, got.Weights.Translation, 1e-15)
			assert.InDelta(t, base.Weights.Scaling/tt.div, got.Weights.Scaling, 1e-15)

			assert.Equal(t, base.MinStepLength, got.MinStepLength)
			assert.Equal(t, base.MaxIterations, got.MaxIterations)
			assert.Equal(t, base.RelaxationFactor, got.RelaxationFactor)
			assert.Equal(t, base.GradientTolerance, got.GradientTolerance)
			assert.Equal(t, base.Metric, got.Metric)
		})
	}

	t.Run("Invalid", func(t *testing.T) {
		_, err := Schedule{Base: base, Divisor: 2}.ForLevel(0)
		assert.Error(t, err)
		_, err = Schedule{Base: base, Divisor: 0}.ForLevel(2)
		assert.Error(t, err)
	})

	t.Run("StepShrinksWithLevel", func(t *testing.T) {
		rapid.Check(t, func(rt *rapid.T) {
			s := Schedule{
				Base:    base,
				Divisor: rapid.Float64Range(1, 10).Draw(rt, "divisor"),
				Mode:    Denominator(rapid.IntRange(0, 1).Draw(rt, "mode")),
			}
			k := rapid.IntRange(2, 20).Draw(rt, "k")
			a, err := s.ForLevel(k)
			if err != nil {
				rt.Fatal(err)
			}
			b, err := s.ForLevel(k + 1)
			if err != nil {
				rt.Fatal(err)
			}
			if b.MaxStepLength >= a.MaxStepLength {
				rt.Fatalf("level %d step %v not below level %d step %v", k+1, b.MaxStepLength, k, a.MaxStepLength)
			}
		})
	})
}

func TestParseDenominator(t *testing.T) {
	for _, d := range []Denominator{LevelMinusOne, Level} {
		got, err := ParseDenominator(d.String())
		require.NoError(t, err)
		assert.Equal(t, d, got)
	}
	_, err := ParseDenominator("halfLevel")
	assert.Error(t, err)
}

func testVolume() *models.Volume {
	return models.NewVolume(models.NewGeometry([3]int{10, 10, 10}, [3]float64{1, 1, 1}, [3]float64{5, 5, 5}))
}

func initialized() *transform.Composite {
	return transform.NewComposite(transform.Identity([3]float64{}))
}

func TestDriver(t *testing.T) {
	ctx := logging.WithLogger(context.Background(), logging.Discard())
	fixed := testVolume()
	cfg := LevelConfig{Level: 2, Settings: DefaultSettings()}

	t.Run("PackagesEngineResult", func(t *testing.T) {
		var seen engine.Request
		stub := engine.Func(func(_ context.Context, req engine.Request) (engine.Result, error) {
			seen = req
			p := req.Seed.Parameters()
			p[3] = 2.5
			return engine.Result{Parameters: p, Iterations: 7, StopReason: "stub", HasEstimate: true}, nil
		})

		out, err := NewDriver(stub, Hooks{}).Run(ctx, fixed, fixed, initialized(), cfg)
		require.NoError(t, err)
		require.NoError(t, out.Err)
		require.NotNil(t, out.Transform)
		assert.Equal(t, fixed.Center(), out.Transform.Center)
		assert.Equal(t, 2.5, out.Transform.Translation[0])
		assert.Equal(t, cfg.Settings.Weights, seen.Weights)
		assert.Equal(t, cfg.Settings.MaxStepLength, seen.MaxStepLength)
		assert.Equal(t, transform.Identity(fixed.Center()), seen.Seed)
	})

	t.Run("Preconditions", func(t *testing.T) {
		stub := engine.Func(func(context.Context, engine.Request) (engine.Result, error) {
			t.Fatal("engine must not run")
			return engine.Result{}, nil
		})
		d := NewDriver(stub, Hooks{})

		_, err := d.Run(ctx, fixed, fixed, transform.NewComposite(), cfg)
		assert.True(t, errs.Is(err, errs.Precondition))
		_, err = d.Run(ctx, nil, fixed, initialized(), cfg)
		assert.True(t, errs.Is(err, errs.Precondition))
	})

	t.Run("EngineFailureKeepsEstimate", func(t *testing.T) {
		stub := engine.Func(func(_ context.Context, req engine.Request) (engine.Result, error) {
			p := req.Seed.Parameters()
			p[4] = -1
			return engine.Result{Parameters: p, HasEstimate: true, StopReason: "diverged"}, errors.New("boom")
		})
		out, err := NewDriver(stub, Hooks{}).Run(ctx, fixed, fixed, initialized(), cfg)
		require.NoError(t, err)
		assert.True(t, errs.Is(out.Err, errs.EngineFailure))
		require.NotNil(t, out.Transform)
		assert.Equal(t, -1.0, out.Transform.Translation[1])
	})

	t.Run("EngineFailureWithoutEstimate", func(t *testing.T) {
		stub := engine.Func(func(context.Context, engine.Request) (engine.Result, error) {
			return engine.Result{}, errors.New("no overlap")
		})
		out, err := NewDriver(stub, Hooks{}).Run(ctx, fixed, fixed, initialized(), cfg)
		require.NoError(t, err)
		assert.True(t, errs.Is(out.Err, errs.EngineFailure))
		assert.Nil(t, out.Transform)
	})

	t.Run("InvalidScaleIsFailure", func(t *testing.T) {
		stub := engine.Func(func(_ context.Context, req engine.Request) (engine.Result, error) {
			p := req.Seed.Parameters()
			p[7] = 0
			return engine.Result{Parameters: p, HasEstimate: true}, nil
		})
		out, err := NewDriver(stub, Hooks{}).Run(ctx, fixed, fixed, initialized(), cfg)
		require.NoError(t, err)
		assert.True(t, errs.Is(out.Err, errs.EngineFailure))
		assert.Nil(t, out.Transform)
	})

	t.Run("Hooks", func(t *testing.T) {
		stub := engine.Func(func(_ context.Context, req engine.Request) (engine.Result, error) {
			p := req.Seed.Parameters()
			for i := 0; i < 120; i++ {
				p[3] = float64(i)
				req.OnIteration(engine.Iteration{Index: i, StepLength: 1, Parameters: p})
			}
			return engine.Result{Parameters: p, HasEstimate: true, Iterations: 120}, nil
		})

		var iterations, snapshots []int
		hooks := Hooks{
			OnIteration: func(level int, it engine.Iteration) {
				assert.Equal(t, 2, level)
				iterations = append(iterations, it.Index)
			},
			OnSnapshot: func(level int, it engine.Iteration, rs *transform.RigidScale) {
				assert.Equal(t, float64(it.Index), rs.Translation[0])
				snapshots = append(snapshots, it.Index)
			},
		}

		quiet := cfg
		_, err := NewDriver(stub, hooks).Run(ctx, fixed, fixed, initialized(), quiet)
		require.NoError(t, err)
		assert.Empty(t, iterations)
		assert.Empty(t, snapshots)

		loud := cfg
		loud.Observe, loud.Debug = true, true
		_, err = NewDriver(stub, hooks).Run(ctx, fixed, fixed, initialized(), loud)
		require.NoError(t, err)
		assert.Len(t, iterations, 120)
		assert.Equal(t, []int{0, 50, 100}, snapshots)
	})
}
