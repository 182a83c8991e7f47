package engine

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"multilevelreg/internal/models"
	"multilevelreg/pkg/metric"
	"multilevelreg/pkg/transform"
)

func blob(n int, center [3]float64) *models.Volume {
	v := models.NewVolume(models.NewGeometry([3]int{n, n, n}, [3]float64{1, 1, 1}, [3]float64{}))
	for z := 0; z < n; z++ {
		for y := 0; y < n; y++ {
			for x := 0; x < n; x++ {
				dx, dy, dz := float64(x)-center[0], float64(y)-center[1], float64(z)-center[2]
				v.Set(x, y, z, 100*math.Exp(-(dx*dx+dy*dy+dz*dz)/18))
			}
		}
	}
	return v
}

func translationRequest(fixed, moving *models.Volume) Request {
	return Request{
		Fixed:             fixed,
		Moving:            moving,
		Seed:              transform.Identity(fixed.Center()),
		Weights:           Weights{Translation: 1},
		MaxStepLength:     1,
		MinStepLength:     0.01,
		MaxIterations:     200,
		RelaxationFactor:  0.5,
		GradientTolerance: 1e-8,
		Metric:            metric.Options{Kind: metric.MeanSquares, SamplingFraction: 1},
	}
}

func TestRegularStepRecoversTranslation(t *testing.T) {
	fixed := blob(16, [3]float64{8, 8, 8})
	moving := blob(16, [3]float64{9.5, 8, 8})

	req := translationRequest(fixed, moving)
	var iterations []Iteration
	req.OnIteration = func(it Iteration) { iterations = append(iterations, it) }

	res, err := NewRegularStep().Optimize(context.Background(), req)
	require.NoError(t, err)
	require.True(t, res.HasEstimate)
	assert.InDelta(t, 1.5, res.Parameters[3], 0.1)
	assert.InDelta(t, 0, res.Parameters[4], 0.1)
	assert.InDelta(t, 0, res.Parameters[5], 0.1)
	assert.NotEmpty(t, res.StopReason)
	assert.Len(t, iterations, res.Iterations)

	// zero weights freeze rotation and scale
	assert.Equal(t, [3]float64{0, 0, 0}, [3]float64{res.Parameters[0], res.Parameters[1], res.Parameters[2]})
	assert.Equal(t, [3]float64{1, 1, 1}, [3]float64{res.Parameters[6], res.Parameters[7], res.Parameters[8]})
}

func TestRegularStepIsDeterministic(t *testing.T) {
	fixed := blob(12, [3]float64{6, 6, 6})
	moving := blob(12, [3]float64{6.5, 5.5, 6})
	req := translationRequest(fixed, moving)
	req.Weights = Weights{Rotation: 0.01, Translation: 1, Scaling: 0.01}
	req.Metric = metric.Options{Kind: metric.MutualInformation, Bins: 20, SamplingFraction: 0.3, Seed: 3}
	req.MaxIterations = 20

	a, err := NewRegularStep().Optimize(context.Background(), req)
	require.NoError(t, err)
	b, err := NewRegularStep().Optimize(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestRegularStepMovesStepLength(t *testing.T) {
	fixed := blob(16, [3]float64{8, 8, 8})
	moving := blob(16, [3]float64{9.5, 8, 8})
	seed := transform.Identity(fixed.Center()).Parameters()

	for _, w := range []float64{0.1, 1, 10} {
		t.Run(fmt.Sprint(w), func(t *testing.T) {
			req := translationRequest(fixed, moving)
			req.Weights = Weights{Translation: w}
			req.MaxIterations = 1
			var first *Iteration
			req.OnIteration = func(it Iteration) {
				if first == nil {
					first = &it
				}
			}

			_, err := NewRegularStep().Optimize(context.Background(), req)
			require.NoError(t, err)
			require.NotNil(t, first)

			var d2 float64
			for j := range seed {
				d := first.Parameters[j] - seed[j]
				d2 += d * d
			}
			assert.InDelta(t, req.MaxStepLength, math.Sqrt(d2), 1e-9)
		})
	}
}

func TestRegularStepFailures(t *testing.T) {
	fixed := blob(8, [3]float64{4, 4, 4})

	t.Run("NoOverlap", func(t *testing.T) {
		req := translationRequest(fixed, fixed)
		req.Seed.Translation = [3]float64{500, 0, 0}
		res, err := NewRegularStep().Optimize(context.Background(), req)
		assert.Error(t, err)
		assert.False(t, res.HasEstimate)
	})

	t.Run("Cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		res, err := NewRegularStep().Optimize(ctx, translationRequest(fixed, fixed))
		assert.ErrorIs(t, err, context.Canceled)
		assert.True(t, res.HasEstimate)
		assert.Equal(t, transform.Identity(fixed.Center()).Parameters(), res.Parameters)
	})

	t.Run("InvalidSettings", func(t *testing.T) {
		mutate := map[string]func(*Request){
			"missingSeed":  func(r *Request) { r.Seed = nil },
			"missingFixed": func(r *Request) { r.Fixed = nil },
			"maxStep":      func(r *Request) { r.MaxStepLength = 0 },
			"minStep":      func(r *Request) { r.MinStepLength = -1 },
			"relaxation":   func(r *Request) { r.RelaxationFactor = 1 },
			"iterations":   func(r *Request) { r.MaxIterations = -1 },
		}
		for name, f := range mutate {
			t.Run(name, func(t *testing.T) {
				req := translationRequest(fixed, fixed)
				f(&req)
				_, err := NewRegularStep().Optimize(context.Background(), req)
				assert.Error(t, err)
			})
		}
	})
}

func TestFunc(t *testing.T) {
	var e Engine = Func(func(_ context.Context, req Request) (Result, error) {
		return Result{Parameters: req.Seed.Parameters(), StopReason: "stub", HasEstimate: true}, nil
	})
	seed := transform.Identity([3]float64{1, 2, 3})
	res, err := e.Optimize(context.Background(), Request{Seed: seed})
	require.NoError(t, err)
	assert.Equal(t, "stub", res.StopReason)
	assert.Equal(t, seed.Parameters(), res.Parameters)
}

func TestWeightsPerParameter(t *testing.T) {
	w := Weights{Rotation: 1, Translation: 2, Scaling: 3}
	assert.Equal(t, [9]float64{1, 1, 1, 2, 2, 2, 3, 3, 3}, w.PerParameter())
}
