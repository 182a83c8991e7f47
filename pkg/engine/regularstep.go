package engine

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"

	"multilevelreg/pkg/metric"
	"multilevelreg/pkg/transform"
)

// Stop reasons reported by RegularStep.
const (
	StopMaxIterations     = "maximum number of iterations reached"
	StopStepTooSmall      = "step length below minimum"
	StopGradientTolerance = "gradient magnitude below tolerance"
)

// minScale keeps scale parameters positive during descent.
const minScale = 1e-3

// RegularStep is a regular-step gradient descent over the nine rigid+scale
// parameters. The step starts at the maximum step length and is multiplied
// by the relaxation factor whenever the descent direction reverses. The
// gradient of the sampled metric is taken by central finite differences.
type RegularStep struct {
	// DerivativeStep is the finite difference step in parameter units
	DerivativeStep float64
}

// NewRegularStep returns the default engine.
func NewRegularStep() *RegularStep {
	return &RegularStep{DerivativeStep: 1e-3}
}

// Optimize runs the descent described by req.
func (e *RegularStep) Optimize(ctx context.Context, req Request) (Result, error) {
	if err := validate(req); err != nil {
		return Result{}, err
	}
	m, err := metric.New(req.Fixed, req.Moving, req.Metric)
	if err != nil {
		return Result{}, fmt.Errorf("error setting up metric: %v", err)
	}

	seed := req.Seed
	value := func(x []float64) float64 {
		var p transform.Parameters
		copy(p[:], x)
		return m.Value(seed.WithParameters(p))
	}

	start := seed.Parameters()
	x := append([]float64(nil), start[:]...)
	current := value(x)
	if math.IsInf(current, 0) || math.IsNaN(current) {
		return Result{Value: current}, fmt.Errorf("metric is undefined at the seed parameters, the volumes do not overlap")
	}

	weights := req.Weights.PerParameter()
	settings := &fd.Settings{Formula: fd.Central, Step: e.DerivativeStep}

	best := Result{Value: current, StopReason: StopMaxIterations, HasEstimate: true}
	copy(best.Parameters[:], x)
	keep := func(iter int) {
		if current < best.Value {
			best.Value = current
			copy(best.Parameters[:], x)
		}
		best.Iterations = iter
	}

	step := req.MaxStepLength
	grad := make([]float64, len(x))
	dir := make([]float64, len(x))
	var prev []float64

	for iter := 0; iter < req.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			best.StopReason = "cancelled"
			return best, err
		}

		fd.Gradient(grad, value, x, settings)
		for j := range dir {
			dir[j] = grad[j] * weights[j]
		}
		magnitude := floats.Norm(dir, 2)
		if math.IsNaN(magnitude) || math.IsInf(magnitude, 0) {
			best.StopReason = "metric gradient is undefined"
			return best, fmt.Errorf("metric gradient is undefined at iteration %d", iter)
		}
		if magnitude < req.GradientTolerance {
			best.StopReason = StopGradientTolerance
			break
		}
		if prev != nil && floats.Dot(dir, prev) < 0 {
			step *= req.RelaxationFactor
		}
		if step < req.MinStepLength {
			best.StopReason = StopStepTooSmall
			break
		}

		for j := range x {
			x[j] -= dir[j] * step / magnitude
		}
		for j := 6; j < 9; j++ {
			x[j] = math.Max(x[j], minScale)
		}

		current = value(x)
		if math.IsNaN(current) {
			best.StopReason = "metric is undefined"
			return best, fmt.Errorf("metric is undefined at iteration %d", iter)
		}
		keep(iter + 1)

		if req.OnIteration != nil {
			var p transform.Parameters
			copy(p[:], x)
			req.OnIteration(Iteration{Index: iter, StepLength: step, Value: current, Parameters: p})
		}
		prev = append(prev[:0], dir...)
	}

	return best, nil
}

func validate(req Request) error {
	switch {
	case req.Fixed == nil || req.Moving == nil:
		return fmt.Errorf("fixed and moving volumes are required")
	case req.Seed == nil:
		return fmt.Errorf("seed transform is required")
	case req.MaxStepLength <= 0:
		return fmt.Errorf("maximum step length must be positive, got %g", req.MaxStepLength)
	case req.MinStepLength < 0:
		return fmt.Errorf("minimum step length must not be negative, got %g", req.MinStepLength)
	case req.RelaxationFactor <= 0 || req.RelaxationFactor >= 1:
		return fmt.Errorf("relaxation factor must lie in (0, 1), got %g", req.RelaxationFactor)
	case req.MaxIterations < 0:
		return fmt.Errorf("iteration cap must not be negative, got %d", req.MaxIterations)
	}
	return nil
}
