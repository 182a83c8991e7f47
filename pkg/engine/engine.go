// Package engine defines the contract of a registration engine, the
// optimizer and metric pair that refines rigid+scale parameters for one
// registration level, and provides a default regular-step gradient
// descent implementation.
package engine

import (
	"context"

	"multilevelreg/internal/models"
	"multilevelreg/pkg/metric"
	"multilevelreg/pkg/transform"
)

// Weights are the inverse scale weights of the three parameter groups.
// A parameter's gradient component is multiplied by its group weight, so a
// zero weight freezes the group.
type Weights struct {
	Rotation    float64
	Translation float64
	Scaling     float64
}

// PerParameter expands the weights to one value per parameter.
func (w Weights) PerParameter() [transform.NumParameters]float64 {
	return [transform.NumParameters]float64{
		w.Rotation, w.Rotation, w.Rotation,
		w.Translation, w.Translation, w.Translation,
		w.Scaling, w.Scaling, w.Scaling,
	}
}

// Iteration describes the optimizer state after one step.
type Iteration struct {
	Index      int
	StepLength float64
	Value      float64
	Parameters transform.Parameters
}

// Request is everything an engine needs to run one optimisation.
type Request struct {
	Fixed  *models.Volume
	Moving *models.Volume

	// Seed holds the starting parameters and the centre of rotation
	Seed *transform.RigidScale

	Weights           Weights
	MaxStepLength     float64
	MinStepLength     float64
	MaxIterations     int
	RelaxationFactor  float64
	GradientTolerance float64

	Metric metric.Options

	// OnIteration, when set, is called synchronously after every step
	OnIteration func(Iteration)
}

// Result is the outcome of an optimisation.
type Result struct {
	Parameters transform.Parameters
	Value      float64
	Iterations int
	StopReason string

	// HasEstimate is false when the engine failed before producing any
	// parameters worth keeping
	HasEstimate bool
}

// Engine refines the seed parameters of a request. Implementations must
// be deterministic for identical requests. On failure an engine returns
// its best parameters so far, with HasEstimate set, alongside the error.
type Engine interface {
	Optimize(ctx context.Context, req Request) (Result, error)
}

// Func adapts an ordinary function to the Engine interface.
type Func func(ctx context.Context, req Request) (Result, error)

// Optimize calls f(ctx, req).
func (f Func) Optimize(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}
