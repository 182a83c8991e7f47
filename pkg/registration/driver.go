// Package registration runs one level of a multi-level registration: it
// turns a relaxation schedule into engine settings, calls the engine and
// packages the result as a rigid+scale transform.
package registration

import (
	"context"

	"github.com/charmbracelet/log"

	"multilevelreg/internal/logging"
	"multilevelreg/internal/models"
	"multilevelreg/pkg/engine"
	"multilevelreg/pkg/errs"
	"multilevelreg/pkg/transform"
)

// SnapshotInterval is the number of iterations between debug snapshots.
const SnapshotInterval = 50

// LevelConfig is the read-only description of one level.
type LevelConfig struct {
	// Level counts from 1
	Level    int
	Settings Settings

	// ROI is the region the inputs were cropped to, if any
	ROI *models.RegionOfInterest

	// Observe reports every engine iteration
	Observe bool

	// Debug takes a transform snapshot every SnapshotInterval iterations
	Debug bool
}

// Hooks receive engine progress. They run synchronously on the engine's
// goroutine, so their cost adds to the registration time. Nil hooks are
// skipped.
type Hooks struct {
	OnIteration func(level int, it engine.Iteration)
	OnSnapshot  func(level int, it engine.Iteration, t *transform.RigidScale)
}

// Outcome is the result of one level.
type Outcome struct {
	// Transform is the refined increment, or nil when the engine produced
	// nothing usable
	Transform *transform.RigidScale

	Result engine.Result

	// Err is an EngineFailure when the engine failed. Transform may still
	// hold the engine's best estimate.
	Err error
}

// Driver runs levels against an engine.
type Driver struct {
	engine engine.Engine
	hooks  Hooks
}

// NewDriver creates a driver for e.
func NewDriver(e engine.Engine, hooks Hooks) *Driver {
	return &Driver{engine: e, hooks: hooks}
}

// Run registers fixed against moving for one level.
//
// moving must already be resampled through composite, so the increment
// found here is appended in front of it. The seed is the identity,
// rotating about the centre of the fixed volume. Missing volumes and an
// empty composite are Precondition errors; engine failures are reported in
// the Outcome and logged.
func (d *Driver) Run(ctx context.Context, fixed, moving *models.Volume, composite *transform.Composite, cfg LevelConfig) (Outcome, error) {
	const op = "register level"
	if fixed == nil || moving == nil {
		return Outcome{}, errs.Errorf(errs.Precondition, op, "missing input: fixed and moving volumes are required")
	}
	if composite.Empty() {
		return Outcome{}, errs.Errorf(errs.Precondition, op, "composite transform is empty, initialize first")
	}

	logger := logging.FromContext(ctx).With("level", cfg.Level)
	seed := transform.Identity(fixed.Center())
	s := cfg.Settings

	req := engine.Request{
		Fixed:             fixed,
		Moving:            moving,
		Seed:              seed,
		Weights:           s.Weights,
		MaxStepLength:     s.MaxStepLength,
		MinStepLength:     s.MinStepLength,
		MaxIterations:     s.MaxIterations,
		RelaxationFactor:  s.RelaxationFactor,
		GradientTolerance: s.GradientTolerance,
		Metric:            s.Metric,
		OnIteration: func(it engine.Iteration) {
			d.iteration(logger, seed, cfg, it)
		},
	}

	logger.Info("registering",
		"maxStep", s.MaxStepLength,
		"minStep", s.MinStepLength,
		"iterations", s.MaxIterations,
		"weights", s.Weights,
		"cropped", cfg.ROI != nil)

	res, err := d.engine.Optimize(ctx, req)
	out := Outcome{Result: res}
	if res.HasEstimate {
		out.Transform = seed.WithParameters(res.Parameters)
		if verr := out.Transform.Validate(); verr != nil {
			out.Transform = nil
			if err == nil {
				err = verr
			}
		}
	}
	if err != nil {
		out.Err = errs.New(errs.EngineFailure, op, err)
		logger.Warn("registration engine failed", "stop", res.StopReason, "err", err, "estimate", out.Transform != nil)
		return out, nil
	}

	logger.Info("registration complete",
		"iterations", res.Iterations,
		"metric", res.Value,
		"stop", res.StopReason,
		"transform", out.Transform)
	return out, nil
}

func (d *Driver) iteration(logger *log.Logger, seed *transform.RigidScale, cfg LevelConfig, it engine.Iteration) {
	if cfg.Observe {
		if it.Index < 20 || it.Index%10 == 0 {
			logger.Debug("iteration", "index", it.Index, "step", it.StepLength, "metric", it.Value, "parameters", it.Parameters)
		}
		if d.hooks.OnIteration != nil {
			d.hooks.OnIteration(cfg.Level, it)
		}
	}
	if cfg.Debug && it.Index%SnapshotInterval == 0 && d.hooks.OnSnapshot != nil {
		d.hooks.OnSnapshot(cfg.Level, it, seed.WithParameters(it.Parameters))
	}
}
