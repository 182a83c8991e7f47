// Package pipeline runs multi-level registration: an initial transform
// followed by a sequence of registration levels, each optionally
// restricted to a region of interest, accumulating a single composite
// transform that maps the fixed volume into the moving volume.
//
// The run is strictly sequential. Each level registers the fixed volume
// against the original moving volume resampled through the composite built
// so far, then appends its increment. Precondition errors abort the run;
// engine failures skip the level and validation mismatches are reported
// as warnings.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"multilevelreg/internal/logging"
	"multilevelreg/internal/models"
	"multilevelreg/pkg/engine"
	"multilevelreg/pkg/errs"
	"multilevelreg/pkg/initializer"
	"multilevelreg/pkg/manager"
	"multilevelreg/pkg/metric"
	"multilevelreg/pkg/preprocess"
	"multilevelreg/pkg/registration"
	"multilevelreg/pkg/transform"
	"multilevelreg/pkg/validation"
)

// Params holds the settings of a registration run.
type Params struct {
	// Levels is the number of registration levels after initialization.
	Levels int

	// Schedule derives the engine settings of every level from the base
	// settings, shrinking steps and weights as levels progress.
	Schedule registration.Schedule

	// Initializer selects the initialization modes. It is ignored when a
	// manual transform is supplied.
	Initializer initializer.Options

	// Preprocess conditions the moving volume before initialization.
	Preprocess Preprocess

	// Crop selects the size rule used when cropping to an ROI.
	Crop manager.CropOptions

	// NumCores bounds resampling parallelism; 0 uses every CPU.
	NumCores int

	// Observe logs engine progress and forwards every iteration to the
	// observer.
	Observe bool

	// Debug writes a transform snapshot every 50th iteration and the
	// composite plus the resampled moving volume after every level to the
	// debug storage.
	Debug bool

	// Checkerboard writes a checkerboard of the fixed and resampled moving
	// volumes after every level to the debug storage.
	Checkerboard bool

	// TransformPath receives the composite transform after every level and
	// at the end of the run. Empty disables writing.
	TransformPath string

	// RunID identifies the run in logs. A random one is generated when
	// empty.
	RunID string
}

// Preprocess configures optional conditioning of the moving volume.
type Preprocess struct {
	// UpperThreshold clamps intensities above the value when set
	UpperThreshold *float64

	// LowerThreshold clamps intensities below the value when set
	LowerThreshold *float64

	// Variance of the gaussian smoothing kernel in mm²; 0 disables smoothing
	Variance float64
}

// Inputs are the volumes and optional side data of a run. Inputs are
// never modified.
type Inputs struct {
	Fixed  *models.Volume
	Moving *models.Volume

	// Optional label maps, used for overlap validation
	FixedLabels  *models.LabelMap
	MovingLabels *models.LabelMap

	// ROIs restrict registration levels. With as many ROIs as levels,
	// level k uses ROIs[k-1]; with one fewer, level 1 runs on the whole
	// volume and level k uses ROIs[k-2].
	ROIs []models.RegionOfInterest

	// Optional landmarks in the fixed and moving frames
	FixedLandmarks  []models.Landmark
	MovingLandmarks []models.Landmark

	// ManualTransform replaces the initializer when set
	ManualTransform *transform.Affine

	// FixedInitialTransform resamples the fixed volume (and its labels)
	// onto Reference before anything else when set. A nil Reference keeps
	// the fixed grid.
	FixedInitialTransform transform.Transform
	Reference             *models.Geometry
}

// Pipeline drives a registration run.
type Pipeline struct {
	params   Params
	engine   engine.Engine
	observer Observer
	storage  Storage
}

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithObserver registers progress callbacks.
func WithObserver(o Observer) Option {
	return func(p *Pipeline) { p.observer = o }
}

// WithStorage sets where debug artifacts are written.
func WithStorage(s Storage) Option {
	return func(p *Pipeline) { p.storage = s }
}

// New creates a pipeline that optimizes every level with e.
func New(params Params, e engine.Engine, opts ...Option) *Pipeline {
	p := &Pipeline{
		params:   params,
		engine:   e,
		observer: NopObserver{},
		storage:  discardStorage{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes the whole registration and returns the final state.
//
// A precondition failure returns a StatusFailed state together with the
// error; whatever composite was accumulated is still written to
// TransformPath. A failure to write the final transform is an IOFailure
// returned with an otherwise complete state.
func (p *Pipeline) Run(ctx context.Context, in Inputs) (PipelineState, error) {
	runID := p.params.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	logger := logging.FromContext(ctx).With("run", runID)
	ctx = logging.WithLogger(ctx, logger)

	state := newState(runID)
	if err := p.check(in); err != nil {
		logger.Error("registration aborted", "err", err)
		return state.fail(err), err
	}

	fail := func(state PipelineState, err error) (PipelineState, error) {
		logger.Error("registration aborted", "status", state.Status, "level", state.Level, "err", err)
		state = state.fail(err)
		if werr := p.writeTransform(state.Composite); werr != nil {
			logger.Warn("could not save accumulated transform", "err", werr)
		}
		return state, err
	}

	fixed, fixedLabels, err := p.fixedFrame(ctx, in)
	if err != nil {
		return fail(state, err)
	}
	moving, err := p.preprocess(ctx, in.Moving)
	if err != nil {
		return fail(state, err)
	}

	mgr := manager.New(manager.Options{Workers: p.params.NumCores, Crop: p.params.Crop})
	mgr.SetImages(fixed, moving)
	mgr.SetLabelMaps(fixedLabels, in.MovingLabels)

	if state, err = p.initialize(ctx, state, mgr, in); err != nil {
		return fail(state, err)
	}

	for k := 1; k <= p.params.Levels; k++ {
		if state, err = p.level(ctx, state, mgr, in, k); err != nil {
			return fail(state, err)
		}
	}

	state = state.done()
	if err := p.writeTransform(state.Composite); err != nil {
		logger.Error("could not save final transform", "path", p.params.TransformPath, "err", err)
		return state, err
	}
	logger.Info("registration finished",
		"levels", p.params.Levels,
		"transforms", state.Composite.Len(),
		"warnings", len(state.Warnings))
	return state, nil
}

// check validates the inputs against the level count.
func (p *Pipeline) check(in Inputs) error {
	const op = "pipeline"
	switch {
	case in.Fixed == nil && in.Moving == nil:
		return errs.Errorf(errs.Precondition, op, "missing input: fixed and moving volumes are required")
	case in.Fixed == nil:
		return errs.Errorf(errs.Precondition, op, "missing input: fixed volume is required")
	case in.Moving == nil:
		return errs.Errorf(errs.Precondition, op, "missing input: moving volume is required")
	case p.engine == nil:
		return errs.Errorf(errs.Precondition, op, "no registration engine")
	case p.params.Levels < 0:
		return errs.Errorf(errs.Precondition, op, "level count must not be negative, got %d", p.params.Levels)
	}
	if d := p.params.Levels - len(in.ROIs); d != 0 && d != 1 {
		return errs.Errorf(errs.Precondition, op,
			"%d levels need %d or %d regions of interest, got %d",
			p.params.Levels, p.params.Levels-1, p.params.Levels, len(in.ROIs))
	}
	return nil
}

// roiFor returns the region of interest of level k, or nil.
func (p *Pipeline) roiFor(in Inputs, k int) *models.RegionOfInterest {
	if len(in.ROIs) == p.params.Levels {
		return &in.ROIs[k-1]
	}
	if k == 1 {
		return nil
	}
	return &in.ROIs[k-2]
}

// fixedFrame applies the fixed initial transform, if any.
func (p *Pipeline) fixedFrame(ctx context.Context, in Inputs) (*models.Volume, *models.LabelMap, error) {
	if in.FixedInitialTransform == nil {
		return in.Fixed, in.FixedLabels, nil
	}
	ref := in.Fixed.Geometry
	if in.Reference != nil {
		ref = *in.Reference
	}

	logging.FromContext(ctx).Info("applying fixed initial transform", "size", ref.Size)
	fixed, err := manager.Resample(in.Fixed, ref, in.FixedInitialTransform, manager.ResampleOptions{
		Interpolation: manager.Linear,
		Workers:       p.params.NumCores,
	})
	if err != nil {
		return nil, nil, precondition("fixed initial transform", err)
	}
	if in.FixedLabels == nil {
		return fixed, nil, nil
	}
	labels, err := manager.ResampleLabelMap(in.FixedLabels, ref, in.FixedInitialTransform, p.params.NumCores)
	if err != nil {
		return nil, nil, precondition("fixed initial transform", err)
	}
	return fixed, labels, nil
}

func (p *Pipeline) preprocess(ctx context.Context, v *models.Volume) (*models.Volume, error) {
	pp := p.params.Preprocess
	logger := logging.FromContext(ctx)
	if pp.UpperThreshold != nil {
		logger.Info("clamping moving intensities", "above", *pp.UpperThreshold)
		v = preprocess.UpperThreshold(v, *pp.UpperThreshold)
	}
	if pp.LowerThreshold != nil {
		logger.Info("clamping moving intensities", "below", *pp.LowerThreshold)
		v = preprocess.LowerThreshold(v, *pp.LowerThreshold)
	}
	if pp.Variance > 0 {
		logger.Info("smoothing moving volume", "variance", pp.Variance)
		smoothed, err := preprocess.GaussianSmooth(v, pp.Variance)
		if err != nil {
			return nil, precondition("preprocess", err)
		}
		v = smoothed
	}
	return v, nil
}

// initialize computes the first transform and validates it.
func (p *Pipeline) initialize(ctx context.Context, state PipelineState, mgr *manager.Manager, in Inputs) (PipelineState, error) {
	stage := logging.StartStage(logging.FromContext(ctx), "initialization")
	defer stage.Done()

	var (
		initial *transform.RigidScale
		err     error
	)
	if in.ManualTransform != nil {
		initial, err = initializer.ManualImport(in.ManualTransform)
	} else {
		var dissimilarity metric.Dissimilarity
		if p.params.Initializer.NeedsMetric() {
			dissimilarity, err = metric.NewDissimilarity(mgr.Fixed(), mgr.Moving(), p.params.Schedule.Base.Metric)
			if err != nil {
				return state, precondition("initialize", err)
			}
		}
		initial, err = initializer.New(p.params.Initializer).Run(ctx, mgr.Fixed(), mgr.Moving(), dissimilarity)
	}
	if err != nil {
		return state, precondition("initialize", err)
	}
	if err := mgr.AddTransform(initial); err != nil {
		return state, err
	}

	state = state.withComposite(mgr.Composite())
	state = p.validate(ctx, state, mgr, in, LevelReport{Level: 0, Transform: initial, StopReason: "initialized"})
	state = p.persist(ctx, state, mgr, 0)
	return state, nil
}

// level runs registration level k and appends its increment.
func (p *Pipeline) level(ctx context.Context, state PipelineState, mgr *manager.Manager, in Inputs, k int) (PipelineState, error) {
	state = state.atLevel(k)
	logger := logging.FromContext(ctx).With("level", k)
	ctx = logging.WithLogger(ctx, logger)
	stage := logging.StartStage(logger, fmt.Sprintf("level %d", k))
	defer stage.Done()

	if err := ctx.Err(); err != nil {
		return state, err
	}

	resampled, err := mgr.ResampleMoving()
	if err != nil {
		return state, err
	}
	fixed, moving := mgr.Fixed(), resampled
	roi := p.roiFor(in, k)
	if roi != nil {
		mgr.SetROI(*roi)
		if fixed, err = mgr.CropFixed(); err != nil {
			return state, err
		}
		if moving, err = mgr.CropMoving(resampled); err != nil {
			return state, err
		}
		logger.Info("cropped to region of interest", "roi", roi, "size", fixed.Size)
	} else {
		mgr.ClearROI()
	}

	settings, err := p.params.Schedule.ForLevel(k)
	if err != nil {
		return state, precondition("relaxation schedule", err)
	}
	cfg := registration.LevelConfig{
		Level:    k,
		Settings: settings,
		ROI:      roi,
		Observe:  p.params.Observe,
		Debug:    p.params.Debug,
	}

	var snapshotWarnings []string
	composite := mgr.Composite()
	hooks := registration.Hooks{
		OnIteration: p.observer.OnIterationUpdate,
		OnSnapshot: func(level int, it engine.Iteration, t *transform.RigidScale) {
			name := fmt.Sprintf("level_%d_iter_%03d", level, it.Index)
			snapshot, err := composite.Append(t)
			if err == nil {
				err = p.storage.WriteTransform(name, snapshot)
			}
			if err != nil {
				logger.Warn("could not save transform snapshot", "name", name, "err", err)
				snapshotWarnings = append(snapshotWarnings, fmt.Sprintf("level %d: snapshot %s: %v", level, name, err))
			}
		},
	}

	outcome, err := registration.NewDriver(p.engine, hooks).Run(ctx, fixed, moving, composite, cfg)
	for _, w := range snapshotWarnings {
		state = state.withWarning(w)
	}
	if err != nil {
		return state, err
	}
	if cerr := ctx.Err(); cerr != nil {
		return state, cerr
	}

	report := LevelReport{
		Level:      k,
		StopReason: outcome.Result.StopReason,
		Iterations: outcome.Result.Iterations,
		Value:      outcome.Result.Value,
	}
	if outcome.Transform == nil {
		reason := outcome.Err
		if reason == nil {
			reason = errs.Errorf(errs.EngineFailure, "register level", "engine returned no estimate")
		}
		logger.Warn("level skipped, composite unchanged", "err", reason)
		return state.withWarning(fmt.Sprintf("level %d skipped: %v", k, reason)).withReport(report), nil
	}
	if outcome.Err != nil {
		state = state.withWarning(fmt.Sprintf("level %d: keeping best estimate after engine failure: %v", k, outcome.Err))
	}

	if err := mgr.AddTransform(outcome.Transform); err != nil {
		return state, err
	}
	report.Transform = outcome.Transform
	state = state.withComposite(mgr.Composite())
	state = p.validate(ctx, state, mgr, in, report)
	state = p.persist(ctx, state, mgr, k)
	return state, nil
}

// validate measures the current composite against the label maps and
// landmarks that were supplied, records the report and notifies the
// observer. Mismatches become warnings.
func (p *Pipeline) validate(ctx context.Context, state PipelineState, mgr *manager.Manager, in Inputs, report LevelReport) PipelineState {
	logger := logging.FromContext(ctx)

	if mgr.FixedLabels() != nil && mgr.MovingLabels() != nil {
		resampled, err := mgr.ResampleMovingLabels()
		if err == nil {
			report.Overlap, err = validation.LabelOverlap(resampled, mgr.FixedLabels())
		}
		if err != nil {
			logger.Warn("label overlap not computed", "err", err)
			state = state.withWarning(fmt.Sprintf("level %d: label overlap: %v", report.Level, err))
		} else {
			logOverlap(logger, report.Overlap)
		}
	}

	if len(in.FixedLandmarks) > 0 && len(in.MovingLandmarks) > 0 {
		fr, err := validation.FiducialAlignment(in.FixedLandmarks, in.MovingLandmarks, mgr.Composite())
		if err != nil {
			logger.Warn("fiducial alignment not computed", "err", err)
			state = state.withWarning(fmt.Sprintf("level %d: fiducials: %v", report.Level, err))
		} else {
			report.Fiducials = fr
			logger.Info("fiducial alignment", "pairs", len(fr.Pairs), "mean", fr.Mean, "max", fr.Max)
		}
	}

	p.observer.OnLevelComplete(report.Level, mgr.Composite(), report.Overlap)
	return state.withReport(report)
}

func logOverlap(logger *log.Logger, r *validation.OverlapReport) {
	for _, m := range r.Measures {
		logger.Info("label overlap",
			"label", m.Label,
			"dice", m.Mean,
			"jaccard", m.Union,
			"total", m.Total,
			"hausdorff", m.Hausdorff,
			"avgHausdorff", m.AverageHausdorff)
	}
}

// persist writes the composite to TransformPath and the debug artifacts of
// level k. Write failures are warnings.
func (p *Pipeline) persist(ctx context.Context, state PipelineState, mgr *manager.Manager, k int) PipelineState {
	logger := logging.FromContext(ctx)
	warn := func(what string, err error) {
		logger.Warn("could not save "+what, "err", err)
		state = state.withWarning(fmt.Sprintf("level %d: %s: %v", k, what, err))
	}

	if err := p.writeTransform(mgr.Composite()); err != nil {
		warn("transform", err)
	}
	if !p.params.Debug && !p.params.Checkerboard {
		return state
	}

	name := fmt.Sprintf("level_%d", k)
	if p.params.Debug {
		if err := p.storage.WriteTransform(name, mgr.Composite()); err != nil {
			warn("debug transform", err)
		}
	}
	resampled, err := mgr.ResampleMoving()
	if err != nil {
		warn("resampled moving volume", err)
		return state
	}
	if p.params.Debug {
		if err := p.storage.WriteVolume(name+"_moving", resampled); err != nil {
			warn("resampled moving volume", err)
		}
	}
	if p.params.Checkerboard {
		cb, err := validation.Checkerboard(mgr.Fixed(), resampled)
		if err == nil {
			err = p.storage.WriteVolume(name+"_checkerboard", cb)
		}
		if err != nil {
			warn("checkerboard", err)
		}
	}
	return state
}

// writeTransform writes c to TransformPath.
func (p *Pipeline) writeTransform(c *transform.Composite) error {
	if p.params.TransformPath == "" || c.Empty() {
		return nil
	}
	if err := transform.Write(p.params.TransformPath, c); err != nil {
		return errs.New(errs.IOFailure, "write transform", err)
	}
	return nil
}

// precondition classifies unclassified errors as Precondition. Context
// errors pass through.
func precondition(op string, err error) error {
	if errs.KindOf(err) != 0 || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return errs.New(errs.Precondition, op, err)
}
