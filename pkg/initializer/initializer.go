// Package initializer produces the first rigid+scale transform of a
// registration run, before any optimisation, from geometric heuristics
// and coarse grid searches over a dissimilarity function.
package initializer

import (
	"context"
	"math"

	"multilevelreg/internal/logging"
	"multilevelreg/internal/models"
	"multilevelreg/pkg/errs"
	"multilevelreg/pkg/metric"
	"multilevelreg/pkg/transform"
)

const (
	// searchSteps is the number of candidates of a one axis search.
	searchSteps = 20

	// rangeDivisor narrows the translation search to +-range/1.5.
	rangeDivisor = 1.5

	// maxRotation bounds the rotation search, in radians.
	maxRotation = math.Pi / 4

	// gridDivisions and gridMargin place the iterative search candidates at
	// fractions k/gridDivisions of the fixed volume, skipping gridMargin
	// positions at each end.
	gridDivisions = 25
	gridMargin    = 5
)

// Options select the initialisation modes. They run in the order
// iterative, centre of geometry, translation x/y/z, rotation x/y/z.
type Options struct {
	Iterative        bool
	CenterOfGeometry bool
	Translate        [3]bool
	Rotate           [3]bool

	// Observe logs every candidate that is evaluated
	Observe bool
}

// NeedsMetric reports whether any selected mode evaluates the dissimilarity.
func (o Options) NeedsMetric() bool {
	return o.Iterative || o.Translate != [3]bool{} || o.Rotate != [3]bool{}
}

// Initializer runs the selected modes.
type Initializer struct {
	opts Options
}

// New creates an initializer.
func New(opts Options) *Initializer {
	return &Initializer{opts: opts}
}

// Run returns the initial transform mapping fixed into moving space. The
// transform rotates about the fixed volume's centre. dissimilarity may be
// nil when no search mode is selected.
func (in *Initializer) Run(ctx context.Context, fixed, moving *models.Volume, dissimilarity metric.Dissimilarity) (*transform.RigidScale, error) {
	const op = "initialize"
	if fixed == nil {
		return nil, errs.Errorf(errs.Precondition, op, "missing input: fixed volume is not set")
	}
	if moving == nil {
		return nil, errs.Errorf(errs.Precondition, op, "missing input: moving volume is not set")
	}
	if in.opts.NeedsMetric() && dissimilarity == nil {
		return nil, errs.Errorf(errs.Precondition, op, "search initialisation requested without a dissimilarity function")
	}

	logger := logging.FromContext(ctx)
	current := transform.Identity(fixed.Center())
	var err error

	if in.opts.Iterative {
		if current, err = in.iterative(ctx, fixed, moving, current, dissimilarity); err != nil {
			return nil, err
		}
		logger.Info("iterative initialization complete", "translation", current.Translation)
	}

	if in.opts.CenterOfGeometry {
		current = CenterOfGeometry(fixed, moving)
		logger.Info("centered on geometry", "translation", current.Translation)
	}

	for axis := 0; axis < 3; axis++ {
		if !in.opts.Translate[axis] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		current = in.translation(ctx, fixed, moving, current, axis, dissimilarity)
		logger.Info("metric translation initialization complete", "axis", axis, "translation", current.Translation[axis])
	}

	for axis := 0; axis < 3; axis++ {
		if !in.opts.Rotate[axis] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		current = in.rotation(ctx, current, axis, dissimilarity)
		logger.Info("metric rotation initialization complete", "axis", axis,
			"angle", current.Versor.Angle()*180/math.Pi)
	}

	return current, nil
}

// CenterOfGeometry aligns the physical centres of the two volumes. The
// transform maps fixed into moving space, so its translation is the moving
// centre minus the fixed centre.
func CenterOfGeometry(fixed, moving *models.Volume) *transform.RigidScale {
	fc, mc := fixed.Center(), moving.Center()
	t := transform.Identity(fc)
	t.Translation = [3]float64{mc[0] - fc[0], mc[1] - fc[1], mc[2] - fc[2]}
	return t
}

// ManualImport converts an affine transform into rigid+scale form: the
// rotation closest to the affine's linear part, its translation and
// centre, and unit scale.
func ManualImport(a *transform.Affine) (*transform.RigidScale, error) {
	if a == nil {
		return nil, errs.Errorf(errs.Precondition, "manual import", "missing transform")
	}
	rs, err := a.ToRigidScale()
	if err != nil {
		return nil, errs.New(errs.Precondition, "manual import", err)
	}
	return rs, nil
}

// search keeps the lowest scoring candidate. Ties keep the first one seen.
type search struct {
	best      *transform.RigidScale
	bestValue float64
	observe   bool
	ctx       context.Context
}

func newSearch(ctx context.Context, current *transform.RigidScale, observe bool) *search {
	return &search{best: current, bestValue: math.Inf(1), observe: observe, ctx: ctx}
}

func (s *search) try(candidate *transform.RigidScale, value float64) {
	if s.observe {
		logging.FromContext(s.ctx).Debug("initialization candidate", "value", value, "parameters", candidate.Parameters())
	}
	if value < s.bestValue {
		s.best, s.bestValue = candidate, value
	}
}

func (in *Initializer) translation(ctx context.Context, fixed, moving *models.Volume, current *transform.RigidScale, axis int, dissimilarity metric.Dissimilarity) *transform.RigidScale {
	span := math.Abs(fixed.Extent()[axis] - moving.Extent()[axis])
	if span == 0 {
		logging.FromContext(ctx).Info("volumes have the same extent, skipping metric translation", "axis", axis)
		return current
	}

	start := current.Translation[axis] - span/rangeDivisor
	step := 2 * span / rangeDivisor / searchSteps
	s := newSearch(ctx, current, in.opts.Observe)
	for k := 0; k < searchSteps; k++ {
		candidate := current.Clone()
		candidate.Translation[axis] = start + float64(k)*step
		s.try(candidate, dissimilarity(candidate))
	}
	return s.best
}

func (in *Initializer) rotation(ctx context.Context, current *transform.RigidScale, axis int, dissimilarity metric.Dissimilarity) *transform.RigidScale {
	var unit [3]float64
	unit[axis] = 1
	// the last angle is one step short of +maxRotation, matching the legacy sweep
	step := 2 * maxRotation / searchSteps

	s := newSearch(ctx, current, in.opts.Observe)
	for k := 0; k < searchSteps; k++ {
		candidate := current.Clone()
		candidate.Versor = transform.AxisAngle(unit, -maxRotation+float64(k)*step).Compose(current.Versor)
		s.try(candidate, dissimilarity(candidate))
	}
	return s.best
}

// iterative places the moving centre at each grid position inside the
// fixed volume and keeps the best one.
func (in *Initializer) iterative(ctx context.Context, fixed, moving *models.Volume, current *transform.RigidScale, dissimilarity metric.Dissimilarity) (*transform.RigidScale, error) {
	lo, hi := fixed.Bounds()
	mc := moving.Center()
	m := current.Matrix()

	var positions [3][]float64
	for axis := 0; axis < 3; axis++ {
		for k := gridMargin; k < gridDivisions-gridMargin; k++ {
			positions[axis] = append(positions[axis], lo[axis]+(hi[axis]-lo[axis])*float64(k)/gridDivisions)
		}
	}

	s := newSearch(ctx, current, in.opts.Observe)
	for _, px := range positions[0] {
		for _, py := range positions[1] {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			for _, pz := range positions[2] {
				// choose t so that the candidate maps p onto the moving centre
				d := [3]float64{px - current.Center[0], py - current.Center[1], pz - current.Center[2]}
				rotated := [3]float64{
					m[0]*d[0] + m[1]*d[1] + m[2]*d[2],
					m[3]*d[0] + m[4]*d[1] + m[5]*d[2],
					m[6]*d[0] + m[7]*d[1] + m[8]*d[2],
				}
				candidate := current.Clone()
				for i := 0; i < 3; i++ {
					candidate.Translation[i] = mc[i] - rotated[i] - current.Center[i]
				}
				s.try(candidate, dissimilarity(candidate))
			}
		}
	}
	return s.best, nil
}
