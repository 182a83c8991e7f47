// Package manager owns the composite transform of a registration run and
// applies it: resampling moving volumes and label maps onto the fixed
// grid, and cropping volumes to a region of interest.
package manager

import (
	"context"

	"multilevelreg/internal/logging"
	"multilevelreg/internal/models"
	"multilevelreg/pkg/errs"
	"multilevelreg/pkg/transform"
)

// Options configure a Manager.
type Options struct {
	// Workers bounds resampling parallelism; 0 uses every CPU
	Workers int

	// Crop controls the size rule used when cropping
	Crop CropOptions
}

// Manager accumulates the composite transform and applies it to the
// images it has been given.
//
// A Manager is not safe for concurrent use. The composite it hands out is
// immutable, so callers may keep snapshots across AddTransform calls.
type Manager struct {
	opts Options

	fixed        *models.Volume
	moving       *models.Volume
	fixedLabels  *models.LabelMap
	movingLabels *models.LabelMap

	composite *transform.Composite
	roi       *models.RegionOfInterest
}

// New creates a manager with an empty composite transform.
func New(opts Options) *Manager {
	return &Manager{opts: opts, composite: transform.NewComposite()}
}

// SetImages sets the fixed and moving intensity volumes.
func (m *Manager) SetImages(fixed, moving *models.Volume) {
	m.fixed = fixed
	m.moving = moving
}

// SetLabelMaps sets the optional fixed and moving label maps.
func (m *Manager) SetLabelMaps(fixed, moving *models.LabelMap) {
	m.fixedLabels = fixed
	m.movingLabels = moving
}

// Fixed returns the fixed volume.
func (m *Manager) Fixed() *models.Volume { return m.fixed }

// Moving returns the moving volume.
func (m *Manager) Moving() *models.Volume { return m.moving }

// FixedLabels returns the fixed label map, or nil.
func (m *Manager) FixedLabels() *models.LabelMap { return m.fixedLabels }

// MovingLabels returns the moving label map, or nil.
func (m *Manager) MovingLabels() *models.LabelMap { return m.movingLabels }

// AddTransform appends t to the composite transform.
func (m *Manager) AddTransform(t *transform.RigidScale) error {
	c, err := m.composite.Append(t)
	if err != nil {
		return errs.New(errs.Precondition, "add transform", err)
	}
	m.composite = c
	return nil
}

// SetComposite replaces the composite transform.
func (m *Manager) SetComposite(c *transform.Composite) {
	if c == nil {
		c = transform.NewComposite()
	}
	m.composite = c
}

// Composite returns the current composite transform.
func (m *Manager) Composite() *transform.Composite {
	return m.composite
}

// SetROI sets the region used by CropFixed and CropMoving.
func (m *Manager) SetROI(roi models.RegionOfInterest) {
	m.roi = &roi
}

// SetROIFromFile parses path and sets the result as the region of interest.
func (m *Manager) SetROIFromFile(path string) error {
	roi, err := ReadROIFile(path)
	if err != nil {
		return err
	}
	m.SetROI(roi)
	return nil
}

// ClearROI removes the region of interest.
func (m *Manager) ClearROI() { m.roi = nil }

// ROI returns the current region of interest, if any.
func (m *Manager) ROI() (models.RegionOfInterest, bool) {
	if m.roi == nil {
		return models.RegionOfInterest{}, false
	}
	return *m.roi, true
}

func (m *Manager) requireImages(op string) error {
	switch {
	case m.fixed == nil && m.moving == nil:
		return errs.Errorf(errs.Precondition, op, "missing input: fixed and moving volumes are not set")
	case m.fixed == nil:
		return errs.Errorf(errs.Precondition, op, "missing input: fixed volume is not set")
	case m.moving == nil:
		return errs.Errorf(errs.Precondition, op, "missing input: moving volume is not set")
	}
	return nil
}

// ResampleMoving resamples the moving volume through the whole composite
// onto the fixed grid.
func (m *Manager) ResampleMoving() (*models.Volume, error) {
	if err := m.requireImages("resample moving"); err != nil {
		return nil, err
	}
	return Resample(m.moving, m.fixed.Geometry, m.composite, ResampleOptions{
		Interpolation: Linear,
		Workers:       m.opts.Workers,
	})
}

// ResampleMovingLabels resamples the moving label map through the whole
// composite onto the fixed grid.
func (m *Manager) ResampleMovingLabels() (*models.LabelMap, error) {
	if err := m.requireImages("resample moving labels"); err != nil {
		return nil, err
	}
	if m.movingLabels == nil {
		return nil, errs.Errorf(errs.Precondition, "resample moving labels", "missing input: moving label map is not set")
	}
	return ResampleLabelMap(m.movingLabels, m.fixed.Geometry, m.composite, m.opts.Workers)
}

// ResampleOrPassThrough resamples the moving volume like ResampleMoving.
// When an input is missing or resampling fails it logs a warning and
// returns the moving volume unchanged.
func (m *Manager) ResampleOrPassThrough(ctx context.Context) *models.Volume {
	out, err := m.ResampleMoving()
	if err != nil {
		logging.FromContext(ctx).Warn("resampling skipped, returning input unchanged", "err", err)
		return m.moving
	}
	return out
}

// CropFixed crops the fixed volume to the region of interest.
func (m *Manager) CropFixed() (*models.Volume, error) {
	return m.crop("crop fixed", m.fixed)
}

// CropMoving crops v, normally the resampled moving volume, to the region
// of interest.
func (m *Manager) CropMoving(v *models.Volume) (*models.Volume, error) {
	return m.crop("crop moving", v)
}

func (m *Manager) crop(op string, v *models.Volume) (*models.Volume, error) {
	if v == nil {
		return nil, errs.Errorf(errs.Precondition, op, "missing input volume")
	}
	if m.roi == nil {
		return nil, errs.Errorf(errs.Precondition, op, "no region of interest set")
	}
	return Crop(v, *m.roi, m.opts.Crop)
}

// CropLabels crops a label map to the region of interest.
func (m *Manager) CropLabels(l *models.LabelMap) (*models.LabelMap, error) {
	if m.roi == nil {
		return nil, errs.Errorf(errs.Precondition, "crop labels", "no region of interest set")
	}
	return CropLabelMap(l, *m.roi, m.opts.Crop)
}
