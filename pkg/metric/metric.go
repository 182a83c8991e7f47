// Package metric measures how well a moving volume matches a fixed volume
// under a candidate transform. Values are dissimilarities: lower is better.
package metric

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat"

	"multilevelreg/internal/models"
	"multilevelreg/pkg/transform"
)

// Kind names a dissimilarity measure.
type Kind string

const (
	MeanSquares       Kind = "meanSquares"
	MutualInformation Kind = "mutualInformation"
)

// minSamples is the number of in-bounds samples below which a metric
// value is considered undefined.
const minSamples = 16

// Options configure a Metric.
type Options struct {
	Kind Kind

	// Bins is the number of histogram bins per image for mutual information
	Bins int

	// SamplingFraction is the share of fixed voxels used; values >= 1 use all
	SamplingFraction float64

	// Seed makes the sample selection reproducible
	Seed uint64
}

// DefaultOptions mirrors the settings of the command line tool.
func DefaultOptions() Options {
	return Options{Kind: MutualInformation, Bins: 50, SamplingFraction: 0.01, Seed: 1}
}

// Metric evaluates a dissimilarity between a fixed volume and a moving
// volume mapped through a transform. The fixed sample points are chosen
// once, so repeated evaluations are deterministic.
type Metric struct {
	opts   Options
	moving *models.Volume
	mapper models.IndexMapper

	points [][3]float64
	values []float64

	fixedLo, fixedHi   float64
	movingLo, movingHi float64
}

// New prepares a metric for the given pair of volumes.
func New(fixed, moving *models.Volume, opts Options) (*Metric, error) {
	if err := fixed.Validate(); err != nil {
		return nil, fmt.Errorf("invalid fixed volume: %v", err)
	}
	if err := moving.Validate(); err != nil {
		return nil, fmt.Errorf("invalid moving volume: %v", err)
	}
	switch opts.Kind {
	case MeanSquares:
	case MutualInformation, "":
		opts.Kind = MutualInformation
		if opts.Bins < 2 {
			return nil, fmt.Errorf("mutual information needs at least 2 bins, got %d", opts.Bins)
		}
	default:
		return nil, fmt.Errorf("unknown metric %q", opts.Kind)
	}

	m := &Metric{opts: opts, moving: moving, mapper: moving.Mapper()}
	m.movingLo, m.movingHi = moving.MinMax()
	m.sampleFixed(fixed)
	return m, nil
}

// sampleFixed picks the fixed voxels evaluated by the metric. The draw is
// seeded so that two metrics built from the same inputs agree exactly.
func (m *Metric) sampleFixed(fixed *models.Volume) {
	n := fixed.NumVoxels()
	count := n
	if m.opts.SamplingFraction > 0 && m.opts.SamplingFraction < 1 {
		count = max(int(float64(n)*m.opts.SamplingFraction), min(n, 1000))
	}

	var offsets []int
	if count >= n {
		offsets = make([]int, n)
		for i := range offsets {
			offsets[i] = i
		}
	} else {
		rng := rand.New(rand.NewPCG(m.opts.Seed, m.opts.Seed^0x9e3779b97f4a7c15))
		offsets = rng.Perm(n)[:count]
	}

	w, h := fixed.Size[0], fixed.Size[1]
	m.points = make([][3]float64, len(offsets))
	m.values = make([]float64, len(offsets))
	for i, off := range offsets {
		x, y, z := off%w, (off/w)%h, off/(w*h)
		m.points[i] = fixed.IndexToPhysical([3]float64{float64(x), float64(y), float64(z)})
		m.values[i] = fixed.Data[off]
	}
	m.fixedLo, m.fixedHi = fixed.MinMax()
}

// NumSamples returns the number of fixed sample points.
func (m *Metric) NumSamples() int { return len(m.points) }

// PointMapper maps fixed-space points into moving space.
type PointMapper interface {
	TransformPoint(p [3]float64) [3]float64
}

// Value returns the dissimilarity of the moving volume mapped through t.
// Mean squares returns the mean squared difference; mutual information
// returns its negation. When too few samples map inside the moving volume
// the value is +Inf.
func (m *Metric) Value(t PointMapper) float64 {
	fixed := make([]float64, 0, len(m.points))
	moving := make([]float64, 0, len(m.points))
	for i, p := range m.points {
		if t != nil {
			p = t.TransformPoint(p)
		}
		v, ok := m.moving.SampleLinear(m.mapper.ToIndex(p))
		if !ok {
			continue
		}
		fixed = append(fixed, m.values[i])
		moving = append(moving, v)
	}
	if len(fixed) < minSamples {
		return math.Inf(1)
	}

	if m.opts.Kind == MeanSquares {
		rmse := RMSE(fixed, moving)
		return rmse * rmse
	}
	return -mutualInformation(fixed, moving, m.opts.Bins, m.fixedLo, m.fixedHi, m.movingLo, m.movingHi)
}

// Dissimilarity scores a candidate rigid+scale transform. Lower is better.
type Dissimilarity func(*transform.RigidScale) float64

// NewDissimilarity builds a metric for fixed and moving and returns it as
// a Dissimilarity.
func NewDissimilarity(fixed, moving *models.Volume, opts Options) (Dissimilarity, error) {
	m, err := New(fixed, moving, opts)
	if err != nil {
		return nil, err
	}
	return func(rs *transform.RigidScale) float64 { return m.Value(rs) }, nil
}

// RMSE returns the root mean square difference of two equally sized
// sample sets, or 0 when they are empty or differ in length.
func RMSE(a, b []float64) float64 {
	n := len(a)
	if n != len(b) || n == 0 {
		return 0
	}
	mse := 0.0
	for i := 0; i < n; i++ {
		diff := a[i] - b[i]
		mse += diff * diff
	}
	mse /= float64(n)
	return math.Sqrt(mse)
}

// VolumeRMSE compares two volumes sampled on the same grid.
func VolumeRMSE(a, b *models.Volume) (float64, error) {
	if !a.SameGrid(b.Geometry) {
		return 0, fmt.Errorf("volumes are not on the same grid")
	}
	return RMSE(a.Data, b.Data), nil
}

// MutualInformationOf estimates the mutual information in nats between two
// equally sized sample sets using a joint histogram with bins bins per axis.
func MutualInformationOf(a, b []float64, bins int) float64 {
	if len(a) != len(b) || len(a) == 0 || bins < 2 {
		return 0
	}
	aLo, aHi := floatsRange(a)
	bLo, bHi := floatsRange(b)
	return mutualInformation(a, b, bins, aLo, aHi, bLo, bHi)
}

func floatsRange(data []float64) (lo, hi float64) {
	lo, hi = data[0], data[0]
	for _, v := range data[1:] {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return lo, hi
}

func binOf(v, lo, hi float64, bins int) int {
	if hi <= lo {
		return 0
	}
	b := int((v - lo) / (hi - lo) * float64(bins))
	return max(0, min(b, bins-1))
}

// mutualInformation computes H(A) + H(B) - H(A,B) from a joint histogram.
func mutualInformation(a, b []float64, bins int, aLo, aHi, bLo, bHi float64) float64 {
	joint := make([]float64, bins*bins)
	pa := make([]float64, bins)
	pb := make([]float64, bins)
	inv := 1 / float64(len(a))
	for i := range a {
		ia := binOf(a[i], aLo, aHi, bins)
		ib := binOf(b[i], bLo, bHi, bins)
		joint[ia*bins+ib] += inv
		pa[ia] += inv
		pb[ib] += inv
	}
	mi := stat.Entropy(pa) + stat.Entropy(pb) - stat.Entropy(joint)
	return math.Max(0, mi)
}
