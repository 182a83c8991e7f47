package models

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// IdentityDirection is the axis-aligned orientation matrix in row-major order.
var IdentityDirection = [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}

// Geometry describes how a voxel grid sits in physical space.
type Geometry struct {
	// Size is the number of voxels along x, y and z
	Size [3]int

	// Spacing is the physical size of a voxel along each axis in mm
	Spacing [3]float64

	// Origin is the physical location of voxel (0,0,0)
	Origin [3]float64

	// Direction maps voxel axes to physical axes (row-major 3x3)
	Direction [9]float64
}

// NewGeometry returns an axis-aligned geometry.
func NewGeometry(size [3]int, spacing, origin [3]float64) Geometry {
	return Geometry{
		Size:      size,
		Spacing:   spacing,
		Origin:    origin,
		Direction: IdentityDirection,
	}
}

// NumVoxels returns the total number of voxels in the grid.
func (g Geometry) NumVoxels() int {
	return g.Size[0] * g.Size[1] * g.Size[2]
}

// Offset returns the linear offset of voxel (x, y, z) in x-fastest order.
func (g Geometry) Offset(x, y, z int) int {
	return z*g.Size[0]*g.Size[1] + y*g.Size[0] + x
}

// Contains reports whether the voxel index lies inside the grid.
func (g Geometry) Contains(idx [3]int) bool {
	for i := 0; i < 3; i++ {
		if idx[i] < 0 || idx[i] >= g.Size[i] {
			return false
		}
	}
	return true
}

// Validate checks that the geometry can hold data.
func (g Geometry) Validate() error {
	for i := 0; i < 3; i++ {
		if g.Size[i] <= 0 {
			return fmt.Errorf("size[%d] must be positive, got %d", i, g.Size[i])
		}
		if g.Spacing[i] <= 0 {
			return fmt.Errorf("spacing[%d] must be positive, got %g", i, g.Spacing[i])
		}
	}
	if math.Abs(mat.Det(mat.NewDense(3, 3, g.Direction[:]))) < 1e-12 {
		return fmt.Errorf("direction matrix is singular")
	}
	return nil
}

// IndexToPhysical maps a (continuous) voxel index to a physical point.
func (g Geometry) IndexToPhysical(idx [3]float64) [3]float64 {
	var p [3]float64
	for r := 0; r < 3; r++ {
		p[r] = g.Origin[r]
		for c := 0; c < 3; c++ {
			p[r] += g.Direction[r*3+c] * g.Spacing[c] * idx[c]
		}
	}
	return p
}

// PhysicalToContinuousIndex maps a physical point to a continuous voxel index.
func (g Geometry) PhysicalToContinuousIndex(p [3]float64) [3]float64 {
	return g.Mapper().ToIndex(p)
}

// PhysicalToIndex maps a physical point to the nearest voxel index.
// The result may lie outside the grid.
func (g Geometry) PhysicalToIndex(p [3]float64) [3]int {
	ci := g.PhysicalToContinuousIndex(p)
	return [3]int{
		int(math.Round(ci[0])),
		int(math.Round(ci[1])),
		int(math.Round(ci[2])),
	}
}

// Center returns the physical centre of the voxel grid.
func (g Geometry) Center() [3]float64 {
	return g.IndexToPhysical([3]float64{
		float64(g.Size[0]-1) / 2,
		float64(g.Size[1]-1) / 2,
		float64(g.Size[2]-1) / 2,
	})
}

// Extent returns the physical length of the grid along each voxel axis.
func (g Geometry) Extent() [3]float64 {
	return [3]float64{
		float64(g.Size[0]) * g.Spacing[0],
		float64(g.Size[1]) * g.Spacing[1],
		float64(g.Size[2]) * g.Spacing[2],
	}
}

// Bounds returns the axis-aligned physical bounding box of the voxel centres.
func (g Geometry) Bounds() (lo, hi [3]float64) {
	for i := 0; i < 3; i++ {
		lo[i] = math.Inf(1)
		hi[i] = math.Inf(-1)
	}
	for _, cx := range []float64{0, float64(g.Size[0] - 1)} {
		for _, cy := range []float64{0, float64(g.Size[1] - 1)} {
			for _, cz := range []float64{0, float64(g.Size[2] - 1)} {
				p := g.IndexToPhysical([3]float64{cx, cy, cz})
				for i := 0; i < 3; i++ {
					lo[i] = math.Min(lo[i], p[i])
					hi[i] = math.Max(hi[i], p[i])
				}
			}
		}
	}
	return lo, hi
}

// SameGrid reports whether two geometries describe the same voxel grid.
func (g Geometry) SameGrid(o Geometry) bool {
	const tol = 1e-6
	if g.Size != o.Size {
		return false
	}
	for i := 0; i < 3; i++ {
		if math.Abs(g.Spacing[i]-o.Spacing[i]) > tol || math.Abs(g.Origin[i]-o.Origin[i]) > tol {
			return false
		}
	}
	for i := 0; i < 9; i++ {
		if math.Abs(g.Direction[i]-o.Direction[i]) > tol {
			return false
		}
	}
	return true
}

// IndexMapper converts physical points to continuous indices without
// re-inverting the direction matrix for every point.
type IndexMapper struct {
	origin  [3]float64
	inverse [9]float64
}

// Mapper precomputes the physical-to-index mapping of the geometry.
func (g Geometry) Mapper() IndexMapper {
	m := mat.NewDense(3, 3, nil)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			m.Set(r, c, g.Direction[r*3+c]*g.Spacing[c])
		}
	}
	var inv mat.Dense
	if err := inv.Inverse(m); err != nil {
		// degenerate geometry, fall back to spacing only
		inv.Reset()
		inv.ReuseAs(3, 3)
		for i := 0; i < 3; i++ {
			inv.Set(i, i, 1/g.Spacing[i])
		}
	}
	var im IndexMapper
	im.origin = g.Origin
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			im.inverse[r*3+c] = inv.At(r, c)
		}
	}
	return im
}

// ToIndex maps a physical point to a continuous index.
func (m IndexMapper) ToIndex(p [3]float64) [3]float64 {
	d := [3]float64{p[0] - m.origin[0], p[1] - m.origin[1], p[2] - m.origin[2]}
	var idx [3]float64
	for r := 0; r < 3; r++ {
		idx[r] = m.inverse[r*3]*d[0] + m.inverse[r*3+1]*d[1] + m.inverse[r*3+2]*d[2]
	}
	return idx
}

// Volume is a 3D grid of scalar samples with physical geometry.
// Data is stored as a 1D array in x-fastest order.
type Volume struct {
	Geometry

	// Data holds one sample per voxel
	Data []float64
}

// NewVolume allocates a zero-filled volume with the given geometry.
func NewVolume(g Geometry) *Volume {
	return &Volume{
		Geometry: g,
		Data:     make([]float64, g.NumVoxels()),
	}
}

// At returns the sample at voxel (x, y, z).
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[v.Offset(x, y, z)]
}

// Set stores a sample at voxel (x, y, z). Only the producer of a volume
// should call Set before handing it on.
func (v *Volume) Set(x, y, z int, value float64) {
	v.Data[v.Offset(x, y, z)] = value
}

// Clone returns a deep copy of the volume.
func (v *Volume) Clone() *Volume {
	out := &Volume{Geometry: v.Geometry, Data: make([]float64, len(v.Data))}
	copy(out.Data, v.Data)
	return out
}

// Validate checks that the data buffer matches the geometry.
func (v *Volume) Validate() error {
	if v == nil {
		return fmt.Errorf("volume is nil")
	}
	if err := v.Geometry.Validate(); err != nil {
		return err
	}
	if len(v.Data) != v.NumVoxels() {
		return fmt.Errorf("data length %d does not match %d voxels", len(v.Data), v.NumVoxels())
	}
	return nil
}

// MinMax returns the smallest and largest sample.
func (v *Volume) MinMax() (lo, hi float64) {
	if len(v.Data) == 0 {
		return 0, 0
	}
	lo, hi = v.Data[0], v.Data[0]
	for _, d := range v.Data[1:] {
		if d < lo {
			lo = d
		}
		if d > hi {
			hi = d
		}
	}
	return lo, hi
}

// snapTolerance absorbs round-off when a mapped point lands on a voxel centre.
const snapTolerance = 1e-6

func snapIndex(ci [3]float64) [3]float64 {
	for i, c := range ci {
		if r := math.Round(c); math.Abs(c-r) < snapTolerance {
			ci[i] = r
		}
	}
	return ci
}

// SampleNearest returns the value of the voxel closest to the continuous
// index ci. ok is false when ci lies outside the grid.
func (v *Volume) SampleNearest(ci [3]float64) (value float64, ok bool) {
	ci = snapIndex(ci)
	idx := [3]int{int(math.Round(ci[0])), int(math.Round(ci[1])), int(math.Round(ci[2]))}
	if !v.Contains(idx) {
		return 0, false
	}
	return v.At(idx[0], idx[1], idx[2]), true
}

// SampleLinear trilinearly interpolates the volume at the continuous index
// ci. Interpolation is defined between the first and last voxel centres;
// ok is false outside them. Integral indices return the stored value
// exactly.
func (v *Volume) SampleLinear(ci [3]float64) (value float64, ok bool) {
	ci = snapIndex(ci)
	var lo [3]int
	var frac [3]float64
	for i := range ci {
		if ci[i] < 0 || ci[i] > float64(v.Size[i]-1) {
			return 0, false
		}
		lo[i] = int(math.Floor(ci[i]))
		frac[i] = ci[i] - float64(lo[i])
	}

	for corner := 0; corner < 8; corner++ {
		w := 1.0
		var idx [3]int
		for i := 0; i < 3; i++ {
			if corner&(1<<i) != 0 {
				w *= frac[i]
				idx[i] = lo[i] + 1
			} else {
				w *= 1 - frac[i]
				idx[i] = lo[i]
			}
		}
		if w == 0 {
			continue
		}
		value += w * v.At(idx[0], idx[1], idx[2])
	}
	return value, true
}
