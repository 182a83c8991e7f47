package validation

import (
	"math"

	"gonum.org/v1/gonum/spatial/kdtree"

	"multilevelreg/internal/models"
)

// Distances holds the symmetric boundary distances between two masks.
type Distances struct {
	// Hausdorff is the largest distance from a boundary voxel of one mask
	// to the nearest boundary voxel of the other
	Hausdorff float64

	// Average is the mean of the two directed average distances
	Average float64
}

// boundary returns the physical positions of the mask voxels that touch
// the background or the edge of the grid along one of the six axis
// directions.
func boundary(g models.Geometry, mask []bool) points {
	var out points
	for z := 0; z < g.Size[2]; z++ {
		for y := 0; y < g.Size[1]; y++ {
			for x := 0; x < g.Size[0]; x++ {
				if !mask[g.Offset(x, y, z)] || interior(g, mask, x, y, z) {
					continue
				}
				p := g.IndexToPhysical([3]float64{float64(x), float64(y), float64(z)})
				out = append(out, point{X: p[0], Y: p[1], Z: p[2]})
			}
		}
	}
	return out
}

func interior(g models.Geometry, mask []bool, x, y, z int) bool {
	idx := [3]int{x, y, z}
	for axis := 0; axis < 3; axis++ {
		for _, step := range []int{-1, 1} {
			n := idx
			n[axis] += step
			if !g.Contains(n) || !mask[g.Offset(n[0], n[1], n[2])] {
				return false
			}
		}
	}
	return true
}

// BoundaryDistances computes the Hausdorff and average Hausdorff distance
// in physical units between the boundaries of two masks on grid g. If
// either mask is empty both distances are +Inf.
func BoundaryDistances(g models.Geometry, a, b []bool) Distances {
	pa, pb := boundary(g, a), boundary(g, b)
	if len(pa) == 0 || len(pb) == 0 {
		return Distances{Hausdorff: math.Inf(1), Average: math.Inf(1)}
	}

	maxAB, meanAB := directed(pa, append(points(nil), pb...))
	maxBA, meanBA := directed(pb, append(points(nil), pa...))
	return Distances{
		Hausdorff: math.Max(maxAB, maxBA),
		Average:   (meanAB + meanBA) / 2,
	}
}

// directed returns the largest and mean distance from each point of from
// to its nearest neighbour in to. to is reordered.
func directed(from, to points) (maxDist, meanDist float64) {
	tree := kdtree.New(to, true)
	var sum float64
	for _, p := range from {
		_, d2 := tree.Nearest(p)
		d := math.Sqrt(d2)
		sum += d
		maxDist = math.Max(maxDist, d)
	}
	return maxDist, sum / float64(len(from))
}
