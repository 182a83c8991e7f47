// Package preprocess holds the intensity filters that may be applied to
// the moving volume before registration.
package preprocess

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"multilevelreg/internal/models"
)

// UpperThreshold clamps every sample above limit to limit.
func UpperThreshold(v *models.Volume, limit float64) *models.Volume {
	out := v.Clone()
	for i, d := range out.Data {
		if d > limit {
			out.Data[i] = limit
		}
	}
	return out
}

// LowerThreshold clamps every sample below limit to limit.
func LowerThreshold(v *models.Volume, limit float64) *models.Volume {
	out := v.Clone()
	for i, d := range out.Data {
		if d < limit {
			out.Data[i] = limit
		}
	}
	return out
}

// maxKernelRadius bounds the half width of a smoothing kernel in voxels.
const maxKernelRadius = 16

// GaussianSmooth blurs v with a Gaussian of the given variance in
// physical units (mm^2). The kernel is separable, truncated at four
// standard deviations and normalised; samples beyond the edge repeat the
// edge value.
func GaussianSmooth(v *models.Volume, variance float64) (*models.Volume, error) {
	if variance < 0 {
		return nil, fmt.Errorf("variance must not be negative, got %g", variance)
	}
	out := v.Clone()
	if variance == 0 {
		return out, nil
	}

	tmp := make([]float64, len(out.Data))
	for axis := 0; axis < 3; axis++ {
		sigma := math.Sqrt(variance) / v.Spacing[axis]
		kernel := gaussianKernel(sigma)
		convolveAxis(out, tmp, axis, kernel)
		out.Data, tmp = tmp, out.Data
	}
	return out, nil
}

// gaussianKernel returns a normalised kernel of odd length centred on its
// middle element.
func gaussianKernel(sigma float64) []float64 {
	radius := min(int(math.Ceil(4*sigma)), maxKernelRadius)
	if radius < 1 {
		return []float64{1}
	}
	kernel := make([]float64, 2*radius+1)
	for i := range kernel {
		d := float64(i - radius)
		kernel[i] = math.Exp(-d * d / (2 * sigma * sigma))
	}
	floats.Scale(1/floats.Sum(kernel), kernel)
	return kernel
}

// convolveAxis convolves src along one axis into dst.
func convolveAxis(src *models.Volume, dst []float64, axis int, kernel []float64) {
	radius := len(kernel) / 2
	n := src.Size[axis]
	for z := 0; z < src.Size[2]; z++ {
		for y := 0; y < src.Size[1]; y++ {
			for x := 0; x < src.Size[0]; x++ {
				idx := [3]int{x, y, z}
				pos := idx[axis]
				sum := 0.0
				for k, w := range kernel {
					idx[axis] = max(0, min(n-1, pos+k-radius))
					sum += w * src.At(idx[0], idx[1], idx[2])
				}
				dst[src.Offset(x, y, z)] = sum
			}
		}
	}
}
