package validation

import (
	"multilevelreg/internal/models"
	"multilevelreg/pkg/errs"
)

// CheckerboardBlock is the edge length of a checkerboard block in voxels.
const CheckerboardBlock = 4

// Checkerboard interleaves a and b in alternating cubic blocks for visual
// comparison. Block (0,0,0) comes from a. Both volumes must share a grid.
func Checkerboard(a, b *models.Volume) (*models.Volume, error) {
	const op = "checkerboard"
	if a == nil || b == nil {
		return nil, errs.Errorf(errs.Precondition, op, "missing volume")
	}
	if !a.SameGrid(b.Geometry) {
		return nil, errs.Errorf(errs.ValidationMismatch, op, "volumes are not on the same grid")
	}

	out := models.NewVolume(a.Geometry)
	for z := 0; z < a.Size[2]; z++ {
		for y := 0; y < a.Size[1]; y++ {
			for x := 0; x < a.Size[0]; x++ {
				src := a
				if (x/CheckerboardBlock+y/CheckerboardBlock+z/CheckerboardBlock)%2 == 1 {
					src = b
				}
				off := a.Offset(x, y, z)
				out.Data[off] = src.Data[off]
			}
		}
	}
	return out, nil
}
