package manager

import (
	"multilevelreg/internal/models"
	"multilevelreg/pkg/errs"
)

// CropOptions configure Crop.
type CropOptions struct {
	// Inclusive counts both end voxels, giving |start-end|+1 voxels per
	// axis. The default keeps the historical |start-end|.
	Inclusive bool
}

// CropRegion returns the voxel box of image covered by roi, clipped to
// the image. The box starts at index and spans size voxels.
func CropRegion(g models.Geometry, roi models.RegionOfInterest, opts CropOptions) (index, size [3]int, err error) {
	start := g.PhysicalToIndex(roi.Start())
	end := g.PhysicalToIndex(roi.End())

	for i := 0; i < 3; i++ {
		if start[i] > end[i] {
			start[i], end[i] = end[i], start[i]
		}
		n := end[i] - start[i]
		if opts.Inclusive {
			n++
		}

		lo := max(start[i], 0)
		hi := min(start[i]+n, g.Size[i])
		if hi <= lo {
			return index, size, errs.Errorf(errs.Precondition, "crop",
				"region of interest %v does not overlap the volume on axis %d", roi, i)
		}
		index[i] = lo
		size[i] = hi - lo
	}
	return index, size, nil
}

// Crop extracts the part of image covered by roi. The crop is taken in
// voxel space: the output keeps the input spacing, its origin is the
// physical position of the first cropped voxel and its direction is the
// identity.
func Crop(image *models.Volume, roi models.RegionOfInterest, opts CropOptions) (*models.Volume, error) {
	if image == nil {
		return nil, errs.Errorf(errs.Precondition, "crop", "missing input volume")
	}
	index, size, err := CropRegion(image.Geometry, roi, opts)
	if err != nil {
		return nil, err
	}

	origin := image.IndexToPhysical([3]float64{float64(index[0]), float64(index[1]), float64(index[2])})
	out := models.NewVolume(models.NewGeometry(size, image.Spacing, origin))
	for z := 0; z < size[2]; z++ {
		for y := 0; y < size[1]; y++ {
			src := image.Offset(index[0], index[1]+y, index[2]+z)
			dst := out.Offset(0, y, z)
			copy(out.Data[dst:dst+size[0]], image.Data[src:src+size[0]])
		}
	}
	return out, nil
}

// CropLabelMap crops a label map like Crop.
func CropLabelMap(labels *models.LabelMap, roi models.RegionOfInterest, opts CropOptions) (*models.LabelMap, error) {
	if labels == nil {
		return nil, errs.Errorf(errs.Precondition, "crop", "missing input label map")
	}
	v, err := Crop(labels.Volume, roi, opts)
	if err != nil {
		return nil, err
	}
	return &models.LabelMap{Volume: v}, nil
}
