package models

import (
	"fmt"
	"math"
	"sort"
)

// Background is the label value that marks voxels outside every region.
const Background = 0

// LabelMap is a volume whose samples identify discrete regions.
// Label maps are always resampled with nearest-neighbour interpolation.
type LabelMap struct {
	*Volume
}

// NewLabelMap wraps a volume as a label map after checking that every
// sample is a non-negative integer.
func NewLabelMap(v *Volume) (*LabelMap, error) {
	if err := v.Validate(); err != nil {
		return nil, err
	}
	for i, d := range v.Data {
		if d < 0 || d != math.Trunc(d) {
			return nil, fmt.Errorf("voxel %d holds %g, labels must be non-negative integers", i, d)
		}
	}
	return &LabelMap{Volume: v}, nil
}

// Label returns the label at a linear offset.
func (l *LabelMap) Label(offset int) int {
	return int(l.Data[offset])
}

// Max returns the largest label value.
func (l *LabelMap) Max() int {
	_, hi := l.MinMax()
	return int(hi)
}

// Counts returns the number of voxels per label, background included.
func (l *LabelMap) Counts() map[int]int {
	counts := make(map[int]int)
	for _, d := range l.Data {
		counts[int(d)]++
	}
	return counts
}

// Labels returns the sorted distinct non-background labels.
func (l *LabelMap) Labels() []int {
	var labels []int
	for label := range l.Counts() {
		if label != Background {
			labels = append(labels, label)
		}
	}
	sort.Ints(labels)
	return labels
}

// Mask returns a binary mask of the voxels equal to label.
func (l *LabelMap) Mask(label int) []bool {
	mask := make([]bool, len(l.Data))
	for i, d := range l.Data {
		mask[i] = int(d) == label
	}
	return mask
}

// Foreground returns a binary mask of every non-background voxel.
func (l *LabelMap) Foreground() []bool {
	mask := make([]bool, len(l.Data))
	for i, d := range l.Data {
		mask[i] = int(d) != Background
	}
	return mask
}
