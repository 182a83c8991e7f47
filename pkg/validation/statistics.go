package validation

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"multilevelreg/internal/models"
	"multilevelreg/pkg/errs"
)

// LabelStatistics summarises the intensities of one labelled region.
type LabelStatistics struct {
	Label  int
	Count  int
	Mean   float64
	StdDev float64
	Min    float64
	Max    float64
}

// Statistics returns the intensity statistics of image within every
// non-background label of labels, in label order.
func Statistics(image *models.Volume, labels *models.LabelMap) ([]LabelStatistics, error) {
	const op = "label statistics"
	if image == nil || labels == nil {
		return nil, errs.Errorf(errs.Precondition, op, "missing volume or label map")
	}
	if !image.SameGrid(labels.Geometry) {
		return nil, errs.Errorf(errs.ValidationMismatch, op, "volume and label map are not on the same grid")
	}

	values := make(map[int][]float64)
	for i, d := range labels.Data {
		if l := int(d); l != models.Background {
			values[l] = append(values[l], image.Data[i])
		}
	}

	var out []LabelStatistics
	for _, l := range labels.Labels() {
		v := values[l]
		mean, std := stat.MeanStdDev(v, nil)
		if len(v) < 2 {
			std = 0
		}
		s := LabelStatistics{Label: l, Count: len(v), Mean: mean, StdDev: std, Min: math.Inf(1), Max: math.Inf(-1)}
		for _, x := range v {
			s.Min = math.Min(s.Min, x)
			s.Max = math.Max(s.Max, x)
		}
		out = append(out, s)
	}
	return out, nil
}
