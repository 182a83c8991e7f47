// Package validation measures how well two registered volumes agree:
// label overlap and boundary distances between label maps, per label
// intensity statistics, checkerboard composites and fiducial distances.
package validation

import (
	"fmt"
	"strings"

	"multilevelreg/internal/models"
	"multilevelreg/pkg/errs"
)

// Measures are the overlap statistics of one label. Source is the label
// map being evaluated and target the reference it is compared with.
type Measures struct {
	Label int

	// Total is the target overlap |S∩T| / |T|
	Total float64
	// Union is the Jaccard coefficient |S∩T| / |S∪T|
	Union float64
	// Mean is the Dice coefficient 2|S∩T| / (|S|+|T|)
	Mean float64
	// VolumeSimilarity is 2(|T|-|S|) / (|S|+|T|)
	VolumeSimilarity float64
	// FalseNegative is |T\S| / |T|
	FalseNegative float64
	// FalsePositive is |S\T| / |S|
	FalsePositive float64

	Hausdorff        float64
	AverageHausdorff float64
}

// OverlapReport holds the measures of every compared label, in label
// order. Reports are never modified after LabelOverlap returns them.
type OverlapReport struct {
	Measures []Measures
}

// ForLabel returns the measures of label l.
func (r *OverlapReport) ForLabel(l int) (Measures, bool) {
	for _, m := range r.Measures {
		if m.Label == l {
			return m, true
		}
	}
	return Measures{}, false
}

func (r *OverlapReport) String() string {
	var sb strings.Builder
	sb.WriteString("label\ttotal\tunion\tmean\tvolsim\tfalseneg\tfalsepos\thausdorff\tavghausdorff\n")
	for _, m := range r.Measures {
		fmt.Fprintf(&sb, "%d\t%.4f\t%.4f\t%.4f\t%.4f\t%.4f\t%.4f\t%.4f\t%.4f\n",
			m.Label, m.Total, m.Union, m.Mean, m.VolumeSimilarity,
			m.FalseNegative, m.FalsePositive, m.Hausdorff, m.AverageHausdorff)
	}
	return sb.String()
}

// LabelOverlap compares a source label map with a target label map on the
// same grid.
//
// Both maps must have the same number of distinct labels and the same
// largest label; otherwise a ValidationMismatch error is returned and no
// report is produced. With more than one label, labels 1 up to but not
// including the largest label are compared one at a time. With a single
// label the foregrounds of the two maps are compared directly and
// reported under that label. Maps without any label give an empty report.
func LabelOverlap(source, target *models.LabelMap) (*OverlapReport, error) {
	const op = "label overlap"
	if source == nil || target == nil {
		return nil, errs.Errorf(errs.Precondition, op, "missing label map")
	}
	if !source.SameGrid(target.Geometry) {
		return nil, errs.Errorf(errs.ValidationMismatch, op, "label maps are not on the same grid")
	}

	sourceLabels, targetLabels := source.Labels(), target.Labels()
	sourceMax, targetMax := source.Max(), target.Max()
	if len(sourceLabels) != len(targetLabels) || sourceMax != targetMax {
		return nil, errs.Errorf(errs.ValidationMismatch, op,
			"label maps disagree: %d labels with maximum %d against %d labels with maximum %d",
			len(sourceLabels), sourceMax, len(targetLabels), targetMax)
	}

	report := &OverlapReport{}
	switch {
	case len(sourceLabels) == 0:
	case len(sourceLabels) == 1:
		report.Measures = append(report.Measures,
			compare(source.Geometry, sourceMax, source.Foreground(), target.Foreground()))
	default:
		for label := 1; label < sourceMax; label++ {
			report.Measures = append(report.Measures,
				compare(source.Geometry, label, source.Mask(label), target.Mask(label)))
		}
	}
	return report, nil
}

func compare(g models.Geometry, label int, s, t []bool) Measures {
	var both, onlyS, onlyT float64
	for i := range s {
		switch {
		case s[i] && t[i]:
			both++
		case s[i]:
			onlyS++
		case t[i]:
			onlyT++
		}
	}
	sizeS, sizeT := both+onlyS, both+onlyT

	m := Measures{Label: label}
	m.Total = ratio(both, sizeT)
	m.Union = ratio(both, both+onlyS+onlyT)
	m.Mean = ratio(2*both, sizeS+sizeT)
	m.VolumeSimilarity = ratio(2*(sizeT-sizeS), sizeS+sizeT)
	m.FalseNegative = ratio(onlyT, sizeT)
	m.FalsePositive = ratio(onlyS, sizeS)

	d := BoundaryDistances(g, s, t)
	m.Hausdorff, m.AverageHausdorff = d.Hausdorff, d.Average
	return m
}

// ratio returns n/d, or 0 when d is 0.
func ratio(n, d float64) float64 {
	if d == 0 {
		return 0
	}
	return n / d
}
