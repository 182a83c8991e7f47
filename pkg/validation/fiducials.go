package validation

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"

	"multilevelreg/internal/models"
	"multilevelreg/pkg/errs"
)

// ParseFiducials reads landmarks from a markups CSV file. Comment lines
// start with '#'; a "# columns = ..." comment names the columns, otherwise
// the usual id,x,y,z,...,label layout is assumed. Points are converted to
// the volume frame by negating x and y.
func ParseFiducials(r io.Reader) ([]models.Landmark, error) {
	const op = "parse fiducials"
	columns := map[string]int{"x": 1, "y": 2, "z": 3, "label": 11}

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	var out []models.Landmark
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errs.New(errs.Precondition, op, err)
		}
		if len(rec) == 0 || strings.TrimSpace(rec[0]) == "" {
			continue
		}
		if strings.HasPrefix(rec[0], "#") {
			if names, ok := strings.CutPrefix(strings.Join(rec, ","), "# columns ="); ok {
				columns = columnIndex(names)
			}
			continue
		}

		var p [3]float64
		for i, name := range []string{"x", "y", "z"} {
			col, ok := columns[name]
			if !ok || col >= len(rec) {
				return nil, errs.Errorf(errs.Precondition, op, "line %d: missing %s column", line, name)
			}
			v, err := strconv.ParseFloat(strings.TrimSpace(rec[col]), 64)
			if err != nil {
				return nil, errs.Errorf(errs.Precondition, op, "line %d: invalid %s %q", line, name, rec[col])
			}
			p[i] = v
		}

		name := fmt.Sprintf("F-%d", len(out)+1)
		if col, ok := columns["label"]; ok && col < len(rec) && strings.TrimSpace(rec[col]) != "" {
			name = strings.TrimSpace(rec[col])
		}
		out = append(out, models.Landmark{Name: name, Point: [3]float64{-p[0], -p[1], p[2]}})
	}
	return out, nil
}

func columnIndex(header string) map[string]int {
	cols := make(map[string]int)
	for i, name := range strings.Split(header, ",") {
		cols[strings.TrimSpace(name)] = i
	}
	return cols
}

// ReadFiducials parses the landmark file at path.
func ReadFiducials(path string) ([]models.Landmark, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.New(errs.Precondition, "read fiducials", err)
	}
	defer f.Close()
	lms, err := ParseFiducials(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return lms, nil
}

// FiducialDistance is the residual of one landmark pair.
type FiducialDistance struct {
	Name     string
	Distance float64
}

// FiducialReport summarises landmark residuals after registration.
type FiducialReport struct {
	Pairs []FiducialDistance
	Mean  float64
	Max   float64
}

// PointMapper maps fixed-space points into moving space.
type PointMapper interface {
	TransformPoint(p [3]float64) [3]float64
}

// FiducialAlignment maps every fixed landmark through t and measures its
// distance to the moving landmark of the same name. Landmarks without a
// partner are skipped; no pair at all is a ValidationMismatch.
func FiducialAlignment(fixed, moving []models.Landmark, t PointMapper) (*FiducialReport, error) {
	byName := make(map[string][3]float64, len(moving))
	for _, lm := range moving {
		byName[lm.Name] = lm.Point
	}

	report := &FiducialReport{}
	var sum float64
	for _, lm := range fixed {
		target, ok := byName[lm.Name]
		if !ok {
			continue
		}
		p := lm.Point
		if t != nil {
			p = t.TransformPoint(p)
		}
		d := r3.Norm(r3.Sub(vec(p), vec(target)))
		report.Pairs = append(report.Pairs, FiducialDistance{Name: lm.Name, Distance: d})
		sum += d
		report.Max = math.Max(report.Max, d)
	}
	if len(report.Pairs) == 0 {
		return nil, errs.Errorf(errs.ValidationMismatch, "fiducial alignment", "no landmark names in common")
	}
	report.Mean = sum / float64(len(report.Pairs))
	return report, nil
}

func vec(p [3]float64) r3.Vec {
	return r3.Vec{X: p[0], Y: p[1], Z: p[2]}
}
