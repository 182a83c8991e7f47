package manager

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"multilevelreg/internal/models"
	"multilevelreg/pkg/errs"
)

// ParseROI reads a region of interest from an annotation file.
//
// Data lines look like "point|18.8|305.5|-458.0|1|1": the three fields
// after the first bar are one point. The first accepted line gives the
// centre and the second the radius; anything after that is ignored. Lines
// starting with '#' and blank lines are skipped.
//
// The annotation tool stores points in a frame whose x and y axes point
// the other way, so the centre's x and y are negated. The radius is kept
// as written.
func ParseROI(r io.Reader) (models.RegionOfInterest, error) {
	const op = "parse roi"
	var (
		roi    models.RegionOfInterest
		values []float64
	)

	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() && len(values) < 6 {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		// only the first four bars matter
		fields := strings.SplitN(text, "|", 5)
		if len(fields) < 4 {
			return roi, errs.Errorf(errs.Precondition, op, "line %d: expected label|x|y|z, got %q", line, text)
		}
		for _, f := range fields[1:4] {
			v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
			if err != nil {
				return roi, errs.Errorf(errs.Precondition, op, "line %d: invalid coordinate %q", line, f)
			}
			values = append(values, v)
		}
	}
	if err := sc.Err(); err != nil {
		return roi, errs.New(errs.Precondition, op, err)
	}
	if len(values) < 6 {
		return roi, errs.Errorf(errs.Precondition, op, "expected 2 points, found %d", len(values)/3)
	}

	roi.Center = [3]float64{-values[0], -values[1], values[2]}
	roi.Radius = [3]float64{values[3], values[4], values[5]}
	return roi, nil
}

// ReadROIFile parses the region of interest stored at path.
func ReadROIFile(path string) (models.RegionOfInterest, error) {
	f, err := os.Open(path)
	if err != nil {
		return models.RegionOfInterest{}, errs.New(errs.Precondition, "read roi", err)
	}
	defer f.Close()

	roi, err := ParseROI(f)
	if err != nil {
		return roi, fmt.Errorf("%s: %w", path, err)
	}
	return roi, nil
}
