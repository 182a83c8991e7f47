package transform

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// File format names, compatible with the plain-text transform files
// produced by ITK based tools.
const (
	fileHeader        = "#Insight Transform File V1.0"
	nameRigidScale    = "ScaleVersor3DTransform_double_3_3"
	nameAffine        = "AffineTransform_double_3_3"
	nameComposite     = "CompositeTransform_double_3_3"
	nameAffineFloat   = "AffineTransform_float_3_3"
	nameRigidScaleFlt = "ScaleVersor3DTransform_float_3_3"
)

// Encode writes t in the text transform format. Composite chains are
// written with their sub-transforms in append order.
func Encode(w io.Writer, t Transform) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, fileHeader)

	switch v := t.(type) {
	case *RigidScale:
		writeRigidScale(bw, 0, v)
	case *Affine:
		writeAffine(bw, 0, v)
	case *Composite:
		fmt.Fprintf(bw, "#Transform 0\nTransform: %s\n", nameComposite)
		for i := 0; i < v.Len(); i++ {
			writeRigidScale(bw, i+1, v.transforms[i])
		}
	default:
		return fmt.Errorf("unsupported transform %T", t)
	}
	return bw.Flush()
}

func writeRigidScale(w io.Writer, index int, t *RigidScale) {
	p := t.Parameters()
	fmt.Fprintf(w, "#Transform %d\nTransform: %s\n", index, nameRigidScale)
	fmt.Fprintf(w, "Parameters: %s\n", joinFloats(p[:]))
	fmt.Fprintf(w, "FixedParameters: %s\n", joinFloats(t.Center[:]))
}

func writeAffine(w io.Writer, index int, a *Affine) {
	params := append(append([]float64{}, a.Matrix[:]...), a.Translation[:]...)
	fmt.Fprintf(w, "#Transform %d\nTransform: %s\n", index, nameAffine)
	fmt.Fprintf(w, "Parameters: %s\n", joinFloats(params))
	fmt.Fprintf(w, "FixedParameters: %s\n", joinFloats(a.Center[:]))
}

func joinFloats(vs []float64) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = strconv.FormatFloat(v, 'g', 17, 64)
	}
	return strings.Join(parts, " ")
}

// Write saves t to path.
func Write(path string, t Transform) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating transform file: %v", err)
	}
	if err := Encode(f, t); err != nil {
		f.Close()
		return fmt.Errorf("error writing transform file %s: %v", path, err)
	}
	return f.Close()
}

// record is one "#Transform" block of a transform file.
type record struct {
	name   string
	params []float64
	fixed  []float64
}

// Decode reads a transform file. A composite header, or several
// rigid+scale blocks, yield a *Composite; a single block yields its own
// concrete type.
func Decode(r io.Reader) (Transform, error) {
	records, err := parseRecords(r)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("no transform found")
	}

	composite := false
	if records[0].name == nameComposite {
		composite = true
		records = records[1:]
	}

	ts := make([]Transform, 0, len(records))
	for _, rec := range records {
		t, err := rec.build()
		if err != nil {
			return nil, err
		}
		ts = append(ts, t)
	}

	if !composite && len(ts) == 1 {
		return ts[0], nil
	}

	out := &Composite{}
	for i, t := range ts {
		rs, ok := t.(*RigidScale)
		if !ok {
			return nil, fmt.Errorf("composite entry %d is %s, only rigid+scale transforms can be chained", i, t.Kind())
		}
		out.transforms = append(out.transforms, rs)
	}
	return out, nil
}

// Read loads a transform file from path.
func Read(path string) (Transform, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening transform file: %v", err)
	}
	defer f.Close()

	t, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("error reading transform file %s: %v", path, err)
	}
	return t, nil
}

func parseRecords(r io.Reader) ([]*record, error) {
	var (
		records []*record
		current *record
	)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		key, value, ok := strings.Cut(text, ":")
		if !ok {
			return nil, fmt.Errorf("line %d: expected key: value", line)
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		switch key {
		case "Transform":
			current = &record{name: value}
			records = append(records, current)
		case "Parameters", "FixedParameters":
			if current == nil {
				return nil, fmt.Errorf("line %d: %s before any Transform", line, key)
			}
			vals, err := parseFloats(value)
			if err != nil {
				return nil, fmt.Errorf("line %d: %v", line, err)
			}
			if key == "Parameters" {
				current.params = vals
			} else {
				current.fixed = vals
			}
		default:
			return nil, fmt.Errorf("line %d: unknown key %q", line, key)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func parseFloats(s string) ([]float64, error) {
	fields := strings.Fields(s)
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", f)
		}
		out[i] = v
	}
	return out, nil
}

func (rec *record) center() ([3]float64, error) {
	var c [3]float64
	switch len(rec.fixed) {
	case 0:
	case 3:
		copy(c[:], rec.fixed)
	default:
		return c, fmt.Errorf("%s: expected 3 fixed parameters, got %d", rec.name, len(rec.fixed))
	}
	return c, nil
}

func (rec *record) build() (Transform, error) {
	c, err := rec.center()
	if err != nil {
		return nil, err
	}
	switch rec.name {
	case nameRigidScale, nameRigidScaleFlt:
		if len(rec.params) != NumParameters {
			return nil, fmt.Errorf("%s: expected %d parameters, got %d", rec.name, NumParameters, len(rec.params))
		}
		var p Parameters
		copy(p[:], rec.params)
		t := (&RigidScale{Center: c}).WithParameters(p)
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %v", rec.name, err)
		}
		return t, nil
	case nameAffine, nameAffineFloat:
		if len(rec.params) != 12 {
			return nil, fmt.Errorf("%s: expected 12 parameters, got %d", rec.name, len(rec.params))
		}
		a := &Affine{Center: c}
		copy(a.Matrix[:], rec.params[:9])
		copy(a.Translation[:], rec.params[9:])
		return a, nil
	default:
		return nil, fmt.Errorf("unsupported transform type %q", rec.name)
	}
}
