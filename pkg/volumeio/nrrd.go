// Package volumeio reads and writes volumes and label maps as NRRD files
// with an attached header.
//
// Only the subset of the format needed by the registration pipeline is
// supported: three dimensional scalar data, raw or gzip encoding, and the
// space directions / space origin geometry fields.
package volumeio

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"multilevelreg/internal/models"
)

// Options control how a volume is written.
type Options struct {
	// Gzip compresses the voxel data
	Gzip bool

	// Type is the NRRD sample type; empty means "double"
	Type string
}

// sampleType describes how one voxel is laid out on disk.
type sampleType struct {
	size   int
	decode func(b []byte, order binary.ByteOrder) float64
	encode func(b []byte, order binary.ByteOrder, v float64)
}

var sampleTypes = map[string]sampleType{
	"uchar": {1,
		func(b []byte, _ binary.ByteOrder) float64 { return float64(b[0]) },
		func(b []byte, _ binary.ByteOrder, v float64) { b[0] = uint8(clamp(v, 0, math.MaxUint8)) }},
	"char": {1,
		func(b []byte, _ binary.ByteOrder) float64 { return float64(int8(b[0])) },
		func(b []byte, _ binary.ByteOrder, v float64) { b[0] = uint8(int8(clamp(v, math.MinInt8, math.MaxInt8))) }},
	"short": {2,
		func(b []byte, o binary.ByteOrder) float64 { return float64(int16(o.Uint16(b))) },
		func(b []byte, o binary.ByteOrder, v float64) {
			o.PutUint16(b, uint16(int16(clamp(v, math.MinInt16, math.MaxInt16))))
		}},
	"ushort": {2,
		func(b []byte, o binary.ByteOrder) float64 { return float64(o.Uint16(b)) },
		func(b []byte, o binary.ByteOrder, v float64) { o.PutUint16(b, uint16(clamp(v, 0, math.MaxUint16))) }},
	"int": {4,
		func(b []byte, o binary.ByteOrder) float64 { return float64(int32(o.Uint32(b))) },
		func(b []byte, o binary.ByteOrder, v float64) {
			o.PutUint32(b, uint32(int32(clamp(v, math.MinInt32, math.MaxInt32))))
		}},
	"uint": {4,
		func(b []byte, o binary.ByteOrder) float64 { return float64(o.Uint32(b)) },
		func(b []byte, o binary.ByteOrder, v float64) { o.PutUint32(b, uint32(clamp(v, 0, math.MaxUint32))) }},
	"float": {4,
		func(b []byte, o binary.ByteOrder) float64 { return float64(math.Float32frombits(o.Uint32(b))) },
		func(b []byte, o binary.ByteOrder, v float64) { o.PutUint32(b, math.Float32bits(float32(v))) }},
	"double": {8,
		func(b []byte, o binary.ByteOrder) float64 { return math.Float64frombits(o.Uint64(b)) },
		func(b []byte, o binary.ByteOrder, v float64) { o.PutUint64(b, math.Float64bits(v)) }},
}

// typeAliases maps the alternative spellings allowed by the format.
var typeAliases = map[string]string{
	"unsigned char": "uchar", "uint8": "uchar", "uint8_t": "uchar",
	"signed char": "char", "int8": "char", "int8_t": "char",
	"int16": "short", "int16_t": "short", "signed short": "short", "short int": "short",
	"uint16": "ushort", "uint16_t": "ushort", "unsigned short": "ushort", "unsigned short int": "ushort",
	"int32": "int", "int32_t": "int", "signed int": "int",
	"uint32": "uint", "uint32_t": "uint", "unsigned int": "uint",
}

func clamp(v, lo, hi float64) float64 {
	v = math.Round(v)
	return math.Max(lo, math.Min(hi, v))
}

// Decode reads a volume from an attached-header NRRD stream.
func Decode(r io.Reader) (*models.Volume, error) {
	br := bufio.NewReader(r)
	magic, err := br.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("error reading header: %v", err)
	}
	if !strings.HasPrefix(magic, "NRRD") {
		return nil, fmt.Errorf("not a NRRD stream")
	}

	fields := make(map[string]string)
	for {
		line, err := br.ReadString('\n')
		if err != nil && line == "" {
			return nil, fmt.Errorf("unexpected end of header: %v", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if strings.HasPrefix(line, "#") || strings.Contains(line, ":=") {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("malformed header line %q", line)
		}
		fields[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}

	if _, ok := fields["data file"]; ok {
		return nil, fmt.Errorf("detached data files are not supported")
	}
	if fields["dimension"] != "3" {
		return nil, fmt.Errorf("expected dimension 3, got %q", fields["dimension"])
	}

	typeName := strings.ToLower(fields["type"])
	if alias, ok := typeAliases[typeName]; ok {
		typeName = alias
	}
	st, ok := sampleTypes[typeName]
	if !ok {
		return nil, fmt.Errorf("unsupported sample type %q", fields["type"])
	}

	g, err := parseGeometry(fields)
	if err != nil {
		return nil, err
	}

	var order binary.ByteOrder = binary.LittleEndian
	if fields["endian"] == "big" {
		order = binary.BigEndian
	}

	var data io.Reader = br
	switch enc := fields["encoding"]; enc {
	case "raw":
	case "gzip", "gz":
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("error opening gzip data: %v", err)
		}
		defer zr.Close()
		data = zr
	default:
		return nil, fmt.Errorf("unsupported encoding %q", enc)
	}

	v := models.NewVolume(g)
	buf := make([]byte, st.size*v.NumVoxels())
	if _, err := io.ReadFull(data, buf); err != nil {
		return nil, fmt.Errorf("error reading voxel data: %v", err)
	}
	for i := range v.Data {
		v.Data[i] = st.decode(buf[i*st.size:], order)
	}
	return v, nil
}

func parseGeometry(fields map[string]string) (models.Geometry, error) {
	var g models.Geometry
	sizes := strings.Fields(fields["sizes"])
	if len(sizes) != 3 {
		return g, fmt.Errorf("expected 3 sizes, got %q", fields["sizes"])
	}
	for i, s := range sizes {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return g, fmt.Errorf("invalid size %q", s)
		}
		g.Size[i] = n
	}

	g.Direction = models.IdentityDirection
	g.Spacing = [3]float64{1, 1, 1}
	if dirs, ok := fields["space directions"]; ok {
		vecs, err := parseVectors(dirs)
		if err != nil {
			return g, fmt.Errorf("invalid space directions: %v", err)
		}
		if len(vecs) != 3 {
			return g, fmt.Errorf("expected 3 space directions, got %d", len(vecs))
		}
		for c, vec := range vecs {
			n := math.Sqrt(vec[0]*vec[0] + vec[1]*vec[1] + vec[2]*vec[2])
			if n == 0 {
				return g, fmt.Errorf("space direction %d has zero length", c)
			}
			g.Spacing[c] = n
			for r := 0; r < 3; r++ {
				g.Direction[r*3+c] = vec[r] / n
			}
		}
	} else if sp, ok := fields["spacings"]; ok {
		parts := strings.Fields(sp)
		if len(parts) != 3 {
			return g, fmt.Errorf("expected 3 spacings, got %q", sp)
		}
		for i, p := range parts {
			s, err := strconv.ParseFloat(p, 64)
			if err != nil {
				return g, fmt.Errorf("invalid spacing %q", p)
			}
			g.Spacing[i] = s
		}
	}

	if origin, ok := fields["space origin"]; ok {
		vecs, err := parseVectors(origin)
		if err != nil || len(vecs) != 1 {
			return g, fmt.Errorf("invalid space origin %q", origin)
		}
		g.Origin = vecs[0]
	}
	return g, g.Validate()
}

// parseVectors reads "(a,b,c) (d,e,f)" style vector lists.
func parseVectors(s string) ([][3]float64, error) {
	var out [][3]float64
	for _, tok := range strings.Fields(s) {
		tok = strings.TrimSuffix(strings.TrimPrefix(tok, "("), ")")
		parts := strings.Split(tok, ",")
		if len(parts) != 3 {
			return nil, fmt.Errorf("vector %q does not have 3 components", tok)
		}
		var vec [3]float64
		for i, p := range parts {
			f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil {
				return nil, fmt.Errorf("invalid component %q", p)
			}
			vec[i] = f
		}
		out = append(out, vec)
	}
	return out, nil
}

// Encode writes v as an attached-header NRRD stream.
func Encode(w io.Writer, v *models.Volume, opts Options) error {
	if err := v.Validate(); err != nil {
		return err
	}
	typeName := opts.Type
	if typeName == "" {
		typeName = "double"
	}
	st, ok := sampleTypes[typeName]
	if !ok {
		return fmt.Errorf("unsupported sample type %q", typeName)
	}

	var hdr bytes.Buffer
	hdr.WriteString("NRRD0004\n")
	fmt.Fprintf(&hdr, "type: %s\n", typeName)
	hdr.WriteString("dimension: 3\n")
	hdr.WriteString("space: left-posterior-superior\n")
	fmt.Fprintf(&hdr, "sizes: %d %d %d\n", v.Size[0], v.Size[1], v.Size[2])
	hdr.WriteString("space directions:")
	for c := 0; c < 3; c++ {
		fmt.Fprintf(&hdr, " (%s,%s,%s)",
			formatFloat(v.Direction[c]*v.Spacing[c]),
			formatFloat(v.Direction[3+c]*v.Spacing[c]),
			formatFloat(v.Direction[6+c]*v.Spacing[c]))
	}
	hdr.WriteString("\nkinds: domain domain domain\n")
	hdr.WriteString("endian: little\n")
	if opts.Gzip {
		hdr.WriteString("encoding: gzip\n")
	} else {
		hdr.WriteString("encoding: raw\n")
	}
	fmt.Fprintf(&hdr, "space origin: (%s,%s,%s)\n\n",
		formatFloat(v.Origin[0]), formatFloat(v.Origin[1]), formatFloat(v.Origin[2]))
	if _, err := w.Write(hdr.Bytes()); err != nil {
		return err
	}

	buf := make([]byte, st.size*len(v.Data))
	for i, d := range v.Data {
		st.encode(buf[i*st.size:], binary.LittleEndian, d)
	}

	if !opts.Gzip {
		_, err := w.Write(buf)
		return err
	}
	zw := gzip.NewWriter(w)
	if _, err := zw.Write(buf); err != nil {
		return err
	}
	return zw.Close()
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// Read loads a volume from a NRRD file.
func Read(path string) (*models.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening volume: %v", err)
	}
	defer f.Close()

	v, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("error reading volume %s: %v", path, err)
	}
	return v, nil
}

// ReadLabelMap loads a label map from a NRRD file.
func ReadLabelMap(path string) (*models.LabelMap, error) {
	v, err := Read(path)
	if err != nil {
		return nil, err
	}
	lm, err := models.NewLabelMap(v)
	if err != nil {
		return nil, fmt.Errorf("error reading label map %s: %v", path, err)
	}
	return lm, nil
}

// Write saves v to path.
func Write(path string, v *models.Volume, opts Options) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating volume file: %v", err)
	}
	w := bufio.NewWriter(f)
	if err := Encode(w, v, opts); err != nil {
		f.Close()
		return fmt.Errorf("error writing volume %s: %v", path, err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("error writing volume %s: %v", path, err)
	}
	return f.Close()
}
