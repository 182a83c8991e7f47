// Package visualization renders volumes as greyscale slice images for
// quick inspection of registration results.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"math"
	"os"
	"path/filepath"

	"multilevelreg/internal/models"
)

// Viewer extracts 2D slices from a volume. Intensities are windowed
// linearly between the volume's minimum and maximum.
type Viewer struct {
	volume *models.Volume

	// intensity window mapped to black and white
	lo, hi float64
}

// NewViewer creates a viewer windowed to the full intensity range of v.
func NewViewer(v *models.Volume) *Viewer {
	lo, hi := v.MinMax()
	return &Viewer{volume: v, lo: lo, hi: hi}
}

// SetWindow overrides the intensity window.
func (v *Viewer) SetWindow(lo, hi float64) {
	v.lo, v.hi = lo, hi
}

func (v *Viewer) gray(value float64) color.Gray16 {
	if v.hi <= v.lo {
		return color.Gray16{}
	}
	n := (value - v.lo) / (v.hi - v.lo)
	return color.Gray16{Y: uint16(math.Max(0, math.Min(65535, n*65535)))}
}

// ExtractSlice extracts the slice at position perpendicular to axis
// ("x", "y" or "z").
func (v *Viewer) ExtractSlice(axis string, position int) (*image.Gray16, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	size := v.volume.Size
	width, height, depth := size[0], size[1], size[2]

	var img *image.Gray16
	switch axis {
	case "x", "X":
		// YZ plane
		if position >= width {
			return nil, fmt.Errorf("position %d exceeds width %d", position, width)
		}
		img = image.NewGray16(image.Rect(0, 0, depth, height))
		for y := 0; y < height; y++ {
			for z := 0; z < depth; z++ {
				img.SetGray16(z, y, v.gray(v.volume.At(position, y, z)))
			}
		}

	case "y", "Y":
		// XZ plane
		if position >= height {
			return nil, fmt.Errorf("position %d exceeds height %d", position, height)
		}
		img = image.NewGray16(image.Rect(0, 0, width, depth))
		for z := 0; z < depth; z++ {
			for x := 0; x < width; x++ {
				img.SetGray16(x, z, v.gray(v.volume.At(x, position, z)))
			}
		}

	case "z", "Z":
		// XY plane
		if position >= depth {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, depth)
		}
		img = image.NewGray16(image.Rect(0, 0, width, height))
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				img.SetGray16(x, y, v.gray(v.volume.At(x, y, position)))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}
	return img, nil
}

// EncodeSlice writes img as a JPEG image.
func EncodeSlice(w io.Writer, img image.Image) error {
	return jpeg.Encode(w, img, &jpeg.Options{Quality: 90})
}

// SaveSlice saves an extracted slice as a JPEG image.
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := EncodeSlice(file, img); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// SaveSliceSequence extracts and saves every slice along axis.
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = v.volume.Size[0]
	case "y", "Y":
		maxPos = v.volume.Size[1]
	case "z", "Z":
		maxPos = v.volume.Size[2]
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.jpg", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}
	return nil
}

// CentralSlices returns the middle slice along x, y and z, in that order.
func (v *Viewer) CentralSlices() ([3]*image.Gray16, error) {
	var out [3]*image.Gray16
	for i, axis := range []string{"x", "y", "z"} {
		img, err := v.ExtractSlice(axis, v.volume.Size[i]/2)
		if err != nil {
			return out, err
		}
		out[i] = img
	}
	return out, nil
}
