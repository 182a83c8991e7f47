package manager

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"multilevelreg/internal/logging"
	"multilevelreg/internal/models"
	"multilevelreg/pkg/errs"
	"multilevelreg/pkg/transform"
)

// rampVolume returns a volume whose value at (x,y,z) is x + 10y + 100z.
func rampVolume(size [3]int, spacing, origin [3]float64) *models.Volume {
	v := models.NewVolume(models.NewGeometry(size, spacing, origin))
	for z := 0; z < size[2]; z++ {
		for y := 0; y < size[1]; y++ {
			for x := 0; x < size[0]; x++ {
				v.Set(x, y, z, float64(x+10*y+100*z))
			}
		}
	}
	return v
}

func TestResample(t *testing.T) {
	t.Run("IdentityReproducesValues", func(t *testing.T) {
		rapid.Check(t, func(rt *rapid.T) {
			size := [3]int{
				rapid.IntRange(1, 7).Draw(rt, "nx"),
				rapid.IntRange(1, 7).Draw(rt, "ny"),
				rapid.IntRange(1, 7).Draw(rt, "nz"),
			}
			spacing := [3]float64{
				rapid.Float64Range(0.3, 3).Draw(rt, "sx"),
				rapid.Float64Range(0.3, 3).Draw(rt, "sy"),
				rapid.Float64Range(0.3, 3).Draw(rt, "sz"),
			}
			origin := [3]float64{
				rapid.Float64Range(-100, 100).Draw(rt, "ox"),
				rapid.Float64Range(-100, 100).Draw(rt, "oy"),
				rapid.Float64Range(-100, 100).Draw(rt, "oz"),
			}
			v := models.NewVolume(models.NewGeometry(size, spacing, origin))
			for i := range v.Data {
				v.Data[i] = rapid.Float64Range(-1000, 1000).Draw(rt, "value")
			}
			interp := Interpolation(rapid.IntRange(0, 1).Draw(rt, "interp"))

			out, err := Resample(v, v.Geometry, transform.Identity(v.Center()), ResampleOptions{Interpolation: interp})
			if err != nil {
				rt.Fatal(err)
			}
			for i := range v.Data {
				if out.Data[i] != v.Data[i] {
					rt.Fatalf("voxel %d: got %v, want %v", i, out.Data[i], v.Data[i])
				}
			}
		})
	})

	t.Run("TranslationShiftsSamples", func(t *testing.T) {
		v := rampVolume([3]int{6, 5, 4}, [3]float64{1, 1, 1}, [3]float64{})
		shift := transform.Identity([3]float64{})
		shift.Translation = [3]float64{1, 0, 0}

		out, err := Resample(v, v.Geometry, shift, ResampleOptions{Fill: -1})
		require.NoError(t, err)
		assert.Equal(t, v.At(3, 2, 1), out.At(2, 2, 1))
		assert.Equal(t, -1.0, out.At(5, 0, 0), "out of bounds voxel must get the fill value")
	})

	t.Run("LinearInterpolatesHalfVoxel", func(t *testing.T) {
		v := rampVolume([3]int{4, 4, 4}, [3]float64{2, 2, 2}, [3]float64{})
		shift := transform.Identity([3]float64{})
		shift.Translation = [3]float64{1, 1, 1}

		out, err := Resample(v, v.Geometry, shift, ResampleOptions{})
		require.NoError(t, err)
		// halfway between x, y and z neighbours of a linear ramp
		assert.InDelta(t, 0.5+5+50, out.At(0, 0, 0), 1e-9)
	})

	t.Run("WorkerCountDoesNotChangeResult", func(t *testing.T) {
		v := rampVolume([3]int{9, 8, 7}, [3]float64{1, 1, 1}, [3]float64{})
		rot := transform.Identity(v.Center())
		rot.Versor = transform.AxisAngle([3]float64{0, 0, 1}, 0.3)

		one, err := Resample(v, v.Geometry, rot, ResampleOptions{Workers: 1})
		require.NoError(t, err)
		many, err := Resample(v, v.Geometry, rot, ResampleOptions{Workers: 5})
		require.NoError(t, err)
		assert.Equal(t, one.Data, many.Data)
	})

	t.Run("LabelMapKeepsLabelValues", func(t *testing.T) {
		v := models.NewVolume(models.NewGeometry([3]int{6, 6, 6}, [3]float64{1, 1, 1}, [3]float64{}))
		for i := range v.Data {
			v.Data[i] = float64(i % 3 * 4)
		}
		labels, err := models.NewLabelMap(v)
		require.NoError(t, err)

		rs := transform.Identity(v.Center())
		rs.Versor = transform.AxisAngle([3]float64{1, 1, 0}, 0.4)
		rs.Translation = [3]float64{0.3, -0.2, 0.45}
		out, err := ResampleLabelMap(labels, v.Geometry, rs, 0)
		require.NoError(t, err)
		for _, d := range out.Data {
			assert.Contains(t, []float64{0, 4, 8}, d)
		}
	})

	t.Run("InvalidInput", func(t *testing.T) {
		v := &models.Volume{Geometry: models.NewGeometry([3]int{2, 2, 2}, [3]float64{1, 1, 1}, [3]float64{})}
		_, err := Resample(v, v.Geometry, nil, ResampleOptions{})
		assert.Error(t, err)
	})
}

func TestParseROI(t *testing.T) {
	t.Run("SlicerAnnotation", func(t *testing.T) {
		input := `# Markups fiducial file version = 4.4
# columns = label|x|y|z|sel|vis
point|18.8396|305.532|-458.046|1|1
point|10|20|30|1|1
point|99|99|99|1|1
`
		roi, err := ParseROI(strings.NewReader(input))
		require.NoError(t, err)
		assert.Equal(t, [3]float64{-18.8396, -305.532, -458.046}, roi.Center)
		assert.Equal(t, [3]float64{10, 20, 30}, roi.Radius)
	})

	t.Run("OnlyFirstFourBarsMatter", func(t *testing.T) {
		input := "a|1|2|3|x|y|z\nb|4|5|6\n"
		roi, err := ParseROI(strings.NewReader(input))
		require.NoError(t, err)
		assert.Equal(t, [3]float64{-1, -2, 3}, roi.Center)
		assert.Equal(t, [3]float64{4, 5, 6}, roi.Radius)
	})

	t.Run("Errors", func(t *testing.T) {
		cases := map[string]string{
			"onePoint":   "point|1|2|3|1|1\n",
			"empty":      "# nothing\n",
			"badNumber":  "point|1|two|3\npoint|1|2|3\n",
			"missingBar": "point|1|2\npoint|1|2|3\n",
		}
		for name, input := range cases {
			t.Run(name, func(t *testing.T) {
				_, err := ParseROI(strings.NewReader(input))
				require.Error(t, err)
				assert.True(t, errs.Is(err, errs.Precondition))
			})
		}
	})

	t.Run("MissingFile", func(t *testing.T) {
		_, err := ReadROIFile(filepath.Join(t.TempDir(), "absent.acsv"))
		assert.True(t, errs.Is(err, errs.Precondition))
	})
}

func TestCrop(t *testing.T) {
	// 1 mm volume whose voxel (50,50,50) sits at the physical origin
	v := models.NewVolume(models.NewGeometry([3]int{100, 100, 100}, [3]float64{1, 1, 1}, [3]float64{-50, -50, -50}))
	roi := models.RegionOfInterest{Radius: [3]float64{10, 10, 10}}

	t.Run("HistoricalSize", func(t *testing.T) {
		out, err := Crop(v, roi, CropOptions{})
		require.NoError(t, err)
		assert.Equal(t, [3]int{20, 20, 20}, out.Size)
		assert.Equal(t, [3]float64{-10, -10, -10}, out.Origin)
	})

	t.Run("InclusiveSize", func(t *testing.T) {
		out, err := Crop(v, roi, CropOptions{Inclusive: true})
		require.NoError(t, err)
		assert.Equal(t, [3]int{21, 21, 21}, out.Size)
	})

	t.Run("CopiesVoxels", func(t *testing.T) {
		ramp := rampVolume([3]int{8, 8, 8}, [3]float64{1, 1, 1}, [3]float64{})
		r := models.RegionOfInterest{Center: [3]float64{4, 4, 4}, Radius: [3]float64{2, 1, 2}}
		out, err := Crop(ramp, r, CropOptions{})
		require.NoError(t, err)
		assert.Equal(t, [3]int{4, 2, 4}, out.Size)
		assert.Equal(t, ramp.At(2, 3, 2), out.At(0, 0, 0))
		assert.Equal(t, ramp.At(5, 4, 5), out.At(3, 1, 3))
	})

	t.Run("ClipsToVolume", func(t *testing.T) {
		r := models.RegionOfInterest{Center: [3]float64{45, 0, 0}, Radius: [3]float64{10, 10, 10}}
		out, err := Crop(v, r, CropOptions{})
		require.NoError(t, err)
		assert.Equal(t, 100-85, out.Size[0])
	})

	t.Run("OutsideVolume", func(t *testing.T) {
		r := models.RegionOfInterest{Center: [3]float64{500, 0, 0}, Radius: [3]float64{10, 10, 10}}
		_, err := Crop(v, r, CropOptions{})
		assert.True(t, errs.Is(err, errs.Precondition))
	})

	t.Run("ContainedInSource", func(t *testing.T) {
		rapid.Check(t, func(rt *rapid.T) {
			spacing := [3]float64{
				rapid.Float64Range(0.5, 2).Draw(rt, "sx"),
				rapid.Float64Range(0.5, 2).Draw(rt, "sy"),
				rapid.Float64Range(0.5, 2).Draw(rt, "sz"),
			}
			src := models.NewVolume(models.NewGeometry([3]int{30, 25, 20}, spacing,
				[3]float64{rapid.Float64Range(-50, 50).Draw(rt, "ox"), 0, 0}))
			lo, hi := src.Bounds()

			var r models.RegionOfInterest
			for i := 0; i < 3; i++ {
				r.Center[i] = rapid.Float64Range(lo[i], hi[i]).Draw(rt, "c")
				r.Radius[i] = rapid.Float64Range(spacing[i], 3*(hi[i]-lo[i])).Draw(rt, "r")
			}
			out, err := Crop(src, r, CropOptions{Inclusive: rapid.Bool().Draw(rt, "inclusive")})
			if err != nil {
				rt.Fatal(err)
			}
			clo, chi := out.Bounds()
			for i := 0; i < 3; i++ {
				if clo[i] < lo[i]-1e-9 || chi[i] > hi[i]+1e-9 {
					rt.Fatalf("axis %d: crop [%v, %v] outside source [%v, %v]", i, clo[i], chi[i], lo[i], hi[i])
				}
			}
		})
	})
}

func TestManager(t *testing.T) {
	ctx := logging.WithLogger(context.Background(), logging.Discard())

	t.Run("MissingInput", func(t *testing.T) {
		m := New(Options{})
		_, err := m.ResampleMoving()
		require.Error(t, err)
		assert.True(t, errs.Is(err, errs.Precondition))
		assert.Contains(t, err.Error(), "missing input")

		moving := rampVolume([3]int{2, 2, 2}, [3]float64{1, 1, 1}, [3]float64{})
		m.SetImages(nil, moving)
		assert.Same(t, moving, m.ResampleOrPassThrough(ctx))
	})

	t.Run("ResamplesThroughWholeComposite", func(t *testing.T) {
		fixed := rampVolume([3]int{10, 4, 4}, [3]float64{1, 1, 1}, [3]float64{})
		moving := fixed.Clone()
		m := New(Options{Workers: 2})
		m.SetImages(fixed, moving)

		for i := 0; i < 2; i++ {
			step := transform.Identity([3]float64{})
			step.Translation = [3]float64{1, 0, 0}
			require.NoError(t, m.AddTransform(step))
		}
		assert.Equal(t, 2, m.Composite().Len())

		out, err := m.ResampleMoving()
		require.NoError(t, err)
		assert.Equal(t, moving.At(5, 1, 1), out.At(3, 1, 1))
		assert.Error(t, m.AddTransform(nil))
	})

	t.Run("CropRequiresROI", func(t *testing.T) {
		m := New(Options{})
		m.SetImages(rampVolume([3]int{4, 4, 4}, [3]float64{1, 1, 1}, [3]float64{}), nil)
		_, err := m.CropFixed()
		assert.True(t, errs.Is(err, errs.Precondition))

		path := filepath.Join(t.TempDir(), "roi.acsv")
		require.NoError(t, os.WriteFile(path, []byte("p|-2|-2|2\np|1|1|1\n"), 0644))
		require.NoError(t, m.SetROIFromFile(path))
		roi, ok := m.ROI()
		require.True(t, ok)
		assert.Equal(t, [3]float64{2, 2, 2}, roi.Center)

		out, err := m.CropFixed()
		require.NoError(t, err)
		assert.Equal(t, [3]int{2, 2, 2}, out.Size)
	})
}

func BenchmarkResample(b *testing.B) {
	v := rampVolume([3]int{64, 64, 64}, [3]float64{1, 1, 1}, [3]float64{})
	rs := transform.Identity(v.Center())
	rs.Versor = transform.AxisAngle([3]float64{0, 0, 1}, 0.1)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Resample(v, v.Geometry, rs, ResampleOptions{}); err != nil {
			b.Fatal(err)
		}
	}
}
