package preprocess

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"multilevelreg/internal/models"
)

func sampleVolume() *models.Volume {
	v := models.NewVolume(models.NewGeometry([3]int{5, 5, 5}, [3]float64{1, 1, 2}, [3]float64{}))
	for i := range v.Data {
		v.Data[i] = float64(i%7) * 10
	}
	return v
}

func TestThresholds(t *testing.T) {
	v := sampleVolume()

	upper := UpperThreshold(v, 25)
	lower := LowerThreshold(v, 25)
	for i, d := range v.Data {
		assert.Equal(t, min(d, 25), upper.Data[i])
		assert.Equal(t, max(d, 25), lower.Data[i])
	}
	assert.Equal(t, 60.0, v.Data[6], "input must not be modified")
}

func TestGaussianSmooth(t *testing.T) {
	t.Run("PreservesConstant", func(t *testing.T) {
		v := models.NewVolume(models.NewGeometry([3]int{6, 6, 6}, [3]float64{1, 1, 1}, [3]float64{}))
		for i := range v.Data {
			v.Data[i] = 42
		}
		out, err := GaussianSmooth(v, 2)
		require.NoError(t, err)
		for _, d := range out.Data {
			assert.InDelta(t, 42, d, 1e-9)
		}
	})

	t.Run("PreservesMassAwayFromEdges", func(t *testing.T) {
		v := models.NewVolume(models.NewGeometry([3]int{21, 21, 21}, [3]float64{1, 1, 1}, [3]float64{}))
		v.Set(10, 10, 10, 1000)
		out, err := GaussianSmooth(v, 1)
		require.NoError(t, err)

		sum := 0.0
		for _, d := range out.Data {
			sum += d
		}
		assert.InDelta(t, 1000, sum, 1e-6)
		assert.Less(t, out.At(10, 10, 10), 1000.0)
		assert.Greater(t, out.At(11, 10, 10), 0.0)
	})

	t.Run("ZeroVarianceIsCopy", func(t *testing.T) {
		v := sampleVolume()
		out, err := GaussianSmooth(v, 0)
		require.NoError(t, err)
		assert.Equal(t, v.Data, out.Data)
	})

	t.Run("NegativeVariance", func(t *testing.T) {
		_, err := GaussianSmooth(sampleVolume(), -1)
		assert.Error(t, err)
	})
}
