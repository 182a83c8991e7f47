package manager

import (
	"fmt"
	"runtime"
	"sync"

	"multilevelreg/internal/models"
	"multilevelreg/pkg/transform"
)

// Interpolation selects how a volume is sampled between voxel centres.
type Interpolation int

const (
	// Linear is trilinear interpolation, used for intensity volumes.
	Linear Interpolation = iota
	// NearestNeighbor picks the closest voxel. Label maps always use it.
	NearestNeighbor
)

func (i Interpolation) String() string {
	switch i {
	case Linear:
		return "linear"
	case NearestNeighbor:
		return "nearest"
	default:
		return fmt.Sprintf("interpolation(%d)", int(i))
	}
}

// ResampleOptions configure Resample.
type ResampleOptions struct {
	Interpolation Interpolation

	// Fill is written to output voxels that map outside the input
	Fill float64

	// Workers bounds the number of goroutines; 0 uses every CPU
	Workers int
}

// Resample produces a volume on the reference grid whose voxel at physical
// point p holds image sampled at t(p). A nil transform is the identity.
//
// The z slices of the output are distributed over a fixed set of workers.
// Every output voxel depends only on its own position, so the result does
// not depend on the number of workers.
func Resample(image *models.Volume, reference models.Geometry, t transform.Transform, opts ResampleOptions) (*models.Volume, error) {
	if err := image.Validate(); err != nil {
		return nil, fmt.Errorf("invalid input volume: %v", err)
	}
	if err := reference.Validate(); err != nil {
		return nil, fmt.Errorf("invalid reference geometry: %v", err)
	}

	out := models.NewVolume(reference)
	mapper := image.Mapper()
	sampler := newSampler(image, opts)

	numWorkers := opts.Workers
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	depth := reference.Size[2]
	if numWorkers > depth {
		numWorkers = depth
	}
	slicesPerWorker := (depth + numWorkers - 1) / numWorkers

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		start := w * slicesPerWorker
		end := min(start+slicesPerWorker, depth)
		if start >= end {
			continue
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for z := start; z < end; z++ {
				for y := 0; y < reference.Size[1]; y++ {
					for x := 0; x < reference.Size[0]; x++ {
						p := reference.IndexToPhysical([3]float64{float64(x), float64(y), float64(z)})
						if t != nil {
							p = t.TransformPoint(p)
						}
						out.Data[reference.Offset(x, y, z)] = sampler.sample(mapper.ToIndex(p))
					}
				}
			}
		}(start, end)
	}
	wg.Wait()

	return out, nil
}

// ResampleLabelMap resamples a label map with nearest-neighbour
// interpolation and background fill.
func ResampleLabelMap(labels *models.LabelMap, reference models.Geometry, t transform.Transform, workers int) (*models.LabelMap, error) {
	v, err := Resample(labels.Volume, reference, t, ResampleOptions{
		Interpolation: NearestNeighbor,
		Fill:          models.Background,
		Workers:       workers,
	})
	if err != nil {
		return nil, err
	}
	return &models.LabelMap{Volume: v}, nil
}

type sampler struct {
	v      *models.Volume
	interp Interpolation
	fill   float64
}

func newSampler(v *models.Volume, opts ResampleOptions) sampler {
	return sampler{v: v, interp: opts.Interpolation, fill: opts.Fill}
}

func (s sampler) sample(ci [3]float64) float64 {
	var (
		value float64
		ok    bool
	)
	if s.interp == NearestNeighbor {
		value, ok = s.v.SampleNearest(ci)
	} else {
		value, ok = s.v.SampleLinear(ci)
	}
	if !ok {
		return s.fill
	}
	return value
}
