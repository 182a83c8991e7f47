// Package transform holds the spatial transforms used by the registration
// pipeline: the 9-parameter rigid+scale transform, general affine
// transforms imported from disk, and the composite chain that accumulates
// one rigid+scale transform per registration level.
//
// All transforms map points from fixed (output) space into moving (input)
// space, the direction needed when resampling a moving volume onto the
// fixed grid.
package transform

import "fmt"

// Kind identifies the concrete transform behind a Transform value.
type Kind int

const (
	KindRigidScale Kind = iota + 1
	KindAffine
	KindComposite
)

func (k Kind) String() string {
	switch k {
	case KindRigidScale:
		return "rigid+scale"
	case KindAffine:
		return "affine"
	case KindComposite:
		return "composite"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Transform maps a physical point from fixed space into moving space.
// The set of implementations is closed: *RigidScale, *Affine and
// *Composite. Switch on Kind to recover the concrete type.
type Transform interface {
	Kind() Kind
	TransformPoint(p [3]float64) [3]float64
	sealed()
}

func mulVec(m [9]float64, v [3]float64) [3]float64 {
	return [3]float64{
		m[0]*v[0] + m[1]*v[1] + m[2]*v[2],
		m[3]*v[0] + m[4]*v[1] + m[5]*v[2],
		m[6]*v[0] + m[7]*v[1] + m[8]*v[2],
	}
}

func mulMat(a, b [9]float64) [9]float64 {
	var out [9]float64
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			for k := 0; k < 3; k++ {
				out[r*3+c] += a[r*3+k] * b[k*3+c]
			}
		}
	}
	return out
}
