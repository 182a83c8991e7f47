package transform

import (
	"fmt"
	"math"
)

// NumParameters is the number of optimisable parameters of a RigidScale:
// three versor components, three translations and three scale factors.
const NumParameters = 9

// Parameters is the optimisable vector of a RigidScale in the order
// versor (0-2), translation (3-5), scale (6-8).
type Parameters [NumParameters]float64

// RigidScale rotates about a fixed centre, scales anisotropically and
// translates:
//
//	T(p) = R * S * (p - c) + c + t
//
// The centre is not optimised.
type RigidScale struct {
	Versor      Versor
	Translation [3]float64
	Scale       [3]float64
	Center      [3]float64
}

// Identity returns the identity transform rotating about center.
func Identity(center [3]float64) *RigidScale {
	return &RigidScale{Scale: [3]float64{1, 1, 1}, Center: center}
}

func (t *RigidScale) Kind() Kind { return KindRigidScale }
func (t *RigidScale) sealed()    {}

// Validate checks the scale invariant.
func (t *RigidScale) Validate() error {
	for i, s := range t.Scale {
		if !(s > 0) || math.IsInf(s, 0) {
			return fmt.Errorf("scale[%d] must be positive, got %g", i, s)
		}
	}
	return nil
}

// Parameters returns the optimisable parameter vector.
func (t *RigidScale) Parameters() Parameters {
	return Parameters{
		t.Versor[0], t.Versor[1], t.Versor[2],
		t.Translation[0], t.Translation[1], t.Translation[2],
		t.Scale[0], t.Scale[1], t.Scale[2],
	}
}

// WithParameters returns a copy of t carrying p. The centre is kept.
func (t *RigidScale) WithParameters(p Parameters) *RigidScale {
	return &RigidScale{
		Versor:      Versor{p[0], p[1], p[2]},
		Translation: [3]float64{p[3], p[4], p[5]},
		Scale:       [3]float64{p[6], p[7], p[8]},
		Center:      t.Center,
	}
}

// Clone returns a copy of t.
func (t *RigidScale) Clone() *RigidScale {
	c := *t
	return &c
}

// Matrix returns R * S in row-major order.
func (t *RigidScale) Matrix() [9]float64 {
	r := t.Versor.Matrix()
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			r[row*3+col] *= t.Scale[col]
		}
	}
	return r
}

// TransformPoint maps a fixed-space point into moving space.
func (t *RigidScale) TransformPoint(p [3]float64) [3]float64 {
	d := [3]float64{p[0] - t.Center[0], p[1] - t.Center[1], p[2] - t.Center[2]}
	m := mulVec(t.Matrix(), d)
	return [3]float64{
		m[0] + t.Center[0] + t.Translation[0],
		m[1] + t.Center[1] + t.Translation[1],
		m[2] + t.Center[2] + t.Translation[2],
	}
}

// Offset returns the constant term of the transform, t + c - M*c.
func (t *RigidScale) Offset() [3]float64 {
	mc := mulVec(t.Matrix(), t.Center)
	return [3]float64{
		t.Translation[0] + t.Center[0] - mc[0],
		t.Translation[1] + t.Center[1] - mc[1],
		t.Translation[2] + t.Center[2] - mc[2],
	}
}

// AsAffine returns the equivalent affine transform.
func (t *RigidScale) AsAffine() *Affine {
	return &Affine{Matrix: t.Matrix(), Translation: t.Translation, Center: t.Center}
}

func (t *RigidScale) String() string {
	return fmt.Sprintf("versor=(%.6f, %.6f, %.6f) angle=%.3fdeg translation=(%.4f, %.4f, %.4f) scale=(%.4f, %.4f, %.4f)",
		t.Versor[0], t.Versor[1], t.Versor[2], t.Versor.Angle()*180/math.Pi,
		t.Translation[0], t.Translation[1], t.Translation[2],
		t.Scale[0], t.Scale[1], t.Scale[2])
}
