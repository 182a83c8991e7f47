package transform

import "fmt"

// Affine is a general linear map plus translation about a centre:
//
//	T(p) = A * (p - c) + c + t
type Affine struct {
	Matrix      [9]float64
	Translation [3]float64
	Center      [3]float64
}

// IdentityAffine returns the identity affine transform.
func IdentityAffine() *Affine {
	return &Affine{Matrix: [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}}
}

func (a *Affine) Kind() Kind { return KindAffine }
func (a *Affine) sealed()    {}

// TransformPoint maps a fixed-space point into moving space.
func (a *Affine) TransformPoint(p [3]float64) [3]float64 {
	d := [3]float64{p[0] - a.Center[0], p[1] - a.Center[1], p[2] - a.Center[2]}
	m := mulVec(a.Matrix, d)
	return [3]float64{
		m[0] + a.Center[0] + a.Translation[0],
		m[1] + a.Center[1] + a.Translation[1],
		m[2] + a.Center[2] + a.Translation[2],
	}
}

// Compose returns the affine transform equal to applying b first and then a.
func (a *Affine) Compose(b *Affine) *Affine {
	// a(b(p)) = Aa*(Ab*(p-cb) + cb + tb - ca) + ca + ta
	m := mulMat(a.Matrix, b.Matrix)
	inner := [3]float64{
		b.Center[0] + b.Translation[0] - a.Center[0],
		b.Center[1] + b.Translation[1] - a.Center[1],
		b.Center[2] + b.Translation[2] - a.Center[2],
	}
	ai := mulVec(a.Matrix, inner)
	// express the result about b's centre
	return &Affine{
		Matrix: m,
		Translation: [3]float64{
			ai[0] + a.Center[0] + a.Translation[0] - b.Center[0],
			ai[1] + a.Center[1] + a.Translation[1] - b.Center[1],
			ai[2] + a.Center[2] + a.Translation[2] - b.Center[2],
		},
		Center: b.Center,
	}
}

// ToRigidScale approximates a by the nearest rotation with unit scale. The
// translation and centre are kept as they are.
func (a *Affine) ToRigidScale() (*RigidScale, error) {
	v, ok := ClosestVersor(a.Matrix)
	if !ok {
		return nil, fmt.Errorf("affine matrix %v has no rotation approximation", a.Matrix)
	}
	return &RigidScale{
		Versor:      v,
		Translation: a.Translation,
		Scale:       [3]float64{1, 1, 1},
		Center:      a.Center,
	}, nil
}
