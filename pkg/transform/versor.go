package transform

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// Versor is a unit quaternion stored by its vector part. The scalar part
// is implied as sqrt(1 - |v|^2) and is never negative.
type Versor [3]float64

// IdentityVersor is the rotation by zero degrees.
var IdentityVersor = Versor{}

// Quat returns the full unit quaternion. A vector part longer than one is
// normalised to a half-turn.
func (v Versor) Quat() quat.Number {
	n2 := v[0]*v[0] + v[1]*v[1] + v[2]*v[2]
	if n2 > 1 {
		n := math.Sqrt(n2)
		return quat.Number{Imag: v[0] / n, Jmag: v[1] / n, Kmag: v[2] / n}
	}
	return quat.Number{Real: math.Sqrt(1 - n2), Imag: v[0], Jmag: v[1], Kmag: v[2]}
}

// versorFromQuat normalises q and flips it so the scalar part is positive.
func versorFromQuat(q quat.Number) Versor {
	n := quat.Abs(q)
	if n == 0 {
		return IdentityVersor
	}
	q = quat.Scale(1/n, q)
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	return Versor{q.Imag, q.Jmag, q.Kmag}
}

// AxisAngle builds the versor rotating by angle radians about axis.
func AxisAngle(axis [3]float64, angle float64) Versor {
	n := math.Sqrt(axis[0]*axis[0] + axis[1]*axis[1] + axis[2]*axis[2])
	if n == 0 {
		return IdentityVersor
	}
	s := math.Sin(angle/2) / n
	return versorFromQuat(quat.Number{
		Real: math.Cos(angle / 2),
		Imag: axis[0] * s,
		Jmag: axis[1] * s,
		Kmag: axis[2] * s,
	})
}

// Compose returns the rotation that applies o first and then v.
func (v Versor) Compose(o Versor) Versor {
	return versorFromQuat(quat.Mul(v.Quat(), o.Quat()))
}

// Angle returns the rotation angle in radians.
func (v Versor) Angle() float64 {
	return 2 * math.Acos(math.Min(1, v.Quat().Real))
}

// Axis returns the unit rotation axis, or the x axis for the identity.
func (v Versor) Axis() [3]float64 {
	n := math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
	if n == 0 {
		return [3]float64{1, 0, 0}
	}
	return [3]float64{v[0] / n, v[1] / n, v[2] / n}
}

// Matrix returns the rotation matrix in row-major order.
func (v Versor) Matrix() [9]float64 {
	q := v.Quat()
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return [9]float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	}
}

// ClosestVersor returns the rotation nearest to an arbitrary 3x3 linear
// map in the Frobenius sense. The map is orthogonalised through its
// singular value decomposition and reflections are removed.
func ClosestVersor(m [9]float64) (Versor, bool) {
	a := mat.NewDense(3, 3, m[:])
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFull) {
		return IdentityVersor, false
	}
	var u, vt mat.Dense
	svd.UTo(&u)
	svd.VTo(&vt)

	var r mat.Dense
	r.Mul(&u, vt.T())
	if mat.Det(&r) < 0 {
		// flip the singular vector of the smallest singular value
		for i := 0; i < 3; i++ {
			u.Set(i, 2, -u.At(i, 2))
		}
		r.Mul(&u, vt.T())
	}

	var rm [9]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rm[i*3+j] = r.At(i, j)
		}
	}
	return versorFromMatrix(rm), true
}

// versorFromMatrix converts an orthonormal rotation matrix to a versor.
func versorFromMatrix(r [9]float64) Versor {
	trace := r[0] + r[4] + r[8]
	var q quat.Number
	switch {
	case trace > 0:
		s := 2 * math.Sqrt(trace+1)
		q = quat.Number{Real: s / 4, Imag: (r[7] - r[5]) / s, Jmag: (r[2] - r[6]) / s, Kmag: (r[3] - r[1]) / s}
	case r[0] > r[4] && r[0] > r[8]:
		s := 2 * math.Sqrt(1+r[0]-r[4]-r[8])
		q = quat.Number{Real: (r[7] - r[5]) / s, Imag: s / 4, Jmag: (r[1] + r[3]) / s, Kmag: (r[2] + r[6]) / s}
	case r[4] > r[8]:
		s := 2 * math.Sqrt(1+r[4]-r[0]-r[8])
		q = quat.Number{Real: (r[2] - r[6]) / s, Imag: (r[1] + r[3]) / s, Jmag: s / 4, Kmag: (r[5] + r[7]) / s}
	default:
		s := 2 * math.Sqrt(1+r[8]-r[0]-r[4])
		q = quat.Number{Real: (r[3] - r[1]) / s, Imag: (r[2] + r[6]) / s, Jmag: (r[5] + r[7]) / s, Kmag: s / 4}
	}
	return versorFromQuat(q)
}
