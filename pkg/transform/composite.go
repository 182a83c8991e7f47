package transform

import "fmt"

// Composite is an ordered chain of rigid+scale transforms, one per
// completed registration stage.
//
// Given the chain [T0, T1, ..., Tn], TransformPoint computes
// T0(T1(...Tn(p))): the most recently appended transform acts first on
// the fixed-space point. A level registers the fixed volume against the
// moving volume already resampled through the earlier transforms, so its
// result lives in fixed space in front of them.
//
// Composite values are immutable; Append returns a new chain.
type Composite struct {
	transforms []*RigidScale
}

// NewComposite builds a chain from transforms in append order.
func NewComposite(ts ...*RigidScale) *Composite {
	c := &Composite{}
	for _, t := range ts {
		if t != nil {
			c.transforms = append(c.transforms, t.Clone())
		}
	}
	return c
}

func (c *Composite) Kind() Kind { return KindComposite }
func (c *Composite) sealed()    {}

// Len returns the number of transforms in the chain.
func (c *Composite) Len() int {
	if c == nil {
		return 0
	}
	return len(c.transforms)
}

// Empty reports whether the chain holds no transform.
func (c *Composite) Empty() bool { return c.Len() == 0 }

// At returns a copy of the i-th transform in append order.
func (c *Composite) At(i int) *RigidScale {
	return c.transforms[i].Clone()
}

// Last returns a copy of the most recently appended transform.
func (c *Composite) Last() *RigidScale {
	if c.Empty() {
		return nil
	}
	return c.transforms[len(c.transforms)-1].Clone()
}

// Transforms returns copies of the chain in append order.
func (c *Composite) Transforms() []*RigidScale {
	out := make([]*RigidScale, 0, c.Len())
	for i := 0; i < c.Len(); i++ {
		out = append(out, c.At(i))
	}
	return out
}

// Append returns a new chain with t added at the end.
func (c *Composite) Append(t *RigidScale) (*Composite, error) {
	if t == nil {
		return nil, fmt.Errorf("cannot append a nil transform")
	}
	out := &Composite{transforms: make([]*RigidScale, 0, c.Len()+1)}
	for i := 0; i < c.Len(); i++ {
		out.transforms = append(out.transforms, c.transforms[i])
	}
	out.transforms = append(out.transforms, t.Clone())
	return out, nil
}

// TransformPoint maps a fixed-space point through the whole chain.
func (c *Composite) TransformPoint(p [3]float64) [3]float64 {
	for i := c.Len() - 1; i >= 0; i-- {
		p = c.transforms[i].TransformPoint(p)
	}
	return p
}

// Flatten collapses the chain into a single affine transform.
func (c *Composite) Flatten() *Affine {
	out := IdentityAffine()
	for i := 0; i < c.Len(); i++ {
		out = out.Compose(c.transforms[i].AsAffine())
	}
	return out
}
