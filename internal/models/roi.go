package models

import "fmt"

// RegionOfInterest is a physical-space box given by its centre and
// half-widths, both in mm.
type RegionOfInterest struct {
	Center [3]float64
	Radius [3]float64
}

// Start returns the corner at centre minus radius.
func (r RegionOfInterest) Start() [3]float64 {
	return [3]float64{r.Center[0] - r.Radius[0], r.Center[1] - r.Radius[1], r.Center[2] - r.Radius[2]}
}

// End returns the corner at centre plus radius.
func (r RegionOfInterest) End() [3]float64 {
	return [3]float64{r.Center[0] + r.Radius[0], r.Center[1] + r.Radius[1], r.Center[2] + r.Radius[2]}
}

// Values returns the ROI as [cx, cy, cz, rx, ry, rz].
func (r RegionOfInterest) Values() [6]float64 {
	return [6]float64{r.Center[0], r.Center[1], r.Center[2], r.Radius[0], r.Radius[1], r.Radius[2]}
}

func (r RegionOfInterest) String() string {
	return fmt.Sprintf("center=(%.3f, %.3f, %.3f) radius=(%.3f, %.3f, %.3f)",
		r.Center[0], r.Center[1], r.Center[2], r.Radius[0], r.Radius[1], r.Radius[2])
}

// Landmark is a named fiducial point in physical space.
type Landmark struct {
	Name  string
	Point [3]float64
}
