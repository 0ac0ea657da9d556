package volume

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"ctradiomics/internal/models"
)

// DirectionColumn returns the patient-space unit vector of grid axis i.
func DirectionColumn(v *models.Volume, i int) [3]float64 {
	return [3]float64{v.Direction[i], v.Direction[3+i], v.Direction[6+i]}
}

// IndexToPhysical maps a (possibly fractional) grid index to patient space.
func IndexToPhysical(v *models.Volume, i, j, k float64) [3]float64 {
	idx := [3]float64{i * v.Spacing[0], j * v.Spacing[1], k * v.Spacing[2]}
	var p [3]float64
	for r := 0; r < 3; r++ {
		p[r] = v.Origin[r]
		for c := 0; c < 3; c++ {
			p[r] += v.Direction[3*r+c] * idx[c]
		}
	}
	return p
}

// PhysicalToIndex maps a patient-space point to fractional grid indices.
// The direction matrix must be orthonormal.
func PhysicalToIndex(v *models.Volume, p [3]float64) [3]float64 {
	var idx [3]float64
	for c := 0; c < 3; c++ {
		var d float64
		for r := 0; r < 3; r++ {
			d += v.Direction[3*r+c] * (p[r] - v.Origin[r])
		}
		if v.Spacing[c] != 0 {
			idx[c] = d / v.Spacing[c]
		}
	}
	return idx
}

// DirectionFromOrientation builds a direction matrix from the row and column
// cosines of a DICOM ImageOrientationPatient, completing it with the slice
// normal.
func DirectionFromOrientation(row, col [3]float64) [9]float64 {
	normal := [3]float64{
		row[1]*col[2] - row[2]*col[1],
		row[2]*col[0] - row[0]*col[2],
		row[0]*col[1] - row[1]*col[0],
	}
	return [9]float64{
		row[0], col[0], normal[0],
		row[1], col[1], normal[1],
		row[2], col[2], normal[2],
	}
}

// CheckDirection verifies that a direction matrix is orthonormal within tol.
func CheckDirection(direction [9]float64, tol float64) error {
	d := mat.NewDense(3, 3, direction[:])

	var gram mat.Dense
	gram.Mul(d.T(), d)
	if !mat.EqualApprox(&gram, identity3(), tol) {
		return fmt.Errorf("direction %v is not orthonormal", direction)
	}

	if det := math.Abs(mat.Det(d)); math.Abs(det-1) > tol {
		return fmt.Errorf("direction %v has determinant %g", direction, det)
	}
	return nil
}

func identity3() *mat.Dense {
	return mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
}

// GeometryMismatch describes how two volumes' geometries differ. The zero
// value means they match.
type GeometryMismatch struct {
	Origin    bool
	Spacing   bool
	Direction bool
	MaxDelta  float64
}

// Any reports whether any component differs.
func (g GeometryMismatch) Any() bool {
	return g.Origin || g.Spacing || g.Direction
}

// CompareGeometry compares origin, spacing and direction of two volumes.
// Differences up to tol are ignored.
func CompareGeometry(a, b *models.Volume, tol float64) GeometryMismatch {
	var g GeometryMismatch
	check := func(x, y float64, flag *bool) {
		delta := math.Abs(x - y)
		if delta > g.MaxDelta {
			g.MaxDelta = delta
		}
		if delta > tol {
			*flag = true
		}
	}
	for i := 0; i < 3; i++ {
		check(a.Origin[i], b.Origin[i], &g.Origin)
		check(a.Spacing[i], b.Spacing[i], &g.Spacing)
	}
	for i := 0; i < 9; i++ {
		check(a.Direction[i], b.Direction[i], &g.Direction)
	}
	return g
}
