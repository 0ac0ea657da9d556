// Package testsupport builds synthetic CT images and ROI masks for tests.
package testsupport

import (
	"ctradiomics/internal/models"
)

// CT returns a volume with a gradient plus a deterministic texture so that
// first-order features are non-trivial. Spacing mimics a chest CT.
func CT(width, height, depth int) *models.Volume {
	v := models.NewVolume(width, height, depth)
	v.Spacing = [3]float64{0.8, 0.8, 2.5}
	v.Origin = [3]float64{-200, -180, -300}
	for z := 0; z < depth; z++ {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				texture := float64((x*7+y*13+z*17)%11) * 4
				v.Set(x, y, z, -100+3*float64(x)+2*float64(y)+5*float64(z)+texture)
			}
		}
	}
	return v
}

// Sphere returns a mask on ct's grid with label inside an ellipsoid of
// the given radius (in voxels) around center.
func Sphere(ct *models.Volume, center [3]float64, radius [3]float64, label float64) *models.Volume {
	mask := models.NewVolume(ct.Width(), ct.Height(), ct.Depth())
	mask.CopyGeometry(ct)
	for z := 0; z < ct.Depth(); z++ {
		for y := 0; y < ct.Height(); y++ {
			for x := 0; x < ct.Width(); x++ {
				dx := (float64(x) - center[0]) / radius[0]
				dy := (float64(y) - center[1]) / radius[1]
				dz := (float64(z) - center[2]) / radius[2]
				if dx*dx+dy*dy+dz*dz <= 1 {
					mask.Set(x, y, z, label)
				}
			}
		}
	}
	return mask
}

// Block returns a mask on ct's grid with label in the inclusive box
// [lo, hi].
func Block(ct *models.Volume, lo, hi [3]int, label float64) *models.Volume {
	mask := models.NewVolume(ct.Width(), ct.Height(), ct.Depth())
	mask.CopyGeometry(ct)
	for z := lo[2]; z <= hi[2]; z++ {
		for y := lo[1]; y <= hi[1]; y++ {
			for x := lo[0]; x <= hi[0]; x++ {
				mask.Set(x, y, z, label)
			}
		}
	}
	return mask
}

// Count returns how many voxels of v equal value.
func Count(v *models.Volume, value float64) int {
	n := 0
	for _, d := range v.Data {
		if d == value {
			n++
		}
	}
	return n
}
