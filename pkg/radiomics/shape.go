package radiomics

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// shapeFeatures describe the ROI geometry and ignore intensities.
var shapeFeatures = []namedFeature{
	{"Elongation", func(r *region) float64 { return axisRatio(r.principalAxes(), 1) }},
	{"Flatness", func(r *region) float64 { return axisRatio(r.principalAxes(), 0) }},
	{"LeastAxisLength", func(r *region) float64 { return axisLength(r.principalAxes()[0]) }},
	{"MajorAxisLength", func(r *region) float64 { return axisLength(r.principalAxes()[2]) }},
	{"Maximum3DDiameter", maximumDiameter},
	{"MeshVolume", func(r *region) float64 { return r.surfaceMesh().volume }},
	{"MinorAxisLength", func(r *region) float64 { return axisLength(r.principalAxes()[1]) }},
	{"Sphericity", sphericity},
	{"SurfaceArea", func(r *region) float64 { return r.surfaceMesh().area }},
	{"SurfaceVolumeRatio", func(r *region) float64 {
		m := r.surfaceMesh()
		return m.area / m.volume
	}},
	{"VoxelVolume", func(r *region) float64 { return r.voxelVolume() * float64(len(r.intensities)) }},
}

// principalAxes returns the eigenvalues of the population covariance of
// the ROI voxel positions in ascending order.
func (r *region) principalAxes() [3]float64 {
	if r.eigen != nil {
		return *r.eigen
	}

	n := float64(len(r.points))
	var mean [3]float64
	for _, p := range r.points {
		for i := 0; i < 3; i++ {
			mean[i] += p[i] / n
		}
	}

	cov := mat.NewSymDense(3, nil)
	for i := 0; i < 3; i++ {
		for j := i; j < 3; j++ {
			var c float64
			for _, p := range r.points {
				c += (p[i] - mean[i]) * (p[j] - mean[j])
			}
			cov.SetSym(i, j, c/n)
		}
	}

	var axes [3]float64
	var eig mat.EigenSym
	if eig.Factorize(cov, false) {
		vals := eig.Values(nil)
		for i := range axes {
			// Clamp tiny negative round-off
			axes[i] = math.Max(0, vals[i])
		}
	}
	r.eigen = &axes
	return axes
}

func axisLength(eigenvalue float64) float64 {
	return 4 * math.Sqrt(eigenvalue)
}

func axisRatio(eigen [3]float64, i int) float64 {
	if eigen[2] == 0 {
		return 0
	}
	return math.Sqrt(eigen[i] / eigen[2])
}

// sphericity compares the mesh surface with that of a sphere of the same
// volume. It is 1 for a sphere and smaller for any other shape.
func sphericity(r *region) float64 {
	m := r.surfaceMesh()
	return math.Cbrt(36*math.Pi*m.volume*m.volume) / m.area
}

// maximumDiameter is the largest distance between the centres of two ROI
// voxels. Both ends lie on the convex hull, so only hull candidates are
// compared.
func maximumDiameter(r *region) float64 {
	points := r.hullCandidates()
	var best float64
	for i := range points {
		for j := i + 1; j < len(points); j++ {
			var d float64
			for k := 0; k < 3; k++ {
				delta := points[i][k] - points[j][k]
				d += delta * delta
			}
			if d > best {
				best = d
			}
		}
	}
	return math.Sqrt(best)
}
