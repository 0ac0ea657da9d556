package radiomics

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"ctradiomics/internal/models"
	"ctradiomics/pkg/config"
	"ctradiomics/pkg/volume"
)

type namedFeature struct {
	name    string
	compute func(*region) float64
}

// region caches everything the feature functions derive from one
// image/mask/label triple.
type region struct {
	image   *models.Volume
	mask    *models.Volume
	label   int
	setting config.Setting

	intensities []float64
	sorted      []float64
	indices     [][3]int
	points      [][3]float64

	hist       []float64
	eigen      *[3]float64
	candidates [][3]float64
	meshed     *mesh
}

func newRegion(image, mask *models.Volume, label int, s config.Setting) *region {
	r := &region{image: image, mask: mask, label: label, setting: s}
	target := float64(label)

	width, height, depth := mask.Width(), mask.Height(), mask.Depth()
	for z := 0; z < depth; z++ {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				idx := z*width*height + y*width + x
				if mask.Data[idx] != target {
					continue
				}
				r.intensities = append(r.intensities, image.Data[idx])
				r.indices = append(r.indices, [3]int{x, y, z})
				r.points = append(r.points, volume.IndexToPhysical(image, float64(x), float64(y), float64(z)))
			}
		}
	}

	r.sorted = append([]float64(nil), r.intensities...)
	sort.Float64s(r.sorted)
	return r
}

func (r *region) quantile(p float64) float64 {
	return stat.Quantile(p, stat.LinInterp, r.sorted, nil)
}

func (r *region) voxelVolume() float64 {
	s := r.image.Spacing
	return s[0] * s[1] * s[2]
}

// histogram returns bin probabilities for intensities discretised with
// the configured bin width. Bin edges are aligned to multiples of the width.
func (r *region) histogram() []float64 {
	if r.hist != nil {
		return r.hist
	}

	width := r.setting.BinWidth
	low := math.Floor(r.sorted[0]/width) * width
	high := r.sorted[len(r.sorted)-1]
	bins := int(math.Floor((high-low)/width)) + 1

	counts := make([]float64, bins)
	for _, v := range r.intensities {
		b := int(math.Floor((v - low) / width))
		if b >= bins {
			b = bins - 1
		}
		counts[b]++
	}

	n := float64(len(r.intensities))
	for i := range counts {
		counts[i] /= n
	}
	r.hist = counts
	return counts
}

// hullCandidates returns the physical centres of ROI voxels that are the
// first or last ROI voxel on each of the three axis-aligned lines through
// them. Every vertex of the convex hull of the ROI passes this test.
func (r *region) hullCandidates() [][3]float64 {
	if r.candidates != nil {
		return r.candidates
	}

	type span struct{ min, max int }
	var lines [3]map[[2]int]span
	key := func(idx [3]int, axis int) [2]int {
		return [2]int{idx[(axis+1)%3], idx[(axis+2)%3]}
	}
	for axis := range lines {
		lines[axis] = make(map[[2]int]span)
		for _, idx := range r.indices {
			k := key(idx, axis)
			s, ok := lines[axis][k]
			if !ok {
				s = span{idx[axis], idx[axis]}
			}
			s.min = min(s.min, idx[axis])
			s.max = max(s.max, idx[axis])
			lines[axis][k] = s
		}
	}

	r.candidates = [][3]float64{}
	for i, idx := range r.indices {
		extreme := true
		for axis := range lines {
			s := lines[axis][key(idx, axis)]
			if idx[axis] != s.min && idx[axis] != s.max {
				extreme = false
				break
			}
		}
		if extreme {
			r.candidates = append(r.candidates, r.points[i])
		}
	}
	return r.candidates
}
