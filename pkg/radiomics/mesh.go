package radiomics

import (
	"math"

	"ctradiomics/pkg/volume"
)

// cubeEdges lists the corner pairs of the 12 cube edges. Corner c sits at
// offset (c&1, c>>1&1, c>>2&1).
var cubeEdges = [12][2]int{
	{0, 1}, {2, 3}, {4, 5}, {6, 7},
	{0, 2}, {1, 3}, {4, 6}, {5, 7},
	{0, 4}, {1, 5}, {2, 6}, {3, 7},
}

// cubeFaces lists the corners of each cube face in cyclic order together
// with the edge joining corner i to corner i+1.
var cubeFaces = [6]struct {
	corners [4]int
	edges   [4]int
}{
	{[4]int{0, 1, 3, 2}, [4]int{0, 5, 1, 4}},
	{[4]int{4, 5, 7, 6}, [4]int{2, 7, 3, 6}},
	{[4]int{0, 1, 5, 4}, [4]int{0, 9, 2, 8}},
	{[4]int{2, 3, 7, 6}, [4]int{1, 11, 3, 10}},
	{[4]int{0, 2, 6, 4}, [4]int{4, 10, 6, 8}},
	{[4]int{1, 3, 7, 5}, [4]int{5, 11, 7, 9}},
}

// mesh holds the size of the iso-surface between ROI and background
// voxel centres.
type mesh struct {
	volume float64
	area   float64
}

// surfaceMesh polygonises the ROI with marching cubes at the iso-level
// halfway between ROI and background voxel centres. Each cube face is cut
// on its own, with ambiguous faces separating the ROI corners, so the
// polygons of neighbouring cubes close up. Volume is the signed sum of the
// tetrahedra spanned by each triangle and the grid origin.
func (r *region) surfaceMesh() mesh {
	if r.meshed != nil {
		return *r.meshed
	}

	size := r.mask.Size3()
	target := float64(r.label)
	inside := func(x, y, z int) bool {
		if x < 0 || y < 0 || z < 0 || x >= size[0] || y >= size[1] || z >= size[2] {
			return false
		}
		return r.mask.At(x, y, z) == target
	}

	origin := r.image.Origin
	point := func(x, y, z float64) [3]float64 {
		p := volume.IndexToPhysical(r.image, x, y, z)
		return [3]float64{p[0] - origin[0], p[1] - origin[1], p[2] - origin[2]}
	}

	var m mesh
	var corner [8][3]int
	var in [8]bool
	// Cubes start one voxel before the grid so the surface is closed
	for z := -1; z < size[2]; z++ {
		for y := -1; y < size[1]; y++ {
			for x := -1; x < size[0]; x++ {
				count := 0
				for c := 0; c < 8; c++ {
					corner[c] = [3]int{x + c&1, y + c>>1&1, z + c>>2&1}
					in[c] = inside(corner[c][0], corner[c][1], corner[c][2])
					if in[c] {
						count++
					}
				}
				if count == 0 || count == 8 {
					continue
				}

				for _, poly := range cubePolygons(in) {
					verts := make([][3]float64, len(poly))
					for i, e := range poly {
						a, b := corner[cubeEdges[e][0]], corner[cubeEdges[e][1]]
						verts[i] = point(
							float64(a[0]+b[0])/2,
							float64(a[1]+b[1])/2,
							float64(a[2]+b[2])/2,
						)
					}

					// Orient the polygon to face from ROI to background
					a, b := cubeEdges[poly[0]][0], cubeEdges[poly[0]][1]
					if !in[a] {
						a, b = b, a
					}
					ca, cb := corner[a], corner[b]
					pin := point(float64(ca[0]), float64(ca[1]), float64(ca[2]))
					pout := point(float64(cb[0]), float64(cb[1]), float64(cb[2]))
					if dot(newellNormal(verts), sub(pout, pin)) < 0 {
						for i, j := 0, len(verts)-1; i < j; i, j = i+1, j-1 {
							verts[i], verts[j] = verts[j], verts[i]
						}
					}

					var centre [3]float64
					for _, v := range verts {
						for k := 0; k < 3; k++ {
							centre[k] += v[k] / float64(len(verts))
						}
					}
					for i := range verts {
						p, q := verts[i], verts[(i+1)%len(verts)]
						m.area += norm(cross(sub(p, centre), sub(q, centre))) / 2
						m.volume += dot(centre, cross(p, q)) / 6
					}
				}
			}
		}
	}

	m.volume = math.Abs(m.volume)
	r.meshed = &m
	return m
}

// cubePolygons returns the iso-surface polygons of one cube as cycles of
// edge indices.
func cubePolygons(in [8]bool) [][]int {
	var links [12][]int
	link := func(a, b int) {
		links[a] = append(links[a], b)
		links[b] = append(links[b], a)
	}

	for _, f := range cubeFaces {
		var cut []int
		for i := range f.edges {
			if in[f.corners[i]] != in[f.corners[(i+1)%4]] {
				cut = append(cut, i)
			}
		}
		switch len(cut) {
		case 2:
			link(f.edges[cut[0]], f.edges[cut[1]])
		case 4:
			// Diagonal corners: cut off each ROI corner
			for i := 0; i < 4; i++ {
				if in[f.corners[i]] {
					link(f.edges[(i+3)%4], f.edges[i])
				}
			}
		}
	}

	var polys [][]int
	var seen [12]bool
	for start := range links {
		if seen[start] || len(links[start]) == 0 {
			continue
		}
		poly := []int{start}
		seen[start] = true
		prev, cur := start, links[start][0]
		for cur != start {
			poly = append(poly, cur)
			seen[cur] = true
			next := links[cur][0]
			if next == prev {
				next = links[cur][1]
			}
			prev, cur = cur, next
		}
		polys = append(polys, poly)
	}
	return polys
}

func newellNormal(verts [][3]float64) [3]float64 {
	var n [3]float64
	for i := range verts {
		p, q := verts[i], verts[(i+1)%len(verts)]
		n[0] += (p[1] - q[1]) * (p[2] + q[2])
		n[1] += (p[2] - q[2]) * (p[0] + q[0])
		n[2] += (p[0] - q[0]) * (p[1] + q[1])
	}
	return n
}

func sub(a, b [3]float64) [3]float64 {
	return [3]float64{a[0] - b[0], a[1] - b[1], a[2] - b[2]}
}

func dot(a, b [3]float64) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}

func cross(a, b [3]float64) [3]float64 {
	return [3]float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func norm(a [3]float64) float64 {
	return math.Sqrt(dot(a, a))
}
