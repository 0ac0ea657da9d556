package models

import "fmt"

// Volume represents a scalar image on a regular voxel grid together with
// the physical geometry needed to place it in patient space.
type Volume struct {
	// Data is the voxel data as a 1D array in row-major order (x fastest,
	// then y, then z, then any extra axes)
	Data []float64

	// Size holds the grid dimensions. The first three entries are x, y and z;
	// loaders may append extra axes (time, channel) that must be flattened
	// before the volume is used as a mask.
	Size []int

	// Spacing is the physical size of each voxel in mm
	Spacing [3]float64

	// Origin is the physical position of voxel (0, 0, 0) in mm
	Origin [3]float64

	// Direction holds the axis direction cosines as a row-major 3x3 matrix.
	// Column i is the unit vector of grid axis i in patient space.
	Direction [9]float64
}

// IdentityDirection is the direction matrix of an axis-aligned grid.
var IdentityDirection = [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}

// NewVolume allocates a zero-filled 3D volume with unit spacing, zero origin
// and identity direction.
func NewVolume(width, height, depth int) *Volume {
	return &Volume{
		Data:      make([]float64, width*height*depth),
		Size:      []int{width, height, depth},
		Spacing:   [3]float64{1, 1, 1},
		Direction: IdentityDirection,
	}
}

// Width is the number of voxels along x.
func (v *Volume) Width() int { return v.dim(0) }

// Height is the number of voxels along y.
func (v *Volume) Height() int { return v.dim(1) }

// Depth is the number of slices along z.
func (v *Volume) Depth() int { return v.dim(2) }

func (v *Volume) dim(i int) int {
	if i < len(v.Size) {
		return v.Size[i]
	}
	return 1
}

// Dimensionality reports the number of axes in Size.
func (v *Volume) Dimensionality() int { return len(v.Size) }

// Size3 returns the x, y, z grid size.
func (v *Volume) Size3() [3]int {
	return [3]int{v.Width(), v.Height(), v.Depth()}
}

// Index converts grid coordinates into an offset into Data.
func (v *Volume) Index(x, y, z int) int {
	return z*v.Width()*v.Height() + y*v.Width() + x
}

// At returns the voxel value at (x, y, z).
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[v.Index(x, y, z)]
}

// Set stores a voxel value at (x, y, z).
func (v *Volume) Set(x, y, z int, value float64) {
	v.Data[v.Index(x, y, z)] = value
}

// Clone returns a deep copy of the volume.
func (v *Volume) Clone() *Volume {
	out := *v
	out.Data = append([]float64(nil), v.Data...)
	out.Size = append([]int(nil), v.Size...)
	return &out
}

// CopyGeometry overwrites spacing, origin and direction with those of ref.
func (v *Volume) CopyGeometry(ref *Volume) {
	v.Spacing = ref.Spacing
	v.Origin = ref.Origin
	v.Direction = ref.Direction
}

// SameSize reports whether both volumes have identical grid dimensions.
func (v *Volume) SameSize(other *Volume) bool {
	if len(v.Size) != len(other.Size) {
		return false
	}
	for i := range v.Size {
		if v.Size[i] != other.Size[i] {
			return false
		}
	}
	return true
}

// Validate checks that the voxel buffer matches the declared size.
func (v *Volume) Validate() error {
	if len(v.Size) < 3 {
		return fmt.Errorf("volume has %d axes, need at least 3", len(v.Size))
	}
	n := 1
	for _, s := range v.Size {
		if s <= 0 {
			return fmt.Errorf("volume size %v has a non-positive axis", v.Size)
		}
		n *= s
	}
	if n != len(v.Data) {
		return fmt.Errorf("volume size %v needs %d voxels, buffer has %d", v.Size, n, len(v.Data))
	}
	return nil
}
