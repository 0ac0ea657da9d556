// Package volume implements the geometric operations applied to CT images
// and ROI masks before feature extraction: flattening, alignment, slice
// padding, bounding boxes and cropping.
package volume

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"ctradiomics/internal/models"
)

var (
	// ErrNotFlattenable is returned when a volume cannot be reduced to 3D.
	ErrNotFlattenable = errors.New("volume cannot be flattened to 3D")
	// ErrNonIntegerLabel is returned for a mask voxel that is not a whole
	// number. Every label lookup compares voxels exactly.
	ErrNonIntegerLabel = errors.New("mask holds a non-integer label")
)

// Box is an inclusive voxel bounding box.
type Box struct {
	Min [3]int
	Max [3]int
}

// Size returns the number of voxels along each axis.
func (b Box) Size() [3]int {
	return [3]int{b.Max[0] - b.Min[0] + 1, b.Max[1] - b.Min[1] + 1, b.Max[2] - b.Min[2] + 1}
}

// Flatten drops trailing axes of length one so the result is exactly 3D.
// Volumes that are already 3D are returned unchanged.
func Flatten(v *models.Volume) (*models.Volume, error) {
	switch {
	case len(v.Size) == 3:
		return v, nil
	case len(v.Size) < 3:
		return nil, fmt.Errorf("%w: size %v has only %d axes", ErrNotFlattenable, v.Size, len(v.Size))
	}

	for _, extra := range v.Size[3:] {
		if extra != 1 {
			return nil, fmt.Errorf("%w: size %v has a non-singleton extra axis", ErrNotFlattenable, v.Size)
		}
	}

	out := *v
	out.Size = append([]int(nil), v.Size[:3]...)
	return &out, nil
}

// Align returns a copy of roi carrying the geometry of ref. Voxel data is
// copied as-is; nothing is resampled.
func Align(ref, roi *models.Volume) *models.Volume {
	out := roi.Clone()
	out.CopyGeometry(ref)
	return out
}

// Labels returns the distinct non-zero values in v in ascending order.
// Values that are not whole numbers fail with ErrNonIntegerLabel.
func Labels(v *models.Volume) ([]int, error) {
	seen := make(map[int]struct{})
	for i, val := range v.Data {
		if val == 0 {
			continue
		}
		if val != math.Trunc(val) || math.IsInf(val, 0) {
			return nil, fmt.Errorf("%w: %g at voxel %d", ErrNonIntegerLabel, val, i)
		}
		seen[int(val)] = struct{}{}
	}

	labels := make([]int, 0, len(seen))
	for l := range seen {
		labels = append(labels, l)
	}
	sort.Ints(labels)
	return labels, nil
}

// SliceOffset returns the index of the CT slice that the given physical
// position falls on, measured along the CT slice normal.
func SliceOffset(ct *models.Volume, position [3]float64) int {
	normal := DirectionColumn(ct, 2)
	var dist float64
	for i := 0; i < 3; i++ {
		dist += (position[i] - ct.Origin[i]) * normal[i]
	}
	if ct.Spacing[2] == 0 {
		return 0
	}
	return int(math.Round(dist / ct.Spacing[2]))
}

// PadSlices returns a copy of mask with depth slices, the original slices
// placed starting at slice start and the rest filled with background.
// start is clamped so the original slices always fit.
func PadSlices(mask *models.Volume, depth, start int) (*models.Volume, error) {
	width, height, maskDepth := mask.Width(), mask.Height(), mask.Depth()
	if maskDepth > depth {
		return nil, fmt.Errorf("cannot pad %d slices down to %d", maskDepth, depth)
	}

	if start < 0 {
		start = 0
	}
	if start+maskDepth > depth {
		start = depth - maskDepth
	}

	out := &models.Volume{
		Data:      make([]float64, width*height*depth),
		Size:      []int{width, height, depth},
		Spacing:   mask.Spacing,
		Origin:    mask.Origin,
		Direction: mask.Direction,
	}

	plane := width * height
	copy(out.Data[start*plane:(start+maskDepth)*plane], mask.Data[:maskDepth*plane])

	return out, nil
}

// BoundingBox returns the smallest box enclosing every voxel equal to label.
// The second result is false when the label is absent.
func BoundingBox(mask *models.Volume, label int) (Box, bool) {
	box := Box{
		Min: [3]int{math.MaxInt, math.MaxInt, math.MaxInt},
		Max: [3]int{-1, -1, -1},
	}
	found := false
	target := float64(label)

	width, height, depth := mask.Width(), mask.Height(), mask.Depth()
	for z := 0; z < depth; z++ {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				if mask.Data[z*width*height+y*width+x] != target {
					continue
				}
				found = true
				p := [3]int{x, y, z}
				for i := 0; i < 3; i++ {
					if p[i] < box.Min[i] {
						box.Min[i] = p[i]
					}
					if p[i] > box.Max[i] {
						box.Max[i] = p[i]
					}
				}
			}
		}
	}

	return box, found
}

// Pad grows the box by margin voxels on every side, clamped to the grid.
func (b Box) Pad(margin int, size [3]int) Box {
	out := b
	for i := 0; i < 3; i++ {
		out.Min[i] = max(0, b.Min[i]-margin)
		out.Max[i] = min(size[i]-1, b.Max[i]+margin)
	}
	return out
}

// Crop extracts the region described by box. The origin of the result is
// moved so every retained voxel keeps its physical position.
func Crop(v *models.Volume, box Box) (*models.Volume, error) {
	size := v.Size3()
	for i := 0; i < 3; i++ {
		if box.Min[i] < 0 || box.Max[i] >= size[i] || box.Min[i] > box.Max[i] {
			return nil, fmt.Errorf("region %v..%v extends beyond volume boundaries %v", box.Min, box.Max, size)
		}
	}

	sizeX, sizeY, sizeZ := box.Size()[0], box.Size()[1], box.Size()[2]
	width, height := v.Width(), v.Height()

	region := make([]float64, sizeX*sizeY*sizeZ)
	for z := 0; z < sizeZ; z++ {
		for y := 0; y < sizeY; y++ {
			srcIdx := (box.Min[2]+z)*width*height + (box.Min[1]+y)*width + box.Min[0]
			dstIdx := z*sizeX*sizeY + y*sizeX
			copy(region[dstIdx:dstIdx+sizeX], v.Data[srcIdx:srcIdx+sizeX])
		}
	}

	return &models.Volume{
		Data:      region,
		Size:      []int{sizeX, sizeY, sizeZ},
		Spacing:   v.Spacing,
		Origin:    IndexToPhysical(v, float64(box.Min[0]), float64(box.Min[1]), float64(box.Min[2])),
		Direction: v.Direction,
	}, nil
}
