// Package visualization renders quality-control snapshots of cropped CT
// volumes with the ROI outline drawn on top.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"
	"strings"

	"ctradiomics/internal/models"
	"ctradiomics/pkg/volume"
)

// Window maps CT intensities (HU) to display gray levels.
type Window struct {
	Center float64
	Width  float64
}

// Common CT display windows.
var (
	SoftTissueWindow = Window{Center: 40, Width: 400}
	LungWindow       = Window{Center: -600, Width: 1500}
)

// WindowNames lists the names accepted by ParseWindow.
var WindowNames = []string{"soft-tissue", "lung"}

// ParseWindow returns the display window called name. The empty name is
// the soft-tissue window.
func ParseWindow(name string) (Window, error) {
	switch strings.ToLower(name) {
	case "", "soft-tissue":
		return SoftTissueWindow, nil
	case "lung":
		return LungWindow, nil
	}
	return Window{}, fmt.Errorf("unknown display window %q (want one of %s)", name, strings.Join(WindowNames, ", "))
}

// Gray maps an intensity into [0, 255].
func (w Window) Gray(value float64) uint8 {
	if w.Width <= 0 {
		return 0
	}
	lo := w.Center - w.Width/2
	g := (value - lo) / w.Width * 255
	return uint8(math.Max(0, math.Min(255, math.Round(g))))
}

var outlineColor = color.RGBA{R: 255, G: 32, B: 32, A: 255}

// Viewer renders slices of an image with an optional ROI overlay.
type Viewer struct {
	image  *models.Volume
	mask   *models.Volume
	label  float64
	window Window
}

// NewViewer creates a viewer. mask may be nil; otherwise it must share the
// image grid.
func NewViewer(img, mask *models.Volume, label int, window Window) (*Viewer, error) {
	if mask != nil && !img.SameSize(mask) {
		return nil, fmt.Errorf("mask size %v does not match image size %v", mask.Size, img.Size)
	}
	return &Viewer{image: img, mask: mask, label: float64(label), window: window}, nil
}

// plane describes the 2D grid of a slice perpendicular to axis.
func (v *Viewer) plane(axis string, position int) (cols, rows int, index func(c, r int) int, err error) {
	width, height, depth := v.image.Width(), v.image.Height(), v.image.Depth()
	if position < 0 {
		return 0, 0, nil, fmt.Errorf("position must be non-negative")
	}

	switch strings.ToLower(axis) {
	case "x":
		// YZ plane
		if position >= width {
			return 0, 0, nil, fmt.Errorf("position %d exceeds width %d", position, width)
		}
		return depth, height, func(c, r int) int { return v.image.Index(position, r, c) }, nil
	case "y":
		// XZ plane
		if position >= height {
			return 0, 0, nil, fmt.Errorf("position %d exceeds height %d", position, height)
		}
		return width, depth, func(c, r int) int { return v.image.Index(c, position, r) }, nil
	case "z":
		// XY plane
		if position >= depth {
			return 0, 0, nil, fmt.Errorf("position %d exceeds depth %d", position, depth)
		}
		return width, height, func(c, r int) int { return v.image.Index(c, r, position) }, nil
	default:
		return 0, 0, nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}
}

// ExtractSlice renders the slice at position along axis. ROI boundary
// voxels are drawn in red.
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	cols, rows, index, err := v.plane(axis, position)
	if err != nil {
		return nil, err
	}

	img := image.NewRGBA(image.Rect(0, 0, cols, rows))
	inROI := func(c, r int) bool {
		if c < 0 || r < 0 || c >= cols || r >= rows {
			return false
		}
		return v.mask.Data[index(c, r)] == v.label
	}

	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			if v.mask != nil && inROI(c, r) &&
				(!inROI(c-1, r) || !inROI(c+1, r) || !inROI(c, r-1) || !inROI(c, r+1)) {
				img.SetRGBA(c, r, outlineColor)
				continue
			}
			g := v.window.Gray(v.image.Data[index(c, r)])
			img.SetRGBA(c, r, color.RGBA{R: g, G: g, B: g, A: 255})
		}
	}
	return img, nil
}

// SaveSlice saves an extracted slice as a JPEG image.
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}

// SaveSliceSequence extracts and saves every slice along axis.
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	var maxPos int
	switch strings.ToLower(axis) {
	case "x":
		maxPos = v.image.Width()
	case "y":
		maxPos = v.image.Height()
	case "z":
		maxPos = v.image.Depth()
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return err
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.jpg", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}
	return nil
}

// CentralSlice returns the axial slice through the middle of the ROI, or
// the middle of the image without a mask.
func (v *Viewer) CentralSlice() int {
	if v.mask != nil {
		if box, ok := volume.BoundingBox(v.mask, int(v.label)); ok {
			return (box.Min[2] + box.Max[2]) / 2
		}
	}
	return v.image.Depth() / 2
}

// Snapshot writes the central axial slice to dir/name.jpg and returns the
// file path.
func (v *Viewer) Snapshot(dir, name string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create snapshot directory: %w", err)
	}
	img, err := v.ExtractSlice("z", v.CentralSlice())
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, SafeName(name)+".jpg")
	if err := v.SaveSlice(img, path); err != nil {
		return "", fmt.Errorf("save snapshot: %w", err)
	}
	return path, nil
}

// SafeName replaces characters that are awkward in file names.
func SafeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		default:
			return '_'
		}
	}, name)
}
