package radiomics

import (
	"errors"
	"fmt"

	"ctradiomics/internal/models"
	"ctradiomics/pkg/config"
	"ctradiomics/pkg/volume"
)

// ErrMaskCheck is wrapped by every mask validation failure.
var ErrMaskCheck = errors.New("mask check failed")

// CheckMask verifies that mask can be used with image for the given label:
// grid sizes must agree, geometry must agree (or be correctable), the label
// must be present and the ROI must satisfy the minimum dimensionality and
// size settings.
//
// When the geometry differs and correctMask is enabled, the returned mask is
// a copy carrying the image geometry and supersedes the input. Otherwise the
// returned mask is nil.
func CheckMask(image, mask *models.Volume, label int, s config.Setting) (volume.Box, *models.Volume, error) {
	var corrected *models.Volume

	if !image.SameSize(mask) {
		return volume.Box{}, nil, fmt.Errorf("%w: image size %v does not match mask size %v", ErrMaskCheck, image.Size, mask.Size)
	}

	if g := volume.CompareGeometry(image, mask, s.GeometryTolerance); g.Any() {
		if !s.CorrectMask {
			return volume.Box{}, nil, fmt.Errorf("%w: image/mask geometry mismatch (max delta %g)", ErrMaskCheck, g.MaxDelta)
		}
		corrected = volume.Align(image, mask)
		mask = corrected
	}

	box, ok := volume.BoundingBox(mask, label)
	if !ok {
		return volume.Box{}, nil, fmt.Errorf("%w: label %d not present in mask", ErrMaskCheck, label)
	}

	size := box.Size()
	dims := 0
	for _, n := range size {
		if n > 1 {
			dims++
		}
	}
	if dims < s.MinimumROIDimensions {
		return volume.Box{}, nil, fmt.Errorf("%w: ROI spans %d dimensions, need %d", ErrMaskCheck, dims, s.MinimumROIDimensions)
	}

	if s.MinimumROISize > 0 {
		if n := countLabel(mask, label); n < s.MinimumROISize {
			return volume.Box{}, nil, fmt.Errorf("%w: ROI has %d voxels, need %d", ErrMaskCheck, n, s.MinimumROISize)
		}
	}

	return box, corrected, nil
}

// CropToMask crops image and mask to box grown by padDistance voxels.
func CropToMask(image, mask *models.Volume, box volume.Box, padDistance int) (*models.Volume, *models.Volume, error) {
	padded := box.Pad(padDistance, image.Size3())

	croppedImage, err := volume.Crop(image, padded)
	if err != nil {
		return nil, nil, fmt.Errorf("crop image: %w", err)
	}
	croppedMask, err := volume.Crop(mask, padded)
	if err != nil {
		return nil, nil, fmt.Errorf("crop mask: %w", err)
	}
	return croppedImage, croppedMask, nil
}

func countLabel(mask *models.Volume, label int) int {
	target := float64(label)
	n := 0
	for _, v := range mask.Data {
		if v == target {
			n++
		}
	}
	return n
}
