package dicomio

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/suyashkumar/dicom"

	"ctradiomics/internal/models"
)

// Mask values written by the segmentation loaders.
const (
	SegLabel      = 255
	RTStructLabel = 1
)

// ErrUnsupportedModality is returned for segmentation modalities other than
// SEG and RTSTRUCT.
var ErrUnsupportedModality = errors.New("unsupported segmentation modality")

// ROI is one named region decoded from a segmentation file.
type ROI struct {
	Name string
	Mask *models.Volume

	// Err is set when this ROI alone could not be decoded; Mask is nil.
	// Sibling ROIs of the same file are unaffected.
	Err error
}

// LoadSegmentation decodes the segmentation file at path into one mask per
// ROI, in the order the file declares them. ct provides the target grid.
// pattern filters RTSTRUCT ROIs by name and is ignored for SEG; nil keeps
// every ROI.
func LoadSegmentation(ctx context.Context, path, modality string, ct *models.Volume, pattern *regexp.Regexp) ([]ROI, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	kind := strings.ToUpper(strings.TrimSpace(modality))
	if kind != "SEG" && kind != "RTSTRUCT" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedModality, modality)
	}

	ds, err := dicom.ParseFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("parse segmentation %s: %w", path, err)
	}

	if kind == "SEG" {
		return decodeSEG(ds.Elements, ct)
	}
	return decodeRTStruct(ds.Elements, ct, pattern)
}

// CompileROIPattern compiles an ROI name pattern. The pattern must match the
// whole name; an empty pattern matches everything.
func CompileROIPattern(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return nil, fmt.Errorf("invalid ROI name pattern %q: %w", pattern, err)
	}
	return re, nil
}

func keepROI(pattern *regexp.Regexp, name string) bool {
	return pattern == nil || pattern.MatchString(name)
}
