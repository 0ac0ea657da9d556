// Package extraction reconciles one CT image with one ROI mask and runs the
// feature engine on the pair.
package extraction

import (
	"fmt"
	"log/slog"

	"ctradiomics/internal/models"
	"ctradiomics/pkg/config"
	"ctradiomics/pkg/negativecontrol"
	"ctradiomics/pkg/radiomics"
	"ctradiomics/pkg/volume"
)

// Engine is the feature engine consumed by the extractor.
type Engine interface {
	// CheckMask validates the image/mask/label triple and returns the ROI
	// bounding box plus a corrected mask, or nil when none was needed.
	CheckMask(image, mask *models.Volume, label int) (volume.Box, *models.Volume, error)
	// CropToMask crops image and mask around box with the engine's padding.
	CropToMask(image, mask *models.Volume, box volume.Box) (*models.Volume, *models.Volume, error)
	// Execute computes the ordered feature vector.
	Execute(image, mask *models.Volume, label int) (*models.FeatureVector, error)
}

// Result is the outcome of a successful extraction.
type Result struct {
	Features *models.FeatureVector

	// Image and Mask are the cropped volumes the features were computed
	// from. Image is the synthetic volume when a negative control ran.
	Image *models.Volume
	Mask  *models.Volume

	// Label is the resolved ROI label
	Label int

	// PaddedSlices is the number of background slices added to the mask
	PaddedSlices int
}

// Extractor runs the single-pair pipeline.
type Extractor struct {
	engine Engine
	seed   uint64
	logger *slog.Logger
}

// New creates an extractor. seed drives negative-control synthesis.
func New(engine Engine, seed uint64, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{engine: engine, seed: seed, logger: logger}
}

// WithLogger returns a copy of the extractor logging to logger.
func (x *Extractor) WithLogger(logger *slog.Logger) *Extractor {
	out := *x
	out.logger = logger
	return &out
}

// ExtractFeatures builds the shipped engine from the parameter file at
// configPath (empty for the defaults) and extracts features for one pair.
func ExtractFeatures(ct, roi *models.Volume, configPath string, control negativecontrol.Kind) (*models.FeatureVector, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	engine, err := radiomics.NewExtractor(cfg)
	if err != nil {
		return nil, err
	}
	res, err := New(engine, cfg.Setting.RandomSeed, nil).Extract(ct, roi, control)
	if err != nil {
		return nil, err
	}
	return res.Features, nil
}

// Extract aligns, reconciles, validates and crops the pair, optionally
// replaces the CT with a negative control and runs the engine.
func (x *Extractor) Extract(ct, roi *models.Volume, control negativecontrol.Kind) (*Result, error) {
	// Step 1: drop spurious extra axes
	flat, err := volume.Flatten(roi)
	if err != nil {
		return nil, pairError(StageFlatten, ErrFlatten, "%v", err)
	}

	// Step 2: copy CT geometry onto the mask, remembering where the mask
	// started so padding can keep slices in place
	maskStart := volume.SliceOffset(ct, flat.Origin)
	aligned := volume.Align(ct, flat)

	// Step 3: exactly one foreground label
	label, err := resolveLabel(aligned)
	if err != nil {
		return nil, err
	}

	// Step 4: pad masks authored on a sub-stack of the CT
	padded := 0
	if !ct.SameSize(aligned) {
		if aligned.Width() != ct.Width() || aligned.Height() != ct.Height() || aligned.Depth() >= ct.Depth() {
			return nil, pairError(StageReconcile, ErrDimensionMismatch, "CT size %v, ROI size %v", ct.Size, aligned.Size)
		}
		x.logger.Info("slice number mismatch between CT and segmentation, padding segmentation to match",
			"ct_slices", ct.Depth(), "roi_slices", aligned.Depth(), "start_slice", maskStart)
		padded = ct.Depth() - aligned.Depth()
		aligned, err = volume.PadSlices(aligned, ct.Depth(), maskStart)
		if err != nil {
			return nil, pairError(StageReconcile, ErrDimensionMismatch, "%v", err)
		}
		aligned.CopyGeometry(ct)
	}

	// Step 5: engine sanity check, possibly correcting the mask
	box, corrected, err := x.engine.CheckMask(ct, aligned, label)
	if err != nil {
		return nil, pairError(StageCheckMask, ErrMaskValidation, "%v", err)
	}
	if corrected != nil {
		aligned = corrected
	}

	// Step 6: crop both volumes to the padded bounding box
	croppedCT, croppedMask, err := x.engine.CropToMask(ct, aligned, box)
	if err != nil {
		return nil, pairError(StageCrop, ErrEngine, "%v", err)
	}
	if !croppedCT.SameSize(croppedMask) {
		return nil, pairError(StageCrop, ErrEngine, "cropped image %v and mask %v differ", croppedCT.Size, croppedMask.Size)
	}

	// Step 7: optional negative control
	if control != negativecontrol.None {
		x.logger.Info("generating negative control for CT", "negative_control", string(control))
		croppedCT, err = negativecontrol.Apply(control, croppedCT, croppedMask, label, x.seed)
		if err != nil {
			return nil, pairError(StageNegativeControl, ErrNegativeControl, "%v", err)
		}
	}

	// Step 8: feature extraction
	features, err := x.engine.Execute(croppedCT, croppedMask, label)
	if err != nil {
		return nil, pairError(StageExecute, ErrEngine, "%v", err)
	}

	return &Result{
		Features:     features,
		Image:        croppedCT,
		Mask:         croppedMask,
		Label:        label,
		PaddedSlices: padded,
	}, nil
}

func resolveLabel(mask *models.Volume) (int, error) {
	labels, err := volume.Labels(mask)
	if err != nil {
		return 0, pairError(StageLabel, ErrMaskValidation, "%w", err)
	}
	switch len(labels) {
	case 0:
		return 0, pairError(StageLabel, ErrMaskValidation, "mask has no foreground voxels")
	case 1:
		return labels[0], nil
	default:
		return 0, pairError(StageLabel, ErrAmbiguousROI, "labels %v", labels)
	}
}

var _ Engine = (*radiomics.Extractor)(nil)

// String summarises a result for logs.
func (r *Result) String() string {
	return fmt.Sprintf("label=%d size=%v features=%d", r.Label, r.Image.Size, r.Features.Len())
}
