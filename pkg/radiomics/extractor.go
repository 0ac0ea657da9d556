// Package radiomics is the feature engine: it validates masks, crops to the
// ROI and computes an ordered vector of diagnostics and shape/first-order
// features for one image/mask/label triple.
//
// The set and order of features depend only on the parameter file, never on
// the image content.
package radiomics

import (
	"errors"
	"fmt"

	"ctradiomics/internal/models"
	"ctradiomics/pkg/config"
	"ctradiomics/pkg/volume"
)

// Version identifies the engine implementation in diagnostics.
const Version = "1.2.0"

// ErrExecute is wrapped by failures raised while computing features.
var ErrExecute = errors.New("feature extraction failed")

// imageType is the only supported derived image.
const imageType = "original"

// featureClasses lists every class in output order.
var featureClasses = []struct {
	name     string
	features []namedFeature
}{
	{"shape", shapeFeatures},
	{"firstorder", firstOrderFeatures},
}

type enabledClass struct {
	name     string
	features []namedFeature
}

// Extractor computes the features selected by a parameter file.
type Extractor struct {
	cfg     *config.Config
	classes []enabledClass
}

// NewExtractor resolves the enabled features of cfg. Unknown classes or
// feature names are rejected.
func NewExtractor(cfg *config.Config) (*Extractor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("parameter file: %w", err)
	}

	known := make(map[string]bool, len(featureClasses))
	for _, c := range featureClasses {
		known[c.name] = true
	}
	for name := range cfg.FeatureClasses {
		if !known[name] {
			return nil, fmt.Errorf("parameter file: unknown feature class %q", name)
		}
	}

	e := &Extractor{cfg: cfg}
	for _, c := range featureClasses {
		requested, ok := cfg.FeatureClasses[c.name]
		if !ok {
			continue
		}
		enabled, err := selectFeatures(c.name, c.features, requested)
		if err != nil {
			return nil, err
		}
		e.classes = append(e.classes, enabledClass{name: c.name, features: enabled})
	}
	return e, nil
}

// selectFeatures keeps the requested features in canonical order.
func selectFeatures(class string, all []namedFeature, requested []string) ([]namedFeature, error) {
	if len(requested) == 0 {
		return all, nil
	}

	want := make(map[string]bool, len(requested))
	for _, name := range requested {
		want[name] = true
	}

	var out []namedFeature
	for _, f := range all {
		if want[f.name] {
			out = append(out, f)
			delete(want, f.name)
		}
	}
	for name := range want {
		return nil, fmt.Errorf("parameter file: unknown feature %q in class %q", name, class)
	}
	return out, nil
}

// FeatureNames lists the feature keys (without diagnostics) in output order.
func (e *Extractor) FeatureNames() []string {
	var names []string
	for _, c := range e.classes {
		for _, f := range c.features {
			names = append(names, featureKey(c.name, f.name))
		}
	}
	return names
}

// CheckMask validates mask against image with the extractor's settings.
func (e *Extractor) CheckMask(image, mask *models.Volume, label int) (volume.Box, *models.Volume, error) {
	return CheckMask(image, mask, label, e.cfg.Setting)
}

// CropToMask crops image and mask to box grown by the configured padDistance.
func (e *Extractor) CropToMask(image, mask *models.Volume, box volume.Box) (*models.Volume, *models.Volume, error) {
	return CropToMask(image, mask, box, e.cfg.Setting.PadDistance)
}

// Execute computes diagnostics and features for the voxels of mask equal
// to label. image and mask must share the same grid.
func (e *Extractor) Execute(image, mask *models.Volume, label int) (*models.FeatureVector, error) {
	if !image.SameSize(mask) {
		return nil, fmt.Errorf("%w: image size %v does not match mask size %v", ErrExecute, image.Size, mask.Size)
	}
	if err := image.Validate(); err != nil {
		return nil, fmt.Errorf("%w: image: %v", ErrExecute, err)
	}

	r := newRegion(image, mask, label, e.cfg.WithLabel(label).Setting)
	if len(r.intensities) == 0 {
		return nil, fmt.Errorf("%w: label %d not present in mask", ErrExecute, label)
	}
	if e.cfg.Setting.BinWidth <= 0 {
		return nil, fmt.Errorf("%w: bin width must be positive", ErrExecute)
	}

	fv := models.NewFeatureVector()
	e.addDiagnostics(fv, r)

	for _, c := range e.classes {
		for _, f := range c.features {
			fv.Set(featureKey(c.name, f.name), f.compute(r))
		}
	}
	return fv, nil
}

func featureKey(class, feature string) string {
	return imageType + "_" + class + "_" + feature
}
