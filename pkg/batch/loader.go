package batch

import (
	"context"
	"regexp"

	"ctradiomics/internal/models"
	"ctradiomics/pkg/dicomio"
)

// Loader reads CT series and segmentation files from storage.
type Loader interface {
	// LoadSeries reads the CT series seriesUID from dir.
	LoadSeries(ctx context.Context, dir, seriesUID string) (*models.Volume, error)
	// LoadSegmentation reads the ROIs of the segmentation file at path onto
	// the grid of ct.
	LoadSegmentation(ctx context.Context, path, modality string, ct *models.Volume, pattern *regexp.Regexp) ([]dicomio.ROI, error)
}

// DICOMLoader reads DICOM files from the local file system.
type DICOMLoader struct{}

func (DICOMLoader) LoadSeries(ctx context.Context, dir, seriesUID string) (*models.Volume, error) {
	return dicomio.LoadSeries(ctx, dir, seriesUID)
}

func (DICOMLoader) LoadSegmentation(ctx context.Context, path, modality string, ct *models.Volume, pattern *regexp.Regexp) ([]dicomio.ROI, error) {
	return dicomio.LoadSegmentation(ctx, path, modality, ct, pattern)
}
