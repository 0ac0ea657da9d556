package batch

import (
	"fmt"
	"runtime"

	"github.com/go-playground/validator/v10"

	"ctradiomics/pkg/manifest"
)

// Options configures one batch run.
type Options struct {
	// ManifestPath is the CSV listing (CT series, segmentation series) pairs
	ManifestPath string `validate:"required"`

	// ImageRoot is prepended to folder_CT and file_path_seg
	ImageRoot string `validate:"required"`

	// ROIPattern selects RTSTRUCT ROIs by name; empty keeps every ROI
	ROIPattern string

	// ConfigPath is the engine parameter file; empty uses the defaults
	ConfigPath string

	// OutputPath, when set, receives the feature table as CSV
	OutputPath string

	// NegativeControl names the control kind applied to every pair
	NegativeControl string

	// Parallel processes CT series on Workers goroutines
	Parallel bool
	Workers  int `validate:"gte=0"`

	// SubjectColumn names the manifest's subject column
	SubjectColumn string

	// SQLitePath, when set, receives the table in long format
	SQLitePath string

	// SnapshotDir, when set, receives one QC image per extracted pair
	SnapshotDir string

	// SnapshotWindow names the display window of the snapshots; empty is
	// soft tissue
	SnapshotWindow string `validate:"omitempty,oneof=soft-tissue lung"`

	// MetricsPath, when set, receives the run metrics in Prometheus text format
	MetricsPath string
}

var validate = validator.New()

// Validate checks required fields.
func (o Options) Validate() error {
	if err := validate.Struct(o); err != nil {
		return fmt.Errorf("batch options: %w", err)
	}
	return nil
}

func (o Options) subjectColumn() string {
	if o.SubjectColumn == "" {
		return manifest.DefaultSubjectColumn
	}
	return o.SubjectColumn
}

func (o Options) workers() int {
	if !o.Parallel {
		return 1
	}
	if o.Workers > 0 {
		return o.Workers
	}
	return runtime.NumCPU()
}
