package models

import "strconv"

// ManifestRow pairs one CT series with one segmentation series.
type ManifestRow struct {
	SubjectID           string
	StudyCT             string
	StudyDescriptionCT  string
	SeriesCT            string
	SeriesDescriptionCT string
	ModalityCT          string
	InstancesCT         int
	FolderCT            string
	SeriesSeg           string
	FilePathSeg         string
	ModalitySeg         string
	ReferenceCTSeg      string
}

// ProvenanceColumns is the fixed column prefix of every output row.
var ProvenanceColumns = []string{
	"patient_ID",
	"study_UID",
	"study_description",
	"series_UID",
	"series_description",
	"image_modality",
	"instances",
	"seg_series_UID",
	"seg_modality",
	"seg_ref_image",
	"roi",
	"roi_number",
	"negative_control",
}

// Provenance identifies where an output row came from.
type Provenance struct {
	SubjectID         string
	StudyUID          string
	StudyDescription  string
	SeriesUID         string
	SeriesDescription string
	ImageModality     string
	Instances         int
	SegSeriesUID      string
	SegModality       string
	SegRefImage       string
	ROI               string
	ROINumber         int
	// NegativeControl is empty when features came from the original image.
	NegativeControl string
}

// NewProvenance fills the manifest-derived part of the prefix.
func NewProvenance(row ManifestRow, roi string, roiNumber int, negativeControl string) Provenance {
	return Provenance{
		SubjectID:         row.SubjectID,
		StudyUID:          row.StudyCT,
		StudyDescription:  row.StudyDescriptionCT,
		SeriesUID:         row.SeriesCT,
		SeriesDescription: row.SeriesDescriptionCT,
		ImageModality:     row.ModalityCT,
		Instances:         row.InstancesCT,
		SegSeriesUID:      row.SeriesSeg,
		SegModality:       row.ModalitySeg,
		SegRefImage:       row.ReferenceCTSeg,
		ROI:               roi,
		ROINumber:         roiNumber,
		NegativeControl:   negativeControl,
	}
}

// Values renders the prefix in ProvenanceColumns order.
func (p Provenance) Values() []string {
	return []string{
		p.SubjectID,
		p.StudyUID,
		p.StudyDescription,
		p.SeriesUID,
		p.SeriesDescription,
		p.ImageModality,
		strconv.Itoa(p.Instances),
		p.SegSeriesUID,
		p.SegModality,
		p.SegRefImage,
		p.ROI,
		strconv.Itoa(p.ROINumber),
		p.NegativeControl,
	}
}

// OutputRow is one successfully extracted (CT, ROI) pair.
type OutputRow struct {
	Provenance Provenance
	Features   *FeatureVector
}
