// Package manifest reads the cohort manifest that pairs CT series with
// segmentation files.
package manifest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"ctradiomics/internal/models"
)

// DefaultSubjectColumn is the subject identifier column used when none is
// configured.
const DefaultSubjectColumn = "patient_ID"

// Column names of the manifest.
const (
	ColumnSeriesCT            = "series_CT"
	ColumnFolderCT            = "folder_CT"
	ColumnStudyCT             = "study_CT"
	ColumnStudyDescriptionCT  = "study_description_CT"
	ColumnSeriesDescriptionCT = "series_description_CT"
	ColumnModalityCT          = "modality_CT"
	ColumnInstancesCT         = "instances_CT"
	ColumnSeriesSeg           = "series_seg"
	ColumnFilePathSeg         = "file_path_seg"
	ColumnModalitySeg         = "modality_seg"
	ColumnReferenceCTSeg      = "reference_ct_seg"
)

// ErrMissingColumn is returned when a required column is absent.
var ErrMissingColumn = errors.New("manifest is missing a required column")

var requiredColumns = []string{
	ColumnSeriesCT,
	ColumnFolderCT,
	ColumnSeriesSeg,
	ColumnFilePathSeg,
	ColumnModalitySeg,
}

// Read loads the manifest at path. subjectColumn names the subject
// identifier column; empty means DefaultSubjectColumn.
func Read(path, subjectColumn string) ([]models.ManifestRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	rows, err := Parse(f, subjectColumn)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return rows, nil
}

// Parse reads manifest rows from r. See Read.
func Parse(r io.Reader, subjectColumn string) ([]models.ManifestRow, error) {
	if subjectColumn == "" {
		subjectColumn = DefaultSubjectColumn
	}

	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, errors.New("empty manifest")
	} else if err != nil {
		return nil, err
	}

	index := make(map[string]int, len(header))
	for k, col := range header {
		col = strings.TrimSpace(strings.TrimPrefix(col, "\ufeff"))
		if _, dup := index[col]; !dup {
			index[col] = k
		}
	}
	for _, col := range append([]string{subjectColumn}, requiredColumns...) {
		if _, ok := index[col]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrMissingColumn, col)
		}
	}

	get := func(record []string, col string) string {
		k, ok := index[col]
		if !ok || k >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[k])
	}

	var rows []models.ManifestRow
	for line := 2; ; line++ {
		record, err := cr.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}

		row := models.ManifestRow{
			SubjectID:           get(record, subjectColumn),
			StudyCT:             get(record, ColumnStudyCT),
			StudyDescriptionCT:  get(record, ColumnStudyDescriptionCT),
			SeriesCT:            get(record, ColumnSeriesCT),
			SeriesDescriptionCT: get(record, ColumnSeriesDescriptionCT),
			ModalityCT:          get(record, ColumnModalityCT),
			FolderCT:            get(record, ColumnFolderCT),
			SeriesSeg:           get(record, ColumnSeriesSeg),
			FilePathSeg:         get(record, ColumnFilePathSeg),
			ModalitySeg:         get(record, ColumnModalitySeg),
			ReferenceCTSeg:      get(record, ColumnReferenceCTSeg),
		}
		if n := get(record, ColumnInstancesCT); n != "" {
			// Spreadsheet exports write integers as floats
			v, err := strconv.ParseFloat(n, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: %s: %w", line, ColumnInstancesCT, err)
			}
			row.InstancesCT = int(v)
		}
		if row.SeriesCT == "" {
			return nil, fmt.Errorf("line %d: empty %s", line, ColumnSeriesCT)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Distinct returns the distinct values of key over rows in first-seen order.
func Distinct(rows []models.ManifestRow, key func(models.ManifestRow) string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range rows {
		k := key(r)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}

// Filter returns the rows for which keep is true, preserving order.
func Filter(rows []models.ManifestRow, keep func(models.ManifestRow) bool) []models.ManifestRow {
	var out []models.ManifestRow
	for _, r := range rows {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}

// BySeriesCT is a Distinct/Filter key for the CT series identifier.
func BySeriesCT(r models.ManifestRow) string { return r.SeriesCT }

// BySeriesSeg is a Distinct/Filter key for the segmentation series identifier.
func BySeriesSeg(r models.ManifestRow) string { return r.SeriesSeg }
