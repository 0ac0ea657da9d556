package manifest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ctradiomics/internal/models"
)

const sample = `patient_ID,study_CT,study_description_CT,series_CT,series_description_CT,modality_CT,instances_CT,folder_CT,series_seg,file_path_seg,modality_seg,reference_ct_seg
LUNG1-001,1.1,Chest,1.1.1,Axial,CT,134.0,LUNG1-001/ct,1.1.9,LUNG1-001/seg.dcm,SEG,1.1.1
LUNG1-001,1.1,Chest,1.1.1,Axial,CT,134,LUNG1-001/ct,1.1.8,LUNG1-001/rt.dcm,RTSTRUCT,1.1.1
LUNG1-002,2.1,Chest,2.1.1,Axial,CT,,LUNG1-002/ct,2.1.9,LUNG1-002/seg.dcm,SEG,2.1.1
`

func TestParse(t *testing.T) {
	rows, err := Parse(strings.NewReader(sample), "")
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, models.ManifestRow{
		SubjectID:           "LUNG1-001",
		StudyCT:             "1.1",
		StudyDescriptionCT:  "Chest",
		SeriesCT:            "1.1.1",
		SeriesDescriptionCT: "Axial",
		ModalityCT:          "CT",
		InstancesCT:         134,
		FolderCT:            "LUNG1-001/ct",
		SeriesSeg:           "1.1.9",
		FilePathSeg:         "LUNG1-001/seg.dcm",
		ModalitySeg:         "SEG",
		ReferenceCTSeg:      "1.1.1",
	}, rows[0])
	assert.Zero(t, rows[2].InstancesCT)

	assert.Equal(t, []string{"1.1.1", "2.1.1"}, Distinct(rows, BySeriesCT))
	first := Filter(rows, func(r models.ManifestRow) bool { return r.SeriesCT == "1.1.1" })
	assert.Equal(t, []string{"1.1.9", "1.1.8"}, Distinct(first, BySeriesSeg))
}

func TestParseCustomSubjectColumn(t *testing.T) {
	data := strings.Replace(sample, "patient_ID", "subject", 1)

	_, err := Parse(strings.NewReader(data), "")
	assert.ErrorIs(t, err, ErrMissingColumn)

	rows, err := Parse(strings.NewReader(data), "subject")
	require.NoError(t, err)
	assert.Equal(t, "LUNG1-002", rows[2].SubjectID)
}

func TestParseErrors(t *testing.T) {
	_, err := Parse(strings.NewReader(""), "")
	assert.Error(t, err)

	_, err = Parse(strings.NewReader("patient_ID,series_CT\nA,1\n"), "")
	assert.ErrorIs(t, err, ErrMissingColumn)

	bad := strings.Replace(sample, "134.0", "many", 1)
	_, err = Parse(strings.NewReader(bad), "")
	assert.ErrorContains(t, err, "line 2")
}

func TestRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.csv")
	require.NoError(t, os.WriteFile(path, []byte("\ufeff"+sample), 0o644))

	rows, err := Read(path, "")
	require.NoError(t, err)
	assert.Len(t, rows, 3)

	_, err = Read(filepath.Join(t.TempDir(), "absent.csv"), "")
	assert.Error(t, err)
}
