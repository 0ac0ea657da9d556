package batch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ctradiomics/internal/logging"
	"ctradiomics/internal/models"
	"ctradiomics/internal/testsupport"
	"ctradiomics/pkg/dicomio"
	"ctradiomics/pkg/extraction"
	"ctradiomics/pkg/output"
)

const imageRoot = "/data"

const header = "patient_ID,study_CT,study_description_CT,series_CT,series_description_CT,modality_CT,instances_CT,folder_CT,series_seg,file_path_seg,modality_seg,reference_ct_seg\n"

// fakeLoader serves in-memory volumes keyed by path.
type fakeLoader struct {
	series map[string]*models.Volume
	segs   map[string][]dicomio.ROI
	broken map[string]error

	mu       sync.Mutex
	ctLoads  map[string]int
	segLoads map[string]int
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{
		series:   map[string]*models.Volume{},
		segs:     map[string][]dicomio.ROI{},
		broken:   map[string]error{},
		ctLoads:  map[string]int{},
		segLoads: map[string]int{},
	}
}

func (f *fakeLoader) LoadSeries(ctx context.Context, dir, seriesUID string) (*models.Volume, error) {
	f.mu.Lock()
	f.ctLoads[seriesUID]++
	f.mu.Unlock()

	ct, ok := f.series[dir]
	if !ok {
		return nil, dicomio.ErrNoSeries
	}
	return ct, nil
}

func (f *fakeLoader) LoadSegmentation(ctx context.Context, path, modality string, ct *models.Volume, pattern *regexp.Regexp) ([]dicomio.ROI, error) {
	f.mu.Lock()
	f.segLoads[path]++
	f.mu.Unlock()

	if err, ok := f.broken[path]; ok {
		return nil, err
	}
	var out []dicomio.ROI
	for _, roi := range f.segs[path] {
		if pattern == nil || pattern.MatchString(roi.Name) {
			out = append(out, roi)
		}
	}
	return out, nil
}

func writeManifest(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "manifest.csv")
	require.NoError(t, os.WriteFile(path, []byte(header+strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func ambiguous(ct *models.Volume) *models.Volume {
	mask := testsupport.Block(ct, [3]int{3, 3, 2}, [3]int{9, 9, 5}, 1)
	mask.Set(4, 4, 3, 2)
	return mask
}

// fixture has three CT series: two clean subjects and one whose second ROI
// carries two labels.
func fixture(t *testing.T) (*fakeLoader, string) {
	t.Helper()
	loader := newFakeLoader()

	ct1 := testsupport.CT(32, 28, 14)
	ct2 := testsupport.CT(24, 24, 10)
	ct3 := testsupport.CT(20, 20, 8)
	loader.series[filepath.Join(imageRoot, "A/ct")] = ct1
	loader.series[filepath.Join(imageRoot, "B/ct")] = ct2
	loader.series[filepath.Join(imageRoot, "C/ct")] = ct3

	loader.segs[filepath.Join(imageRoot, "A/seg.dcm")] = []dicomio.ROI{
		{Name: "Heart", Mask: testsupport.Sphere(ct1, [3]float64{16, 14, 7}, [3]float64{6, 5, 3}, dicomio.SegLabel)},
	}
	loader.segs[filepath.Join(imageRoot, "A/rt.dcm")] = []dicomio.ROI{
		{Name: "Tumor_c1", Mask: testsupport.Block(ct1, [3]int{4, 4, 2}, [3]int{10, 9, 6}, dicomio.RTStructLabel)},
		{Name: "Lung", Mask: testsupport.Block(ct1, [3]int{12, 4, 2}, [3]int{26, 20, 10}, dicomio.RTStructLabel)},
	}
	loader.segs[filepath.Join(imageRoot, "B/seg.dcm")] = []dicomio.ROI{
		{Name: "Heart", Mask: testsupport.Sphere(ct2, [3]float64{12, 12, 5}, [3]float64{5, 5, 3}, dicomio.SegLabel)},
	}
	loader.segs[filepath.Join(imageRoot, "C/seg.dcm")] = []dicomio.ROI{
		{Name: "Heart", Mask: testsupport.Block(ct3, [3]int{5, 5, 2}, [3]int{12, 12, 5}, dicomio.SegLabel)},
		{Name: "Broken", Mask: ambiguous(ct3)},
		{Name: "Aorta", Mask: testsupport.Block(ct3, [3]int{2, 2, 1}, [3]int{6, 6, 4}, dicomio.SegLabel)},
	}

	path := writeManifest(t,
		"A,1.1,Chest,1.1.1,Axial,CT,14,A/ct,1.1.9,A/seg.dcm,SEG,1.1.1",
		"A,1.1,Chest,1.1.1,Axial,CT,14,A/ct,1.1.8,A/rt.dcm,RTSTRUCT,1.1.1",
		"B,2.1,Chest,2.1.1,Axial,CT,10,B/ct,2.1.9,B/seg.dcm,SEG,2.1.1",
		"C,3.1,Chest,3.1.1,Axial,CT,8,C/ct,3.1.9,C/seg.dcm,SEG,3.1.1",
	)
	return loader, path
}

func newTestRunner(loader Loader) *Runner {
	return NewRunner(loader, logging.Discard(), prometheus.NewRegistry())
}

func column(tbl *output.Table, name string) []string {
	idx := -1
	for i, c := range tbl.Columns {
		if c == name {
			idx = i
		}
	}
	var out []string
	for i := 0; i < tbl.Len(); i++ {
		out = append(out, tbl.Record(i)[idx])
	}
	return out
}

func TestRunExtractsEveryPair(t *testing.T) {
	loader, manifestPath := fixture(t)

	res, err := newTestRunner(loader).Run(context.Background(), Options{ManifestPath: manifestPath, ImageRoot: imageRoot})
	require.NoError(t, err)
	assert.NotEmpty(t, res.RunID)

	assert.Equal(t, []string{"A", "A", "A", "B", "C", "C"}, column(res.Table, "patient_ID"))
	assert.Equal(t, []string{"Heart", "Tumor_c1", "Lung", "Heart", "Heart", "Aorta"}, column(res.Table, "roi"))
	assert.Equal(t, []string{"1", "1", "2", "1", "1", "3"}, column(res.Table, "roi_number"))
	assert.Equal(t, []string{"SEG", "RTSTRUCT", "RTSTRUCT", "SEG", "SEG", "SEG"}, column(res.Table, "seg_modality"))
	assert.Equal(t, []string{"", "", "", "", "", ""}, column(res.Table, "negative_control"))

	// CT loaded once per series, segmentation once per file
	assert.Equal(t, map[string]int{"1.1.1": 1, "2.1.1": 1, "3.1.1": 1}, loader.ctLoads)
	for path, n := range loader.segLoads {
		assert.Equal(t, 1, n, path)
	}
}

func TestRunIsolatesPairFailures(t *testing.T) {
	loader, manifestPath := fixture(t)

	res, err := newTestRunner(loader).Run(context.Background(), Options{ManifestPath: manifestPath, ImageRoot: imageRoot})
	require.NoError(t, err)

	require.Len(t, res.Skipped, 1)
	skip := res.Skipped[0]
	assert.Equal(t, "C", skip.SubjectID)
	assert.Equal(t, "3.1.1", skip.SeriesCT)
	assert.Equal(t, "3.1.9", skip.SeriesSeg)
	assert.Equal(t, "Broken", skip.ROI)
	assert.Equal(t, 2, skip.ROINumber)
	assert.Equal(t, extraction.StageLabel, skip.Stage)
	assert.Contains(t, skip.Reason, "ambiguous ROI")

	// The failing pair leaves its neighbours untouched
	assert.Contains(t, column(res.Table, "roi"), "Aorta")
}

func TestRunIsIdempotent(t *testing.T) {
	loader, manifestPath := fixture(t)
	dir := t.TempDir()
	runner := newTestRunner(loader)

	opts := Options{ManifestPath: manifestPath, ImageRoot: imageRoot, OutputPath: filepath.Join(dir, "first.csv")}
	_, err := runner.Run(context.Background(), opts)
	require.NoError(t, err)
	opts.OutputPath = filepath.Join(dir, "second.csv")
	_, err = runner.Run(context.Background(), opts)
	require.NoError(t, err)

	first, err := os.ReadFile(filepath.Join(dir, "first.csv"))
	require.NoError(t, err)
	second, err := os.ReadFile(filepath.Join(dir, "second.csv"))
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
}

func TestRunParallelMatchesSequential(t *testing.T) {
	loader, manifestPath := fixture(t)
	runner := newTestRunner(loader)

	seq, err := runner.Run(context.Background(), Options{ManifestPath: manifestPath, ImageRoot: imageRoot})
	require.NoError(t, err)
	par, err := runner.Run(context.Background(), Options{ManifestPath: manifestPath, ImageRoot: imageRoot, Parallel: true, Workers: 3})
	require.NoError(t, err)

	require.Equal(t, seq.Table.Columns, par.Table.Columns)
	require.Equal(t, seq.Table.Len(), par.Table.Len())
	for i := 0; i < seq.Table.Len(); i++ {
		assert.Equal(t, seq.Table.Record(i), par.Table.Record(i), "row %d", i)
	}
	assert.Equal(t, seq.Skipped, par.Skipped)
}

func TestRunNegativeControl(t *testing.T) {
	loader, manifestPath := fixture(t)

	res, err := newTestRunner(loader).Run(context.Background(), Options{
		ManifestPath:    manifestPath,
		ImageRoot:       imageRoot,
		NegativeControl: "shuffled_roi",
	})
	require.NoError(t, err)
	for _, v := range column(res.Table, "negative_control") {
		assert.Equal(t, "shuffled_roi", v)
	}

	_, err = newTestRunner(loader).Run(context.Background(), Options{
		ManifestPath:    manifestPath,
		ImageRoot:       imageRoot,
		NegativeControl: "mirrored",
	})
	assert.Error(t, err)
}

func TestRunROIPattern(t *testing.T) {
	loader, manifestPath := fixture(t)

	res, err := newTestRunner(loader).Run(context.Background(), Options{
		ManifestPath: manifestPath,
		ImageRoot:    imageRoot,
		ROIPattern:   "Tumor_c.*|Heart",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Heart", "Tumor_c1", "Heart", "Heart"}, column(res.Table, "roi"))
}

func TestRunManifestIntegrity(t *testing.T) {
	loader, _ := fixture(t)
	manifestPath := writeManifest(t,
		"B,2.1,Chest,2.1.1,Axial,CT,10,B/ct,2.1.9,B/seg.dcm,SEG,2.1.1",
		"B,2.1,Chest,2.1.1,Axial,CT,10,B/ct,2.1.9,B/other.dcm,SEG,2.1.1",
	)

	_, err := newTestRunner(loader).Run(context.Background(), Options{ManifestPath: manifestPath, ImageRoot: imageRoot})
	var integrity *ManifestIntegrityError
	require.ErrorAs(t, err, &integrity)
	assert.Equal(t, "2.1.9", integrity.SeriesSeg)
	assert.Equal(t, "file_path_seg", integrity.Field)
	assert.Equal(t, extraction.SeveritySeries, extraction.SeverityOf(err))

	// Same error in parallel mode
	_, err = newTestRunner(loader).Run(context.Background(), Options{ManifestPath: manifestPath, ImageRoot: imageRoot, Parallel: true})
	assert.ErrorAs(t, err, &integrity)
}

func TestCheckSegmentationRowsAcceptsSubSeriesDuplicates(t *testing.T) {
	row := models.ManifestRow{SeriesCT: "1.1", InstancesCT: 120, SeriesSeg: "9.9", FilePathSeg: "seg.dcm", ModalitySeg: "SEG"}
	other := row
	other.InstancesCT = 60
	other.SeriesDescriptionCT = "Axial part 2"

	assert.NoError(t, checkSegmentationRows("1.1", "9.9", []models.ManifestRow{row}))
	assert.NoError(t, checkSegmentationRows("1.1", "9.9", []models.ManifestRow{row, other}))

	other.ModalitySeg = "RTSTRUCT"
	err := checkSegmentationRows("1.1", "9.9", []models.ManifestRow{row, other})
	var integrity *ManifestIntegrityError
	require.ErrorAs(t, err, &integrity)
	assert.Equal(t, "modality_seg", integrity.Field)
	assert.Equal(t, 2, integrity.Rows)
}

func TestRunSubSeriesRowsProduceOneRowPerROI(t *testing.T) {
	loader, _ := fixture(t)
	manifestPath := writeManifest(t,
		"B,2.1,Chest,2.1.1,Axial,CT,10,B/ct,2.1.9,B/seg.dcm,SEG,2.1.1",
		"B,2.1,Chest,2.1.1,Axial part 2,CT,5,B/ct,2.1.9,B/seg.dcm,SEG,2.1.1",
	)

	res, err := newTestRunner(loader).Run(context.Background(), Options{ManifestPath: manifestPath, ImageRoot: imageRoot})
	require.NoError(t, err)
	assert.Equal(t, []string{"Axial"}, column(res.Table, "series_description"))
}

func TestRunEmptySegmentation(t *testing.T) {
	loader, manifestPath := fixture(t)
	loader.segs[filepath.Join(imageRoot, "B/seg.dcm")] = nil

	res, err := newTestRunner(loader).Run(context.Background(), Options{ManifestPath: manifestPath, ImageRoot: imageRoot})
	require.NoError(t, err)
	assert.NotContains(t, column(res.Table, "patient_ID"), "B")
	assert.Len(t, res.Skipped, 1, "empty ROI sets are not failures")
}

func TestRunUnreadableSegmentationIsSkipped(t *testing.T) {
	loader, manifestPath := fixture(t)
	loader.broken[filepath.Join(imageRoot, "A/rt.dcm")] = dicomio.ErrUnsupportedModality

	res, err := newTestRunner(loader).Run(context.Background(), Options{ManifestPath: manifestPath, ImageRoot: imageRoot})
	require.NoError(t, err)
	assert.Equal(t, []string{"Heart", "Heart", "Heart", "Aorta"}, column(res.Table, "roi"))

	require.Len(t, res.Skipped, 2)
	assert.Equal(t, StageLoadSegmentation, res.Skipped[0].Stage)
	assert.Equal(t, "1.1.8", res.Skipped[0].SeriesSeg)
	assert.Empty(t, res.Skipped[0].ROI)
}

func TestRunMissingCTAbortsRun(t *testing.T) {
	loader, manifestPath := fixture(t)
	delete(loader.series, filepath.Join(imageRoot, "B/ct"))

	_, err := newTestRunner(loader).Run(context.Background(), Options{ManifestPath: manifestPath, ImageRoot: imageRoot})
	assert.ErrorIs(t, err, dicomio.ErrNoSeries)

	_, err = newTestRunner(loader).Run(context.Background(), Options{ManifestPath: manifestPath, ImageRoot: imageRoot, Parallel: true, Workers: 2})
	assert.ErrorIs(t, err, dicomio.ErrNoSeries)
}

func TestRunCancelled(t *testing.T) {
	loader, manifestPath := fixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestRunner(loader).Run(ctx, Options{ManifestPath: manifestPath, ImageRoot: imageRoot, Parallel: true})
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
}

func TestRunValidatesOptions(t *testing.T) {
	_, err := newTestRunner(newFakeLoader()).Run(context.Background(), Options{ImageRoot: imageRoot})
	assert.Error(t, err)

	_, err = newTestRunner(newFakeLoader()).Run(context.Background(), Options{ManifestPath: "missing.csv", ImageRoot: imageRoot})
	assert.Error(t, err)

	_, err = newTestRunner(newFakeLoader()).Run(context.Background(), Options{ManifestPath: "m.csv", ImageRoot: imageRoot, Workers: -1})
	assert.Error(t, err)

	_, err = newTestRunner(newFakeLoader()).Run(context.Background(), Options{ManifestPath: "m.csv", ImageRoot: imageRoot, SnapshotWindow: "bone"})
	assert.Error(t, err)
}

func TestRunWritesOutputs(t *testing.T) {
	loader, manifestPath := fixture(t)
	dir := t.TempDir()
	runner := newTestRunner(loader)

	res, err := runner.Run(context.Background(), Options{
		ManifestPath:   manifestPath,
		ImageRoot:      imageRoot,
		OutputPath:     filepath.Join(dir, "features.csv"),
		SQLitePath:     filepath.Join(dir, "features.db"),
		SnapshotDir:    filepath.Join(dir, "qc"),
		SnapshotWindow: "lung",
		MetricsPath:    filepath.Join(dir, "ctradiomics.prom"),
	})
	require.NoError(t, err)

	csvData, err := os.ReadFile(filepath.Join(dir, "features.csv"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(csvData), strings.Join(models.ProvenanceColumns, ",")))

	store, err := output.OpenStore(filepath.Join(dir, "features.db"))
	require.NoError(t, err)
	defer store.Close()
	n, err := store.CountExtractions(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, res.Table.Len(), n)

	snapshots, err := os.ReadDir(filepath.Join(dir, "qc"))
	require.NoError(t, err)
	assert.Len(t, snapshots, res.Table.Len())

	metricsData, err := os.ReadFile(filepath.Join(dir, "ctradiomics.prom"))
	require.NoError(t, err)
	assert.Contains(t, string(metricsData), `ctradiomics_pairs_total{result="extracted"} 6`)
}

func TestRunMetrics(t *testing.T) {
	loader, manifestPath := fixture(t)
	runner := newTestRunner(loader)

	_, err := runner.Run(context.Background(), Options{ManifestPath: manifestPath, ImageRoot: imageRoot})
	require.NoError(t, err)

	assert.Equal(t, 6.0, testutil.ToFloat64(runner.metrics.pairs.WithLabelValues(resultExtracted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(runner.metrics.pairs.WithLabelValues(resultSkipped)))
	assert.Equal(t, 3.0, testutil.ToFloat64(runner.metrics.series))
	assert.Equal(t, 1, testutil.CollectAndCount(runner.metrics.duration))
}

func TestRunUndecodableROIKeepsSiblings(t *testing.T) {
	loader, manifestPath := fixture(t)
	rt := filepath.Join(imageRoot, "A/rt.dcm")
	loader.segs[rt] = []dicomio.ROI{
		loader.segs[rt][0],
		{Name: "Body", Err: errors.New("contour lies outside the CT")},
		loader.segs[rt][1],
	}

	res, err := newTestRunner(loader).Run(context.Background(), Options{ManifestPath: manifestPath, ImageRoot: imageRoot})
	require.NoError(t, err)
	assert.Equal(t, []string{"Heart", "Tumor_c1", "Lung", "Heart", "Heart", "Aorta"}, column(res.Table, "roi"))
	assert.Equal(t, []string{"1", "1", "3", "1", "1", "3"}, column(res.Table, "roi_number"))

	require.Len(t, res.Skipped, 2)
	skip := res.Skipped[0]
	assert.Equal(t, "Body", skip.ROI)
	assert.Equal(t, 2, skip.ROINumber)
	assert.Equal(t, StageLoadROI, skip.Stage)
	assert.Contains(t, skip.Reason, "outside the CT")
}
