package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"ctradiomics/internal/models"
	"ctradiomics/pkg/dicomio"
	"ctradiomics/pkg/extraction"
	"ctradiomics/pkg/manifest"
	"ctradiomics/pkg/negativecontrol"
	"ctradiomics/pkg/visualization"
)

// Loader stages. Every other stage comes from the extractor.
const (
	// StageLoadSegmentation marks a segmentation file that could not be read
	StageLoadSegmentation extraction.Stage = "load-segmentation"
	// StageLoadROI marks one ROI of a readable file that could not be decoded
	StageLoadROI extraction.Stage = "load-roi"
)

// Skip records a pair that produced no output row.
type Skip struct {
	SubjectID string
	SeriesCT  string
	SeriesSeg string
	// ROI and ROINumber are empty when the whole segmentation was skipped
	ROI       string
	ROINumber int
	Stage     extraction.Stage
	Reason    string
}

// ManifestIntegrityError reports segmentation rows duplicated in a way CT
// sub-series grouping does not explain.
type ManifestIntegrityError struct {
	SeriesCT  string
	SeriesSeg string
	Rows      int
	Field     string
}

func (e *ManifestIntegrityError) Error() string {
	return fmt.Sprintf("manifest integrity: %d rows for segmentation %s under CT series %s disagree on %s",
		e.Rows, e.SeriesSeg, e.SeriesCT, e.Field)
}

// Severity is always SeveritySeries.
func (e *ManifestIntegrityError) Severity() extraction.Severity { return extraction.SeveritySeries }

// checkSegmentationRows accepts several rows for one segmentation series
// only when they are duplicates keyed on the CT series: the CT sub-series
// columns may differ, the segmentation columns may not.
func checkSegmentationRows(seriesCT, seriesSeg string, rows []models.ManifestRow) error {
	if len(rows) < 2 {
		return nil
	}
	first := rows[0]
	for _, r := range rows[1:] {
		var field string
		switch {
		case r.SeriesCT != first.SeriesCT:
			field = manifest.ColumnSeriesCT
		case r.FilePathSeg != first.FilePathSeg:
			field = manifest.ColumnFilePathSeg
		case !strings.EqualFold(r.ModalitySeg, first.ModalitySeg):
			field = manifest.ColumnModalitySeg
		case r.ReferenceCTSeg != first.ReferenceCTSeg:
			field = manifest.ColumnReferenceCTSeg
		default:
			continue
		}
		return &ManifestIntegrityError{SeriesCT: seriesCT, SeriesSeg: seriesSeg, Rows: len(rows), Field: field}
	}
	return nil
}

// seriesJob is one CT series with its manifest rows.
type seriesJob struct {
	index    int
	seriesCT string
	rows     []models.ManifestRow
}

// seriesResult is everything one CT series contributes to the run.
type seriesResult struct {
	rows    []models.OutputRow
	skipped []Skip
}

// seriesEnv is the read-only state shared by every series.
type seriesEnv struct {
	loader      Loader
	extractor   *extraction.Extractor
	imageRoot   string
	pattern     *regexp.Regexp
	control     negativecontrol.Kind
	snapshotDir string
	window      visualization.Window
	logger      *slog.Logger
	metrics     *metrics
}

// pairOutcome is the result of one (CT, ROI) pair: extracted, skipped or
// aborted.
type pairOutcome interface{ isPairOutcome() }

type extracted struct{ row models.OutputRow }

type skipped struct{ skip Skip }

type aborted struct{ err error }

func (extracted) isPairOutcome() {}
func (skipped) isPairOutcome() {}
func (aborted) isPairOutcome() {}

// processSeries loads one CT series, walks its segmentations and returns
// the rows and skips they produced. A returned error aborts the run.
func processSeries(ctx context.Context, job seriesJob, env *seriesEnv) (seriesResult, error) {
	var res seriesResult
	first := job.rows[0]
	logger := env.logger.With("subject", first.SubjectID, "series_ct", job.seriesCT)
	logger.Info("processing subject")

	ct, err := env.loader.LoadSeries(ctx, filepath.Join(env.imageRoot, first.FolderCT), job.seriesCT)
	if err != nil {
		return res, fmt.Errorf("load CT series %s for subject %s: %w", job.seriesCT, first.SubjectID, err)
	}

	for _, seriesSeg := range manifest.Distinct(job.rows, manifest.BySeriesSeg) {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		segRows := manifest.Filter(job.rows, func(r models.ManifestRow) bool { return r.SeriesSeg == seriesSeg })
		if err := checkSegmentationRows(job.seriesCT, seriesSeg, segRows); err != nil {
			return res, err
		}
		row := segRows[0]
		segLogger := logger.With("series_seg", seriesSeg)

		rois, err := env.loader.LoadSegmentation(ctx, filepath.Join(env.imageRoot, row.FilePathSeg), row.ModalitySeg, ct, env.pattern)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			segLogger.Warn("skipping segmentation", "error", err)
			env.metrics.pairs.WithLabelValues(resultSkipped).Inc()
			res.skipped = append(res.skipped, Skip{
				SubjectID: row.SubjectID,
				SeriesCT:  job.seriesCT,
				SeriesSeg: seriesSeg,
				Stage:     StageLoadSegmentation,
				Reason:    err.Error(),
			})
			continue
		}
		if len(rois) == 0 {
			segLogger.Info("segmentation has no ROIs, skipping")
			continue
		}

		for i, roi := range rois {
			switch o := processPair(row, roi, i+1, ct, env, segLogger).(type) {
			case extracted:
				res.rows = append(res.rows, o.row)
			case skipped:
				res.skipped = append(res.skipped, o.skip)
			case aborted:
				return res, o.err
			}
		}
	}

	env.metrics.series.Inc()
	return res, nil
}

func processPair(row models.ManifestRow, roi dicomio.ROI, number int, ct *models.Volume, env *seriesEnv, logger *slog.Logger) pairOutcome {
	logger = logger.With("roi", roi.Name, "roi_number", number)
	skip := func(stage extraction.Stage, err error) pairOutcome {
		env.metrics.pairs.WithLabelValues(resultSkipped).Inc()
		return skipped{skip: Skip{
			SubjectID: row.SubjectID,
			SeriesCT:  row.SeriesCT,
			SeriesSeg: row.SeriesSeg,
			ROI:       roi.Name,
			ROINumber: number,
			Stage:     stage,
			Reason:    err.Error(),
		}}
	}

	if roi.Err != nil {
		logger.Error("decoding ROI failed", "error", roi.Err)
		return skip(StageLoadROI, roi.Err)
	}

	logger.Info("calculating features")
	start := time.Now()
	res, err := env.extractor.WithLogger(logger).Extract(ct, roi.Mask, env.control)
	if err != nil {
		if extraction.SeverityOf(err) != extraction.SeverityPair {
			return aborted{err: err}
		}
		logger.Error("feature extraction failed", "error", err)
		var stage extraction.Stage
		var pe *extraction.PairError
		if errors.As(err, &pe) {
			stage = pe.Stage
		}
		return skip(stage, err)
	}
	env.metrics.duration.Observe(time.Since(start).Seconds())
	env.metrics.pairs.WithLabelValues(resultExtracted).Inc()

	if env.snapshotDir != "" {
		snapshot(res, row, roi.Name, number, env.snapshotDir, env.window, logger)
	}

	return extracted{row: models.OutputRow{
		Provenance: models.NewProvenance(row, roi.Name, number, string(env.control)),
		Features:   res.Features,
	}}
}

// snapshot writes a QC image of the cropped pair. Failures are logged only.
func snapshot(res *extraction.Result, row models.ManifestRow, roi string, number int, dir string, window visualization.Window, logger *slog.Logger) {
	viewer, err := visualization.NewViewer(res.Image, res.Mask, res.Label, window)
	if err == nil {
		name := fmt.Sprintf("%s_%s_%d_%s", row.SubjectID, row.SeriesSeg, number, roi)
		_, err = viewer.Snapshot(dir, name)
	}
	if err != nil {
		logger.Warn("writing snapshot failed", "error", err)
	}
}
