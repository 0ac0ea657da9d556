// Package batch drives feature extraction over a manifest of CT series and
// their segmentations.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"ctradiomics/internal/models"
	"ctradiomics/pkg/config"
	"ctradiomics/pkg/dicomio"
	"ctradiomics/pkg/extraction"
	"ctradiomics/pkg/manifest"
	"ctradiomics/pkg/negativecontrol"
	"ctradiomics/pkg/output"
	"ctradiomics/pkg/radiomics"
	"ctradiomics/pkg/visualization"
)

// Result is the outcome of a batch run.
type Result struct {
	RunID   string
	Table   *output.Table
	Skipped []Skip
}

// Runner executes batch runs. A Runner may be reused; its metrics
// accumulate across runs.
type Runner struct {
	loader   Loader
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics
}

// NewRunner creates a runner. A nil loader reads DICOM from disk, a nil
// logger uses slog.Default and a nil registry gets a private one.
func NewRunner(loader Loader, logger *slog.Logger, registry *prometheus.Registry) *Runner {
	if loader == nil {
		loader = DICOMLoader{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return &Runner{
		loader:   loader,
		logger:   logger,
		registry: registry,
		metrics:  newMetrics(registry),
	}
}

// RunBatch runs one batch with DICOM loading and the default logger.
func RunBatch(ctx context.Context, opts Options) (*Result, error) {
	return NewRunner(nil, nil, nil).Run(ctx, opts)
}

// Run extracts features for every (CT, ROI) pair in the manifest. Pair
// failures are skipped and reported in Result.Skipped; a series-level
// failure aborts the run and is returned.
func (r *Runner) Run(ctx context.Context, opts Options) (*Result, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	started := time.Now()

	cfg, err := config.LoadConfig(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	engine, err := radiomics.NewExtractor(cfg)
	if err != nil {
		return nil, err
	}
	control, err := negativecontrol.Parse(opts.NegativeControl)
	if err != nil {
		return nil, err
	}
	pattern, err := dicomio.CompileROIPattern(opts.ROIPattern)
	if err != nil {
		return nil, err
	}
	window, err := visualization.ParseWindow(opts.SnapshotWindow)
	if err != nil {
		return nil, err
	}

	rows, err := manifest.Read(opts.ManifestPath, opts.subjectColumn())
	if err != nil {
		return nil, err
	}
	jobs := groupSeries(rows)

	runID := uuid.NewString()
	logger := r.logger.With("run_id", runID)
	logger.Info("starting batch",
		"manifest", opts.ManifestPath,
		"series", len(jobs),
		"workers", opts.workers(),
		"negative_control", string(control))

	env := &seriesEnv{
		loader:      r.loader,
		extractor:   extraction.New(engine, cfg.Setting.RandomSeed, logger),
		imageRoot:   opts.ImageRoot,
		pattern:     pattern,
		control:     control,
		snapshotDir: opts.SnapshotDir,
		window:      window,
		logger:      logger,
		metrics:     r.metrics,
	}

	results, err := runSeries(ctx, jobs, env, opts.workers())
	if err != nil {
		return nil, err
	}

	// Merge in series order
	res := &Result{RunID: runID}
	var outRows []models.OutputRow
	for _, sr := range results {
		outRows = append(outRows, sr.rows...)
		res.Skipped = append(res.Skipped, sr.skipped...)
	}
	res.Table = output.NewTable(outRows)

	if opts.OutputPath != "" {
		if err := output.WriteCSVFile(opts.OutputPath, res.Table); err != nil {
			return nil, err
		}
	}
	if opts.SQLitePath != "" {
		run := output.RunInfo{ID: runID, StartedAt: started, Manifest: opts.ManifestPath, NegativeControl: string(control)}
		if err := writeStore(ctx, opts.SQLitePath, run, res.Table); err != nil {
			return nil, err
		}
	}
	if opts.MetricsPath != "" {
		if err := writeMetrics(opts.MetricsPath, r.registry); err != nil {
			return nil, err
		}
	}

	logger.Info("batch complete",
		"rows", res.Table.Len(),
		"skipped", len(res.Skipped),
		"elapsed", time.Since(started).Round(time.Millisecond).String())
	return res, nil
}

// groupSeries splits rows into one job per distinct CT series, in
// first-seen order.
func groupSeries(rows []models.ManifestRow) []seriesJob {
	series := manifest.Distinct(rows, manifest.BySeriesCT)
	jobs := make([]seriesJob, len(series))
	for i, uid := range series {
		jobs[i] = seriesJob{
			index:    i,
			seriesCT: uid,
			rows:     manifest.Filter(rows, func(r models.ManifestRow) bool { return r.SeriesCT == uid }),
		}
	}
	return jobs
}

// runSeries processes every job on up to workers goroutines. Results are
// stored by job index so the merge order does not depend on scheduling.
func runSeries(ctx context.Context, jobs []seriesJob, env *seriesEnv, workers int) ([]seriesResult, error) {
	results := make([]seriesResult, len(jobs))

	if workers <= 1 {
		for _, job := range jobs {
			sr, err := processSeries(ctx, job, env)
			if err != nil {
				return nil, err
			}
			results[job.index] = sr
		}
		return results, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, job := range jobs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			sr, err := processSeries(gctx, job, env)
			if err != nil {
				return err
			}
			results[job.index] = sr
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func writeStore(ctx context.Context, path string, run output.RunInfo, t *output.Table) (err error) {
	store, err := output.OpenStore(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := store.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close feature store: %w", cerr)
		}
	}()
	return store.WriteRun(ctx, run, t)
}
