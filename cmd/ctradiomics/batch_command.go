package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"ctradiomics/pkg/batch"
	"ctradiomics/pkg/manifest"
)

func newBatchCommand(ctx *commandContext) *cobra.Command {
	var opts batch.Options

	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Extract features for every CT/segmentation pair in a manifest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			runner := batch.NewRunner(batch.DICOMLoader{}, ctx.logger, nil)
			res, err := runner.Run(cmd.Context(), opts)
			if err != nil {
				return err
			}
			printBatchSummary(cmd.OutOrStdout(), res, opts)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.ManifestPath, "manifest", "m", "", "Manifest CSV of CT and segmentation series")
	flags.StringVarP(&opts.ImageRoot, "image-root", "i", "", "Directory the manifest's folder_CT and file_path_seg are relative to")
	flags.StringVar(&opts.ROIPattern, "roi-pattern", "", "Regular expression selecting RTSTRUCT ROIs by name")
	flags.StringVarP(&opts.ConfigPath, "config", "c", "", "Engine parameter file (defaults when empty)")
	flags.StringVarP(&opts.OutputPath, "output", "o", "", "Write the feature table to this CSV file")
	flags.StringVar(&opts.NegativeControl, "negative-control", "", "Negative control applied to every CT (e.g. shuffled_roi)")
	flags.BoolVar(&opts.Parallel, "parallel", false, "Process CT series in parallel")
	flags.IntVar(&opts.Workers, "workers", 0, "Number of parallel workers (default: all CPUs)")
	flags.StringVar(&opts.SubjectColumn, "subject-column", manifest.DefaultSubjectColumn, "Manifest column holding the subject ID")
	flags.StringVar(&opts.SQLitePath, "sqlite", "", "Also write features to this SQLite database")
	flags.StringVar(&opts.SnapshotDir, "snapshots", "", "Write a QC image of every extracted ROI to this directory")
	flags.StringVar(&opts.SnapshotWindow, "snapshot-window", "soft-tissue", "Display window of the QC images (soft-tissue or lung)")
	flags.StringVar(&opts.MetricsPath, "metrics", "", "Write run metrics to this Prometheus textfile")
	_ = cmd.MarkFlagRequired("manifest")
	_ = cmd.MarkFlagRequired("image-root")

	return cmd
}

// skipColumns lay out the skip report. Reasons wrap whole error chains, so
// they are cut to keep one line per pair.
var skipColumns = []column{
	{header: "Subject"},
	{header: "Segmentation"},
	{header: "ROI"},
	{header: "#", right: true},
	{header: "Stage"},
	{header: "Reason", maxWidth: 72},
}

func printBatchSummary(out io.Writer, res *batch.Result, opts batch.Options) {
	fmt.Fprintf(out, "Run %s: extracted %d ROI(s), skipped %d\n", res.RunID, res.Table.Len(), len(res.Skipped))
	if opts.OutputPath != "" {
		fmt.Fprintf(out, "Features written to %s\n", opts.OutputPath)
	}
	if opts.SQLitePath != "" {
		fmt.Fprintf(out, "Features stored in %s\n", opts.SQLitePath)
	}
	if len(res.Skipped) == 0 {
		return
	}

	rows := make([][]string, 0, len(res.Skipped))
	for _, s := range res.Skipped {
		number := ""
		if s.ROINumber > 0 {
			number = strconv.Itoa(s.ROINumber)
		}
		rows = append(rows, []string{s.SubjectID, s.SeriesSeg, s.ROI, number, string(s.Stage), s.Reason})
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, renderTable(skipColumns, rows))
}
