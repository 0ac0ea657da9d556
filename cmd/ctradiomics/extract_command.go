package main

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"ctradiomics/pkg/config"
	"ctradiomics/pkg/dicomio"
	"ctradiomics/pkg/extraction"
	"ctradiomics/pkg/negativecontrol"
	"ctradiomics/pkg/output"
	"ctradiomics/pkg/radiomics"
	"ctradiomics/pkg/visualization"
)

func newExtractCommand(ctx *commandContext) *cobra.Command {
	var (
		ctDir      string
		seriesUID  string
		segPath    string
		modality   string
		roiPattern string
		configPath string
		control    string
		slicesDir  string
		windowName string
	)

	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Extract features for the ROIs of one segmentation file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			engine, err := radiomics.NewExtractor(cfg)
			if err != nil {
				return err
			}
			kind, err := negativecontrol.Parse(control)
			if err != nil {
				return err
			}
			pattern, err := dicomio.CompileROIPattern(roiPattern)
			if err != nil {
				return err
			}
			window, err := visualization.ParseWindow(windowName)
			if err != nil {
				return err
			}

			ct, err := dicomio.LoadSeries(cmd.Context(), ctDir, seriesUID)
			if err != nil {
				return err
			}
			rois, err := dicomio.LoadSegmentation(cmd.Context(), segPath, modality, ct, pattern)
			if err != nil {
				return err
			}
			if len(rois) == 0 {
				return fmt.Errorf("segmentation %s has no matching ROIs", segPath)
			}

			extractor := extraction.New(engine, cfg.Setting.RandomSeed, ctx.logger)
			for _, roi := range rois {
				if roi.Err != nil {
					ctx.logger.Warn("skipping ROI", "roi", roi.Name, "error", roi.Err)
					continue
				}
				res, err := extractor.WithLogger(ctx.logger.With("roi", roi.Name)).Extract(ct, roi.Mask, kind)
				if err != nil {
					return fmt.Errorf("ROI %s: %w", roi.Name, err)
				}
				printFeatures(cmd.OutOrStdout(), roi.Name, res)
				if slicesDir != "" {
					if err := writeSlices(res, slicesDir, roi.Name, window); err != nil {
						return fmt.Errorf("ROI %s: %w", roi.Name, err)
					}
				}
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&ctDir, "ct", "", "Directory holding the CT series")
	flags.StringVar(&seriesUID, "series", "", "CT series instance UID (default: every image in the directory)")
	flags.StringVar(&segPath, "seg", "", "Segmentation file")
	flags.StringVar(&modality, "modality", "SEG", "Segmentation modality (SEG or RTSTRUCT)")
	flags.StringVar(&roiPattern, "roi-pattern", "", "Regular expression selecting RTSTRUCT ROIs by name")
	flags.StringVarP(&configPath, "config", "c", "", "Engine parameter file (defaults when empty)")
	flags.StringVar(&control, "negative-control", "", "Negative control applied to the CT")
	flags.StringVar(&slicesDir, "slices", "", "Write every axial slice of each cropped ROI to a subdirectory of this directory")
	flags.StringVar(&windowName, "window", "soft-tissue", "Display window of the written slices (soft-tissue or lung)")
	_ = cmd.MarkFlagRequired("ct")
	_ = cmd.MarkFlagRequired("seg")

	return cmd
}

// writeSlices saves the axial slices of the cropped pair under
// dir/<roi name>.
func writeSlices(res *extraction.Result, dir, roi string, window visualization.Window) error {
	viewer, err := visualization.NewViewer(res.Image, res.Mask, res.Label, window)
	if err != nil {
		return err
	}
	return viewer.SaveSliceSequence("z", filepath.Join(dir, sliceDirName(roi)))
}

// sliceDirName makes an ROI name safe to use as a directory name.
func sliceDirName(roi string) string {
	name := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' {
			return '_'
		}
		return r
	}, strings.TrimSpace(roi))
	if name == "" || name == "." || name == ".." {
		return "roi"
	}
	return name
}

func printFeatures(out io.Writer, roi string, res *extraction.Result) {
	rows := make([][]string, 0, res.Features.Len())
	for _, key := range res.Features.Keys() {
		v, _ := res.Features.Get(key)
		rows = append(rows, []string{key, output.FormatValue(v)})
	}
	fmt.Fprintf(out, "ROI %s: %s\n", roi, res)
	fmt.Fprintln(out, renderTable([]column{{header: "Feature"}, {header: "Value", right: true}}, rows))
}
