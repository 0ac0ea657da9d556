package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"ctradiomics/internal/logging"
)

// commandContext carries state shared by every subcommand.
type commandContext struct {
	logLevel  string
	logFormat string
	logger    *slog.Logger
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "ctradiomics",
		Short:         "Radiomic feature extraction for CT series and their segmentations",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.New(logging.Options{
				Level:  ctx.logLevel,
				Format: ctx.logFormat,
				Output: cmd.ErrOrStderr(),
			})
			if err != nil {
				return err
			}
			ctx.logger = logger
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&ctx.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&ctx.logFormat, "log-format", "auto", "Log format (console, json, auto)")

	rootCmd.AddCommand(newBatchCommand(ctx))
	rootCmd.AddCommand(newExtractCommand(ctx))
	rootCmd.AddCommand(newConfigCommand())

	return rootCmd
}
