package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"ctradiomics/pkg/config"
	"ctradiomics/pkg/radiomics"
)

func newConfigCommand() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Engine parameter file utilities",
	}

	configCmd.AddCommand(newConfigInitCommand())
	configCmd.AddCommand(newConfigValidateCommand())

	return configCmd
}

func newConfigInitCommand() *cobra.Command {
	var targetPath string
	var overwrite bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default parameter file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !overwrite {
				if _, err := os.Stat(targetPath); err == nil {
					return fmt.Errorf("parameter file already exists at %s (use --overwrite to replace it)", targetPath)
				} else if !os.IsNotExist(err) {
					return fmt.Errorf("check parameter file path: %w", err)
				}
			}

			if err := config.CreateDefaultConfigFile(targetPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote default parameter file to %s\n", targetPath)
			return nil
		},
	}

	cmd.Flags().StringVarP(&targetPath, "path", "p", "params.yaml", "Destination for the parameter file")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Overwrite an existing parameter file")
	return cmd
}

func newConfigValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <path>",
		Short: "Check that a parameter file loads and names known features",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(args[0])
			if err != nil {
				return err
			}
			engine, err := radiomics.NewExtractor(cfg)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is valid: %d features enabled\n", args[0], len(engine.FeatureNames()))
			return nil
		},
	}
}
