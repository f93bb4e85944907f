package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/config"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/logging"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/pipeline"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/shutdown"
)

var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "logexporter",
		Short:         "Tail log files and ship them to object storage or a log service",
		Version:       version,
		RunE:          runPipeline,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "Path to YAML or TOML configuration (default: environment only)")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Run the exporter until interrupted",
			RunE:  runPipeline,
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Load and validate the configuration",
			RunE:  runValidate,
		},
		&cobra.Command{
			Use:   "replay",
			Short: "Re-export batches from the dead letter directory",
			RunE:  runReplay,
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version)
			},
		},
	)
	return root
}

func loadConfig(cmd *cobra.Command) (*config.Config, *logging.Logger, error) {
	path, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}

	logger := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	logging.SetGlobal(logger)
	return cfg, logger, nil
}

func runPipeline(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := shutdown.SignalContext(context.Background())
	defer stop()

	logger.Info().Str("version", version).Msg("Starting logexporter")
	return pipeline.New(cfg, logger, pipeline.WithVersion(version)).Run(ctx)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "backend:     %s\n", cfg.Export.Type)
	fmt.Fprintf(out, "destination: %s\n", cfg.Export.Destination())
	fmt.Fprintf(out, "watch:       %s (*%s, %s)\n", cfg.Watch.Path, cfg.Watch.Suffix, cfg.Watch.Mode)
	fmt.Fprintf(out, "batch:       %d lines or %s\n", cfg.Batch.Size, cfg.Batch.FlushInterval)
	return nil
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := shutdown.SignalContext(context.Background())
	defer stop()

	res, err := pipeline.ReplayDeadLetters(ctx, cfg, afero.NewOsFs(), logger)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "replayed %d batches (%d lines), %d failed\n", res.Batches, res.Lines, res.Failed)
	if res.Failed > 0 {
		return fmt.Errorf("%d batches could not be replayed", res.Failed)
	}
	return nil
}
