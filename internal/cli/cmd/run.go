package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/streamduck/streamduck/internal/cli/runner"
	"github.com/streamduck/streamduck/pkg/pipeline"
)

var (
	// dryRun flag for validation only
	dryRun bool

	runCmd = &cobra.Command{
		Use:   "run [config file]",
		Short: "Run the ingestion pipeline from configuration",
		Long:  "Stream every configured Event Hub mapping into Snowflake until interrupted",
		Args:  cobra.ExactArgs(1),
		Example: `  streamctl run pipeline.yaml
  streamctl run config/production.yaml
  streamctl run --dry-run pipeline.yaml`,
		RunE: runPipeline,
	}
)

func init() {
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Validate configuration without running the pipeline")
	rootCmd.AddCommand(runCmd)
}

func runPipeline(cmd *cobra.Command, args []string) error {
	configFile := args[0]

	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		return fmt.Errorf("configuration file not found: %s", configFile)
	}

	r := runner.New(runner.Options{
		ConfigFile: configFile,
		Verbose:    verbose,
	})

	// If dry-run, only validate the configuration
	if dryRun {
		fmt.Println(color.YellowString("Validating pipeline configuration from %s", configFile))

		cfg, err := r.Validate()
		if err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}

		fmt.Println(color.GreenString("Configuration is valid: %s", cfg.Summary()))
		return nil
	}

	fmt.Println(color.GreenString("Starting pipeline from %s", configFile))

	// First signal drains, second forces exit.
	ctx, cancel := pipeline.SignalContext(context.Background())
	defer cancel()

	if err := r.Run(ctx); err != nil {
		fmt.Println(color.RedString("Pipeline finished with errors: %v", err))
		os.Exit(r.ExitCode())
	}

	fmt.Println(color.GreenString("Pipeline shut down cleanly"))
	return nil
}
