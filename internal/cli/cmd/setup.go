package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/streamduck/streamduck/internal/cli/runner"
	"github.com/streamduck/streamduck/pkg/checkpoint"
)

var setupCmd = &cobra.Command{
	Use:   "setup [config file]",
	Short: "Create the checkpoint control table",
	Long:  "Connect to Snowflake and create the INGESTION_STATUS hybrid table if it does not exist",
	Args:  cobra.ExactArgs(1),
	RunE:  runSetup,
}

func init() {
	rootCmd.AddCommand(setupCmd)
}

func runSetup(cmd *cobra.Command, args []string) error {
	r := runner.New(runner.Options{ConfigFile: args[0], Verbose: verbose})
	cfg, err := r.Validate()
	if err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	fmt.Println(color.YellowString("Creating control table %s.%s.%s",
		cfg.Control.Database, cfg.Control.Schema, cfg.Control.Table))

	store, err := checkpoint.NewSnowflakeStore(cfg.Profile(), checkpoint.Location{
		DB:     cfg.Control.Database,
		Schema: cfg.Control.Schema,
		Table:  cfg.Control.Table,
	}, 10*time.Second)
	if err != nil {
		return fmt.Errorf("connecting to Snowflake: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := store.EnsureTable(ctx); err != nil {
		return fmt.Errorf("creating control table: %w", err)
	}

	fmt.Println(color.GreenString("Control table ready"))
	return nil
}
