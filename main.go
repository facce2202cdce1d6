package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/streamduck/streamduck/internal/cli/runner"
	"github.com/streamduck/streamduck/pkg/pipeline"
)

func main() {
	// Define command line flags
	configFile := flag.String("config", "pipeline_config.yaml", "Path to pipeline configuration file")
	verbose := flag.Bool("verbose", false, "Verbose logging")
	flag.Parse()

	ctx, stop := pipeline.SignalContext(context.Background())
	defer stop()

	r := runner.New(runner.Options{
		ConfigFile: *configFile,
		Verbose:    *verbose,
	})

	if err := r.Run(ctx); err != nil {
		log.Printf("Pipeline finished with errors: %v", err)
	} else {
		log.Printf("Pipeline shut down cleanly")
	}

	os.Exit(r.ExitCode())
}
