// Package runner assembles a configured pipeline from its real
// components and runs it to completion.
package runner

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/streamduck/streamduck/internal/config"
	"github.com/streamduck/streamduck/pkg/checkpoint"
	"github.com/streamduck/streamduck/pkg/ingest"
	"github.com/streamduck/streamduck/pkg/pipeline"
	"github.com/streamduck/streamduck/pkg/retry"
	"github.com/streamduck/streamduck/pkg/snowauth"
	"github.com/streamduck/streamduck/pkg/source"
	"github.com/streamduck/streamduck/pkg/trace"
)

type Options struct {
	ConfigFile string
	Verbose    bool
}

type Runner struct {
	opts     Options
	exitCode int
}

func New(opts Options) *Runner {
	return &Runner{opts: opts}
}

// Validate loads and validates the configuration without touching any
// external service.
func (r *Runner) Validate() (*config.Config, error) {
	return config.Load(r.opts.ConfigFile)
}

// ExitCode is the process exit status after Run returns.
func (r *Runner) ExitCode() int { return r.exitCode }

// Run builds the orchestrator from the configuration and blocks until
// shutdown completes or every mapping has failed.
func (r *Runner) Run(ctx context.Context) error {
	cfg, err := config.Load(r.opts.ConfigFile)
	if err != nil {
		r.exitCode = pipeline.ExitFailed
		return err
	}
	log.Printf("Configuration loaded: %s", cfg.Summary())

	var tracer trace.Tracer = trace.Noop{}
	if r.opts.Verbose {
		tracer = trace.NewLog()
	}

	profile := cfg.Profile()
	store, err := checkpoint.NewSnowflakeStore(profile, checkpoint.Location{
		DB:     cfg.Control.Database,
		Schema: cfg.Control.Schema,
		Table:  cfg.Control.Table,
	}, 10*time.Second)
	if err != nil {
		r.exitCode = pipeline.ExitFailed
		return errors.Wrap(err, "connecting checkpoint store")
	}
	defer store.Close()

	policy := retry.NewExponentialBackoff(
		cfg.Retry.MaxAttempts,
		time.Duration(cfg.Retry.BaseDelaySeconds)*time.Second,
		time.Duration(cfg.Retry.MaxDelaySeconds)*time.Second,
	)

	// Short suffix salts channel names and row ids per process run.
	processSuffix := uuid.NewString()[:8]
	clientID := fmt.Sprintf("streamduck_%s", processSuffix)

	mappings := cfg.PipelineMappings()
	supervisors := make([]*pipeline.Supervisor, 0, len(mappings))
	for i, mapping := range mappings {
		mappingCfg := cfg.Mappings[i]

		opener, err := source.NewEventHubOpener(source.EventHubConfig{
			Namespace:        mappingCfg.SourceNamespace,
			Hub:              mappingCfg.SourceHub,
			ConsumerGroup:    mappingCfg.ConsumerGroup,
			ConnectionString: mappingCfg.ConnectionString,
			Prefetch:         int32(cfg.Pipeline.Prefetch),
		})
		if err != nil {
			r.exitCode = pipeline.ExitFailed
			return errors.Wrapf(err, "connecting to event hub %s", mappingCfg.SourceHub)
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			opener.Close(closeCtx)
		}()

		factory := snowflakeClientFactory(profile, processSuffix, tracer)
		supervisors = append(supervisors,
			pipeline.NewSupervisor(mapping, store, opener, factory, policy, tracer, clientID))
	}

	orch := pipeline.NewOrchestrator(supervisors, cfg.DrainDeadline())
	runErr := orch.Run(ctx)
	r.exitCode = orch.ExitCode()

	for _, snap := range orch.Snapshots() {
		log.Printf("Mapping %s: %d messages in %d batches (%d bytes)",
			snap.Name, snap.MessagesIngested, snap.BatchesIngested, snap.BytesIngested)
	}
	log.Printf("Pipeline health at exit: %s", orch.Health())

	return runErr
}

func snowflakeClientFactory(profile snowauth.Profile, suffix string, tracer trace.Tracer) pipeline.ClientFactory {
	return func(ctx context.Context, mapping pipeline.Mapping) (ingest.Client, error) {
		return ingest.NewSnowflakeClient(profile, ingest.PipeTarget{
			Database: mapping.TargetDB,
			Schema:   mapping.TargetSchema,
			Pipe:     mapping.PipeName,
			Table:    mapping.TargetTable,
		}, suffix, tracer)
	}
}
