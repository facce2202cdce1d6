package pipeline

import (
	"context"
	"log"
	"sync"

	"github.com/pkg/errors"

	"github.com/streamduck/streamduck/pkg/checkpoint"
	"github.com/streamduck/streamduck/pkg/ingest"
	"github.com/streamduck/streamduck/pkg/retry"
	"github.com/streamduck/streamduck/pkg/source"
	"github.com/streamduck/streamduck/pkg/trace"
)

// Health summarizes a mapping or the whole pipeline.
type Health int

const (
	Healthy Health = iota
	Degraded
	Failed
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	default:
		return "failed"
	}
}

// ClientFactory builds the mapping's ingest client at startup. Injected
// so the harness can substitute an in-memory client.
type ClientFactory func(ctx context.Context, mapping Mapping) (ingest.Client, error)

// Supervisor runs one mapping: it owns the ingest client, spawns one
// worker per broker partition, and aggregates stats and health.
type Supervisor struct {
	mapping       Mapping
	store         checkpoint.Store
	opener        source.Opener
	clientFactory ClientFactory
	policy        retry.Policy
	tracer        trace.Tracer
	clientID      string

	stats *MappingStats

	mu      sync.Mutex
	workers []*Worker
	failed  bool
}

func NewSupervisor(mapping Mapping, store checkpoint.Store, opener source.Opener,
	clientFactory ClientFactory, policy retry.Policy, tracer trace.Tracer, clientID string) *Supervisor {

	mapping = mapping.withDefaults()
	return &Supervisor{
		mapping:       mapping,
		store:         store,
		opener:        opener,
		clientFactory: clientFactory,
		policy:        policy,
		tracer:        tracer,
		clientID:      clientID,
		stats:         NewMappingStats(mapping.Name()),
	}
}

// Stats returns the live stats record for this mapping.
func (s *Supervisor) Stats() *MappingStats { return s.stats }

// Name returns the mapping identity.
func (s *Supervisor) Name() string { return s.mapping.Name() }

// Run starts the mapping and blocks until all workers finish. A fatal
// worker error cancels the mapping's siblings and is returned; other
// mappings are unaffected.
func (s *Supervisor) Run(ctx context.Context) error {
	log.Printf("Starting mapping: %s", s.mapping.Name())

	client, err := s.clientFactory(ctx, s.mapping)
	if err != nil {
		s.markFailed()
		return errors.Wrapf(err, "opening ingest client for %s", s.mapping.Name())
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), drainGrace)
		defer cancel()
		if err := client.Close(closeCtx); err != nil {
			log.Printf("Closing ingest client for %s: %v", s.mapping.Name(), err)
		}
	}()

	if err := s.store.EnsureTable(ctx); err != nil {
		s.markFailed()
		return errors.Wrapf(err, "ensuring control table for %s", s.mapping.Name())
	}

	partitions, err := s.opener.Partitions(ctx)
	if err != nil {
		s.markFailed()
		return errors.Wrapf(err, "enumerating partitions for %s", s.mapping.Name())
	}
	if len(partitions) == 0 {
		s.markFailed()
		return errors.Errorf("event hub %s/%s reports no partitions", s.mapping.Namespace, s.mapping.Hub)
	}

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	results := make(chan error, len(partitions))
	var wg sync.WaitGroup

	s.mu.Lock()
	for _, partition := range partitions {
		w := NewWorker(s.mapping, partition, s.store, client, s.opener, s.policy, s.tracer, s.stats, s.clientID)
		s.workers = append(s.workers, w)

		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			results <- w.Run(workerCtx)
		}(w)
	}
	s.mu.Unlock()

	s.stats.markRunning(true)
	defer s.stats.markRunning(false)

	log.Printf("Mapping %s running with %d partition workers", s.mapping.Name(), len(partitions))

	// Collect worker results. The first fatal error cancels the
	// mapping's remaining workers; they drain and report nil.
	var firstErr error
	for i := 0; i < len(partitions); i++ {
		if err := <-results; err != nil && firstErr == nil {
			firstErr = err
			s.markFailed()
			log.Printf("Worker failure cancels mapping %s: %v", s.mapping.Name(), err)
			cancelWorkers()
		}
	}
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}
	log.Printf("Mapping %s stopped", s.mapping.Name())
	return nil
}

func (s *Supervisor) markFailed() {
	s.mu.Lock()
	s.failed = true
	s.mu.Unlock()
}

// Health is healthy while every worker is running or draining, degraded
// once any worker has failed, and failed after the supervisor stopped
// on an error.
func (s *Supervisor) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failed {
		return Failed
	}

	for _, w := range s.workers {
		if w.State() == StateFailed {
			return Degraded
		}
	}
	return Healthy
}
