package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamduck/streamduck/pkg/checkpoint"
	"github.com/streamduck/streamduck/pkg/ingest"
	"github.com/streamduck/streamduck/pkg/source"
	"github.com/streamduck/streamduck/pkg/trace"
)

func memoryClientFactory(client *ingest.MemoryClient) ClientFactory {
	return func(ctx context.Context, mapping Mapping) (ingest.Client, error) {
		return client, nil
	}
}

// Multi-partition fairness: both partitions converge to checkpoint 100;
// no cross-partition ordering is asserted.
func TestSupervisorMultiPartitionConvergence(t *testing.T) {
	mapping := testMapping(10, 10*time.Second)

	broker := source.NewMemoryBroker("0", "1")
	for i := 0; i < 100; i++ {
		broker.Append("0", []byte(`{}`))
		broker.Append("1", []byte(`{}`))
	}

	store := checkpoint.NewMemoryStore()
	client := ingest.NewMemoryClient("proc")
	sup := NewSupervisor(mapping, store, broker, memoryClientFactory(client),
		fastPolicy(3), trace.Noop{}, "client-a")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.Eventually(t, func() bool {
		a, okA := store.Get(mapping.CheckpointKey("0"))
		b, okB := store.Get(mapping.CheckpointKey("1"))
		return okA && okB && a.Waterlevel == 100 && b.Waterlevel == 100
	}, 5*time.Second, 10*time.Millisecond, "both partitions reach checkpoint 100")

	assert.Equal(t, Healthy, sup.Health())

	cancel()
	require.NoError(t, <-done)

	assert.Len(t, client.Rows("0"), 100)
	assert.Len(t, client.Rows("1"), 100)

	snap := sup.Stats().Snapshot()
	assert.Equal(t, int64(200), snap.MessagesIngested)
	assert.Equal(t, int64(100), snap.Partitions["0"].LastSequence)
	assert.Equal(t, int64(100), snap.Partitions["1"].LastSequence)
}

// Permanent error isolates the mapping: A's ingest client fails on
// open, B proceeds; health reports A failed and B healthy; exit code 1.
func TestOrchestratorMappingIsolation(t *testing.T) {
	mappingA := testMapping(5, 10*time.Second)
	mappingA.Hub = "hub-a"
	mappingB := testMapping(5, 10*time.Second)
	mappingB.Hub = "hub-b"

	brokerA := source.NewMemoryBroker("0")
	brokerA.Append("0", []byte(`{}`))
	brokerB := source.NewMemoryBroker("0")
	for i := 0; i < 5; i++ {
		brokerB.Append("0", []byte(`{}`))
	}

	store := checkpoint.NewMemoryStore()

	failingFactory := func(ctx context.Context, mapping Mapping) (ingest.Client, error) {
		return nil, errors.New("pipe EVENTS_PIPE does not exist or not authorized")
	}
	clientB := ingest.NewMemoryClient("proc")

	supA := NewSupervisor(mappingA, store, brokerA, failingFactory, fastPolicy(3), trace.Noop{}, "a")
	supB := NewSupervisor(mappingB, store, brokerB, memoryClientFactory(clientB), fastPolicy(3), trace.Noop{}, "b")

	orch := NewOrchestrator([]*Supervisor{supA, supB}, 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- orch.Run(ctx) }()

	require.Eventually(t, func() bool {
		rec, ok := store.Get(mappingB.CheckpointKey("0"))
		return ok && rec.Waterlevel == 5
	}, 5*time.Second, 10*time.Millisecond, "mapping B keeps ingesting while A is failed")

	assert.Equal(t, Failed, supA.Health())
	assert.Equal(t, Healthy, supB.Health())
	assert.Equal(t, Failed, orch.Health(), "aggregate health is the worst mapping")

	cancel()
	err := <-done
	require.Error(t, err, "the failed mapping's error is surfaced")
	assert.Equal(t, ExitFailed, orch.ExitCode())
}

func TestOrchestratorCleanShutdownExitsZero(t *testing.T) {
	mapping := testMapping(1, 10*time.Second)
	broker := source.NewMemoryBroker("0")
	broker.Append("0", []byte(`{}`))

	store := checkpoint.NewMemoryStore()
	client := ingest.NewMemoryClient("proc")
	sup := NewSupervisor(mapping, store, broker, memoryClientFactory(client),
		fastPolicy(3), trace.Noop{}, "c")

	orch := NewOrchestrator([]*Supervisor{sup}, 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- orch.Run(ctx) }()

	require.Eventually(t, func() bool {
		rec, ok := store.Get(mapping.CheckpointKey("0"))
		return ok && rec.Waterlevel == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, ExitOK, orch.ExitCode())
	assert.Equal(t, Healthy, orch.Health())
}

func TestOrchestratorAbandonsSlowDrain(t *testing.T) {
	mapping := testMapping(10, time.Hour)
	broker := source.NewMemoryBroker("0")
	broker.Append("0", []byte(`{}`))

	store := checkpoint.NewMemoryStore()
	client := ingest.NewMemoryClient("proc")
	client.AckDelay = 10 * time.Second // drain flush stalls on the ack

	sup := NewSupervisor(mapping, store, broker, memoryClientFactory(client),
		fastPolicy(3), trace.Noop{}, "c")
	orch := NewOrchestrator([]*Supervisor{sup}, 100*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- orch.Run(ctx) }()

	// Let the worker buffer the event, then request shutdown.
	time.Sleep(150 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("orchestrator did not abandon the slow mapping")
	}

	assert.Equal(t, ExitFailed, orch.ExitCode(), "abandoned drain is not a clean shutdown")
}

func TestOrchestratorNoMappings(t *testing.T) {
	orch := NewOrchestrator(nil, time.Second)
	require.NoError(t, orch.Run(context.Background()))
	assert.Equal(t, ExitOK, orch.ExitCode())
	assert.Equal(t, Healthy, orch.Health())
}

func TestSupervisorFailsWhenBrokerHasNoPartitions(t *testing.T) {
	mapping := testMapping(5, time.Second)
	broker := source.NewMemoryBroker() // no partitions
	store := checkpoint.NewMemoryStore()
	client := ingest.NewMemoryClient("p")

	sup := NewSupervisor(mapping, store, broker, memoryClientFactory(client),
		fastPolicy(3), trace.Noop{}, "c")

	err := sup.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no partitions")
	assert.Equal(t, Failed, sup.Health())
}

func TestSupervisorWorkerFatalCancelsSiblings(t *testing.T) {
	mapping := testMapping(1, time.Second)
	broker := source.NewMemoryBroker("0", "1")
	broker.Append("0", []byte(`{}`))
	broker.Append("1", []byte(`{}`))

	store := checkpoint.NewMemoryStore()
	client := ingest.NewMemoryClient("p")
	// Partition 0 fails every send with a retryable error; partition 1 is fine.
	client.SendHook = func(partition string, attempt int) error {
		if partition == "0" {
			return &ingest.DurabilityTimeout{Partition: partition, OffsetToken: "1"}
		}
		return nil
	}

	// A single-attempt policy turns the first failure into give-up.
	sup := NewSupervisor(mapping, store, broker, memoryClientFactory(client),
		fastPolicy(1), trace.Noop{}, "c")

	err := sup.Run(context.Background())
	require.Error(t, err)

	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, "0", fatal.Partition)
	assert.Equal(t, Failed, sup.Health())
}
