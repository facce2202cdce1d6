package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamduck/streamduck/pkg/checkpoint"
	"github.com/streamduck/streamduck/pkg/ingest"
	"github.com/streamduck/streamduck/pkg/retry"
	"github.com/streamduck/streamduck/pkg/source"
	"github.com/streamduck/streamduck/pkg/trace"
)

func testMapping(maxBatch int, maxWait time.Duration) Mapping {
	return Mapping{
		Namespace:     "ns.servicebus.windows.net",
		Hub:           "telemetry",
		ConsumerGroup: "$Default",
		TargetDB:      "ANALYTICS",
		TargetSchema:  "RAW",
		TargetTable:   "EVENTS",
		PipeName:      "EVENTS_PIPE",
		MaxBatchSize:  maxBatch,
		MaxWait:       maxWait,
		PollWait:      20 * time.Millisecond,
		AckTimeout:    time.Second,
		StartPosition: source.Earliest(),
	}
}

func fastPolicy(maxAttempts int) retry.Policy {
	return retry.NewExponentialBackoff(maxAttempts, time.Millisecond, 10*time.Millisecond)
}

type workerHarness struct {
	mapping Mapping
	broker  *source.MemoryBroker
	client  *ingest.MemoryClient
	store   *checkpoint.MemoryStore
	stats   *MappingStats
	worker  *Worker
}

func newWorkerHarness(t *testing.T, mapping Mapping, partition string) *workerHarness {
	t.Helper()
	h := &workerHarness{
		mapping: mapping,
		broker:  source.NewMemoryBroker(partition),
		client:  ingest.NewMemoryClient("test-proc"),
		store:   checkpoint.NewMemoryStore(),
		stats:   NewMappingStats(mapping.Name()),
	}
	h.worker = NewWorker(mapping, partition, h.store, h.client, h.broker,
		fastPolicy(3), trace.Noop{}, h.stats, "client-test")
	return h
}

func (h *workerHarness) waterlevel(partition string) (int64, bool) {
	rec, ok := h.store.Get(h.mapping.CheckpointKey(partition))
	return rec.Waterlevel, ok
}

// Single partition, clean run: five events with max_batch_size 3 yield
// one full batch immediately and the remainder on shutdown flush.
// Checkpoint transitions none -> 3 -> 5.
func TestWorkerSinglePartitionCleanRun(t *testing.T) {
	h := newWorkerHarness(t, testMapping(3, 10*time.Second), "0")
	for i := 0; i < 5; i++ {
		h.broker.Append("0", []byte(fmt.Sprintf(`{"n":%d}`, i+1)))
	}

	_, ok := h.waterlevel("0")
	require.False(t, ok, "no checkpoint before first ingest")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.worker.Run(ctx) }()

	require.Eventually(t, func() bool {
		level, ok := h.waterlevel("0")
		return ok && level == 3
	}, 2*time.Second, 5*time.Millisecond, "first full batch checkpoints at 3")
	assert.Len(t, h.client.Rows("0"), 3)

	cancel()
	require.NoError(t, <-done)

	level, ok := h.waterlevel("0")
	require.True(t, ok)
	assert.Equal(t, int64(5), level, "shutdown flush checkpoints the remainder")
	assert.Len(t, h.client.Rows("0"), 5)
	assert.Equal(t, StateClosed, h.worker.State())

	snap := h.stats.Snapshot()
	assert.Equal(t, int64(5), snap.MessagesIngested)
	assert.Equal(t, int64(2), snap.BatchesIngested)
}

// Transient ingest error: the first send fails, the second succeeds,
// and the same batch lands exactly once past the failure.
func TestWorkerRetriesTransientSendError(t *testing.T) {
	h := newWorkerHarness(t, testMapping(3, 10*time.Second), "0")
	h.client.SendHook = func(partition string, attempt int) error {
		if attempt == 1 {
			return errors.New("connection reset by peer")
		}
		return nil
	}

	for i := 0; i < 3; i++ {
		h.broker.Append("0", []byte(`{}`))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.worker.Run(ctx) }()

	require.Eventually(t, func() bool {
		level, ok := h.waterlevel("0")
		return ok && level == 3
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, int64(1), h.stats.Retries(), "one retry recorded")
	assert.Len(t, h.client.Rows("0"), 3)
}

// Crash between ack and save: the ack arrived but every save fails, so
// the worker gives up with no checkpoint written. A restart from
// earliest re-ingests the events (duplicates allowed); a restart from
// latest loses them by design.
func TestWorkerCrashBetweenAckAndSave(t *testing.T) {
	mapping := testMapping(3, 10*time.Second)

	h := newWorkerHarness(t, mapping, "0")
	h.store.SaveHook = func(key checkpoint.Key, waterlevel int64) error {
		return errors.New("control table unreachable")
	}
	for i := 0; i < 3; i++ {
		h.broker.Append("0", []byte(`{}`))
	}

	err := h.worker.Run(context.Background())
	require.Error(t, err)

	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, retry.GiveUp, fatal.Decision)
	assert.Equal(t, int64(-1), fatal.LastSaved)
	assert.Equal(t, StateFailed, h.worker.State())

	_, ok := h.waterlevel("0")
	require.False(t, ok, "no checkpoint row after the crash")

	// Restart from earliest: events 1-3 re-ingest and checkpoint
	// monotonicity holds (absent -> 3).
	h.store.SaveHook = nil
	restartClient := ingest.NewMemoryClient("test-proc")
	restarted := NewWorker(mapping, "0", h.store, restartClient, h.broker,
		fastPolicy(3), trace.Noop{}, h.stats, "client-test")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- restarted.Run(ctx) }()

	require.Eventually(t, func() bool {
		level, ok := h.waterlevel("0")
		return ok && level == 3
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	rows := restartClient.Rows("0")
	require.Len(t, rows, 3, "duplicates of 1-3 are expected, loss is not")
	assert.Equal(t, int64(1), rows[0].SequenceNumber)
}

func TestWorkerCrashThenRestartFromLatestSkips(t *testing.T) {
	mapping := testMapping(3, 10*time.Second)
	mapping.StartPosition = source.Latest()

	broker := source.NewMemoryBroker("0")
	for i := 0; i < 3; i++ {
		broker.Append("0", []byte(`{}`))
	}

	store := checkpoint.NewMemoryStore()
	client := ingest.NewMemoryClient("p")
	w := NewWorker(mapping, "0", store, client, broker,
		fastPolicy(3), trace.Noop{}, NewMappingStats(mapping.Name()), "c")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, w.Run(ctx))

	assert.Empty(t, client.Rows("0"), "latest start never sees the backlog")
	_, ok := store.Get(mapping.CheckpointKey("0"))
	assert.False(t, ok)
}

// Graceful shutdown drains in-flight events below the batch threshold.
func TestWorkerDrainFlushesPartialBatch(t *testing.T) {
	h := newWorkerHarness(t, testMapping(10, time.Hour), "0")
	h.broker.Append("0", []byte(`{"n":1}`))
	h.broker.Append("0", []byte(`{"n":2}`))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.worker.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(h.client.Rows("0")) == 0 && h.worker.State() == StateRunning
	}, time.Second, 5*time.Millisecond, "events stay buffered below the threshold")

	// Give the worker a poll cycle to pull both events in.
	time.Sleep(100 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	level, ok := h.waterlevel("0")
	require.True(t, ok)
	assert.Equal(t, int64(2), level)
	assert.Len(t, h.client.Rows("0"), 2)
	assert.Equal(t, StateClosed, h.worker.State())
}

// A permanent ingest failure stops the worker without retries.
func TestWorkerPermanentErrorIsFatal(t *testing.T) {
	h := newWorkerHarness(t, testMapping(1, time.Second), "0")
	h.client.OpenErr = errors.New("pipe deleted")
	h.broker.Append("0", []byte(`{}`))

	err := h.worker.Run(context.Background())
	require.Error(t, err)

	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, StateFailed, h.worker.State())
	assert.Equal(t, int64(0), h.stats.Retries())
}

// Resume from an existing checkpoint skips already-ingested sequences.
func TestWorkerResumesAfterCheckpoint(t *testing.T) {
	mapping := testMapping(2, 10*time.Second)
	h := newWorkerHarness(t, mapping, "0")

	for i := 0; i < 4; i++ {
		h.broker.Append("0", []byte(`{}`))
	}
	require.NoError(t, h.store.Save(context.Background(), mapping.CheckpointKey("0"), 2, nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.worker.Run(ctx) }()

	require.Eventually(t, func() bool {
		level, _ := h.waterlevel("0")
		return level == 4
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	rows := h.client.Rows("0")
	require.Len(t, rows, 2)
	assert.Equal(t, int64(3), rows[0].SequenceNumber, "delivery resumes at waterlevel+1")
	assert.Equal(t, int64(4), rows[1].SequenceNumber)
}

// Per-partition order: rows land in strictly increasing sequence order.
func TestWorkerPreservesPartitionOrder(t *testing.T) {
	h := newWorkerHarness(t, testMapping(4, 10*time.Second), "0")
	for i := 0; i < 20; i++ {
		h.broker.Append("0", []byte(`{}`))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.worker.Run(ctx) }()

	require.Eventually(t, func() bool {
		level, _ := h.waterlevel("0")
		return level == 20
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	rows := h.client.Rows("0")
	require.Len(t, rows, 20)
	for i := 1; i < len(rows); i++ {
		assert.Greater(t, rows[i].SequenceNumber, rows[i-1].SequenceNumber)
	}
}
