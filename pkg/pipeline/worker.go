package pipeline

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/streamduck/streamduck/pkg/assembler"
	"github.com/streamduck/streamduck/pkg/checkpoint"
	"github.com/streamduck/streamduck/pkg/event"
	"github.com/streamduck/streamduck/pkg/ingest"
	"github.com/streamduck/streamduck/pkg/retry"
	"github.com/streamduck/streamduck/pkg/source"
	"github.com/streamduck/streamduck/pkg/trace"
)

// WorkerState tracks a worker through its lifecycle.
type WorkerState int32

const (
	StateInitializing WorkerState = iota
	StateRunning
	StateDraining
	StateClosed
	StateFailed
)

func (s WorkerState) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "failed"
	}
}

// FatalError carries everything the operator needs when a worker gives
// up: which partition, after how many attempts, and the last sequence
// that made it to a checkpoint.
type FatalError struct {
	Mapping   string
	Partition string
	Decision  retry.DecisionKind
	LastSaved int64
	Attempts  int
	Err       error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("worker failed: mapping=%s partition=%s decision=%s last_saved_sequence=%d attempts=%d: %v",
		e.Mapping, e.Partition, e.Decision, e.LastSaved, e.Attempts, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// drainGrace bounds the final flush after cancellation. The orchestrator
// abandons workers past its own drain deadline, so this only has to be
// generous enough for one send+ack+save round trip.
const drainGrace = 25 * time.Second

// Worker owns one (consumer group, partition): it seeds from the
// checkpoint, receives, assembles, ingests, and advances the
// checkpoint. One batch in flight at a time, so partition order is
// preserved end to end.
type Worker struct {
	mapping   Mapping
	partition string

	store  checkpoint.Store
	client ingest.Client
	opener source.Opener
	policy retry.Policy
	tracer trace.Tracer
	stats  *MappingStats

	// clientID salts row ids and tags checkpoint metadata.
	clientID string

	state     atomic.Int32
	lastSaved atomic.Int64

	receiver source.Receiver
	channel  ingest.Channel
	asm      *assembler.Assembler

	// recvFailures counts consecutive broker receive failures so the
	// policy can give up on a dead cursor.
	recvFailures int
}

func NewWorker(mapping Mapping, partition string, store checkpoint.Store, client ingest.Client,
	opener source.Opener, policy retry.Policy, tracer trace.Tracer, stats *MappingStats, clientID string) *Worker {

	mapping = mapping.withDefaults()
	w := &Worker{
		mapping:   mapping,
		partition: partition,
		store:     store,
		client:    client,
		opener:    opener,
		policy:    policy,
		tracer:    tracer,
		stats:     stats,
		clientID:  clientID,
		asm:       assembler.New(mapping.MaxBatchSize, mapping.MaxWait),
	}
	w.lastSaved.Store(-1)
	return w
}

func (w *Worker) State() WorkerState {
	return WorkerState(w.state.Load())
}

func (w *Worker) setState(s WorkerState) {
	w.state.Store(int32(s))
}

// Run executes the worker loop until cancellation or a fatal error.
// Cancellation drains in-flight events and returns nil; fatal errors
// return a *FatalError.
func (w *Worker) Run(ctx context.Context) error {
	defer w.closeResources()

	if err := w.start(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			w.setState(StateClosed)
			return nil
		}
		w.setState(StateFailed)
		return w.fatal(retry.Fatal, 0, err)
	}

	w.setState(StateRunning)
	log.Printf("Worker running: %s partition %s", w.mapping.Name(), w.partition)

	for {
		if ctx.Err() != nil {
			return w.drain()
		}

		batch, ok, err := w.nextBatch(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return w.drain()
			}
			w.setState(StateFailed)
			return err
		}
		if !ok {
			continue
		}

		if err := w.ingestBatch(ctx, batch); err != nil {
			if errors.Is(err, context.Canceled) {
				// Cancelled mid-batch: the drain path re-sends what is
				// still buffered; the in-flight batch was not
				// checkpointed and will be re-ingested on restart.
				return w.drain()
			}
			w.setState(StateFailed)
			return err
		}
	}
}

// start seeds the cursor from the checkpoint and opens the channel.
func (w *Worker) start(ctx context.Context) error {
	w.setState(StateInitializing)

	records, err := w.store.LoadAll(ctx, w.mapping.Namespace, w.mapping.Hub, w.mapping.CheckpointTarget())
	if err != nil {
		return errors.Wrap(err, "loading checkpoint")
	}

	start := w.mapping.StartPosition
	if rec, ok := records[w.partition]; ok {
		start = source.AfterSequence(rec.Waterlevel)
		w.lastSaved.Store(rec.Waterlevel)
		log.Printf("Resuming %s partition %s after sequence %d",
			w.mapping.Name(), w.partition, rec.Waterlevel)
	}

	w.receiver, err = w.opener.OpenPartition(ctx, w.partition, start)
	if err != nil {
		return errors.Wrapf(err, "opening partition %s", w.partition)
	}

	w.channel, err = w.client.Open(ctx, w.partition)
	if err != nil {
		return errors.Wrapf(err, "opening ingest channel for partition %s", w.partition)
	}

	return nil
}

// nextBatch receives until the assembler signals ready. Returns ok=false
// when a poll round ended with nothing ready yet.
func (w *Worker) nextBatch(ctx context.Context) (event.Batch, bool, error) {
	room := w.mapping.MaxBatchSize - w.asm.Len()
	if room <= 0 {
		// Buffer already full: stop reading until the batch ships.
		batch, ok := w.asm.Take()
		return batch, ok, nil
	}

	events, err := w.receiver.Receive(ctx, room, w.mapping.PollWait)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return event.Batch{}, false, err
		}
		return event.Batch{}, false, w.receiveRetry(ctx, err)
	}
	w.recvFailures = 0

	ready := false
	for _, ev := range events {
		ready = w.asm.Add(ev)
	}
	if !ready && !w.asm.Ready() {
		return event.Batch{}, false, nil
	}

	batch, ok := w.asm.Take()
	return batch, ok, nil
}

// receiveRetry consults the policy on a broker failure. Broker errors
// are retried in place by sleeping and letting the loop poll again; a
// fatal classification stops the worker.
func (w *Worker) receiveRetry(ctx context.Context, err error) error {
	w.recvFailures++
	decision := w.policy.Classify(err, w.recvFailures, 0)
	if decision.Kind != retry.RetryAfter {
		return w.fatal(decision.Kind, w.recvFailures, err)
	}

	log.Printf("Broker receive failed on %s partition %s, retrying in %s: %v",
		w.mapping.Name(), w.partition, decision.Delay, err)
	w.stats.RecordRetry(w.partition)
	w.tracer.CounterAdd("worker.receive_retries", 1)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(decision.Delay):
		return nil
	}
}

// ingestBatch sends one batch and advances the checkpoint, retrying the
// same batch per policy. The checkpoint only moves after the durable
// ack, and only to the batch's last sequence.
func (w *Worker) ingestBatch(ctx context.Context, batch event.Batch) error {
	done := w.tracer.Span("worker.ingest_batch", trace.Attrs{
		"mapping":   w.mapping.Name(),
		"partition": w.partition,
		"count":     batch.Count,
	})
	defer done()

	started := time.Now()
	attempt := 0

	for {
		attempt++
		err := w.tryBatch(ctx, batch)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		decision := w.policy.Classify(err, attempt, time.Since(started))
		if decision.Kind != retry.RetryAfter {
			return w.fatal(decision.Kind, attempt, err)
		}

		log.Printf("Batch attempt %d failed on %s partition %s, retrying in %s: %v",
			attempt, w.mapping.Name(), w.partition, decision.Delay, err)
		w.stats.RecordRetry(w.partition)
		w.tracer.CounterAdd("worker.batch_retries", 1)

		// A broken channel is abandoned and reopened before the retry.
		var ingErr *ingest.Error
		if errors.As(err, &ingErr) && ingErr.Temporary() {
			w.reopenChannel(ctx)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(decision.Delay):
		}
	}
}

// tryBatch is one send→durable-ack→checkpoint round trip.
func (w *Worker) tryBatch(ctx context.Context, batch event.Batch) error {
	if w.channel == nil {
		ch, err := w.client.Open(ctx, w.partition)
		if err != nil {
			return err
		}
		w.channel = ch
	}

	token, err := w.channel.Send(ctx, batch)
	if err != nil {
		return err
	}

	if err := w.channel.WaitDurable(ctx, token, w.mapping.AckTimeout); err != nil {
		return err
	}

	key := w.mapping.CheckpointKey(w.partition)
	meta := ingest.BatchMetadata(batch, w.clientID)
	if err := w.store.Save(ctx, key, batch.LastSequence, meta); err != nil {
		return err
	}

	w.lastSaved.Store(batch.LastSequence)
	w.stats.RecordBatch(batch)
	w.tracer.CounterAdd("worker.messages_ingested", int64(batch.Count))
	return nil
}

// drain finishes the buffered remainder after cancellation: flush,
// send, await the ack, checkpoint, close. Runs on a fresh context since
// the loop's context is already cancelled.
func (w *Worker) drain() error {
	w.setState(StateDraining)
	log.Printf("Draining %s partition %s", w.mapping.Name(), w.partition)

	ctx, cancel := context.WithTimeout(context.Background(), drainGrace)
	defer cancel()

	if w.receiver != nil {
		if err := w.receiver.Close(ctx); err != nil {
			log.Printf("Closing receiver for partition %s: %v", w.partition, err)
		}
		w.receiver = nil
	}

	if batch, ok := w.asm.FlushIfNonEmpty(); ok {
		if err := w.ingestBatch(ctx, batch); err != nil {
			w.setState(StateFailed)
			return w.fatal(retry.GiveUp, 1, errors.Wrap(err, "draining final batch"))
		}
		log.Printf("Drained %d events on %s partition %s (checkpoint %d)",
			batch.Count, w.mapping.Name(), w.partition, batch.LastSequence)
	}

	w.setState(StateClosed)
	return nil
}

// reopenChannel discards the current handle so the next attempt opens a
// fresh one.
func (w *Worker) reopenChannel(ctx context.Context) {
	if w.channel != nil {
		if err := w.channel.Close(ctx); err != nil {
			log.Printf("Closing broken channel for partition %s: %v", w.partition, err)
		}
		w.channel = nil
	}
}

func (w *Worker) closeResources() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if w.receiver != nil {
		_ = w.receiver.Close(ctx)
		w.receiver = nil
	}
	if w.channel != nil {
		_ = w.channel.Close(ctx)
		w.channel = nil
	}
}

func (w *Worker) fatal(kind retry.DecisionKind, attempts int, err error) *FatalError {
	return &FatalError{
		Mapping:   w.mapping.Name(),
		Partition: w.partition,
		Decision:  kind,
		LastSaved: w.lastSaved.Load(),
		Attempts:  attempts,
		Err:       err,
	}
}
