package source

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/streamduck/streamduck/pkg/event"
)

// MemoryBroker is an in-memory Opener for the end-to-end harness. Each
// partition holds a pre-seeded or appended slice of events; cursors
// honor StartPosition against it.
type MemoryBroker struct {
	mu         sync.Mutex
	partitions map[string][]event.Event
	closed     bool
}

func NewMemoryBroker(partitionIDs ...string) *MemoryBroker {
	b := &MemoryBroker{partitions: make(map[string][]event.Event)}
	for _, id := range partitionIDs {
		b.partitions[id] = nil
	}
	return b
}

// Append enqueues an event with the next sequence number on a
// partition, creating the partition if needed.
func (b *MemoryBroker) Append(partitionID string, body []byte) event.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	seq := int64(1)
	if evs := b.partitions[partitionID]; len(evs) > 0 {
		seq = evs[len(evs)-1].SequenceNumber + 1
	}
	ev := event.Event{
		Body:           body,
		PartitionID:    partitionID,
		SequenceNumber: seq,
		Offset:         strconv.FormatInt(seq*64, 10),
		EnqueuedTime:   time.Now(),
	}
	b.partitions[partitionID] = append(b.partitions[partitionID], ev)
	return ev
}

func (b *MemoryBroker) Partitions(ctx context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := make([]string, 0, len(b.partitions))
	for id := range b.partitions {
		ids = append(ids, id)
	}
	return ids, nil
}

func (b *MemoryBroker) OpenPartition(ctx context.Context, partitionID string, start StartPosition) (Receiver, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errors.New("broker closed")
	}
	if _, ok := b.partitions[partitionID]; !ok {
		return nil, errors.Errorf("unknown partition %s", partitionID)
	}

	after := int64(-1)
	switch {
	case start.AfterSequence >= 0:
		after = start.AfterSequence
	case start.Latest:
		if evs := b.partitions[partitionID]; len(evs) > 0 {
			after = evs[len(evs)-1].SequenceNumber
		}
	}

	return &memoryReceiver{broker: b, partition: partitionID, after: after}, nil
}

func (b *MemoryBroker) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

type memoryReceiver struct {
	broker    *MemoryBroker
	partition string
	after     int64
	closed    bool
}

func (r *memoryReceiver) Receive(ctx context.Context, max int, wait time.Duration) ([]event.Event, error) {
	deadline := time.Now().Add(wait)
	for {
		if r.closed {
			return nil, errors.New("receiver closed")
		}

		r.broker.mu.Lock()
		var out []event.Event
		for _, ev := range r.broker.partitions[r.partition] {
			if ev.SequenceNumber > r.after {
				out = append(out, ev)
				if len(out) == max {
					break
				}
			}
		}
		if len(out) > 0 {
			r.after = out[len(out)-1].SequenceNumber
		}
		r.broker.mu.Unlock()

		if len(out) > 0 || time.Now().After(deadline) {
			return out, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (r *memoryReceiver) Close(ctx context.Context) error {
	r.closed = true
	return nil
}
