package event

import (
	"time"

	"github.com/pkg/errors"
)

// Batch is an ordered run of events from a single partition. LastSequence
// is the candidate checkpoint: the sequence number of the final event.
type Batch struct {
	Events        []Event
	PartitionID   string
	LastSequence  int64
	Count         int
	FirstEnqueued time.Time
	LastEnqueued  time.Time
	AssembledAt   time.Time
}

// NewBatch builds a batch from events and validates its invariants:
// non-empty, single partition, strictly increasing sequence numbers.
func NewBatch(events []Event, assembledAt time.Time) (Batch, error) {
	if len(events) == 0 {
		return Batch{}, errors.New("batch must contain at least one event")
	}

	partition := events[0].PartitionID
	prev := events[0].SequenceNumber
	first := events[0].EnqueuedTime
	last := events[0].EnqueuedTime

	for i, ev := range events[1:] {
		if ev.PartitionID != partition {
			return Batch{}, errors.Errorf("event %d belongs to partition %s, batch is for %s",
				i+1, ev.PartitionID, partition)
		}
		if ev.SequenceNumber <= prev {
			return Batch{}, errors.Errorf("sequence numbers must strictly increase: %d after %d",
				ev.SequenceNumber, prev)
		}
		prev = ev.SequenceNumber
		if ev.EnqueuedTime.Before(first) {
			first = ev.EnqueuedTime
		}
		if ev.EnqueuedTime.After(last) {
			last = ev.EnqueuedTime
		}
	}

	return Batch{
		Events:        events,
		PartitionID:   partition,
		LastSequence:  events[len(events)-1].SequenceNumber,
		Count:         len(events),
		FirstEnqueued: first,
		LastEnqueued:  last,
		AssembledAt:   assembledAt,
	}, nil
}

// SizeBytes returns the summed payload size, used for ingest statistics.
func (b Batch) SizeBytes() int64 {
	var n int64
	for _, ev := range b.Events {
		n += int64(len(ev.Body))
	}
	return n
}
