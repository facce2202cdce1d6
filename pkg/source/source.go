// Package source adapts the event broker behind interfaces the pipeline
// consumes: an Opener that enumerates partitions and a Receiver per
// partition.
package source

import (
	"context"
	"time"

	"github.com/streamduck/streamduck/pkg/event"
)

// StartPosition tells a partition cursor where to begin when no
// checkpoint exists, or after which sequence to resume when one does.
type StartPosition struct {
	Earliest bool
	Latest   bool

	// AfterSequence, when >= 0, resumes strictly after this sequence
	// number. Takes precedence over Earliest/Latest.
	AfterSequence int64
}

// Earliest reads the partition from its oldest retained event.
func Earliest() StartPosition { return StartPosition{Earliest: true, AfterSequence: -1} }

// Latest reads only events enqueued after the cursor opens.
func Latest() StartPosition { return StartPosition{Latest: true, AfterSequence: -1} }

// AfterSequence resumes delivery after seq, the checkpoint waterlevel.
func AfterSequence(seq int64) StartPosition { return StartPosition{AfterSequence: seq} }

// Receiver is an open cursor over one partition. A receiver has a single
// owner and is not safe for concurrent use.
type Receiver interface {
	// Receive returns up to max events, waiting at most wait for the
	// first one. An empty slice with nil error means the poll timed
	// out with nothing to read.
	Receive(ctx context.Context, max int, wait time.Duration) ([]event.Event, error)

	Close(ctx context.Context) error
}

// Opener discovers partitions and opens per-partition cursors. One
// opener per mapping; the partition set is read once at startup.
type Opener interface {
	Partitions(ctx context.Context) ([]string, error)
	OpenPartition(ctx context.Context, partitionID string, start StartPosition) (Receiver, error)
	Close(ctx context.Context) error
}

// ReceiveError wraps broker I/O failures so the retry policy can
// classify them as transient.
type ReceiveError struct {
	Partition string
	Err       error
}

func (e *ReceiveError) Error() string {
	return "broker receive failed on partition " + e.Partition + ": " + e.Err.Error()
}

func (e *ReceiveError) Unwrap() error   { return e.Err }
func (e *ReceiveError) Temporary() bool { return true }
