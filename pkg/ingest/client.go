// Package ingest moves batches into Snowflake through the streaming
// ingest PIPE, one channel per partition.
package ingest

import (
	"context"
	"time"

	"github.com/streamduck/streamduck/pkg/event"
)

// AckToken identifies a sent batch's position in the channel's stream.
// The batch is not durable until WaitDurable returns for its token.
type AckToken struct {
	// OffsetToken is the channel offset recorded with the batch; the
	// pipeline uses the batch's last sequence number rendered as a
	// decimal string.
	OffsetToken string

	// LastSequence mirrors the batch's candidate checkpoint.
	LastSequence int64
}

// Channel is a per-partition streaming session against a PIPE. A channel
// has a single owner (its partition's worker) and is not safe for
// concurrent use.
type Channel interface {
	// Send enqueues the batch into the server-side streaming buffer.
	// Returning without error does NOT mean durable.
	Send(ctx context.Context, batch event.Batch) (AckToken, error)

	// WaitDurable blocks until the server confirms the batch committed
	// to the PIPE, or deadline elapses.
	WaitDurable(ctx context.Context, token AckToken, deadline time.Duration) error

	// Close flushes pending rows and releases the channel.
	Close(ctx context.Context) error
}

// Client owns the channels opened against one account + PIPE. Open is
// idempotent and safe for concurrent use by a mapping's workers.
type Client interface {
	Open(ctx context.Context, partitionID string) (Channel, error)
	Close(ctx context.Context) error
}
