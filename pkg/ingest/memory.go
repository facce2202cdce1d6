package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/streamduck/streamduck/pkg/event"
)

// MemoryClient is an in-memory Client used by the end-to-end harness.
// Rows land in an inspectable per-partition table; failures are injected
// through hooks.
type MemoryClient struct {
	mu       sync.Mutex
	channels map[string]*MemoryChannel
	closed   bool

	// OpenErr, when non-nil, fails every Open. Used to simulate
	// permanent client failures (missing PIPE, revoked auth).
	OpenErr error

	// SendHook runs before each send; returning an error fails that
	// send. Called with the partition and the attempt number for that
	// partition (1-based across all batches).
	SendHook func(partition string, attempt int) error

	// AckDelay delays durability confirmation.
	AckDelay time.Duration

	suffix string
	sends  map[string]int
}

func NewMemoryClient(processSuffix string) *MemoryClient {
	return &MemoryClient{
		channels: make(map[string]*MemoryChannel),
		suffix:   processSuffix,
		sends:    make(map[string]int),
	}
}

func (c *MemoryClient) Open(ctx context.Context, partitionID string) (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, permanentErr("open", partitionID, errors.New("client closed"))
	}
	if c.OpenErr != nil {
		return nil, permanentErr("open", partitionID, c.OpenErr)
	}
	if ch, ok := c.channels[partitionID]; ok && !ch.closed {
		return ch, nil
	}

	ch := &MemoryChannel{client: c, partition: partitionID}
	if old, ok := c.channels[partitionID]; ok {
		// Reopening after Close keeps the partition's ingested rows.
		ch.rows = old.rows
		ch.durableTo = old.durableTo
	}
	c.channels[partitionID] = ch
	return ch, nil
}

func (c *MemoryClient) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Rows returns a copy of everything ingested for a partition, in insert
// order.
func (c *MemoryClient) Rows(partition string) []Row {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.channels[partition]; ok {
		out := make([]Row, len(ch.rows))
		copy(out, ch.rows)
		return out
	}
	return nil
}

// MemoryChannel collects rows for one partition.
type MemoryChannel struct {
	client    *MemoryClient
	partition string

	rows      []Row
	durableTo int64
	pending   int64
	closed    bool
}

func (ch *MemoryChannel) Send(ctx context.Context, batch event.Batch) (AckToken, error) {
	c := ch.client
	c.mu.Lock()
	defer c.mu.Unlock()

	if ch.closed {
		return AckToken{}, permanentErr("send", ch.partition, errors.New("channel closed"))
	}

	c.sends[ch.partition]++
	if hook := c.SendHook; hook != nil {
		if err := hook(ch.partition, c.sends[ch.partition]); err != nil {
			// Hooks hand back classified ingest errors; anything else
			// is treated as a transient network blip.
			var classified *Error
			if errors.As(err, &classified) {
				return AckToken{}, err
			}
			return AckToken{}, transientErr("send", ch.partition, err)
		}
	}

	for _, ev := range batch.Events {
		ch.rows = append(ch.rows, SerializeRow(ev, c.suffix))
	}
	ch.pending = batch.LastSequence

	return AckToken{OffsetToken: OffsetToken(batch.LastSequence), LastSequence: batch.LastSequence}, nil
}

func (ch *MemoryChannel) WaitDurable(ctx context.Context, token AckToken, deadline time.Duration) error {
	if d := ch.client.AckDelay; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	ch.client.mu.Lock()
	defer ch.client.mu.Unlock()
	if ch.pending >= token.LastSequence {
		ch.durableTo = token.LastSequence
		return nil
	}
	return &DurabilityTimeout{Partition: ch.partition, OffsetToken: token.OffsetToken}
}

func (ch *MemoryChannel) Close(ctx context.Context) error {
	ch.client.mu.Lock()
	defer ch.client.mu.Unlock()
	ch.closed = true
	return nil
}

// DurableTo returns the highest sequence confirmed durable.
func (ch *MemoryChannel) DurableTo() int64 {
	ch.client.mu.Lock()
	defer ch.client.mu.Unlock()
	return ch.durableTo
}
