// Package assembler buffers events per partition until a size or age
// threshold makes a batch ready for ingestion.
package assembler

import (
	"time"

	"github.com/streamduck/streamduck/pkg/event"
)

// Assembler accumulates events for one partition. It is owned by a single
// worker and is not safe for concurrent use.
type Assembler struct {
	maxSize int
	maxWait time.Duration

	buf        []event.Event
	firstAdded time.Time
	now        func() time.Time
}

func New(maxSize int, maxWait time.Duration) *Assembler {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Assembler{
		maxSize: maxSize,
		maxWait: maxWait,
		buf:     make([]event.Event, 0, maxSize),
		now:     time.Now,
	}
}

// Add buffers ev and reports whether the buffer is ready to be taken:
// either maxSize events are buffered, or maxWait has elapsed since the
// first event of the current buffer arrived.
func (a *Assembler) Add(ev event.Event) bool {
	if len(a.buf) == 0 {
		a.firstAdded = a.now()
	}
	a.buf = append(a.buf, ev)
	return a.ready()
}

// Ready reports readiness without adding; used to catch the max-wait
// threshold firing between polls.
func (a *Assembler) Ready() bool {
	return a.ready()
}

func (a *Assembler) ready() bool {
	if len(a.buf) == 0 {
		return false
	}
	if len(a.buf) >= a.maxSize {
		return true
	}
	return a.now().Sub(a.firstAdded) >= a.maxWait
}

// Len returns the number of buffered events.
func (a *Assembler) Len() int {
	return len(a.buf)
}

// Take removes and returns the buffered events as a batch, resetting the
// assembler. Take on an empty assembler returns ok=false.
func (a *Assembler) Take() (event.Batch, bool) {
	return a.drain()
}

// FlushIfNonEmpty returns whatever is buffered regardless of thresholds.
// Used during drain on shutdown. An empty buffer yields ok=false.
func (a *Assembler) FlushIfNonEmpty() (event.Batch, bool) {
	return a.drain()
}

func (a *Assembler) drain() (event.Batch, bool) {
	if len(a.buf) == 0 {
		return event.Batch{}, false
	}
	events := a.buf
	a.buf = make([]event.Event, 0, a.maxSize)

	batch, err := event.NewBatch(events, a.now())
	if err != nil {
		// The assembler only accepts events in broker order for one
		// partition, so batch invariants hold by construction.
		panic(err)
	}
	return batch, true
}
