// Package trace is the pipeline's observability seam. Components emit
// spans and counters to a Tracer; the default implementation discards
// them so the core carries no telemetry dependency.
package trace

import (
	"log"
	"sync"
)

// Attrs is the attribute bag attached to spans and events.
type Attrs map[string]interface{}

// Tracer receives structured observability signals from the pipeline.
type Tracer interface {
	// Span opens a named span and returns its closer.
	Span(name string, attrs Attrs) func()
	// Event records a point-in-time event.
	Event(name string, attrs Attrs)
	// CounterAdd increments a named counter.
	CounterAdd(name string, n int64)
}

// Noop discards everything.
type Noop struct{}

func (Noop) Span(string, Attrs) func() { return func() {} }
func (Noop) Event(string, Attrs)       {}
func (Noop) CounterAdd(string, int64)  {}

// Log writes spans and counters through the standard logger. Useful when
// debugging a deployment without an external sink.
type Log struct {
	mu       sync.Mutex
	counters map[string]int64
}

func NewLog() *Log {
	return &Log{counters: make(map[string]int64)}
}

func (l *Log) Span(name string, attrs Attrs) func() {
	log.Printf("span start: %s %v", name, attrs)
	return func() { log.Printf("span end: %s", name) }
}

func (l *Log) Event(name string, attrs Attrs) {
	log.Printf("event: %s %v", name, attrs)
}

func (l *Log) CounterAdd(name string, n int64) {
	l.mu.Lock()
	l.counters[name] += n
	total := l.counters[name]
	l.mu.Unlock()
	log.Printf("counter: %s += %d (total %d)", name, n, total)
}
