package ingest

import (
	"context"
	"fmt"
	"net"

	"github.com/pkg/errors"
)

// Error is a classified ingest failure. Transient failures are retried
// after reopening the channel; permanent ones stop the worker.
type Error struct {
	Op        string
	Partition string
	Err       error
	Permanent bool
}

func (e *Error) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("ingest %s failed (%s, partition %s): %v", e.Op, kind, e.Partition, e.Err)
}

func (e *Error) Unwrap() error   { return e.Err }
func (e *Error) Temporary() bool { return !e.Permanent }

func transientErr(op, partition string, err error) *Error {
	return &Error{Op: op, Partition: partition, Err: err}
}

func permanentErr(op, partition string, err error) *Error {
	return &Error{Op: op, Partition: partition, Err: err, Permanent: true}
}

// DurabilityTimeout reports that a sent batch's ack did not arrive in
// time. Retryable; on repeated occurrence the policy escalates.
type DurabilityTimeout struct {
	Partition   string
	OffsetToken string
}

func (e *DurabilityTimeout) Error() string {
	return fmt.Sprintf("durable ack timed out for partition %s at offset %s", e.Partition, e.OffsetToken)
}

func (e *DurabilityTimeout) Temporary() bool { return true }

// classifyHTTP maps a streaming API status code to transient/permanent.
// Throttling and server errors are worth retrying; client errors mean
// the request itself can never succeed (schema, auth, missing PIPE).
func classifyHTTP(status int) bool {
	switch {
	case status == 429:
		return false // transient: throttled
	case status >= 500:
		return false // transient: server side
	default:
		return true // permanent: 4xx
	}
}

// isNetworkErr reports whether err looks like an I/O failure rather
// than a server verdict.
func isNetworkErr(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
