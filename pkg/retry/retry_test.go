package retry

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

type tempErr struct{ msg string }

func (e tempErr) Error() string   { return e.msg }
func (e tempErr) Temporary() bool { return true }

type permErr struct{ msg string }

func (e permErr) Error() string { return e.msg }

func TestIsTemporary(t *testing.T) {
	assert.True(t, IsTemporary(tempErr{"throttled"}))
	assert.False(t, IsTemporary(permErr{"schema mismatch"}))
	assert.False(t, IsTemporary(nil))

	// Tag survives pkg/errors wrapping.
	wrapped := errors.Wrap(tempErr{"io"}, "send failed")
	assert.True(t, IsTemporary(wrapped))
}

func TestExponentialBackoffCurve(t *testing.T) {
	p := NewExponentialBackoff(10, time.Second, 8*time.Second)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 8 * time.Second}, // capped
		{9, 8 * time.Second},
	}

	for _, tt := range tests {
		d := p.Classify(tempErr{"net"}, tt.attempt, 0)
		assert.Equal(t, RetryAfter, d.Kind, "attempt %d", tt.attempt)
		assert.Equal(t, tt.want, d.Delay, "attempt %d", tt.attempt)
	}
}

func TestExponentialBackoffGivesUpAfterMaxAttempts(t *testing.T) {
	p := NewExponentialBackoff(3, time.Second, time.Minute)

	d := p.Classify(tempErr{"net"}, 3, time.Minute)
	assert.Equal(t, GiveUp, d.Kind)
}

func TestExponentialBackoffFatalOnPermanent(t *testing.T) {
	p := NewExponentialBackoff(3, time.Second, time.Minute)

	d := p.Classify(permErr{"pipe deleted"}, 1, 0)
	assert.Equal(t, Fatal, d.Kind)
}

type slowPolicy struct {
	delay    time.Duration
	decision Decision
}

func (s slowPolicy) Classify(err error, attempt int, elapsed time.Duration) Decision {
	time.Sleep(s.delay)
	return s.decision
}

func TestBoundedClassifierUsesInnerDecision(t *testing.T) {
	b := &BoundedClassifier{
		Inner:    slowPolicy{decision: Decision{Kind: GiveUp}},
		Fallback: NewExponentialBackoff(3, time.Second, time.Minute),
		Timeout:  time.Second,
	}

	d := b.Classify(tempErr{"x"}, 1, 0)
	assert.Equal(t, GiveUp, d.Kind)
}

func TestBoundedClassifierFallsBackOnTimeout(t *testing.T) {
	b := &BoundedClassifier{
		Inner:    slowPolicy{delay: 500 * time.Millisecond, decision: Decision{Kind: GiveUp}},
		Fallback: NewExponentialBackoff(3, time.Second, time.Minute),
		Timeout:  20 * time.Millisecond,
	}

	d := b.Classify(tempErr{"x"}, 1, 0)
	assert.Equal(t, RetryAfter, d.Kind, "fallback decides for the error kind")
}
