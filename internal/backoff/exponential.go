package backoff

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"
)

// AttemptLog is a durable log of failed attempts per resource.
type AttemptLog interface {
	// LastAttempt returns the most recent attempt time and the number of attempts.
	// count is 0 when there is no history.
	LastAttempt(ctx context.Context, id uuid.UUID) (last time.Time, count int, err error)
	// Record appends one attempt at the given time.
	Record(ctx context.Context, id uuid.UUID, at time.Time) error
}

// ExponentialFilter gates retries using a persisted attempt log, so history survives restarts.
type ExponentialFilter struct {
	log      AttemptLog
	minDelta time.Duration
	maxDelta time.Duration
}

// NewExponentialFilter constructs a filter over log.
func NewExponentialFilter(log AttemptLog, minDelta, maxDelta time.Duration) *ExponentialFilter {
	return &ExponentialFilter{log: log, minDelta: minDelta, maxDelta: maxDelta}
}

// ShouldAttempt reports whether id may be retried at now.
func (f *ExponentialFilter) ShouldAttempt(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	last, n, err := f.log.LastAttempt(ctx, id)
	if err != nil {
		return false, err
	}
	return Eligible(f.minDelta, f.maxDelta, n, last, now), nil
}

// Failed records a failed attempt at now.
func (f *ExponentialFilter) Failed(ctx context.Context, id uuid.UUID, now time.Time) error {
	return f.log.Record(ctx, id, now)
}
