// Package backoff implements exponential retry gating keyed by identity and attempt history.
package backoff

import (
	"math"
	"time"
)

// Delay returns the quiescent interval required after failures prior failed attempts:
// min(minDelta * 2^max(failures-1, 0), maxDelta). Overflow clamps to maxDelta.
func Delay(minDelta, maxDelta time.Duration, failures int) time.Duration {
	exp := failures - 1
	if exp < 0 {
		exp = 0
	}
	if exp >= 62 || minDelta <= 0 {
		return maxDelta
	}
	factor := int64(1) << uint(exp)
	if int64(minDelta) > math.MaxInt64/factor {
		return maxDelta
	}
	d := minDelta * time.Duration(factor)
	if d <= 0 || d > maxDelta {
		return maxDelta
	}
	return d
}

// Eligible reports whether a retry is allowed at now given the attempt history.
// No history (failures == 0) is always eligible.
func Eligible(minDelta, maxDelta time.Duration, failures int, last, now time.Time) bool {
	if failures <= 0 {
		return true
	}
	return now.Sub(last) >= Delay(minDelta, maxDelta, failures)
}
