// Package limiter throttles PIN guesses per case and client address.
package limiter

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Limiter controls PIN check attempts and temporary lockouts.
type Limiter interface {
	// Allow reports whether a PIN check is currently allowed and optional retry-after.
	Allow(ctx context.Context, caseID uuid.UUID, ipHash []byte) (bool, time.Duration, error)
	// Success resets counters after a correct PIN.
	Success(ctx context.Context, caseID uuid.UUID, ipHash []byte) error
	// Failure records a wrong PIN; may place a temporary block.
	Failure(ctx context.Context, caseID uuid.UUID, ipHash []byte) (bool, time.Duration, error)
}
