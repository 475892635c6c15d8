package limiter

import (
	"context"
	"crypto/sha256"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PG is a PostgreSQL-backed limiter with a sliding window and lockout.
type PG struct {
	pool     pgxQuerier
	window   time.Duration
	maxFails int
	blockFor time.Duration
	now      func() time.Time
}

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPG constructs a PostgreSQL-backed limiter. Any pgxpool.Pool satisfies q.
func NewPG(q pgxQuerier, window time.Duration, maxFails int, blockFor time.Duration) *PG {
	return &PG{pool: q, window: window, maxFails: maxFails, blockFor: blockFor, now: time.Now}
}

// HashIP returns a stable hash for an IP string to avoid storing raw addresses.
func HashIP(ip string) []byte {
	h := sha256.Sum256([]byte(ip))
	return h[:]
}

// Allow reports whether a PIN check is currently allowed and a retry-after duration.
func (l *PG) Allow(ctx context.Context, caseID uuid.UUID, ipHash []byte) (bool, time.Duration, error) {
	const q = `SELECT blocked_until FROM pin_limiter WHERE case_id=$1 AND ip_hash=$2`
	var blockedUntil time.Time
	err := l.pool.QueryRow(ctx, q, caseID, ipHash).Scan(&blockedUntil)
	switch {
	case err == nil:
		now := l.now()
		if blockedUntil.After(now) {
			return false, blockedUntil.Sub(now), nil
		}
		return true, 0, nil
	case errors.Is(err, pgx.ErrNoRows):
		return true, 0, nil
	default:
		return false, 0, err
	}
}

// Success resets counters for (case, ip).
func (l *PG) Success(ctx context.Context, caseID uuid.UUID, ipHash []byte) error {
	const q = `DELETE FROM pin_limiter WHERE case_id=$1 AND ip_hash=$2`
	_, err := l.pool.Exec(ctx, q, caseID, ipHash)
	return err
}

// Failure records a wrong PIN; may set a block until a future time.
func (l *PG) Failure(ctx context.Context, caseID uuid.UUID, ipHash []byte) (bool, time.Duration, error) {
	now := l.now()

	const q = `
INSERT INTO pin_limiter (case_id, ip_hash, fail_count, blocked_until, updated_at)
VALUES ($1,$2,1,'epoch',$4)
ON CONFLICT (case_id, ip_hash) DO UPDATE
SET
  fail_count = CASE WHEN EXCLUDED.updated_at - pin_limiter.updated_at > $3::interval THEN 1 ELSE pin_limiter.fail_count + 1 END,
  updated_at = EXCLUDED.updated_at
RETURNING fail_count`
	var fails int
	if err := l.pool.QueryRow(ctx, q, caseID, ipHash, l.window, now).Scan(&fails); err != nil {
		return false, 0, err
	}
	if fails >= l.maxFails {
		const upd = `UPDATE pin_limiter SET blocked_until=$3 WHERE case_id=$1 AND ip_hash=$2`
		if _, err := l.pool.Exec(ctx, upd, caseID, ipHash, now.Add(l.blockFor)); err != nil {
			return false, 0, err
		}
		return true, l.blockFor, nil
	}
	return false, 0, nil
}
