package postgres

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/health-connector/internal/model"
)

// RefreshTokenRepo implements the outbox RefreshTokenRepository.
type RefreshTokenRepo struct{ db *DB }

// NewRefreshTokenRepo constructs an outbox refresh token repository.
func NewRefreshTokenRepo(db *DB) *RefreshTokenRepo { return &RefreshTokenRepo{db: db} }

// Save upserts the token of a case.
func (r *RefreshTokenRepo) Save(ctx context.Context, t model.RefreshToken) error {
	const q = `
INSERT INTO refresh_tokens (case_id, token, created_at) VALUES ($1, $2, now())
ON CONFLICT (case_id) DO UPDATE SET token=EXCLUDED.token, created_at=now()`
	_, err := r.db.Pool.Exec(ctx, q, t.CaseID, t.Token)
	return err
}

// Find selects the token of a case.
func (r *RefreshTokenRepo) Find(ctx context.Context, caseID uuid.UUID) (*model.RefreshToken, error) {
	const q = `SELECT case_id, token, created_at FROM refresh_tokens WHERE case_id=$1`
	var t model.RefreshToken
	if err := r.db.Pool.QueryRow(ctx, q, caseID).Scan(&t.CaseID, &t.Token, &t.CreatedAt); err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// DeleteIfToken removes the token of a case if it was not replaced meanwhile.
// A missing or replaced token is not an error.
func (r *RefreshTokenRepo) DeleteIfToken(ctx context.Context, caseID uuid.UUID, token string) error {
	const q = `DELETE FROM refresh_tokens WHERE case_id=$1 AND token=$2`
	_, err := r.db.Pool.Exec(ctx, q, caseID, token)
	return err
}

// FindAll returns every outbox token.
func (r *RefreshTokenRepo) FindAll(ctx context.Context) ([]model.RefreshToken, error) {
	const q = `SELECT case_id, token, created_at FROM refresh_tokens ORDER BY created_at ASC`
	rows, err := r.db.Pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.RefreshToken
	for rows.Next() {
		var t model.RefreshToken
		if err = rows.Scan(&t.CaseID, &t.Token, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// InboxRefreshTokenRepo implements InboxRefreshTokenRepository.
type InboxRefreshTokenRepo struct{ db *DB }

// NewInboxRefreshTokenRepo constructs an inbox refresh token repository.
func NewInboxRefreshTokenRepo(db *DB) *InboxRefreshTokenRepo { return &InboxRefreshTokenRepo{db: db} }

// Save upserts the inbox token of a case.
func (r *InboxRefreshTokenRepo) Save(ctx context.Context, t model.InboxRefreshToken) error {
	const q = `
INSERT INTO inbox_refresh_tokens (case_id, token, fetched_at) VALUES ($1, $2, $3)
ON CONFLICT (case_id) DO UPDATE SET token=EXCLUDED.token, fetched_at=EXCLUDED.fetched_at`
	_, err := r.db.Pool.Exec(ctx, q, t.CaseID, t.Token, t.FetchedAt)
	return err
}

// Rotate swaps in the rotated token unless the stored one changed since it was read.
func (r *InboxRefreshTokenRepo) Rotate(ctx context.Context, caseID uuid.UUID, oldToken string, t model.InboxRefreshToken) (bool, error) {
	const q = `UPDATE inbox_refresh_tokens SET token=$3, fetched_at=$4 WHERE case_id=$1 AND token=$2`
	tag, err := r.db.Pool.Exec(ctx, q, caseID, oldToken, t.Token, t.FetchedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Find selects the inbox token of a case.
func (r *InboxRefreshTokenRepo) Find(ctx context.Context, caseID uuid.UUID) (*model.InboxRefreshToken, error) {
	const q = `SELECT case_id, token, fetched_at FROM inbox_refresh_tokens WHERE case_id=$1`
	var t model.InboxRefreshToken
	if err := r.db.Pool.QueryRow(ctx, q, caseID).Scan(&t.CaseID, &t.Token, &t.FetchedAt); err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// FindFetchedAtBefore returns tokens last fetched before the given time.
func (r *InboxRefreshTokenRepo) FindFetchedAtBefore(ctx context.Context, before time.Time) ([]model.InboxRefreshToken, error) {
	const q = `
SELECT case_id, token, fetched_at
FROM inbox_refresh_tokens
WHERE fetched_at < $1
ORDER BY fetched_at ASC`
	rows, err := r.db.Pool.Query(ctx, q, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.InboxRefreshToken
	for rows.Next() {
		var t model.InboxRefreshToken
		if err = rows.Scan(&t.CaseID, &t.Token, &t.FetchedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
