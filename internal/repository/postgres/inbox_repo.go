package postgres

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/health-connector/internal/errs"
	"github.com/and161185/health-connector/internal/model"
)

// InboxCaseRepo implements InboxCaseRepository.
type InboxCaseRepo struct{ db *DB }

// NewInboxCaseRepo constructs an inbox case repository.
func NewInboxCaseRepo(db *DB) *InboxCaseRepo { return &InboxCaseRepo{db: db} }

// Save inserts a new external case mapping.
func (r *InboxCaseRepo) Save(ctx context.Context, c *model.InboxCase) error {
	const q = `
INSERT INTO inbox_cases (external_id, case_id, private_key_enc)
VALUES ($1, $2, $3)`
	_, err := r.db.Pool.Exec(ctx, q, c.ExternalID, c.CaseID, c.PrivateKeyEnc)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// FindByExternalID selects the mapping of a hospital case id.
func (r *InboxCaseRepo) FindByExternalID(ctx context.Context, externalID string) (*model.InboxCase, error) {
	const q = `
SELECT external_id, case_id, private_key_enc, created_at
FROM inbox_cases WHERE external_id=$1`
	var c model.InboxCase
	err := r.db.Pool.QueryRow(ctx, q, externalID).Scan(&c.ExternalID, &c.CaseID, &c.PrivateKeyEnc, &c.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// ResourceRepo implements ResourceRepository.
type ResourceRepo struct{ db *DB }

// NewResourceRepo constructs a cached resource repository.
func NewResourceRepo(db *DB) *ResourceRepo { return &ResourceRepo{db: db} }

// Save inserts a cached resource.
func (r *ResourceRepo) Save(ctx context.Context, res *model.CachedResource) error {
	const q = `
INSERT INTO cached_resources (id, external_case_id, ciphertext)
VALUES ($1, $2, $3)`
	_, err := r.db.Pool.Exec(ctx, q, res.ID, res.ExternalCaseID, res.Ciphertext)
	return err
}

// Find selects a cached resource by id.
func (r *ResourceRepo) Find(ctx context.Context, id uuid.UUID) (*model.CachedResource, error) {
	const q = `
SELECT id, external_case_id, ciphertext, created_at
FROM cached_resources WHERE id=$1`
	var res model.CachedResource
	err := r.db.Pool.QueryRow(ctx, q, id).Scan(&res.ID, &res.ExternalCaseID, &res.Ciphertext, &res.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &res, nil
}

// Delete removes a cached resource and, by cascade, its attempts.
func (r *ResourceRepo) Delete(ctx context.Context, id uuid.UUID) error {
	const q = `DELETE FROM cached_resources WHERE id=$1`
	tag, err := r.db.Pool.Exec(ctx, q, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// FindUploadable joins cached resources with their case. Cases without a refresh token are excluded.
func (r *ResourceRepo) FindUploadable(ctx context.Context, limit, offset int) ([]model.UploadableResource, error) {
	const q = `
SELECT r.id, c.case_id, c.private_key_enc
FROM cached_resources r
JOIN inbox_cases c ON c.external_id = r.external_case_id
JOIN inbox_refresh_tokens t ON t.case_id = c.case_id
ORDER BY r.id
LIMIT $1 OFFSET $2`
	rows, err := r.db.Pool.Query(ctx, q, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.UploadableResource
	for rows.Next() {
		var u model.UploadableResource
		if err = rows.Scan(&u.ResourceID, &u.CaseID, &u.PrivateKeyEnc); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// UploadAttemptRepo implements UploadAttemptRepository and backoff.AttemptLog.
type UploadAttemptRepo struct{ db *DB }

// NewUploadAttemptRepo constructs an upload attempt repository.
func NewUploadAttemptRepo(db *DB) *UploadAttemptRepo { return &UploadAttemptRepo{db: db} }

// Record appends one attempt.
func (r *UploadAttemptRepo) Record(ctx context.Context, resourceID uuid.UUID, at time.Time) error {
	const q = `INSERT INTO upload_attempts (resource_id, attempted_at) VALUES ($1, $2)`
	_, err := r.db.Pool.Exec(ctx, q, resourceID, at)
	return err
}

// LastAttempt returns the latest attempt time and the attempt count; count is 0 without history.
func (r *UploadAttemptRepo) LastAttempt(ctx context.Context, resourceID uuid.UUID) (time.Time, int, error) {
	const q = `
SELECT COALESCE(MAX(attempted_at), 'epoch'::timestamptz), COUNT(*)
FROM upload_attempts WHERE resource_id=$1`
	var last time.Time
	var n int64
	if err := r.db.Pool.QueryRow(ctx, q, resourceID).Scan(&last, &n); err != nil {
		return time.Time{}, 0, err
	}
	return last, int(n), nil
}
