package postgres

import (
	"context"
	"fmt"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/health-connector/internal/model"
)

// CaseRepo implements CaseRepository using PostgreSQL.
type CaseRepo struct{ db *DB }

// NewCaseRepo constructs a case repository.
func NewCaseRepo(db *DB) *CaseRepo { return &CaseRepo{db: db} }

// Find selects a case by internal id.
func (r *CaseRepo) Find(ctx context.Context, id uuid.UUID) (*model.Case, error) {
	const q = `
SELECT id, status, public_key, lang, updated_at
FROM cases WHERE id=$1`
	var c model.Case
	var status string
	err := r.db.Pool.QueryRow(ctx, q, id).Scan(&c.ID, &status, &c.PublicKey, &c.Lang, &c.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	c.Status = model.CaseStatus(status)
	if !c.Status.Valid() {
		return nil, fmt.Errorf("case %s: unknown status %q", id, status)
	}
	return &c, nil
}

// Save upserts a case row.
func (r *CaseRepo) Save(ctx context.Context, c *model.Case) error {
	const q = `
INSERT INTO cases (id, status, public_key, lang, updated_at)
VALUES ($1, $2, $3, $4, now())
ON CONFLICT (id) DO UPDATE
SET status=EXCLUDED.status, public_key=EXCLUDED.public_key, lang=EXCLUDED.lang, updated_at=now()`
	_, err := r.db.Pool.Exec(ctx, q, c.ID, string(c.Status), c.PublicKey, c.Lang)
	return err
}

// CaseNonceRepo implements CaseNonceRepository using PostgreSQL.
type CaseNonceRepo struct{ db *DB }

// NewCaseNonceRepo constructs a nonce repository.
func NewCaseNonceRepo(db *DB) *CaseNonceRepo { return &CaseNonceRepo{db: db} }

// Save overwrites the nonce of a case.
func (r *CaseNonceRepo) Save(ctx context.Context, n model.CaseNonce) error {
	const q = `
INSERT INTO case_nonces (case_id, nonce) VALUES ($1, $2)
ON CONFLICT (case_id) DO UPDATE SET nonce=EXCLUDED.nonce`
	_, err := r.db.Pool.Exec(ctx, q, n.CaseID, n.Nonce)
	return err
}

// FindByIDAndNonce returns the nonce row only if nonce is current.
func (r *CaseNonceRepo) FindByIDAndNonce(ctx context.Context, caseID uuid.UUID, nonce int64) (*model.CaseNonce, error) {
	const q = `SELECT case_id, nonce FROM case_nonces WHERE case_id=$1 AND nonce=$2`
	var n model.CaseNonce
	if err := r.db.Pool.QueryRow(ctx, q, caseID, nonce).Scan(&n.CaseID, &n.Nonce); err != nil {
		return nil, notFound(err)
	}
	return &n, nil
}

// OauthStateRepo implements OauthStateRepository using PostgreSQL.
type OauthStateRepo struct{ db *DB }

// NewOauthStateRepo constructs an OAuth state repository.
func NewOauthStateRepo(db *DB) *OauthStateRepo { return &OauthStateRepo{db: db} }

// Save replaces any previous state of the case.
func (r *OauthStateRepo) Save(ctx context.Context, s model.OauthState) error {
	const q = `
INSERT INTO oauth_states (case_id, state) VALUES ($1, $2)
ON CONFLICT (case_id) DO UPDATE SET state=EXCLUDED.state`
	_, err := r.db.Pool.Exec(ctx, q, s.CaseID, s.State)
	return err
}

// FindByState looks up the case bound to state.
func (r *OauthStateRepo) FindByState(ctx context.Context, state string) (*model.OauthState, error) {
	const q = `SELECT case_id, state FROM oauth_states WHERE state=$1`
	var s model.OauthState
	if err := r.db.Pool.QueryRow(ctx, q, state).Scan(&s.CaseID, &s.State); err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}
