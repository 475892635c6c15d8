// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/health-connector/internal/model"
)

// CaseRepository stores pairing cases.
type CaseRepository interface {
	// Find loads a case by internal id; errs.ErrNotFound if absent.
	Find(ctx context.Context, id uuid.UUID) (*model.Case, error)
	// Save inserts or replaces a case.
	Save(ctx context.Context, c *model.Case) error
}

// CaseNonceRepository stores the nonce of the latest invitation per case.
type CaseNonceRepository interface {
	// Save inserts or overwrites the nonce of a case.
	Save(ctx context.Context, n model.CaseNonce) error
	// FindByIDAndNonce returns errs.ErrNotFound unless nonce is the current one.
	FindByIDAndNonce(ctx context.Context, caseID uuid.UUID, nonce int64) (*model.CaseNonce, error)
}

// OauthStateRepository stores OAuth state values.
type OauthStateRepository interface {
	// Save inserts or replaces the state of a case.
	Save(ctx context.Context, s model.OauthState) error
	// FindByState looks up a state value; errs.ErrNotFound if absent.
	FindByState(ctx context.Context, state string) (*model.OauthState, error)
}

// RefreshTokenRepository stores refresh tokens obtained by the outbox.
type RefreshTokenRepository interface {
	Save(ctx context.Context, t model.RefreshToken) error
	Find(ctx context.Context, caseID uuid.UUID) (*model.RefreshToken, error)
	// DeleteIfToken removes the token of a case only while it still equals token.
	DeleteIfToken(ctx context.Context, caseID uuid.UUID, token string) error
	FindAll(ctx context.Context) ([]model.RefreshToken, error)
}
