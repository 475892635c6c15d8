package repository

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/health-connector/internal/model"
)

// InboxCaseRepository maps hospital case ids to internal cases.
type InboxCaseRepository interface {
	Save(ctx context.Context, c *model.InboxCase) error
	// FindByExternalID returns errs.ErrNotFound if the case was never registered.
	FindByExternalID(ctx context.Context, externalID string) (*model.InboxCase, error)
}

// InboxRefreshTokenRepository stores the inbox copies of refresh tokens.
type InboxRefreshTokenRepository interface {
	// Save inserts or replaces the token of a case.
	Save(ctx context.Context, t model.InboxRefreshToken) error
	Find(ctx context.Context, caseID uuid.UUID) (*model.InboxRefreshToken, error)
	// Rotate replaces the token of a case with t only while the stored token equals oldToken.
	// It reports whether the replacement happened.
	Rotate(ctx context.Context, caseID uuid.UUID, oldToken string, t model.InboxRefreshToken) (bool, error)
	// FindFetchedAtBefore returns tokens not refreshed since before.
	FindFetchedAtBefore(ctx context.Context, before time.Time) ([]model.InboxRefreshToken, error)
}

// ResourceRepository stores clinical resources pending upload.
type ResourceRepository interface {
	Save(ctx context.Context, r *model.CachedResource) error
	Find(ctx context.Context, id uuid.UUID) (*model.CachedResource, error)
	Delete(ctx context.Context, id uuid.UUID) error
	// FindUploadable pages through resources whose case has a refresh token, ordered by id.
	FindUploadable(ctx context.Context, limit, offset int) ([]model.UploadableResource, error)
}

// UploadAttemptRepository is the durable attempt log of the upload pipeline.
type UploadAttemptRepository interface {
	Record(ctx context.Context, resourceID uuid.UUID, at time.Time) error
	LastAttempt(ctx context.Context, resourceID uuid.UUID) (time.Time, int, error)
}
