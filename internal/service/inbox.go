package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/health-connector/internal/crypto"
	"github.com/and161185/health-connector/internal/d4l"
	"github.com/and161185/health-connector/internal/errs"
	"github.com/and161185/health-connector/internal/model"
	"github.com/and161185/health-connector/internal/repository"
)

// InboxService is the hospital-facing side: case registration, resource caching and token sync.
type InboxService interface {
	// RegisterCase maps a hospital case id to an internal case and starts pairing.
	RegisterCase(ctx context.Context, in RegisterCaseInput) (uuid.UUID, AddCaseResult, error)
	// CacheResource stores an encrypted clinical resource until it can be uploaded.
	CacheResource(ctx context.Context, externalCaseID string, raw []byte, now time.Time) (uuid.UUID, error)
	// SyncRefreshTokens moves refresh tokens from the outbox to the inbox store.
	SyncRefreshTokens(ctx context.Context, now time.Time) (int, error)
}

// RegisterCaseInput is the request of RegisterCase.
type RegisterCaseInput struct {
	ExternalCaseID string
	Phone          string
	Email          string
	Lang           string
}

// InboxRepos groups the inbox stores and the outbox token store it drains.
type InboxRepos struct {
	Cases         repository.InboxCaseRepository
	Resources     repository.ResourceRepository
	RefreshTokens repository.InboxRefreshTokenRepository
	Outbox        repository.RefreshTokenRepository
}

// InboxKeys are the at-rest keys of the inbox.
type InboxKeys struct {
	PrivateKey *crypto.AES
	Resource   *crypto.AES
}

type InboxServiceImpl struct {
	repos   InboxRepos
	keys    InboxKeys
	pairing PairingService
	keyBits int
	log     *zap.Logger
}

// NewInboxService constructs InboxService with required dependencies.
func NewInboxService(repos InboxRepos, keys InboxKeys, pairing PairingService, log *zap.Logger) *InboxServiceImpl {
	return &InboxServiceImpl{repos: repos, keys: keys, pairing: pairing, keyBits: crypto.RSAKeyBits, log: log}
}

// RegisterCase reuses the internal case and key pair of a known external id. Otherwise it
// generates both and stores the private key encrypted.
func (s *InboxServiceImpl) RegisterCase(ctx context.Context, in RegisterCaseInput) (uuid.UUID, AddCaseResult, error) {
	if in.ExternalCaseID == "" {
		return uuid.Nil, 0, fmt.Errorf("%w: empty external case id", errs.ErrInvalidInput)
	}
	ic, err := s.repos.Cases.FindByExternalID(ctx, in.ExternalCaseID)
	if errors.Is(err, errs.ErrNotFound) {
		ic, err = s.createCase(ctx, in.ExternalCaseID)
	}
	if err != nil {
		return uuid.Nil, 0, err
	}

	pem, err := s.keys.PrivateKey.Decrypt(ic.PrivateKeyEnc)
	if err != nil {
		return uuid.Nil, 0, fmt.Errorf("private key of %s: %w", ic.CaseID, err)
	}
	priv, err := crypto.ParsePrivateKeyPEM(pem)
	if err != nil {
		return uuid.Nil, 0, err
	}
	pub, err := crypto.MarshalPublicKey(&priv.PublicKey)
	if err != nil {
		return uuid.Nil, 0, err
	}

	res, err := s.pairing.AddCase(ctx, AddCaseInput{
		CaseID:    ic.CaseID,
		Phone:     in.Phone,
		Email:     in.Email,
		PublicKey: pub,
		Lang:      in.Lang,
	})
	return ic.CaseID, res, err
}

func (s *InboxServiceImpl) createCase(ctx context.Context, externalID string) (*model.InboxCase, error) {
	priv, err := crypto.GenerateRSAKey(s.keyBits)
	if err != nil {
		return nil, err
	}
	pem, err := crypto.MarshalPrivateKeyPEM(priv)
	if err != nil {
		return nil, err
	}
	enc, err := s.keys.PrivateKey.Encrypt(pem)
	if err != nil {
		return nil, err
	}
	ic := &model.InboxCase{ExternalID: externalID, CaseID: uuid.Must(uuid.NewV4()), PrivateKeyEnc: enc}
	switch err := s.repos.Cases.Save(ctx, ic); {
	case errors.Is(err, errs.ErrAlreadyExists):
		// registered concurrently
		return s.repos.Cases.FindByExternalID(ctx, externalID)
	case err != nil:
		return nil, fmt.Errorf("save inbox case: %w", err)
	}
	s.log.Info("inbox case registered", zap.String("caseId", ic.CaseID.String()))
	return ic, nil
}

// CacheResource requires a registered case and a JSON document with a resourceType.
func (s *InboxServiceImpl) CacheResource(ctx context.Context, externalCaseID string, raw []byte, now time.Time) (uuid.UUID, error) {
	if _, err := d4l.ResourceType(raw); err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", errs.ErrInvalidInput, err)
	}
	if _, err := s.repos.Cases.FindByExternalID(ctx, externalCaseID); err != nil {
		return uuid.Nil, err
	}
	ct, err := s.keys.Resource.Encrypt(raw)
	if err != nil {
		return uuid.Nil, err
	}
	res := &model.CachedResource{
		ID:             uuid.Must(uuid.NewV4()),
		ExternalCaseID: externalCaseID,
		Ciphertext:     ct,
		CreatedAt:      now,
	}
	if err := s.repos.Resources.Save(ctx, res); err != nil {
		return uuid.Nil, fmt.Errorf("save resource: %w", err)
	}
	return res.ID, nil
}

// SyncRefreshTokens copies each outbox token into the inbox store and only then deletes the
// outbox copy. An interrupted pass leaves the outbox copy to be synced again, and a token
// replaced after it was read stays in the outbox for the next pass.
func (s *InboxServiceImpl) SyncRefreshTokens(ctx context.Context, now time.Time) (int, error) {
	tokens, err := s.repos.Outbox.FindAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("list outbox tokens: %w", err)
	}
	n := 0
	for _, t := range tokens {
		if err := s.repos.RefreshTokens.Save(ctx, model.InboxRefreshToken{CaseID: t.CaseID, Token: t.Token, FetchedAt: now}); err != nil {
			return n, fmt.Errorf("save inbox token: %w", err)
		}
		if err := s.repos.Outbox.DeleteIfToken(ctx, t.CaseID, t.Token); err != nil {
			return n, fmt.Errorf("delete outbox token: %w", err)
		}
		n++
	}
	if n > 0 {
		s.log.Info("refresh tokens synced", zap.Int("count", n))
	}
	return n, nil
}
