package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/health-connector/internal/backoff"
	"github.com/and161185/health-connector/internal/crypto"
	"github.com/and161185/health-connector/internal/d4l"
	"github.com/and161185/health-connector/internal/errs"
	"github.com/and161185/health-connector/internal/model"
	"github.com/and161185/health-connector/internal/oauth"
	"github.com/and161185/health-connector/internal/repository"
)

const defaultPageSize = 100

// AccessTokenMapper trades a case's stored refresh token for an access token and persists the
// rotated refresh token. Rotations of one case are serialized. A rotated token never overwrites
// a token stored by another writer since the exchange started.
type AccessTokenMapper struct {
	tokens repository.InboxRefreshTokenRepository
	client oauth.Client
	key    *crypto.AES

	mu    sync.Mutex
	locks map[uuid.UUID]*caseLock
}

type caseLock struct {
	sync.Mutex
	refs int
}

// NewAccessTokenMapper constructs an AccessTokenMapper.
func NewAccessTokenMapper(tokens repository.InboxRefreshTokenRepository, client oauth.Client, key *crypto.AES) *AccessTokenMapper {
	return &AccessTokenMapper{tokens: tokens, client: client, key: key, locks: map[uuid.UUID]*caseLock{}}
}

// lock acquires the lock of caseID. The entry is dropped once its last holder or waiter unlocks.
func (m *AccessTokenMapper) lock(caseID uuid.UUID) func() {
	m.mu.Lock()
	l, ok := m.locks[caseID]
	if !ok {
		l = &caseLock{}
		m.locks[caseID] = l
	}
	l.refs++
	m.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, caseID)
		}
		m.mu.Unlock()
	}
}

// AccessToken returns a fresh access token for caseID. Errors of the provider are *oauth.ExchangeError.
func (m *AccessTokenMapper) AccessToken(ctx context.Context, caseID uuid.UUID, now time.Time) (string, error) {
	defer m.lock(caseID)()

	stored, err := m.tokens.Find(ctx, caseID)
	if err != nil {
		return "", fmt.Errorf("find refresh token: %w", err)
	}
	refresh, err := m.key.DecryptString(stored.Token)
	if err != nil {
		return "", fmt.Errorf("refresh token of %s: %w", caseID, err)
	}
	pair, err := m.client.ExchangeRefreshToken(ctx, refresh)
	if err != nil {
		return "", err
	}
	enc, err := m.key.EncryptString(pair.RefreshToken)
	if err != nil {
		return "", err
	}
	// A token synced meanwhile comes from a newer pairing and stays.
	if _, err := m.tokens.Rotate(ctx, caseID, stored.Token, model.InboxRefreshToken{CaseID: caseID, Token: enc, FetchedAt: now}); err != nil {
		return "", fmt.Errorf("save rotated refresh token: %w", err)
	}
	return pair.AccessToken, nil
}

// DecryptResourceUseCase loads and opens a cached resource.
type DecryptResourceUseCase struct {
	resources repository.ResourceRepository
	key       *crypto.AES
}

// NewDecryptResourceUseCase constructs a DecryptResourceUseCase.
func NewDecryptResourceUseCase(resources repository.ResourceRepository, key *crypto.AES) *DecryptResourceUseCase {
	return &DecryptResourceUseCase{resources: resources, key: key}
}

// Decrypt returns the plaintext JSON of a resource, errs.ErrNotFound or errs.ErrDecrypt.
func (u *DecryptResourceUseCase) Decrypt(ctx context.Context, id uuid.UUID) ([]byte, error) {
	res, err := u.resources.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	plain, err := u.key.Decrypt(res.Ciphertext)
	if err != nil {
		return nil, errs.ErrDecrypt
	}
	return plain, nil
}

// ResourceUploader parses a decrypted resource and hands it to the record service.
type ResourceUploader struct {
	uploader d4l.Uploader
}

// NewResourceUploader constructs a ResourceUploader.
func NewResourceUploader(uploader d4l.Uploader) *ResourceUploader {
	return &ResourceUploader{uploader: uploader}
}

// Upload fails on unparsable resources and on any upload error.
func (u *ResourceUploader) Upload(ctx context.Context, plain []byte, accessToken string, privateKeyPEM []byte) error {
	res, err := d4l.ParseResource(plain)
	if err != nil {
		return err
	}
	return u.uploader.UploadDocument(ctx, res, accessToken, privateKeyPEM)
}

// UploadReport summarizes one pipeline pass.
type UploadReport struct {
	Pending       int // uploadable resources found
	NotDue        int // skipped by backoff
	Uploaded      int
	Failed        int // attempts recorded
	Undecryptable int // missing or unreadable ciphertext, no attempt recorded
	CasesFailed   int // token exchange or key failures
}

// UploadDocumentsUseCase pushes cached resources of paired cases to their records.
type UploadDocumentsUseCase struct {
	resources repository.ResourceRepository
	filter    *backoff.ExponentialFilter
	mapper    *AccessTokenMapper
	decrypt   *DecryptResourceUseCase
	uploader  *ResourceUploader
	keyAES    *crypto.AES // private keys at rest
	pageSize  int
	log       *zap.Logger
}

// NewUploadDocumentsUseCase constructs the pipeline. pageSize <= 0 selects the default.
func NewUploadDocumentsUseCase(
	resources repository.ResourceRepository,
	filter *backoff.ExponentialFilter,
	mapper *AccessTokenMapper,
	decrypt *DecryptResourceUseCase,
	uploader *ResourceUploader,
	keyAES *crypto.AES,
	pageSize int,
	log *zap.Logger,
) *UploadDocumentsUseCase {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &UploadDocumentsUseCase{
		resources: resources, filter: filter, mapper: mapper, decrypt: decrypt,
		uploader: uploader, keyAES: keyAES, pageSize: pageSize, log: log,
	}
}

type caseGroup struct {
	caseID        uuid.UUID
	privateKeyEnc []byte
	resources     []uuid.UUID
}

// Run executes one pass. Units of work fail independently; only listing the pending
// resources aborts the pass.
func (u *UploadDocumentsUseCase) Run(ctx context.Context, now time.Time) (UploadReport, error) {
	var rep UploadReport
	pending, err := u.listPending(ctx)
	if err != nil {
		return rep, err
	}
	rep.Pending = len(pending)

	var groups []*caseGroup
	byCase := map[uuid.UUID]*caseGroup{}
	for _, p := range pending {
		due, err := u.filter.ShouldAttempt(ctx, p.ResourceID, now)
		if err != nil {
			u.log.Error("read attempt log", zap.String("resourceId", p.ResourceID.String()), zap.Error(err))
			continue
		}
		if !due {
			rep.NotDue++
			continue
		}
		g, ok := byCase[p.CaseID]
		if !ok {
			g = &caseGroup{caseID: p.CaseID, privateKeyEnc: p.PrivateKeyEnc}
			byCase[p.CaseID] = g
			groups = append(groups, g)
		}
		g.resources = append(g.resources, p.ResourceID)
	}

	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		u.uploadGroup(ctx, g, now, &rep)
	}
	u.log.Info("upload pass done",
		zap.Int("pending", rep.Pending), zap.Int("notDue", rep.NotDue), zap.Int("uploaded", rep.Uploaded),
		zap.Int("failed", rep.Failed), zap.Int("undecryptable", rep.Undecryptable), zap.Int("casesFailed", rep.CasesFailed))
	return rep, nil
}

// listPending reads every page before any resource is deleted so offsets stay stable.
func (u *UploadDocumentsUseCase) listPending(ctx context.Context) ([]model.UploadableResource, error) {
	var out []model.UploadableResource
	for offset := 0; ; offset += u.pageSize {
		page, err := u.resources.FindUploadable(ctx, u.pageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("list uploadable resources: %w", err)
		}
		out = append(out, page...)
		if len(page) < u.pageSize {
			return out, nil
		}
	}
}

func (u *UploadDocumentsUseCase) uploadGroup(ctx context.Context, g *caseGroup, now time.Time, rep *UploadReport) {
	log := u.log.With(zap.String("caseId", g.caseID.String()))

	pem, err := u.keyAES.Decrypt(g.privateKeyEnc)
	if err != nil {
		log.Error("private key unreadable")
		u.failGroup(ctx, g, now, rep)
		return
	}
	access, err := u.mapper.AccessToken(ctx, g.caseID, now)
	if err != nil {
		log.Warn("access token exchange failed", zap.Error(err))
		u.failGroup(ctx, g, now, rep)
		return
	}

	for _, id := range g.resources {
		rlog := log.With(zap.String("resourceId", id.String()))
		plain, err := u.decrypt.Decrypt(ctx, id)
		if err != nil {
			rlog.Error("resource not decryptable", zap.Error(err))
			rep.Undecryptable++
			continue
		}
		if err := u.uploader.Upload(ctx, plain, access, pem); err != nil {
			rlog.Warn("upload failed", zap.Error(err))
			u.fail(ctx, id, now, rep)
			continue
		}
		rep.Uploaded++
		if err := u.resources.Delete(ctx, id); err != nil && !errors.Is(err, errs.ErrNotFound) {
			rlog.Error("delete uploaded resource", zap.Error(err))
		}
	}
}

func (u *UploadDocumentsUseCase) failGroup(ctx context.Context, g *caseGroup, now time.Time, rep *UploadReport) {
	rep.CasesFailed++
	for _, id := range g.resources {
		u.fail(ctx, id, now, rep)
	}
}

func (u *UploadDocumentsUseCase) fail(ctx context.Context, id uuid.UUID, now time.Time, rep *UploadReport) {
	rep.Failed++
	if err := u.filter.Failed(ctx, id, now); err != nil {
		u.log.Error("record upload attempt", zap.String("resourceId", id.String()), zap.Error(err))
	}
}

// RenewReport summarizes one renewal pass.
type RenewReport struct {
	Stale        int // tokens older than the threshold
	NotDue       int // skipped by backoff
	Renewed      int
	Failed       int
	InvalidGrant int // subset of Failed
}

// RenewRefreshTokensUseCase keeps idle refresh tokens alive by exchanging them before the
// provider expires them.
type RenewRefreshTokensUseCase struct {
	tokens    repository.InboxRefreshTokenRepository
	mapper    *AccessTokenMapper
	filter    *backoff.InMemoryFilter
	threshold time.Duration
	log       *zap.Logger
}

// NewRenewRefreshTokensUseCase constructs the renewal job. Tokens fetched within threshold are left alone.
func NewRenewRefreshTokensUseCase(
	tokens repository.InboxRefreshTokenRepository,
	mapper *AccessTokenMapper,
	filter *backoff.InMemoryFilter,
	threshold time.Duration,
	log *zap.Logger,
) *RenewRefreshTokensUseCase {
	return &RenewRefreshTokensUseCase{tokens: tokens, mapper: mapper, filter: filter, threshold: threshold, log: log}
}

// Run executes one pass. Dead tokens are counted but kept; the failure is still recorded.
func (u *RenewRefreshTokensUseCase) Run(ctx context.Context, now time.Time) (RenewReport, error) {
	var rep RenewReport
	stale, err := u.tokens.FindFetchedAtBefore(ctx, now.Add(-u.threshold))
	if err != nil {
		return rep, fmt.Errorf("list stale refresh tokens: %w", err)
	}
	rep.Stale = len(stale)

	for _, t := range stale {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		key := t.CaseID.String()
		if !u.filter.ShouldAttempt(key, now) {
			rep.NotDue++
			continue
		}
		if _, err := u.mapper.AccessToken(ctx, t.CaseID, now); err != nil {
			if oauth.IsInvalidGrant(err) {
				rep.InvalidGrant++
			} else {
				u.log.Warn("refresh token renewal failed", zap.String("caseId", key), zap.Error(err))
			}
			u.filter.Failed(key, now)
			rep.Failed++
			continue
		}
		u.filter.Success(key)
		rep.Renewed++
	}
	if rep.InvalidGrant > 0 {
		u.log.Warn("refresh tokens rejected as invalid_grant", zap.Int("count", rep.InvalidGrant))
	}
	u.log.Info("renew pass done", zap.Int("stale", rep.Stale), zap.Int("renewed", rep.Renewed), zap.Int("failed", rep.Failed))
	return rep, nil
}
