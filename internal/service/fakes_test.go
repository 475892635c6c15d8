package service

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/health-connector/internal/crypto"
	"github.com/and161185/health-connector/internal/errs"
	"github.com/and161185/health-connector/internal/invitation"
	"github.com/and161185/health-connector/internal/model"
	"github.com/and161185/health-connector/internal/notify"
	"github.com/and161185/health-connector/internal/oauth"
	"github.com/and161185/health-connector/internal/repository"
)

/************ outbox repos ************/

type fakeCaseRepo struct {
	mu    sync.Mutex
	m     map[uuid.UUID]model.Case
	saves int
	err   error
}

var _ repository.CaseRepository = (*fakeCaseRepo)(nil)

func (f *fakeCaseRepo) Find(_ context.Context, id uuid.UUID) (*model.Case, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	c, ok := f.m[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &c, nil
}

func (f *fakeCaseRepo) Save(_ context.Context, c *model.Case) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.m[c.ID] = *c
	f.saves++
	return nil
}

func (f *fakeCaseRepo) status(id uuid.UUID) model.CaseStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.m[id].Status
}

type fakeNonceRepo struct {
	m map[uuid.UUID]int64
}

var _ repository.CaseNonceRepository = (*fakeNonceRepo)(nil)

func (f *fakeNonceRepo) Save(_ context.Context, n model.CaseNonce) error {
	f.m[n.CaseID] = n.Nonce
	return nil
}

func (f *fakeNonceRepo) FindByIDAndNonce(_ context.Context, id uuid.UUID, nonce int64) (*model.CaseNonce, error) {
	if cur, ok := f.m[id]; ok && cur == nonce {
		return &model.CaseNonce{CaseID: id, Nonce: nonce}, nil
	}
	return nil, errs.ErrNotFound
}

type fakeStateRepo struct {
	m map[uuid.UUID]string
}

var _ repository.OauthStateRepository = (*fakeStateRepo)(nil)

func (f *fakeStateRepo) Save(_ context.Context, s model.OauthState) error {
	f.m[s.CaseID] = s.State
	return nil
}

func (f *fakeStateRepo) FindByState(_ context.Context, state string) (*model.OauthState, error) {
	for id, s := range f.m {
		if s == state {
			return &model.OauthState{CaseID: id, State: s}, nil
		}
	}
	return nil, errs.ErrNotFound
}

type fakeRefreshRepo struct {
	m map[uuid.UUID]model.RefreshToken
}

var _ repository.RefreshTokenRepository = (*fakeRefreshRepo)(nil)

func (f *fakeRefreshRepo) Save(_ context.Context, t model.RefreshToken) error {
	f.m[t.CaseID] = t
	return nil
}

func (f *fakeRefreshRepo) Find(_ context.Context, id uuid.UUID) (*model.RefreshToken, error) {
	t, ok := f.m[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &t, nil
}

func (f *fakeRefreshRepo) DeleteIfToken(_ context.Context, id uuid.UUID, token string) error {
	if t, ok := f.m[id]; ok && t.Token == token {
		delete(f.m, id)
	}
	return nil
}

func (f *fakeRefreshRepo) FindAll(context.Context) ([]model.RefreshToken, error) {
	out := make([]model.RefreshToken, 0, len(f.m))
	for _, t := range f.m {
		out = append(out, t)
	}
	return out, nil
}

/************ inbox repos ************/

type fakeInboxCaseRepo struct {
	m map[string]model.InboxCase
}

var _ repository.InboxCaseRepository = (*fakeInboxCaseRepo)(nil)

func (f *fakeInboxCaseRepo) Save(_ context.Context, c *model.InboxCase) error {
	if _, ok := f.m[c.ExternalID]; ok {
		return errs.ErrAlreadyExists
	}
	f.m[c.ExternalID] = *c
	return nil
}

func (f *fakeInboxCaseRepo) FindByExternalID(_ context.Context, id string) (*model.InboxCase, error) {
	c, ok := f.m[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &c, nil
}

// fakeInboxTokenRepo calls afterSave, when set, outside its lock after each Save.
type fakeInboxTokenRepo struct {
	mu        sync.Mutex
	m         map[uuid.UUID]model.InboxRefreshToken
	afterSave func(model.InboxRefreshToken)
}

var _ repository.InboxRefreshTokenRepository = (*fakeInboxTokenRepo)(nil)

func (f *fakeInboxTokenRepo) Save(_ context.Context, t model.InboxRefreshToken) error {
	f.mu.Lock()
	f.m[t.CaseID] = t
	hook := f.afterSave
	f.mu.Unlock()
	if hook != nil {
		hook(t)
	}
	return nil
}

func (f *fakeInboxTokenRepo) Rotate(_ context.Context, id uuid.UUID, oldToken string, t model.InboxRefreshToken) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.m[id]
	if !ok || cur.Token != oldToken {
		return false, nil
	}
	t.CaseID = id
	f.m[id] = t
	return true, nil
}

func (f *fakeInboxTokenRepo) Find(_ context.Context, id uuid.UUID) (*model.InboxRefreshToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.m[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &t, nil
}

func (f *fakeInboxTokenRepo) FindFetchedAtBefore(_ context.Context, before time.Time) ([]model.InboxRefreshToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.InboxRefreshToken
	for _, t := range f.m {
		if t.FetchedAt.Before(before) {
			out = append(out, t)
		}
	}
	return out, nil
}

// fakeResourceRepo joins resources with inbox cases and tokens like the SQL implementation.
type fakeResourceRepo struct {
	m      map[uuid.UUID]model.CachedResource
	order  []uuid.UUID
	cases  *fakeInboxCaseRepo
	tokens *fakeInboxTokenRepo
	pages  int
}

var _ repository.ResourceRepository = (*fakeResourceRepo)(nil)

func (f *fakeResourceRepo) Save(_ context.Context, r *model.CachedResource) error {
	f.m[r.ID] = *r
	f.order = append(f.order, r.ID)
	return nil
}

func (f *fakeResourceRepo) Find(_ context.Context, id uuid.UUID) (*model.CachedResource, error) {
	r, ok := f.m[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &r, nil
}

func (f *fakeResourceRepo) Delete(_ context.Context, id uuid.UUID) error {
	if _, ok := f.m[id]; !ok {
		return errs.ErrNotFound
	}
	delete(f.m, id)
	return nil
}

func (f *fakeResourceRepo) FindUploadable(ctx context.Context, limit, offset int) ([]model.UploadableResource, error) {
	f.pages++
	var all []model.UploadableResource
	for _, id := range f.order {
		r, ok := f.m[id]
		if !ok {
			continue
		}
		c, ok := f.cases.m[r.ExternalCaseID]
		if !ok {
			continue
		}
		if _, err := f.tokens.Find(ctx, c.CaseID); err != nil {
			continue
		}
		all = append(all, model.UploadableResource{ResourceID: id, CaseID: c.CaseID, PrivateKeyEnc: c.PrivateKeyEnc})
	}
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (f *fakeResourceRepo) has(id uuid.UUID) bool {
	_, ok := f.m[id]
	return ok
}

type fakeAttemptLog struct {
	m map[uuid.UUID][]time.Time
}

func (f *fakeAttemptLog) Record(_ context.Context, id uuid.UUID, at time.Time) error {
	f.m[id] = append(f.m[id], at)
	return nil
}

func (f *fakeAttemptLog) LastAttempt(_ context.Context, id uuid.UUID) (time.Time, int, error) {
	a := f.m[id]
	if len(a) == 0 {
		return time.Time{}, 0, nil
	}
	return a[len(a)-1], len(a), nil
}

/************ providers ************/

type fakePhone struct{ valid bool }

func (f fakePhone) Validate(_ uuid.UUID, number, _ string) (string, bool) {
	if !f.valid {
		return "", false
	}
	return "+49" + number[1:], true
}

// fakeOauth rotates refresh tokens by appending "'" and fails for configured tokens.
// onExchange, when set, runs before each exchange without holding mu.
type fakeOauth struct {
	mu         sync.Mutex
	codeErr    error
	failFor    map[string]error
	exchanges  []string
	onExchange func(refresh string)
}

var _ oauth.Client = (*fakeOauth)(nil)

func (f *fakeOauth) AuthorizationURL(state, pk string) string {
	return "https://provider.test/authorize?" + url.Values{"state": {state}, "public_key": {pk}}.Encode()
}

func (f *fakeOauth) RefreshToken(_ context.Context, code string) (string, error) {
	if f.codeErr != nil {
		return "", f.codeErr
	}
	return "refresh-" + code, nil
}

func (f *fakeOauth) ExchangeRefreshToken(_ context.Context, refresh string) (oauth.TokenPair, error) {
	if f.onExchange != nil {
		f.onExchange(refresh)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchanges = append(f.exchanges, refresh)
	if err, ok := f.failFor[refresh]; ok {
		return oauth.TokenPair{}, err
	}
	return oauth.TokenPair{AccessToken: "access-" + refresh, RefreshToken: refresh + "'"}, nil
}

/************ wiring ************/

var testFrame = invitation.TimeFrame{Duration: 30 * time.Second, Num: 5}

func testKey(t *testing.T, purpose string) *crypto.AES {
	t.Helper()
	master := make([]byte, crypto.MinMasterLen)
	for i := range master {
		master[i] = byte(i)
	}
	k, err := crypto.NewAESFromMaster(master, purpose)
	if err != nil {
		t.Fatalf("aes: %v", err)
	}
	return k
}

type pairingEnv struct {
	svc     *PairingServiceImpl
	cases   *fakeCaseRepo
	nonces  *fakeNonceRepo
	states  *fakeStateRepo
	refresh *fakeRefreshRepo
	phone   *fakePhone
	sms     *notify.MockSmsSender
	email   *notify.MockEmailSender
	oauth   *fakeOauth
}

func newPairingEnv(t *testing.T) *pairingEnv {
	t.Helper()
	log := zaptest.NewLogger(t)
	e := &pairingEnv{
		cases:   &fakeCaseRepo{m: map[uuid.UUID]model.Case{}},
		nonces:  &fakeNonceRepo{m: map[uuid.UUID]int64{}},
		states:  &fakeStateRepo{m: map[uuid.UUID]string{}},
		refresh: &fakeRefreshRepo{m: map[uuid.UUID]model.RefreshToken{}},
		phone:   &fakePhone{valid: true},
		sms:     notify.NewMockSmsSender(log),
		email:   notify.NewMockEmailSender(log),
		oauth:   &fakeOauth{},
	}
	e.svc = NewPairingService(
		PairingRepos{Cases: e.cases, Nonces: e.nonces, States: e.states, RefreshTokens: e.refresh},
		PairingProviders{
			Phone:     e.phone,
			Sms:       e.sms,
			Email:     e.email,
			Templates: notify.NewTemplates("de", "support@hospital.test"),
			Oauth:     e.oauth,
		},
		PairingConfig{
			FrontendURL: "https://connect.test",
			DefaultLang: "de",
			PinLength:   6,
			Frame:       testFrame,
			TokenKey:    testKey(t, crypto.PurposeInvitationToken),
			RefreshKey:  testKey(t, crypto.PurposeRefreshToken),
		},
		log,
	)
	return e
}
