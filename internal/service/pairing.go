// Package service contains the pairing and upload use cases of the connector.
package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"golang.org/x/text/language"

	"github.com/and161185/health-connector/internal/crypto"
	"github.com/and161185/health-connector/internal/errs"
	"github.com/and161185/health-connector/internal/invitation"
	"github.com/and161185/health-connector/internal/model"
	"github.com/and161185/health-connector/internal/notify"
	"github.com/and161185/health-connector/internal/oauth"
	"github.com/and161185/health-connector/internal/phone"
	"github.com/and161185/health-connector/internal/repository"
)

// stateLen is the length of generated OAuth state values.
const stateLen = 32

// PairingService drives a case from registration to OAuth authorization.
type PairingService interface {
	// AddCase (re)registers a case and emails a fresh invitation.
	AddCase(ctx context.Context, in AddCaseInput) (AddCaseResult, error)
	// SendPin sends the current PIN of the invitation by SMS.
	SendPin(ctx context.Context, encToken string, now time.Time) (SendPinResult, error)
	// CheckPin verifies a PIN and returns the OAuth authorization URL on success.
	CheckPin(ctx context.Context, encToken, pin string, now time.Time) (CheckPinResult, string, error)
	// OauthSuccess completes pairing and returns the case locale. Pairing failures are *OauthError.
	OauthSuccess(ctx context.Context, state, code string, now time.Time) (string, error)
	// OauthError handles a provider-reported failure. It always returns a non-nil error.
	OauthError(ctx context.Context, state string) error
}

// AddCaseInput is the request of AddCase.
type AddCaseInput struct {
	CaseID    uuid.UUID
	Phone     string
	Email     string
	PublicKey []byte // PKIX DER
	Lang      string // optional BCP-47
}

// PairingRepos groups the outbox stores.
type PairingRepos struct {
	Cases         repository.CaseRepository
	Nonces        repository.CaseNonceRepository
	States        repository.OauthStateRepository
	RefreshTokens repository.RefreshTokenRepository
}

// PairingProviders groups the external collaborators of the pairing flow.
type PairingProviders struct {
	Phone     phone.Validator
	Sms       notify.SmsSender
	Email     notify.EmailSender
	Templates *notify.Templates
	Oauth     oauth.Client
}

// PairingConfig holds the tunables of the pairing flow.
type PairingConfig struct {
	FrontendURL string
	DefaultLang string
	PinLength   int
	Frame       invitation.TimeFrame
	TokenKey    *crypto.AES // invitation tokens
	RefreshKey  *crypto.AES // refresh tokens at rest
}

type PairingServiceImpl struct {
	repos PairingRepos
	prov  PairingProviders
	cfg   PairingConfig
	log   *zap.Logger
}

// NewPairingService constructs PairingService with required dependencies.
func NewPairingService(repos PairingRepos, prov PairingProviders, cfg PairingConfig, log *zap.Logger) *PairingServiceImpl {
	if cfg.DefaultLang == "" {
		cfg.DefaultLang = "de"
	}
	return &PairingServiceImpl{repos: repos, prov: prov, cfg: cfg, log: log}
}

// AddCase upserts the case as UNPAIRED, then validates the phone and sends the invitation.
// The nonce and the INVITATION_SENT status are persisted only after the email was accepted.
func (s *PairingServiceImpl) AddCase(ctx context.Context, in AddCaseInput) (AddCaseResult, error) {
	if in.CaseID == uuid.Nil || len(in.PublicKey) == 0 {
		return 0, fmt.Errorf("%w: case id and public key are required", errs.ErrInvalidInput)
	}
	lang := s.normalizeLang(in.Lang)
	log := s.log.With(zap.String("caseId", in.CaseID.String()))

	created := false
	if _, err := s.repos.Cases.Find(ctx, in.CaseID); err != nil {
		if !errors.Is(err, errs.ErrNotFound) {
			return 0, fmt.Errorf("find case: %w", err)
		}
		created = true
	}

	c := &model.Case{ID: in.CaseID, Status: model.StatusUnpaired, PublicKey: in.PublicKey, Lang: lang}
	if err := s.repos.Cases.Save(ctx, c); err != nil {
		return 0, fmt.Errorf("save case: %w", err)
	}

	e164, ok := s.prov.Phone.Validate(in.CaseID, in.Phone, lang)
	if !ok {
		return AddCaseInvalidPhone, nil
	}

	tok, err := invitation.NewToken(in.CaseID, e164, lang)
	if err != nil {
		return 0, err
	}
	enc, err := tok.Encrypt(s.cfg.TokenKey)
	if err != nil {
		return 0, fmt.Errorf("encrypt invitation: %w", err)
	}
	mail, err := s.prov.Templates.Invitation(lang, in.Email, s.invitationLink(lang, enc))
	if err != nil {
		return 0, fmt.Errorf("render invitation: %w", err)
	}
	if !s.prov.Email.SendEmail(ctx, mail) {
		log.Warn("invitation email not sent")
		return AddCaseInvalidEmail, nil
	}

	if err := s.repos.Nonces.Save(ctx, model.CaseNonce{CaseID: in.CaseID, Nonce: tok.Nonce}); err != nil {
		return 0, fmt.Errorf("save nonce: %w", err)
	}
	c.Status = model.StatusInvitationSent
	if err := s.repos.Cases.Save(ctx, c); err != nil {
		return 0, fmt.Errorf("save case: %w", err)
	}
	log.Info("invitation sent", zap.Bool("created", created))
	if created {
		return AddCaseCreated, nil
	}
	return AddCaseOverridden, nil
}

// SendPin sends the PIN of the current time bucket and moves the case to PIN_SENT.
func (s *PairingServiceImpl) SendPin(ctx context.Context, encToken string, now time.Time) (SendPinResult, error) {
	tok, c, res, err := s.resolveToken(ctx, encToken)
	if err != nil {
		return 0, err
	}
	if res != resolveOK {
		return sendPinResults[res], nil
	}
	switch c.Status {
	case model.StatusInvitationSent, model.StatusPinSent, model.StatusPinSucceeded:
	case model.StatusOauthSucceeded:
		return SendPinAlreadyPaired, nil
	default:
		return SendPinInvalidStatus, nil
	}

	sms, err := s.prov.Templates.Pin(tok.Locale, tok.Phone, tok.FirstPin(s.cfg.Frame, now, s.cfg.PinLength))
	if err != nil {
		return 0, fmt.Errorf("render pin: %w", err)
	}
	if err := s.prov.Sms.SendSms(ctx, sms); err != nil {
		s.log.Warn("pin sms failed", zap.String("caseId", c.ID.String()), zap.Error(err))
		return SendPinSmsError, nil
	}

	c.Status = model.StatusPinSent
	if err := s.repos.Cases.Save(ctx, c); err != nil {
		return 0, fmt.Errorf("save case: %w", err)
	}
	return SendPinSuccess, nil
}

// CheckPin accepts any PIN of the configured time frame. On success it stores a fresh OAuth
// state, moves the case to PIN_SUCCEEDED and returns the authorization URL.
func (s *PairingServiceImpl) CheckPin(ctx context.Context, encToken, pin string, now time.Time) (CheckPinResult, string, error) {
	tok, c, res, err := s.resolveToken(ctx, encToken)
	if err != nil {
		return 0, "", err
	}
	if res != resolveOK {
		return checkPinResults[res], "", nil
	}
	if c.Status != model.StatusPinSent {
		return CheckPinPinNotSent, "", nil
	}
	if !tok.MatchesPin(pin, s.cfg.Frame, now, s.cfg.PinLength) {
		return CheckPinInvalidPin, "", nil
	}

	state, err := crypto.RandString(stateLen)
	if err != nil {
		return 0, "", err
	}
	if err := s.repos.States.Save(ctx, model.OauthState{CaseID: c.ID, State: state}); err != nil {
		return 0, "", fmt.Errorf("save state: %w", err)
	}
	c.Status = model.StatusPinSucceeded
	if err := s.repos.Cases.Save(ctx, c); err != nil {
		return 0, "", fmt.Errorf("save case: %w", err)
	}
	return CheckPinSuccess, s.prov.Oauth.AuthorizationURL(state, base64.StdEncoding.EncodeToString(c.PublicKey)), nil
}

// OauthSuccess exchanges the authorization code for a refresh token and completes pairing.
func (s *PairingServiceImpl) OauthSuccess(ctx context.Context, state, code string, now time.Time) (string, error) {
	c, err := s.caseByState(ctx, state)
	if err != nil {
		return "", err
	}
	if c.Status != model.StatusPinSucceeded {
		return "", &OauthError{Kind: InvalidCaseStatus, Lang: c.Lang}
	}

	refresh, err := s.prov.Oauth.RefreshToken(ctx, code)
	if err != nil {
		s.log.Warn("code exchange failed", zap.String("caseId", c.ID.String()), zap.Error(err))
		return "", &OauthError{Kind: OauthRefreshFailed, Lang: c.Lang}
	}
	enc, err := s.cfg.RefreshKey.EncryptString(refresh)
	if err != nil {
		return "", fmt.Errorf("encrypt refresh token: %w", err)
	}
	if err := s.repos.RefreshTokens.Save(ctx, model.RefreshToken{CaseID: c.ID, Token: enc, CreatedAt: now}); err != nil {
		return "", fmt.Errorf("save refresh token: %w", err)
	}
	c.Status = model.StatusOauthSucceeded
	if err := s.repos.Cases.Save(ctx, c); err != nil {
		return "", fmt.Errorf("save case: %w", err)
	}
	s.log.Info("case paired", zap.String("caseId", c.ID.String()))
	return c.Lang, nil
}

// OauthError maps a provider-reported error to a localized OauthError.
func (s *PairingServiceImpl) OauthError(ctx context.Context, state string) error {
	c, err := s.caseByState(ctx, state)
	if err != nil {
		return err
	}
	return &OauthError{Kind: OauthProviderError, Lang: c.Lang}
}

func (s *PairingServiceImpl) caseByState(ctx context.Context, state string) (*model.Case, error) {
	notFound := &OauthError{Kind: OauthStateNotFound, Lang: s.cfg.DefaultLang}
	if state == "" {
		return nil, notFound
	}
	st, err := s.repos.States.FindByState(ctx, state)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, notFound
	}
	if err != nil {
		return nil, fmt.Errorf("find state: %w", err)
	}
	c, err := s.repos.Cases.Find(ctx, st.CaseID)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, notFound
	}
	if err != nil {
		return nil, fmt.Errorf("find case: %w", err)
	}
	return c, nil
}

type resolveResult int

const (
	resolveOK resolveResult = iota
	resolveMalformed
	resolveNoCase
	resolveExpired
)

var sendPinResults = map[resolveResult]SendPinResult{
	resolveMalformed: SendPinMalformedToken,
	resolveNoCase:    SendPinInvalidCaseID,
	resolveExpired:   SendPinExpiredToken,
}

var checkPinResults = map[resolveResult]CheckPinResult{
	resolveMalformed: CheckPinMalformedToken,
	resolveNoCase:    CheckPinInvalidCaseID,
	resolveExpired:   CheckPinExpiredToken,
}

// resolveToken decrypts an invitation token and loads its case. A token whose nonce is not
// the case's current nonce has been superseded by a newer invitation.
func (s *PairingServiceImpl) resolveToken(ctx context.Context, encToken string) (invitation.Token, *model.Case, resolveResult, error) {
	tok, ok := invitation.Decrypt(encToken, s.cfg.TokenKey)
	if !ok {
		return tok, nil, resolveMalformed, nil
	}
	c, err := s.repos.Cases.Find(ctx, tok.CaseID)
	if errors.Is(err, errs.ErrNotFound) {
		return tok, nil, resolveNoCase, nil
	}
	if err != nil {
		return tok, nil, 0, fmt.Errorf("find case: %w", err)
	}
	_, err = s.repos.Nonces.FindByIDAndNonce(ctx, tok.CaseID, tok.Nonce)
	if errors.Is(err, errs.ErrNotFound) {
		return tok, nil, resolveExpired, nil
	}
	if err != nil {
		return tok, nil, 0, fmt.Errorf("find nonce: %w", err)
	}
	return tok, c, resolveOK, nil
}

// TokenCaseID returns the case id carried by an invitation token without touching the stores.
func (s *PairingServiceImpl) TokenCaseID(encToken string) (uuid.UUID, bool) {
	tok, ok := invitation.Decrypt(encToken, s.cfg.TokenKey)
	if !ok {
		return uuid.Nil, false
	}
	return tok.CaseID, true
}

func (s *PairingServiceImpl) normalizeLang(lang string) string {
	if lang == "" {
		return s.cfg.DefaultLang
	}
	tag, err := language.Parse(lang)
	if err != nil {
		return s.cfg.DefaultLang
	}
	return tag.String()
}

func (s *PairingServiceImpl) invitationLink(lang, encToken string) string {
	return strings.TrimRight(s.cfg.FrontendURL, "/") + "/" + BaseLanguage(lang, s.cfg.DefaultLang) + "/pin?token=" + url.QueryEscape(encToken)
}

// BaseLanguage returns the primary language subtag of a locale, e.g. "de" for "de-DE".
func BaseLanguage(lang, fallback string) string {
	tag, err := language.Parse(lang)
	if err != nil {
		return fallback
	}
	base, _ := tag.Base()
	return base.String()
}
