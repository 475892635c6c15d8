// Package oauth talks to the personal health record provider's OAuth2 endpoints.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"golang.org/x/oauth2"
)

// ErrorKind classifies token endpoint failures.
type ErrorKind int

const (
	// Network covers transport failures and timeouts.
	Network ErrorKind = iota
	// InvalidGrant means the refresh token or code is permanently dead.
	InvalidGrant
	// UnknownResponse covers any other provider answer.
	UnknownResponse
)

func (k ErrorKind) String() string {
	switch k {
	case Network:
		return "network"
	case InvalidGrant:
		return "invalid_grant"
	default:
		return "unknown_response"
	}
}

// ExchangeError is returned by token endpoint calls.
type ExchangeError struct {
	Kind ErrorKind
	Err  error
}

func (e *ExchangeError) Error() string {
	if e.Err == nil {
		return "oauth: " + e.Kind.String()
	}
	return fmt.Sprintf("oauth: %s: %v", e.Kind, e.Err)
}

func (e *ExchangeError) Unwrap() error { return e.Err }

// IsInvalidGrant reports whether err is an ExchangeError of kind InvalidGrant.
func IsInvalidGrant(err error) bool {
	var ee *ExchangeError
	return errors.As(err, &ee) && ee.Kind == InvalidGrant
}

// TokenPair is the result of a refresh token exchange. Refresh tokens rotate.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// Client is the OAuth provider contract used by the connector.
type Client interface {
	// AuthorizationURL builds the URL the patient is redirected to.
	AuthorizationURL(state, publicKeyB64 string) string
	// RefreshToken exchanges an authorization code for a refresh token.
	RefreshToken(ctx context.Context, code string) (string, error)
	// ExchangeRefreshToken trades a refresh token for an access token and a new refresh token.
	ExchangeRefreshToken(ctx context.Context, refresh string) (TokenPair, error)
}

// Config configures the live client.
type Config struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RedirectURL  string
	Scopes       []string
}

// LiveClient implements Client with golang.org/x/oauth2.
type LiveClient struct {
	cfg  oauth2.Config
	http *http.Client
}

// NewLiveClient constructs a client. httpClient bounds every token call.
func NewLiveClient(c Config, httpClient *http.Client) *LiveClient {
	return &LiveClient{
		cfg: oauth2.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			Endpoint:     oauth2.Endpoint{AuthURL: c.AuthURL, TokenURL: c.TokenURL},
			RedirectURL:  c.RedirectURL,
			Scopes:       c.Scopes,
		},
		http: httpClient,
	}
}

// AuthorizationURL implements Client.
func (c *LiveClient) AuthorizationURL(state, publicKeyB64 string) string {
	return c.cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("public_key", publicKeyB64))
}

// RefreshToken implements Client.
func (c *LiveClient) RefreshToken(ctx context.Context, code string) (string, error) {
	tok, err := c.cfg.Exchange(c.ctx(ctx), code)
	if err != nil {
		return "", classify(err)
	}
	if tok.RefreshToken == "" {
		return "", &ExchangeError{Kind: UnknownResponse, Err: errors.New("no refresh token in response")}
	}
	return tok.RefreshToken, nil
}

// ExchangeRefreshToken implements Client.
func (c *LiveClient) ExchangeRefreshToken(ctx context.Context, refresh string) (TokenPair, error) {
	tok, err := c.cfg.TokenSource(c.ctx(ctx), &oauth2.Token{RefreshToken: refresh}).Token()
	if err != nil {
		return TokenPair{}, classify(err)
	}
	if tok.AccessToken == "" {
		return TokenPair{}, &ExchangeError{Kind: UnknownResponse, Err: errors.New("no access token in response")}
	}
	return TokenPair{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken}, nil
}

func (c *LiveClient) ctx(ctx context.Context) context.Context {
	if c.http == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, c.http)
}

func classify(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.ErrorCode == "invalid_grant" {
			return &ExchangeError{Kind: InvalidGrant, Err: err}
		}
		return &ExchangeError{Kind: UnknownResponse, Err: err}
	}
	return &ExchangeError{Kind: Network, Err: err}
}

// MockClient completes the OAuth flow locally. The authorization URL points straight back
// at the redirect URL with a fixed code.
type MockClient struct {
	RedirectURL string
}

// AuthorizationURL implements Client.
func (m *MockClient) AuthorizationURL(state, _ string) string {
	q := url.Values{"state": {state}, "code": {"mock-code"}}
	return m.RedirectURL + "?" + q.Encode()
}

// RefreshToken implements Client.
func (m *MockClient) RefreshToken(_ context.Context, code string) (string, error) {
	if code == "" {
		return "", &ExchangeError{Kind: InvalidGrant}
	}
	return "mock-refresh-" + code, nil
}

// ExchangeRefreshToken implements Client.
func (m *MockClient) ExchangeRefreshToken(_ context.Context, refresh string) (TokenPair, error) {
	if refresh == "" {
		return TokenPair{}, &ExchangeError{Kind: InvalidGrant}
	}
	return TokenPair{AccessToken: "mock-access", RefreshToken: refresh}, nil
}
