// Package secrets provides lazily loaded secret values with a bounded cache lifetime.
package secrets

import (
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/and161185/health-connector/internal/errs"
)

// Source is a secrets backend.
type Source interface {
	// Lookup returns the raw value of name and whether it is set.
	Lookup(name string) ([]byte, bool, error)
}

// ViperSource reads secrets from a viper instance (environment, .env).
type ViperSource struct {
	v *viper.Viper
}

// NewViperSource wraps v.
func NewViperSource(v *viper.Viper) *ViperSource { return &ViperSource{v: v} }

// Lookup implements Source.
func (s *ViperSource) Lookup(name string) ([]byte, bool, error) {
	if !s.v.IsSet(name) {
		return nil, false, nil
	}
	val := strings.TrimSpace(s.v.GetString(name))
	if val == "" {
		return nil, false, nil
	}
	return []byte(val), true, nil
}

// StaticSource serves fixed values. Used in tests and mock setups.
type StaticSource map[string][]byte

// Lookup implements Source.
func (s StaticSource) Lookup(name string) ([]byte, bool, error) {
	v, ok := s[name]
	return v, ok, nil
}

// HexDecode decodes hex encoded secrets.
func HexDecode(b []byte) ([]byte, error) {
	out := make([]byte, hex.DecodedLen(len(b)))
	n, err := hex.Decode(out, b)
	if err != nil {
		return nil, fmt.Errorf("decode secret: %w", err)
	}
	return out[:n], nil
}

// Secret is a single named value. The source is re-read once the cached value is older than ttl.
type Secret struct {
	name   string
	src    Source
	ttl    time.Duration
	decode func([]byte) ([]byte, error)
	now    func() time.Time

	mu      sync.Mutex
	value   []byte
	present bool
	loaded  time.Time
}

// Option configures a Secret.
type Option func(*Secret)

// WithDecoder transforms raw values before they are cached.
func WithDecoder(f func([]byte) ([]byte, error)) Option { return func(s *Secret) { s.decode = f } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Secret) { s.now = now } }

// New constructs a Secret. ttl <= 0 disables caching.
func New(src Source, name string, ttl time.Duration, opts ...Option) *Secret {
	s := &Secret{name: name, src: src, ttl: ttl, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Get returns the value and whether it is set.
func (s *Secret) Get() ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.ttl > 0 && !s.loaded.IsZero() && now.Sub(s.loaded) < s.ttl {
		return s.value, s.present, nil
	}
	raw, ok, err := s.src.Lookup(s.name)
	if err != nil {
		return nil, false, fmt.Errorf("lookup %s: %w", s.name, err)
	}
	if ok && s.decode != nil {
		if raw, err = s.decode(raw); err != nil {
			return nil, false, fmt.Errorf("%s: %w", s.name, err)
		}
	}
	s.value, s.present, s.loaded = raw, ok, now
	return raw, ok, nil
}

// GetRequired returns the value or errs.ErrSecretMissing.
func (s *Secret) GetRequired() ([]byte, error) {
	v, ok, err := s.Get()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", s.name, errs.ErrSecretMissing)
	}
	return v, nil
}
