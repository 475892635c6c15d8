// Package config loads connector settings from the environment and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Provider modes.
const (
	ProvidersMock = "mock"
	ProvidersLive = "live"
)

// Secret names. They are read through the secrets package, never unmarshalled into Config.
const (
	SecretMaster       = "MASTER_SECRET"
	SecretServiceJWT   = "SERVICE_JWT_KEY"
	SecretOauthClient  = "OAUTH_CLIENT_SECRET"
	SecretSmsToken     = "SMS_GATEWAY_TOKEN"
	SecretSmtpPassword = "SMTP_PASSWORD"
)

type Config struct {
	Env         string `mapstructure:"ENV"`
	HTTPAddr    string `mapstructure:"HTTP_ADDR"`
	OpsAddr     string `mapstructure:"OPS_ADDR"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	Providers   string `mapstructure:"PROVIDERS"`

	OauthClientID    string   `mapstructure:"OAUTH_CLIENT_ID"`
	OauthAuthURL     string   `mapstructure:"OAUTH_AUTH_URL"`
	OauthTokenURL    string   `mapstructure:"OAUTH_TOKEN_URL"`
	OauthRedirectURL string   `mapstructure:"OAUTH_REDIRECT_URL"`
	OauthScopes      []string `mapstructure:"OAUTH_SCOPES"`

	SmsGatewayURL string        `mapstructure:"SMS_GATEWAY_URL"`
	SmsSender     string        `mapstructure:"SMS_SENDER"`
	SMTPAddr      string        `mapstructure:"SMTP_ADDR"`
	SMTPUser      string        `mapstructure:"SMTP_USER"`
	SMTPFrom      string        `mapstructure:"SMTP_FROM"`
	UploadURL     string        `mapstructure:"UPLOAD_URL"`
	UploadRPS     float64       `mapstructure:"UPLOAD_RPS"`
	HTTPTimeout   time.Duration `mapstructure:"PROVIDER_TIMEOUT"`

	FrontendURL   string `mapstructure:"FRONTEND_URL"`
	EmailContact  string `mapstructure:"EMAIL_CONTACT"`
	DefaultLocale string `mapstructure:"DEFAULT_LOCALE"`

	PinLength     int           `mapstructure:"PIN_LENGTH"`
	PinWindow     time.Duration `mapstructure:"PIN_WINDOW"`
	PinWindows    int           `mapstructure:"PIN_WINDOWS"`
	PinMaxFails   int           `mapstructure:"PIN_MAX_FAILS"`
	PinFailWindow time.Duration `mapstructure:"PIN_FAIL_WINDOW"`
	PinBlockFor   time.Duration `mapstructure:"PIN_BLOCK_FOR"`

	UploadInterval   time.Duration `mapstructure:"UPLOAD_INTERVAL"`
	UploadMinBackoff time.Duration `mapstructure:"UPLOAD_MIN_BACKOFF"`
	UploadMaxBackoff time.Duration `mapstructure:"UPLOAD_MAX_BACKOFF"`
	UploadPageSize   int           `mapstructure:"UPLOAD_PAGE_SIZE"`
	SyncInterval     time.Duration `mapstructure:"SYNC_INTERVAL"`
	RenewInterval    time.Duration `mapstructure:"RENEW_INTERVAL"`
	RenewThreshold   time.Duration `mapstructure:"RENEW_THRESHOLD"`
	RenewMinBackoff  time.Duration `mapstructure:"RENEW_MIN_BACKOFF"`
	RenewMaxBackoff  time.Duration `mapstructure:"RENEW_MAX_BACKOFF"`

	SecretTTL time.Duration `mapstructure:"SECRET_TTL"`
}

var defaults = map[string]any{
	"ENV":                "production",
	"HTTP_ADDR":          ":8080",
	"OPS_ADDR":           ":9090",
	"DB_MAX_CONNS":       10,
	"DB_MIN_CONNS":       2,
	"PROVIDERS":          ProvidersMock,
	"OAUTH_SCOPES":       "rec:r,rec:w,attachment:r,attachment:w",
	"UPLOAD_RPS":         5,
	"PROVIDER_TIMEOUT":   "10s",
	"DEFAULT_LOCALE":     "de",
	"PIN_LENGTH":         6,
	"PIN_WINDOW":         "30s",
	"PIN_WINDOWS":        5,
	"PIN_MAX_FAILS":      5,
	"PIN_FAIL_WINDOW":    "15m",
	"PIN_BLOCK_FOR":      "15m",
	"UPLOAD_INTERVAL":    "1m",
	"UPLOAD_MIN_BACKOFF": "1m",
	"UPLOAD_MAX_BACKOFF": "6h",
	"UPLOAD_PAGE_SIZE":   100,
	"SYNC_INTERVAL":      "30s",
	"RENEW_INTERVAL":     "1h",
	"RENEW_THRESHOLD":    "168h",
	"RENEW_MIN_BACKOFF":  "10m",
	"RENEW_MAX_BACKOFF":  "24h",
	"SECRET_TTL":         "5m",
}

var envKeys = []string{
	"DATABASE_URL", "OAUTH_CLIENT_ID", "OAUTH_AUTH_URL", "OAUTH_TOKEN_URL", "OAUTH_REDIRECT_URL",
	"SMS_GATEWAY_URL", "SMS_SENDER", "SMTP_ADDR", "SMTP_USER", "SMTP_FROM", "UPLOAD_URL",
	"FRONTEND_URL", "EMAIL_CONTACT",
	SecretMaster, SecretServiceJWT, SecretOauthClient, SecretSmsToken, SecretSmtpPassword,
}

// NewViper returns a viper instance over the environment and, if present, envFile.
func NewViper(envFile string) *viper.Viper {
	v := viper.New()
	if envFile != "" {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
	}
	v.AutomaticEnv()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	// Bind env vars explicitly so Unmarshal picks them up
	for k := range defaults {
		_ = v.BindEnv(k)
	}
	for _, k := range envKeys {
		_ = v.BindEnv(k)
	}
	// Try reading .env file, but don't fail if missing
	if envFile != "" {
		_ = v.ReadInConfig()
	}
	return v
}

// Load reads the configuration from v and validates it.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.OauthScopes) == 1 && strings.Contains(cfg.OauthScopes[0], ",") {
		cfg.OauthScopes = strings.Split(cfg.OauthScopes[0], ",")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsLive reports whether real providers are used.
func (c *Config) IsLive() bool {
	return c.Providers == ProvidersLive
}

// Validate checks that the configuration is complete and consistent.
func (c *Config) Validate() error {
	var problems []error
	if c.DatabaseURL == "" {
		problems = append(problems, errors.New("DATABASE_URL is required"))
	}
	if c.FrontendURL == "" {
		problems = append(problems, errors.New("FRONTEND_URL is required"))
	}
	switch c.Providers {
	case ProvidersMock:
	case ProvidersLive:
		for name, val := range map[string]string{
			"OAUTH_CLIENT_ID":    c.OauthClientID,
			"OAUTH_AUTH_URL":     c.OauthAuthURL,
			"OAUTH_TOKEN_URL":    c.OauthTokenURL,
			"OAUTH_REDIRECT_URL": c.OauthRedirectURL,
			"SMS_GATEWAY_URL":    c.SmsGatewayURL,
			"SMTP_ADDR":          c.SMTPAddr,
			"SMTP_FROM":          c.SMTPFrom,
			"UPLOAD_URL":         c.UploadURL,
		} {
			if val == "" {
				problems = append(problems, fmt.Errorf("%s is required when PROVIDERS=live", name))
			}
		}
	default:
		problems = append(problems, fmt.Errorf("PROVIDERS must be %q or %q, got %q", ProvidersMock, ProvidersLive, c.Providers))
	}
	if c.PinLength < 4 || c.PinLength > 9 {
		problems = append(problems, fmt.Errorf("PIN_LENGTH must be between 4 and 9, got %d", c.PinLength))
	}
	if c.PinWindow <= 0 || c.PinWindows < 1 {
		problems = append(problems, errors.New("PIN_WINDOW and PIN_WINDOWS must be positive"))
	}
	if c.UploadMinBackoff <= 0 || c.UploadMinBackoff > c.UploadMaxBackoff {
		problems = append(problems, errors.New("UPLOAD_MIN_BACKOFF must be positive and not exceed UPLOAD_MAX_BACKOFF"))
	}
	if c.RenewMinBackoff <= 0 || c.RenewMinBackoff > c.RenewMaxBackoff {
		problems = append(problems, errors.New("RENEW_MIN_BACKOFF must be positive and not exceed RENEW_MAX_BACKOFF"))
	}
	for name, d := range map[string]time.Duration{
		"UPLOAD_INTERVAL": c.UploadInterval,
		"SYNC_INTERVAL":   c.SyncInterval,
		"RENEW_INTERVAL":  c.RenewInterval,
	} {
		if d <= 0 {
			problems = append(problems, fmt.Errorf("%s must be positive", name))
		}
	}
	return errors.Join(problems...)
}
