package main

import (
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/and161185/health-connector/internal/config"
	"github.com/and161185/health-connector/internal/d4l"
	"github.com/and161185/health-connector/internal/errs"
	"github.com/and161185/health-connector/internal/notify"
	"github.com/and161185/health-connector/internal/oauth"
	"github.com/and161185/health-connector/internal/secrets"
)

func TestDeriveKeys(t *testing.T) {
	src := secrets.StaticSource{config.SecretMaster: []byte(strings.Repeat("ab", 32))}
	k, err := deriveKeys(src)
	if err != nil {
		t.Fatalf("deriveKeys: %v", err)
	}
	ct, err := k.token.Encrypt([]byte("hello"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := k.refresh.Decrypt(ct); err == nil {
		t.Fatal("keys of different purposes must differ")
	}
	if pt, err := k.token.Decrypt(ct); err != nil || string(pt) != "hello" {
		t.Fatalf("roundtrip: %q %v", pt, err)
	}

	if _, err := deriveKeys(secrets.StaticSource{}); !errors.Is(err, errs.ErrSecretMissing) {
		t.Fatalf("want ErrSecretMissing, got %v", err)
	}
	if _, err := deriveKeys(secrets.StaticSource{config.SecretMaster: []byte("abcd")}); err == nil {
		t.Fatal("short master secret accepted")
	}
}

func TestSelectExternals_Mock(t *testing.T) {
	env := &runEnv{
		cfg:     &config.Config{Providers: config.ProvidersMock, HTTPAddr: ":8080"},
		secrets: secrets.StaticSource{},
		log:     zaptest.NewLogger(t),
	}
	ext, err := selectExternals(env)
	if err != nil {
		t.Fatalf("selectExternals: %v", err)
	}
	if _, ok := ext.sms.(*notify.MockSmsSender); !ok {
		t.Fatalf("sms: %T", ext.sms)
	}
	if _, ok := ext.uploader.(*d4l.MockUploader); !ok {
		t.Fatalf("uploader: %T", ext.uploader)
	}
	mc, ok := ext.oauth.(*oauth.MockClient)
	if !ok || mc.RedirectURL != "http://localhost:8080/oauth/callback" {
		t.Fatalf("oauth: %#v", ext.oauth)
	}
}

func TestSelectExternals_LiveRequiresSecrets(t *testing.T) {
	env := &runEnv{
		cfg:     &config.Config{Providers: config.ProvidersLive},
		secrets: secrets.StaticSource{config.SecretSmsToken: []byte("t")},
		log:     zaptest.NewLogger(t),
	}
	if _, err := selectExternals(env); !errors.Is(err, errs.ErrSecretMissing) {
		t.Fatalf("want ErrSecretMissing, got %v", err)
	}

	env.secrets = secrets.StaticSource{
		config.SecretOauthClient: []byte("c"),
		config.SecretSmsToken:    []byte("t"),
	}
	ext, err := selectExternals(env)
	if err != nil {
		t.Fatalf("selectExternals: %v", err)
	}
	if _, ok := ext.oauth.(*oauth.LiveClient); !ok {
		t.Fatalf("oauth: %T", ext.oauth)
	}
}
