package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/health-connector/internal/backoff"
	"github.com/and161185/health-connector/internal/config"
	"github.com/and161185/health-connector/internal/crypto"
	"github.com/and161185/health-connector/internal/d4l"
	"github.com/and161185/health-connector/internal/invitation"
	"github.com/and161185/health-connector/internal/jobs"
	"github.com/and161185/health-connector/internal/limiter"
	"github.com/and161185/health-connector/internal/migrate"
	"github.com/and161185/health-connector/internal/notify"
	"github.com/and161185/health-connector/internal/oauth"
	"github.com/and161185/health-connector/internal/phone"
	"github.com/and161185/health-connector/internal/repository/postgres"
	"github.com/and161185/health-connector/internal/secrets"
	grpcserver "github.com/and161185/health-connector/internal/server/grpc"
	httpserver "github.com/and161185/health-connector/internal/server/http"
	"github.com/and161185/health-connector/internal/service"
)

const (
	jobUpload = "upload"
	jobRenew  = "renew"
	jobSync   = "sync"

	shutdownTimeout = 5 * time.Second
)

// app holds the wired services shared by serve and the one-shot job commands.
type app struct {
	env     *runEnv
	db      *postgres.DB
	pairing *service.PairingServiceImpl
	inbox   *service.InboxServiceImpl
	upload  *service.UploadDocumentsUseCase
	renew   *service.RenewRefreshTokensUseCase
	limiter *limiter.PG
	jwtKey  *secrets.Secret
}

// externals are the provider implementations selected once by PROVIDERS.
type externals struct {
	sms      notify.SmsSender
	email    notify.EmailSender
	oauth    oauth.Client
	uploader d4l.Uploader
}

type keys struct {
	token, refresh, resource, privateKey *crypto.AES
}

func deriveKeys(src secrets.Source) (keys, error) {
	master, err := secrets.New(src, config.SecretMaster, 0, secrets.WithDecoder(secrets.HexDecode)).GetRequired()
	if err != nil {
		return keys{}, err
	}
	var k keys
	for purpose, dst := range map[string]**crypto.AES{
		crypto.PurposeInvitationToken: &k.token,
		crypto.PurposeRefreshToken:    &k.refresh,
		crypto.PurposeResourceCache:   &k.resource,
		crypto.PurposePrivateKey:      &k.privateKey,
	} {
		if *dst, err = crypto.NewAESFromMaster(master, purpose); err != nil {
			return keys{}, fmt.Errorf("derive %s key: %w", purpose, err)
		}
	}
	return k, nil
}

func selectExternals(env *runEnv) (externals, error) {
	cfg, log := env.cfg, env.log
	if !cfg.IsLive() {
		redirect := cfg.OauthRedirectURL
		if redirect == "" {
			redirect = "http://localhost" + cfg.HTTPAddr + "/oauth/callback"
		}
		return externals{
			sms:      notify.NewMockSmsSender(log),
			email:    notify.NewMockEmailSender(log),
			oauth:    &oauth.MockClient{RedirectURL: redirect},
			uploader: d4l.NewMockUploader(log),
		}, nil
	}

	clientSecret, err := secrets.New(env.secrets, config.SecretOauthClient, 0).GetRequired()
	if err != nil {
		return externals{}, err
	}
	smsToken, err := secrets.New(env.secrets, config.SecretSmsToken, 0).GetRequired()
	if err != nil {
		return externals{}, err
	}
	smtpPassword, _, err := secrets.New(env.secrets, config.SecretSmtpPassword, 0).Get()
	if err != nil {
		return externals{}, err
	}
	return externals{
		sms:   notify.NewHTTPSmsSender(cfg.SmsGatewayURL, string(smsToken), cfg.SmsSender, cfg.HTTPTimeout),
		email: notify.NewSMTPEmailSender(log, cfg.SMTPAddr, cfg.SMTPUser, string(smtpPassword), cfg.SMTPFrom),
		oauth: oauth.NewLiveClient(oauth.Config{
			ClientID:     cfg.OauthClientID,
			ClientSecret: string(clientSecret),
			AuthURL:      cfg.OauthAuthURL,
			TokenURL:     cfg.OauthTokenURL,
			RedirectURL:  cfg.OauthRedirectURL,
			Scopes:       cfg.OauthScopes,
		}, &http.Client{Timeout: cfg.HTTPTimeout}),
		uploader: d4l.NewHTTPUploader(cfg.UploadURL, cfg.UploadRPS, cfg.HTTPTimeout),
	}, nil
}

func buildApp(ctx context.Context, env *runEnv) (*app, error) {
	cfg, log := env.cfg, env.log
	k, err := deriveKeys(env.secrets)
	if err != nil {
		return nil, err
	}
	ext, err := selectExternals(env)
	if err != nil {
		return nil, err
	}

	db, err := postgres.New(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, err
	}

	outboxTokens := postgres.NewRefreshTokenRepo(db)
	inboxTokens := postgres.NewInboxRefreshTokenRepo(db)
	resources := postgres.NewResourceRepo(db)

	pairing := service.NewPairingService(
		service.PairingRepos{
			Cases:         postgres.NewCaseRepo(db),
			Nonces:        postgres.NewCaseNonceRepo(db),
			States:        postgres.NewOauthStateRepo(db),
			RefreshTokens: outboxTokens,
		},
		service.PairingProviders{
			Phone:     phone.NewLibValidator(log, phone.Region(cfg.DefaultLocale, "DE")),
			Sms:       ext.sms,
			Email:     ext.email,
			Templates: notify.NewTemplates(service.BaseLanguage(cfg.DefaultLocale, "de"), cfg.EmailContact),
			Oauth:     ext.oauth,
		},
		service.PairingConfig{
			FrontendURL: cfg.FrontendURL,
			DefaultLang: cfg.DefaultLocale,
			PinLength:   cfg.PinLength,
			Frame:       invitation.TimeFrame{Duration: cfg.PinWindow, Num: cfg.PinWindows},
			TokenKey:    k.token,
			RefreshKey:  k.refresh,
		},
		log.Named("pairing"),
	)

	inbox := service.NewInboxService(
		service.InboxRepos{
			Cases:         postgres.NewInboxCaseRepo(db),
			Resources:     resources,
			RefreshTokens: inboxTokens,
			Outbox:        outboxTokens,
		},
		service.InboxKeys{PrivateKey: k.privateKey, Resource: k.resource},
		pairing,
		log.Named("inbox"),
	)

	mapper := service.NewAccessTokenMapper(inboxTokens, ext.oauth, k.refresh)
	upload := service.NewUploadDocumentsUseCase(
		resources,
		backoff.NewExponentialFilter(postgres.NewUploadAttemptRepo(db), cfg.UploadMinBackoff, cfg.UploadMaxBackoff),
		mapper,
		service.NewDecryptResourceUseCase(resources, k.resource),
		service.NewResourceUploader(ext.uploader),
		k.privateKey,
		cfg.UploadPageSize,
		log.Named("upload"),
	)
	renew := service.NewRenewRefreshTokensUseCase(
		inboxTokens,
		mapper,
		backoff.NewInMemoryFilter(backoff.NewMemoryStore(), cfg.RenewMinBackoff, cfg.RenewMaxBackoff),
		cfg.RenewThreshold,
		log.Named("renew"),
	)

	return &app{
		env:     env,
		db:      db,
		pairing: pairing,
		inbox:   inbox,
		upload:  upload,
		renew:   renew,
		limiter: limiter.NewPG(db.Pool, cfg.PinFailWindow, cfg.PinMaxFails, cfg.PinBlockFor),
		jwtKey:  secrets.New(env.secrets, config.SecretServiceJWT, cfg.SecretTTL),
	}, nil
}

func (a *app) close() { a.db.Close() }

func (a *app) jobs() []jobs.Job {
	cfg := a.env.cfg
	return []jobs.Job{
		{Name: jobUpload, Interval: cfg.UploadInterval, Run: func(ctx context.Context) error {
			_, err := a.upload.Run(ctx, time.Now())
			return err
		}},
		{Name: jobRenew, Interval: cfg.RenewInterval, Run: func(ctx context.Context) error {
			_, err := a.renew.Run(ctx, time.Now())
			return err
		}},
		{Name: jobSync, Interval: cfg.SyncInterval, Run: func(ctx context.Context) error {
			_, err := a.inbox.SyncRefreshTokens(ctx, time.Now())
			return err
		}},
	}
}

// serve runs migrations, both servers and the job runner until ctx is cancelled.
func serve(ctx context.Context, env *runEnv) error {
	cfg, log := env.cfg, env.log
	if err := migrate.Up(ctx, cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}
	a, err := buildApp(ctx, env)
	if err != nil {
		return err
	}
	defer a.close()
	if _, err := a.jwtKey.GetRequired(); err != nil {
		return err
	}

	ops := grpcserver.NewOps(log.Named("ops"), cfg.IsDev())
	runner := jobs.NewRunner(log.Named("jobs"), ops.Health(), a.jobs()...)
	api := httpserver.New(httpserver.Deps{
		Pairing:      a.pairing,
		Inbox:        a.inbox,
		Limiter:      a.limiter,
		ServiceKey:   a.jwtKey.GetRequired,
		FrontendURL:  cfg.FrontendURL,
		EmailContact: cfg.EmailContact,
		DefaultLang:  service.BaseLanguage(cfg.DefaultLocale, "de"),
		Log:          log.Named("http"),
	})

	httpLis, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen http: %w", err)
	}
	opsLis, err := net.Listen("tcp", cfg.OpsAddr)
	if err != nil {
		_ = httpLis.Close()
		return fmt.Errorf("listen ops: %w", err)
	}

	errCh := make(chan error, 2)
	go func() { errCh <- api.Serve(httpLis) }()
	go func() { errCh <- ops.Serve(opsLis) }()
	ops.SetReady(true)

	jobCtx, cancelJobs := context.WithCancel(ctx)
	defer cancelJobs()
	runner.Start(jobCtx)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		log.Error("server error", zap.Error(serveErr))
	}

	ops.SetReady(false)
	shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := api.Shutdown(shCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		log.Warn("http shutdown", zap.Error(err))
	}
	ops.Shutdown(shutdownTimeout)
	cancelJobs()
	runner.Wait()

	log.Info("shutdown complete")
	return serveErr
}

