// Package httpserver exposes the hospital API, the PIN steps and the OAuth callback over echo.
package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/and161185/health-connector/internal/limiter"
	"github.com/and161185/health-connector/internal/service"
)

// Pairing is the pairing service plus token inspection for the PIN limiter.
type Pairing interface {
	service.PairingService
	TokenCaseID(encToken string) (uuid.UUID, bool)
}

// Deps are the collaborators of the HTTP surface.
type Deps struct {
	Pairing      Pairing
	Inbox        service.InboxService
	Limiter      limiter.Limiter
	ServiceKey   func() ([]byte, error)
	FrontendURL  string
	EmailContact string
	DefaultLang  string
	BodyLimit    string // e.g. "4M"
	Now          func() time.Time
	Log          *zap.Logger
}

type Server struct {
	e    *echo.Echo
	deps Deps
	log  *zap.Logger
}

// New builds the echo instance and registers every route.
func New(d Deps) *Server {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.DefaultLang == "" {
		d.DefaultLang = "de"
	}
	if d.BodyLimit == "" {
		d.BodyLimit = "4M"
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{e: e, deps: d, log: d.Log}
	e.Use(middleware.RequestID())
	e.Use(RequestLogger(d.Log))
	e.Use(Recovery(d.Log))
	e.Use(middleware.BodyLimit(d.BodyLimit))

	api := e.Group("/api/v1", ServiceAuth(d.ServiceKey, d.Log))
	api.PUT("/cases/:caseId", s.addCase)
	api.PUT("/inbox/cases/:externalCaseId", s.registerCase)
	api.POST("/inbox/cases/:externalCaseId/resources", s.cacheResource)

	e.GET("/pin", s.pinPage)
	e.POST("/pin/send", s.sendPin)
	e.POST("/pin/check", s.checkPin)
	e.GET("/oauth/callback", s.oauthCallback)
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.e }

// Serve blocks serving lis until Shutdown.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info("http listening", zap.String("addr", lis.Addr().String()))
	s.e.Listener = lis
	err := s.e.Start("")
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}
