package httpserver

import (
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/and161185/health-connector/internal/errs"
	"github.com/and161185/health-connector/internal/limiter"
	"github.com/and161185/health-connector/internal/service"
)

type addCaseRequest struct {
	Phone     string `json:"phone"`
	Email     string `json:"email"`
	PublicKey string `json:"publicKey"` // base64 PKIX DER
	Lang      string `json:"lang"`
}

type registerCaseRequest struct {
	Phone string `json:"phone"`
	Email string `json:"email"`
	Lang  string `json:"lang"`
}

type tokenRequest struct {
	Token string `json:"token"`
	Pin   string `json:"pin"`
}

type resultResponse struct {
	Result      string `json:"result"`
	CaseID      string `json:"caseId,omitempty"`
	RedirectURL string `json:"redirectUrl,omitempty"`
}

func addCaseStatus(r service.AddCaseResult) int {
	switch r {
	case service.AddCaseCreated:
		return http.StatusCreated
	case service.AddCaseOverridden:
		return http.StatusOK
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) addCase(c echo.Context) error {
	id, err := uuid.FromString(c.Param("caseId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid case id")
	}
	var req addCaseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	pub, err := base64.StdEncoding.DecodeString(req.PublicKey)
	if err != nil || len(pub) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid public key")
	}
	res, err := s.deps.Pairing.AddCase(c.Request().Context(), service.AddCaseInput{
		CaseID: id, Phone: req.Phone, Email: req.Email, PublicKey: pub, Lang: req.Lang,
	})
	if err != nil {
		return s.serviceError(err)
	}
	return c.JSON(addCaseStatus(res), resultResponse{Result: res.String()})
}

func (s *Server) registerCase(c echo.Context) error {
	var req registerCaseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	id, res, err := s.deps.Inbox.RegisterCase(c.Request().Context(), service.RegisterCaseInput{
		ExternalCaseID: c.Param("externalCaseId"), Phone: req.Phone, Email: req.Email, Lang: req.Lang,
	})
	if err != nil {
		return s.serviceError(err)
	}
	return c.JSON(addCaseStatus(res), resultResponse{Result: res.String(), CaseID: id.String()})
}

func (s *Server) cacheResource(c echo.Context) error {
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}
	id, err := s.deps.Inbox.CacheResource(c.Request().Context(), c.Param("externalCaseId"), raw, s.deps.Now())
	if err != nil {
		return s.serviceError(err)
	}
	return c.JSON(http.StatusCreated, map[string]string{"id": id.String()})
}

// pinPage validates the token shape only; the frontend renders the form.
func (s *Server) pinPage(c echo.Context) error {
	if _, ok := s.deps.Pairing.TokenCaseID(c.QueryParam("token")); !ok {
		return c.JSON(http.StatusBadRequest, resultResponse{Result: service.CheckPinMalformedToken.String()})
	}
	return c.JSON(http.StatusOK, map[string]string{"token": c.QueryParam("token")})
}

func (s *Server) sendPin(c echo.Context) error {
	var req tokenRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	res, err := s.deps.Pairing.SendPin(c.Request().Context(), req.Token, s.deps.Now())
	if err != nil {
		return s.serviceError(err)
	}
	code := http.StatusBadRequest
	switch res {
	case service.SendPinSuccess:
		code = http.StatusOK
	case service.SendPinAlreadyPaired:
		code = http.StatusConflict
	case service.SendPinSmsError:
		code = http.StatusBadGateway
	}
	return c.JSON(code, resultResponse{Result: res.String()})
}

func (s *Server) checkPin(c echo.Context) error {
	var req tokenRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	ctx := c.Request().Context()
	caseID, ok := s.deps.Pairing.TokenCaseID(req.Token)
	if !ok {
		return c.JSON(http.StatusBadRequest, resultResponse{Result: service.CheckPinMalformedToken.String()})
	}
	ipHash := limiter.HashIP(c.RealIP())
	allowed, retry, err := s.deps.Limiter.Allow(ctx, caseID, ipHash)
	if err != nil {
		return s.serviceError(err)
	}
	if !allowed {
		return tooManyAttempts(c, retry)
	}

	res, redirect, err := s.deps.Pairing.CheckPin(ctx, req.Token, req.Pin, s.deps.Now())
	if err != nil {
		return s.serviceError(err)
	}
	switch res {
	case service.CheckPinSuccess:
		if err := s.deps.Limiter.Success(ctx, caseID, ipHash); err != nil {
			s.log.Warn("reset pin limiter", zap.String("caseId", caseID.String()), zap.Error(err))
		}
		return c.JSON(http.StatusOK, resultResponse{Result: res.String(), RedirectURL: redirect})
	case service.CheckPinInvalidPin:
		blocked, retry, err := s.deps.Limiter.Failure(ctx, caseID, ipHash)
		if err != nil {
			return s.serviceError(err)
		}
		if blocked {
			s.log.Warn("pin checks blocked", zap.String("caseId", caseID.String()), zap.Duration("for", retry))
			return tooManyAttempts(c, retry)
		}
	}
	return c.JSON(http.StatusBadRequest, resultResponse{Result: res.String()})
}

func tooManyAttempts(c echo.Context, retry time.Duration) error {
	secs := int(retry.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
	return c.JSON(http.StatusTooManyRequests, resultResponse{Result: "TOO_MANY_ATTEMPTS"})
}

// oauthCallback redirects to the localized success page, or to the error page with a
// correlation id that is logged alongside the failure.
func (s *Server) oauthCallback(c echo.Context) error {
	ctx := c.Request().Context()
	state, code := c.QueryParam("state"), c.QueryParam("code")

	var (
		lang string
		err  error
	)
	if c.QueryParam("error") != "" || code == "" {
		err = s.deps.Pairing.OauthError(ctx, state)
	} else {
		lang, err = s.deps.Pairing.OauthSuccess(ctx, state, code, s.deps.Now())
	}
	if err == nil {
		return c.Redirect(http.StatusMovedPermanently, s.frontendURL(lang, "success", nil))
	}

	kind, errLang := "internal_error", s.deps.DefaultLang
	var oe *service.OauthError
	if errors.As(err, &oe) {
		kind, errLang = oe.Kind.String(), oe.Lang
	}
	correlationID := uuid.Must(uuid.NewV4()).String()
	fields := []zap.Field{
		zap.String("correlationId", correlationID),
		zap.String("kind", kind),
		zap.String("providerError", c.QueryParam("error")),
	}
	if oe == nil {
		fields = append(fields, zap.Error(err))
	}
	s.log.Warn("oauth callback failed", fields...)

	base := service.BaseLanguage(errLang, s.deps.DefaultLang)
	q := url.Values{}
	q.Set("lang", base)
	q.Set("correlationId", correlationID)
	q.Set("emailContact", s.deps.EmailContact)
	q.Set("kind", kind)
	return c.Redirect(http.StatusMovedPermanently, s.frontendURL(errLang, "error", q))
}

func (s *Server) frontendURL(lang, page string, q url.Values) string {
	u := strings.TrimRight(s.deps.FrontendURL, "/") + "/" + service.BaseLanguage(lang, s.deps.DefaultLang) + "/" + page
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// serviceError maps use-case errors to HTTP errors without exposing detail.
func (s *Server) serviceError(err error) error {
	switch {
	case errors.Is(err, errs.ErrInvalidInput):
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request")
	case errors.Is(err, errs.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
	}
}
