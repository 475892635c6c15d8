package httpserver

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// RequestLogger logs one line per request, with the service token subject once authenticated.
// Query strings are omitted since they carry tokens.
func RequestLogger(log *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			level := zapcore.InfoLevel
			if c.Response().Status >= http.StatusInternalServerError {
				level = zapcore.ErrorLevel
			}
			fields := []zap.Field{
				zap.String("requestId", c.Response().Header().Get(echo.HeaderXRequestID)),
				zap.String("method", req.Method),
				zap.String("path", c.Path()),
				zap.Int("status", c.Response().Status),
				zap.Duration("latency", time.Since(start)),
				zap.String("remoteIp", c.RealIP()),
			}
			if sub, ok := c.Get(ctxSubject).(string); ok && sub != "" {
				fields = append(fields, zap.String("subject", sub))
			}
			if err != nil {
				fields = append(fields, zap.Error(err))
			}
			log.Log(level, "request", fields...)
			return nil
		}
	}
}

// Recovery turns a handler panic into a 500.
func Recovery(log *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("panic recovered",
						zap.String("requestId", c.Response().Header().Get(echo.HeaderXRequestID)),
						zap.String("panic", fmt.Sprintf("%v", r)),
						zap.ByteString("stack", debug.Stack()),
					)
					err = echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
				}
			}()
			return next(c)
		}
	}
}

// ServiceAuth requires an HS256 bearer token signed with the current service key.
// key is consulted per request so a rotated secret takes effect without a restart.
func ServiceAuth(key func() ([]byte, error), log *zap.Logger) echo.MiddlewareFunc {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(30*time.Second),
		jwt.WithExpirationRequired(),
	)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tok, ok := bearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}
			secret, err := key()
			if err != nil {
				log.Error("service key unavailable", zap.Error(err))
				return echo.NewHTTPError(http.StatusServiceUnavailable, "authentication unavailable")
			}
			var claims jwt.RegisteredClaims
			_, err = parser.ParseWithClaims(tok, &claims, func(*jwt.Token) (any, error) { return secret, nil })
			if err != nil {
				if errors.Is(err, jwt.ErrTokenExpired) {
					return echo.NewHTTPError(http.StatusUnauthorized, "token expired")
				}
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			c.Set(ctxSubject, claims.Subject)
			return next(c)
		}
	}
}

const ctxSubject = "service_subject"

func bearerToken(h string) (string, bool) {
	h = strings.TrimSpace(h)
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return "", false
	}
	t := strings.TrimSpace(h[7:])
	return t, t != ""
}
