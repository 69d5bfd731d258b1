// Package middleware provides Echo middleware for logging, metrics, CORS,
// rate limiting and security headers.
package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// Server errors log at warn; health probes log at debug. A handler that
// panics, as an aborted stream does, is still logged, with aborted=true.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			start := time.Now()
			returned := false

			defer func() {
				req := c.Request()
				res := c.Response()

				level := slog.LevelInfo
				switch {
				case !returned, res.Status >= 500:
					level = slog.LevelWarn
				case req.URL.Path == "/healthz":
					level = slog.LevelDebug
				}

				logger.Log(req.Context(), level, "request",
					"method", req.Method,
					"path", req.URL.Path,
					"status", res.Status,
					"duration_ms", time.Since(start).Milliseconds(),
					"request_id", res.Header().Get(echo.HeaderXRequestID),
					"remote_ip", c.RealIP(),
					"range", req.Header.Get("Range"),
					"bytes_out", res.Size,
					"aborted", !returned,
				)
			}()

			err = next(c)
			returned = true
			return err
		}
	}
}
