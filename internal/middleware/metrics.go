package middleware

import (
	"errors"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"media-proxy-go/internal/metrics"
)

// statusAborted labels requests whose handler panicked, which is how a
// stream cut short by its origin leaves the handler.
const statusAborted = "aborted"

// MetricsMiddleware returns an Echo middleware that records Prometheus metrics
// for each inbound request. Duration covers the whole response, so for
// streamed media it is the time the viewer stayed connected.
func MetricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			m.RequestsInFlight.Inc()
			start := time.Now()
			returned := false

			defer func() {
				m.RequestsInFlight.Dec()

				status := statusAborted
				if returned {
					status = strconv.Itoa(statusCode(c, err))
				}
				method := metrics.NormalizeMethod(c.Request().Method)
				path := metrics.NormalizePath(c.Request().URL.Path)

				m.RequestsTotal.WithLabelValues(method, status, path).Inc()
				m.RequestDuration.WithLabelValues(method, status, path).Observe(time.Since(start).Seconds())
			}()

			err = next(c)
			returned = true
			return err
		}
	}
}

// statusCode resolves the status the client will see. An *echo.HTTPError
// has not been written yet when the handler returns; Echo's error handler
// writes it later.
func statusCode(c echo.Context, err error) int {
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he.Code
		}
	}
	return c.Response().Status
}
