package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	dto "github.com/prometheus/client_model/go"

	"media-proxy-go/internal/metrics"
)

// findSamples returns every sample of the named metric family.
func findSamples(t *testing.T, m *metrics.Metrics, name string) []*dto.Metric {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return f.GetMetric()
		}
	}
	return nil
}

func labelMap(metric *dto.Metric) map[string]string {
	labels := make(map[string]string)
	for _, lp := range metric.GetLabel() {
		labels[lp.GetName()] = lp.GetValue()
	}
	return labels
}

func TestMetricsMiddleware_IncrementsCounter(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.GET("/proxy", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/proxy?url=aGk", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	found := false
	for _, metric := range findSamples(t, m, "media_proxy_http_requests_total") {
		if labelMap(metric)["path_prefix"] == "/proxy" {
			found = true
			if v := metric.GetCounter().GetValue(); v != 1 {
				t.Errorf("counter value = %v, want 1", v)
			}
		}
	}
	if !found {
		t.Error("expected media_proxy_http_requests_total with path_prefix=/proxy")
	}
}

func TestMetricsMiddleware_RecordsDuration(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))

	found := false
	for _, metric := range findSamples(t, m, "media_proxy_http_request_duration_seconds") {
		if metric.GetHistogram().GetSampleCount() > 0 {
			found = true
		}
	}
	if !found {
		t.Error("expected media_proxy_http_request_duration_seconds with at least one sample")
	}
}

func TestMetricsMiddleware_HandlerWrittenStatus(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.GET("/proxy", func(c echo.Context) error {
		return c.String(http.StatusBadRequest, "Missing url parameter")
	})

	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/proxy", http.NoBody))

	for _, metric := range findSamples(t, m, "media_proxy_http_requests_total") {
		labels := labelMap(metric)
		if labels["path_prefix"] == "/proxy" {
			if labels["status_code"] != "400" {
				t.Errorf("status_code = %q, want %q", labels["status_code"], "400")
			}
			return
		}
	}
	t.Error("expected media_proxy_http_requests_total with path_prefix=/proxy")
}

func TestMetricsMiddleware_HTTPErrorStatus(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.GET("/proxy/status", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "unavailable")
	})

	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/proxy/status", http.NoBody))

	for _, metric := range findSamples(t, m, "media_proxy_http_requests_total") {
		labels := labelMap(metric)
		if labels["path_prefix"] == "/proxy/status" {
			if labels["status_code"] != "503" {
				t.Errorf("status_code = %q, want %q", labels["status_code"], "503")
			}
			return
		}
	}
	t.Error("expected media_proxy_http_requests_total with path_prefix=/proxy/status")
}

func TestMetricsMiddleware_UnknownMethodNormalized(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.Any("/proxy", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("XYZZY", "/proxy", http.NoBody))

	for _, metric := range findSamples(t, m, "media_proxy_http_requests_total") {
		labels := labelMap(metric)
		if labels["path_prefix"] == "/proxy" {
			if labels["method"] != "other" {
				t.Errorf("method = %q, want %q", labels["method"], "other")
			}
			return
		}
	}
	t.Error("expected media_proxy_http_requests_total with path_prefix=/proxy and method=other")
}

func TestMetricsMiddleware_RouterNotFound(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nonexistent", http.NoBody))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}

	for _, metric := range findSamples(t, m, "media_proxy_http_requests_total") {
		labels := labelMap(metric)
		if labels["path_prefix"] == "other" && labels["method"] == "GET" {
			if labels["status_code"] != "404" {
				t.Errorf("status_code = %q, want %q", labels["status_code"], "404")
			}
			return
		}
	}
	t.Error("expected media_proxy_http_requests_total with path_prefix=other, method=GET, status_code=404")
}

func TestMetricsMiddleware_InFlightReturnsToZero(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.GET("/proxy", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/proxy", http.NoBody))

	samples := findSamples(t, m, "media_proxy_http_requests_in_flight")
	if len(samples) != 1 {
		t.Fatalf("in-flight samples = %d, want 1", len(samples))
	}
	if v := samples[0].GetGauge().GetValue(); v != 0 {
		t.Errorf("in-flight = %v, want 0", v)
	}
}

func TestMetricsMiddleware_PanicRecordedAsAborted(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(echomw.Recover())
	e.Use(MetricsMiddleware(m))
	e.GET("/proxy", func(c echo.Context) error {
		c.Response().WriteHeader(http.StatusOK)
		panic("origin went away")
	})

	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/proxy", http.NoBody))

	for _, metric := range findSamples(t, m, "media_proxy_http_requests_total") {
		labels := labelMap(metric)
		if labels["path_prefix"] == "/proxy" {
			if labels["status_code"] != "aborted" {
				t.Errorf("status_code = %q, want %q", labels["status_code"], "aborted")
			}
			return
		}
	}
	t.Error("expected media_proxy_http_requests_total with path_prefix=/proxy")
}
