package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"media-proxy-go/internal/codec"
	"media-proxy-go/internal/config"
	"media-proxy-go/internal/metrics"
	"media-proxy-go/internal/model"
	"media-proxy-go/internal/relay"
	"media-proxy-go/internal/service"
)

// ProxyHandler serves the /proxy route.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
	metrics *metrics.Metrics
	stream  relay.Options
}

// NewProxyHandler creates a ProxyHandler. The metrics parameter is optional.
func NewProxyHandler(svc *service.ProxyService, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
		metrics: m,
		stream: relay.Options{
			BufferSize:  cfg.Stream.BufferBytes,
			IdleTimeout: time.Duration(cfg.Stream.IdleTimeoutSeconds) * time.Second,
		},
	}
}

// Handle fetches the decoded target from the origin. Playlists are rewritten
// and returned whole; anything else is streamed back as it arrives.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()
	q := req.URL.Query()
	_, hasTarget := q[codec.ParamURL]

	// Canceled when the client goes away or the relay gives up on an idle
	// origin; either way the upstream connection is released.
	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()

	pr := &model.ProxyRequest{
		Ctx:           ctx,
		EncodedTarget: q.Get(codec.ParamURL),
		HasTarget:     hasTarget,
		EncodedCookie: q.Get(codec.ParamCookie),
		Range:         req.Header.Get("Range"),
	}

	target, resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.IsPlaylist {
		return h.servePlaylist(c, target, resp)
	}
	return h.serveStream(c, cancel, target, resp)
}

func (h *ProxyHandler) servePlaylist(c echo.Context, target *model.ResolvedTarget, resp *model.UpstreamResponse) error {
	body, err := h.service.RewritePlaylist(target, resp)
	if err != nil {
		return h.mapError(c, err)
	}

	res := c.Response()
	copyHeaders(res.Header(), resp.Header)
	res.Header().Set(echo.HeaderContentLength, strconv.Itoa(len(body)))
	res.WriteHeader(resp.StatusCode)

	if _, err := res.Write(body); err != nil {
		h.logger.Debug("writing playlist", "err", err, "host", target.URL.Host)
	}
	return nil
}

func (h *ProxyHandler) serveStream(c echo.Context, cancel context.CancelFunc, target *model.ResolvedTarget, resp *model.UpstreamResponse) error {
	res := c.Response()
	copyHeaders(res.Header(), resp.Header)
	res.WriteHeader(resp.StatusCode)
	// Commit the headers now so the body goes out chunked, without a
	// Content-Length computed from whatever happens to fit the first buffer.
	res.Flush()

	n, err := relay.Copy(res, resp.Body, h.stream, cancel)
	if h.metrics != nil {
		h.metrics.StreamedBytes.Add(float64(n))
	}
	if err == nil {
		return nil
	}

	var writeErr *relay.WriteError
	if errors.As(err, &writeErr) || c.Request().Context().Err() != nil {
		// Client hung up; the deferred cancel and body close stop the origin read.
		h.recordAbort("client_gone")
		h.logger.Debug("client disconnected mid-stream",
			"host", target.URL.Host,
			"path", target.URL.Path,
			"bytes", n,
		)
		return nil
	}

	cause := "upstream_error"
	if errors.Is(err, relay.ErrIdleTimeout) {
		cause = "idle_timeout"
	}
	h.recordAbort(cause)
	h.logger.Warn("upstream stream failed; aborting response",
		"err", err,
		"host", target.URL.Host,
		"path", target.URL.Path,
		"bytes", n,
		"cause", cause,
	)
	// Status and part of the body are already out. Aborting the connection
	// is the only way left to tell the client the body is incomplete.
	panic(http.ErrAbortHandler)
}

func (h *ProxyHandler) recordAbort(cause string) {
	if h.metrics != nil {
		h.metrics.StreamsAborted.WithLabelValues(cause).Inc()
	}
}

// mapError converts a pipeline failure into its plain-text response.
func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	var pe *service.ProxyError
	if !errors.As(err, &pe) {
		h.logger.Error("proxy error", "err", err)
		return c.String(http.StatusInternalServerError, err.Error())
	}

	switch pe.Kind {
	case service.KindMissingTarget, service.KindInvalidTarget:
		h.logger.Debug("rejected request",
			"kind", pe.Kind.String(),
			"err", pe.Err,
		)
		return c.String(http.StatusBadRequest, pe.Message)

	case service.KindUpstreamConnect:
		h.logger.Error("upstream request failed",
			"kind", pe.Kind.String(),
			"err", pe.Err,
		)
		return c.String(http.StatusInternalServerError, pe.Message)

	case service.KindRewrite:
		h.logger.Error("playlist rewrite failed",
			"kind", pe.Kind.String(),
			"err", pe.Err,
		)
		return c.String(http.StatusBadGateway, pe.Message)

	default:
		h.logger.Error("proxy error", "err", err)
		return c.String(http.StatusInternalServerError, pe.Message)
	}
}

// copyHeaders adds src to dst. CORS headers already set by the proxy's own
// policy win over whatever the origin declared.
func copyHeaders(dst, src http.Header) {
	for key, vals := range src {
		if strings.HasPrefix(key, "Access-Control-") && dst.Get(key) != "" {
			continue
		}
		for _, v := range vals {
			dst.Add(key, v)
		}
	}
}
