// Package service implements the core proxy pipeline: target decoding,
// upstream request construction, response classification and header
// filtering, and playlist rewriting.
package service

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"media-proxy-go/internal/client"
	"media-proxy-go/internal/codec"
	"media-proxy-go/internal/config"
	"media-proxy-go/internal/metrics"
	"media-proxy-go/internal/model"
	"media-proxy-go/internal/playlist"
)

// droppedResponseHeaders are never copied from the origin. Their framing no
// longer holds once the body is rewritten or re-chunked.
var droppedResponseHeaders = []string{
	"Transfer-Encoding",
	"Content-Length",
}

// ProxyService resolves proxy requests and fetches them from the origin.
type ProxyService struct {
	client   *client.UpstreamClient
	cfg      *config.Config
	logger   *slog.Logger
	rewriter *playlist.Rewriter
	metrics  *metrics.Metrics
}

// NewProxyService creates a ProxyService. The metrics parameter is optional.
func NewProxyService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyService {
	return &ProxyService{
		client:   c,
		cfg:      cfg,
		logger:   logger.With("component", "proxy_service"),
		rewriter: playlist.NewRewriter(cfg.Server.PublicURL),
		metrics:  m,
	}
}

// Resolve decodes the target URL and cookie of pr.
//
// A missing or undecodable target is fatal; a bad cookie silently becomes
// the empty string for the origin and is kept as received for rewritten URLs.
func (s *ProxyService) Resolve(pr *model.ProxyRequest) (*model.ResolvedTarget, error) {
	if !pr.HasTarget {
		return nil, newError(KindMissingTarget, MsgMissingTarget, nil)
	}

	raw, err := codec.DecodeText(pr.EncodedTarget)
	if err != nil {
		return nil, newError(KindInvalidTarget, MsgInvalidBase64URL, err)
	}

	// A decoded target the transport cannot request (unparseable, no scheme,
	// no host) fails like an unreachable origin: 500 with the error text.
	// Scheme and host are left for the transport to reject in Forward.
	u, err := url.Parse(raw)
	if err != nil {
		return nil, upstreamError(err)
	}

	return &model.ResolvedTarget{
		URL:           u,
		Cookie:        codec.DecodeCookie(pr.EncodedCookie),
		EncodedCookie: pr.EncodedCookie,
	}, nil
}

// Forward resolves pr and issues the upstream GET. On success the returned
// response carries the filtered header set and its playlist classification.
// The caller is responsible for closing the response body.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ResolvedTarget, *model.UpstreamResponse, error) {
	target, err := s.Resolve(pr)
	if err != nil {
		return nil, nil, err
	}

	s.logger.Debug("forwarding request",
		"host", target.URL.Host,
		"path", target.URL.Path,
		"range", pr.Range,
		"has_cookie", target.Cookie != "",
	)

	resp, err := s.client.Get(pr.Ctx, target.URL.String(), s.buildRequestHeaders(target, pr.Range))
	if err != nil {
		return nil, nil, upstreamError(err)
	}

	resp.IsPlaylist = playlist.IsPlaylist(resp.Header.Get("Content-Type"))
	resp.Header = filterResponseHeaders(resp.Header)
	return target, resp, nil
}

// RewritePlaylist reads the whole manifest body of resp and returns it with
// every URI routed back through the proxy. The body is consumed but not
// closed.
func (s *ProxyService) RewritePlaylist(target *model.ResolvedTarget, resp *model.UpstreamResponse) ([]byte, error) {
	data, err := playlist.ReadLimited(resp.Body, s.cfg.Playlist.MaxBytes)
	if err != nil {
		s.recordRewrite("read_error")
		if errors.Is(err, playlist.ErrTooLarge) {
			return nil, newError(KindRewrite, MsgInvalidPlaylist, err)
		}
		return nil, newError(KindRewrite, MsgInvalidPlaylist, fmt.Errorf("read playlist: %w", err))
	}

	out, err := s.rewriter.Rewrite(data, model.RewriteContext{
		BaseURL:       target.URL,
		EncodedCookie: target.EncodedCookie,
	})
	if err != nil {
		s.recordRewrite("invalid_uri")
		return nil, newError(KindRewrite, MsgInvalidPlaylist, err)
	}

	s.recordRewrite("ok")
	s.logger.Debug("playlist rewritten",
		"host", target.URL.Host,
		"in_bytes", len(data),
		"out_bytes", len(out),
	)
	return out, nil
}

func (s *ProxyService) recordRewrite(outcome string) {
	if s.metrics != nil {
		s.metrics.PlaylistsRewritten.WithLabelValues(outcome).Inc()
	}
}

// buildRequestHeaders assembles the outbound header set: the configured
// browser identity, the cookie when present, and the inbound Range verbatim.
// Nothing else from the inbound request is forwarded.
func (s *ProxyService) buildRequestHeaders(target *model.ResolvedTarget, rangeHeader string) http.Header {
	dst := make(http.Header)
	dst.Set("User-Agent", s.cfg.Upstream.UserAgent)
	dst.Set("Referer", s.cfg.Upstream.Referer)
	dst.Set("Origin", s.cfg.Upstream.Origin)
	if target.Cookie != "" {
		dst.Set("Cookie", target.Cookie)
	}
	if rangeHeader != "" {
		dst.Set("Range", rangeHeader)
	}
	return dst
}

// filterResponseHeaders copies src minus the framing headers and forces
// Accept-Ranges: bytes in place of whatever the origin declared. Repeated
// headers keep all their values.
func filterResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src)+1)
	dst.Set("Accept-Ranges", "bytes")
	for key, vals := range src {
		if isDropped(key) || strings.EqualFold(key, "Accept-Ranges") {
			continue
		}
		for _, v := range vals {
			dst.Add(key, v)
		}
	}
	return dst
}

func isDropped(key string) bool {
	for _, h := range droppedResponseHeaders {
		if strings.EqualFold(key, h) {
			return true
		}
	}
	return false
}
