// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// ProxyRequest holds the raw inbound parameters of one /proxy call.
type ProxyRequest struct {
	Ctx           context.Context
	EncodedTarget string // value of the url query parameter
	HasTarget     bool   // false when the url parameter was absent
	EncodedCookie string // value of the cookie query parameter, may be empty
	Range         string // inbound Range header, forwarded verbatim when set
}

// ResolvedTarget is the decoded origin URL and cookie of a request.
// It is derived once per request and not modified afterward.
type ResolvedTarget struct {
	URL           *url.URL
	Cookie        string // decoded, sent to the origin
	EncodedCookie string // cookie query parameter as received
}

// UpstreamResponse represents the origin response to be relayed back.
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	IsPlaylist bool
}

// RewriteContext carries what the playlist rewriter needs for one manifest.
type RewriteContext struct {
	BaseURL       *url.URL
	EncodedCookie string // copied into every rewritten URL unchanged
}
