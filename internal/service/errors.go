package service

import (
	"errors"
	"fmt"
	"net/url"
)

// ErrorKind classifies a request failure. Each kind maps to exactly one
// response status.
type ErrorKind int

const (
	// KindMissingTarget: the url query parameter is absent.
	KindMissingTarget ErrorKind = iota + 1
	// KindInvalidTarget: the url parameter does not decode to a usable URL.
	KindInvalidTarget
	// KindUpstreamConnect: the origin could not be requested or reached.
	KindUpstreamConnect
	// KindRewrite: a playlist could not be read or rewritten.
	KindRewrite
)

func (k ErrorKind) String() string {
	switch k {
	case KindMissingTarget:
		return "missing_target"
	case KindInvalidTarget:
		return "invalid_target"
	case KindUpstreamConnect:
		return "upstream_connect"
	case KindRewrite:
		return "rewrite"
	default:
		return "unknown"
	}
}

// Fixed client-facing messages.
const (
	MsgMissingTarget    = "Missing url parameter"
	MsgInvalidBase64URL = "Invalid Base64 URL"
	MsgInvalidPlaylist  = "Invalid playlist"
)

// ProxyError is a request failure tagged with its kind. Message is what the
// client is told; Err keeps the cause for logs.
type ProxyError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *ProxyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ProxyError) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, msg string, err error) *ProxyError {
	return &ProxyError{Kind: kind, Message: msg, Err: err}
}

// upstreamError wraps a transport failure. The message is the transport's own
// description of the failure, which the caller surfaces verbatim.
func upstreamError(err error) *ProxyError {
	msg := err.Error()
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		msg = urlErr.Error()
	}
	return newError(KindUpstreamConnect, msg, err)
}
