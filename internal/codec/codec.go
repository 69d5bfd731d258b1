// Package codec encodes and decodes the opaque url and cookie query
// parameters carried by proxied URLs.
//
// Both directions use the URL-safe base64 alphabet without padding. The
// decoder on the /proxy route and the encoder used when rewriting playlists
// must agree on this exact variant or re-proxied URLs stop round-tripping.
package codec

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"
)

// RoutePath is the path of the single proxy route.
const RoutePath = "/proxy"

// Query parameter names understood by the proxy route.
const (
	ParamURL    = "url"
	ParamCookie = "cookie"
)

// ErrInvalidUTF8 is returned when decoded bytes are not valid UTF-8 text.
var ErrInvalidUTF8 = errors.New("decoded value is not valid UTF-8")

var encoding = base64.RawURLEncoding

// Encode returns the URL-safe, unpadded base64 form of b.
func Encode(b []byte) string {
	return encoding.EncodeToString(b)
}

// EncodeString is Encode for text values.
func EncodeString(s string) string {
	return encoding.EncodeToString([]byte(s))
}

// Decode reverses Encode.
func Decode(s string) ([]byte, error) {
	b, err := encoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	return b, nil
}

// DecodeText decodes s and requires the result to be valid UTF-8.
func DecodeText(s string) (string, error) {
	b, err := Decode(s)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", ErrInvalidUTF8
	}
	return string(b), nil
}

// DecodeCookie decodes an encoded cookie parameter. Any failure yields the
// empty string; a bad cookie never fails a request.
func DecodeCookie(s string) string {
	if s == "" {
		return ""
	}
	cookie, err := DecodeText(s)
	if err != nil {
		return ""
	}
	return cookie
}

// ProxyURL builds the proxied form of target:
//
//	<base>/proxy?url=<enc(target)>&cookie=<enc(cookie)>
//
// base is the externally visible origin of the proxy, e.g. http://127.0.0.1:7878.
func ProxyURL(base, target, cookie string) string {
	return ProxyURLEncodedCookie(base, target, EncodeString(cookie))
}

// ProxyURLEncodedCookie is ProxyURL for a cookie parameter that is already
// encoded. The value is carried over as received, so a request's cookie
// parameter reaches every URL derived from it unchanged. It is only query
// escaped, which leaves valid encodings untouched.
func ProxyURLEncodedCookie(base, target, encodedCookie string) string {
	encodedCookie = url.QueryEscape(encodedCookie)

	var sb strings.Builder
	sb.Grow(len(base) + len(RoutePath) + 16 + encoding.EncodedLen(len(target)) + len(encodedCookie))
	sb.WriteString(strings.TrimRight(base, "/"))
	sb.WriteString(RoutePath)
	sb.WriteString("?" + ParamURL + "=")
	sb.WriteString(EncodeString(target))
	sb.WriteString("&" + ParamCookie + "=")
	sb.WriteString(encodedCookie)
	return sb.String()
}

// ParseProxyURL extracts and decodes the target and cookie from a URL built
// by ProxyURL.
func ParseProxyURL(raw string) (target, cookie string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("parse proxy url: %w", err)
	}
	if u.Path != RoutePath {
		return "", "", fmt.Errorf("parse proxy url: unexpected path %q", u.Path)
	}
	q := u.Query()
	target, err = DecodeText(q.Get(ParamURL))
	if err != nil {
		return "", "", fmt.Errorf("parse proxy url: %w", err)
	}
	return target, DecodeCookie(q.Get(ParamCookie)), nil
}
