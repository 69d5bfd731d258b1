// Package playlist rewrites HLS manifests so that every URI they reference is
// fetched back through the proxy.
//
// The rewrite is purely line based. Directives and comments are copied as-is
// and no attempt is made to validate the playlist.
package playlist

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"media-proxy-go/internal/codec"
	"media-proxy-go/internal/model"
)

// mediaTypeMarker identifies HLS manifests in a Content-Type value. Origins
// send application/vnd.apple.mpegurl, application/x-mpegURL, audio/mpegurl
// and other spellings, so matching is by case-insensitive containment.
const mediaTypeMarker = "mpegurl"

var utf8BOM = []byte("\xef\xbb\xbf")

// ErrTooLarge is returned by ReadLimited when the manifest exceeds its cap.
var ErrTooLarge = errors.New("playlist exceeds size limit")

// LineError reports a manifest line whose URI could not be resolved.
type LineError struct {
	Line int
	Text string
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("playlist line %d %q: %v", e.Line, e.Text, e.Err)
}

func (e *LineError) Unwrap() error {
	return e.Err
}

// IsPlaylist reports whether contentType denotes an HLS manifest.
func IsPlaylist(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), mediaTypeMarker)
}

// ReadLimited reads all of r, failing with ErrTooLarge once more than max
// bytes have been seen. A max of zero or less disables the cap.
func ReadLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > max {
		return nil, fmt.Errorf("%w (%d bytes)", ErrTooLarge, max)
	}
	return data, nil
}

// Rewriter turns manifest URIs into proxied URLs rooted at a fixed base.
type Rewriter struct {
	proxyBase string
}

// NewRewriter returns a Rewriter whose output URLs start with proxyBase,
// the externally visible origin of the proxy (e.g. http://127.0.0.1:7878).
func NewRewriter(proxyBase string) *Rewriter {
	return &Rewriter{proxyBase: strings.TrimRight(proxyBase, "/")}
}

// Rewrite processes body line by line:
//
//   - blank lines and lines starting with '#' are kept unchanged;
//   - every other line is resolved against rc.BaseURL and replaced by its
//     proxied URL carrying rc.EncodedCookie as received.
//
// Each output line ends with '\n', the last one included. A '%' that does not
// start an escape sequence is taken literally and encoded as %25. A line that
// still cannot be parsed as a URI reference fails the whole rewrite.
func (r *Rewriter) Rewrite(body []byte, rc model.RewriteContext) ([]byte, error) {
	body = bytes.TrimPrefix(body, utf8BOM)

	var out bytes.Buffer
	out.Grow(len(body) * 2)

	for i, line := range splitLines(string(body)) {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(line, "#") {
			out.WriteString(line)
			out.WriteByte('\n')
			continue
		}

		ref, err := url.Parse(escapeStrayPercent(trimmed))
		if err != nil {
			return nil, &LineError{Line: i + 1, Text: trimmed, Err: err}
		}
		abs := rc.BaseURL.ResolveReference(ref)

		out.WriteString(codec.ProxyURLEncodedCookie(r.proxyBase, abs.String(), rc.EncodedCookie))
		out.WriteByte('\n')
	}

	return out.Bytes(), nil
}

// splitLines splits s on '\n', dropping a trailing '\r' from each line and
// the empty remainder after a final newline.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	s = strings.TrimSuffix(s, "\n")
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}

// escapeStrayPercent encodes every '%' in the path and fragment of ref that is
// not followed by two hex digits. The query is left alone; it is never
// unescaped by the parser.
func escapeStrayPercent(ref string) string {
	if !strings.Contains(ref, "%") {
		return ref
	}
	head, query, hasQuery := strings.Cut(ref, "?")
	if !hasQuery {
		return escapePercent(head)
	}
	if q, frag, ok := strings.Cut(query, "#"); ok {
		return escapePercent(head) + "?" + q + "#" + escapePercent(frag)
	}
	return escapePercent(head) + "?" + query
}

func escapePercent(s string) string {
	var sb strings.Builder
	sb.Grow(len(s) + 4)
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && (i+2 >= len(s) || !isHex(s[i+1]) || !isHex(s[i+2])) {
			sb.WriteString("%25")
			continue
		}
		sb.WriteByte(s[i])
	}
	return sb.String()
}

func isHex(c byte) bool {
	return '0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F'
}
