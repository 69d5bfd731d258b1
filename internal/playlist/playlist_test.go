package playlist

import (
	"bytes"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"media-proxy-go/internal/codec"
	"media-proxy-go/internal/model"
)

const proxyBase = "http://127.0.0.1:7878"

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestIsPlaylist(t *testing.T) {
	tests := []struct {
		contentType string
		want        bool
	}{
		{"application/vnd.apple.mpegurl", true},
		{"application/x-mpegURL", true},
		{"APPLICATION/VND.APPLE.MPEGURL; charset=utf-8", true},
		{"audio/mpegurl", true},
		{"video/mp2t", false},
		{"video/mp4", false},
		{"text/plain", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.contentType, func(t *testing.T) {
			assert.Equal(t, tt.want, IsPlaylist(tt.contentType))
		})
	}
}

func TestRewrite_MediaPlaylist(t *testing.T) {
	r := NewRewriter(proxyBase)
	rc := model.RewriteContext{
		BaseURL:       mustParse(t, "https://host/path/index.m3u8"),
		EncodedCookie: codec.EncodeString("sid=1"),
	}

	got, err := r.Rewrite([]byte("#EXTM3U\n#EXT-X-VERSION:3\nsegment1.ts\n"), rc)
	require.NoError(t, err)

	want := "#EXTM3U\n#EXT-X-VERSION:3\n" +
		"http://127.0.0.1:7878/proxy?url=" + codec.EncodeString("https://host/path/segment1.ts") +
		"&cookie=" + codec.EncodeString("sid=1") + "\n"
	assert.Equal(t, want, string(got))
}

func TestRewrite_ResolvesReferences(t *testing.T) {
	r := NewRewriter(proxyBase)
	rc := model.RewriteContext{BaseURL: mustParse(t, "https://cdn.example/a/b/master.m3u8?token=xyz")}

	tests := []struct {
		line string
		want string
	}{
		{"seg-001.ts", "https://cdn.example/a/b/seg-001.ts"},
		{"../low/index.m3u8", "https://cdn.example/a/low/index.m3u8"},
		{"/root/seg.ts", "https://cdn.example/root/seg.ts"},
		{"seg.ts?sig=abc&t=1", "https://cdn.example/a/b/seg.ts?sig=abc&t=1"},
		{"https://other.example/x/y.ts", "https://other.example/x/y.ts"},
		{"//edge.example/z.ts", "https://edge.example/z.ts"},
		{"  padded.ts  ", "https://cdn.example/a/b/padded.ts"},
		{"seg%20a.ts", "https://cdn.example/a/b/seg%20a.ts"},
		{"seg%zz.ts", "https://cdn.example/a/b/seg%25zz.ts"},
		{"100%.ts", "https://cdn.example/a/b/100%25.ts"},
		{"seg.ts?k=%zz", "https://cdn.example/a/b/seg.ts?k=%zz"},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := r.Rewrite([]byte(tt.line+"\n"), rc)
			require.NoError(t, err)

			target, cookie, err := codec.ParseProxyURL(strings.TrimSuffix(string(got), "\n"))
			require.NoError(t, err)
			assert.Equal(t, tt.want, target)
			assert.Empty(t, cookie)
		})
	}
}

func TestRewrite_KeepsDirectivesAndBlankLines(t *testing.T) {
	r := NewRewriter(proxyBase)
	rc := model.RewriteContext{BaseURL: mustParse(t, "https://host/p/index.m3u8")}

	in := "#EXTM3U\n\n#EXT-X-KEY:METHOD=AES-128,URI=\"key.bin\"\n   \n#EXTINF:10.0,\nseg.ts\n#EXT-X-ENDLIST"
	got, err := r.Rewrite([]byte(in), rc)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSuffix(string(got), "\n"), "\n")
	require.Len(t, lines, 7)
	assert.Equal(t, "#EXTM3U", lines[0])
	assert.Equal(t, "", lines[1])
	assert.Equal(t, `#EXT-X-KEY:METHOD=AES-128,URI="key.bin"`, lines[2])
	assert.Equal(t, "   ", lines[3])
	assert.Equal(t, "#EXTINF:10.0,", lines[4])
	assert.True(t, strings.HasPrefix(lines[5], proxyBase+"/proxy?url="))
	assert.Equal(t, "#EXT-X-ENDLIST", lines[6])

	// The last line gains a newline even though the input had none.
	assert.True(t, bytes.HasSuffix(got, []byte("#EXT-X-ENDLIST\n")))
}

func TestRewrite_CRLFAndBOM(t *testing.T) {
	r := NewRewriter(proxyBase + "/")
	rc := model.RewriteContext{BaseURL: mustParse(t, "https://host/p/index.m3u8"), EncodedCookie: codec.EncodeString("c")}

	got, err := r.Rewrite([]byte("\xef\xbb\xbf#EXTM3U\r\nseg.ts\r\n"), rc)
	require.NoError(t, err)

	want := "#EXTM3U\n" + codec.ProxyURL(proxyBase, "https://host/p/seg.ts", "c") + "\n"
	assert.Equal(t, want, string(got))
}

func TestRewrite_EmptyBody(t *testing.T) {
	r := NewRewriter(proxyBase)
	got, err := r.Rewrite(nil, model.RewriteContext{BaseURL: mustParse(t, "https://host/")})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRewrite_NoBareLinesRemain(t *testing.T) {
	r := NewRewriter(proxyBase)
	rc := model.RewriteContext{BaseURL: mustParse(t, "https://host/v/master.m3u8"), EncodedCookie: codec.EncodeString("a=b")}

	var in strings.Builder
	in.WriteString("#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=800000\nlow/index.m3u8\n")
	for i := range 20 {
		in.WriteString("#EXTINF:4,\nseg" + strconv.Itoa(i) + ".ts\n")
	}

	got, err := r.Rewrite([]byte(in.String()), rc)
	require.NoError(t, err)

	for _, line := range strings.Split(strings.TrimSuffix(string(got), "\n"), "\n") {
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}
		assert.True(t, strings.HasPrefix(line, proxyBase+"/proxy?url="), "bare line %q", line)
		assert.Contains(t, line, "&cookie="+codec.EncodeString("a=b"))
	}
}

func TestRewrite_CarriesEncodedCookieAsReceived(t *testing.T) {
	r := NewRewriter(proxyBase)

	for _, encoded := range []string{"YR", "!!bad!!", ""} {
		rc := model.RewriteContext{BaseURL: mustParse(t, "https://host/index.m3u8"), EncodedCookie: encoded}

		got, err := r.Rewrite([]byte("seg.ts\n"), rc)
		require.NoError(t, err)

		u, err := url.Parse(strings.TrimSuffix(string(got), "\n"))
		require.NoError(t, err)
		assert.Equal(t, encoded, u.Query().Get(codec.ParamCookie))
	}
}

func TestEscapeStrayPercent(t *testing.T) {
	tests := map[string]string{
		"plain.ts":         "plain.ts",
		"seg%2Fa.ts":       "seg%2Fa.ts",
		"seg%zz.ts":        "seg%25zz.ts",
		"end%":             "end%25",
		"end%a":            "end%25a",
		"a%zz.ts?q=%zz":    "a%25zz.ts?q=%zz",
		"a.ts?q=1#frag%zz": "a.ts?q=1#frag%25zz",
		"a%zz.ts#f%zz":     "a%25zz.ts#f%25zz",
	}
	for in, want := range tests {
		assert.Equal(t, want, escapeStrayPercent(in), in)
	}
}

func TestRewrite_MalformedURIFailsWholeRewrite(t *testing.T) {
	r := NewRewriter(proxyBase)
	rc := model.RewriteContext{BaseURL: mustParse(t, "https://host/index.m3u8")}

	_, err := r.Rewrite([]byte("#EXTM3U\ngood.ts\nhttp://[::1:bad/seg.ts\n"), rc)
	require.Error(t, err)

	var lineErr *LineError
	require.True(t, errors.As(err, &lineErr))
	assert.Equal(t, 3, lineErr.Line)
	assert.Equal(t, "http://[::1:bad/seg.ts", lineErr.Text)
}

func TestReadLimited(t *testing.T) {
	data, err := ReadLimited(strings.NewReader("0123456789"), 10)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(data))

	_, err = ReadLimited(strings.NewReader("0123456789A"), 10)
	assert.ErrorIs(t, err, ErrTooLarge)

	data, err = ReadLimited(strings.NewReader("unbounded"), 0)
	require.NoError(t, err)
	assert.Equal(t, "unbounded", string(data))
}
