// SPDX-License-Identifier: GPL-3.0-or-later

package medproxy

import (
	"testing"

	"github.com/bassosimone/medproxy/reqparse"
	"github.com/bassosimone/medproxy/ring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feedAll(t *testing.T, p *reqparse.Parser, raw string) {
	t.Helper()
	buf := ring.New(len(raw) + 1)
	buf.Write([]byte(raw))
	phase := p.Feed(buf)
	require.Equal(t, reqparse.PhaseDone, phase)
}

func TestBuildForwardedHeadOriginForm(t *testing.T) {
	p := reqparse.New()
	feedAll(t, p, "GET /index.html HTTP/1.1\r\nHost: example.com\r\nAccept: */*\r\n\r\n")

	buf := ring.New(1)
	head := buildForwardedHead(p, buf)

	s := string(head)
	assert.Contains(t, s, "GET /index.html HTTP/1.1\r\n")
	assert.Contains(t, s, "Host: example.com\r\n")
	assert.Contains(t, s, "Accept: */*\r\n")
	assert.True(t, len(s) >= 4 && s[len(s)-4:] == "\r\n\r\n")
}

func TestBuildForwardedHeadAbsoluteFormRewritesToOriginForm(t *testing.T) {
	p := reqparse.New()
	raw := "GET http://example.com/path?q=1 HTTP/1.1\r\nAccept: */*\r\n\r\n"
	buf := ring.New(len(raw) + 1)
	buf.Write([]byte(raw))
	phase := p.Feed(buf)
	require.Equal(t, reqparse.PhaseDone, phase)

	head := buildForwardedHead(p, buf)
	s := string(head)
	assert.Contains(t, s, "GET /path?q=1 HTTP/1.1\r\n")
	assert.Contains(t, s, "Host: example.com\r\n") // synthesized: no Host header was sent
	assert.Contains(t, s, "Accept: */*\r\n")
}

func TestBuildForwardedHeadNoRemainingHeadersWritesBareCRLF(t *testing.T) {
	p := reqparse.New()
	raw := "GET http://example.com/ HTTP/1.0\r\n\r\n"
	buf := ring.New(len(raw) + 1)
	buf.Write([]byte(raw))
	phase := p.Feed(buf)
	require.Equal(t, reqparse.PhaseDone, phase)

	head := buildForwardedHead(p, buf)
	assert.Equal(t, "GET / HTTP/1.0\r\nHost: example.com\r\n\r\n", string(head))
}

func TestHeaderHasChunkedEncoding(t *testing.T) {
	cases := []struct {
		name string
		head string
		want bool
	}{
		{"present", "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n", true},
		{"case-insensitive", "HTTP/1.1 200 OK\r\ntransfer-encoding: Chunked\r\n\r\n", true},
		{"absent", "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\n", false},
		{"other-encoding", "HTTP/1.1 200 OK\r\nTransfer-Encoding: gzip\r\n\r\n", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, headerHasChunkedEncoding([]byte(tc.head)))
		})
	}
}

func TestRewriteHeadForChunked(t *testing.T) {
	cases := []struct {
		name string
		head string
		want string
	}{
		{
			"strips content-length, injects transfer-encoding",
			"HTTP/1.0 200 OK\r\nContent-Length: 3\r\n\r\n",
			"HTTP/1.0 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n",
		},
		{
			"preserves other headers and their order",
			"HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: 10\r\nDate: now\r\n\r\n",
			"HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nDate: now\r\nTransfer-Encoding: chunked\r\n\r\n",
		},
		{
			"already chunked: no duplicate header",
			"HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n",
			"HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n",
		},
		{
			"no content-length present",
			"HTTP/1.0 200 OK\r\n\r\n",
			"HTTP/1.0 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, string(rewriteHeadForChunked([]byte(tc.head))))
		})
	}
}

func TestRewriteHeadForChunkedMalformedInputUnchanged(t *testing.T) {
	head := []byte("not a valid head, no terminator")
	assert.Equal(t, head, rewriteHeadForChunked(head))
}

func TestHTTPStatusText(t *testing.T) {
	assert.Equal(t, "Bad Request", httpStatusText(400))
	assert.Equal(t, "Bad Gateway", httpStatusText(502))
	assert.Equal(t, "Gateway Timeout", httpStatusText(504))
	assert.Equal(t, "Internal Server Error", httpStatusText(418))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "PARSE", StateParse.String())
	assert.Equal(t, "RESOLVE", StateResolve.String())
	assert.Equal(t, "CONNECT", StateConnect.String())
	assert.Equal(t, "FORWARD_HEAD", StateForwardHead.String())
	assert.Equal(t, "TRANSFORM_BODY", StateTransformBody.String())
	assert.Equal(t, "DONE", StateDone.String())
	assert.Equal(t, "ERROR", StateError.String())
}
