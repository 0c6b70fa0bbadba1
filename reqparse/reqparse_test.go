// SPDX-License-Identifier: GPL-3.0-or-later

package reqparse

import (
	"testing"

	"github.com/bassosimone/medproxy/ring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// feedAll drains raw through a fresh [*Parser] in chunks of chunkSize bytes
// (1 means byte-at-a-time), simulating partial socket reads across
// multiple callbacks, and returns the finished parser.
func feedAll(t *testing.T, raw []byte, chunkSize int) *Parser {
	t.Helper()
	p := New()
	buf := ring.New(len(raw) + 1)
	for off := 0; off < len(raw); off += chunkSize {
		end := off + chunkSize
		if end > len(raw) {
			end = len(raw)
		}
		n := copy(buf.WritePtr(), raw[off:end])
		buf.WriteAdv(n)
		phase := p.Feed(buf)
		require.NotEqual(t, PhaseError, phase, "parser errored mid-stream")
	}
	return p
}

// Round-trip law: feeding a valid request head in arbitrary chunk sizes
// yields the same method/target/version/host as feeding it in one pass.
func TestParserChunkingInvariance(t *testing.T) {
	raw := []byte("GET /a HTTP/1.0\r\nHost: x\r\n\r\n")

	var results []*Request
	for _, chunk := range []int{1, 2, 3, 7, len(raw)} {
		p := feedAll(t, raw, chunk)
		require.Equal(t, PhaseDone, p.Phase())
		results = append(results, p.Request())
	}
	for i := 1; i < len(results); i++ {
		assert.Equal(t, results[0].Method, results[i].Method)
		assert.Equal(t, results[0].TargetPath, results[i].TargetPath)
		assert.Equal(t, results[0].VersionMajor, results[i].VersionMajor)
		assert.Equal(t, results[0].VersionMinor, results[i].VersionMinor)
		assert.Equal(t, results[0].HostHeader, results[i].HostHeader)
	}
}

// Origin-form target with a Host header resolves via the header.
func TestOriginFormUsesHostHeader(t *testing.T) {
	p := feedAll(t, []byte("GET /a HTTP/1.0\r\nHost: example.com:81\r\n\r\n"), 4)
	require.Equal(t, PhaseDone, p.Phase())
	host, port, ok := p.ResolvedHost()
	require.True(t, ok)
	assert.Equal(t, "example.com", host)
	assert.Equal(t, 81, port)
}

// Absolute-form target wins over a conflicting Host header (RFC 7230 5.4).
func TestAbsoluteFormWinsOverHostHeader(t *testing.T) {
	p := feedAll(t, []byte("GET http://example.com:8080/path HTTP/1.1\r\nHost: other.example\r\n\r\n"), 5)
	require.Equal(t, PhaseDone, p.Phase())
	assert.Equal(t, "GET", p.Request().Method)
	assert.Equal(t, "/path", p.Request().TargetPath)

	host, port, ok := p.ResolvedHost()
	require.True(t, ok)
	assert.Equal(t, "example.com", host)
	assert.Equal(t, 8080, port)
}

// An unknown HTTP version is a parser error, per spec.md scenario 6.
func TestBadVersionIsError(t *testing.T) {
	p := New()
	buf := ring.New(64)
	raw := []byte("GET / HTTP/9.9\r\n\r\n")
	n := copy(buf.WritePtr(), raw)
	buf.WriteAdv(n)
	phase := p.Feed(buf)
	assert.Equal(t, PhaseError, phase)
}

// An unknown method token is rejected.
func TestUnknownMethodIsError(t *testing.T) {
	p := New()
	buf := ring.New(64)
	raw := []byte("FOO / HTTP/1.1\r\n\r\n")
	n := copy(buf.WritePtr(), raw)
	buf.WriteAdv(n)
	phase := p.Feed(buf)
	assert.Equal(t, PhaseError, phase)
}

// A continuation (folded) header line with no preceding header is an error.
func TestFoldWithNoPriorHeaderIsError(t *testing.T) {
	p := New()
	buf := ring.New(64)
	raw := []byte("GET / HTTP/1.1\r\n continuation\r\n\r\n")
	n := copy(buf.WritePtr(), raw)
	buf.WriteAdv(n)
	phase := p.Feed(buf)
	assert.Equal(t, PhaseError, phase)
}

// Folded header values are joined with a single space and still resolve
// to the correct Host.
func TestFoldedHeaderJoinsValue(t *testing.T) {
	raw := []byte("GET / HTTP/1.1\r\nX-Long: abc\r\n def\r\nHost: x\r\n\r\n")
	p := feedAll(t, raw, 6)
	require.Equal(t, PhaseDone, p.Phase())
	assert.Equal(t, "x", p.Request().HostHeader)
}

// Origin-form target with no Host header anywhere has nowhere to route:
// this is a parser error, matching handleHeader's "else ERROR" branch.
func TestNoHostAnywhereIsError(t *testing.T) {
	p := New()
	buf := ring.New(64)
	raw := []byte("GET /a HTTP/1.1\r\nX-Other: 1\r\n\r\n")
	n := copy(buf.WritePtr(), raw)
	buf.WriteAdv(n)
	phase := p.Feed(buf)
	assert.Equal(t, PhaseError, phase)
}

// Port defaults to 80 when the absolute-form target omits it.
func TestAbsoluteFormDefaultPort(t *testing.T) {
	p := feedAll(t, []byte("GET http://example.com/ HTTP/1.1\r\n\r\n"), 3)
	require.Equal(t, PhaseDone, p.Phase())
	host, port, ok := p.ResolvedHost()
	require.True(t, ok)
	assert.Equal(t, "example.com", host)
	assert.Equal(t, 80, port)
}
