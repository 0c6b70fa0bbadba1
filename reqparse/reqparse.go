// SPDX-License-Identifier: GPL-3.0-or-later

// Package reqparse implements the proxy's chained HTTP/1.x request-line
// and header parser: method -> target -> version -> headers, feeding one
// byte at a time from a [*ring.Buffer] so it can resume across partial
// socket reads without re-scanning already-consumed input.
//
// This is a direct translation of handleParsers.c's composite state
// machine: parseRead drains every newly available byte through the
// currently active sub-parser and advances to the next sub-parser the
// moment the current one reports Done, all within the same read callback.
package reqparse

import (
	"strings"

	"github.com/bassosimone/medproxy/ring"
)

// Status is the result of feeding one character to a sub-parser.
type Status int

const (
	// Continue means the sub-parser needs more input.
	Continue Status = iota
	// Done means the sub-parser has committed its result.
	Done
	// Error means the input is malformed; the composite parser latches
	// into ERROR and never recovers from it, per spec.md's single
	// terminal ERROR state.
	Error
)

// Phase identifies which sub-parser is currently active.
type Phase int

const (
	PhaseMethod Phase = iota
	PhaseTarget
	PhaseVersion
	PhaseHeader
	PhaseDone
	PhaseError
)

// charFeeder is the single-character-feed contract shared by all four
// sub-parsers (method, target, version, header).
type charFeeder interface {
	Feed(c byte) Status
}

// Request accumulates the parsed request metadata: method, target, HTTP
// version, and the Host header's value. All other header bytes are kept
// unchanged, per spec.md 4.2: left in the connection's ring buffer for an
// absolute-form target, or recorded in [Parser.RawHeaderBytes] for an
// origin-form one.
type Request struct {
	Method        string
	TargetHost    string // empty in origin-form unless absolute-form carried one
	TargetPort    int    // defaults to 80 when omitted; only meaningful if TargetHost != ""
	TargetPath    string
	VersionMajor  byte
	VersionMinor  byte
	HostHeader    string
	HasHostHeader bool
}

// Parser drives the four sub-parsers in sequence over a shared input ring.
type Parser struct {
	phase   Phase
	method  *methodParser
	target  *targetParser
	version *versionParser
	header  *headerParser
	req     Request

	rawHeader []byte
}

// New returns a [*Parser] positioned at [PhaseMethod].
func New() *Parser {
	return &Parser{
		phase:   PhaseMethod,
		method:  newMethodParser(),
		target:  newTargetParser(),
		version: newVersionParser(),
		header:  newHeaderParser(),
	}
}

// Phase reports the sub-parser currently active (or Done/Error).
func (p *Parser) Phase() Phase {
	return p.phase
}

// Request returns the request metadata accumulated so far. Only fields
// populated by sub-parsers that have already reached Done are meaningful.
func (p *Parser) Request() *Request {
	return &p.req
}

// Feed drains every currently-available byte in buf through the active
// sub-parser, advancing through PhaseMethod -> PhaseTarget -> PhaseVersion
// -> PhaseHeader -> PhaseDone within this single call, exactly as
// parseProcess does in the source. Returns the resulting phase.
func (p *Parser) Feed(buf *ring.Buffer) Phase {
	for p.phase != PhaseDone && p.phase != PhaseError && buf.CanRead() {
		switch p.phase {
		case PhaseMethod:
			p.feedMethod(buf)
		case PhaseTarget:
			p.feedTarget(buf)
		case PhaseVersion:
			p.feedVersion(buf)
		case PhaseHeader:
			p.feedHeader(buf)
		}
	}
	return p.phase
}

func (p *Parser) feedMethod(buf *ring.Buffer) {
	for buf.CanRead() {
		c, _ := buf.ReadByte()
		switch p.method.Feed(c) {
		case Continue:
			continue
		case Done:
			p.req.Method = p.method.token
			p.phase = PhaseTarget
			return
		case Error:
			p.phase = PhaseError
			return
		}
	}
}

func (p *Parser) feedTarget(buf *ring.Buffer) {
	for buf.CanRead() {
		c, _ := buf.ReadByte()
		switch p.target.Feed(c) {
		case Continue:
			continue
		case Done:
			p.req.TargetHost = p.target.host
			p.req.TargetPort = p.target.port
			p.req.TargetPath = p.target.path
			p.phase = PhaseVersion
			return
		case Error:
			p.phase = PhaseError
			return
		}
	}
}

func (p *Parser) feedVersion(buf *ring.Buffer) {
	for buf.CanRead() {
		c, _ := buf.ReadByte()
		switch p.version.Feed(c) {
		case Continue:
			continue
		case Done:
			p.req.VersionMajor = p.version.major
			p.req.VersionMinor = p.version.minor
			if p.req.TargetHost != "" {
				// Absolute-form already supplied an origin host: per
				// handleVersion in the source, header parsing (and in
				// particular the Host-header requirement) is only needed
				// to resolve origin selection, which is already settled.
				// Remaining header bytes are forwarded verbatim by the
				// connection's head-forwarding logic, unparsed.
				p.phase = PhaseDone
			} else {
				p.phase = PhaseHeader
			}
			return
		case Error:
			p.phase = PhaseError
			return
		}
	}
}

func (p *Parser) feedHeader(buf *ring.Buffer) {
	for buf.CanRead() {
		c, _ := buf.ReadByte()
		p.rawHeader = append(p.rawHeader, c)
		switch p.header.Feed(c) {
		case Continue:
			continue
		case Done:
			p.req.HostHeader = p.header.hostValue
			p.req.HasHostHeader = p.header.hostSeen
			if !p.header.hostSeen {
				// No absolute-form host and no Host header: the engine
				// has nowhere to route this request, per handleHeader's
				// "else ERROR" branch in the source.
				p.phase = PhaseError
				return
			}
			p.phase = PhaseDone
			return
		case Error:
			p.phase = PhaseError
			return
		}
	}
}

// RawHeaderBytes returns every byte fed through the header sub-parser so
// far, CRLFs included. The header sub-parser only records the Host
// header's value (spec.md 4.2); everything else must still reach the
// origin verbatim, so the connection state machine forwards these bytes
// as-is rather than trying to reconstruct header lines from parsed
// fields it never kept.
func (p *Parser) RawHeaderBytes() []byte {
	return p.rawHeader
}

// ResolvedHost applies the tie-break rule from spec.md 4.2: the
// absolute-form target's host wins over the Host header when both are
// present (matching RFC 7230 5.4, and the observable behavior of the
// source). It returns the host and port to connect to, and whether
// either source provided a host at all.
func (p *Parser) ResolvedHost() (host string, port int, ok bool) {
	if p.req.TargetHost != "" {
		return p.req.TargetHost, p.req.TargetPort, true
	}
	if p.req.HasHostHeader && p.req.HostHeader != "" {
		h, prt := splitHostPort(p.req.HostHeader)
		return h, prt, true
	}
	return "", 0, false
}

func splitHostPort(hostHeader string) (string, int) {
	if i := strings.LastIndexByte(hostHeader, ':'); i >= 0 && !strings.Contains(hostHeader[i+1:], "]") {
		if port, ok := parsePort(hostHeader[i+1:]); ok {
			return hostHeader[:i], port
		}
	}
	return hostHeader, 80
}

func parsePort(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	n := 0
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
		n = n*10 + int(s[i]-'0')
	}
	return n, true
}
