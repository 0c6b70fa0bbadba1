// SPDX-License-Identifier: GPL-3.0-or-later

package reqparse

// headerParser is a line-oriented header scanner. Name comparison is
// ASCII case-insensitive; only the Host header's value is retained, all
// other header lines pass through unchanged (the engine doesn't need to
// rewrite them). RFC 7230 3.2.4 line folding (LWS continuation) is
// recognized; a continuation line with no preceding header to fold onto
// is rejected with Error, per spec.md 4.2. An empty line terminates
// headers.
type headerParser struct {
	hs headerState

	curName  string
	curValue string
	hasPend  bool

	hostValue string
	hostSeen  bool
}

type headerState int

const (
	hLineStart headerState = iota
	hName
	hPreValue
	hValue
	hValueCR
	hFoldSkip
	hEndCR
)

func newHeaderParser() *headerParser {
	return &headerParser{hs: hLineStart}
}

// Feed implements charFeeder.
func (h *headerParser) Feed(c byte) Status {
	switch h.hs {
	case hLineStart:
		switch {
		case c == '\r':
			h.commit()
			h.hs = hEndCR
			return Continue
		case c == ' ' || c == '\t':
			if !h.hasPend {
				return Error
			}
			h.curValue += " "
			h.hs = hFoldSkip
			return Continue
		default:
			h.commit()
			h.curName = string(c)
			h.hs = hName
			return Continue
		}

	case hName:
		if c == ':' {
			h.hs = hPreValue
			return Continue
		}
		if c == '\r' || c == '\n' {
			return Error
		}
		h.curName += string(c)
		return Continue

	case hPreValue:
		if c == ' ' || c == '\t' {
			return Continue
		}
		if c == '\r' {
			h.hs = hValueCR
			return Continue
		}
		h.curValue += string(c)
		h.hs = hValue
		return Continue

	case hValue:
		if c == '\r' {
			h.hs = hValueCR
			return Continue
		}
		h.curValue += string(c)
		return Continue

	case hValueCR:
		if c != '\n' {
			return Error
		}
		h.hasPend = true
		h.hs = hLineStart
		return Continue

	case hFoldSkip:
		if c == ' ' || c == '\t' {
			return Continue
		}
		if c == '\r' {
			h.hs = hValueCR
			return Continue
		}
		h.curValue += string(c)
		h.hs = hValue
		return Continue

	case hEndCR:
		if c != '\n' {
			return Error
		}
		return Done
	}
	return Error
}

// commit finalizes the pending header line, recording the Host header's
// value if that's what was just parsed.
func (h *headerParser) commit() {
	if !h.hasPend {
		return
	}
	if equalFoldASCII(h.curName, "Host") {
		h.hostValue = h.curValue
		h.hostSeen = true
	}
	h.curName, h.curValue, h.hasPend = "", "", false
}

func equalFoldASCII(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		if lower(a[i]) != lower(b[i]) {
			return false
		}
	}
	return true
}
