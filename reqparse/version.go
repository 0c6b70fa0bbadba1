// SPDX-License-Identifier: GPL-3.0-or-later

package reqparse

// versionParser matches strictly "HTTP/" <digit> "." <digit>, terminated
// by CR LF, and accepts only the versions 1.0 and 1.1. Anything else is a
// version ERROR, which surfaces as a composite ERROR per spec.md 4.2.
type versionParser struct {
	pos        int
	major      byte
	minor      byte
	wantLFOnly bool
}

const versionLiteral = "HTTP/"

func newVersionParser() *versionParser {
	return &versionParser{}
}

// Feed implements charFeeder.
func (v *versionParser) Feed(c byte) Status {
	if v.wantLFOnly {
		if c != '\n' {
			return Error
		}
		return Done
	}
	switch {
	case v.pos < len(versionLiteral):
		if c != versionLiteral[v.pos] {
			return Error
		}
		v.pos++
		return Continue
	case v.pos == len(versionLiteral):
		if c < '0' || c > '9' {
			return Error
		}
		v.major = c - '0'
		v.pos++
		return Continue
	case v.pos == len(versionLiteral)+1:
		if c != '.' {
			return Error
		}
		v.pos++
		return Continue
	case v.pos == len(versionLiteral)+2:
		if c < '0' || c > '9' {
			return Error
		}
		v.minor = c - '0'
		if v.major != 1 || v.minor > 1 {
			return Error
		}
		v.pos++
		return Continue
	case v.pos == len(versionLiteral)+3:
		if c != '\r' {
			if c == '\n' {
				return Done
			}
			return Error
		}
		v.wantLFOnly = true
		return Continue
	}
	return Error
}
