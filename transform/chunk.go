// SPDX-License-Identifier: GPL-3.0-or-later

package transform

import (
	"fmt"

	"github.com/bassosimone/medproxy/ring"
)

// PrepareChunkedBuffer frames every currently available byte of src as
// one HTTP/1.1 chunk into dst: the ASCII hex length (lowercase, no
// leading zeros), CRLF, the bytes themselves (src's read cursor
// advances), and a trailing CRLF. It is a no-op if src has nothing to
// read. Chunk framing happens exactly once per call; callers must not
// call this more than once per readiness-driven refill (spec.md 4.4).
func PrepareChunkedBuffer(dst, src *ring.Buffer) {
	n := src.Len()
	if n == 0 {
		return
	}
	header := fmt.Sprintf("%x\r\n", n)
	dst.Write([]byte(header))
	dst.Write(src.ReadPtr()[:n])
	src.ReadAdv(n)
	dst.Write([]byte("\r\n"))
}

// SentLastChunked emits the terminal "0\r\n\r\n" chunk that ends an
// HTTP/1.1 chunked body.
func SentLastChunked(dst *ring.Buffer) {
	dst.Write([]byte("0\r\n\r\n"))
}

// Unchunk decodes a complete chunked byte stream back into its payload,
// used by tests to check the round-trip law:
//
//	unchunk(prepareChunked(b1) ++ prepareChunked(b2) ++ ... ++ sentLast) == b1 ++ b2 ++ ...
func Unchunk(data []byte) ([]byte, error) {
	var out []byte
	for {
		i := indexCRLF(data)
		if i < 0 {
			return nil, fmt.Errorf("transform: unchunk: missing length line")
		}
		var n int
		if _, err := fmt.Sscanf(string(data[:i]), "%x", &n); err != nil {
			return nil, fmt.Errorf("transform: unchunk: invalid length %q: %w", data[:i], err)
		}
		data = data[i+2:]
		if n == 0 {
			return out, nil
		}
		if len(data) < n+2 {
			return nil, fmt.Errorf("transform: unchunk: short chunk body")
		}
		out = append(out, data[:n]...)
		data = data[n+2:]
	}
}

func indexCRLF(data []byte) int {
	for i := 0; i+1 < len(data); i++ {
		if data[i] == '\r' && data[i+1] == '\n' {
			return i
		}
	}
	return -1
}
