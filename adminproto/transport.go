// SPDX-License-Identifier: GPL-3.0-or-later

package adminproto

import (
	"fmt"

	"github.com/ishidawataru/sctp"
)

// Transport listens for admin protocol connections over SCTP, the same
// pure-Go socket library the Moby/Docker Swarm networking stack uses
// for its control plane, replacing the source's direct socket(2)/
// sctp_sendmsg/sctp_recvmsg calls (spec.md 6).
type Transport struct {
	ln *sctp.SCTPListener
}

// Listen binds addr ("host:port") for SCTP admin connections.
func Listen(addr string) (*Transport, error) {
	laddr, err := sctp.ResolveSCTPAddr("sctp", addr)
	if err != nil {
		return nil, fmt.Errorf("adminproto: resolving %q: %w", addr, err)
	}
	ln, err := sctp.ListenSCTP("sctp", laddr)
	if err != nil {
		return nil, fmt.Errorf("adminproto: listening on %q: %w", addr, err)
	}
	return &Transport{ln: ln}, nil
}

// Accept blocks for the next incoming admin connection.
func (t *Transport) Accept() (*StreamConn, error) {
	conn, err := t.ln.AcceptSCTP()
	if err != nil {
		return nil, fmt.Errorf("adminproto: accept: %w", err)
	}
	return &StreamConn{conn: conn}, nil
}

// Close stops accepting new admin connections.
func (t *Transport) Close() error {
	return t.ln.Close()
}

// Dial opens an admin connection to addr, for an operator-facing admin
// client.
func Dial(addr string) (*StreamConn, error) {
	raddr, err := sctp.ResolveSCTPAddr("sctp", addr)
	if err != nil {
		return nil, fmt.Errorf("adminproto: resolving %q: %w", addr, err)
	}
	conn, err := sctp.DialSCTP("sctp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("adminproto: dialing %q: %w", addr, err)
	}
	return &StreamConn{conn: conn}, nil
}

// authStream is the SCTP stream number stream 0 carries authentication
// on, per spec.md 6.
const authStream uint16 = 0

// StreamConn wraps one accepted SCTP association, exposing per-stream
// reads and writes: stream 0 for authentication, any other stream
// number for an operation (spec.md 6: "Stream 0 carries authentication;
// other streams carry operations").
type StreamConn struct {
	conn *sctp.SCTPConn
}

// Close closes the underlying association.
func (s *StreamConn) Close() error { return s.conn.Close() }

// WriteStream writes b on the given SCTP stream.
func (s *StreamConn) WriteStream(stream uint16, b []byte) error {
	info := &sctp.SndRcvInfo{Stream: stream}
	_, err := s.conn.SCTPWrite(b, info)
	if err != nil {
		return fmt.Errorf("adminproto: SCTPWrite(stream=%d): %w", stream, err)
	}
	return nil
}

// ReadStream reads one SCTP message into buf, returning the stream
// number it arrived on.
func (s *StreamConn) ReadStream(buf []byte) (n int, stream uint16, err error) {
	n, info, err := s.conn.SCTPRead(buf)
	if err != nil {
		return 0, 0, fmt.Errorf("adminproto: SCTPRead: %w", err)
	}
	if info != nil {
		stream = info.Stream
	}
	return n, stream, nil
}

// WriteAuth writes an authentication request on stream 0.
func (s *StreamConn) WriteAuth(req AuthRequest) error {
	return s.WriteStream(authStream, EncodeAuthRequest(req))
}

// ReadAuthResponse reads the one-byte authentication response from
// stream 0.
func (s *StreamConn) ReadAuthResponse() (AuthResponse, error) {
	var buf [1]byte
	n, stream, err := s.ReadStream(buf[:])
	if err != nil {
		return AuthResponse{}, err
	}
	if stream != authStream || n < 1 {
		return AuthResponse{}, fmt.Errorf("adminproto: unexpected auth response on stream %d (%d bytes)", stream, n)
	}
	return DecodeAuthResponse(buf[0]), nil
}
