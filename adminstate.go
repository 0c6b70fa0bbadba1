// SPDX-License-Identifier: GPL-3.0-or-later

package medproxy

import (
	"fmt"
	"sync"

	"github.com/bassosimone/medproxy/adminproto"
)

// AdminHandler implements [adminproto.Handler] against an in-memory,
// id-keyed byte store plus one read-only synthetic id reporting the
// listener's live connection count. This is the daemon's default admin
// backend (cmd/medproxyd wires it into [adminproto.Server]); spec.md 6
// specifies the wire format but leaves what GET/SET address unopinionated,
// so this gives the protocol a concrete, inspectable home rather than
// leaving it unimplemented.
type AdminHandler struct {
	username string
	password string

	mu     sync.Mutex
	values map[byte][]byte

	// liveConns is polled by id 0's GET, letting an admin client watch
	// connection churn without a separate metrics channel.
	liveConns func() int
}

// statsID is the reserved id whose GET reports the live connection count
// as a decimal string; every other id is a plain key/value slot.
const statsID byte = 0

// NewAdminHandler returns an [*AdminHandler] gated by username/password
// (empty values accept anything, see [Config.AdminUsername]). liveConns
// is called on every GET of id 0.
func NewAdminHandler(username, password string, liveConns func() int) *AdminHandler {
	return &AdminHandler{
		username:  username,
		password:  password,
		values:    make(map[byte][]byte),
		liveConns: liveConns,
	}
}

// Authenticate implements [adminproto.Handler].
func (h *AdminHandler) Authenticate(username, password string) bool {
	if h.username == "" && h.password == "" {
		return true
	}
	return username == h.username && password == h.password
}

// Get implements [adminproto.Handler]. timeTag is accepted but unused:
// this store keeps only the latest value per id, matching the simplest
// reading of spec.md 6's request/response layout (no versioned history).
func (h *AdminHandler) Get(id byte, timeTag uint64) ([]byte, error) {
	if id == statsID {
		return fmt.Appendf(nil, "%d", h.liveConns()), nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.values[id]
	if !ok {
		return nil, fmt.Errorf("adminstate: no value stored for id %d", id)
	}
	return append([]byte(nil), v...), nil
}

// Set implements [adminproto.Handler].
func (h *AdminHandler) Set(id byte, timeTag uint64, payload []byte) error {
	if id == statsID {
		return fmt.Errorf("adminstate: id %d is read-only", statsID)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.values[id] = append([]byte(nil), payload...)
	return nil
}

var _ adminproto.Handler = (*AdminHandler)(nil)
