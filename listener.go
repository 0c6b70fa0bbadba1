// SPDX-License-Identifier: GPL-3.0-or-later

package medproxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/bassosimone/medproxy/reactor"
	"github.com/bassosimone/medproxy/resolve"
)

// Listener accepts client connections and spawns one [*Connection] per
// accept, exactly the "data flows left to right" picture in spec.md 2:
// "a client socket becomes ready -> selector calls the state machine's
// read hook." Accept itself runs on its own goroutine (net.Listener.Accept
// blocks) and hands every accepted conn back to the single reactor
// goroutine via [reactor.Selector.NotifyBlock], the same pattern already
// used for RESOLVE/CONNECT completions, so that fd registration bookkeeping
// stays confined to the one goroutine driving [reactor.Selector.Run].
type Listener struct {
	sel      *reactor.Selector
	cfg      *Config
	resolver resolve.Resolver
	ln       net.Listener

	conns     map[*Connection]struct{}
	connCount atomic.Int64 // mirrors len(conns); safe to read off the reactor goroutine
}

// NewListener binds cfg.ListenAddr:cfg.ListenPort and returns a
// [*Listener] ready for [Listener.Serve]. resolver is shared read-only
// across every spawned connection, matching [resolve.Resolver]'s
// stateless contract.
func NewListener(sel *reactor.Selector, cfg *Config, resolver resolve.Resolver) (*Listener, error) {
	addr := net.JoinHostPort(cfg.ListenAddr, fmt.Sprintf("%d", cfg.ListenPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("medproxy: listen %s: %w", addr, err)
	}
	l := &Listener{
		sel:      sel,
		cfg:      cfg,
		resolver: resolver,
		ln:       ln,
		conns:    make(map[*Connection]struct{}),
	}
	cfg.Logger.Info("proxyListen", "addr", ln.Addr().String())
	return l, nil
}

// Addr returns the bound listen address (useful in tests that bind to
// port 0 and need to discover the ephemeral port).
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Count reports the number of currently tracked connections. Unlike
// every other field on [Listener], this is safe to call from any
// goroutine (the admin protocol's handler goroutine in particular):
// it mirrors len(conns) through an atomic counter instead of reading
// the map directly.
func (l *Listener) Count() int { return int(l.connCount.Load()) }

// Close stops accepting new connections. It does not tear down
// in-flight connections; the caller cancels the reactor's context for
// that.
func (l *Listener) Close() error { return l.ln.Close() }

// Serve runs the accept loop until ctx is cancelled or Close is called,
// and starts the idle-sweep goroutine that enforces cfg.IdleTimeout
// (spec.md 5). It does not itself run the reactor: callers drive
// sel.Run(ctx) concurrently (see cmd/medproxyd).
func (l *Listener) Serve(ctx context.Context) {
	go l.acceptLoop(ctx)
	go l.idleSweepLoop(ctx)
}

func (l *Listener) acceptLoop(ctx context.Context) {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			l.cfg.Logger.Debug("proxyAcceptError", "err", err)
			continue
		}
		l.sel.NotifyBlock(acceptBlockHandler{l}, conn)
	}
}

type acceptBlockHandler struct{ l *Listener }

func (h acceptBlockHandler) OnBlock(sel *reactor.Selector, token any) {
	conn := token.(net.Conn)
	l := h.l
	c, err := NewConnection(l.sel, l.cfg, l.resolver, conn, l.onConnDone)
	if err != nil {
		l.cfg.Logger.Debug("proxyAcceptRegisterError", "err", err)
		return
	}
	l.conns[c] = struct{}{}
	l.connCount.Add(1)
}

func (l *Listener) onConnDone(c *Connection) {
	delete(l.conns, c)
	l.connCount.Add(-1)
}

// idleSweepLoop periodically asks every live connection to check its own
// idle deadline, on the reactor goroutine (via NotifyBlock), at a
// resolution of half the configured idle timeout, never finer than one
// second — reactor.Selector exposes IdleSince per fd but no periodic
// sweep callback of its own (see DESIGN.md), so the sweep trigger lives
// here instead.
func (l *Listener) idleSweepLoop(ctx context.Context) {
	interval := l.cfg.IdleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sel.NotifyBlock(idleSweepBlockHandler{l}, nil)
		}
	}
}

type idleSweepBlockHandler struct{ l *Listener }

func (h idleSweepBlockHandler) OnBlock(sel *reactor.Selector, token any) {
	for c := range h.l.conns {
		c.CheckIdle()
	}
}
