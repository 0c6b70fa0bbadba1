// SPDX-License-Identifier: GPL-3.0-or-later

// Package reactor implements the proxy's single-threaded readiness
// multiplexer: register a non-blocking file descriptor with a [Handler]
// and an [Interest] bitset, and [Selector.Run] dispatches exactly one
// callback per readiness event until the context is cancelled.
//
// This is the Go translation of the source's selector.c: register/
// unregister/set_interest/run, plus selector_notify_block for DNS-style
// asynchronous completions that must hand control back to the single
// reactor goroutine (see [Selector.NotifyBlock]).
package reactor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Interest is a bitset of readiness conditions a registered fd cares about.
type Interest uint8

const (
	// NoInterest means the fd is registered but not currently polled for
	// any readiness condition (OP_NOOP in the source).
	NoInterest Interest = 0
	Read       Interest = 1 << 0
	Write      Interest = 1 << 1
)

// Handler reacts to readiness events for one registered fd.
//
// Contract: exactly one callback fires per readiness event; callbacks
// must not block, and may call [Selector.SetInterest] / [Selector.Unregister]
// including for fds other than the one whose callback is running.
type Handler interface {
	OnRead(s *Selector, fd int)
	OnWrite(s *Selector, fd int)
}

// BlockHandler reacts to an asynchronous completion signalled from outside
// the reactor goroutine (e.g. a DNS resolution running on its own
// goroutine). See [Selector.NotifyBlock].
type BlockHandler interface {
	OnBlock(s *Selector, token any)
}

type registration struct {
	fd           int
	handler      Handler
	interest     Interest
	lastActivity time.Time
}

type blockCompletion struct {
	handler BlockHandler
	token   any
}

// Selector is a single-threaded, non-blocking readiness multiplexer.
//
// A *Selector must only be driven by one goroutine (the one that calls
// [Selector.Run]); registration bookkeeping is not safe for concurrent
// mutation from elsewhere. The exception is [Selector.NotifyBlock], which
// is explicitly safe to call from any goroutine.
type Selector struct {
	logger      *slog.Logger
	idleTimeout time.Duration

	regs map[int]*registration

	mu      sync.Mutex
	pending []blockCompletion

	wake wakePipe
}

// Option configures a [Selector].
type Option func(*Selector)

// WithLogger sets a structured logger for reactor-level diagnostics
// (registration errors, poll failures). The default discards everything.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Selector) { s.logger = logger }
}

// WithIdleTimeout sets how long each poll call in [Selector.Run] waits
// before returning with no ready fd. Run does not itself expire idle
// fds; callers read [Selector.IdleSince] for that. The default is 1
// second.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Selector) { s.idleTimeout = d }
}

// New returns a ready-to-run [*Selector].
func New(opts ...Option) (*Selector, error) {
	s := &Selector{
		logger:      discardLogger(),
		idleTimeout: time.Second,
		regs:        make(map[int]*registration),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.wake.open(); err != nil {
		return nil, fmt.Errorf("reactor: opening wake pipe: %w", err)
	}
	s.regs[s.wake.readFD()] = &registration{
		fd:       s.wake.readFD(),
		handler:  wakeHandler{s: s},
		interest: Read,
	}
	return s, nil
}

// Register adds fd to the poll set with the given interest. It is an
// error to register an fd twice (spec.md 8, invariant 2).
func (s *Selector) Register(fd int, handler Handler, interest Interest) error {
	if _, dup := s.regs[fd]; dup {
		return fmt.Errorf("reactor: fd %d already registered", fd)
	}
	s.regs[fd] = &registration{fd: fd, handler: handler, interest: interest, lastActivity: time.Now()}
	return nil
}

// Unregister removes fd from the poll set. Unregistering an unknown fd is
// a no-op: teardown paths unregister defensively and must not panic if a
// caller already cleaned up.
func (s *Selector) Unregister(fd int) {
	delete(s.regs, fd)
}

// SetInterest changes the readiness conditions fd is polled for.
func (s *Selector) SetInterest(fd int, interest Interest) error {
	r, ok := s.regs[fd]
	if !ok {
		return fmt.Errorf("reactor: set_interest on unregistered fd %d", fd)
	}
	r.interest = interest
	return nil
}

// NotifyBlock queues an asynchronous completion and wakes the reactor
// goroutine so that handler.OnBlock(s, token) runs on the reactor
// goroutine at the next Run iteration. Safe to call from any goroutine;
// this is the sole thread-safe entry point into a *Selector, mirroring
// selector_notify_block from the source.
func (s *Selector) NotifyBlock(handler BlockHandler, token any) {
	s.mu.Lock()
	s.pending = append(s.pending, blockCompletion{handler, token})
	s.mu.Unlock()
	s.wake.signal()
}

func (s *Selector) drainPending() []blockCompletion {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	out := s.pending
	s.pending = nil
	return out
}

// wakeHandler drains the self-pipe and dispatches every queued block
// completion on the reactor goroutine.
type wakeHandler struct{ s *Selector }

func (w wakeHandler) OnRead(s *Selector, fd int) {
	s.wake.drain()
	for _, c := range s.drainPending() {
		c.handler.OnBlock(s, c.token)
	}
}

func (w wakeHandler) OnWrite(s *Selector, fd int) {}

func discardLogger() *slog.Logger {
	return slog.New(discardHandler{})
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (discardHandler) WithAttrs([]slog.Attr) slog.Handler        { return discardHandler{} }
func (discardHandler) WithGroup(string) slog.Handler             { return discardHandler{} }
