// SPDX-License-Identifier: GPL-3.0-or-later

// Package medproxy implements the forward HTTP proxy's connection
// mediation engine: the per-connection state machine that drives a
// request from accept through parsing, origin resolution, connect,
// head forwarding, and the [transform.Stage] body relay to DONE or
// ERROR (spec.md 4.3).
package medproxy

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"time"

	"github.com/bassosimone/medproxy/errclass"
	"github.com/bassosimone/nop"
)

// Config holds the proxy daemon's configuration, following the pattern
// of the teacher's own [nop.Config]: a plain struct with sane
// defaults from [NewConfig], read-only once request processing starts,
// replaced wholesale (copy-on-write) on reload.
type Config struct {
	// ListenAddr and ListenPort are the client-facing listener address
	// (-l, -p).
	ListenAddr string
	ListenPort int

	// Command is the transformer shell command (-c). Empty disables the
	// transform stage (equivalent to -n).
	Command string

	// StderrPath is the file the transformer's stderr is redirected to
	// (-e). Empty discards it.
	StderrPath string

	// NoTransform forces pass-through mode even if Command is set (-n).
	NoTransform bool

	// Resolver selects the origin name resolution backend (-r); see
	// [resolve.New] for the accepted spec syntax. Empty means the system
	// resolver.
	Resolver string

	// AdminAddr is the SCTP admin listener address (-a). Empty disables
	// the admin protocol.
	AdminAddr string

	// AdminUsername and AdminPassword gate the admin protocol's
	// authentication request (spec.md 6). Both empty accepts any
	// credentials, matching NewConfig's "secure defaults for a disabled
	// feature" stance: the admin listener itself must be explicitly
	// enabled via -a before these matter.
	AdminUsername string
	AdminPassword string

	// IdleTimeout is the per-fd inactivity window after which a
	// connection is cancelled with 504 Gateway Timeout (spec.md 5).
	IdleTimeout time.Duration

	// BufferCap sizes every per-connection ring buffer.
	BufferCap int

	// Dialer is used to connect to origin servers.
	Dialer nop.Dialer

	// ErrClassifier classifies I/O errors for structured logging.
	ErrClassifier nop.ErrClassifier

	// TimeNow returns the current time (overridable in tests).
	TimeNow func() time.Time

	// Logger receives structured lifecycle and I/O events. The default
	// discards everything, matching nop's "opt-in logging" doc
	// convention.
	Logger *slog.Logger
}

// NewConfig returns a [*Config] with sane defaults: system resolver, no
// transform, a 1500-connection-friendly 64KiB buffer, 60s idle timeout,
// and a discarding logger.
func NewConfig() *Config {
	nc := nop.NewConfig()
	return &Config{
		ListenAddr:    "127.0.0.1",
		ListenPort:    8080,
		IdleTimeout:   60 * time.Second,
		BufferCap:     64 * 1024,
		Dialer:        nc.Dialer,
		ErrClassifier: nop.ErrClassifierFunc(errclass.New),
		TimeNow:       nc.TimeNow,
		Logger:        slog.New(discardHandler{}),
	}
}

// ParseFlags parses the CLI flags described in spec.md 6 into a fresh
// [*Config] built from [NewConfig]. It never calls os.Exit; callers
// translate a returned error into exit code 1 per spec.md 6.
func ParseFlags(fs *flag.FlagSet, args []string) (*Config, error) {
	cfg := NewConfig()
	fs.StringVar(&cfg.ListenAddr, "l", cfg.ListenAddr, "client-facing listen address")
	fs.IntVar(&cfg.ListenPort, "p", cfg.ListenPort, "client-facing listen port")
	fs.StringVar(&cfg.Command, "c", "", "transformer shell command")
	fs.StringVar(&cfg.StderrPath, "e", "", "transformer stderr file path")
	fs.BoolVar(&cfg.NoTransform, "n", false, "disable the transform stage")
	fs.StringVar(&cfg.Resolver, "r", "", "resolver backend (system|udp://..|dot://..|doh://..)")
	fs.StringVar(&cfg.AdminAddr, "a", "", "admin SCTP listen address (host:port); empty disables it")
	fs.StringVar(&cfg.AdminUsername, "admin-user", "", "admin protocol username (empty accepts any)")
	fs.StringVar(&cfg.AdminPassword, "admin-pass", "", "admin protocol password (empty accepts any)")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("medproxy: parsing flags: %w", err)
	}
	if cfg.NoTransform {
		cfg.Command = ""
	}
	return cfg, nil
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (discardHandler) WithAttrs([]slog.Attr) slog.Handler        { return discardHandler{} }
func (discardHandler) WithGroup(string) slog.Handler             { return discardHandler{} }
