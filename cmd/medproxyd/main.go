// SPDX-License-Identifier: GPL-3.0-or-later

// Command medproxyd runs the forward HTTP proxy daemon: a single reactor
// goroutine driving every client connection's state machine, plus an
// optional SCTP admin listener (spec.md 6).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/bassosimone/medproxy"
	"github.com/bassosimone/medproxy/adminproto"
	"github.com/bassosimone/nop"
	"github.com/bassosimone/medproxy/reactor"
	"github.com/bassosimone/medproxy/resolve"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run returns the process exit code described in spec.md 6: 0 normal,
// 1 argument error, 2 bind/listen failure. It never calls os.Exit
// itself, matching [medproxy.ParseFlags]'s own contract, so tests can
// drive it directly.
func run(args []string) int {
	// SIGPIPE is process-wide ignored at startup (spec.md 5): writes to a
	// closed pipe or socket must surface as an EPIPE errno on the failing
	// syscall, not tear down the daemon.
	signal.Ignore(syscall.SIGPIPE)

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	fs := flag.NewFlagSet("medproxyd", flag.ContinueOnError)
	cfg, err := medproxy.ParseFlags(fs, args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	cfg.Logger = logger

	sel, err := reactor.New(reactor.WithLogger(logger))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	resolver, err := resolve.New(nopConfig(cfg), logger, cfg.Resolver)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	ln, err := medproxy.NewListener(sel, cfg, resolver)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	defer ln.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ln.Serve(ctx)

	if cfg.AdminAddr != "" {
		adminTransport, err := adminproto.Listen(cfg.AdminAddr)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 2
		}
		defer adminTransport.Close()
		go serveAdmin(ctx, adminTransport, ln, cfg, logger)
	}

	if err := sel.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	return 0
}

// nopConfig projects the fields [resolve.New] needs from
// [medproxy.Config] into a [*nop.Config], mirroring how the rest of
// the proxy threads nop.Config through its collaborators.
func nopConfig(cfg *medproxy.Config) *nop.Config {
	return &nop.Config{
		Dialer:        cfg.Dialer,
		ErrClassifier: cfg.ErrClassifier,
		TimeNow:       cfg.TimeNow,
	}
}

// serveAdmin accepts admin SCTP associations until ctx is cancelled,
// handing each to its own [adminproto.Server.Serve] goroutine — the
// admin protocol is intentionally decoupled from the reactor goroutine
// (see adminproto's package doc and DESIGN.md): it blocks freely on its
// own goroutine per connection instead of participating in the
// single-threaded readiness loop.
func serveAdmin(ctx context.Context, t *adminproto.Transport, ln *medproxy.Listener, cfg *medproxy.Config, logger *slog.Logger) {
	handler := medproxy.NewAdminHandler(cfg.AdminUsername, cfg.AdminPassword, ln.Count)
	server := adminproto.NewServer(handler)
	server.Logger = logger

	for {
		conn, err := t.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Debug("adminAcceptError", "err", err)
			continue
		}
		go func() {
			defer conn.Close()
			if err := server.Serve(conn); err != nil {
				logger.Debug("adminServeError", "err", err)
			}
		}()
	}
}
