// SPDX-License-Identifier: GPL-3.0-or-later

// Package resolve gives the proxy's "external collaborator" DNS resolver
// (spec.md 1: "assumed available as an asynchronous resolve(host) ->
// address callback") a concrete, swappable shape.
//
// The default backend wraps [*net.Resolver] (the stdlib is the right
// choice for plain system resolution — see DESIGN.md). The optional
// backends compose the teacher's [nop] pipeline primitives
// (ConnectFunc -> DNSOverUDPConn / DNSOverTLSConn / DNSOverHTTPSConn) so
// that an operator can point the proxy's origin resolution at a specific
// DoT/DoH/plain-UDP server via the -r flag, exactly as nop's own
// Example_dnsOverUDP/TLS/HTTPS tests demonstrate composing the pipeline.
package resolve

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strconv"

	"github.com/bassosimone/dnscodec"
	"github.com/bassosimone/nop"
	"github.com/miekg/dns"
)

// Resolver resolves a hostname to a single address, the shape the
// connection state machine's RESOLVE state depends on.
type Resolver interface {
	Resolve(ctx context.Context, host string) (netip.Addr, error)
}

// System returns a [Resolver] backed by [*net.Resolver], the default
// backend selected when no -r flag is given.
func System() Resolver {
	return systemResolver{r: net.DefaultResolver}
}

type systemResolver struct {
	r *net.Resolver
}

func (s systemResolver) Resolve(ctx context.Context, host string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr, nil
	}
	ips, err := s.r.LookupNetIP(ctx, "ip4", host)
	if err != nil {
		return netip.Addr{}, err
	}
	if len(ips) == 0 {
		return netip.Addr{}, fmt.Errorf("resolve: no addresses for %q", host)
	}
	return ips[0], nil
}

// New parses a resolver spec (the -r CLI flag) and returns the matching
// [Resolver]. An empty spec, or "system", selects [System]. Otherwise spec
// is a URL whose scheme selects the transport:
//
//   - udp://server:53           plain DNS-over-UDP to server
//   - dot://server:853?sni=name DNS-over-TLS, verifying the name SNI
//   - doh://server:443/path?sni=name DNS-over-HTTPS, POSTing to https://sni/path
//
// The cfg and logger arguments are threaded through to every composed
// nop primitive (dialer, error classifier, observability), matching
// how the rest of the proxy wires nop.Config.
func New(cfg *nop.Config, logger nop.SLogger, spec string) (Resolver, error) {
	if spec == "" || spec == "system" {
		return System(), nil
	}
	u, err := url.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("resolve: invalid resolver spec %q: %w", spec, err)
	}
	server, err := resolveServerAddrPort(u)
	if err != nil {
		return nil, err
	}
	sni := u.Query().Get("sni")
	switch u.Scheme {
	case "udp":
		return &udpResolver{cfg: cfg, logger: logger, server: server}, nil
	case "dot":
		if sni == "" {
			return nil, fmt.Errorf("resolve: dot:// resolver spec requires ?sni=")
		}
		return &dotResolver{cfg: cfg, logger: logger, server: server, sni: sni}, nil
	case "doh":
		if sni == "" {
			return nil, fmt.Errorf("resolve: doh:// resolver spec requires ?sni=")
		}
		path := u.Path
		if path == "" {
			path = "/dns-query"
		}
		return &dohResolver{
			cfg:    cfg,
			logger: logger,
			server: server,
			sni:    sni,
			url:    "https://" + sni + path,
		}, nil
	default:
		return nil, fmt.Errorf("resolve: unsupported resolver scheme %q", u.Scheme)
	}
}

func resolveServerAddrPort(u *url.URL) (netip.AddrPort, error) {
	host := u.Hostname()
	portStr := u.Port()
	if portStr == "" {
		return netip.AddrPort{}, fmt.Errorf("resolve: resolver spec %q is missing a port", u.String())
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("resolve: invalid port in %q: %w", u.String(), err)
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("resolve: resolver server must be a literal IP, got %q", host)
	}
	return netip.AddrPortFrom(addr, uint16(port)), nil
}

func firstA(resp *dnscodec.Response) (netip.Addr, error) {
	records, err := resp.RecordsA()
	if err != nil {
		return netip.Addr{}, err
	}
	if len(records) == 0 {
		return netip.Addr{}, fmt.Errorf("resolve: no A records in response")
	}
	return netip.ParseAddr(records[0])
}

// udpResolver resolves over plain DNS-over-UDP against a fixed server,
// composed from nop.ConnectFunc -> nop.DNSOverUDPConnFunc.
type udpResolver struct {
	cfg    *nop.Config
	logger nop.SLogger
	server netip.AddrPort
}

func (r *udpResolver) Resolve(ctx context.Context, host string) (netip.Addr, error) {
	epntOp := nop.NewEndpointFunc(r.server)
	connectOp := nop.NewConnectFunc(r.cfg, "udp", r.logger)
	observeOp := nop.NewObserveConnFunc(r.cfg, r.logger)
	cancelOp := nop.NewCancelWatchFunc()
	wrapOp := nop.NewDNSOverUDPConnFunc(r.cfg, r.logger)
	dial := nop.Compose5(epntOp, connectOp, observeOp, cancelOp, wrapOp)

	conn, err := dial.Call(ctx, nop.Unit{})
	if err != nil {
		return netip.Addr{}, err
	}
	defer conn.Close()

	resp, err := conn.Exchange(ctx, dnscodec.NewQuery(host, dns.TypeA))
	if err != nil {
		return netip.Addr{}, err
	}
	return firstA(resp)
}

// dotResolver resolves over DNS-over-TLS, composed from
// nop.ConnectFunc -> nop.TLSHandshakeFunc -> nop.DNSOverTLSConnFunc.
type dotResolver struct {
	cfg    *nop.Config
	logger nop.SLogger
	server netip.AddrPort
	sni    string
}

func (r *dotResolver) Resolve(ctx context.Context, host string) (netip.Addr, error) {
	epntOp := nop.NewEndpointFunc(r.server)
	connectOp := nop.NewConnectFunc(r.cfg, "tcp", r.logger)
	observeOp := nop.NewObserveConnFunc(r.cfg, r.logger)
	cancelOp := nop.NewCancelWatchFunc()
	tlsOp := nop.NewTLSHandshakeFunc(r.cfg, &tls.Config{ServerName: r.sni, NextProtos: []string{"dot"}}, r.logger)
	wrapOp := nop.NewDNSOverTLSConnFunc(r.cfg, r.logger)
	dial := nop.Compose6(epntOp, connectOp, observeOp, cancelOp, tlsOp, wrapOp)

	conn, err := dial.Call(ctx, nop.Unit{})
	if err != nil {
		return netip.Addr{}, err
	}
	defer conn.Close()

	resp, err := conn.Exchange(ctx, dnscodec.NewQuery(host, dns.TypeA))
	if err != nil {
		return netip.Addr{}, err
	}
	return firstA(resp)
}

// dohResolver resolves over DNS-over-HTTPS, composed from
// nop.ConnectFunc -> nop.TLSHandshakeFunc -> nop.HTTPConnFunc ->
// nop.DNSOverHTTPSConnFunc.
type dohResolver struct {
	cfg    *nop.Config
	logger nop.SLogger
	server netip.AddrPort
	sni    string
	url    string
}

func (r *dohResolver) Resolve(ctx context.Context, host string) (netip.Addr, error) {
	epntOp := nop.NewEndpointFunc(r.server)
	connectOp := nop.NewConnectFunc(r.cfg, "tcp", r.logger)
	observeOp := nop.NewObserveConnFunc(r.cfg, r.logger)
	cancelOp := nop.NewCancelWatchFunc()
	tlsOp := nop.NewTLSHandshakeFunc(r.cfg, &tls.Config{ServerName: r.sni, NextProtos: []string{"h2", "http/1.1"}}, r.logger)
	httpConnOp := nop.NewHTTPConnFuncTLS(r.cfg, r.logger)
	wrapOp := nop.NewDNSOverHTTPSConnFunc(r.cfg, r.url, r.logger)
	dial := nop.Compose7(epntOp, connectOp, observeOp, cancelOp, tlsOp, httpConnOp, wrapOp)

	conn, err := dial.Call(ctx, nop.Unit{})
	if err != nil {
		return netip.Addr{}, err
	}
	defer conn.Close()

	resp, err := conn.Exchange(ctx, dnscodec.NewQuery(host, dns.TypeA))
	if err != nil {
		return netip.Addr{}, err
	}
	return firstA(resp)
}
