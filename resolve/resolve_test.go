// SPDX-License-Identifier: GPL-3.0-or-later

package resolve

import (
	"context"
	"testing"

	"github.com/bassosimone/nop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSystemResolveLiteralAddr(t *testing.T) {
	addr, err := System().Resolve(context.Background(), "127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", addr.String())
}

func TestNewEmptySpecIsSystem(t *testing.T) {
	r, err := New(nop.NewConfig(), nop.DefaultSLogger(), "")
	require.NoError(t, err)
	assert.IsType(t, systemResolver{}, r)
}

func TestNewSystemSpec(t *testing.T) {
	r, err := New(nop.NewConfig(), nop.DefaultSLogger(), "system")
	require.NoError(t, err)
	assert.IsType(t, systemResolver{}, r)
}

func TestNewUDPSpec(t *testing.T) {
	r, err := New(nop.NewConfig(), nop.DefaultSLogger(), "udp://8.8.8.8:53")
	require.NoError(t, err)
	udp, ok := r.(*udpResolver)
	require.True(t, ok)
	assert.Equal(t, "8.8.8.8:53", udp.server.String())
}

func TestNewDoTSpecRequiresSNI(t *testing.T) {
	_, err := New(nop.NewConfig(), nop.DefaultSLogger(), "dot://8.8.8.8:853")
	assert.Error(t, err)
}

func TestNewDoTSpec(t *testing.T) {
	r, err := New(nop.NewConfig(), nop.DefaultSLogger(), "dot://8.8.8.8:853?sni=dns.google")
	require.NoError(t, err)
	dot, ok := r.(*dotResolver)
	require.True(t, ok)
	assert.Equal(t, "dns.google", dot.sni)
}

func TestNewDoHSpec(t *testing.T) {
	r, err := New(nop.NewConfig(), nop.DefaultSLogger(), "doh://8.8.8.8:443/dns-query?sni=dns.google")
	require.NoError(t, err)
	doh, ok := r.(*dohResolver)
	require.True(t, ok)
	assert.Equal(t, "https://dns.google/dns-query", doh.url)
}

func TestNewUnsupportedScheme(t *testing.T) {
	_, err := New(nop.NewConfig(), nop.DefaultSLogger(), "quic://8.8.8.8:853")
	assert.Error(t, err)
}

func TestNewRejectsHostnameServer(t *testing.T) {
	_, err := New(nop.NewConfig(), nop.DefaultSLogger(), "udp://dns.google:53")
	assert.Error(t, err)
}

func TestNewRejectsMissingPort(t *testing.T) {
	_, err := New(nop.NewConfig(), nop.DefaultSLogger(), "udp://8.8.8.8")
	assert.Error(t, err)
}
