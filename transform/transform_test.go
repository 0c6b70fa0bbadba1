// SPDX-License-Identifier: GPL-3.0-or-later

package transform

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/bassosimone/medproxy/reactor"
	"github.com/bassosimone/medproxy/ring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Chunk framing round-trips: unchunk(prepareChunked(b1) ++ prepareChunked(b2) ++ sentLast) == b1 ++ b2.
func TestChunkRoundTrip(t *testing.T) {
	dst := ring.New(256)
	b1 := ring.New(16)
	b1.Write([]byte("hello "))
	b2 := ring.New(16)
	b2.Write([]byte("world"))

	PrepareChunkedBuffer(dst, b1)
	PrepareChunkedBuffer(dst, b2)
	SentLastChunked(dst)

	got, err := Unchunk(dst.ReadPtr())
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))
}

func TestPrepareChunkedBufferEmptySourceIsNoop(t *testing.T) {
	dst := ring.New(32)
	src := ring.New(16)
	PrepareChunkedBuffer(dst, src)
	assert.False(t, dst.CanRead())
}

// harness wires a *Stage between two pipes standing in for the origin
// and client sockets, and drives the selector in the background.
type harness struct {
	t         *testing.T
	sel       *reactor.Selector
	stage     *Stage
	originW   *os.File // test writes here to simulate origin bytes
	clientR   *os.File // test reads here to observe what the client sees
	done      chan struct{}
	cancel    context.CancelFunc
}

func newHarness(t *testing.T, originChunked bool) *harness {
	t.Helper()
	originR, originW, err := os.Pipe()
	require.NoError(t, err)
	clientR, clientW, err := os.Pipe()
	require.NoError(t, err)

	sel, err := reactor.New()
	require.NoError(t, err)

	stage := New(sel, int(clientW.Fd()), int(originR.Fd()), 4096, originChunked, nil)
	done := make(chan struct{})
	stage.OnDone = func() { close(done) }

	h := &harness{t: t, sel: sel, stage: stage, originW: originW, clientR: clientR, done: done}
	t.Cleanup(func() {
		originR.Close()
		originW.Close()
		clientR.Close()
		clientW.Close()
	})
	return h
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	h.cancel = cancel
	go func() {
		_ = h.sel.Run(ctx)
	}()
}

func (h *harness) readAllClient(t *testing.T) []byte {
	t.Helper()
	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for stage to finish")
	}
	h.cancel()
	out, err := io.ReadAll(h.clientR)
	require.NoError(t, err)
	return out
}

// Pass-through: no transform command, origin not chunked -> client sees
// the exact bytes written to origin.
func TestPassThroughByteForByte(t *testing.T) {
	h := newHarness(t, false)
	require.NoError(t, h.stage.Start("", ""))
	h.run(t)

	_, err := h.originW.Write([]byte("abc"))
	require.NoError(t, err)
	require.NoError(t, h.originW.Close())

	got := h.readAllClient(t)
	assert.Equal(t, "abc", string(got))
	assert.Equal(t, StatusNone, h.stage.CommandStatus())
}

// Pass-through with an already-chunked origin: re-chunked bytes decode
// back to the original payload.
func TestPassThroughPreservesChunkedFraming(t *testing.T) {
	h := newHarness(t, true)
	require.NoError(t, h.stage.Start("", ""))
	h.run(t)

	_, err := h.originW.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, h.originW.Close())

	got := h.readAllClient(t)
	payload, err := Unchunk(got)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(payload))
}

// Active transformer: "tr a-z A-Z" uppercases the body, delivered
// chunked to the client.
func TestTransformActiveUppercases(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh on this system")
	}
	h := newHarness(t, false)
	require.NoError(t, h.stage.Start("tr a-z A-Z", ""))
	require.Equal(t, StatusOK, h.stage.CommandStatus())
	require.True(t, h.stage.Active())
	h.run(t)

	_, err := h.originW.Write([]byte("abc"))
	require.NoError(t, err)
	require.NoError(t, h.originW.Close())

	got := h.readAllClient(t)
	payload, err := Unchunk(got)
	require.NoError(t, err)
	assert.Equal(t, "ABC", string(payload))
}

// A transformer that exits immediately without reading stdin falls back
// to a syntactically valid (empty) chunked response instead of hanging.
func TestTransformExitsBeforeStdinFallsBack(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh on this system")
	}
	h := newHarness(t, false)
	require.NoError(t, h.stage.Start("true", ""))
	h.run(t)

	_, err := h.originW.Write([]byte("abc"))
	require.NoError(t, err)
	require.NoError(t, h.originW.Close())

	got := h.readAllClient(t)
	assert.NotEmpty(t, got)
}
