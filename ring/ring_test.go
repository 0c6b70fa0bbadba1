// SPDX-License-Identifier: GPL-3.0-or-later

package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// New panics on non-positive capacity and otherwise returns an empty buffer.
func TestNew(t *testing.T) {
	require.Panics(t, func() { New(0) })
	require.Panics(t, func() { New(-1) })

	b := New(8)
	assert.Equal(t, 8, b.Cap())
	assert.Equal(t, 0, b.Len())
	assert.False(t, b.CanRead())
	assert.True(t, b.CanWrite())
}

// WriteAdv/ReadAdv maintain 0 <= read <= write <= limit across a
// write-then-read cycle, and CanRead/CanWrite track cursor state exactly.
func TestWriteReadCycle(t *testing.T) {
	b := New(4)

	n := copy(b.WritePtr(), []byte("ab"))
	b.WriteAdv(n)
	assert.Equal(t, 2, b.Len())
	assert.True(t, b.CanRead())
	assert.True(t, b.CanWrite())

	got := make([]byte, 2)
	copy(got, b.ReadPtr())
	b.ReadAdv(2)
	assert.Equal(t, "ab", string(got))
	assert.False(t, b.CanRead())

	b.Reset()
	assert.Equal(t, 0, b.Len())
}

// WriteAdv and ReadAdv panic if asked to advance past the buffer's bounds.
func TestOverrunsPanic(t *testing.T) {
	b := New(2)
	require.Panics(t, func() { b.WriteAdv(3) })

	b.WriteAdv(1)
	require.Panics(t, func() { b.ReadAdv(2) })
}

// Reset is only legal once the buffer has been fully drained.
func TestResetRequiresDrained(t *testing.T) {
	b := New(2)
	b.WriteAdv(1)
	require.Panics(t, func() { b.Reset() })

	b.ReadAdv(1)
	require.NotPanics(t, func() { b.Reset() })
}

// ReadByte/WriteByte expose single-byte access (ReadByte is how the
// request parser consumes its input).
func TestByteAccess(t *testing.T) {
	b := New(2)
	b.WriteByte('x')
	b.WriteByte('y')
	assert.False(t, b.CanWrite())

	c, ok := b.ReadByte()
	require.True(t, ok)
	assert.Equal(t, byte('x'), c)

	c, ok = b.ReadByte()
	require.True(t, ok)
	assert.Equal(t, byte('y'), c)

	_, ok = b.ReadByte()
	assert.False(t, ok)
}

// Write panics rather than silently truncating when its argument overruns
// remaining capacity; callers that frame chunks must size buffers correctly.
func TestWriteOverrunPanics(t *testing.T) {
	b := New(2)
	require.Panics(t, func() { b.Write([]byte("abc")) })
}
