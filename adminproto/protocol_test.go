// SPDX-License-Identifier: GPL-3.0-or-later

package adminproto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthRequestRoundTrip(t *testing.T) {
	req := AuthRequest{Username: "alice", Password: "s3cr3t"}
	data := EncodeAuthRequest(req)
	assert.Equal(t, byte(authVersionByte), data[0])

	got, err := DecodeAuthRequest(data)
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestDecodeAuthRequestBadVersion(t *testing.T) {
	_, err := DecodeAuthRequest([]byte{0x01, 0x00, 0x00})
	assert.Error(t, err)
}

func TestDecodeAuthRequestMissingTerminators(t *testing.T) {
	_, err := DecodeAuthRequest([]byte{authVersionByte, 'a', 'b'})
	assert.Error(t, err)
}

func TestAuthResponseRoundTrip(t *testing.T) {
	cases := []AuthResponse{
		{},
		{GeneralError: true},
		{AuthError: true},
		{VersionError: true, ServerMajor: 3},
		{VersionError: true, ServerMajor: 5}, // saturates at 5 bits
	}
	for _, resp := range cases {
		b := EncodeAuthResponse(resp)
		got := DecodeAuthResponse(b)
		if resp.ServerMajor > 5 {
			resp.ServerMajor = 5
		}
		assert.Equal(t, resp, got)
	}
}

func TestUnaryVersionBitsSaturates(t *testing.T) {
	assert.Equal(t, byte(0b00000), unaryVersionBits(0))
	assert.Equal(t, byte(0b10000), unaryVersionBits(1))
	assert.Equal(t, byte(0b11111), unaryVersionBits(5))
	assert.Equal(t, byte(0b11111), unaryVersionBits(9))
}

func TestOpcodeString(t *testing.T) {
	assert.Equal(t, "BYE", OpBye.String())
	assert.Equal(t, "GET", OpGet.String())
	assert.Equal(t, "SET", OpSet.String())
	assert.Contains(t, Opcode(0b11).String(), "Opcode")
}

func TestEncodeDecodeGetRequest(t *testing.T) {
	data := EncodeGet(42, 0x0102030405060708)
	req, err := DecodeRequest(data)
	require.NoError(t, err)
	assert.Equal(t, OpGet, req.Opcode)
	assert.Equal(t, byte(42), req.ID)
	assert.Equal(t, uint64(0x0102030405060708), req.TimeTag)
}

func TestEncodeDecodeSetRequestSingleBlock(t *testing.T) {
	payload := []byte("hello!!!") // exactly 8 bytes, no padding
	data := EncodeSet(7, 99, payload)
	req, err := DecodeRequest(data)
	require.NoError(t, err)
	assert.Equal(t, OpSet, req.Opcode)
	assert.Equal(t, byte(7), req.ID)
	assert.Equal(t, uint64(99), req.TimeTag)
	assert.Equal(t, payload, req.Payload)
}

func TestEncodeDecodeSetRequestMultiBlockWithPadding(t *testing.T) {
	payload := []byte("this payload spans more than one ten-byte block")
	data := EncodeSet(1, 1, payload)
	req, err := DecodeRequest(data)
	require.NoError(t, err)
	// decoded payload is padded up to a multiple of blockPayloadSize;
	// the original bytes must appear as a contiguous suffix.
	assert.True(t, len(req.Payload) >= len(payload))
	assert.Equal(t, payload, req.Payload[len(req.Payload)-len(payload):])
}

func TestEncodeDecodeSetRequestEmptyPayload(t *testing.T) {
	data := EncodeSet(0, 0, nil)
	req, err := DecodeRequest(data)
	require.NoError(t, err)
	assert.Equal(t, blockPayloadSize, len(req.Payload))
}

func TestDecodeRequestRejectsShortGet(t *testing.T) {
	_, err := DecodeRequest([]byte{encodeOpcodeID(OpGet, 1)})
	assert.Error(t, err)
}

func TestDecodeRequestRejectsMalformedBlock(t *testing.T) {
	data := EncodeSet(1, 1, []byte("12345678"))
	data[len(data)-9] = 0x00 // corrupt the START_DATA sentinel
	_, err := DecodeRequest(data)
	assert.Error(t, err)
}

func TestDecodeRequestBye(t *testing.T) {
	req, err := DecodeRequest(EncodeRequestHeader(OpBye, 0))
	require.NoError(t, err)
	assert.Equal(t, OpBye, req.Opcode)
}

func TestResponseRoundTrip(t *testing.T) {
	resp := Response{Payload: []byte("value")}
	data := EncodeResponse(resp)
	got, err := DecodeResponse(data)
	require.NoError(t, err)
	assert.Equal(t, resp, got)
	assert.False(t, got.Error())
}

func TestResponseErrorBitsDropPayload(t *testing.T) {
	resp := Response{TimeTagError: true, Payload: []byte("ignored")}
	data := EncodeResponse(resp)
	got, err := DecodeResponse(data)
	require.NoError(t, err)
	assert.True(t, got.Error())
	assert.True(t, got.TimeTagError)
	assert.Empty(t, got.Payload)
}

func TestDecodeResponseEmpty(t *testing.T) {
	_, err := DecodeResponse(nil)
	assert.Error(t, err)
}
