package grpcbridge_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayforge/gatewaycore/internal/grpcbridge"
	"github.com/relayforge/gatewaycore/internal/h2"
)

func TestMessageFrameRoundTrips(t *testing.T) {
	msg := []byte("hello world")
	framed := grpcbridge.EncodeMessage(msg)

	msgs, consumed, err := grpcbridge.DecodeMessages(framed)
	require.NoError(t, err)
	assert.Equal(t, len(framed), consumed)
	require.Len(t, msgs, 1)
	assert.Equal(t, msg, msgs[0])
}

func TestDecodeMessagesHandlesMultipleAndPartialFrames(t *testing.T) {
	var buf []byte
	buf = append(buf, grpcbridge.EncodeMessage([]byte("a"))...)
	buf = append(buf, grpcbridge.EncodeMessage([]byte("bb"))...)
	partial := grpcbridge.EncodeMessage([]byte("ccc"))
	buf = append(buf, partial[:len(partial)-1]...)

	msgs, consumed, err := grpcbridge.DecodeMessages(buf)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "a", string(msgs[0]))
	assert.Equal(t, "bb", string(msgs[1]))
	assert.Less(t, consumed, len(buf))
}

func TestStringField1RoundTrips(t *testing.T) {
	encoded := grpcbridge.EncodeStringField1("/v1/widgets")
	s, err := grpcbridge.DecodeStringField1(encoded)
	require.NoError(t, err)
	assert.Equal(t, "/v1/widgets", s)
}

func TestDecodeStringField1MissingFieldErrors(t *testing.T) {
	_, err := grpcbridge.DecodeStringField1(nil)
	assert.Error(t, err)
}

func TestStatusFromHTTP(t *testing.T) {
	assert.Equal(t, grpcbridge.StatusOK, grpcbridge.StatusFromHTTP(200))
	assert.Equal(t, grpcbridge.StatusOK, grpcbridge.StatusFromHTTP(301))
	assert.Equal(t, grpcbridge.StatusInternal, grpcbridge.StatusFromHTTP(500))
	assert.Equal(t, grpcbridge.StatusInternal, grpcbridge.StatusFromHTTP(404))
}

func TestHandleEchoUnaryEchoesFramedMessages(t *testing.T) {
	conn := h2.NewConn()
	body := grpcbridge.EncodeMessage([]byte("ping"))
	req := h2.Request{StreamID: 1, PseudoPath: grpcbridge.PathEchoUnary, Body: body}

	out := grpcbridge.Handle(context.Background(), conn, req, nil)
	assert.Contains(t, string(out), "ping")
	assert.Contains(t, string(out), "grpc-status")
}

func TestHandleGatewayHTTPUnarySuccess(t *testing.T) {
	conn := h2.NewConn()
	body := grpcbridge.EncodeStringField1("/v1/widgets")
	req := h2.Request{StreamID: 3, PseudoPath: grpcbridge.PathGatewayHTTP, Body: body}

	var gotPath string
	call := func(ctx context.Context, path string) (int, []byte, error) {
		gotPath = path
		return 200, []byte("ok"), nil
	}

	out := grpcbridge.Handle(context.Background(), conn, req, call)
	assert.Equal(t, "/v1/widgets", gotPath)
	assert.NotEmpty(t, out)
}

func TestHandleGatewayHTTPUnaryNoBackendReturnsUnavailable(t *testing.T) {
	conn := h2.NewConn()
	body := grpcbridge.EncodeStringField1("/v1/widgets")
	req := h2.Request{StreamID: 5, PseudoPath: grpcbridge.PathGatewayHTTP, Body: body}

	call := func(ctx context.Context, path string) (int, []byte, error) {
		return 0, nil, errors.New("no eligible backend")
	}

	out := grpcbridge.Handle(context.Background(), conn, req, call)
	assert.Contains(t, string(out), "14")
}

func TestIsBuiltin(t *testing.T) {
	assert.True(t, grpcbridge.IsBuiltin(grpcbridge.PathEchoUnary))
	assert.True(t, grpcbridge.IsBuiltin(grpcbridge.PathEchoStream))
	assert.True(t, grpcbridge.IsBuiltin(grpcbridge.PathGatewayHTTP))
	assert.False(t, grpcbridge.IsBuiltin("/other/Path"))
}
