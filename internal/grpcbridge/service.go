// Built-in gRPC services the gateway answers directly over HTTP/2,
// without ever reaching a backend (Echo), and the bridge service that
// does reach one (Gateway/HttpUnary). Grounded on the h2 package's
// Conn.SendHeaders/SendData/SendTrailers framing and on
// session-level request dispatch patterns from the teacher's
// handler/proxy.go (a single entry point that inspects a path and
// dispatches to one of a small fixed set of handlers).
package grpcbridge

import (
	"context"

	"github.com/relayforge/gatewaycore/internal/h2"
)

const (
	PathEchoUnary   = "/proxy.Echo/Unary"
	PathEchoStream  = "/proxy.Echo/Stream"
	PathGatewayHTTP = "/proxy.Gateway/HttpUnary"
)

// HTTPCaller performs a regular HTTP/1 upstream call for the
// HttpUnary bridge path and reports the raw status/body pair back,
// or an error if no eligible backend could be reached at all.
type HTTPCaller func(ctx context.Context, path string) (status int, body []byte, err error)

// IsBuiltin reports whether path names one of the services this
// package answers without forwarding to a backend.
func IsBuiltin(path string) bool {
	switch path {
	case PathEchoUnary, PathEchoStream, PathGatewayHTTP:
		return true
	}
	return false
}

// Handle dispatches req to its built-in service and returns the
// HTTP/2 frames (HEADERS [+DATA] + trailing HEADERS with
// grpc-status) to write back on conn. call is only invoked for the
// HttpUnary path.
func Handle(ctx context.Context, conn *h2.Conn, req h2.Request, call HTTPCaller) []byte {
	switch req.PseudoPath {
	case PathEchoUnary:
		return handleEchoUnary(conn, req)
	case PathEchoStream:
		return handleEchoStream(conn, req)
	case PathGatewayHTTP:
		return handleGatewayHTTPUnary(ctx, conn, req, call)
	default:
		return grpcTrailersOnly(conn, req.StreamID, StatusInternal)
	}
}

// handleEchoUnary decodes every message in the request body and
// echoes them back as a single response message per incoming
// message, matching the behavior a unary-ish "echo everything you
// sent me" RPC would exhibit when fed more than one frame.
func handleEchoUnary(conn *h2.Conn, req h2.Request) []byte {
	msgs, _, err := DecodeMessages(req.Body)
	if err != nil {
		return grpcTrailersOnly(conn, req.StreamID, StatusInternal)
	}

	var out []byte
	out = append(out, conn.SendHeaders(req.StreamID, nil, false)...)
	for _, m := range msgs {
		out = append(out, conn.SendData(req.StreamID, EncodeMessage(m), false)...)
	}
	out = append(out, conn.SendTrailers(req.StreamID, grpcStatusTrailer(StatusOK))...)
	return out
}

// handleEchoStream is identical in this gateway's simplified model:
// there is no separate multi-response fan-out, only per-input-frame
// echo, since the gateway does not implement true bidi streaming
// flow control (see the h2 package's flow-control notes).
func handleEchoStream(conn *h2.Conn, req h2.Request) []byte {
	return handleEchoUnary(conn, req)
}

// handleGatewayHTTPUnary decodes the backend HTTP path from
// protobuf field #1, performs the upstream call via call, and wraps
// the result back into a gRPC reply.
func handleGatewayHTTPUnary(ctx context.Context, conn *h2.Conn, req h2.Request, call HTTPCaller) []byte {
	path, err := DecodeStringField1(req.Body)
	if err != nil {
		return grpcTrailersOnly(conn, req.StreamID, StatusInternal)
	}

	httpStatus, body, err := call(ctx, path)
	if err != nil {
		return grpcTrailersOnly(conn, req.StreamID, StatusUnavailable)
	}

	msg := EncodeStringField1(string(body))
	var out []byte
	out = append(out, conn.SendHeaders(req.StreamID, nil, false)...)
	out = append(out, conn.SendData(req.StreamID, EncodeMessage(msg), false)...)
	out = append(out, conn.SendTrailers(req.StreamID, grpcStatusTrailer(StatusFromHTTP(httpStatus)))...)
	return out
}

func grpcTrailersOnly(conn *h2.Conn, streamID uint32, status int) []byte {
	return conn.SendTrailers(streamID, grpcStatusTrailer(status))
}

func grpcStatusTrailer(status int) []h2.HeaderField {
	return []h2.HeaderField{
		{Name: "grpc-status", Value: statusString(status)},
	}
}

func statusString(status int) string {
	switch status {
	case StatusOK:
		return "0"
	case StatusUnavailable:
		return "14"
	default:
		return "13"
	}
}
