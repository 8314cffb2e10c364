// Package server wires an ioloop.Connection's raw byte stream to the
// HTTP/1 parser and the session engine's per-request state machine.
// Grounded on original_source's HttpServer::onMessage: a per-connection
// parser context drains every complete request out of one read buffer
// (keep-alive/pipelining), and the connection closes once a response
// says so.
package server

import (
	"context"
	"net"

	"github.com/rs/zerolog"

	"github.com/relayforge/gatewaycore/internal/grpcbridge"
	"github.com/relayforge/gatewaycore/internal/h1"
	"github.com/relayforge/gatewaycore/internal/h2"
	"github.com/relayforge/gatewaycore/internal/ioloop"
	"github.com/relayforge/gatewaycore/internal/mirror"
	"github.com/relayforge/gatewaycore/internal/perr"
	"github.com/relayforge/gatewaycore/internal/session"
	"github.com/relayforge/gatewaycore/internal/tunnel"
)

// Server adapts one session.Engine onto an ioloop.Acceptor's accepted
// connections.
type Server struct {
	Engine *session.Engine
	Logger zerolog.Logger

	// Mirror, if non-nil, receives a best-effort fire-and-forget copy
	// of every forwarded (non-admin, non-websocket) request/response
	// pair, sampled per its own configured rate.
	Mirror *mirror.Mirror
}

// New builds a Server bound to engine. m may be nil to disable mirroring.
func New(engine *session.Engine, logger zerolog.Logger, m *mirror.Mirror) *Server {
	return &Server{Engine: engine, Logger: logger, Mirror: m}
}

// connState is the per-connection parsing context, equivalent to the
// original's HttpContext stashed on the TcpConnection. A connection
// starts in HTTP/1 mode and is promoted to HTTP/2 (h2c, prior
// knowledge only — no ALPN negotiation in this reactor) the moment its
// first bytes are the HTTP/2 client preface; grpcbridge is the only
// consumer of that path, so there is no general h2 request routing
// beyond its built-in services.
type connState struct {
	parser *h1.Parser
	ip     string

	h2conn *h2.Conn
	h2buf  []byte
}

// OnAccept wires a freshly accepted Connection's callbacks. It does not
// call Start; the caller (ioloop.Acceptor) does that once OnAccept
// returns, matching Acceptor.handleAccept's sequencing.
func (s *Server) OnAccept(c *ioloop.Connection, isTLS bool) {
	ip := connRemoteIP(c)
	st := &connState{parser: h1.NewParser(), ip: ip}

	c.OnMessage = func(c *ioloop.Connection, data []byte) {
		if st.h2conn != nil || isH2Preface(data) {
			s.onH2Message(c, st, data)
			return
		}
		s.onMessage(c, st, data)
	}
}

func isH2Preface(data []byte) bool {
	return len(data) >= len(h2.Preface) && string(data[:len(h2.Preface)]) == h2.Preface
}

// onH2Message drives one connection's raw bytes through the HTTP/2
// frame FSM: strip the client preface once, then loop decoding
// complete 9-byte-header-plus-payload frames out of a persistent
// buffer (TCP delivers arbitrary chunk boundaries, not frame-aligned
// ones). Every completed request is answered via grpcbridge, the only
// service this reactor exposes over HTTP/2.
func (s *Server) onH2Message(c *ioloop.Connection, st *connState, data []byte) {
	if st.h2conn == nil {
		conn := h2.NewConn()
		rest, err := conn.ConsumePreface(data)
		if err != nil {
			c.Shutdown()
			return
		}
		conn.OnNeedWrite = func(b []byte) { c.Send(b) }
		conn.OnRequest = func(req h2.Request) {
			s.handleH2Request(c, st, conn, req)
		}
		st.h2conn = conn
		data = rest
	}

	st.h2buf = append(st.h2buf, data...)
	for {
		if len(st.h2buf) < 9 {
			return
		}
		hdr, err := h2.ParseFrameHeader(st.h2buf)
		if err != nil {
			c.Shutdown()
			return
		}
		total := 9 + int(hdr.Length)
		if len(st.h2buf) < total {
			return
		}
		payload := st.h2buf[9:total]
		st.h2buf = st.h2buf[total:]
		if err := st.h2conn.HandleFrame(hdr, payload); err != nil {
			c.Shutdown()
			return
		}
	}
}

// handleH2Request answers one completed HTTP/2 request. The
// HttpUnary bridge path's HTTPCaller runs the same session engine
// forwarding path an HTTP/1 request would, just fed a synthetic GET.
// Its error return is what lets grpcbridge distinguish "no eligible
// backend" (grpc-status 14) from an ordinary non-2xx HTTP reply
// (mapped to 13 via StatusFromHTTP). The engine also sets result.Err
// for other failures (bad gateway, admission denials), so only a 503
// that carries an error is returned as an error.
func (s *Server) handleH2Request(c *ioloop.Connection, st *connState, conn *h2.Conn, req h2.Request) {
	caller := func(ctx context.Context, path string) (int, []byte, error) {
		synthetic := &h1.Request{Method: "GET", Path: path, Headers: h1.NewOrderedHeaders()}
		result := s.Engine.HandleHTTP1(ctx, st.ip, synthetic, nil)
		// Status 503 is exactly serviceUnavailable's "no eligible
		// backend" outcome (perr.BackendSelectFailure) — the one case
		// the design maps to grpc-status 14 rather than folding into
		// the generic non-2xx/3xx 13 via StatusFromHTTP.
		if result.Status == 503 && result.Err != nil {
			return result.Status, result.Body, result.Err
		}
		return result.Status, result.Body, nil
	}
	out := grpcbridge.Handle(context.Background(), conn, req, caller)
	c.Send(out)
}

func (s *Server) onMessage(c *ioloop.Connection, st *connState, data []byte) {
	reqs, err := st.parser.Feed(data)
	if err != nil {
		classified := perr.Wrap(perr.ClientParse, err)
		s.Logger.Debug().Err(classified).Str("ip", st.ip).Msg("rejecting connection")
		c.Send(h1.WriteResponse(classified.HTTPStatus, h1.NewOrderedHeaders(), []byte("bad request")))
		c.Shutdown()
		return
	}

	for _, req := range reqs {
		result := s.Engine.HandleHTTP1(context.Background(), st.ip, req, connWriter{c})

		if result.IsWSUpgrade {
			// DialAndSplice force-closes the client connection itself on
			// failure, so there is no response left to write here.
			// UpgradeRequest carries the original request re-serialized
			// verbatim, which DialAndSplice writes to the backend before
			// splicing so the backend actually has something to answer.
			if err := tunnel.DialAndSplice(context.Background(), c, c.Loop(), result.BackendID, result.UpgradeRequest); err != nil {
				s.Logger.Warn().Err(err).Str("backend", result.BackendID).Msg("websocket upgrade dial failed")
			}
			// Splice takes over the connection's byte stream from here;
			// no further h1 parsing happens on it.
			return
		}

		if s.Mirror != nil && result.BackendID != "" {
			s.Mirror.MirrorRequest(mirror.Event{
				ClientIP:    st.ip,
				BackendAddr: result.BackendID,
				Method:      req.Method,
				Path:        req.Path,
				StatusCode:  result.Status,
			}, req.Body, result.Body)
		}

		if result.Streamed {
			// The response was already relayed to c byte-for-byte as it
			// arrived from the backend; nothing left to send.
			if !result.KeepAlive {
				c.Shutdown()
				return
			}
			continue
		}

		if result.PassThrough {
			// Transform buffer overflow fallback: Body already holds a
			// complete raw wire response, sent as-is rather than
			// re-framed through WriteResponse.
			c.Send(result.Body)
			c.Shutdown()
			return
		}

		c.Send(h1.WriteResponse(result.Status, result.Headers, result.Body))
		if !result.KeepAlive {
			c.Shutdown()
			return
		}
	}
}

// connWriter adapts an ioloop.Connection to io.Writer for the
// engine's stream pass-through path. Send enqueues the write onto the
// loop goroutine asynchronously, so the bytes must be copied before
// handing them off — the engine's read buffer is reused across reads
// and would otherwise be mutated out from under the pending send.
type connWriter struct {
	c *ioloop.Connection
}

func (w connWriter) Write(p []byte) (int, error) {
	cp := make([]byte, len(p))
	copy(cp, p)
	w.c.Send(cp)
	return len(p), nil
}

func connRemoteIP(c *ioloop.Connection) string {
	addr := c.RemoteAddr()
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
