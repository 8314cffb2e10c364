package server_test

import (
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayforge/gatewaycore/internal/backend"
	"github.com/relayforge/gatewaycore/internal/grpcbridge"
	"github.com/relayforge/gatewaycore/internal/h1"
	"github.com/relayforge/gatewaycore/internal/h2"
	"github.com/relayforge/gatewaycore/internal/ioloop"
	"github.com/relayforge/gatewaycore/internal/pool"
	"github.com/relayforge/gatewaycore/internal/server"
	"github.com/relayforge/gatewaycore/internal/session"
)

// netPipe returns an in-memory connected pair; the first is kept by
// the test as the "client" side, the second is handed to the
// Connection under test as its socket.
func netPipe(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	client, srv := net.Pipe()
	return client, srv
}

func adminOK(req *h1.Request) (int, *h1.OrderedHeaders, []byte, bool) {
	headers := h1.NewOrderedHeaders()
	headers.Set("Content-Type", "text/plain")
	return 200, headers, []byte("ok"), true
}

func TestOnAcceptDrainsPipelinedRequestsAndRespondsPerRequest(t *testing.T) {
	engine := session.New(session.Config{Admin: adminOK})
	srv := server.New(engine, zerolog.Nop(), nil)

	loop := ioloop.NewLoop(0)
	go loop.Run()
	defer loop.Stop()

	clientConn, serverConn := netPipe(t)
	defer clientConn.Close()

	c := ioloop.NewConnection(loop, serverConn)
	srv.OnAccept(c, false)
	c.Start()

	req := "GET /stats HTTP/1.1\r\nHost: x\r\n\r\n"
	_, err := clientConn.Write([]byte(req + req))
	require.NoError(t, err)

	buf := make([]byte, 4096)
	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp := ""
	for strings.Count(resp, "HTTP/1.1 200") < 2 {
		n, err := clientConn.Read(buf)
		require.NoError(t, err)
		resp += string(buf[:n])
	}
	assert.Contains(t, resp, "200")
	assert.Contains(t, resp, "ok")
}

func TestOnAcceptClosesConnectionWhenNotKeepAlive(t *testing.T) {
	engine := session.New(session.Config{Admin: adminOK})
	srv := server.New(engine, zerolog.Nop(), nil)

	loop := ioloop.NewLoop(0)
	go loop.Run()
	defer loop.Stop()

	clientConn, serverConn := netPipe(t)
	defer clientConn.Close()

	c := ioloop.NewConnection(loop, serverConn)
	srv.OnAccept(c, false)
	c.Start()

	_, err := clientConn.Write([]byte("GET /stats HTTP/1.0\r\n\r\n"))
	require.NoError(t, err)

	buf := make([]byte, 4096)
	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := clientConn.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), "200")

	// The server shuts the connection down after a non-keep-alive
	// response; a subsequent read observes EOF.
	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = clientConn.Read(buf)
	assert.Error(t, err)
}

// TestOnAcceptChunkedPostThenKeepAliveSecondRequest drives a single
// client connection through a chunked POST followed by a second,
// keep-alive GET, then a final Connection: close request — the S1
// scenario. It confirms three things at once: the chunked body is
// dechunked before the backend ever sees it (the backend asserts
// Content-Length, not Transfer-Encoding: chunked), the same client
// connection can issue a second request after the first response, and
// a Connection: close request shuts the connection down afterward.
func TestOnAcceptChunkedPostThenKeepAliveSecondRequest(t *testing.T) {
	backendLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer backendLn.Close()

	seen := make(chan string, 4)
	go func() {
		for {
			conn, err := backendLn.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				p := h1.NewParser()
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if err != nil {
						return
					}
					reqs, err := p.Feed(buf[:n])
					if err != nil {
						return
					}
					for _, r := range reqs {
						_, hasTE := r.Headers.Get("Transfer-Encoding")
						cl, _ := r.Headers.Get("Content-Length")
						seen <- string(r.Body) + "|te=" + boolStr(hasTE) + "|cl=" + cl
						resp := "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: 2\r\n\r\nok"
						c.Write([]byte(resp))
					}
				}
			}(conn)
		}
	}()

	host, portStr, err := net.SplitHostPort(backendLn.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	reg := backend.NewRegistry(backend.NewStrategy("roundrobin"))
	b := reg.Add(host, port, 1, false)
	reg.SetOnline(b.ID, true)
	reg.SetHealthy(b.ID, true)

	p := pool.New(pool.DefaultConfig())
	engine := session.New(session.Config{Registry: reg, Pool: p, Logger: zerolog.Nop()})
	srv := server.New(engine, zerolog.Nop(), nil)

	loop := ioloop.NewLoop(0)
	go loop.Run()
	defer loop.Stop()

	clientConn, serverConn := netPipe(t)
	defer clientConn.Close()

	c := ioloop.NewConnection(loop, serverConn)
	srv.OnAccept(c, false)
	c.Start()

	chunkedReq := "POST /v1/items HTTP/1.1\r\nHost: t\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"5\r\nhello\r\n0\r\n\r\n"
	_, err = clientConn.Write([]byte(chunkedReq))
	require.NoError(t, err)

	buf := make([]byte, 4096)
	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := clientConn.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), "200")

	select {
	case got := <-seen:
		assert.Equal(t, "hello|te=false|cl=5", got)
	case <-time.After(2 * time.Second):
		t.Fatal("backend never saw the dechunked request")
	}

	// Second request on the same kept-alive connection.
	_, err = clientConn.Write([]byte("GET /v1/items HTTP/1.1\r\nHost: t\r\n\r\n"))
	require.NoError(t, err)

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err = clientConn.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), "200")

	select {
	case got := <-seen:
		assert.Equal(t, "|te=false|cl=", got)
	case <-time.After(2 * time.Second):
		t.Fatal("backend never saw the second request")
	}

	// Final request asks to close; the connection should shut down
	// afterward rather than staying open for a third request.
	_, err = clientConn.Write([]byte("GET /v1/items HTTP/1.1\r\nHost: t\r\nConnection: close\r\n\r\n"))
	require.NoError(t, err)

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err = clientConn.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), "200")

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = clientConn.Read(buf)
	assert.Error(t, err)
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// TestOnAcceptPromotesToH2AndAnswersGRPCBridge drives a raw HTTP/2
// preface + HEADERS frame for the built-in Echo service through
// OnAccept, confirming a connection whose first bytes are the h2
// client preface is promoted out of the h1 parser and answered by
// grpcbridge rather than treated as a malformed HTTP/1 request.
func TestOnAcceptPromotesToH2AndAnswersGRPCBridge(t *testing.T) {
	engine := session.New(session.Config{Admin: adminOK})
	srv := server.New(engine, zerolog.Nop(), nil)

	loop := ioloop.NewLoop(0)
	go loop.Run()
	defer loop.Stop()

	clientConn, serverConn := netPipe(t)
	defer clientConn.Close()

	c := ioloop.NewConnection(loop, serverConn)
	srv.OnAccept(c, false)
	c.Start()

	enc := h2.NewEncoder()
	block := enc.EncodeHeaders([]h2.HeaderField{
		{Name: ":method", Value: "POST"},
		{Name: ":path", Value: grpcbridge.PathEchoUnary},
		{Name: ":scheme", Value: "http"},
		{Name: ":authority", Value: "x"},
	})
	body := grpcbridge.EncodeMessage([]byte("ping"))

	var raw []byte
	raw = append(raw, []byte(h2.Preface)...)
	raw = h2.AppendFrameHeader(raw, uint32(len(block)), h2.FrameHeaders, h2.FlagEndHeaders, 1)
	raw = append(raw, block...)
	raw = h2.AppendFrameHeader(raw, uint32(len(body)), h2.FrameData, h2.FlagEndStream, 1)
	raw = append(raw, body...)

	_, err := clientConn.Write(raw)
	require.NoError(t, err)

	buf := make([]byte, 4096)
	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := clientConn.Read(buf)
	require.NoError(t, err)
	resp := string(buf[:n])
	assert.Contains(t, resp, "ping")
	assert.Contains(t, resp, "grpc-status")
}
