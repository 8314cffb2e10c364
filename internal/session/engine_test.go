package session_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayforge/gatewaycore/internal/admission"
	"github.com/relayforge/gatewaycore/internal/backend"
	"github.com/relayforge/gatewaycore/internal/h1"
	"github.com/relayforge/gatewaycore/internal/pool"
	"github.com/relayforge/gatewaycore/internal/session"
)

func startEchoBackend(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if err != nil {
						return
					}
					if n > 0 {
						resp := "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: 2\r\n\r\nok"
						c.Write([]byte(resp))
					}
				}
			}(c)
		}
	}()
	return ln.Addr().String()
}

func newTestEngine(t *testing.T, addr string) *session.Engine {
	t.Helper()
	reg := backend.NewRegistry(backend.NewStrategy("roundrobin"))
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	b := reg.Add(host, atoiPort(portStr), 1, false)
	reg.SetOnline(b.ID, true)
	reg.SetHealthy(b.ID, true)

	p := pool.New(pool.DefaultConfig())

	cfg := session.Config{
		Registry: reg,
		Pool:     p,
		Logger:   zerolog.Nop(),
	}
	return session.New(cfg)
}

func parseOneRequest(t *testing.T, raw string) *h1.Request {
	t.Helper()
	p := h1.NewParser()
	reqs, err := p.Feed([]byte(raw))
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	return reqs[0]
}

func TestHandleHTTP1ForwardsAndReturns200(t *testing.T) {
	addr := startEchoBackend(t)
	eng := newTestEngine(t, addr)

	req := parseOneRequest(t, "GET /widgets HTTP/1.1\r\nHost: t\r\nConnection: close\r\n\r\n")
	res := eng.HandleHTTP1(context.Background(), "1.2.3.4", req, nil)

	assert.Equal(t, 200, res.Status)
	assert.Equal(t, "ok", string(res.Body))
}

func TestHandleHTTP1NoBackendReturns503(t *testing.T) {
	reg := backend.NewRegistry(backend.NewStrategy("roundrobin"))
	p := pool.New(pool.DefaultConfig())
	eng := session.New(session.Config{Registry: reg, Pool: p, Logger: zerolog.Nop()})

	req := parseOneRequest(t, "GET /x HTTP/1.1\r\nHost: t\r\n\r\n")
	res := eng.HandleHTTP1(context.Background(), "1.2.3.4", req, nil)
	assert.Equal(t, 503, res.Status)
}

func TestHandleHTTP1AdmissionDeniesOverGlobalRate(t *testing.T) {
	addr := startEchoBackend(t)
	eng := newTestEngine(t, addr)

	req := parseOneRequest(t, "GET /x HTTP/1.1\r\nHost: t\r\n\r\n")
	_ = eng.HandleHTTP1(context.Background(), "1.2.3.4", req, nil)

	cfg := session.Config{
		Registry:     nil,
		GlobalBucket: admission.NewTokenBucket(0, 0),
		Logger:       zerolog.Nop(),
	}
	denyEng := session.New(cfg)
	res := denyEng.HandleHTTP1(context.Background(), "1.2.3.4", req, nil)
	assert.Equal(t, 429, res.Status)
}

func TestHandleHTTP1DetectsWebSocketUpgrade(t *testing.T) {
	addr := startEchoBackend(t)
	eng := newTestEngine(t, addr)

	req := parseOneRequest(t, "GET /ws HTTP/1.1\r\nHost: t\r\nConnection: Upgrade\r\nUpgrade: websocket\r\nSec-WebSocket-Key: abc\r\n\r\n")
	res := eng.HandleHTTP1(context.Background(), "1.2.3.4", req, nil)
	assert.True(t, res.IsWSUpgrade)
	assert.NotEmpty(t, res.BackendID)

	// The caller (internal/server, internal/tunnel) needs the original
	// request bytes to forward to the dialed backend verbatim; the
	// handshake headers must survive re-serialization unmodified.
	require.NotEmpty(t, res.UpgradeRequest)
	raw := string(res.UpgradeRequest)
	assert.Contains(t, raw, "GET /ws HTTP/1.1")
	assert.Contains(t, raw, "Upgrade: websocket")
	assert.Contains(t, raw, "Sec-Websocket-Key: abc")
}

func TestHandleHTTP1ACLDenies(t *testing.T) {
	addr := startEchoBackend(t)
	reg := backend.NewRegistry(backend.NewStrategy("roundrobin"))
	host, port, _ := net.SplitHostPort(addr)
	p := atoiPort(port)
	b := reg.Add(host, p, 1, false)
	reg.SetOnline(b.ID, true)
	reg.SetHealthy(b.ID, true)

	pl := pool.New(pool.DefaultConfig())
	cfg := session.Config{
		Registry: reg,
		Pool:     pl,
		Logger:   zerolog.Nop(),
		ACL:      func(ip string, r *h1.Request) bool { return ip != "9.9.9.9" },
	}
	eng := session.New(cfg)

	req := parseOneRequest(t, "GET /x HTTP/1.1\r\nHost: t\r\n\r\n")
	res := eng.HandleHTTP1(context.Background(), "9.9.9.9", req, nil)
	assert.Equal(t, 403, res.Status)
}

func atoiPort(s string) int {
	n := 0
	for _, c := range s {
		n = n*10 + int(c-'0')
	}
	return n
}

func TestHandleHTTP1TimesOutGracefullyOnDeadBackend(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close() // nothing listens now

	eng := newTestEngine(t, addr)
	req := parseOneRequest(t, "GET /x HTTP/1.1\r\nHost: t\r\n\r\n")

	done := make(chan session.Result, 1)
	go func() {
		done <- eng.HandleHTTP1(context.Background(), "1.2.3.4", req, nil)
	}()

	select {
	case res := <-done:
		assert.Equal(t, 502, res.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("handler hung on dead backend")
	}
}
