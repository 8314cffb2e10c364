package backend_test

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayforge/gatewaycore/internal/backend"
)

func splitAddr(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func TestHealthCheckerTCPMode(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	host, port := splitAddr(t, ln.Addr().String())
	reg := backend.NewRegistry(backend.NewStrategy("roundrobin"))
	b := reg.Add(host, port, 1, false)

	hc := backend.NewHealthChecker(reg, zerolog.Nop(), backend.CheckTCP, "", "", time.Second, time.Second)
	hc.Start()
	defer hc.Stop()

	assert.Eventually(t, func() bool {
		sn, ok := reg.Snapshot(b.ID)
		return ok && sn.Healthy
	}, 2*time.Second, 20*time.Millisecond)
}

func TestHealthCheckerHTTPMode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	host, port := splitAddr(t, srv.Listener.Addr().String())
	reg := backend.NewRegistry(backend.NewStrategy("roundrobin"))
	b := reg.Add(host, port, 1, false)

	hc := backend.NewHealthChecker(reg, zerolog.Nop(), backend.CheckHTTP, "/healthz", "", time.Second, time.Second)
	hc.Start()
	defer hc.Stop()

	assert.Eventually(t, func() bool {
		sn, ok := reg.Snapshot(b.ID)
		return ok && sn.Healthy
	}, 2*time.Second, 20*time.Millisecond)
}

func TestHealthCheckerTransitionCallback(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	host, port := splitAddr(t, ln.Addr().String())
	reg := backend.NewRegistry(backend.NewStrategy("roundrobin"))
	b := reg.Add(host, port, 1, false)

	transitions := make(chan bool, 4)
	hc := backend.NewHealthChecker(reg, zerolog.Nop(), backend.CheckTCP, "", "", time.Second, 100*time.Millisecond)
	hc.OnStatusChange(func(id string, healthy bool) {
		if id == b.ID {
			transitions <- healthy
		}
	})
	hc.Start()
	defer hc.Stop()

	// first cycle observes healthy (listener accepts), then closing the
	// listener should flip a later cycle to unhealthy.
	assert.Eventually(t, func() bool {
		sn, ok := reg.Snapshot(b.ID)
		return ok && sn.Healthy
	}, 2*time.Second, 20*time.Millisecond)

	ln.Close()

	select {
	case v := <-transitions:
		assert.False(t, v)
	case <-time.After(3 * time.Second):
		t.Fatal("expected an unhealthy transition after listener closed")
	}
}
