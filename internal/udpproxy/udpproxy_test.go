package udpproxy_test

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayforge/gatewaycore/internal/backend"
	"github.com/relayforge/gatewaycore/internal/udpproxy"
)

func startEchoUDPBackend(t *testing.T) string {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	require.NoError(t, err)
	conn, err := net.ListenUDP("udp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 2048)
		for {
			n, raddr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			conn.WriteToUDP(buf[:n], raddr)
		}
	}()
	return conn.LocalAddr().String()
}

func freeUDPAddr(t *testing.T) string {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	require.NoError(t, err)
	conn, err := net.ListenUDP("udp", addr)
	require.NoError(t, err)
	a := conn.LocalAddr().String()
	conn.Close()
	return a
}

func TestUDPProxyRelaysDatagramRoundTrip(t *testing.T) {
	backendAddr := startEchoUDPBackend(t)

	reg := backend.NewRegistry(backend.NewStrategy("roundrobin"))
	host, port, _ := net.SplitHostPort(backendAddr)
	p := 0
	for _, c := range port {
		p = p*10 + int(c-'0')
	}
	b := reg.Add(host, p, 1, false)
	reg.SetOnline(b.ID, true)
	reg.SetHealthy(b.ID, true)

	listenAddr := freeUDPAddr(t)
	proxy := udpproxy.New(udpproxy.DefaultConfig(listenAddr), reg, zerolog.Nop())
	go proxy.Serve()
	defer proxy.Close()

	time.Sleep(50 * time.Millisecond)

	clientConn, err := net.Dial("udp", listenAddr)
	require.NoError(t, err)
	defer clientConn.Close()

	_, err = clientConn.Write([]byte("ping"))
	require.NoError(t, err)

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	n, err := clientConn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))
}

func TestUDPProxyDropsWhenNoBackend(t *testing.T) {
	reg := backend.NewRegistry(backend.NewStrategy("roundrobin"))
	listenAddr := freeUDPAddr(t)
	proxy := udpproxy.New(udpproxy.DefaultConfig(listenAddr), reg, zerolog.Nop())
	go proxy.Serve()
	defer proxy.Close()

	time.Sleep(50 * time.Millisecond)

	clientConn, err := net.Dial("udp", listenAddr)
	require.NoError(t, err)
	defer clientConn.Close()
	_, err = clientConn.Write([]byte("ping"))
	require.NoError(t, err)

	clientConn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	buf := make([]byte, 16)
	_, err = clientConn.Read(buf)
	assert.Error(t, err)
}
