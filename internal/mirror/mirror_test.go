package mirror_test

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relayforge/gatewaycore/internal/mirror"
)

func startCollector(t *testing.T) (string, int, chan []byte) {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	require.NoError(t, err)
	conn, err := net.ListenUDP("udp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	out := make(chan []byte, 4)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, _, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			cp := make([]byte, n)
			copy(cp, buf[:n])
			out <- cp
		}
	}()
	host, portStr, _ := net.SplitHostPort(conn.LocalAddr().String())
	port := 0
	for _, c := range portStr {
		port = port*10 + int(c-'0')
	}
	return host, port, out
}

func TestMirrorSendsEventWhenEnabled(t *testing.T) {
	host, port, out := startCollector(t)
	cfg := mirror.DefaultConfig()
	cfg.Enabled = true
	cfg.UDPHost = host
	cfg.UDPPort = port
	m := mirror.New(cfg)
	defer m.Close()

	m.MirrorRequest(mirror.Event{Method: "GET", Path: "/v1/models"}, nil, nil)

	select {
	case data := <-out:
		var ev mirror.Event
		require.NoError(t, json.Unmarshal(data, &ev))
		require.Equal(t, "/v1/models", ev.Path)
	case <-time.After(time.Second):
		t.Fatal("expected a mirrored datagram")
	}
}

func TestMirrorDisabledSendsNothing(t *testing.T) {
	_, port, out := startCollector(t)
	cfg := mirror.DefaultConfig()
	cfg.Enabled = false
	cfg.UDPPort = port
	m := mirror.New(cfg)
	defer m.Close()

	m.MirrorRequest(mirror.Event{Method: "GET", Path: "/x"}, nil, nil)

	select {
	case <-out:
		t.Fatal("expected no datagram while disabled")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMirrorZeroSampleRateNeverSends(t *testing.T) {
	_, port, out := startCollector(t)
	cfg := mirror.DefaultConfig()
	cfg.Enabled = true
	cfg.SampleRate = 0
	cfg.UDPPort = port
	m := mirror.New(cfg)
	defer m.Close()

	for i := 0; i < 10; i++ {
		m.MirrorRequest(mirror.Event{Method: "GET", Path: "/x"}, nil, nil)
	}

	select {
	case <-out:
		t.Fatal("expected no datagram at sample rate 0")
	case <-time.After(100 * time.Millisecond):
	}
}
