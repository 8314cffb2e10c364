package pool_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayforge/gatewaycore/internal/pool"
)

func startEchoListener(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 256)
				for {
					n, err := c.Read(buf)
					if err != nil {
						return
					}
					c.Write(buf[:n])
				}
			}(c)
		}
	}()
	return ln
}

func TestPoolReusesReleasedConnection(t *testing.T) {
	ln := startEchoListener(t)
	defer ln.Close()
	addr := ln.Addr().String()

	p := pool.New(pool.Config{IdleTTL: time.Second, MaxIdlePerBackend: 4, MaxIdleGlobal: 16, DialTimeout: time.Second})
	defer p.Close()

	conn1, err := p.Get(context.Background(), addr)
	require.NoError(t, err)
	pc1 := conn1.(interface {
		net.Conn
		Release()
	})
	pc1.Release()

	snap := p.Metrics().Snapshot()
	assert.EqualValues(t, 1, snap[addr]["connections_created"])

	conn2, err := p.Get(context.Background(), addr)
	require.NoError(t, err)
	defer conn2.Close()

	snap = p.Metrics().Snapshot()
	assert.EqualValues(t, 1, snap[addr]["connection_reuses"])
	assert.EqualValues(t, 1, snap[addr]["connections_created"])
}

func TestPoolEvictsAfterTTL(t *testing.T) {
	ln := startEchoListener(t)
	defer ln.Close()
	addr := ln.Addr().String()

	p := pool.New(pool.Config{IdleTTL: 30 * time.Millisecond, MaxIdlePerBackend: 4, MaxIdleGlobal: 16, DialTimeout: time.Second})
	defer p.Close()

	conn, err := p.Get(context.Background(), addr)
	require.NoError(t, err)
	conn.(interface{ Release() }).Release()

	time.Sleep(200 * time.Millisecond)

	conn2, err := p.Get(context.Background(), addr)
	require.NoError(t, err)
	defer conn2.Close()

	snap := p.Metrics().Snapshot()
	assert.EqualValues(t, 2, snap[addr]["connections_created"])
	assert.GreaterOrEqual(t, snap[addr]["idle_evicted"], int64(1))
}

func TestPoolDiscardDoesNotPool(t *testing.T) {
	ln := startEchoListener(t)
	defer ln.Close()
	addr := ln.Addr().String()

	p := pool.New(pool.Config{IdleTTL: time.Second, MaxIdlePerBackend: 4, MaxIdleGlobal: 16, DialTimeout: time.Second})
	defer p.Close()

	conn, err := p.Get(context.Background(), addr)
	require.NoError(t, err)
	conn.(interface{ Discard() }).Discard()

	conn2, err := p.Get(context.Background(), addr)
	require.NoError(t, err)
	defer conn2.Close()

	snap := p.Metrics().Snapshot()
	assert.EqualValues(t, 2, snap[addr]["connections_created"])
	assert.EqualValues(t, 0, snap[addr]["connection_reuses"])
}

func TestPoolMaxIdlePerBackendCaps(t *testing.T) {
	ln := startEchoListener(t)
	defer ln.Close()
	addr := ln.Addr().String()

	p := pool.New(pool.Config{IdleTTL: time.Second, MaxIdlePerBackend: 1, MaxIdleGlobal: 16, DialTimeout: time.Second})
	defer p.Close()

	c1, err := p.Get(context.Background(), addr)
	require.NoError(t, err)
	c2, err := p.Get(context.Background(), addr)
	require.NoError(t, err)

	c1.(interface{ Release() }).Release()
	c2.(interface{ Release() }).Release() // second should be closed, not pooled (cap=1)

	c3, err := p.Get(context.Background(), addr)
	require.NoError(t, err)
	defer c3.Close()

	snap := p.Metrics().Snapshot()
	assert.EqualValues(t, 1, snap[addr]["connection_reuses"])
}
