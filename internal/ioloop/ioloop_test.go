package ioloop_test

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayforge/gatewaycore/internal/ioloop"
)

func TestLoopRunsQueuedTasksInOrder(t *testing.T) {
	l := ioloop.NewLoop(0)
	l.Run()
	defer l.Stop()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(3)
	for i := 0; i < 3; i++ {
		i := i
		l.QueueInLoop(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestLoopRunAfterFiresLater(t *testing.T) {
	l := ioloop.NewLoop(0)
	l.Run()
	defer l.Stop()

	done := make(chan struct{})
	start := time.Now()
	l.RunAfter(30*time.Millisecond, func() { close(done) })

	<-done
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestPoolDistributesRoundRobin(t *testing.T) {
	p := ioloop.NewPool(3)
	defer p.Stop()

	seen := map[int]int{}
	for i := 0; i < 9; i++ {
		seen[p.Next().ID()]++
	}
	assert.Equal(t, 3, seen[0])
	assert.Equal(t, 3, seen[1])
	assert.Equal(t, 3, seen[2])
}

func TestConnectionSendAndReceive(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	p := ioloop.NewPool(1)
	defer p.Stop()
	loop := p.Next()

	received := make(chan []byte, 1)
	c := ioloop.NewConnection(loop, server)
	c.OnMessage = func(cc *ioloop.Connection, data []byte) {
		received <- data
	}
	c.Start()

	go func() {
		_, _ = client.Write([]byte("hello"))
	}()

	select {
	case data := <-received:
		assert.Equal(t, "hello", string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestConnectionCloseFiresOnClose(t *testing.T) {
	server, client := net.Pipe()

	p := ioloop.NewPool(1)
	defer p.Stop()

	closed := make(chan struct{})
	c := ioloop.NewConnection(p.Next(), server)
	c.OnClose = func(cc *ioloop.Connection) { close(closed) }
	c.Start()

	client.Close()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose never fired")
	}
	assert.Equal(t, ioloop.StateDisconnected, c.State())
}

func TestSniffTLSDetectsHandshakeByte(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()

	go func() {
		_, _ = client.Write([]byte{0x16, 0x03, 0x01})
	}()

	sniffed, isTLS, err := ioloop.SniffTLS(server)
	require.NoError(t, err)
	assert.True(t, isTLS)

	buf := make([]byte, 3)
	n, err := sniffed.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x16, 0x03, 0x01}, buf[:n])
}

func TestSniffTLSDetectsPlaintext(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()

	go func() {
		_, _ = client.Write([]byte("GET / HTTP/1.1"))
	}()

	_, isTLS, err := ioloop.SniffTLS(server)
	require.NoError(t, err)
	assert.False(t, isTLS)
}
