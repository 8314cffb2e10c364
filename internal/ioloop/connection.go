package ioloop

import (
	"bytes"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// State is a Connection's lifecycle stage.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnecting
	StateDisconnected
)

// DefaultHighWaterMark is the default output-buffer back-pressure
// threshold: crossing it pauses reads from the connection's peer in
// the L4 tunnel (see internal/tunnel).
const DefaultHighWaterMark = 8 << 20 // 8 MiB

// Connection wraps a net.Conn pinned to one Loop. Its callbacks run
// on that Loop's goroutine: Send, Shutdown and ForceClose enqueue
// their work via loop.QueueInLoop, and the read pump hands both
// received data and read errors to the loop the same way. StopRead,
// StartRead and SetHighWaterMark act directly under the Connection's
// locks.
type Connection struct {
	id   uint64
	loop *Loop
	conn net.Conn

	state int32 // State, accessed atomically for cheap reads

	mu         sync.Mutex
	outbuf     bytes.Buffer
	highWater  int
	overHWM    bool
	lastActive time.Time

	readPaused chan struct{} // closed while reads are paused; replaced on resume
	pauseMu    sync.Mutex

	OnMessage       func(c *Connection, data []byte)
	OnClose         func(c *Connection)
	OnHighWaterMark func(c *Connection, bufLen int)
	OnWriteComplete func(c *Connection)

	closeOnce sync.Once
}

var connIDSeq uint64

// NewConnection pins conn to loop and sets it StateConnecting; call
// Start to begin the read pump after callbacks are wired up.
func NewConnection(loop *Loop, conn net.Conn) *Connection {
	c := &Connection{
		id:         atomic.AddUint64(&connIDSeq, 1),
		loop:       loop,
		conn:       conn,
		highWater:  DefaultHighWaterMark,
		lastActive: time.Now(),
		readPaused: nil,
	}
	atomic.StoreInt32(&c.state, int32(StateConnecting))
	loop.registerConn(c)
	return c
}

// ID is the connection's process-unique identifier.
func (c *Connection) ID() uint64 { return c.id }

// Loop returns the Loop this Connection is pinned to.
func (c *Connection) Loop() *Loop { return c.loop }

// RemoteAddr returns the underlying socket's remote address.
func (c *Connection) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// State returns the current lifecycle state.
func (c *Connection) State() State { return State(atomic.LoadInt32(&c.state)) }

// SetHighWaterMark overrides the default back-pressure threshold.
func (c *Connection) SetHighWaterMark(n int) {
	c.mu.Lock()
	c.highWater = n
	c.mu.Unlock()
}

// LastActive reports the last time data was read from or written to
// this connection, used by idle sweeps.
func (c *Connection) LastActive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastActive = time.Now()
	c.mu.Unlock()
}

// Start transitions to Connected and begins the read pump goroutine.
// The pump itself runs off-loop (since it blocks on conn.Read) but
// every callback invocation is marshaled onto the loop via
// QueueInLoop, preserving the reactor's single-goroutine-per-
// connection state-transition guarantee.
func (c *Connection) Start() {
	atomic.StoreInt32(&c.state, int32(StateConnected))
	go c.readPump()
}

func (c *Connection) readPump() {
	buf := make([]byte, 64*1024)
	for {
		if c.waitIfPaused() {
			return
		}
		n, err := c.conn.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			c.touch()
			loop := c.loop
			loop.QueueInLoop(func() {
				if c.OnMessage != nil {
					c.OnMessage(c, data)
				}
			})
		}
		if err != nil {
			c.loop.QueueInLoop(c.handleClose)
			return
		}
	}
}

// waitIfPaused blocks the read pump while reads are paused via
// StopRead, resuming as soon as StartRead fires. Returns true if the
// connection closed while paused.
func (c *Connection) waitIfPaused() bool {
	c.pauseMu.Lock()
	ch := c.readPaused
	c.pauseMu.Unlock()
	if ch == nil {
		return false
	}
	<-ch
	return c.State() == StateDisconnected
}

// StopRead pauses the read pump; StartRead resumes it. This is the
// idiomatic substitute for toggling raw fd read-readiness in an
// epoll-based reactor.
func (c *Connection) StopRead() {
	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()
	if c.readPaused == nil {
		c.readPaused = make(chan struct{})
	}
}

// StartRead resumes a previously paused read pump.
func (c *Connection) StartRead() {
	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()
	if c.readPaused != nil {
		close(c.readPaused)
		c.readPaused = nil
	}
}

// Send writes data to the connection, buffering and enforcing the
// high-water-mark callback when the peer can't keep up. Always
// enqueued onto the loop goroutine.
func (c *Connection) Send(data []byte) {
	c.loop.QueueInLoop(func() {
		c.sendInLoop(data)
	})
}

func (c *Connection) sendInLoop(data []byte) {
	if c.State() >= StateDisconnecting {
		return
	}
	n, err := c.conn.Write(data)
	if err != nil {
		c.handleClose()
		return
	}
	c.touch()
	if n < len(data) {
		c.mu.Lock()
		c.outbuf.Write(data[n:])
		bufLen := c.outbuf.Len()
		crossed := !c.overHWM && bufLen >= c.highWater
		if crossed {
			c.overHWM = true
		}
		c.mu.Unlock()
		if crossed && c.OnHighWaterMark != nil {
			c.OnHighWaterMark(c, bufLen)
		}
		return
	}
	c.mu.Lock()
	hadBacklog := c.outbuf.Len() > 0
	c.outbuf.Reset()
	c.overHWM = false
	c.mu.Unlock()
	if hadBacklog && c.OnWriteComplete != nil {
		c.OnWriteComplete(c)
	}
}

// Shutdown closes the connection after every Send queued before it
// has run, since those are ahead of it in the loop's queue. It does
// not half-close: the read and write sides close together.
func (c *Connection) Shutdown() {
	c.loop.QueueInLoop(func() {
		atomic.StoreInt32(&c.state, int32(StateDisconnecting))
		c.handleClose()
	})
}

// ForceClose closes the underlying connection immediately, dropping
// any buffered output.
func (c *Connection) ForceClose() {
	c.loop.QueueInLoop(func() {
		c.handleClose()
	})
}

func (c *Connection) handleClose() {
	c.closeOnce.Do(func() {
		atomic.StoreInt32(&c.state, int32(StateDisconnected))
		c.StartRead() // unblock a paused read pump so it can exit
		_ = c.conn.Close()
		c.loop.unregisterConn(c.id)
		if c.OnClose != nil {
			c.OnClose(c)
		}
	})
}
