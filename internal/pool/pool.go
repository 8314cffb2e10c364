// Grounded on provider/pool.go's ConnectionPool: a shared,
// per-upstream pool manager with lazily-created per-backend state and
// atomic reuse/active metrics. That version wraps http.Transport's
// own pooling; this one hand-rolls the idle store because the gateway
// proxies raw backend connections shared across HTTP/1, HTTP/2, and
// gRPC framing rather than handing everything to net/http's client.
package pool

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Lease is the interface a net.Conn returned by Get actually
// satisfies: callers that want pooling behavior type-assert to this
// to tell the pool whether the connection is reusable.
type Lease interface {
	net.Conn
	Release()
	Discard()
}

// Config bounds one Pool's behaviour.
type Config struct {
	IdleTTL           time.Duration
	MaxIdlePerBackend int
	MaxIdleGlobal     int
	DialTimeout       time.Duration
}

// DefaultConfig mirrors DefaultPoolConfig's production-grade shape,
// retargeted at raw connections instead of transports.
func DefaultConfig() Config {
	return Config{
		IdleTTL:           90 * time.Second,
		MaxIdlePerBackend: 32,
		MaxIdleGlobal:     256,
		DialTimeout:       10 * time.Second,
	}
}

type idleConn struct {
	conn     net.Conn
	returned time.Time
}

// Metrics tracks pool utilization, the same counter shape as
// PoolMetrics (per-backend sync.Map of atomic counters) generalized
// beyond HTTP request/response accounting.
type Metrics struct {
	active  sync.Map // map[string]*int64
	reuses  sync.Map // map[string]*int64
	created sync.Map // map[string]*int64
	evicted sync.Map // map[string]*int64
}

func (m *Metrics) counter(store *sync.Map, key string) *int64 {
	if v, ok := store.Load(key); ok {
		return v.(*int64)
	}
	c := new(int64)
	actual, _ := store.LoadOrStore(key, c)
	return actual.(*int64)
}

// Snapshot returns a per-backend metrics view for admin reporting.
func (m *Metrics) Snapshot() map[string]map[string]int64 {
	out := make(map[string]map[string]int64)
	collect := func(store *sync.Map, field string) {
		store.Range(func(k, v interface{}) bool {
			id := k.(string)
			if _, ok := out[id]; !ok {
				out[id] = make(map[string]int64)
			}
			out[id][field] = atomic.LoadInt64(v.(*int64))
			return true
		})
	}
	collect(&m.active, "active_connections")
	collect(&m.reuses, "connection_reuses")
	collect(&m.created, "connections_created")
	collect(&m.evicted, "idle_evicted")
	return out
}

// Pool is a per-backend idle-connection FIFO: Get pops the
// oldest-first available idle connection (or dials fresh when none
// are idle or none are young enough), Put pushes a connection back
// onto the idle list subject to TTL and per-backend/global caps.
type Pool struct {
	cfg     Config
	mu      sync.Mutex
	idle    map[string][]idleConn
	idleLen int64 // total idle conns across all backends, atomic
	metrics *Metrics
	dialer  net.Dialer

	closeCh chan struct{}
	closed  bool
}

// New builds a Pool and starts its background idle-sweep goroutine.
func New(cfg Config) *Pool {
	if cfg.IdleTTL <= 0 {
		cfg = DefaultConfig()
	}
	p := &Pool{
		cfg:     cfg,
		idle:    make(map[string][]idleConn),
		metrics: &Metrics{},
		dialer:  net.Dialer{Timeout: cfg.DialTimeout},
		closeCh: make(chan struct{}),
	}
	go p.sweepLoop()
	return p
}

// Metrics exposes the pool's metrics snapshot source.
func (p *Pool) Metrics() *Metrics { return p.metrics }

// Get returns an idle connection for addr if one is available and
// still within TTL, otherwise dials a fresh one.
func (p *Pool) Get(ctx context.Context, addr string) (net.Conn, error) {
	p.mu.Lock()
	bucket := p.idle[addr]
	for len(bucket) > 0 {
		ic := bucket[0]
		bucket = bucket[1:]
		atomic.AddInt64(&p.idleLen, -1)
		if time.Since(ic.returned) > p.cfg.IdleTTL {
			ic.conn.Close()
			atomic.AddInt64(p.metrics.counter(&p.metrics.evicted, addr), 1)
			continue
		}
		p.idle[addr] = bucket
		p.mu.Unlock()
		atomic.AddInt64(p.metrics.counter(&p.metrics.reuses, addr), 1)
		atomic.AddInt64(p.metrics.counter(&p.metrics.active, addr), 1)
		return &pooledConn{Conn: ic.conn, pool: p, addr: addr}, nil
	}
	p.idle[addr] = bucket
	p.mu.Unlock()

	conn, err := p.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	atomic.AddInt64(p.metrics.counter(&p.metrics.created, addr), 1)
	atomic.AddInt64(p.metrics.counter(&p.metrics.active, addr), 1)
	return &pooledConn{Conn: conn, pool: p, addr: addr}, nil
}

// put returns a connection to the idle pool, subject to caps; callers
// that detect a broken connection should call discard instead.
func (p *Pool) put(addr string, conn net.Conn) {
	atomic.AddInt64(p.metrics.counter(&p.metrics.active, addr), -1)

	p.mu.Lock()
	if p.closed ||
		len(p.idle[addr]) >= p.cfg.MaxIdlePerBackend ||
		atomic.LoadInt64(&p.idleLen) >= int64(p.cfg.MaxIdleGlobal) {
		p.mu.Unlock()
		conn.Close()
		return
	}
	p.idle[addr] = append(p.idle[addr], idleConn{conn: conn, returned: time.Now()})
	atomic.AddInt64(&p.idleLen, 1)
	p.mu.Unlock()
}

func (p *Pool) discard(addr string, conn net.Conn) {
	atomic.AddInt64(p.metrics.counter(&p.metrics.active, addr), -1)
	conn.Close()
}

func (p *Pool) sweepLoop() {
	t := time.NewTicker(p.cfg.IdleTTL / 2)
	defer t.Stop()
	for {
		select {
		case <-p.closeCh:
			return
		case <-t.C:
			p.sweep()
		}
	}
}

func (p *Pool) sweep() {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	for addr, bucket := range p.idle {
		kept := bucket[:0]
		for _, ic := range bucket {
			if now.Sub(ic.returned) > p.cfg.IdleTTL {
				ic.conn.Close()
				atomic.AddInt64(&p.idleLen, -1)
				atomic.AddInt64(p.metrics.counter(&p.metrics.evicted, addr), 1)
				continue
			}
			kept = append(kept, ic)
		}
		p.idle[addr] = kept
	}
}

// Close shuts the pool down, closing every idle connection and
// stopping the sweep loop.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, bucket := range p.idle {
		for _, ic := range bucket {
			ic.conn.Close()
		}
	}
	p.idle = make(map[string][]idleConn)
	p.mu.Unlock()
	close(p.closeCh)
}

// pooledConn wraps a net.Conn so callers can Close() normally while
// the pool decides, via Release/Discard, whether the underlying
// connection goes back on the idle list.
type pooledConn struct {
	net.Conn
	pool     *Pool
	addr     string
	released bool
}

// Release returns the connection to the pool for reuse. Call this
// instead of Close when the connection ended a clean request/response
// cycle.
func (c *pooledConn) Release() {
	if c.released {
		return
	}
	c.released = true
	c.pool.put(c.addr, c.Conn)
}

// Discard closes the connection without pooling it, for use after
// a protocol error or any I/O the gateway cannot prove left the
// connection in a reusable state.
func (c *pooledConn) Discard() {
	if c.released {
		return
	}
	c.released = true
	c.pool.discard(c.addr, c.Conn)
}

// Close discards by default: callers must call Release explicitly to
// opt into pooling, so a forgotten Release fails safe (the connection
// is simply closed, not leaked into the idle store in an unknown state).
func (c *pooledConn) Close() error {
	c.Discard()
	return nil
}
