// UDP proxying: one listening socket, per-client-address sessions
// each holding a fresh connected UDP socket to a backend chosen by
// the backend registry keyed on the client's address. Grounded on
// the backend package's Select-by-key contract (same affinity-key
// selection the HTTP path uses, retargeted to a UDP client address)
// and on the reactor's idle-sweep-via-timer shape used elsewhere in
// this module (internal/admission's KeyedLimiter.Sweep,
// internal/pool's sweepLoop).
package udpproxy

import (
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/relayforge/gatewaycore/internal/backend"
)

// Config bounds session lifetime and buffer sizes.
type Config struct {
	ListenAddr string
	IdleTTL    time.Duration
	BufferSize int
}

// DefaultConfig gives the UDP proxy a conservative idle timeout,
// matching a NAT-friendly session lifetime.
func DefaultConfig(addr string) Config {
	return Config{
		ListenAddr: addr,
		IdleTTL:    60 * time.Second,
		BufferSize: 64 * 1024,
	}
}

type session struct {
	backendConn *net.UDPConn
	lastActive  time.Time
}

// Proxy owns the listening socket and the client-address → session
// map.
type Proxy struct {
	cfg      Config
	registry *backend.Registry
	logger   zerolog.Logger

	ln *net.UDPConn

	mu       sync.Mutex
	sessions map[string]*session

	droppedOverflow int64 // never incremented: Serve does not read SO_RXQ_OVFL control messages

	closeCh chan struct{}
}

// New builds a Proxy; call Serve to start relaying.
func New(cfg Config, registry *backend.Registry, logger zerolog.Logger) *Proxy {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig(cfg.ListenAddr).BufferSize
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultConfig(cfg.ListenAddr).IdleTTL
	}
	return &Proxy{
		cfg:      cfg,
		registry: registry,
		logger:   logger.With().Str("component", "udp_proxy").Logger(),
		sessions: make(map[string]*session),
		closeCh:  make(chan struct{}),
	}
}

// Serve binds the listening socket and relays datagrams until Close
// is called.
func (p *Proxy) Serve() error {
	addr, err := net.ResolveUDPAddr("udp", p.cfg.ListenAddr)
	if err != nil {
		return err
	}
	ln, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	p.ln = ln
	enableRxqOverflow(ln)

	go p.sweepLoop()

	buf := make([]byte, p.cfg.BufferSize)
	for {
		n, clientAddr, err := ln.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-p.closeCh:
				return nil
			default:
				return err
			}
		}
		p.handleDatagram(clientAddr, buf[:n])
	}
}

// Close stops the proxy and every backend session socket it owns.
func (p *Proxy) Close() {
	close(p.closeCh)
	if p.ln != nil {
		p.ln.Close()
	}
	p.mu.Lock()
	for _, s := range p.sessions {
		s.backendConn.Close()
	}
	p.sessions = make(map[string]*session)
	p.mu.Unlock()
}

// DroppedOverflow reports the overflow drop counter. Serve reads
// datagrams with ReadFromUDP and never reads the kernel's SO_RXQ_OVFL
// counts, so this returns 0 on every platform.
func (p *Proxy) DroppedOverflow() int64 {
	return p.droppedOverflow
}

func (p *Proxy) handleDatagram(clientAddr *net.UDPAddr, data []byte) {
	key := clientAddr.String()

	p.mu.Lock()
	s, ok := p.sessions[key]
	p.mu.Unlock()

	if !ok {
		newSess, err := p.newSession(key)
		if err != nil {
			p.logger.Debug().Err(err).Str("client", key).Msg("no eligible backend for udp client")
			return
		}
		s = newSess
		p.mu.Lock()
		p.sessions[key] = s
		p.mu.Unlock()
		go p.backendReadLoop(clientAddr, key, s)
	}

	if _, err := s.backendConn.Write(data); err != nil {
		p.logger.Debug().Err(err).Str("client", key).Msg("write to backend failed")
		return
	}
	p.mu.Lock()
	s.lastActive = time.Now()
	p.mu.Unlock()
}

func (p *Proxy) newSession(clientKey string) (*session, error) {
	backendAddr := p.registry.Select(clientKey)
	if backendAddr == "" || backendAddr == "0.0.0.0:0" {
		return nil, errNoBackend
	}
	raddr, err := net.ResolveUDPAddr("udp", backendAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, err
	}
	return &session{backendConn: conn, lastActive: time.Now()}, nil
}

func (p *Proxy) backendReadLoop(clientAddr *net.UDPAddr, key string, s *session) {
	buf := make([]byte, p.cfg.BufferSize)
	for {
		n, err := s.backendConn.Read(buf)
		if err != nil {
			p.mu.Lock()
			delete(p.sessions, key)
			p.mu.Unlock()
			s.backendConn.Close()
			return
		}
		p.mu.Lock()
		s.lastActive = time.Now()
		p.mu.Unlock()
		if _, err := p.ln.WriteToUDP(buf[:n], clientAddr); err != nil {
			return
		}
	}
}

func (p *Proxy) sweepLoop() {
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

func (p *Proxy) sweep() {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, s := range p.sessions {
		if now.Sub(s.lastActive) > p.cfg.IdleTTL {
			s.backendConn.Close()
			delete(p.sessions, key)
		}
	}
}
