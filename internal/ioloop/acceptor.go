package ioloop

import (
	"context"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/relayforge/gatewaycore/internal/admission"
)

// AcceptorConfig bounds how fast and how widely the acceptor admits
// new connections before any backend or session logic runs.
type AcceptorConfig struct {
	Addr             string
	GlobalAcceptQPS  float64
	GlobalAcceptBurst int
	PerIPAcceptQPS   float64
	PerIPAcceptBurst int
	MaxTotalConns    int
	MaxPerIPConns    int
}

// DefaultAcceptorConfig gives the acceptor generous but non-zero
// bounds, matching the "never literally unbounded" posture the rest
// of the admission layer takes.
func DefaultAcceptorConfig(addr string) AcceptorConfig {
	return AcceptorConfig{
		Addr:              addr,
		GlobalAcceptQPS:   2000,
		GlobalAcceptBurst: 4000,
		PerIPAcceptQPS:    50,
		PerIPAcceptBurst:  100,
		MaxTotalConns:     20000,
		MaxPerIPConns:     500,
	}
}

// Acceptor owns a listener and hands accepted connections off to a
// Loop pool round-robin, after passing them through a global token
// bucket, a per-IP token bucket, and total/per-IP connection caps.
type Acceptor struct {
	cfg    AcceptorConfig
	pool   *Pool
	logger zerolog.Logger

	globalBucket *admission.TokenBucket
	ipBuckets    *admission.KeyedLimiter
	totalConns   *admission.ConnLimiter
	ipConns      *admission.ConnLimiter

	OnAccept func(c *Connection, isTLS bool)

	ln net.Listener
}

// NewAcceptor builds an Acceptor; call Serve to start accepting.
func NewAcceptor(cfg AcceptorConfig, pool *Pool, logger zerolog.Logger) *Acceptor {
	return &Acceptor{
		cfg:          cfg,
		pool:         pool,
		logger:       logger.With().Str("component", "acceptor").Logger(),
		globalBucket: admission.NewTokenBucket(cfg.GlobalAcceptQPS, cfg.GlobalAcceptBurst),
		ipBuckets:    admission.NewKeyedLimiter(cfg.PerIPAcceptQPS, cfg.PerIPAcceptBurst, 65536, 0),
		totalConns:   admission.NewConnLimiter(cfg.MaxTotalConns),
		ipConns:      admission.NewConnLimiter(cfg.MaxPerIPConns),
	}
}

// Serve opens the listening socket and accepts until ctx is
// cancelled or the listener errors.
func (a *Acceptor) Serve(ctx context.Context) error {
	ln, err := Listen(ctx, "tcp", a.cfg.Addr)
	if err != nil {
		return err
	}
	a.ln = ln

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		a.handleAccept(conn)
	}
}

// Close stops accepting new connections.
func (a *Acceptor) Close() error {
	if a.ln == nil {
		return nil
	}
	return a.ln.Close()
}

func (a *Acceptor) handleAccept(conn net.Conn) {
	ip := remoteIP(conn)

	if !a.globalBucket.Allow() {
		a.logger.Debug().Str("ip", ip).Msg("global accept rate exceeded, dropping connection")
		_ = conn.Close()
		return
	}
	if !a.ipBuckets.Allow(ip) {
		a.logger.Debug().Str("ip", ip).Msg("per-ip accept rate exceeded, dropping connection")
		_ = conn.Close()
		return
	}
	if !a.totalConns.TryAcquire("global") {
		a.logger.Warn().Msg("total connection cap reached, dropping connection")
		_ = conn.Close()
		return
	}
	if !a.ipConns.TryAcquire(ip) {
		a.totalConns.Release("global")
		a.logger.Debug().Str("ip", ip).Msg("per-ip connection cap reached, dropping connection")
		_ = conn.Close()
		return
	}

	sniffed, isTLS, err := SniffTLS(conn)
	if err != nil {
		a.totalConns.Release("global")
		a.ipConns.Release(ip)
		_ = conn.Close()
		return
	}

	loop := a.pool.Next()
	c := NewConnection(loop, sniffed)
	releaseOnce := sync.Once{}
	release := func() {
		releaseOnce.Do(func() {
			a.totalConns.Release("global")
			a.ipConns.Release(ip)
		})
	}
	prevClose := c.OnClose
	c.OnClose = func(cc *Connection) {
		release()
		if prevClose != nil {
			prevClose(cc)
		}
	}

	if a.OnAccept != nil {
		a.OnAccept(c, isTLS)
	}
	c.Start()
}

func remoteIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
