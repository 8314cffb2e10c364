// Command gatewaycore is the proxy's entry point: it loads
// configuration, wires every subsystem (backend registry, pool,
// rewrite, cache, admission, ACL, metrics, history, alerting,
// mirroring, admin API) into a session.Engine, drives that engine off
// the reactor's accepted connections, and shuts everything down
// gracefully on SIGINT/SIGTERM. Grounded on the teacher's root
// main.go: config -> logger -> subsystem construction -> listener ->
// signal.Notify/<-done -> ordered stop -> bounded-timeout shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relayforge/gatewaycore/internal/acl"
	"github.com/relayforge/gatewaycore/internal/admission"
	"github.com/relayforge/gatewaycore/internal/adminapi"
	"github.com/relayforge/gatewaycore/internal/alert"
	"github.com/relayforge/gatewaycore/internal/backend"
	"github.com/relayforge/gatewaycore/internal/cache"
	"github.com/relayforge/gatewaycore/internal/config"
	"github.com/relayforge/gatewaycore/internal/h1"
	"github.com/relayforge/gatewaycore/internal/history"
	"github.com/relayforge/gatewaycore/internal/ioloop"
	"github.com/relayforge/gatewaycore/internal/logging"
	"github.com/relayforge/gatewaycore/internal/metrics"
	"github.com/relayforge/gatewaycore/internal/mirror"
	"github.com/relayforge/gatewaycore/internal/pool"
	"github.com/relayforge/gatewaycore/internal/rewrite"
	"github.com/relayforge/gatewaycore/internal/schedule"
	"github.com/relayforge/gatewaycore/internal/server"
	"github.com/relayforge/gatewaycore/internal/session"
	"github.com/relayforge/gatewaycore/internal/tunnel"
	"github.com/relayforge/gatewaycore/internal/udpproxy"
)

func main() {
	dryRun := flag.Bool("C", false, "validate configuration and exit")
	flag.Parse()

	cfg := config.Load()

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "config invalid:", err)
		os.Exit(1)
	}
	if *dryRun {
		fmt.Println("config OK")
		return
	}

	log := logging.New(cfg)
	log.Info().Str("env", cfg.Env).Str("l7_addr", cfg.L7Addr).Msg("gatewaycore starting")

	registry := backend.NewRegistry(backend.NewStrategy(cfg.BalancerStrategy))

	connPool := pool.New(pool.Config{
		IdleTTL:           cfg.PoolIdleTTL,
		MaxIdlePerBackend: cfg.PoolMaxIdlePerBackend,
		MaxIdleGlobal:     cfg.PoolMaxIdleGlobal,
	})
	defer connPool.Close()

	rewriteEngine := rewrite.NewEngine()

	var respCache *cache.Cache
	if cfg.CacheEnabled {
		c, err := cache.New(cache.Config{
			Addr:       cfg.RedisURL,
			TTL:        cfg.CacheTTL,
			MaxValueSz: int(cfg.CacheMaxSize),
		}, logging.Component(log, "cache"))
		if err != nil {
			log.Warn().Err(err).Msg("cache init failed — continuing without response cache")
		} else {
			respCache = c
		}
	}

	var globalBucket *admission.TokenBucket
	if cfg.GlobalRPS > 0 {
		globalBucket = admission.NewTokenBucket(cfg.GlobalRPS, cfg.GlobalBurst)
	}
	var perIPBucket *admission.KeyedLimiter
	if cfg.PerIPRPS > 0 {
		perIPBucket = admission.NewKeyedLimiter(cfg.PerIPRPS, cfg.PerIPBurst, cfg.LimiterMaxEntries, cfg.LimiterIdleTTL)
	}
	var perPathBucket *admission.KeyedLimiter
	if cfg.PerPathRPS > 0 {
		perPathBucket = admission.NewKeyedLimiter(cfg.PerPathRPS, cfg.PerPathBurst, cfg.LimiterMaxEntries, cfg.LimiterIdleTTL)
	}
	var connLimiter *admission.ConnLimiter
	if cfg.MaxConnsPerIP > 0 {
		connLimiter = admission.NewConnLimiter(cfg.MaxConnsPerIP)
	}

	requestACL := acl.New(acl.Config{
		DefaultAction: acl.Allow,
		RequireToken:  cfg.AdminToken != "",
		Tokens:        []string{cfg.AdminToken},
		HeaderName:    cfg.APIKeyHeader,
	}, logging.Component(log, "acl"))

	m := metrics.New(logging.Component(log, "metrics"))

	// The reactor's loop pool is built before history sampling so the
	// sample closure can report live accepted-connection counts.
	loopCount := cfg.IOLoops
	loopPool := ioloop.NewPool(loopCount)
	defer loopPool.Stop()

	historyStore := history.New(history.Config{
		Enabled:     true,
		SampleEvery: time.Second,
		MaxPoints:   3600,
		PersistPath: cfg.HistoryJSONLPath,
	}, func() history.Point {
		var activeConns int64
		for _, loop := range loopPool.Loops() {
			activeConns += int64(loop.ConnCount())
		}
		snap := m.Snapshot()
		return history.Point{
			TimestampMs:   time.Now().UnixMilli(),
			TotalRequests: snap.RequestsTotal,
			AvgLatencyMs:  snap.AvgLatencyMs,
			ActiveConns:   activeConns,
		}
	}, logging.Component(log, "history"))
	if err := historyStore.Start(); err != nil {
		log.Warn().Err(err).Msg("history store failed to start")
	}
	defer historyStore.Stop()

	auditLogger := history.NewAuditLogger(cfg.AuditLogPath)

	alertSinks := []alert.Sink{alert.NewLogSink(logging.Component(log, "alert"))}
	if cfg.AlertWebhookURL != "" {
		alertSinks = append(alertSinks, alert.NewWebhookSink(cfg.AlertWebhookURL, 5*time.Second, logging.Component(log, "alert")))
	}
	alertManager := alert.NewManager(alert.Config{
		Enabled:  cfg.AlertEnabled,
		Cooldown: cfg.AlertCooldown,
		Thresholds: alert.Thresholds{
			MaxActiveConns:  cfg.AlertMaxActiveConns,
			MaxAvgLatencyMs: cfg.AlertMaxAvgLatencyMs,
		},
	}, func() history.Point {
		pts := historyStore.QueryLastSeconds(5)
		if len(pts) == 0 {
			return history.Point{}
		}
		return pts[len(pts)-1]
	}, logging.Component(log, "alert"), alertSinks...)
	alertManager.Start()
	defer alertManager.Stop()

	trafficMirror := mirror.New(mirror.Config{
		Enabled:    cfg.MirrorEnabled,
		UDPHost:    cfg.MirrorUDPHost,
		UDPPort:    cfg.MirrorUDPPort,
		SampleRate: cfg.MirrorSampleRate,
	})
	defer trafficMirror.Close()

	healthChecker := backend.NewHealthChecker(registry, logging.Component(log, "health"),
		backend.CheckMode(cfg.HealthCheckMode), cfg.HealthCheckPath, "", cfg.HealthInterval, cfg.HealthTimeout)
	healthChecker.OnStatusChange(func(id string, healthy bool) { m.TrackBackendHealth(id, healthy) })
	healthChecker.Start()
	defer healthChecker.Stop()

	if cfg.AIServicePath != "" {
		aiChecker := backend.NewAIStatusChecker(registry, logging.Component(log, "ai_status"), cfg.AIServicePath, cfg.AIPollInterval, cfg.HealthTimeout)
		aiChecker.Start()
		defer aiChecker.Stop()
	}

	var dispatcher schedule.Dispatcher
	if cfg.SchedulerKind != "" {
		dispatcher = schedule.New(schedule.Kind(cfg.SchedulerKind), cfg.MaxInflight,
			time.Duration(cfg.LowDelayMs)*time.Millisecond, func() { m.CounterInc("gateway_dispatcher_tasks_total", nil) })
		defer dispatcher.Close()
	}

	cfgStore := newConfigStore(requestACL)

	adminRouter := adminapi.NewRouter(adminapi.Deps{
		Registry:         registry,
		Metrics:          m,
		History:          historyStore,
		Audit:            auditLogger,
		ACL:              requestACL,
		Logger:           logging.Component(log, "adminapi"),
		ACMEChallengeDir: cfg.ACMEChallengeDir,
		ConfigDump:       cfgStore.Dump,
		ConfigApply:      cfgStore.Apply,
		ConfigDelete:     cfgStore.Delete,
	})
	adminBridge := adminapi.Bridge(adminRouter)

	affinityMode := session.AffinityIP
	switch cfg.AffinityMode {
	case "header":
		affinityMode = session.AffinityHeader
	case "cookie":
		affinityMode = session.AffinityCookie
	}

	engine := session.New(session.Config{
		Registry:          registry,
		Pool:              connPool,
		Rewrite:           rewriteEngine,
		Cache:             respCache,
		Logger:            logging.Component(log, "session"),
		Metrics:           m,
		Dispatcher:        dispatcher,
		GlobalBucket:      globalBucket,
		PerIPBucket:       perIPBucket,
		PerPathBucket:     perPathBucket,
		ConnLimiter:       connLimiter,
		Admin:             adminBridge,
		ACL: func(ip string, r *h1.Request) bool {
			tok, _ := r.Headers.Get(requestACL.HeaderName())
			return requestACL.AllowIP(ip) && requestACL.AllowToken(tok)
		},
		AffinityMode:      affinityMode,
		AffinityHeader:    cfg.AffinityHeader,
		AffinityCookie:    cfg.AffinityCookie,
		MaxTransformBytes: int(cfg.TransformBufLimit),
		PublicHost:        cfg.L7Addr,
	})

	srv := server.New(engine, logging.Component(log, "server"), trafficMirror)

	acceptor := ioloop.NewAcceptor(ioloop.DefaultAcceptorConfig(cfg.L7Addr), loopPool, logging.Component(log, "acceptor"))
	acceptor.OnAccept = srv.OnAccept

	serveCtx, cancelServe := context.WithCancel(context.Background())
	defer cancelServe()

	go func() {
		log.Info().Str("addr", cfg.L7Addr).Msg("gatewaycore listening")
		if err := acceptor.Serve(serveCtx); err != nil {
			log.Error().Err(err).Msg("acceptor stopped")
		}
	}()

	var l4Acceptor *ioloop.Acceptor
	if cfg.L4Addr != "" {
		l4Acceptor = ioloop.NewAcceptor(ioloop.DefaultAcceptorConfig(cfg.L4Addr), loopPool, logging.Component(log, "l4_acceptor"))
		l4Acceptor.OnAccept = func(c *ioloop.Connection, _ bool) {
			backendID := registry.Select(c.RemoteAddr().String())
			if backendID == "" || backendID == "0.0.0.0:0" {
				c.ForceClose()
				return
			}
			go func() {
				// This port is a raw L4 tunnel with no HTTP framing, so
				// there is no original request to forward verbatim.
				if err := tunnel.DialAndSplice(serveCtx, c, c.Loop(), backendID, nil); err != nil {
					log.Warn().Err(err).Str("backend", backendID).Msg("l4 tunnel dial failed")
				}
			}()
		}
		go func() {
			log.Info().Str("addr", cfg.L4Addr).Msg("l4 tunnel listening")
			if err := l4Acceptor.Serve(serveCtx); err != nil {
				log.Error().Err(err).Msg("l4 acceptor stopped")
			}
		}()
	}

	var udpProxy *udpproxy.Proxy
	if cfg.UDPAddr != "" {
		udpProxy = udpproxy.New(udpproxy.Config{
			ListenAddr: cfg.UDPAddr,
			IdleTTL:    cfg.UDPIdleTimeout,
			BufferSize: 64 * 1024,
		}, registry, logging.Component(log, "udpproxy"))
		go func() {
			if err := udpProxy.Serve(); err != nil {
				log.Error().Err(err).Msg("udp proxy stopped")
			}
		}()
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)
	<-done
	log.Info().Msg("shutdown signal received")

	cancelServe()
	_ = acceptor.Close()
	if l4Acceptor != nil {
		_ = l4Acceptor.Close()
	}
	if udpProxy != nil {
		udpProxy.Close()
	}

	log.Info().Msg("gatewaycore stopped")
}

// configStore is the in-memory admin config surface: a small set of
// live-mutable knobs (currently just the ACL) exposed through
// adminapi's generic Dump/Apply/Delete closures. Intentionally NOT a
// reflection over every config.Config field — only the handful of
// knobs that are safe to flip at runtime without a restart.
type configStore struct {
	acl *acl.ACL
}

func newConfigStore(a *acl.ACL) *configStore {
	return &configStore{acl: a}
}

func (s *configStore) Dump() map[string]map[string]string {
	return map[string]map[string]string{
		"acl": {
			"header_name": s.acl.HeaderName(),
		},
	}
}

func (s *configStore) Apply(section, key, value string) error {
	if section != "acl" {
		return fmt.Errorf("unknown config section %q", section)
	}
	switch key {
	case "default_action":
		s.acl.Reload(acl.Config{DefaultAction: acl.Action(value), HeaderName: s.acl.HeaderName()})
		return nil
	default:
		return fmt.Errorf("unknown config key %q in section %q", key, section)
	}
}

func (s *configStore) Delete(section, key string) error {
	return fmt.Errorf("config key %q in section %q is not deletable", key, section)
}
