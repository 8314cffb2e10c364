// Package config loads gatewaycore's runtime configuration from
// environment variables (with optional .env support), following the
// same load-and-default idiom the gateway's original config package
// used for its HTTP knobs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable the proxy core needs at startup.
type Config struct {
	Env             string
	GracefulTimeout time.Duration

	// Listening ports
	L7Addr  string // HTTP/1, HTTP/2 h2c, TLS-sniffed
	L4Addr  string // raw TCP tunnel, empty disables
	UDPAddr string // UDP proxy, empty disables

	// TLS termination (optional; sniffed per-connection, see ioloop)
	TLSCertFile string
	TLSKeyFile  string

	// Reactor
	IOLoops int // worker loop count, 0 = runtime.NumCPU()

	// Backend selection
	BalancerStrategy string // roundrobin|weighted|leastconn|ewma|ai-load|consistent-hash
	HealthCheckMode  string // off|tcp|http|script
	HealthCheckPath  string
	HealthInterval   time.Duration
	HealthTimeout    time.Duration
	WarmupPath       string
	WarmupTimeout    time.Duration
	AIServicePath    string
	AIPollInterval   time.Duration
	AutoWeight       bool

	// Connection pool
	PoolIdleTTL          time.Duration
	PoolMaxIdlePerBackend int
	PoolMaxIdleGlobal     int

	// Admission
	GlobalRPS        float64
	GlobalBurst      int
	PerIPRPS         float64
	PerIPBurst       int
	PerPathRPS       float64
	PerPathBurst     int
	MaxConnsPerIP    int
	MaxConnsPerUser  int
	MaxConnsService  int
	LimiterMaxEntries int
	LimiterIdleTTL    time.Duration
	CongestionEnabled bool
	CongestionMin     int
	CongestionMax     int
	CongestionAlpha   int
	CongestionBeta    float64

	// Scheduling
	SchedulerKind string // priority|fair|edf|""  (disabled)
	MaxInflight   int
	LowDelayMs    int

	// Affinity
	AffinityMode   string // ip|header|cookie
	AffinityHeader string
	AffinityCookie string

	// Body / transform
	MaxBodyBytes      int64
	TransformBufLimit int64

	// Cache
	CacheEnabled bool
	CacheTTL     time.Duration
	CacheMaxSize int64
	RedisURL     string

	// UDP
	UDPIdleTimeout time.Duration

	// L4 tunnel
	TunnelHWM int64

	// Admin ACL
	AdminACLAllow []string
	AdminToken    string
	APIKeyHeader  string

	// History persistence
	HistoryJSONLPath string
	AuditLogPath     string

	// Traffic mirroring (fire-and-forget UDP copy of sampled requests)
	MirrorEnabled    bool
	MirrorUDPHost    string
	MirrorUDPPort    int
	MirrorSampleRate float64

	// Threshold alerting
	AlertEnabled         bool
	AlertWebhookURL      string
	AlertCooldown        time.Duration
	AlertMaxActiveConns  int64
	AlertMaxAvgLatencyMs float64

	// ACME HTTP-01 challenge file serving; empty disables the route.
	ACMEChallengeDir string
}

// Load reads configuration from the environment, applying the same
// .env-then-getenv precedence the gateway used.
func Load() *Config {
	loadDotEnv()

	gracefulSec := getEnvInt("GATEWAY_GRACEFUL_TIMEOUT_SEC", 15)

	cfg := &Config{
		Env:             getEnv("ENV", "development"),
		GracefulTimeout: time.Duration(gracefulSec) * time.Second,

		L7Addr:  getEnv("GATEWAY_L7_ADDR", ":8080"),
		L4Addr:  getEnv("GATEWAY_L4_ADDR", ""),
		UDPAddr: getEnv("GATEWAY_UDP_ADDR", ""),

		TLSCertFile: getEnv("GATEWAY_TLS_CERT_FILE", ""),
		TLSKeyFile:  getEnv("GATEWAY_TLS_KEY_FILE", ""),

		IOLoops: getEnvInt("GATEWAY_IO_LOOPS", 0),

		BalancerStrategy: getEnv("GATEWAY_BALANCER_STRATEGY", "roundrobin"),
		HealthCheckMode:  getEnv("GATEWAY_HEALTHCHECK_MODE", "tcp"),
		HealthCheckPath:  getEnv("GATEWAY_HEALTHCHECK_PATH", "/healthz"),
		HealthInterval:   durEnv("GATEWAY_HEALTHCHECK_INTERVAL", 10*time.Second),
		HealthTimeout:    durEnv("GATEWAY_HEALTHCHECK_TIMEOUT", 2*time.Second),
		WarmupPath:       getEnv("GATEWAY_WARMUP_PATH", ""),
		WarmupTimeout:    durEnv("GATEWAY_WARMUP_TIMEOUT", 30*time.Second),
		AIServicePath:    getEnv("GATEWAY_AI_STATUS_PATH", ""),
		AIPollInterval:   durEnv("GATEWAY_AI_POLL_INTERVAL", 15*time.Second),
		AutoWeight:       getEnvBool("GATEWAY_AUTO_WEIGHT", false),

		PoolIdleTTL:           durEnv("GATEWAY_POOL_IDLE_TTL", 90*time.Second),
		PoolMaxIdlePerBackend: getEnvInt("GATEWAY_POOL_MAX_IDLE_PER_BACKEND", 32),
		PoolMaxIdleGlobal:     getEnvInt("GATEWAY_POOL_MAX_IDLE_GLOBAL", 256),

		GlobalRPS:    getEnvFloat("GATEWAY_RATE_GLOBAL_RPS", 0),
		GlobalBurst:  getEnvInt("GATEWAY_RATE_GLOBAL_BURST", 0),
		PerIPRPS:     getEnvFloat("GATEWAY_RATE_PERIP_RPS", 0),
		PerIPBurst:   getEnvInt("GATEWAY_RATE_PERIP_BURST", 0),
		PerPathRPS:   getEnvFloat("GATEWAY_RATE_PERPATH_RPS", 0),
		PerPathBurst: getEnvInt("GATEWAY_RATE_PERPATH_BURST", 0),

		MaxConnsPerIP:   getEnvInt("GATEWAY_MAXCONNS_PERIP", 0),
		MaxConnsPerUser: getEnvInt("GATEWAY_MAXCONNS_PERUSER", 0),
		MaxConnsService: getEnvInt("GATEWAY_MAXCONNS_SERVICE", 0),

		LimiterMaxEntries: getEnvInt("GATEWAY_LIMITER_MAX_ENTRIES", 100000),
		LimiterIdleTTL:    durEnv("GATEWAY_LIMITER_IDLE_TTL", 10*time.Minute),

		CongestionEnabled: getEnvBool("GATEWAY_CONGESTION_ENABLED", false),
		CongestionMin:     getEnvInt("GATEWAY_CONGESTION_MIN", 1),
		CongestionMax:     getEnvInt("GATEWAY_CONGESTION_MAX", 256),
		CongestionAlpha:   getEnvInt("GATEWAY_CONGESTION_ALPHA", 1),
		CongestionBeta:    getEnvFloat("GATEWAY_CONGESTION_BETA", 0.7),

		SchedulerKind: getEnv("GATEWAY_SCHEDULER", ""),
		MaxInflight:   getEnvInt("GATEWAY_MAX_INFLIGHT", 256),
		LowDelayMs:    getEnvInt("GATEWAY_SCHEDULER_LOW_DELAY_MS", 0),

		AffinityMode:   getEnv("GATEWAY_AFFINITY_MODE", "ip"),
		AffinityHeader: getEnv("GATEWAY_AFFINITY_HEADER", "X-Affinity-Key"),
		AffinityCookie: getEnv("GATEWAY_AFFINITY_COOKIE", "gw_affinity"),

		MaxBodyBytes:      int64(getEnvInt("GATEWAY_MAX_BODY_BYTES", 4*1024*1024)),
		TransformBufLimit: int64(getEnvInt("GATEWAY_TRANSFORM_BUF_LIMIT", 8*1024*1024)),

		CacheEnabled: getEnvBool("GATEWAY_CACHE_ENABLED", false),
		CacheTTL:     durEnv("GATEWAY_CACHE_TTL", 60*time.Second),
		CacheMaxSize: int64(getEnvInt("GATEWAY_CACHE_MAX_VALUE_BYTES", 256*1024)),
		RedisURL:     getEnv("REDIS_URL", "redis://localhost:6379"),

		UDPIdleTimeout: durEnv("GATEWAY_UDP_IDLE_TIMEOUT", 60*time.Second),

		TunnelHWM: int64(getEnvInt("GATEWAY_TUNNEL_HWM_BYTES", 8*1024*1024)),

		AdminACLAllow: splitCSV(getEnv("GATEWAY_ADMIN_ACL_ALLOW", "")),
		AdminToken:    getEnv("GATEWAY_ADMIN_TOKEN", ""),
		APIKeyHeader:  getEnv("GATEWAY_API_KEY_HEADER", "X-Api-Token"),

		HistoryJSONLPath: getEnv("GATEWAY_HISTORY_JSONL_PATH", ""),
		AuditLogPath:     getEnv("GATEWAY_AUDIT_LOG_PATH", ""),

		MirrorEnabled:    getEnvBool("GATEWAY_MIRROR_ENABLED", false),
		MirrorUDPHost:    getEnv("GATEWAY_MIRROR_UDP_HOST", "127.0.0.1"),
		MirrorUDPPort:    getEnvInt("GATEWAY_MIRROR_UDP_PORT", 9999),
		MirrorSampleRate: getEnvFloat("GATEWAY_MIRROR_SAMPLE_RATE", 1.0),

		AlertEnabled:         getEnvBool("GATEWAY_ALERT_ENABLED", false),
		AlertWebhookURL:      getEnv("GATEWAY_ALERT_WEBHOOK_URL", ""),
		AlertCooldown:        durEnv("GATEWAY_ALERT_COOLDOWN", 30*time.Second),
		AlertMaxActiveConns:  int64(getEnvInt("GATEWAY_ALERT_MAX_ACTIVE_CONNS", -1)),
		AlertMaxAvgLatencyMs: getEnvFloat("GATEWAY_ALERT_MAX_AVG_LATENCY_MS", -1),

		ACMEChallengeDir: getEnv("GATEWAY_ACME_CHALLENGE_DIR", ""),
	}
	return cfg
}

// IsDevelopment reports whether the process is running in dev mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// Validate performs a dry-run-safe config check, returning a non-nil
// error describing the first problem found. Used by the -C flag.
func (c *Config) Validate() error {
	if c.L7Addr == "" {
		return fmt.Errorf("GATEWAY_L7_ADDR must not be empty")
	}
	switch c.BalancerStrategy {
	case "roundrobin", "weighted", "leastconn", "ewma", "ai-load", "consistent-hash":
	default:
		return fmt.Errorf("unknown GATEWAY_BALANCER_STRATEGY %q", c.BalancerStrategy)
	}
	switch c.HealthCheckMode {
	case "off", "tcp", "http", "script":
	default:
		return fmt.Errorf("unknown GATEWAY_HEALTHCHECK_MODE %q", c.HealthCheckMode)
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("GATEWAY_TLS_CERT_FILE and GATEWAY_TLS_KEY_FILE must both be set or both empty")
	}
	return nil
}

func loadDotEnv() {
	// Mirrors the gateway's own use of godotenv.Load(); absence of a
	// .env file is not an error.
	_ = dotenvLoad()
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func durEnv(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func splitCSV(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
