// Package mirror fire-and-forget copies request/response metadata to
// an external monitoring collector over UDP, sampled and capped so it
// never perturbs the request path it is observing. Grounded directly
// on original_source's TrafficMirror (UDP datagram per event, JSON
// body, sampleRate in [0,1], maxBytes payload cap, best-effort send
// that drops silently on error) and on the ioloop package's lazy
// per-loop resource pattern (a socket created once and reused, not
// per-call) for ensureConn.
package mirror

import (
	"encoding/json"
	"net"
	"sync"
	"time"
)

// Event is one mirrored request/response pair, trimmed to the fields
// worth shipping off-box.
type Event struct {
	TimestampMs  int64   `json:"ts_ms"`
	ClientIP     string  `json:"client_ip"`
	BackendAddr  string  `json:"backend_addr"`
	Method       string  `json:"method"`
	Path         string  `json:"path"`
	StatusCode   int     `json:"status_code,omitempty"`
	LatencyMs    float64 `json:"latency_ms,omitempty"`
	ReqBodyPeek  string  `json:"req_body_peek,omitempty"`
	RespBodyPeek string  `json:"resp_body_peek,omitempty"`
}

// Config matches original_source's TrafficMirror::Config field for field.
type Config struct {
	Enabled         bool
	UDPHost         string
	UDPPort         int
	SampleRate      float64 // 0..1
	MaxBytes        int     // max datagram payload
	MaxBodyBytes    int     // max bytes captured from req/resp body
	IncludeReqBody  bool
	IncludeRespBody bool
}

// DefaultConfig disables mirroring.
func DefaultConfig() Config {
	return Config{
		UDPHost:         "127.0.0.1",
		SampleRate:      1.0,
		MaxBytes:        4096,
		MaxBodyBytes:    1024,
		IncludeReqBody:  true,
		IncludeRespBody: false,
	}
}

// Mirror owns a connected UDP socket to the collector and a small
// xorshift PRNG for sampling, avoiding any dependency on
// crypto/math-rand for a decision this cheap and non-adversarial.
type Mirror struct {
	mu   sync.Mutex
	cfg  Config
	conn net.Conn
	rng  uint32
}

// New builds a Mirror; the UDP socket is dialed lazily on first use.
func New(cfg Config) *Mirror {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultConfig().MaxBytes
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultConfig().MaxBodyBytes
	}
	return &Mirror{cfg: cfg, rng: 0x12345678}
}

// Configure hot-swaps the configuration and drops any open socket so
// the next send redials against the new host/port.
func (m *Mirror) Configure(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.cfg = cfg
}

func (m *Mirror) nextRand() uint32 {
	// xorshift32: a cheap PRNG for the sampling decision.
	m.rng ^= m.rng << 13
	m.rng ^= m.rng >> 17
	m.rng ^= m.rng << 5
	return m.rng
}

func (m *Mirror) shouldSample() bool {
	if m.cfg.SampleRate >= 1.0 {
		return true
	}
	if m.cfg.SampleRate <= 0 {
		return false
	}
	return float64(m.nextRand()%1000)/1000.0 < m.cfg.SampleRate
}

func (m *Mirror) ensureConn() (net.Conn, error) {
	if m.conn != nil {
		return m.conn, nil
	}
	addr := net.JoinHostPort(m.cfg.UDPHost, itoa(m.cfg.UDPPort))
	conn, err := net.DialTimeout("udp", addr, 500*time.Millisecond)
	if err != nil {
		return nil, err
	}
	m.conn = conn
	return conn, nil
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// MirrorRequest sends one Event datagram, trimming body peeks to
// MaxBodyBytes and truncating the whole payload to MaxBytes. Any
// failure (socket, marshal, write) is swallowed: mirroring must never
// affect the primary request path.
func (m *Mirror) MirrorRequest(ev Event, reqBody, respBody []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.cfg.Enabled || !m.shouldSample() {
		return
	}
	if m.cfg.IncludeReqBody {
		ev.ReqBodyPeek = string(truncate(reqBody, m.cfg.MaxBodyBytes))
	}
	if m.cfg.IncludeRespBody {
		ev.RespBodyPeek = string(truncate(respBody, m.cfg.MaxBodyBytes))
	}
	if ev.TimestampMs == 0 {
		ev.TimestampMs = time.Now().UnixMilli()
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if len(payload) > m.cfg.MaxBytes {
		payload = payload[:m.cfg.MaxBytes]
	}

	conn, err := m.ensureConn()
	if err != nil {
		return
	}
	_, _ = conn.Write(payload)
}

func truncate(b []byte, max int) []byte {
	if len(b) <= max {
		return b
	}
	return b[:max]
}

// Close releases the collector socket, if one was opened.
func (m *Mirror) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
}
