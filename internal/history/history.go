// Package history samples gateway-wide counters on a fixed interval
// into a fixed-size ring buffer, optionally persisting each point as
// a JSONL line, and answers windowed queries for the admin /history
// and /history/summary endpoints. Grounded on original_source's
// HistoryStore (EventLoop timer arming a ring buffer of Points with
// QueryLastSeconds/SummaryLastSecondsJson), retargeted from the
// EventLoop's native timerfd to a time.Ticker goroutine in the style
// of the teacher's analytics.Pipeline ticker-driven flush workers.
package history

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Point is one sampled snapshot of gateway activity.
type Point struct {
	TimestampMs     int64   `json:"ts_ms"`
	ActiveConns     int64   `json:"active_conns"`
	TotalRequests   int64   `json:"total_requests"`
	BackendFailures int64   `json:"backend_failures"`
	QPS             float64 `json:"qps"`
	AvgLatencyMs    float64 `json:"avg_latency_ms"`
}

// Summary is the min/max/avg reduction of a window of Points.
type Summary struct {
	Seconds       int     `json:"seconds"`
	Samples       int     `json:"samples"`
	MinQPS        float64 `json:"min_qps"`
	MaxQPS        float64 `json:"max_qps"`
	AvgQPS        float64 `json:"avg_qps"`
	MinLatencyMs  float64 `json:"min_latency_ms"`
	MaxLatencyMs  float64 `json:"max_latency_ms"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	TotalRequests int64   `json:"total_requests"`
}

// SampleFunc is called once per sample interval to produce the next
// Point; the caller (usually the backend registry + metrics
// registry) owns how counters are aggregated.
type SampleFunc func() Point

// Config bounds the ring buffer and optional persistence.
type Config struct {
	Enabled     bool
	SampleEvery time.Duration
	MaxPoints   int
	PersistPath string // empty disables JSONL persistence
}

// DefaultConfig samples once a second and keeps an hour of history.
func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		SampleEvery: time.Second,
		MaxPoints:   3600,
	}
}

// Store owns the ring buffer and, optionally, an append-only JSONL
// file mirroring every sampled point.
type Store struct {
	cfg    Config
	logger zerolog.Logger
	sample SampleFunc

	mu     sync.Mutex
	ring   []Point
	pos    int
	filled bool

	persist *os.File

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Store; call Start to begin sampling.
func New(cfg Config, sample SampleFunc, logger zerolog.Logger) *Store {
	if cfg.MaxPoints <= 0 {
		cfg.MaxPoints = DefaultConfig().MaxPoints
	}
	if cfg.SampleEvery <= 0 {
		cfg.SampleEvery = DefaultConfig().SampleEvery
	}
	return &Store{
		cfg:    cfg,
		logger: logger.With().Str("component", "history").Logger(),
		sample: sample,
		ring:   make([]Point, cfg.MaxPoints),
		stopCh: make(chan struct{}),
	}
}

// Start opens the persistence file (if configured) and begins the
// sampling loop. A no-op when the store is disabled.
func (s *Store) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	if s.cfg.PersistPath != "" {
		f, err := os.OpenFile(s.cfg.PersistPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		s.persist = f
	}
	s.wg.Add(1)
	go s.loop()
	s.logger.Info().Dur("interval", s.cfg.SampleEvery).Int("max_points", s.cfg.MaxPoints).Msg("history sampling started")
	return nil
}

// Stop halts sampling and closes the persistence file.
func (s *Store) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	if s.persist != nil {
		s.persist.Close()
	}
}

func (s *Store) loop() {
	defer s.wg.Done()
	t := time.NewTicker(s.cfg.SampleEvery)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.sampleOnce()
		}
	}
}

func (s *Store) sampleOnce() {
	p := s.sample()
	if p.TimestampMs == 0 {
		p.TimestampMs = time.Now().UnixMilli()
	}

	s.mu.Lock()
	s.ring[s.pos] = p
	s.pos = (s.pos + 1) % len(s.ring)
	if s.pos == 0 {
		s.filled = true
	}
	s.mu.Unlock()

	if s.persist != nil {
		s.persistPoint(p)
	}
}

func (s *Store) persistPoint(p Point) {
	line, err := json.Marshal(p)
	if err != nil {
		return
	}
	line = append(line, '\n')
	if _, err := s.persist.Write(line); err != nil {
		s.logger.Warn().Err(err).Msg("history persist write failed")
	}
}

// pointsLocked returns ring contents in chronological order; caller
// must hold s.mu.
func (s *Store) pointsLocked() []Point {
	if !s.filled {
		out := make([]Point, s.pos)
		copy(out, s.ring[:s.pos])
		return out
	}
	out := make([]Point, len(s.ring))
	copy(out, s.ring[s.pos:])
	copy(out[len(s.ring)-s.pos:], s.ring[:s.pos])
	return out
}

// QueryLastSeconds returns every sampled Point within the trailing
// window. seconds <= 0 returns the entire ring.
func (s *Store) QueryLastSeconds(seconds int) []Point {
	s.mu.Lock()
	all := s.pointsLocked()
	s.mu.Unlock()

	if seconds <= 0 {
		return all
	}
	cutoff := time.Now().Add(-time.Duration(seconds) * time.Second).UnixMilli()
	i := 0
	for ; i < len(all); i++ {
		if all[i].TimestampMs >= cutoff {
			break
		}
	}
	return all[i:]
}

// SummaryLastSeconds reduces QueryLastSeconds(seconds) into min/max/avg.
func (s *Store) SummaryLastSeconds(seconds int) Summary {
	pts := s.QueryLastSeconds(seconds)
	sum := Summary{Seconds: seconds, Samples: len(pts)}
	if len(pts) == 0 {
		return sum
	}
	sum.MinQPS, sum.MaxQPS = pts[0].QPS, pts[0].QPS
	sum.MinLatencyMs, sum.MaxLatencyMs = pts[0].AvgLatencyMs, pts[0].AvgLatencyMs
	var qpsTotal, latTotal float64
	for _, p := range pts {
		if p.QPS < sum.MinQPS {
			sum.MinQPS = p.QPS
		}
		if p.QPS > sum.MaxQPS {
			sum.MaxQPS = p.QPS
		}
		if p.AvgLatencyMs < sum.MinLatencyMs {
			sum.MinLatencyMs = p.AvgLatencyMs
		}
		if p.AvgLatencyMs > sum.MaxLatencyMs {
			sum.MaxLatencyMs = p.AvgLatencyMs
		}
		qpsTotal += p.QPS
		latTotal += p.AvgLatencyMs
		sum.TotalRequests += p.TotalRequests
	}
	sum.AvgQPS = qpsTotal / float64(len(pts))
	sum.AvgLatencyMs = latTotal / float64(len(pts))
	return sum
}
