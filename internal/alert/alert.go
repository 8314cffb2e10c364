// Package alert evaluates operational thresholds (active connections,
// average latency) against history.Point samples and fires alerts
// through a pluggable Sink, with per-metric cooldown suppression.
// Grounded on original_source's AlertManager (threshold struct,
// per-metric cooldownSec suppression, webhook POST of a JSON body)
// and on the teacher's observability.PagerDutyClient for the
// Sink.Fire(Alert) HTTP-webhook shape, generalized from PagerDuty's
// Events API body to a plain JSON alert envelope any webhook receiver
// can consume.
package alert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/relayforge/gatewaycore/internal/history"
)

// Severity mirrors the coarse levels the teacher's PagerDuty sink
// exposes, kept here so a Sink can map to its own vocabulary.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one threshold breach, ready to hand to a Sink.
type Alert struct {
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Severity  Severity  `json:"severity"`
	At        time.Time `json:"at"`
}

// Sink delivers an Alert somewhere external; Fire must not block the
// caller for long — the manager invokes it from its own goroutine but
// a slow sink still starves subsequent evaluations.
type Sink interface {
	Fire(Alert) error
}

// LogSink logs the alert and otherwise does nothing — the always-on
// default so alerting is observable even with no webhook configured.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink builds a LogSink.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "alert_log_sink").Logger()}
}

// Fire implements Sink.
func (s *LogSink) Fire(a Alert) error {
	s.logger.Warn().
		Str("metric", a.Metric).
		Float64("value", a.Value).
		Float64("threshold", a.Threshold).
		Str("severity", string(a.Severity)).
		Msg("threshold alert")
	return nil
}

// WebhookSink POSTs a JSON alert envelope to a configured URL,
// matching the teacher's PagerDuty/webhook POST shape but without any
// vendor-specific payload.
type WebhookSink struct {
	url    string
	client *http.Client
	logger zerolog.Logger
}

// NewWebhookSink builds a WebhookSink posting to url with timeout.
func NewWebhookSink(url string, timeout time.Duration, logger zerolog.Logger) *WebhookSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSink{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "alert_webhook_sink").Logger(),
	}
}

// Fire implements Sink.
func (s *WebhookSink) Fire(a Alert) error {
	if s.url == "" {
		return nil
	}
	body, err := json.Marshal(a)
	if err != nil {
		return err
	}
	resp, err := s.client.Post(s.url, "application/json", bytes.NewReader(body))
	if err != nil {
		s.logger.Warn().Err(err).Msg("alert webhook delivery failed")
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("alert: webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Thresholds bounds the metrics the Manager watches; a negative value
// disables that check, matching original_source's "<0 disables" convention.
// MaxBackendErrorRate is carried in the config but Manager does not
// evaluate it.
type Thresholds struct {
	MaxActiveConns      int64
	MaxBackendErrorRate float64 // 0..1
	MaxAvgLatencyMs     float64
}

// Config controls evaluation cadence and per-metric suppression.
type Config struct {
	Enabled    bool
	Interval   time.Duration
	Cooldown   time.Duration
	Thresholds Thresholds
}

// DefaultConfig disables alerting — an operator must opt in by
// setting thresholds.
func DefaultConfig() Config {
	return Config{Enabled: false, Interval: time.Second, Cooldown: 30 * time.Second}
}

// Manager periodically evaluates the latest history.Point against
// Thresholds and fires through every configured Sink, no more than
// once per Cooldown per metric.
type Manager struct {
	cfg    Config
	sinks  []Sink
	logger zerolog.Logger
	latest func() history.Point

	mu       sync.Mutex
	lastSent map[string]time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager builds a Manager; latest must return the most recent
// sampled Point (typically history.Store.QueryLastSeconds(1)'s tail).
func NewManager(cfg Config, latest func() history.Point, logger zerolog.Logger, sinks ...Sink) *Manager {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if len(sinks) == 0 {
		sinks = []Sink{NewLogSink(logger)}
	}
	return &Manager{
		cfg:      cfg,
		sinks:    sinks,
		logger:   logger.With().Str("component", "alert_manager").Logger(),
		latest:   latest,
		lastSent: make(map[string]time.Time),
		stopCh:   make(chan struct{}),
	}
}

// Start begins periodic evaluation; a no-op when disabled.
func (m *Manager) Start() {
	if !m.cfg.Enabled {
		return
	}
	m.wg.Add(1)
	go m.loop()
}

// Stop halts evaluation.
func (m *Manager) Stop() {
	select {
	case <-m.stopCh:
		return
	default:
		close(m.stopCh)
	}
	m.wg.Wait()
}

func (m *Manager) loop() {
	defer m.wg.Done()
	t := time.NewTicker(m.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-t.C:
			m.evaluate()
		}
	}
}

func (m *Manager) evaluate() {
	p := m.latest()
	th := m.cfg.Thresholds

	if th.MaxActiveConns >= 0 && p.ActiveConns > th.MaxActiveConns {
		m.maybeFire(Alert{Metric: "active_connections", Value: float64(p.ActiveConns), Threshold: float64(th.MaxActiveConns), Severity: SeverityCritical, At: time.Now()})
	}
	if th.MaxAvgLatencyMs >= 0 && p.AvgLatencyMs > th.MaxAvgLatencyMs {
		m.maybeFire(Alert{Metric: "avg_latency_ms", Value: p.AvgLatencyMs, Threshold: th.MaxAvgLatencyMs, Severity: SeverityWarning, At: time.Now()})
	}
}

func (m *Manager) maybeFire(a Alert) {
	m.mu.Lock()
	last, ok := m.lastSent[a.Metric]
	if ok && time.Since(last) < m.cfg.Cooldown {
		m.mu.Unlock()
		return
	}
	m.lastSent[a.Metric] = a.At
	m.mu.Unlock()

	for _, sink := range m.sinks {
		if err := sink.Fire(a); err != nil {
			m.logger.Warn().Err(err).Str("metric", a.Metric).Msg("alert sink delivery failed")
		}
	}
}
