package alert_test

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayforge/gatewaycore/internal/alert"
	"github.com/relayforge/gatewaycore/internal/history"
)

type captureSink struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (c *captureSink) Fire(a alert.Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, a)
	return nil
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.alerts)
}

func TestManagerFiresWhenThresholdExceeded(t *testing.T) {
	sink := &captureSink{}
	cfg := alert.Config{
		Enabled:  true,
		Interval: 10 * time.Millisecond,
		Cooldown: time.Hour,
		Thresholds: alert.Thresholds{
			MaxActiveConns:      10,
			MaxBackendErrorRate: -1,
			MaxAvgLatencyMs:     -1,
		},
	}
	m := alert.NewManager(cfg, func() history.Point {
		return history.Point{ActiveConns: 50}
	}, zerolog.Nop(), sink)

	m.Start()
	defer m.Stop()

	require.Eventually(t, func() bool { return sink.count() > 0 }, time.Second, 5*time.Millisecond)
}

func TestManagerRespectsCooldownPerMetric(t *testing.T) {
	sink := &captureSink{}
	cfg := alert.Config{
		Enabled:  true,
		Interval: 5 * time.Millisecond,
		Cooldown: 500 * time.Millisecond,
		Thresholds: alert.Thresholds{
			MaxActiveConns:      1,
			MaxBackendErrorRate: -1,
			MaxAvgLatencyMs:     -1,
		},
	}
	m := alert.NewManager(cfg, func() history.Point {
		return history.Point{ActiveConns: 100}
	}, zerolog.Nop(), sink)

	m.Start()
	time.Sleep(120 * time.Millisecond)
	m.Stop()

	assert.Equal(t, 1, sink.count())
}

func TestManagerDisabledNeverFires(t *testing.T) {
	sink := &captureSink{}
	cfg := alert.DefaultConfig()
	cfg.Thresholds = alert.Thresholds{MaxActiveConns: 0, MaxBackendErrorRate: -1, MaxAvgLatencyMs: -1}
	m := alert.NewManager(cfg, func() history.Point { return history.Point{ActiveConns: 999} }, zerolog.Nop(), sink)

	m.Start()
	time.Sleep(30 * time.Millisecond)
	m.Stop()

	assert.Equal(t, 0, sink.count())
}
