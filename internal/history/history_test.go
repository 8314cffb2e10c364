package history_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayforge/gatewaycore/internal/history"
)

func TestStoreSamplesAndQueriesWindow(t *testing.T) {
	cfg := history.Config{Enabled: true, SampleEvery: 10 * time.Millisecond, MaxPoints: 50}
	var n int64
	s := history.New(cfg, func() history.Point {
		n++
		return history.Point{TotalRequests: n, QPS: float64(n), AvgLatencyMs: float64(n) * 2}
	}, zerolog.Nop())

	require.NoError(t, s.Start())
	defer s.Stop()

	time.Sleep(120 * time.Millisecond)

	pts := s.QueryLastSeconds(0)
	assert.True(t, len(pts) >= 3, "expected multiple sampled points, got %d", len(pts))
}

func TestSummaryLastSecondsComputesMinMaxAvg(t *testing.T) {
	cfg := history.Config{Enabled: true, SampleEvery: 5 * time.Millisecond, MaxPoints: 50}
	vals := []float64{1, 5, 3}
	i := 0
	s := history.New(cfg, func() history.Point {
		v := vals[i%len(vals)]
		i++
		return history.Point{QPS: v, AvgLatencyMs: v, TotalRequests: 1}
	}, zerolog.Nop())

	require.NoError(t, s.Start())
	defer s.Stop()
	time.Sleep(60 * time.Millisecond)

	sum := s.SummaryLastSeconds(0)
	assert.Equal(t, 1.0, sum.MinQPS)
	assert.Equal(t, 5.0, sum.MaxQPS)
	assert.True(t, sum.Samples > 0)
}

func TestStorePersistsJSONLWhenConfigured(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "history.jsonl")
	cfg := history.Config{Enabled: true, SampleEvery: 5 * time.Millisecond, MaxPoints: 10, PersistPath: path}
	s := history.New(cfg, func() history.Point {
		return history.Point{TotalRequests: 1}
	}, zerolog.Nop())

	require.NoError(t, s.Start())
	time.Sleep(40 * time.Millisecond)
	s.Stop()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"total_requests":1`)
}

func TestAuditLoggerAppendAndTailLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")
	a := history.NewAuditLogger(path)

	for i := 0; i < 5; i++ {
		require.NoError(t, a.Append("event "+string(rune('a'+i))))
	}

	lines, err := a.TailLines(3)
	require.NoError(t, err)
	require.Len(t, lines, 3)
	assert.Equal(t, "event c", lines[0])
	assert.Equal(t, "event e", lines[2])
}

func TestAuditLoggerTailLinesOnMissingFileReturnsEmpty(t *testing.T) {
	a := history.NewAuditLogger(filepath.Join(t.TempDir(), "missing.log"))
	lines, err := a.TailLines(10)
	require.NoError(t, err)
	assert.Empty(t, lines)
}
