// Package metrics is the gateway's Prometheus-compatible counter,
// gauge, and histogram registry, plus a JSON snapshot used by the
// admin /stats endpoint. Grounded on the teacher's
// observability.Metrics: label-keyed maps of atomically-updated
// metric objects, serialized on demand rather than pre-registered,
// retargeted from per-provider LLM labels (provider/model/endpoint)
// to per-backend gateway labels (backend/path/status).
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Counter is a monotonically increasing value.
type Counter struct {
	value int64
}

func (c *Counter) Inc()         { atomic.AddInt64(&c.value, 1) }
func (c *Counter) Add(n int64)  { atomic.AddInt64(&c.value, n) }
func (c *Counter) Value() int64 { return atomic.LoadInt64(&c.value) }

// Gauge is a value that can go up and down, stored as micros for
// float precision under an int64 atomic.
type Gauge struct {
	value int64
}

func (g *Gauge) Set(v float64)  { atomic.StoreInt64(&g.value, int64(v*1e6)) }
func (g *Gauge) Inc()           { atomic.AddInt64(&g.value, 1e6) }
func (g *Gauge) Dec()           { atomic.AddInt64(&g.value, -1e6) }
func (g *Gauge) Value() float64 { return float64(atomic.LoadInt64(&g.value)) / 1e6 }

// Histogram tracks a value distribution over fixed buckets.
type Histogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []int64 // per-bucket differential counts (+Inf last)
	sum     float64
	count   int64
}

func newHistogram(buckets []float64) *Histogram {
	sorted := make([]float64, len(buckets))
	copy(sorted, buckets)
	sort.Float64s(sorted)
	return &Histogram{buckets: sorted, counts: make([]int64, len(sorted)+1)}
}

func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.count++
	for i, b := range h.buckets {
		if v <= b {
			h.counts[i]++
			return
		}
	}
	h.counts[len(h.buckets)]++
}

func labelKey(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%q", k, labels[k])
	}
	return strings.Join(parts, ",")
}

// Registry is the central metrics store: every name/label combination
// is created lazily on first use.
type Registry struct {
	mu         sync.RWMutex
	logger     zerolog.Logger
	counters   map[string]map[string]*Counter
	gauges     map[string]map[string]*Gauge
	histograms map[string]map[string]*Histogram

	latencyBuckets []float64

	// promRegistry backs the /metrics text-exposition endpoint with
	// real client_golang collectors, kept in lockstep with the
	// hand-rolled maps above which back the JSON /stats endpoint.
	promRegistry        *prometheus.Registry
	promRequestsTotal   *prometheus.CounterVec
	promCacheHits       *prometheus.CounterVec
	promAdmissionDenied *prometheus.CounterVec
	promRequestDuration *prometheus.HistogramVec
	promBackendEligible *prometheus.GaugeVec
}

// New creates an empty Registry.
func New(logger zerolog.Logger) *Registry {
	promRequestsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_requests_total",
		Help: "Total forwarded requests by backend, path, and status.",
	}, []string{"backend", "path", "status"})
	promCacheHits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_cache_hits_total",
		Help: "Total response-cache hits by path.",
	}, []string{"path"})
	promAdmissionDenied := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_admission_denied_total",
		Help: "Total admission-control rejections by reason.",
	}, []string{"reason"})
	promRequestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_request_duration_ms",
		Help:    "Forwarded request latency in milliseconds.",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
	}, []string{"backend", "path", "status"})
	promBackendEligible := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_backend_eligible",
		Help: "1 if a backend is currently eligible for selection, 0 otherwise.",
	}, []string{"backend"})

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(promRequestsTotal, promCacheHits, promAdmissionDenied, promRequestDuration, promBackendEligible)

	return &Registry{
		logger:         logger.With().Str("component", "metrics").Logger(),
		counters:       make(map[string]map[string]*Counter),
		gauges:         make(map[string]map[string]*Gauge),
		histograms:     make(map[string]map[string]*Histogram),
		latencyBuckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},

		promRegistry:        promRegistry,
		promRequestsTotal:   promRequestsTotal,
		promCacheHits:       promCacheHits,
		promAdmissionDenied: promAdmissionDenied,
		promRequestDuration: promRequestDuration,
		promBackendEligible: promBackendEligible,
	}
}

// Handler serves the registry in Prometheus text exposition format via
// the official client library, independent of the hand-rolled Expose
// used for ad-hoc debugging.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.promRegistry, promhttp.HandlerOpts{})
}

func (m *Registry) CounterInc(name string, labels map[string]string) { m.counter(name, labels).Inc() }

func (m *Registry) CounterAdd(name string, labels map[string]string, n int64) {
	m.counter(name, labels).Add(n)
}

func (m *Registry) counter(name string, labels map[string]string) *Counter {
	key := labelKey(labels)
	m.mu.RLock()
	if byLabel, ok := m.counters[name]; ok {
		if c, ok := byLabel[key]; ok {
			m.mu.RUnlock()
			return c
		}
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.counters[name]; !ok {
		m.counters[name] = make(map[string]*Counter)
	}
	if _, ok := m.counters[name][key]; !ok {
		m.counters[name][key] = &Counter{}
	}
	return m.counters[name][key]
}

func (m *Registry) GaugeSet(name string, labels map[string]string, v float64) {
	m.gauge(name, labels).Set(v)
}

func (m *Registry) gauge(name string, labels map[string]string) *Gauge {
	key := labelKey(labels)
	m.mu.RLock()
	if byLabel, ok := m.gauges[name]; ok {
		if g, ok := byLabel[key]; ok {
			m.mu.RUnlock()
			return g
		}
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.gauges[name]; !ok {
		m.gauges[name] = make(map[string]*Gauge)
	}
	if _, ok := m.gauges[name][key]; !ok {
		m.gauges[name][key] = &Gauge{}
	}
	return m.gauges[name][key]
}

func (m *Registry) HistogramObserve(name string, labels map[string]string, v float64) {
	m.histogram(name, labels).Observe(v)
}

func (m *Registry) histogram(name string, labels map[string]string) *Histogram {
	key := labelKey(labels)
	m.mu.RLock()
	if byLabel, ok := m.histograms[name]; ok {
		if h, ok := byLabel[key]; ok {
			m.mu.RUnlock()
			return h
		}
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.histograms[name]; !ok {
		m.histograms[name] = make(map[string]*Histogram)
	}
	if _, ok := m.histograms[name][key]; !ok {
		m.histograms[name][key] = newHistogram(m.latencyBuckets)
	}
	return m.histograms[name][key]
}

// TrackRequest records a completed forwarded request.
func (m *Registry) TrackRequest(backendID, path string, status int, latencyMs float64, cached bool) {
	labels := map[string]string{
		"backend": backendID,
		"path":    path,
		"status":  fmt.Sprintf("%d", status),
	}
	m.CounterInc("gateway_requests_total", labels)
	m.HistogramObserve("gateway_request_duration_ms", labels, latencyMs)
	if cached {
		m.CounterInc("gateway_cache_hits_total", map[string]string{"path": path})
	}

	statusLabel := fmt.Sprintf("%d", status)
	m.promRequestsTotal.WithLabelValues(backendID, path, statusLabel).Inc()
	m.promRequestDuration.WithLabelValues(backendID, path, statusLabel).Observe(latencyMs)
	if cached {
		m.promCacheHits.WithLabelValues(path).Inc()
	}
}

// TrackBackendHealth records a backend's eligibility transition.
func (m *Registry) TrackBackendHealth(backendID string, eligible bool) {
	v := 0.0
	if eligible {
		v = 1.0
	}
	m.GaugeSet("gateway_backend_eligible", map[string]string{"backend": backendID}, v)
	m.promBackendEligible.WithLabelValues(backendID).Set(v)
}

// TrackAdmissionDenial records an admission-control rejection by reason.
func (m *Registry) TrackAdmissionDenial(reason string) {
	m.CounterInc("gateway_admission_denied_total", map[string]string{"reason": reason})
	m.promAdmissionDenied.WithLabelValues(reason).Inc()
}

// Expose renders the registry in Prometheus text exposition format.
func (m *Registry) Expose() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("# gatewaycore metrics - %s\n\n", time.Now().UTC().Format(time.RFC3339)))

	m.mu.RLock()
	defer m.mu.RUnlock()

	for name, byLabel := range m.counters {
		sb.WriteString(fmt.Sprintf("# TYPE %s counter\n", name))
		for lk, c := range byLabel {
			writeSample(&sb, name, lk, fmt.Sprintf("%d", c.Value()))
		}
	}
	for name, byLabel := range m.gauges {
		sb.WriteString(fmt.Sprintf("# TYPE %s gauge\n", name))
		for lk, g := range byLabel {
			writeSample(&sb, name, lk, fmt.Sprintf("%f", g.Value()))
		}
	}
	for name, byLabel := range m.histograms {
		sb.WriteString(fmt.Sprintf("# TYPE %s histogram\n", name))
		for lk, h := range byLabel {
			h.mu.Lock()
			cumulative := int64(0)
			for i, b := range h.buckets {
				cumulative += h.counts[i]
				writeSample(&sb, name+"_bucket", bucketLabel(lk, b), fmt.Sprintf("%d", cumulative))
			}
			cumulative += h.counts[len(h.buckets)]
			writeSample(&sb, name+"_bucket", bucketLabel(lk, 0), fmt.Sprintf("%d", cumulative))
			prefix := name
			if lk != "" {
				prefix = fmt.Sprintf("%s{%s}", name, lk)
			}
			sb.WriteString(fmt.Sprintf("%s_sum %f\n", prefix, h.sum))
			sb.WriteString(fmt.Sprintf("%s_count %d\n", prefix, h.count))
			h.mu.Unlock()
		}
	}
	return sb.String()
}

func writeSample(sb *strings.Builder, name, labels, value string) {
	if labels == "" {
		sb.WriteString(fmt.Sprintf("%s %s\n", name, value))
		return
	}
	sb.WriteString(fmt.Sprintf("%s{%s} %s\n", name, labels, value))
}

func bucketLabel(lk string, b float64) string {
	le := "+Inf"
	if b != 0 {
		le = fmt.Sprintf("%g", b)
	}
	if lk == "" {
		return fmt.Sprintf("le=%q", le)
	}
	return fmt.Sprintf("le=%q,%s", le, lk)
}

// Snapshot is a JSON-friendly view of request-path counters, used by
// the admin /stats endpoint alongside backend snapshots.
type Snapshot struct {
	RequestsTotal   int64   `json:"requests_total"`
	CacheHits       int64   `json:"cache_hits_total"`
	AdmissionDenied int64   `json:"admission_denied_total"`
	AvgLatencyMs    float64 `json:"avg_latency_ms"`
}

// Snapshot sums every label combination of the named counters into a
// single JSON-serializable total.
func (m *Registry) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var s Snapshot
	for _, c := range m.counters["gateway_requests_total"] {
		s.RequestsTotal += c.Value()
	}
	for _, c := range m.counters["gateway_cache_hits_total"] {
		s.CacheHits += c.Value()
	}
	for _, c := range m.counters["gateway_admission_denied_total"] {
		s.AdmissionDenied += c.Value()
	}
	var sum float64
	var count int64
	for _, h := range m.histograms["gateway_request_duration_ms"] {
		h.mu.Lock()
		sum += h.sum
		count += h.count
		h.mu.Unlock()
	}
	if count > 0 {
		s.AvgLatencyMs = sum / float64(count)
	}
	return s
}
