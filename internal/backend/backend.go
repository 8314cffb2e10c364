// Package backend implements the registry, health tracking, model
// affinity, warmup gating, and load-balancing strategies described in
// a backend registry with model/version affinity and a pluggable selection strategy.
//
// It is grounded on the gateway's provider.Registry (map-of-connectors
// + RWMutex + snapshot reads) and provider.HealthPoller (background
// polling with transition callbacks), retargeted from named LLM
// vendor connectors to generic ip:port origins, plus
// routing.ProviderHealth's EWMA latency tracking (see ewma.go).
package backend

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Backend is one upstream origin, addressed as ip:port.
type Backend struct {
	ID string

	mu sync.Mutex

	baseWeight      int
	effectiveWeight int

	online  bool
	healthy bool

	warmupPending bool

	activeConnections int64 // atomic

	ewmaLatencyMs float64
	ewmaAlpha     float64

	failures  uint64
	successes uint64

	hasLoadMetrics bool
	queueLen       int
	gpuUtil        float64
	vramUsedMB     float64
	vramTotalMB    float64

	aiReadyPresent bool
	aiReady        bool
	modelLoaded    bool
	modelName      string
	modelVersion   string

	// round-robin smoothing state (Nginx-style weighted round robin)
	currentWeight int
}

// NewBackend constructs a Backend with weight >= 1 (weights of 0 or less make no sense for any of the ratio-based strategies).
func NewBackend(id string, weight int) *Backend {
	if weight < 1 {
		weight = 1
	}
	return &Backend{
		ID:              id,
		baseWeight:      weight,
		effectiveWeight: weight,
		online:          true,
		healthy:         true,
		warmupPending:   false,
		ewmaAlpha:       0.3,
	}
}

// Snapshot is an immutable point-in-time view of a Backend, safe to
// hand out across goroutines without holding any lock.
type Snapshot struct {
	ID                string
	BaseWeight        int
	EffectiveWeight   int
	Online            bool
	Healthy           bool
	WarmupPending     bool
	ActiveConnections int64
	EWMAResponseMs    float64
	Failures          uint64
	Successes         uint64
	HasLoadMetrics    bool
	QueueLen          int
	GPUUtil           float64
	VRAMUsedMB        float64
	VRAMTotalMB       float64
	AIReadyPresent    bool
	AIReady           bool
	ModelLoaded       bool
	ModelName         string
	ModelVersion      string
}

// Eligible reports whether the backend may be selected: online,
// healthy, warmup-complete, and AI-ready when AI readiness is tracked
// at all. This is the single eligibility rule both the strategy path
// and the model-affinity path share.
func (s Snapshot) Eligible() bool {
	if !s.Online || !s.Healthy || s.WarmupPending {
		return false
	}
	if s.AIReadyPresent && !s.AIReady {
		return false
	}
	return true
}

func (b *Backend) snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		ID:                b.ID,
		BaseWeight:        b.baseWeight,
		EffectiveWeight:   b.effectiveWeight,
		Online:            b.online,
		Healthy:           b.healthy,
		WarmupPending:     b.warmupPending,
		ActiveConnections: atomic.LoadInt64(&b.activeConnections),
		EWMAResponseMs:    b.ewmaLatencyMs,
		Failures:          b.failures,
		Successes:         b.successes,
		HasLoadMetrics:    b.hasLoadMetrics,
		QueueLen:          b.queueLen,
		GPUUtil:           b.gpuUtil,
		VRAMUsedMB:        b.vramUsedMB,
		VRAMTotalMB:       b.vramTotalMB,
		AIReadyPresent:    b.aiReadyPresent,
		AIReady:           b.aiReady,
		ModelLoaded:       b.modelLoaded,
		ModelName:         b.modelName,
		ModelVersion:      b.modelVersion,
	}
}

// Registry maps backend-id to Backend plus the two affinity maps
// (modelName -> id, "model@version" -> id) used for sticky routing.
type Registry struct {
	mu             sync.RWMutex
	backends       map[string]*Backend
	byModel        map[string]string
	byModelVersion map[string]string
	strategy       Strategy
	rrCounter      uint64
}

// NewRegistry creates an empty registry using the given selection strategy.
func NewRegistry(strategy Strategy) *Registry {
	return &Registry{
		backends:       make(map[string]*Backend),
		byModel:        make(map[string]string),
		byModelVersion: make(map[string]string),
		strategy:       strategy,
	}
}

// SetStrategy swaps the active load-balancing strategy (admin config change).
func (r *Registry) SetStrategy(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategy = s
}

// Add registers a backend, created with warmup pending if warmupRequired is true.
func (r *Registry) Add(ip string, port int, weight int, warmupRequired bool) *Backend {
	id := fmt.Sprintf("%s:%d", ip, port)
	b := NewBackend(id, weight)
	b.warmupPending = warmupRequired

	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[id] = b
	return b
}

// Remove deletes a backend and clears any affinity entries pointing at it.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.backends, id)
	r.clearDanglingAffinityLocked()
}

// clearDanglingAffinityLocked drops affinity entries that reference a
// backend no longer present.
// Callers must hold r.mu.
func (r *Registry) clearDanglingAffinityLocked() {
	for model, id := range r.byModel {
		if _, ok := r.backends[id]; !ok {
			delete(r.byModel, model)
		}
	}
	for mv, id := range r.byModelVersion {
		if _, ok := r.backends[id]; !ok {
			delete(r.byModelVersion, mv)
		}
	}
}

// Get returns a backend by id.
func (r *Registry) Get(id string) (*Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[id]
	return b, ok
}

// SetOnline toggles admin online/offline (draining) state.
func (r *Registry) SetOnline(id string, online bool) bool {
	r.mu.RLock()
	b, ok := r.backends[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	b.mu.Lock()
	b.online = online
	b.mu.Unlock()
	return true
}

// SetBaseWeight updates a backend's configured base weight (clamped to >= 1).
func (r *Registry) SetBaseWeight(id string, w int) bool {
	if w < 1 {
		w = 1
	}
	r.mu.RLock()
	b, ok := r.backends[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	b.mu.Lock()
	b.baseWeight = w
	if b.effectiveWeight > w {
		b.effectiveWeight = w
	}
	b.mu.Unlock()
	return true
}

// SetLoadedModel records model affinity state reported by the AI
// service checker or the admin API.
func (r *Registry) SetLoadedModel(id, model, version string, loaded bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.backends[id]
	if !ok {
		return false
	}
	b.mu.Lock()
	b.modelName = model
	b.modelVersion = version
	b.modelLoaded = loaded
	b.mu.Unlock()

	if loaded && model != "" {
		r.byModel[model] = id
		if version != "" {
			r.byModelVersion[model+"@"+version] = id
		}
	}
	return true
}

// UpdateMetrics records the latest load metrics pushed by the AI
// service checker or admin API (queueLen, gpuUtil in [0,1], VRAM in MB).
func (r *Registry) UpdateMetrics(id string, queueLen int, gpuUtil, vramUsedMB, vramTotalMB float64) bool {
	r.mu.RLock()
	b, ok := r.backends[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	b.mu.Lock()
	b.hasLoadMetrics = true
	b.queueLen = queueLen
	b.gpuUtil = gpuUtil
	b.vramUsedMB = vramUsedMB
	b.vramTotalMB = vramTotalMB
	b.mu.Unlock()
	return true
}

// SetAIReady sets whether the backend reports AI-service readiness at all,
// and its current ready value.
func (r *Registry) SetAIReady(id string, present, ready bool) bool {
	r.mu.RLock()
	b, ok := r.backends[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	b.mu.Lock()
	b.aiReadyPresent = present
	b.aiReady = ready
	b.mu.Unlock()
	return true
}

// CompleteWarmup clears the warmup-pending flag, admitting the
// backend into rotation.
func (r *Registry) CompleteWarmup(id string) bool {
	r.mu.RLock()
	b, ok := r.backends[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	b.mu.Lock()
	b.warmupPending = false
	b.mu.Unlock()
	return true
}

// OnConnStart increments the active-connection count for a backend.
func (r *Registry) OnConnStart(id string) {
	r.mu.RLock()
	b, ok := r.backends[id]
	r.mu.RUnlock()
	if ok {
		atomic.AddInt64(&b.activeConnections, 1)
	}
}

// OnConnEnd decrements the active-connection count for a backend.
func (r *Registry) OnConnEnd(id string) {
	r.mu.RLock()
	b, ok := r.backends[id]
	r.mu.RUnlock()
	if ok {
		atomic.AddInt64(&b.activeConnections, -1)
	}
}

// RecordResponseMs folds a first-byte latency sample into the
// backend's EWMA (see ewma.go for the smoothing function).
func (r *Registry) RecordResponseMs(id string, ms float64) {
	r.mu.RLock()
	b, ok := r.backends[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	b.mu.Lock()
	b.ewmaLatencyMs = ewmaUpdate(b.ewmaLatencyMs, ms, b.ewmaAlpha)
	b.successes++
	b.mu.Unlock()
}

// ReportFailure flips a backend unhealthy immediately (fast fail-over,
// so a failing backend falls out of rotation immediately), without
// waiting for the next health-check cycle.
func (r *Registry) ReportFailure(id string) {
	r.mu.RLock()
	b, ok := r.backends[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	b.mu.Lock()
	b.failures++
	b.healthy = false
	b.mu.Unlock()
}

// SetHealthy is used by the active health checker to set the healthy
// flag from a probe result (as opposed to the passive ReportFailure fast path).
func (r *Registry) SetHealthy(id string, healthy bool) {
	r.mu.RLock()
	b, ok := r.backends[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	b.mu.Lock()
	b.healthy = healthy
	b.mu.Unlock()
}

// List returns a snapshot of every registered backend.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.backends))
	for _, b := range r.backends {
		out = append(out, b.snapshot())
	}
	return out
}

// Snapshot returns a consistent point-in-time view of one backend.
func (r *Registry) Snapshot(id string) (Snapshot, bool) {
	r.mu.RLock()
	b, ok := r.backends[id]
	r.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	return b.snapshot(), true
}

// eligible returns live *Backend pointers (not snapshots, so the
// strategy can mutate smoothing state like currentWeight) that pass
// the eligibility rule.
func (r *Registry) eligible() []*Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Backend, 0, len(r.backends))
	for _, b := range r.backends {
		if b.snapshot().Eligible() {
			out = append(out, b)
		}
	}
	return out
}

// none is the sentinel "no backend selected" address.
const none = "0.0.0.0:0"

// Select runs the active strategy over the eligible set. Returns
// "0.0.0.0:0" when nothing is eligible.
func (r *Registry) Select(key string) string {
	elig := r.eligible()
	if len(elig) == 0 {
		return none
	}
	r.mu.RLock()
	strat := r.strategy
	r.mu.RUnlock()
	picked := strat.Select(elig, key)
	if picked == nil {
		return none
	}
	return picked.ID
}

// SelectForModel prefers a backend advertising the model loaded;
// falls back to the configured strategy otherwise. A sticky choice
// is recorded in the affinity map only if the chosen backend
// announces the model loaded.
func (r *Registry) SelectForModel(key, model string) string {
	if model == "" {
		return r.Select(key)
	}

	r.mu.RLock()
	id, sticky := r.byModel[model]
	r.mu.RUnlock()

	if sticky {
		if b, ok := r.Get(id); ok {
			if s := b.snapshot(); s.Eligible() && s.ModelLoaded && s.ModelName == model {
				return id
			}
		}
	}

	// No sticky choice (or it became ineligible/dangling) — fall back,
	// but still prefer any eligible backend that already advertises the model.
	elig := r.eligible()
	var modelMatches []*Backend
	for _, b := range elig {
		s := b.snapshot()
		if s.ModelLoaded && s.ModelName == model {
			modelMatches = append(modelMatches, b)
		}
	}

	r.mu.RLock()
	strat := r.strategy
	r.mu.RUnlock()

	var picked *Backend
	if len(modelMatches) > 0 {
		picked = strat.Select(modelMatches, key)
	} else {
		picked = strat.Select(elig, key)
	}
	if picked == nil {
		return none
	}
	if s := picked.snapshot(); s.ModelLoaded && s.ModelName == model {
		r.mu.Lock()
		r.byModel[model] = picked.ID
		r.mu.Unlock()
	}
	return picked.ID
}

// SelectForModelVersion is SelectForModel with an additional version pin.
func (r *Registry) SelectForModelVersion(key, model, version string) string {
	if model == "" || version == "" {
		return r.SelectForModel(key, model)
	}
	mv := model + "@" + version

	r.mu.RLock()
	id, sticky := r.byModelVersion[mv]
	r.mu.RUnlock()

	if sticky {
		if b, ok := r.Get(id); ok {
			if s := b.snapshot(); s.Eligible() && s.ModelLoaded && s.ModelName == model && s.ModelVersion == version {
				return id
			}
		}
	}

	elig := r.eligible()
	var matches []*Backend
	for _, b := range elig {
		s := b.snapshot()
		if s.ModelLoaded && s.ModelName == model && s.ModelVersion == version {
			matches = append(matches, b)
		}
	}

	r.mu.RLock()
	strat := r.strategy
	r.mu.RUnlock()

	var picked *Backend
	if len(matches) > 0 {
		picked = strat.Select(matches, key)
	} else {
		return r.SelectForModel(key, model)
	}
	if picked == nil {
		return none
	}
	r.mu.Lock()
	r.byModelVersion[mv] = picked.ID
	r.mu.Unlock()
	return picked.ID
}

// Reconcile adds/updates/removes backends to match a freshly
// discovered set, per the "removed by... discovery
// reconciliation" lifecycle note (SUPPLEMENTED FEATURES, SPEC_FULL.md).
// Discovery polling itself lives outside this package.
func (r *Registry) Reconcile(discovered []struct {
	ID     string
	Weight int
}) {
	r.mu.Lock()
	want := make(map[string]bool, len(discovered))
	for _, d := range discovered {
		want[d.ID] = true
		if b, ok := r.backends[d.ID]; !ok {
			r.backends[d.ID] = NewBackend(d.ID, d.Weight)
		} else {
			w := d.Weight
			if w < 1 {
				w = 1
			}
			b.mu.Lock()
			b.baseWeight = w
			if b.effectiveWeight > w {
				b.effectiveWeight = w
			}
			b.mu.Unlock()
		}
	}
	for id := range r.backends {
		if !want[id] {
			delete(r.backends, id)
		}
	}
	r.clearDanglingAffinityLocked()
	r.mu.Unlock()
}

// AutoWeight recomputes effective weight from load/failure pressure
// when enabled: effective = clamp(baseWeight *
// f(errorRate, ewma, queueLen, gpuUtil), 1, baseWeight), monotonically
// decreasing in load and failures.
func (b *Backend) AutoWeight(baselineMs float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	total := b.failures + b.successes
	errRate := 0.0
	if total > 0 {
		errRate = float64(b.failures) / float64(total)
	}

	latencyPressure := 0.0
	if baselineMs > 0 && b.ewmaLatencyMs > baselineMs {
		latencyPressure = (b.ewmaLatencyMs - baselineMs) / baselineMs
	}

	queuePressure := 0.0
	if b.hasLoadMetrics {
		queuePressure = float64(b.queueLen) / 32.0
		if queuePressure > 1 {
			queuePressure = 1
		}
	}
	gpuPressure := 0.0
	if b.hasLoadMetrics {
		gpuPressure = b.gpuUtil
	}

	pressure := errRate + 0.5*latencyPressure + 0.3*queuePressure + 0.2*gpuPressure
	f := 1.0 / (1.0 + pressure)

	eff := int(float64(b.baseWeight) * f)
	if eff < 1 {
		eff = 1
	}
	if eff > b.baseWeight {
		eff = b.baseWeight
	}
	b.effectiveWeight = eff
}
