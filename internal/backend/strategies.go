package backend

import (
	"sort"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"
)

// Strategy picks one backend from an already-eligible slice. Callers
// (Registry.Select / SelectForModel) guarantee every element passed
// in is eligible; a Strategy must never invent a pick outside that set.
type Strategy interface {
	Name() string
	Select(eligible []*Backend, key string) *Backend
}

// NewStrategy builds a named strategy, matching the string keys
// the gateway's balancer config accepts. Unknown names fall back to
// round-robin.
func NewStrategy(name string) Strategy {
	switch name {
	case "weighted":
		return &weightedStrategy{}
	case "leastconn":
		return &leastConnStrategy{}
	case "ewma":
		return &ewmaStrategy{}
	case "ai-load":
		return NewAILoadStrategy(AILoadWeights{})
	case "consistent-hash":
		return NewConsistentHashStrategy(160)
	default:
		return &roundRobinStrategy{}
	}
}

// ─── round robin ────────────────────────────────────────────

type roundRobinStrategy struct {
	counter uint64
}

func (s *roundRobinStrategy) Name() string { return "roundrobin" }

func (s *roundRobinStrategy) Select(eligible []*Backend, _ string) *Backend {
	if len(eligible) == 0 {
		return nil
	}
	n := atomic.AddUint64(&s.counter, 1)
	return eligible[int(n-1)%len(eligible)]
}

// ─── weighted round robin (Nginx smooth WRR) ────────────────

type weightedStrategy struct{}

func (s *weightedStrategy) Name() string { return "weighted" }

// Select implements the classic smoothing algorithm: each backend's
// currentWeight += effectiveWeight every round; the backend with the
// highest currentWeight is picked and has totalWeight subtracted.
func (s *weightedStrategy) Select(eligible []*Backend, _ string) *Backend {
	if len(eligible) == 0 {
		return nil
	}

	var total int
	var best *Backend
	for _, b := range eligible {
		b.mu.Lock()
		b.currentWeight += b.effectiveWeight
		total += b.effectiveWeight
		if best == nil {
			best = b
		} else {
			best.mu.Lock()
			if b.currentWeight > best.currentWeight {
				best.mu.Unlock()
				best = b
			} else {
				best.mu.Unlock()
			}
		}
		b.mu.Unlock()
	}

	best.mu.Lock()
	best.currentWeight -= total
	best.mu.Unlock()
	return best
}

// ─── least connections (tie-break EWMA) ─────────────────────

type leastConnStrategy struct{}

func (s *leastConnStrategy) Name() string { return "leastconn" }

func (s *leastConnStrategy) Select(eligible []*Backend, _ string) *Backend {
	if len(eligible) == 0 {
		return nil
	}
	best := eligible[0]
	bestSnap := best.snapshot()
	for _, b := range eligible[1:] {
		sn := b.snapshot()
		if sn.ActiveConnections < bestSnap.ActiveConnections ||
			(sn.ActiveConnections == bestSnap.ActiveConnections && sn.EWMAResponseMs < bestSnap.EWMAResponseMs) {
			best = b
			bestSnap = sn
		}
	}
	return best
}

// ─── EWMA response time ──────────────────────────────────────

type ewmaStrategy struct{}

func (s *ewmaStrategy) Name() string { return "ewma" }

func (s *ewmaStrategy) Select(eligible []*Backend, _ string) *Backend {
	if len(eligible) == 0 {
		return nil
	}
	best := eligible[0]
	bestMs := best.snapshot().EWMAResponseMs
	for _, b := range eligible[1:] {
		ms := b.snapshot().EWMAResponseMs
		if ms < bestMs {
			best = b
			bestMs = ms
		}
	}
	return best
}

// ─── AI composite load score ─────────────────────────────────

// AILoadWeights are the composite-score coefficients: a·queue +
// b·gpu + c·vram + d·latency + e·conn, minimized.
type AILoadWeights struct {
	QueueScale   float64
	BaselineMs   float64
	CapPerBackend float64
	A, B, C, D, E float64
}

func defaultAILoadWeights() AILoadWeights {
	return AILoadWeights{
		QueueScale:    32,
		BaselineMs:    200,
		CapPerBackend: 64,
		A:             0.3,
		B:             0.25,
		C:             0.15,
		D:             0.2,
		E:             0.1,
	}
}

type aiLoadStrategy struct {
	w AILoadWeights
}

// NewAILoadStrategy builds the ai-load strategy; zero-valued fields
// in w fall back to sane defaults.
func NewAILoadStrategy(w AILoadWeights) Strategy {
	d := defaultAILoadWeights()
	if w.QueueScale == 0 {
		w.QueueScale = d.QueueScale
	}
	if w.BaselineMs == 0 {
		w.BaselineMs = d.BaselineMs
	}
	if w.CapPerBackend == 0 {
		w.CapPerBackend = d.CapPerBackend
	}
	if w.A == 0 && w.B == 0 && w.C == 0 && w.D == 0 && w.E == 0 {
		w.A, w.B, w.C, w.D, w.E = d.A, d.B, d.C, d.D, d.E
	}
	return &aiLoadStrategy{w: w}
}

func (s *aiLoadStrategy) Name() string { return "ai-load" }

func (s *aiLoadStrategy) score(sn Snapshot) float64 {
	var queueTerm, gpuTerm, vramTerm, latencyTerm, connTerm float64

	if sn.HasLoadMetrics {
		queueTerm = float64(sn.QueueLen) / s.w.QueueScale
		gpuTerm = sn.GPUUtil
		if sn.VRAMTotalMB > 0 {
			vramTerm = sn.VRAMUsedMB / sn.VRAMTotalMB
		}
	}
	if sn.EWMAResponseMs > 0 && s.w.BaselineMs > 0 {
		latencyTerm = sn.EWMAResponseMs / s.w.BaselineMs
	}
	if s.w.CapPerBackend > 0 {
		connTerm = float64(sn.ActiveConnections) / s.w.CapPerBackend
	}

	return s.w.A*queueTerm + s.w.B*gpuTerm + s.w.C*vramTerm + s.w.D*latencyTerm + s.w.E*connTerm
}

func (s *aiLoadStrategy) Select(eligible []*Backend, _ string) *Backend {
	if len(eligible) == 0 {
		return nil
	}
	best := eligible[0]
	bestScore := s.score(best.snapshot())
	for _, b := range eligible[1:] {
		sc := s.score(b.snapshot())
		if sc < bestScore {
			best = b
			bestScore = sc
		}
	}
	return best
}

// ─── consistent hash (160-point virtual ring) ────────────────

type ringPoint struct {
	hash uint64
	id   string
}

type consistentHashStrategy struct {
	points int
}

// NewConsistentHashStrategy builds a strategy using a freshly
// constructed ring per selection (the eligible set changes request to
// request, so the ring cannot be cached across calls without risking
// stale membership).
func NewConsistentHashStrategy(points int) Strategy {
	if points <= 0 {
		points = 160
	}
	return &consistentHashStrategy{points: points}
}

func (s *consistentHashStrategy) Name() string { return "consistent-hash" }

func (s *consistentHashStrategy) Select(eligible []*Backend, key string) *Backend {
	if len(eligible) == 0 {
		return nil
	}
	if len(eligible) == 1 {
		return eligible[0]
	}

	ring := make([]ringPoint, 0, len(eligible)*s.points)
	byID := make(map[string]*Backend, len(eligible))
	for _, b := range eligible {
		byID[b.ID] = b
		for i := 0; i < s.points; i++ {
			h := xxhash.Sum64String(b.ID + "#" + itoa(i))
			ring = append(ring, ringPoint{hash: h, id: b.ID})
		}
	}
	sort.Slice(ring, func(i, j int) bool { return ring[i].hash < ring[j].hash })

	kh := xxhash.Sum64String(key)
	idx := sort.Search(len(ring), func(i int) bool { return ring[i].hash >= kh })
	if idx == len(ring) {
		idx = 0
	}
	return byID[ring[idx].id]
}

// rendezvousStrategy is the alternate consistent-routing mode backed
// by github.com/dgryski/go-rendezvous (highest-random-weight hashing),
// selectable when the ring's locality-on-membership-change tradeoff
// isn't wanted.
type rendezvousStrategy struct{}

// NewRendezvousStrategy builds the HRW-hashing alternate to the
// virtual-ring consistent-hash strategy.
func NewRendezvousStrategy() Strategy {
	return &rendezvousStrategy{}
}

func (s *rendezvousStrategy) Name() string { return "rendezvous" }

func (s *rendezvousStrategy) Select(eligible []*Backend, key string) *Backend {
	if len(eligible) == 0 {
		return nil
	}
	ids := make([]string, len(eligible))
	byID := make(map[string]*Backend, len(eligible))
	for i, b := range eligible {
		ids[i] = b.ID
		byID[b.ID] = b
	}
	r := rendezvous.New(ids, xxhashStr)
	return byID[r.Lookup(key)]
}

func xxhashStr(s string) uint64 { return xxhash.Sum64String(s) }

func itoa(i int) string {
	// small, allocation-light itoa for ring-point suffixes
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}
