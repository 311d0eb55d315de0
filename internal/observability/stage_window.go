package observability

import (
	"math"
	"slices"
	"sync"
	"time"
)

type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
}

type StageSnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
}

// stageWindow keeps the last N samples of each stage in a ring.
type stageWindow struct {
	mu    sync.RWMutex
	size  int
	rings map[string]*ring
}

type ring struct {
	values []float64
	next   int
	full   bool
	last   float64
}

func newStageWindow(size int) *stageWindow {
	if size <= 0 {
		size = 256
	}
	return &stageWindow{size: size, rings: make(map[string]*ring)}
}

func (w *stageWindow) Observe(stage string, ms float64) {
	if stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.rings[stage]
	if !ok {
		r = &ring{values: make([]float64, w.size)}
		w.rings[stage] = r
	}
	r.values[r.next] = ms
	r.last = ms
	r.next = (r.next + 1) % len(r.values)
	if r.next == 0 {
		r.full = true
	}
}

func (w *stageWindow) Snapshot() StageSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	names := make([]string, 0, len(w.rings))
	for name := range w.rings {
		names = append(names, name)
	}
	slices.Sort(names)

	stats := make([]StageStats, 0, len(names))
	for _, name := range names {
		r := w.rings[name]
		n := r.next
		if r.full {
			n = len(r.values)
		}
		if n == 0 {
			continue
		}
		samples := slices.Clone(r.values[:n])
		slices.Sort(samples)
		var sum float64
		for _, v := range samples {
			sum += v
		}
		stats = append(stats, StageStats{
			Stage:       name,
			Samples:     n,
			LastMS:      round2(r.last),
			AvgMS:       round2(sum / float64(n)),
			P50MS:       round2(quantile(samples, 0.50)),
			P95MS:       round2(quantile(samples, 0.95)),
			TargetP95MS: targetP95MS(name),
		})
	}
	return StageSnapshot{GeneratedAt: time.Now().UTC(), WindowSize: w.size, Stages: stats}
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo, hi := int(math.Floor(idx)), int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func targetP95MS(stage string) float64 {
	switch stage {
	case "executor_build":
		return 250
	case "first_chunk":
		return 900
	case "task_total":
		return 3200
	default:
		return 0
	}
}
