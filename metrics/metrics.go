// Package metrics keeps per-service and per-method call statistics.
//
// Counters are atomics; response-time samples go into a bounded ring
// (cap 10,000) that drops its older half on overflow, so percentile math
// stays O(recent) and memory stays flat no matter how long the process
// runs. Snapshots are plain values and safe to hold across reports.
package metrics

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
)

// sampleCap bounds the per-method response-time ring.
const sampleCap = 10000

// methodStats accumulates one service's or method's counters.
type methodStats struct {
	total   atomic.Int64
	success atomic.Int64
	failed  atomic.Int64
	sumMs   atomic.Int64
	minMs   atomic.Int64
	maxMs   atomic.Int64
	firstMs atomic.Int64
	lastMs  atomic.Int64

	mu      sync.Mutex
	samples []int64
}

func newMethodStats() *methodStats {
	s := &methodStats{}
	s.minMs.Store(math.MaxInt64)
	return s
}

func (s *methodStats) record(durMs, nowMs int64, failed bool) {
	s.total.Add(1)
	if failed {
		s.failed.Add(1)
	} else {
		s.success.Add(1)
	}
	s.sumMs.Add(durMs)
	for {
		cur := s.minMs.Load()
		if durMs >= cur || s.minMs.CompareAndSwap(cur, durMs) {
			break
		}
	}
	for {
		cur := s.maxMs.Load()
		if durMs <= cur || s.maxMs.CompareAndSwap(cur, durMs) {
			break
		}
	}
	s.firstMs.CompareAndSwap(0, nowMs)
	s.lastMs.Store(nowMs)

	s.mu.Lock()
	if len(s.samples) >= sampleCap {
		half := len(s.samples) / 2
		s.samples = append(s.samples[:0], s.samples[half:]...)
	}
	s.samples = append(s.samples, durMs)
	s.mu.Unlock()
}

// snapshot folds the counters into an immutable Stats value.
func (s *methodStats) snapshot(name string) Stats {
	total := s.total.Load()
	st := Stats{
		Name:    name,
		Total:   total,
		Success: s.success.Load(),
		Failed:  s.failed.Load(),
		MaxMs:   s.maxMs.Load(),
	}
	if min := s.minMs.Load(); min != math.MaxInt64 {
		st.MinMs = min
	}
	if total > 0 {
		st.AvgMs = float64(s.sumMs.Load()) / float64(total)
	}
	if first, last := s.firstMs.Load(), s.lastMs.Load(); first > 0 {
		elapsedMs := last - first
		if elapsedMs <= 0 {
			elapsedMs = 1000
		}
		st.QPS = float64(total) / (float64(elapsedMs) / 1000.0)
	}

	s.mu.Lock()
	sorted := make([]int64, len(s.samples))
	copy(sorted, s.samples)
	s.mu.Unlock()
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	st.P95Ms = percentile(sorted, 0.95)
	st.P99Ms = percentile(sorted, 0.99)
	return st
}

// percentile reads the p-quantile from an ascending slice.
func percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Stats is an immutable snapshot of one service or method.
type Stats struct {
	Name    string
	Total   int64
	Success int64
	Failed  int64
	AvgMs   float64
	MinMs   int64
	MaxMs   int64
	P95Ms   int64
	P99Ms   int64
	QPS     float64
}

// PoolStats is a connection-pool gauge reading pushed by the pool.
type PoolStats struct {
	Endpoint string
	Created  int64
	Active   int64
	Idle     int64
	Waiters  int64
}
