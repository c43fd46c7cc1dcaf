package ratelimit

import (
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// SlidingWindow enforces a hard per-second ceiling. The second is split
// into slices; each slice holds an atomic counter stamped with the absolute
// slice number it was last used for, so stale slots reset lazily on reuse
// instead of needing a sweeper goroutine.
//
// The count-then-increment pair is not atomic as a whole, so admission can
// overshoot the ceiling by at most the number of concurrent callers. That
// bound is acceptable for request admission.
type SlidingWindow struct {
	limit   int64
	slices  int64
	sliceMs int64
	clock   clockwork.Clock

	counts []atomic.Int64
	stamps []atomic.Int64
}

func NewSlidingWindow(limit int, slices int) *SlidingWindow {
	return NewSlidingWindowWithClock(limit, slices, clockwork.NewRealClock())
}

func NewSlidingWindowWithClock(limit int, slices int, clock clockwork.Clock) *SlidingWindow {
	if limit <= 0 {
		limit = int(DefaultConfig().Rate)
	}
	if slices <= 0 {
		slices = DefaultConfig().WindowSlices
	}
	w := &SlidingWindow{
		limit:   int64(limit),
		slices:  int64(slices),
		sliceMs: int64(time.Second/time.Millisecond) / int64(slices),
		clock:   clock,
		counts:  make([]atomic.Int64, slices),
		stamps:  make([]atomic.Int64, slices),
	}
	if w.sliceMs <= 0 {
		w.sliceMs = 1
	}
	// Stamp slots far in the past so slice 0 of a fresh window is not
	// mistaken for already-current.
	for i := range w.stamps {
		w.stamps[i].Store(-1)
	}
	return w
}

func (w *SlidingWindow) Allow() bool {
	abs := w.clock.Now().UnixMilli() / w.sliceMs
	idx := abs % w.slices

	// Claim the slot for the current slice, zeroing a stale counter.
	for {
		st := w.stamps[idx].Load()
		if st == abs {
			break
		}
		if w.stamps[idx].CompareAndSwap(st, abs) {
			w.counts[idx].Store(0)
			break
		}
	}

	var total int64
	for i := int64(0); i < w.slices; i++ {
		if abs-w.stamps[i].Load() < w.slices {
			total += w.counts[i].Load()
		}
	}
	if total >= w.limit {
		return false
	}
	w.counts[idx].Add(1)
	return true
}

func (w *SlidingWindow) Name() string {
	return AlgorithmSlidingWindow
}
