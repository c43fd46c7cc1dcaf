package ratelimit

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// alertRejectRatio marks a key in Report once rejections pass this share.
const alertRejectRatio = 0.10

type entry struct {
	lim     Limiter
	allowed atomic.Int64
	denied  atomic.Int64
}

// Manager owns one limiter per key. Keys carry their dimension prefix
// (ip:/user:/service:/method:), so a single Manager serves all four levels.
type Manager struct {
	cfg   Config
	log   *zap.Logger
	clock clockwork.Clock

	entries sync.Map // key → *entry
}

func NewManager(cfg Config, log *zap.Logger) *Manager {
	return NewManagerWithClock(cfg, log, clockwork.NewRealClock())
}

func NewManagerWithClock(cfg Config, log *zap.Logger, clock clockwork.Clock) *Manager {
	cfg.normalize()
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{cfg: cfg, log: log.Named("ratelimit"), clock: clock}
}

func (m *Manager) newLimiter() Limiter {
	switch m.cfg.Algorithm {
	case AlgorithmSlidingWindow:
		// The window ceiling is the per-second rate; Capacity is the token
		// bucket's burst and has no meaning here.
		return NewSlidingWindowWithClock(int(m.cfg.Rate), m.cfg.WindowSlices, m.clock)
	default:
		return NewTokenBucket(m.cfg.Rate, m.cfg.Capacity)
	}
}

func (m *Manager) get(key string) *entry {
	if e, ok := m.entries.Load(key); ok {
		return e.(*entry)
	}
	actual, _ := m.entries.LoadOrStore(key, &entry{lim: m.newLimiter()})
	return actual.(*entry)
}

// Allow admits or rejects one request against the key's limiter, creating
// the limiter on first sight of the key.
func (m *Manager) Allow(key string) bool {
	e := m.get(key)
	if e.lim.Allow() {
		e.allowed.Add(1)
		return true
	}
	e.denied.Add(1)
	return false
}

// CheckIP admits one request from the given peer address.
func (m *Manager) CheckIP(ip string) bool { return m.Allow(IPKey(ip)) }

// CheckUser admits one request from an authenticated principal.
func (m *Manager) CheckUser(user string) bool { return m.Allow(UserKey(user)) }

// CheckService admits one request against the service-wide limiter.
func (m *Manager) CheckService(service string) bool { return m.Allow(ServiceKey(service)) }

// CheckMethod admits one request against the per-method limiter.
func (m *Manager) CheckMethod(service, method string) bool {
	return m.Allow(MethodKey(service, method))
}

// KeyReport is one key's admission counters since process start.
type KeyReport struct {
	Key     string
	Allowed int64
	Denied  int64
	// Alert is set when more than 10% of decisions were rejections.
	Alert bool
}

// Report snapshots all keys, sorted by key for stable output, and logs a
// warning for every alerting key.
func (m *Manager) Report() []KeyReport {
	var out []KeyReport
	m.entries.Range(func(k, v any) bool {
		e := v.(*entry)
		r := KeyReport{
			Key:     k.(string),
			Allowed: e.allowed.Load(),
			Denied:  e.denied.Load(),
		}
		if total := r.Allowed + r.Denied; total > 0 {
			r.Alert = float64(r.Denied)/float64(total) > alertRejectRatio
		}
		out = append(out, r)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })

	for _, r := range out {
		if r.Alert {
			m.log.Warn("rate limit rejecting heavily",
				zap.String("key", r.Key),
				zap.Int64("allowed", r.Allowed),
				zap.Int64("denied", r.Denied))
		}
	}
	return out
}
