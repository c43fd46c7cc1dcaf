package breaker

import (
	"sync"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Manager holds one breaker per service key so a failing service trips in
// isolation without affecting its neighbors.
type Manager struct {
	cfg   Config
	clock clockwork.Clock
	log   *zap.Logger

	breakers sync.Map // service key → *Breaker
}

func NewManager(cfg Config, log *zap.Logger) *Manager {
	return NewManagerWithClock(cfg, log, clockwork.NewRealClock())
}

func NewManagerWithClock(cfg Config, log *zap.Logger, clock clockwork.Clock) *Manager {
	cfg.normalize()
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{cfg: cfg, clock: clock, log: log.Named("breaker")}
}

// Get returns the breaker for a service, creating it on first use.
func (m *Manager) Get(service string) *Breaker {
	if b, ok := m.breakers.Load(service); ok {
		return b.(*Breaker)
	}
	nb := NewWithClock(m.cfg, m.clock)
	nb.setLogger(m.log.With(zap.String("service", service)))
	actual, _ := m.breakers.LoadOrStore(service, nb)
	return actual.(*Breaker)
}

// Allow reports whether a call to the service may proceed.
func (m *Manager) Allow(service string) bool {
	return m.Get(service).Allow()
}

// RecordSuccess records a successful call to the service.
func (m *Manager) RecordSuccess(service string) {
	m.Get(service).RecordSuccess()
}

// RecordFailure records a failed call to the service.
func (m *Manager) RecordFailure(service string) {
	m.Get(service).RecordFailure()
}

// ForceOpen trips the service's breaker (operator action).
func (m *Manager) ForceOpen(service string) {
	m.Get(service).ForceOpen()
}

// Reset closes the service's breaker and clears its counters.
func (m *Manager) Reset(service string) {
	m.Get(service).Reset()
}

// States snapshots every known breaker's state for diagnostics.
func (m *Manager) States() map[string]State {
	out := make(map[string]State)
	m.breakers.Range(func(k, v any) bool {
		out[k.(string)] = v.(*Breaker).State()
		return true
	})
	return out
}
