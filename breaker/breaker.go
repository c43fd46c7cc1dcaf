// Package breaker implements a per-service circuit breaker.
//
// The state machine protects callers from hammering a failing service:
//
//	Closed ──(threshold consecutive failures)──► Open
//	Open ──(recovery timeout elapses)──► HalfOpen
//	HalfOpen ──(probe budget succeeds)──► Closed
//	HalfOpen ──(any probe fails)──► Open
//
// All state lives in atomics so Allow sits on the hot path without locks.
// Time flows through a clockwork.Clock so tests drive transitions without
// sleeping.
package breaker

import (
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// State is the admission state of one breaker.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config controls trip and recovery behavior.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips a
	// Closed breaker.
	FailureThreshold int32
	// RecoveryTimeout is how long an Open breaker rejects before probing.
	RecoveryTimeout time.Duration
	// HalfOpenMaxCalls bounds the probes admitted while HalfOpen; the same
	// number of successes closes the breaker again.
	HalfOpenMaxCalls int32
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = d.RecoveryTimeout
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = d.HalfOpenMaxCalls
	}
}

// Breaker guards a single service.
type Breaker struct {
	cfg   Config
	clock clockwork.Clock
	log   *zap.Logger

	state         atomic.Int32
	failures      atomic.Int32
	successes     atomic.Int32
	halfOpenCalls atomic.Int32
	lastFailureNs atomic.Int64
}

// New builds a breaker on the real clock.
func New(cfg Config) *Breaker {
	return NewWithClock(cfg, clockwork.NewRealClock())
}

// NewWithClock builds a breaker on the given clock.
func NewWithClock(cfg Config, clock clockwork.Clock) *Breaker {
	cfg.normalize()
	return &Breaker{cfg: cfg, clock: clock, log: zap.NewNop()}
}

func (b *Breaker) setLogger(l *zap.Logger) {
	if l != nil {
		b.log = l
	}
}

// Allow reports whether a call may proceed. An Open breaker flips to
// HalfOpen once the recovery timeout has elapsed since the last failure;
// HalfOpen admits at most HalfOpenMaxCalls concurrent probes.
func (b *Breaker) Allow() bool {
	switch State(b.state.Load()) {
	case StateClosed:
		return true
	case StateOpen:
		elapsed := b.clock.Now().UnixNano() - b.lastFailureNs.Load()
		if elapsed < b.cfg.RecoveryTimeout.Nanoseconds() {
			return false
		}
		if b.state.CompareAndSwap(int32(StateOpen), int32(StateHalfOpen)) {
			b.halfOpenCalls.Store(0)
			b.successes.Store(0)
			b.log.Info("breaker half-open, probing")
		}
		return b.admitProbe()
	case StateHalfOpen:
		return b.admitProbe()
	default:
		return true
	}
}

func (b *Breaker) admitProbe() bool {
	for {
		n := b.halfOpenCalls.Load()
		if n >= b.cfg.HalfOpenMaxCalls {
			return false
		}
		if b.halfOpenCalls.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// RecordSuccess feeds a successful call outcome back into the state machine.
func (b *Breaker) RecordSuccess() {
	switch State(b.state.Load()) {
	case StateClosed:
		b.failures.Store(0)
	case StateHalfOpen:
		if b.successes.Add(1) >= b.cfg.HalfOpenMaxCalls {
			if b.state.CompareAndSwap(int32(StateHalfOpen), int32(StateClosed)) {
				b.failures.Store(0)
				b.log.Info("breaker closed after successful probes")
			}
		}
	}
}

// RecordFailure feeds a failed call outcome back into the state machine.
func (b *Breaker) RecordFailure() {
	b.lastFailureNs.Store(b.clock.Now().UnixNano())
	switch State(b.state.Load()) {
	case StateClosed:
		if b.failures.Add(1) >= b.cfg.FailureThreshold {
			if b.state.CompareAndSwap(int32(StateClosed), int32(StateOpen)) {
				b.log.Warn("breaker tripped",
					zap.Int32("failures", b.failures.Load()),
					zap.Duration("recovery", b.cfg.RecoveryTimeout))
			}
		}
	case StateHalfOpen:
		// One failed probe is enough evidence the service is still down.
		if b.state.CompareAndSwap(int32(StateHalfOpen), int32(StateOpen)) {
			b.log.Warn("probe failed, breaker re-opened")
		}
	}
}

// State returns the current admission state.
func (b *Breaker) State() State {
	return State(b.state.Load())
}

// Failures returns the consecutive-failure count while Closed.
func (b *Breaker) Failures() int32 {
	return b.failures.Load()
}

// ForceOpen trips the breaker regardless of outcomes (operator action).
func (b *Breaker) ForceOpen() {
	b.lastFailureNs.Store(b.clock.Now().UnixNano())
	b.state.Store(int32(StateOpen))
	b.log.Warn("breaker forced open")
}

// Reset returns the breaker to Closed and clears all counters.
func (b *Breaker) Reset() {
	b.state.Store(int32(StateClosed))
	b.failures.Store(0)
	b.successes.Store(0)
	b.halfOpenCalls.Store(0)
}
