// Package pool maintains a bounded connection pool per endpoint.
//
// Every connection moves through a small state machine: Available -> InUse
// on acquire (atomic CAS, so exactly one caller owns a connection at a
// time), InUse -> Available on return, and any state -> Closed exactly once.
// When the pool is full, acquirers park in a FIFO waiter queue bounded by
// MaxPending; a returned connection is handed to the eldest waiter before it
// is shelved. Background maintenance evicts idle connections and replaces
// unhealthy ones.
package pool

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"flux-rpc/metrics"
	"flux-rpc/rpcerror"
)

// State of a pooled connection.
type State int32

const (
	StateAvailable State = iota
	StateInUse
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAvailable:
		return "available"
	case StateInUse:
		return "in-use"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is the transport handle a pool manages.
type Conn interface {
	Close() error
	Healthy() bool
}

// Factory dials one connection to addr. The context carries the connect
// timeout.
type Factory func(ctx context.Context, addr string) (Conn, error)

// Config tunes one endpoint's pool. SweepInterval belongs to the transport
// request sweeper; it lives here because a single config block travels from
// the client options into both layers.
type Config struct {
	MaxPerEndpoint      int
	IdleTimeout         time.Duration
	HealthCheckInterval time.Duration
	MaxPending          int
	ConnectTimeout      time.Duration
	SweepInterval       time.Duration
	WarmupConns         int
	Enabled             bool
	HealthCheckEnabled  bool
}

func DefaultConfig() Config {
	return Config{
		MaxPerEndpoint:      10,
		IdleTimeout:         300 * time.Second,
		HealthCheckInterval: 30 * time.Second,
		MaxPending:          1000,
		ConnectTimeout:      5 * time.Second,
		SweepInterval:       10 * time.Second,
		WarmupConns:         2,
		Enabled:             true,
		HealthCheckEnabled:  true,
	}
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.MaxPerEndpoint <= 0 {
		c.MaxPerEndpoint = d.MaxPerEndpoint
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = d.HealthCheckInterval
	}
	if c.MaxPending <= 0 {
		c.MaxPending = d.MaxPending
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.WarmupConns < 0 {
		c.WarmupConns = 0
	}
	if c.WarmupConns > c.MaxPerEndpoint {
		c.WarmupConns = c.MaxPerEndpoint
	}
}

// PooledConn wraps a transport connection with pool accounting.
type PooledConn struct {
	ID        string
	Addr      string
	raw       Conn
	createdAt time.Time
	lastUsed  atomic.Int64 // unix milliseconds
	usage     atomic.Int64
	state     atomic.Int32
	closeOnce sync.Once
	closeErr  error
}

func newPooledConn(addr string, raw Conn, now time.Time) *PooledConn {
	c := &PooledConn{
		ID:        strings.ReplaceAll(uuid.NewString(), "-", "")[:16],
		Addr:      addr,
		raw:       raw,
		createdAt: now,
	}
	c.lastUsed.Store(now.UnixMilli())
	return c
}

// Raw exposes the underlying transport connection.
func (c *PooledConn) Raw() Conn { return c.raw }

func (c *PooledConn) State() State         { return State(c.state.Load()) }
func (c *PooledConn) Usage() int64         { return c.usage.Load() }
func (c *PooledConn) CreatedAt() time.Time { return c.createdAt }
func (c *PooledConn) LastUsed() time.Time  { return time.UnixMilli(c.lastUsed.Load()) }

// Healthy is true while the connection is not closed and its transport
// still reports itself usable.
func (c *PooledConn) Healthy() bool {
	return c.State() != StateClosed && c.raw.Healthy()
}

// markInUse claims the connection; only one caller can win the CAS.
func (c *PooledConn) markInUse(now time.Time) bool {
	if !c.state.CompareAndSwap(int32(StateAvailable), int32(StateInUse)) {
		return false
	}
	c.usage.Add(1)
	c.lastUsed.Store(now.UnixMilli())
	return true
}

// transferUse re-stamps an InUse connection for the waiter taking it over.
func (c *PooledConn) transferUse(now time.Time) {
	c.usage.Add(1)
	c.lastUsed.Store(now.UnixMilli())
}

func (c *PooledConn) release(now time.Time) bool {
	if !c.state.CompareAndSwap(int32(StateInUse), int32(StateAvailable)) {
		return false
	}
	c.lastUsed.Store(now.UnixMilli())
	return true
}

// close is terminal from any state and closes the transport exactly once.
func (c *PooledConn) close() error {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		c.closeErr = c.raw.Close()
	})
	return c.closeErr
}

type waitResult struct {
	conn *PooledConn
	err  error
}

// waiter is one parked acquirer. done is claimed by whichever side settles
// it first: a hand-off, the waiter's own cancellation, or pool close. The
// winner is the only one allowed to touch ch, so the buffered send never
// blocks and a conn can never be stranded.
type waiter struct {
	ch   chan waitResult
	done atomic.Bool
}

// Stats is a point-in-time gauge reading.
type Stats struct {
	Endpoint string
	Created  int64
	Closed   int64
	Total    int
	Active   int
	Idle     int
	Waiters  int
}

// Pool owns every connection to a single endpoint.
type Pool struct {
	addr    string
	cfg     Config
	factory Factory
	log     *zap.Logger
	clock   clockwork.Clock
	gauges  atomic.Pointer[metrics.Collector]

	mu        sync.Mutex
	available []*PooledConn
	waiters   []*waiter
	total     int
	closed    bool

	created  atomic.Int64
	closedCt atomic.Int64

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(addr string, cfg Config, factory Factory, log *zap.Logger) *Pool {
	return NewWithClock(addr, cfg, factory, log, clockwork.NewRealClock())
}

func NewWithClock(addr string, cfg Config, factory Factory, log *zap.Logger, clock clockwork.Clock) *Pool {
	cfg.normalize()
	if log == nil {
		log = zap.NewNop()
	}
	p := &Pool{
		addr:    addr,
		cfg:     cfg,
		factory: factory,
		log:     log.Named("pool").With(zap.String("endpoint", addr)),
		clock:   clock,
		stop:    make(chan struct{}),
	}
	if cfg.Enabled {
		p.warmup()
		p.wg.Add(1)
		go p.maintenanceLoop()
	}
	return p
}

func (p *Pool) Addr() string { return p.addr }

// SetGauges points the pool at a metrics collector; maintenance pushes a
// gauge reading there on every tick.
func (p *Pool) SetGauges(c *metrics.Collector) { p.gauges.Store(c) }

// Acquire hands out a connection in InUse state. It pops the newest idle
// connection, dials a fresh one while under MaxPerEndpoint, and otherwise
// parks in the waiter queue until a connection frees up or ctx expires.
func (p *Pool) Acquire(ctx context.Context) (*PooledConn, error) {
	if !p.cfg.Enabled {
		return p.dialDedicated(ctx)
	}
	now := p.clock.Now()

	var stale []*PooledConn
	defer func() {
		for _, c := range stale {
			c.close()
			p.closedCt.Add(1)
		}
	}()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("pool: %s: %w", p.addr, rpcerror.ErrPoolClosed)
	}
	for len(p.available) > 0 {
		c := p.available[len(p.available)-1]
		p.available = p.available[:len(p.available)-1]
		if c.Healthy() && c.markInUse(now) {
			p.mu.Unlock()
			return c, nil
		}
		stale = append(stale, c)
		p.total--
	}
	if p.total < p.cfg.MaxPerEndpoint {
		p.total++
		p.mu.Unlock()
		return p.dialInUse(ctx)
	}
	if len(p.waiters) >= p.cfg.MaxPending {
		p.mu.Unlock()
		return nil, fmt.Errorf("pool: %s pending queue full (%d waiting): %w",
			p.addr, p.cfg.MaxPending, rpcerror.ErrPoolSaturated)
	}
	w := &waiter{ch: make(chan waitResult, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	return p.await(ctx, w)
}

func (p *Pool) await(ctx context.Context, w *waiter) (*PooledConn, error) {
	select {
	case res := <-w.ch:
		return res.conn, res.err
	case <-ctx.Done():
		if !w.done.CompareAndSwap(false, true) {
			// Lost the race against a hand-off; the result is in flight
			// and must be recycled, not stranded.
			if res := <-w.ch; res.conn != nil {
				p.Return(res.conn, true)
			}
		} else {
			p.removeWaiter(w)
		}
		return nil, fmt.Errorf("pool: %s acquire wait: %v: %w", p.addr, ctx.Err(), rpcerror.ErrConnectTimeout)
	}
}

func (p *Pool) removeWaiter(w *waiter) {
	p.mu.Lock()
	for i, cand := range p.waiters {
		if cand == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
}

// dial creates one connection. The caller must already hold a slot in
// p.total; on error the caller releases it.
func (p *Pool) dial(ctx context.Context) (*PooledConn, error) {
	raw, err := p.factory(ctx, p.addr)
	if err != nil {
		return nil, fmt.Errorf("pool: dial %s: %v: %w", p.addr, err, rpcerror.ErrConnectTimeout)
	}
	p.created.Add(1)
	return newPooledConn(p.addr, raw, p.clock.Now()), nil
}

func (p *Pool) dialInUse(ctx context.Context) (*PooledConn, error) {
	dctx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	defer cancel()
	c, err := p.dial(dctx)
	if err != nil {
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
		return nil, err
	}
	c.markInUse(p.clock.Now())
	return c, nil
}

// dialDedicated serves pool-disabled mode: a fresh untracked connection per
// acquire, closed on return.
func (p *Pool) dialDedicated(ctx context.Context) (*PooledConn, error) {
	dctx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	defer cancel()
	c, err := p.dial(dctx)
	if err != nil {
		return nil, err
	}
	c.markInUse(p.clock.Now())
	return c, nil
}

// Return gives a connection back to the pool. An unhealthy return closes the
// connection and frees its slot; the freed slot is re-dialed on behalf of
// the eldest waiter when one is parked.
func (p *Pool) Return(c *PooledConn, healthy bool) {
	if c == nil {
		return
	}
	if !p.cfg.Enabled {
		c.close()
		p.closedCt.Add(1)
		return
	}
	if !healthy || !c.Healthy() {
		p.discard(c)
		return
	}
	now := p.clock.Now()
	p.mu.Lock()
	if p.closed {
		p.total--
		p.mu.Unlock()
		c.close()
		p.closedCt.Add(1)
		return
	}
	for len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		if !w.done.CompareAndSwap(false, true) {
			continue // waiter gave up; try the next one
		}
		p.mu.Unlock()
		c.transferUse(now)
		w.ch <- waitResult{conn: c}
		return
	}
	if c.release(now) {
		p.available = append(p.available, c)
		p.mu.Unlock()
		return
	}
	p.total--
	p.mu.Unlock()
	c.close()
	p.closedCt.Add(1)
}

// discard closes a connection and, when a waiter is parked, re-dials into
// the freed slot on the waiter's behalf.
func (p *Pool) discard(c *PooledConn) {
	p.mu.Lock()
	p.total--
	refill := len(p.waiters) > 0 && p.total < p.cfg.MaxPerEndpoint && !p.closed
	if refill {
		p.total++
		p.wg.Add(1)
	}
	p.mu.Unlock()
	c.close()
	p.closedCt.Add(1)
	if refill {
		go p.dialForWaiter()
	}
}

// dialForWaiter fills an already-reserved slot. A dial failure is delivered
// to the eldest waiter: it would have hit the same error dialing itself.
func (p *Pool) dialForWaiter() {
	defer p.wg.Done()
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ConnectTimeout)
	defer cancel()
	c, err := p.dial(ctx)
	if err != nil {
		p.mu.Lock()
		p.total--
		var w *waiter
		for len(p.waiters) > 0 {
			cand := p.waiters[0]
			p.waiters = p.waiters[1:]
			if cand.done.CompareAndSwap(false, true) {
				w = cand
				break
			}
		}
		p.mu.Unlock()
		if w != nil {
			w.ch <- waitResult{err: err}
		}
		return
	}
	p.handOff(c)
}

// handOff places a fresh Available connection with a waiter or on the shelf.
func (p *Pool) handOff(c *PooledConn) {
	now := p.clock.Now()
	p.mu.Lock()
	if p.closed {
		p.total--
		p.mu.Unlock()
		c.close()
		p.closedCt.Add(1)
		return
	}
	for len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		if !w.done.CompareAndSwap(false, true) {
			continue
		}
		c.markInUse(now)
		p.mu.Unlock()
		w.ch <- waitResult{conn: c}
		return
	}
	p.available = append(p.available, c)
	p.mu.Unlock()
}

func (p *Pool) warmup() {
	for i := 0; i < p.cfg.WarmupConns; i++ {
		p.mu.Lock()
		if p.total >= p.cfg.MaxPerEndpoint {
			p.mu.Unlock()
			return
		}
		p.total++
		p.wg.Add(1)
		p.mu.Unlock()
		go func() {
			defer p.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ConnectTimeout)
			defer cancel()
			c, err := p.dial(ctx)
			if err != nil {
				p.mu.Lock()
				p.total--
				p.mu.Unlock()
				p.log.Debug("warmup dial failed", zap.Error(err))
				return
			}
			p.handOff(c)
		}()
	}
}

func (p *Pool) maintenanceLoop() {
	defer p.wg.Done()
	ticker := p.clock.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.Chan():
			p.evictIdle()
			if p.cfg.HealthCheckEnabled {
				p.healthCheck()
			}
			p.pushGauges()
		}
	}
}

// evictIdle closes Available connections whose idle time reached the
// threshold.
func (p *Pool) evictIdle() {
	cutoff := p.clock.Now().Add(-p.cfg.IdleTimeout).UnixMilli()
	var drop []*PooledConn
	p.mu.Lock()
	keep := p.available[:0]
	for _, c := range p.available {
		if c.lastUsed.Load() <= cutoff {
			drop = append(drop, c)
		} else {
			keep = append(keep, c)
		}
	}
	p.available = keep
	p.total -= len(drop)
	p.mu.Unlock()
	for _, c := range drop {
		c.close()
		p.closedCt.Add(1)
	}
	if len(drop) > 0 {
		p.log.Debug("idle connections evicted", zap.Int("count", len(drop)))
	}
}

// healthCheck removes unhealthy Available connections and tops the pool
// back up to the min(2, max) floor.
func (p *Pool) healthCheck() {
	var drop []*PooledConn
	p.mu.Lock()
	keep := p.available[:0]
	for _, c := range p.available {
		if c.Healthy() {
			keep = append(keep, c)
		} else {
			drop = append(drop, c)
		}
	}
	p.available = keep
	p.total -= len(drop)
	floor := 2
	if p.cfg.MaxPerEndpoint < floor {
		floor = p.cfg.MaxPerEndpoint
	}
	refill := 0
	if !p.closed && p.total < floor {
		refill = floor - p.total
		p.total += refill
		p.wg.Add(refill)
	}
	p.mu.Unlock()

	for _, c := range drop {
		c.close()
		p.closedCt.Add(1)
	}
	if len(drop) > 0 {
		p.log.Warn("unhealthy connections removed", zap.Int("count", len(drop)))
	}
	for i := 0; i < refill; i++ {
		go func() {
			defer p.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ConnectTimeout)
			defer cancel()
			c, err := p.dial(ctx)
			if err != nil {
				p.mu.Lock()
				p.total--
				p.mu.Unlock()
				p.log.Warn("health refill dial failed", zap.Error(err))
				return
			}
			p.handOff(c)
		}()
	}
}

func (p *Pool) pushGauges() {
	mc := p.gauges.Load()
	if mc == nil {
		return
	}
	s := p.Stats()
	mc.SetPoolStats(metrics.PoolStats{
		Endpoint: s.Endpoint,
		Created:  s.Created,
		Active:   int64(s.Active),
		Idle:     int64(s.Idle),
		Waiters:  int64(s.Waiters),
	})
}

// Stats snapshots the pool's gauges.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	idle := len(p.available)
	total := p.total
	waiters := len(p.waiters)
	p.mu.Unlock()
	return Stats{
		Endpoint: p.addr,
		Created:  p.created.Load(),
		Closed:   p.closedCt.Load(),
		Total:    total,
		Active:   total - idle,
		Idle:     idle,
		Waiters:  waiters,
	}
}

// Close fails all parked waiters with ErrPoolClosed, closes every shelved
// connection, and stops maintenance. InUse connections are closed as they
// come back through Return. Idempotent.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	toClose := p.available
	p.available = nil
	toFail := p.waiters
	p.waiters = nil
	p.total -= len(toClose)
	p.mu.Unlock()

	p.stopOnce.Do(func() { close(p.stop) })
	for _, w := range toFail {
		if w.done.CompareAndSwap(false, true) {
			w.ch <- waitResult{err: fmt.Errorf("pool: %s closing: %w", p.addr, rpcerror.ErrPoolClosed)}
		}
	}
	for _, c := range toClose {
		c.close()
		p.closedCt.Add(1)
	}
	p.wg.Wait()
	p.log.Info("pool closed",
		zap.Int64("created", p.created.Load()),
		zap.Int64("closed", p.closedCt.Load()))
	return nil
}
