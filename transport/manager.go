package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"flux-rpc/message"
	"flux-rpc/metrics"
	"flux-rpc/pool"
	"flux-rpc/protocol"
	"flux-rpc/rpcerror"
)

// Manager owns one connection pool per endpoint and hands out request IDs
// from a process-wide monotone counter, so every frame a client emits has a
// unique ID regardless of which connection carries it.
type Manager struct {
	cfg   Config
	log   *zap.Logger
	clock clockwork.Clock

	nextID atomic.Uint64

	mu     sync.Mutex
	pools  map[string]*pool.Pool
	gauges *metrics.Collector
	closed bool
}

func NewManager(cfg Config, log *zap.Logger) *Manager {
	return NewManagerWithClock(cfg, log, clockwork.NewRealClock())
}

func NewManagerWithClock(cfg Config, log *zap.Logger, clock clockwork.Clock) *Manager {
	cfg.normalize()
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		cfg:   cfg,
		log:   log,
		clock: clock,
		pools: make(map[string]*pool.Pool),
	}
}

// SetGauges wires pool occupancy into the metrics collector. New pools pick
// it up at creation; existing pools on their next maintenance tick.
func (m *Manager) SetGauges(c *metrics.Collector) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges = c
	for _, p := range m.pools {
		p.SetGauges(c)
	}
}

// NextID allocates a request ID. IDs start at 1; zero is reserved for
// frames that carry no correlation, such as heartbeats.
func (m *Manager) NextID() uint64 { return m.nextID.Add(1) }

// Roundtrip sends one request frame to addr and waits for its response.
//
// The connection goes back to the pool right after the write completes:
// responses are multiplexed by request ID, so the same conn can carry other
// requests while this one waits.
func (m *Manager) Roundtrip(ctx context.Context, addr string, msg *protocol.Message) (*message.Response, error) {
	p, err := m.poolFor(addr)
	if err != nil {
		return nil, err
	}
	pc, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	ct := pc.Raw().(*ClientTransport)
	ch, err := ct.SendAsync(msg)
	if !m.cfg.Pool.Enabled {
		// Dedicated mode: Return closes the connection outright, which would
		// tear down the transport under the still-pending response. Hold the
		// conn until Await settles.
		defer p.Return(pc, false)
		if err != nil {
			return nil, err
		}
		return ct.Await(ctx, msg.RequestID, ch)
	}
	p.Return(pc, err == nil && ct.Healthy())
	if err != nil {
		return nil, err
	}
	return ct.Await(ctx, msg.RequestID, ch)
}

func (m *Manager) poolFor(addr string) (*pool.Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("transport: manager closed: %w", rpcerror.ErrPoolClosed)
	}
	p, ok := m.pools[addr]
	if !ok {
		p = pool.NewWithClock(addr, m.cfg.Pool, m.dialEndpoint, m.log, m.clock)
		if m.gauges != nil {
			p.SetGauges(m.gauges)
		}
		m.pools[addr] = p
		m.log.Info("endpoint pool created", zap.String("endpoint", addr))
	}
	return p, nil
}

// dialEndpoint is the pool factory: a TCP connect wrapped in a multiplexing
// transport. The pool owns timeout handling and error classification.
func (m *Manager) dialEndpoint(ctx context.Context, addr string) (pool.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewClientTransportWithClock(conn, m.cfg, m.log, m.clock), nil
}

// Stats snapshots every endpoint pool.
func (m *Manager) Stats() []pool.Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]pool.Stats, 0, len(m.pools))
	for _, p := range m.pools {
		out = append(out, p.Stats())
	}
	return out
}

// Close drains every pool. Idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	pools := m.pools
	m.pools = nil
	m.mu.Unlock()

	var errs error
	for _, p := range pools {
		errs = multierr.Append(errs, p.Close())
	}
	return errs
}
