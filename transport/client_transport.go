// Package transport multiplexes concurrent calls over persistent framed
// connections.
//
// Each ClientTransport owns one connection. Senders register a pending entry
// keyed by request ID and write their frame under a mutex; a single recvLoop
// reads response frames and routes each one to the matching entry:
//
//	goroutine-1 ──Send(id=1)──┐
//	goroutine-2 ──Send(id=2)──┼──→ single TCP conn ──→ server
//	goroutine-3 ──Send(id=3)──┘
//
//	recvLoop:  ←── response(id=2) → pending[2] ← result → goroutine-2 wakes up
//
// Responses arrive in any order; correlation is strictly by request ID. The
// connection goes back to its pool right after the write, so one conn carries
// many in-flight requests at once. A sweeper expires entries whose caller
// stopped waiting, keeping the pending map leak-free.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"flux-rpc/message"
	"flux-rpc/pool"
	"flux-rpc/protocol"
	"flux-rpc/rpcerror"
)

// Config tunes the per-connection multiplexer and the endpoint pools it
// rides on. The sweeper ticks at Pool.SweepInterval so one block of knobs
// travels from the client options into both layers.
type Config struct {
	Pool           pool.Config
	RequestTimeout time.Duration
	// HeartbeatInterval is how often an idle connection pings the server.
	// Zero disables the probe.
	HeartbeatInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Pool:              pool.DefaultConfig(),
		RequestTimeout:    5 * time.Second,
		HeartbeatInterval: 30 * time.Second,
	}
}

func (c *Config) normalize() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
	if c.Pool.SweepInterval <= 0 {
		c.Pool.SweepInterval = 10 * time.Second
	}
	if c.HeartbeatInterval < 0 {
		c.HeartbeatInterval = 0
	}
}

type result struct {
	resp *message.Response
	err  error
}

type pendingCall struct {
	ch        chan result // buffered 1: completing never blocks the recv loop
	enqueueMs int64
}

// ClientTransport multiplexes requests over a single connection.
type ClientTransport struct {
	conn  net.Conn
	cfg   Config
	log   *zap.Logger
	clock clockwork.Clock

	writeMu    sync.Mutex // writes must be serialized or frames interleave
	pending    sync.Map   // uint64 -> *pendingCall
	lastSendMs atomic.Int64

	healthy   atomic.Bool
	closeOnce sync.Once
	closeErr  error
	stop      chan struct{}
}

// NewClientTransport wraps conn and starts the recv, sweep and heartbeat
// goroutines.
func NewClientTransport(conn net.Conn, cfg Config, log *zap.Logger) *ClientTransport {
	return NewClientTransportWithClock(conn, cfg, log, clockwork.NewRealClock())
}

func NewClientTransportWithClock(conn net.Conn, cfg Config, log *zap.Logger, clock clockwork.Clock) *ClientTransport {
	cfg.normalize()
	if log == nil {
		log = zap.NewNop()
	}
	t := &ClientTransport{
		conn:  conn,
		cfg:   cfg,
		log:   log.Named("transport"),
		clock: clock,
		stop:  make(chan struct{}),
	}
	t.healthy.Store(true)
	t.lastSendMs.Store(clock.Now().UnixMilli())
	go t.recvLoop()
	go t.sweepLoop()
	if cfg.HeartbeatInterval > 0 {
		go t.heartbeatLoop()
	}
	return t
}

// SendAsync registers the request and writes its frame. The returned channel
// receives exactly one result: the routed response, a sweeper timeout, or
// the connection failure.
//
// The pending entry is registered BEFORE the write; a fast server could
// otherwise answer a request the recv loop has never heard of.
func (t *ClientTransport) SendAsync(msg *protocol.Message) (<-chan result, error) {
	if !t.healthy.Load() {
		return nil, fmt.Errorf("transport: connection to %s is down: %w", t.remoteAddr(), rpcerror.ErrTransport)
	}
	pc := &pendingCall{
		ch:        make(chan result, 1),
		enqueueMs: t.clock.Now().UnixMilli(),
	}
	if _, loaded := t.pending.LoadOrStore(msg.RequestID, pc); loaded {
		return nil, fmt.Errorf("transport: request id %d already in flight: %w", msg.RequestID, rpcerror.ErrProtocol)
	}

	t.writeMu.Lock()
	err := protocol.Encode(t.conn, msg)
	t.writeMu.Unlock()
	t.lastSendMs.Store(t.clock.Now().UnixMilli())
	if err != nil {
		t.pending.Delete(msg.RequestID)
		t.markBroken(err)
		return nil, err
	}
	return pc.ch, nil
}

// Await blocks until the request completes or ctx ends. On ctx end the
// pending entry is removed, so a late response is dropped instead of leaked.
func (t *ClientTransport) Await(ctx context.Context, id uint64, ch <-chan result) (*message.Response, error) {
	select {
	case res := <-ch:
		return res.resp, res.err
	case <-ctx.Done():
		t.pending.Delete(id)
		// The response may have won the race; prefer it over the ctx error.
		select {
		case res := <-ch:
			return res.resp, res.err
		default:
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("transport: request %d deadline exceeded: %w", id, rpcerror.ErrRequestTimeout)
		}
		return nil, ctx.Err()
	}
}

// recvLoop is the single reader of the connection. TCP is a byte stream:
// frame boundaries only survive if exactly one goroutine reads them.
func (t *ClientTransport) recvLoop() {
	for {
		// Step 1: read one complete frame.
		msg, payload, err := protocol.Decode(t.conn)
		if err != nil {
			t.markBroken(err)
			return
		}
		if msg.Type == protocol.MsgTypeHeartbeat {
			continue
		}

		// Step 2: find the caller waiting on this request ID.
		entry, ok := t.pending.LoadAndDelete(msg.RequestID)
		if !ok {
			// Timed out, cancelled, or never ours. Drop the frame.
			t.log.Warn("response for unknown request id",
				zap.Uint64("requestId", msg.RequestID))
			continue
		}
		pc := entry.(*pendingCall)

		// Step 3: decode the envelope and hand it over.
		var resp message.Response
		if err := protocol.DecodeBody(msg.CodecTag, payload, &resp); err != nil {
			pc.ch <- result{err: fmt.Errorf("transport: decode response %d: %v: %w", msg.RequestID, err, rpcerror.ErrDecode)}
			continue
		}
		pc.ch <- result{resp: &resp}
	}
}

// sweepLoop expires pending entries older than the request timeout so the
// map cannot grow without bound when a peer goes silent.
func (t *ClientTransport) sweepLoop() {
	ticker := t.clock.NewTicker(t.cfg.Pool.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.Chan():
			t.sweep()
		}
	}
}

func (t *ClientTransport) sweep() {
	cutoff := t.clock.Now().UnixMilli() - t.cfg.RequestTimeout.Milliseconds()
	t.pending.Range(func(k, v any) bool {
		if v.(*pendingCall).enqueueMs > cutoff {
			return true
		}
		if old, ok := t.pending.LoadAndDelete(k); ok {
			id := k.(uint64)
			old.(*pendingCall).ch <- result{err: fmt.Errorf(
				"transport: request %d timed out after %s: %w", id, t.cfg.RequestTimeout, rpcerror.ErrRequestTimeout)}
			t.log.Warn("pending request expired", zap.Uint64("requestId", id))
		}
		return true
	})
}

// heartbeatLoop pings the server over idle connections so half-dead links
// are noticed before a real request rides them.
func (t *ClientTransport) heartbeatLoop() {
	ticker := t.clock.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.Chan():
			idleMs := t.clock.Now().UnixMilli() - t.lastSendMs.Load()
			if idleMs < t.cfg.HeartbeatInterval.Milliseconds() {
				continue // the conn is already carrying traffic
			}
			hb := &protocol.Message{Type: protocol.MsgTypeHeartbeat}
			// Heartbeat writes take the same lock as request writes.
			t.writeMu.Lock()
			err := protocol.Encode(t.conn, hb)
			t.writeMu.Unlock()
			if err != nil {
				t.markBroken(err)
				return
			}
		}
	}
}

// markBroken downgrades the connection and fails every pending call. The
// CAS makes the flush one-shot no matter which goroutine noticed first.
func (t *ClientTransport) markBroken(cause error) {
	if !t.healthy.CompareAndSwap(true, false) {
		return
	}
	err := fmt.Errorf("transport: connection to %s failed: %v: %w", t.remoteAddr(), cause, rpcerror.ErrTransport)
	n := 0
	t.pending.Range(func(k, _ any) bool {
		if old, ok := t.pending.LoadAndDelete(k); ok {
			old.(*pendingCall).ch <- result{err: err}
			n++
		}
		return true
	})
	if n > 0 {
		t.log.Warn("connection failed with requests in flight",
			zap.String("remote", t.remoteAddr()), zap.Int("failed", n), zap.Error(cause))
	}
}

// Pending counts in-flight requests.
func (t *ClientTransport) Pending() int {
	n := 0
	t.pending.Range(func(_, _ any) bool { n++; return true })
	return n
}

// Healthy reports whether the connection can still carry requests.
func (t *ClientTransport) Healthy() bool { return t.healthy.Load() }

// Close fails outstanding requests and closes the connection. Idempotent.
func (t *ClientTransport) Close() error {
	t.closeOnce.Do(func() {
		t.markBroken(errors.New("connection closed"))
		close(t.stop)
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

func (t *ClientTransport) remoteAddr() string {
	if addr := t.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "unknown"
}
