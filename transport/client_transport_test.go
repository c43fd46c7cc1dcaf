package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"flux-rpc/codec"
	"flux-rpc/message"
	"flux-rpc/pool"
	"flux-rpc/protocol"
	"flux-rpc/rpcerror"
)

func echoFrame(id uint64, payload string) *protocol.Message {
	return &protocol.Message{
		Type:      protocol.MsgTypeRequest,
		CodecTag:  codec.TypeJSON,
		RequestID: id,
		Body: &message.Request{
			Interface: "echo.service",
			Method:    "echo",
			Version:   "1.0",
			Group:     "default",
			Payload:   []byte(payload),
		},
	}
}

// pipeTransport wires a transport to an in-memory conn and hands back the
// server end.
func pipeTransport(t *testing.T, cfg Config) (*ClientTransport, net.Conn) {
	t.Helper()
	cli, srv := net.Pipe()
	ct := NewClientTransport(cli, cfg, zaptest.NewLogger(t))
	t.Cleanup(func() {
		_ = ct.Close()
		_ = srv.Close()
	})
	return ct, srv
}

// serveEcho answers every request frame with its own payload. Each request
// is handled in its own goroutine, so responses interleave like a real
// server's would.
func serveEcho(conn net.Conn) {
	var wmu sync.Mutex
	for {
		msg, payload, err := protocol.Decode(conn)
		if err != nil {
			return
		}
		if msg.Type == protocol.MsgTypeHeartbeat {
			continue
		}
		go func(msg *protocol.Message, payload []byte) {
			var req message.Request
			if err := protocol.DecodeBody(msg.CodecTag, payload, &req); err != nil {
				return
			}
			out := &protocol.Message{
				Type:      protocol.MsgTypeResponse,
				CodecTag:  msg.CodecTag,
				RequestID: msg.RequestID,
				Body:      &message.Response{Code: rpcerror.CodeOK, Message: "ok", Payload: req.Payload},
			}
			wmu.Lock()
			_ = protocol.Encode(conn, out)
			wmu.Unlock()
		}(msg, payload)
	}
}

// drainFrames keeps reading so pipe writes never block, but answers nothing.
func drainFrames(conn net.Conn) {
	for {
		if _, _, err := protocol.Decode(conn); err != nil {
			return
		}
	}
}

func TestConcurrentCallsShareOneConn(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 0
	ct, srv := pipeTransport(t, cfg)
	go serveEcho(srv)

	type callResult struct {
		n    int
		resp *message.Response
		err  error
	}
	results := make(chan callResult, 20)
	for i := 0; i < 20; i++ {
		go func(n int) {
			id := uint64(n + 1)
			ch, err := ct.SendAsync(echoFrame(id, fmt.Sprintf("payload-%d", n)))
			if err != nil {
				results <- callResult{n: n, err: err}
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			resp, err := ct.Await(ctx, id, ch)
			results <- callResult{n: n, resp: resp, err: err}
		}(i)
	}
	for i := 0; i < 20; i++ {
		r := <-results
		require.NoError(t, r.err)
		require.Equal(t, rpcerror.CodeOK, r.resp.Code)
		require.Equal(t, fmt.Sprintf("payload-%d", r.n), string(r.resp.Payload))
	}
	require.Equal(t, 0, ct.Pending())
	t.Logf("✅ 20 concurrent calls multiplexed over one conn, all correlated correctly")
}

// 响应乱序到达时，也要按 ID 路由回正确的调用方。
func TestResponsesRouteByID(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 0
	ct, srv := pipeTransport(t, cfg)

	// Collect two requests, then answer them in reverse order.
	go func() {
		type held struct {
			msg     *protocol.Message
			payload []byte
		}
		var got []held
		for len(got) < 2 {
			msg, payload, err := protocol.Decode(srv)
			if err != nil {
				return
			}
			got = append(got, held{msg, payload})
		}
		for i := len(got) - 1; i >= 0; i-- {
			var req message.Request
			if err := protocol.DecodeBody(got[i].msg.CodecTag, got[i].payload, &req); err != nil {
				return
			}
			out := &protocol.Message{
				Type:      protocol.MsgTypeResponse,
				CodecTag:  got[i].msg.CodecTag,
				RequestID: got[i].msg.RequestID,
				Body:      &message.Response{Code: rpcerror.CodeOK, Payload: req.Payload},
			}
			_ = protocol.Encode(srv, out)
		}
	}()

	ch1, err := ct.SendAsync(echoFrame(1, "first"))
	require.NoError(t, err)
	ch2, err := ct.SendAsync(echoFrame(2, "second"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp1, err := ct.Await(ctx, 1, ch1)
	require.NoError(t, err)
	require.Equal(t, "first", string(resp1.Payload))
	resp2, err := ct.Await(ctx, 2, ch2)
	require.NoError(t, err)
	require.Equal(t, "second", string(resp2.Payload))
}

// Timeout 100ms and sweeper 50ms against a peer that never replies: the
// pending map must be empty within 200ms and the caller must see a timeout.
func TestSweeperExpiresSilentRequests(t *testing.T) {
	cfg := Config{
		RequestTimeout: 100 * time.Millisecond,
		Pool:           pool.Config{SweepInterval: 50 * time.Millisecond},
	}
	ct, srv := pipeTransport(t, cfg)
	go drainFrames(srv)

	ch, err := ct.SendAsync(echoFrame(1, "never answered"))
	require.NoError(t, err)
	require.Equal(t, 1, ct.Pending())

	require.Eventually(t, func() bool { return ct.Pending() == 0 },
		200*time.Millisecond, 10*time.Millisecond, "sweeper should reclaim the entry")

	res := <-ch
	require.ErrorIs(t, res.err, rpcerror.ErrRequestTimeout)
	t.Logf("✅ silent peer: entry swept and caller unblocked with a timeout")
}

func TestConnFailureFailsAllPending(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 0
	ct, srv := pipeTransport(t, cfg)

	// Absorb two frames, then drop the connection without answering.
	go func() {
		for i := 0; i < 2; i++ {
			if _, _, err := protocol.Decode(srv); err != nil {
				return
			}
		}
		_ = srv.Close()
	}()

	ch1, err := ct.SendAsync(echoFrame(1, "a"))
	require.NoError(t, err)
	ch2, err := ct.SendAsync(echoFrame(2, "b"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = ct.Await(ctx, 1, ch1)
	require.ErrorIs(t, err, rpcerror.ErrTransport)
	_, err = ct.Await(ctx, 2, ch2)
	require.ErrorIs(t, err, rpcerror.ErrTransport)

	require.False(t, ct.Healthy())
	require.Equal(t, 0, ct.Pending())

	// A dead transport refuses new sends outright.
	_, err = ct.SendAsync(echoFrame(3, "c"))
	require.ErrorIs(t, err, rpcerror.ErrTransport)
}

func TestUnknownResponseIDDropped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 0
	ct, srv := pipeTransport(t, cfg)

	go func() {
		msg, payload, err := protocol.Decode(srv)
		if err != nil {
			return
		}
		var req message.Request
		if err := protocol.DecodeBody(msg.CodecTag, payload, &req); err != nil {
			return
		}
		// An unsolicited frame first; the real answer after.
		stray := &protocol.Message{
			Type:      protocol.MsgTypeResponse,
			CodecTag:  msg.CodecTag,
			RequestID: 999,
			Body:      &message.Response{Code: rpcerror.CodeOK, Payload: []byte("stray")},
		}
		_ = protocol.Encode(srv, stray)
		out := &protocol.Message{
			Type:      protocol.MsgTypeResponse,
			CodecTag:  msg.CodecTag,
			RequestID: msg.RequestID,
			Body:      &message.Response{Code: rpcerror.CodeOK, Payload: req.Payload},
		}
		_ = protocol.Encode(srv, out)
	}()

	ch, err := ct.SendAsync(echoFrame(7, "mine"))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := ct.Await(ctx, 7, ch)
	require.NoError(t, err)
	require.Equal(t, "mine", string(resp.Payload))
	require.True(t, ct.Healthy())
}

func TestAwaitCancelRemovesEntry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 0
	ct, srv := pipeTransport(t, cfg)
	go drainFrames(srv)

	ch, err := ct.SendAsync(echoFrame(1, "slow"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = ct.Await(ctx, 1, ch)
	require.ErrorIs(t, err, rpcerror.ErrRequestTimeout)
	require.Equal(t, 0, ct.Pending(), "cancelled entry must not linger")
}

func TestIdleConnSendsHeartbeats(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 30 * time.Millisecond
	ct, srv := pipeTransport(t, cfg)

	var beats atomic.Int64
	go func() {
		for {
			msg, _, err := protocol.Decode(srv)
			if err != nil {
				return
			}
			if msg.Type == protocol.MsgTypeHeartbeat {
				beats.Add(1)
			}
		}
	}()

	require.Eventually(t, func() bool { return beats.Load() >= 2 },
		time.Second, 10*time.Millisecond, "idle conn should keep pinging")
	require.True(t, ct.Healthy())
	t.Logf("✅ idle conn sent %d heartbeats", beats.Load())
}

// --- manager over real TCP ---

func startEchoListener(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				serveEcho(c)
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func TestManagerRoundtripOverTCP(t *testing.T) {
	addr := startEchoListener(t)
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 0
	cfg.Pool.MaxPerEndpoint = 2
	cfg.Pool.WarmupConns = 0
	m := NewManager(cfg, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = m.Close() })

	type callResult struct {
		n    int
		resp *message.Response
		err  error
	}
	results := make(chan callResult, 10)
	for i := 0; i < 10; i++ {
		go func(n int) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			id := m.NextID()
			resp, err := m.Roundtrip(ctx, addr, echoFrame(id, fmt.Sprintf("payload-%d", n)))
			results <- callResult{n: n, resp: resp, err: err}
		}(i)
	}
	for i := 0; i < 10; i++ {
		r := <-results
		require.NoError(t, r.err)
		require.Equal(t, rpcerror.CodeOK, r.resp.Code)
		require.Equal(t, fmt.Sprintf("payload-%d", r.n), string(r.resp.Payload))
	}

	stats := m.Stats()
	require.Len(t, stats, 1)
	require.Equal(t, addr, stats[0].Endpoint)
	require.LessOrEqual(t, stats[0].Created, int64(2), "ten calls must share at most two conns")
	t.Logf("✅ 10 roundtrips over %d pooled conns", stats[0].Created)
}

// 连接池关闭时走独占连接：响应到达前绝不能把连接关掉。
func TestManagerRoundtripWithPoolDisabled(t *testing.T) {
	addr := startEchoListener(t)
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 0
	cfg.Pool.Enabled = false
	m := NewManager(cfg, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = m.Close() })

	for i := 0; i < 4; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		id := m.NextID()
		resp, err := m.Roundtrip(ctx, addr, echoFrame(id, fmt.Sprintf("dedicated-%d", i)))
		cancel()
		require.NoError(t, err, "call %d over a dedicated conn", i)
		require.Equal(t, rpcerror.CodeOK, resp.Code)
		require.Equal(t, fmt.Sprintf("dedicated-%d", i), string(resp.Payload))
	}

	// Dedicated conns are untracked but still accounted: one dialed and one
	// closed per call, nothing lingering.
	stats := m.Stats()
	require.Len(t, stats, 1)
	require.Equal(t, int64(4), stats[0].Created)
	require.Equal(t, int64(4), stats[0].Closed)
	require.Equal(t, 0, stats[0].Total)
	t.Logf("✅ 4 calls each rode a dedicated conn, closed only after the response")
}

func TestManagerNextIDMonotone(t *testing.T) {
	m := NewManager(DefaultConfig(), zaptest.NewLogger(t))
	t.Cleanup(func() { _ = m.Close() })
	prev := uint64(0)
	for i := 0; i < 100; i++ {
		id := m.NextID()
		require.Greater(t, id, prev)
		prev = id
	}
}

func TestManagerDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close()) // nothing listens here anymore

	cfg := DefaultConfig()
	cfg.Pool.WarmupConns = 0
	m := NewManager(cfg, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = m.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = m.Roundtrip(ctx, addr, echoFrame(m.NextID(), "nobody home"))
	require.ErrorIs(t, err, rpcerror.ErrConnectTimeout)
}

func TestManagerCloseRejectsRoundtrip(t *testing.T) {
	addr := startEchoListener(t)
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 0
	cfg.Pool.WarmupConns = 0
	m := NewManager(cfg, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := m.Roundtrip(ctx, addr, echoFrame(m.NextID(), "warm"))
	require.NoError(t, err)

	require.NoError(t, m.Close())
	_, err = m.Roundtrip(ctx, addr, echoFrame(m.NextID(), "late"))
	require.ErrorIs(t, err, rpcerror.ErrPoolClosed)
	require.NoError(t, m.Close()) // idempotent
}
