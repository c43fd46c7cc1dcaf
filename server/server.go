// Package server implements the RPC listener: service registration, the
// interceptor chain, bounded parallel dispatch and graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → for each request: worker goroutine (bounded by the dispatch semaphore)
//	    → decode envelope → interceptor pre → map dispatch → encode result
//	    → interceptor post → write response under the conn write mutex
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"flux-rpc/auth"
	"flux-rpc/codec"
	"flux-rpc/interceptor"
	"flux-rpc/message"
	"flux-rpc/metrics"
	"flux-rpc/protocol"
	"flux-rpc/ratelimit"
	"flux-rpc/registry"
	"flux-rpc/rpcerror"
	"flux-rpc/shutdown"
	"flux-rpc/trace"
)

const (
	// DefaultMaxPending bounds concurrent dispatch; the worker semaphore
	// holds twice this many tokens.
	DefaultMaxPending = 1000

	// DefaultGraceTimeout is the drain budget during shutdown.
	DefaultGraceTimeout = 30 * time.Second
)

// Option configures a Server at construction time.
type Option func(*Server)

// WithLogger replaces the no-op default logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithRegistry announces every registered service for discovery.
func WithRegistry(reg registry.Registry) Option {
	return func(s *Server) { s.reg = reg }
}

// WithAdvertiseAddr sets the address written to the registry. The listener
// address often isn't routable (":0", "[::]:8080"); this one must be.
func WithAdvertiseAddr(addr string) Option {
	return func(s *Server) { s.advertiseAddr = addr }
}

// WithAuth enables the security interceptor backed by this manager.
func WithAuth(m *auth.Manager) Option {
	return func(s *Server) { s.authMgr = m }
}

// WithRateLimit enables the rate-limit interceptor backed by this manager.
func WithRateLimit(m *ratelimit.Manager) Option {
	return func(s *Server) { s.limits = m }
}

// WithMetrics records per-method call stats into the collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Server) { s.metrics = c }
}

// WithTrace continues caller traces through server spans.
func WithTrace(m *trace.Manager) Option {
	return func(s *Server) { s.traces = m }
}

// WithInterceptor appends extra interceptors behind the default chain.
func WithInterceptor(ins ...interceptor.Interceptor) Option {
	return func(s *Server) { s.extraIns = append(s.extraIns, ins...) }
}

// WithMaxPending bounds concurrent dispatch at 2×n workers.
func WithMaxPending(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxPending = n
		}
	}
}

// WithGraceTimeout overrides the shutdown drain budget.
func WithGraceTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.grace = d
		}
	}
}

// WithClock substitutes the time source. Tests use a fake.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Server) { s.clock = clock }
}

// Server accepts framed connections and dispatches requests to registered
// services.
type Server struct {
	addr          string
	advertiseAddr string
	log           *zap.Logger
	clock         clockwork.Clock

	reg      registry.Registry
	chain    *interceptor.Chain
	authMgr  *auth.Manager
	limits   *ratelimit.Manager
	metrics  *metrics.Collector
	traces   *trace.Manager
	extraIns []interceptor.Interceptor

	maxPending int
	grace      time.Duration
	sem        chan struct{}

	mu       sync.Mutex
	services map[string]*Service
	listener net.Listener
	conns    map[net.Conn]struct{}

	inflight sync.WaitGroup
	closing  atomic.Bool
}

// New builds a server listening on addr once Serve or Start is called.
func New(addr string, opts ...Option) *Server {
	s := &Server{
		addr:       addr,
		log:        zap.NewNop(),
		clock:      clockwork.NewRealClock(),
		maxPending: DefaultMaxPending,
		grace:      DefaultGraceTimeout,
		services:   make(map[string]*Service),
		conns:      make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("server")
	s.sem = make(chan struct{}, 2*s.maxPending)
	s.chain = interceptor.DefaultChain(s.authMgr, s.limits, s.log)
	if len(s.extraIns) > 0 {
		s.chain.Add(s.extraIns...)
	}
	return s
}

// RegisterService adds a service to the dispatch table. Duplicate keys are
// rejected; register groups or versions under distinct keys instead.
func (s *Server) RegisterService(svc *Service) error {
	if err := svc.validate(); err != nil {
		return err
	}
	key := svc.Key()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.services[key]; ok {
		return fmt.Errorf("server: service %s already registered", key)
	}
	s.services[key] = svc
	s.log.Info("service registered",
		zap.String("service", key),
		zap.Strings("methods", svc.Methods()))
	return nil
}

// Serve listens on the configured address and blocks in the accept loop
// until Shutdown. Returns nil after a clean shutdown.
func (s *Server) Serve() error {
	ln, err := s.listen()
	if err != nil {
		return err
	}
	return s.acceptLoop(ln)
}

// Start is the non-blocking variant: it binds the listener, announces the
// services and keeps accepting in the background.
func (s *Server) Start() error {
	ln, err := s.listen()
	if err != nil {
		return err
	}
	go func() { _ = s.acceptLoop(ln) }()
	return nil
}

// Addr is the bound listener address. Empty before Serve/Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Hook adapts the server for the shutdown manager at server priority.
func (s *Server) Hook() shutdown.Hook {
	return &shutdown.FuncHook{
		HookName: "server",
		Order:    shutdown.PriorityServer,
		Deadline: s.grace,
		Fn:       s.Shutdown,
	}
}

func (s *Server) listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("server: listen %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	if s.advertiseAddr == "" {
		s.advertiseAddr = ln.Addr().String()
	}
	s.mu.Unlock()

	if err := s.announce(); err != nil {
		_ = ln.Close()
		return nil, err
	}
	s.log.Info("server listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("advertise", s.advertiseAddr))
	return ln, nil
}

func (s *Server) acceptLoop(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			// Shutdown closes the listener; that error is expected.
			if s.closing.Load() {
				return nil
			}
			return fmt.Errorf("server: accept: %w", err)
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		go s.handleConn(conn)
	}
}

// announce writes every service key to the registry under the advertise
// address.
func (s *Server) announce() error {
	if s.reg == nil {
		return nil
	}
	s.mu.Lock()
	keys := make([]string, 0, len(s.services))
	for key := range s.services {
		keys = append(keys, key)
	}
	addr := s.advertiseAddr
	s.mu.Unlock()
	for _, key := range keys {
		if err := s.reg.Register(key, registry.ServiceInstance{Addr: addr, Weight: 1}); err != nil {
			return fmt.Errorf("server: announce %s: %w", key, err)
		}
	}
	return nil
}

func (s *Server) withdraw() {
	if s.reg == nil {
		return
	}
	s.mu.Lock()
	keys := make([]string, 0, len(s.services))
	for key := range s.services {
		keys = append(keys, key)
	}
	addr := s.advertiseAddr
	s.mu.Unlock()
	for _, key := range keys {
		if err := s.reg.Deregister(key, registry.ServiceInstance{Addr: addr}); err != nil {
			s.log.Warn("deregister failed", zap.String("service", key), zap.Error(err))
		}
	}
}

// handleConn reads frames sequentially and fans each request out to a
// worker. The write mutex is shared by every worker on this conn so
// response frames never interleave.
func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	writeMu := &sync.Mutex{}
	for {
		frame, raw, err := protocol.DecodeFrame(conn)
		if err != nil {
			// EOF, a broken peer, or a protocol violation. Either way the
			// conn is done; violations are not recoverable mid-stream.
			if s.closing.Load() {
				return
			}
			s.log.Debug("connection closed", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
			return
		}
		if frame.Type == protocol.MsgTypeHeartbeat {
			continue
		}
		payload, err := protocol.DecodePayload(frame, raw)
		if err != nil {
			// The frame was fully consumed, so the stream is still in sync:
			// only this one request is lost, not the connection.
			s.writeBadPayload(conn, writeMu, frame, err)
			continue
		}

		select {
		case s.sem <- struct{}{}:
		default:
			// Every worker is busy. Refuse without dispatching so overload
			// sheds instead of queueing.
			s.writeSaturated(conn, writeMu, frame)
			continue
		}
		s.inflight.Add(1)
		go func(frame *protocol.Message, payload []byte) {
			defer s.inflight.Done()
			defer func() { <-s.sem }()
			s.handleRequest(conn, writeMu, frame, payload)
		}(frame, payload)
	}
}

// handleRequest runs one request through the full pipeline.
func (s *Server) handleRequest(conn net.Conn, writeMu *sync.Mutex, frame *protocol.Message, payload []byte) {
	start := s.clock.Now()

	// Step 1: decode the request envelope with the frame's codec.
	var req message.Request
	if err := protocol.DecodeBody(frame.CodecTag, payload, &req); err != nil {
		s.log.Warn("malformed request envelope",
			zap.Uint64("requestId", frame.RequestID), zap.Error(err))
		resp := &message.Response{}
		resp.Fail(rpcerror.CodeInternal, "malformed request: "+err.Error())
		s.writeResponse(conn, writeMu, frame, resp)
		return
	}
	req.SetWireCodec(frame.CodecTag)
	if req.ClientAddr == "" {
		req.ClientAddr = conn.RemoteAddr().String()
	}

	// Step 2: continue the caller's trace in a server span.
	ctx := context.Background()
	if s.traces != nil {
		ctx, _ = s.traces.StartServerSpan(ctx, &req)
	}

	resp := &message.Response{Code: rpcerror.CodeOK, Message: "ok"}

	// Step 3: interceptor chain. A veto already filled the response.
	if err := s.chain.ApplyPre(&req, resp); err != nil {
		s.finish(ctx, &req, start, err)
		s.writeResponse(conn, writeMu, frame, resp)
		return
	}

	// Step 4: dispatch to the handler.
	out, err := s.dispatch(ctx, &req)
	if err != nil {
		resp.Fail(rpcerror.StatusCode(err), err.Error())
		s.chain.ApplyOnError(&req, resp, err)
		s.finish(ctx, &req, start, err)
		s.writeResponse(conn, writeMu, frame, resp)
		return
	}

	// Step 5: encode the result into the response payload.
	if out != nil {
		data, err := codec.EncodeByTag(frame.CodecTag, out)
		if err != nil {
			err = fmt.Errorf("server: encode result for %s: %v: %w", req.MethodKey(), err, rpcerror.ErrSerialization)
			resp.Fail(rpcerror.CodeInternal, err.Error())
			s.chain.ApplyOnError(&req, resp, err)
			s.finish(ctx, &req, start, err)
			s.writeResponse(conn, writeMu, frame, resp)
			return
		}
		resp.Payload = data
	}

	// Step 6: post chain, then write.
	s.chain.ApplyPost(&req, resp)
	s.finish(ctx, &req, start, nil)
	s.writeResponse(conn, writeMu, frame, resp)
}

// dispatch resolves the service and method and runs the handler. A panic in
// a handler becomes a business error instead of killing the connection.
func (s *Server) dispatch(ctx context.Context, req *message.Request) (out any, err error) {
	s.mu.Lock()
	svc, ok := s.services[req.ServiceKey()]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("server: service %s not registered: %w", req.ServiceKey(), rpcerror.ErrServiceNotFound)
	}
	h, ok := svc.handler(req.Method)
	if !ok {
		return nil, fmt.Errorf("server: method %s not found on %s: %w", req.Method, req.ServiceKey(), rpcerror.ErrServiceNotFound)
	}

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("handler panicked",
				zap.String("method", req.MethodKey()), zap.Any("panic", r))
			out, err = nil, fmt.Errorf("server: handler %s panicked: %v: %w", req.MethodKey(), r, rpcerror.ErrBusiness)
		}
	}()
	return h(ctx, req)
}

func (s *Server) finish(ctx context.Context, req *message.Request, start time.Time, err error) {
	if s.metrics != nil {
		s.metrics.Record(req.ServiceKey(), req.Method, s.clock.Now().Sub(start).Milliseconds(), err)
	}
	if s.traces != nil {
		if err != nil {
			s.traces.FinishWithError(ctx, err)
		} else {
			s.traces.Finish(ctx)
		}
	}
}

// writeBadPayload answers a frame whose payload stage failed: corrupt
// compression or an unknown codec or compressor tag. The frame's own tags
// cannot be trusted for the reply, so it goes out as plain uncompressed JSON.
func (s *Server) writeBadPayload(conn net.Conn, writeMu *sync.Mutex, frame *protocol.Message, err error) {
	s.log.Warn("bad request payload",
		zap.Uint64("requestId", frame.RequestID), zap.Error(err))
	resp := &message.Response{}
	resp.Fail(rpcerror.CodeInternal, "bad payload: "+err.Error())
	out := &protocol.Message{
		Type:      protocol.MsgTypeResponse,
		CodecTag:  codec.TypeJSON,
		RequestID: frame.RequestID,
		Body:      resp,
	}
	writeMu.Lock()
	werr := protocol.Encode(conn, out)
	writeMu.Unlock()
	if werr != nil {
		s.log.Warn("write response failed",
			zap.Uint64("requestId", frame.RequestID), zap.Error(werr))
	}
}

func (s *Server) writeSaturated(conn net.Conn, writeMu *sync.Mutex, frame *protocol.Message) {
	resp := &message.Response{}
	resp.Fail(rpcerror.CodeInternal, "server saturated, retry later")
	resp.SetExtension(message.ExtErrorCode, "SATURATED")
	s.log.Warn("dispatch saturated", zap.Uint64("requestId", frame.RequestID))
	s.writeResponse(conn, writeMu, frame, resp)
}

func (s *Server) writeResponse(conn net.Conn, writeMu *sync.Mutex, frame *protocol.Message, resp *message.Response) {
	out := &protocol.Message{
		Type:        protocol.MsgTypeResponse,
		CodecTag:    frame.CodecTag,
		CompressTag: frame.CompressTag,
		RequestID:   frame.RequestID, // same ID: this is how the client correlates
		Body:        resp,
	}
	writeMu.Lock()
	err := protocol.Encode(conn, out)
	writeMu.Unlock()
	if err != nil {
		s.log.Warn("write response failed",
			zap.Uint64("requestId", frame.RequestID), zap.Error(err))
	}
}

// Shutdown drains the server. Order matters: deregister first so clients
// stop routing new work here, stop accepting, wait out in-flight requests,
// then force-close whatever is still connected. Idempotent.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}
	start := s.clock.Now()
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.grace)
		defer cancel()
	}

	// Step 1: withdraw from discovery.
	s.withdraw()

	// Step 2: stop accepting.
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}

	// Step 3: drain in-flight requests up to the caller's budget.
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	var drainErr error
	select {
	case <-done:
	case <-ctx.Done():
		drainErr = fmt.Errorf("server: drain aborted: %w", ctx.Err())
	}

	// Step 4: force-close surviving conns.
	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.conns = make(map[net.Conn]struct{})
	s.mu.Unlock()

	s.log.Info("server stopped",
		zap.Duration("took", s.clock.Now().Sub(start)),
		zap.Bool("drained", drainErr == nil))
	return drainErr
}
