// Package client implements the calling side: discovery, load balancing,
// circuit breaking, retries, pooled multiplexed transports and response
// decoding behind one Call.
//
// Call pipeline:
//
//	build request → client span → breaker admission
//	  → retry loop { select endpoint → roundtrip over pooled conn }
//	  → map response code to error → decode payload → record metrics
package client

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"flux-rpc/auth"
	"flux-rpc/breaker"
	"flux-rpc/codec"
	"flux-rpc/loadbalance"
	"flux-rpc/message"
	"flux-rpc/metrics"
	"flux-rpc/pool"
	"flux-rpc/protocol"
	"flux-rpc/registry"
	"flux-rpc/retry"
	"flux-rpc/rpcerror"
	"flux-rpc/shutdown"
	"flux-rpc/trace"
	"flux-rpc/transport"
)

// Spec identifies the service a call targets. Group defaults to "default"
// and version to "1.0", matching the server-side registration defaults.
type Spec struct {
	Interface string
	Group     string
	Version   string
}

func (s Spec) withDefaults() Spec {
	if s.Group == "" {
		s.Group = "default"
	}
	if s.Version == "" {
		s.Version = "1.0"
	}
	return s
}

// Key is the identity used for discovery, breakers and metrics, with the
// group and version defaults applied.
func (s Spec) Key() string {
	s = s.withDefaults()
	return message.ServiceKey(s.Interface, s.Group, s.Version)
}

// Client issues calls to remote services.
type Client struct {
	log   *zap.Logger
	clock clockwork.Clock

	reg      registry.Registry
	selector *loadbalance.Selector
	tm       *transport.Manager

	codec       codec.Codec
	compressTag byte
	timeout     time.Duration

	retryPolicy retry.Policy
	breakers    *breaker.Manager
	traces      *trace.Manager
	metrics     *metrics.Collector
	tokenFn     func() string

	tokens    chan struct{}
	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New builds a client over the given registry. Options select the balancer,
// codec, compressor, retry policy and the resilience managers.
func New(reg registry.Registry, opts ...Option) (*Client, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	cdc, err := codec.ByName(o.codecName)
	if err != nil {
		return nil, err
	}
	compressTag, err := resolveCompressor(o.compressName)
	if err != nil {
		return nil, err
	}
	selector, err := loadbalance.NewSelector(reg, o.balancer)
	if err != nil {
		return nil, err
	}

	c := &Client{
		log:         o.logger.Named("client"),
		clock:       o.clock,
		reg:         reg,
		selector:    selector,
		codec:       cdc,
		compressTag: compressTag,
		timeout:     o.transport.RequestTimeout,
		retryPolicy: o.retryPolicy,
		breakers:    o.breakers,
		traces:      o.traces,
		metrics:     o.metrics,
		tokenFn:     o.tokenFn,
		tokens:      make(chan struct{}, 2*o.maxPending),
	}
	c.tm = transport.NewManagerWithClock(o.transport, o.logger, o.clock)
	if o.metrics != nil {
		c.tm.SetGauges(o.metrics)
	}
	return c, nil
}

// Call invokes service.method with args and decodes the reply into result.
// result may be nil for fire-and-forget semantics; args may be nil for
// parameterless methods.
func (c *Client) Call(ctx context.Context, svc Spec, method string, args, result any) error {
	if c.closing.Load() {
		return fmt.Errorf("client: closed: %w", rpcerror.ErrPoolClosed)
	}
	svc = svc.withDefaults()

	// Step 1: build the request envelope once; every retry reuses it.
	req, err := c.buildRequest(svc, method, args)
	if err != nil {
		return err
	}

	// Step 2: open a client span and ride its IDs on the request.
	if c.traces != nil {
		var span *trace.Span
		ctx, span = c.traces.StartChild(ctx, svc.Key(), method)
		span.Inject(req)
	}

	start := c.clock.Now()
	err = c.invoke(ctx, req, result)

	if c.metrics != nil {
		c.metrics.Record(svc.Key(), method, c.clock.Now().Sub(start).Milliseconds(), err)
	}
	if c.traces != nil {
		if err != nil {
			c.traces.FinishWithError(ctx, err)
		} else {
			c.traces.Finish(ctx)
		}
	}
	return err
}

// invoke runs breaker admission and the retry loop around roundtrip.
func (c *Client) invoke(ctx context.Context, req *message.Request, result any) error {
	service := req.ServiceKey()

	if c.breakers != nil && !c.breakers.Allow(service) {
		return fmt.Errorf("client: circuit open for %s: %w", service, rpcerror.ErrCircuitOpen)
	}

	err := retry.Do(ctx, c.retryPolicy, retry.Retriable, func(attempt int) error {
		if attempt > 0 {
			c.log.Debug("retrying call",
				zap.String("method", req.MethodKey()), zap.Int("attempt", attempt))
		}
		return c.roundtrip(ctx, req, result)
	})

	if c.breakers != nil {
		// Wire-level failures trip the circuit; verdicts from a live server
		// (business, auth, throttle) do not.
		if err == nil {
			c.breakers.RecordSuccess(service)
		} else if retry.Retriable(err) {
			c.breakers.RecordFailure(service)
		}
	}
	return err
}

// roundtrip performs one attempt: pick an endpoint, frame the request with a
// fresh ID, send over a pooled conn, map the verdict, decode the payload.
func (c *Client) roundtrip(ctx context.Context, req *message.Request, result any) error {
	inst, err := c.selector.SelectEndpoint(req)
	if err != nil {
		return err
	}

	req.TimestampMs = c.clock.Now().UnixMilli()
	frame := &protocol.Message{
		Type:        protocol.MsgTypeRequest,
		CodecTag:    c.codec.Type(),
		CompressTag: c.compressTag,
		// A fresh ID per attempt: a late answer to an abandoned attempt
		// must never satisfy its retry.
		RequestID: c.tm.NextID(),
		Body:      req,
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp, err := c.tm.Roundtrip(ctx, inst.Addr, frame)
	if err != nil {
		return err
	}
	if err := responseError(resp); err != nil {
		return err
	}
	if result != nil && len(resp.Payload) > 0 {
		if err := codec.DecodeByTag(c.codec.Type(), resp.Payload, result); err != nil {
			return fmt.Errorf("client: decode result: %v: %w", err, rpcerror.ErrDecode)
		}
	}
	return nil
}

func (c *Client) buildRequest(svc Spec, method string, args any) (*message.Request, error) {
	req := &message.Request{
		Interface: svc.Interface,
		Method:    method,
		Version:   svc.Version,
		Group:     svc.Group,
	}
	if args != nil {
		payload, err := c.codec.Encode(args)
		if err != nil {
			return nil, fmt.Errorf("client: encode args for %s: %v: %w", method, err, rpcerror.ErrSerialization)
		}
		req.Payload = payload
		// Kept off the wire; the consistent-hash balancer keys on it.
		req.Params = []any{args}
	}
	if c.tokenFn != nil {
		req.Token = c.tokenFn()
	}
	return req, nil
}

// responseError converts a non-OK response into the matching sentinel error.
func responseError(resp *message.Response) error {
	switch resp.Code {
	case rpcerror.CodeOK:
		return nil
	case rpcerror.CodeUnauthorized:
		if code, _ := resp.Extension(message.ExtErrorCode); code == auth.CodeInsufficientPermissions {
			return fmt.Errorf("client: %s: %w", resp.Message, rpcerror.ErrPermissionDenied)
		}
		return fmt.Errorf("client: %s: %w", resp.Message, rpcerror.ErrUnauthenticated)
	case rpcerror.CodeRateLimited:
		if after, ok := resp.Extension(message.ExtRetryAfter); ok {
			return fmt.Errorf("client: %s, retry after %ss: %w", resp.Message, after, rpcerror.ErrRateLimited)
		}
		return fmt.Errorf("client: %s: %w", resp.Message, rpcerror.ErrRateLimited)
	default:
		if code, _ := resp.Extension(message.ExtErrorCode); code == "SATURATED" {
			return fmt.Errorf("client: %s: %w", resp.Message, rpcerror.ErrSaturated)
		}
		return fmt.Errorf("client: %s: %w", resp.Message, rpcerror.ErrBusiness)
	}
}

// PoolStats snapshots every endpoint pool for observability.
func (c *Client) PoolStats() []pool.Stats {
	return c.tm.Stats()
}

// Hook adapts the client for the shutdown manager at pool priority.
func (c *Client) Hook() shutdown.Hook {
	return &shutdown.FuncHook{
		HookName: "client",
		Order:    shutdown.PriorityPool,
		Fn:       func(context.Context) error { return c.Close() },
	}
}

// Close drains the endpoint pools and refuses further calls. Idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		c.closeErr = c.tm.Close()
		c.log.Info("client closed")
	})
	return c.closeErr
}
