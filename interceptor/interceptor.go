// Package interceptor implements the server-side processing chain wrapped
// around request dispatch.
//
// Interceptors run in priority order before the handler and in reverse order
// after it. Any interceptor can veto a request in PreProcess; the chain stops
// there and the response already carries the interceptor's verdict:
//
//	request ──→ security ──→ ratelimit ──→ accesslog ──→ handler
//	response ←── security ←── ratelimit ←── accesslog ←──┘
package interceptor

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"flux-rpc/auth"
	"flux-rpc/message"
	"flux-rpc/ratelimit"
	"flux-rpc/rpcerror"
)

// Chain positions for the built-in interceptors. Smaller runs earlier.
const (
	PrioritySecurity  = 10
	PriorityRateLimit = 20
	PriorityAccessLog = 90
)

// AttrPrincipal is the request attr under which the security interceptor
// publishes the authenticated principal for later interceptors.
const AttrPrincipal = "auth.principal"

// Interceptor hooks into the server dispatch path.
type Interceptor interface {
	// PreProcess runs before dispatch. Returning false rejects the request;
	// the interceptor fills resp with its verdict before returning.
	PreProcess(req *message.Request, resp *message.Response) bool
	// PostProcess runs after a successful dispatch, in reverse chain order.
	PostProcess(req *message.Request, resp *message.Response)
	// OnError runs when dispatch fails or panics.
	OnError(req *message.Request, resp *message.Response, err error)
	// Priority orders the chain; smaller runs earlier.
	Priority() int
	Name() string
}

// Chain is an ordered set of interceptors. Registration sorts by priority;
// ties keep registration order.
type Chain struct {
	log *zap.Logger

	mu   sync.RWMutex
	list []Interceptor
}

func NewChain(log *zap.Logger) *Chain {
	if log == nil {
		log = zap.NewNop()
	}
	return &Chain{log: log.Named("interceptor")}
}

// Add registers interceptors and re-sorts the chain.
func (c *Chain) Add(ins ...Interceptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list = append(c.list, ins...)
	sort.SliceStable(c.list, func(i, j int) bool {
		return c.list[i].Priority() < c.list[j].Priority()
	})
}

func (c *Chain) snapshot() []Interceptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Interceptor, len(c.list))
	copy(out, c.list)
	return out
}

// Names lists the chain in execution order.
func (c *Chain) Names() []string {
	ins := c.snapshot()
	names := make([]string, len(ins))
	for i, in := range ins {
		names[i] = in.Name()
	}
	return names
}

// ApplyPre runs the chain head to tail. The first veto short-circuits: later
// interceptors never see the request and the response keeps the rejecting
// interceptor's code and message.
func (c *Chain) ApplyPre(req *message.Request, resp *message.Response) error {
	for _, in := range c.snapshot() {
		if in.PreProcess(req, resp) {
			continue
		}
		if resp.Code == 0 {
			// The interceptor vetoed without a verdict; don't send an
			// empty response.
			resp.Fail(rpcerror.CodeInternal, fmt.Sprintf("request rejected by %s", in.Name()))
		}
		c.log.Debug("request rejected",
			zap.String("interceptor", in.Name()),
			zap.String("method", req.MethodKey()),
			zap.Int32("code", resp.Code))
		return fmt.Errorf("interceptor: %s rejected %s: %w", in.Name(), req.MethodKey(), rpcerror.ErrInterceptorRejected)
	}
	return nil
}

// ApplyPost runs the chain tail to head after a successful dispatch.
func (c *Chain) ApplyPost(req *message.Request, resp *message.Response) {
	ins := c.snapshot()
	for i := len(ins) - 1; i >= 0; i-- {
		ins[i].PostProcess(req, resp)
	}
}

// ApplyOnError notifies the whole chain of a dispatch failure.
func (c *Chain) ApplyOnError(req *message.Request, resp *message.Response, err error) {
	ins := c.snapshot()
	for i := len(ins) - 1; i >= 0; i-- {
		ins[i].OnError(req, resp, err)
	}
}

// DefaultChain wires the standard server chain: security first, then rate
// limiting. Either manager may be nil; its interceptor then waves requests
// through.
func DefaultChain(authMgr *auth.Manager, limits *ratelimit.Manager, log *zap.Logger) *Chain {
	c := NewChain(log)
	c.Add(NewSecurity(authMgr, log), NewRateLimit(limits))
	return c
}
