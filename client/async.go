package client

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"flux-rpc/rpcerror"
)

// AsyncCall is the handle for an in-flight Go invocation. When the call
// completes, Err and Result are set and the handle is delivered on Done.
type AsyncCall struct {
	Service Spec
	Method  string
	Args    any
	Result  any
	Err     error
	Done    chan *AsyncCall
}

// Go invokes the method asynchronously. It returns the AsyncCall handle
// immediately; completion is signalled on done (allocated with capacity 1
// when nil, must be buffered otherwise). Admission is bounded: once twice
// the configured pending limit is in flight, Go rejects instead of queueing.
func (c *Client) Go(ctx context.Context, svc Spec, method string, args, result any, done chan *AsyncCall) (*AsyncCall, error) {
	if c.closing.Load() {
		return nil, fmt.Errorf("client: closed: %w", rpcerror.ErrPoolClosed)
	}
	if done == nil {
		done = make(chan *AsyncCall, 1)
	} else if cap(done) == 0 {
		return nil, fmt.Errorf("client: done channel must be buffered: %w", rpcerror.ErrSaturated)
	}

	select {
	case c.tokens <- struct{}{}:
	default:
		return nil, fmt.Errorf("client: too many in-flight async calls: %w", rpcerror.ErrSaturated)
	}

	call := &AsyncCall{
		Service: svc.withDefaults(),
		Method:  method,
		Args:    args,
		Result:  result,
		Done:    done,
	}
	go func() {
		defer func() { <-c.tokens }()
		call.Err = c.Call(ctx, call.Service, method, args, result)
		c.deliver(call)
	}()
	return call, nil
}

// BatchCall describes one call in a batch. Result, when non-nil, receives
// the decoded payload; Err holds the call's individual outcome after
// CallBatch returns.
type BatchCall struct {
	Service Spec
	Method  string
	Args    any
	Result  any
	Err     error
}

// CallBatch issues every call concurrently over the async façade and waits
// until all of them have settled. Each entry's Err is filled on its own; the
// returned error aggregates the failures so a caller can test the whole
// batch at once. Admission shares the async in-flight budget: an entry
// rejected at saturation fails with ErrSaturated without holding up the rest.
func (c *Client) CallBatch(ctx context.Context, calls []*BatchCall) error {
	if len(calls) == 0 {
		return nil
	}
	done := make(chan *AsyncCall, len(calls))
	pending := make(map[*AsyncCall]*BatchCall, len(calls))
	for _, bc := range calls {
		ac, err := c.Go(ctx, bc.Service, bc.Method, bc.Args, bc.Result, done)
		if err != nil {
			bc.Err = err
			continue
		}
		pending[ac] = bc
	}
	for i := 0; i < len(pending); i++ {
		ac := <-done
		pending[ac].Err = ac.Err
	}

	var errs error
	for _, bc := range calls {
		if bc.Err != nil {
			errs = multierr.Append(errs,
				fmt.Errorf("%s#%s: %w", bc.Service.Key(), bc.Method, bc.Err))
		}
	}
	return errs
}

// deliver hands the completed call back without ever blocking the worker.
// A full done channel means the caller stopped listening; the completion is
// dropped and logged rather than wedging the client.
func (c *Client) deliver(call *AsyncCall) {
	select {
	case call.Done <- call:
	default:
		c.log.Warn("async completion dropped, done channel full",
			zap.String("service", call.Service.Key()),
			zap.String("method", call.Method))
	}
}
