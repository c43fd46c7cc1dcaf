// Package retry classifies transient failures and schedules reattempts.
//
// Only transport-level failures are retried. Business errors, admission
// rejections, and auth failures are surfaced immediately: retrying them
// wastes budget and can double-apply side effects.
package retry

import (
	"context"
	"errors"
	"strings"
	"time"

	"flux-rpc/rpcerror"
)

// Policy yields the delay before each reattempt. Attempt numbering starts
// at 1 for the first retry.
type Policy interface {
	Retries() int
	Delay(attempt int) time.Duration
	Name() string
}

// Fixed waits the same interval between attempts.
type Fixed struct {
	Interval   time.Duration
	MaxRetries int
}

func (f Fixed) Retries() int            { return f.MaxRetries }
func (f Fixed) Delay(int) time.Duration { return f.Interval }
func (f Fixed) Name() string            { return "fixed" }

// Exponential grows the delay by Multiplier each attempt, capped at MaxDelay.
type Exponential struct {
	Base       time.Duration
	Multiplier float64
	MaxDelay   time.Duration
	MaxRetries int
}

func DefaultExponential() Exponential {
	return Exponential{
		Base:       time.Second,
		Multiplier: 2.0,
		MaxDelay:   10 * time.Second,
		MaxRetries: 3,
	}
}

func (e Exponential) Retries() int { return e.MaxRetries }

func (e Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(e.Base)
	for i := 1; i < attempt; i++ {
		d *= e.Multiplier
		if e.MaxDelay > 0 && d >= float64(e.MaxDelay) {
			return e.MaxDelay
		}
	}
	if e.MaxDelay > 0 && d > float64(e.MaxDelay) {
		return e.MaxDelay
	}
	return time.Duration(d)
}

func (e Exponential) Name() string { return "exponential" }

// Retriable reports whether an error is a transient transport failure worth
// reattempting. Rejections carrying intent (business failures, rate limits,
// auth) are never retriable, whatever their message says.
func Retriable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, rpcerror.ErrBusiness) ||
		errors.Is(err, rpcerror.ErrRateLimited) ||
		errors.Is(err, rpcerror.ErrUnauthenticated) ||
		errors.Is(err, rpcerror.ErrPermissionDenied) {
		return false
	}
	if errors.Is(err, rpcerror.ErrConnectTimeout) ||
		errors.Is(err, rpcerror.ErrRequestTimeout) ||
		errors.Is(err, rpcerror.ErrTransport) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"timeout", "connection refused", "connection reset", "no route to host"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Classifier decides whether an error should be retried. A nil Classifier
// means Retriable.
type Classifier func(error) bool

// Do runs op up to 1+policy.Retries() times. It stops early when op
// succeeds, when the error is not retriable, or when ctx is done during a
// backoff sleep. The last error is returned as-is.
func Do(ctx context.Context, p Policy, classify Classifier, op func(attempt int) error) error {
	if classify == nil {
		classify = Retriable
	}
	var err error
	for attempt := 0; ; attempt++ {
		err = op(attempt)
		if err == nil || !classify(err) || attempt >= p.Retries() {
			return err
		}
		if serr := Sleep(ctx, p.Delay(attempt+1)); serr != nil {
			return err
		}
	}
}

// Sleep waits for d unless ctx finishes first, in which case it returns
// ctx's error.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
