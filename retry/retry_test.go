package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"flux-rpc/rpcerror"
)

func TestExponentialDelayProgression(t *testing.T) {
	p := Exponential{Base: time.Second, Multiplier: 2.0, MaxDelay: 10 * time.Second, MaxRetries: 6}

	want := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second, // capped
		10 * time.Second,
	}
	for i, expect := range want {
		if got := p.Delay(i + 1); got != expect {
			t.Fatalf("attempt %d: delay %v, want %v", i+1, got, expect)
		}
	}
}

func TestFixedDelay(t *testing.T) {
	p := Fixed{Interval: 250 * time.Millisecond, MaxRetries: 2}
	for attempt := 1; attempt <= 3; attempt++ {
		if got := p.Delay(attempt); got != 250*time.Millisecond {
			t.Fatalf("attempt %d: delay %v", attempt, got)
		}
	}
}

func TestRetriable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"connect timeout", fmt.Errorf("dial: %w", rpcerror.ErrConnectTimeout), true},
		{"request timeout", rpcerror.ErrRequestTimeout, true},
		{"transport", fmt.Errorf("write: %w", rpcerror.ErrTransport), true},
		{"deadline", context.DeadlineExceeded, true},
		{"refused text", errors.New("dial tcp 127.0.0.1:9999: connection refused"), true},
		{"reset text", errors.New("read: Connection Reset by peer"), true},
		{"no route", errors.New("no route to host"), true},
		{"timeout text", errors.New("i/o timeout"), true},
		{"business", fmt.Errorf("order rejected: %w", rpcerror.ErrBusiness), false},
		{"business with timeout text", fmt.Errorf("payment timeout policy: %w", rpcerror.ErrBusiness), false},
		{"rate limited", rpcerror.ErrRateLimited, false},
		{"unauthenticated", rpcerror.ErrUnauthenticated, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retriable(tt.err); got != tt.want {
				t.Fatalf("Retriable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	p := Fixed{Interval: time.Millisecond, MaxRetries: 3}

	calls := 0
	err := Do(context.Background(), p, nil, func(attempt int) error {
		calls++
		if attempt < 2 {
			return fmt.Errorf("flaky: %w", rpcerror.ErrTransport)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Fatalf("op ran %d times, want 3", calls)
	}
}

func TestDoStopsOnNonRetriable(t *testing.T) {
	p := Fixed{Interval: time.Millisecond, MaxRetries: 5}

	calls := 0
	err := Do(context.Background(), p, nil, func(int) error {
		calls++
		return fmt.Errorf("no: %w", rpcerror.ErrBusiness)
	})
	if !errors.Is(err, rpcerror.ErrBusiness) {
		t.Fatalf("Do returned %v", err)
	}
	if calls != 1 {
		t.Fatalf("non-retriable error ran op %d times", calls)
	}
}

func TestDoExhaustsBudget(t *testing.T) {
	p := Fixed{Interval: time.Millisecond, MaxRetries: 3}

	calls := 0
	err := Do(context.Background(), p, nil, func(int) error {
		calls++
		return fmt.Errorf("down: %w", rpcerror.ErrConnectTimeout)
	})
	if !errors.Is(err, rpcerror.ErrConnectTimeout) {
		t.Fatalf("Do returned %v", err)
	}
	if calls != 4 {
		t.Fatalf("op ran %d times, want 1 initial + 3 retries", calls)
	}
}

func TestDoHonorsContextDuringBackoff(t *testing.T) {
	p := Fixed{Interval: time.Hour, MaxRetries: 3}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := Do(ctx, p, nil, func(int) error {
		return fmt.Errorf("down: %w", rpcerror.ErrTransport)
	})
	if !errors.Is(err, rpcerror.ErrTransport) {
		t.Fatalf("Do returned %v, want the last op error", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("Do slept through context cancellation")
	}
}

func TestDoCustomClassifier(t *testing.T) {
	p := Fixed{Interval: time.Millisecond, MaxRetries: 2}

	// A classifier that also retries open-breaker rejections.
	classify := func(err error) bool {
		return Retriable(err) || errors.Is(err, rpcerror.ErrCircuitOpen)
	}
	calls := 0
	err := Do(context.Background(), p, classify, func(attempt int) error {
		calls++
		if attempt == 0 {
			return rpcerror.ErrCircuitOpen
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Fatalf("Do = %v after %d calls", err, calls)
	}
}

func TestSleepReturnsEarlyOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("Sleep = %v, want context.Canceled", err)
	}
	if err := Sleep(context.Background(), 0); err != nil {
		t.Fatalf("zero sleep = %v", err)
	}
}
