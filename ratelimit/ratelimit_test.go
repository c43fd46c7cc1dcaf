package ratelimit

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestTokenBucketBurst(t *testing.T) {
	// Rate 10/s, capacity 20: a cold bucket admits exactly the burst.
	b := NewTokenBucket(10, 20)

	allowed, denied := 0, 0
	for i := 0; i < 25; i++ {
		if b.Allow() {
			allowed++
		} else {
			denied++
		}
	}
	if allowed != 20 || denied != 5 {
		t.Fatalf("burst of 25: allowed %d denied %d, want 20/5", allowed, denied)
	}
}

func TestTokenBucketRefills(t *testing.T) {
	b := NewTokenBucket(100, 5)

	for i := 0; i < 5; i++ {
		if !b.Allow() {
			t.Fatalf("initial burst rejected at %d", i)
		}
	}
	if b.Allow() {
		t.Fatal("empty bucket admitted a request")
	}

	// 100/s refill: 50 ms buys back ~5 tokens.
	time.Sleep(60 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("bucket did not refill")
	}
}

func TestSlidingWindowCeiling(t *testing.T) {
	clock := clockwork.NewFakeClock()
	w := NewSlidingWindowWithClock(10, 10, clock)

	allowed := 0
	for i := 0; i < 15; i++ {
		if w.Allow() {
			allowed++
		}
	}
	if allowed != 10 {
		t.Fatalf("window admitted %d, want 10", allowed)
	}

	// A full second later every slice is stale and the budget is fresh.
	clock.Advance(time.Second)
	allowed = 0
	for i := 0; i < 15; i++ {
		if w.Allow() {
			allowed++
		}
	}
	if allowed != 10 {
		t.Fatalf("window after reset admitted %d, want 10", allowed)
	}
}

func TestSlidingWindowSlidesGradually(t *testing.T) {
	clock := clockwork.NewFakeClock()
	w := NewSlidingWindowWithClock(10, 10, clock)

	// Fill the budget inside the first slice.
	for i := 0; i < 10; i++ {
		if !w.Allow() {
			t.Fatalf("fill rejected at %d", i)
		}
	}
	if w.Allow() {
		t.Fatal("over-budget request admitted")
	}

	// Half a second on, the old slice is still inside the window.
	clock.Advance(500 * time.Millisecond)
	if w.Allow() {
		t.Fatal("window slid too early")
	}

	// Once the burst slice ages out, capacity returns.
	clock.Advance(600 * time.Millisecond)
	if !w.Allow() {
		t.Fatal("window never slid past the burst")
	}
}

func TestManagerIsolatesKeys(t *testing.T) {
	m := NewManager(Config{Algorithm: AlgorithmTokenBucket, Rate: 10, Capacity: 2}, nil)

	hot := IPKey("10.0.0.1")
	cold := IPKey("10.0.0.2")

	if !m.Allow(hot) || !m.Allow(hot) {
		t.Fatal("burst rejected")
	}
	if m.Allow(hot) {
		t.Fatal("hot key over budget admitted")
	}
	if !m.Allow(cold) {
		t.Fatal("cold key rejected because of hot key")
	}
}

func TestManagerKeyDimensions(t *testing.T) {
	if IPKey("1.2.3.4") != "ip:1.2.3.4" {
		t.Fatal(IPKey("1.2.3.4"))
	}
	if UserKey("alice") != "user:alice" {
		t.Fatal(UserKey("alice"))
	}
	if ServiceKey("orders#default#1.0") != "service:orders#default#1.0" {
		t.Fatal(ServiceKey("orders#default#1.0"))
	}
	if MethodKey("orders#default#1.0", "get") != "method:orders#default#1.0#get" {
		t.Fatal(MethodKey("orders#default#1.0", "get"))
	}
}

func TestManagerReportFlagsHeavyRejection(t *testing.T) {
	m := NewManager(Config{Algorithm: AlgorithmTokenBucket, Rate: 1, Capacity: 1}, nil)

	key := ServiceKey("orders#default#1.0")
	for i := 0; i < 10; i++ {
		m.Allow(key)
	}
	quiet := ServiceKey("users#default#1.0")
	m.Allow(quiet)

	reports := m.Report()
	if len(reports) != 2 {
		t.Fatalf("got %d reports", len(reports))
	}
	// Sorted by key: orders before users.
	if reports[0].Key != key || !reports[0].Alert {
		t.Fatalf("hot key report: %+v", reports[0])
	}
	if reports[0].Allowed != 1 || reports[0].Denied != 9 {
		t.Fatalf("hot key counters: %+v", reports[0])
	}
	if reports[1].Alert {
		t.Fatalf("quiet key alerted: %+v", reports[1])
	}
}

func TestManagerSlidingWindowAlgorithm(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := NewManagerWithClock(Config{Algorithm: AlgorithmSlidingWindow, Rate: 3, WindowSlices: 10}, nil, clock)

	key := MethodKey("orders#default#1.0", "list")
	admitted := 0
	for i := 0; i < 5; i++ {
		if m.Allow(key) {
			admitted++
		}
	}
	if admitted != 3 {
		t.Fatalf("sliding window admitted %d, want 3", admitted)
	}
}

func TestManagerSlidingWindowCeilingIsRate(t *testing.T) {
	// 窗口上限是 Rate（默认 100），Capacity 只属于令牌桶。
	clock := clockwork.NewFakeClock()
	m := NewManagerWithClock(Config{Algorithm: AlgorithmSlidingWindow}, nil, clock)

	key := ServiceKey("orders#default#1.0")
	admitted := 0
	for i := 0; i < 300; i++ {
		if m.Allow(key) {
			admitted++
		}
	}
	if admitted != int(DefaultConfig().Rate) {
		t.Fatalf("sliding window admitted %d, want %v", admitted, DefaultConfig().Rate)
	}
}
