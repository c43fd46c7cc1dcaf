package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func findStats(t *testing.T, list []Stats, name string) Stats {
	t.Helper()
	for _, s := range list {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("no stats named %q in %v", name, list)
	return Stats{}
}

func TestRecordCounters(t *testing.T) {
	c := NewCollectorWithClock(nil, clockwork.NewFakeClock())
	defer c.Close()

	c.Record("user.service#default#1.0", "getUser", 10, nil)
	c.Record("user.service#default#1.0", "getUser", 30, nil)
	c.Record("user.service#default#1.0", "getUser", 20, errors.New("boom"))

	snap := c.Snapshot()
	svc := findStats(t, snap.Services, "user.service#default#1.0")
	if svc.Total != 3 || svc.Success != 2 || svc.Failed != 1 {
		t.Errorf("service counters = %+v", svc)
	}
	if svc.MinMs != 10 || svc.MaxMs != 30 {
		t.Errorf("min/max = %d/%d, want 10/30", svc.MinMs, svc.MaxMs)
	}
	if svc.AvgMs != 20 {
		t.Errorf("AvgMs = %v, want 20", svc.AvgMs)
	}

	m := findStats(t, snap.Methods, "user.service#default#1.0#getUser")
	if m.Total != 3 {
		t.Errorf("method total = %d, want 3", m.Total)
	}
	t.Logf("✅ service %s: total=%d avg=%.1fms", svc.Name, svc.Total, svc.AvgMs)
}

func TestPercentiles(t *testing.T) {
	c := NewCollectorWithClock(nil, clockwork.NewFakeClock())
	defer c.Close()

	// 1..100 ms, each once
	for i := 1; i <= 100; i++ {
		c.Record("svc", "m", int64(i), nil)
	}
	m := findStats(t, c.Snapshot().Methods, "svc#m")
	if m.P95Ms != 96 {
		t.Errorf("P95 = %d, want 96", m.P95Ms)
	}
	if m.P99Ms != 100 {
		t.Errorf("P99 = %d, want 100", m.P99Ms)
	}
}

func TestSampleRingHalvesOnOverflow(t *testing.T) {
	c := NewCollectorWithClock(nil, clockwork.NewFakeClock())
	defer c.Close()

	for i := 0; i < sampleCap+1; i++ {
		c.Record("svc", "m", int64(i), nil)
	}

	v, ok := c.methods.Load("svc#m")
	if !ok {
		t.Fatal("stats missing")
	}
	ms := v.(*methodStats)
	ms.mu.Lock()
	n := len(ms.samples)
	oldest := ms.samples[0]
	ms.mu.Unlock()

	if n != sampleCap/2+1 {
		t.Errorf("ring holds %d samples after overflow, want %d", n, sampleCap/2+1)
	}
	if oldest != sampleCap/2 {
		t.Errorf("oldest surviving sample = %d, want %d (older half dropped)", oldest, sampleCap/2)
	}
	// Counters are not affected by the ring trim.
	if total := findStats(t, c.Snapshot().Methods, "svc#m").Total; total != sampleCap+1 {
		t.Errorf("Total = %d, want %d", total, sampleCap+1)
	}
}

func TestQPSUsesElapsedSinceFirstSample(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := NewCollectorWithClock(nil, clock)
	defer c.Close()

	c.Record("svc", "m", 5, nil)
	clock.Advance(10 * time.Second)
	for i := 0; i < 19; i++ {
		c.Record("svc", "m", 5, nil)
	}

	m := findStats(t, c.Snapshot().Methods, "svc#m")
	if m.QPS != 2.0 {
		t.Errorf("QPS = %v, want 2.0 (20 calls over 10s)", m.QPS)
	}
}

func TestPoolGauges(t *testing.T) {
	c := NewCollectorWithClock(nil, clockwork.NewFakeClock())
	defer c.Close()

	c.SetPoolStats(PoolStats{Endpoint: "127.0.0.1:8002", Created: 4, Active: 1, Idle: 3})
	c.SetPoolStats(PoolStats{Endpoint: "127.0.0.1:8001", Created: 2, Active: 2})
	c.SetPoolStats(PoolStats{Endpoint: "127.0.0.1:8001", Created: 3, Active: 1, Idle: 2})

	pools := c.Snapshot().Pools
	if len(pools) != 2 {
		t.Fatalf("pools = %v, want 2 endpoints", pools)
	}
	if pools[0].Endpoint != "127.0.0.1:8001" || pools[0].Created != 3 {
		t.Errorf("pools[0] = %+v, want latest 8001 reading first", pools[0])
	}
}

func TestReporterLogsSnapshots(t *testing.T) {
	clock := clockwork.NewFakeClock()
	core, logs := observer.New(zap.InfoLevel)
	c := NewCollectorWithClock(zap.New(core), clock)
	defer c.Close()

	c.Record("svc", "m", 7, nil)
	c.StartReporter(30 * time.Second)
	if err := clock.BlockUntilContext(context.Background(), 1); err != nil {
		t.Fatalf("BlockUntilContext: %v", err)
	}
	clock.Advance(30 * time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && logs.FilterMessage("metrics report").Len() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if logs.FilterMessage("metrics report").Len() == 0 {
		t.Fatal("reporter produced no report after one interval")
	}
	if logs.FilterMessage("service stats").Len() == 0 {
		t.Error("report should include per-service lines")
	}
}

func TestSnapshotOrdering(t *testing.T) {
	c := NewCollectorWithClock(nil, clockwork.NewFakeClock())
	defer c.Close()

	c.Record("b.service", "m", 1, nil)
	c.Record("a.service", "m", 1, nil)
	snap := c.Snapshot()
	if snap.Services[0].Name != "a.service" || snap.Services[1].Name != "b.service" {
		t.Errorf("services not sorted: %v", snap.Services)
	}
}
