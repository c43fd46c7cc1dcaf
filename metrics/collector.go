package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// DefaultReportInterval is used by StartReporter when no interval is given.
const DefaultReportInterval = 30 * time.Second

// Collector aggregates call statistics per service and per method and holds
// the latest pool gauges. All methods are safe for concurrent use.
type Collector struct {
	clock clockwork.Clock
	log   *zap.Logger

	services sync.Map // service key -> *methodStats
	methods  sync.Map // service key + "#" + method -> *methodStats
	pools    sync.Map // endpoint -> PoolStats

	stop     chan struct{}
	stopOnce sync.Once
	startMu  sync.Mutex
	started  bool
}

func NewCollector(log *zap.Logger) *Collector {
	return NewCollectorWithClock(log, clockwork.NewRealClock())
}

func NewCollectorWithClock(log *zap.Logger, clock clockwork.Clock) *Collector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Collector{
		clock: clock,
		log:   log.Named("metrics"),
		stop:  make(chan struct{}),
	}
}

func (c *Collector) stats(m *sync.Map, key string) *methodStats {
	if s, ok := m.Load(key); ok {
		return s.(*methodStats)
	}
	s, _ := m.LoadOrStore(key, newMethodStats())
	return s.(*methodStats)
}

// Record accounts one finished call under both its service and its method.
func (c *Collector) Record(service, method string, durMs int64, err error) {
	now := c.clock.Now().UnixMilli()
	failed := err != nil
	c.stats(&c.services, service).record(durMs, now, failed)
	c.stats(&c.methods, service+"#"+method).record(durMs, now, failed)
}

// SetPoolStats stores the latest gauge reading for an endpoint's pool.
func (c *Collector) SetPoolStats(ps PoolStats) {
	c.pools.Store(ps.Endpoint, ps)
}

// Snapshot is a point-in-time view of every tracked series.
type Snapshot struct {
	TakenAt  time.Time
	Services []Stats
	Methods  []Stats
	Pools    []PoolStats
}

// Snapshot folds all counters into immutable values, sorted by name.
func (c *Collector) Snapshot() Snapshot {
	snap := Snapshot{TakenAt: c.clock.Now()}
	c.services.Range(func(k, v any) bool {
		snap.Services = append(snap.Services, v.(*methodStats).snapshot(k.(string)))
		return true
	})
	c.methods.Range(func(k, v any) bool {
		snap.Methods = append(snap.Methods, v.(*methodStats).snapshot(k.(string)))
		return true
	})
	c.pools.Range(func(_, v any) bool {
		snap.Pools = append(snap.Pools, v.(PoolStats))
		return true
	})
	sort.Slice(snap.Services, func(i, j int) bool { return snap.Services[i].Name < snap.Services[j].Name })
	sort.Slice(snap.Methods, func(i, j int) bool { return snap.Methods[i].Name < snap.Methods[j].Name })
	sort.Slice(snap.Pools, func(i, j int) bool { return snap.Pools[i].Endpoint < snap.Pools[j].Endpoint })
	return snap
}

// StartReporter begins periodic snapshot logging. Reporting is off until
// this is called. interval <= 0 means DefaultReportInterval. Calling it
// again while running is a no-op.
func (c *Collector) StartReporter(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultReportInterval
	}
	c.startMu.Lock()
	defer c.startMu.Unlock()
	if c.started {
		return
	}
	c.started = true
	go c.reportLoop(interval)
}

func (c *Collector) reportLoop(interval time.Duration) {
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.Chan():
			c.report()
		}
	}
}

func (c *Collector) report() {
	snap := c.Snapshot()
	c.log.Info("metrics report",
		zap.Int("services", len(snap.Services)),
		zap.Int("methods", len(snap.Methods)),
		zap.Int("pools", len(snap.Pools)))
	for _, s := range snap.Services {
		c.log.Info("service stats",
			zap.String("service", s.Name),
			zap.Int64("total", s.Total),
			zap.Int64("failed", s.Failed),
			zap.Float64("avgMs", s.AvgMs),
			zap.Int64("p95Ms", s.P95Ms),
			zap.Int64("p99Ms", s.P99Ms),
			zap.Float64("qps", s.QPS))
	}
	for _, p := range snap.Pools {
		c.log.Info("pool stats",
			zap.String("endpoint", p.Endpoint),
			zap.Int64("created", p.Created),
			zap.Int64("active", p.Active),
			zap.Int64("idle", p.Idle),
			zap.Int64("waiters", p.Waiters))
	}
}

// Close stops the reporter goroutine. Idempotent.
func (c *Collector) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}
