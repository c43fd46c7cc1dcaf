package client

import (
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"flux-rpc/breaker"
	"flux-rpc/compress"
	"flux-rpc/metrics"
	"flux-rpc/pool"
	"flux-rpc/retry"
	"flux-rpc/trace"
	"flux-rpc/transport"
)

type options struct {
	logger       *zap.Logger
	clock        clockwork.Clock
	balancer     string
	codecName    string
	compressName string
	transport    transport.Config
	retryPolicy  retry.Policy
	breakers     *breaker.Manager
	traces       *trace.Manager
	metrics      *metrics.Collector
	tokenFn      func() string
	maxPending   int
}

func defaultOptions() options {
	return options{
		logger:      zap.NewNop(),
		clock:       clockwork.NewRealClock(),
		codecName:   "json",
		transport:   transport.DefaultConfig(),
		retryPolicy: retry.DefaultExponential(),
		maxPending:  pool.DefaultConfig().MaxPending,
	}
}

// Option configures a Client at construction time.
type Option func(*options)

// WithLogger routes client, transport and pool logs through log.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.logger = log
		}
	}
}

// WithBalancer selects the load-balancing strategy by registered name
// (random, roundrobin, weightedrandom, consistenthash). Empty keeps the
// default.
func WithBalancer(name string) Option {
	return func(o *options) { o.balancer = name }
}

// WithCodec selects the body serialization by name (json, msgpack, cbor).
func WithCodec(name string) Option {
	return func(o *options) {
		if name != "" {
			o.codecName = name
		}
	}
}

// WithCompressor enables payload compression by name (gzip, snappy, lz4).
func WithCompressor(name string) Option {
	return func(o *options) { o.compressName = name }
}

// WithRequestTimeout bounds each attempt when the caller's context carries
// no deadline of its own.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.transport.RequestTimeout = d
		}
	}
}

// WithPool overrides the per-endpoint connection pool configuration.
func WithPool(cfg pool.Config) Option {
	return func(o *options) { o.transport.Pool = cfg }
}

// WithHeartbeatInterval tunes idle-connection pings; 0 disables them.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(o *options) { o.transport.HeartbeatInterval = d }
}

// WithRetry replaces the default exponential backoff policy.
func WithRetry(p retry.Policy) Option {
	return func(o *options) {
		if p != nil {
			o.retryPolicy = p
		}
	}
}

// WithBreaker guards calls with per-service circuit breakers.
func WithBreaker(m *breaker.Manager) Option {
	return func(o *options) { o.breakers = m }
}

// WithTrace opens a client span per call and propagates its IDs.
func WithTrace(m *trace.Manager) Option {
	return func(o *options) { o.traces = m }
}

// WithMetrics records per-service and per-method call statistics.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) { o.metrics = c }
}

// WithToken stamps every outgoing request with the token fn returns,
// re-evaluated per call so rotating credentials stay fresh.
func WithToken(fn func() string) Option {
	return func(o *options) { o.tokenFn = fn }
}

// WithStaticToken stamps every outgoing request with a fixed token.
func WithStaticToken(token string) Option {
	return WithToken(func() string { return token })
}

// WithMaxPending caps in-flight asynchronous calls; Go admits at most
// twice this many before rejecting.
func WithMaxPending(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxPending = n
		}
	}
}

// WithClock injects a fake clock for tests.
func WithClock(clock clockwork.Clock) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

func resolveCompressor(name string) (byte, error) {
	if name == "" || name == "none" {
		return compress.TypeNone, nil
	}
	cmp, err := compress.ByName(name)
	if err != nil {
		return 0, err
	}
	return cmp.Type(), nil
}
