// Package ratelimit provides admission control for the server side.
//
// Two algorithms are available. The token bucket (the default) delegates
// its arithmetic to golang.org/x/time/rate and allows short bursts up to
// capacity; the sliding window enforces a hard ceiling per rolling second.
// A Manager multiplexes either algorithm across IP, user, service, and
// method dimensions, creating limiters lazily per key.
package ratelimit

// Limiter admits or rejects one request. Implementations must be safe for
// concurrent use.
type Limiter interface {
	Allow() bool
	Name() string
}

// Algorithm names accepted in Config.
const (
	AlgorithmTokenBucket   = "tokenbucket"
	AlgorithmSlidingWindow = "slidingwindow"
)

// Config sizes the per-key limiters.
type Config struct {
	// Algorithm selects the limiter built for each key.
	Algorithm string
	// Rate is the sustained admission rate per second. It is also the
	// sliding window's ceiling: the window admits iff sum + 1 ≤ Rate.
	Rate float64
	// Capacity is the token bucket's burst size.
	Capacity int
	// WindowSlices subdivides the sliding window; finer slices smooth the
	// boundary between adjacent windows.
	WindowSlices int
}

func DefaultConfig() Config {
	return Config{
		Algorithm:    AlgorithmTokenBucket,
		Rate:         100,
		Capacity:     200,
		WindowSlices: 10,
	}
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.Algorithm == "" {
		c.Algorithm = d.Algorithm
	}
	if c.Rate <= 0 {
		c.Rate = d.Rate
	}
	if c.Capacity <= 0 {
		c.Capacity = d.Capacity
	}
	if c.WindowSlices <= 0 {
		c.WindowSlices = d.WindowSlices
	}
}

// Key builders for the four limiting dimensions. The prefixes keep one
// key space per dimension inside a single Manager.
func IPKey(ip string) string                  { return "ip:" + ip }
func UserKey(user string) string              { return "user:" + user }
func ServiceKey(service string) string        { return "service:" + service }
func MethodKey(service, method string) string { return "method:" + service + "#" + method }
