package ratelimit

import "golang.org/x/time/rate"

// TokenBucket admits requests while tokens remain, refilling at a fixed
// rate. The bucket starts full, so a cold key can burst up to capacity.
// Token arithmetic is delegated to x/time/rate.
type TokenBucket struct {
	lim *rate.Limiter
}

func NewTokenBucket(ratePerSec float64, capacity int) *TokenBucket {
	if ratePerSec <= 0 {
		ratePerSec = DefaultConfig().Rate
	}
	if capacity <= 0 {
		capacity = DefaultConfig().Capacity
	}
	return &TokenBucket{lim: rate.NewLimiter(rate.Limit(ratePerSec), capacity)}
}

func (b *TokenBucket) Allow() bool {
	return b.lim.Allow()
}

func (b *TokenBucket) Name() string {
	return AlgorithmTokenBucket
}
