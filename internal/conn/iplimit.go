package conn

import (
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// ipLimiter rate limits accepted peers per remote IP with a token bucket.
// Buckets live in a TTL cache so idle addresses are forgotten.
type ipLimiter struct {
	cache *cache.Cache
	rate  rate.Limit
	burst int
}

func newIPLimiter(r rate.Limit, burst int, ttl time.Duration) *ipLimiter {
	if burst < 1 {
		burst = 1
	}
	return &ipLimiter{
		cache: cache.New(ttl, 2*ttl),
		rate:  r,
		burst: burst,
	}
}

func (l *ipLimiter) Allow(ip string) bool {
	v, found := l.cache.Get(ip)
	if !found {
		v = rate.NewLimiter(l.rate, l.burst)
		l.cache.Set(ip, v, cache.DefaultExpiration)
	}
	return v.(*rate.Limiter).Allow()
}
