package transport

import (
	"net"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// RateLimitConfig bounds how many packets a single source IP may send.
type RateLimitConfig struct {
	// PacketsPerSecond is the sustained rate per source. Zero disables limiting.
	PacketsPerSecond float64
	// Burst is the number of packets a source may send at once.
	Burst int
	// Penalty is the number of tokens taken from a source that sent a
	// malformed or unauthenticated packet.
	Penalty int
	// IdleExpiry is how long the limiter of a silent source is kept.
	IdleExpiry time.Duration
}

// DefaultRateLimitConfig returns the limits used by a node.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		PacketsPerSecond: 200,
		Burst:            400,
		Penalty:          20,
		IdleExpiry:       5 * time.Minute,
	}
}

// RateLimiter keeps one token bucket per source IP. Buckets of idle sources
// expire from the cache.
type RateLimiter struct {
	cfg      RateLimitConfig
	limiters *cache.Cache
	now      func() time.Time
}

// NewRateLimiter creates a per-source rate limiter.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.IdleExpiry <= 0 {
		cfg.IdleExpiry = DefaultRateLimitConfig().IdleExpiry
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.Penalty > cfg.Burst {
		cfg.Penalty = cfg.Burst
	}
	return &RateLimiter{
		cfg:      cfg,
		limiters: cache.New(cfg.IdleExpiry, cfg.IdleExpiry/2),
		now:      time.Now,
	}
}

// SetTimeFunc replaces the clock, for tests.
func (r *RateLimiter) SetTimeFunc(now func() time.Time) {
	r.now = now
}

func (r *RateLimiter) limiter(ip net.IP) *rate.Limiter {
	key := NormalizeIP(ip).String()
	if l, found := r.limiters.Get(key); found {
		return l.(*rate.Limiter)
	}

	l := rate.NewLimiter(rate.Limit(r.cfg.PacketsPerSecond), r.cfg.Burst)
	if err := r.limiters.Add(key, l, cache.DefaultExpiration); err != nil {
		if existing, found := r.limiters.Get(key); found {
			return existing.(*rate.Limiter)
		}
	}
	return l
}

// Allow reports whether a packet from ip may be processed now.
func (r *RateLimiter) Allow(ip net.IP) bool {
	if r.cfg.PacketsPerSecond <= 0 {
		return true
	}
	key := NormalizeIP(ip).String()
	l := r.limiter(ip)
	// Touch the entry so active sources do not expire.
	r.limiters.SetDefault(key, l)
	return l.AllowN(r.now(), 1)
}

// Penalize charges ip extra tokens. The bucket may go into deficit, which
// delays the source's next accepted packets.
func (r *RateLimiter) Penalize(ip net.IP) {
	if r.cfg.PacketsPerSecond <= 0 || r.cfg.Penalty <= 0 {
		return
	}
	r.limiter(ip).ReserveN(r.now(), r.cfg.Penalty)
}

// Sources returns the number of tracked source IPs.
func (r *RateLimiter) Sources() int {
	return r.limiters.ItemCount()
}
