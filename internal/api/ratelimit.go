package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig sizes a per-client token bucket. RequestsPerMinute is
// the sustained refill rate; BurstSize is extra headroom above it.
type RateLimitConfig struct {
	RequestsPerMinute int
	BurstSize         int
	CleanupInterval   time.Duration
}

// DefaultRateLimitConfig is the bucket applied to paths without a
// specific override.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 60,
		BurstSize:         10,
		CleanupInterval:   5 * time.Minute,
	}
}

func (cfg RateLimitConfig) normalized() RateLimitConfig {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 60
	}
	if cfg.BurstSize < 0 {
		cfg.BurstSize = 0
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	return cfg
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// bucketSet holds one token bucket per client for a single config. Idle
// clients are dropped by the owning PathRateLimiter's cleanup loop.
type bucketSet struct {
	mu      sync.Mutex
	cfg     RateLimitConfig
	clients map[string]*clientBucket
}

func newBucketSet(cfg RateLimitConfig) *bucketSet {
	return &bucketSet{cfg: cfg.normalized(), clients: make(map[string]*clientBucket)}
}

func (b *bucketSet) allow(clientID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.clients[clientID]
	if !ok {
		c = &clientBucket{
			limiter: rate.NewLimiter(
				rate.Limit(float64(b.cfg.RequestsPerMinute)/60.0),
				b.cfg.RequestsPerMinute+b.cfg.BurstSize,
			),
		}
		b.clients[clientID] = c
	}
	c.lastSeen = time.Now()
	return c.limiter.Allow()
}

func (b *bucketSet) dropIdle(olderThan time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, c := range b.clients {
		if c.lastSeen.Before(olderThan) {
			delete(b.clients, id)
		}
	}
}

// PathRateLimiter applies a default token bucket per client IP, with
// longest-prefix overrides for specific paths. A single cleanup
// goroutine drops idle client buckets across all sets.
type PathRateLimiter struct {
	mu       sync.RWMutex
	fallback *bucketSet
	byPath   map[string]*bucketSet

	stopOnce sync.Once
	stop     chan struct{}
}

// NewPathRateLimiter builds a limiter whose unmatched paths use
// defaultCfg, and starts its cleanup loop.
func NewPathRateLimiter(defaultCfg RateLimitConfig) *PathRateLimiter {
	p := &PathRateLimiter{
		fallback: newBucketSet(defaultCfg),
		byPath:   make(map[string]*bucketSet),
		stop:     make(chan struct{}),
	}
	go p.cleanupLoop(p.fallback.cfg.CleanupInterval)
	return p
}

// SetPathLimit overrides the bucket config for any path starting with
// pathPrefix.
func (p *PathRateLimiter) SetPathLimit(pathPrefix string, cfg RateLimitConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byPath[pathPrefix] = newBucketSet(cfg)
}

// Allow reports whether a request from clientID to path fits its bucket.
func (p *PathRateLimiter) Allow(clientID, path string) bool {
	return p.setFor(path).allow(clientID)
}

func (p *PathRateLimiter) setFor(path string) *bucketSet {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var best *bucketSet
	bestLen := -1
	for prefix, set := range p.byPath {
		if strings.HasPrefix(path, prefix) && len(prefix) > bestLen {
			best, bestLen = set, len(prefix)
		}
	}
	if best != nil {
		return best
	}
	return p.fallback
}

// Stop terminates the cleanup loop. Idempotent.
func (p *PathRateLimiter) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

func (p *PathRateLimiter) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-2 * time.Minute)
			p.mu.RLock()
			sets := make([]*bucketSet, 0, len(p.byPath)+1)
			sets = append(sets, p.fallback)
			for _, s := range p.byPath {
				sets = append(sets, s)
			}
			p.mu.RUnlock()
			for _, s := range sets {
				s.dropIdle(cutoff)
			}
		}
	}
}

// PathRateLimitMiddleware rejects over-limit requests with 429 before
// they reach the mux.
func PathRateLimitMiddleware(p *PathRateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !p.Allow(getClientIP(r), r.URL.Path) {
				w.Header().Set("Retry-After", "60")
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// getClientIP resolves the originating client address, honoring
// reverse-proxy headers before falling back to the connection address.
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
