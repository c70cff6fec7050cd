package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/warp/rehearsal-engine/config"
	"golang.org/x/time/rate"
)

const (
	// limiterIdleTTL is how long a client's bucket survives without requests.
	limiterIdleTTL = 10 * time.Minute
	// limiterSweepEvery spaces out the idle sweeps.
	limiterSweepEvery = time.Minute
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter keeps one token bucket per client address. Buckets idle
// longer than limiterIdleTTL are dropped on the next sweep; a returning
// client starts again with a full bucket.
type rateLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*clientLimiter
	lastSweep time.Time
	now       func() time.Time
	cfg       config.RateLimitConfig
}

func newRateLimiter(cfg config.RateLimitConfig) *rateLimiter {
	return &rateLimiter{
		limiters: make(map[string]*clientLimiter),
		now:      time.Now,
		cfg:      cfg,
	}
}

func (l *rateLimiter) getLimiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) >= limiterSweepEvery {
		l.sweepLocked(now)
	}
	if c, ok := l.limiters[key]; ok {
		c.lastSeen = now
		return c.limiter
	}
	burst := l.cfg.Burst
	if burst <= 0 {
		burst = 5
	}
	c := &clientLimiter{limiter: rate.NewLimiter(rate.Limit(l.cfg.RPS), burst), lastSeen: now}
	l.limiters[key] = c
	return c.limiter
}

// sweepLocked drops buckets not used within limiterIdleTTL of now.
func (l *rateLimiter) sweepLocked(now time.Time) {
	for key, c := range l.limiters {
		if now.Sub(c.lastSeen) > limiterIdleTTL {
			delete(l.limiters, key)
		}
	}
	l.lastSweep = now
}

func (l *rateLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// middleware rejects requests over the client's budget with 429.
// A non-positive RPS disables limiting.
func (l *rateLimiter) middleware(next http.Handler) http.Handler {
	if l.cfg.RPS <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.getLimiter(clientKey(r)).Allow() {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, ErrorResponse{Error: "rate_limited", Message: "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}
