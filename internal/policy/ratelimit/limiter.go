// Package ratelimit implements per-client token bucket admission control for
// job submissions.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/scrape-fleet/internal/telemetry"
)

// HeaderAPIKey identifies authenticated clients; anonymous clients are keyed
// by remote address.
const HeaderAPIKey = "X-API-Key"

// Config holds rate limiter configuration.
type Config struct {
	RPS   float64
	Burst int
	// IdleTTL drops buckets unused for this long (default 10m).
	IdleTTL time.Duration
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter manages one token bucket per client key.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    rate.Limit
	burst   int
	idleTTL time.Duration
}

// New creates a new Limiter. A non-positive RPS disables limiting.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	ttl := cfg.IdleTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		rate:    r,
		burst:   burst,
		idleTTL: ttl,
	}
}

func (l *Limiter) bucketFor(key string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter
}

// Reserve takes a token for key if one is available now. Otherwise it
// returns false and how long until the next token.
func (l *Limiter) Reserve(key string) (bool, time.Duration) {
	now := time.Now()
	res := l.bucketFor(key, now).ReserveN(now, 1)
	if !res.OK() {
		return false, time.Second
	}
	delay := res.DelayFrom(now)
	if delay == 0 {
		return true, 0
	}
	res.CancelAt(now)
	return false, delay
}

// Wait blocks until a token is available for key, respecting the context.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	if err := l.bucketFor(key, time.Now()).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

// Sweep drops buckets idle since before now-IdleTTL and returns how many
// were removed.
func (l *Limiter) Sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.idleTTL {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// Len reports how many client buckets are tracked.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// ClientKey identifies the caller of r.
func ClientKey(r *http.Request) string {
	if key := r.Header.Get(HeaderAPIKey); key != "" {
		return "key:" + key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// Middleware rejects requests over the caller's budget with 429 and a
// Retry-After header.
func Middleware(l *Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, retry := l.Reserve(ClientKey(r))
			if !ok {
				telemetry.ObserveAdmissionRejected("rate_limited")
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retry.Seconds()))))
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
