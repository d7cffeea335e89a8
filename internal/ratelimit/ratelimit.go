// Package ratelimit provides per-client token buckets for the settlement
// API. Reads and money-moving writes draw from separate buckets so a client
// polling its balance cannot starve its own withdrawal request, and a
// client hammering writes hits a lower ceiling.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/admarket/internal/auth"
	"golang.org/x/time/rate"
)

// Config configures rate limiting.
type Config struct {
	// RequestsPerMinute is the sustained rate per client for all requests.
	RequestsPerMinute int
	// BurstSize allows brief bursts above the limit.
	BurstSize int
	// WritesPerMinute is the sustained rate per client for POST, PUT and
	// DELETE. Zero disables the separate write bucket.
	WritesPerMinute int
	// WriteBurst is the burst for the write bucket. Defaults to 5.
	WriteBurst int
	// CleanupInterval is how often idle buckets are dropped.
	CleanupInterval time.Duration
}

// DefaultConfig returns the defaults used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 120,
		BurstSize:         20,
		WritesPerMinute:   30,
		WriteBurst:        5,
		CleanupInterval:   time.Minute,
	}
}

// Scope selects a bucket family.
type Scope string

const (
	ScopeAll    Scope = "all"
	ScopeWrites Scope = "writes"
)

type policy struct {
	limit rate.Limit
	burst int
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter tracks one token bucket per (scope, client).
type Limiter struct {
	cfg      Config
	policies map[Scope]policy
	mu       sync.Mutex
	buckets  map[string]*bucket
	stop     chan struct{}
	once     sync.Once
	now      func() time.Time
}

// New creates a limiter and starts its cleanup loop. Call Stop to end it.
func New(cfg Config) *Limiter {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.WriteBurst <= 0 {
		cfg.WriteBurst = 5
	}
	l := &Limiter{
		cfg: cfg,
		policies: map[Scope]policy{
			ScopeAll: {limit: perMinute(cfg.RequestsPerMinute), burst: cfg.BurstSize},
		},
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	if cfg.WritesPerMinute > 0 {
		l.policies[ScopeWrites] = policy{limit: perMinute(cfg.WritesPerMinute), burst: cfg.WriteBurst}
	}
	go l.cleanup()
	return l
}

func perMinute(n int) rate.Limit {
	return rate.Limit(float64(n) / 60.0)
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.evictIdle(l.now().Add(-2 * l.cfg.CleanupInterval))
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) evictIdle(cutoff time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// Stop ends the cleanup loop. Safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

func (l *Limiter) get(scope Scope, key string) (*rate.Limiter, bool) {
	p, ok := l.policies[scope]
	if !ok {
		return nil, false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	id := string(scope) + "|" + key
	b, ok := l.buckets[id]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(p.limit, p.burst)}
		l.buckets[id] = b
	}
	b.lastSeen = l.now()
	return b.limiter, true
}

// Allow takes one token from key's bucket in the general scope.
func (l *Limiter) Allow(key string) bool {
	return l.AllowScope(ScopeAll, key)
}

// AllowScope takes one token from key's bucket in scope. Scopes that are
// not configured always allow.
func (l *Limiter) AllowScope(scope Scope, key string) bool {
	lim, ok := l.get(scope, key)
	if !ok {
		return true
	}
	return lim.Allow()
}

// Size returns the number of live buckets.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Middleware limits authenticated users by user id and everyone else by
// client IP. It must run after auth.Middleware. Mutating requests also
// draw from the write bucket.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if uid := auth.UserID(c); uid != "" {
			key = "user:" + uid
		}

		if !l.AllowScope(ScopeAll, key) {
			l.reject(c, ScopeAll)
			return
		}
		if isWrite(c.Request.Method) && !l.AllowScope(ScopeWrites, key) {
			l.reject(c, ScopeWrites)
			return
		}

		c.Next()
	}
}

func isWrite(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// reject answers 429 with the time until the next token.
func (l *Limiter) reject(c *gin.Context, scope Scope) {
	wait := 1
	if p := l.policies[scope]; p.limit > 0 {
		wait = int(math.Ceil(1 / float64(p.limit)))
	}
	c.Header("Retry-After", strconv.Itoa(wait))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error":   "rate_limit_exceeded",
		"message": "Too many requests. Please slow down.",
		"scope":   scope,
	})
}
