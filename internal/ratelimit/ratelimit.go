// Package ratelimit provides per-client rate limiting middleware for the API.
package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the sustained rate per client
	RequestsPerMinute int
	// BurstSize allows brief bursts above the limit
	BurstSize int
	// CleanupInterval is how often idle clients are forgotten
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 60,
		BurstSize:         10,
		CleanupInterval:   time.Minute,
	}
}

// Limiter tracks one token bucket per key.
type Limiter struct {
	cfg     Config
	limit   rate.Limit
	mu      sync.Mutex
	clients map[string]*client
	stop    chan struct{}
	once    sync.Once
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a rate limiter and starts its cleanup loop.
func New(cfg Config) *Limiter {
	if cfg.BurstSize < 1 {
		cfg.BurstSize = 1
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	l := &Limiter{
		cfg:     cfg,
		limit:   rate.Limit(float64(cfg.RequestsPerMinute) / 60.0),
		clients: make(map[string]*client),
		stop:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-2 * l.cfg.CleanupInterval)
			l.mu.Lock()
			for key, c := range l.clients {
				if c.lastSeen.Before(cutoff) {
					delete(l.clients, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Allow checks if a request for key should be allowed
func (l *Limiter) Allow(key string) bool {
	return l.get(key).Allow()
}

// Clients returns the number of tracked keys.
func (l *Limiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

func (l *Limiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.clients[key]
	if !ok {
		c = &client{limiter: rate.NewLimiter(l.limit, l.cfg.BurstSize)}
		l.clients[key] = c
	}
	c.lastSeen = time.Now()
	return c.limiter
}

// clientKey buckets callers by credential when one is presented, so several
// analysts behind one NAT keep separate budgets. The credential itself is
// never held in memory.
func clientKey(c *gin.Context) string {
	cred := c.GetHeader("X-API-Key")
	if cred == "" {
		cred = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	}
	if cred == "" {
		return "ip:" + c.ClientIP()
	}
	sum := sha256.Sum256([]byte(cred))
	return "key:" + hex.EncodeToString(sum[:8])
}

// Middleware returns a Gin middleware that rate limits by client IP, or by
// API key when one is presented.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		lim := l.get(clientKey(c))
		if !lim.Allow() {
			r := lim.Reserve()
			retry := max(1, int(r.Delay().Seconds()+0.5))
			r.Cancel()
			c.Header("Retry-After", strconv.Itoa(retry))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": retry,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
