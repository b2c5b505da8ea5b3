// Package ratelimit bounds how fast clients may hit the bridge. Limits are
// kept per client IP with an optional global cap on top.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config sets rates in events per second; zero disables that limit.
type Config struct {
	GlobalConnRate    float64
	PerClientConnRate float64
	GlobalReqRate     float64
	PerClientReqRate  float64
	Burst             int
}

// Enabled reports whether any limit is configured.
func (c Config) Enabled() bool {
	return c.GlobalConnRate > 0 || c.PerClientConnRate > 0 || c.GlobalReqRate > 0 || c.PerClientReqRate > 0
}

type clientLimiters struct {
	conn     *rate.Limiter
	req      *rate.Limiter
	lastSeen time.Time
}

// RateLimiter manages both global and per-client limits for websocket
// upgrades (connections) and plain HTTP requests.
type RateLimiter struct {
	cfg        Config
	globalConn *rate.Limiter
	globalReq  *rate.Limiter

	mu      sync.Mutex
	clients map[string]*clientLimiters
	now     func() time.Time
}

func New(cfg Config) *RateLimiter {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	rl := &RateLimiter{cfg: cfg, clients: make(map[string]*clientLimiters), now: time.Now}
	if cfg.GlobalConnRate > 0 {
		rl.globalConn = rate.NewLimiter(rate.Limit(cfg.GlobalConnRate), cfg.Burst)
	}
	if cfg.GlobalReqRate > 0 {
		rl.globalReq = rate.NewLimiter(rate.Limit(cfg.GlobalReqRate), cfg.Burst)
	}
	return rl
}

func (rl *RateLimiter) client(name string) *clientLimiters {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	c, ok := rl.clients[name]
	if !ok {
		c = &clientLimiters{}
		if rl.cfg.PerClientConnRate > 0 {
			c.conn = rate.NewLimiter(rate.Limit(rl.cfg.PerClientConnRate), rl.cfg.Burst)
		}
		if rl.cfg.PerClientReqRate > 0 {
			c.req = rate.NewLimiter(rate.Limit(rl.cfg.PerClientReqRate), rl.cfg.Burst)
		}
		rl.clients[name] = c
	}
	c.lastSeen = rl.now()
	return c
}

// AllowConnection checks if a websocket upgrade is allowed for the given client.
func (rl *RateLimiter) AllowConnection(client string) bool {
	if rl.globalConn != nil && !rl.globalConn.Allow() {
		return false
	}
	if rl.cfg.PerClientConnRate <= 0 {
		return true
	}
	return rl.client(client).conn.Allow()
}

// AllowRequest checks if an HTTP request is allowed for the given client.
func (rl *RateLimiter) AllowRequest(client string) bool {
	if rl.globalReq != nil && !rl.globalReq.Allow() {
		return false
	}
	if rl.cfg.PerClientReqRate <= 0 {
		return true
	}
	return rl.client(client).req.Allow()
}

// CleanupIdle drops per-client limiters not used within maxIdle and returns
// how many were removed.
func (rl *RateLimiter) CleanupIdle(maxIdle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-maxIdle)
	n := 0
	for name, c := range rl.clients {
		if c.lastSeen.Before(cutoff) {
			delete(rl.clients, name)
			n++
		}
	}
	return n
}

// Clients reports how many clients currently hold limiters.
func (rl *RateLimiter) Clients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}
