package bridge

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/matst80/ira/internal/httpx"
	"github.com/matst80/ira/internal/obs"
	"github.com/matst80/ira/internal/ratelimit"
)

func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		obs.Debug("http.request", obs.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
			"remote":   c.ClientIP(),
		})
	}
}

// rateLimit applies the connection budget to websocket upgrades and the
// request budget to everything else.
func rateLimit(rl *ratelimit.RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		var allowed bool
		if httpx.IsWebSocketUpgrade(c.Request) {
			allowed = rl.AllowConnection(ip)
		} else {
			allowed = rl.AllowRequest(ip)
		}
		if !allowed {
			obs.ErrorsTotal.WithLabelValues("rate_limited").Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"exit_code": 1, "error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
