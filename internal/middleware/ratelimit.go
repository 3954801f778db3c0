package middleware

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"fieldcrm/internal/config"
	"fieldcrm/internal/metrics"

	"github.com/gin-gonic/gin"
)

// tokenBucket is a token bucket refilled continuously at ratePerSec.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	ratePerSec float64
	burst      float64
}

func newBucket(rpm, burst int, now time.Time) *tokenBucket {
	if rpm <= 0 {
		rpm = 60
	}
	if burst <= 0 {
		burst = rpm // 缺省突发量等于一分钟配额
	}
	return &tokenBucket{
		tokens:     float64(burst),
		lastRefill: now,
		ratePerSec: float64(rpm) / 60.0,
		burst:      float64(burst),
	}
}

func (b *tokenBucket) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.ratePerSec
		if b.tokens > b.burst {
			b.tokens = b.burst
		}
		b.lastRefill = now
	}
	if b.tokens >= 1 {
		b.tokens -= 1
		return true
	}
	return false
}

// rateLimitKey 以租户为限流维度；无租户头时退回客户端 IP
func rateLimitKey(c *gin.Context) string {
	if tenant := strings.TrimSpace(c.GetHeader("X-Tenant-ID")); tenant != "" {
		return "tenant:" + tenant
	}
	ip := c.ClientIP()
	if ip == "" {
		ip = "unknown"
	}
	return "ip:" + ip
}

// RateLimitMiddleware limits requests per tenant (or per IP for anonymous
// callers) with a token bucket. It is controlled by cfg.Security.RateLimiting
// and no-ops when disabled. Drops are counted under the route's first path
// segment after /api/v1.
func RateLimitMiddleware(cfg *config.Config, m *metrics.AutomationMetrics) gin.HandlerFunc {
	return rateLimit(cfg, m, time.Now)
}

func rateLimit(cfg *config.Config, m *metrics.AutomationMetrics, now func() time.Time) gin.HandlerFunc {
	rl := cfg.Security.RateLimiting
	if !rl.Enabled || rl.RequestsPerMinute <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	var (
		mu      sync.Mutex
		buckets = make(map[string]*tokenBucket)
	)
	getBucket := func(key string) *tokenBucket {
		mu.Lock()
		defer mu.Unlock()
		if b, ok := buckets[key]; ok {
			return b
		}
		b := newBucket(rl.RequestsPerMinute, rl.Burst, now())
		buckets[key] = b
		return b
	}
	return func(c *gin.Context) {
		if !getBucket(rateLimitKey(c)).allow(now()) {
			m.IncRateLimitDrop(routePrefix(c))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "Too Many Requests",
				"message": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

func routePrefix(c *gin.Context) string {
	path := c.FullPath()
	if path == "" {
		path = c.Request.URL.Path
	}
	path = strings.TrimPrefix(path, "/api/v1")
	parts := strings.SplitN(strings.TrimPrefix(path, "/"), "/", 2)
	if parts[0] == "" {
		return "/"
	}
	return "/" + parts[0]
}
