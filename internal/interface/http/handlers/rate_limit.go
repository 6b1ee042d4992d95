package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// ══════════════════════════════════════════════════════════════════════════════
// RATE LIMITER MIDDLEWARE
// Token bucket per client. Clients that keep hitting the limit are blocked
// for BanDuration.
// ══════════════════════════════════════════════════════════════════════════════

// RateLimitConfig holds configuration for the rate limiter.
type RateLimitConfig struct {
	// RequestsPerMinute per client. Zero disables limiting.
	RequestsPerMinute int

	// BurstSize is the bucket capacity.
	BurstSize int

	// BanThreshold consecutive rejections lead to a ban. Zero disables bans.
	BanThreshold int
	BanDuration  time.Duration

	// IdleTTL drops state of clients not seen for this long.
	IdleTTL time.Duration
}

// DefaultRateLimitConfig returns the default limits.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 600,
		BurstSize:         50,
		BanThreshold:      100,
		BanDuration:       time.Minute,
		IdleTTL:           10 * time.Minute,
	}
}

// RateLimitResult is the outcome of one check.
type RateLimitResult struct {
	Allowed    bool
	Banned     bool
	RetryAfter time.Duration
}

type clientState struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	violations  int
	bannedUntil time.Time
	lastSeen    time.Time
}

// RateLimiter limits requests per client key.
type RateLimiter struct {
	config  RateLimitConfig
	limit   rate.Limit
	apiKey  string
	clients sync.Map // map[string]*clientState

	sweepMu   sync.Mutex
	lastSweep time.Time
}

// NewRateLimiter creates a new rate limiter. apiKeyHeader names the header
// that identifies a client; without it the client IP is used.
func NewRateLimiter(config RateLimitConfig, apiKeyHeader string) *RateLimiter {
	def := DefaultRateLimitConfig()
	if config.BurstSize <= 0 {
		config.BurstSize = def.BurstSize
	}
	if config.IdleTTL <= 0 {
		config.IdleTTL = def.IdleTTL
	}
	return &RateLimiter{
		config: config,
		limit:  rate.Limit(float64(config.RequestsPerMinute) / 60),
		apiKey: apiKeyHeader,
	}
}

// Enabled reports whether requests are limited at all.
func (rl *RateLimiter) Enabled() bool {
	return rl.config.RequestsPerMinute > 0
}

// Check consumes one token for key.
func (rl *RateLimiter) Check(key string, now time.Time) RateLimitResult {
	rl.sweep(now)

	st := rl.client(key, now)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.lastSeen = now

	if now.Before(st.bannedUntil) {
		return RateLimitResult{Banned: true, RetryAfter: st.bannedUntil.Sub(now)}
	}

	r := st.limiter.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	if r.OK() && delay == 0 {
		st.violations = 0
		return RateLimitResult{Allowed: true}
	}
	r.CancelAt(now)

	st.violations++
	if rl.config.BanThreshold > 0 && st.violations >= rl.config.BanThreshold {
		st.violations = 0
		st.bannedUntil = now.Add(rl.config.BanDuration)
		return RateLimitResult{Banned: true, RetryAfter: rl.config.BanDuration}
	}
	return RateLimitResult{RetryAfter: delay}
}

func (rl *RateLimiter) client(key string, now time.Time) *clientState {
	if v, ok := rl.clients.Load(key); ok {
		return v.(*clientState)
	}
	st := &clientState{
		limiter:  rate.NewLimiter(rl.limit, rl.config.BurstSize),
		lastSeen: now,
	}
	actual, _ := rl.clients.LoadOrStore(key, st)
	return actual.(*clientState)
}

// sweep drops idle clients at most once per IdleTTL.
func (rl *RateLimiter) sweep(now time.Time) {
	rl.sweepMu.Lock()
	if now.Sub(rl.lastSweep) < rl.config.IdleTTL {
		rl.sweepMu.Unlock()
		return
	}
	rl.lastSweep = now
	rl.sweepMu.Unlock()

	rl.clients.Range(func(k, v any) bool {
		st := v.(*clientState)
		st.mu.Lock()
		idle := now.Sub(st.lastSeen) > rl.config.IdleTTL && !now.Before(st.bannedUntil)
		st.mu.Unlock()
		if idle {
			rl.clients.Delete(k)
		}
		return true
	})
}

// clientKey identifies the caller by API key digest or by IP.
func (rl *RateLimiter) clientKey(c *gin.Context) string {
	if key := c.GetHeader(rl.apiKey); key != "" {
		sum := sha256.Sum256([]byte(key))
		return "key:" + hex.EncodeToString(sum[:8])
	}
	return "ip:" + c.ClientIP()
}

// Middleware rejects requests over the limit with 429.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.Enabled() {
			c.Next()
			return
		}

		res := rl.Check(rl.clientKey(c), time.Now())
		if res.Allowed {
			c.Next()
			return
		}

		secs := int(math.Ceil(res.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		c.Header("Retry-After", strconv.Itoa(secs))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"success": false,
			"error":   gin.H{"code": "rate_limited", "message": "too many requests"},
		})
	}
}
