package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/alem-hub/alem-gamification/pkg/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestCompositeHealthChecker(t *testing.T) {
	t.Run("no checks is healthy", func(t *testing.T) {
		status := NewCompositeHealthChecker("v1").Check(context.Background())
		assert.True(t, status.Healthy)
		assert.True(t, status.Ready)
		assert.Equal(t, "v1", status.Version)
	})

	t.Run("required failure blocks readiness", func(t *testing.T) {
		c := NewCompositeHealthChecker("v1")
		c.AddCheck("postgres", func(context.Context) error { return errors.New("connection refused") })
		c.AddOptionalCheck("redis", func(context.Context) error { return nil })

		status := c.Check(context.Background())
		assert.False(t, status.Healthy)
		assert.False(t, status.Ready)
		assert.Equal(t, "failing: postgres", status.Message)
		assert.Equal(t, "connection refused", status.Checks["postgres"].Message)
		assert.True(t, status.Checks["redis"].Healthy)
	})

	t.Run("optional failure keeps readiness", func(t *testing.T) {
		c := NewCompositeHealthChecker("v1")
		c.AddCheck("postgres", func(context.Context) error { return nil })
		c.AddOptionalCheck("redis", func(context.Context) error { return errors.New("timeout") })

		status := c.Check(context.Background())
		assert.False(t, status.Healthy)
		assert.True(t, status.Ready)
	})

	t.Run("slow check times out", func(t *testing.T) {
		c := NewCompositeHealthChecker("v1")
		c.SetTimeout(20 * time.Millisecond)
		c.AddCheck("slow", func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})

		status := c.Check(context.Background())
		assert.False(t, status.Ready)
		assert.Equal(t, context.DeadlineExceeded.Error(), status.Checks["slow"].Message)
	})
}

type pingerFunc func(context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestNewPingCheck(t *testing.T) {
	boom := errors.New("boom")
	check := NewPingCheck(pingerFunc(func(context.Context) error { return boom }))
	assert.ErrorIs(t, check(context.Background()), boom)
}

func TestAPIKeyAuth_IsValid(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("key-one"), bcrypt.MinCost)
	require.NoError(t, err)

	auth, err := NewAPIKeyAuth("X-API-Key", []string{" " + string(hash) + " ", ""})
	require.NoError(t, err)
	assert.True(t, auth.Enabled())

	assert.True(t, auth.IsValid("key-one"))
	assert.True(t, auth.IsValid("key-one")) // served from the verified set
	assert.False(t, auth.IsValid("key-two"))
	assert.False(t, auth.IsValid(""))
}

func TestAPIKeyAuth_DisabledWithoutHashes(t *testing.T) {
	auth, err := NewAPIKeyAuth("X-API-Key", nil)
	require.NoError(t, err)
	assert.False(t, auth.Enabled())

	r := gin.New()
	r.Use(auth.Middleware())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRequestIDAndRecovery(t *testing.T) {
	r := gin.New()
	r.Use(Recovery(logger.Nop()), RequestID(), RequestLogger(logger.Nop()))
	r.GET("/id", func(c *gin.Context) { c.String(http.StatusOK, GetRequestID(c)) })
	r.GET("/panic", func(*gin.Context) { panic("kaboom") })

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/id", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	generated := rec.Body.String()
	assert.NotEmpty(t, generated)
	assert.Equal(t, generated, rec.Header().Get(HeaderRequestID))

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRateLimiter_Check(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{
		RequestsPerMinute: 60,
		BurstSize:         1,
		BanThreshold:      2,
		BanDuration:       time.Minute,
	}, "X-API-Key")
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.True(t, rl.Check("a", now).Allowed)

	res := rl.Check("a", now)
	assert.False(t, res.Allowed)
	assert.False(t, res.Banned)
	assert.Equal(t, time.Second, res.RetryAfter)

	// Other clients are unaffected.
	assert.True(t, rl.Check("b", now).Allowed)

	res = rl.Check("a", now)
	assert.True(t, res.Banned)
	assert.Equal(t, time.Minute, res.RetryAfter)

	// The bucket refilled but the ban still holds.
	res = rl.Check("a", now.Add(30*time.Second))
	assert.True(t, res.Banned)
	assert.Equal(t, 30*time.Second, res.RetryAfter)

	assert.True(t, rl.Check("a", now.Add(time.Minute)).Allowed)
}

func TestRateLimiter_DisabledWithZeroRate(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{}, "X-API-Key")
	assert.False(t, rl.Enabled())
}
