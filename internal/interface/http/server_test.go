package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/alem-hub/alem-gamification/internal/application/command"
	"github.com/alem-hub/alem-gamification/internal/application/query"
	"github.com/alem-hub/alem-gamification/internal/domain/badge"
	"github.com/alem-hub/alem-gamification/internal/domain/leaderboard"
	"github.com/alem-hub/alem-gamification/internal/domain/progress"
	"github.com/alem-hub/alem-gamification/internal/domain/shared"
	"github.com/alem-hub/alem-gamification/internal/infrastructure/persistence/memory"
	"github.com/alem-hub/alem-gamification/internal/interface/http/handlers"
	"github.com/alem-hub/alem-gamification/pkg/logger"
	"github.com/alem-hub/alem-gamification/pkg/timeutil"
)

var now = time.Date(2024, 6, 5, 12, 0, 0, 0, time.UTC)

func init() {
	gin.SetMode(gin.TestMode)
}

// alwaysConflicting loses every CAS race.
type alwaysConflicting struct {
	progress.Store
}

func (alwaysConflicting) Save(context.Context, *progress.UserProgress) error {
	return shared.ErrConcurrentModification
}

type testEnv struct {
	server *Server
	store  *memory.ProgressStore
	outbox *memory.Outbox
}

func newTestEnv(t *testing.T, cfg Config, wrap func(progress.Store) progress.Store) *testEnv {
	t.Helper()
	cal := timeutil.NewCalendar(time.UTC)
	policy := progress.DefaultPolicy()
	policy.Calendar = cal
	clock := timeutil.FixedClock{T: now}

	catalog, err := badge.NewCatalog([]badge.Badge{
		{ID: "first-steps", Name: "First Steps", Rarity: badge.RarityCommon, Rule: badge.Threshold(badge.StatTotalXP, badge.OpGTE, 1)},
		{ID: "rising-star", Name: "Rising Star", Rarity: badge.RarityRare, Rule: badge.Threshold(badge.StatLevel, badge.OpGTE, 3)},
	})
	require.NoError(t, err)

	outbox := memory.NewOutbox()
	store := memory.NewProgressStore(policy, clock, outbox)

	var writeStore progress.Store = store
	if wrap != nil {
		writeStore = wrap(store)
	}
	mutator := command.NewMutator(writeStore, logger.Nop(), command.MutatorConfig{})
	projector := leaderboard.NewProjector(store, cal, policy.Curve.Level)

	srv, err := NewServer(cfg, Dependencies{
		GrantXPHandler:        command.NewGrantXPHandler(mutator, catalog, nil, clock, nil),
		RecordActivityHandler: command.NewRecordActivityHandler(mutator, catalog, nil, clock, nil),
		AwardBadgeHandler:     command.NewAwardBadgeHandler(mutator, catalog, clock, nil),
		EvaluateBadgesHandler: command.NewEvaluateBadgesHandler(mutator, catalog, clock, nil),
		GetProgressHandler:    query.NewGetProgressHandler(store, catalog, clock),
		GetLeaderboardHandler: query.NewGetLeaderboardHandler(projector, nil, cal, clock, nil),
		Catalog:               catalog,
	})
	require.NoError(t, err)
	return &testEnv{server: srv, store: store, outbox: outbox}
}

func (e *testEnv) do(t *testing.T, method, path, body string, headers ...string) (*httptest.ResponseRecorder, JSONResponse) {
	t.Helper()
	var rd *bytes.Reader
	if body != "" {
		rd = bytes.NewReader([]byte(body))
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)

	var resp JSONResponse
	if rec.Header().Get("Content-Type") != "" && rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	}
	return rec, resp
}

func dataAs(t *testing.T, resp JSONResponse, dst interface{}) {
	t.Helper()
	raw, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, dst))
}

func TestGrantXP_AndProgress(t *testing.T) {
	env := newTestEnv(t, DefaultConfig(), nil)

	rec, resp := env.do(t, http.MethodPost, "/v1/users/alice/xp", `{"amount":350,"reason":"lesson_complete","reference_id":"lesson-1"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, resp.Success)

	var granted grantXPResponse
	dataAs(t, resp, &granted)
	assert.Equal(t, int64(350), granted.TotalXP)
	assert.Equal(t, 3, granted.Level)
	assert.True(t, granted.LeveledUp)
	assert.False(t, granted.Duplicate)

	// Same reference again is a no-op.
	rec, resp = env.do(t, http.MethodPost, "/v1/users/alice/xp", `{"amount":350,"reference_id":"lesson-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	dataAs(t, resp, &granted)
	assert.True(t, granted.Duplicate)
	assert.Equal(t, int64(350), granted.TotalXP)

	rec, resp = env.do(t, http.MethodGet, "/v1/users/alice/progress", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var view query.ProgressView
	dataAs(t, resp, &view)
	assert.Equal(t, "alice", view.UserID)
	assert.Equal(t, int64(350), view.TotalXP)
	assert.Equal(t, 3, view.Level)
}

func TestErrorMapping(t *testing.T) {
	env := newTestEnv(t, DefaultConfig(), nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{"zero amount", http.MethodPost, "/v1/users/alice/xp", `{"amount":0}`, http.StatusBadRequest, "invalid_request"},
		{"negative amount", http.MethodPost, "/v1/users/alice/xp", `{"amount":-5}`, http.StatusBadRequest, "invalid_request"},
		{"malformed body", http.MethodPost, "/v1/users/alice/xp", `{"amount":`, http.StatusBadRequest, "invalid_body"},
		{"missing body", http.MethodPost, "/v1/users/alice/xp", ``, http.StatusBadRequest, "invalid_body"},
		{"unknown badge", http.MethodPost, "/v1/users/alice/badges/nope", ``, http.StatusNotFound, "not_found"},
		{"unknown user progress", http.MethodGet, "/v1/users/ghost/progress", ``, http.StatusNotFound, "not_found"},
		{"unknown period", http.MethodGet, "/v1/leaderboard?period=yearly", ``, http.StatusBadRequest, "invalid_request"},
		{"limit too large", http.MethodGet, "/v1/leaderboard?limit=1000", ``, http.StatusBadRequest, "invalid_request"},
		{"non-numeric offset", http.MethodGet, "/v1/leaderboard?offset=abc", ``, http.StatusBadRequest, "invalid_request"},
		{"unknown route", http.MethodGet, "/v1/nothing", ``, http.StatusNotFound, "not_found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, resp := env.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.False(t, resp.Success)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

func TestAwardBadge_ConflictOnRepeat(t *testing.T) {
	env := newTestEnv(t, DefaultConfig(), nil)

	rec, resp := env.do(t, http.MethodPost, "/v1/users/bob/badges/rising-star", "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var awarded awardBadgeResponse
	dataAs(t, resp, &awarded)
	assert.Equal(t, "Rising Star", awarded.BadgeName)
	assert.Equal(t, "rare", awarded.Rarity)

	rec, resp = env.do(t, http.MethodPost, "/v1/users/bob/badges/rising-star", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "already_exists", resp.Error.Code)
}

func TestEvaluateBadges_RouteIsNotABadgeID(t *testing.T) {
	env := newTestEnv(t, DefaultConfig(), nil)

	rec, _ := env.do(t, http.MethodPost, "/v1/users/carol/xp", `{"amount":10}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, resp := env.do(t, http.MethodPost, "/v1/users/carol/badges/evaluate", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res evaluateBadgesResponse
	dataAs(t, resp, &res)
	assert.Equal(t, []string{"first-steps"}, res.AwardedBadges)

	// Nothing new on a second pass.
	_, resp = env.do(t, http.MethodPost, "/v1/users/carol/badges/evaluate", "")
	dataAs(t, resp, &res)
	assert.Empty(t, res.AwardedBadges)
}

func TestRecordActivity_OptionalBody(t *testing.T) {
	env := newTestEnv(t, DefaultConfig(), nil)

	rec, resp := env.do(t, http.MethodPost, "/v1/users/dave/activity", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res recordActivityResponse
	dataAs(t, resp, &res)
	assert.Equal(t, 1, res.CurrentStreak)

	rec, resp = env.do(t, http.MethodPost, "/v1/users/dave/activity", `{"occurred_at":"2024-06-06T09:00:00Z"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	dataAs(t, resp, &res)
	assert.Equal(t, 2, res.CurrentStreak)
	assert.Equal(t, 2, res.LongestStreak)

	// Going back in time is rejected.
	rec, _ = env.do(t, http.MethodPost, "/v1/users/dave/activity", `{"occurred_at":"2024-06-01T09:00:00Z"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecordActivity_FutureTimestampDoesNotLockStreak(t *testing.T) {
	env := newTestEnv(t, DefaultConfig(), nil)

	rec, resp := env.do(t, http.MethodPost, "/v1/users/frank/activity", `{"occurred_at":"2034-06-05T12:00:00Z"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.NotNil(t, resp.Error)
	assert.Empty(t, env.outbox.Pending())

	rec, resp = env.do(t, http.MethodPost, "/v1/users/frank/activity", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res recordActivityResponse
	dataAs(t, resp, &res)
	assert.Equal(t, 1, res.CurrentStreak)

	rec, _ = env.do(t, http.MethodPost, "/v1/users/frank/xp", `{"amount":10,"occurred_at":"2034-06-05T12:00:00Z"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEvents_CarryRequestID(t *testing.T) {
	env := newTestEnv(t, DefaultConfig(), nil)

	rec, _ := env.do(t, http.MethodPost, "/v1/users/gina/activity", "", handlers.HeaderRequestID, "req-activity")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec, _ = env.do(t, http.MethodPost, "/v1/users/gina/badges/first-steps", "", handlers.HeaderRequestID, "req-badge")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	got := make(map[shared.EventType]string)
	for _, e := range env.outbox.Pending() {
		got[e.Type] = e.CorrelationID
	}
	assert.Equal(t, map[shared.EventType]string{
		shared.EventStreakUpdated: "req-activity",
		shared.EventBadgeEarned:   "req-badge",
	}, got)
}

func TestStoreConflict_Returns503WithRetryAfter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetryAfter = 2 * time.Second
	env := newTestEnv(t, cfg, func(s progress.Store) progress.Store { return alwaysConflicting{s} })

	rec, resp := env.do(t, http.MethodPost, "/v1/users/erin/xp", `{"amount":5}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	require.NotNil(t, resp.Error)
	assert.Equal(t, "conflict_retry", resp.Error.Code)
}

func TestLeaderboard(t *testing.T) {
	env := newTestEnv(t, DefaultConfig(), nil)

	for _, g := range []struct {
		user   string
		amount string
	}{{"alice", "500"}, {"bob", "120"}, {"carol", "300"}} {
		rec, _ := env.do(t, http.MethodPost, "/v1/users/"+g.user+"/xp", `{"amount":`+g.amount+`}`)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec, resp := env.do(t, http.MethodGet, "/v1/leaderboard?period=all_time&limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var page leaderboard.Page
	dataAs(t, resp, &page)
	require.Len(t, page.Entries, 2)
	assert.Equal(t, "alice", page.Entries[0].UserID)
	assert.Equal(t, "carol", page.Entries[1].UserID)
	assert.Equal(t, 3, page.Total)
	require.NotNil(t, resp.Meta)
	assert.True(t, resp.Meta.HasMore)
	assert.Equal(t, 3, resp.Meta.TotalCount)

	rec, resp = env.do(t, http.MethodGet, "/v1/leaderboard?period=all_time&limit=2&offset=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	dataAs(t, resp, &page)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, "bob", page.Entries[0].UserID)
	assert.EqualValues(t, 3, page.Entries[0].Rank)
	assert.False(t, resp.Meta.HasMore)
}

func TestListBadges(t *testing.T) {
	env := newTestEnv(t, DefaultConfig(), nil)

	rec, resp := env.do(t, http.MethodGet, "/v1/badges", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var badges []badge.Badge
	dataAs(t, resp, &badges)
	require.Len(t, badges, 2)
	assert.Equal(t, "first-steps", badges[0].ID)
}

func TestAPIKeyAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.APIKeyHashes = []string{string(hash)}
	env := newTestEnv(t, cfg, nil)

	rec, _ := env.do(t, http.MethodGet, "/v1/badges", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = env.do(t, http.MethodGet, "/v1/badges", "", "X-API-Key", "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = env.do(t, http.MethodGet, "/v1/badges", "", "X-API-Key", "s3cret")
	assert.Equal(t, http.StatusOK, rec.Code)

	// Probes stay open.
	rec, _ = env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimit.RequestsPerMinute = 1
	cfg.RateLimit.BurstSize = 2
	env := newTestEnv(t, cfg, nil)

	for i := 0; i < 2; i++ {
		rec, _ := env.do(t, http.MethodGet, "/v1/badges", "")
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec, resp := env.do(t, http.MethodGet, "/v1/badges", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	require.NotNil(t, resp.Error)
	assert.Equal(t, "rate_limited", resp.Error.Code)

	// Another key has its own bucket.
	rec, _ = env.do(t, http.MethodGet, "/v1/badges", "", "X-API-Key", "other")
	assert.Equal(t, http.StatusOK, rec.Code)

	// Probes are not limited.
	rec, _ = env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNewServer_RejectsBadHash(t *testing.T) {
	cfg := DefaultConfig()
	cfg.APIKeyHashes = []string{"plaintext"}
	_, err := NewServer(cfg, Dependencies{})
	assert.ErrorIs(t, err, handlers.ErrInvalidKeyHash)
}

func TestHealthAndReady(t *testing.T) {
	checker := handlers.NewCompositeHealthChecker("test")
	checker.AddCheck("store", func(context.Context) error { return nil })
	checker.AddOptionalCheck("cache", func(context.Context) error { return errors.New("redis down") })

	srv, err := NewServer(DefaultConfig(), Dependencies{HealthChecker: checker})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var status handlers.HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.False(t, status.Healthy)
	assert.True(t, status.Ready)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDEchoed(t *testing.T) {
	env := newTestEnv(t, DefaultConfig(), nil)

	rec, resp := env.do(t, http.MethodGet, "/v1/badges", "", handlers.HeaderRequestID, "req-42")
	assert.Equal(t, "req-42", rec.Header().Get(handlers.HeaderRequestID))
	assert.Equal(t, "req-42", resp.RequestID)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{shared.ErrInvalidXPAmount, http.StatusBadRequest},
		{shared.ErrBadgeNotFound, http.StatusNotFound},
		{shared.ErrBadgeAlreadyEarned, http.StatusConflict},
		{shared.ErrStoreConflict, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		status, _ := statusFor(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
	}
}
