package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/alem-hub/alem-gamification/internal/application/command"
	"github.com/alem-hub/alem-gamification/internal/application/query"
	"github.com/alem-hub/alem-gamification/internal/domain/badge"
	"github.com/alem-hub/alem-gamification/internal/domain/shared"
	"github.com/alem-hub/alem-gamification/internal/interface/http/handlers"
	"github.com/alem-hub/alem-gamification/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH & STATUS HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// handleHealth reports every dependency check.
func (s *Server) handleHealth(c *gin.Context) {
	status := s.deps.HealthChecker.Check(c.Request.Context())
	if !status.Healthy {
		c.JSON(http.StatusServiceUnavailable, status)
		return
	}
	c.JSON(http.StatusOK, status)
}

// handleReady is the readiness probe.
func (s *Server) handleReady(c *gin.Context) {
	status := s.deps.HealthChecker.Check(c.Request.Context())
	if !status.Ready {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not_ready",
			"reason": status.Message,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// ══════════════════════════════════════════════════════════════════════════════
// COMMAND HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

type grantXPRequest struct {
	Amount      int64      `json:"amount"`
	Reason      string     `json:"reason"`
	ReferenceID string     `json:"reference_id"`
	OccurredAt  *time.Time `json:"occurred_at"`
}

type grantXPResponse struct {
	UserID        string   `json:"user_id"`
	TotalXP       int64    `json:"total_xp"`
	Level         int      `json:"level"`
	PreviousLevel int      `json:"previous_level"`
	LeveledUp     bool     `json:"leveled_up"`
	Duplicate     bool     `json:"duplicate"`
	AwardedBadges []string `json:"awarded_badges"`
	Version       int64    `json:"version"`
}

// handleGrantXP handles POST /v1/users/:userID/xp.
func (s *Server) handleGrantXP(c *gin.Context) {
	var req grantXPRequest
	if !bindJSON(c, &req, true) {
		return
	}

	cmd := command.GrantXPCommand{
		UserID:        c.Param("userID"),
		Amount:        req.Amount,
		Reason:        req.Reason,
		ReferenceID:   req.ReferenceID,
		CorrelationID: handlers.GetRequestID(c),
	}
	if req.OccurredAt != nil {
		cmd.OccurredAt = req.OccurredAt.UTC()
	}

	res, err := s.deps.GrantXPHandler.Handle(c.Request.Context(), cmd)
	if err != nil {
		s.writeDomainError(c, err)
		return
	}

	// Replays of an applied reference are acknowledged with 200 and duplicate=true.
	writeJSON(c, http.StatusOK, grantXPResponse{
		UserID:        res.UserID,
		TotalXP:       res.TotalXP,
		Level:         res.Level,
		PreviousLevel: res.PreviousLevel,
		LeveledUp:     res.LeveledUp,
		Duplicate:     res.Duplicate,
		AwardedBadges: nonNil(res.AwardedBadges),
		Version:       res.Version,
	})
}

type recordActivityRequest struct {
	OccurredAt *time.Time `json:"occurred_at"`
}

type recordActivityResponse struct {
	UserID         string   `json:"user_id"`
	CurrentStreak  int      `json:"current_streak"`
	LongestStreak  int      `json:"longest_streak"`
	PreviousStreak int      `json:"previous_streak"`
	Changed        bool     `json:"changed"`
	Reset          bool     `json:"reset"`
	BonusPercent   int      `json:"bonus_percent"`
	AwardedBadges  []string `json:"awarded_badges"`
	Version        int64    `json:"version"`
}

// handleRecordActivity handles POST /v1/users/:userID/activity.
// The body is optional.
func (s *Server) handleRecordActivity(c *gin.Context) {
	var req recordActivityRequest
	if !bindJSON(c, &req, false) {
		return
	}

	cmd := command.RecordActivityCommand{
		UserID:        c.Param("userID"),
		CorrelationID: handlers.GetRequestID(c),
	}
	if req.OccurredAt != nil {
		cmd.OccurredAt = req.OccurredAt.UTC()
	}

	res, err := s.deps.RecordActivityHandler.Handle(c.Request.Context(), cmd)
	if err != nil {
		s.writeDomainError(c, err)
		return
	}

	writeJSON(c, http.StatusOK, recordActivityResponse{
		UserID:         res.UserID,
		CurrentStreak:  res.CurrentStreak,
		LongestStreak:  res.LongestStreak,
		PreviousStreak: res.PreviousStreak,
		Changed:        res.Changed,
		Reset:          res.Reset,
		BonusPercent:   res.BonusPercent,
		AwardedBadges:  nonNil(res.AwardedBadges),
		Version:        res.Version,
	})
}

type awardBadgeResponse struct {
	UserID    string `json:"user_id"`
	BadgeID   string `json:"badge_id"`
	BadgeName string `json:"badge_name"`
	Rarity    string `json:"rarity"`
	Version   int64  `json:"version"`
}

// handleAwardBadge handles POST /v1/users/:userID/badges/:badgeID.
func (s *Server) handleAwardBadge(c *gin.Context) {
	res, err := s.deps.AwardBadgeHandler.Handle(c.Request.Context(), command.AwardBadgeCommand{
		UserID:        c.Param("userID"),
		BadgeID:       c.Param("badgeID"),
		CorrelationID: handlers.GetRequestID(c),
	})
	if err != nil {
		s.writeDomainError(c, err)
		return
	}

	writeJSON(c, http.StatusCreated, awardBadgeResponse{
		UserID:    res.UserID,
		BadgeID:   res.BadgeID,
		BadgeName: res.BadgeName,
		Rarity:    res.Rarity,
		Version:   res.Version,
	})
}

type evaluateBadgesResponse struct {
	UserID        string   `json:"user_id"`
	AwardedBadges []string `json:"awarded_badges"`
	Version       int64    `json:"version"`
}

// handleEvaluateBadges handles POST /v1/users/:userID/badges/evaluate.
func (s *Server) handleEvaluateBadges(c *gin.Context) {
	res, err := s.deps.EvaluateBadgesHandler.Handle(c.Request.Context(), command.EvaluateBadgesCommand{
		UserID:        c.Param("userID"),
		CorrelationID: handlers.GetRequestID(c),
	})
	if err != nil {
		s.writeDomainError(c, err)
		return
	}

	writeJSON(c, http.StatusOK, evaluateBadgesResponse{
		UserID:        res.UserID,
		AwardedBadges: nonNil(res.AwardedBadges),
		Version:       res.Version,
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// QUERY HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// handleGetProgress handles GET /v1/users/:userID/progress.
func (s *Server) handleGetProgress(c *gin.Context) {
	view, err := s.deps.GetProgressHandler.Handle(c.Request.Context(), query.GetProgressQuery{
		UserID: c.Param("userID"),
	})
	if err != nil {
		s.writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, view)
}

// handleGetLeaderboard handles GET /v1/leaderboard?period=&limit=&offset=.
func (s *Server) handleGetLeaderboard(c *gin.Context) {
	limit, ok := queryInt(c, "limit", 0)
	if !ok {
		return
	}
	offset, ok := queryInt(c, "offset", 0)
	if !ok {
		return
	}

	res, err := s.deps.GetLeaderboardHandler.Handle(c.Request.Context(), query.GetLeaderboardQuery{
		Period: c.Query("period"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.writeDomainError(c, err)
		return
	}

	writeJSONWithMeta(c, http.StatusOK, res.Page, &ResponseMeta{
		TotalCount: res.Total,
		HasMore:    res.Offset+len(res.Entries) < res.Total,
		Cached:     res.FromCache,
	})
}

// handleListBadges handles GET /v1/badges.
func (s *Server) handleListBadges(c *gin.Context) {
	var all []badge.Badge
	if s.deps.Catalog != nil {
		all = s.deps.Catalog.All()
	}
	if all == nil {
		all = []badge.Badge{}
	}
	writeJSONWithMeta(c, http.StatusOK, all, &ResponseMeta{TotalCount: len(all)})
}

// ══════════════════════════════════════════════════════════════════════════════
// RESPONSE HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// JSONResponse represents a standard JSON response.
type JSONResponse struct {
	Success   bool          `json:"success"`
	Data      interface{}   `json:"data,omitempty"`
	Error     *APIError     `json:"error,omitempty"`
	Meta      *ResponseMeta `json:"meta,omitempty"`
	RequestID string        `json:"request_id,omitempty"`
}

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResponseMeta contains response metadata.
type ResponseMeta struct {
	Timestamp  time.Time `json:"timestamp"`
	Version    string    `json:"version,omitempty"`
	TotalCount int       `json:"total_count,omitempty"`
	HasMore    bool      `json:"has_more,omitempty"`
	Cached     bool      `json:"cached,omitempty"`
}

func writeJSON(c *gin.Context, status int, data interface{}) {
	writeJSONWithMeta(c, status, data, nil)
}

func writeJSONWithMeta(c *gin.Context, status int, data interface{}, meta *ResponseMeta) {
	if meta == nil {
		meta = &ResponseMeta{}
	}
	meta.Timestamp = time.Now().UTC()
	meta.Version = "v1"

	c.JSON(status, JSONResponse{
		Success:   status >= 200 && status < 300,
		Data:      data,
		Meta:      meta,
		RequestID: handlers.GetRequestID(c),
	})
}

func writeJSONError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, JSONResponse{
		Success:   false,
		Error:     &APIError{Code: code, Message: message},
		Meta:      &ResponseMeta{Timestamp: time.Now().UTC()},
		RequestID: handlers.GetRequestID(c),
	})
}

// writeDomainError maps an application error to a status code.
func (s *Server) writeDomainError(c *gin.Context, err error) {
	status, code := statusFor(err)
	switch {
	case status == http.StatusServiceUnavailable:
		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(s.config.RetryAfter)))
		s.logger.Warn("request rejected, retry later",
			logger.String("path", c.FullPath()),
			logger.Err(err),
		)
	case status >= http.StatusInternalServerError:
		s.logger.Error("request failed",
			logger.String("path", c.FullPath()),
			logger.Err(err),
		)
	}

	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	writeJSONError(c, status, code, message)
}

// statusFor is the error to status code table.
func statusFor(err error) (int, string) {
	switch {
	case shared.IsValidation(err):
		return http.StatusBadRequest, "invalid_request"
	case shared.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case shared.IsAlreadyExists(err):
		return http.StatusConflict, "already_exists"
	case shared.IsRetryable(err):
		return http.StatusServiceUnavailable, "conflict_retry"
	case errors.Is(err, context.Canceled):
		return 499, "client_closed_request"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPER FUNCTIONS
// ══════════════════════════════════════════════════════════════════════════════

// bindJSON decodes the body into dst. An empty body passes when required
// is false. On failure a 400 is written and false is returned.
func bindJSON(c *gin.Context, dst interface{}, required bool) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		if errors.Is(err, io.EOF) && !required {
			return true
		}
		writeJSONError(c, http.StatusBadRequest, "invalid_body", "malformed JSON body")
		return false
	}
	return true
}

// queryInt parses an integer query parameter with a default value.
func queryInt(c *gin.Context, key string, defaultValue int) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return defaultValue, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		writeJSONError(c, http.StatusBadRequest, "invalid_request", key+" must be an integer")
		return 0, false
	}
	return v, true
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
