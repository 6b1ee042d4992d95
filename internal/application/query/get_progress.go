package query

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/alem-hub/alem-gamification/internal/domain/badge"
	"github.com/alem-hub/alem-gamification/internal/domain/progress"
	"github.com/alem-hub/alem-gamification/internal/domain/shared"
	"github.com/alem-hub/alem-gamification/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET PROGRESS QUERY
// ══════════════════════════════════════════════════════════════════════════════

// GetProgressQuery requests one user's progress.
type GetProgressQuery struct {
	UserID string
}

// Validate validates the query.
func (q GetProgressQuery) Validate() error {
	_, err := shared.NewUserID(q.UserID)
	return err
}

// BadgeView is an earned badge with catalog details.
type BadgeView struct {
	ID       string    `json:"id"`
	Name     string    `json:"name,omitempty"`
	Rarity   string    `json:"rarity,omitempty"`
	EarnedAt time.Time `json:"earned_at"`
}

// ProgressView is the read model of a user's progress.
type ProgressView struct {
	UserID         string `json:"user_id"`
	TotalXP        int64  `json:"total_xp"`
	Level          int    `json:"level"`
	XPIntoLevel    int64  `json:"xp_into_level"`
	XPForNextLevel int64  `json:"xp_for_next_level"`

	CurrentStreak      int        `json:"current_streak"`
	LongestStreak      int        `json:"longest_streak"`
	LastActivityDate   *time.Time `json:"last_activity_date,omitempty"`
	StreakActive       bool       `json:"streak_active"`
	StreakBonusPercent int        `json:"streak_bonus_percent"`

	Badges  []BadgeView `json:"badges"`
	Version int64       `json:"version"`
}

// ProgressReader loads aggregates without creating them.
type ProgressReader interface {
	Load(ctx context.Context, userID string) (*progress.UserProgress, error)
}

// GetProgressHandler handles progress queries.
type GetProgressHandler struct {
	reader  ProgressReader
	catalog badge.Lookup
	clock   timeutil.Clock
}

// NewGetProgressHandler creates a new handler. catalog may be nil.
func NewGetProgressHandler(reader ProgressReader, catalog badge.Lookup, clock timeutil.Clock) *GetProgressHandler {
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	return &GetProgressHandler{reader: reader, catalog: catalog, clock: clock}
}

// Handle executes the progress query. Unknown users yield ErrProgressNotFound.
func (h *GetProgressHandler) Handle(ctx context.Context, q GetProgressQuery) (*ProgressView, error) {
	ctx, span := tracer.Start(ctx, "query.GetProgress", trace.WithAttributes(
		attribute.String("user.id", q.UserID),
	))
	defer span.End()

	if err := q.Validate(); err != nil {
		span.SetStatus(codes.Error, "invalid query")
		return nil, err
	}

	p, err := h.reader.Load(ctx, q.UserID)
	if err != nil {
		if !shared.IsNotFound(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "load progress failed")
		}
		return nil, err
	}

	return h.view(p), nil
}

func (h *GetProgressHandler) view(p *progress.UserProgress) *ProgressView {
	lp := p.LevelProgress()
	streak := p.Streak()

	v := &ProgressView{
		UserID:             p.UserID(),
		TotalXP:            p.TotalXP(),
		Level:              lp.Level,
		XPIntoLevel:        lp.IntoLevel,
		XPForNextLevel:     lp.ForNextLevel,
		CurrentStreak:      streak.Current,
		LongestStreak:      streak.Longest,
		StreakActive:       p.StreakActive(h.clock.Now()),
		StreakBonusPercent: p.StreakBonusPercent(),
		Badges:             []BadgeView{},
		Version:            p.Version(),
	}
	if streak.HasActivity() {
		d := streak.LastActivityDate
		v.LastActivityDate = &d
	}

	for _, eb := range p.Badges() {
		bv := BadgeView{ID: eb.BadgeID, EarnedAt: eb.EarnedAt}
		if h.catalog != nil {
			if b, ok := h.catalog.Get(eb.BadgeID); ok {
				bv.Name = b.Name
				bv.Rarity = string(b.Rarity)
			}
		}
		v.Badges = append(v.Badges, bv)
	}
	return v
}
