package progress

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alem-hub/alem-gamification/internal/domain/badge"
	"github.com/alem-hub/alem-gamification/internal/domain/shared"
	"github.com/alem-hub/alem-gamification/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// POLICY
// ══════════════════════════════════════════════════════════════════════════════

// Policy - конфигурация вычислений агрегата: кривая уровней, бонус за серию, календарь.
type Policy struct {
	Curve    Curve
	Bonus    StreakBonus
	Calendar timeutil.Calendar
}

// DefaultPolicy: StepCurve(100), +5%/3 дня до 50%, календарь Asia/Almaty.
func DefaultPolicy() Policy {
	return Policy{
		Curve:    StepCurve{Base: DefaultStepBase},
		Bonus:    DefaultStreakBonus(),
		Calendar: timeutil.NewCalendar(timeutil.AlmatyTZ),
	}
}

// Validate проверяет политику.
func (p Policy) Validate() error {
	if p.Curve == nil {
		return fmt.Errorf("leveling curve is required")
	}
	if p.Curve.Level(0) != 1 {
		return fmt.Errorf("leveling curve must start at level 1")
	}
	return p.Bonus.Validate()
}

// ══════════════════════════════════════════════════════════════════════════════
// INPUTS AND OUTCOMES
// ══════════════════════════════════════════════════════════════════════════════

// XPGrant - входные данные начисления XP.
type XPGrant struct {
	Amount int64

	// Reason - свободная классификация (lesson_complete, submission_graded, ...).
	Reason string

	// ReferenceID - ключ идемпотентности. Пустой - без защиты от повтора.
	ReferenceID string
}

// XPOutcome - результат GrantXP.
type XPOutcome struct {
	TotalXP       int64
	Level         int
	PreviousLevel int
	LeveledUp     bool

	// Duplicate - ReferenceID уже применялся, состояние не изменилось.
	Duplicate bool
}

// StreakOutcome - результат RecordActivity.
type StreakOutcome struct {
	Current      int
	Previous     int
	Longest      int
	Changed      bool
	Reset        bool
	BonusPercent int
}

// BadgeOutcome - результат AwardBadge.
type BadgeOutcome struct {
	BadgeID  string
	Name     string
	Rarity   badge.Rarity
	EarnedAt time.Time
}

// LedgerEntry - запись журнала XP. Журнал нужен для оконных лидербордов.
type LedgerEntry struct {
	ID          string
	Amount      int64
	Reason      string
	ReferenceID string
	TotalAfter  int64
	GrantedAt   time.Time
}

// EarnedBadge - полученный значок.
type EarnedBadge struct {
	BadgeID  string
	EarnedAt time.Time
}

// ══════════════════════════════════════════════════════════════════════════════
// AGGREGATE
// ══════════════════════════════════════════════════════════════════════════════

// UserProgress - корень агрегата прогресса пользователя.
// Все изменения идут через методы; поля наружу не открыты.
type UserProgress struct {
	userID string
	policy Policy

	totalXP  int64
	level    int
	lastXPAt time.Time
	streak   Streak

	badges  map[string]time.Time
	applied map[string]struct{}

	createdAt time.Time
	updatedAt time.Time
	version   int64

	// Не сохраняются как состояние.
	correlationID string
	events        []shared.Event
	newGrants     []LedgerEntry
	newBadges     []EarnedBadge
	dirty         bool
}

// New создаёт пустой прогресс: 0 XP, уровень 1, без серии и значков.
func New(userID string, policy Policy, now time.Time) (*UserProgress, error) {
	if _, err := shared.NewUserID(userID); err != nil {
		return nil, err
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid progress policy: %w", err)
	}
	return &UserProgress{
		userID:    userID,
		policy:    policy,
		level:     policy.Curve.Level(0),
		badges:    make(map[string]time.Time),
		applied:   make(map[string]struct{}),
		createdAt: now.UTC(),
		updatedAt: now.UTC(),
	}, nil
}

// Snapshot - сохраняемое состояние агрегата.
type Snapshot struct {
	UserID            string
	TotalXP           int64
	LastXPAt          time.Time
	Streak            Streak
	Badges            []EarnedBadge
	AppliedReferences []string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	Version           int64
}

// Restore восстанавливает агрегат из хранилища. Уровень всегда пересчитывается по кривой.
func Restore(s Snapshot, policy Policy) (*UserProgress, error) {
	if _, err := shared.NewUserID(s.UserID); err != nil {
		return nil, err
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid progress policy: %w", err)
	}
	if s.TotalXP < 0 || s.Streak.Current < 0 || s.Streak.Longest < s.Streak.Current {
		return nil, shared.WrapError("progress", "Restore", shared.ErrValidation,
			"corrupted progress snapshot", fmt.Errorf("user %s", s.UserID))
	}

	p := &UserProgress{
		userID:    s.UserID,
		policy:    policy,
		totalXP:   s.TotalXP,
		level:     policy.Curve.Level(s.TotalXP),
		lastXPAt:  s.LastXPAt,
		streak:    s.Streak,
		badges:    make(map[string]time.Time, len(s.Badges)),
		applied:   make(map[string]struct{}, len(s.AppliedReferences)),
		createdAt: s.CreatedAt,
		updatedAt: s.UpdatedAt,
		version:   s.Version,
	}
	for _, b := range s.Badges {
		p.badges[b.BadgeID] = b.EarnedAt
	}
	for _, ref := range s.AppliedReferences {
		p.applied[ref] = struct{}{}
	}
	return p, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Mutations
// ─────────────────────────────────────────────────────────────────────────────

// GrantXP начисляет XP. Повтор с уже применённым ReferenceID ничего не меняет
// и не создаёт событий. Эмитит XpEarned и, при росте уровня, один LevelUp.
func (p *UserProgress) GrantXP(grant XPGrant, now time.Time) (XPOutcome, error) {
	if _, err := shared.NewGrantXP(grant.Amount); err != nil {
		return XPOutcome{}, shared.ErrInvalidXPAmount.With(fmt.Sprintf("amount %d", grant.Amount), nil)
	}

	ref := strings.TrimSpace(grant.ReferenceID)
	if ref != "" {
		if _, seen := p.applied[ref]; seen {
			return XPOutcome{
				TotalXP:       p.totalXP,
				Level:         p.level,
				PreviousLevel: p.level,
				Duplicate:     true,
			}, nil
		}
	}

	now = now.UTC()
	prevLevel := p.level
	p.totalXP += grant.Amount
	p.level = p.policy.Curve.Level(p.totalXP)
	// Задним числом начисленный XP не сдвигает момент достижения суммы назад.
	if now.After(p.lastXPAt) {
		p.lastXPAt = now
	}
	if ref != "" {
		p.applied[ref] = struct{}{}
	}

	p.newGrants = append(p.newGrants, LedgerEntry{
		ID:          uuid.NewString(),
		Amount:      grant.Amount,
		Reason:      grant.Reason,
		ReferenceID: ref,
		TotalAfter:  p.totalXP,
		GrantedAt:   now,
	})

	earned := shared.NewXpEarnedEvent(p.userID, grant.Amount, grant.Reason, ref, p.totalXP, p.level, now)
	earned.BaseEvent = earned.WithCorrelationID(p.correlationID)
	p.record(earned)

	leveledUp := p.level > prevLevel
	if leveledUp {
		up := shared.NewLevelUpEvent(p.userID, p.level, p.totalXP, now)
		up.BaseEvent = up.WithCorrelationID(p.correlationID)
		p.record(up)
	}
	p.touch(now)

	return XPOutcome{
		TotalXP:       p.totalXP,
		Level:         p.level,
		PreviousLevel: prevLevel,
		LeveledUp:     leveledUp,
	}, nil
}

// RecordActivity засчитывает активность в календарный день now.
// Активность раньше последней записанной отклоняется, состояние не меняется.
func (p *UserProgress) RecordActivity(now time.Time) (StreakOutcome, error) {
	day := p.policy.Calendar.Date(now)
	prev := p.streak

	next, err := prev.Record(day)
	if err != nil {
		return StreakOutcome{}, shared.ErrInvalidActivityTime.With("", err)
	}

	out := StreakOutcome{
		Current:      next.Current,
		Previous:     prev.Current,
		Longest:      next.Longest,
		Changed:      next.Current != prev.Current,
		Reset:        prev.HasActivity() && timeutil.DateDiff(prev.LastActivityDate, day) > 1,
		BonusPercent: p.policy.Bonus.Percent(next.Current),
	}

	if next.Current == prev.Current && next.Longest == prev.Longest &&
		next.LastActivityDate.Equal(prev.LastActivityDate) {
		return out, nil
	}

	p.streak = next
	if out.Changed {
		updated := shared.NewStreakUpdatedEvent(p.userID, next.Current, prev.Current, now)
		updated.BaseEvent = updated.WithCorrelationID(p.correlationID)
		p.record(updated)
	}
	p.touch(now)
	return out, nil
}

// AwardBadge выдаёт значок из каталога. Повторная выдача - ошибка
// ErrBadgeAlreadyEarned, чтобы вызывающий отличал первый раз от повтора.
func (p *UserProgress) AwardBadge(badgeID string, lookup badge.Lookup, now time.Time) (BadgeOutcome, error) {
	b, ok := lookup.Get(badgeID)
	if !ok {
		return BadgeOutcome{}, shared.ErrBadgeNotFound.With(badgeID, nil)
	}
	if _, earned := p.badges[badgeID]; earned {
		return BadgeOutcome{}, shared.ErrBadgeAlreadyEarned.With(badgeID, nil)
	}

	now = now.UTC()
	p.badges[badgeID] = now
	p.newBadges = append(p.newBadges, EarnedBadge{BadgeID: badgeID, EarnedAt: now})
	earned := shared.NewBadgeEarnedEvent(p.userID, b.ID, b.Name, b.Rarity.String(), now)
	earned.BaseEvent = earned.WithCorrelationID(p.correlationID)
	p.record(earned)
	p.touch(now)

	return BadgeOutcome{BadgeID: b.ID, Name: b.Name, Rarity: b.Rarity, EarnedAt: now}, nil
}

// EvaluateBadgeRules возвращает id значков, которые пользователь может получить сейчас.
// Только чтение: выдавать их нужно через AwardBadge.
func (p *UserProgress) EvaluateBadgeRules(catalog badge.Lister) []string {
	return badge.Evaluate(p.Stats(), catalog)
}

// Correlate помечает события, записанные после вызова, идентификатором запроса.
func (p *UserProgress) Correlate(correlationID string) {
	p.correlationID = correlationID
}

// ClearEvents забирает накопленные события и очищает буфер.
func (p *UserProgress) ClearEvents() []shared.Event {
	events := p.events
	p.events = nil
	return events
}

func (p *UserProgress) record(e shared.Event) {
	p.events = append(p.events, e)
}

func (p *UserProgress) touch(now time.Time) {
	p.updatedAt = now.UTC()
	p.dirty = true
}

// ─────────────────────────────────────────────────────────────────────────────
// Reads
// ─────────────────────────────────────────────────────────────────────────────

// UserID возвращает идентификатор пользователя.
func (p *UserProgress) UserID() string { return p.userID }

// TotalXP возвращает накопленный XP.
func (p *UserProgress) TotalXP() int64 { return p.totalXP }

// Level возвращает уровень, всегда равный Curve.Level(TotalXP).
func (p *UserProgress) Level() int { return p.level }

// LevelProgress возвращает положение внутри уровня.
func (p *UserProgress) LevelProgress() LevelProgress {
	return ProgressOf(p.policy.Curve, p.totalXP)
}

// Streak возвращает состояние серии.
func (p *UserProgress) Streak() Streak { return p.streak }

// StreakActive - серия не прервана на момент now.
func (p *UserProgress) StreakActive(now time.Time) bool {
	return p.streak.IsActive(p.policy.Calendar.Date(now))
}

// StreakBonusPercent возвращает бонус за текущую серию.
func (p *UserProgress) StreakBonusPercent() int {
	return p.policy.Bonus.Percent(p.streak.Current)
}

// HasBadge проверяет наличие значка.
func (p *UserProgress) HasBadge(badgeID string) bool {
	_, ok := p.badges[badgeID]
	return ok
}

// Badges возвращает полученные значки по времени получения.
func (p *UserProgress) Badges() []EarnedBadge {
	out := make([]EarnedBadge, 0, len(p.badges))
	for id, at := range p.badges {
		out = append(out, EarnedBadge{BadgeID: id, EarnedAt: at})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EarnedAt.Equal(out[j].EarnedAt) {
			return out[i].BadgeID < out[j].BadgeID
		}
		return out[i].EarnedAt.Before(out[j].EarnedAt)
	})
	return out
}

// Stats возвращает снимок статистики для правил значков.
func (p *UserProgress) Stats() badge.Stats {
	earned := make(map[string]bool, len(p.badges))
	for id := range p.badges {
		earned[id] = true
	}
	return badge.Stats{
		TotalXP:       p.totalXP,
		Level:         p.level,
		CurrentStreak: p.streak.Current,
		LongestStreak: p.streak.Longest,
		Earned:        earned,
	}
}

// LastXPAt - время последнего начисления, с которого действует текущий TotalXP.
func (p *UserProgress) LastXPAt() time.Time { return p.lastXPAt }

// CreatedAt возвращает время создания.
func (p *UserProgress) CreatedAt() time.Time { return p.createdAt }

// UpdatedAt возвращает время последнего изменения.
func (p *UserProgress) UpdatedAt() time.Time { return p.updatedAt }

// ─────────────────────────────────────────────────────────────────────────────
// Persistence support
// ─────────────────────────────────────────────────────────────────────────────

// Version - версия для compare-and-swap. 0 - ещё не сохранён.
func (p *UserProgress) Version() int64 { return p.version }

// Dirty - есть несохранённые изменения.
func (p *UserProgress) Dirty() bool { return p.dirty }

// Snapshot возвращает состояние для записи.
func (p *UserProgress) Snapshot() Snapshot {
	refs := make([]string, 0, len(p.applied))
	for ref := range p.applied {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return Snapshot{
		UserID:            p.userID,
		TotalXP:           p.totalXP,
		LastXPAt:          p.lastXPAt,
		Streak:            p.streak,
		Badges:            p.Badges(),
		AppliedReferences: refs,
		CreatedAt:         p.createdAt,
		UpdatedAt:         p.updatedAt,
		Version:           p.version,
	}
}

// Changes - записи журнала, значки и события, добавленные с момента загрузки.
// Хранилище пишет Events в outbox в той же операции, что и состояние.
type Changes struct {
	Grants []LedgerEntry
	Badges []EarnedBadge
	Events []shared.Event
}

// Changes возвращает несохранённые добавления.
func (p *UserProgress) Changes() Changes {
	return Changes{
		Grants: append([]LedgerEntry(nil), p.newGrants...),
		Badges: append([]EarnedBadge(nil), p.newBadges...),
		Events: append([]shared.Event(nil), p.events...),
	}
}

// MarkPersisted вызывается хранилищем после успешной записи.
// Сохранённые события из буфера удаляются.
func (p *UserProgress) MarkPersisted(version int64) {
	p.version = version
	p.newGrants = nil
	p.newBadges = nil
	p.events = nil
	p.dirty = false
}
