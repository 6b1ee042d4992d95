package shared

import (
	"time"
	"unicode"
)

// ═══════════════════════════════════════════════════════════════════════════
// UserID Value Object
// ═══════════════════════════════════════════════════════════════════════════

// UserID is the opaque identifier of a user owned by the identity service.
type UserID string

// MaxUserIDLength bounds identifiers accepted from callers.
const MaxUserIDLength = 128

// IsValid checks that the id is non-empty, bounded, and has no whitespace or control characters.
func (u UserID) IsValid() bool {
	if u == "" || len(u) > MaxUserIDLength {
		return false
	}
	for _, r := range string(u) {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return false
		}
	}
	return true
}

// String returns the string representation.
func (u UserID) String() string {
	return string(u)
}

// NewUserID creates a UserID with validation.
func NewUserID(id string) (UserID, error) {
	uid := UserID(id)
	if !uid.IsValid() {
		return "", ErrInvalidUserID
	}
	return uid, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// XP Value Object (Experience Points)
// ═══════════════════════════════════════════════════════════════════════════

// XP represents experience points. Totals only ever grow.
type XP int64

// MaxGrantXP caps a single grant so a bad caller cannot overflow totals.
const MaxGrantXP XP = 1_000_000

// IsValid checks if the value is a valid grant amount.
func (x XP) IsValid() bool {
	return x > 0 && x <= MaxGrantXP
}

// NewGrantXP validates a grant amount.
func NewGrantXP(amount int64) (XP, error) {
	x := XP(amount)
	if !x.IsValid() {
		return 0, ErrInvalidXPAmount
	}
	return x, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Rank Value Object
// ═══════════════════════════════════════════════════════════════════════════

// Rank represents an absolute, 1-based leaderboard position.
type Rank int

// ═══════════════════════════════════════════════════════════════════════════
// Window Value Object
// ═══════════════════════════════════════════════════════════════════════════

// Window is a half-open time range [Start, End). A zero Start or End is unbounded.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Unbounded reports whether the window covers all time.
func (w Window) Unbounded() bool {
	return w.Start.IsZero() && w.End.IsZero()
}

// Contains checks if t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	if !w.Start.IsZero() && t.Before(w.Start) {
		return false
	}
	if !w.End.IsZero() && !t.Before(w.End) {
		return false
	}
	return true
}

// NewWindow creates a bounded window with validation.
func NewWindow(start, end time.Time) (Window, error) {
	if start.IsZero() || end.IsZero() || !start.Before(end) {
		return Window{}, NewDomainError("shared", "NewWindow", ErrInvalidInput, "'start' must be before 'end'")
	}
	return Window{Start: start, End: end}, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Pagination Value Object
// ═══════════════════════════════════════════════════════════════════════════

// Pagination is a validated limit/offset pair.
type Pagination struct {
	Limit  int
	Offset int
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Validate checks limit ∈ [1, MaxPageSize] and offset ≥ 0.
func (p Pagination) Validate() error {
	if p.Limit < 1 || p.Limit > MaxPageSize || p.Offset < 0 {
		return ErrInvalidPagination
	}
	return nil
}

// NewPagination creates a Pagination, applying the default limit when zero.
func NewPagination(limit, offset int) (Pagination, error) {
	if limit == 0 {
		limit = DefaultPageSize
	}
	p := Pagination{Limit: limit, Offset: offset}
	if err := p.Validate(); err != nil {
		return Pagination{}, err
	}
	return p, nil
}
