// Package memory provides in-process implementations of the progress store,
// the windowed XP source and the event outbox. Used by tests and by the
// server when STORAGE_DRIVER=memory.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/alem-hub/alem-gamification/internal/domain/leaderboard"
	"github.com/alem-hub/alem-gamification/internal/domain/progress"
	"github.com/alem-hub/alem-gamification/internal/domain/shared"
	"github.com/alem-hub/alem-gamification/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// PROGRESS STORE
// ══════════════════════════════════════════════════════════════════════════════

type grantRow struct {
	userID string
	entry  progress.LedgerEntry
}

// ProgressStore implements progress.Store and leaderboard.XPSource.
// Events of a saved aggregate go to the outbox under the store lock.
type ProgressStore struct {
	policy progress.Policy
	clock  timeutil.Clock
	outbox *Outbox

	mu       sync.RWMutex
	progress map[string]progress.Snapshot
	refs     map[string]map[string]struct{}
	ledger   []grantRow
}

// NewProgressStore creates an empty store. With a nil outbox saved events
// are dropped.
func NewProgressStore(policy progress.Policy, clock timeutil.Clock, outbox *Outbox) *ProgressStore {
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	return &ProgressStore{
		policy:   policy,
		clock:    clock,
		outbox:   outbox,
		progress: make(map[string]progress.Snapshot),
		refs:     make(map[string]map[string]struct{}),
	}
}

// Load implements progress.Store.
func (s *ProgressStore) Load(ctx context.Context, userID string) (*progress.UserProgress, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	snap, ok := s.progress[userID]
	s.mu.RUnlock()
	if !ok {
		return nil, shared.ErrProgressNotFound.With(userID, nil)
	}
	return progress.Restore(cloneSnapshot(snap), s.policy)
}

// CreateIfAbsent implements progress.Store.
func (s *ProgressStore) CreateIfAbsent(ctx context.Context, userID string) (*progress.UserProgress, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	snap, ok := s.progress[userID]
	if !ok {
		p, err := progress.New(userID, s.policy, s.clock.Now())
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		p.MarkPersisted(1)
		snap = p.Snapshot()
		s.progress[userID] = snap
		s.refs[userID] = make(map[string]struct{})
		s.mu.Unlock()
		return p, nil
	}
	s.mu.Unlock()

	return progress.Restore(cloneSnapshot(snap), s.policy)
}

// Save implements progress.Store with compare-and-swap on version.
func (s *ProgressStore) Save(ctx context.Context, p *progress.UserProgress) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.progress[p.UserID()]
	if !ok || current.Version != p.Version() {
		return shared.ErrConcurrentModification
	}

	changes := p.Changes()
	refs := s.refs[p.UserID()]
	for _, g := range changes.Grants {
		if g.ReferenceID == "" {
			continue
		}
		if _, dup := refs[g.ReferenceID]; dup {
			return shared.ErrConcurrentModification
		}
	}
	envs, err := envelopes(changes.Events)
	if err != nil {
		return err
	}

	next := p.Version() + 1
	for _, g := range changes.Grants {
		s.ledger = append(s.ledger, grantRow{userID: p.UserID(), entry: g})
		if g.ReferenceID != "" {
			refs[g.ReferenceID] = struct{}{}
		}
	}

	snap := p.Snapshot()
	snap.Version = next
	s.progress[p.UserID()] = cloneSnapshot(snap)
	if s.outbox != nil {
		s.outbox.enqueue(envs)
	}
	p.MarkPersisted(next)
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// XP SOURCE
// ══════════════════════════════════════════════════════════════════════════════

// SumXPInWindow implements leaderboard.XPSource.
func (s *ProgressStore) SumXPInWindow(ctx context.Context, userID string, start, end time.Time) (map[string]leaderboard.Score, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	window := shared.Window{Start: start, End: end}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]leaderboard.Score)
	for _, row := range s.ledger {
		if userID != "" && row.userID != userID {
			continue
		}
		if !window.Contains(row.entry.GrantedAt) {
			continue
		}
		score := out[row.userID]
		score.XP += row.entry.Amount
		if row.entry.GrantedAt.After(score.AchievedAt) {
			score.AchievedAt = row.entry.GrantedAt
		}
		out[row.userID] = score
	}
	return out, nil
}

// TotalXP implements leaderboard.XPSource.
func (s *ProgressStore) TotalXP(ctx context.Context) (map[string]leaderboard.Score, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]leaderboard.Score, len(s.progress))
	for userID, snap := range s.progress {
		if snap.TotalXP <= 0 {
			continue
		}
		out[userID] = leaderboard.Score{XP: snap.TotalXP, AchievedAt: snap.LastXPAt}
	}
	return out, nil
}

// Ping implements the readiness check.
func (s *ProgressStore) Ping(context.Context) error { return nil }

func cloneSnapshot(s progress.Snapshot) progress.Snapshot {
	s.Badges = append([]progress.EarnedBadge(nil), s.Badges...)
	s.AppliedReferences = append([]string(nil), s.AppliedReferences...)
	return s
}
