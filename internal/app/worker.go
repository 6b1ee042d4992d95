package app

import (
	"fmt"

	"github.com/go-co-op/gocron/v2"

	"github.com/alem-hub/alem-gamification/internal/domain/shared"
	"github.com/alem-hub/alem-gamification/internal/infrastructure/messaging"
	"github.com/alem-hub/alem-gamification/internal/infrastructure/persistence/redis"
	"github.com/alem-hub/alem-gamification/internal/infrastructure/scheduler"
	"github.com/alem-hub/alem-gamification/internal/infrastructure/scheduler/jobs"
)

// relayMaxPasses bounds how many full batches one relay tick drains.
const relayMaxPasses = 10

// NewJobs registers the relay, rebuild and purge jobs. locker may be nil;
// with it every tick runs on one instance only. The rebuild job needs a
// standings cache and is skipped without one.
func NewJobs(in *Infra, bus shared.EventPublisher, locker gocron.Locker) (*scheduler.Scheduler, error) {
	cfg := in.Config

	sc := scheduler.DefaultConfig()
	sc.Logger = in.Log
	sc.Timezone = in.Calendar.Location()
	sc.Locker = locker

	s, err := scheduler.New(sc)
	if err != nil {
		return nil, err
	}

	relay := messaging.NewRelay(in.Outbox, bus, messaging.RelayConfig{
		BatchSize:   cfg.Outbox.BatchSize,
		MaxAttempts: cfg.Outbox.MaxAttempts,
	}, in.Log)
	if err := s.Register(jobs.NewRelayOutboxJob(relay, cfg.Outbox.BatchSize, relayMaxPasses, in.Log), cfg.Outbox.RelayInterval); err != nil {
		return nil, err
	}

	if cfg.Outbox.PurgeInterval > 0 && cfg.Outbox.Retention > 0 {
		purge := jobs.NewPurgeOutboxJob(in.Outbox, cfg.Outbox.Retention, in.Clock, in.Log)
		if err := s.Register(purge, cfg.Outbox.PurgeInterval); err != nil {
			return nil, err
		}
	}

	if in.Standings != nil && cfg.Leaderboard.RebuildInterval > 0 {
		rebuild := jobs.NewRebuildLeaderboardJob(in.Projector(), in.Standings, bus, cfg.Features, in.Clock, in.Log)
		if err := s.Register(rebuild, cfg.Leaderboard.RebuildInterval); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// Worker is the background process.
type Worker struct {
	Jobs *scheduler.Scheduler
	bus  EventBus
}

// NewWorker builds the event bus, its handlers and the scheduled jobs.
// With Redis available, job ticks are serialized across worker replicas.
func NewWorker(in *Infra) (*Worker, error) {
	bus, err := in.NewEventBus(false)
	if err != nil {
		return nil, fmt.Errorf("event bus: %w", err)
	}
	if err := in.RegisterEventHandlers(bus); err != nil {
		_ = bus.Close()
		return nil, err
	}

	var locker gocron.Locker
	if in.Redis != nil {
		locker = redis.NewJobLocker(in.Redis, redis.TTLDistributedLock)
	}

	s, err := NewJobs(in, bus, locker)
	if err != nil {
		_ = bus.Close()
		return nil, err
	}
	return &Worker{Jobs: s, bus: bus}, nil
}

// Close releases the event bus.
func (w *Worker) Close() error {
	return w.bus.Close()
}
