package jobs

import (
	"context"
	"time"

	"github.com/alem-hub/alem-gamification/pkg/logger"
	"github.com/alem-hub/alem-gamification/pkg/timeutil"
)

// Purger deletes dispatched outbox records older than a cutoff.
type Purger interface {
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// PurgeOutboxJob removes dispatched outbox rows past their retention.
type PurgeOutboxJob struct {
	purger    Purger
	retention time.Duration
	clock     timeutil.Clock
	log       *logger.Logger
}

// NewPurgeOutboxJob creates a purge job.
func NewPurgeOutboxJob(purger Purger, retention time.Duration, clock timeutil.Clock, log *logger.Logger) *PurgeOutboxJob {
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &PurgeOutboxJob{
		purger:    purger,
		retention: retention,
		clock:     clock,
		log:       log.With(logger.Component("purge_outbox")),
	}
}

// Name returns the job name.
func (j *PurgeOutboxJob) Name() string {
	return "purge_outbox"
}

// Description returns a human-readable description.
func (j *PurgeOutboxJob) Description() string {
	return "Deletes dispatched outbox events past retention"
}

// Run executes the purge job.
func (j *PurgeOutboxJob) Run(ctx context.Context) error {
	n, err := j.purger.Purge(ctx, j.clock.Now().Add(-j.retention))
	if err != nil {
		return err
	}
	if n > 0 {
		j.log.Info("outbox purged", logger.Int64("deleted", n))
	}
	return nil
}
