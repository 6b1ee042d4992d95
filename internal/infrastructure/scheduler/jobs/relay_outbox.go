package jobs

import (
	"context"

	"github.com/alem-hub/alem-gamification/internal/infrastructure/messaging"
	"github.com/alem-hub/alem-gamification/pkg/logger"
)

// Relayer dispatches one outbox batch.
type Relayer interface {
	RelayOnce(ctx context.Context) (messaging.RelayResult, error)
}

// RelayOutboxJob drains the outbox onto the event bus.
type RelayOutboxJob struct {
	relay     Relayer
	batchSize int
	maxPasses int
	log       *logger.Logger
}

// NewRelayOutboxJob creates a relay job. Each run keeps relaying while
// batches come back full, up to maxPasses batches.
func NewRelayOutboxJob(relay Relayer, batchSize, maxPasses int, log *logger.Logger) *RelayOutboxJob {
	if maxPasses <= 0 {
		maxPasses = 10
	}
	if log == nil {
		log = logger.Nop()
	}
	return &RelayOutboxJob{
		relay:     relay,
		batchSize: batchSize,
		maxPasses: maxPasses,
		log:       log.With(logger.Component("relay_outbox")),
	}
}

// Name returns the job name.
func (j *RelayOutboxJob) Name() string {
	return "relay_outbox"
}

// Description returns a human-readable description.
func (j *RelayOutboxJob) Description() string {
	return "Publishes pending outbox events to the event bus"
}

// Run executes the relay job.
func (j *RelayOutboxJob) Run(ctx context.Context) error {
	var total messaging.RelayResult
	for pass := 0; pass < j.maxPasses; pass++ {
		res, err := j.relay.RelayOnce(ctx)
		total.Dispatched += res.Dispatched
		total.Failed += res.Failed
		total.Parked += res.Parked
		if err != nil {
			return err
		}
		if j.batchSize <= 0 || res.Dispatched+res.Failed+res.Parked < j.batchSize {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}

	if total.Dispatched+total.Failed+total.Parked > 0 {
		j.log.Info("outbox relayed",
			logger.Int("dispatched", total.Dispatched),
			logger.Int("failed", total.Failed),
			logger.Int("parked", total.Parked),
		)
	}
	return nil
}
