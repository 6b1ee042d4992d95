package app

import (
	"context"
	"fmt"

	"github.com/alem-hub/alem-gamification/config"
	"github.com/alem-hub/alem-gamification/internal/application/command"
	"github.com/alem-hub/alem-gamification/internal/application/query"
	httpapi "github.com/alem-hub/alem-gamification/internal/interface/http"
	"github.com/alem-hub/alem-gamification/internal/infrastructure/scheduler"
)

// Server is the API process: HTTP plus, with memory storage, the
// background jobs that would otherwise run in the worker.
type Server struct {
	HTTP *httpapi.Server

	// Jobs is nil with postgres storage.
	Jobs *scheduler.Scheduler

	bus EventBus
}

// NewServer builds the application layer and the HTTP server on top of in.
func NewServer(ctx context.Context, in *Infra) (*Server, error) {
	cfg := in.Config

	cat, err := in.LoadCatalog(ctx)
	if err != nil {
		return nil, fmt.Errorf("load badge catalog: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// Write side
	// ─────────────────────────────────────────────────────────────────────────
	mutator := command.NewMutator(in.Store, in.Log, command.MutatorConfig{
		ConflictRetries: cfg.Engine.ConflictRetries,
		MaxClockSkew:    cfg.Engine.MaxClockSkew,
	})

	// ─────────────────────────────────────────────────────────────────────────
	// Read side
	// ─────────────────────────────────────────────────────────────────────────
	getLeaderboard := query.NewGetLeaderboardHandler(
		in.Projector(), in.Standings, in.Calendar, in.Clock, in.Log,
		query.BreakerConfig{
			FailureThreshold: cfg.Leaderboard.BreakerThreshold,
			Timeout:          cfg.Leaderboard.BreakerTimeout,
		},
	)

	httpCfg := httpapi.DefaultConfig()
	httpCfg.Host = cfg.HTTP.Host
	httpCfg.Port = cfg.HTTP.Port
	httpCfg.ReadTimeout = cfg.HTTP.ReadTimeout
	httpCfg.WriteTimeout = cfg.HTTP.WriteTimeout
	httpCfg.IdleTimeout = cfg.HTTP.IdleTimeout
	httpCfg.AllowedOrigins = cfg.HTTP.CORSOrigins
	httpCfg.APIKeyHashes = cfg.HTTP.APIKeyHashes
	httpCfg.RateLimit.RequestsPerMinute = cfg.HTTP.RateLimitRPM
	httpCfg.RateLimit.BurstSize = cfg.HTTP.RateLimitBurst
	httpCfg.Version = cfg.App.Version

	srv, err := httpapi.NewServer(httpCfg, httpapi.Dependencies{
		GrantXPHandler:        command.NewGrantXPHandler(mutator, cat, cfg.Features, in.Clock, in.Log),
		RecordActivityHandler: command.NewRecordActivityHandler(mutator, cat, cfg.Features, in.Clock, in.Log),
		AwardBadgeHandler:     command.NewAwardBadgeHandler(mutator, cat, in.Clock, in.Log),
		EvaluateBadgesHandler: command.NewEvaluateBadgesHandler(mutator, cat, in.Clock, in.Log),
		GetProgressHandler:    query.NewGetProgressHandler(in.Reader, cat, in.Clock),
		GetLeaderboardHandler: getLeaderboard,
		Catalog:               cat,
		Logger:                in.Log,
		HealthChecker:         in.HealthChecker(),
	})
	if err != nil {
		return nil, err
	}

	s := &Server{HTTP: srv}
	if cfg.Engine.Storage != config.StorageMemory {
		return s, nil
	}

	// Memory storage is invisible to a separate worker, so the relay and
	// rebuild jobs run in this process.
	s.bus, err = in.NewEventBus(false)
	if err != nil {
		return nil, fmt.Errorf("event bus: %w", err)
	}
	if err := in.RegisterEventHandlers(s.bus); err != nil {
		_ = s.bus.Close()
		return nil, err
	}
	s.Jobs, err = NewJobs(in, s.bus, nil)
	if err != nil {
		_ = s.bus.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the event bus.
func (s *Server) Close() error {
	if s.bus == nil {
		return nil
	}
	return s.bus.Close()
}
