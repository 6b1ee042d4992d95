// Package app wires configuration, storage, cache and messaging into the
// components the server and worker binaries run.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alem-hub/alem-gamification/config"
	"github.com/alem-hub/alem-gamification/internal/application/eventhandler"
	"github.com/alem-hub/alem-gamification/internal/application/query"
	"github.com/alem-hub/alem-gamification/internal/domain/badge"
	"github.com/alem-hub/alem-gamification/internal/domain/leaderboard"
	"github.com/alem-hub/alem-gamification/internal/domain/progress"
	"github.com/alem-hub/alem-gamification/internal/domain/shared"
	"github.com/alem-hub/alem-gamification/internal/infrastructure/catalog"
	"github.com/alem-hub/alem-gamification/internal/infrastructure/messaging"
	"github.com/alem-hub/alem-gamification/internal/infrastructure/persistence/memory"
	"github.com/alem-hub/alem-gamification/internal/infrastructure/persistence/postgres"
	"github.com/alem-hub/alem-gamification/internal/infrastructure/persistence/redis"
	"github.com/alem-hub/alem-gamification/internal/infrastructure/scheduler/jobs"
	"github.com/alem-hub/alem-gamification/internal/infrastructure/tracing"
	"github.com/alem-hub/alem-gamification/internal/interface/http/handlers"
	"github.com/alem-hub/alem-gamification/pkg/logger"
	"github.com/alem-hub/alem-gamification/pkg/timeutil"
)

// Outbox is what the jobs do with the outbox: the relay drains, the purge
// job trims. The progress store appends inside its save.
type Outbox interface {
	messaging.OutboxStore
	jobs.Purger
}

// EventBus is a bus that can be closed.
type EventBus interface {
	shared.EventBus
	Close() error
}

// Infra holds the shared infrastructure of one process.
type Infra struct {
	Config   *config.Config
	Log      *logger.Logger
	Clock    timeutil.Clock
	Calendar timeutil.Calendar
	Policy   progress.Policy

	// DB is nil with memory storage.
	DB *postgres.Connection

	Store  progress.Store
	Reader query.ProgressReader
	XP     leaderboard.XPSource
	Outbox Outbox

	// StorePinger backs the readiness check.
	StorePinger handlers.Pinger

	// BadgeWriter mirrors the catalog into storage. Nil with memory storage.
	BadgeWriter catalog.Writer

	// Redis is nil when disabled or unreachable.
	Redis *redis.Cache

	// Standings is nil without Redis or with the cache feature off.
	Standings leaderboard.StandingsCache

	closers []func()
}

// NewLogger builds the process logger from observability settings.
func NewLogger(cfg *config.Config, service string) *logger.Logger {
	return logger.New(logger.Options{
		Level:      logger.ParseLevel(cfg.Observability.LogLevel),
		Production: cfg.Observability.LogFormat == "json",
		Service:    service,
	})
}

// SetupTracing installs the OTLP exporter when enabled.
func SetupTracing(ctx context.Context, cfg *config.Config, service string, log *logger.Logger) (tracing.ShutdownFunc, error) {
	return tracing.Setup(ctx, tracing.Config{
		Enabled:     cfg.Observability.TracingEnabled,
		Endpoint:    cfg.Observability.TracingEndpoint,
		Insecure:    cfg.Observability.TracingInsecure,
		SampleRatio: cfg.Observability.TracingSampleRatio,
		ServiceName: service,
		Environment: string(cfg.App.Environment),
		Version:     cfg.App.Version,
	}, log)
}

// NewInfra connects storage and Redis. With memory storage everything is
// process-local. Close releases what was opened.
func NewInfra(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Infra, error) {
	cal := cfg.Calendar()
	policy, err := cfg.Engine.Policy(cal)
	if err != nil {
		return nil, fmt.Errorf("progress policy: %w", err)
	}

	in := &Infra{
		Config:   cfg,
		Log:      log,
		Clock:    timeutil.SystemClock{},
		Calendar: cal,
		Policy:   policy,
	}

	// ─────────────────────────────────────────────────────────────────────────
	// Storage
	// ─────────────────────────────────────────────────────────────────────────
	switch cfg.Engine.Storage {
	case config.StorageMemory:
		log.Warn("using in-memory storage, state is lost on restart")
		outbox := memory.NewOutbox()
		store := memory.NewProgressStore(policy, in.Clock, outbox)
		in.Store = store
		in.Reader = store
		in.XP = store
		in.StorePinger = store
		in.Outbox = outbox

	default:
		if err := in.connectPostgres(ctx); err != nil {
			in.Close()
			return nil, err
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// Redis (optional unless the event bus needs it)
	// ─────────────────────────────────────────────────────────────────────────
	if !cfg.Redis.Disabled {
		if err := in.connectRedis(); err != nil {
			if cfg.Events.Bus == config.BusRedis {
				in.Close()
				return nil, err
			}
			log.Warn("redis unavailable, running without standings cache", logger.Err(err))
		}
	}

	if in.Redis != nil && cfg.Features.IsEnabled(config.FeatureLeaderboardCache) {
		in.Standings = redis.NewLeaderboardCache(in.Redis, cfg.Leaderboard.CacheTTL)
	}

	return in, nil
}

func (in *Infra) connectPostgres(ctx context.Context) error {
	cfg := in.Config
	pgCfg := postgres.DefaultConfig()
	pgCfg.URL = cfg.Database.URL
	pgCfg.MaxConns = cfg.Database.MaxConns
	pgCfg.MinConns = cfg.Database.MinConns
	pgCfg.MaxConnLifetime = cfg.Database.ConnMaxLifetime
	pgCfg.MaxConnIdleTime = cfg.Database.ConnMaxIdleTime

	in.Log.Info("connecting to database")
	conn, err := postgres.NewConnection(ctx, pgCfg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	in.DB = conn
	in.closers = append(in.closers, conn.Close)

	if cfg.Database.AutoMigrate {
		applied, err := postgres.NewMigrator(conn).Migrate(ctx)
		if err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		in.Log.Info("database schema is up to date", logger.Int("applied", applied))
	}

	store := postgres.NewProgressStore(conn, in.Policy, in.Clock)
	in.Store = store
	in.Reader = store
	in.StorePinger = conn
	in.XP = postgres.NewLeaderboardRepository(conn)
	in.Outbox = postgres.NewOutboxRepository(conn, cfg.Outbox.Lease)
	in.BadgeWriter = postgres.NewBadgeRepository(conn)
	return nil
}

func (in *Infra) connectRedis() error {
	rc := in.Config.Redis
	redisCfg := redis.DefaultConfig()
	redisCfg.URL = rc.URL
	redisCfg.Host = rc.Host
	redisCfg.Port = rc.Port
	redisCfg.Password = rc.Password
	redisCfg.DB = rc.DB
	redisCfg.PoolSize = rc.PoolSize
	redisCfg.MinIdleConns = rc.MinIdleConns
	redisCfg.DialTimeout = rc.DialTimeout
	redisCfg.ReadTimeout = rc.ReadTimeout
	redisCfg.WriteTimeout = rc.WriteTimeout

	cache, err := redis.NewCache(redisCfg)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	in.Redis = cache
	in.closers = append(in.closers, func() { _ = cache.Close() })
	in.Log.Info("redis connection established")
	return nil
}

// LoadCatalog reads the badge catalog and mirrors it into storage when
// storage supports it.
func (in *Infra) LoadCatalog(ctx context.Context) (*badge.Catalog, error) {
	src := catalog.FileSource{Path: in.Config.Engine.BadgeCatalog}
	return catalog.Load(ctx, src, in.BadgeWriter, in.Log)
}

// NewEventBus builds the configured bus. listen makes a Redis bus deliver
// events published by other processes to local handlers.
func (in *Infra) NewEventBus(listen bool) (EventBus, error) {
	local := messaging.DefaultInMemoryEventBusConfig()
	local.Logger = in.Log

	if in.Config.Events.Bus != config.BusRedis {
		return messaging.NewInMemoryEventBus(local), nil
	}
	if in.Redis == nil {
		return nil, errors.New("redis event bus requires redis")
	}
	return messaging.NewRedisEventBus(messaging.RedisEventBusConfig{
		Client:         in.Redis.Client(),
		Channel:        in.Config.Events.Channel,
		Listen:         listen,
		LocalBusConfig: local,
		Logger:         in.Log,
	})
}

// RegisterEventHandlers subscribes the audit logger and, with a standings
// cache, the invalidator. Each handler is wrapped with recovery, logging
// and a timeout.
func (in *Infra) RegisterEventHandlers(bus shared.EventSubscriber) error {
	wrap := func(name string) shared.EventSubscriber {
		return messaging.WrapSubscriber(bus,
			messaging.RecoveryMiddleware(in.Log),
			messaging.LoggingMiddleware(in.Log, name),
			messaging.TimeoutMiddleware(10*time.Second),
		)
	}

	if err := eventhandler.NewAuditLogger(in.Log).Register(wrap("audit_logger")); err != nil {
		return fmt.Errorf("register audit logger: %w", err)
	}
	if in.Standings != nil {
		inv := eventhandler.NewLeaderboardInvalidator(in.Standings, in.Log)
		if err := inv.Register(wrap("leaderboard_invalidator")); err != nil {
			return fmt.Errorf("register leaderboard invalidator: %w", err)
		}
	}
	return nil
}

// HealthChecker reports the store as required and Redis as optional.
func (in *Infra) HealthChecker() *handlers.CompositeHealthChecker {
	hc := handlers.NewCompositeHealthChecker(in.Config.App.Version)
	hc.AddCheck("store", handlers.NewPingCheck(in.StorePinger))
	if in.Redis != nil {
		hc.AddOptionalCheck("redis", handlers.NewPingCheck(in.Redis))
	}
	return hc
}

// Projector builds the leaderboard projector over the XP source.
func (in *Infra) Projector() *leaderboard.Projector {
	return leaderboard.NewProjector(in.XP, in.Calendar, in.Policy.Curve.Level)
}

// Close releases connections in reverse order of opening.
func (in *Infra) Close() {
	for i := len(in.closers) - 1; i >= 0; i-- {
		in.closers[i]()
	}
	in.closers = nil
}
