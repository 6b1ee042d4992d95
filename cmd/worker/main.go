// Package main - точка входа для фоновых процессов движка геймификации.
//
// Worker отвечает за периодические задачи:
// - Доставка событий из outbox в шину событий
// - Пересборка кеша лидербордов
// - Очистка доставленных записей outbox
//
// Несколько экземпляров можно запускать одновременно: при доступном
// Redis каждый тик задачи выполняется только одним из них.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alem-hub/alem-gamification/config"
	"github.com/alem-hub/alem-gamification/internal/app"
	"github.com/alem-hub/alem-gamification/pkg/logger"
)

const serviceName = "gamification-worker"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. ЗАГРУЗКА КОНФИГУРАЦИИ
	// ─────────────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Engine.Storage == config.StorageMemory {
		return fmt.Errorf("worker needs shared storage, ENGINE_STORAGE=%s runs jobs inside the server", cfg.Engine.Storage)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 2. ЛОГИРОВАНИЕ И ТРАССИРОВКА
	// ─────────────────────────────────────────────────────────────────────────
	log := app.NewLogger(cfg, serviceName)
	defer func() { _ = log.Sync() }()

	log.Info("starting gamification worker",
		logger.String("env", string(cfg.App.Environment)),
		logger.String("timezone", cfg.App.Timezone),
		logger.Duration("relay_interval", cfg.Outbox.RelayInterval),
		logger.Duration("rebuild_interval", cfg.Leaderboard.RebuildInterval),
	)

	shutdownTracing, err := app.SetupTracing(ctx, cfg, serviceName, log)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 3. ИНФРАСТРУКТУРА
	// ─────────────────────────────────────────────────────────────────────────
	infra, err := app.NewInfra(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer infra.Close()

	// ─────────────────────────────────────────────────────────────────────────
	// 4. EVENT BUS И ПЛАНИРОВЩИК
	// ─────────────────────────────────────────────────────────────────────────
	worker, err := app.NewWorker(infra)
	if err != nil {
		return fmt.Errorf("failed to build worker: %w", err)
	}
	defer func() {
		log.Info("closing event bus")
		_ = worker.Close()
	}()

	if err := worker.Jobs.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	log.Info("worker is running")

	// ─────────────────────────────────────────────────────────────────────────
	// 5. GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	<-ctx.Done()
	log.Info("starting graceful shutdown", logger.Duration("timeout", cfg.App.ShutdownTimeout))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	var failed bool
	if err := worker.Jobs.Stop(); err != nil {
		log.Error("failed to stop scheduler", logger.Err(err))
		failed = true
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error("failed to flush traces", logger.Err(err))
		failed = true
	}

	if failed {
		log.Warn("shutdown completed with errors")
	} else {
		log.Info("shutdown completed successfully")
	}
	return nil
}
