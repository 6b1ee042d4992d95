// Package main - точка входа HTTP API движка геймификации.
//
// Сервер принимает начисления XP и активность, выдаёт значки и отдаёт
// прогресс и лидерборды. При хранилище в памяти фоновые задачи (relay
// outbox, пересборка лидерборда) запускаются в этом же процессе.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/alem-hub/alem-gamification/config"
	"github.com/alem-hub/alem-gamification/internal/app"
	"github.com/alem-hub/alem-gamification/pkg/logger"
)

const serviceName = "gamification-api"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
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

	// ─────────────────────────────────────────────────────────────────────────
	// 2. ЛОГИРОВАНИЕ И ТРАССИРОВКА
	// ─────────────────────────────────────────────────────────────────────────
	log := app.NewLogger(cfg, serviceName)
	defer func() { _ = log.Sync() }()

	log.Info("starting gamification API",
		logger.String("env", string(cfg.App.Environment)),
		logger.String("version", cfg.App.Version),
		logger.String("storage", cfg.Engine.Storage),
	)

	shutdownTracing, err := app.SetupTracing(ctx, cfg, serviceName, log)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 3. ИНФРАСТРУКТУРА (хранилище, Redis)
	// ─────────────────────────────────────────────────────────────────────────
	infra, err := app.NewInfra(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer infra.Close()

	// ─────────────────────────────────────────────────────────────────────────
	// 4. ПРИЛОЖЕНИЕ И HTTP СЕРВЕР
	// ─────────────────────────────────────────────────────────────────────────
	srv, err := app.NewServer(ctx, infra)
	if err != nil {
		return fmt.Errorf("failed to build server: %w", err)
	}
	defer func() { _ = srv.Close() }()

	if srv.Jobs != nil {
		if err := srv.Jobs.Start(); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 5. ЗАПУСК
	// ─────────────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.HTTP.Start)

	g.Go(func() error {
		<-gctx.Done()

		// ─────────────────────────────────────────────────────────────────────
		// 6. GRACEFUL SHUTDOWN
		// ─────────────────────────────────────────────────────────────────────
		log.Info("starting graceful shutdown", logger.Duration("timeout", cfg.App.ShutdownTimeout))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := srv.HTTP.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http: %w", err))
		}
		if srv.Jobs != nil {
			if err := srv.Jobs.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("scheduler: %w", err))
			}
		}
		if err := shutdownTracing(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("tracing: %w", err))
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		log.Error("shutdown completed with errors", logger.Err(err))
		return err
	}
	log.Info("shutdown completed successfully")
	return nil
}
