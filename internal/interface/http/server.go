// Package http exposes the gamification engine over a JSON REST API.
// Handlers are thin: they bind requests, call the application layer and
// map domain errors to status codes.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/alem-hub/alem-gamification/internal/application/command"
	"github.com/alem-hub/alem-gamification/internal/application/query"
	"github.com/alem-hub/alem-gamification/internal/domain/badge"
	"github.com/alem-hub/alem-gamification/internal/interface/http/handlers"
	"github.com/alem-hub/alem-gamification/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// SERVER CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config contains HTTP server configuration.
type Config struct {
	// Host - address to bind (default: "0.0.0.0").
	Host string

	// Port - port to listen on (default: 8080).
	Port int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// MaxHeaderBytes - maximum size of request headers.
	MaxHeaderBytes int

	// AllowedOrigins - allowed origins for CORS. Empty disables CORS.
	AllowedOrigins []string

	// APIKeyHeader - header name for API key authentication.
	APIKeyHeader string

	// APIKeyHashes - bcrypt hashes of accepted API keys. Empty disables auth.
	APIKeyHashes []string

	// RetryAfter is advertised on 503 responses.
	RetryAfter time.Duration

	// RateLimit applies to /v1 per API key or client IP.
	RateLimit handlers.RateLimitConfig

	// Version is reported by /health.
	Version string
}

// DefaultConfig returns default server configuration.
func DefaultConfig() Config {
	return Config{
		Host:           "0.0.0.0",
		Port:           8080,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1 MB
		APIKeyHeader:   "X-API-Key",
		RetryAfter:     time.Second,
		RateLimit:      handlers.DefaultRateLimitConfig(),
		Version:        "v1",
	}
}

// Address returns the server address string.
func (c Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ══════════════════════════════════════════════════════════════════════════════
// DEPENDENCIES
// ══════════════════════════════════════════════════════════════════════════════

// BadgeLister lists the badge catalog.
type BadgeLister interface {
	All() []badge.Badge
}

// Dependencies contains all dependencies required by HTTP handlers.
type Dependencies struct {
	// Command Handlers (CQRS Write Side)
	GrantXPHandler        *command.GrantXPHandler
	RecordActivityHandler *command.RecordActivityHandler
	AwardBadgeHandler     *command.AwardBadgeHandler
	EvaluateBadgesHandler *command.EvaluateBadgesHandler

	// Query Handlers (CQRS Read Side)
	GetProgressHandler    *query.GetProgressHandler
	GetLeaderboardHandler *query.GetLeaderboardHandler

	Catalog BadgeLister

	Logger *logger.Logger

	// HealthChecker backs /health and /ready. Nil reports healthy.
	HealthChecker handlers.HealthChecker
}

// ══════════════════════════════════════════════════════════════════════════════
// SERVER
// ══════════════════════════════════════════════════════════════════════════════

// Server represents the HTTP server.
type Server struct {
	config     Config
	deps       Dependencies
	engine     *gin.Engine
	httpServer *http.Server
	logger     *logger.Logger

	mu        sync.RWMutex
	running   bool
	startedAt time.Time
}

// NewServer creates a new HTTP server with the given configuration and dependencies.
func NewServer(config Config, deps Dependencies) (*Server, error) {
	def := DefaultConfig()
	if config.APIKeyHeader == "" {
		config.APIKeyHeader = def.APIKeyHeader
	}
	if config.RetryAfter <= 0 {
		config.RetryAfter = def.RetryAfter
	}
	if config.MaxHeaderBytes <= 0 {
		config.MaxHeaderBytes = def.MaxHeaderBytes
	}

	log := deps.Logger
	if log == nil {
		log = logger.Nop()
	}
	if deps.HealthChecker == nil {
		deps.HealthChecker = handlers.NewNoopHealthChecker(config.Version)
	}

	auth, err := handlers.NewAPIKeyAuth(config.APIKeyHeader, config.APIKeyHashes)
	if err != nil {
		return nil, fmt.Errorf("api key auth: %w", err)
	}

	s := &Server{
		config: config,
		deps:   deps,
		engine: gin.New(),
		logger: log.With(logger.Component("http")),
	}
	s.setupMiddleware()
	s.setupRoutes(auth)

	s.httpServer = &http.Server{
		Addr:           config.Address(),
		Handler:        s.engine,
		ReadTimeout:    config.ReadTimeout,
		WriteTimeout:   config.WriteTimeout,
		IdleTimeout:    config.IdleTimeout,
		MaxHeaderBytes: config.MaxHeaderBytes,
	}

	return s, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// ROUTING
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) setupMiddleware() {
	// Recovery first so it also covers the logger.
	s.engine.Use(handlers.Recovery(s.logger))
	s.engine.Use(handlers.RequestID())
	s.engine.Use(handlers.RequestLogger(s.logger))

	if len(s.config.AllowedOrigins) > 0 {
		s.engine.Use(cors.New(cors.Config{
			AllowOrigins:  s.config.AllowedOrigins,
			AllowMethods:  []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:  []string{"Content-Type", s.config.APIKeyHeader, handlers.HeaderRequestID},
			ExposeHeaders: []string{handlers.HeaderRequestID, "Retry-After"},
			MaxAge:        12 * time.Hour,
		}))
	}
}

func (s *Server) setupRoutes(auth *handlers.APIKeyAuth) {
	// ─────────────────────────────────────────────────────────────────────────
	// Health & Status Endpoints
	// ─────────────────────────────────────────────────────────────────────────
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/ready", s.handleReady)

	// ─────────────────────────────────────────────────────────────────────────
	// API v1
	// ─────────────────────────────────────────────────────────────────────────
	v1 := s.engine.Group("/v1")
	v1.Use(handlers.NewRateLimiter(s.config.RateLimit, s.config.APIKeyHeader).Middleware())
	v1.Use(auth.Middleware())

	users := v1.Group("/users/:userID")
	users.POST("/xp", s.handleGrantXP)
	users.POST("/activity", s.handleRecordActivity)
	users.POST("/badges/evaluate", s.handleEvaluateBadges)
	users.POST("/badges/:badgeID", s.handleAwardBadge)
	users.GET("/progress", s.handleGetProgress)

	v1.GET("/leaderboard", s.handleGetLeaderboard)
	v1.GET("/badges", s.handleListBadges)

	s.engine.NoRoute(func(c *gin.Context) {
		writeJSONError(c, http.StatusNotFound, "not_found", "route not found")
	})
}

// Handler returns the root handler. Tests drive it with httptest.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ══════════════════════════════════════════════════════════════════════════════
// SERVER LIFECYCLE
// ══════════════════════════════════════════════════════════════════════════════

// Start starts the HTTP server and blocks until it is shut down.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.running = true
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.logger.Info("starting HTTP server", logger.String("address", s.config.Address()))

	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Uptime returns the server uptime.
func (s *Server) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return 0
	}
	return time.Since(s.startedAt)
}

// Address returns the server address.
func (s *Server) Address() string {
	return s.config.Address()
}
