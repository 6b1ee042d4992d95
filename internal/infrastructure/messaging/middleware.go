package messaging

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/alem-hub/alem-gamification/internal/domain/shared"
	"github.com/alem-hub/alem-gamification/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// MIDDLEWARE
// ══════════════════════════════════════════════════════════════════════════════

// Middleware wraps handler execution.
type Middleware func(shared.EventHandler) shared.EventHandler

// Chain applies middlewares so that the first one is outermost.
func Chain(handler shared.EventHandler, middlewares ...Middleware) shared.EventHandler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return handler
}

// RecoveryMiddleware turns a handler panic into an error.
func RecoveryMiddleware(log *logger.Logger) Middleware {
	return func(next shared.EventHandler) shared.EventHandler {
		return func(event shared.Event) (err error) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("handler panic recovered",
						logger.String("event_type", string(event.EventType())),
						logger.Any("panic", r),
						logger.String("stack", string(debug.Stack())),
					)
					err = fmt.Errorf("handler panic: %v", r)
				}
			}()
			return next(event)
		}
	}
}

// LoggingMiddleware logs handler execution.
func LoggingMiddleware(log *logger.Logger, name string) Middleware {
	return func(next shared.EventHandler) shared.EventHandler {
		return func(event shared.Event) error {
			start := time.Now()
			err := next(event)

			fields := []logger.Field{
				logger.String("handler", name),
				logger.String("event_type", string(event.EventType())),
				logger.String("event_id", event.EventID()),
				logger.UserID(event.AggregateID()),
				logger.Latency(time.Since(start)),
			}
			if err != nil {
				log.Error("handler failed", append(fields, logger.Err(err))...)
			} else {
				log.Debug("handler completed", fields...)
			}
			return err
		}
	}
}

// TimeoutMiddleware bounds how long the caller waits for a handler.
// The handler goroutine itself keeps running until it returns.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next shared.EventHandler) shared.EventHandler {
		return func(event shared.Event) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			done := make(chan error, 1)
			go func() { done <- next(event) }()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				return fmt.Errorf("handler timeout after %v", timeout)
			}
		}
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// SUBSCRIBER DECORATOR
// ══════════════════════════════════════════════════════════════════════════════

type wrappedSubscriber struct {
	sub         shared.EventSubscriber
	middlewares []Middleware
}

// WrapSubscriber returns a subscriber that chains middlewares around every
// handler registered through it.
func WrapSubscriber(sub shared.EventSubscriber, middlewares ...Middleware) shared.EventSubscriber {
	return wrappedSubscriber{sub: sub, middlewares: middlewares}
}

func (w wrappedSubscriber) Subscribe(eventType shared.EventType, handler shared.EventHandler) error {
	return w.sub.Subscribe(eventType, Chain(handler, w.middlewares...))
}

func (w wrappedSubscriber) SubscribeAll(handler shared.EventHandler) error {
	return w.sub.SubscribeAll(Chain(handler, w.middlewares...))
}
