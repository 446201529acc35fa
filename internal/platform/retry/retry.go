// Package retry runs external store calls with bounded exponential backoff
// behind a circuit breaker.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"carevault/internal/platform/config"
	"carevault/internal/platform/metrics"
	"carevault/pkg/platform/circuit"
	"carevault/pkg/platform/sentinel"
)

// ErrBreakerOpen is returned without calling the backend while the breaker is open.
var ErrBreakerOpen = fmt.Errorf("circuit breaker open: %w", sentinel.ErrUnavailable)

// Executor retries transient failures. Not-found, conflict and invalid-state
// outcomes are answers from the backend and are returned immediately.
type Executor struct {
	maxAttempts     int
	initialInterval time.Duration
	maxElapsed      time.Duration
	breaker         *circuit.Breaker
	logger          *slog.Logger
	metrics         *metrics.Metrics
}

type Option func(*Executor)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		e.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) {
		e.metrics = m
	}
}

// WithBreaker replaces the breaker built from config, mainly for tests.
func WithBreaker(b *circuit.Breaker) Option {
	return func(e *Executor) {
		e.breaker = b
	}
}

func New(name string, cfg config.RetryConfig, opts ...Option) *Executor {
	e := &Executor{
		maxAttempts:     cfg.MaxAttempts,
		initialInterval: cfg.InitialInterval,
		maxElapsed:      cfg.MaxElapsed,
	}
	if e.maxAttempts < 1 {
		e.maxAttempts = 1
	}
	if e.initialInterval <= 0 {
		e.initialInterval = 100 * time.Millisecond
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.breaker == nil {
		var bopts []circuit.Option
		if cfg.BreakerThreshold > 0 {
			bopts = append(bopts, circuit.WithFailureThreshold(cfg.BreakerThreshold))
		}
		if cfg.BreakerCooldown > 0 {
			bopts = append(bopts, circuit.WithCooldown(cfg.BreakerCooldown))
		}
		e.breaker = circuit.New(name, bopts...)
	}
	return e
}

// Do runs fn until it succeeds, returns a non-retryable error, or the attempt
// budget is spent. Exhaustion wraps sentinel.ErrUnavailable.
func (e *Executor) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if !e.breaker.Allow() {
		return fmt.Errorf("%s: %w", op, ErrBreakerOpen)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.initialInterval
	policy.MaxElapsedTime = e.maxElapsed
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(e.maxAttempts-1)), ctx)

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		err := fn(ctx)
		if err == nil || !Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		e.metrics.IncStoreRetry()
		if e.logger != nil {
			e.logger.WarnContext(ctx, "retrying store call",
				"operation", op,
				"attempt", attempt,
				"wait", wait,
				"error", err,
			)
		}
	})

	switch {
	case err == nil:
		e.recordSuccess()
		return nil
	case !Retryable(err):
		e.recordSuccess()
		return err
	default:
		e.recordFailure(ctx, op)
		if errors.Is(err, sentinel.ErrUnavailable) {
			return fmt.Errorf("%s: %w", op, err)
		}
		return fmt.Errorf("%s: %w: %w", op, sentinel.ErrUnavailable, err)
	}
}

// Retryable reports whether err is worth another attempt.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, sentinel.ErrNotFound),
		errors.Is(err, sentinel.ErrConflict),
		errors.Is(err, sentinel.ErrInvalidState),
		errors.Is(err, sentinel.ErrPermanent),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

func (e *Executor) recordSuccess() {
	if _, change := e.breaker.RecordSuccess(); change.Closed {
		e.metrics.SetBreakerOpen(false)
		if e.logger != nil {
			e.logger.Info("store circuit breaker closed", "breaker", e.breaker.Name())
		}
	}
}

func (e *Executor) recordFailure(ctx context.Context, op string) {
	if _, change := e.breaker.RecordFailure(); change.Opened {
		e.metrics.SetBreakerOpen(true)
		if e.logger != nil {
			e.logger.ErrorContext(ctx, "store circuit breaker opened",
				"breaker", e.breaker.Name(),
				"operation", op,
			)
		}
	}
}
