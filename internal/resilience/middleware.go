package resilience

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/rickgao/tradesync/internal/backoff"
	"github.com/rickgao/tradesync/internal/metrics"
)

// Defaults for calls that do not override them.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 500 * time.Millisecond
)

// Logout forces session termination; *session.Terminator implements it.
type Logout interface {
	ForceLogout(ctx context.Context, reason error) bool
}

// Middleware wraps backend calls with classification, retry and forced logout.
type Middleware struct {
	logout     Logout
	classifier Classifier
	clock      clockwork.Clock
	jitter     backoff.Jitter
	logger     *slog.Logger
	metrics    *metrics.Metrics

	maxAttempts   int
	baseDelay     time.Duration
	onRateLimited func(RetryAttempt, time.Duration)
}

// Option configures a Middleware.
type Option func(*Middleware)

// NewMiddleware creates a Middleware. A nil logout disables forced logout.
func NewMiddleware(logout Logout, opts ...Option) *Middleware {
	m := &Middleware{
		logout:      logout,
		clock:       clockwork.NewRealClock(),
		jitter:      backoff.DefaultJitter,
		logger:      slog.Default(),
		maxAttempts: DefaultMaxAttempts,
		baseDelay:   DefaultBaseDelay,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// WithClock sets the clock used for backoff waits.
func WithClock(c clockwork.Clock) Option {
	return func(m *Middleware) {
		m.clock = c
	}
}

// WithJitter sets the backoff jitter source.
func WithJitter(j backoff.Jitter) Option {
	return func(m *Middleware) {
		m.jitter = j
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Middleware) {
		m.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Middleware) {
		m.metrics = mt
	}
}

// WithClassifier replaces the default classifier.
func WithClassifier(c Classifier) Option {
	return func(m *Middleware) {
		m.classifier = c
	}
}

// WithDefaults sets the attempt budget and base delay for calls that do not
// override them.
func WithDefaults(maxAttempts int, baseDelay time.Duration) Option {
	return func(m *Middleware) {
		m.maxAttempts = maxAttempts
		m.baseDelay = baseDelay
	}
}

// WithRateLimitNotice is called before each rate-limited retry, letting the UI
// show a "slow down" notice.
func WithRateLimitNotice(fn func(RetryAttempt, time.Duration)) Option {
	return func(m *Middleware) {
		m.onRateLimited = fn
	}
}

// callConfig holds per-call settings.
type callConfig struct {
	name        string
	maxAttempts int
	baseDelay   time.Duration
	retryOn     map[Category]bool
}

// CallOption configures a single call.
type CallOption func(*callConfig)

// WithName labels the call in logs.
func WithName(name string) CallOption {
	return func(c *callConfig) {
		c.name = name
	}
}

// WithMaxAttempts overrides the attempt budget.
func WithMaxAttempts(n int) CallOption {
	return func(c *callConfig) {
		c.maxAttempts = n
	}
}

// WithBaseDelay overrides the base backoff delay.
func WithBaseDelay(d time.Duration) CallOption {
	return func(c *callConfig) {
		c.baseDelay = d
	}
}

// WithRetryOn opts additional categories into retry, typically ServerFault.
// Authentication is never retried.
func WithRetryOn(categories ...Category) CallOption {
	return func(c *callConfig) {
		for _, cat := range categories {
			if cat != Authentication {
				c.retryOn[cat] = true
			}
		}
	}
}

func (m *Middleware) newCallConfig(opts []CallOption) callConfig {
	cfg := callConfig{
		name:        "backend call",
		maxAttempts: m.maxAttempts,
		baseDelay:   m.baseDelay,
		retryOn: map[Category]bool{
			Transient:   true,
			RateLimited: true,
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.maxAttempts < 1 {
		cfg.maxAttempts = 1
	}
	return cfg
}

// Do runs op until it succeeds, fails with a non-retryable category, or
// exhausts its attempts. Terminal failures are returned as *CallError.
//
// ctx is handed to op and bounds backoff waits.
func Do[T any](ctx context.Context, m *Middleware, op func(context.Context) (T, error), opts ...CallOption) (T, error) {
	cfg := m.newCallConfig(opts)
	attempt := RetryAttempt{Max: cfg.maxAttempts, BaseDelay: cfg.baseDelay}

	var zero T
	for attempt.Number = 1; ; attempt.Number++ {
		res, err := op(ctx)
		if err == nil {
			m.metrics.ObserveCall("ok")
			return res, nil
		}
		attempt.LastError = err

		cat := m.observe(ctx, err)
		if !cfg.retryOn[cat] {
			m.metrics.ObserveCall(cat.String())
			m.logger.Debug("call failed",
				"call", cfg.name,
				"category", cat,
				"attempt", attempt.Number,
				"error", err,
			)
			return zero, &CallError{Category: cat, Attempts: attempt.Number, Err: err}
		}

		if attempt.Number >= attempt.Max {
			m.metrics.ObserveCall(cat.String())
			m.logger.Warn("call failed, attempts exhausted",
				"call", cfg.name,
				"category", cat,
				"attempts", attempt.Number,
				"error", err,
			)
			return zero, &CallError{Category: cat, Attempts: attempt.Number, Err: err}
		}

		delay := backoff.ComputeDelay(attempt.Number, cfg.baseDelay, m.jitter)
		if cat == RateLimited {
			m.logger.Warn("rate limited, slowing down",
				"call", cfg.name,
				"attempt", attempt.Number,
				"backoff", delay,
			)
			if m.onRateLimited != nil {
				m.onRateLimited(attempt, delay)
			}
		} else {
			m.logger.Debug("retrying call",
				"call", cfg.name,
				"category", cat,
				"attempt", attempt.Number,
				"backoff", delay,
			)
		}
		m.metrics.IncRetry(cat.String())

		select {
		case <-ctx.Done():
			m.metrics.ObserveCall(cat.String())
			return zero, &CallError{
				Category: cat,
				Attempts: attempt.Number,
				Err:      errors.Join(err, ctx.Err()),
			}
		case <-m.clock.After(delay):
		}
	}
}

// Call is Do for operations without a result.
func (m *Middleware) Call(ctx context.Context, op func(context.Context) error, opts ...CallOption) error {
	_, err := Do(ctx, m, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, opts...)
	return err
}

// Observe classifies a failure seen on any call path and triggers the forced
// logout for authentication failures.
func (m *Middleware) Observe(err error) Category {
	return m.observe(context.Background(), err)
}

// ObserveFailure implements api.FailureObserver.
func (m *Middleware) ObserveFailure(err error) {
	m.Observe(err)
}

func (m *Middleware) observe(ctx context.Context, err error) Category {
	cat := m.classifier.Classify(err)
	if cat == Authentication && m.logout != nil {
		// Detach so a caller's cancellation cannot abort the logout.
		if m.logout.ForceLogout(context.WithoutCancel(ctx), err) {
			m.logger.Warn("authentication failure, session terminated", "error", err)
		}
	}
	return cat
}
