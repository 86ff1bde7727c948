package poller

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/rickgao/tradesync/internal/api"
	"github.com/rickgao/tradesync/internal/resilience"
)

// Probe is one periodic backend check.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// SessionProbe checks that the session is still authenticated. A session the
// backend reports as unauthenticated is surfaced as a 401 so the middleware
// forces a logout. onStatus, if set, sees every successful status.
func SessionProbe(client *api.Client, onStatus func(*api.SessionStatus)) Probe {
	return Probe{
		Name: "session",
		Check: func(ctx context.Context) error {
			status, err := client.GetSession(ctx)
			if err != nil {
				return err
			}
			if !status.Authenticated {
				return &api.APIError{StatusCode: 401, Message: "session not authenticated"}
			}
			if onStatus != nil {
				onStatus(status)
			}
			return nil
		},
	}
}

// Config holds poller configuration.
type Config struct {
	Interval    time.Duration // Poll interval (default: 1m)
	Concurrency int           // Max concurrent probes (default: 4)
	Timeout     time.Duration // Per-probe timeout (default: 10s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:    time.Minute,
		Concurrency: 4,
		Timeout:     10 * time.Second,
	}
}

// Poller periodically runs probes through the middleware.
type Poller struct {
	cfg    Config
	mw     *resilience.Middleware
	probes []Probe
	logger *slog.Logger
	clock  clockwork.Clock
	paused func() bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Poller.
type Option func(*Poller)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Poller) {
		p.logger = logger
	}
}

// WithClock sets the clock driving the interval.
func WithClock(c clockwork.Clock) Option {
	return func(p *Poller) {
		p.clock = c
	}
}

// WithPause skips cycles while fn returns true, e.g. after a forced logout.
func WithPause(fn func() bool) Option {
	return func(p *Poller) {
		p.paused = fn
	}
}

// New creates a new Poller.
func New(cfg Config, mw *resilience.Middleware, probes []Probe, opts ...Option) *Poller {
	defaults := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaults.Concurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}

	p := &Poller{
		cfg:    cfg,
		mw:     mw,
		probes: probes,
		logger: slog.Default(),
		clock:  clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start begins the polling loop.
func (p *Poller) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.run()

	p.logger.Info("keep-alive poller started",
		"interval", p.cfg.Interval,
		"probes", len(p.probes),
	)

	return nil
}

// Stop gracefully shuts down the poller.
func (p *Poller) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("keep-alive poller stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the main polling loop.
func (p *Poller) run() {
	defer p.wg.Done()

	ticker := p.clock.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.Chan():
			p.pollAll()
		}
	}
}

// pollAll runs every probe concurrently.
func (p *Poller) pollAll() {
	if p.paused != nil && p.paused() {
		p.logger.Debug("session terminated, skipping keep-alive")
		return
	}

	start := p.clock.Now()

	// Semaphore for bounded concurrency.
	sem := make(chan struct{}, p.cfg.Concurrency)
	var wg sync.WaitGroup
	var ok, failed atomic.Int64

	for _, probe := range p.probes {
		wg.Add(1)
		go func(probe Probe) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-p.ctx.Done():
				return
			}

			if err := p.runProbe(probe); err != nil {
				p.logger.Warn("keep-alive probe failed",
					"probe", probe.Name,
					"category", resilience.CategoryOf(err),
					"err", err,
				)
				failed.Add(1)
				return
			}

			ok.Add(1)
		}(probe)
	}

	wg.Wait()

	p.logger.Debug("keep-alive cycle complete",
		"probes", len(p.probes),
		"ok", ok.Load(),
		"failed", failed.Load(),
		"duration", p.clock.Since(start),
	)
}

func (p *Poller) runProbe(probe Probe) error {
	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.Timeout)
	defer cancel()

	return p.mw.Call(ctx, probe.Check, resilience.WithName("keep-alive "+probe.Name))
}
