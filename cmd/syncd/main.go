// syncd runs the dashboard sync layer: one multiplexed real-time connection,
// the trading-mode state machine and the resilient backend call path, exposed
// to the UI over a local HTTP bridge.
//
// Usage: syncd --config configs/syncd.yaml
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"

	"github.com/rickgao/tradesync/internal/api"
	"github.com/rickgao/tradesync/internal/audit"
	"github.com/rickgao/tradesync/internal/auth"
	"github.com/rickgao/tradesync/internal/config"
	"github.com/rickgao/tradesync/internal/connection"
	"github.com/rickgao/tradesync/internal/control"
	"github.com/rickgao/tradesync/internal/database"
	"github.com/rickgao/tradesync/internal/metrics"
	"github.com/rickgao/tradesync/internal/mode"
	"github.com/rickgao/tradesync/internal/poller"
	"github.com/rickgao/tradesync/internal/resilience"
	"github.com/rickgao/tradesync/internal/session"
	"github.com/rickgao/tradesync/internal/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, logLevel string
	var showVersion bool

	flagSet := pflag.NewFlagSet("syncd", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "configs/syncd.yaml", "path to config file")
	flagSet.StringVar(&logLevel, "log-level", "", "override log.level from the config")
	flagSet.BoolVar(&showVersion, "version", false, "print version and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	if showVersion {
		fmt.Println("syncd", version.String())
		return nil
	}

	cfg, err := config.LoadAndValidate(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Log.SlogLevel(),
	}))
	slog.SetDefault(logger)

	logger.Info("starting syncd",
		"version", version.Version,
		"commit", version.Commit,
		"instance_id", cfg.Instance.ID,
		"config", configPath,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mt := metrics.New(reg)

	tokens, err := auth.LoadCredentials(cfg.API.Token, cfg.API.TokenPath)
	if err != nil {
		return err
	}

	// The host UI owns the login screen; it learns about the logout from
	// /health and calls /session/restore after the user signs in again.
	term := session.NewTerminator(nil, logger, mt)

	mw := resilience.NewMiddleware(term,
		resilience.WithLogger(logger),
		resilience.WithMetrics(mt),
		resilience.WithClassifier(resilience.Classifier{Markers: cfg.Retry.AuthMarkers}),
		resilience.WithDefaults(cfg.Retry.MaxAttempts, cfg.Retry.BaseDelay),
	)

	client := api.NewClient(cfg.API.BaseURL,
		api.WithLogger(logger),
		api.WithTimeout(cfg.API.Timeout),
		api.WithTokenSource(tokens),
		api.WithObserver(mw),
	)

	mux := connection.NewMultiplexer(connectionConfig(cfg, tokens),
		connection.WithLogger(logger),
		connection.WithMetrics(mt),
		connection.WithObserver(mw),
	)

	machineOpts := []mode.Option{
		mode.WithLogger(logger),
		mode.WithMetrics(mt),
		mode.WithPrompter(func(p *mode.Pending) {
			logger.Info("live mode awaiting confirmation", "pending_id", p.ID, "target", p.Target)
		}),
	}

	var journal *audit.Journal
	if cfg.Audit.Enabled {
		pool, err := database.Connect(ctx, cfg.Audit.Database)
		if err != nil {
			return fmt.Errorf("connect audit database: %w", err)
		}
		defer pool.Close()

		journal = audit.NewJournal(pool, audit.Config{
			InstanceID:    cfg.Instance.ID,
			BatchSize:     cfg.Audit.BatchSize,
			FlushInterval: cfg.Audit.FlushInterval,
		}, audit.WithLogger(logger))
		if err := journal.EnsureSchema(ctx); err != nil {
			return err
		}
		machineOpts = append(machineOpts, mode.WithRecorder(journal))
		logger.Info("audit journal enabled", "host", cfg.Audit.Database.Host, "database", cfg.Audit.Database.Name)
	}

	machine := mode.NewMachine(client, mw, machineOpts...)
	routes := mode.NewRouteSync(machine, mode.NewPrefixResolver(modeRoutes(cfg.Mode.Routes)), logger)

	term.OnTerminate(func(t session.Termination) {
		mux.Terminate()
		machine.Reset(t.Reason)
	})

	keepAlive := poller.New(poller.Config{
		Interval:    cfg.Session.PollInterval,
		Concurrency: cfg.Session.PollConcurrency,
		Timeout:     cfg.Session.PollTimeout,
	}, mw, []poller.Probe{
		poller.SessionProbe(client, func(s *api.SessionStatus) {
			logger.Debug("session alive", "mode", s.Mode, "expires_at", s.ExpiresAt)
		}),
	}, poller.WithLogger(logger), poller.WithPause(term.Terminated))

	server := control.NewServer(cfg.Control.Addr, control.Deps{
		Mode:       machine,
		Navigator:  routes,
		Connection: mux,
		Session:    term,
		Gatherer:   reg,
	}, control.WithLogger(logger), control.WithMetricsPath(cfg.Control.MetricsPath), control.WithVersion(version.String()))

	if journal != nil {
		if err := journal.Start(ctx); err != nil {
			return err
		}
	}
	if err := mux.Start(ctx); err != nil {
		return err
	}
	if err := keepAlive.Start(ctx); err != nil {
		return err
	}
	if err := server.Start(ctx); err != nil {
		return err
	}

	logger.Info("syncd running",
		"control_addr", cfg.Control.Addr,
		"ws_url", cfg.API.WSURL,
	)

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Warn("control server shutdown", "error", err)
	}
	keepAlive.Stop(shutdownCtx)
	mux.Stop(shutdownCtx)
	if journal != nil {
		journal.Stop(shutdownCtx)
	}

	logger.Info("syncd stopped")
	return nil
}

func connectionConfig(cfg *config.Config, tokens auth.TokenSource) connection.Config {
	c := cfg.Connection
	return connection.Config{
		Client: connection.ClientConfig{
			URL:               cfg.API.WSURL,
			Tokens:            tokens,
			HandshakeTimeout:  c.HandshakeTimeout,
			PingTimeout:       c.PingTimeout,
			HeartbeatInterval: c.HeartbeatInterval,
			WriteTimeout:      c.WriteTimeout,
			BufferSize:        c.BufferSize,
		},
		ReconnectBaseWait:    c.ReconnectBaseDelay,
		ReconnectMaxWait:     c.ReconnectMaxDelay,
		MaxReconnectAttempts: c.MaxReconnectAttempts,
		HandleBufferSize:     c.HandleBufferSize,
		DetectGaps:           c.GapDetection(),
	}
}

func modeRoutes(rs []config.RouteConfig) []mode.Route {
	out := make([]mode.Route, 0, len(rs))
	for _, r := range rs {
		out = append(out, mode.Route{Prefix: r.Prefix, Mode: mode.Mode(r.Mode)})
	}
	return out
}
