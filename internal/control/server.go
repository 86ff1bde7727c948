package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rickgao/tradesync/internal/connection"
	"github.com/rickgao/tradesync/internal/mode"
)

// ModeController is the trading-mode surface the bridge drives.
type ModeController interface {
	State() mode.State
	Pending() *mode.Pending
	RequestSwitch(ctx context.Context, target mode.Mode) (*mode.Pending, error)
	Confirm(ctx context.Context) error
	Cancel(ctx context.Context) error
}

// Navigator maps screen changes to mode requests.
type Navigator interface {
	Navigate(ctx context.Context, path string) (mode.Navigation, error)
}

// Connection is the multiplexer surface the bridge drives.
type Connection interface {
	Stats() connection.Stats
	Reconnect() error
	Request(channel string, params url.Values) (*connection.Handle, error)
}

// SessionState reports whether the session was force-terminated and re-arms
// it after the user logs in again.
type SessionState interface {
	Terminated() bool
	Restore()
}

// Deps are the components exposed by the bridge. A nil Gatherer disables
// the metrics route; a nil Session reports the session as always live.
type Deps struct {
	Mode       ModeController
	Navigator  Navigator
	Connection Connection
	Session    SessionState
	Gatherer   prometheus.Gatherer
}

// Server serves the control API.
type Server struct {
	deps        Deps
	logger      *slog.Logger
	metricsPath string
	version     string

	engine *gin.Engine
	srv    *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetricsPath sets where Prometheus metrics are served.
func WithMetricsPath(path string) Option {
	return func(s *Server) {
		s.metricsPath = path
	}
}

// WithVersion sets the version reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// NewServer creates a Server listening on addr.
func NewServer(addr string, deps Deps, opts ...Option) *Server {
	s := &Server{
		deps:        deps,
		logger:      slog.Default(),
		metricsPath: "/metrics",
		version:     "dev",
	}
	for _, opt := range opts {
		opt(s)
	}

	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), s.logRequests)
	s.setupRoutes()

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.getHealth)
	s.engine.GET("/state", s.getState)

	s.engine.POST("/mode/switch", s.postSwitch)
	s.engine.POST("/mode/confirm", s.postConfirm)
	s.engine.POST("/mode/cancel", s.postCancel)
	s.engine.POST("/route", s.postRoute)

	s.engine.POST("/session/restore", s.postRestore)

	s.engine.POST("/connection/reconnect", s.postReconnect)
	s.engine.GET("/stream/:channel", s.getStream)

	if s.deps.Gatherer != nil {
		s.engine.GET(s.metricsPath, gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.srv.Addr, err)
	}
	s.srv.BaseContext = func(net.Listener) context.Context { return ctx }

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("control server failed", "error", err)
		}
	}()

	s.logger.Info("control server started", "addr", ln.Addr().String())
	return nil
}

// Stop shuts the server down, waiting for in-flight requests until ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping control server")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown control server: %w", err)
	}
	return nil
}

func (s *Server) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.logger.Debug("control request",
		"method", c.Request.Method,
		"path", c.FullPath(),
		"status", c.Writer.Status(),
		"duration", time.Since(start),
	)
}
