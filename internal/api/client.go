package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/rickgao/tradesync/internal/auth"
)

// Client performs calls against the trading backend REST API.
//
// Client does not retry. Retries, classification and forced logout are the
// job of the resilience middleware that wraps individual calls and observes
// every response through the client's transport.
type Client struct {
	baseURL    string
	tokens     auth.TokenSource
	httpClient *http.Client
	logger     *slog.Logger
	observer   FailureObserver
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient creates a new REST API client.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.observer != nil {
		// Copy so a caller-supplied *http.Client is never mutated.
		hc := *c.httpClient
		hc.Transport = &ObservingTransport{
			Base:     hc.Transport,
			Observer: c.observer,
		}
		c.httpClient = &hc
	}

	return c
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTokenSource attaches a bearer token to every request.
func WithTokenSource(ts auth.TokenSource) ClientOption {
	return func(c *Client) {
		c.tokens = ts
	}
}

// WithObserver reports every response failure to obs, regardless of which
// call path issued the request.
func WithObserver(obs FailureObserver) ClientOption {
	return func(c *Client) {
		c.observer = obs
	}
}
