package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultBaseURL            = "http://localhost:8080/api"
	DefaultWSURL              = "ws://localhost:8080/ws"
	DefaultAPITimeout         = 30 * time.Second
	DefaultReconnectBaseDelay = 1 * time.Second
	DefaultReconnectMaxDelay  = 60 * time.Second
	DefaultHandshakeTimeout   = 10 * time.Second
	DefaultPingTimeout        = 60 * time.Second
	DefaultHeartbeatInterval  = 30 * time.Second
	DefaultWriteTimeout       = 5 * time.Second
	DefaultBufferSize         = 1000
	DefaultHandleBufferSize   = 256
	DefaultRetryMaxAttempts   = 3
	DefaultRetryBaseDelay     = 500 * time.Millisecond
	DefaultPollInterval       = 1 * time.Minute
	DefaultPollTimeout        = 10 * time.Second
	DefaultPollConcurrency    = 4
	DefaultDBPort             = 5432
	DefaultDBSSLMode          = "prefer"
	DefaultMaxConns           = 4
	DefaultMinConns           = 1
	DefaultAuditBatchSize     = 100
	DefaultAuditFlushInterval = 1 * time.Second
	DefaultControlAddr        = "127.0.0.1:7070"
	DefaultMetricsPath        = "/metrics"
	DefaultLogLevel           = "info"
)

// ApplyDefaults fills zero-valued optional fields.
func (c *Config) ApplyDefaults() {
	// API defaults
	if c.API.BaseURL == "" {
		c.API.BaseURL = DefaultBaseURL
	}
	if c.API.WSURL == "" {
		c.API.WSURL = DefaultWSURL
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultAPITimeout
	}

	// Connection defaults
	if c.Connection.ReconnectBaseDelay == 0 {
		c.Connection.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Connection.ReconnectMaxDelay == 0 {
		c.Connection.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.Connection.HandshakeTimeout == 0 {
		c.Connection.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Connection.PingTimeout == 0 {
		c.Connection.PingTimeout = DefaultPingTimeout
	}
	if c.Connection.HeartbeatInterval == 0 {
		c.Connection.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Connection.WriteTimeout == 0 {
		c.Connection.WriteTimeout = DefaultWriteTimeout
	}
	if c.Connection.BufferSize == 0 {
		c.Connection.BufferSize = DefaultBufferSize
	}
	if c.Connection.HandleBufferSize == 0 {
		c.Connection.HandleBufferSize = DefaultHandleBufferSize
	}

	// Retry defaults
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = DefaultRetryMaxAttempts
	}
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = DefaultRetryBaseDelay
	}

	// Session poller defaults
	if c.Session.PollInterval == 0 {
		c.Session.PollInterval = DefaultPollInterval
	}
	if c.Session.PollTimeout == 0 {
		c.Session.PollTimeout = DefaultPollTimeout
	}
	if c.Session.PollConcurrency == 0 {
		c.Session.PollConcurrency = DefaultPollConcurrency
	}

	// Audit defaults
	applyDBDefaults(&c.Audit.Database)
	if c.Audit.BatchSize == 0 {
		c.Audit.BatchSize = DefaultAuditBatchSize
	}
	if c.Audit.FlushInterval == 0 {
		c.Audit.FlushInterval = DefaultAuditFlushInterval
	}

	// Control defaults
	if c.Control.Addr == "" {
		c.Control.Addr = DefaultControlAddr
	}
	if c.Control.MetricsPath == "" {
		c.Control.MetricsPath = DefaultMetricsPath
	}

	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
