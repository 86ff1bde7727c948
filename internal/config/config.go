package config

import (
	"log/slog"
	"time"
)

// Config is the root configuration for a sync daemon instance.
type Config struct {
	Instance   InstanceConfig   `yaml:"instance"`
	API        APIConfig        `yaml:"api"`
	Connection ConnectionConfig `yaml:"connection"`
	Retry      RetryConfig      `yaml:"retry"`
	Mode       ModeConfig       `yaml:"mode"`
	Session    SessionConfig    `yaml:"session"`
	Audit      AuditConfig      `yaml:"audit"`
	Control    ControlConfig    `yaml:"control"`
	Log        LogConfig        `yaml:"log"`
}

// InstanceConfig identifies this daemon.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// APIConfig holds backend endpoints and credentials.
type APIConfig struct {
	BaseURL   string        `yaml:"base_url"`
	WSURL     string        `yaml:"ws_url"`
	Token     string        `yaml:"token"`      // inline bearer token, usually ${VAR}
	TokenPath string        `yaml:"token_path"` // file the host rewrites after login
	Timeout   time.Duration `yaml:"timeout"`
}

// ConnectionConfig holds real-time multiplexer settings.
type ConnectionConfig struct {
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"` // 0 = unlimited
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
	PingTimeout          time.Duration `yaml:"ping_timeout"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	BufferSize           int           `yaml:"buffer_size"`
	HandleBufferSize     int           `yaml:"handle_buffer_size"`
	DetectGaps           *bool         `yaml:"detect_gaps"`
}

// RetryConfig holds resilient call defaults.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	AuthMarkers []string      `yaml:"auth_markers"`
}

// ModeConfig maps screens to the trading mode they require.
type ModeConfig struct {
	Routes []RouteConfig `yaml:"routes"`
}

// RouteConfig is one path prefix and its mode ("paper" or "live").
type RouteConfig struct {
	Prefix string `yaml:"prefix"`
	Mode   string `yaml:"mode"`
}

// SessionConfig holds the keep-alive poller settings.
type SessionConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval"`
	PollTimeout     time.Duration `yaml:"poll_timeout"`
	PollConcurrency int           `yaml:"poll_concurrency"`
}

// AuditConfig holds the mode-transition journal settings.
type AuditConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Database      DBConfig      `yaml:"database"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// ControlConfig holds the host bridge HTTP server settings.
type ControlConfig struct {
	Addr        string `yaml:"addr"`
	MetricsPath string `yaml:"metrics_path"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
}

// SlogLevel parses Level. Unknown values fall back to info.
func (l LogConfig) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// GapDetection reports whether sequence gaps are flagged. Defaults to true.
func (c ConnectionConfig) GapDetection() bool {
	return c.DetectGaps == nil || *c.DetectGaps
}
