package connection

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/rickgao/tradesync/internal/auth"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no ping)")
	ErrAlreadyClosed   = errors.New("already closed")
	ErrStopped         = errors.New("multiplexer stopped")
	ErrAlreadyStarted  = errors.New("multiplexer already started")
	ErrInvalidChannel  = errors.New("channel name is required")
)

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// Update is a data frame delivered to a subscription handle.
type Update struct {
	Channel    string
	Type       string
	SID        int64
	Seq        int64
	Data       json.RawMessage
	ReceivedAt time.Time
	SeqGap     bool  // True if sequence gap detected before this frame
	GapSize    int   // Number of missed frames (0 if no gap)
	Err        error // Non-nil when the backend rejected the subscription
}

// Command is a WebSocket command to send to the server.
type Command struct {
	ID     int64  `json:"id"`
	Cmd    string `json:"cmd"`
	Params any    `json:"params"`
}

// UnsubscribeParams are parameters for an unsubscribe command.
type UnsubscribeParams struct {
	SIDs []int64 `json:"sids"`
}

// Response is a command response from the server.
type Response struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"` // "subscribed", "unsubscribed", "error", "ok"
	Msg  json.RawMessage `json:"msg"`
}

// SubscribedMsg is the message content for a "subscribed" response.
type SubscribedMsg struct {
	SID     int64  `json:"sid"`
	Channel string `json:"channel"`
}

// UnsubscribedMsg is the message content for an "unsubscribed" response.
type UnsubscribedMsg struct {
	SIDs []int64 `json:"sids"`
}

// ErrorMsg is the message content for an "error" response.
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DataMessage is a data frame from the server.
type DataMessage struct {
	Type string          `json:"type"`
	SID  int64           `json:"sid"`
	Seq  int64           `json:"seq,omitempty"`
	Msg  json.RawMessage `json:"msg"`
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL               string           // WebSocket URL
	Tokens            auth.TokenSource // Bearer token for the handshake (nil = anonymous)
	HandshakeTimeout  time.Duration
	PingTimeout       time.Duration   // Max time without ping before considering connection stale
	HeartbeatInterval time.Duration   // How often to ping the server
	WriteTimeout      time.Duration   // Write deadline for sends
	BufferSize        int             // Data frame buffer; command responses are never dropped
	Clock             clockwork.Clock // Drives heartbeats and receive timestamps (nil = real)
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout:  10 * time.Second,
		PingTimeout:       60 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		WriteTimeout:      5 * time.Second,
		BufferSize:        1000,
	}
}

// Config configures the Multiplexer.
type Config struct {
	Client               ClientConfig
	ReconnectBaseWait    time.Duration // Base wait time for reconnection
	ReconnectMaxWait     time.Duration // Max wait time for reconnection
	MaxReconnectAttempts int           // 0 = unlimited
	HandleBufferSize     int           // Per-handle update buffer
	DetectGaps           bool          // Flag sequence gaps per SID
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Client:            DefaultClientConfig(),
		ReconnectBaseWait: 1 * time.Second,
		ReconnectMaxWait:  60 * time.Second,
		HandleBufferSize:  256,
		DetectGaps:        true,
	}
}

// Stats is a point-in-time view of the Multiplexer.
type Stats struct {
	State             State
	Subscriptions     int // Tracked subscriptions with refCount > 0
	Handles           int
	PendingSubscribes int // Subscribes awaiting confirmation
	ReconnectAttempts int // Consecutive attempts since the last Open
}
