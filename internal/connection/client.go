package connection

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/rickgao/tradesync/internal/api"
	"github.com/rickgao/tradesync/internal/auth"
)

const (
	// maxHandshakeBody bounds how much of a rejected handshake body is kept.
	maxHandshakeBody = 4 << 10

	controlTimeout   = time.Second
	keepalivePayload = "keepalive"
)

// Client represents a single physical WebSocket connection to the backend.
type Client interface {
	// Connect dials and starts the read and heartbeat goroutines.
	Connect(ctx context.Context) error

	// Close sends a close frame and tears the connection down. Idempotent.
	Close() error

	// Send writes one text frame.
	Send(data []byte) error

	// Messages yields every inbound frame in arrival order. Data frames are
	// dropped when the buffer is full; command responses wait for room.
	Messages() <-chan TimestampedMessage

	// Errors yields at most one terminal error: a read failure or a stale
	// connection.
	Errors() <-chan error

	// IsConnected reports whether the read loop is still running.
	IsConnected() bool
}

// wsClient is the gorilla/websocket Client.
type wsClient struct {
	cfg    ClientConfig
	clock  clockwork.Clock
	logger *slog.Logger

	inbound chan TimestampedMessage
	failure chan error
	stop    chan struct{}

	sendMu sync.Mutex // gorilla allows one concurrent writer

	mu     sync.RWMutex
	conn   *websocket.Conn
	live   bool
	closed bool

	lastSeen atomic.Int64 // unix nanos of the last ping or pong, on clock
	dropped  atomic.Int64
}

// NewClient creates an unconnected WebSocket client.
func NewClient(cfg ClientConfig, logger *slog.Logger) Client {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultClientConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaults.BufferSize
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = defaults.PingTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &wsClient{
		cfg:     cfg,
		clock:   clock,
		logger:  logger.With("url", cfg.URL),
		inbound: make(chan TimestampedMessage, cfg.BufferSize),
		failure: make(chan error, 1),
		stop:    make(chan struct{}),
	}
}

func (c *wsClient) Connect(ctx context.Context) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return ErrAlreadyClosed
	}

	header := http.Header{"Accept": {"application/json"}}
	if err := auth.Apply(header, c.cfg.Tokens); err != nil {
		return fmt.Errorf("authorize handshake: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return handshakeError(resp, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrAlreadyClosed
	}
	c.conn = conn
	c.live = true
	c.mu.Unlock()

	c.touch()
	conn.SetPingHandler(func(data string) error {
		c.touch()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(controlTimeout))
	})
	conn.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	go c.readLoop(conn)
	go c.heartbeatLoop(conn)

	c.logger.Debug("websocket connected")
	return nil
}

// handshakeError keeps the backend's status when the upgrade was refused,
// e.g. 401.
func handshakeError(resp *http.Response, err error) error {
	if resp == nil || resp.StatusCode < 400 {
		return fmt.Errorf("websocket dial: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxHandshakeBody))
	return fmt.Errorf("websocket handshake: %w", api.NewAPIError(resp.StatusCode, body))
}

func (c *wsClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.live = false
	conn := c.conn
	c.mu.Unlock()

	close(c.stop)
	if conn == nil {
		return nil
	}

	c.sendMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(controlTimeout))
	c.sendMu.Unlock()
	return conn.Close()
}

func (c *wsClient) Send(data []byte) error {
	c.mu.RLock()
	conn, live := c.conn, c.live
	c.mu.RUnlock()
	if !live {
		return ErrNotConnected
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsClient) Messages() <-chan TimestampedMessage { return c.inbound }

func (c *wsClient) Errors() <-chan error { return c.failure }

func (c *wsClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.live
}

// Dropped returns how many data frames were discarded on a full buffer.
func (c *wsClient) Dropped() int64 { return c.dropped.Load() }

func (c *wsClient) touch() { c.lastSeen.Store(c.clock.Now().UnixNano()) }

func (c *wsClient) silentFor() time.Duration {
	return c.clock.Since(time.Unix(0, c.lastSeen.Load()))
}

// fail reports the first terminal error unless the client was closed.
func (c *wsClient) fail(err error) {
	select {
	case <-c.stop:
		return
	default:
	}
	select {
	case c.failure <- err:
	default:
	}
}

func (c *wsClient) readLoop(conn *websocket.Conn) {
	defer func() {
		c.mu.Lock()
		c.live = false
		c.mu.Unlock()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		msg := TimestampedMessage{Data: data, ReceivedAt: c.clock.Now()}

		if _, isResponse := parseResponse(data); isResponse {
			// Losing a response would strand its subscribe forever.
			select {
			case c.inbound <- msg:
			case <-c.stop:
				return
			}
			continue
		}

		select {
		case c.inbound <- msg:
		case <-c.stop:
			return
		default:
			if n := c.dropped.Add(1); n == 1 || n%100 == 0 {
				c.logger.Warn("message buffer full, dropping data frame", "dropped", n)
			}
		}
	}
}

// heartbeatLoop pings on every tick and fails the connection once nothing
// has been heard for PingTimeout.
func (c *wsClient) heartbeatLoop(conn *websocket.Conn) {
	ticker := c.clock.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.Chan():
		}

		if silent := c.silentFor(); silent > c.cfg.PingTimeout {
			c.logger.Warn("connection stale", "silent_for", silent, "timeout", c.cfg.PingTimeout)
			c.fail(ErrStaleConnection)
			return
		}

		c.sendMu.Lock()
		err := conn.WriteControl(websocket.PingMessage, []byte(keepalivePayload), time.Now().Add(c.cfg.WriteTimeout))
		c.sendMu.Unlock()
		if err != nil {
			c.logger.Debug("keepalive ping failed", "error", err)
		}
	}
}
