package portal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// ClientConfig holds configuration for a portal Client.
type ClientConfig struct {
	// ServerURL is the WebSocket URL of the portal (e.g. "wss://portal.example.com/client/websocket").
	ServerURL string

	// TokenProvider returns the current bearer token for authenticating with
	// the portal. Called on each dial attempt so it can return a fresh JWT
	// after token refresh. If nil, no Authorization header is sent.
	TokenProvider func() string

	// OnAuthFailure is called when the portal rejects a connection with
	// HTTP 401. The callback should refresh the JWT and return nil on
	// success. The reconnect loop pauses retries until it returns.
	OnAuthFailure func() error

	Logger *slog.Logger

	// MessageBufferSize is the capacity of the inbound message channel.
	// Defaults to 64 if zero.
	MessageBufferSize int

	// DialTimeout bounds the duration of each WebSocket dial attempt.
	// Defaults to 10s if zero.
	DialTimeout time.Duration

	// SessionID identifies this client instance across reconnects, so the
	// portal can correlate a dropped and re-dialed connection with the same
	// session in its own logs. Generated with uuid.NewString if empty.
	SessionID string

	Reconnect ReconnectConfig
}

// ReconnectConfig controls the reconnection backoff strategy.
type ReconnectConfig struct {
	Enabled      bool
	InitialDelay time.Duration // default 1s
	MaxDelay     time.Duration // default 30s
	MaxAttempts  int           // 0 = unlimited
}

// Client is a WebSocket client for the portal control channel. It connects,
// and delivers incoming messages on a channel, reconnecting with
// exponential backoff on connection loss.
type Client struct {
	cfg ClientConfig
	log *slog.Logger

	msgCh chan Message
	done  chan struct{}

	cancel context.CancelFunc

	mu       sync.Mutex
	conn     *websocket.Conn
	reconnCh chan struct{}
}

// NewClient creates a portal Client. Call Connect to dial and start
// receiving messages.
func NewClient(cfg ClientConfig) *Client {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	bufSize := cfg.MessageBufferSize
	if bufSize <= 0 {
		bufSize = 64
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}

	return &Client{
		cfg:      cfg,
		log:      log,
		msgCh:    make(chan Message, bufSize),
		done:     make(chan struct{}),
		reconnCh: make(chan struct{}, 1),
	}
}

// SessionID returns the identifier this client presents to the portal on
// every dial, stable across reconnects.
func (c *Client) SessionID() string {
	return c.cfg.SessionID
}

// Messages returns a read-only channel delivering incoming portal messages.
// It is closed once reconnection is disabled or exhausted, or Close is
// called.
func (c *Client) Messages() <-chan Message {
	return c.msgCh
}

// Connect dials the portal and starts the receive loop. It blocks until the
// initial connection succeeds or fails; reconnection thereafter happens in
// the background.
func (c *Client) Connect(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if err := c.dial(ctx); err != nil {
		cancel()
		return fmt.Errorf("connecting to portal: %w", err)
	}

	c.log.Info("connected to portal", "url", c.cfg.ServerURL)
	go c.receiveLoop(ctx)
	return nil
}

// Send serializes and writes a message to the portal.
func (c *Client) Send(ctx context.Context, msg Message) error {
	data, err := Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling portal message: %w", err)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("not connected to portal")
	}

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("writing portal message: %w", err)
	}
	c.log.Debug("sent portal message", "type", msg.MessageType())
	return nil
}

// ForceReconnect triggers an immediate reconnection attempt, skipping
// backoff on the next try. Safe to call from any goroutine; no-op if
// reconnection is disabled.
func (c *Client) ForceReconnect() {
	if !c.cfg.Reconnect.Enabled {
		return
	}
	select {
	case c.reconnCh <- struct{}{}:
	default:
	}
	c.closeConn()
}

// Close shuts the client down, closing the connection and message channel.
func (c *Client) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	<-c.done
	return nil
}

func (c *Client) dial(ctx context.Context) error {
	dialTimeout := c.cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	dialCtx, dialCancel := context.WithTimeout(ctx, dialTimeout)
	defer dialCancel()

	header := http.Header{"X-Corelink-Session-Id": []string{c.cfg.SessionID}}
	if c.cfg.TokenProvider != nil {
		if token := c.cfg.TokenProvider(); token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	}
	opts := &websocket.DialOptions{HTTPHeader: header}

	conn, _, err := websocket.Dial(dialCtx, c.cfg.ServerURL, opts)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

func (c *Client) closeConn() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "closing")
	}
}

func (c *Client) receiveLoop(ctx context.Context) {
	defer close(c.done)
	defer close(c.msgCh)

	for {
		err := c.readMessages(ctx)
		if err == nil || ctx.Err() != nil {
			c.closeConn()
			return
		}

		c.log.Warn("portal connection lost", "error", err)
		c.closeConn()

		if !c.cfg.Reconnect.Enabled {
			return
		}
		if !c.reconnect(ctx) {
			return
		}
	}
}

func (c *Client) readMessages(ctx context.Context) error {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return errors.New("no connection")
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		msg, err := Unmarshal(data)
		if err != nil {
			c.log.Warn("ignoring malformed portal message", "error", err)
			continue
		}
		c.log.Debug("received portal message", "type", msg.MessageType())

		select {
		case c.msgCh <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func isHTTP401(err error) bool {
	return err != nil && strings.Contains(err.Error(), "status code 101 but got 401")
}

func (c *Client) reconnect(ctx context.Context) bool {
	initialDelay := c.cfg.Reconnect.InitialDelay
	if initialDelay <= 0 {
		initialDelay = time.Second
	}
	maxDelay := c.cfg.Reconnect.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	maxAttempts := c.cfg.Reconnect.MaxAttempts

	immediate := false
	select {
	case <-c.reconnCh:
		immediate = true
	default:
	}

	for attempt := 1; maxAttempts == 0 || attempt <= maxAttempts; attempt++ {
		if immediate && attempt == 1 {
			c.log.Info("reconnecting to portal immediately (forced)", "attempt", attempt)
		} else {
			backoff := maxDelay
			if attempt <= 62 {
				backoff = time.Duration(float64(initialDelay) * math.Pow(2, float64(attempt-1)))
			}
			if backoff <= 0 || backoff > maxDelay {
				backoff = maxDelay
			}

			c.log.Info("reconnecting to portal", "attempt", attempt, "backoff", backoff)
			select {
			case <-ctx.Done():
				return false
			case <-time.After(backoff):
			}
		}

		if err := c.dial(ctx); err != nil {
			c.log.Warn("portal reconnection failed", "attempt", attempt, "error", err)

			if isHTTP401(err) && c.cfg.OnAuthFailure != nil {
				c.log.Info("portal returned 401, refreshing credentials")
				if refreshErr := c.cfg.OnAuthFailure(); refreshErr != nil {
					c.log.Error("credential refresh failed", "error", refreshErr)
				} else {
					attempt = 0
					immediate = true
				}
			}
			continue
		}

		c.log.Info("reconnected to portal", "attempt", attempt)
		return true
	}

	c.log.Error("portal reconnection attempts exhausted")
	return false
}
