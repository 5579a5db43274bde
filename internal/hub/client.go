package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/versecast/versecast/internal/detect"
)

// Default client reconnection parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// ClientConfig configures a [Client].
type ClientConfig struct {
	// URL is the hub websocket endpoint.
	URL string

	// SessionCode is the session to join (and re-join after reconnects).
	SessionCode string

	// UserID identifies this participant.
	UserID string

	// MaxRetries caps reconnection attempts per outage. Defaults to 10.
	MaxRetries int

	// Backoff is the initial retry delay, doubling up to MaxBackoff.
	// Defaults to 1s.
	Backoff time.Duration

	// MaxBackoff caps the retry delay. Defaults to 30s.
	MaxBackoff time.Duration
}

// Client maintains a participant's hub connection. On transport loss it
// reconnects with exponential backoff and re-joins its session; an explicit
// Stop ends the connection for good.
//
// All methods are safe for concurrent use.
type Client struct {
	cfg    ClientConfig
	events chan Message

	mu   sync.Mutex
	conn *websocket.Conn

	done     chan struct{}
	stopOnce sync.Once
}

// NewClient creates a hub client. Run starts it.
func NewClient(cfg ClientConfig) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	return &Client{
		cfg:    cfg,
		events: make(chan Message, outboxSize),
		done:   make(chan struct{}),
	}
}

// Events returns messages received from the hub. Closed when Run returns.
func (c *Client) Events() <-chan Message { return c.events }

// Run connects, joins the session, and pumps incoming messages until the
// context is cancelled, Stop is called, or reconnection is exhausted.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.events)

	if err := c.dialAndJoin(ctx); err != nil {
		return fmt.Errorf("hub client: initial connect: %w", err)
	}

	for {
		err := c.readLoop(ctx)
		if err == nil {
			return nil // explicit stop or context done
		}
		slog.Warn("hub connection lost", "session", c.cfg.SessionCode, "err", err)

		if !c.reconnect(ctx) {
			return fmt.Errorf("hub client: reconnection failed after %d attempts", c.cfg.MaxRetries)
		}
	}
}

// Stop closes the connection and halts reconnection. Safe to call repeatedly.
func (c *Client) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "leaving")
	}
}

// BroadcastTranscript sends a transcript segment to the other participants.
func (c *Client) BroadcastTranscript(ctx context.Context, transcript string) error {
	return c.send(ctx, Message{
		Type:        TypeBroadcastTranscript,
		SessionCode: c.cfg.SessionCode,
		UserID:      c.cfg.UserID,
		Transcript:  transcript,
	})
}

// BroadcastScripture sends a scripture detection to the other participants.
func (c *Client) BroadcastScripture(ctx context.Context, d detect.DetectionResult) error {
	return c.send(ctx, Message{
		Type:        TypeBroadcastScripture,
		SessionCode: c.cfg.SessionCode,
		UserID:      c.cfg.UserID,
		Detection:   &d,
	})
}

func (c *Client) send(ctx context.Context, msg Message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("hub client: not connected")
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(wctx, conn, msg); err != nil {
		return fmt.Errorf("hub client: send %s: %w", msg.Type, err)
	}
	return nil
}

// dialAndJoin opens a fresh connection and joins the configured session.
func (c *Client) dialAndJoin(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.cfg.URL, nil)
	if err != nil {
		return err
	}
	join := Message{
		Type:        TypeJoinSession,
		SessionCode: c.cfg.SessionCode,
		UserID:      c.cfg.UserID,
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	err = wsjson.Write(wctx, conn, join)
	cancel()
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "join failed")
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

// readLoop pumps incoming messages into the events channel. A nil return
// means deliberate shutdown; an error means the transport dropped.
func (c *Client) readLoop(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	for {
		var msg Message
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			select {
			case <-c.done:
				return nil
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		select {
		case c.events <- msg:
		case <-c.done:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// reconnect retries dialAndJoin with exponential backoff. Returns false when
// retries are exhausted or shutdown was requested.
func (c *Client) reconnect(ctx context.Context) bool {
	backoff := c.cfg.Backoff

	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return false
		case <-c.done:
			return false
		default:
		}

		slog.Info("attempting hub reconnection",
			"session", c.cfg.SessionCode,
			"attempt", attempt,
			"max_retries", c.cfg.MaxRetries,
			"backoff", backoff,
		)

		if err := c.dialAndJoin(ctx); err == nil {
			slog.Info("hub reconnection successful",
				"session", c.cfg.SessionCode,
				"attempt", attempt,
			)
			return true
		} else {
			slog.Warn("hub reconnection attempt failed",
				"session", c.cfg.SessionCode,
				"attempt", attempt,
				"error", err,
			)
		}

		select {
		case <-ctx.Done():
			return false
		case <-c.done:
			return false
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}

	slog.Error("hub reconnection failed after max retries",
		"session", c.cfg.SessionCode,
		"max_retries", c.cfg.MaxRetries,
	)
	return false
}
