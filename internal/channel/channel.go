package channel

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/dicecast/dicecast/internal/protocol"
)

// Callbacks are invoked from the channel's read goroutine. OnOpen fires
// after every successful (re)connect, OnDown after every disconnect, and
// OnExhausted once the backoff ceiling is reached.
type Callbacks struct {
	OnOpen      func()
	OnMessage   func(env *protocol.Envelope, payload any)
	OnDown      func()
	OnExhausted func()
}

// Config holds event channel settings.
type Config struct {
	URL         string
	BackoffBase time.Duration
	MaxAttempts int
	DialTimeout time.Duration
}

// DefaultConfig returns the default reconnect policy: linear backoff
// capped at five base units, ten attempts before giving up.
func DefaultConfig(url string) Config {
	return Config{
		URL:         url,
		BackoffBase: time.Second,
		MaxAttempts: 10,
		DialTimeout: 10 * time.Second,
	}
}

// Channel maintains one persistent push subscription. Messages are
// decoded against the closed event set; frames that fail to decode are
// dropped and never reach the state machine.
type Channel struct {
	cfg    Config
	clock  clockwork.Clock
	cb     Callbacks
	dialer *websocket.Dialer

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	attempts  int
	exhausted bool
	started   bool

	retryCh chan struct{}
}

// New creates an event channel. Start must be called to open it.
func New(cfg Config, clock clockwork.Clock, cb Callbacks) *Channel {
	return &Channel{
		cfg:   cfg,
		clock: clock,
		cb:    cb,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.DialTimeout,
		},
		retryCh: make(chan struct{}, 1),
	}
}

// Start opens the subscription and keeps it open until ctx is done.
// Calling Start more than once is a no-op.
func (c *Channel) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	go c.run(ctx)
}

// Reconnect resets the attempt counter and reopens immediately. It is
// the only way out of the exhausted state.
func (c *Channel) Reconnect() {
	c.mu.Lock()
	c.attempts = 0
	c.exhausted = false
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		// Force the read loop out; the run loop redials with a clean counter.
		conn.Close()
		return
	}
	select {
	case c.retryCh <- struct{}{}:
	default:
	}
}

// Connected reports whether the subscription is currently open.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Attempts returns the current reconnect attempt counter.
func (c *Channel) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Exhausted reports whether reconnection has hit the ceiling and stopped.
func (c *Channel) Exhausted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exhausted
}

func (c *Channel) run(ctx context.Context) {
	for ctx.Err() == nil {
		conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
		if err != nil {
			if resp != nil {
				resp.Body.Close()
			}
			log.Warn().Err(err).Str("url", c.cfg.URL).Msg("event channel dial failed")
			if !c.waitRetry(ctx) {
				return
			}
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.connected = true
		c.attempts = 0
		c.exhausted = false
		c.mu.Unlock()

		log.Info().Str("url", c.cfg.URL).Msg("event channel connected")
		if c.cb.OnOpen != nil {
			c.cb.OnOpen()
		}

		stop := context.AfterFunc(ctx, func() { conn.Close() })
		readErr := c.readLoop(conn)
		stop()
		conn.Close()

		c.mu.Lock()
		c.conn = nil
		c.connected = false
		c.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		log.Warn().Err(readErr).Msg("event channel disconnected")
		if c.cb.OnDown != nil {
			c.cb.OnDown()
		}
		if !c.waitRetry(ctx) {
			return
		}
	}
}

// waitRetry sleeps out the backoff delay for the current attempt count.
// It returns false when ctx ended, true when a new dial should happen.
func (c *Channel) waitRetry(ctx context.Context) bool {
	c.mu.Lock()
	delay := c.cfg.BackoffBase * time.Duration(min(c.attempts, 5))
	c.attempts++
	exhausted := c.attempts > c.cfg.MaxAttempts
	c.exhausted = exhausted
	attempts := c.attempts
	c.mu.Unlock()

	if exhausted {
		log.Error().Int("attempts", attempts).Msg("event channel reconnect attempts exhausted")
		if c.cb.OnExhausted != nil {
			c.cb.OnExhausted()
		}
		select {
		case <-ctx.Done():
			return false
		case <-c.retryCh:
			return true
		}
	}

	if delay <= 0 {
		return ctx.Err() == nil
	}
	timer := c.clock.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-c.retryCh:
		return true
	case <-timer.Chan():
		return true
	}
}

func (c *Channel) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warn().Err(err).Msg("dropping undecodable event frame")
			continue
		}
		payload, err := protocol.ParsePayload(&env)
		if err != nil {
			log.Warn().Err(err).Str("type", string(env.Type)).Msg("dropping malformed event payload")
			continue
		}
		if c.cb.OnMessage != nil {
			c.cb.OnMessage(&env, payload)
		}
	}
}
