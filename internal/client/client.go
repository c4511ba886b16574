// Package client is the coordinator's connection client: it dials the
// WebSocket endpoint, pumps events to the caller and reconnects with capped,
// jittered exponential backoff. Reconnection is one explicit loop with
// cancellation, not callback chains, so the backoff logic is testable on its
// own.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ErrConnectionFailed is the terminal state surfaced to the UI layer once
// the attempt cap is reached.
var ErrConnectionFailed = errors.New("connection failed: retry attempts exhausted")

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateFailed       State = "failed"
)

// Conn is the slice of *websocket.Conn the client uses; tests substitute it.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(mt int, data []byte) error
	Close() error
}

// Dialer opens one connection attempt.
type Dialer func(ctx context.Context, url, token string) (Conn, error)

type Config struct {
	URL   string
	Token string

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxAttempts    int
	PingInterval   time.Duration
}

func (c *Config) applyDefaults() {
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
}

type Client struct {
	cfg    Config
	dial   Dialer
	events chan []byte

	// sleep and jitter are injectable so tests drive the backoff without
	// real time.
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(d time.Duration) time.Duration

	mu    sync.RWMutex
	state State
	conn  Conn
}

func New(cfg Config) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg:    cfg,
		dial:   wsDial,
		events: make(chan []byte, 64),
		sleep:  sleepCtx,
		jitter: defaultJitter,
		state:  StateDisconnected,
	}
}

func wsDial(ctx context.Context, url, token string) (Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// defaultJitter spreads reconnects over [d, 1.5d) so a restarting server is
// not hit by a thundering herd.
func defaultJitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(d)/2+1))
}

// Events is the inbound event stream. Frames arriving while the buffer is
// full are dropped.
func (c *Client) Events() <-chan []byte { return c.events }

func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Send marshals and writes one event on the current connection.
func (c *Client) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.state != StateConnected {
		return errors.New("not connected")
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Run drives the connect/reconnect loop until ctx is cancelled or the
// attempt cap is hit. A successful connection resets the attempt counter.
func (c *Client) Run(ctx context.Context) error {
	attempts := 0
	backoff := c.cfg.InitialBackoff

	for {
		c.setState(StateConnecting)
		conn, err := c.dial(ctx, c.cfg.URL, c.cfg.Token)
		if err == nil {
			c.attach(conn)
			attempts = 0
			backoff = c.cfg.InitialBackoff
			err = c.pump(ctx, conn)
			c.detach()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn().Str("module", "client").Err(err).Msg("connection lost")
		} else if ctx.Err() != nil {
			return ctx.Err()
		}

		attempts++
		if attempts >= c.cfg.MaxAttempts {
			c.setState(StateFailed)
			return ErrConnectionFailed
		}

		c.setState(StateDisconnected)
		if err := c.sleep(ctx, c.jitter(backoff)); err != nil {
			return err
		}
		backoff = min(backoff*2, c.cfg.MaxBackoff)
	}
}

func (c *Client) attach(conn Conn) {
	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.mu.Unlock()
}

func (c *Client) detach() {
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
}

// pump reads frames into the event channel and keeps the app-level ping
// going; the server's presence TTL rides on it.
func (c *Client) pump(ctx context.Context, conn Conn) error {
	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(c.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				if err := c.Send(map[string]string{"type": "ping"}); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		select {
		case c.events <- data:
		default:
			log.Warn().Str("module", "client").Msg("event buffer full, dropping frame")
		}
	}
}
