// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package stream subscribes to chain events over the CometBFT WebSocket RPC
// and delivers them as typed values on a channel.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/valwatch/pkg/retry"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

// ErrClosed is returned by Connect after Close.
var ErrClosed = errors.New("stream client closed")

// Config configures the stream client.
type Config struct {
	// URLs are tried in order on every (re)connect.
	URLs []string
	// Voter filters poll vote subscriptions.
	Voter            string
	Buffer           int
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	ReconnectDelay   time.Duration
	ReconnectMax     time.Duration
}

// Client is a reconnecting event-stream subscriber.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *slog.Logger
	events chan Event

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	connected atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a client. Connect must be called before events flow.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 500 * time.Millisecond
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = time.Minute
	}
	return &Client{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout:  cfg.HandshakeTimeout,
			EnableCompression: true,
		},
		logger: logger.With(slog.String("component", "stream")),
		events: make(chan Event, cfg.Buffer),
	}
}

// Events returns the event channel. It is closed by Close.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Connected reports whether a subscription is currently live.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Connect dials the first reachable URL, subscribes and starts the reader.
// Later disconnects are repaired in the background.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.cancel = cancel
	c.mu.Unlock()
	c.connected.Store(true)

	c.wg.Add(1)
	go c.run(runCtx, conn)
	return nil
}

// Close stops the reader, closes the connection and the event channel.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		if c.cancel != nil {
			c.cancel()
		}
		if c.conn != nil {
			err = c.conn.Close()
		}
		c.mu.Unlock()

		c.wg.Wait()
		c.connected.Store(false)
		close(c.events)
	})
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	if len(c.cfg.URLs) == 0 {
		return nil, errors.New("no stream urls configured")
	}
	var errs []error
	for _, u := range c.cfg.URLs {
		conn, _, err := c.dialer.DialContext(ctx, u, nil)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", u, err))
			continue
		}
		if err := c.subscribe(conn); err != nil {
			conn.Close()
			errs = append(errs, fmt.Errorf("%s: %w", u, err))
			continue
		}
		c.logger.Info("connected to event stream", slog.String("url", u))
		return conn, nil
	}
	return nil, errors.Join(errs...)
}

type subscribeRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	ID      int    `json:"id"`
	Params  struct {
		Query string `json:"query"`
	} `json:"params"`
}

// Queries returns the subscription queries for a voter.
func Queries(voter string) []string {
	return []string{
		fmt.Sprintf("tm.event='Tx' AND %svoter='\"%s\"'", votedPrefix, voter),
		fmt.Sprintf("tm.event='Tx' AND %schain EXISTS", registeredPrefix),
		fmt.Sprintf("tm.event='Tx' AND %schain EXISTS", deregisteredPrefix),
	}
}

func (c *Client) subscribe(conn *websocket.Conn) error {
	for i, q := range Queries(c.cfg.Voter) {
		req := subscribeRequest{JSONRPC: "2.0", Method: "subscribe", ID: i + 1}
		req.Params.Query = q
		data, err := json.Marshal(req)
		if err != nil {
			return err
		}
		conn.SetWriteDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return fmt.Errorf("failed to subscribe %q: %w", q, err)
		}
	}
	conn.SetWriteDeadline(time.Time{})
	return nil
}

func (c *Client) run(ctx context.Context, conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		err := c.read(ctx, conn)
		c.connected.Store(false)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("event stream disconnected", slog.String("error", err.Error()))

		conn, err = c.reconnect(ctx)
		if err != nil {
			return
		}
		c.connected.Store(true)
	}
}

func (c *Client) reconnect(ctx context.Context) (*websocket.Conn, error) {
	var conn *websocket.Conn
	policy := retry.Policy{
		Kind:     retry.Exponential,
		Delay:    c.cfg.ReconnectDelay,
		MaxDelay: c.cfg.ReconnectMax,
		Notify: func(err error, attempt int, next time.Duration) {
			c.logger.Warn("event stream reconnect failed",
				slog.Int("attempt", attempt),
				slog.Duration("next", next),
				slog.String("error", err.Error()))
		},
	}
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		cn, err := c.dial(ctx)
		if err != nil {
			return err
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			cn.Close()
			return retry.Permanent(ErrClosed)
		}
		c.conn = cn
		conn = cn
		return nil
	})
	return conn, err
}

func (c *Client) read(ctx context.Context, conn *websocket.Conn) error {
	wait := 2 * c.cfg.PingInterval
	conn.SetReadDeadline(time.Now().Add(wait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wait))
	})

	done := make(chan struct{})
	defer close(done)
	go c.ping(conn, done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(wait))

		events, err := parseMessage(data)
		if err != nil {
			c.logger.Warn("failed to parse stream message", slog.String("error", err.Error()))
			continue
		}
		for _, ev := range events {
			select {
			case c.events <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (c *Client) ping(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.HandshakeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}
