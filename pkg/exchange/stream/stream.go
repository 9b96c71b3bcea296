// Package stream runs a reconnecting websocket subscription for the venue
// adapters.
package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

type MessageHandler func(message []byte) error

type Config struct {
	Name string
	// URL is resolved on every connect, so venues with expiring stream
	// credentials can mint fresh ones.
	URL            func(ctx context.Context) (string, error)
	OnConnect      func(conn *websocket.Conn) error
	Handle         MessageHandler
	PingInterval   time.Duration
	ReconnectDelay time.Duration
}

type Client struct {
	cfg    Config
	logger *logrus.Entry
	done   chan struct{}

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
}

func New(cfg Config, logger *logrus.Logger) *Client {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	return &Client{
		cfg:    cfg,
		logger: logger.WithFields(logrus.Fields{"component": "stream", "stream": cfg.Name}),
		done:   make(chan struct{}),
	}
}

// Connect dials once and runs the subscription. It returns the dial error
// directly; later disconnects are retried in the background until ctx ends.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	go c.run(ctx, conn)
	return nil
}

// Done is closed once a connected client has stopped for good. After that the
// handler is never called again.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	url, err := c.cfg.URL(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s stream url: %w", c.cfg.Name, err)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s stream: %w", c.cfg.Name, err)
	}
	if c.cfg.OnConnect != nil {
		if err := c.cfg.OnConnect(conn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to subscribe to %s stream: %w", c.cfg.Name, err)
		}
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()
	return conn, nil
}

func (c *Client) run(ctx context.Context, conn *websocket.Conn) {
	defer close(c.done)
	for {
		c.serve(ctx, conn)
		if ctx.Err() != nil {
			return
		}

		for {
			timer := time.NewTimer(c.cfg.ReconnectDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			next, err := c.dial(ctx)
			if err == nil {
				conn = next
				c.logger.Info("Reconnected")
				break
			}
			c.logger.WithError(err).Warn("Reconnect failed")
		}
	}
}

func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)
	go c.keepAlive(ctx, conn, done)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.WithError(err).Error("Failed to read websocket message")
			}
			c.handleDisconnect(conn)
			return
		}
		if err := c.cfg.Handle(msg); err != nil {
			c.logger.WithError(err).Error("Handler error")
		}
	}
}

func (c *Client) keepAlive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			// Unblocks the read loop.
			c.handleDisconnect(conn)
			return
		case <-ticker.C:
			deadline := time.Now().Add(5 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.WithError(err).Error("Failed to send ping")
				c.handleDisconnect(conn)
				return
			}
		}
	}
}

func (c *Client) handleDisconnect(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == conn {
		c.connected = false
	}
	conn.Close()
}
