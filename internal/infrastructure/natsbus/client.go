package natsbus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/nerrad567/device-manager/internal/infrastructure/config"
)

// defaultConnectTimeout bounds the initial dial.
const defaultConnectTimeout = 5 * time.Second

// conn is the subset of *nats.Conn the client uses.
type conn interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
	IsConnected() bool
	Close()
}

// Logger interface for optional logging support.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Client publishes lifecycle events to NATS core subjects.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Client struct {
	nc conn
	mu sync.RWMutex

	logger   Logger
	loggerMu sync.RWMutex
}

// Connect dials the NATS server described by cfg.
func Connect(cfg config.NATSConfig) (*Client, error) {
	c := &Client{}

	nc, err := nats.Connect(cfg.URL, buildOptions(cfg, c)...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	c.nc = nc

	return c, nil
}

// buildOptions translates cfg into nats options. Handlers log through c.
func buildOptions(cfg config.NATSConfig, c *Client) []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(time.Duration(cfg.ReconnectWait) * time.Second),
		nats.Timeout(defaultConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if logger := c.getLogger(); logger != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			if logger := c.getLogger(); logger != nil {
				logger.Info("nats reconnected", "url", nc.ConnectedUrlRedacted())
			}
		}),
	}

	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	return opts
}

// Subject converts a slash-separated event topic into a NATS subject.
func Subject(topic string) string {
	return strings.ReplaceAll(strings.Trim(topic, "/"), "/", ".")
}

// Publish sends data on subject and flushes, so a nil error means the
// server has seen the message.
func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	if subject == "" || strings.ContainsAny(subject, "*> ") {
		return fmt.Errorf("%w: %q", ErrInvalidSubject, subject)
	}

	c.mu.RLock()
	nc := c.nc
	c.mu.RUnlock()

	if nc == nil || !nc.IsConnected() {
		return ErrNotConnected
	}

	if err := nc.Publish(subject, data); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	if err := nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("%w: flush: %w", ErrPublishFailed, err)
	}
	return nil
}

// PublishEvent publishes a lifecycle event. The topic uses the same
// slash-separated layout as the MQTT bus and is mapped to a subject.
func (c *Client) PublishEvent(ctx context.Context, topic string, payload []byte) error {
	return c.Publish(ctx, Subject(topic), payload)
}

// HealthCheck reports whether the server connection is up.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("nats health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected returns the current connection state.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nc != nil && c.nc.IsConnected()
}

// Close closes the connection. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	nc := c.nc
	c.nc = nil
	c.mu.Unlock()

	if nc != nil {
		nc.Close()
	}
	return nil
}

// SetLogger sets a logger for connection events.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

func (c *Client) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}
