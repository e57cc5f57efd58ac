// Package nats wraps the NATS connection used to publish payment events.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Config holds NATS configuration
type Config struct {
	URL           string        `envconfig:"NATS_URL" default:"nats://localhost:4222"`
	Name          string        `envconfig:"NATS_CLIENT_NAME" default:"commercepay"`
	MaxReconnects int           `envconfig:"NATS_MAX_RECONNECTS" default:"10"`
	ReconnectWait time.Duration `envconfig:"NATS_RECONNECT_WAIT" default:"2s"`
}

// Client wraps a NATS connection
type Client struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// New creates a new NATS client
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(c *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
		nats.ErrorHandler(func(c *nats.Conn, s *nats.Subscription, err error) {
			logger.Error("NATS error", "error", err, "subject", s.Subject)
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	logger.Info("NATS connection established", "url", conn.ConnectedUrl())

	return &Client{
		conn:   conn,
		logger: logger,
	}, nil
}

// Close drains and closes the NATS connection
func (c *Client) Close() {
	if err := c.conn.Drain(); err != nil {
		c.logger.Warn("NATS drain failed", "error", err)
		c.conn.Close()
	}
}

// Conn returns the underlying NATS connection
func (c *Client) Conn() *nats.Conn {
	return c.conn
}

// Publish marshals v as JSON and publishes it on the subject.
func (c *Client) Publish(ctx context.Context, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}
