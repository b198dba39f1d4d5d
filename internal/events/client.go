// Package events publishes OTA status transitions and download progress over
// NATS so a fleet dashboard can follow devices while they update.
//
// Subjects are rooted at a configurable prefix:
//
//	<prefix>.<board>.ota.status    status transitions
//	<prefix>.<board>.ota.progress  download percentage
//
// Usage:
//
//	client := events.NewClient(cfg, logger)
//	err := client.Connect(ctx)
//	defer client.Close()
//	progress := events.NewPublisher(client.Connection(), cfg, logger).Attach(session)
//	session.SetProgressCallback(progress)
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nkeys"
)

// Config holds NATS connection configuration.
type Config struct {
	Servers       string // Comma-separated list of NATS server URLs
	NKeySeed      string // NKey seed for authentication (starts with SU)
	SubjectPrefix string // Root of published subjects
	BoardID       string // Board ID for subject routing
}

// Client manages the NATS connection.
type Client struct {
	config    Config
	nc        *nats.Conn
	logger    *slog.Logger
	mu        sync.RWMutex
	connected bool
}

// NewClient creates a new NATS client with the given configuration.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		config: cfg,
		logger: logger.With(slog.String("component", "events")),
	}
}

// Connect establishes a connection to the NATS server.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	kp, err := nkeys.FromSeed([]byte(c.config.NKeySeed))
	if err != nil {
		return fmt.Errorf("invalid nkey seed: %w", err)
	}

	pubKey, err := kp.PublicKey()
	if err != nil {
		return fmt.Errorf("failed to get public key: %w", err)
	}

	opts := []nats.Option{
		nats.Name(fmt.Sprintf("ota-agent-%s", c.config.BoardID)),
		nats.Nkey(pubKey, func(nonce []byte) ([]byte, error) {
			return kp.Sign(nonce)
		}),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectBufSize(1024 * 1024),
		nats.PingInterval(30 * time.Second),
		nats.MaxPingsOutstanding(3),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			c.mu.Lock()
			c.connected = false
			c.mu.Unlock()
			if err != nil {
				c.logger.Warn("NATS disconnected", slog.String("error", err.Error()))
			} else {
				c.logger.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.mu.Lock()
			c.connected = true
			c.mu.Unlock()
			c.logger.Info("NATS reconnected", slog.String("server", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			c.logger.Error("NATS error", slog.String("error", err.Error()))
		}),
	}
	if deadline, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(time.Until(deadline)))
	}

	nc, err := nats.Connect(c.config.Servers, opts...)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}

	c.nc = nc
	c.connected = true

	c.logger.Info("NATS connected",
		slog.String("server", nc.ConnectedUrl()),
		slog.String("public_key", pubKey),
	)
	return nil
}

// IsConnected returns whether the client is currently connected.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.nc != nil && c.nc.IsConnected()
}

// Connection returns the underlying NATS connection for publishing.
func (c *Client) Connection() *nats.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nc
}

// Close drains and closes the connection, flushing pending events.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.nc == nil {
		return nil
	}
	err := c.nc.Drain()
	c.nc = nil
	c.connected = false
	return err
}

// Shutdown implements the shutdown.Shutdowner interface.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.Close()
}
