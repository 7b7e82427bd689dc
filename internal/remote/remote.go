// Package remote receives desired-property documents over NATS and
// publishes the effective configuration back as reported properties.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"mqtt-ingest-bridge/internal/logger"
)

// Handler receives one decoded desired-properties document. Documents are
// delivered one at a time in arrival order.
type Handler func(ctx context.Context, props map[string]any)

// Config names the subjects of the remote configuration channel.
type Config struct {
	DesiredSubject  string
	SnapshotSubject string
	ReportedSubject string
	RequestTimeout  time.Duration
}

// Channel receives desired properties over NATS and publishes reported ones.
type Channel struct {
	nc      *nats.Conn
	cfg     Config
	handler Handler
	logger  *logger.Logger

	mu  sync.Mutex
	ctx context.Context
	sub *nats.Subscription
}

// New creates a channel; nothing is subscribed until Start.
func New(nc *nats.Conn, cfg Config, handler Handler, log *logger.Logger) *Channel {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	return &Channel{
		nc:      nc,
		cfg:     cfg,
		handler: handler,
		logger:  log,
		ctx:     context.Background(),
	}
}

// Start fetches the full desired document when a snapshot subject is
// configured, then subscribes to patches.
func (c *Channel) Start(ctx context.Context) error {
	if c.nc == nil {
		return errors.New("nats connection cannot be nil")
	}

	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()

	if c.cfg.SnapshotSubject != "" {
		if err := c.FetchSnapshot(ctx); err != nil {
			// Patches still arrive; the snapshot is best effort.
			c.logger.Warn("failed to fetch desired properties snapshot",
				"subject", c.cfg.SnapshotSubject,
				"error", err)
		}
	}

	sub, err := c.nc.Subscribe(c.cfg.DesiredSubject, c.handleMsg)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", c.cfg.DesiredSubject, err)
	}

	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()

	c.logger.Info("listening for desired properties", "subject", c.cfg.DesiredSubject)
	return nil
}

// FetchSnapshot requests the complete desired document and hands it to the
// handler.
func (c *Channel) FetchSnapshot(ctx context.Context) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	msg, err := c.nc.RequestWithContext(reqCtx, c.cfg.SnapshotSubject, nil)
	if err != nil {
		return fmt.Errorf("snapshot request failed: %w", err)
	}

	props, err := Decode(msg.Data)
	if err != nil {
		return err
	}
	c.handler(ctx, props)
	return nil
}

func (c *Channel) handleMsg(msg *nats.Msg) {
	props, err := Decode(msg.Data)
	if err != nil {
		c.logger.Error("ignoring malformed desired properties", "subject", msg.Subject, "error", err)
		c.respond(msg, map[string]any{"status": "error", "error": err.Error()})
		return
	}

	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()

	c.handler(ctx, props)
	c.respond(msg, map[string]any{"status": "ok"})
}

func (c *Channel) respond(msg *nats.Msg, body map[string]any) {
	if msg.Reply == "" || c.nc == nil {
		return
	}
	data, err := json.Marshal(body)
	if err != nil {
		return
	}
	if err := c.nc.Publish(msg.Reply, data); err != nil {
		c.logger.Warn("failed to respond to desired properties request", "error", err)
	}
}

// Report publishes the reported properties. It is a no-op without a
// reported subject.
func (c *Channel) Report(props map[string]any) error {
	if c.cfg.ReportedSubject == "" || c.nc == nil {
		return nil
	}
	data, err := json.Marshal(props)
	if err != nil {
		return fmt.Errorf("failed to encode reported properties: %w", err)
	}
	if err := c.nc.Publish(c.cfg.ReportedSubject, data); err != nil {
		return fmt.Errorf("failed to publish reported properties: %w", err)
	}
	return nil
}

// Stop unsubscribes from desired-property patches.
func (c *Channel) Stop() {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			c.logger.Warn("failed to unsubscribe from desired properties", "error", err)
		}
	}
}

// Decode parses a desired-properties document. Twin documents that wrap
// the properties in a "desired" object are unwrapped.
func Decode(data []byte) (map[string]any, error) {
	var props map[string]any
	if err := json.Unmarshal(data, &props); err != nil {
		return nil, fmt.Errorf("invalid desired properties document: %w", err)
	}
	if props == nil {
		return nil, errors.New("invalid desired properties document: null")
	}
	if inner, ok := props["desired"].(map[string]any); ok {
		return inner, nil
	}
	return props, nil
}
