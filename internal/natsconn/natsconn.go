// Package natsconn owns the NATS connection shared by the remote
// configuration channel and the NATS sink.
package natsconn

import (
	"crypto/tls"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"mqtt-ingest-bridge/config"
	"mqtt-ingest-bridge/internal/logger"
)

// Manager handles the NATS connection lifecycle
type Manager struct {
	cfg       config.NATSConfig
	logger    *logger.Logger
	conn      *nats.Conn
	connected atomic.Bool

	mu          sync.Mutex
	onReconnect func()
}

// New creates a manager; call Connect to dial.
func New(cfg config.NATSConfig, log *logger.Logger) *Manager {
	return &Manager{cfg: cfg, logger: log}
}

// SetOnReconnect registers fn to run after every reconnect.
func (m *Manager) SetOnReconnect(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReconnect = fn
}

// Options builds the nats.Options for the configured server.
func (m *Manager) Options() []nats.Option {
	opts := []nats.Option{
		nats.Name(m.cfg.ClientName),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1), // Unlimited reconnects
		nats.DisconnectErrHandler(m.handleDisconnect),
		nats.ReconnectHandler(m.handleReconnect),
		nats.ClosedHandler(m.handleClosed),
	}

	if m.cfg.Username != "" {
		opts = append(opts, nats.UserInfo(m.cfg.Username, m.cfg.Password))
	}

	if m.cfg.TLS.Enable {
		// Secure replaces the TLS config, so it goes before the file options.
		opts = append(opts, nats.Secure(&tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: m.cfg.TLS.InsecureSkipVerify,
		}))
		if m.cfg.TLS.CertFile != "" {
			opts = append(opts, nats.ClientCert(m.cfg.TLS.CertFile, m.cfg.TLS.KeyFile))
		}
		if m.cfg.TLS.CAFile != "" {
			opts = append(opts, nats.RootCAs(m.cfg.TLS.CAFile))
		}
	}

	return opts
}

// Connect establishes connection to the NATS server
func (m *Manager) Connect() error {
	if len(m.cfg.URLs) == 0 {
		return fmt.Errorf("no NATS server URLs provided")
	}

	m.logger.Info("connecting to NATS server", "urls", m.cfg.URLs)

	conn, err := nats.Connect(strings.Join(m.cfg.URLs, ","), m.Options()...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS server: %w", err)
	}
	m.conn = conn
	m.connected.Store(true)

	m.logger.Info("connected to NATS server", "url", conn.ConnectedUrl())
	return nil
}

// Close drains pending publishes and closes the connection.
func (m *Manager) Close() {
	if m.conn == nil || m.conn.IsClosed() {
		return
	}
	m.logger.Info("disconnecting from NATS server")
	if err := m.conn.Drain(); err != nil {
		m.logger.Warn("failed to drain NATS connection", "error", err)
		m.conn.Close()
	}
	m.connected.Store(false)
}

// IsConnected returns the current connection status
func (m *Manager) IsConnected() bool {
	return m.conn != nil && m.conn.IsConnected() && m.connected.Load()
}

// Conn returns the underlying connection, nil before Connect.
func (m *Manager) Conn() *nats.Conn {
	return m.conn
}

func (m *Manager) handleDisconnect(conn *nats.Conn, err error) {
	if err != nil {
		m.logger.Error("disconnected from NATS server", "error", err)
	}
	m.connected.Store(false)
}

func (m *Manager) handleReconnect(conn *nats.Conn) {
	m.logger.Info("reconnected to NATS server", "url", conn.ConnectedUrl())
	m.connected.Store(true)
	m.mu.Lock()
	fn := m.onReconnect
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (m *Manager) handleClosed(conn *nats.Conn) {
	m.logger.Warn("NATS connection closed")
	m.connected.Store(false)
}
