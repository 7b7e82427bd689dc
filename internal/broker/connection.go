package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"mqtt-ingest-bridge/internal/logger"
	"mqtt-ingest-bridge/internal/metrics"
)

const disconnectQuiesceMs = 250

// ConnectionManager owns the paho client for the current endpoint. Each
// Connect replaces the client; callbacks from replaced clients are ignored.
type ConnectionManager struct {
	opts    Options
	factory ClientFactory
	logger  *logger.Logger
	metrics *metrics.Metrics

	mu         sync.RWMutex
	client     mqtt.Client
	endpoint   Endpoint
	state      State
	generation uint64
	lastChange time.Time
	onConnect  func()
}

// NewConnectionManager creates a manager in the disconnected state. A nil
// factory uses DefaultClientFactory.
func NewConnectionManager(opts Options, factory ClientFactory, log *logger.Logger, m *metrics.Metrics) *ConnectionManager {
	if factory == nil {
		factory = DefaultClientFactory
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.MaxReconnectInterval <= 0 {
		opts.MaxReconnectInterval = time.Minute
	}
	return &ConnectionManager{
		opts:       opts,
		factory:    factory,
		logger:     log,
		metrics:    m,
		state:      StateDisconnected,
		lastChange: time.Now(),
	}
}

// SetOnConnect registers fn to run after every successful (re)connect.
func (cm *ConnectionManager) SetOnConnect(fn func()) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.onConnect = fn
}

// Connect tears down the current client and connects to ep. It waits up to
// the connect timeout; on failure the error wraps ErrConnectionFailed and
// the new client keeps retrying in the background.
func (cm *ConnectionManager) Connect(ctx context.Context, ep Endpoint) error {
	old, gen := cm.replace(ep)
	if old != nil {
		cm.logger.Info("disconnecting from mqtt broker")
		old.Disconnect(disconnectQuiesceMs)
	}

	if ep.Host == "" {
		cm.setState(gen, StateDisconnected)
		return ErrNoBroker
	}

	server := ep.URL(cm.opts.TLS != nil)
	opts := mqtt.NewClientOptions().
		AddBroker(server).
		SetClientID(cm.opts.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(cm.opts.ConnectTimeout).
		SetMaxReconnectInterval(cm.opts.MaxReconnectInterval) // Prevent exponential backoff from growing too large
	if cm.opts.KeepAlive > 0 {
		opts.SetKeepAlive(cm.opts.KeepAlive)
	}
	if ep.Username != nil {
		opts.SetUsername(*ep.Username)
	}
	if ep.Password != nil {
		opts.SetPassword(*ep.Password)
	}
	if cm.opts.TLS != nil {
		opts.SetTLSConfig(cm.opts.TLS)
	}

	opts.OnConnect = func(c mqtt.Client) { cm.handleConnect(gen, server) }
	opts.OnConnectionLost = func(c mqtt.Client, err error) { cm.handleConnectionLost(gen, err) }
	opts.OnReconnecting = func(c mqtt.Client, o *mqtt.ClientOptions) { cm.handleReconnecting(gen, server) }

	client := cm.factory(opts)

	cm.mu.Lock()
	if cm.generation != gen {
		// Replaced while building the client.
		cm.mu.Unlock()
		return fmt.Errorf("%w: superseded by a newer connection", ErrConnectionFailed)
	}
	cm.client = client
	cm.mu.Unlock()

	cm.setState(gen, StateConnecting)
	cm.logger.Info("connecting to mqtt broker", "broker", server, "clientId", cm.opts.ClientID)

	token := client.Connect()
	timer := time.NewTimer(cm.opts.ConnectTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			cm.logger.Error("failed to connect to mqtt broker", "broker", server, "error", err)
			return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
		}
		return nil
	case <-timer.C:
		cm.logger.Warn("mqtt broker not reachable yet, retrying in background",
			"broker", server,
			"timeout", cm.opts.ConnectTimeout)
		return fmt.Errorf("%w: timed out after %s", ErrConnectionFailed, cm.opts.ConnectTimeout)
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrConnectionFailed, ctx.Err())
	}
}

// Disconnect closes the current client, if any.
func (cm *ConnectionManager) Disconnect() {
	old, gen := cm.replace(Endpoint{})
	if old != nil {
		cm.logger.Info("disconnecting from mqtt broker")
		old.Disconnect(disconnectQuiesceMs)
	}
	cm.setState(gen, StateDisconnected)
}

// replace bumps the generation and detaches the current client.
func (cm *ConnectionManager) replace(ep Endpoint) (mqtt.Client, uint64) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	old := cm.client
	cm.client = nil
	cm.endpoint = ep
	cm.generation++
	return old, cm.generation
}

func (cm *ConnectionManager) State() State {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.state
}

func (cm *ConnectionManager) IsConnected() bool {
	return cm.State() == StateConnected
}

// Client returns the current paho client or nil.
func (cm *ConnectionManager) Client() mqtt.Client {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.client
}

// Endpoint returns the endpoint of the current connection.
func (cm *ConnectionManager) Endpoint() Endpoint {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.endpoint
}

// setState applies the transition unless gen is stale.
func (cm *ConnectionManager) setState(gen uint64, state State) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if gen != cm.generation {
		return false
	}
	cm.state = state
	cm.lastChange = time.Now()
	cm.metrics.SetMQTTConnectionStatus(state == StateConnected)
	return true
}

func (cm *ConnectionManager) handleConnect(gen uint64, server string) {
	if !cm.setState(gen, StateConnected) {
		return
	}
	cm.logger.Info("mqtt client connected", "broker", server)

	cm.mu.RLock()
	hook := cm.onConnect
	cm.mu.RUnlock()
	if hook != nil {
		hook()
	}
}

func (cm *ConnectionManager) handleConnectionLost(gen uint64, err error) {
	if !cm.setState(gen, StateReconnecting) {
		return
	}
	cm.logger.Error("mqtt connection lost", "error", err)
}

func (cm *ConnectionManager) handleReconnecting(gen uint64, server string) {
	cm.mu.RLock()
	since := time.Since(cm.lastChange)
	cm.mu.RUnlock()

	if !cm.setState(gen, StateReconnecting) {
		return
	}
	cm.logger.Info("mqtt client reconnecting", "broker", server, "since", since)
	cm.metrics.IncMQTTReconnects()
}
