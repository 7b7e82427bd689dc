// Package bridge wires the configuration store, the MQTT broker connection
// and the ingestion pipeline together and applies configuration changes to
// them at runtime.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"mqtt-ingest-bridge/config"
	"mqtt-ingest-bridge/internal/broker"
	"mqtt-ingest-bridge/internal/format"
	"mqtt-ingest-bridge/internal/logger"
	"mqtt-ingest-bridge/internal/metrics"
	"mqtt-ingest-bridge/internal/pipeline"
	"mqtt-ingest-bridge/internal/sink"
	"mqtt-ingest-bridge/internal/stats"
	"mqtt-ingest-bridge/internal/store"
)

// Reporter publishes the effective configuration back to the remote
// configuration channel.
type Reporter interface {
	Report(props map[string]any) error
}

// Deps are the collaborators of a Bridge. Sink and Logger are required.
type Deps struct {
	Config        *config.Config
	Sink          sink.Sink
	ClientFactory broker.ClientFactory
	Logger        *logger.Logger
	Metrics       *metrics.Metrics
}

// Status is a point-in-time view of the bridge, served on /status.
type Status struct {
	State      broker.State   `json:"state"`
	Broker     string         `json:"broker,omitempty"`
	Desired    []string       `json:"desiredTopics"`
	Subscribed []string       `json:"subscribedTopics"`
	Template   string         `json:"messageTemplate"`
	Pipeline   pipeline.Stats `json:"pipeline"`
	QueueDepth int            `json:"queueDepth"`

	LastDeliveryError string `json:"lastDeliveryError,omitempty"`
}

// Bridge forwards MQTT deliveries to a sink and applies configuration
// changes to the live broker connection.
type Bridge struct {
	store    *store.Store
	conn     *broker.ConnectionManager
	subs     *broker.SubscriptionManager
	pipeline *pipeline.Pipeline
	sink     sink.Sink
	logger   *logger.Logger
	metrics  *metrics.Metrics

	// ctlMu serializes Start, Apply and Close.
	ctlMu    sync.Mutex
	reporter Reporter
	closed   bool

	ctxMu   sync.Mutex
	rootCtx context.Context

	configUpdates  atomic.Uint64
	configRejected atomic.Uint64
	lastDelivery   atomic.Pointer[pipeline.SinkDeliveryError]
}

// InitialConfig converts the mqtt section of the configuration file into
// the store's starting snapshot.
func InitialConfig(c config.MQTTConfig) store.BridgeConfig {
	bc := store.BridgeConfig{
		BrokerHost:      c.Server,
		BrokerPort:      c.Port,
		Topics:          append([]string(nil), c.Topics...),
		MessageTemplate: c.MessageTemplate,
	}
	if c.Username != "" || c.Password != "" {
		user, pass := c.Username, c.Password
		bc.Username = &user
		bc.Password = &pass
	}
	return bc
}

// New builds a bridge from deps. Nothing is started until Start.
func New(d Deps) (*Bridge, error) {
	if d.Config == nil {
		return nil, errors.New("config cannot be nil")
	}
	if d.Sink == nil {
		return nil, errors.New("sink cannot be nil")
	}
	if d.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	cfg := d.Config

	st, err := store.New(InitialConfig(cfg.MQTT))
	if err != nil {
		return nil, fmt.Errorf("invalid initial bridge configuration: %w", err)
	}

	decoder, err := format.NewDecoder(cfg.MQTT.PayloadCharset)
	if err != nil {
		return nil, err
	}

	opts := broker.Options{
		ClientID:             cfg.MQTT.ClientID,
		ConnectTimeout:       config.Duration(cfg.MQTT.ConnectTimeout, 10*time.Second),
		MaxReconnectInterval: config.Duration(cfg.MQTT.MaxReconnectInterval, time.Minute),
	}
	if cfg.MQTT.TLS.Enable {
		tlsCfg, err := broker.NewTLSConfig(cfg.MQTT.TLS.CertFile, cfg.MQTT.TLS.KeyFile, cfg.MQTT.TLS.CAFile, cfg.MQTT.TLS.InsecureSkipVerify)
		if err != nil {
			return nil, fmt.Errorf("failed to create mqtt TLS config: %w", err)
		}
		opts.TLS = tlsCfg
	}

	b := &Bridge{
		store:   st,
		sink:    d.Sink,
		logger:  d.Logger,
		metrics: d.Metrics,
		rootCtx: context.Background(),
	}

	b.conn = broker.NewConnectionManager(opts, d.ClientFactory, d.Logger.With("component", "mqtt"), d.Metrics)
	b.pipeline = pipeline.New(pipeline.Config{
		Workers:     cfg.Processing.Workers,
		QueueSize:   cfg.Processing.QueueSize,
		SendTimeout: config.Duration(cfg.Sink.SendTimeout, 10*time.Second),
		Output:      cfg.Sink.Output,

		OnDeliveryError: b.recordDeliveryError,
	}, st, decoder, d.Sink, d.Logger.With("component", "pipeline"), d.Metrics)
	b.subs = broker.NewSubscriptionManager(b.conn, byte(cfg.MQTT.QoS), opts.ConnectTimeout,
		b.handleMessage, d.Logger.With("component", "subscriptions"), d.Metrics)
	b.conn.SetOnConnect(b.onConnect)

	return b, nil
}

// SetReporter sets where reported properties are published after every
// applied change.
func (b *Bridge) SetReporter(r Reporter) {
	b.ctlMu.Lock()
	defer b.ctlMu.Unlock()
	b.reporter = r
}

// Start launches the pipeline and connects to the initial broker, if one
// is configured. A broker that is not reachable yet is not an error; the
// client keeps retrying.
func (b *Bridge) Start(ctx context.Context) error {
	b.ctlMu.Lock()
	defer b.ctlMu.Unlock()

	if b.closed {
		return pipeline.ErrPipelineStopped
	}
	b.ctxMu.Lock()
	b.rootCtx = ctx
	b.ctxMu.Unlock()
	b.pipeline.Start(ctx)

	snap := b.store.Snapshot()
	b.subs.Reset(snap.Topics)
	b.report(snap)

	if snap.BrokerHost == "" {
		b.logger.Info("no mqtt broker configured, waiting for remote configuration")
		return nil
	}

	if err := b.conn.Connect(ctx, endpointOf(snap)); err != nil {
		b.logger.Warn("initial mqtt connection not established", "error", err)
	}
	return nil
}

// ApplyDesired parses a desired-properties document and applies what could
// be parsed. Parse errors for individual properties are returned joined
// with any apply error.
func (b *Bridge) ApplyDesired(ctx context.Context, props map[string]any) error {
	u, parseErr := store.ParseDesired(props)
	if parseErr != nil {
		b.metrics.IncConfigUpdates("parse_error")
		b.logger.Error("ignoring malformed desired properties", "error", parseErr)
	}
	if u.IsEmpty() {
		return parseErr
	}

	_, err := b.Apply(ctx, u)
	return errors.Join(parseErr, err)
}

// Apply merges u into the configuration and brings the broker connection
// and subscriptions in line with it. A rejected update leaves everything
// unchanged. Broker and subscription errors are returned after the new
// configuration has been stored.
func (b *Bridge) Apply(ctx context.Context, u store.Update) (store.Diff, error) {
	b.ctlMu.Lock()
	defer b.ctlMu.Unlock()

	diff, err := b.store.Apply(u)
	if err != nil {
		b.configRejected.Add(1)
		b.metrics.IncConfigUpdates("rejected")
		b.logger.Error("rejected configuration update", "error", err)
		return diff, err
	}
	if !diff.Changed() {
		b.logger.Debug("configuration update changed nothing")
		return diff, nil
	}

	b.configUpdates.Add(1)
	b.metrics.IncConfigUpdates("applied")

	cur := diff.Current
	b.logger.Info("applying configuration update",
		"brokerChanged", diff.EndpointChanged(),
		"topicsChanged", diff.Topics,
		"templateChanged", diff.MessageTemplate,
		"broker", hostPort(cur),
		"topics", cur.Topics)

	var applyErr error
	switch {
	case diff.EndpointChanged():
		// The new session subscribes the full desired set on connect.
		b.subs.Reset(cur.Topics)
		if err := b.conn.Connect(ctx, endpointOf(cur)); err != nil {
			if errors.Is(err, broker.ErrNoBroker) {
				b.logger.Info("mqtt broker cleared, staying disconnected")
			} else {
				applyErr = err
			}
		}
	case diff.Topics:
		applyErr = b.subs.Reconcile(ctx, cur.Topics)
	}

	if applyErr != nil {
		b.logger.Error("configuration stored but not fully applied", "error", applyErr)
	}

	b.report(cur)
	return diff, applyErr
}

// Close disconnects from the broker, stops the pipeline and closes the
// sink. It is safe to call more than once.
func (b *Bridge) Close(ctx context.Context) error {
	b.ctlMu.Lock()
	defer b.ctlMu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	b.conn.Disconnect()

	var errs []error
	if err := b.pipeline.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := b.sink.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to close sink: %w", err))
	}
	return errors.Join(errs...)
}

// Status returns the broker state, topics, template and pipeline counters.
func (b *Bridge) Status() Status {
	snap := b.store.Snapshot()
	var lastErr string
	if derr := b.lastDelivery.Load(); derr != nil {
		lastErr = derr.Error()
	}
	return Status{
		State:      b.conn.State(),
		Broker:     hostPort(snap),
		Desired:    b.subs.Desired(),
		Subscribed: b.subs.Subscribed(),
		Template:   snap.MessageTemplate,
		Pipeline:   b.pipeline.Stats(),
		QueueDepth: b.pipeline.QueueDepth(),

		LastDeliveryError: lastErr,
	}
}

// Config returns the current configuration snapshot.
func (b *Bridge) Config() store.BridgeConfig {
	return b.store.Snapshot()
}

// StatsSnapshot returns the counters fed to the stats collector.
func (b *Bridge) StatsSnapshot() stats.Snapshot {
	ps := b.pipeline.Stats()
	return stats.Snapshot{
		MessagesReceived:  ps.Received,
		MessagesForwarded: ps.Forwarded,
		MessagesSkipped:   ps.Skipped,
		SinkErrors:        ps.Failed,
		ConfigUpdates:     b.configUpdates.Load(),
		ConfigRejected:    b.configRejected.Load(),
	}
}

// SampleMetrics updates the gauges that are not maintained inline.
func (b *Bridge) SampleMetrics(m *metrics.Metrics) {
	m.SetMessageQueueDepth(b.pipeline.QueueDepth())
}

func (b *Bridge) handleMessage(topic string, payload []byte) {
	if _, err := b.pipeline.Submit(topic, payload); err != nil {
		b.logger.Debug("dropping message, pipeline stopped", "topic", topic)
	}
}

func (b *Bridge) recordDeliveryError(err error) {
	var derr *pipeline.SinkDeliveryError
	if errors.As(err, &derr) {
		b.lastDelivery.Store(derr)
	}
}

func (b *Bridge) onConnect() {
	b.ctxMu.Lock()
	ctx := b.rootCtx
	b.ctxMu.Unlock()

	if err := b.subs.ResubscribeAll(ctx); err != nil {
		b.logger.Warn("some topics could not be subscribed after connect", "error", err)
	}
}

// report must be called with ctlMu held.
func (b *Bridge) report(cfg store.BridgeConfig) {
	if b.reporter == nil {
		return
	}
	if err := b.reporter.Report(cfg.Reported()); err != nil {
		b.logger.Warn("failed to report configuration", "error", err)
	}
}

func endpointOf(c store.BridgeConfig) broker.Endpoint {
	return broker.Endpoint{
		Host:     c.BrokerHost,
		Port:     c.BrokerPort,
		Username: c.Username,
		Password: c.Password,
	}
}

func hostPort(c store.BridgeConfig) string {
	if c.BrokerHost == "" {
		return ""
	}
	return net.JoinHostPort(c.BrokerHost, strconv.Itoa(c.BrokerPort))
}
