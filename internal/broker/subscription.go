package broker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"mqtt-ingest-bridge/internal/logger"
	"mqtt-ingest-bridge/internal/metrics"
)

// Connection is the part of ConnectionManager the subscription manager uses.
type Connection interface {
	Client() mqtt.Client
	IsConnected() bool
}

// MessageHandler receives every broker delivery. The payload is a private
// copy.
type MessageHandler func(topic string, payload []byte)

// SubscriptionManager keeps the broker's subscriptions in line with the
// desired topic set.
type SubscriptionManager struct {
	conn      Connection
	qos       byte
	opTimeout time.Duration
	handler   MessageHandler
	logger    *logger.Logger
	metrics   *metrics.Metrics

	mu         sync.Mutex
	desired    map[string]struct{}
	subscribed map[string]struct{}

	// filters mirrors desired for deliveries, which must not take mu.
	filters *FilterTree
}

// NewSubscriptionManager creates a subscription manager delivering
// messages to handler.
func NewSubscriptionManager(conn Connection, qos byte, opTimeout time.Duration, handler MessageHandler, log *logger.Logger, m *metrics.Metrics) *SubscriptionManager {
	if opTimeout <= 0 {
		opTimeout = 10 * time.Second
	}
	return &SubscriptionManager{
		conn:       conn,
		qos:        qos,
		opTimeout:  opTimeout,
		handler:    handler,
		logger:     log,
		metrics:    m,
		desired:    make(map[string]struct{}),
		subscribed: make(map[string]struct{}),
		filters:    NewFilterTree(),
	}
}

// Reconcile records desired and, when connected, unsubscribes topics no
// longer wanted and subscribes new ones, one broker call per topic. On
// failure the subscribed set is left as it was and nothing is retried.
func (s *SubscriptionManager) Reconcile(ctx context.Context, desired []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.setDesired(desired)

	client := s.conn.Client()
	if client == nil || !s.conn.IsConnected() {
		s.logger.Debug("not connected, subscriptions deferred until connect", "desired", len(s.desired))
		return nil
	}

	toRemove := diffTopics(s.subscribed, s.desired)
	toAdd := diffTopics(s.desired, s.subscribed)
	if len(toRemove) == 0 && len(toAdd) == 0 {
		return nil
	}

	s.logger.Info("reconciling subscriptions", "add", toAdd, "remove", toRemove)

	for _, topic := range toRemove {
		if err := waitToken(ctx, client.Unsubscribe(topic), s.opTimeout); err != nil {
			s.logger.Error("failed to unsubscribe from topic", "topic", topic, "error", err)
			return fmt.Errorf("%w: %s: %w", ErrUnsubscribeFailed, topic, err)
		}
		s.logger.Debug("unsubscribed from topic", "topic", topic)
	}

	for _, topic := range toAdd {
		if err := waitToken(ctx, client.Subscribe(topic, s.qos, s.HandleMessage), s.opTimeout); err != nil {
			s.logger.Error("failed to subscribe to topic", "topic", topic, "error", err)
			return fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, topic, err)
		}
		s.logger.Debug("subscribed to topic", "topic", topic)
	}

	s.subscribed = toSet(setToSlice(s.desired))
	s.metrics.SetSubscribedTopics(len(s.subscribed))
	return nil
}

// Reset records desired and forgets what was subscribed, for use when the
// connection is about to be replaced. No broker calls are made.
func (s *SubscriptionManager) Reset(desired []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setDesired(desired)
	s.subscribed = make(map[string]struct{})
	s.metrics.SetSubscribedTopics(0)
}

// ResubscribeAll subscribes every desired topic on a fresh session. Topics
// that fail are logged and left out of the subscribed set.
func (s *SubscriptionManager) ResubscribeAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subscribed = make(map[string]struct{})
	defer func() { s.metrics.SetSubscribedTopics(len(s.subscribed)) }()

	client := s.conn.Client()
	if client == nil {
		return nil
	}

	var errs []error
	for _, topic := range setToSlice(s.desired) {
		if err := waitToken(ctx, client.Subscribe(topic, s.qos, s.HandleMessage), s.opTimeout); err != nil {
			s.logger.Error("failed to resubscribe to topic", "topic", topic, "error", err)
			errs = append(errs, fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, topic, err))
			continue
		}
		s.subscribed[topic] = struct{}{}
	}

	s.logger.Info("resubscribed to topics", "subscribed", len(s.subscribed), "failed", len(errs))
	return errors.Join(errs...)
}

// setDesired must be called with mu held.
func (s *SubscriptionManager) setDesired(desired []string) {
	next := toSet(desired)
	for _, filter := range diffTopics(s.desired, next) {
		s.filters.Remove(filter)
	}
	for _, filter := range diffTopics(next, s.desired) {
		if err := s.filters.Add(filter); err != nil {
			s.logger.Warn("invalid topic filter", "topic", filter, "error", err)
		}
	}
	s.desired = next
}

// HandleMessage processes received MQTT messages. Deliveries for filters
// that are no longer desired, such as ones in flight during an
// unsubscribe, are dropped.
func (s *SubscriptionManager) HandleMessage(client mqtt.Client, msg mqtt.Message) {
	if !s.filters.Matches(msg.Topic()) {
		s.metrics.IncMessagesTotal("unmatched")
		s.logger.Debug("dropping message for topic no longer desired", "topic", msg.Topic())
		return
	}

	s.metrics.IncMessagesTotal("received")
	s.logger.Debug("received message", "topic", msg.Topic(), "payloadSize", len(msg.Payload()))

	if s.handler != nil {
		s.handler(msg.Topic(), bytes.Clone(msg.Payload()))
	}
}

// Desired returns the desired topic filters, sorted.
func (s *SubscriptionManager) Desired() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return setToSlice(s.desired)
}

// Subscribed returns the topic filters confirmed by the broker, sorted.
func (s *SubscriptionManager) Subscribed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return setToSlice(s.subscribed)
}

func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return fmt.Errorf("timed out after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
