package sink

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"

	"mqtt-ingest-bridge/internal/logger"
)

// PubSubSink publishes messages to a Google Cloud Pub/Sub topic and waits
// for the server-assigned id before returning.
type PubSubSink struct {
	client     *pubsub.Client
	topic      *pubsub.Topic
	ownsClient bool
	logger     *logger.Logger
}

// NewPubSubSink connects to projectID and verifies that topicID exists.
func NewPubSubSink(ctx context.Context, projectID, topicID string, log *logger.Logger) (*PubSubSink, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	s, err := NewPubSubSinkWithClient(ctx, client, topicID, log)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	s.ownsClient = true
	return s, nil
}

// NewPubSubSinkWithClient uses an existing client, which the caller keeps
// ownership of.
func NewPubSubSinkWithClient(ctx context.Context, client *pubsub.Client, topicID string, log *logger.Logger) (*PubSubSink, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil")
	}
	topic := client.Topic(topicID)

	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check for topic %s: %w", topicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub topic %s does not exist", topicID)
	}

	return &PubSubSink{
		client: client,
		topic:  topic,
		logger: log.With("component", "pubsub-sink", "topicId", topicID),
	}, nil
}

func (s *PubSubSink) Send(ctx context.Context, msg *OutboundMessage) error {
	result := s.topic.Publish(ctx, &pubsub.Message{
		Data:       msg.Body,
		Attributes: msg.Metadata(),
	})

	serverID, err := result.Get(ctx)
	if err != nil {
		return fmt.Errorf("pubsub publish failed: %w", err)
	}

	s.logger.Debug("message published", "messageId", msg.ID, "serverId", serverID)
	return nil
}

// Close flushes pending messages, respecting the context's timeout.
func (s *PubSubSink) Close(ctx context.Context) error {
	stopDone := make(chan struct{})
	go func() {
		s.topic.Stop()
		close(stopDone)
	}()

	select {
	case <-stopDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	if s.ownsClient {
		return s.client.Close()
	}
	return nil
}
