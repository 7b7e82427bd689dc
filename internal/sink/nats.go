package sink

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"mqtt-ingest-bridge/internal/logger"
)

// NATSSink publishes messages on <prefix>.<output>. With JetStream enabled
// a send completes on the stream's PubAck, otherwise on a server flush.
type NATSSink struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	prefix string
	logger *logger.Logger
}

// NewNATSSink publishes on subjectPrefix plus the output name, through
// JetStream when useJetStream is set.
func NewNATSSink(nc *nats.Conn, subjectPrefix string, useJetStream bool, log *logger.Logger) (*NATSSink, error) {
	if nc == nil {
		return nil, errors.New("nats connection cannot be nil")
	}

	s := &NATSSink{
		nc:     nc,
		prefix: subjectPrefix,
		logger: log,
	}
	if useJetStream {
		js, err := jetstream.New(nc)
		if err != nil {
			return nil, fmt.Errorf("failed to create jetstream context: %w", err)
		}
		s.js = js
	}
	return s, nil
}

// Subject returns the subject messages for output are published on.
func (s *NATSSink) Subject(output string) string {
	output = normalizeSubject(output)
	prefix := strings.TrimSuffix(s.prefix, ".")
	if prefix == "" {
		return output
	}
	return prefix + "." + output
}

func (s *NATSSink) Send(ctx context.Context, msg *OutboundMessage) error {
	m := nats.NewMsg(s.Subject(msg.Output))
	m.Data = msg.Body
	for k, v := range msg.Metadata() {
		m.Header.Set(k, v)
	}

	if s.js != nil {
		ack, err := s.js.PublishMsg(ctx, m)
		if err != nil {
			return fmt.Errorf("jetstream publish failed: %w", err)
		}
		s.logger.Debug("message acknowledged by stream",
			"subject", m.Subject,
			"stream", ack.Stream,
			"streamSeq", ack.Sequence,
			"duplicate", ack.Duplicate)
		return nil
	}

	if err := s.nc.PublishMsg(m); err != nil {
		return fmt.Errorf("nats publish failed: %w", err)
	}
	if err := s.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("nats flush failed: %w", err)
	}

	s.logger.Debug("published message", "subject", m.Subject, "payloadSize", len(m.Data))
	return nil
}

// Close flushes pending publishes. The connection itself is owned by the
// caller.
func (s *NATSSink) Close(ctx context.Context) error {
	if s.nc.IsClosed() {
		return nil
	}
	return s.nc.FlushWithContext(ctx)
}

// normalizeSubject replaces characters NATS does not allow in a subject
// token.
func normalizeSubject(subject string) string {
	replacer := strings.NewReplacer(
		" ", "_",
		"\t", "_",
		"*", "_",
		">", "_",
		"/", ".",
	)
	return replacer.Replace(subject)
}
