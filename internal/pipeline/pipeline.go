// Package pipeline moves broker deliveries through formatting to the sink.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"mqtt-ingest-bridge/internal/format"
	"mqtt-ingest-bridge/internal/logger"
	"mqtt-ingest-bridge/internal/metrics"
	"mqtt-ingest-bridge/internal/sink"
)

// ErrPipelineStopped is returned by Submit once Stop has been called.
var ErrPipelineStopped = errors.New("pipeline: stopped")

// InboundMessage is a broker delivery tagged with its receive sequence.
type InboundMessage struct {
	Topic      string
	Payload    []byte
	Sequence   uint64
	ReceivedAt time.Time
}

// SinkDeliveryError describes a message the sink did not accept. The
// message is dropped.
type SinkDeliveryError struct {
	MessageID string
	Sequence  uint64
	Topic     string
	Err       error
}

func (e *SinkDeliveryError) Error() string {
	return fmt.Sprintf("pipeline: delivery of message %s (seq %d, topic %q) failed: %v",
		e.MessageID, e.Sequence, e.Topic, e.Err)
}

func (e *SinkDeliveryError) Unwrap() error {
	return e.Err
}

// TemplateSource supplies the template in effect at processing time.
type TemplateSource interface {
	MessageTemplate() string
}

// Config sizes the pipeline. Zero values take defaults in New.
type Config struct {
	Workers     int
	QueueSize   int
	SendTimeout time.Duration
	Output      string

	// OnDeliveryError, when set, is called with every *SinkDeliveryError
	// from a worker goroutine.
	OnDeliveryError func(error)
}

// Stats holds pipeline counters.
type Stats struct {
	Received     uint64 `json:"received"`
	Forwarded    uint64 `json:"forwarded"`
	Skipped      uint64 `json:"skipped"`
	Failed       uint64 `json:"failed"`
	LastSequence uint64 `json:"lastSequence"`
}

// Pipeline sequences deliveries, queues them and forwards them to the sink
// from a fixed set of workers.
type Pipeline struct {
	cfg       Config
	templates TemplateSource
	decoder   *format.Decoder
	sink      sink.Sink
	logger    *logger.Logger
	metrics   *metrics.Metrics

	seq   atomic.Uint64
	queue chan InboundMessage
	done  chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup

	received  atomic.Uint64
	forwarded atomic.Uint64
	skipped   atomic.Uint64
	failed    atomic.Uint64
}

// New creates a stopped pipeline. Call Start to launch the workers.
func New(cfg Config, templates TemplateSource, decoder *format.Decoder, s sink.Sink, log *logger.Logger, m *metrics.Metrics) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.Output == "" {
		cfg.Output = "mqtt"
	}
	return &Pipeline{
		cfg:       cfg,
		templates: templates,
		decoder:   decoder,
		sink:      s,
		logger:    log,
		metrics:   m,
		queue:     make(chan InboundMessage, cfg.QueueSize),
		done:      make(chan struct{}),
	}
}

// Submit assigns the next sequence number and queues the message. It
// blocks while the queue is full and fails once the pipeline is stopped.
func (p *Pipeline) Submit(topic string, payload []byte) (InboundMessage, error) {
	select {
	case <-p.done:
		return InboundMessage{}, ErrPipelineStopped
	default:
	}

	msg := InboundMessage{
		Topic:      topic,
		Payload:    payload,
		Sequence:   p.seq.Add(1),
		ReceivedAt: time.Now(),
	}
	p.received.Add(1)

	select {
	case p.queue <- msg:
		return msg, nil
	case <-p.done:
		return msg, ErrPipelineStopped
	}
}

// Start launches the workers. They exit when ctx is cancelled or Stop is
// called; queued messages are not processed after that.
func (p *Pipeline) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		p.logger.Info("starting ingestion pipeline",
			"workers", p.cfg.Workers,
			"queueSize", p.cfg.QueueSize,
			"output", p.cfg.Output)

		for i := 0; i < p.cfg.Workers; i++ {
			p.wg.Add(1)
			go p.worker(ctx)
		}
	})
}

// Stop halts the workers and waits for in-flight sends, up to ctx.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.done) })

	waitDone := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
		if n := len(p.queue); n > 0 {
			p.logger.Warn("pipeline stopped with queued messages", "dropped", n)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for pipeline workers: %w", ctx.Err())
	}
}

func (p *Pipeline) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case msg := <-p.queue:
			if ctx.Err() != nil || p.stopped() {
				return
			}
			p.process(ctx, msg)
		}
	}
}

func (p *Pipeline) stopped() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *Pipeline) process(ctx context.Context, in InboundMessage) {
	text, err := p.decoder.Decode(in.Payload)
	if err != nil {
		p.failed.Add(1)
		p.metrics.IncMessagesTotal("error")
		p.logger.Error("failed to decode payload", "topic", in.Topic, "sequence", in.Sequence, "error", err)
		return
	}

	body := format.Render(p.templates.MessageTemplate(), in.Topic, text)
	if body == "" {
		p.skipped.Add(1)
		p.metrics.IncMessagesTotal("skipped")
		p.logger.Debug("skipping message with empty body", "topic", in.Topic, "sequence", in.Sequence)
		return
	}
	out := &sink.OutboundMessage{
		ID:              uuid.NewString(),
		ContentType:     sink.ContentTypeJSON,
		ContentEncoding: sink.EncodingUTF8,
		Body:            []byte(body),
		Output:          p.cfg.Output,
		SourceTopic:     in.Topic,
		Sequence:        in.Sequence,
		ReceivedAt:      in.ReceivedAt,
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
	start := time.Now()
	err = p.sink.Send(sendCtx, out)
	cancel()

	if err != nil {
		derr := &SinkDeliveryError{MessageID: out.ID, Sequence: out.Sequence, Topic: in.Topic, Err: err}
		p.failed.Add(1)
		p.metrics.ObserveSinkSend("error", time.Since(start))
		p.metrics.IncMessagesTotal("dropped")
		p.logger.Error("failed to send message, dropping", "error", derr)
		if p.cfg.OnDeliveryError != nil {
			p.cfg.OnDeliveryError(derr)
		}
		return
	}

	p.forwarded.Add(1)
	p.metrics.ObserveSinkSend("success", time.Since(start))
	p.metrics.IncMessagesTotal("processed")
	p.logger.Debug("message forwarded",
		"messageId", out.ID,
		"sequence", out.Sequence,
		"topic", in.Topic,
		"bodySize", len(out.Body))
}

// Stats returns current counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Received:     p.received.Load(),
		Forwarded:    p.forwarded.Load(),
		Skipped:      p.skipped.Load(),
		Failed:       p.failed.Load(),
		LastSequence: p.seq.Load(),
	}
}

// QueueDepth returns the number of messages waiting for a worker.
func (p *Pipeline) QueueDepth() int {
	return len(p.queue)
}
