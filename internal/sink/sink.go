// Package sink delivers formatted messages to the cloud ingestion endpoint.
package sink

import (
	"context"
	"strconv"
	"time"
)

// Message metadata keys, used as NATS headers and Pub/Sub attributes.
const (
	HeaderContentType     = "Content-Type"
	HeaderContentEncoding = "Content-Encoding"
	HeaderMessageID       = "Nats-Msg-Id"
	HeaderSourceTopic     = "Mqtt-Topic"
	HeaderSequence        = "Sequence"
	HeaderOutput          = "Output"
)

const (
	ContentTypeJSON = "application/json"
	EncodingUTF8    = "utf-8"
)

// OutboundMessage is one unit handed to a Sink.
type OutboundMessage struct {
	ID              string
	ContentType     string
	ContentEncoding string
	Body            []byte
	Output          string
	SourceTopic     string
	Sequence        uint64
	ReceivedAt      time.Time
}

// Metadata returns the message properties as a flat string map.
func (m *OutboundMessage) Metadata() map[string]string {
	return map[string]string{
		HeaderContentType:     m.ContentType,
		HeaderContentEncoding: m.ContentEncoding,
		HeaderMessageID:       m.ID,
		HeaderSourceTopic:     m.SourceTopic,
		HeaderSequence:        strconv.FormatUint(m.Sequence, 10),
		HeaderOutput:          m.Output,
	}
}

// Sink sends messages downstream. Send returns once the endpoint has
// acknowledged the message or ctx is done.
type Sink interface {
	Send(ctx context.Context, msg *OutboundMessage) error
	Close(ctx context.Context) error
}
