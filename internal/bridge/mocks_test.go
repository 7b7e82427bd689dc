package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"mqtt-ingest-bridge/internal/sink"
)

type mockToken struct {
	err  error
	done chan struct{}
}

func doneToken(err error) *mockToken {
	t := &mockToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *mockToken) Wait() bool {
	<-t.done
	return true
}

func (t *mockToken) WaitTimeout(d time.Duration) bool { return true }
func (t *mockToken) Error() error                     { return t.err }
func (t *mockToken) Done() <-chan struct{}            { return t.done }

type mockMessage struct {
	topic   string
	payload []byte
}

func (m *mockMessage) Duplicate() bool   { return false }
func (m *mockMessage) Qos() byte         { return 1 }
func (m *mockMessage) Retained() bool    { return false }
func (m *mockMessage) Topic() string     { return m.topic }
func (m *mockMessage) MessageID() uint16 { return 1 }
func (m *mockMessage) Payload() []byte   { return m.payload }
func (m *mockMessage) Ack()              {}

// mockClient records subscription calls and lets tests drive the paho
// callbacks stored in its options.
type mockClient struct {
	mu           sync.Mutex
	opts         *mqtt.ClientOptions
	subscribed   []string
	unsubscribed []string
	handlers     map[string]mqtt.MessageHandler
	disconnected bool
}

func (m *mockClient) Connect() mqtt.Token { return doneToken(nil) }

func (m *mockClient) Disconnect(quiesce uint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnected = true
}

func (m *mockClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	return doneToken(errors.New("not supported"))
}

func (m *mockClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribed = append(m.subscribed, topic)
	m.handlers[topic] = callback
	return doneToken(nil)
}

func (m *mockClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	return doneToken(errors.New("not supported"))
}

func (m *mockClient) Unsubscribe(topics ...string) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, topic := range topics {
		m.unsubscribed = append(m.unsubscribed, topic)
		delete(m.handlers, topic)
	}
	return doneToken(nil)
}

func (m *mockClient) AddRoute(topic string, callback mqtt.MessageHandler) {}
func (m *mockClient) IsConnected() bool                                 { return true }
func (m *mockClient) IsConnectionOpen() bool                            { return true }
func (m *mockClient) OptionsReader() mqtt.ClientOptionsReader           { return mqtt.ClientOptionsReader{} }

func (m *mockClient) connected() {
	m.opts.OnConnect(m)
}

func (m *mockClient) deliver(filter, topic, payload string) {
	m.mu.Lock()
	h := m.handlers[filter]
	m.mu.Unlock()
	if h != nil {
		h(m, &mockMessage{topic: topic, payload: []byte(payload)})
	}
}

func (m *mockClient) Subscribed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.subscribed...)
}

func (m *mockClient) Unsubscribed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.unsubscribed...)
}

func (m *mockClient) Disconnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnected
}

type clientFactory struct {
	mu      sync.Mutex
	clients []*mockClient
}

func (f *clientFactory) New(opts *mqtt.ClientOptions) mqtt.Client {
	c := &mockClient{opts: opts, handlers: make(map[string]mqtt.MessageHandler)}
	f.mu.Lock()
	f.clients = append(f.clients, c)
	f.mu.Unlock()
	return c
}

func (f *clientFactory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

func (f *clientFactory) Last() *mockClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.clients) == 0 {
		return nil
	}
	return f.clients[len(f.clients)-1]
}

type recordingSink struct {
	mu       sync.Mutex
	messages []*sink.OutboundMessage
	closed   int
	fail     error
}

func (s *recordingSink) Send(ctx context.Context, msg *sink.OutboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.messages = append(s.messages, msg)
	return nil
}

func (s *recordingSink) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *recordingSink) SetFail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

func (s *recordingSink) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *recordingSink) Bodies() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, string(m.Body))
	}
	return out
}

type recordingReporter struct {
	mu      sync.Mutex
	reports []map[string]any
}

func (r *recordingReporter) Report(props map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, props)
	return nil
}

func (r *recordingReporter) Last() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.reports) == 0 {
		return nil
	}
	return r.reports[len(r.reports)-1]
}
