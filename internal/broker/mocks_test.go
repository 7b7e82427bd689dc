package broker

import (
	"errors"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MockToken implements mqtt.Token for testing
type MockToken struct {
	err  error
	done chan struct{}
}

// NewMockToken returns a completed token carrying err.
func NewMockToken(err error) *MockToken {
	t := &MockToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

// NewPendingToken returns a token that never completes.
func NewPendingToken() *MockToken {
	return &MockToken{done: make(chan struct{})}
}

func (t *MockToken) Wait() bool {
	<-t.done
	return true
}

func (t *MockToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *MockToken) Error() error          { return t.err }
func (t *MockToken) Done() <-chan struct{} { return t.done }

type call struct {
	op    string
	topic string
}

// MockClient implements mqtt.Client for testing
type MockClient struct {
	mu           sync.Mutex
	opts         *mqtt.ClientOptions
	calls        []call
	connectToken mqtt.Token
	failSub      map[string]error
	failUnsub    map[string]error
	handlers     map[string]mqtt.MessageHandler
	disconnected bool
}

func NewMockClient(opts *mqtt.ClientOptions) *MockClient {
	return &MockClient{
		opts:         opts,
		connectToken: NewMockToken(nil),
		failSub:      make(map[string]error),
		failUnsub:    make(map[string]error),
		handlers:     make(map[string]mqtt.MessageHandler),
	}
}

func (m *MockClient) Connect() mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call{op: "connect"})
	return m.connectToken
}

func (m *MockClient) Disconnect(quiesce uint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnected = true
	m.calls = append(m.calls, call{op: "disconnect"})
}

func (m *MockClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	return NewMockToken(nil)
}

func (m *MockClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call{op: "subscribe", topic: topic})
	if err := m.failSub[topic]; err != nil {
		return NewMockToken(err)
	}
	m.handlers[topic] = callback
	return NewMockToken(nil)
}

func (m *MockClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	return NewMockToken(errors.New("not supported"))
}

func (m *MockClient) Unsubscribe(topics ...string) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, topic := range topics {
		m.calls = append(m.calls, call{op: "unsubscribe", topic: topic})
		if err := m.failUnsub[topic]; err != nil {
			return NewMockToken(err)
		}
		delete(m.handlers, topic)
	}
	return NewMockToken(nil)
}

func (m *MockClient) AddRoute(topic string, callback mqtt.MessageHandler) {}
func (m *MockClient) IsConnected() bool                                 { return true }
func (m *MockClient) IsConnectionOpen() bool                            { return true }
func (m *MockClient) OptionsReader() mqtt.ClientOptionsReader           { return mqtt.ClientOptionsReader{} }

// Calls returns the recorded calls with op, in order.
func (m *MockClient) Calls(op string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, c := range m.calls {
		if c.op == op {
			out = append(out, c.topic)
		}
	}
	return out
}

func (m *MockClient) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

func (m *MockClient) FailSubscribe(topic string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failSub[topic] = err
}

func (m *MockClient) FailUnsubscribe(topic string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failUnsub[topic] = err
}

func (m *MockClient) Deliver(filter, topic string, payload []byte) {
	m.mu.Lock()
	h := m.handlers[filter]
	m.mu.Unlock()
	if h != nil {
		h(m, &MockMessage{topic: topic, payload: payload})
	}
}

func (m *MockClient) Disconnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnected
}

// MockMessage implements mqtt.Message for testing
type MockMessage struct {
	topic   string
	payload []byte
}

func (m *MockMessage) Duplicate() bool   { return false }
func (m *MockMessage) Qos() byte         { return 1 }
func (m *MockMessage) Retained() bool    { return false }
func (m *MockMessage) Topic() string     { return m.topic }
func (m *MockMessage) MessageID() uint16 { return 1 }
func (m *MockMessage) Payload() []byte   { return m.payload }
func (m *MockMessage) Ack()              {}

// mockFactory records every client it creates.
type mockFactory struct {
	mu      sync.Mutex
	clients []*MockClient
	prepare func(*MockClient)
}

func (f *mockFactory) New(opts *mqtt.ClientOptions) mqtt.Client {
	c := NewMockClient(opts)
	if f.prepare != nil {
		f.prepare(c)
	}
	f.mu.Lock()
	f.clients = append(f.clients, c)
	f.mu.Unlock()
	return c
}

func (f *mockFactory) Last() *MockClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.clients) == 0 {
		return nil
	}
	return f.clients[len(f.clients)-1]
}

func (f *mockFactory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

// fakeConn is a Connection with a fixed client.
type fakeConn struct {
	mu        sync.Mutex
	client    mqtt.Client
	connected bool
}

func (f *fakeConn) Client() mqtt.Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.client
}

func (f *fakeConn) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeConn) SetConnected(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = v
}
