package broker

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mqtt-ingest-bridge/internal/logger"
)

func TestValidateTopicFilter(t *testing.T) {
	tests := []struct {
		name      string
		topic     string
		wantError bool
	}{
		{"Valid simple topic", "sensors/temp", false},
		{"Valid single-level wildcard", "sensors/+/temp", false},
		{"Valid multi-level wildcard", "sensors/#", false},
		{"Valid lone hash", "#", false},
		{"Valid complex filter", "home/+/living/+/temp", false},
		{"Valid leading slash", "/sensors/temp", false},
		{"Valid trailing slash", "sensors/temp/", false},
		{"Valid empty middle segment", "sensors//temp", false},
		{"Valid shared subscription", "$share/group/sensors/#", false},

		{"Empty topic", "", true},
		{"Invalid + wildcard", "sensors/+temp/value", true},
		{"Mid-topic #", "sensors/#/temp", true},
		{"Partial #", "sensors/temp#", true},
		{"Shared without filter", "$share/group", true},
		{"Shared with empty filter", "$share/group/", true},
		{"Shared with empty group", "$share//sensors", true},
		{"Shared with wildcard group", "$share/+/sensors", true},
		{"Shared with invalid filter", "$share/group/a/#/b", true},
		{"Null character", "sensors/\x00", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTopicFilter(tt.topic)
			if (err != nil) != tt.wantError {
				t.Errorf("ValidateTopicFilter() error = %v, wantError %v", err, tt.wantError)
			}
		})
	}
}

func newTestSubscriptionManager(conn Connection, handler MessageHandler) *SubscriptionManager {
	return NewSubscriptionManager(conn, 1, 0, handler, logger.NewNop(), nil)
}

func TestReconcileMinimalOperations(t *testing.T) {
	tests := []struct {
		name       string
		initial    []string
		desired    []string
		wantUnsub  []string
		wantSub    []string
		wantResult []string
	}{
		{
			name:       "From empty",
			initial:    nil,
			desired:    []string{"a", "b"},
			wantSub:    []string{"a", "b"},
			wantResult: []string{"a", "b"},
		},
		{
			name:       "Overlap",
			initial:    []string{"a", "b"},
			desired:    []string{"b", "c"},
			wantUnsub:  []string{"a"},
			wantSub:    []string{"c"},
			wantResult: []string{"b", "c"},
		},
		{
			name:       "Unchanged",
			initial:    []string{"a", "b"},
			desired:    []string{"b", "a"},
			wantResult: []string{"a", "b"},
		},
		{
			name:       "Remove all",
			initial:    []string{"x/#", "y/+"},
			desired:    []string{},
			wantUnsub:  []string{"x/#", "y/+"},
			wantResult: []string{},
		},
		{
			name:       "Duplicates collapse",
			initial:    []string{"a"},
			desired:    []string{"a", "b", "b"},
			wantSub:    []string{"b"},
			wantResult: []string{"a", "b"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := NewMockClient(nil)
			conn := &fakeConn{client: client, connected: true}
			sm := newTestSubscriptionManager(conn, nil)

			require.NoError(t, sm.Reconcile(context.Background(), tt.initial))
			client.ResetCalls()

			require.NoError(t, sm.Reconcile(context.Background(), tt.desired))
			assert.Equal(t, tt.wantUnsub, client.Calls("unsubscribe"))
			assert.Equal(t, tt.wantSub, client.Calls("subscribe"))
			assert.Equal(t, tt.wantResult, sm.Subscribed())
		})
	}
}

func TestReconcileUnsubscribesBeforeSubscribing(t *testing.T) {
	client := NewMockClient(nil)
	sm := newTestSubscriptionManager(&fakeConn{client: client, connected: true}, nil)

	require.NoError(t, sm.Reconcile(context.Background(), []string{"old"}))
	client.ResetCalls()
	require.NoError(t, sm.Reconcile(context.Background(), []string{"new"}))

	client.mu.Lock()
	defer client.mu.Unlock()
	require.Len(t, client.calls, 2)
	assert.Equal(t, call{op: "unsubscribe", topic: "old"}, client.calls[0])
	assert.Equal(t, call{op: "subscribe", topic: "new"}, client.calls[1])
}

func TestReconcileFailureLeavesSubscribedUnchanged(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(*MockClient)
		wantErr error
	}{
		{
			name:    "Subscribe fails",
			prepare: func(c *MockClient) { c.FailSubscribe("c", errors.New("not authorized")) },
			wantErr: ErrSubscribeFailed,
		},
		{
			name:    "Unsubscribe fails",
			prepare: func(c *MockClient) { c.FailUnsubscribe("a", errors.New("broken pipe")) },
			wantErr: ErrUnsubscribeFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := NewMockClient(nil)
			sm := newTestSubscriptionManager(&fakeConn{client: client, connected: true}, nil)
			require.NoError(t, sm.Reconcile(context.Background(), []string{"a", "b"}))

			tt.prepare(client)
			client.ResetCalls()

			err := sm.Reconcile(context.Background(), []string{"b", "c"})
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, []string{"a", "b"}, sm.Subscribed())
			assert.Equal(t, []string{"b", "c"}, sm.Desired())

			// No automatic retry: exactly one attempt per operation.
			assert.LessOrEqual(t, len(client.Calls("subscribe")), 1)
			assert.Len(t, client.Calls("unsubscribe"), 1)
		})
	}
}

func TestReconcileWhileDisconnected(t *testing.T) {
	client := NewMockClient(nil)
	conn := &fakeConn{client: client, connected: false}
	sm := newTestSubscriptionManager(conn, nil)

	require.NoError(t, sm.Reconcile(context.Background(), []string{"a", "b"}))
	assert.Empty(t, client.Calls("subscribe"))
	assert.Equal(t, []string{"a", "b"}, sm.Desired())
	assert.Empty(t, sm.Subscribed())

	// Connect later: resubscribe installs the whole desired set.
	conn.SetConnected(true)
	require.NoError(t, sm.ResubscribeAll(context.Background()))
	assert.Equal(t, []string{"a", "b"}, client.Calls("subscribe"))
	assert.Equal(t, []string{"a", "b"}, sm.Subscribed())
}

func TestResubscribeAllSkipsFailures(t *testing.T) {
	client := NewMockClient(nil)
	sm := newTestSubscriptionManager(&fakeConn{client: client, connected: true}, nil)
	require.NoError(t, sm.Reconcile(context.Background(), []string{"a", "b", "c"}))

	client.FailSubscribe("b", errors.New("quota"))
	client.ResetCalls()

	err := sm.ResubscribeAll(context.Background())
	assert.ErrorIs(t, err, ErrSubscribeFailed)
	assert.Equal(t, []string{"a", "b", "c"}, client.Calls("subscribe"))
	assert.Equal(t, []string{"a", "c"}, sm.Subscribed())
}

func TestHandleMessageCopiesPayload(t *testing.T) {
	var (
		mu       sync.Mutex
		received [][]byte
		topics   []string
	)
	handler := func(topic string, payload []byte) {
		mu.Lock()
		defer mu.Unlock()
		topics = append(topics, topic)
		received = append(received, payload)
	}

	client := NewMockClient(nil)
	sm := newTestSubscriptionManager(&fakeConn{client: client, connected: true}, handler)
	require.NoError(t, sm.Reconcile(context.Background(), []string{"sensors/#"}))

	buf := []byte("21.5")
	client.Deliver("sensors/#", "sensors/temp", buf)
	buf[0] = 'X'

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, "sensors/temp", topics[0])
	assert.Equal(t, []byte("21.5"), received[0])
}

func TestResetForgetsSubscriptions(t *testing.T) {
	client := NewMockClient(nil)
	sm := newTestSubscriptionManager(&fakeConn{client: client, connected: true}, nil)
	require.NoError(t, sm.Reconcile(context.Background(), []string{"a", "b"}))
	client.ResetCalls()

	sm.Reset([]string{"b", "c"})
	assert.Empty(t, client.Calls("subscribe"))
	assert.Empty(t, client.Calls("unsubscribe"))
	assert.Empty(t, sm.Subscribed())
	assert.Equal(t, []string{"b", "c"}, sm.Desired())
}

func TestHandleMessageDropsRemovedTopics(t *testing.T) {
	var received []string
	handler := func(topic string, payload []byte) {
		received = append(received, topic)
	}

	client := NewMockClient(nil)
	sm := newTestSubscriptionManager(&fakeConn{client: client, connected: true}, handler)
	require.NoError(t, sm.Reconcile(context.Background(), []string{"a/#", "b/+"}))

	// A late delivery for a filter that has just been removed.
	require.NoError(t, sm.Reconcile(context.Background(), []string{"b/+"}))
	sm.HandleMessage(client, &MockMessage{topic: "a/1", payload: []byte("x")})
	sm.HandleMessage(client, &MockMessage{topic: "b/1", payload: []byte("y")})

	assert.Equal(t, []string{"b/1"}, received)
}

func TestHandleMessageSharedSubscription(t *testing.T) {
	var received []string
	handler := func(topic string, payload []byte) {
		received = append(received, topic)
	}

	client := NewMockClient(nil)
	sm := newTestSubscriptionManager(&fakeConn{client: client, connected: true}, handler)
	require.NoError(t, sm.Reconcile(context.Background(), []string{"$share/g/sensors/#"}))

	sm.HandleMessage(client, &MockMessage{topic: "sensors/1", payload: []byte("x")})
	sm.HandleMessage(client, &MockMessage{topic: "other/1", payload: []byte("y")})

	assert.Equal(t, []string{"sensors/1"}, received)
}
