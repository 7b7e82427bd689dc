// Package store holds the bridge's live configuration. Readers take lock-free
// snapshots; updates are merged, validated and published as a whole.
package store

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"mqtt-ingest-bridge/internal/broker"
)

// Defaults for fields the initial configuration leaves empty.
const (
	DefaultPort            = 1883
	DefaultMessageTemplate = `{"[topic]":[message]}`
)

// ErrInvalidConfig is wrapped by every rejected configuration.
var ErrInvalidConfig = errors.New("store: invalid configuration")

// BridgeConfig is an immutable snapshot of the remotely managed settings.
type BridgeConfig struct {
	BrokerHost      string
	BrokerPort      int
	Username        *string
	Password        *string
	Topics          []string
	MessageTemplate string
}

// HasCredentials reports whether a username/password pair is configured.
func (c BridgeConfig) HasCredentials() bool {
	return c.Username != nil && c.Password != nil
}

func (c BridgeConfig) clone() BridgeConfig {
	out := c
	out.Topics = slices.Clone(c.Topics)
	if c.Username != nil {
		u := *c.Username
		out.Username = &u
	}
	if c.Password != nil {
		p := *c.Password
		out.Password = &p
	}
	return out
}

// Validate checks the invariants every published snapshot satisfies.
func (c BridgeConfig) Validate() error {
	if c.BrokerPort < 1 || c.BrokerPort > 65535 {
		return fmt.Errorf("%w: broker port %d out of range", ErrInvalidConfig, c.BrokerPort)
	}
	if (c.Username == nil) != (c.Password == nil) {
		return fmt.Errorf("%w: username and password must be set together", ErrInvalidConfig)
	}
	for _, topic := range c.Topics {
		if err := broker.ValidateTopicFilter(topic); err != nil {
			return fmt.Errorf("%w: topic %q: %w", ErrInvalidConfig, topic, err)
		}
	}
	return nil
}

// Update carries the fields of one remote configuration change. Nil fields
// are left untouched.
type Update struct {
	BrokerHost      *string
	BrokerPort      *int
	Username        *string
	Password        *string
	Topics          *[]string
	MessageTemplate *string

	// ClearCredentials removes the username/password pair.
	ClearCredentials bool
}

// IsEmpty reports whether the update carries no changes at all.
func (u Update) IsEmpty() bool {
	return u.BrokerHost == nil && u.BrokerPort == nil && u.Username == nil &&
		u.Password == nil && u.Topics == nil && u.MessageTemplate == nil && !u.ClearCredentials
}

// Diff describes which fields an applied update actually changed.
type Diff struct {
	BrokerHost      bool
	BrokerPort      bool
	Credentials     bool
	Topics          bool
	MessageTemplate bool

	Previous BridgeConfig
	Current  BridgeConfig
}

// EndpointChanged reports whether the broker connection must be replaced.
func (d Diff) EndpointChanged() bool {
	return d.BrokerHost || d.BrokerPort || d.Credentials
}

// Changed reports whether anything changed.
func (d Diff) Changed() bool {
	return d.EndpointChanged() || d.Topics || d.MessageTemplate
}

// Store holds the current BridgeConfig. Apply calls are serialized.
type Store struct {
	mu      sync.Mutex
	current atomic.Pointer[BridgeConfig]
}

// New creates a store holding initial after normalizing and validating it.
// A zero port is replaced by DefaultPort and an empty template by
// DefaultMessageTemplate.
func New(initial BridgeConfig) (*Store, error) {
	cfg := initial.clone()
	if cfg.BrokerPort == 0 {
		cfg.BrokerPort = DefaultPort
	}
	if cfg.MessageTemplate == "" {
		cfg.MessageTemplate = DefaultMessageTemplate
	}
	cfg.Topics = normalizeTopics(cfg.Topics)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Store{}
	s.current.Store(&cfg)
	return s, nil
}

// Snapshot returns the current configuration. The returned value must be
// treated as read-only; its slices and pointers are shared.
func (s *Store) Snapshot() BridgeConfig {
	return *s.current.Load()
}

// MessageTemplate is a shortcut for Snapshot().MessageTemplate.
func (s *Store) MessageTemplate() string {
	return s.current.Load().MessageTemplate
}

// Apply merges u into the current configuration. The merged result is
// validated before it is published; on error the store is unchanged.
func (s *Store) Apply(u Update) (Diff, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.current.Load()
	next := prev.clone()

	if u.BrokerHost != nil {
		next.BrokerHost = *u.BrokerHost
	}
	if u.BrokerPort != nil {
		next.BrokerPort = *u.BrokerPort
	}
	if u.ClearCredentials {
		next.Username = nil
		next.Password = nil
	}
	if u.Username != nil || u.Password != nil {
		if u.Username == nil || u.Password == nil {
			return Diff{Previous: *prev, Current: *prev},
				fmt.Errorf("%w: username and password must be updated together", ErrInvalidConfig)
		}
		user, pass := *u.Username, *u.Password
		next.Username = &user
		next.Password = &pass
	}
	if u.Topics != nil {
		next.Topics = normalizeTopics(*u.Topics)
	}
	if u.MessageTemplate != nil {
		next.MessageTemplate = *u.MessageTemplate
	}

	if err := next.Validate(); err != nil {
		return Diff{Previous: *prev, Current: *prev}, err
	}

	diff := Diff{
		BrokerHost:      prev.BrokerHost != next.BrokerHost,
		BrokerPort:      prev.BrokerPort != next.BrokerPort,
		Credentials:     !equalPtr(prev.Username, next.Username) || !equalPtr(prev.Password, next.Password),
		Topics:          !slices.Equal(prev.Topics, next.Topics),
		MessageTemplate: prev.MessageTemplate != next.MessageTemplate,
		Previous:        *prev,
		Current:         next,
	}

	s.current.Store(&next)
	return diff, nil
}

// normalizeTopics returns the topics as a sorted set.
func normalizeTopics(topics []string) []string {
	out := slices.Clone(topics)
	slices.Sort(out)
	return slices.Compact(out)
}

func equalPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
