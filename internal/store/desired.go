package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"mqtt-ingest-bridge/internal/broker"
)

// Desired property keys of the remote configuration channel.
const (
	KeyServer          = "MqttServer"
	KeyPort            = "MqttPort"
	KeyUser            = "MqttUser"
	KeyPassword        = "MqttPassword"
	KeyTopics          = "MqttTopics"
	KeyMessageTemplate = "MqttMessageTemplate"
)

// ConfigParseError reports a desired property that could not be decoded.
type ConfigParseError struct {
	Key string
	Err error
}

func (e *ConfigParseError) Error() string {
	return fmt.Sprintf("store: invalid desired property %q: %v", e.Key, e.Err)
}

func (e *ConfigParseError) Unwrap() error {
	return e.Err
}

// ParseDesired converts a desired-properties document into an Update.
// Malformed properties are skipped and returned as joined
// *ConfigParseError values; the remaining properties stay in the Update.
// Keys starting with '$' and unknown keys are ignored.
func ParseDesired(props map[string]any) (Update, error) {
	var (
		u    Update
		errs []error
	)
	fail := func(key string, err error) {
		errs = append(errs, &ConfigParseError{Key: key, Err: err})
	}

	if v, ok := props[KeyServer]; ok {
		switch s := v.(type) {
		case nil:
			empty := ""
			u.BrokerHost = &empty
		case string:
			host := strings.TrimSpace(s)
			u.BrokerHost = &host
		default:
			fail(KeyServer, fmt.Errorf("expected string, got %T", v))
		}
	}

	if v, ok := props[KeyPort]; ok {
		if port, err := parsePort(v); err != nil {
			fail(KeyPort, err)
		} else {
			u.BrokerPort = &port
		}
	}

	user, hasUser := props[KeyUser]
	pass, hasPass := props[KeyPassword]
	if hasUser || hasPass {
		if err := parseCredentials(&u, user, hasUser, pass, hasPass); err != nil {
			fail(KeyUser+"/"+KeyPassword, err)
		}
	}

	if v, ok := props[KeyTopics]; ok {
		if topics, err := parseTopics(v); err != nil {
			fail(KeyTopics, err)
		} else {
			u.Topics = &topics
		}
	}

	if v, ok := props[KeyMessageTemplate]; ok {
		switch s := v.(type) {
		case nil:
			tmpl := DefaultMessageTemplate
			u.MessageTemplate = &tmpl
		case string:
			u.MessageTemplate = &s
		default:
			fail(KeyMessageTemplate, fmt.Errorf("expected string, got %T", v))
		}
	}

	return u, errors.Join(errs...)
}

func parsePort(v any) (int, error) {
	var f float64
	switch p := v.(type) {
	case nil:
		return DefaultPort, nil
	case float64:
		f = p
	case int:
		f = float64(p)
	case int64:
		f = float64(p)
	case json.Number:
		n, err := p.Int64()
		if err != nil {
			return 0, err
		}
		f = float64(n)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return 0, err
		}
		f = float64(n)
	default:
		return 0, fmt.Errorf("expected number, got %T", v)
	}
	if f != math.Trunc(f) || f < 1 || f > 65535 {
		return 0, fmt.Errorf("port %v out of range", v)
	}
	return int(f), nil
}

// parseCredentials accepts either both keys as strings or both as null.
func parseCredentials(u *Update, user any, hasUser bool, pass any, hasPass bool) error {
	if !hasUser || !hasPass {
		return fmt.Errorf("username and password must be sent together")
	}
	if user == nil && pass == nil {
		u.ClearCredentials = true
		return nil
	}
	us, ok1 := user.(string)
	ps, ok2 := pass.(string)
	if !ok1 || !ok2 {
		return fmt.Errorf("username and password must both be strings or both null")
	}
	u.Username = &us
	u.Password = &ps
	return nil
}

// parseTopics accepts a JSON array encoded in a string, which is how the
// management channel transports lists, or a native array. Every element
// must be a valid topic filter.
func parseTopics(v any) ([]string, error) {
	topics, err := decodeTopics(v)
	if err != nil {
		return nil, err
	}
	for _, topic := range topics {
		if err := broker.ValidateTopicFilter(topic); err != nil {
			return nil, fmt.Errorf("topic %q: %w", topic, err)
		}
	}
	return topics, nil
}

func decodeTopics(v any) ([]string, error) {
	switch t := v.(type) {
	case nil:
		return []string{}, nil
	case string:
		if strings.TrimSpace(t) == "" {
			return []string{}, nil
		}
		var topics []string
		if err := json.Unmarshal([]byte(t), &topics); err != nil {
			return nil, fmt.Errorf("expected JSON array of strings: %w", err)
		}
		return topics, nil
	case []string:
		return t, nil
	case []any:
		topics := make([]string, 0, len(t))
		for i, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("element %d: expected string, got %T", i, item)
			}
			topics = append(topics, s)
		}
		return topics, nil
	default:
		return nil, fmt.Errorf("expected array of strings, got %T", v)
	}
}

// Reported renders the configuration as reported properties, using the
// same keys as the desired document. The password is never echoed.
func (c BridgeConfig) Reported() map[string]any {
	topics, _ := json.Marshal(c.Topics)
	if c.Topics == nil {
		topics = []byte("[]")
	}
	out := map[string]any{
		KeyServer:          c.BrokerHost,
		KeyPort:            c.BrokerPort,
		KeyTopics:          string(topics),
		KeyMessageTemplate: c.MessageTemplate,
		KeyUser:            nil,
		KeyPassword:        nil,
	}
	if c.Username != nil {
		out[KeyUser] = *c.Username
	}
	if c.Password != nil {
		out[KeyPassword] = "********"
	}
	return out
}
