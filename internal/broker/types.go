// Package broker manages the bridge's connection to the local MQTT broker
// and the set of topic filters subscribed on it.
package broker

import (
	"crypto/tls"
	"errors"
	"net"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Sentinel errors wrapped by connection and subscription failures.
var (
	ErrConnectionFailed  = errors.New("broker: connection failed")
	ErrSubscribeFailed   = errors.New("broker: subscribe failed")
	ErrUnsubscribeFailed = errors.New("broker: unsubscribe failed")
	ErrNoBroker          = errors.New("broker: no broker configured")
)

// State represents the current state of the broker connection
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// Endpoint identifies a broker and the credentials used to reach it.
type Endpoint struct {
	Host     string
	Port     int
	Username *string
	Password *string
}

// URL returns the paho server URL, tcp://host:port or ssl://host:port.
func (e Endpoint) URL(useTLS bool) string {
	scheme := "tcp"
	if useTLS {
		scheme = "ssl"
	}
	return scheme + "://" + net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Options are the connection settings that do not change at runtime.
type Options struct {
	ClientID             string
	ConnectTimeout       time.Duration
	MaxReconnectInterval time.Duration
	KeepAlive            time.Duration
	TLS                  *tls.Config
}

// ClientFactory creates the paho client for a connection attempt.
type ClientFactory func(opts *mqtt.ClientOptions) mqtt.Client

// DefaultClientFactory creates a real paho client.
func DefaultClientFactory(opts *mqtt.ClientOptions) mqtt.Client {
	return mqtt.NewClient(opts)
}
