package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values shared with the remote configuration channel.
const (
	DefaultMQTTPort        = 1883
	DefaultMessageTemplate = `{"[topic]":[message]}`
	DefaultOutput          = "mqtt"
)

// Sink types
const (
	SinkTypeNATS   = "nats"
	SinkTypePubSub = "pubsub"
)

// Config is the root of the configuration file.
type Config struct {
	MQTT       MQTTConfig    `json:"mqtt" yaml:"mqtt"`
	Remote     RemoteConfig  `json:"remote" yaml:"remote"`
	NATS       NATSConfig    `json:"nats" yaml:"nats"`
	Sink       SinkConfig    `json:"sink" yaml:"sink"`
	Logging    LogConfig     `json:"logging" yaml:"logging"`
	Metrics    MetricsConfig `json:"metrics" yaml:"metrics"`
	Processing ProcConfig    `json:"processing" yaml:"processing"`
}

// MQTTConfig is the initial snapshot of the local broker settings. Server,
// credentials, topics and template can later be replaced remotely.
type MQTTConfig struct {
	Server               string    `json:"server" yaml:"server"`
	Port                 int       `json:"port" yaml:"port"`
	ClientID             string    `json:"clientId" yaml:"clientId"`
	Username             string    `json:"username" yaml:"username"`
	Password             string    `json:"password" yaml:"password"`
	Topics               []string  `json:"topics" yaml:"topics"`
	MessageTemplate      string    `json:"messageTemplate" yaml:"messageTemplate"`
	QoS                  int       `json:"qos" yaml:"qos"`
	ConnectTimeout       string    `json:"connectTimeout" yaml:"connectTimeout"`             // Duration string
	MaxReconnectInterval string    `json:"maxReconnectInterval" yaml:"maxReconnectInterval"` // Duration string
	PayloadCharset       string    `json:"payloadCharset" yaml:"payloadCharset"`             // IANA name, utf-8 by default
	TLS                  TLSConfig `json:"tls" yaml:"tls"`
}

// TLSConfig holds client certificate settings.
type TLSConfig struct {
	Enable             bool   `json:"enable" yaml:"enable"`
	CertFile           string `json:"certFile" yaml:"certFile"`
	KeyFile            string `json:"keyFile" yaml:"keyFile"`
	CAFile             string `json:"caFile" yaml:"caFile"`
	InsecureSkipVerify bool   `json:"insecureSkipVerify" yaml:"insecureSkipVerify"`
}

// RemoteConfig describes the device-twin style channel carrying desired
// properties over NATS.
type RemoteConfig struct {
	Enabled         bool   `json:"enabled" yaml:"enabled"`
	DesiredSubject  string `json:"desiredSubject" yaml:"desiredSubject"`
	SnapshotSubject string `json:"snapshotSubject" yaml:"snapshotSubject"`
	ReportedSubject string `json:"reportedSubject" yaml:"reportedSubject"`
	RequestTimeout  string `json:"requestTimeout" yaml:"requestTimeout"` // Duration string
}

// NATSConfig configures the NATS connection shared by the sink and the
// remote configuration channel.
type NATSConfig struct {
	URLs       []string  `json:"urls" yaml:"urls"`
	ClientName string    `json:"clientName" yaml:"clientName"`
	Username   string    `json:"username" yaml:"username"`
	Password   string    `json:"password" yaml:"password"`
	TLS        TLSConfig `json:"tls" yaml:"tls"`
}

// SinkConfig selects and configures the outbound endpoint.
type SinkConfig struct {
	Type        string           `json:"type" yaml:"type"`     // nats or pubsub
	Output      string           `json:"output" yaml:"output"` // logical output channel name
	SendTimeout string           `json:"sendTimeout" yaml:"sendTimeout"`
	NATS        NATSSinkConfig   `json:"nats" yaml:"nats"`
	PubSub      PubSubSinkConfig `json:"pubsub" yaml:"pubsub"`
}

type NATSSinkConfig struct {
	SubjectPrefix string `json:"subjectPrefix" yaml:"subjectPrefix"`
	JetStream     bool   `json:"jetstream" yaml:"jetstream"`
}

type PubSubSinkConfig struct {
	ProjectID string `json:"projectId" yaml:"projectId"`
	TopicID   string `json:"topicId" yaml:"topicId"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level      string        `json:"level" yaml:"level"`           // debug, info, warn, error
	OutputPath string        `json:"outputPath" yaml:"outputPath"` // file path, "stdout" or "stderr"
	Encoding   string        `json:"encoding" yaml:"encoding"`     // json or console
	File       LogFileConfig `json:"file" yaml:"file"`
}

// LogFileConfig controls rotation when OutputPath is a file.
type LogFileConfig struct {
	MaxSize    int  `json:"maxSize" yaml:"maxSize"` // megabytes
	MaxBackups int  `json:"maxBackups" yaml:"maxBackups"`
	MaxAge     int  `json:"maxAge" yaml:"maxAge"` // days
	Compress   bool `json:"compress" yaml:"compress"`
}

// MetricsConfig configures the metrics and status server.
type MetricsConfig struct {
	Enabled        bool   `json:"enabled" yaml:"enabled"`
	Address        string `json:"address" yaml:"address"`
	Path           string `json:"path" yaml:"path"`
	UpdateInterval string `json:"updateInterval" yaml:"updateInterval"` // Duration string
}

// ProcConfig sizes the ingestion pipeline.
type ProcConfig struct {
	Workers   int `json:"workers" yaml:"workers"`
	QueueSize int `json:"queueSize" yaml:"queueSize"`
}

// Load reads and parses the configuration file. Files ending in .yaml or
// .yml are parsed as YAML, everything else as JSON.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Parse decodes raw config data and fills in defaults. ext selects the
// format (".yaml", ".yml" or anything else for JSON).
func Parse(data []byte, ext string) (*Config, error) {
	var config Config
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	setDefaults(&config)
	return &config, nil
}

func setDefaults(config *Config) {
	// MQTT
	if config.MQTT.Port == 0 {
		config.MQTT.Port = DefaultMQTTPort
	}
	if config.MQTT.ClientID == "" {
		config.MQTT.ClientID = "mqtt-ingest-bridge"
	}
	if config.MQTT.MessageTemplate == "" {
		config.MQTT.MessageTemplate = DefaultMessageTemplate
	}
	if config.MQTT.QoS == 0 {
		config.MQTT.QoS = 1
	}
	if config.MQTT.ConnectTimeout == "" {
		config.MQTT.ConnectTimeout = "10s"
	}
	if config.MQTT.MaxReconnectInterval == "" {
		config.MQTT.MaxReconnectInterval = "1m"
	}
	if config.MQTT.PayloadCharset == "" {
		config.MQTT.PayloadCharset = "utf-8"
	}

	// Remote configuration channel
	if config.Remote.DesiredSubject == "" {
		config.Remote.DesiredSubject = "bridge.twin.desired"
	}
	if config.Remote.RequestTimeout == "" {
		config.Remote.RequestTimeout = "5s"
	}

	// NATS
	if config.NATS.ClientName == "" {
		config.NATS.ClientName = config.MQTT.ClientID
	}

	// Sink
	if config.Sink.Type == "" {
		config.Sink.Type = SinkTypeNATS
	}
	if config.Sink.Output == "" {
		config.Sink.Output = DefaultOutput
	}
	if config.Sink.SendTimeout == "" {
		config.Sink.SendTimeout = "10s"
	}
	if config.Sink.NATS.SubjectPrefix == "" {
		config.Sink.NATS.SubjectPrefix = "ingest"
	}

	// Logging
	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	if config.Logging.OutputPath == "" {
		config.Logging.OutputPath = "stdout"
	}
	if config.Logging.Encoding == "" {
		config.Logging.Encoding = "json"
	}
	if config.Logging.File.MaxSize == 0 {
		config.Logging.File.MaxSize = 100
	}

	// Metrics
	if config.Metrics.Address == "" {
		config.Metrics.Address = ":2112"
	}
	if config.Metrics.Path == "" {
		config.Metrics.Path = "/metrics"
	}
	if config.Metrics.UpdateInterval == "" {
		config.Metrics.UpdateInterval = "15s"
	}

	// Processing. A single worker keeps sink order equal to receive order.
	if config.Processing.Workers <= 0 {
		config.Processing.Workers = 1
	}
	if config.Processing.QueueSize <= 0 {
		config.Processing.QueueSize = 1000
	}
}

// applyEnvOverrides lets secrets stay out of the config file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BRIDGE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("BRIDGE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("BRIDGE_NATS_URL"); v != "" {
		cfg.NATS.URLs = strings.Split(v, ",")
	}
	if v := os.Getenv("BRIDGE_NATS_USERNAME"); v != "" {
		cfg.NATS.Username = v
	}
	if v := os.Getenv("BRIDGE_NATS_PASSWORD"); v != "" {
		cfg.NATS.Password = v
	}
}

// validateConfig performs validation of all configuration values
func validateConfig(cfg *Config) error {
	// Validate MQTT config. The server may be empty: it can arrive remotely.
	if cfg.MQTT.Port < 1 || cfg.MQTT.Port > 65535 {
		return fmt.Errorf("mqtt port out of range: %d", cfg.MQTT.Port)
	}
	if (cfg.MQTT.Username == "") != (cfg.MQTT.Password == "") {
		return fmt.Errorf("mqtt username and password must be set together")
	}
	if cfg.MQTT.QoS < 0 || cfg.MQTT.QoS > 2 {
		return fmt.Errorf("invalid mqtt qos: %d", cfg.MQTT.QoS)
	}
	if _, err := time.ParseDuration(cfg.MQTT.ConnectTimeout); err != nil {
		return fmt.Errorf("invalid mqtt connect timeout: %w", err)
	}
	if _, err := time.ParseDuration(cfg.MQTT.MaxReconnectInterval); err != nil {
		return fmt.Errorf("invalid mqtt max reconnect interval: %w", err)
	}
	if err := validateTLS("mqtt", cfg.MQTT.TLS); err != nil {
		return err
	}

	// Validate remote channel config
	if cfg.Remote.Enabled {
		if len(cfg.NATS.URLs) == 0 {
			return fmt.Errorf("nats urls are required when the remote channel is enabled")
		}
		if _, err := time.ParseDuration(cfg.Remote.RequestTimeout); err != nil {
			return fmt.Errorf("invalid remote request timeout: %w", err)
		}
	}

	// Validate sink config
	switch cfg.Sink.Type {
	case SinkTypeNATS:
		if len(cfg.NATS.URLs) == 0 {
			return fmt.Errorf("nats urls are required for the nats sink")
		}
	case SinkTypePubSub:
		if cfg.Sink.PubSub.ProjectID == "" || cfg.Sink.PubSub.TopicID == "" {
			return fmt.Errorf("pubsub project and topic are required for the pubsub sink")
		}
	default:
		return fmt.Errorf("invalid sink type: %s", cfg.Sink.Type)
	}
	if _, err := time.ParseDuration(cfg.Sink.SendTimeout); err != nil {
		return fmt.Errorf("invalid sink send timeout: %w", err)
	}
	if err := validateTLS("nats", cfg.NATS.TLS); err != nil {
		return err
	}

	// Validate logging config
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", cfg.Logging.Level)
	}

	switch cfg.Logging.Encoding {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log encoding: %s", cfg.Logging.Encoding)
	}

	// Validate metrics config
	if cfg.Metrics.Enabled {
		if _, err := time.ParseDuration(cfg.Metrics.UpdateInterval); err != nil {
			return fmt.Errorf("invalid metrics update interval: %w", err)
		}
	}

	// Validate processing config
	if cfg.Processing.Workers < 1 {
		return fmt.Errorf("workers must be greater than 0")
	}
	if cfg.Processing.QueueSize < 1 {
		return fmt.Errorf("queue size must be greater than 0")
	}

	return nil
}

func validateTLS(section string, tls TLSConfig) error {
	if !tls.Enable {
		return nil
	}
	if (tls.CertFile == "") != (tls.KeyFile == "") {
		return fmt.Errorf("%s tls cert and key files must be set together", section)
	}
	return nil
}

// ApplyOverrides applies command line flag overrides to the configuration
func (c *Config) ApplyOverrides(workers, queueSize int, logLevel, metricsAddr string) {
	if workers > 0 {
		c.Processing.Workers = workers
	}
	if queueSize > 0 {
		c.Processing.QueueSize = queueSize
	}
	if logLevel != "" {
		c.Logging.Level = logLevel
	}
	if metricsAddr != "" {
		c.Metrics.Address = metricsAddr
		c.Metrics.Enabled = true
	}
}

// Validate re-runs validation, e.g. after ApplyOverrides.
func (c *Config) Validate() error {
	return validateConfig(c)
}

// Duration parses a duration string that validateConfig has already
// checked, falling back to def for empty or malformed values.
func Duration(value string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
