package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the bridge's prometheus collectors. A nil *Metrics is valid
// and records nothing, so components can run with metrics disabled.
type Metrics struct {
	mqttConnectionStatus prometheus.Gauge
	mqttReconnects       prometheus.Counter
	messagesTotal        *prometheus.CounterVec
	sinkSendsTotal       *prometheus.CounterVec
	sinkSendDuration     prometheus.Histogram
	configUpdatesTotal   *prometheus.CounterVec
	subscribedTopics     prometheus.Gauge
	messageQueueDepth    prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		mqttConnectionStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mqtt_connection_status",
			Help: "Current MQTT broker connection status (1 connected, 0 disconnected)",
		}),
		mqttReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mqtt_reconnects_total",
			Help: "Total number of MQTT reconnection attempts",
		}),
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total number of MQTT messages by processing status",
		}, []string{"status"}),
		sinkSendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sink_sends_total",
			Help: "Total number of downstream sends by result",
		}, []string{"status"}),
		sinkSendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sink_send_duration_seconds",
			Help:    "Time taken by a downstream send to complete",
			Buckets: prometheus.DefBuckets,
		}),
		configUpdatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "config_updates_total",
			Help: "Total number of remote configuration updates by result",
		}, []string{"status"}),
		subscribedTopics: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "subscribed_topics",
			Help: "Number of topic filters currently subscribed on the broker",
		}),
		messageQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "message_queue_depth",
			Help: "Number of messages waiting in the ingestion queue",
		}),
	}

	collectors := []prometheus.Collector{
		m.mqttConnectionStatus,
		m.mqttReconnects,
		m.messagesTotal,
		m.sinkSendsTotal,
		m.sinkSendDuration,
		m.configUpdatesTotal,
		m.subscribedTopics,
		m.messageQueueDepth,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}

	return m, nil
}

func (m *Metrics) SetMQTTConnectionStatus(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.mqttConnectionStatus.Set(1)
	} else {
		m.mqttConnectionStatus.Set(0)
	}
}

func (m *Metrics) IncMQTTReconnects() {
	if m == nil {
		return
	}
	m.mqttReconnects.Inc()
}

// IncMessagesTotal counts messages by status: received, unmatched,
// processed, skipped, dropped or error.
func (m *Metrics) IncMessagesTotal(status string) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveSinkSend(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.sinkSendsTotal.WithLabelValues(status).Inc()
	m.sinkSendDuration.Observe(d.Seconds())
}

func (m *Metrics) IncConfigUpdates(status string) {
	if m == nil {
		return
	}
	m.configUpdatesTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) SetSubscribedTopics(n int) {
	if m == nil {
		return
	}
	m.subscribedTopics.Set(float64(n))
}

func (m *Metrics) SetMessageQueueDepth(n int) {
	if m == nil {
		return
	}
	m.messageQueueDepth.Set(float64(n))
}

// MetricsCollector periodically runs sampler functions that push gauge
// values which are cheaper to poll than to track on every change.
type MetricsCollector struct {
	metrics  *Metrics
	interval time.Duration

	mu       sync.Mutex
	samplers []func(*Metrics)
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewMetricsCollector(m *Metrics, interval time.Duration) *MetricsCollector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &MetricsCollector{
		metrics:  m,
		interval: interval,
	}
}

// AddSampler registers fn to be called on every tick.
func (c *MetricsCollector) AddSampler(fn func(*Metrics)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samplers = append(c.samplers, fn)
}

func (c *MetricsCollector) Start() {
	c.mu.Lock()
	if c.stopCh != nil {
		c.mu.Unlock()
		return
	}
	c.stopCh = make(chan struct{})
	stopCh := c.stopCh
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		c.sample()
		for {
			select {
			case <-ticker.C:
				c.sample()
			case <-stopCh:
				return
			}
		}
	}()
}

func (c *MetricsCollector) Stop() {
	c.mu.Lock()
	if c.stopCh == nil {
		c.mu.Unlock()
		return
	}
	close(c.stopCh)
	c.stopCh = nil
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *MetricsCollector) sample() {
	c.mu.Lock()
	samplers := make([]func(*Metrics), len(c.samplers))
	copy(samplers, c.samplers)
	c.mu.Unlock()

	for _, fn := range samplers {
		fn(c.metrics)
	}
}
