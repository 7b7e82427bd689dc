package stats

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Snapshot is a point-in-time copy of the bridge counters.
type Snapshot struct {
	MessagesReceived  uint64
	MessagesForwarded uint64
	MessagesSkipped   uint64
	SinkErrors        uint64
	ConfigUpdates     uint64
	ConfigRejected    uint64
}

// StatsCollector manages application-wide statistics
type StatsCollector struct {
	StartTime         time.Time
	MessagesReceived  uint64
	MessagesForwarded uint64
	MessagesSkipped   uint64
	SinkErrors        uint64
	ConfigUpdates     uint64
	ConfigRejected    uint64

	mu         sync.RWMutex
	lastUpdate time.Time
}

// NewStatsCollector creates a new stats collector
func NewStatsCollector() *StatsCollector {
	now := time.Now()
	return &StatsCollector{
		StartTime:  now,
		lastUpdate: now,
	}
}

// Update stores the given counter values.
func (s *StatsCollector) Update(snap Snapshot) {
	atomic.StoreUint64(&s.MessagesReceived, snap.MessagesReceived)
	atomic.StoreUint64(&s.MessagesForwarded, snap.MessagesForwarded)
	atomic.StoreUint64(&s.MessagesSkipped, snap.MessagesSkipped)
	atomic.StoreUint64(&s.SinkErrors, snap.SinkErrors)
	atomic.StoreUint64(&s.ConfigUpdates, snap.ConfigUpdates)
	atomic.StoreUint64(&s.ConfigRejected, snap.ConfigRejected)

	s.mu.Lock()
	s.lastUpdate = time.Now()
	s.mu.Unlock()
}

func (s *StatsCollector) LastUpdate() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUpdate
}

// GetStats returns current statistics
func (s *StatsCollector) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"uptime":             time.Since(s.StartTime).String(),
		"messages_received":  atomic.LoadUint64(&s.MessagesReceived),
		"messages_forwarded": atomic.LoadUint64(&s.MessagesForwarded),
		"messages_skipped":   atomic.LoadUint64(&s.MessagesSkipped),
		"sink_errors":        atomic.LoadUint64(&s.SinkErrors),
		"config_updates":     atomic.LoadUint64(&s.ConfigUpdates),
		"config_rejected":    atomic.LoadUint64(&s.ConfigRejected),
		"forward_rate":       s.CalculateRate(),
		"last_update":        s.LastUpdate(),
	}
}

// GetStatsJSON returns stats as JSON
func (s *StatsCollector) GetStatsJSON() ([]byte, error) {
	return json.Marshal(s.GetStats())
}

// CalculateRate returns forwarded messages per second since start.
func (s *StatsCollector) CalculateRate() float64 {
	uptime := time.Since(s.StartTime).Seconds()
	if uptime <= 0 {
		return 0
	}
	return float64(atomic.LoadUint64(&s.MessagesForwarded)) / uptime
}
