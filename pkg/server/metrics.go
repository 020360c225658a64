package server

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"
)

// Metrics tracks server runtime statistics.
// All counters use atomic operations for lock-free concurrent access.
type Metrics struct {
	startTime time.Time

	// Connection counters
	TotalConnections atomic.Int64 // lifetime TCP connections accepted
	ActiveSessions   atomic.Int64 // sessions currently registered
	FailedHandshakes atomic.Int64 // connections dropped before registration
	Renames          atomic.Int64 // usernames disambiguated at handshake
	TotalDisconnects atomic.Int64 // sessions torn down
	PrunedSessions   atomic.Int64 // sessions removed after a failed delivery
	DroppedFrames    atomic.Int64 // malformed control frames ignored

	// Chat counters
	Broadcasts         atomic.Int64 // broadcast requests
	BroadcastDelivered atomic.Int64 // individual broadcast deliveries
	WhoIsInRequests    atomic.Int64

	// File counters
	FilesReceived atomic.Int64 // uploads stored
	FilesSent     atomic.Int64 // downloads delivered
	FilesNotFound atomic.Int64 // GET for a missing file
	FileErrors    atomic.Int64 // failed uploads or downloads
	BytesReceived atomic.Int64
	BytesSent     atomic.Int64
}

// NewMetrics creates a new Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

// MetricsSnapshot is a point-in-time view of all metrics as a serializable struct.
type MetricsSnapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	TotalConnections int64 `json:"total_connections"`
	ActiveSessions   int64 `json:"active_sessions"`
	FailedHandshakes int64 `json:"failed_handshakes"`
	Renames          int64 `json:"renames"`
	TotalDisconnects int64 `json:"total_disconnects"`
	PrunedSessions   int64 `json:"pruned_sessions"`
	DroppedFrames    int64 `json:"dropped_frames"`

	Broadcasts         int64 `json:"broadcasts"`
	BroadcastDelivered int64 `json:"broadcast_delivered"`
	WhoIsInRequests    int64 `json:"whoisin_requests"`

	FilesReceived int64 `json:"files_received"`
	FilesSent     int64 `json:"files_sent"`
	FilesNotFound int64 `json:"files_not_found"`
	FileErrors    int64 `json:"file_errors"`
	BytesReceived int64 `json:"bytes_received"`
	BytesSent     int64 `json:"bytes_sent"`
}

// Snapshot returns a read-consistent snapshot of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	uptime := time.Since(m.startTime)
	return MetricsSnapshot{
		Uptime:             uptime.Truncate(time.Second).String(),
		UptimeSeconds:      int64(uptime.Seconds()),
		TotalConnections:   m.TotalConnections.Load(),
		ActiveSessions:     m.ActiveSessions.Load(),
		FailedHandshakes:   m.FailedHandshakes.Load(),
		Renames:            m.Renames.Load(),
		TotalDisconnects:   m.TotalDisconnects.Load(),
		PrunedSessions:     m.PrunedSessions.Load(),
		DroppedFrames:      m.DroppedFrames.Load(),
		Broadcasts:         m.Broadcasts.Load(),
		BroadcastDelivered: m.BroadcastDelivered.Load(),
		WhoIsInRequests:    m.WhoIsInRequests.Load(),
		FilesReceived:      m.FilesReceived.Load(),
		FilesSent:          m.FilesSent.Load(),
		FilesNotFound:      m.FilesNotFound.Load(),
		FileErrors:         m.FileErrors.Load(),
		BytesReceived:      m.BytesReceived.Load(),
		BytesSent:          m.BytesSent.Load(),
	}
}

// JSON returns the metrics snapshot as a JSON string.
func (m *Metrics) JSON() string {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// LogSummary writes a metrics summary to logger.
func (m *Metrics) LogSummary(logger *slog.Logger) {
	s := m.Snapshot()
	logger.Info("metrics",
		"uptime", s.Uptime,
		"sessions", s.ActiveSessions,
		"total_connections", s.TotalConnections,
		"broadcasts", s.Broadcasts,
		"pruned", s.PrunedSessions,
		"files_in", s.FilesReceived,
		"files_out", s.FilesSent,
	)
}

// StartPeriodicLog starts a goroutine that logs metrics every interval.
// It stops when the done channel is closed.
func (m *Metrics) StartPeriodicLog(logger *slog.Logger, interval time.Duration, done <-chan struct{}) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.LogSummary(logger)
			}
		}
	}()
}
