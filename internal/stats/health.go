package stats

import (
	"context"
	"time"
)

// HealthStatus is the overall service verdict
type HealthStatus string

// Health statuses
const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// ConnectionStatus describes the ingestion connection layer
type ConnectionStatus string

// Connection statuses
const (
	ConnConnected ConnectionStatus = "connected"
	ConnListening ConnectionStatus = "listening"
	ConnError     ConnectionStatus = "error"
)

// ListenerState is reported by the TCP listener
type ListenerState string

// Listener states
const (
	ListenerListening ListenerState = "listening"
	ListenerError     ListenerState = "error"
	ListenerStopped   ListenerState = "stopped"
)

// Thresholds drive the health verdict. Ratios are taken over the stats
// window and only once MinSamples events have been seen in it.
type Thresholds struct {
	MinSamples             int
	DegradedErrorRate      float64
	UnhealthyErrorRate     float64
	DegradedConnectionDrop float64
}

func (t Thresholds) withDefaults() Thresholds {
	if t.MinSamples <= 0 {
		t.MinSamples = 20
	}
	if t.DegradedErrorRate <= 0 {
		t.DegradedErrorRate = 0.05
	}
	if t.UnhealthyErrorRate <= 0 {
		t.UnhealthyErrorRate = 0.25
	}
	if t.DegradedConnectionDrop <= 0 {
		t.DegradedConnectionDrop = 0.5
	}
	return t
}

// Health is the health query result
type Health struct {
	Status        HealthStatus     `json:"status"`
	Timestamp     time.Time        `json:"timestamp"`
	Service       string           `json:"service"`
	Version       string           `json:"version"`
	UptimeSeconds float64          `json:"uptime_seconds"`
	Ingestion     IngestionSummary `json:"ingestion"`
}

// IngestionSummary is the connection-layer part of Health
type IngestionSummary struct {
	ConnectionStatus  ConnectionStatus `json:"connection_status"`
	ActiveConnections int              `json:"active_connections"`
	MessagesProcessed uint64           `json:"messages_processed"`
	ErrorRate         float64          `json:"error_rate"`
	DropRate          float64          `json:"drop_rate"`
}

// Health evaluates the current snapshot against the thresholds
func (a *Aggregator) Health(ctx context.Context, listener ListenerState) (Health, error) {
	s, err := a.Snapshot(ctx)
	if err != nil {
		return Health{}, err
	}
	return Evaluate(s, a.opts.Health, a.opts.Service, a.opts.Version, listener), nil
}

// Evaluate derives health from a snapshot
func Evaluate(s Snapshot, t Thresholds, service, version string, listener ListenerState) Health {
	t = t.withDefaults()
	h := Health{
		Status:        StatusHealthy,
		Timestamp:     s.Timestamp,
		Service:       service,
		Version:       version,
		UptimeSeconds: s.UptimeSeconds,
		Ingestion: IngestionSummary{
			ConnectionStatus:  ConnListening,
			ActiveConnections: s.ActiveConnections,
			MessagesProcessed: s.MessagesProcessed,
		},
	}

	switch {
	case listener != ListenerListening:
		h.Ingestion.ConnectionStatus = ConnError
		h.Status = StatusUnhealthy
		return h
	case s.ActiveConnections > 0:
		h.Ingestion.ConnectionStatus = ConnConnected
	}

	if samples := s.Window.Messages + s.Window.Errors; samples > 0 {
		h.Ingestion.ErrorRate = float64(s.Window.Errors) / float64(samples)
		if samples >= uint64(t.MinSamples) {
			switch {
			case h.Ingestion.ErrorRate >= t.UnhealthyErrorRate:
				h.Status = StatusUnhealthy
			case h.Ingestion.ErrorRate >= t.DegradedErrorRate:
				h.Status = StatusDegraded
			}
		}
	}

	if pool := uint64(s.ActiveConnections) + s.Window.Disconnects; pool > 0 {
		h.Ingestion.DropRate = float64(s.Window.Disconnects) / float64(pool)
		if pool >= uint64(t.MinSamples) && h.Ingestion.DropRate >= t.DegradedConnectionDrop && h.Status == StatusHealthy {
			h.Status = StatusDegraded
		}
	}
	return h
}
