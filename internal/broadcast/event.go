package broadcast

import (
	"time"

	"fleetwatch/gateway/internal/protocol"
)

// EventType names an outbound event
type EventType string

// Event types
const (
	EventVehicleUpdated EventType = "vehicle.updated"
	EventAlertRaised    EventType = "alert.raised"
)

// Severity grades an alert
type Severity string

// Alert severities
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// VehicleUpdate is published when a vehicle's position or status changes
type VehicleUpdate struct {
	DeviceID  string                `json:"device_id"`
	VehicleID string                `json:"vehicle_id"`
	Location  *protocol.GPSLocation `json:"location,omitempty"`
	Status    string                `json:"status"`
	Speed     float64               `json:"speed"`
	Moving    bool                  `json:"moving"`
	Online    bool                  `json:"online"`
}

// Alert is raised from a device alarm
type Alert struct {
	ID         string                 `json:"id"`
	DeviceID   string                 `json:"device_id"`
	VehicleID  string                 `json:"vehicle_id"`
	Type       protocol.AlarmCategory `json:"type"`
	Code       string                 `json:"code,omitempty"`
	Severity   Severity               `json:"severity"`
	Message    string                 `json:"message"`
	Position   *protocol.GPSLocation  `json:"position,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
	CreatedAt  time.Time              `json:"created_at"`
}

// Event is the envelope delivered to subscribers. Exactly one of Vehicle
// and Alert is set, matching Type.
type Event struct {
	Type      EventType      `json:"type"`
	DeviceID  string         `json:"device_id"`
	Vehicle   *VehicleUpdate `json:"vehicle,omitempty"`
	Alert     *Alert         `json:"alert,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Publisher accepts events without blocking
type Publisher interface {
	Publish(Event)
}
