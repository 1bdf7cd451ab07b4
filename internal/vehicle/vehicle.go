package vehicle

import (
	"time"

	"fleetwatch/gateway/internal/protocol"
)

// Status of a vehicle
type Status string

// Vehicle statuses
const (
	StatusActive      Status = "active"
	StatusInactive    Status = "inactive"
	StatusMaintenance Status = "maintenance"
)

// Profile is the configured identity of a vehicle
type Profile struct {
	ID       string `mapstructure:"id" json:"id"`
	DeviceID string `mapstructure:"device_id" json:"device_id"`
	Name     string `mapstructure:"name" json:"name"`
	Plate    string `mapstructure:"plate" json:"plate"`
	Model    string `mapstructure:"model" json:"model"`
}

// Telemetry holds the last device health report
type Telemetry struct {
	BatteryLevel int  `json:"battery_level"`
	GSMSignal    int  `json:"gsm_signal"`
	Ignition     bool `json:"ignition"`
	Charging     bool `json:"charging"`
}

// Vehicle is the logical entity tied 1:1 to a device
type Vehicle struct {
	ID         string                `json:"id"`
	DeviceID   string                `json:"device_id"`
	Name       string                `json:"name"`
	Plate      string                `json:"plate,omitempty"`
	Model      string                `json:"model,omitempty"`
	Status     Status                `json:"status"`
	Location   *protocol.GPSLocation `json:"location,omitempty"`
	Speed      float64               `json:"speed"`
	Moving     bool                  `json:"moving"`
	Online     bool                  `json:"online"`
	Telemetry  *Telemetry            `json:"telemetry,omitempty"`
	LastUpdate time.Time             `json:"last_update"`
}

// clone returns a deep copy safe to hand out
func (v *Vehicle) clone() Vehicle {
	out := *v
	if v.Location != nil {
		loc := *v.Location
		out.Location = &loc
	}
	if v.Telemetry != nil {
		t := *v.Telemetry
		out.Telemetry = &t
	}
	return out
}
