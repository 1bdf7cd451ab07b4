package protocol

import (
	"time"
)

// Kind classifies a decoded frame
type Kind string

// Message kinds
const (
	KindLogin     Kind = "LOGIN"
	KindLocation  Kind = "LOCATION"
	KindHeartbeat Kind = "HEARTBEAT"
	KindAlarm     Kind = "ALARM"
	KindStatus    Kind = "STATUS"
	KindUnknown   Kind = "UNKNOWN"
)

// Message is one parsed frame. It is a value: adapters build it once and
// nothing downstream mutates it.
type Message struct {
	DeviceID   string    `json:"device_id"`
	Kind       Kind      `json:"kind"`
	Timestamp  time.Time `json:"timestamp"`
	ReceivedAt time.Time `json:"received_at"`
	Protocol   string    `json:"protocol"`
	Payload    Payload   `json:"payload"`
	// Raw is the frame as received; binary frames are hex encoded.
	Raw string `json:"raw"`
	// Code and Serial are the vendor message id and sequence number, used
	// to build acknowledgements.
	Code   uint16 `json:"code,omitempty"`
	Serial uint16 `json:"serial,omitempty"`
}

// NewMessage builds a message whose Kind always matches its payload.
func NewMessage(deviceID string, payload Payload, ts time.Time) Message {
	if payload == nil {
		payload = Unknown{}
	}
	return Message{
		DeviceID:  deviceID,
		Kind:      payload.Kind(),
		Timestamp: ts,
		Payload:   payload,
	}
}

// Payload is the kind-specific body of a message. The set of
// implementations is closed: Login, Location, Heartbeat, Alarm, Status
// and Unknown.
type Payload interface {
	Kind() Kind
	payload()
}

// Login carries the handshake of a device.
type Login struct {
	IMEI     string `json:"imei,omitempty"`
	Model    string `json:"model,omitempty"`
	Firmware string `json:"firmware,omitempty"`
	AuthCode string `json:"auth_code,omitempty"`
}

// Location carries a position fix.
type Location struct {
	Fix        GPSLocation       `json:"fix"`
	Satellites int               `json:"satellites,omitempty"`
	Extras     map[string]string `json:"extras,omitempty"`
}

// Heartbeat is a keep-alive without body.
type Heartbeat struct{}

// Alarm carries a device-raised alarm and, when the device reported one,
// the position at which it fired.
type Alarm struct {
	Code     string        `json:"code"`
	Category AlarmCategory `json:"category"`
	Position *GPSLocation  `json:"position,omitempty"`
}

// Status carries device health fields. Negative numbers mean "not reported".
type Status struct {
	BatteryLevel int  `json:"battery_level"`
	GSMSignal    int  `json:"gsm_signal"`
	Ignition     bool `json:"ignition"`
	Charging     bool `json:"charging"`
	GPSTracking  bool `json:"gps_tracking"`
}

// Unknown is a frame whose format or message id is not recognised.
type Unknown struct {
	Code string `json:"code,omitempty"`
}

func (Login) Kind() Kind     { return KindLogin }
func (Location) Kind() Kind  { return KindLocation }
func (Heartbeat) Kind() Kind { return KindHeartbeat }
func (Alarm) Kind() Kind     { return KindAlarm }
func (Status) Kind() Kind    { return KindStatus }
func (Unknown) Kind() Kind   { return KindUnknown }

func (Login) payload()     {}
func (Location) payload()  {}
func (Heartbeat) payload() {}
func (Alarm) payload()     {}
func (Status) payload()    {}
func (Unknown) payload()   {}

// GPSLocation is a single position fix. Speed is km/h, heading degrees.
type GPSLocation struct {
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lon"`
	Speed     float64   `json:"speed"`
	Heading   float64   `json:"heading"`
	Altitude  *float64  `json:"altitude,omitempty"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Equal reports whether two fixes carry identical values.
func (l GPSLocation) Equal(o GPSLocation) bool {
	return l.Latitude == o.Latitude &&
		l.Longitude == o.Longitude &&
		l.Speed == o.Speed &&
		l.Heading == o.Heading &&
		floatPtrEqual(l.Altitude, o.Altitude) &&
		floatPtrEqual(l.Accuracy, o.Accuracy) &&
		l.Timestamp.Equal(o.Timestamp)
}

func floatPtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// AlarmCategory groups vendor alarm codes
type AlarmCategory string

// Alarm categories
const (
	AlarmSOS        AlarmCategory = "SOS"
	AlarmPowerCut   AlarmCategory = "POWER_CUT"
	AlarmLowBattery AlarmCategory = "LOW_BATTERY"
	AlarmVibration  AlarmCategory = "VIBRATION"
	AlarmOverspeed  AlarmCategory = "OVERSPEED"
	AlarmTamper     AlarmCategory = "TAMPER"
	AlarmGeofence   AlarmCategory = "GEOFENCE"
	AlarmOther      AlarmCategory = "OTHER"
)

// Command is a downlink instruction for a device.
type Command struct {
	Type   string            `json:"type"`
	Params map[string]string `json:"params"`
}

// Command types
const (
	CommandText = "TEXT"
)
