package vehicle

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"fleetwatch/gateway/internal/broadcast"
	"fleetwatch/gateway/internal/protocol"
)

// DefaultMovingThreshold is the speed in km/h above which a vehicle moves
const DefaultMovingThreshold = 0.5

// Options configures a Projector
type Options struct {
	// MovingThreshold in km/h; zero uses DefaultMovingThreshold.
	MovingThreshold float64
	// NotifyDuplicates re-publishes fixes identical to the stored one.
	NotifyDuplicates bool
	// Roster supplies names and plates for known devices.
	Roster []Profile
	Now    func() time.Time
}

// Result tells the caller what Apply did with a message
type Result struct {
	Applied   bool
	Stale     bool
	Duplicate bool
	Alert     *broadcast.Alert
}

// Projector folds classified messages into vehicle snapshots. It is the
// only writer of Vehicle state.
type Projector struct {
	opts      Options
	publisher broadcast.Publisher

	mu       sync.Mutex
	byDevice map[string]*Vehicle
	profiles map[string]Profile
}

// NewProjector creates a projector publishing to p
func NewProjector(opts Options, p broadcast.Publisher) *Projector {
	if opts.MovingThreshold <= 0 {
		opts.MovingThreshold = DefaultMovingThreshold
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	profiles := make(map[string]Profile, len(opts.Roster))
	for _, prof := range opts.Roster {
		profiles[prof.DeviceID] = prof
	}
	return &Projector{
		opts:      opts,
		publisher: p,
		byDevice:  make(map[string]*Vehicle),
		profiles:  profiles,
	}
}

// Apply folds msg into the vehicle of msg.DeviceID
func (p *Projector) Apply(msg protocol.Message) Result {
	if msg.DeviceID == "" {
		return Result{}
	}

	var (
		res    Result
		events []broadcast.Event
	)

	p.mu.Lock()
	v := p.vehicleLocked(msg.DeviceID)

	switch pl := msg.Payload.(type) {
	case protocol.Location:
		fix := pl.Fix
		if v.Location != nil && fix.Timestamp.Before(v.Location.Timestamp) {
			res.Stale = true
			break
		}
		res.Duplicate = v.Location != nil && v.Location.Equal(fix)
		res.Applied = true

		v.Location = &fix
		v.Speed = fix.Speed
		v.Moving = fix.Speed > p.opts.MovingThreshold
		v.Online = true
		p.wakeLocked(v)
		p.touchLocked(v, fix.Timestamp)

		if !res.Duplicate || p.opts.NotifyDuplicates {
			events = append(events, p.updateEventLocked(v))
		}

	case protocol.Alarm:
		res.Applied = true
		alert := p.alertLocked(v, msg, pl)
		res.Alert = &alert
		v.Online = true
		switch pl.Category {
		case protocol.AlarmPowerCut, protocol.AlarmTamper:
			if v.Status != StatusMaintenance {
				v.Status = StatusMaintenance
				events = append(events, p.updateEventLocked(v))
			}
		default:
			p.wakeLocked(v)
		}
		p.touchLocked(v, msg.Timestamp)
		events = append(events, broadcast.Event{
			Type:      broadcast.EventAlertRaised,
			DeviceID:  v.DeviceID,
			Alert:     &alert,
			Timestamp: alert.CreatedAt,
		})

	case protocol.Status:
		res.Applied = true
		v.Telemetry = &Telemetry{
			BatteryLevel: pl.BatteryLevel,
			GSMSignal:    pl.GSMSignal,
			Ignition:     pl.Ignition,
			Charging:     pl.Charging,
		}
		v.Online = true
		p.wakeLocked(v)
		p.touchLocked(v, msg.Timestamp)

	case protocol.Heartbeat, protocol.Login:
		res.Applied = true
		v.Online = true
		p.wakeLocked(v)
		p.touchLocked(v, msg.Timestamp)
	}
	p.mu.Unlock()

	for _, e := range events {
		p.publisher.Publish(e)
	}
	return res
}

// MarkOffline records that the device lost its connection
func (p *Projector) MarkOffline(deviceID string) {
	p.mu.Lock()
	v, ok := p.byDevice[deviceID]
	if !ok || !v.Online {
		p.mu.Unlock()
		return
	}
	v.Online = false
	v.Moving = false
	if v.Status == StatusActive {
		v.Status = StatusInactive
	}
	e := p.updateEventLocked(v)
	p.mu.Unlock()

	p.publisher.Publish(e)
}

// Vehicle returns a snapshot by vehicle or device identifier
func (p *Projector) Vehicle(id string) (Vehicle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v, ok := p.byDevice[id]; ok {
		return v.clone(), true
	}
	for _, v := range p.byDevice {
		if v.ID == id {
			return v.clone(), true
		}
	}
	return Vehicle{}, false
}

// Vehicles returns snapshots of all known vehicles ordered by identifier
func (p *Projector) Vehicles() []Vehicle {
	p.mu.Lock()
	out := make([]Vehicle, 0, len(p.byDevice))
	for _, v := range p.byDevice {
		out = append(out, v.clone())
	}
	p.mu.Unlock()

	slices.SortFunc(out, func(a, b Vehicle) int { return strings.Compare(a.ID, b.ID) })
	return out
}

func (p *Projector) vehicleLocked(deviceID string) *Vehicle {
	if v, ok := p.byDevice[deviceID]; ok {
		return v
	}
	v := &Vehicle{ID: deviceID, DeviceID: deviceID, Name: deviceID, Status: StatusInactive}
	if prof, ok := p.profiles[deviceID]; ok {
		if prof.ID != "" {
			v.ID = prof.ID
		}
		if prof.Name != "" {
			v.Name = prof.Name
		}
		v.Plate = prof.Plate
		v.Model = prof.Model
	}
	p.byDevice[deviceID] = v
	return v
}

// wakeLocked moves an inactive vehicle to active; maintenance is kept
// until cleared by an operator.
func (p *Projector) wakeLocked(v *Vehicle) {
	if v.Status == StatusInactive {
		v.Status = StatusActive
	}
}

// touchLocked advances LastUpdate, never backwards
func (p *Projector) touchLocked(v *Vehicle, ts time.Time) {
	if ts.After(v.LastUpdate) {
		v.LastUpdate = ts
	}
}

func (p *Projector) updateEventLocked(v *Vehicle) broadcast.Event {
	var loc *protocol.GPSLocation
	if v.Location != nil {
		l := *v.Location
		loc = &l
	}
	return broadcast.Event{
		Type:     broadcast.EventVehicleUpdated,
		DeviceID: v.DeviceID,
		Vehicle: &broadcast.VehicleUpdate{
			DeviceID:  v.DeviceID,
			VehicleID: v.ID,
			Location:  loc,
			Status:    string(v.Status),
			Speed:     v.Speed,
			Moving:    v.Moving,
			Online:    v.Online,
		},
		Timestamp: p.opts.Now(),
	}
}

func (p *Projector) alertLocked(v *Vehicle, msg protocol.Message, alarm protocol.Alarm) broadcast.Alert {
	var pos *protocol.GPSLocation
	if alarm.Position != nil {
		l := *alarm.Position
		pos = &l
	}
	category := alarm.Category
	if category == "" {
		category = protocol.AlarmOther
	}
	return broadcast.Alert{
		ID:         uuid.NewString(),
		DeviceID:   v.DeviceID,
		VehicleID:  v.ID,
		Type:       category,
		Code:       alarm.Code,
		Severity:   severity(category),
		Message:    fmt.Sprintf("%s alarm from %s", strings.ToLower(strings.ReplaceAll(string(category), "_", " ")), v.Name),
		Position:   pos,
		OccurredAt: msg.Timestamp,
		CreatedAt:  p.opts.Now(),
	}
}

func severity(c protocol.AlarmCategory) broadcast.Severity {
	switch c {
	case protocol.AlarmSOS:
		return broadcast.SeverityCritical
	case protocol.AlarmPowerCut, protocol.AlarmTamper:
		return broadcast.SeverityHigh
	case protocol.AlarmOverspeed, protocol.AlarmGeofence, protocol.AlarmLowBattery:
		return broadcast.SeverityMedium
	}
	return broadcast.SeverityLow
}
