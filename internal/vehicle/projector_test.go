package vehicle

import (
	"sync"
	"testing"
	"time"

	"fleetwatch/gateway/internal/broadcast"
	"fleetwatch/gateway/internal/protocol"
)

type recorder struct {
	mu     sync.Mutex
	events []broadcast.Event
}

func (r *recorder) Publish(e broadcast.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) count(t broadcast.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

var t1 = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

func location(device string, lat, lon, speed float64, ts time.Time) protocol.Message {
	return protocol.NewMessage(device, protocol.Location{Fix: protocol.GPSLocation{
		Latitude: lat, Longitude: lon, Speed: speed, Timestamp: ts,
	}}, ts)
}

func TestStaleFixRejected(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	p := NewProjector(Options{}, rec)

	p.Apply(protocol.NewMessage("DEV001", protocol.Login{}, t1.Add(-time.Hour)))
	if res := p.Apply(location("DEV001", -23.55, -46.63, 65, t1)); !res.Applied {
		t.Fatalf("first fix not applied: %+v", res)
	}
	res := p.Apply(location("DEV001", -23.60, -46.70, 0, t1.Add(-time.Minute)))
	if !res.Stale || res.Applied {
		t.Fatalf("older fix result = %+v, want stale", res)
	}

	v, ok := p.Vehicle("DEV001")
	if !ok {
		t.Fatal("vehicle missing")
	}
	if v.Speed != 65 || !v.Moving {
		t.Errorf("speed = %v moving = %v, want 65 moving", v.Speed, v.Moving)
	}
	if v.Location.Latitude != -23.55 || !v.Location.Timestamp.Equal(t1) {
		t.Errorf("location = %+v", v.Location)
	}
	if !v.LastUpdate.Equal(t1) {
		t.Errorf("last update = %v, want %v", v.LastUpdate, t1)
	}
	if got := rec.count(broadcast.EventVehicleUpdated); got != 1 {
		t.Errorf("vehicle events = %d, want 1", got)
	}
}

func TestEqualTimestampOverwrites(t *testing.T) {
	t.Parallel()

	p := NewProjector(Options{}, &recorder{})
	p.Apply(location("DEV001", -23.55, -46.63, 65, t1))
	res := p.Apply(location("DEV001", -23.5501, -46.6301, 64, t1))
	if !res.Applied || res.Duplicate {
		t.Fatalf("result = %+v, want applied refinement", res)
	}
	if v, _ := p.Vehicle("DEV001"); v.Speed != 64 {
		t.Errorf("speed = %v, want 64", v.Speed)
	}
}

func TestReplayedFixNotifiesOnce(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	p := NewProjector(Options{}, rec)
	msg := location("DEV001", -23.55, -46.63, 65, t1)

	p.Apply(msg)
	before, _ := p.Vehicle("DEV001")
	res := p.Apply(msg)
	after, _ := p.Vehicle("DEV001")

	if !res.Duplicate {
		t.Errorf("replay result = %+v, want duplicate", res)
	}
	if before.Speed != after.Speed || !before.LastUpdate.Equal(after.LastUpdate) || !before.Location.Equal(*after.Location) {
		t.Errorf("state changed on replay: %+v -> %+v", before, after)
	}
	if got := rec.count(broadcast.EventVehicleUpdated); got != 1 {
		t.Errorf("vehicle events = %d, want 1", got)
	}

	rec2 := &recorder{}
	p2 := NewProjector(Options{NotifyDuplicates: true}, rec2)
	p2.Apply(msg)
	p2.Apply(msg)
	if got := rec2.count(broadcast.EventVehicleUpdated); got != 2 {
		t.Errorf("vehicle events with duplicates = %d, want 2", got)
	}
}

func TestAlarmRaisesAlert(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	p := NewProjector(Options{Roster: []Profile{{ID: "VH-7", DeviceID: "DEV001", Name: "Truck 7", Plate: "ABC-1234"}}}, rec)
	p.Apply(location("DEV001", -23.55, -46.63, 65, t1))

	pos := protocol.GPSLocation{Latitude: -1, Longitude: -1, Timestamp: t1.Add(time.Minute)}
	res := p.Apply(protocol.NewMessage("DEV001", protocol.Alarm{Code: "0x02", Category: protocol.AlarmPowerCut, Position: &pos}, pos.Timestamp))
	if res.Alert == nil {
		t.Fatal("no alert")
	}
	if res.Alert.Severity != broadcast.SeverityHigh || res.Alert.VehicleID != "VH-7" {
		t.Errorf("alert = %+v", res.Alert)
	}

	v, _ := p.Vehicle("VH-7")
	if v.Status != StatusMaintenance {
		t.Errorf("status = %s, want maintenance", v.Status)
	}
	if v.Location.Latitude != -23.55 {
		t.Errorf("alarm moved location to %v", v.Location.Latitude)
	}
	if v.Name != "Truck 7" || v.Plate != "ABC-1234" {
		t.Errorf("profile not applied: %+v", v)
	}
	if rec.count(broadcast.EventAlertRaised) != 1 {
		t.Errorf("alert events = %d, want 1", rec.count(broadcast.EventAlertRaised))
	}

	// Maintenance survives traffic and disconnection.
	p.Apply(protocol.NewMessage("DEV001", protocol.Heartbeat{}, t1.Add(2*time.Minute)))
	p.MarkOffline("DEV001")
	if v, _ := p.Vehicle("DEV001"); v.Status != StatusMaintenance || v.Online {
		t.Errorf("status = %s online = %v", v.Status, v.Online)
	}
}

func TestHeartbeatAndStatusKeepLocation(t *testing.T) {
	t.Parallel()

	p := NewProjector(Options{}, &recorder{})
	p.Apply(location("DEV003", 10, 20, 0, t1))
	p.Apply(protocol.NewMessage("DEV003", protocol.Heartbeat{}, t1.Add(time.Minute)))
	p.Apply(protocol.NewMessage("DEV003", protocol.Status{BatteryLevel: 80, GSMSignal: 3, Ignition: true}, t1.Add(-time.Hour)))

	v, _ := p.Vehicle("DEV003")
	if v.Location.Latitude != 10 || v.Moving {
		t.Errorf("location = %+v moving %v", v.Location, v.Moving)
	}
	if !v.LastUpdate.Equal(t1.Add(time.Minute)) {
		t.Errorf("last update = %v, want non-decreasing %v", v.LastUpdate, t1.Add(time.Minute))
	}
	if v.Telemetry == nil || v.Telemetry.BatteryLevel != 80 {
		t.Errorf("telemetry = %+v", v.Telemetry)
	}
	if v.Status != StatusActive || !v.Online {
		t.Errorf("status = %s online = %v", v.Status, v.Online)
	}

	p.MarkOffline("DEV003")
	if v, _ := p.Vehicle("DEV003"); v.Status != StatusInactive {
		t.Errorf("status after offline = %s, want inactive", v.Status)
	}
	if len(p.Vehicles()) != 1 {
		t.Errorf("vehicles = %d, want 1", len(p.Vehicles()))
	}
}
