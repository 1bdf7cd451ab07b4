// Wialon IPS protocol adapter.
// Wialon IPS is the generic text protocol of the Wialon platform: one
// packet per line, "#TYPE#field;field;..." terminated by \r\n.

package adapter

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"fleetwatch/gateway/internal/protocol"
)

// Packet type codes stored in Message.Code
const (
	wialonUnknown uint16 = iota
	wialonLogin
	wialonShortData
	wialonData
	wialonPing

	wialonProtocol = "WIALON"
	wialonNA       = "NA"
)

// WialonAdapter Wialon IPS protocol adapter
type WialonAdapter struct{}

// NewWialonAdapter creates a Wialon adapter
func NewWialonAdapter() *WialonAdapter {
	return &WialonAdapter{}
}

// Protocol returns protocol identifier
func (a *WialonAdapter) Protocol() string {
	return wialonProtocol
}

// Match reports a Wialon packet start ('#')
func (a *WialonAdapter) Match(header []byte) bool {
	return len(header) > 0 && header[0] == '#'
}

// Scan returns the next non-empty line without its terminator.
func (a *WialonAdapter) Scan(data []byte) ([]byte, []byte, error) {
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			return nil, data, nil
		}
		line := bytes.TrimRight(data[:i], "\r")
		data = data[i+1:]
		if len(line) > 0 {
			return line, data, nil
		}
	}
}

// Decode decodes a Wialon packet
func (a *WialonAdapter) Decode(packet []byte, receivedAt time.Time) (protocol.Message, error) {
	line := strings.TrimSpace(string(packet))

	var (
		deviceID string
		payload  protocol.Payload
		code     = wialonUnknown
		ts       = receivedAt
	)

	packetType, body, ok := splitWialon(line)
	switch {
	case !ok:
		payload = protocol.Unknown{Code: "TEXT"}

	case packetType == "L":
		code = wialonLogin
		login, err := a.parseLogin(body)
		if err != nil {
			return protocol.Message{}, err
		}
		deviceID = login.IMEI
		payload = login

	case packetType == "SD":
		code = wialonShortData
		loc, err := a.parseShortData(strings.Split(body, ";"), receivedAt)
		if err != nil {
			return protocol.Message{}, err
		}
		ts = loc.Fix.Timestamp
		payload = loc

	case packetType == "D":
		code = wialonData
		p, err := a.parseData(body, receivedAt)
		if err != nil {
			return protocol.Message{}, err
		}
		switch v := p.(type) {
		case protocol.Location:
			ts = v.Fix.Timestamp
		case protocol.Alarm:
			ts = v.Position.Timestamp
		}
		payload = p

	case packetType == "P":
		code = wialonPing
		payload = protocol.Heartbeat{}

	default:
		// #B# batches and #M# messages are not unpacked
		payload = protocol.Unknown{Code: packetType}
	}

	msg := protocol.NewMessage(deviceID, payload, ts)
	msg.ReceivedAt = receivedAt
	msg.Protocol = wialonProtocol
	msg.Raw = line
	msg.Code = code
	return msg, nil
}

// splitWialon splits "#TYPE#body" into its type and body.
func splitWialon(line string) (string, string, bool) {
	if !strings.HasPrefix(line, "#") {
		return "", "", false
	}
	end := strings.IndexByte(line[1:], '#')
	if end <= 0 {
		return "", "", false
	}
	return line[1 : end+1], line[end+2:], true
}

func (a *WialonAdapter) parseLogin(body string) (protocol.Login, error) {
	// v1.1: imei;password   v2.0: 2.0;imei;password;crc16
	parts := strings.Split(body, ";")
	if len(parts) >= 3 && parts[0] == "2.0" {
		parts = parts[1:]
	}

	login := protocol.Login{IMEI: strings.TrimSpace(parts[0])}
	if len(parts) > 1 && parts[1] != wialonNA {
		login.AuthCode = parts[1]
	}
	if login.IMEI == "" {
		return protocol.Login{}, fmt.Errorf("%w: wialon login without imei", protocol.ErrMalformedFrame)
	}
	return login, nil
}

// parseShortData decodes date;time;lat1;lat2;lon1;lon2;speed;course;alt;sats.
func (a *WialonAdapter) parseShortData(fields []string, receivedAt time.Time) (protocol.Location, error) {
	if len(fields) < 10 {
		return protocol.Location{}, fmt.Errorf("%w: wialon data has %d fields", protocol.ErrMalformedFrame, len(fields))
	}

	ts, err := a.parseDateTime(fields[0], fields[1], receivedAt)
	if err != nil {
		return protocol.Location{}, err
	}
	lat, err := a.parseCoord(fields[2], fields[3], "S")
	if err != nil {
		return protocol.Location{}, err
	}
	lon, err := a.parseCoord(fields[4], fields[5], "W")
	if err != nil {
		return protocol.Location{}, err
	}

	fix := protocol.GPSLocation{
		Latitude:  lat,
		Longitude: lon,
		Speed:     parseFloatNA(fields[6]),
		Heading:   parseFloatNA(fields[7]),
		Timestamp: ts,
	}
	if fields[8] != wialonNA {
		if alt, err := strconv.ParseFloat(fields[8], 64); err == nil {
			fix.Altitude = &alt
		}
	}

	sats, _ := strconv.Atoi(fields[9])
	return protocol.Location{Fix: fix, Satellites: sats}, nil
}

// parseData decodes a full data packet: the short data fields followed by
// hdop;inputs;outputs;adc;ibutton;params. An SOS or alarm parameter turns
// the packet into an alarm.
func (a *WialonAdapter) parseData(body string, receivedAt time.Time) (protocol.Payload, error) {
	fields := strings.Split(body, ";")
	loc, err := a.parseShortData(fields, receivedAt)
	if err != nil {
		return nil, err
	}

	if len(fields) > 10 && fields[10] != wialonNA {
		if hdop, err := strconv.ParseFloat(fields[10], 64); err == nil {
			loc.Fix.Accuracy = &hdop
		}
	}

	extras := make(map[string]string)
	for i, name := range []string{"inputs", "outputs", "adc", "ibutton"} {
		if idx := 11 + i; len(fields) > idx && fields[idx] != wialonNA && fields[idx] != "" {
			extras[name] = fields[idx]
		}
	}

	var alarm *protocol.Alarm
	if len(fields) > 15 && fields[15] != wialonNA {
		for _, param := range strings.Split(fields[15], ",") {
			// name:type:value
			kv := strings.SplitN(param, ":", 3)
			if len(kv) != 3 {
				continue
			}
			name, value := kv[0], kv[2]
			extras[name] = value

			switch strings.ToLower(name) {
			case "sos":
				if value == "1" {
					alarm = &protocol.Alarm{Code: "SOS", Category: protocol.AlarmSOS}
				}
			case "alarm":
				if alarm == nil && value != "" && value != "0" {
					alarm = &protocol.Alarm{Code: value, Category: wialonAlarmCategory(value)}
				}
			}
		}
	}

	if alarm != nil {
		fix := loc.Fix
		alarm.Position = &fix
		return *alarm, nil
	}
	if len(extras) > 0 {
		loc.Extras = extras
	}
	return loc, nil
}

func wialonAlarmCategory(value string) protocol.AlarmCategory {
	switch strings.ToLower(value) {
	case "sos", "panic":
		return protocol.AlarmSOS
	case "power_cut", "powercut", "power":
		return protocol.AlarmPowerCut
	case "low_battery", "lowbattery":
		return protocol.AlarmLowBattery
	case "vibration", "shock":
		return protocol.AlarmVibration
	case "overspeed", "speeding":
		return protocol.AlarmOverspeed
	case "tamper":
		return protocol.AlarmTamper
	case "geofence":
		return protocol.AlarmGeofence
	}
	return protocol.AlarmOther
}

// Reply acknowledges every recognised packet type
func (a *WialonAdapter) Reply(msg protocol.Message) []byte {
	switch msg.Code {
	case wialonLogin:
		return []byte("#AL#1\r\n")
	case wialonShortData:
		return []byte("#ASD#1\r\n")
	case wialonData:
		return []byte("#AD#1\r\n")
	case wialonPing:
		return []byte("#AP#\r\n")
	}
	return nil
}

// Encode encodes Wialon downlink commands
func (a *WialonAdapter) Encode(cmd protocol.Command) ([]byte, error) {
	switch cmd.Type {
	case protocol.CommandText:
		return []byte("#M#" + cmd.Params["text"] + "\r\n"), nil
	default:
		return nil, fmt.Errorf("%w: %s", protocol.ErrUnsupportedCommand, cmd.Type)
	}
}

// helpers

func (a *WialonAdapter) parseDateTime(date, clock string, receivedAt time.Time) (time.Time, error) {
	// DDMMYY;HHMMSS, UTC
	if date == wialonNA || clock == wialonNA {
		return receivedAt, nil
	}
	t, err := time.ParseInLocation("020106150405", date+clock, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: wialon bad datetime %s;%s", protocol.ErrMalformedFrame, date, clock)
	}
	return t, nil
}

func (a *WialonAdapter) parseCoord(value, hemisphere, negative string) (float64, error) {
	if value == wialonNA || value == "" {
		return 0, fmt.Errorf("%w: wialon packet without position", protocol.ErrMalformedFrame)
	}
	coord, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: wialon bad coordinate %q", protocol.ErrMalformedFrame, value)
	}
	coord = a.convertCoord(coord)
	if hemisphere == negative {
		coord = -coord
	}
	return coord, nil
}

func (a *WialonAdapter) convertCoord(coord float64) float64 {
	// DDMM.MMMM to degrees
	degrees := float64(int(coord / 100))
	minutes := coord - degrees*100
	return degrees + minutes/60
}

func parseFloatNA(value string) float64 {
	if value == wialonNA {
		return 0
	}
	f, _ := strconv.ParseFloat(value, 64)
	return f
}
