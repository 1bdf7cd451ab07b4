// GT06 protocol adapter.
// GT06 is the common Concox/overseas tracker protocol: 0x78 0x78 packets
// with a one byte length, 0x79 0x79 packets with a two byte length, both
// closed by 0x0D 0x0A and protected by CRC-ITU.

package adapter

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"fleetwatch/gateway/internal/protocol"
)

// GT06 protocol numbers
const (
	gt06Login        byte = 0x01
	gt06Location     byte = 0x12
	gt06Status       byte = 0x13
	gt06Alarm        byte = 0x16
	gt06LocationNew  byte = 0x22
	gt06Heartbeat    byte = 0x23
	gt06AlarmNew     byte = 0x26
	gt06OnlineCmd    byte = 0x80
	gt06Protocol          = "GT06"
	gt06ShortTrailer      = 6 // serial(2) crc(2) stop(2)
)

var gt06Stop = []byte{0x0D, 0x0A}

// GT06Adapter GT06 protocol adapter
type GT06Adapter struct {
	serial atomic.Uint32
}

// NewGT06Adapter creates a GT06 adapter
func NewGT06Adapter() *GT06Adapter {
	return &GT06Adapter{}
}

// Protocol returns protocol identifier
func (a *GT06Adapter) Protocol() string {
	return gt06Protocol
}

// Match reports a GT06 start marker (0x78 0x78 or 0x79 0x79)
func (a *GT06Adapter) Match(header []byte) bool {
	return len(header) >= 2 && (header[0] == 0x78 || header[0] == 0x79) && header[1] == header[0]
}

// Scan extracts one length-prefixed packet. Bytes before a start marker
// are discarded; stop bits are checked by Decode.
func (a *GT06Adapter) Scan(data []byte) ([]byte, []byte, error) {
	for len(data) > 0 {
		if !a.Match(data) {
			if len(data) == 1 && (data[0] == 0x78 || data[0] == 0x79) {
				return nil, data, nil
			}
			data = data[1:]
			continue
		}

		var total int
		if data[0] == 0x78 {
			if len(data) < 3 {
				return nil, data, nil
			}
			total = int(data[2]) + 5
		} else {
			if len(data) < 4 {
				return nil, data, nil
			}
			total = int(binary.BigEndian.Uint16(data[2:4])) + 6
		}

		if len(data) < total {
			return nil, data, nil
		}
		return data[:total], data[total:], nil
	}
	return nil, nil, nil
}

// Decode decodes a GT06 packet
func (a *GT06Adapter) Decode(packet []byte, receivedAt time.Time) (protocol.Message, error) {
	// 0x78 0x78 + len(1) + proto(1) + content(N) + serial(2) + crc(2) + 0x0D 0x0A
	if len(packet) < 10 || !a.Match(packet) {
		return protocol.Message{}, fmt.Errorf("%w: gt06 packet too short", protocol.ErrMalformedFrame)
	}
	if !bytes.HasSuffix(packet, gt06Stop) {
		return protocol.Message{}, fmt.Errorf("%w: gt06 stop bits missing", protocol.ErrMalformedFrame)
	}

	protoIdx := 3
	if packet[0] == 0x79 {
		protoIdx = 4
	}
	// Long packets need one more byte for the two byte length.
	if len(packet) < protoIdx+1+gt06ShortTrailer {
		return protocol.Message{}, fmt.Errorf("%w: gt06 packet too short", protocol.ErrMalformedFrame)
	}
	crcIdx := len(packet) - 4
	if crcITU(packet[2:crcIdx]) != binary.BigEndian.Uint16(packet[crcIdx:crcIdx+2]) {
		return protocol.Message{}, fmt.Errorf("%w: gt06 crc mismatch", protocol.ErrMalformedFrame)
	}

	protocolNum := packet[protoIdx]
	content := packet[protoIdx+1 : len(packet)-gt06ShortTrailer]
	serial := binary.BigEndian.Uint16(packet[len(packet)-gt06ShortTrailer:])

	var (
		deviceID string
		payload  protocol.Payload
		err      error
	)
	ts := receivedAt

	switch protocolNum {
	case gt06Login:
		if len(content) < 8 {
			return protocol.Message{}, fmt.Errorf("%w: gt06 login too short", protocol.ErrMalformedFrame)
		}
		// IMEI is BCD with one leading zero nibble
		deviceID = strings.TrimPrefix(bcdToString(content[:8]), "0")
		if deviceID == "" {
			return protocol.Message{}, fmt.Errorf("%w: gt06 login without imei", protocol.ErrMalformedFrame)
		}
		payload = protocol.Login{IMEI: deviceID}

	case gt06Location, gt06LocationNew:
		var loc protocol.Location
		loc, err = a.parseLocation(content)
		if err != nil {
			return protocol.Message{}, err
		}
		ts = loc.Fix.Timestamp
		payload = loc

	case gt06Status:
		payload, err = a.parseStatus(content)
		if err != nil {
			return protocol.Message{}, err
		}

	case gt06Heartbeat:
		payload = protocol.Heartbeat{}

	case gt06Alarm, gt06AlarmNew:
		var alarm protocol.Alarm
		alarm, err = a.parseAlarm(content)
		if err != nil {
			return protocol.Message{}, err
		}
		ts = alarm.Position.Timestamp
		payload = alarm

	default:
		payload = protocol.Unknown{Code: fmt.Sprintf("0x%02X", protocolNum)}
	}

	msg := protocol.NewMessage(deviceID, payload, ts)
	msg.ReceivedAt = receivedAt
	msg.Protocol = gt06Protocol
	msg.Raw = hex.EncodeToString(packet)
	msg.Code = uint16(protocolNum)
	msg.Serial = serial
	return msg, nil
}

// parseFix decodes datetime(6) gps(1) lat(4) lon(4) speed(1) course(2).
func (a *GT06Adapter) parseFix(content []byte) (protocol.GPSLocation, int, error) {
	if len(content) < 18 {
		return protocol.GPSLocation{}, 0, fmt.Errorf("%w: gt06 gps block too short", protocol.ErrMalformedFrame)
	}
	ts, err := a.parseDateTime(content[0:6])
	if err != nil {
		return protocol.GPSLocation{}, 0, err
	}

	satellites := int(content[6] & 0x0F)

	lat := float64(binary.BigEndian.Uint32(content[7:11])) / 1800000.0
	lon := float64(binary.BigEndian.Uint32(content[11:15])) / 1800000.0
	speed := float64(content[15])

	// Course/status: bit 10 north latitude, bit 11 west longitude
	courseStatus := binary.BigEndian.Uint16(content[16:18])
	if courseStatus&(1<<10) == 0 {
		lat = -lat
	}
	if courseStatus&(1<<11) != 0 {
		lon = -lon
	}

	return protocol.GPSLocation{
		Latitude:  lat,
		Longitude: lon,
		Speed:     speed,
		Heading:   float64(courseStatus & 0x3FF),
		Timestamp: ts,
	}, satellites, nil
}

func (a *GT06Adapter) parseLocation(content []byte) (protocol.Location, error) {
	fix, satellites, err := a.parseFix(content)
	if err != nil {
		return protocol.Location{}, err
	}
	return protocol.Location{Fix: fix, Satellites: satellites}, nil
}

func (a *GT06Adapter) parseStatus(content []byte) (protocol.Status, error) {
	if len(content) < 3 {
		return protocol.Status{}, fmt.Errorf("%w: gt06 status too short", protocol.ErrMalformedFrame)
	}
	return terminalStatus(content[0], content[1], content[2]), nil
}

func (a *GT06Adapter) parseAlarm(content []byte) (protocol.Alarm, error) {
	fix, _, err := a.parseFix(content)
	if err != nil {
		return protocol.Alarm{}, err
	}

	// LBS block length counts its own byte
	statusIdx := 19
	if len(content) > 18 && content[18] > 1 {
		statusIdx = 18 + int(content[18])
	}
	if len(content) < statusIdx+4 {
		return protocol.Alarm{}, fmt.Errorf("%w: gt06 alarm status too short", protocol.ErrMalformedFrame)
	}
	info := content[statusIdx]
	code := content[statusIdx+3]

	return protocol.Alarm{
		Code:     fmt.Sprintf("0x%02X", code),
		Category: gt06AlarmCategory(code, info),
		Position: &fix,
	}, nil
}

// terminalStatus maps terminal info, voltage level (0-6) and GSM level (0-4).
func terminalStatus(info, voltage, gsm byte) protocol.Status {
	battery := int(voltage) * 100 / 6
	if voltage > 6 {
		battery = -1
	}
	return protocol.Status{
		BatteryLevel: battery,
		GSMSignal:    int(gsm),
		Ignition:     info&0x02 != 0,
		Charging:     info&0x04 != 0,
		GPSTracking:  info&0x40 != 0,
	}
}

func gt06AlarmCategory(code, info byte) protocol.AlarmCategory {
	switch code {
	case 0x01:
		return protocol.AlarmSOS
	case 0x02:
		return protocol.AlarmPowerCut
	case 0x03:
		return protocol.AlarmVibration
	case 0x04, 0x05:
		return protocol.AlarmGeofence
	case 0x06:
		return protocol.AlarmOverspeed
	case 0x0E, 0x0F:
		return protocol.AlarmLowBattery
	case 0x13:
		return protocol.AlarmTamper
	case 0x00:
		// Older firmware only reports the alarm in terminal info bits 3-5
		switch (info >> 3) & 0x07 {
		case 0x04:
			return protocol.AlarmSOS
		case 0x03:
			return protocol.AlarmLowBattery
		case 0x02:
			return protocol.AlarmPowerCut
		case 0x01:
			return protocol.AlarmVibration
		}
	}
	return protocol.AlarmOther
}

// Reply echoes login, status, heartbeat and alarm packets. Location
// packets are not acknowledged.
func (a *GT06Adapter) Reply(msg protocol.Message) []byte {
	switch byte(msg.Code) {
	case gt06Login, gt06Status, gt06Heartbeat, gt06Alarm, gt06AlarmNew:
		if msg.Kind == protocol.KindUnknown {
			return nil
		}
		return buildGT06Packet(byte(msg.Code), nil, msg.Serial)
	}
	return nil
}

// Encode encodes GT06 downlink commands
func (a *GT06Adapter) Encode(cmd protocol.Command) ([]byte, error) {
	switch cmd.Type {
	case protocol.CommandText:
		text := cmd.Params["text"]
		// length(1) + server flag(4) + command
		body := make([]byte, 0, 5+len(text))
		body = append(body, byte(4+len(text)), 0, 0, 0, 0)
		body = append(body, text...)
		return buildGT06Packet(gt06OnlineCmd, body, uint16(a.serial.Add(1))), nil
	default:
		return nil, fmt.Errorf("%w: %s", protocol.ErrUnsupportedCommand, cmd.Type)
	}
}

// buildGT06Packet frames a short packet around protocol number and body.
func buildGT06Packet(protocolNum byte, body []byte, serial uint16) []byte {
	packet := make([]byte, 0, len(body)+10)
	packet = append(packet, 0x78, 0x78, byte(len(body)+5), protocolNum)
	packet = append(packet, body...)
	packet = binary.BigEndian.AppendUint16(packet, serial)
	packet = binary.BigEndian.AppendUint16(packet, crcITU(packet[2:]))
	return append(packet, gt06Stop...)
}

func (a *GT06Adapter) parseDateTime(data []byte) (time.Time, error) {
	// YY MM DD HH MM SS, UTC
	year := 2000 + int(data[0])
	month := time.Month(data[1])
	day := int(data[2])
	hour := int(data[3])
	minute := int(data[4])
	second := int(data[5])

	if month < 1 || month > 12 || day < 1 || day > 31 || hour > 23 || minute > 59 || second > 59 {
		return time.Time{}, fmt.Errorf("%w: gt06 bad datetime % x", protocol.ErrMalformedFrame, data)
	}
	return time.Date(year, month, day, hour, minute, second, 0, time.UTC), nil
}

// crcITU is CRC-16/X-25 as used by GT06.
func crcITU(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0x8408
			} else {
				crc >>= 1
			}
		}
	}
	return ^crc
}
