package adapter

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"fleetwatch/gateway/internal/protocol"
)

const (
	// JT808 protocol constants
	JT808Header byte = 0x7E

	// Message IDs
	MsgIDTerminalAuth     uint16 = 0x0102
	MsgIDLocationReport   uint16 = 0x0200
	MsgIDHeartbeat        uint16 = 0x0002
	MsgIDTerminalRegister uint16 = 0x0100

	// Server response IDs
	MsgIDPlatformGeneralAck uint16 = 0x8001
	MsgIDRegisterResponse   uint16 = 0x8100
	MsgIDTextMessage        uint16 = 0x8300

	jt808Protocol = "JT808"
)

// Body property bits
const (
	jt808LengthMask  uint16 = 0x03FF
	jt808Subpackage  uint16 = 0x2000
	jt808VersionFlag uint16 = 0x4000
)

// Location status bits
const (
	jt808StatusFixed uint32 = 1 << 1
	jt808StatusSouth uint32 = 1 << 2
	jt808StatusWest  uint32 = 1 << 3
)

// Terminal time is GMT+8 by the standard.
var jt808Zone = time.FixedZone("GMT+8", 8*3600)

// JT808Adapter implements ProtocolAdapter for JT/T 808 (2013 and 2019 headers)
type JT808Adapter struct {
	serial atomic.Uint32
}

// NewJT808Adapter creates a new JT808 adapter
func NewJT808Adapter() *JT808Adapter {
	return &JT808Adapter{}
}

// Protocol returns protocol identifier
func (j *JT808Adapter) Protocol() string {
	return jt808Protocol
}

// Scan extracts one 0x7E delimited packet. Bytes before the start marker
// are discarded.
func (j *JT808Adapter) Scan(data []byte) ([]byte, []byte, error) {
	for {
		startIdx := bytes.IndexByte(data, JT808Header)
		if startIdx == -1 {
			return nil, nil, nil
		}
		data = data[startIdx:]

		endIdx := bytes.IndexByte(data[1:], JT808Header)
		if endIdx == -1 {
			return nil, data, nil
		}
		endIdx++

		if endIdx == 1 {
			// 0x7E 0x7E: end marker of a lost frame followed by a start.
			data = data[1:]
			continue
		}
		return data[:endIdx+1], data[endIdx+1:], nil
	}
}

type jt808Header struct {
	msgID   uint16
	props   uint16
	phone   string
	serial  uint16
	version byte
}

// Decode translates JT808 packet to standard message
func (j *JT808Adapter) Decode(packet []byte, receivedAt time.Time) (protocol.Message, error) {
	if len(packet) < 15 || packet[0] != JT808Header || packet[len(packet)-1] != JT808Header {
		return protocol.Message{}, fmt.Errorf("%w: jt808 packet too short or unframed", protocol.ErrMalformedFrame)
	}

	// Remove start/end markers, then unescape
	content := j.unescape(packet[1 : len(packet)-1])

	if !j.verifyChecksum(content) {
		return protocol.Message{}, fmt.Errorf("%w: jt808 checksum mismatch", protocol.ErrMalformedFrame)
	}
	content = content[:len(content)-1]

	hdr, body, err := j.parseHeader(content)
	if err != nil {
		return protocol.Message{}, err
	}
	if strings.Trim(hdr.phone, "0") == "" {
		return protocol.Message{}, fmt.Errorf("%w: jt808 terminal phone missing", protocol.ErrMalformedFrame)
	}

	var payload protocol.Payload
	ts := receivedAt

	switch hdr.msgID {
	case MsgIDTerminalRegister:
		payload = j.parseRegister(body)

	case MsgIDTerminalAuth:
		payload = j.parseAuth(body, hdr.version != 0)

	case MsgIDHeartbeat:
		payload = protocol.Heartbeat{}

	case MsgIDLocationReport:
		payload, err = j.parseLocation(body)
		if err != nil {
			return protocol.Message{}, err
		}
		switch p := payload.(type) {
		case protocol.Location:
			ts = p.Fix.Timestamp
		case protocol.Alarm:
			ts = p.Position.Timestamp
		}

	default:
		payload = protocol.Unknown{Code: fmt.Sprintf("0x%04X", hdr.msgID)}
	}

	msg := protocol.NewMessage(hdr.phone, payload, ts)
	msg.ReceivedAt = receivedAt
	msg.Protocol = jt808Protocol
	msg.Raw = hex.EncodeToString(packet)
	msg.Code = hdr.msgID
	msg.Serial = hdr.serial
	return msg, nil
}

func (j *JT808Adapter) parseHeader(content []byte) (jt808Header, []byte, error) {
	var hdr jt808Header
	if len(content) < 12 {
		return hdr, nil, fmt.Errorf("%w: jt808 header too short", protocol.ErrMalformedFrame)
	}
	hdr.msgID = binary.BigEndian.Uint16(content[0:2])
	hdr.props = binary.BigEndian.Uint16(content[2:4])

	offset := 4
	phoneLen := 6
	if hdr.props&jt808VersionFlag != 0 {
		hdr.version = content[offset]
		offset++
		phoneLen = 10
	}
	if len(content) < offset+phoneLen+2 {
		return hdr, nil, fmt.Errorf("%w: jt808 header too short", protocol.ErrMalformedFrame)
	}
	hdr.phone = bcdToString(content[offset : offset+phoneLen])
	offset += phoneLen
	hdr.serial = binary.BigEndian.Uint16(content[offset : offset+2])
	offset += 2
	if hdr.props&jt808Subpackage != 0 {
		offset += 4
	}

	bodyLen := int(hdr.props & jt808LengthMask)
	if len(content) != offset+bodyLen {
		return hdr, nil, fmt.Errorf("%w: jt808 body length %d, have %d", protocol.ErrMalformedFrame, bodyLen, len(content)-offset)
	}
	return hdr, content[offset:], nil
}

func (j *JT808Adapter) parseRegister(body []byte) protocol.Login {
	login := protocol.Login{}
	switch {
	case len(body) >= 37: // 2013: model 20 bytes, terminal id 7 bytes
		login.Model = cString(body[9:29])
		login.IMEI = cString(body[29:36])
	case len(body) >= 24: // 2011: model 8 bytes
		login.Model = cString(body[9:17])
		login.IMEI = cString(body[17:24])
	}
	return login
}

func (j *JT808Adapter) parseAuth(body []byte, v2019 bool) protocol.Login {
	if !v2019 {
		return protocol.Login{AuthCode: cString(body)}
	}
	// 2019: code length, code, IMEI(15), firmware version(20)
	login := protocol.Login{}
	if len(body) == 0 {
		return login
	}
	n := int(body[0])
	if len(body) < 1+n {
		return login
	}
	login.AuthCode = string(body[1 : 1+n])
	rest := body[1+n:]
	if len(rest) >= 15 {
		login.IMEI = cString(rest[:15])
		login.Firmware = cString(rest[15:])
	}
	return login
}

func (j *JT808Adapter) parseLocation(body []byte) (protocol.Payload, error) {
	if len(body) < 28 {
		return nil, fmt.Errorf("%w: jt808 location body too short", protocol.ErrMalformedFrame)
	}

	alarmFlag := binary.BigEndian.Uint32(body[0:4])
	status := binary.BigEndian.Uint32(body[4:8])

	// Latitude/longitude in 1/1000000 degree, hemisphere in status bits
	lat := float64(binary.BigEndian.Uint32(body[8:12])) / 1000000.0
	lon := float64(binary.BigEndian.Uint32(body[12:16])) / 1000000.0
	if status&jt808StatusSouth != 0 {
		lat = -lat
	}
	if status&jt808StatusWest != 0 {
		lon = -lon
	}

	altitude := float64(binary.BigEndian.Uint16(body[16:18]))
	speed := float64(binary.BigEndian.Uint16(body[18:20])) / 10.0
	direction := float64(binary.BigEndian.Uint16(body[20:22]))

	gpsTime, err := parseBCDTime(body[22:28])
	if err != nil {
		return nil, err
	}

	fix := protocol.GPSLocation{
		Latitude:  lat,
		Longitude: lon,
		Speed:     speed,
		Heading:   direction,
		Altitude:  &altitude,
		Timestamp: gpsTime,
	}

	loc := protocol.Location{
		Fix: fix,
		Extras: map[string]string{
			"acc_on":         strconv.FormatBool(status&0x1 != 0),
			"location_valid": strconv.FormatBool(status&jt808StatusFixed != 0),
		},
	}
	if len(body) > 28 {
		j.parseLocationExtras(body[28:], &loc)
	}

	if alarmFlag != 0 {
		return protocol.Alarm{
			Code:     fmt.Sprintf("0x%08X", alarmFlag),
			Category: jt808AlarmCategory(alarmFlag),
			Position: &fix,
		}, nil
	}
	return loc, nil
}

func (j *JT808Adapter) parseLocationExtras(data []byte, loc *protocol.Location) {
	for len(data) >= 2 {
		id := data[0]
		length := int(data[1])
		if len(data) < 2+length {
			break
		}
		value := data[2 : 2+length]

		switch id {
		case 0x01: // Mileage (4 bytes, 0.1 km)
			if length >= 4 {
				mileage := binary.BigEndian.Uint32(value[0:4])
				loc.Extras["mileage"] = strconv.FormatFloat(float64(mileage)/10.0, 'f', 1, 64)
			}
		case 0x02: // Fuel (2 bytes, 0.1 L)
			if length >= 2 {
				fuel := binary.BigEndian.Uint16(value[0:2])
				loc.Extras["fuel"] = strconv.FormatFloat(float64(fuel)/10.0, 'f', 1, 64)
			}
		case 0x30: // Signal strength
			if length >= 1 {
				loc.Extras["signal_strength"] = strconv.Itoa(int(value[0]))
			}
		case 0x31: // GNSS satellites
			if length >= 1 {
				loc.Satellites = int(value[0])
			}
		}

		data = data[2+length:]
	}
}

// jt808AlarmCategory picks the most severe category among the set bits.
func jt808AlarmCategory(flag uint32) protocol.AlarmCategory {
	switch {
	case flag&(1<<0) != 0:
		return protocol.AlarmSOS
	case flag&(1<<8) != 0:
		return protocol.AlarmPowerCut
	case flag&(1<<7) != 0:
		return protocol.AlarmLowBattery
	case flag&(1<<1) != 0:
		return protocol.AlarmOverspeed
	case flag&(1<<20|1<<21) != 0:
		return protocol.AlarmGeofence
	case flag&(1<<29|1<<30) != 0:
		return protocol.AlarmVibration
	case flag&(1<<27|1<<28) != 0:
		return protocol.AlarmTamper
	}
	return protocol.AlarmOther
}

// Reply acknowledges every recognised uplink with a general ack, and
// registration with a registration response carrying an auth code.
func (j *JT808Adapter) Reply(msg protocol.Message) []byte {
	if msg.Kind == protocol.KindUnknown {
		return nil
	}
	if msg.Code == MsgIDTerminalRegister {
		body := make([]byte, 3, 3+len(msg.DeviceID))
		binary.BigEndian.PutUint16(body[0:2], msg.Serial)
		body[2] = 0 // success
		body = append(body, msg.DeviceID...)
		return j.buildPacket(MsgIDRegisterResponse, msg.DeviceID, body)
	}

	// Original Serial + Original MsgID + Result(0)
	body := make([]byte, 5)
	binary.BigEndian.PutUint16(body[0:2], msg.Serial)
	binary.BigEndian.PutUint16(body[2:4], msg.Code)
	body[4] = 0
	return j.buildPacket(MsgIDPlatformGeneralAck, msg.DeviceID, body)
}

// Encode translates standard command to JT808 binary
func (j *JT808Adapter) Encode(cmd protocol.Command) ([]byte, error) {
	switch cmd.Type {
	case protocol.CommandText:
		phone := cmd.Params["device_id"]
		if phone == "" {
			return nil, fmt.Errorf("jt808 text command: device_id param required")
		}
		// Flag: terminal display + TTS
		body := append([]byte{0x0C}, cmd.Params["text"]...)
		return j.buildPacket(MsgIDTextMessage, phone, body), nil
	default:
		return nil, fmt.Errorf("%w: %s", protocol.ErrUnsupportedCommand, cmd.Type)
	}
}

// Helper functions

func (j *JT808Adapter) unescape(data []byte) []byte {
	result := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if data[i] == 0x7d && i+1 < len(data) {
			if data[i+1] == 0x02 {
				result = append(result, 0x7e)
				i++
				continue
			} else if data[i+1] == 0x01 {
				result = append(result, 0x7d)
				i++
				continue
			}
		}
		result = append(result, data[i])
	}
	return result
}

func jt808Escape(data []byte) []byte {
	result := make([]byte, 0, len(data))
	for _, b := range data {
		switch b {
		case 0x7e:
			result = append(result, 0x7d, 0x02)
		case 0x7d:
			result = append(result, 0x7d, 0x01)
		default:
			result = append(result, b)
		}
	}
	return result
}

func (j *JT808Adapter) verifyChecksum(data []byte) bool {
	if len(data) < 2 {
		return false
	}
	return xorChecksum(data[:len(data)-1]) == data[len(data)-1]
}

func xorChecksum(data []byte) byte {
	var checksum byte
	for _, b := range data {
		checksum ^= b
	}
	return checksum
}

// buildPacket frames a downlink message. Phones longer than 12 digits use
// the 2019 header.
func (j *JT808Adapter) buildPacket(msgID uint16, phone string, body []byte) []byte {
	serial := uint16(j.serial.Add(1))
	return buildJT808Packet(msgID, phone, serial, body)
}

func buildJT808Packet(msgID uint16, phone string, serial uint16, body []byte) []byte {
	bodyProps := uint16(len(body)) & jt808LengthMask
	header := make([]byte, 4, 17)
	binary.BigEndian.PutUint16(header[0:2], msgID)

	if len(phone) > 12 {
		bodyProps |= jt808VersionFlag
		header = append(header, 1)
		header = append(header, stringToBCD(padLeft(phone, 20))...)
	} else {
		header = append(header, stringToBCD(padLeft(phone, 12))...)
	}
	binary.BigEndian.PutUint16(header[2:4], bodyProps)
	header = binary.BigEndian.AppendUint16(header, serial)

	content := append(header, body...)
	content = append(content, xorChecksum(content))

	escaped := jt808Escape(content)
	packet := make([]byte, 0, len(escaped)+2)
	packet = append(packet, JT808Header)
	packet = append(packet, escaped...)
	packet = append(packet, JT808Header)
	return packet
}

// parseBCDTime decodes YYMMDDhhmmss in GMT+8.
func parseBCDTime(data []byte) (time.Time, error) {
	s := bcdToString(data)
	t, err := time.ParseInLocation("060102150405", s, jt808Zone)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad gps time %q", protocol.ErrMalformedFrame, s)
	}
	return t.UTC(), nil
}

// bcdToString converts BCD encoded bytes to string
func bcdToString(bcd []byte) string {
	var result []byte
	for _, b := range bcd {
		high := (b >> 4) & 0x0F
		low := b & 0x0F
		if high < 10 {
			result = append(result, '0'+high)
		}
		if low < 10 {
			result = append(result, '0'+low)
		}
	}
	return string(result)
}

// stringToBCD converts string to BCD encoded bytes
func stringToBCD(s string) []byte {
	// Pad with leading zero if odd length
	if len(s)%2 == 1 {
		s = "0" + s
	}

	result := make([]byte, len(s)/2)
	for i := 0; i < len(s); i += 2 {
		high := s[i] - '0'
		low := s[i+1] - '0'
		result[i/2] = (high << 4) | low
	}
	return result
}

func padLeft(s string, n int) string {
	if len(s) >= n {
		return s[len(s)-n:]
	}
	return strings.Repeat("0", n-len(s)) + s
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return strings.TrimSpace(string(b))
}
