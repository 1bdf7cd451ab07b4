package adapter

import (
	"strings"

	"fleetwatch/gateway/internal/protocol"
)

// Detector picks a protocol adapter from the first bytes of a stream.
// Binary headers select JT808 or GT06; everything else is treated as
// Wialon IPS text so that unrecognised text lines decode as UNKNOWN.
type Detector struct {
	jt808  *JT808Adapter
	gt06   *GT06Adapter
	wialon *WialonAdapter
}

// NewDetector creates a detector over the built-in adapters
func NewDetector() *Detector {
	return &Detector{
		jt808:  NewJT808Adapter(),
		gt06:   NewGT06Adapter(),
		wialon: NewWialonAdapter(),
	}
}

// Match implements protocol.Detector
func (d *Detector) Match(header []byte) (protocol.ProtocolAdapter, bool) {
	if len(header) == 0 {
		return nil, true
	}
	switch header[0] {
	case JT808Header:
		return d.jt808, false
	case 0x78, 0x79:
		if len(header) < 2 {
			return nil, true
		}
		if d.gt06.Match(header) {
			return d.gt06, false
		}
	}
	return d.wialon, false
}

// Adapter returns an adapter by protocol name, for downlink encoding of
// devices whose stream is not at hand.
func (d *Detector) Adapter(name string) (protocol.ProtocolAdapter, bool) {
	switch strings.ToUpper(name) {
	case jt808Protocol:
		return d.jt808, true
	case gt06Protocol:
		return d.gt06, true
	case wialonProtocol:
		return d.wialon, true
	}
	return nil, false
}
