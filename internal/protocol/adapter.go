package protocol

import (
	"errors"
	"time"
)

var (
	// ErrFrameTooLarge means the inbound buffer grew past the configured
	// maximum without a complete frame. The connection must be dropped.
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrMalformedFrame means a frame could not be parsed far enough to
	// identify its device or required fields.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrUnknownDevice means a non-login frame arrived on a connection that
	// has no bound device and the frame carries no identifier.
	ErrUnknownDevice = errors.New("unknown device on non-login frame")

	// ErrUnsupportedCommand is returned by Encode for command types the
	// protocol cannot express.
	ErrUnsupportedCommand = errors.New("unsupported command")
)

// PacketScanner handles packet boundary detection from TCP stream
type PacketScanner interface {
	// Scan extracts the first complete packet from buffer.
	// A nil packet with a nil error means more bytes are needed; rest is
	// then the part of buffer worth keeping.
	Scan(buffer []byte) (packet []byte, rest []byte, err error)
}

// ProtocolAdapter translates between a vendor wire protocol and Message
type ProtocolAdapter interface {
	PacketScanner

	// Decode translates one packet into a message
	Decode(packet []byte, receivedAt time.Time) (Message, error)

	// Reply returns the acknowledgement the device expects for msg, or nil
	Reply(msg Message) []byte

	// Encode translates a downlink command to wire bytes
	Encode(cmd Command) ([]byte, error)

	// Protocol returns protocol identifier
	Protocol() string
}

// Detector identifies protocol type from initial bytes
type Detector interface {
	// Match detects protocol from header bytes. A nil adapter with
	// needMore set means header is too short to decide.
	Match(header []byte) (adapter ProtocolAdapter, needMore bool)
}
