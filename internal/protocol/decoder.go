package protocol

import (
	"bytes"
	"fmt"
)

// DefaultMaxFrameSize bounds both single frames and unterminated tails.
const DefaultMaxFrameSize = 4096

// FrameDecoder splits the byte stream of one connection into frames. It
// picks the protocol from the first meaningful bytes and keeps it for the
// life of the connection. Not safe for concurrent use; each connection
// owns one.
type FrameDecoder struct {
	detector Detector
	adapter  ProtocolAdapter
	maxSize  int
	pending  []byte
}

// NewFrameDecoder creates a decoder. maxSize <= 0 selects DefaultMaxFrameSize.
func NewFrameDecoder(detector Detector, maxSize int) *FrameDecoder {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &FrameDecoder{
		detector: detector,
		maxSize:  maxSize,
	}
}

// Adapter returns the detected protocol adapter, or nil before detection.
func (d *FrameDecoder) Adapter() ProtocolAdapter {
	return d.adapter
}

// Buffered returns the number of bytes waiting for a terminator.
func (d *FrameDecoder) Buffered() int {
	return len(d.pending)
}

// Feed appends data and returns every frame completed by it. Frames found
// before an ErrFrameTooLarge are still returned alongside the error.
func (d *FrameDecoder) Feed(data []byte) ([][]byte, error) {
	d.pending = append(d.pending, data...)

	if d.adapter == nil {
		// Line noise before the first frame carries no information.
		d.pending = bytes.TrimLeft(d.pending, "\r\n\x00 ")
		if len(d.pending) == 0 {
			return nil, nil
		}
		adapter, needMore := d.detector.Match(d.pending)
		if adapter == nil {
			if needMore {
				return nil, nil
			}
			return nil, fmt.Errorf("%w: unrecognised stream header % x", ErrMalformedFrame, head(d.pending))
		}
		d.adapter = adapter
	}

	var frames [][]byte
	for len(d.pending) > 0 {
		packet, rest, err := d.adapter.Scan(d.pending)
		if err != nil {
			d.pending = rest
			return frames, err
		}
		if packet == nil {
			d.pending = rest
			break
		}
		if len(packet) > d.maxSize {
			d.pending = nil
			return frames, fmt.Errorf("%w: %d bytes exceeds %d", ErrFrameTooLarge, len(packet), d.maxSize)
		}
		frames = append(frames, bytes.Clone(packet))
		d.pending = rest
	}

	if len(d.pending) > d.maxSize {
		size := len(d.pending)
		d.pending = nil
		return frames, fmt.Errorf("%w: %d unterminated bytes exceeds %d", ErrFrameTooLarge, size, d.maxSize)
	}

	// Keep the retained tail off the array backing earlier reads.
	if cap(d.pending) > 2*d.maxSize {
		d.pending = bytes.Clone(d.pending)
	}
	return frames, nil
}

func head(b []byte) []byte {
	if len(b) > 8 {
		return b[:8]
	}
	return b
}
