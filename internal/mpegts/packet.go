// Package mpegts reads MPEG transport streams from files. It reassembles
// PAT, PMT and PES units per PID and records the byte offset each unit
// started at, so callers can build seek indexes and resume reading from an
// indexed position.
package mpegts

import (
	"errors"
	"fmt"
)

// Packet sizes accepted by Reader. M2TS (Blu-ray, AVCHD) prefixes every
// 188-byte packet with a 4-byte arrival timestamp.
const (
	PacketSize     = 188
	M2TSPacketSize = 192
	syncByte       = 0x47
)

// ErrSync reports a packet that does not start with the sync byte.
var ErrSync = errors.New("mpegts: lost sync")

// Packet is one parsed transport packet.
type Packet struct {
	PID           uint16
	CC            uint8
	Start         bool // payload_unit_start_indicator
	Error         bool // transport_error_indicator
	Discontinuity bool
	HasPayload    bool
	// Offset is the position of the packet in the underlying stream,
	// including any M2TS prefix.
	Offset  int64
	Payload []byte
}

// ParsePacket parses one 188-byte transport packet. The payload is copied
// out of buf.
func ParsePacket(buf []byte) (*Packet, error) {
	if len(buf) != PacketSize {
		return nil, fmt.Errorf("mpegts: packet is %d bytes, want %d", len(buf), PacketSize)
	}
	if buf[0] != syncByte {
		return nil, fmt.Errorf("%w: byte 0x%02X", ErrSync, buf[0])
	}

	p := &Packet{
		Error:      buf[1]&0x80 != 0,
		Start:      buf[1]&0x40 != 0,
		PID:        uint16(buf[1]&0x1F)<<8 | uint16(buf[2]),
		HasPayload: buf[3]&0x10 != 0,
		CC:         buf[3] & 0x0F,
	}

	off := 4
	if buf[3]&0x20 != 0 {
		afLen := int(buf[off])
		if afLen > 0 && off+1 < PacketSize {
			p.Discontinuity = buf[off+1]&0x80 != 0
		}
		off += 1 + afLen
	}
	if p.HasPayload && off < PacketSize {
		p.Payload = append([]byte(nil), buf[off:]...)
	}
	return p, nil
}
