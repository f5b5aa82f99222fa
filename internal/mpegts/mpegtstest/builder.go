// Package mpegtstest builds synthetic transport streams for tests.
package mpegtstest

import (
	"bytes"
	"encoding/binary"
)

const (
	packetSize = 188
	bodySize   = 184
)

// Stream is one PMT entry.
type Stream struct {
	PID  uint16
	Type uint8
}

// Builder appends transport packets to an in-memory stream.
type Builder struct {
	buf    bytes.Buffer
	cc     map[uint16]uint8
	prefix int
}

// New returns a builder for 188-byte packets, or 192-byte M2TS packets
// when m2ts is set.
func New(m2ts bool) *Builder {
	b := &Builder{cc: make(map[uint16]uint8)}
	if m2ts {
		b.prefix = 4
	}
	return b
}

// Bytes returns the stream built so far.
func (b *Builder) Bytes() []byte { return b.buf.Bytes() }

// Len is the current stream length, the offset the next packet lands at.
func (b *Builder) Len() int64 { return int64(b.buf.Len()) }

// Garbage appends raw bytes that are not a packet.
func (b *Builder) Garbage(p []byte) { b.buf.Write(p) }

// PAT appends a single-program PAT pointing at pmtPID.
func (b *Builder) PAT(pmtPID uint16) {
	b.section(0x0000, PATSection(1, pmtPID))
}

// PMT appends a PMT on pmtPID listing streams.
func (b *Builder) PMT(pmtPID uint16, streams ...Stream) {
	b.section(pmtPID, PMTSection(1, streams))
}

// PES appends a PES packet split across as many transport packets as it
// needs. A negative pts or dts is omitted.
func (b *Builder) PES(pid uint16, streamID byte, pts, dts int64, data []byte) {
	b.payload(pid, PESPacket(streamID, pts, dts, data), false)
}

// SkipCC advances a PID's continuity counter, simulating a lost packet.
func (b *Builder) SkipCC(pid uint16) { b.cc[pid] = (b.cc[pid] + 1) & 0x0F }

func (b *Builder) section(pid uint16, sec []byte) {
	b.payload(pid, append([]byte{0x00}, sec...), true)
}

func (b *Builder) payload(pid uint16, data []byte, psi bool) {
	first := true
	for first || len(data) > 0 {
		n := min(len(data), bodySize)
		pkt := make([]byte, b.prefix+packetSize)
		body := pkt[b.prefix:]
		body[0] = 0x47
		body[1] = byte(pid>>8) & 0x1F
		if first {
			body[1] |= 0x40
		}
		body[2] = byte(pid)
		cc := b.cc[pid]
		b.cc[pid] = (cc + 1) & 0x0F

		switch {
		case n == bodySize:
			body[3] = 0x10 | cc
			copy(body[4:], data[:n])
		case psi:
			body[3] = 0x10 | cc
			copy(body[4:], data[:n])
			for i := 4 + n; i < packetSize; i++ {
				body[i] = 0xFF
			}
		default:
			// Stuff the adaptation field so the payload ends the packet.
			body[3] = 0x30 | cc
			afLen := bodySize - n - 1
			body[4] = byte(afLen)
			if afLen > 0 {
				body[5] = 0x00
				for i := 6; i < 5+afLen; i++ {
					body[i] = 0xFF
				}
			}
			copy(body[5+afLen:], data[:n])
		}
		b.buf.Write(pkt)
		data = data[n:]
		first = false
	}
}

// PATSection returns a PAT section with one program.
func PATSection(program, pmtPID uint16) []byte {
	sec := []byte{
		0x00, 0xB0, 0x0D,
		0x00, 0x01, // transport_stream_id
		0xC1, 0x00, 0x00,
		byte(program >> 8), byte(program),
		0xE0 | byte(pmtPID>>8)&0x1F, byte(pmtPID),
	}
	return appendCRC(sec)
}

// PMTSection returns a PMT section listing streams, PCR on the first.
func PMTSection(program uint16, streams []Stream) []byte {
	length := 9 + 5*len(streams) + 4
	var pcr uint16 = 0x1FFF
	if len(streams) > 0 {
		pcr = streams[0].PID
	}
	sec := []byte{
		0x02, 0xB0 | byte(length>>8)&0x0F, byte(length),
		byte(program >> 8), byte(program),
		0xC1, 0x00, 0x00,
		0xE0 | byte(pcr>>8)&0x1F, byte(pcr),
		0xF0, 0x00,
	}
	for _, s := range streams {
		sec = append(sec, s.Type, 0xE0|byte(s.PID>>8)&0x1F, byte(s.PID), 0xF0, 0x00)
	}
	return appendCRC(sec)
}

// PESPacket returns a PES packet. Video stream IDs get an unbounded
// length. A negative pts or dts is omitted.
func PESPacket(streamID byte, pts, dts int64, data []byte) []byte {
	var opt []byte
	var flags byte
	switch {
	case pts >= 0 && dts >= 0:
		flags = 0xC0
		opt = append(opt, Timestamp(0x03, pts)...)
		opt = append(opt, Timestamp(0x01, dts)...)
	case pts >= 0:
		flags = 0x80
		opt = append(opt, Timestamp(0x02, pts)...)
	}

	length := 3 + len(opt) + len(data)
	if streamID&0xF0 == 0xE0 || length > 0xFFFF {
		length = 0
	}
	out := []byte{0x00, 0x00, 0x01, streamID, byte(length >> 8), byte(length), 0x80, flags, byte(len(opt))}
	out = append(out, opt...)
	return append(out, data...)
}

// Timestamp encodes a 33-bit PTS or DTS with marker bits.
func Timestamp(marker byte, v int64) []byte {
	return []byte{
		marker<<4 | byte(v>>29)&0x0E | 0x01,
		byte(v >> 22),
		byte(v>>14)&0xFE | 0x01,
		byte(v >> 7),
		byte(v<<1)&0xFE | 0x01,
	}
}

func appendCRC(sec []byte) []byte {
	c := uint32(0xFFFFFFFF)
	for _, v := range sec {
		c ^= uint32(v) << 24
		for i := 0; i < 8; i++ {
			if c&0x80000000 != 0 {
				c = c<<1 ^ 0x04C11DB7
			} else {
				c <<= 1
			}
		}
	}
	return binary.BigEndian.AppendUint32(sec, c)
}
