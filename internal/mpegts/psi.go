package mpegts

import (
	"errors"
	"fmt"
)

const (
	tableIDPAT = 0x00
	tableIDPMT = 0x02
)

// ErrCRC reports a PSI section whose CRC32 does not verify.
var ErrCRC = errors.New("mpegts: section CRC mismatch")

// Program is one PAT entry.
type Program struct {
	Number uint16
	PMTPID uint16
}

// ElementaryStream is one PMT entry.
type ElementaryStream struct {
	PID        uint16
	StreamType uint8
}

// Stream types the player understands.
const (
	StreamTypeAAC  = 0x0F
	StreamTypeH264 = 0x1B
	StreamTypeH265 = 0x24
)

func parseSections(payload []byte, first *Packet) ([]*Unit, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("mpegts: empty PSI payload")
	}
	off := 1 + int(payload[0])
	if off >= len(payload) {
		return nil, fmt.Errorf("mpegts: PSI pointer field past payload")
	}

	var units []*Unit
	for off+3 <= len(payload) {
		table := payload[off]
		if table == 0xFF || payload[off+1]&0x80 == 0 {
			break
		}
		end := off + 3 + (int(payload[off+1]&0x0F)<<8 | int(payload[off+2]))
		if end > len(payload) {
			break
		}
		section := payload[off:end]
		off = end

		u := &Unit{PID: first.PID, Offset: first.Offset}
		switch table {
		case tableIDPAT:
			progs, err := parsePAT(section)
			if err != nil {
				return units, err
			}
			u.Kind = UnitPAT
			u.Programs = progs
		case tableIDPMT:
			streams, err := parsePMT(section)
			if err != nil {
				return units, err
			}
			u.Kind = UnitPMT
			u.Streams = streams
		default:
			continue
		}
		units = append(units, u)
	}
	return units, nil
}

// parsePAT reads program entries: an 8-byte header, 4 bytes per program,
// then the CRC.
func parsePAT(s []byte) ([]Program, error) {
	if len(s) < 12 {
		return nil, fmt.Errorf("mpegts: PAT of %d bytes is too short", len(s))
	}
	if crc32MPEG(s) != 0 {
		return nil, fmt.Errorf("PAT: %w", ErrCRC)
	}
	var progs []Program
	for i := 8; i+4 <= len(s)-4; i += 4 {
		num := uint16(s[i])<<8 | uint16(s[i+1])
		if num == 0 {
			continue // network PID
		}
		progs = append(progs, Program{
			Number: num,
			PMTPID: uint16(s[i+2]&0x1F)<<8 | uint16(s[i+3]),
		})
	}
	return progs, nil
}

// parsePMT reads elementary stream entries after the 12-byte header and
// program descriptors.
func parsePMT(s []byte) ([]ElementaryStream, error) {
	if len(s) < 16 {
		return nil, fmt.Errorf("mpegts: PMT of %d bytes is too short", len(s))
	}
	if crc32MPEG(s) != 0 {
		return nil, fmt.Errorf("PMT: %w", ErrCRC)
	}
	end := len(s) - 4
	off := 12 + (int(s[10]&0x0F)<<8 | int(s[11]))
	var streams []ElementaryStream
	for off+5 <= end {
		streams = append(streams, ElementaryStream{
			StreamType: s[off],
			PID:        uint16(s[off+1]&0x1F)<<8 | uint16(s[off+2]),
		})
		off += 5 + (int(s[off+3]&0x0F)<<8 | int(s[off+4]))
	}
	return streams, nil
}

// MPEG-2 CRC32, polynomial 0x04C11DB7, no reflection. Running it over a
// section including its trailing CRC yields zero.
var crcTable = func() (t [256]uint32) {
	for i := range t {
		c := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if c&0x80000000 != 0 {
				c = c<<1 ^ 0x04C11DB7
			} else {
				c <<= 1
			}
		}
		t[i] = c
	}
	return t
}()

func crc32MPEG(b []byte) uint32 {
	c := uint32(0xFFFFFFFF)
	for _, v := range b {
		c = c<<8 ^ crcTable[byte(c>>24)^v]
	}
	return c
}
