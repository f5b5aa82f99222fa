package mpegts

import "fmt"

// NoTimestamp marks an absent PTS or DTS.
const NoTimestamp int64 = -1

// PES is a reassembled packetized elementary stream unit. PTS and DTS are
// 33-bit 90 kHz values, NoTimestamp when absent.
type PES struct {
	StreamID uint8
	PTS      int64
	DTS      int64
	Data     []byte
}

func hasPESStartCode(b []byte) bool {
	return len(b) >= 3 && b[0] == 0x00 && b[1] == 0x00 && b[2] == 0x01
}

// Stream IDs without the optional PES header: padding, private_stream_2,
// ECM, EMM, DSMCC, H.222.1 type E and the program stream directory.
func hasOptionalHeader(id uint8) bool {
	switch id {
	case 0xBE, 0xBF, 0xF0, 0xF1, 0xF2, 0xF8, 0xFF:
		return false
	}
	return true
}

func parsePES(b []byte) (*PES, error) {
	if len(b) < 6 {
		return nil, fmt.Errorf("mpegts: PES of %d bytes is too short", len(b))
	}
	if !hasPESStartCode(b) {
		return nil, fmt.Errorf("mpegts: missing PES start code")
	}

	pes := &PES{StreamID: b[3], PTS: NoTimestamp, DTS: NoTimestamp}
	length := int(b[4])<<8 | int(b[5])
	end := len(b)
	if length > 0 && 6+length < end {
		end = 6 + length
	}

	if !hasOptionalHeader(pes.StreamID) {
		pes.Data = b[6:end]
		return pes, nil
	}
	if len(b) < 9 {
		return nil, fmt.Errorf("mpegts: PES optional header truncated")
	}

	flags := b[7] >> 6
	start := 9 + int(b[8])
	if start > end {
		start = end
	}
	switch {
	case flags == 2 && len(b) >= 14:
		pes.PTS = decodeTimestamp(b[9:14])
	case flags == 3 && len(b) >= 19:
		pes.PTS = decodeTimestamp(b[9:14])
		pes.DTS = decodeTimestamp(b[14:19])
	}
	pes.Data = b[start:end]
	return pes, nil
}

// decodeTimestamp unpacks a 33-bit PTS/DTS from its 5-byte marker-bit form.
func decodeTimestamp(b []byte) int64 {
	return int64(b[0]>>1&0x07)<<30 |
		int64(b[1])<<22 |
		int64(b[2]>>1&0x7F)<<15 |
		int64(b[3])<<7 |
		int64(b[4]>>1&0x7F)
}
