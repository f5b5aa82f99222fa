package tsfile

import "errors"

var errInvalidADTS = errors.New("invalid ADTS header")

// samplesPerAACFrame is fixed for AAC-LC.
const samplesPerAACFrame = 1024

var aacSampleRates = [...]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350,
}

type adtsFrame struct {
	data       []byte // header and payload
	sampleRate int
	channels   int
}

// splitADTS cuts an ADTS byte stream into frames, skipping bytes until a
// sync word. A truncated trailing frame is dropped.
func splitADTS(data []byte) ([]adtsFrame, error) {
	var frames []adtsFrame
	for off := 0; len(data)-off >= 7; {
		if data[off] != 0xFF || data[off+1]&0xF0 != 0xF0 {
			off++
			continue
		}

		header := 7
		if data[off+1]&0x01 == 0 {
			header = 9 // CRC present
		}
		rateIdx := int(data[off+2] >> 2 & 0x0F)
		if rateIdx >= len(aacSampleRates) {
			return frames, errInvalidADTS
		}
		channels := int(data[off+2]&0x01<<2 | data[off+3]>>6&0x03)
		size := int(data[off+3]&0x03)<<11 | int(data[off+4])<<3 | int(data[off+5]>>5)
		if size < header || off+size > len(data) {
			break
		}

		frames = append(frames, adtsFrame{
			data:       data[off : off+size],
			sampleRate: aacSampleRates[rateIdx],
			channels:   channels,
		})
		off += size
	}
	return frames, nil
}
