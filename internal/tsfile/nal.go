package tsfile

import "errors"

var errShortRBSP = errors.New("parameter set too short")

// H.264 NAL unit types (ITU-T H.264 Table 7-1).
const (
	h264NALIDR = 5
	h264NALSEI = 6
	h264NALSPS = 7
)

// HEVC NAL unit types (ITU-T H.265 Table 7-1).
const (
	hevcNALBlaWLP    = 16
	hevcNALCraNut    = 21
	hevcNALSPS       = 33
	hevcNALSEIPrefix = 39
)

type nalUnit struct {
	typ  byte
	data []byte // NAL header and payload, no start code
}

// videoSyntax captures the per-codec differences in NAL parsing.
type videoSyntax struct {
	codec      string // FFmpeg decoder name
	headerLen  int
	nalType    func(b []byte) byte
	keyframe   func(t byte) bool
	sps        byte
	sei        byte
	dimensions func(nal []byte) (w, h int, err error)
}

var h264Syntax = videoSyntax{
	codec:      "h264",
	headerLen:  1,
	nalType:    func(b []byte) byte { return b[0] & 0x1F },
	keyframe:   func(t byte) bool { return t == h264NALIDR || t == h264NALSPS },
	sps:        h264NALSPS,
	sei:        h264NALSEI,
	dimensions: h264Dimensions,
}

var hevcSyntax = videoSyntax{
	codec:      "hevc",
	headerLen:  2,
	nalType:    func(b []byte) byte { return b[0] >> 1 & 0x3F },
	keyframe:   func(t byte) bool { return t >= hevcNALBlaWLP && t <= hevcNALCraNut },
	sps:        hevcNALSPS,
	sei:        hevcNALSEIPrefix,
	dimensions: hevcDimensions,
}

// splitAnnexB returns the NAL units of an Annex B byte stream. Both 3- and
// 4-byte start codes are recognized.
func (s *videoSyntax) splitAnnexB(data []byte) []nalUnit {
	n := len(data)
	if n < 4 {
		return nil
	}

	type span struct{ sc, start int }
	var spans []span
	for i := 0; i < n-2; {
		if data[i] == 0 && data[i+1] == 0 {
			if i < n-3 && data[i+2] == 0 && data[i+3] == 1 {
				spans = append(spans, span{i, i + 4})
				i += 4
				continue
			}
			if data[i+2] == 1 {
				spans = append(spans, span{i, i + 3})
				i += 3
				continue
			}
		}
		i++
	}

	var units []nalUnit
	for i, sp := range spans {
		end := n
		if i+1 < len(spans) {
			end = spans[i+1].sc
		}
		if end-sp.start < s.headerLen {
			continue
		}
		nal := data[sp.start:end]
		units = append(units, nalUnit{typ: s.nalType(nal), data: nal})
	}
	return units
}

// isKeyframe reports whether the access unit holds a random access point.
func (s *videoSyntax) isKeyframe(units []nalUnit) bool {
	for _, u := range units {
		if s.keyframe(u.typ) {
			return true
		}
	}
	return false
}

type bitReader struct {
	data []byte
	pos  int
	bit  int
}

func (br *bitReader) readBit() (uint, error) {
	if br.pos >= len(br.data) {
		return 0, errShortRBSP
	}
	v := uint(br.data[br.pos] >> (7 - br.bit) & 1)
	br.bit++
	if br.bit == 8 {
		br.bit = 0
		br.pos++
	}
	return v, nil
}

func (br *bitReader) readBits(n int) (uint, error) {
	var v uint
	for i := 0; i < n; i++ {
		b, err := br.readBit()
		if err != nil {
			return 0, err
		}
		v = v<<1 | b
	}
	return v, nil
}

// readUE reads an Exp-Golomb coded unsigned value.
func (br *bitReader) readUE() (uint, error) {
	zeros := 0
	for {
		b, err := br.readBit()
		if err != nil {
			return 0, err
		}
		if b == 1 {
			break
		}
		zeros++
		if zeros > 31 {
			return 0, errShortRBSP
		}
	}
	if zeros == 0 {
		return 0, nil
	}
	suffix, err := br.readBits(zeros)
	if err != nil {
		return 0, err
	}
	return 1<<zeros - 1 + suffix, nil
}

func (br *bitReader) readSE() (int, error) {
	v, err := br.readUE()
	if err != nil {
		return 0, err
	}
	if v%2 == 0 {
		return -int(v / 2), nil
	}
	return int((v + 1) / 2), nil
}

// skipUE discards n Exp-Golomb values.
func (br *bitReader) skipUE(n int) error {
	for i := 0; i < n; i++ {
		if _, err := br.readUE(); err != nil {
			return err
		}
	}
	return nil
}

func unescapeRBSP(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if i+2 < len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 3 &&
			(i+3 >= len(data) || data[i+3] <= 3) {
			out = append(out, 0, 0)
			i += 2
			continue
		}
		out = append(out, data[i])
	}
	return out
}
