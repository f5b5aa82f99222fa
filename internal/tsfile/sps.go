package tsfile

// spsReader wraps bitReader with a sticky error so parameter set walks read
// straight through and check once.
type spsReader struct {
	br  bitReader
	err error
}

func (r *spsReader) bits(n int) uint {
	v, err := r.br.readBits(n)
	if r.err == nil {
		r.err = err
	}
	return v
}

func (r *spsReader) ue() uint {
	v, err := r.br.readUE()
	if r.err == nil {
		r.err = err
	}
	return v
}

func (r *spsReader) se() int {
	v, err := r.br.readSE()
	if r.err == nil {
		r.err = err
	}
	return v
}

func (r *spsReader) skipScalingList(size int) {
	last, next := 8, 8
	for j := 0; j < size && r.err == nil; j++ {
		if next != 0 {
			next = (last + r.se() + 256) % 256
		}
		if next != 0 {
			last = next
		}
	}
}

// High profiles that carry chroma format and scaling lists in the SPS.
var h264HighProfiles = map[uint]bool{
	100: true, 110: true, 122: true, 244: true, 44: true, 83: true,
	86: true, 118: true, 128: true, 138: true, 139: true, 134: true,
}

// h264Dimensions returns the cropped picture size from an H.264 SPS NAL
// unit (header byte included).
func h264Dimensions(nal []byte) (int, int, error) {
	if len(nal) < 4 {
		return 0, 0, errShortRBSP
	}
	r := &spsReader{br: bitReader{data: unescapeRBSP(nal[1:])}}

	profile := r.bits(8)
	r.bits(16) // constraint flags, level_idc
	r.ue()     // seq_parameter_set_id

	chroma := uint(1)
	separatePlanes := false
	if h264HighProfiles[profile] {
		chroma = r.ue()
		if chroma == 3 {
			separatePlanes = r.bits(1) == 1
		}
		r.ue()    // bit_depth_luma_minus8
		r.ue()    // bit_depth_chroma_minus8
		r.bits(1) // qpprime_y_zero_transform_bypass_flag
		if r.bits(1) == 1 {
			lists := 8
			if chroma == 3 {
				lists = 12
			}
			for i := 0; i < lists; i++ {
				if r.bits(1) == 1 {
					size := 16
					if i >= 6 {
						size = 64
					}
					r.skipScalingList(size)
				}
			}
		}
	}

	r.ue() // log2_max_frame_num_minus4
	switch r.ue() {
	case 0:
		r.ue()
	case 1:
		r.bits(1)
		r.se()
		r.se()
		n := r.ue()
		for i := uint(0); i < n && r.err == nil; i++ {
			r.se()
		}
	}
	r.ue()    // max_num_ref_frames
	r.bits(1) // gaps_in_frame_num_value_allowed_flag

	widthMbs := r.ue() + 1
	heightUnits := r.ue() + 1
	frameMbsOnly := r.bits(1)
	if frameMbsOnly == 0 {
		r.bits(1) // mb_adaptive_frame_field_flag
	}
	r.bits(1) // direct_8x8_inference_flag

	var cropL, cropR, cropT, cropB uint
	if r.bits(1) == 1 {
		cropL, cropR, cropT, cropB = r.ue(), r.ue(), r.ue(), r.ue()
	}
	if r.err != nil {
		return 0, 0, r.err
	}

	subW, subH := uint(2), uint(2)
	switch {
	case separatePlanes || chroma == 0 || chroma == 3:
		subW, subH = 1, 1
	case chroma == 2:
		subH = 1
	}
	unitY := subH * (2 - frameMbsOnly)

	w := int(widthMbs*16 - subW*(cropL+cropR))
	h := int(heightUnits*16*(2-frameMbsOnly) - unitY*(cropT+cropB))
	return w, h, nil
}

// hevcDimensions returns the conformance-window size from an HEVC SPS NAL
// unit (2-byte header included).
func hevcDimensions(nal []byte) (int, int, error) {
	if len(nal) < 4 {
		return 0, 0, errShortRBSP
	}
	r := &spsReader{br: bitReader{data: unescapeRBSP(nal[2:])}}

	r.bits(4) // sps_video_parameter_set_id
	subLayers := r.bits(3)
	r.bits(1) // sps_temporal_id_nesting_flag

	// general profile_tier_level: 2+1+5+32+48 bits, then level_idc.
	r.bits(32)
	r.bits(32)
	r.bits(32)
	if subLayers > 0 {
		var profile, level [8]bool
		for i := uint(0); i < subLayers; i++ {
			profile[i] = r.bits(1) == 1
			level[i] = r.bits(1) == 1
		}
		for i := subLayers; i < 8; i++ {
			r.bits(2)
		}
		for i := uint(0); i < subLayers; i++ {
			if profile[i] {
				r.bits(32)
				r.bits(32)
				r.bits(24)
			}
			if level[i] {
				r.bits(8)
			}
		}
	}

	r.ue() // sps_seq_parameter_set_id
	chroma := r.ue()
	if chroma == 3 {
		r.bits(1)
	}
	w, h := r.ue(), r.ue()
	if r.err != nil {
		return 0, 0, r.err
	}

	if r.bits(1) == 1 {
		left, right, top, bottom := r.ue(), r.ue(), r.ue(), r.ue()
		if r.err == nil {
			subW, subH := uint(1), uint(1)
			switch chroma {
			case 1:
				subW, subH = 2, 2
			case 2:
				subW = 2
			}
			w -= (left + right) * subW
			h -= (top + bottom) * subH
		}
	}
	return int(w), int(h), nil
}
