package tsfile

import "github.com/zsiec/ccx"

// captionDecoder turns caption data carried in video SEI NAL units into
// display text: CEA-608 channels 1-4 and CEA-708 services 1-6.
type captionDecoder struct {
	cea608 map[int]*ccx.CEA608Decoder
	cea708 map[int]*ccx.CEA708Service
	dtvcc  []byte

	// CEA-608 control codes are sent twice; the repeat within two frames
	// is dropped.
	frames       int64
	lastCtrl     [2][2]byte
	lastWasCtrl  [2]bool
	lastCtrlSeen [2]int64
}

func newCaptionDecoder() *captionDecoder {
	d := &captionDecoder{}
	d.reset()
	return d
}

// reset discards decoder state, after a seek.
func (d *captionDecoder) reset() {
	d.cea608 = make(map[int]*ccx.CEA608Decoder, 4)
	for ch := 1; ch <= 4; ch++ {
		d.cea608[ch] = ccx.NewCEA608Decoder()
	}
	d.cea708 = make(map[int]*ccx.CEA708Service, 6)
	for svc := 1; svc <= 6; svc++ {
		d.cea708[svc] = ccx.NewCEA708Service()
	}
	d.dtvcc = d.dtvcc[:0]
	d.lastWasCtrl = [2]bool{}
}

// decode returns the caption texts completed by one access unit's SEI NAL
// units.
func (d *captionDecoder) decode(seis [][]byte) []string {
	d.frames++
	var out []string
	for _, sei := range seis {
		cd := ccx.ExtractCaptions(sei)
		if cd == nil {
			continue
		}

		for _, pair := range cd.CC608Pairs {
			cc1, cc2 := pair.Data[0], pair.Data[1]
			if d.repeatedControl(int(pair.Field), cc1, cc2) {
				continue
			}
			dec := d.cea608[pair.Channel]
			if dec == nil {
				continue
			}
			if text := dec.Decode(cc1, cc2); text != "" {
				out = append(out, text)
			}
		}

		for _, t := range cd.DTVCC {
			if t.Start {
				out = append(out, d.drainDTVCC()...)
				d.dtvcc = d.dtvcc[:0]
			}
			d.dtvcc = append(d.dtvcc, t.Data[0], t.Data[1])
		}
	}
	return out
}

func (d *captionDecoder) repeatedControl(field int, cc1, cc2 byte) bool {
	if field < 0 || field > 1 {
		return false
	}
	if cc1 < 0x10 || cc1 > 0x1F {
		d.lastWasCtrl[field] = false
		return false
	}
	code := [2]byte{cc1, cc2}
	if d.lastWasCtrl[field] && d.lastCtrl[field] == code && d.frames-d.lastCtrlSeen[field] <= 2 {
		d.lastWasCtrl[field] = false
		return true
	}
	d.lastCtrl[field] = code
	d.lastWasCtrl[field] = true
	d.lastCtrlSeen[field] = d.frames
	return false
}

func (d *captionDecoder) drainDTVCC() []string {
	if len(d.dtvcc) < 1 {
		return nil
	}
	size := ccx.DTVCCPacketSize(d.dtvcc[0])
	if len(d.dtvcc) < size {
		return nil
	}

	var out []string
	for _, block := range ccx.ParseDTVCCPacket(d.dtvcc[:size]) {
		svc := d.cea708[block.ServiceNum]
		if svc == nil {
			continue
		}
		if svc.ProcessBlock(block.Data) {
			if text := svc.DisplayText(); text != "" {
				out = append(out, text)
			}
		}
	}
	return out
}
