package mpegts

import "sort"

const pidPAT = 0x0000

// pidAssembler collects the packets of one PID until the next unit start
// or, for PSI, until the section is complete.
type pidAssembler struct {
	pid     uint16
	psi     func(pid uint16) bool
	packets []*Packet
}

func (a *pidAssembler) add(p *Packet) []*Packet {
	if p.Error {
		a.packets = nil
		return nil
	}
	if !p.HasPayload {
		return nil
	}

	if n := len(a.packets); n > 0 && !p.Discontinuity {
		prev := a.packets[n-1].CC
		if p.CC != (prev+1)&0x0F {
			if p.CC == prev {
				return nil
			}
			// Lost packets: the partial unit is unusable.
			a.packets = nil
		}
	}

	// Units only begin on a start packet; a tail without its head (after a
	// seek or loss) is dropped.
	if len(a.packets) == 0 && !p.Start {
		return nil
	}

	var done []*Packet
	if p.Start && len(a.packets) > 0 {
		done = a.packets
		a.packets = nil
	}
	a.packets = append(a.packets, p)

	if done == nil && a.psi(a.pid) && sectionsComplete(a.packets) {
		done = a.packets
		a.packets = nil
	}
	return done
}

func (a *pidAssembler) flush() []*Packet {
	done := a.packets
	a.packets = nil
	return done
}

// sectionsComplete reports whether the packets hold every PSI section that
// was started in them.
func sectionsComplete(packets []*Packet) bool {
	payload := joinPayloads(packets)
	if len(payload) < 1 {
		return false
	}
	off := 1 + int(payload[0])
	if off >= len(payload) {
		return false
	}
	for off < len(payload) {
		if payload[off] == 0xFF {
			return true
		}
		if off+3 > len(payload) {
			return false
		}
		if payload[off+1]&0x80 == 0 {
			return true
		}
		n := 3 + (int(payload[off+1]&0x0F)<<8 | int(payload[off+2]))
		if off+n > len(payload) {
			return false
		}
		off += n
	}
	return true
}

func joinPayloads(packets []*Packet) []byte {
	if len(packets) == 1 {
		return packets[0].Payload
	}
	size := 0
	for _, p := range packets {
		size += len(p.Payload)
	}
	out := make([]byte, 0, size)
	for _, p := range packets {
		out = append(out, p.Payload...)
	}
	return out
}

// assemblers routes packets to their PID's assembler.
type assemblers struct {
	byPID map[uint16]*pidAssembler
	psi   func(pid uint16) bool
}

func newAssemblers(psi func(pid uint16) bool) *assemblers {
	return &assemblers{byPID: make(map[uint16]*pidAssembler), psi: psi}
}

func (as *assemblers) add(p *Packet) []*Packet {
	a, ok := as.byPID[p.PID]
	if !ok {
		a = &pidAssembler{pid: p.PID, psi: as.psi}
		as.byPID[p.PID] = a
	}
	return a.add(p)
}

// flushAll returns every partial unit, PAT first so PMT PIDs are known
// before their sections are parsed.
func (as *assemblers) flushAll() [][]*Packet {
	pids := make([]int, 0, len(as.byPID))
	for pid := range as.byPID {
		pids = append(pids, int(pid))
	}
	sort.Ints(pids)

	var out [][]*Packet
	for _, pid := range pids {
		if ps := as.byPID[uint16(pid)].flush(); len(ps) > 0 {
			out = append(out, ps)
		}
	}
	return out
}
