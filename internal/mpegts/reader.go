package mpegts

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

// UnitKind identifies what a Unit carries.
type UnitKind int

const (
	UnitPAT UnitKind = iota
	UnitPMT
	UnitPES
)

// Unit is one reassembled PAT section, PMT section or PES packet.
type Unit struct {
	Kind   UnitKind
	PID    uint16
	Offset int64 // offset of the first transport packet of the unit

	Programs   []Program          // UnitPAT
	Streams    []ElementaryStream // UnitPMT
	StreamType uint8              // UnitPES, from the most recent PMT
	PES        *PES               // UnitPES
}

// Option configures a Reader.
type Option func(*Reader)

// WithPacketSize selects 188-byte TS or 192-byte M2TS packets.
func WithPacketSize(n int) Option {
	return func(r *Reader) { r.size = n }
}

// WithStartOffset sets the stream position of the first byte the reader
// sees, for readers created after seeking the underlying file.
func WithStartOffset(off int64) Option {
	return func(r *Reader) { r.offset = off }
}

// WithPrograms seeds the PMT PIDs and stream types learned by an earlier
// reader, so PES units are typed before the next PAT/PMT repeats.
func WithPrograms(pmtPIDs []uint16, streams []ElementaryStream) Option {
	return func(r *Reader) {
		for _, pid := range pmtPIDs {
			r.pmtPIDs[pid] = true
		}
		for _, es := range streams {
			r.types[es.PID] = es.StreamType
		}
	}
}

// Reader yields units from a transport stream in file order.
type Reader struct {
	src     *bufio.Reader
	size    int
	offset  int64
	buf     []byte
	pmtPIDs map[uint16]bool
	types   map[uint16]uint8
	asm     *assemblers
	pending []*Unit
	eof     bool
}

// NewReader returns a reader over r.
func NewReader(r io.Reader, opts ...Option) *Reader {
	rd := &Reader{
		src:     bufio.NewReaderSize(r, 64*PacketSize),
		size:    PacketSize,
		pmtPIDs: make(map[uint16]bool),
		types:   make(map[uint16]uint8),
	}
	for _, o := range opts {
		o(rd)
	}
	rd.buf = make([]byte, rd.size)
	rd.asm = newAssemblers(rd.isPSI)
	return rd
}

func (r *Reader) isPSI(pid uint16) bool {
	return pid == pidPAT || r.pmtPIDs[pid]
}

// Offset is the stream position of the next unread packet.
func (r *Reader) Offset() int64 { return r.offset }

// StreamType returns the PMT stream type last seen for pid.
func (r *Reader) StreamType(pid uint16) (uint8, bool) {
	t, ok := r.types[pid]
	return t, ok
}

// Next returns the next complete unit. Units that fail to parse are
// skipped. It returns io.EOF once the stream and every partial unit are
// exhausted.
func (r *Reader) Next() (*Unit, error) {
	for {
		if len(r.pending) > 0 {
			u := r.pending[0]
			r.pending = r.pending[1:]
			return u, nil
		}
		if r.eof {
			return nil, io.EOF
		}

		p, err := r.readPacket()
		if errors.Is(err, io.EOF) {
			r.eof = true
			for _, ps := range r.asm.flushAll() {
				r.emit(ps)
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		if done := r.asm.add(p); done != nil {
			r.emit(done)
		}
	}
}

// readPacket returns the next packet, skipping any bytes that would put
// the sync byte out of place.
func (r *Reader) readPacket() (*Packet, error) {
	prefix := r.size - PacketSize
	for {
		b, err := r.src.Peek(r.size)
		if len(b) < r.size {
			if err == nil || errors.Is(err, io.EOF) {
				return nil, io.EOF // trailing partial packet
			}
			return nil, err
		}
		if b[prefix] != syncByte {
			skip := len(b) - prefix
			if i := bytes.IndexByte(b[prefix+1:], syncByte); i >= 0 {
				skip = i + 1
			}
			if _, err := r.src.Discard(skip); err != nil {
				return nil, err
			}
			r.offset += int64(skip)
			continue
		}

		off := r.offset
		copy(r.buf, b)
		if _, err := r.src.Discard(r.size); err != nil {
			return nil, err
		}
		r.offset += int64(r.size)

		p, err := ParsePacket(r.buf[prefix:])
		if err != nil {
			return nil, fmt.Errorf("at offset %d: %w", off, err)
		}
		p.Offset = off
		return p, nil
	}
}

func (r *Reader) emit(packets []*Packet) {
	first := packets[0]
	payload := joinPayloads(packets)

	if r.isPSI(first.PID) {
		units, _ := parseSections(payload, first)
		for _, u := range units {
			switch u.Kind {
			case UnitPAT:
				for _, prog := range u.Programs {
					r.pmtPIDs[prog.PMTPID] = true
				}
			case UnitPMT:
				for _, es := range u.Streams {
					r.types[es.PID] = es.StreamType
				}
			}
			r.pending = append(r.pending, u)
		}
		return
	}

	if !hasPESStartCode(payload) {
		return
	}
	pes, err := parsePES(payload)
	if err != nil {
		return
	}
	r.pending = append(r.pending, &Unit{
		Kind:       UnitPES,
		PID:        first.PID,
		Offset:     first.Offset,
		StreamType: r.types[first.PID],
		PES:        pes,
	})
}

// DetectPacketSize inspects the head of a stream and returns 188 or 192,
// whichever places the sync byte at the start of several consecutive
// packets.
func DetectPacketSize(head []byte) (int, error) {
	for _, size := range []int{PacketSize, M2TSPacketSize} {
		prefix := size - PacketSize
		want := len(head) / size
		if want > 4 {
			want = 4
		}
		if want == 0 {
			continue
		}
		ok := true
		for i := 0; i < want; i++ {
			if head[i*size+prefix] != syncByte {
				ok = false
				break
			}
		}
		if ok {
			return size, nil
		}
	}
	return 0, fmt.Errorf("%w: no packet size matches", ErrSync)
}
