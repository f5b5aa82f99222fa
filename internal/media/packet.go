package media

import (
	"math"
	"sync"
)

// StreamKind identifies which elementary stream a packet belongs to.
type StreamKind int

// Stream kinds carried by a container.
const (
	StreamUnknown StreamKind = iota
	StreamAudio
	StreamVideo
	StreamCaption
)

func (k StreamKind) String() string {
	switch k {
	case StreamAudio:
		return "audio"
	case StreamVideo:
		return "video"
	case StreamCaption:
		return "caption"
	default:
		return "unknown"
	}
}

// NoPTS marks an absent timestamp.
const NoPTS int64 = math.MinInt64

// Rational is a stream time base, e.g. 1/90000.
type Rational struct {
	Num int64
	Den int64
}

// Valid reports whether r can be used for conversions.
func (r Rational) Valid() bool { return r.Num > 0 && r.Den > 0 }

// ToMillis converts ts, expressed in units of r, to milliseconds relative to
// the stream start time.
func (r Rational) ToMillis(ts, start int64) int64 {
	if !r.Valid() || ts == NoPTS {
		return 0
	}
	if start == NoPTS {
		start = 0
	}
	return (ts - start) * 1000 * r.Num / r.Den
}

// FromMillis is the inverse of ToMillis.
func (r Rational) FromMillis(ms, start int64) int64 {
	if !r.Valid() {
		return 0
	}
	if start == NoPTS {
		start = 0
	}
	return ms*r.Den/(1000*r.Num) + start
}

// Packet is one encoded unit read from a container. It is owned by exactly
// one holder at a time: the demux loop, a queue, the resync side buffer, or
// the decoder currently working on it. Decoders that stop partway through
// the payload call Advance so the remainder can be re-queued at the head.
type Packet struct {
	Stream   StreamKind
	Codec    string
	PTS      int64
	DTS      int64
	Duration int64
	TimeBase Rational
	Start    int64
	Keyframe bool

	data     []byte
	off      int
	release  func()
	once     sync.Once
	released bool
}

// NewPacket wraps data in a packet of the given kind with no timestamps set.
func NewPacket(kind StreamKind, data []byte) *Packet {
	return &Packet{
		Stream: kind,
		PTS:    NoPTS,
		DTS:    NoPTS,
		data:   data,
	}
}

// OnRelease installs a hook run once when the packet is released. Container
// adapters use it to hand pooled buffers back.
func (p *Packet) OnRelease(fn func()) { p.release = fn }

// Data returns the full payload, including any bytes already consumed.
func (p *Packet) Data() []byte { return p.data }

// Remaining returns the payload bytes not yet consumed by a decoder.
func (p *Packet) Remaining() []byte {
	if p.off >= len(p.data) {
		return nil
	}
	return p.data[p.off:]
}

// Size is the number of unconsumed payload bytes.
func (p *Packet) Size() int { return len(p.data) - p.off }

// Advance marks n more payload bytes as consumed. It clamps at the end of
// the payload.
func (p *Packet) Advance(n int) {
	if n <= 0 {
		return
	}
	p.off += n
	if p.off > len(p.data) {
		p.off = len(p.data)
	}
}

// Partial reports whether a decoder has consumed some but not all of the
// payload.
func (p *Packet) Partial() bool { return p.off > 0 && p.off < len(p.data) }

// Release drops the payload and runs the release hook. Calling it more than
// once is a no-op.
func (p *Packet) Release() {
	p.once.Do(func() {
		p.data = nil
		p.off = 0
		p.released = true
		if p.release != nil {
			p.release()
		}
	})
}

// Released reports whether Release has run.
func (p *Packet) Released() bool { return p.released }

// Millis returns the packet's presentation time in milliseconds, falling
// back to DTS. ok is false when the packet carries neither.
func (p *Packet) Millis() (ms int64, ok bool) {
	ts := p.PTS
	if ts == NoPTS {
		ts = p.DTS
	}
	if ts == NoPTS || !p.TimeBase.Valid() {
		return 0, false
	}
	return p.TimeBase.ToMillis(ts, p.Start), true
}
