// Package video paces decoding and presentation of the video stream against
// the audio clock.
package video

import (
	"log/slog"
	"sync/atomic"

	"github.com/zsiec/tandem/internal/media"
	"github.com/zsiec/tandem/internal/pktqueue"
)

// AnchorGranularity is the resolution, in milliseconds, that a post-seek
// audio anchor is rounded up to.
const AnchorGranularity = 32

// Decoder turns encoded video packets into frames.
type Decoder interface {
	Decode(p *media.Packet) (consumed int, frame *media.VideoFrame, err error)
	Flush()
}

// Converter turns a decoded frame into RGBA at the renderer's dimensions.
type Converter interface {
	Convert(f *media.VideoFrame) (*media.VideoFrame, error)
}

// Renderer displays converted frames.
type Renderer interface {
	Present(f *media.VideoFrame) error
}

// Clock is the audio engine as seen by the pump.
type Clock interface {
	Clock() int64
	Started() bool
	Reposition(ms int64)
}

// Resync is the seek controller as seen by the pump. When ResyncPending is
// true the next presented frame decides the audio anchor.
type Resync interface {
	ResyncPending() bool
	Resynced(anchor int64)
}

// RoundUpAnchor rounds ms up to the next multiple of AnchorGranularity.
func RoundUpAnchor(ms int64) int64 {
	if ms <= 0 {
		return 0
	}
	return (ms + AnchorGranularity - 1) / AnchorGranularity * AnchorGranularity
}

// Pump decodes at most one video step per call to Step and presents frames
// whose timestamp the audio clock has passed. It runs on the control
// goroutine and never blocks.
type Pump struct {
	log    *slog.Logger
	queue  *pktqueue.Queue
	dec    Decoder
	conv   Converter
	render Renderer
	clock  Clock
	resync Resync

	lastMs int64

	presented    atomic.Int64
	dropped      atomic.Int64
	decodeErrors atomic.Int64
	lastShown    atomic.Int64
}

// NewPump creates a pump reading from queue. resync may be nil when seeking
// is not wired.
func NewPump(queue *pktqueue.Queue, dec Decoder, conv Converter, render Renderer, clock Clock, resync Resync, log *slog.Logger) *Pump {
	if log == nil {
		log = slog.Default()
	}
	p := &Pump{
		log:    log.With("component", "video"),
		queue:  queue,
		dec:    dec,
		conv:   conv,
		render: render,
		clock:  clock,
		resync: resync,
		lastMs: -1,
	}
	p.lastShown.Store(-1)
	return p
}

// AttachResync connects the seek controller after construction; the
// controller itself needs the pump to reset it on seek.
func (p *Pump) AttachResync(r Resync) { p.resync = r }

// Ready reports whether Step would decode: a packet is queued, the clock
// has passed the last decoded frame, and audio output has begun. The first
// frame after a seek does not wait for audio, since audio is held back
// until that frame sets the anchor.
func (p *Pump) Ready() bool {
	if p.queue.Len() == 0 || p.clock.Clock() <= p.lastMs {
		return false
	}
	if p.resync != nil && p.resync.ResyncPending() {
		return true
	}
	return p.clock.Started()
}

// Step runs one decode step if Ready and reports whether it did any work.
func (p *Pump) Step() bool {
	if !p.Ready() {
		return false
	}
	pkt, ok := p.queue.TryPop()
	if !ok {
		return false
	}

	consumed, frame, err := p.dec.Decode(pkt)
	if err != nil {
		p.decodeErrors.Add(1)
		p.log.Debug("video decode failed, skipping packet", "pts", pkt.PTS, "error", err)
		pkt.Release()
		return true
	}
	if frame != nil {
		p.show(pkt, frame)
	}

	// A zero-consumption step without output would re-queue the same bytes
	// forever.
	if consumed <= 0 && frame == nil {
		pkt.Release()
		return true
	}
	pkt.Advance(consumed)
	if pkt.Size() > 0 {
		if err := p.queue.PushFront(pkt); err != nil {
			p.log.Debug("cannot requeue partial packet", "pts", pkt.PTS, "error", err)
			pkt.Release()
		}
		return true
	}
	pkt.Release()
	return true
}

func (p *Pump) show(pkt *media.Packet, frame *media.VideoFrame) {
	ms, ok := frameMillis(pkt, frame)
	if !ok {
		ms = p.lastMs + 1
	}
	frame.Millis = ms
	pending := p.resync != nil && p.resync.ResyncPending()

	if ms < p.lastMs && !pending {
		p.dropped.Add(1)
		p.log.Debug("dropping out-of-order frame", "frame_ms", ms, "last_ms", p.lastMs)
		return
	}

	out, err := p.conv.Convert(frame)
	if err != nil {
		p.decodeErrors.Add(1)
		p.log.Debug("pixel conversion failed", "frame_ms", ms, "error", err)
	} else if err := p.render.Present(out); err != nil {
		p.log.Warn("present failed", "frame_ms", ms, "error", err)
	} else {
		p.presented.Add(1)
		p.lastShown.Store(ms)
	}
	p.lastMs = ms

	if pending {
		anchor := RoundUpAnchor(ms)
		p.clock.Reposition(anchor)
		p.resync.Resynced(anchor)
		p.log.Debug("resynced on first frame after seek", "frame_ms", ms, "anchor_ms", anchor)
	}
}

func frameMillis(pkt *media.Packet, frame *media.VideoFrame) (int64, bool) {
	if frame.PTS != media.NoPTS && pkt.TimeBase.Valid() {
		return pkt.TimeBase.ToMillis(frame.PTS, pkt.Start), true
	}
	return pkt.Millis()
}

// Reset flushes the decoder and forgets the last decoded timestamp so the
// first frame after a seek is decoded straight away.
func (p *Pump) Reset() {
	p.dec.Flush()
	p.lastMs = -1
}

// LastMillis returns the timestamp of the last decoded frame, -1 if none.
func (p *Pump) LastMillis() int64 { return p.lastMs }

// Stats is a point-in-time view of the pump's counters.
type Stats struct {
	Presented    int64 `json:"presented"`
	Dropped      int64 `json:"dropped"`
	DecodeErrors int64 `json:"decodeErrors"`
	LastFrameMs  int64 `json:"lastFrameMs"`
}

// Stats returns the pump's counters. Safe from any goroutine.
func (p *Pump) Stats() Stats {
	return Stats{
		Presented:    p.presented.Load(),
		Dropped:      p.dropped.Load(),
		DecodeErrors: p.decodeErrors.Load(),
		LastFrameMs:  p.lastShown.Load(),
	}
}
