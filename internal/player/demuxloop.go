package player

import (
	"errors"
	"io"
	"time"

	"github.com/zsiec/tandem/internal/media"
)

// demuxStep reads at most one packet from the container and routes it. At
// end of stream it stops reading and reports done once both queues have
// drained and the device has played the last audio.
func (p *Player) demuxStep() (worked, done bool) {
	if p.eos {
		return false, p.drainAtEnd()
	}

	if p.videoQ.Full() {
		if !p.makeVideoRoom() {
			return false, false
		}
	} else {
		p.starved.reset()
	}

	pkt, err := p.deps.Container.ReadPacket()
	if err != nil {
		if errors.Is(err, io.EOF) {
			p.log.Info("end of stream", "video_queued", p.videoQ.Len(), "audio_queued", p.audioQ.Len())
		} else {
			p.stats.readErrors.Add(1)
			p.log.Warn("read failed, treating as end of stream", "error", err)
		}
		p.eos = true
		p.stats.eos.Store(true)
		return true, false
	}
	p.stats.recordRead(p.now(), pkt.Size())

	switch pkt.Stream {
	case media.StreamVideo:
		p.stats.videoPackets.Add(1)
		err = p.videoQ.Push(pkt)
	case media.StreamAudio:
		p.stats.audioPackets.Add(1)
		err = p.sync.Route(pkt)
	case media.StreamCaption:
		p.stats.captionPackets.Add(1)
		err = p.captionQ.Push(pkt)
	default:
		pkt.Release()
	}
	if err != nil {
		p.log.Debug("packet dropped", "stream", pkt.Stream, "error", err)
		pkt.Release()
	}
	return true, false
}

// makeVideoRoom applies back-pressure on a full video queue and reports
// whether another packet may be read.
//
// With audio queued the answer is no. With the audio queue empty the clock
// cannot move, so reading continues to find audio, up to twice the
// capacity. Past that ceiling the oldest video is dropped, one packet per
// read, but only once the clock has stood still for EndStall.
func (p *Player) makeVideoRoom() bool {
	if p.audioQ.Len() > 0 {
		p.starved.reset()
		return false
	}
	if p.videoQ.Len() < 2*p.cfg.VideoCapacity {
		return true
	}
	clock := p.engine.Clock()
	if !p.starved.stalled(clock, p.now(), p.cfg.EndStall) {
		return false
	}
	old, ok := p.videoQ.TryPop()
	if ok {
		p.stats.starvedDrops.Add(1)
		p.log.Debug("audio starved, dropping oldest video", "clock_ms", clock, "pts", old.PTS)
		old.Release()
	}
	return true
}

// drainAtEnd applies the end-of-stream rules and reports whether playback
// is complete.
func (p *Player) drainAtEnd() bool {
	videoEmpty := p.videoQ.Len() == 0
	p.sync.EndOfStream(videoEmpty)
	if p.audioQ.Len() > 0 || p.sync.SideLen() > 0 {
		p.endStall.reset()
		return false
	}

	// Nothing more will be routed to the engine, so it may hand the device
	// a short final chunk instead of waiting to fill it.
	p.audioQ.EndInput()
	if videoEmpty && p.engine.Drained() {
		return true
	}

	// Trailing video and the device's last samples both wait on the clock.
	// Once it stands still they will never be reached.
	clock := p.engine.Clock()
	if !p.endStall.stalled(clock, p.now(), p.cfg.EndStall) {
		return false
	}
	dropped := p.videoQ.Clear()
	p.log.Info("audio clock stopped, ending playback", "clock_ms", clock, "dropped_video", dropped)
	return true
}

// stallWatch tracks how long the audio clock has held one value.
type stallWatch struct {
	clock int64
	since time.Time
}

// stalled records clock at now and reports whether it has not changed for
// at least limit.
func (w *stallWatch) stalled(clock int64, now time.Time, limit time.Duration) bool {
	if w.since.IsZero() || clock != w.clock {
		w.clock, w.since = clock, now
		return false
	}
	return now.Sub(w.since) >= limit
}

func (w *stallWatch) reset() { w.since = time.Time{} }
