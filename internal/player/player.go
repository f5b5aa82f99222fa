// Package player wires the packet queues, audio engine, video pump and
// resync controller into a playback session and drives the control loop.
//
// The control goroutine runs Tick repeatedly: it handles UI events, issues
// pending seeks, reads one packet from the container, decodes at most one
// video step and shows due captions. Audio is decoded on the output
// device's own goroutine through audio.Engine.Fill.
package player

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/tandem/internal/audio"
	"github.com/zsiec/tandem/internal/media"
	"github.com/zsiec/tandem/internal/pktqueue"
	"github.com/zsiec/tandem/internal/resync"
	"github.com/zsiec/tandem/internal/video"
)

// Container is a demultiplexed media source.
type Container interface {
	Streams() []media.StreamInfo
	// ReadPacket returns the next packet of a selected stream, or io.EOF.
	ReadPacket() (*media.Packet, error)
	Seek(kind media.StreamKind, targetMs int64, backward bool) error
	Close() error
}

// CaptionSink displays caption text.
type CaptionSink interface {
	ShowCaption(text string)
}

// Config controls a playback session.
type Config struct {
	// VideoCapacity is the soft limit on queued video packets. While audio
	// is starving reading continues past it, up to twice the capacity.
	VideoCapacity int
	// SeekStep is the distance of one relative seek.
	SeekStep time.Duration
	// IdleSleep is how long a tick that did nothing sleeps.
	IdleSleep time.Duration
	// EndStall is how long the clock may stand still, with no audio
	// queued, before video that it cannot reach is dropped.
	EndStall time.Duration
	Audio    audio.Config
}

func (c Config) withDefaults() Config {
	if c.VideoCapacity <= 0 {
		c.VideoCapacity = 300
	}
	if c.SeekStep <= 0 {
		c.SeekStep = 10 * time.Second
	}
	if c.IdleSleep <= 0 {
		c.IdleSleep = 2 * time.Millisecond
	}
	if c.EndStall <= 0 {
		c.EndStall = time.Second
	}
	return c
}

// Deps are the collaborators a session plays through. Captions is optional.
type Deps struct {
	Container    Container
	AudioDecoder audio.Decoder
	Resampler    audio.Resampler
	VideoDecoder video.Decoder
	Converter    video.Converter
	Renderer     video.Renderer
	Events       EventSource
	Captions     CaptionSink
}

// Player is one playback session.
type Player struct {
	log  *slog.Logger
	cfg  Config
	deps Deps

	audioQ   *pktqueue.Queue
	videoQ   *pktqueue.Queue
	captionQ *pktqueue.Queue

	engine *audio.Engine
	pump   *video.Pump
	sync   *resync.Controller

	eos      bool
	endStall stallWatch
	starved  stallWatch
	now      func() time.Time

	closeOnce sync.Once
	stats     counters
}

// New builds a session. The caller attaches an output device to Audio()
// before calling Run.
func New(cfg Config, deps Deps, log *slog.Logger) (*Player, error) {
	if log == nil {
		log = slog.Default()
	}
	if deps.Container == nil || deps.AudioDecoder == nil || deps.Resampler == nil ||
		deps.VideoDecoder == nil || deps.Converter == nil || deps.Renderer == nil {
		return nil, errors.New("player: missing collaborator")
	}
	if deps.Events == nil {
		deps.Events = noEvents{}
	}
	cfg = cfg.withDefaults()

	shared := pktqueue.NewShared()
	p := &Player{
		log:      log.With("component", "player"),
		cfg:      cfg,
		deps:     deps,
		audioQ:   pktqueue.New(shared, media.StreamAudio, 0),
		videoQ:   pktqueue.New(shared, media.StreamVideo, cfg.VideoCapacity),
		captionQ: pktqueue.New(shared, media.StreamCaption, 0),
		now:      time.Now,
	}
	p.stats.startedAt = p.now()
	p.engine = audio.NewEngine(cfg.Audio, p.audioQ, deps.AudioDecoder, deps.Resampler, log)
	p.pump = video.NewPump(p.videoQ, deps.VideoDecoder, deps.Converter, deps.Renderer, p.engine, nil, log)
	p.sync = resync.New(resync.Config{Step: cfg.SeekStep}, shared, p.audioQ, p.videoQ,
		deps.Container, p.engine, p.pump, log, p.captionQ)
	p.pump.AttachResync(p.sync)
	return p, nil
}

// Audio returns the session's audio engine, which an output device pulls
// from.
func (p *Player) Audio() *audio.Engine { return p.engine }

// Resync returns the seek controller.
func (p *Player) Resync() *resync.Controller { return p.sync }

// Run drives Tick until end of stream, a close or quit event, or ctx is
// cancelled. The session is closed on return.
func (p *Player) Run(ctx context.Context) error {
	defer p.Close()
	p.log.Info("playback started", "video_capacity", p.cfg.VideoCapacity, "seek_step", p.cfg.SeekStep)
	for {
		select {
		case <-ctx.Done():
			p.log.Info("playback stopped", "reason", ctx.Err())
			return nil
		default:
		}
		worked, done := p.Tick()
		if done {
			p.log.Info("playback finished", "clock_ms", p.engine.Clock())
			return nil
		}
		if !worked {
			time.Sleep(p.cfg.IdleSleep)
		}
	}
}

// Tick runs one control-loop iteration and reports whether it did any work
// and whether the session is over.
func (p *Player) Tick() (worked, done bool) {
	if p.handleEvents() {
		return true, true
	}

	seeked, err := p.sync.Step()
	if err != nil {
		p.log.Warn("seek aborted", "error", err)
	}
	if seeked {
		p.eos = false
		p.stats.eos.Store(false)
		p.endStall.reset()
		p.audioQ.ResumeInput()
		worked = true
	}

	w, d := p.demuxStep()
	if d {
		return true, true
	}
	worked = worked || w

	if p.pump.Step() {
		worked = true
	}
	if p.captionStep() {
		worked = true
	}
	return worked, false
}

func (p *Player) handleEvents() (quit bool) {
	for _, ev := range p.deps.Events.PollEvents() {
		switch ev.Kind {
		case EventClose, EventQuit:
			p.log.Info("stop requested", "event", ev.Kind)
			return true
		case EventSeekForward:
			p.sync.RequestSeek(resync.Forward)
		case EventSeekBackward:
			p.sync.RequestSeek(resync.Backward)
		}
	}
	return false
}

func (p *Player) captionStep() bool {
	head := p.captionQ.Front()
	if head == nil || !p.engine.Started() {
		return false
	}
	if ms, ok := head.Millis(); ok && ms > p.engine.Clock() {
		return false
	}
	c, ok := p.captionQ.TryPop()
	if !ok {
		return false
	}
	if p.deps.Captions != nil {
		p.deps.Captions.ShowCaption(string(c.Data()))
	}
	p.stats.captions.Add(1)
	c.Release()
	return true
}

// Close clears and closes every queue, which unblocks the audio goroutine,
// then closes the container. Safe to call more than once.
func (p *Player) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.videoQ.Clear()
		p.captionQ.Clear()
		p.audioQ.Clear()
		p.sync.Close()
		p.videoQ.Close()
		p.captionQ.Close()
		p.audioQ.Close()
		if cerr := p.deps.Container.Close(); cerr != nil && !errors.Is(cerr, io.EOF) {
			err = cerr
		}
	})
	return err
}
