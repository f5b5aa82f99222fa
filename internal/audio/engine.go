// Package audio decodes and resamples the audio stream on demand for a
// pull-based output device, and exposes the device's playback position as
// the media clock every other component paces against.
package audio

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/tandem/internal/media"
	"github.com/zsiec/tandem/internal/pktqueue"
)

// maxDecodeSteps bounds how many times one packet is handed to the decoder.
// A decoder that keeps returning frames without consuming input would
// otherwise pin the audio goroutine.
const maxDecodeSteps = 64

// Decoder turns encoded audio packets into frames. consumed is the number of
// payload bytes used; a call may return a frame without consuming anything
// when the decoder had output buffered.
type Decoder interface {
	Decode(p *media.Packet) (consumed int, frame *media.AudioFrame, err error)
	Flush()
}

// Resampler converts decoded frames to interleaved signed 16-bit samples at
// the engine's fixed output rate and channel count. The returned slice is
// valid until the next call.
type Resampler interface {
	Convert(f *media.AudioFrame) ([]int16, error)
}

// Device is the output the engine feeds. Offset is the position of the
// sample currently audible, SetOffset rebases it.
type Device interface {
	Offset() time.Duration
	SetOffset(d time.Duration)
}

// Source is what a Device pulls from.
type Source interface {
	Fill() ([]int16, bool)
}

// Config sets the engine's output format.
type Config struct {
	SampleRate int
	Channels   int
	// ChunkDuration is the amount of audio produced per Fill.
	ChunkDuration time.Duration
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = 48000
	}
	if c.Channels <= 0 {
		c.Channels = 2
	}
	if c.ChunkDuration <= 0 {
		c.ChunkDuration = 100 * time.Millisecond
	}
	return c
}

// ChunkSamples is the interleaved sample count Fill aims for.
func (c Config) ChunkSamples() int {
	c = c.withDefaults()
	return int(int64(c.SampleRate)*int64(c.ChunkDuration)/int64(time.Second)) * c.Channels
}

// Engine is the audio side of playback. Fill runs on the device's pull
// goroutine and owns the decoder and resampler. Reposition, Clock and
// Started are safe to call from the control goroutine.
type Engine struct {
	log   *slog.Logger
	cfg   Config
	queue *pktqueue.Queue
	dec   Decoder
	res   Resampler

	target int
	buf    []int16

	devMu sync.RWMutex
	dev   Device

	gen          atomic.Uint64
	flushPending atomic.Bool
	started      atomic.Bool

	// clockMu orders device reads in Clock against rebases in Reposition,
	// so a read taken before a rebase cannot raise the floor after it.
	clockMu sync.Mutex
	floor   int64
	base    int64

	// produced counts interleaved samples decoded since base was set. The
	// pull goroutine updates it without taking clockMu.
	produced atomic.Int64

	chunks       atomic.Int64
	decodeErrors atomic.Int64
	packets      atomic.Int64
}

// NewEngine creates an engine that pulls packets from queue.
func NewEngine(cfg Config, queue *pktqueue.Queue, dec Decoder, res Resampler, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	target := cfg.ChunkSamples()
	return &Engine{
		log:    log.With("component", "audio"),
		cfg:    cfg,
		queue:  queue,
		dec:    dec,
		res:    res,
		target: target,
		buf:    make([]int16, 0, target*2),
	}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// AttachDevice connects the output whose offset drives Clock. The device is
// usually created after the engine since it pulls from it.
func (e *Engine) AttachDevice(d Device) {
	e.devMu.Lock()
	e.dev = d
	e.devMu.Unlock()
}

func (e *Engine) device() Device {
	e.devMu.RLock()
	defer e.devMu.RUnlock()
	return e.dev
}

// Fill produces the next chunk of interleaved samples, blocking until the
// queue yields enough packets. Once the queue's input has ended a partial
// chunk is returned rather than held. It returns ok=false once the queue is
// closed and nothing more can be produced. The slice is valid until the
// next Fill.
func (e *Engine) Fill() ([]int16, bool) {
	gen := e.gen.Load()
	e.buf = e.buf[:0]

	for len(e.buf) < e.target {
		var p *media.Packet
		var ok bool
		if len(e.buf) == 0 {
			p, ok = e.queue.Pop()
		} else {
			p, ok = e.queue.PopUnlessEnded()
		}
		if !ok {
			break
		}
		e.decodePacket(p)
	}

	if len(e.buf) == 0 {
		return nil, false
	}
	e.chunks.Add(1)
	// A reposition while this chunk was being built makes it stale; it
	// still plays but must not mark post-seek output as started.
	if e.gen.Load() == gen {
		e.started.Store(true)
	}
	return e.buf, true
}

func (e *Engine) decodePacket(p *media.Packet) {
	defer p.Release()
	e.packets.Add(1)

	if e.flushPending.CompareAndSwap(true, false) {
		e.dec.Flush()
	}

	for steps := 0; p.Size() > 0 && steps < maxDecodeSteps; steps++ {
		consumed, frame, err := e.dec.Decode(p)
		if err != nil {
			e.decodeErrors.Add(1)
			e.log.Debug("audio decode failed, skipping packet", "pts", p.PTS, "error", err)
			return
		}
		if frame != nil {
			samples, err := e.res.Convert(frame)
			if err != nil {
				e.decodeErrors.Add(1)
				e.log.Debug("resample failed, dropping frame", "pts", frame.PTS, "error", err)
			} else {
				e.buf = append(e.buf, samples...)
				e.produced.Add(int64(len(samples)))
			}
		}
		if consumed <= 0 {
			if frame == nil {
				return
			}
			continue
		}
		p.Advance(consumed)
	}
}

// Reposition discards queued audio and rebases the clock to ms. The decoder
// is flushed by the pull goroutine before it decodes its next packet.
func (e *Engine) Reposition(ms int64) {
	e.gen.Add(1)
	e.flushPending.Store(true)
	dropped := e.queue.Clear()
	e.started.Store(false)
	e.clockMu.Lock()
	if d := e.device(); d != nil {
		d.SetOffset(time.Duration(ms) * time.Millisecond)
	}
	e.floor = ms
	e.base = ms
	e.produced.Store(0)
	e.clockMu.Unlock()
	e.log.Debug("audio repositioned", "anchor_ms", ms, "dropped", dropped)
}

// Clock returns the playback position in milliseconds. Between repositions
// it never goes backwards.
func (e *Engine) Clock() int64 {
	e.clockMu.Lock()
	defer e.clockMu.Unlock()
	return e.clockLocked()
}

func (e *Engine) clockLocked() int64 {
	d := e.device()
	if d == nil {
		return e.floor
	}
	if ms := d.Offset().Milliseconds(); ms > e.floor {
		e.floor = ms
	}
	return e.floor
}

// Drained reports whether the device has played every sample decoded since
// the last reposition.
func (e *Engine) Drained() bool {
	e.clockMu.Lock()
	defer e.clockMu.Unlock()
	if e.device() == nil {
		return true
	}
	end := e.base + e.produced.Load()/int64(e.cfg.Channels)*1000/int64(e.cfg.SampleRate)
	return e.clockLocked() >= end
}

// Started reports whether output has begun since the last reposition.
func (e *Engine) Started() bool { return e.started.Load() }

// QueueLen returns the number of packets waiting in the audio queue.
func (e *Engine) QueueLen() int { return e.queue.Len() }

// Stats is a point-in-time view of the engine's counters.
type Stats struct {
	Chunks       int64 `json:"chunks"`
	Packets      int64 `json:"packets"`
	DecodeErrors int64 `json:"decodeErrors"`
	ClockMs      int64 `json:"clockMs"`
	Started      bool  `json:"started"`
}

// Stats returns the engine's counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Chunks:       e.chunks.Load(),
		Packets:      e.packets.Load(),
		DecodeErrors: e.decodeErrors.Load(),
		ClockMs:      e.Clock(),
		Started:      e.Started(),
	}
}
