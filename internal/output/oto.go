// Package output plays the audio engine's samples on the system audio
// device and reports how far playback has actually progressed.
package output

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/hajimehoshi/oto/v2"

	"github.com/zsiec/tandem/internal/audio"
)

const bytesPerSample = 2

// player is the part of oto.Player the device uses.
type player interface {
	Play()
	UnplayedBufferSize() int
	Close() error
}

// Device pulls signed 16-bit interleaved chunks from an audio.Source
// through oto and implements audio.Device. Offset is derived from the bytes
// oto has taken minus what it still buffers.
type Device struct {
	log *slog.Logger
	pcm *pcmReader
	p   player

	mu  sync.Mutex
	pos position
}

// Open starts playback of src at rate Hz with the given channel count. It
// blocks until the audio device is ready.
func Open(src audio.Source, rate, channels int, log *slog.Logger) (*Device, error) {
	if log == nil {
		log = slog.Default()
	}
	ctx, ready, err := oto.NewContext(rate, channels, bytesPerSample)
	if err != nil {
		return nil, fmt.Errorf("open audio device: %w", err)
	}
	<-ready

	d := newDevice(src, rate, channels, log)
	d.p = ctx.NewPlayer(d.pcm)
	d.p.Play()
	d.log.Info("audio output started", "sample_rate", rate, "channels", channels)
	return d, nil
}

func newDevice(src audio.Source, rate, channels int, log *slog.Logger) *Device {
	return &Device{
		log: log.With("component", "output"),
		pcm: &pcmReader{src: src},
		pos: position{bytesPerSecond: int64(rate * channels * bytesPerSample)},
	}
}

// Offset implements audio.Device.
func (d *Device) Offset() time.Duration {
	played := d.played()
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pos.offset(played)
}

// SetOffset implements audio.Device. Audio still buffered in oto keeps
// playing; the offset advances from d as it does.
func (d *Device) SetOffset(off time.Duration) {
	played := d.played()
	d.mu.Lock()
	d.pos.rebase(off, played)
	d.mu.Unlock()
}

func (d *Device) played() int64 {
	played := d.pcm.written()
	if d.p != nil {
		played -= int64(d.p.UnplayedBufferSize())
	}
	if played < 0 {
		return 0
	}
	return played
}

// Close stops playback.
func (d *Device) Close() error {
	if d.p == nil {
		return nil
	}
	return d.p.Close()
}

// position maps bytes played to a media offset.
type position struct {
	bytesPerSecond int64
	base           time.Duration
	mark           int64
}

func (p *position) rebase(off time.Duration, played int64) {
	p.base = off
	p.mark = played
}

func (p *position) offset(played int64) time.Duration {
	if p.bytesPerSecond <= 0 || played <= p.mark {
		return p.base
	}
	return p.base + time.Duration((played-p.mark)*int64(time.Second)/p.bytesPerSecond)
}

// pcmReader serves Source chunks as little-endian bytes.
type pcmReader struct {
	src audio.Source

	buf []byte
	off int

	mu    sync.Mutex
	total int64
}

func (r *pcmReader) Read(b []byte) (int, error) {
	if r.off >= len(r.buf) {
		samples, ok := r.src.Fill()
		if !ok {
			return 0, io.EOF
		}
		r.buf = encodeS16(r.buf[:0], samples)
		r.off = 0
	}
	n := copy(b, r.buf[r.off:])
	r.off += n
	r.mu.Lock()
	r.total += int64(n)
	r.mu.Unlock()
	return n, nil
}

func (r *pcmReader) written() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

func encodeS16(dst []byte, samples []int16) []byte {
	for _, s := range samples {
		dst = binary.LittleEndian.AppendUint16(dst, uint16(s))
	}
	return dst
}
