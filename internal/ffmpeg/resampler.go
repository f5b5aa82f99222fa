package ffmpeg

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/asticode/go-astiav"

	"github.com/zsiec/tandem/internal/media"
)

var errNotNative = errors.New("ffmpeg: frame was not decoded by libavcodec")

// resampleSlack covers samples libswresample holds back between calls.
const resampleSlack = 256

// outputCapacity is the number of output samples per channel needed to
// convert in input samples from inRate to outRate.
func outputCapacity(in, inRate, outRate int) int {
	if in <= 0 || inRate <= 0 || outRate <= 0 {
		return resampleSlack
	}
	return int((int64(in)*int64(outRate)+int64(inRate)-1)/int64(inRate)) + resampleSlack
}

// Resampler converts decoded audio frames to interleaved signed 16-bit
// samples at a fixed rate and channel count.
type Resampler struct {
	log      *slog.Logger
	rate     int
	channels int

	swr      *astiav.SoftwareResampleContext
	dst      *astiav.Frame
	capacity int
	out      []int16
}

// NewResampler returns a resampler producing rate Hz with channels
// interleaved channels (1 or 2).
func NewResampler(rate, channels int, log *slog.Logger) (*Resampler, error) {
	if log == nil {
		log = slog.Default()
	}
	if channels != 1 && channels != 2 {
		return nil, fmt.Errorf("ffmpeg: unsupported output channel count %d", channels)
	}
	swr := astiav.AllocSoftwareResampleContext()
	if swr == nil {
		return nil, errors.New("ffmpeg: alloc resample context")
	}
	return &Resampler{
		log:      log.With("component", "resampler"),
		rate:     rate,
		channels: channels,
		swr:      swr,
		dst:      astiav.AllocFrame(),
	}, nil
}

func (r *Resampler) layout() astiav.ChannelLayout {
	if r.channels == 1 {
		return astiav.ChannelLayoutMono
	}
	return astiav.ChannelLayoutStereo
}

// grow makes sure dst can take n samples per channel. The buffer never
// shrinks.
func (r *Resampler) grow(n int) error {
	if n <= r.capacity {
		r.dst.SetNbSamples(r.capacity)
		return nil
	}
	r.dst.Unref()
	r.dst.SetSampleFormat(astiav.SampleFormatS16)
	r.dst.SetChannelLayout(r.layout())
	r.dst.SetSampleRate(r.rate)
	r.dst.SetNbSamples(n)
	if err := r.dst.AllocBuffer(0); err != nil {
		r.capacity = 0
		return fmt.Errorf("alloc resample buffer: %w", err)
	}
	r.capacity = n
	return nil
}

// Convert implements audio.Resampler. The returned slice is reused by the
// next call.
func (r *Resampler) Convert(f *media.AudioFrame) ([]int16, error) {
	src, ok := f.Native.(*astiav.Frame)
	if !ok || src == nil {
		return nil, errNotNative
	}
	if err := r.grow(outputCapacity(f.Samples, f.SampleRate, r.rate)); err != nil {
		return nil, err
	}
	if err := r.swr.ConvertFrame(src, r.dst); err != nil {
		// Input format changes mid-stream need a fresh context.
		r.log.Debug("resample context reset", "sample_rate", f.SampleRate, "channels", f.Channels, "error", err)
		r.swr.Free()
		r.swr = astiav.AllocSoftwareResampleContext()
		if err := r.grow(outputCapacity(f.Samples, f.SampleRate, r.rate)); err != nil {
			return nil, err
		}
		if err := r.swr.ConvertFrame(src, r.dst); err != nil {
			return nil, fmt.Errorf("%w: resample: %w", media.ErrDecode, err)
		}
	}

	pcm, err := r.dst.Data().Bytes(0)
	if err != nil {
		return nil, fmt.Errorf("%w: resample output: %w", media.ErrDecode, err)
	}
	n := r.dst.NbSamples() * r.channels
	if n*2 > len(pcm) {
		n = len(pcm) / 2
	}
	r.out = decodeS16(r.out[:0], pcm[:n*2])
	return r.out, nil
}

// decodeS16 appends little-endian signed 16-bit samples from b to dst.
func decodeS16(dst []int16, b []byte) []int16 {
	for i := 0; i+1 < len(b); i += 2 {
		dst = append(dst, int16(binary.LittleEndian.Uint16(b[i:])))
	}
	return dst
}

// Close frees the resampler.
func (r *Resampler) Close() {
	if r.dst != nil {
		r.dst.Free()
		r.dst = nil
	}
	if r.swr != nil {
		r.swr.Free()
		r.swr = nil
	}
}
