package ffmpeg

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/asticode/go-astiav"

	"github.com/zsiec/tandem/internal/media"
)

var errNoDecoder = errors.New("ffmpeg: no decoder")

// decoder is the send/receive loop shared by the audio and video decoders.
// At most one decoded frame is handed out per call; frames still buffered in
// the codec are drained by later calls before new input is sent.
type decoder struct {
	log     *slog.Logger
	info    media.StreamInfo
	threads int

	codec   *astiav.Codec
	ctx     *astiav.CodecContext
	pkt     *astiav.Packet
	frame   *astiav.Frame
	pending bool
}

func newDecoder(info media.StreamInfo, threads int, log *slog.Logger) (*decoder, error) {
	if log == nil {
		log = slog.Default()
	}
	d := &decoder{
		log:     log.With("component", "decoder", "stream", info.Kind.String()),
		info:    info,
		threads: threads,
	}
	par, _ := info.Native.(*astiav.CodecParameters)
	if par != nil {
		d.codec = astiav.FindDecoder(par.CodecID())
	} else {
		d.codec = astiav.FindDecoderByName(info.Codec)
	}
	if d.codec == nil {
		return nil, fmt.Errorf("%w for %s stream codec %q", errNoDecoder, info.Kind, info.Codec)
	}
	if err := d.open(); err != nil {
		return nil, err
	}
	d.pkt = astiav.AllocPacket()
	d.frame = astiav.AllocFrame()
	d.log.Debug("decoder opened", "codec", d.codec.Name())
	return d, nil
}

func (d *decoder) open() error {
	ctx := astiav.AllocCodecContext(d.codec)
	if ctx == nil {
		return fmt.Errorf("alloc codec context for %s", d.info.Codec)
	}
	if par, ok := d.info.Native.(*astiav.CodecParameters); ok && par != nil {
		if err := par.ToCodecContext(ctx); err != nil {
			ctx.Free()
			return fmt.Errorf("codec parameters for %s: %w", d.info.Codec, err)
		}
	}
	if d.threads > 0 {
		ctx.SetThreadCount(d.threads)
	}
	if err := ctx.Open(d.codec, nil); err != nil {
		ctx.Free()
		return fmt.Errorf("open %s decoder: %w", d.info.Codec, err)
	}
	d.ctx = ctx
	return nil
}

// decode feeds p's unconsumed payload to the codec. It reports the bytes
// consumed and whether d.frame holds a new frame.
func (d *decoder) decode(p *media.Packet) (int, bool, error) {
	if d.pending {
		ok, err := d.receive()
		if err != nil || ok {
			return 0, ok, err
		}
	}

	data := p.Remaining()
	if len(data) == 0 {
		return 0, false, nil
	}
	if err := d.pkt.FromData(data); err != nil {
		return 0, false, fmt.Errorf("%w: packet copy: %w", media.ErrDecode, err)
	}
	d.pkt.SetPts(toAV(p.PTS))
	d.pkt.SetDts(toAV(p.DTS))
	err := d.ctx.SendPacket(d.pkt)
	d.pkt.Unref()
	if err != nil {
		return 0, false, fmt.Errorf("%w: send packet: %w", media.ErrDecode, err)
	}

	d.pending = true
	ok, err := d.receive()
	return len(data), ok, err
}

func (d *decoder) receive() (bool, error) {
	d.frame.Unref()
	err := d.ctx.ReceiveFrame(d.frame)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, astiav.ErrEagain), errors.Is(err, astiav.ErrEof):
		d.pending = false
		return false, nil
	default:
		d.pending = false
		return false, fmt.Errorf("%w: receive frame: %w", media.ErrDecode, err)
	}
}

// flush drops buffered input and output by reopening the codec context.
func (d *decoder) flush() {
	d.frame.Unref()
	d.pending = false
	if d.ctx != nil {
		d.ctx.Free()
		d.ctx = nil
	}
	if err := d.open(); err != nil {
		d.log.Warn("decoder reopen failed", "error", err)
	}
}

func (d *decoder) close() {
	if d.frame != nil {
		d.frame.Free()
		d.frame = nil
	}
	if d.pkt != nil {
		d.pkt.Free()
		d.pkt = nil
	}
	if d.ctx != nil {
		d.ctx.Free()
		d.ctx = nil
	}
}

// AudioDecoder decodes one audio stream. The frame it returns references
// decoder memory and is valid until the next Decode or Flush.
type AudioDecoder struct {
	d *decoder
}

// NewAudioDecoder opens a decoder for info. Codec parameters in info.Native
// are used when present; otherwise the decoder is looked up by codec name.
func NewAudioDecoder(info media.StreamInfo, log *slog.Logger) (*AudioDecoder, error) {
	d, err := newDecoder(info, 0, log)
	if err != nil {
		return nil, err
	}
	return &AudioDecoder{d: d}, nil
}

// Decode implements audio.Decoder.
func (a *AudioDecoder) Decode(p *media.Packet) (int, *media.AudioFrame, error) {
	if a.d.ctx == nil {
		return 0, nil, fmt.Errorf("%w: decoder closed", media.ErrDecode)
	}
	n, ok, err := a.d.decode(p)
	if err != nil || !ok {
		return n, nil, err
	}
	f := a.d.frame
	return n, &media.AudioFrame{
		Format:     sampleFormat(f.SampleFormat()),
		Channels:   f.ChannelLayout().Channels(),
		SampleRate: f.SampleRate(),
		Samples:    f.NbSamples(),
		PTS:        fromAV(f.Pts()),
		Native:     f,
	}, nil
}

// Flush implements audio.Decoder.
func (a *AudioDecoder) Flush() { a.d.flush() }

// Close frees the decoder.
func (a *AudioDecoder) Close() { a.d.close() }

// VideoDecoder decodes one video stream.
type VideoDecoder struct {
	d *decoder
}

// NewVideoDecoder opens a decoder for info with the given thread count;
// zero lets libavcodec choose.
func NewVideoDecoder(info media.StreamInfo, threads int, log *slog.Logger) (*VideoDecoder, error) {
	d, err := newDecoder(info, threads, log)
	if err != nil {
		return nil, err
	}
	return &VideoDecoder{d: d}, nil
}

// Decode implements video.Decoder.
func (v *VideoDecoder) Decode(p *media.Packet) (int, *media.VideoFrame, error) {
	if v.d.ctx == nil {
		return 0, nil, fmt.Errorf("%w: decoder closed", media.ErrDecode)
	}
	n, ok, err := v.d.decode(p)
	if err != nil || !ok {
		return n, nil, err
	}
	f := v.d.frame
	return n, &media.VideoFrame{
		Format: pixelFormat(f.PixelFormat()),
		Width:  f.Width(),
		Height: f.Height(),
		PTS:    fromAV(f.Pts()),
		Native: f,
	}, nil
}

// Flush implements video.Decoder.
func (v *VideoDecoder) Flush() { v.d.flush() }

// Close frees the decoder.
func (v *VideoDecoder) Close() { v.d.close() }

func sampleFormat(f astiav.SampleFormat) media.SampleFormat {
	switch f {
	case astiav.SampleFormatS16:
		return media.SampleS16
	case astiav.SampleFormatS16P:
		return media.SampleS16P
	case astiav.SampleFormatFlt:
		return media.SampleF32
	case astiav.SampleFormatFltp:
		return media.SampleF32P
	default:
		return media.SampleOther
	}
}

func pixelFormat(f astiav.PixelFormat) media.PixelFormat {
	switch f {
	case astiav.PixelFormatYuv420P:
		return media.PixelYUV420P
	case astiav.PixelFormatNv12:
		return media.PixelNV12
	case astiav.PixelFormatRgba:
		return media.PixelRGBA
	default:
		return media.PixelOther
	}
}
