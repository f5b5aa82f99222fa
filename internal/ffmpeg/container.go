// Package ffmpeg adapts libavformat, libavcodec, libswresample and
// libswscale (through go-astiav) to the container, decoder, resampler and
// converter interfaces the playback engine consumes.
package ffmpeg

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/asticode/go-astiav"

	"github.com/zsiec/tandem/internal/media"
)

// Container demultiplexes a file with libavformat. Only the first audio and
// the first video stream are read; packets of other streams are skipped.
type Container struct {
	log *slog.Logger
	fc  *astiav.FormatContext
	pkt *astiav.Packet

	audio   *astiav.Stream
	video   *astiav.Stream
	streams []media.StreamInfo
}

// Open opens path and selects its streams. If log is nil, slog.Default() is
// used.
func Open(path string, log *slog.Logger) (*Container, error) {
	if log == nil {
		log = slog.Default()
	}
	fc := astiav.AllocFormatContext()
	if fc == nil {
		return nil, fmt.Errorf("%w: alloc format context", media.ErrOpen)
	}
	if err := fc.OpenInput(path, nil, nil); err != nil {
		fc.Free()
		return nil, fmt.Errorf("%w: %s: %w", media.ErrOpen, path, err)
	}
	c := &Container{
		log: log.With("component", "ffmpeg"),
		fc:  fc,
		pkt: astiav.AllocPacket(),
	}
	if err := c.selectStreams(); err != nil {
		c.Close()
		return nil, fmt.Errorf("%w: %s: %w", media.ErrOpen, path, err)
	}
	c.log.Info("opened container",
		"path", path,
		"video_codec", c.streams[0].Codec,
		"width", c.streams[0].Width,
		"height", c.streams[0].Height,
		"audio_codec", c.streams[1].Codec,
		"sample_rate", c.streams[1].SampleRate,
		"channels", c.streams[1].Channels,
	)
	return c, nil
}

func (c *Container) selectStreams() error {
	if err := c.fc.FindStreamInfo(nil); err != nil {
		return fmt.Errorf("find stream info: %w", err)
	}
	for _, s := range c.fc.Streams() {
		switch s.CodecParameters().MediaType() {
		case astiav.MediaTypeVideo:
			if c.video == nil {
				c.video = s
			}
		case astiav.MediaTypeAudio:
			if c.audio == nil {
				c.audio = s
			}
		}
	}
	if c.video == nil {
		return errors.New("no video stream")
	}
	if c.audio == nil {
		return errors.New("no audio stream")
	}
	c.streams = []media.StreamInfo{
		streamInfo(c.video, media.StreamVideo),
		streamInfo(c.audio, media.StreamAudio),
	}
	return nil
}

func streamInfo(s *astiav.Stream, kind media.StreamKind) media.StreamInfo {
	par := s.CodecParameters()
	info := media.StreamInfo{
		Index:    s.Index(),
		Kind:     kind,
		Codec:    par.CodecID().Name(),
		TimeBase: rational(s.TimeBase()),
		Start:    fromAV(s.StartTime()),
		Native:   par,
	}
	switch kind {
	case media.StreamVideo:
		info.Width, info.Height = par.Width(), par.Height()
	case media.StreamAudio:
		info.SampleRate = par.SampleRate()
		info.Channels = par.ChannelLayout().Channels()
	}
	return info
}

func rational(r astiav.Rational) media.Rational {
	return media.Rational{Num: int64(r.Num()), Den: int64(r.Den())}
}

// fromAV maps libav's missing-timestamp marker to media.NoPTS.
func fromAV(ts int64) int64 {
	if ts == astiav.NoPtsValue {
		return media.NoPTS
	}
	return ts
}

func toAV(ts int64) int64 {
	if ts == media.NoPTS {
		return astiav.NoPtsValue
	}
	return ts
}

// Streams returns the video stream followed by the audio stream.
func (c *Container) Streams() []media.StreamInfo { return c.streams }

// ReadPacket returns the next audio or video packet, or io.EOF. Read errors
// other than end of file are returned wrapped; the caller treats them as end
// of stream.
func (c *Container) ReadPacket() (*media.Packet, error) {
	for {
		if err := c.fc.ReadFrame(c.pkt); err != nil {
			if errors.Is(err, astiav.ErrEof) || errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("read frame: %w", err)
		}
		p := c.convert()
		c.pkt.Unref()
		if p != nil {
			return p, nil
		}
	}
}

// convert copies the current packet out of libav memory, or returns nil for
// streams that are not selected.
func (c *Container) convert() *media.Packet {
	var info media.StreamInfo
	switch c.pkt.StreamIndex() {
	case c.video.Index():
		info = c.streams[0]
	case c.audio.Index():
		info = c.streams[1]
	default:
		return nil
	}
	p := media.NewPacket(info.Kind, append([]byte(nil), c.pkt.Data()...))
	p.Codec = info.Codec
	p.PTS = fromAV(c.pkt.Pts())
	p.DTS = fromAV(c.pkt.Dts())
	p.Duration = c.pkt.Duration()
	p.TimeBase = info.TimeBase
	p.Start = info.Start
	p.Keyframe = c.pkt.Flags().Has(astiav.PacketFlagKey)
	return p
}

// Seek repositions the demuxer near targetMs on the stream of the given
// kind. A backward seek lands on the keyframe at or before the target.
func (c *Container) Seek(kind media.StreamKind, targetMs int64, backward bool) error {
	s, info := c.video, c.streams[0]
	if kind == media.StreamAudio {
		s, info = c.audio, c.streams[1]
	}
	if targetMs < 0 {
		targetMs = 0
	}
	ts := info.TimeBase.FromMillis(targetMs, info.Start)
	flags := astiav.NewSeekFlags()
	if backward {
		flags = astiav.NewSeekFlags(astiav.SeekFlagBackward)
	}
	if err := c.fc.SeekFrame(s.Index(), ts, flags); err != nil {
		return fmt.Errorf("%w: %s to %d ms: %w", media.ErrSeek, kind, targetMs, err)
	}
	c.log.Debug("seeked", "stream", kind, "target_ms", targetMs, "ts", ts, "backward", backward)
	return nil
}

// Close releases the demuxer. Safe to call more than once.
func (c *Container) Close() error {
	if c.pkt != nil {
		c.pkt.Free()
		c.pkt = nil
	}
	if c.fc != nil {
		c.fc.CloseInput()
		c.fc.Free()
		c.fc = nil
	}
	return nil
}
