// Package tsfile is a pure-Go MPEG transport stream container. It selects
// the first H.264 or HEVC video stream and the first ADTS AAC audio stream,
// extracts CEA-608/708 captions from video SEI, and seeks through a keyframe
// index built lazily as the file is read.
package tsfile

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/zsiec/tandem/internal/media"
	"github.com/zsiec/tandem/internal/mpegts"
)

// probeLimit bounds how far Open reads looking for both streams.
const probeLimit = 8 << 20

var timeBase = media.Rational{Num: 1, Den: 90000}

// Container reads one transport stream file.
type Container struct {
	log        *slog.Logger
	f          *os.File
	size       int64
	packetSize int

	rd      *mpegts.Reader
	probed  []*mpegts.Unit
	pending []*media.Packet

	pmtPIDs  []uint16
	es       []mpegts.ElementaryStream
	videoPID uint16
	audioPID uint16
	syntax   *videoSyntax
	start    int64

	streams  []media.StreamInfo
	index    keyframeIndex
	captions *captionDecoder
}

// Open probes path and returns a container positioned at its start. If log
// is nil, slog.Default() is used.
func Open(path string, log *slog.Logger) (*Container, error) {
	if log == nil {
		log = slog.Default()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", media.ErrOpen, err)
	}
	c, err := newContainer(f, log.With("component", "tsfile"))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %s: %w", media.ErrOpen, path, err)
	}
	return c, nil
}

func newContainer(f *os.File, log *slog.Logger) (*Container, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	head := make([]byte, 5*mpegts.M2TSPacketSize)
	n, err := f.ReadAt(head, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	size, err := mpegts.DetectPacketSize(head[:n])
	if err != nil {
		return nil, err
	}

	c := &Container{
		log:        log,
		f:          f,
		size:       st.Size(),
		packetSize: size,
		start:      media.NoPTS,
		captions:   newCaptionDecoder(),
	}
	c.rd = c.readerAt(0)
	if err := c.probe(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Container) readerAt(offset int64) *mpegts.Reader {
	return mpegts.NewReader(io.NewSectionReader(c.f, offset, c.size-offset),
		mpegts.WithPacketSize(c.packetSize),
		mpegts.WithStartOffset(offset),
		mpegts.WithPrograms(c.pmtPIDs, c.es),
	)
}

// probe reads until both streams and their first timestamps are known. The
// units read are replayed by ReadPacket.
func (c *Container) probe() error {
	var (
		video, audio       *media.StreamInfo
		videoPTS, audioPTS bool
	)
	for c.rd.Offset() < probeLimit {
		u, err := c.rd.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		c.probed = append(c.probed, u)

		switch u.Kind {
		case mpegts.UnitPAT:
			for _, p := range u.Programs {
				c.pmtPIDs = append(c.pmtPIDs, p.PMTPID)
			}
		case mpegts.UnitPMT:
			c.es = append(c.es, u.Streams...)
			c.selectStreams(u.Streams)
		case mpegts.UnitPES:
			pes := u.PES
			switch {
			case u.PID == c.videoPID && c.syntax != nil:
				if video == nil {
					video = &media.StreamInfo{Index: 0, Kind: media.StreamVideo, Codec: c.syntax.codec, TimeBase: timeBase}
				}
				for _, nal := range c.syntax.splitAnnexB(pes.Data) {
					if nal.typ == c.syntax.sps && video.Width == 0 {
						if w, h, err := c.syntax.dimensions(nal.data); err == nil {
							video.Width, video.Height = w, h
						}
					}
				}
				if ts := firstTimestamp(pes); ts >= 0 {
					c.observeStart(ts)
					videoPTS = true
				}
			case u.PID == c.audioPID && c.audioPID != 0:
				if audio == nil {
					frames, _ := splitADTS(pes.Data)
					if len(frames) > 0 {
						audio = &media.StreamInfo{
							Index:      1,
							Kind:       media.StreamAudio,
							Codec:      "aac",
							TimeBase:   timeBase,
							SampleRate: frames[0].sampleRate,
							Channels:   frames[0].channels,
						}
					}
				}
				if pes.PTS >= 0 {
					c.observeStart(pes.PTS)
					audioPTS = true
				}
			}
		}
		if video != nil && audio != nil && videoPTS && audioPTS {
			break
		}
	}

	switch {
	case c.syntax == nil:
		return errors.New("no H.264 or HEVC video stream")
	case c.audioPID == 0:
		return errors.New("no AAC audio stream")
	case video == nil || audio == nil || !videoPTS || !audioPTS:
		return fmt.Errorf("streams not found within %d bytes", probeLimit)
	}

	video.Start, audio.Start = c.start, c.start
	c.streams = []media.StreamInfo{*video, *audio}
	c.log.Info("opened transport stream",
		"packetSize", c.packetSize,
		"videoPID", c.videoPID,
		"codec", c.syntax.codec,
		"width", video.Width,
		"height", video.Height,
		"audioPID", c.audioPID,
		"sampleRate", audio.SampleRate,
		"channels", audio.Channels,
	)
	return nil
}

func (c *Container) selectStreams(streams []mpegts.ElementaryStream) {
	for _, es := range streams {
		switch es.StreamType {
		case mpegts.StreamTypeH264, mpegts.StreamTypeH265:
			if c.syntax != nil {
				continue
			}
			c.videoPID = es.PID
			c.syntax = &h264Syntax
			if es.StreamType == mpegts.StreamTypeH265 {
				c.syntax = &hevcSyntax
			}
			c.log.Debug("found video PID", "pid", es.PID, "codec", c.syntax.codec)
		case mpegts.StreamTypeAAC:
			if c.audioPID != 0 {
				continue
			}
			c.audioPID = es.PID
			c.log.Debug("found audio PID", "pid", es.PID)
		}
	}
}

func (c *Container) observeStart(ts int64) {
	if c.start == media.NoPTS || ts < c.start {
		c.start = ts
	}
}

func firstTimestamp(pes *mpegts.PES) int64 {
	if pes.DTS >= 0 {
		return pes.DTS
	}
	return pes.PTS
}

// unwrap lifts a timestamp that wrapped the 33-bit counter past start.
func (c *Container) unwrap(ts int64) int64 {
	if ts >= 0 && ts < c.start && c.start-ts > 1<<32 {
		return ts + 1<<33
	}
	return ts
}

func (c *Container) millis(ts int64) int64 {
	return timeBase.ToMillis(c.unwrap(ts), c.start)
}

// Streams returns the selected video and audio streams, in that order.
func (c *Container) Streams() []media.StreamInfo { return c.streams }

// ReadPacket returns the next video, audio or caption packet, or io.EOF.
func (c *Container) ReadPacket() (*media.Packet, error) {
	for {
		if len(c.pending) > 0 {
			p := c.pending[0]
			c.pending = c.pending[1:]
			return p, nil
		}

		var u *mpegts.Unit
		if len(c.probed) > 0 {
			u = c.probed[0]
			c.probed = c.probed[1:]
		} else {
			var err error
			u, err = c.rd.Next()
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			if err != nil {
				return nil, fmt.Errorf("tsfile: read: %w", err)
			}
		}
		if u.Kind != mpegts.UnitPES {
			continue
		}
		switch u.PID {
		case c.videoPID:
			c.onVideo(u)
		case c.audioPID:
			c.onAudio(u)
		}
	}
}

func (c *Container) onVideo(u *mpegts.Unit) {
	pes := u.PES
	if len(pes.Data) == 0 {
		return
	}
	pts, dts := pes.PTS, pes.DTS
	if pts < 0 {
		pts = dts
	}
	if dts < 0 {
		dts = pts
	}

	nals := c.syntax.splitAnnexB(pes.Data)
	key := c.syntax.isKeyframe(nals)
	if u.Offset >= c.index.through {
		if key && pts >= 0 {
			c.index.add(keyframe{ms: c.millis(pts), offset: u.Offset})
		}
		c.index.advance(u.Offset + int64(c.packetSize))
	}

	p := media.NewPacket(media.StreamVideo, pes.Data)
	p.Codec = c.syntax.codec
	p.TimeBase = timeBase
	p.Start = c.start
	p.Keyframe = key
	if pts >= 0 {
		p.PTS, p.DTS = c.unwrap(pts), c.unwrap(dts)
	}
	c.pending = append(c.pending, p)

	var seis [][]byte
	for _, nal := range nals {
		if nal.typ == c.syntax.sei {
			seis = append(seis, nal.data)
		}
	}
	if len(seis) == 0 {
		return
	}
	for _, text := range c.captions.decode(seis) {
		cp := media.NewPacket(media.StreamCaption, []byte(text))
		cp.Codec = "cea-608"
		cp.TimeBase = timeBase
		cp.Start = c.start
		cp.PTS = p.PTS
		c.pending = append(c.pending, cp)
	}
}

func (c *Container) onAudio(u *mpegts.Unit) {
	pes := u.PES
	frames, err := splitADTS(pes.Data)
	if err != nil {
		c.log.Debug("skipping malformed ADTS", "offset", u.Offset, "error", err)
	}
	for i, fr := range frames {
		p := media.NewPacket(media.StreamAudio, fr.data)
		p.Codec = "aac"
		p.TimeBase = timeBase
		p.Start = c.start
		p.Keyframe = true
		step := int64(samplesPerAACFrame) * 90000 / int64(fr.sampleRate)
		p.Duration = step
		if pes.PTS >= 0 {
			p.PTS = c.unwrap(pes.PTS) + int64(i)*step
			p.DTS = p.PTS
		}
		c.pending = append(c.pending, p)
	}
}

// Seek repositions reading at a video keyframe near targetMs: the last at
// or before it when backward is set, otherwise the first at or after it.
// Seek points are always video keyframes, whatever kind is given.
func (c *Container) Seek(kind media.StreamKind, targetMs int64, backward bool) error {
	if !c.index.covers(targetMs) && c.index.through < c.size {
		if err := c.scanTo(targetMs); err != nil {
			return fmt.Errorf("%w: indexing: %w", media.ErrSeek, err)
		}
	}
	k, ok := c.index.lookup(targetMs, backward)
	if !ok {
		return fmt.Errorf("%w: no keyframes indexed", media.ErrSeek)
	}

	for _, p := range c.pending {
		p.Release()
	}
	c.pending = nil
	c.probed = nil
	c.rd = c.readerAt(k.offset)
	c.captions.reset()

	c.log.Debug("seek",
		"stream", kind,
		"targetMs", targetMs,
		"backward", backward,
		"keyframeMs", k.ms,
		"offset", k.offset,
	)
	return nil
}

// scanTo extends the index until it holds a keyframe at or past targetMs
// or the file ends.
func (c *Container) scanTo(targetMs int64) error {
	r := c.readerAt(c.index.through)
	for {
		u, err := r.Next()
		if errors.Is(err, io.EOF) {
			c.index.advance(c.size)
			return nil
		}
		if err != nil {
			return err
		}
		if u.Kind != mpegts.UnitPES || u.PID != c.videoPID {
			continue
		}

		pts := u.PES.PTS
		if pts < 0 {
			pts = u.PES.DTS
		}
		c.index.advance(u.Offset + int64(c.packetSize))
		if pts < 0 || !c.syntax.isKeyframe(c.syntax.splitAnnexB(u.PES.Data)) {
			continue
		}
		ms := c.millis(pts)
		c.index.add(keyframe{ms: ms, offset: u.Offset})
		if ms >= targetMs {
			return nil
		}
	}
}

// Close releases the file.
func (c *Container) Close() error {
	for _, p := range c.pending {
		p.Release()
	}
	c.pending = nil
	return c.f.Close()
}
