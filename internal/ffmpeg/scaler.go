package ffmpeg

import (
	"fmt"
	"log/slog"

	"github.com/asticode/go-astiav"

	"github.com/zsiec/tandem/internal/media"
)

// Scaler converts decoded pictures to packed RGBA with libswscale. The
// scale context is rebuilt whenever the source geometry or pixel format
// changes.
type Scaler struct {
	log *slog.Logger

	ssc    *astiav.SoftwareScaleContext
	dst    *astiav.Frame
	srcW   int
	srcH   int
	srcPix astiav.PixelFormat
	dstW   int
	dstH   int

	width  int
	height int
	buf    []byte
}

// NewScaler returns a converter producing width x height pictures. A zero
// dimension keeps the source size.
func NewScaler(width, height int, log *slog.Logger) *Scaler {
	if log == nil {
		log = slog.Default()
	}
	return &Scaler{
		log:    log.With("component", "scaler"),
		width:  width,
		height: height,
	}
}

// targetSize resolves the output dimensions for a sw x sh source.
func targetSize(sw, sh, w, h int) (int, int) {
	if w <= 0 || h <= 0 {
		return sw, sh
	}
	return w, h
}

func (s *Scaler) ensure(src *astiav.Frame) error {
	sw, sh, sp := src.Width(), src.Height(), src.PixelFormat()
	if s.ssc != nil && sw == s.srcW && sh == s.srcH && sp == s.srcPix {
		return nil
	}
	s.Close()

	dw, dh := targetSize(sw, sh, s.width, s.height)
	ssc, err := astiav.CreateSoftwareScaleContext(sw, sh, sp, dw, dh, astiav.PixelFormatRgba,
		astiav.NewSoftwareScaleContextFlags())
	if err != nil {
		return fmt.Errorf("scale context %dx%d %s -> %dx%d rgba: %w", sw, sh, sp, dw, dh, err)
	}
	dst := astiav.AllocFrame()
	dst.SetWidth(dw)
	dst.SetHeight(dh)
	dst.SetPixelFormat(astiav.PixelFormatRgba)
	if err := dst.AllocBuffer(1); err != nil {
		dst.Free()
		ssc.Free()
		return fmt.Errorf("alloc scale buffer: %w", err)
	}

	s.ssc, s.dst = ssc, dst
	s.srcW, s.srcH, s.srcPix = sw, sh, sp
	s.dstW, s.dstH = dw, dh
	s.log.Debug("scaler ready", "src_width", sw, "src_height", sh, "src_format", sp.String(),
		"width", dw, "height", dh)
	return nil
}

// Convert implements video.Converter. The returned frame's pixels are
// reused by the next call.
func (s *Scaler) Convert(f *media.VideoFrame) (*media.VideoFrame, error) {
	src, ok := f.Native.(*astiav.Frame)
	if !ok || src == nil {
		return nil, errNotNative
	}
	if err := s.ensure(src); err != nil {
		return nil, err
	}
	if err := s.ssc.ScaleFrame(src, s.dst); err != nil {
		return nil, fmt.Errorf("scale frame: %w", err)
	}
	n, err := s.dst.ImageBufferSize(1)
	if err != nil {
		return nil, fmt.Errorf("image buffer size: %w", err)
	}
	if cap(s.buf) < n {
		s.buf = make([]byte, n)
	}
	s.buf = s.buf[:n]
	if _, err := s.dst.ImageCopyToBuffer(s.buf, 1); err != nil {
		return nil, fmt.Errorf("image copy: %w", err)
	}
	return &media.VideoFrame{
		Format:  media.PixelRGBA,
		Width:   s.dstW,
		Height:  s.dstH,
		Planes:  [][]byte{s.buf},
		Strides: []int{s.dstW * 4},
		PTS:     f.PTS,
		Millis:  f.Millis,
	}, nil
}

// Close frees the scale context and its buffer.
func (s *Scaler) Close() {
	if s.dst != nil {
		s.dst.Free()
		s.dst = nil
	}
	if s.ssc != nil {
		s.ssc.Free()
		s.ssc = nil
	}
}
