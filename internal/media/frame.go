package media

// SampleFormat is the layout of decoded audio samples.
type SampleFormat int

// Audio sample formats the engine distinguishes. Anything else is passed
// to the resampler as SampleOther together with the native frame.
const (
	SampleOther SampleFormat = iota
	SampleS16
	SampleS16P
	SampleF32
	SampleF32P
)

// PixelFormat is the layout of decoded or converted pixels.
type PixelFormat int

// Pixel formats the engine distinguishes.
const (
	PixelOther PixelFormat = iota
	PixelYUV420P
	PixelNV12
	PixelRGBA
)

// AudioFrame is one decoded block of audio. Native carries the decoder's own
// frame handle (for example an *astiav.Frame) so a resampler from the same
// backend can read it without copying; it is valid until the next Decode.
type AudioFrame struct {
	Format     SampleFormat
	Channels   int
	SampleRate int
	Samples    int
	Data       [][]byte
	PTS        int64
	Native     any
}

// VideoFrame is one decoded or converted picture. PTS is in stream units;
// the pump resolves it to Millis against the packet's time base.
type VideoFrame struct {
	Format  PixelFormat
	Width   int
	Height  int
	Planes  [][]byte
	Strides []int
	PTS     int64
	Millis  int64
	Native  any
}

// StreamInfo describes one elementary stream exposed by a container.
type StreamInfo struct {
	Index      int
	Kind       StreamKind
	Codec      string
	TimeBase   Rational
	Start      int64
	Width      int
	Height     int
	SampleRate int
	Channels   int
	// Native holds backend codec parameters (for example
	// *astiav.CodecParameters) when the container has them.
	Native any
}
