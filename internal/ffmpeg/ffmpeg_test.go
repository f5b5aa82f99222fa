package ffmpeg

import (
	"errors"
	"testing"

	"github.com/asticode/go-astiav"

	"github.com/zsiec/tandem/internal/media"
)

func TestOutputCapacity(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name          string
		in, inR, outR int
		want          int
	}{
		{"same rate", 1024, 48000, 48000, 1024 + resampleSlack},
		{"upsample rounds up", 1024, 44100, 48000, 1115 + resampleSlack},
		{"downsample", 1024, 48000, 24000, 512 + resampleSlack},
		{"unknown rate", 1024, 0, 48000, resampleSlack},
		{"empty frame", 0, 48000, 48000, resampleSlack},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := outputCapacity(tt.in, tt.inR, tt.outR); got != tt.want {
				t.Errorf("outputCapacity(%d, %d, %d) = %d, want %d", tt.in, tt.inR, tt.outR, got, tt.want)
			}
		})
	}
}

func TestDecodeS16(t *testing.T) {
	t.Parallel()
	got := decodeS16(nil, []byte{0x01, 0x00, 0xFF, 0xFF, 0x00, 0x80, 0x7F})
	want := []int16{1, -1, -32768}
	if len(got) != len(want) {
		t.Fatalf("samples = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestTimestampMapping(t *testing.T) {
	t.Parallel()
	if got := fromAV(astiav.NoPtsValue); got != media.NoPTS {
		t.Errorf("fromAV(NoPtsValue) = %d, want NoPTS", got)
	}
	if got := toAV(media.NoPTS); got != astiav.NoPtsValue {
		t.Errorf("toAV(NoPTS) = %d, want NoPtsValue", got)
	}
	if got := toAV(fromAV(90000)); got != 90000 {
		t.Errorf("round trip = %d, want 90000", got)
	}
}

func TestTargetSize(t *testing.T) {
	t.Parallel()
	if w, h := targetSize(1920, 1080, 0, 0); w != 1920 || h != 1080 {
		t.Errorf("source size kept = %dx%d, want 1920x1080", w, h)
	}
	if w, h := targetSize(1920, 1080, 1280, 720); w != 1280 || h != 720 {
		t.Errorf("fixed size = %dx%d, want 1280x720", w, h)
	}
}

func TestConvert_RejectsForeignFrames(t *testing.T) {
	t.Parallel()
	s := NewScaler(0, 0, nil)
	defer s.Close()
	if _, err := s.Convert(&media.VideoFrame{Width: 2, Height: 2}); !errors.Is(err, errNotNative) {
		t.Errorf("scaler err = %v, want errNotNative", err)
	}

	r, err := NewResampler(48000, 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if _, err := r.Convert(&media.AudioFrame{Samples: 1024, SampleRate: 48000}); !errors.Is(err, errNotNative) {
		t.Errorf("resampler err = %v, want errNotNative", err)
	}
}

func TestNewResampler_Channels(t *testing.T) {
	t.Parallel()
	if _, err := NewResampler(48000, 6, nil); err == nil {
		t.Error("want error for 6 output channels")
	}
}

func TestOpen_Missing(t *testing.T) {
	t.Parallel()
	astiav.SetLogLevel(astiav.LogLevelQuiet)
	_, err := Open(t.TempDir()+"/missing.ts", nil)
	if !errors.Is(err, media.ErrOpen) {
		t.Errorf("err = %v, want ErrOpen", err)
	}
}

func TestNewAudioDecoder_UnknownCodec(t *testing.T) {
	t.Parallel()
	_, err := NewAudioDecoder(media.StreamInfo{Kind: media.StreamAudio, Codec: "no-such-codec"}, nil)
	if !errors.Is(err, errNoDecoder) {
		t.Errorf("err = %v, want errNoDecoder", err)
	}
}
