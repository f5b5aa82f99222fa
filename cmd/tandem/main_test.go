package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/zsiec/tandem/internal/media"
)

func TestEnvHelpers(t *testing.T) {
	t.Setenv("TANDEM_TEST_INT", "42")
	t.Setenv("TANDEM_TEST_BAD_INT", "lots")
	t.Setenv("TANDEM_TEST_DUR", "2500ms")

	if got := envOr("TANDEM_TEST_UNSET", "x"); got != "x" {
		t.Errorf("envOr = %q, want fallback", got)
	}
	if got := envInt("TANDEM_TEST_INT", 1); got != 42 {
		t.Errorf("envInt = %d, want 42", got)
	}
	if got := envInt("TANDEM_TEST_BAD_INT", 7); got != 7 {
		t.Errorf("envInt with bad value = %d, want 7", got)
	}
	if got := envDuration("TANDEM_TEST_DUR", time.Second); got != 2500*time.Millisecond {
		t.Errorf("envDuration = %v, want 2.5s", got)
	}
}

func TestSelectStreams(t *testing.T) {
	t.Parallel()
	streams := []media.StreamInfo{
		{Index: 0, Kind: media.StreamAudio, Codec: "aac"},
		{Index: 1, Kind: media.StreamVideo, Codec: "h264"},
		{Index: 2, Kind: media.StreamAudio, Codec: "ac3"},
	}
	v, a, err := selectStreams(streams)
	if err != nil {
		t.Fatal(err)
	}
	if v.Index != 1 || a.Index != 0 {
		t.Errorf("selected video=%d audio=%d, want 1 and 0", v.Index, a.Index)
	}
	if _, _, err := selectStreams(streams[:1]); err == nil {
		t.Error("want error without a video stream")
	}
}

func TestOpenContainer_UnknownDemuxer(t *testing.T) {
	t.Parallel()
	if _, err := openContainer("avi", "x.avi", nil); err == nil || !strings.Contains(err.Error(), "unknown demuxer") {
		t.Errorf("err = %v, want unknown demuxer", err)
	}
}

func TestVersionCommand(t *testing.T) {
	t.Parallel()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if got := out.String(); got != "tandem dev\n" {
		t.Errorf("output = %q, want %q", got, "tandem dev\n")
	}
}

func TestRootCommand_RequiresFile(t *testing.T) {
	t.Parallel()
	cmd := newRootCmd()
	cmd.SetArgs([]string{})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	if err := cmd.Execute(); err == nil {
		t.Error("want error without a file argument")
	}
}
