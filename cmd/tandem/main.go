package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/asticode/go-astiav"
	"github.com/spf13/cobra"
	"github.com/veandco/go-sdl2/sdl"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/tandem/internal/audio"
	"github.com/zsiec/tandem/internal/ffmpeg"
	"github.com/zsiec/tandem/internal/media"
	"github.com/zsiec/tandem/internal/output"
	"github.com/zsiec/tandem/internal/player"
	"github.com/zsiec/tandem/internal/tsfile"
	"github.com/zsiec/tandem/internal/window"
)

var version = "dev"

type options struct {
	seekStep      time.Duration
	videoCapacity int
	demuxer       string
	chunkMs       int
	threads       int
	statsInterval time.Duration
	debug         bool
}

func main() {
	code := 0
	sdl.Main(func() {
		if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
			slog.Error("tandem failed", "error", err)
			code = 1
		}
	})
	os.Exit(code)
}

func newRootCmd() *cobra.Command {
	var opts options
	root := &cobra.Command{
		Use:           "tandem <file>",
		Short:         "Play a media file with audio-mastered A/V sync",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return play(cmd.Context(), args[0], opts)
		},
	}
	f := root.Flags()
	f.DurationVar(&opts.seekStep, "seek-step", envDuration("TANDEM_SEEK_STEP", 10*time.Second), "distance of one arrow-key seek")
	f.IntVar(&opts.videoCapacity, "video-capacity", envInt("TANDEM_VIDEO_CAPACITY", 300), "soft limit on queued video packets")
	f.StringVar(&opts.demuxer, "demuxer", envOr("TANDEM_DEMUXER", "ffmpeg"), "container reader: ffmpeg or ts")
	f.IntVar(&opts.chunkMs, "chunk-ms", envInt("TANDEM_CHUNK_MS", 100), "audio produced per device pull, in milliseconds")
	f.IntVar(&opts.threads, "threads", 0, "video decoder threads (0 lets the decoder choose)")
	f.DurationVar(&opts.statsInterval, "stats-interval", 0, "log playback statistics at this interval (0 disables)")
	f.BoolVar(&opts.debug, "debug", os.Getenv("DEBUG") != "", "debug logging")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "tandem", version)
		},
	})
	return root
}

func play(parent context.Context, path string, opts options) error {
	level := slog.LevelInfo
	if opts.debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)
	if opts.debug {
		astiav.SetLogLevel(astiav.LogLevelWarning)
	} else {
		astiav.SetLogLevel(astiav.LogLevelError)
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	s, err := newSession(path, opts, log)
	if err != nil {
		return err
	}
	defer s.close()

	slog.Info("tandem starting",
		"version", version,
		"file", path,
		"demuxer", opts.demuxer,
		"sample_rate", s.rate,
		"channels", s.channels,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return s.player.Run(ctx)
	})
	if opts.statsInterval > 0 {
		g.Go(func() error {
			logStats(ctx, s.player, opts.statsInterval)
			return nil
		})
	}
	return g.Wait()
}

// session holds every collaborator of one playback so they can be torn
// down in reverse order.
type session struct {
	player    *player.Player
	container player.Container
	adec      *ffmpeg.AudioDecoder
	vdec      *ffmpeg.VideoDecoder
	resampler *ffmpeg.Resampler
	scaler    *ffmpeg.Scaler
	win       *window.Window
	dev       *output.Device

	rate     int
	channels int
}

func newSession(path string, opts options, log *slog.Logger) (_ *session, err error) {
	s := &session{}
	defer func() {
		if err != nil {
			s.close()
		}
	}()

	if s.container, err = openContainer(opts.demuxer, path, log); err != nil {
		return nil, err
	}
	vinfo, ainfo, err := selectStreams(s.container.Streams())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", media.ErrOpen, path, err)
	}
	s.rate, s.channels = ainfo.SampleRate, min(max(ainfo.Channels, 1), 2)
	if s.rate <= 0 {
		s.rate = 48000
	}

	if s.adec, err = ffmpeg.NewAudioDecoder(ainfo, log); err != nil {
		return nil, err
	}
	if s.vdec, err = ffmpeg.NewVideoDecoder(vinfo, opts.threads, log); err != nil {
		return nil, err
	}
	if s.resampler, err = ffmpeg.NewResampler(s.rate, s.channels, log); err != nil {
		return nil, err
	}
	s.scaler = ffmpeg.NewScaler(0, 0, log)

	width, height := vinfo.Width, vinfo.Height
	if width <= 0 || height <= 0 {
		width, height = 1280, 720
	}
	if s.win, err = window.Open(filepath.Base(path), width, height, log); err != nil {
		return nil, err
	}

	s.player, err = player.New(player.Config{
		VideoCapacity: opts.videoCapacity,
		SeekStep:      opts.seekStep,
		Audio: audio.Config{
			SampleRate:    s.rate,
			Channels:      s.channels,
			ChunkDuration: time.Duration(opts.chunkMs) * time.Millisecond,
		},
	}, player.Deps{
		Container:    s.container,
		AudioDecoder: s.adec,
		Resampler:    s.resampler,
		VideoDecoder: s.vdec,
		Converter:    s.scaler,
		Renderer:     s.win,
		Events:       s.win,
		Captions:     s.win,
	}, log)
	if err != nil {
		return nil, err
	}

	if s.dev, err = output.Open(s.player.Audio(), s.rate, s.channels, log); err != nil {
		return nil, err
	}
	s.player.Audio().AttachDevice(s.dev)
	return s, nil
}

func (s *session) close() {
	if s.player != nil {
		s.player.Close()
	} else if s.container != nil {
		s.container.Close()
	}
	if s.dev != nil {
		s.dev.Close()
	}
	if s.win != nil {
		s.win.Close()
	}
	if s.scaler != nil {
		s.scaler.Close()
	}
	if s.resampler != nil {
		s.resampler.Close()
	}
	if s.vdec != nil {
		s.vdec.Close()
	}
	if s.adec != nil {
		s.adec.Close()
	}
}

func openContainer(demuxer, path string, log *slog.Logger) (player.Container, error) {
	switch demuxer {
	case "ffmpeg", "":
		c, err := ffmpeg.Open(path, log)
		if err != nil {
			return nil, err
		}
		return c, nil
	case "ts":
		c, err := tsfile.Open(path, log)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown demuxer %q (want ffmpeg or ts)", demuxer)
	}
}

func selectStreams(streams []media.StreamInfo) (v, a media.StreamInfo, err error) {
	var haveVideo, haveAudio bool
	for _, s := range streams {
		switch {
		case s.Kind == media.StreamVideo && !haveVideo:
			v, haveVideo = s, true
		case s.Kind == media.StreamAudio && !haveAudio:
			a, haveAudio = s, true
		}
	}
	if !haveVideo || !haveAudio {
		return v, a, errors.New("need one audio and one video stream")
	}
	return v, a, nil
}

func logStats(ctx context.Context, p *player.Player, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			snap := p.Snapshot()
			slog.Debug("playback stats",
				"clock_ms", snap.ClockMs,
				"audio_queue", snap.Queues.Audio,
				"video_queue", snap.Queues.Video,
				"presented", snap.Video.Presented,
				"audio_chunks", snap.Audio.Chunks,
				"seeks", snap.Resync.Seeks,
				"read_kbps", snap.Demux.ReadKbps,
			)
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	n, err := strconv.Atoi(envOr(key, strconv.Itoa(fallback)))
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(envOr(key, fallback.String()))
	if err != nil {
		return fallback
	}
	return d
}
