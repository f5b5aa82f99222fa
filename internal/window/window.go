// Package window shows converted video frames in an SDL window, reports
// keyboard and window events to the player, and puts captions in the
// title bar.
//
// Every SDL call is marshalled onto the main thread with sdl.Do, so the
// process must run inside sdl.Main.
package window

import (
	"fmt"
	"log/slog"

	"github.com/veandco/go-sdl2/sdl"

	"github.com/zsiec/tandem/internal/media"
	"github.com/zsiec/tandem/internal/player"
)

// Window is a resizable output window. It implements video.Renderer,
// player.EventSource and player.CaptionSink.
type Window struct {
	log   *slog.Logger
	title string

	win  *sdl.Window
	ren  *sdl.Renderer
	tex  *sdl.Texture
	texW int32
	texH int32
}

// Open creates a width x height window.
func Open(title string, width, height int, log *slog.Logger) (*Window, error) {
	if log == nil {
		log = slog.Default()
	}
	w := &Window{log: log.With("component", "window"), title: title}
	var err error
	sdl.Do(func() {
		err = w.open(int32(width), int32(height))
	})
	if err != nil {
		w.Close()
		return nil, err
	}
	return w, nil
}

func (w *Window) open(width, height int32) error {
	if err := sdl.Init(sdl.INIT_VIDEO | sdl.INIT_EVENTS); err != nil {
		return fmt.Errorf("sdl init: %w", err)
	}
	sdl.SetHint(sdl.HINT_RENDER_SCALE_QUALITY, "1")
	win, err := sdl.CreateWindow(w.title, sdl.WINDOWPOS_CENTERED, sdl.WINDOWPOS_CENTERED,
		width, height, sdl.WINDOW_SHOWN|sdl.WINDOW_RESIZABLE)
	if err != nil {
		return fmt.Errorf("create window: %w", err)
	}
	w.win = win
	ren, err := sdl.CreateRenderer(win, -1, sdl.RENDERER_ACCELERATED)
	if err != nil {
		return fmt.Errorf("create renderer: %w", err)
	}
	w.ren = ren
	return nil
}

// Present implements video.Renderer. f must be packed RGBA.
func (w *Window) Present(f *media.VideoFrame) error {
	if f.Format != media.PixelRGBA || len(f.Planes) == 0 {
		return fmt.Errorf("window: unsupported frame format %d", f.Format)
	}
	var err error
	sdl.Do(func() {
		err = w.present(f)
	})
	return err
}

func (w *Window) present(f *media.VideoFrame) error {
	if err := w.ensureTexture(int32(f.Width), int32(f.Height)); err != nil {
		return err
	}
	pixels, pitch, err := w.tex.Lock(nil)
	if err != nil {
		return fmt.Errorf("lock texture: %w", err)
	}
	copyRows(pixels, pitch, f.Planes[0], stride(f), f.Width*4, f.Height)
	w.tex.Unlock()

	sw, sh, err := w.ren.GetOutputSize()
	if err != nil {
		return fmt.Errorf("output size: %w", err)
	}
	dst := letterbox(w.texW, w.texH, sw, sh)
	w.ren.SetDrawColor(0, 0, 0, 255)
	w.ren.Clear()
	if err := w.ren.Copy(w.tex, nil, &dst); err != nil {
		return fmt.Errorf("render copy: %w", err)
	}
	w.ren.Present()
	return nil
}

func (w *Window) ensureTexture(width, height int32) error {
	if w.tex != nil && width == w.texW && height == w.texH {
		return nil
	}
	if w.tex != nil {
		w.tex.Destroy()
		w.tex = nil
	}
	tex, err := w.ren.CreateTexture(uint32(sdl.PIXELFORMAT_RGBA32), sdl.TEXTUREACCESS_STREAMING, width, height)
	if err != nil {
		return fmt.Errorf("create texture %dx%d: %w", width, height, err)
	}
	w.tex, w.texW, w.texH = tex, width, height
	w.log.Debug("texture created", "width", width, "height", height)
	return nil
}

func stride(f *media.VideoFrame) int {
	if len(f.Strides) > 0 && f.Strides[0] > 0 {
		return f.Strides[0]
	}
	return f.Width * 4
}

// copyRows copies rows of rowBytes from src to dst when their pitches
// differ.
func copyRows(dst []byte, dstPitch int, src []byte, srcPitch, rowBytes, rows int) {
	if dstPitch == srcPitch {
		copy(dst, src)
		return
	}
	for y := 0; y < rows; y++ {
		d, s := y*dstPitch, y*srcPitch
		if d+rowBytes > len(dst) || s+rowBytes > len(src) {
			return
		}
		copy(dst[d:d+rowBytes], src[s:s+rowBytes])
	}
}

// letterbox fits a vw x vh picture into a sw x sh output, centred, keeping
// its aspect ratio.
func letterbox(vw, vh, sw, sh int32) sdl.Rect {
	if vw <= 0 || vh <= 0 {
		return sdl.Rect{W: sw, H: sh}
	}
	scale := float64(sw) / float64(vw)
	if s := float64(sh) / float64(vh); s < scale {
		scale = s
	}
	rw, rh := int32(float64(vw)*scale), int32(float64(vh)*scale)
	return sdl.Rect{X: (sw - rw) / 2, Y: (sh - rh) / 2, W: rw, H: rh}
}

// PollEvents implements player.EventSource.
func (w *Window) PollEvents() []player.Event {
	var events []player.Event
	sdl.Do(func() {
		for e := sdl.PollEvent(); e != nil; e = sdl.PollEvent() {
			if ev, ok := translate(e); ok {
				events = append(events, ev)
			}
		}
	})
	return events
}

func translate(e sdl.Event) (player.Event, bool) {
	switch e := e.(type) {
	case *sdl.QuitEvent:
		return player.Event{Kind: player.EventClose}, true
	case *sdl.WindowEvent:
		if e.Event == sdl.WINDOWEVENT_CLOSE {
			return player.Event{Kind: player.EventClose}, true
		}
	case *sdl.KeyboardEvent:
		if e.Type != sdl.KEYDOWN {
			return player.Event{}, false
		}
		if k, ok := keyEvent(e.Keysym.Sym); ok {
			return player.Event{Kind: k}, true
		}
	}
	return player.Event{}, false
}

func keyEvent(sym sdl.Keycode) (player.EventKind, bool) {
	switch sym {
	case sdl.K_ESCAPE, sdl.K_q:
		return player.EventQuit, true
	case sdl.K_RIGHT:
		return player.EventSeekForward, true
	case sdl.K_LEFT:
		return player.EventSeekBackward, true
	}
	return 0, false
}

// ShowCaption implements player.CaptionSink by appending text to the window
// title.
func (w *Window) ShowCaption(text string) {
	title := captionTitle(w.title, text)
	sdl.Do(func() {
		if w.win != nil {
			w.win.SetTitle(title)
		}
	})
}

func captionTitle(base, text string) string {
	if text == "" {
		return base
	}
	return base + " | " + text
}

// Close destroys the window and shuts SDL down.
func (w *Window) Close() {
	sdl.Do(func() {
		if w.tex != nil {
			w.tex.Destroy()
			w.tex = nil
		}
		if w.ren != nil {
			w.ren.Destroy()
			w.ren = nil
		}
		if w.win != nil {
			w.win.Destroy()
			w.win = nil
		}
		sdl.Quit()
	})
}
