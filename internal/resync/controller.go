// Package resync implements relative seeking and the audio sync gate that
// keeps audio from playing ahead of the first video frame after a seek.
//
// A seek moves through three states. Idle is normal playback. A seek
// command moves to SeekRequested; the next Step issues the container seek,
// flushes video and moves to Resyncing. While not Idle every audio packet
// is parked in a side buffer. The first video frame decoded after the seek
// fixes the anchor, the audio clock is rebased to it, and the controller
// returns to Idle. Parked audio older than the anchor is then discarded and
// the rest released into the audio queue.
package resync

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/tandem/internal/media"
	"github.com/zsiec/tandem/internal/pktqueue"
)

// State is the controller's seek state.
type State int

// Controller states.
const (
	Idle State = iota
	SeekRequested
	Resyncing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case SeekRequested:
		return "seek-requested"
	case Resyncing:
		return "resyncing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Direction is the sign of a relative seek.
type Direction int

// Seek directions.
const (
	Forward Direction = iota
	Backward
)

func (d Direction) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}

// Seeker repositions the container. The seek is backward-biased: it lands on
// a keyframe at or before target.
type Seeker interface {
	Seek(kind media.StreamKind, targetMs int64, backward bool) error
}

// Clock reports the current audio playback position.
type Clock interface {
	Clock() int64
}

// VideoResetter drops decoder state and pacing after a seek.
type VideoResetter interface {
	Reset()
}

// Config controls seeking.
type Config struct {
	Step time.Duration
}

func (c Config) withDefaults() Config {
	if c.Step <= 0 {
		c.Step = 10 * time.Second
	}
	return c
}

// Controller owns the seek state machine and the audio side buffer. All
// methods except the Stats accessors run on the control goroutine; the
// state is also read by the video pump on that goroutine.
type Controller struct {
	log    *slog.Logger
	cfg    Config
	seeker Seeker
	clock  Clock
	video  VideoResetter

	audioQ  *pktqueue.Queue
	videoQ  *pktqueue.Queue
	side    *pktqueue.Queue
	extraQs []*pktqueue.Queue

	mu     sync.Mutex
	state  State
	dir    Direction
	anchor int64

	seeks     atomic.Int64
	failures  atomic.Int64
	discarded atomic.Int64
}

// New creates a controller that gates audio into audioQ and clears videoQ
// on seek. extra queues (captions) are cleared on seek as well. The side
// buffer shares audioQ's lock.
func New(cfg Config, shared *pktqueue.Shared, audioQ, videoQ *pktqueue.Queue, seeker Seeker, clock Clock, video VideoResetter, log *slog.Logger, extra ...*pktqueue.Queue) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		log:     log.With("component", "resync"),
		cfg:     cfg.withDefaults(),
		seeker:  seeker,
		clock:   clock,
		video:   video,
		audioQ:  audioQ,
		videoQ:  videoQ,
		side:    pktqueue.New(shared, media.StreamAudio, 0),
		extraQs: extra,
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Anchor returns the current sync anchor in milliseconds.
func (c *Controller) Anchor() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.anchor
}

// SideLen returns the number of audio packets parked in the side buffer.
func (c *Controller) SideLen() int { return c.side.Len() }

// RequestSeek asks for a relative seek of one step in dir. A request made
// while another seek is in flight is ignored and reported as false.
func (c *Controller) RequestSeek(dir Direction) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Idle {
		c.log.Debug("seek ignored, another seek in flight", "state", c.state, "direction", dir)
		return false
	}
	c.state = SeekRequested
	c.dir = dir
	return true
}

// Step performs a requested seek. It reports whether a seek was issued; a
// failed container seek returns the controller to Idle and an error
// wrapping media.ErrSeek.
func (c *Controller) Step() (bool, error) {
	c.mu.Lock()
	if c.state != SeekRequested {
		c.mu.Unlock()
		return false, nil
	}
	dir := c.dir
	c.mu.Unlock()

	now := c.clock.Clock()
	step := c.cfg.Step.Milliseconds()
	target := now + step
	if dir == Backward {
		target = now - step
	}
	if target < 0 {
		target = 0
	}

	if err := c.seeker.Seek(media.StreamVideo, target, true); err != nil {
		c.failures.Add(1)
		c.mu.Lock()
		c.state = Idle
		c.mu.Unlock()
		c.log.Warn("seek failed", "target_ms", target, "direction", dir, "error", err)
		return false, fmt.Errorf("%w: to %d ms: %w", media.ErrSeek, target, err)
	}

	dropped := c.videoQ.Clear()
	for _, q := range c.extraQs {
		q.Clear()
	}
	c.video.Reset()
	c.seeks.Add(1)

	c.mu.Lock()
	c.state = Resyncing
	c.mu.Unlock()
	c.log.Info("seek", "direction", dir, "from_ms", now, "target_ms", target, "video_dropped", dropped)
	return true, nil
}

// ResyncPending reports whether the next decoded video frame should fix
// the anchor.
func (c *Controller) ResyncPending() bool { return c.State() == Resyncing }

// Resynced records the anchor chosen by the first post-seek video frame
// and returns to Idle. Parked audio is released on the next gate call.
func (c *Controller) Resynced(anchor int64) {
	c.mu.Lock()
	c.anchor = anchor
	c.state = Idle
	c.mu.Unlock()
	c.log.Debug("resync complete", "anchor_ms", anchor)
}

// Route is the audio sync gate. Packets at or past the anchor flow into the
// audio queue, flushing the side buffer ahead of them; everything else is
// parked until the controller is Idle again.
func (c *Controller) Route(p *media.Packet) error {
	c.mu.Lock()
	state, anchor := c.state, c.anchor
	c.mu.Unlock()

	ms, ok := p.Millis()
	if state != Idle || (ok && ms < anchor) {
		return c.side.Push(p)
	}
	c.flushSide(anchor)
	return c.audioQ.Push(p)
}

// EndOfStream applies the end-of-stream policy. With no video left a
// pending resync can never complete, so it is abandoned; once Idle the
// side buffer is flushed under the normal anchor rule so audio can drain.
func (c *Controller) EndOfStream(videoEmpty bool) {
	c.mu.Lock()
	if c.state == Resyncing && videoEmpty {
		c.state = Idle
		c.log.Debug("resync abandoned at end of stream", "anchor_ms", c.anchor)
	}
	state, anchor := c.state, c.anchor
	c.mu.Unlock()

	if state == Idle {
		c.flushSide(anchor)
	}
}

func (c *Controller) flushSide(anchor int64) {
	parked := c.side.Drain()
	if len(parked) == 0 {
		return
	}
	keep := parked[:0]
	discarded := 0
	for _, p := range parked {
		if ms, ok := p.Millis(); ok && ms < anchor {
			p.Release()
			discarded++
			continue
		}
		keep = append(keep, p)
	}
	c.discarded.Add(int64(discarded))
	if err := c.audioQ.PushBatch(keep); err != nil {
		for _, p := range keep {
			p.Release()
		}
		c.log.Debug("audio queue rejected side buffer", "error", err)
		return
	}
	if discarded > 0 {
		c.log.Debug("side buffer flushed", "kept", len(keep), "discarded", discarded, "anchor_ms", anchor)
	}
}

// Clear releases every parked packet.
func (c *Controller) Clear() int { return c.side.Clear() }

// Close clears and closes the side buffer.
func (c *Controller) Close() {
	c.side.Clear()
	c.side.Close()
}

// Stats is a point-in-time view of the controller's counters.
type Stats struct {
	State     string `json:"state"`
	AnchorMs  int64  `json:"anchorMs"`
	Seeks     int64  `json:"seeks"`
	Failures  int64  `json:"seekFailures"`
	Discarded int64  `json:"discardedAudio"`
	Parked    int    `json:"parkedAudio"`
}

// Stats returns the controller's counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	state, anchor := c.state, c.anchor
	c.mu.Unlock()
	return Stats{
		State:     state.String(),
		AnchorMs:  anchor,
		Seeks:     c.seeks.Load(),
		Failures:  c.failures.Load(),
		Discarded: c.discarded.Load(),
		Parked:    c.side.Len(),
	}
}
