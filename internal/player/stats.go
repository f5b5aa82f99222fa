package player

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/tandem/internal/audio"
	"github.com/zsiec/tandem/internal/resync"
	"github.com/zsiec/tandem/internal/video"
)

// QueueStats is the depth of each packet queue.
type QueueStats struct {
	Audio         int `json:"audio"`
	Video         int `json:"video"`
	VideoCapacity int `json:"videoCapacity"`
	Captions      int `json:"captions"`
	Parked        int `json:"parkedAudio"`
}

// DemuxStats counts what the demux loop read.
type DemuxStats struct {
	AudioPackets   int64   `json:"audioPackets"`
	VideoPackets   int64   `json:"videoPackets"`
	CaptionPackets int64   `json:"captionPackets"`
	ReadErrors     int64   `json:"readErrors"`
	StarvedDrops   int64   `json:"starvedVideoDrops"`
	ReadKbps       float64 `json:"readKbps"`
	EndOfStream    bool    `json:"endOfStream"`
}

// Snapshot is a point-in-time view of a playback session, logged
// periodically by the CLI.
type Snapshot struct {
	Timestamp int64        `json:"ts"`
	UptimeMs  int64        `json:"uptimeMs"`
	ClockMs   int64        `json:"clockMs"`
	Demux     DemuxStats   `json:"demux"`
	Queues    QueueStats   `json:"queues"`
	Audio     audio.Stats  `json:"audio"`
	Video     video.Stats  `json:"video"`
	Resync    resync.Stats `json:"resync"`
	Captions  int64        `json:"captionsShown"`
}

// counters accumulates demux telemetry. The atomic counters are written on
// the control goroutine and read by Snapshot from any goroutine.
type counters struct {
	startedAt time.Time

	audioPackets   atomic.Int64
	videoPackets   atomic.Int64
	captionPackets atomic.Int64
	readErrors     atomic.Int64
	starvedDrops   atomic.Int64
	captions       atomic.Int64
	eos            atomic.Bool

	// windowMu guards window
	windowMu sync.Mutex
	window   []readEntry
}

type readEntry struct {
	ts    time.Time
	bytes int64
}

const readWindow = 2 * time.Second

func (c *counters) recordRead(now time.Time, bytes int) {
	c.windowMu.Lock()
	c.window = append(c.window, readEntry{ts: now, bytes: int64(bytes)})
	cutoff := now.Add(-readWindow)
	i := 0
	for i < len(c.window) && c.window[i].ts.Before(cutoff) {
		i++
	}
	c.window = c.window[i:]
	c.windowMu.Unlock()
}

// readKbps is the container read rate over the sliding window.
func (c *counters) readKbps() float64 {
	c.windowMu.Lock()
	defer c.windowMu.Unlock()

	if len(c.window) < 2 {
		return 0
	}
	dur := c.window[len(c.window)-1].ts.Sub(c.window[0].ts).Seconds()
	if dur <= 0 {
		return 0
	}
	var total int64
	for _, e := range c.window {
		total += e.bytes
	}
	return float64(total) * 8 / dur / 1000
}

// Snapshot returns the session's statistics. Safe from any goroutine.
func (p *Player) Snapshot() Snapshot {
	now := time.Now()
	var uptime int64
	if !p.stats.startedAt.IsZero() {
		uptime = now.Sub(p.stats.startedAt).Milliseconds()
	}
	return Snapshot{
		Timestamp: now.UnixMilli(),
		UptimeMs:  uptime,
		ClockMs:   p.engine.Clock(),
		Demux: DemuxStats{
			AudioPackets:   p.stats.audioPackets.Load(),
			VideoPackets:   p.stats.videoPackets.Load(),
			CaptionPackets: p.stats.captionPackets.Load(),
			ReadErrors:     p.stats.readErrors.Load(),
			StarvedDrops:   p.stats.starvedDrops.Load(),
			ReadKbps:       p.stats.readKbps(),
			EndOfStream:    p.stats.eos.Load(),
		},
		Queues: QueueStats{
			Audio:         p.audioQ.Len(),
			Video:         p.videoQ.Len(),
			VideoCapacity: p.videoQ.Capacity(),
			Captions:      p.captionQ.Len(),
			Parked:        p.sync.SideLen(),
		},
		Audio:    p.engine.Stats(),
		Video:    p.pump.Stats(),
		Resync:   p.sync.Stats(),
		Captions: p.stats.captions.Load(),
	}
}
