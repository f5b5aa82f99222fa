package video

import (
	"errors"
	"testing"

	"github.com/zsiec/tandem/internal/media"
	"github.com/zsiec/tandem/internal/pktqueue"
)

type fakeClock struct {
	ms          int64
	started     bool
	repositions []int64
}

func (c *fakeClock) Clock() int64  { return c.ms }
func (c *fakeClock) Started() bool { return c.started }
func (c *fakeClock) Reposition(ms int64) {
	c.repositions = append(c.repositions, ms)
	c.ms = ms
	c.started = false
}

type fakeResync struct {
	pending bool
	anchors []int64
}

func (r *fakeResync) ResyncPending() bool { return r.pending }
func (r *fakeResync) Resynced(anchor int64) {
	r.anchors = append(r.anchors, anchor)
	r.pending = false
}

// fakeDecoder emits one frame per packet carrying the packet's PTS, after
// consuming step bytes per call (all of them when step is zero).
type fakeDecoder struct {
	step    int
	fail    bool
	calls   int
	flushes int
}

func (d *fakeDecoder) Decode(p *media.Packet) (int, *media.VideoFrame, error) {
	d.calls++
	if d.fail {
		return 0, nil, errors.New("bad slice")
	}
	n := p.Size()
	if d.step > 0 && d.step < n {
		n = d.step
		if p.Size()-n > 0 {
			return n, nil, nil
		}
	}
	return n, &media.VideoFrame{PTS: p.PTS, Width: 2, Height: 2}, nil
}

func (d *fakeDecoder) Flush() { d.flushes++ }

type passthrough struct{}

func (passthrough) Convert(f *media.VideoFrame) (*media.VideoFrame, error) { return f, nil }

type recorder struct{ shown []int64 }

func (r *recorder) Present(f *media.VideoFrame) error {
	r.shown = append(r.shown, f.Millis)
	return nil
}

type fixture struct {
	q      *pktqueue.Queue
	dec    *fakeDecoder
	clock  *fakeClock
	resync *fakeResync
	rec    *recorder
	pump   *Pump
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		q:      pktqueue.New(pktqueue.NewShared(), media.StreamVideo, 300),
		dec:    &fakeDecoder{},
		clock:  &fakeClock{started: true},
		resync: &fakeResync{},
		rec:    &recorder{},
	}
	f.pump = NewPump(f.q, f.dec, passthrough{}, f.rec, f.clock, f.resync, nil)
	return f
}

func (f *fixture) push(pts int64, size int) *media.Packet {
	p := media.NewPacket(media.StreamVideo, make([]byte, size))
	p.PTS = pts
	p.TimeBase = media.Rational{Num: 1, Den: 1000}
	_ = f.q.Push(p)
	return p
}

func TestRoundUpAnchor(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, want int64
	}{
		{-5, 0},
		{0, 0},
		{1, 32},
		{31, 32},
		{32, 32},
		{33, 64},
		{1000, 1024},
		{10016, 10016},
	}
	for _, tt := range tests {
		if got := RoundUpAnchor(tt.in); got != tt.want {
			t.Errorf("RoundUpAnchor(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestStepWaitsForAudioStart(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.clock.started = false
	f.push(0, 4)

	if f.pump.Step() {
		t.Fatal("Step did work before audio output started")
	}
	if f.dec.calls != 0 {
		t.Errorf("decoder called %d times", f.dec.calls)
	}
	f.clock.started = true
	if !f.pump.Step() {
		t.Error("Step idle once audio started")
	}
}

func TestStepEmptyQueueDoesNotBlock(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if f.pump.Step() {
		t.Error("Step reported work on an empty queue")
	}
}

func TestStepPacesAgainstClock(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	for _, pts := range []int64{0, 40, 80} {
		f.push(pts, 4)
	}

	steps := []struct {
		clock int64
		work  bool
	}{
		{0, true},   // first frame: lastMs is -1
		{0, false},  // 0 > 0 fails
		{10, true},  // decodes 40
		{20, false}, // 20 > 40 fails
		{41, true},  // decodes 80
		{200, false},
	}
	for i, s := range steps {
		f.clock.ms = s.clock
		if got := f.pump.Step(); got != s.work {
			t.Fatalf("step %d at clock %d: work = %v, want %v", i, s.clock, got, s.work)
		}
	}
	want := []int64{0, 40, 80}
	if len(f.rec.shown) != len(want) {
		t.Fatalf("presented %v, want %v", f.rec.shown, want)
	}
	for i := range want {
		if f.rec.shown[i] != want[i] {
			t.Errorf("frame %d = %d ms, want %d", i, f.rec.shown[i], want[i])
		}
	}
}

func TestPresentedTimestampsNeverRegress(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	for _, pts := range []int64{0, 80, 40, 120} {
		f.push(pts, 4)
	}
	f.clock.ms = 1000
	for f.pump.Step() {
	}

	last := int64(-1)
	for _, ms := range f.rec.shown {
		if ms < last {
			t.Fatalf("presented %v regresses", f.rec.shown)
		}
		last = ms
	}
	if got := f.pump.Stats().Dropped; got != 1 {
		t.Errorf("Dropped = %d, want 1", got)
	}
	if got := f.pump.Stats().Presented; got != 3 {
		t.Errorf("Presented = %d, want 3", got)
	}
}

func TestFirstFrameAfterSeekSetsAnchor(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.clock.ms = 50
	f.push(0, 4)
	f.pump.Step()

	f.pump.Reset()
	f.resync.pending = true
	f.push(1000, 4)
	f.pump.Step()

	if len(f.clock.repositions) != 1 || f.clock.repositions[0] != 1024 {
		t.Fatalf("repositions = %v, want [1024]", f.clock.repositions)
	}
	if len(f.resync.anchors) != 1 || f.resync.anchors[0] != 1024 {
		t.Errorf("anchors = %v, want [1024]", f.resync.anchors)
	}
	if f.dec.flushes != 1 {
		t.Errorf("decoder flushes = %d, want 1", f.dec.flushes)
	}
}

// A second seek lands before any post-seek audio reached the device, so
// output has not started; the anchor frame must still be decoded.
func TestAnchorFrameDoesNotWaitForAudio(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.clock.started = false
	f.clock.ms = 416
	f.pump.Reset()
	f.resync.pending = true
	f.push(800, 4)

	if !f.pump.Step() {
		t.Fatal("Step idle while a resync waits for its anchor frame")
	}
	if len(f.resync.anchors) != 1 || f.resync.anchors[0] != 800 {
		t.Fatalf("anchors = %v, want [800]", f.resync.anchors)
	}

	f.push(840, 4)
	f.clock.ms = 900
	if f.pump.Step() {
		t.Error("Step decoded past the anchor before audio started")
	}
}

func TestRegressionAllowedAfterReset(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.clock.ms = 5000
	f.push(4000, 4)
	f.pump.Step()

	f.pump.Reset()
	if f.pump.LastMillis() != -1 {
		t.Fatalf("LastMillis after Reset = %d, want -1", f.pump.LastMillis())
	}
	f.resync.pending = true
	f.push(1000, 4)
	f.clock.started = true
	f.pump.Step()

	if n := len(f.rec.shown); n != 2 || f.rec.shown[1] != 1000 {
		t.Errorf("presented %v, want backward frame at 1000 shown", f.rec.shown)
	}
}

// A 10-byte packet decoded 3 bytes at a time returns to the head three
// times, then is released; the queue never holds a second partial packet.
func TestPartialDecodeReinsertionBounded(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.dec.step = 3
	p := f.push(0, 10)
	next := f.push(40, 4)
	f.clock.ms = 0

	for i := 0; i < 3; i++ {
		if !f.pump.Step() {
			t.Fatalf("step %d idle", i)
		}
		if f.q.Front() != p {
			t.Fatalf("step %d: partial packet not at head", i)
		}
		if f.q.Len() != 2 {
			t.Fatalf("step %d: Len = %d, want 2", i, f.q.Len())
		}
	}
	if !f.pump.Step() {
		t.Fatal("final step idle")
	}
	if !p.Released() {
		t.Error("packet not released after its last byte")
	}
	if f.q.Front() != next {
		t.Error("next packet not at head")
	}
	if f.dec.calls != 4 {
		t.Errorf("decode calls = %d, want 4", f.dec.calls)
	}
}

func TestDecodeErrorReleasesPacket(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.dec.fail = true
	p := f.push(0, 4)

	if !f.pump.Step() {
		t.Fatal("Step idle")
	}
	if !p.Released() || f.q.Len() != 0 {
		t.Error("failed packet not released")
	}
	if len(f.rec.shown) != 0 {
		t.Error("frame presented from a failed decode")
	}
	if f.pump.Stats().DecodeErrors != 1 {
		t.Errorf("DecodeErrors = %d, want 1", f.pump.Stats().DecodeErrors)
	}
}
