package audio

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zsiec/tandem/internal/media"
	"github.com/zsiec/tandem/internal/pktqueue"
)

type fakeDecoder struct {
	mu      sync.Mutex
	step    int
	samples int
	fail    map[int64]bool
	stuck   bool
	calls   int
	flushes int
	log     []string
}

func (d *fakeDecoder) Decode(p *media.Packet) (int, *media.AudioFrame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.log = append(d.log, "decode")
	if d.fail[p.PTS] {
		return 0, nil, errors.New("corrupt payload")
	}
	f := &media.AudioFrame{Samples: d.samples, PTS: p.PTS}
	if d.stuck {
		return 0, f, nil
	}
	n := p.Size()
	if d.step > 0 && d.step < n {
		n = d.step
	}
	return n, f, nil
}

func (d *fakeDecoder) Flush() {
	d.mu.Lock()
	d.flushes++
	d.log = append(d.log, "flush")
	d.mu.Unlock()
}

// fakeResampler emits two interleaved channels per frame sample, each
// carrying the frame's PTS so tests can trace where samples came from.
type fakeResampler struct{}

func (fakeResampler) Convert(f *media.AudioFrame) ([]int16, error) {
	out := make([]int16, f.Samples*2)
	for i := range out {
		out[i] = int16(f.PTS)
	}
	return out, nil
}

type fakeDevice struct {
	offset atomic.Int64
	sets   atomic.Int64
}

func (d *fakeDevice) Offset() time.Duration {
	return time.Duration(d.offset.Load()) * time.Millisecond
}

func (d *fakeDevice) SetOffset(off time.Duration) {
	d.offset.Store(off.Milliseconds())
	d.sets.Add(1)
}

// testConfig yields a 20-sample chunk: 10 ms at 1 kHz stereo.
var testConfig = Config{SampleRate: 1000, Channels: 2, ChunkDuration: 10 * time.Millisecond}

func newTestEngine(t *testing.T, dec *fakeDecoder) (*Engine, *pktqueue.Queue) {
	t.Helper()
	q := pktqueue.New(pktqueue.NewShared(), media.StreamAudio, 0)
	return NewEngine(testConfig, q, dec, fakeResampler{}, nil), q
}

func audioPkt(pts int64, size int) *media.Packet {
	p := media.NewPacket(media.StreamAudio, make([]byte, size))
	p.PTS = pts
	p.TimeBase = media.Rational{Num: 1, Den: 1000}
	return p
}

func TestConfigChunkSamples(t *testing.T) {
	t.Parallel()
	if got := testConfig.ChunkSamples(); got != 20 {
		t.Errorf("ChunkSamples = %d, want 20", got)
	}
	def := Config{}.withDefaults()
	if def.SampleRate != 48000 || def.Channels != 2 || def.ChunkDuration != 100*time.Millisecond {
		t.Errorf("defaults = %+v", def)
	}
}

func TestFillSpansPackets(t *testing.T) {
	t.Parallel()
	dec := &fakeDecoder{samples: 5}
	e, q := newTestEngine(t, dec)
	for i := int64(1); i <= 3; i++ {
		_ = q.Push(audioPkt(i, 4))
	}

	chunk, ok := e.Fill()
	if !ok {
		t.Fatal("Fill returned ok=false")
	}
	if len(chunk) != 20 {
		t.Fatalf("chunk length = %d, want 20", len(chunk))
	}
	if chunk[0] != 1 || chunk[19] != 2 {
		t.Errorf("chunk spans PTS %d..%d, want 1..2", chunk[0], chunk[19])
	}
	if q.Len() != 1 {
		t.Errorf("queue Len = %d, want 1 packet left", q.Len())
	}
	if !e.Started() {
		t.Error("Started = false after a chunk was produced")
	}
}

func TestFillDecodesPartialPayload(t *testing.T) {
	t.Parallel()
	dec := &fakeDecoder{samples: 5, step: 2}
	e, q := newTestEngine(t, dec)
	p := audioPkt(9, 4)
	_ = q.Push(p)
	_ = q.Push(audioPkt(10, 4))

	chunk, _ := e.Fill()
	if len(chunk) != 20 {
		t.Fatalf("chunk length = %d, want 20", len(chunk))
	}
	if dec.calls != 2 {
		t.Errorf("decode calls = %d, want 2 for one packet in two halves", dec.calls)
	}
	if !p.Released() {
		t.Error("fully decoded packet not released")
	}
	if q.Len() != 1 {
		t.Errorf("queue Len = %d, want 1", q.Len())
	}
}

func TestFillSkipsDecodeErrors(t *testing.T) {
	t.Parallel()
	dec := &fakeDecoder{samples: 5, fail: map[int64]bool{2: true}}
	e, q := newTestEngine(t, dec)
	bad := audioPkt(2, 4)
	_ = q.Push(audioPkt(1, 4))
	_ = q.Push(bad)
	_ = q.Push(audioPkt(3, 4))

	chunk, _ := e.Fill()
	if chunk[10] != 3 {
		t.Errorf("second frame PTS = %d, want 3 (packet 2 skipped)", chunk[10])
	}
	if !bad.Released() {
		t.Error("failed packet not released")
	}
	if got := e.Stats().DecodeErrors; got != 1 {
		t.Errorf("DecodeErrors = %d, want 1", got)
	}
}

func TestFillBoundsStuckDecoder(t *testing.T) {
	t.Parallel()
	dec := &fakeDecoder{samples: 1, stuck: true}
	e, q := newTestEngine(t, dec)
	_ = q.Push(audioPkt(1, 4))
	q.Close()

	chunk, ok := e.Fill()
	if !ok {
		t.Fatal("Fill returned ok=false with decoded output")
	}
	if dec.calls != maxDecodeSteps {
		t.Errorf("decode calls = %d, want %d", dec.calls, maxDecodeSteps)
	}
	if len(chunk) != maxDecodeSteps*2 {
		t.Errorf("chunk length = %d, want %d", len(chunk), maxDecodeSteps*2)
	}
}

func TestFillBlocksUntilPacket(t *testing.T) {
	t.Parallel()
	dec := &fakeDecoder{samples: 10}
	e, q := newTestEngine(t, dec)
	done := make(chan []int16, 1)

	go func() {
		chunk, _ := e.Fill()
		done <- chunk
	}()
	deadline := time.Now().Add(2 * time.Second)
	for q.Waiting() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Fill never blocked on the empty queue")
		}
		time.Sleep(time.Millisecond)
	}
	if e.Started() {
		t.Fatal("Started = true before any output")
	}

	_ = q.Push(audioPkt(5, 4))
	select {
	case chunk := <-done:
		if len(chunk) != 20 {
			t.Errorf("chunk length = %d, want 20", len(chunk))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Fill did not wake after push")
	}
}

func TestFillReturnsFalseWhenClosed(t *testing.T) {
	t.Parallel()
	e, q := newTestEngine(t, &fakeDecoder{samples: 5})
	q.Close()
	if _, ok := e.Fill(); ok {
		t.Error("Fill on a closed empty queue reported ok")
	}
}

func TestRepositionFlushesBeforeNextDecode(t *testing.T) {
	t.Parallel()
	dec := &fakeDecoder{samples: 10}
	e, q := newTestEngine(t, dec)
	dev := &fakeDevice{}
	e.AttachDevice(dev)

	stale := audioPkt(1, 4)
	_ = q.Push(stale)
	e.Reposition(4096)

	if !stale.Released() || q.Len() != 0 {
		t.Fatal("Reposition did not clear and release queued audio")
	}
	if dev.offset.Load() != 4096 {
		t.Errorf("device offset = %d, want 4096", dev.offset.Load())
	}
	if e.Started() {
		t.Error("Started still true after Reposition")
	}
	if dec.flushes != 0 {
		t.Error("decoder flushed on the control goroutine")
	}

	_ = q.Push(audioPkt(2, 4))
	_, _ = e.Fill()
	if len(dec.log) < 2 || dec.log[0] != "flush" || dec.log[1] != "decode" {
		t.Errorf("decoder calls = %v, want flush before decode", dec.log)
	}
	_ = q.Push(audioPkt(3, 4))
	_, _ = e.Fill()
	if dec.flushes != 1 {
		t.Errorf("flushes = %d, want exactly 1", dec.flushes)
	}
}

func TestClockMonotonicUntilReposition(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, &fakeDecoder{})
	dev := &fakeDevice{}
	e.AttachDevice(dev)

	var last int64 = -1
	for _, off := range []int64{0, 20, 45, 40, 45, 100, 90} {
		dev.offset.Store(off)
		got := e.Clock()
		if got < last {
			t.Fatalf("clock regressed from %d to %d", last, got)
		}
		last = got
	}
	if last != 100 {
		t.Errorf("clock = %d, want 100", last)
	}

	e.Reposition(32)
	if got := e.Clock(); got != 32 {
		t.Errorf("clock after reposition = %d, want 32", got)
	}
	dev.offset.Store(50)
	if got := e.Clock(); got != 50 {
		t.Errorf("clock = %d, want 50", got)
	}
}

func TestClockWithoutDevice(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, &fakeDecoder{})
	if got := e.Clock(); got != 0 {
		t.Errorf("Clock = %d, want 0", got)
	}
	e.Reposition(64)
	if got := e.Clock(); got != 64 {
		t.Errorf("Clock after reposition = %d, want 64", got)
	}
}

// A chunk whose decode straddled a reposition still plays but does not
// count as post-seek output.
func TestStaleChunkDoesNotStartOutput(t *testing.T) {
	t.Parallel()
	dec := &fakeDecoder{samples: 5}
	e, q := newTestEngine(t, dec)
	done := make(chan struct{})

	_ = q.Push(audioPkt(1, 4))
	go func() {
		_, _ = e.Fill()
		close(done)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for q.Waiting() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Fill never blocked for its second packet")
		}
		time.Sleep(time.Millisecond)
	}

	e.Reposition(0)
	_ = q.Push(audioPkt(2, 4))
	<-done

	if e.Started() {
		t.Error("Started = true from a chunk begun before Reposition")
	}
}

// gatedDevice parks the first Offset call after reading the position,
// until release is closed.
type gatedDevice struct {
	offset  atomic.Int64
	gate    atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (d *gatedDevice) Offset() time.Duration {
	ms := d.offset.Load()
	if d.gate.CompareAndSwap(true, false) {
		close(d.entered)
		<-d.release
	}
	return time.Duration(ms) * time.Millisecond
}

func (d *gatedDevice) SetOffset(off time.Duration) { d.offset.Store(off.Milliseconds()) }

// A Clock call that read the device before a seek rebased it must not
// leave the pre-seek position behind as the floor.
func TestClockReadDuringRepositionDoesNotRestoreOldPosition(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, &fakeDecoder{})
	dev := &gatedDevice{entered: make(chan struct{}), release: make(chan struct{})}
	dev.offset.Store(20000)
	e.AttachDevice(dev)
	dev.gate.Store(true)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = e.Clock()
	}()
	select {
	case <-dev.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("Clock never read the device")
	}
	go func() {
		defer wg.Done()
		e.Reposition(10016)
	}()
	time.Sleep(10 * time.Millisecond)
	close(dev.release)
	wg.Wait()

	if got := e.Clock(); got != 10016 {
		t.Errorf("Clock after reposition = %d, want 10016", got)
	}
}

func TestClockConcurrentWithReposition(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, &fakeDecoder{})
	dev := &fakeDevice{}
	dev.offset.Store(50000)
	e.AttachDevice(dev)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					_ = e.Clock()
				}
			}
		}()
	}
	for i := int64(0); i < 200; i++ {
		anchor := 40000 - i*32
		e.Reposition(anchor)
		if got := e.Clock(); got != anchor {
			close(stop)
			wg.Wait()
			t.Fatalf("Clock after Reposition(%d) = %d", anchor, got)
		}
		dev.offset.Store(50000)
	}
	close(stop)
	wg.Wait()
}

func TestFillReturnsPartialChunkAtEndOfInput(t *testing.T) {
	t.Parallel()
	dec := &fakeDecoder{samples: 5}
	e, q := newTestEngine(t, dec)
	dev := &fakeDevice{}
	e.AttachDevice(dev)

	type result struct {
		n  int
		ok bool
	}
	done := make(chan result, 1)
	_ = q.Push(audioPkt(1, 4))
	go func() {
		buf, ok := e.Fill()
		done <- result{len(buf), ok}
	}()
	deadline := time.Now().Add(2 * time.Second)
	for q.Waiting() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Fill never blocked for its second packet")
		}
		time.Sleep(time.Millisecond)
	}
	q.EndInput()

	select {
	case r := <-done:
		if !r.ok || r.n != 10 {
			t.Fatalf("Fill = %d samples, %v; want the 10-sample tail", r.n, r.ok)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Fill held the tail after input ended")
	}

	if e.Drained() {
		t.Error("Drained before the device played the tail")
	}
	dev.offset.Store(5)
	if !e.Drained() {
		t.Error("not Drained once the device passed the tail")
	}
}

func TestDrainedTracksDecodedAudio(t *testing.T) {
	t.Parallel()
	e, q := newTestEngine(t, &fakeDecoder{samples: 5})
	if !e.Drained() {
		t.Error("Drained = false without a device")
	}
	dev := &fakeDevice{}
	e.AttachDevice(dev)

	e.Reposition(1000)
	_ = q.Push(audioPkt(1, 4))
	_ = q.Push(audioPkt(2, 4))
	if _, ok := e.Fill(); !ok {
		t.Fatal("Fill reported !ok")
	}
	dev.offset.Store(1009)
	if e.Drained() {
		t.Error("Drained at 1009, want false until 1010")
	}
	dev.offset.Store(1010)
	if !e.Drained() {
		t.Error("Drained = false at 1010")
	}
}
