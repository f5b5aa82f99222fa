// Package pktqueue implements the packet FIFOs that decouple the demux loop
// from the audio and video decoders.
//
// All queues created from one Shared lock serialize on the same mutex, so
// the demux loop, the audio pull goroutine, and the resync controller can
// move packets between queues without lock-ordering concerns. Each queue
// has its own condition variable so a push wakes only its own consumer.
package pktqueue

import (
	"errors"
	"fmt"
	"sync"

	"github.com/zsiec/tandem/internal/media"
)

// Sentinel errors returned by queue operations.
var (
	ErrWrongStream = errors.New("pktqueue: packet kind does not match queue")
	ErrInFlight    = errors.New("pktqueue: queue already holds a partially consumed packet")
	ErrClosed      = errors.New("pktqueue: queue closed")
)

// Shared is the coarse lock shared by a set of queues.
type Shared struct {
	mu sync.Mutex
}

// NewShared returns a lock for a new set of queues.
func NewShared() *Shared { return &Shared{} }

// Queue is a FIFO of packets of a single stream kind. Capacity is soft:
// Push never blocks or fails on a full queue, callers poll Full.
type Queue struct {
	shared   *Shared
	cond     *sync.Cond
	kind     media.StreamKind
	capacity int

	ring     []*media.Packet
	head     int
	n        int
	inFlight bool
	closed   bool
	ended    bool
	waiting  int
}

// New creates a queue for packets of kind, guarded by shared. A capacity of
// zero means unbounded.
func New(shared *Shared, kind media.StreamKind, capacity int) *Queue {
	if shared == nil {
		shared = NewShared()
	}
	return &Queue{
		shared:   shared,
		cond:     sync.NewCond(&shared.mu),
		kind:     kind,
		capacity: capacity,
		ring:     make([]*media.Packet, 16),
	}
}

// Kind returns the stream kind the queue accepts.
func (q *Queue) Kind() media.StreamKind { return q.kind }

// Capacity returns the soft capacity, zero when unbounded.
func (q *Queue) Capacity() int { return q.capacity }

// Push appends p and wakes one blocked Pop.
func (q *Queue) Push(p *media.Packet) error {
	if p == nil {
		return nil
	}
	if p.Stream != q.kind {
		return fmt.Errorf("%w: got %s, want %s", ErrWrongStream, p.Stream, q.kind)
	}
	q.shared.mu.Lock()
	defer q.shared.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.pushBack(p)
	q.cond.Signal()
	return nil
}

// PushBatch appends ps in order under a single lock acquisition and wakes
// the consumer once. Packets of a foreign kind are rejected before any is
// queued.
func (q *Queue) PushBatch(ps []*media.Packet) error {
	if len(ps) == 0 {
		return nil
	}
	for _, p := range ps {
		if p.Stream != q.kind {
			return fmt.Errorf("%w: got %s, want %s", ErrWrongStream, p.Stream, q.kind)
		}
	}
	q.shared.mu.Lock()
	defer q.shared.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	for _, p := range ps {
		q.pushBack(p)
	}
	q.cond.Signal()
	return nil
}

// PushFront returns a partially consumed packet to the head of the queue so
// the next Pop resumes it. Only one such packet may be queued at a time.
func (q *Queue) PushFront(p *media.Packet) error {
	if p.Stream != q.kind {
		return fmt.Errorf("%w: got %s, want %s", ErrWrongStream, p.Stream, q.kind)
	}
	q.shared.mu.Lock()
	defer q.shared.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if q.inFlight {
		return ErrInFlight
	}
	q.grow()
	q.head = (q.head - 1 + len(q.ring)) % len(q.ring)
	q.ring[q.head] = p
	q.n++
	q.inFlight = true
	q.cond.Signal()
	return nil
}

// Pop removes and returns the head packet, blocking while the queue is
// empty. It returns ok=false once the queue is closed and drained.
func (q *Queue) Pop() (*media.Packet, bool) { return q.pop(false) }

// PopUnlessEnded is Pop, but it also returns ok=false when the queue is
// empty and EndInput has been called.
func (q *Queue) PopUnlessEnded() (*media.Packet, bool) { return q.pop(true) }

func (q *Queue) pop(stopAtEnd bool) (*media.Packet, bool) {
	q.shared.mu.Lock()
	defer q.shared.mu.Unlock()
	for q.n == 0 && !q.closed && !(stopAtEnd && q.ended) {
		q.waiting++
		q.cond.Wait()
		q.waiting--
	}
	if q.n == 0 {
		return nil, false
	}
	return q.popFront(), true
}

// TryPop is Pop without blocking.
func (q *Queue) TryPop() (*media.Packet, bool) {
	q.shared.mu.Lock()
	defer q.shared.mu.Unlock()
	if q.n == 0 {
		return nil, false
	}
	return q.popFront(), true
}

// Front returns the head packet without removing it, or nil.
func (q *Queue) Front() *media.Packet {
	q.shared.mu.Lock()
	defer q.shared.mu.Unlock()
	if q.n == 0 {
		return nil
	}
	return q.ring[q.head]
}

// Clear releases every queued packet and returns how many there were.
func (q *Queue) Clear() int {
	q.shared.mu.Lock()
	ps := q.drainLocked()
	q.shared.mu.Unlock()
	for _, p := range ps {
		p.Release()
	}
	return len(ps)
}

// Drain removes every queued packet without releasing it and hands
// ownership to the caller.
func (q *Queue) Drain() []*media.Packet {
	q.shared.mu.Lock()
	defer q.shared.mu.Unlock()
	return q.drainLocked()
}

// Len returns the number of queued packets.
func (q *Queue) Len() int {
	q.shared.mu.Lock()
	defer q.shared.mu.Unlock()
	return q.n
}

// Full reports whether Len has reached a non-zero capacity.
func (q *Queue) Full() bool {
	if q.capacity <= 0 {
		return false
	}
	return q.Len() >= q.capacity
}

// Waiting returns the number of goroutines blocked in Pop.
func (q *Queue) Waiting() int {
	q.shared.mu.Lock()
	defer q.shared.mu.Unlock()
	return q.waiting
}

// EndInput marks that no more packets are coming for now and wakes every
// blocked PopUnlessEnded. Unlike Close it does not reject pushes.
func (q *Queue) EndInput() {
	q.shared.mu.Lock()
	if !q.ended {
		q.ended = true
		q.cond.Broadcast()
	}
	q.shared.mu.Unlock()
}

// ResumeInput undoes EndInput.
func (q *Queue) ResumeInput() {
	q.shared.mu.Lock()
	q.ended = false
	q.shared.mu.Unlock()
}

// Close wakes every blocked Pop and rejects further pushes. Packets still
// queued can be popped until the queue is empty.
func (q *Queue) Close() {
	q.shared.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.shared.mu.Unlock()
}

func (q *Queue) pushBack(p *media.Packet) {
	q.grow()
	q.ring[(q.head+q.n)%len(q.ring)] = p
	q.n++
}

func (q *Queue) popFront() *media.Packet {
	p := q.ring[q.head]
	q.ring[q.head] = nil
	q.head = (q.head + 1) % len(q.ring)
	q.n--
	if q.inFlight {
		// The partially consumed packet only ever sits at the head.
		q.inFlight = false
	}
	return p
}

func (q *Queue) drainLocked() []*media.Packet {
	if q.n == 0 {
		return nil
	}
	ps := make([]*media.Packet, 0, q.n)
	for q.n > 0 {
		ps = append(ps, q.popFront())
	}
	return ps
}

func (q *Queue) grow() {
	if q.n < len(q.ring) {
		return
	}
	next := make([]*media.Packet, len(q.ring)*2)
	for i := 0; i < q.n; i++ {
		next[i] = q.ring[(q.head+i)%len(q.ring)]
	}
	q.ring = next
	q.head = 0
}
