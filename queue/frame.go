package queue

import (
	"github.com/zsiec/cadence/media"

	"sync"
)

// FrameQueue is a fixed-capacity ring of decoded units shared between one
// decoder goroutine (producer) and one consumer (the refresh loop or the
// audio callback). Slots are pre-allocated; the producer fills the slot
// returned by PeekWritable in place and commits it with Push.
//
// With keepLast set, the slot most recently consumed is retained and only
// marked shown on the first Next, so a paused display always has a frame to
// redraw. rindexShown distinguishes "displayed, retained" from "pending".
//
// Abort state is delegated to the paired PacketQueue: when that queue
// aborts, blocked producers and consumers here are released after a Signal.
// The Peek* accessors that take no lock are safe because read indices are
// mutated only by the single consumer and the write index only by the
// single producer.
type FrameQueue[T media.Framer] struct {
	mu          sync.Mutex
	cond        *sync.Cond
	items       []T
	rindex      int
	windex      int
	size        int
	rindexShown int
	keepLast    bool
	pq          *PacketQueue
}

// NewFrameQueue creates a ring of capacity slots (clamped to
// media.MaxFrameQueueSize) paired with pq for abort and serial checks.
// alloc produces the pre-allocated slot values.
func NewFrameQueue[T media.Framer](pq *PacketQueue, capacity int, keepLast bool, alloc func() T) *FrameQueue[T] {
	if capacity > media.MaxFrameQueueSize {
		capacity = media.MaxFrameQueueSize
	}
	q := &FrameQueue[T]{
		items:    make([]T, capacity),
		keepLast: keepLast,
		pq:       pq,
	}
	q.cond = sync.NewCond(&q.mu)
	for i := range q.items {
		q.items[i] = alloc()
	}
	return q
}

// Signal wakes any blocked producer or consumer so they can observe an
// abort on the paired packet queue.
func (q *FrameQueue[T]) Signal() {
	q.mu.Lock()
	q.cond.Broadcast()
	q.mu.Unlock()
}

// PeekWritable blocks until a free slot exists, returning media.ErrAborted
// if the paired packet queue aborts first. The returned slot stays owned by
// the queue; the caller fills it and commits with Push.
func (q *FrameQueue[T]) PeekWritable() (T, error) {
	q.mu.Lock()
	for q.size >= len(q.items) && !q.pq.AbortRequested() {
		q.cond.Wait()
	}
	q.mu.Unlock()

	if q.pq.AbortRequested() {
		var zero T
		return zero, media.ErrAborted
	}
	return q.items[q.windex], nil
}

// Push commits the slot returned by the last PeekWritable.
func (q *FrameQueue[T]) Push() {
	q.windex++
	if q.windex == len(q.items) {
		q.windex = 0
	}
	q.mu.Lock()
	q.size++
	q.cond.Signal()
	q.mu.Unlock()
}

// PeekReadable blocks until an unconsumed unit exists, returning
// media.ErrAborted if the paired packet queue aborts first.
func (q *FrameQueue[T]) PeekReadable() (T, error) {
	q.mu.Lock()
	for q.size-q.rindexShown <= 0 && !q.pq.AbortRequested() {
		q.cond.Wait()
	}
	q.mu.Unlock()

	if q.pq.AbortRequested() {
		var zero T
		return zero, media.ErrAborted
	}
	return q.items[(q.rindex+q.rindexShown)%len(q.items)], nil
}

// Peek returns the next unit pending display without consuming it.
func (q *FrameQueue[T]) Peek() T {
	return q.items[(q.rindex+q.rindexShown)%len(q.items)]
}

// PeekNext returns the unit after Peek.
func (q *FrameQueue[T]) PeekNext() T {
	return q.items[(q.rindex+q.rindexShown+1)%len(q.items)]
}

// PeekLast returns the most recently consumed-but-retained unit: the frame
// currently on screen when rindexShown is set, otherwise the same slot
// Peek returns.
func (q *FrameQueue[T]) PeekLast() T {
	return q.items[q.rindex]
}

// Next advances past the current unit. Under keepLast, the first Next on a
// freshly pushed slot only marks it shown, retaining it for redraw; the
// following Next evicts it.
func (q *FrameQueue[T]) Next() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.keepLast && q.rindexShown == 0 {
		q.rindexShown = 1
		return
	}
	q.items[q.rindex].Release()
	q.rindex++
	if q.rindex == len(q.items) {
		q.rindex = 0
	}
	q.size--
	q.cond.Signal()
}

// NbRemaining returns the number of units not yet consumed. The retained
// shown slot does not count.
func (q *FrameQueue[T]) NbRemaining() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size - q.rindexShown
}

// RindexShown reports whether a retained shown slot exists, i.e. whether
// PeekLast returns something displayable.
func (q *FrameQueue[T]) RindexShown() bool {
	return q.rindexShown != 0
}

// LastPos returns the byte position of the last shown unit, or -1 when no
// unit is shown or it belongs to a stale generation.
func (q *FrameQueue[T]) LastPos() int64 {
	m := q.items[q.rindex].Meta()
	if q.rindexShown != 0 && m.Serial == q.pq.Serial() {
		return m.Pos
	}
	return -1
}

// Capacity returns the ring size.
func (q *FrameQueue[T]) Capacity() int {
	return len(q.items)
}

// Len returns the number of occupied slots including a retained shown one.
func (q *FrameQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Drain releases every occupied slot. Called at component close after the
// producer has exited.
func (q *FrameQueue[T]) Drain() {
	for i := range q.items {
		q.items[i].Release()
	}
	q.mu.Lock()
	q.size = 0
	q.rindex = 0
	q.windex = 0
	q.rindexShown = 0
	q.mu.Unlock()
}
