// Package queue provides the two buffering structures between pipeline
// stages: a serial-tagged FIFO of compressed packets and a fixed-capacity
// ring of decoded frames with keep-last semantics.
//
// Both queues invalidate buffered data across seeks with a generation
// counter (serial) instead of in-band flush markers: a flush bumps the
// serial, and every consumer discards units whose stamped serial no longer
// matches the queue's live one.
package queue

import (
	"sync"

	"github.com/zsiec/cadence/media"
)

type packetEntry struct {
	pkt    media.Packet
	serial int
}

// PacketQueue is a thread-safe FIFO of compressed units, each stamped with
// the queue's serial at enqueue time. A new queue starts aborted; Start
// must be called before packets are accepted, and again after Abort to
// reuse the queue.
type PacketQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	list     []packetEntry
	size     int64
	duration int64 // time-base units, summed over buffered packets
	serial   int
	abort    bool
}

// NewPacketQueue creates a queue in the aborted state.
func NewPacketQueue() *PacketQueue {
	q := &PacketQueue{abort: true}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *PacketQueue) putLocked(pkt *media.Packet) error {
	if q.abort {
		return media.ErrAborted
	}
	q.list = append(q.list, packetEntry{pkt: *pkt, serial: q.serial})
	q.size += int64(pkt.Size())
	q.duration += pkt.Duration
	pkt.Data = nil
	q.cond.Signal()
	return nil
}

// Put appends pkt, taking ownership of its payload. It fails with
// media.ErrAborted when the queue is aborted.
func (q *PacketQueue) Put(pkt *media.Packet) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.putLocked(pkt)
}

// PutNull appends an empty drain marker for streamIndex, telling the
// decoder to flush out remaining buffered output at end of stream.
func (q *PacketQueue) PutNull(streamIndex int) error {
	pkt := media.Packet{
		StreamIndex: streamIndex,
		PTS:         media.NoPTS,
		DTS:         media.NoPTS,
		Pos:         -1,
	}
	return q.Put(&pkt)
}

// Get removes the oldest packet. With block set it suspends the caller
// until a packet arrives or the queue aborts; otherwise an empty queue
// yields media.ErrAgain. The returned serial is the generation the packet
// was enqueued under.
func (q *PacketQueue) Get(block bool) (media.Packet, int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.abort {
			return media.Packet{}, 0, media.ErrAborted
		}
		if len(q.list) > 0 {
			e := q.list[0]
			q.list[0] = packetEntry{}
			q.list = q.list[1:]
			q.size -= int64(e.pkt.Size())
			q.duration -= e.pkt.Duration
			if len(q.list) == 0 {
				q.list = nil
			}
			return e.pkt, e.serial, nil
		}
		if !block {
			return media.Packet{}, 0, media.ErrAgain
		}
		q.cond.Wait()
	}
}

// Flush drops every buffered packet, resets the running totals, and bumps
// the serial, invalidating all in-flight units of the old generation.
func (q *PacketQueue) Flush() {
	q.mu.Lock()
	q.list = nil
	q.size = 0
	q.duration = 0
	q.serial++
	q.mu.Unlock()
}

// Abort marks the queue aborted and wakes every blocked waiter. The flag is
// sticky until Start.
func (q *PacketQueue) Abort() {
	q.mu.Lock()
	q.abort = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Start clears the abort flag and opens a fresh generation.
func (q *PacketQueue) Start() {
	q.mu.Lock()
	q.abort = false
	q.serial++
	q.mu.Unlock()
}

// Close flushes the queue. Present for symmetry with resource-holding
// implementations of the demuxer boundary.
func (q *PacketQueue) Close() {
	q.Flush()
}

// Serial returns the live generation counter.
func (q *PacketQueue) Serial() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.serial
}

// AbortRequested reports whether Abort has been called without a
// subsequent Start.
func (q *PacketQueue) AbortRequested() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.abort
}

// Len returns the number of buffered packets.
func (q *PacketQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.list)
}

// Size returns the running byte total of buffered packets including
// bookkeeping overhead.
func (q *PacketQueue) Size() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Duration returns the summed packet durations in time-base units.
func (q *PacketQueue) Duration() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.duration
}
