package queue

import (
	"errors"
	"testing"
	"time"

	"github.com/zsiec/cadence/media"
)

func newVideoRing(capacity int, keepLast bool) (*FrameQueue[*media.VideoFrame], *PacketQueue) {
	pq := NewPacketQueue()
	pq.Start()
	fq := NewFrameQueue(pq, capacity, keepLast, func() *media.VideoFrame { return &media.VideoFrame{} })
	return fq, pq
}

func push(t *testing.T, fq *FrameQueue[*media.VideoFrame], pts float64, serial int) {
	t.Helper()
	slot, err := fq.PeekWritable()
	if err != nil {
		t.Fatalf("PeekWritable: %v", err)
	}
	src := &media.VideoFrame{Data: []byte{1}}
	src.PTS = pts
	src.Serial = serial
	slot.CopyFrom(src)
	fq.Push()
}

func TestCapacityClamped(t *testing.T) {
	t.Parallel()

	fq, _ := newVideoRing(64, false)
	if fq.Capacity() != media.MaxFrameQueueSize {
		t.Errorf("capacity: got %d, want %d", fq.Capacity(), media.MaxFrameQueueSize)
	}
}

func TestFIFOOrder(t *testing.T) {
	t.Parallel()

	fq, _ := newVideoRing(3, false)
	for i := 0; i < 3; i++ {
		push(t, fq, float64(i), 1)
	}
	for i := 0; i < 3; i++ {
		f, err := fq.PeekReadable()
		if err != nil {
			t.Fatalf("PeekReadable %d: %v", i, err)
		}
		if f.PTS != float64(i) {
			t.Errorf("frame %d: got pts %v", i, f.PTS)
		}
		fq.Next()
	}
	if fq.NbRemaining() != 0 {
		t.Errorf("NbRemaining after draining: got %d", fq.NbRemaining())
	}
}

func TestKeepLastRetainsShownFrame(t *testing.T) {
	t.Parallel()

	fq, _ := newVideoRing(3, true)
	push(t, fq, 1.0, 1)
	push(t, fq, 2.0, 1)

	if fq.RindexShown() {
		t.Fatal("nothing shown yet")
	}

	// First Next only marks the head as shown.
	fq.Next()
	if !fq.RindexShown() {
		t.Fatal("head should be marked shown")
	}
	if fq.NbRemaining() != 1 {
		t.Errorf("NbRemaining: got %d, want 1", fq.NbRemaining())
	}
	if last := fq.PeekLast(); last.PTS != 1.0 || last.Data == nil {
		t.Errorf("shown frame should be retained intact, got pts %v", last.PTS)
	}
	if cur := fq.Peek(); cur.PTS != 2.0 {
		t.Errorf("Peek should see the successor, got pts %v", cur.PTS)
	}

	// Second Next releases the shown frame and advances to the successor.
	fq.Next()
	if last := fq.PeekLast(); last.PTS != 2.0 {
		t.Errorf("PeekLast after advance: got pts %v, want 2.0", last.PTS)
	}
	if fq.NbRemaining() != 0 {
		t.Errorf("NbRemaining: got %d, want 0", fq.NbRemaining())
	}
}

func TestWritableBlocksAtCapacity(t *testing.T) {
	t.Parallel()

	fq, pq := newVideoRing(2, false)
	push(t, fq, 0, 1)
	push(t, fq, 1, 1)

	done := make(chan error, 1)
	go func() {
		_, err := fq.PeekWritable()
		done <- err
	}()

	select {
	case err := <-done:
		t.Fatalf("PeekWritable should block at capacity, returned %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	pq.Abort()
	fq.Signal()
	select {
	case err := <-done:
		if !errors.Is(err, media.ErrAborted) {
			t.Errorf("PeekWritable after abort: got %v, want ErrAborted", err)
		}
	case <-time.After(time.Second):
		t.Fatal("abort did not release blocked producer")
	}
}

func TestReadableBlocksWhenEmpty(t *testing.T) {
	t.Parallel()

	fq, pq := newVideoRing(2, false)

	done := make(chan error, 1)
	go func() {
		_, err := fq.PeekReadable()
		done <- err
	}()

	select {
	case err := <-done:
		t.Fatalf("PeekReadable should block on empty queue, returned %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	pq.Abort()
	fq.Signal()
	select {
	case err := <-done:
		if !errors.Is(err, media.ErrAborted) {
			t.Errorf("PeekReadable after abort: got %v, want ErrAborted", err)
		}
	case <-time.After(time.Second):
		t.Fatal("abort did not release blocked consumer")
	}
}

func TestLastPos(t *testing.T) {
	t.Parallel()

	fq, pq := newVideoRing(3, true)
	slot, err := fq.PeekWritable()
	if err != nil {
		t.Fatal(err)
	}
	src := &media.VideoFrame{}
	src.Pos = 4242
	src.Serial = pq.Serial()
	slot.CopyFrom(src)
	fq.Push()

	if fq.LastPos() != -1 {
		t.Errorf("LastPos before showing: got %d, want -1", fq.LastPos())
	}
	fq.Next()
	if fq.LastPos() != 4242 {
		t.Errorf("LastPos of shown frame: got %d, want 4242", fq.LastPos())
	}

	// Stale generation hides the position.
	pq.Flush()
	if fq.LastPos() != -1 {
		t.Errorf("LastPos with stale serial: got %d, want -1", fq.LastPos())
	}
}

func TestDrainReleasesEverything(t *testing.T) {
	t.Parallel()

	fq, _ := newVideoRing(3, true)
	push(t, fq, 0, 1)
	push(t, fq, 1, 1)
	fq.Next()

	fq.Drain()
	if fq.NbRemaining() != 0 || fq.Len() != 0 || fq.RindexShown() {
		t.Errorf("Drain left remaining=%d len=%d shown=%v",
			fq.NbRemaining(), fq.Len(), fq.RindexShown())
	}
}

func TestNextRacesNbRemaining(t *testing.T) {
	t.Parallel()

	fq, _ := newVideoRing(3, true)
	for i := 0; i < 3; i++ {
		push(t, fq, float64(i), 1)
	}

	// The consumer advances while another goroutine polls occupancy, the
	// same pairing as the audio callback against the read loop.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 3; i++ {
			if _, err := fq.PeekReadable(); err != nil {
				return
			}
			fq.Next()
		}
	}()
	for {
		if fq.NbRemaining() == 0 {
			break
		}
		time.Sleep(time.Microsecond)
	}
	<-done
	if got := fq.NbRemaining(); got != 0 {
		t.Errorf("NbRemaining after concurrent drain: got %d", got)
	}
}
