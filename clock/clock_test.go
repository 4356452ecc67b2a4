package clock

import (
	"math"
	"testing"
)

type fakeSerial struct{ s int }

func (f *fakeSerial) Serial() int { return f.s }

func TestGetBeforeSet(t *testing.T) {
	t.Parallel()

	tm := 0.0
	c := New(nil, func() float64 { return tm })
	if !math.IsNaN(c.Get()) {
		t.Errorf("Get before Set: got %v, want NaN", c.Get())
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	t.Parallel()

	tm := 100.0
	c := New(nil, func() float64 { return tm })
	c.Set(5.0, 1)
	if got := c.Get(); got != 5.0 {
		t.Errorf("Get right after Set: got %v, want 5.0", got)
	}

	tm = 102.5
	if got := c.Get(); got != 7.5 {
		t.Errorf("Get after 2.5s elapsed: got %v, want 7.5", got)
	}
}

func TestSpeedScaling(t *testing.T) {
	t.Parallel()

	tm := 0.0
	c := New(nil, func() float64 { return tm })
	c.Set(0, 1)
	c.SetSpeed(2.0)

	tm = 10
	if got := c.Get(); math.Abs(got-20) > 1e-9 {
		t.Errorf("Get at 2x speed after 10s: got %v, want 20", got)
	}
}

func TestSetSpeedContinuity(t *testing.T) {
	t.Parallel()

	tm := 0.0
	c := New(nil, func() float64 { return tm })
	c.Set(0, 1)
	tm = 4
	before := c.Get()
	c.SetSpeed(1.5)
	if got := c.Get(); math.Abs(got-before) > 1e-9 {
		t.Errorf("position jumped across SetSpeed: %v -> %v", before, got)
	}
}

func TestStaleSerialReadsNaN(t *testing.T) {
	t.Parallel()

	ref := &fakeSerial{s: 1}
	tm := 0.0
	c := New(ref, func() float64 { return tm })
	c.Set(3.0, 1)
	if math.IsNaN(c.Get()) {
		t.Fatal("matching serial should not read NaN")
	}

	ref.s = 2
	if !math.IsNaN(c.Get()) {
		t.Error("stale serial should read NaN")
	}

	c.Set(4.0, 2)
	if math.IsNaN(c.Get()) {
		t.Error("re-stamped serial should read a value again")
	}
}

func TestPausedFreezes(t *testing.T) {
	t.Parallel()

	tm := 0.0
	c := New(nil, func() float64 { return tm })
	c.Set(1.0, 1)
	c.SetPaused(true)
	tm = 50
	if got := c.Get(); got != 1.0 {
		t.Errorf("paused clock advanced: got %v, want 1.0", got)
	}
	c.SetPaused(false)
}

func TestSyncToSlave(t *testing.T) {
	t.Parallel()

	tm := 0.0
	now := func() float64 { return tm }

	c := New(nil, now)
	s := New(nil, now)
	s.Set(100, 3)

	// Unset master snaps immediately.
	c.SyncToSlave(s)
	if got := c.Get(); got != 100 {
		t.Errorf("snap from NaN: got %v, want 100", got)
	}

	// Small disagreement is left alone.
	s.Set(101, 3)
	c.SyncToSlave(s)
	if got := c.Get(); got != 100 {
		t.Errorf("1s disagreement should not snap: got %v", got)
	}

	// Beyond the threshold snaps.
	s.Set(200, 3)
	c.SyncToSlave(s)
	if got := c.Get(); got != 200 {
		t.Errorf("11s disagreement should snap: got %v, want 200", got)
	}
}
