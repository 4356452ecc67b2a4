// Package clock implements the drifting time bases that keep the playback
// pipeline synchronized. A Clock stores a timeline position plus the wall
// time it was observed at, and extrapolates between updates by elapsed wall
// time scaled by playback speed. Every clock is bound to a playback
// generation (serial); reading a clock whose serial no longer matches its
// reference queue yields NaN, which consumers treat as "no opinion".
package clock

import (
	"math"
	"sync"
	"time"
)

// NoSyncThreshold is the desync ceiling in seconds beyond which a clock is
// snapped to its slave rather than corrected gradually.
const NoSyncThreshold = 10.0

// SerialSource reports the current generation of the queue a clock is
// validated against.
type SerialSource interface {
	Serial() int
}

// Clock is a drifting time base. Safe for concurrent use.
type Clock struct {
	mu          sync.Mutex
	pts         float64 // last observed timeline position, seconds
	ptsDrift    float64 // pts minus wall time at last update
	lastUpdated float64 // wall time of last update, seconds
	speed       float64
	serial      int
	paused      bool
	ref         SerialSource    // nil means self-referential
	now         func() float64  // wall time source, seconds
}

// New creates a clock validated against ref. A nil ref makes the clock
// self-referential: it is always live for its own serial, which is how the
// external clock works. A nil now uses the real monotonic wall time.
func New(ref SerialSource, now func() float64) *Clock {
	c := &Clock{ref: ref, now: now}
	if c.now == nil {
		c.now = wallSeconds
	}
	c.speed = 1.0
	c.SetAt(math.NaN(), -1, c.now())
	return c
}

var epoch = time.Now()

func wallSeconds() float64 {
	return time.Since(epoch).Seconds()
}

// Get returns the clock's current position. It returns NaN when the stored
// serial is stale relative to the reference queue, or when the clock has
// never been set. While paused the position is frozen at the last set value.
func (c *Clock) Get() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refSerialLocked() != c.serial {
		return math.NaN()
	}
	if c.paused {
		return c.pts
	}
	t := c.now()
	return c.ptsDrift + t - (t-c.lastUpdated)*(1.0-c.speed)
}

func (c *Clock) refSerialLocked() int {
	if c.ref == nil {
		return c.serial
	}
	return c.ref.Serial()
}

// SetAt records pts as the clock position observed at wall time at.
func (c *Clock) SetAt(pts float64, serial int, at float64) {
	c.mu.Lock()
	c.pts = pts
	c.lastUpdated = at
	c.ptsDrift = pts - at
	c.serial = serial
	c.mu.Unlock()
}

// Set records pts as the clock position observed now.
func (c *Clock) Set(pts float64, serial int) {
	c.SetAt(pts, serial, c.now())
}

// Speed returns the playback rate multiplier.
func (c *Clock) Speed() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speed
}

// SetSpeed changes the playback rate. The clock is re-anchored at its
// current value first so the position stays continuous across the change.
func (c *Clock) SetSpeed(speed float64) {
	c.Set(c.Get(), c.SerialValue())
	c.mu.Lock()
	c.speed = speed
	c.mu.Unlock()
}

// SetPaused freezes or resumes the clock.
func (c *Clock) SetPaused(paused bool) {
	c.mu.Lock()
	c.paused = paused
	c.mu.Unlock()
}

// Paused reports whether the clock is frozen.
func (c *Clock) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// SerialValue returns the generation the stored position belongs to.
func (c *Clock) SerialValue() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serial
}

// Serial makes a self-referential Clock usable as a SerialSource for
// another clock or for itself.
func (c *Clock) Serial() int {
	return c.SerialValue()
}

// PTS returns the last recorded position without extrapolation.
func (c *Clock) PTS() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pts
}

// LastUpdated returns the wall time of the most recent update.
func (c *Clock) LastUpdated() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUpdated
}

// SyncToSlave snaps c to slave's position when c is invalid or the two
// disagree by more than NoSyncThreshold. Used to keep the external clock
// tracking whichever media clock is authoritative.
func (c *Clock) SyncToSlave(slave *Clock) {
	cv := c.Get()
	sv := slave.Get()
	if !math.IsNaN(sv) && (math.IsNaN(cv) || math.Abs(cv-sv) > NoSyncThreshold) {
		c.Set(sv, slave.SerialValue())
	}
}
