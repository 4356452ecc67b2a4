// Package beepout plays the engine's audio through the beep speaker. It
// adapts the engine's pull callback (interleaved s16 bytes) to beep's
// float64 sample pairs.
package beepout

import (
	"fmt"
	"sync"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/speaker"

	"github.com/zsiec/cadence/media"
	"github.com/zsiec/cadence/player"
)

// Device implements player.AudioDevice on the beep speaker. Only one
// Device can be open at a time; the speaker is a process-wide singleton.
type Device struct {
	mu     sync.Mutex
	ctrl   *beep.Ctrl
	open   bool
	paused bool
}

// New returns an unopened Device.
func New() *Device { return &Device{} }

// Open initializes the speaker at the requested rate, forcing stereo
// output, and starts streaming from fill. The device starts paused.
func (d *Device) Open(want player.AudioSpec, fill player.AudioFiller) (player.AudioSpec, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open {
		return player.AudioSpec{}, fmt.Errorf("beepout: device already open")
	}
	got := player.AudioSpec{
		Format:     media.AudioFormat{SampleRate: want.Format.SampleRate, Channels: 2},
		BufferSize: want.BufferSize,
	}
	if got.Format.SampleRate <= 0 {
		got.Format.SampleRate = 44100
	}
	if got.BufferSize <= 0 {
		got.BufferSize = 4096
	}

	sr := beep.SampleRate(got.Format.SampleRate)
	if err := speaker.Init(sr, got.BufferSize/4); err != nil {
		return player.AudioSpec{}, fmt.Errorf("beepout: initializing speaker: %w", err)
	}

	st := &streamer{fill: fill, buf: make([]byte, got.BufferSize)}
	st.pos = len(st.buf)
	d.ctrl = &beep.Ctrl{Streamer: st, Paused: true}
	d.paused = true
	d.open = true
	speaker.Play(d.ctrl)
	return got, nil
}

// Pause stops or resumes pulling from the fill callback. While paused the
// speaker plays silence.
func (d *Device) Pause(paused bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open || d.paused == paused {
		return
	}
	d.paused = paused
	speaker.Lock()
	d.ctrl.Paused = paused
	speaker.Unlock()
}

func (d *Device) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return
	}
	d.open = false
	speaker.Clear()
	d.ctrl = nil
}

// streamer refills a byte period from the engine and hands it to beep as
// normalized sample pairs. Runs entirely on the speaker goroutine.
type streamer struct {
	fill player.AudioFiller
	buf  []byte
	pos  int
}

func (s *streamer) Stream(samples [][2]float64) (int, bool) {
	const bytesPerFrame = 4 // stereo s16
	for i := range samples {
		if s.pos+bytesPerFrame > len(s.buf) {
			s.fill.Fill(s.buf)
			s.pos = 0
		}
		l := int16(uint16(s.buf[s.pos]) | uint16(s.buf[s.pos+1])<<8)
		r := int16(uint16(s.buf[s.pos+2]) | uint16(s.buf[s.pos+3])<<8)
		samples[i][0] = float64(l) / 32768
		samples[i][1] = float64(r) / 32768
		s.pos += bytesPerFrame
	}
	return len(samples), true
}

func (s *streamer) Err() error { return nil }
