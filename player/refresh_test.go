package player

import (
	"math"
	"testing"

	"github.com/zsiec/cadence/demux"
	"github.com/zsiec/cadence/media"
)

func newBarePlayer(t *testing.T, cfg Config) (*Player, *fakeTime) {
	t.Helper()
	src := &fakeSource{streams: []demux.StreamInfo{videoStream(0)}}
	p, _, _, ft := newTestPlayer(t, src, cfg)
	return p, ft
}

func TestComputeTargetDelay(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Sync = SyncExternalClock
	p, _ := newBarePlayer(t, cfg)

	set := func(video, master float64) {
		p.vidclk.Set(video, p.videoq.Serial())
		p.extclk.Set(master, p.extclk.SerialValue())
	}

	// In sync: nominal delay survives.
	set(1.0, 1.0)
	if got := p.computeTargetDelay(0.04); got != 0.04 {
		t.Errorf("in sync: got %v, want 0.04", got)
	}

	// Video behind: delay shrinks, floored at zero.
	set(1.0, 2.0)
	if got := p.computeTargetDelay(0.04); got != 0 {
		t.Errorf("video behind: got %v, want 0", got)
	}

	// Video ahead with small delay: doubled.
	set(2.0, 1.0)
	if got := p.computeTargetDelay(0.04); got != 0.08 {
		t.Errorf("video ahead, short delay: got %v, want 0.08", got)
	}

	// Video ahead with delay past the duplication threshold: grows by the
	// full difference.
	set(2.0, 1.0)
	if got := p.computeTargetDelay(0.2); math.Abs(got-1.2) > 1e-9 {
		t.Errorf("video ahead, long delay: got %v, want 1.2", got)
	}

	// Hopeless desync: no correction.
	set(5000.0, 1.0)
	if got := p.computeTargetDelay(0.04); got != 0.04 {
		t.Errorf("beyond max frame duration: got %v, want 0.04", got)
	}
}

func TestComputeTargetDelayVideoMaster(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Sync = SyncVideoMaster
	p, _ := newBarePlayer(t, cfg)
	p.mu.Lock()
	p.comps[media.KindVideo] = &component{}
	p.mu.Unlock()

	p.vidclk.Set(10, p.videoq.Serial())
	p.extclk.Set(0, p.extclk.SerialValue())
	if got := p.computeTargetDelay(0.04); got != 0.04 {
		t.Errorf("video master never adjusts delay: got %v", got)
	}
}

func TestVPDuration(t *testing.T) {
	t.Parallel()

	p, _ := newBarePlayer(t, DefaultConfig())

	mk := func(pts float64, serial int) *media.VideoFrame {
		f := &media.VideoFrame{}
		f.PTS = pts
		f.Duration = 0.04
		f.Serial = serial
		return f
	}

	if got := p.vpDuration(mk(1.0, 1), mk(1.04, 1)); math.Abs(got-0.04) > 1e-9 {
		t.Errorf("pts delta: got %v, want 0.04", got)
	}
	if got := p.vpDuration(mk(1.0, 1), mk(1.0, 1)); got != 0.04 {
		t.Errorf("zero delta falls back to nominal: got %v", got)
	}
	if got := p.vpDuration(mk(1.0, 1), mk(math.NaN(), 1)); got != 0.04 {
		t.Errorf("NaN successor falls back to nominal: got %v", got)
	}
	if got := p.vpDuration(mk(1.0, 1), mk(9000, 1)); got != 0.04 {
		t.Errorf("implausible delta falls back to nominal: got %v", got)
	}
	if got := p.vpDuration(mk(1.0, 1), mk(1.04, 2)); got != 0 {
		t.Errorf("serial boundary: got %v, want 0", got)
	}
}

func TestCheckExternalClockSpeed(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Sync = SyncExternalClock
	p, _ := newBarePlayer(t, cfg)
	p.mu.Lock()
	p.comps[media.KindVideo] = &component{info: videoStream(0)}
	p.mu.Unlock()
	p.videoq.Start()

	// Starved queue slows the clock down.
	p.checkExternalClockSpeed()
	if got := p.extclk.Speed(); math.Abs(got-(1.0-ExternalClockSpeedStep)) > 1e-9 {
		t.Errorf("starved: speed %v, want %v", got, 1.0-ExternalClockSpeedStep)
	}

	// Overfull queue speeds it up; from below 1.0 it first steps back
	// toward 1.0.
	for i := 0; i < ExternalClockMaxFrames+1; i++ {
		pkt := media.Packet{StreamIndex: 0, Data: []byte{1}}
		if err := p.videoq.Put(&pkt); err != nil {
			t.Fatal(err)
		}
	}
	p.checkExternalClockSpeed()
	if got := p.extclk.Speed(); math.Abs(got-1.0) > 1e-9 {
		t.Errorf("recovering: speed %v, want 1.0", got)
	}
	p.checkExternalClockSpeed()
	if got := p.extclk.Speed(); math.Abs(got-(1.0+ExternalClockSpeedStep)) > 1e-9 {
		t.Errorf("overfull: speed %v, want %v", got, 1.0+ExternalClockSpeedStep)
	}
}

func pushPicture(t *testing.T, p *Player, pts float64, serial int) {
	t.Helper()
	slot, err := p.pictq.PeekWritable()
	if err != nil {
		t.Fatal(err)
	}
	src := &media.VideoFrame{}
	src.PTS = pts
	src.Duration = 0.04
	src.Serial = serial
	slot.CopyFrom(src)
	p.pictq.Push()
}

func TestLateFramesDroppedAgainstMaster(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Sync = SyncExternalClock
	p, ft := newBarePlayer(t, cfg)
	p.mu.Lock()
	p.comps[media.KindVideo] = &component{info: videoStream(0)}
	p.mu.Unlock()
	p.videoq.Start()

	serial := p.videoq.Serial()
	for i := 0; i < 3; i++ {
		pushPicture(t, p, float64(i)*0.04, serial)
	}

	// Master clock already five frame intervals ahead: everything buffered
	// except the newest frame is hopelessly late.
	ft.advance(0.1)
	p.extclk.Set(0.2, p.extclk.SerialValue())
	p.Refresh()

	if got := p.framesDroppedLate.Load(); got != 2 {
		t.Errorf("late drops: got %d, want 2", got)
	}
	if got := p.framesDisplayed.Load(); got != 1 {
		t.Errorf("displayed: got %d, want 1", got)
	}
}

func TestLateFramesKeptWithFrameDropNever(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Sync = SyncExternalClock
	cfg.FrameDrop = FrameDropNever
	p, ft := newBarePlayer(t, cfg)
	p.mu.Lock()
	p.comps[media.KindVideo] = &component{info: videoStream(0)}
	p.mu.Unlock()
	p.videoq.Start()

	serial := p.videoq.Serial()
	for i := 0; i < 3; i++ {
		pushPicture(t, p, float64(i)*0.04, serial)
	}

	ft.advance(0.1)
	p.extclk.Set(0.2, p.extclk.SerialValue())
	for i := 0; i < 3; i++ {
		p.Refresh()
		ft.advance(0.01)
	}

	if got := p.framesDroppedLate.Load(); got != 0 {
		t.Errorf("late drops with framedrop off: got %d, want 0", got)
	}
	if got := p.framesDisplayed.Load(); got != 3 {
		t.Errorf("displayed: got %d, want 3", got)
	}
}

func TestAudioMasterCatchUpStretchesLateVideo(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Sync = SyncAudioMaster
	src := &fakeSource{streams: []demux.StreamInfo{videoStream(0), audioStream(1)}}
	p, _, _, ft := newTestPlayer(t, src, cfg)
	p.mu.Lock()
	p.comps[media.KindVideo] = &component{info: videoStream(0)}
	p.comps[media.KindAudio] = &component{info: audioStream(1)}
	p.mu.Unlock()
	p.videoq.Start()
	p.audioq.Start()

	// Audio starts at zero and runs in real time; the video track carries
	// the same cadence but offset 300ms ahead.
	p.audclk.Set(0, p.audioq.Serial())

	serial := p.videoq.Serial()
	next := 0
	fill := func() {
		for next < 40 && p.pictq.Len() < p.pictq.Capacity() {
			pushPicture(t, p, 0.3+float64(next)*0.04, serial)
			next++
		}
	}
	fill()

	var times, diffs []float64
	for p.now() < 2.0 && len(times) < 10 {
		before := p.framesDisplayed.Load()
		d := p.Refresh()
		if p.framesDisplayed.Load() > before {
			times = append(times, p.now())
			diffs = append(diffs, p.vidclk.Get()-p.audclk.Get())
		}
		fill()
		step := d.Seconds()
		if step < 0.0005 {
			step = 0.0005
		}
		ft.advance(step)
	}

	if len(times) < 10 {
		t.Fatalf("displayed %d frames in 2s of playback, want 10", len(times))
	}

	// Catch-up doubles the on-screen time of early frames instead of
	// dropping audio.
	stretched := 0
	for i := 1; i < len(times); i++ {
		if times[i]-times[i-1] >= 1.9*0.04 {
			stretched++
		}
	}
	if stretched == 0 {
		t.Error("no inter-frame gap was stretched while video led the audio clock")
	}

	converged := -1
	for i, d := range diffs {
		if math.Abs(d) < SyncThresholdMin {
			converged = i
			break
		}
	}
	if converged < 0 || converged >= 10 {
		t.Errorf("clocks did not converge within 10 displayed frames: diffs %v", diffs)
	}
}

func TestRetireSubtitlesDropsExpired(t *testing.T) {
	t.Parallel()

	p, _ := newBarePlayer(t, DefaultConfig())
	p.subtitleq.Start()

	pushSub := func(pts, end float64, serial int) {
		slot, err := p.subpq.PeekWritable()
		if err != nil {
			t.Fatal(err)
		}
		src := &media.SubtitleFrame{EndDisplay: end}
		src.PTS = pts
		src.Serial = serial
		slot.CopyFrom(src)
		p.subpq.Push()
	}
	serial := p.subtitleq.Serial()
	pushSub(0, 1.0, serial)
	pushSub(2.0, 1.0, serial)

	// Video clock past the first subtitle's window retires only it.
	p.vidclk.Set(1.5, p.videoq.Serial())
	p.retireSubtitles()
	if got := p.subpq.NbRemaining(); got != 1 {
		t.Fatalf("remaining after expiry: got %d, want 1", got)
	}
	if got := p.subpq.Peek(); got.PTS != 2.0 {
		t.Errorf("survivor: got pts %v, want 2.0", got.PTS)
	}

	// Stale generation retires regardless of timing.
	p.subtitleq.Flush()
	p.retireSubtitles()
	if got := p.subpq.NbRemaining(); got != 0 {
		t.Errorf("remaining after generation change: got %d, want 0", got)
	}
}
