package player

import (
	"context"
	"math"
	"time"

	"github.com/zsiec/cadence/media"
)

// Refresh runs one refresh tick: it advances the picture queue as far as
// the master clock allows, retires expired subtitles, and displays the
// current frame when due. It returns how long the caller may sleep before
// the next tick. Must be called from a single goroutine.
func (p *Player) Refresh() time.Duration {
	remaining := RefreshRate
	p.refreshTick(&remaining)
	if remaining < 0 {
		remaining = 0
	}
	return time.Duration(remaining * float64(time.Second))
}

// RefreshLoop drives Refresh until ctx is done or playback stops.
func (p *Player) RefreshLoop(ctx context.Context) {
	for ctx.Err() == nil && !p.abort.Load() {
		d := p.Refresh()
		if d > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(d):
			}
		}
	}
}

func (p *Player) refreshTick(remaining *float64) {
	if !p.Paused() && p.masterSyncType() == SyncExternalClock && p.realtime {
		p.checkExternalClockSpeed()
	}

	if p.component(media.KindVideo) == nil {
		return
	}

	for {
		if p.pictq.NbRemaining() == 0 {
			break
		}

		lastvp := p.pictq.PeekLast()
		vp := p.pictq.Peek()
		if vp.Serial != p.videoq.Serial() {
			p.pictq.Next()
			continue
		}
		if lastvp.Serial != vp.Serial {
			p.setFrameTimer(p.now())
		}
		if p.Paused() {
			break
		}

		lastDuration := p.vpDuration(lastvp, vp)
		delay := p.computeTargetDelay(lastDuration)

		t := p.now()
		ft := p.frameTimerValue()
		if t < ft+delay {
			// Not due yet; keep showing the last frame.
			if rem := ft + delay - t; rem < *remaining {
				*remaining = rem
			}
			break
		}

		ft += delay
		p.setFrameTimer(ft)
		if delay > 0 && t-ft > SyncThresholdMax {
			// Fell too far behind schedule; resynchronize the timer.
			p.setFrameTimer(t)
			ft = t
		}

		if !math.IsNaN(vp.PTS) {
			p.updateVideoPTS(vp.PTS, vp.Serial)
		}

		if p.pictq.NbRemaining() > 1 {
			nextvp := p.pictq.PeekNext()
			duration := p.vpDuration(vp, nextvp)
			if !p.stepping() && p.lateDropAllowed() && t > ft+duration {
				p.framesDroppedLate.Add(1)
				p.pictq.Next()
				continue
			}
		}

		if p.component(media.KindSubtitle) != nil {
			p.retireSubtitles()
		}

		p.pictq.Next()
		p.setForceRefresh(true)

		if p.stepping() && !p.Paused() {
			p.streamTogglePause()
		}
		break
	}

	if p.takeForceRefresh() && p.pictq.RindexShown() {
		p.display()
	}
}

// computeTargetDelay adjusts the nominal inter-frame delay by the A-V
// difference. delay and the result are in seconds.
func (p *Player) computeTargetDelay(delay float64) float64 {
	if p.masterSyncType() == SyncVideoMaster {
		return delay
	}
	diff := p.vidclk.Get() - p.MasterClock()

	syncThreshold := delay
	if syncThreshold < SyncThresholdMin {
		syncThreshold = SyncThresholdMin
	}
	if syncThreshold > SyncThresholdMax {
		syncThreshold = SyncThresholdMax
	}
	if !math.IsNaN(diff) && math.Abs(diff) < p.maxFrameDuration {
		switch {
		case diff <= -syncThreshold:
			delay = math.Max(0, delay+diff)
		case diff >= syncThreshold && delay > SyncFrameDupThreshold:
			delay += diff
		case diff >= syncThreshold:
			delay = 2 * delay
		}
	}
	return delay
}

// vpDuration estimates how long vp should stay on screen given its
// successor. Across a serial boundary the answer is 0 so the new
// generation starts immediately.
func (p *Player) vpDuration(vp, nextvp *media.VideoFrame) float64 {
	if vp.Serial != nextvp.Serial {
		return 0
	}
	d := nextvp.PTS - vp.PTS
	if math.IsNaN(d) || d <= 0 || d > p.maxFrameDuration {
		return vp.Duration
	}
	return d
}

func (p *Player) updateVideoPTS(pts float64, serial int) {
	p.vidclk.Set(pts, serial)
	p.extclk.SyncToSlave(p.vidclk)
}

func (p *Player) lateDropAllowed() bool {
	switch p.cfg.FrameDrop {
	case FrameDropAlways:
		return true
	case FrameDropNever:
		return false
	default:
		return p.masterSyncType() != SyncVideoMaster
	}
}

// retireSubtitles drops queued subtitles that are stale-serial, fully past
// their display window, or superseded by a successor already due.
func (p *Player) retireSubtitles() {
	for p.subpq.NbRemaining() > 0 {
		sp := p.subpq.Peek()
		var sp2 *media.SubtitleFrame
		if p.subpq.NbRemaining() > 1 {
			sp2 = p.subpq.PeekNext()
		}
		vidPTS := p.vidclk.PTS()
		if sp.Serial != p.subtitleq.Serial() ||
			vidPTS > sp.PTS+sp.EndDisplay ||
			(sp2 != nil && vidPTS > sp2.PTS+sp2.StartDisplay) {
			p.subpq.Next()
			continue
		}
		break
	}
}

func (p *Player) display() {
	vp := p.pictq.PeekLast()
	var sub *media.SubtitleFrame
	if p.component(media.KindSubtitle) != nil && p.subpq.NbRemaining() > 0 {
		sp := p.subpq.Peek()
		if p.vidclk.PTS() >= sp.PTS+sp.StartDisplay {
			sp.Uploaded = true
			sub = sp
		}
	}
	if err := p.sink.Display(vp, sub); err != nil {
		p.log.Error("display failed", "error", err)
		return
	}
	p.framesDisplayed.Add(1)
}

// checkExternalClockSpeed nudges the external clock toward real time based
// on queue occupancy, so a realtime source neither drains nor overfills
// its buffers.
func (p *Player) checkExternalClockSpeed() {
	videoLow := p.component(media.KindVideo) != nil && p.videoq.Len() <= ExternalClockMinFrames
	audioLow := p.component(media.KindAudio) != nil && p.audioq.Len() <= ExternalClockMinFrames
	videoHigh := p.component(media.KindVideo) == nil || p.videoq.Len() > ExternalClockMaxFrames
	audioHigh := p.component(media.KindAudio) == nil || p.audioq.Len() > ExternalClockMaxFrames

	speed := p.extclk.Speed()
	switch {
	case videoLow || audioLow:
		p.extclk.SetSpeed(math.Max(ExternalClockSpeedMin, speed-ExternalClockSpeedStep))
	case videoHigh && audioHigh:
		p.extclk.SetSpeed(math.Min(ExternalClockSpeedMax, speed+ExternalClockSpeedStep))
	default:
		if speed != 1.0 {
			p.extclk.SetSpeed(speed + ExternalClockSpeedStep*(1.0-speed)/math.Abs(1.0-speed))
		}
	}
}

func (p *Player) frameTimerValue() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.frameTimer
}

func (p *Player) setFrameTimer(t float64) {
	p.mu.Lock()
	p.frameTimer = t
	p.mu.Unlock()
}

func (p *Player) setForceRefresh(v bool) {
	p.mu.Lock()
	p.forceRefresh = v
	p.mu.Unlock()
}

func (p *Player) takeForceRefresh() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	v := p.forceRefresh
	p.forceRefresh = false
	return v
}
