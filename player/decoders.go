package player

import (
	"errors"
	"math"

	"github.com/zsiec/cadence/demux"
	"github.com/zsiec/cadence/media"
)

// videoLoop pulls decoded pictures, applies early drop against the master
// clock, and parks survivors in the picture queue.
func (p *Player) videoLoop(info demux.StreamInfo) {
	frame := &media.VideoFrame{}
	nominal := 0.0
	if !info.FrameRate.IsZero() {
		nominal = info.FrameRate.Invert().Float()
	}
	for {
		got, err := p.getVideoFrame(frame)
		if err != nil {
			if !errors.Is(err, media.ErrAborted) {
				p.log.Error("video decode failed", "error", err)
			}
			return
		}
		if !got {
			continue
		}
		if err := p.queuePicture(frame, nominal, p.viddec.PktSerial()); err != nil {
			frame.Release()
			return
		}
	}
}

// getVideoFrame decodes one picture and drops it before queueing when it is
// already behind the master clock. The drop applies only when the frame
// carries a timestamp, the desync is under the no-sync ceiling, the frame's
// generation is current, and more input is waiting (dropping the only
// pending frame would stall instead of catching up).
func (p *Player) getVideoFrame(frame *media.VideoFrame) (bool, error) {
	got, err := p.viddec.DecodeFrame(frame)
	if err != nil || !got {
		return got, err
	}
	if !p.earlyDropAllowed() || math.IsNaN(frame.PTS) {
		return true, nil
	}
	diff := frame.PTS - p.MasterClock()
	if !math.IsNaN(diff) && math.Abs(diff) < NoSyncThreshold &&
		diff < 0 &&
		p.viddec.PktSerial() == p.vidclk.SerialValue() &&
		p.videoq.Len() > 0 {
		p.framesDroppedEarly.Add(1)
		frame.Release()
		return false, nil
	}
	return true, nil
}

func (p *Player) earlyDropAllowed() bool {
	switch p.cfg.FrameDrop {
	case FrameDropAlways:
		return true
	case FrameDropNever:
		return false
	default:
		return p.masterSyncType() != SyncVideoMaster
	}
}

// queuePicture moves frame into the next writable picture slot. The frame's
// duration falls back to the stream's nominal frame interval when the codec
// did not provide one.
func (p *Player) queuePicture(frame *media.VideoFrame, nominalDuration float64, serial int) error {
	slot, err := p.pictq.PeekWritable()
	if err != nil {
		return err
	}
	frame.Serial = serial
	if frame.Duration <= 0 {
		frame.Duration = nominalDuration
	}
	slot.CopyFrom(frame)
	p.pictq.Push()
	return nil
}

// audioLoop pulls decoded audio blocks into the sample queue for the device
// callback to consume.
func (p *Player) audioLoop() {
	frame := &media.AudioFrame{}
	for {
		got, err := p.auddec.DecodeFrame(frame)
		if err != nil {
			if !errors.Is(err, media.ErrAborted) {
				p.log.Error("audio decode failed", "error", err)
			}
			return
		}
		if !got {
			continue
		}
		slot, err := p.sampq.PeekWritable()
		if err != nil {
			frame.Release()
			return
		}
		frame.Serial = p.auddec.PktSerial()
		if frame.Format.SampleRate > 0 {
			frame.Duration = float64(frame.Samples) / float64(frame.Format.SampleRate)
		}
		slot.CopyFrom(frame)
		p.sampq.Push()
	}
}

func (p *Player) subtitleLoop() {
	frame := &media.SubtitleFrame{}
	for {
		got, err := p.subdec.DecodeFrame(frame)
		if err != nil {
			if !errors.Is(err, media.ErrAborted) {
				p.log.Error("subtitle decode failed", "error", err)
			}
			return
		}
		if !got {
			continue
		}
		slot, err := p.subpq.PeekWritable()
		if err != nil {
			frame.Release()
			return
		}
		frame.Serial = p.subdec.PktSerial()
		slot.CopyFrom(frame)
		p.subpq.Push()
	}
}
