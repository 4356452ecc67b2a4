package player

import (
	"math"
	"time"

	"github.com/zsiec/cadence/media"
)

// Fill implements AudioFiller. The device calls it whenever it needs a
// period of samples; everything here runs on the device goroutine. After
// filling, the audio clock is set to the timestamp of the last queued
// sample minus the bytes still sitting between here and the speaker.
func (p *Player) Fill(buf []byte) int {
	p.audioCallbackTime = p.now()

	n := len(buf)
	off := 0
	for off < n {
		if p.audioBufIndex >= p.audioBufSize {
			size := p.audioDecodeFrame()
			if size < 0 {
				// Decode stall: emit silence and keep the block small so
				// recovery is quick.
				p.audioBuf = nil
				bps := p.audioTgt.BytesPerSample()
				p.audioBufSize = AudioMinBufferSize / bps * bps
			} else {
				p.audioBufSize = size
			}
			p.audioBufIndex = 0
		}
		len1 := p.audioBufSize - p.audioBufIndex
		if len1 > n-off {
			len1 = n - off
		}
		vol := int(p.volume.Load())
		muted := p.muted.Load()
		switch {
		case !muted && p.audioBuf != nil && vol == MaxVolume:
			copy(buf[off:off+len1], p.audioBuf[p.audioBufIndex:p.audioBufIndex+len1])
		default:
			zeroFill(buf[off : off+len1])
			if !muted && p.audioBuf != nil {
				mixSamples(buf[off:off+len1], p.audioBuf[p.audioBufIndex:p.audioBufIndex+len1], vol)
			}
		}
		off += len1
		p.audioBufIndex += len1
	}
	p.audioWriteBufSize = p.audioBufSize - p.audioBufIndex

	if !math.IsNaN(p.audioClock) {
		pending := float64(2*p.audioHWBufSize+p.audioWriteBufSize) /
			float64(p.audioTgt.BytesPerSecond())
		p.audclk.SetAt(p.audioClock-pending, p.audioClockSerial, p.audioCallbackTime)
		p.extclk.SyncToSlave(p.audclk)
	}
	return n
}

// audioDecodeFrame takes the next current-generation block off the sample
// queue, applies sync compensation via the resampler, and returns the byte
// size of the prepared buffer, or -1 when nothing is playable.
func (p *Player) audioDecodeFrame() int {
	if p.Paused() {
		return -1
	}

	// On underrun the wait is bounded at half a device buffer of wall
	// time; past that the callback gives up and plays silence.
	maxWait := time.Duration(float64(p.audioHWBufSize) /
		float64(p.audioTgt.BytesPerSecond()) / 2 * float64(time.Second))

	var af *media.AudioFrame
	for {
		var waited time.Duration
		for p.sampq.NbRemaining() == 0 {
			if waited >= maxWait {
				return -1
			}
			time.Sleep(time.Millisecond)
			waited += time.Millisecond
		}
		f, err := p.sampq.PeekReadable()
		if err != nil {
			return -1
		}
		p.sampq.Next()
		af = f
		if af.Serial == p.audioq.Serial() {
			break
		}
	}

	wanted := p.synchronizeAudio(af.Samples)
	var (
		out []byte
		err error
	)
	if af.Format != p.audioTgt || wanted != af.Samples {
		out, err = p.resmp.Convert(af, p.audioTgt, wanted)
		if err != nil {
			p.log.Error("audio convert failed", "error", err)
			return -1
		}
	} else {
		out = af.Data
	}
	p.audioSrc = af.Format
	p.audioBuf = out

	if !math.IsNaN(af.PTS) {
		p.audioClock = af.PTS + float64(af.Samples)/float64(af.Format.SampleRate)
	} else {
		p.audioClock = math.NaN()
	}
	p.audioClockSerial = af.Serial
	return len(out)
}

// synchronizeAudio returns how many samples of the block to play when
// audio is a slave clock: the A-V difference is averaged with an
// exponential window and, once the average is trustworthy and exceeds the
// device latency, the block is stretched or shrunk by up to
// SampleCorrectionPercentMax percent.
func (p *Player) synchronizeAudio(samples int) int {
	if p.masterSyncType() == SyncAudioMaster {
		return samples
	}

	wanted := samples
	diff := p.audclk.Get() - p.MasterClock()
	if math.IsNaN(diff) || math.Abs(diff) >= NoSyncThreshold {
		// Too far gone for gradual correction. Reset the average.
		p.audioDiffAvgCount = 0
		p.audioDiffCum = 0
		return wanted
	}

	p.audioDiffCum = diff + p.audioDiffAvgCoef*p.audioDiffCum
	if p.audioDiffAvgCount < AudioDiffAvgNB {
		p.audioDiffAvgCount++
		return wanted
	}
	avgDiff := p.audioDiffCum * (1.0 - p.audioDiffAvgCoef)
	if math.Abs(avgDiff) >= p.audioDiffThreshold {
		wanted = samples + int(diff*float64(p.audioSrc.SampleRate))
		minSamples := samples * (100 - SampleCorrectionPercentMax) / 100
		maxSamples := samples * (100 + SampleCorrectionPercentMax) / 100
		if wanted < minSamples {
			wanted = minSamples
		}
		if wanted > maxSamples {
			wanted = maxSamples
		}
	}
	return wanted
}

func zeroFill(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// mixSamples adds src scaled by vol/MaxVolume into dst, clipping to int16.
// Both slices are s16le and equal length.
func mixSamples(dst, src []byte, vol int) {
	n := len(dst) &^ 1
	for i := 0; i < n; i += 2 {
		d := int(int16(uint16(dst[i]) | uint16(dst[i+1])<<8))
		s := int(int16(uint16(src[i]) | uint16(src[i+1])<<8))
		v := d + s*vol/MaxVolume
		if v > math.MaxInt16 {
			v = math.MaxInt16
		}
		if v < math.MinInt16 {
			v = math.MinInt16
		}
		dst[i] = byte(uint16(v))
		dst[i+1] = byte(uint16(v) >> 8)
	}
}
