// Package resample converts decoded PCM between sample rates and channel
// layouts using linear interpolation. It backs the engine's sample-count
// compensation (stretching or shrinking a block to chase the master clock)
// without requiring a native resampler library at the device boundary.
package resample

import (
	"fmt"

	"github.com/zsiec/cadence/media"
)

// Converter resamples interleaved s16le PCM. Zero value is usable; the
// struct exists to satisfy the engine's Resampler boundary and to reuse the
// output buffer across calls.
type Converter struct {
	buf []byte
}

// New returns a ready Converter.
func New() *Converter {
	return &Converter{}
}

// Convert produces wantedSamples samples (counted at the frame's own rate)
// from f, converted to the out format. Passing the frame's own sample count
// is a pure format conversion; any other count stretches or shrinks the
// block, which is how the clock-chasing compensation is applied. The
// returned slice is valid until the next call.
func (c *Converter) Convert(f *media.AudioFrame, out media.AudioFormat, wantedSamples int) ([]byte, error) {
	if f.Format.IsZero() || out.IsZero() {
		return nil, fmt.Errorf("resample: unset format (in=%+v out=%+v)", f.Format, out)
	}
	if f.Samples <= 0 {
		return nil, nil
	}
	if wantedSamples <= 0 {
		wantedSamples = f.Samples
	}

	inCh := f.Format.Channels
	outCh := out.Channels
	outSamples := int(int64(wantedSamples) * int64(out.SampleRate) / int64(f.Format.SampleRate))
	if outSamples <= 0 {
		outSamples = 1
	}

	need := outSamples * out.BytesPerSample()
	if cap(c.buf) < need {
		c.buf = make([]byte, need)
	}
	dst := c.buf[:need]

	// Map output positions across the full input block so stretching and
	// shrinking stay phase-continuous within the frame.
	step := float64(f.Samples) / float64(outSamples)
	for i := 0; i < outSamples; i++ {
		srcPos := float64(i) * step
		i0 := int(srcPos)
		if i0 >= f.Samples-1 {
			i0 = f.Samples - 1
		}
		i1 := i0 + 1
		if i1 >= f.Samples {
			i1 = f.Samples - 1
		}
		frac := srcPos - float64(i0)

		for ch := 0; ch < outCh; ch++ {
			s0 := sampleAt(f.Data, i0, ch, inCh, outCh)
			s1 := sampleAt(f.Data, i1, ch, inCh, outCh)
			v := float64(s0) + (float64(s1)-float64(s0))*frac
			putSample(dst, i, ch, outCh, clip16(v))
		}
	}
	return dst, nil
}

// sampleAt reads the value for output channel ch at input sample index i.
// A mono target averages all input channels; extra target channels
// duplicate the last input channel.
func sampleAt(data []byte, i, ch, inCh, outCh int) int16 {
	if outCh == 1 && inCh > 1 {
		var sum int
		for c := 0; c < inCh; c++ {
			sum += int(rawSample(data, i, c, inCh))
		}
		return int16(sum / inCh)
	}
	if ch >= inCh {
		ch = inCh - 1
	}
	return rawSample(data, i, ch, inCh)
}

func rawSample(data []byte, i, ch, inCh int) int16 {
	off := (i*inCh + ch) * 2
	if off+1 >= len(data) {
		return 0
	}
	return int16(uint16(data[off]) | uint16(data[off+1])<<8)
}

func putSample(dst []byte, i, ch, outCh int, v int16) {
	off := (i*outCh + ch) * 2
	dst[off] = byte(uint16(v))
	dst[off+1] = byte(uint16(v) >> 8)
}

func clip16(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
