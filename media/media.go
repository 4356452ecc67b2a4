// Package media defines the core unit types that flow through the Cadence
// playback pipeline, from demuxing through decode to presentation.
package media

import (
	"errors"
	"math"
)

// Sentinel errors shared across the pipeline. ErrAgain marks a transient
// would-block condition (retry later), ErrAborted a queue whose abort flag
// is set. Neither is ever wrapped with additional context; callers compare
// with errors.Is.
var (
	ErrAgain   = errors.New("media: resource temporarily unavailable")
	ErrAborted = errors.New("media: aborted")
)

// NoPTS marks an unset timestamp in time-base units, mirroring the demuxer
// convention of a large negative sentinel.
const NoPTS int64 = math.MinInt64

// StreamKind identifies the elementary stream type a unit belongs to.
type StreamKind int

const (
	KindVideo StreamKind = iota
	KindAudio
	KindSubtitle
	kindCount
)

// NumKinds is the number of stream kinds the engine handles.
const NumKinds = int(kindCount)

func (k StreamKind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	case KindSubtitle:
		return "subtitle"
	}
	return "unknown"
}

// Rational is an exact fraction, used for stream time bases and frame rates.
type Rational struct {
	Num int
	Den int
}

// Float returns the rational as a float64, or 0 when the denominator is zero.
func (r Rational) Float() float64 {
	if r.Den == 0 {
		return 0
	}
	return float64(r.Num) / float64(r.Den)
}

// Invert swaps numerator and denominator.
func (r Rational) Invert() Rational {
	return Rational{Num: r.Den, Den: r.Num}
}

// IsZero reports whether the rational carries no value.
func (r Rational) IsZero() bool {
	return r.Num == 0 || r.Den == 0
}

// Packet is one demuxed, still-encoded unit belonging to a single elementary
// stream. Packets are moved, never copied, between the read loop, the packet
// queue, and the decoder: whoever holds the Packet owns Data.
type Packet struct {
	Data        []byte
	StreamIndex int
	PTS         int64 // time-base units, NoPTS when unset
	DTS         int64 // time-base units, NoPTS when unset
	Duration    int64 // time-base units
	Pos         int64 // byte position in the input, -1 when unknown
	TimeBase    Rational
}

// packetOverhead approximates the queue bookkeeping cost per packet so the
// aggregate size ceiling accounts for more than raw payload bytes.
const packetOverhead = 96

// Size returns the number of bytes the packet contributes to a queue's
// running size total.
func (p *Packet) Size() int {
	return len(p.Data) + packetOverhead
}

// IsNull reports whether the packet is a drain marker: an empty packet
// enqueued at end of stream so the decoder enters draining mode.
func (p *Packet) IsNull() bool {
	return p.Data == nil
}

// PTSSeconds converts the packet timestamp to seconds, preferring PTS and
// falling back to DTS. Returns NaN when both are unset.
func (p *Packet) PTSSeconds() float64 {
	ts := p.PTS
	if ts == NoPTS {
		ts = p.DTS
	}
	if ts == NoPTS {
		return math.NaN()
	}
	return float64(ts) * p.TimeBase.Float()
}

// AudioFormat describes a PCM sample layout. The engine negotiates signed
// 16-bit interleaved little-endian samples at the codec and device
// boundaries, so only rate and channel count vary.
type AudioFormat struct {
	SampleRate int
	Channels   int
}

// BytesPerSample is the size of one interleaved sample across all channels.
func (f AudioFormat) BytesPerSample() int {
	return 2 * f.Channels
}

// BytesPerSecond is the PCM byte rate of the format.
func (f AudioFormat) BytesPerSecond() int {
	return f.SampleRate * f.BytesPerSample()
}

// IsZero reports whether the format is unset.
func (f AudioFormat) IsZero() bool {
	return f.SampleRate == 0 || f.Channels == 0
}
