// Package player implements the playback core: it fans demuxed packets into
// per-stream queues, drives the decoders, and presents decoded units to the
// output backend while keeping all tracks synchronized to a single master
// clock. The synchronization model follows the classic three-clock design:
// audio, video, and external clocks drift independently, one is designated
// master, and every refresh tick compares the pending video frame against
// the master to decide display, duplicate, or drop.
package player

import (
	"log/slog"

	"github.com/zsiec/cadence/clock"
	"github.com/zsiec/cadence/decode"
	"github.com/zsiec/cadence/demux"
	"github.com/zsiec/cadence/media"
)

// SyncType selects which clock drives synchronization decisions. The
// selection is a preference: audio master falls back to external when no
// audio stream is open, video master falls back to audio.
type SyncType int

const (
	SyncAudioMaster SyncType = iota
	SyncVideoMaster
	SyncExternalClock
)

func (s SyncType) String() string {
	switch s {
	case SyncAudioMaster:
		return "audio"
	case SyncVideoMaster:
		return "video"
	case SyncExternalClock:
		return "external"
	}
	return "unknown"
}

// FrameDropMode controls when late video frames are discarded.
// FrameDropAuto drops only when video is not the master clock.
type FrameDropMode int

const (
	FrameDropAuto FrameDropMode = iota
	FrameDropNever
	FrameDropAlways
)

// BufferingMode controls the read loop's buffering ceiling. BufferAuto
// switches to unbounded buffering for realtime sources.
type BufferingMode int

const (
	BufferAuto BufferingMode = iota
	BufferBounded
	BufferInfinite
)

// Tuning constants. The thresholds are empirically tuned values carried
// over unchanged; treat them as configuration, not derivation.
const (
	// MaxQueueBytes bounds the aggregate compressed bytes buffered across
	// all packet queues.
	MaxQueueBytes = 15 * 1024 * 1024
	// MinFrames is the per-stream packet count past which (together with
	// >1s of buffered duration) a stream counts as having enough data.
	MinFrames = 25

	// ExternalClockMinFrames / MaxFrames bound the queue depths at which
	// the external clock speed is nudged down or up for realtime sources.
	ExternalClockMinFrames = 2
	ExternalClockMaxFrames = 10

	ExternalClockSpeedMin  = 0.900
	ExternalClockSpeedMax  = 1.010
	ExternalClockSpeedStep = 0.001

	// SyncThresholdMin/Max clamp the dynamic threshold below which an A-V
	// difference is left uncorrected. SyncFrameDupThreshold is the delay
	// floor above which catch-up duplication grows the delay by the full
	// difference instead of doubling it.
	SyncThresholdMin      = 0.04
	SyncThresholdMax      = 0.1
	SyncFrameDupThreshold = 0.1

	// NoSyncThreshold is the desync ceiling beyond which no correction is
	// attempted at all.
	NoSyncThreshold = clock.NoSyncThreshold

	// SampleCorrectionPercentMax bounds how far audio sample-count
	// compensation may stretch or shrink one block.
	SampleCorrectionPercentMax = 10

	// AudioDiffAvgNB is the number of A-V difference measures feeding the
	// exponentially weighted average before correction kicks in.
	AudioDiffAvgNB = 20

	// RefreshRate is the idle refresh poll interval in seconds.
	RefreshRate = 0.01

	// MaxVolume is the full-scale software volume.
	MaxVolume = 128

	// AudioMinBufferSize is the floor for the silence block emitted when
	// audio decode fails, in bytes. AudioMaxCallbacksPerSec bounds the
	// negotiated device period so the audio clock updates often enough.
	AudioMinBufferSize      = 512
	AudioMaxCallbacksPerSec = 30
)

// Config is the immutable engine configuration, constructed once at startup
// and passed into New. The zero value of every field is a sensible default;
// DefaultConfig fills the ones that are not.
type Config struct {
	Sync      SyncType
	FrameDrop FrameDropMode
	Buffering BufferingMode

	// StartTime is the initial playback offset in microseconds;
	// PlayDuration bounds how much is played (0 = unlimited).
	StartTime    int64
	PlayDuration int64

	// Loop is the number of passes through the input; 0 is treated as 1.
	// LoopForever overrides Loop.
	Loop        int
	LoopForever bool

	// AutoExit makes Run return once all streams are fully played out.
	AutoExit bool

	StartPaused bool
	Muted       bool
	Volume      int // 0..MaxVolume

	DisableVideo     bool
	DisableAudio     bool
	DisableSubtitles bool

	// SeekByBytes forces byte-offset seeks; when unset the source's own
	// preference applies.
	SeekByBytes bool

	// Now overrides the wall-clock source, in seconds. Tests use this to
	// drive the frame timer deterministically.
	Now func() float64

	Log *slog.Logger
}

// DefaultConfig returns a Config with playback-ready defaults: full volume,
// one pass, auto framedrop, audio master.
func DefaultConfig() Config {
	return Config{
		Volume: MaxVolume,
		Loop:   1,
	}
}

// VideoSink receives decoded pictures for presentation. Display is called
// from the refresh goroutine only. sub is non-nil when a subtitle is
// visible over the frame.
type VideoSink interface {
	Display(frame *media.VideoFrame, sub *media.SubtitleFrame) error
}

// AudioSpec describes a negotiated audio device configuration. BufferSize
// is the device period in bytes; the engine assumes the driver holds two
// such periods when deriving playback latency.
type AudioSpec struct {
	Format     media.AudioFormat
	BufferSize int
}

// AudioFiller is the pull callback the engine registers with the audio
// device. Fill writes exactly len(buf) bytes (silence-padding on underrun)
// and returns the byte count written. Called on the device's own goroutine
// at its own schedule.
type AudioFiller interface {
	Fill(buf []byte) int
}

// AudioDevice is the output backend's audio boundary.
type AudioDevice interface {
	// Open negotiates a device format near want and registers fill. The
	// device starts paused.
	Open(want AudioSpec, fill AudioFiller) (AudioSpec, error)
	// Pause stops or resumes invoking the fill callback.
	Pause(paused bool)
	Close()
}

// Resampler converts a decoded audio block to the device format, producing
// wantedSamples samples counted at the block's own rate (the compensation
// hook). The returned slice may be reused by the next call.
type Resampler interface {
	Convert(f *media.AudioFrame, out media.AudioFormat, wantedSamples int) ([]byte, error)
}

// CodecFactory opens codec instances for the streams the engine selects.
// This is the codec-layer library boundary.
type CodecFactory interface {
	OpenVideo(info demux.StreamInfo) (decode.Codec[*media.VideoFrame], error)
	OpenAudio(info demux.StreamInfo) (decode.Codec[*media.AudioFrame], error)
	OpenSubtitle(info demux.StreamInfo) (decode.Codec[*media.SubtitleFrame], error)
}
