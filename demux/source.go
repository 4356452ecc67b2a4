// Package demux defines the demultiplexer boundary the playback engine
// consumes: stream metadata, sequential packet reads, and seeking. Concrete
// implementations (the ffmpeg adapter, test synthetics) live elsewhere;
// the engine only ever sees this interface.
package demux

import (
	"github.com/zsiec/cadence/media"
)

// TimeBaseMicro is the container-level timestamp unit for StartTime,
// TotalDuration, and Seek targets: microseconds.
const TimeBaseMicro = 1_000_000

// StreamInfo describes one elementary stream of an open input.
type StreamInfo struct {
	Index     int
	Kind      media.StreamKind
	TimeBase  media.Rational
	StartTime int64 // stream time-base units, media.NoPTS when unset

	// Video
	Width        int
	Height       int
	SampleAspect media.Rational
	FrameRate    media.Rational // best guess, zero when unknown
	AttachedPic  bool           // single still picture (cover art)
	CoverArt     *media.Packet  // the attached picture's packet, when AttachedPic

	// Audio
	Audio media.AudioFormat

	// Codec parameters, opaque to the engine, passed through to the codec
	// factory.
	CodecID    string
	CodecExtra []byte
}

// Source is an open demultiplexer. Implementations need not be safe for
// concurrent use; the read loop is the only caller once playback starts.
type Source interface {
	// Streams returns the input's elementary streams. Stable after open.
	Streams() []StreamInfo

	// ReadPacket fills pkt with the next compressed unit, allocating its
	// payload. Returns io.EOF at end of input.
	ReadPacket(pkt *media.Packet) error

	// Seek repositions the input so the next packets are near target
	// (microseconds, or a byte offset when byBytes), constrained to
	// [min, max].
	Seek(target, min, max int64, byBytes bool) error

	// SetPaused pauses or resumes a network stream's transmission. A
	// no-op for file sources.
	SetPaused(paused bool) error

	// StartTime returns the container start time in microseconds, or
	// media.NoPTS when unknown.
	StartTime() int64

	// TotalDuration returns the container duration in microseconds, or
	// media.NoPTS when unknown.
	TotalDuration() int64

	// Realtime reports whether the input is a live source whose delivery
	// rate is externally paced.
	Realtime() bool

	// TSDiscontinuous reports whether the container may carry timestamp
	// discontinuities, which bounds the plausible frame duration.
	TSDiscontinuous() bool

	// ByteSeekable reports whether seeking by byte offset is the reliable
	// option for this container.
	ByteSeekable() bool

	Close() error
}
