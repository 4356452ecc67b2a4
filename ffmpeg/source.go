// Package ffmpeg adapts libav (via go-astiav) to the engine's source and
// codec boundaries: container demuxing, video/audio decoding with pixel and
// sample format conversion, and seeking.
package ffmpeg

import (
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"

	"github.com/asticode/go-astiav"

	"github.com/zsiec/cadence/demux"
	"github.com/zsiec/cadence/media"
)

// tsDiscontinuousFormats are containers whose timestamps may restart
// mid-stream, which caps the plausible inter-frame duration.
var tsDiscontinuousFormats = map[string]bool{
	"mpeg":   true,
	"mpegts": true,
	"ogg":    true,
	"vob":    true,
}

// Source demuxes a container with libav and implements demux.Source.
type Source struct {
	mu      sync.Mutex
	fc      *astiav.FormatContext
	pkt     *astiav.Packet
	url     string
	streams []demux.StreamInfo
	closed  bool
}

// Open opens url (a file path or network URL) and probes its streams.
func Open(url string) (*Source, error) {
	s := &Source{url: url}
	s.fc = astiav.AllocFormatContext()
	if s.fc == nil {
		return nil, errors.New("ffmpeg: allocating format context failed")
	}
	if err := s.fc.OpenInput(url, nil, nil); err != nil {
		s.fc.Free()
		return nil, fmt.Errorf("ffmpeg: opening %s: %w", url, err)
	}
	if err := s.fc.FindStreamInfo(nil); err != nil {
		s.Close()
		return nil, fmt.Errorf("ffmpeg: probing %s: %w", url, err)
	}
	s.pkt = astiav.AllocPacket()

	for _, st := range s.fc.Streams() {
		cp := st.CodecParameters()
		info := demux.StreamInfo{
			Index:     st.Index(),
			TimeBase:  rational(st.TimeBase()),
			StartTime: media.NoPTS,
			CodecID:   cp.CodecID().String(),
		}
		switch cp.MediaType() {
		case astiav.MediaTypeVideo:
			info.Kind = media.KindVideo
			info.Width = cp.Width()
			info.Height = cp.Height()
			info.FrameRate = rational(st.AvgFrameRate())
		case astiav.MediaTypeAudio:
			info.Kind = media.KindAudio
			info.Audio = media.AudioFormat{
				SampleRate: cp.SampleRate(),
				Channels:   cp.ChannelLayout().Channels(),
			}
		case astiav.MediaTypeSubtitle:
			info.Kind = media.KindSubtitle
		default:
			continue
		}
		s.streams = append(s.streams, info)
	}
	return s, nil
}

func rational(r astiav.Rational) media.Rational {
	return media.Rational{Num: r.Num(), Den: r.Den()}
}

func (s *Source) Streams() []demux.StreamInfo { return s.streams }

// ReadPacket reads the next packet into out, copying the payload out of
// libav's buffer. Returns io.EOF at end of stream.
func (s *Source) ReadPacket(out *media.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("ffmpeg: source closed")
	}
	if err := s.fc.ReadFrame(s.pkt); err != nil {
		if errors.Is(err, astiav.ErrEof) {
			return io.EOF
		}
		return fmt.Errorf("ffmpeg: reading packet: %w", err)
	}
	defer s.pkt.Unref()

	out.StreamIndex = s.pkt.StreamIndex()
	out.PTS = tsOrNoPTS(s.pkt.Pts())
	out.DTS = tsOrNoPTS(s.pkt.Dts())
	out.Duration = s.pkt.Duration()
	out.Pos = -1
	out.TimeBase = media.Rational{}
	if idx := s.pkt.StreamIndex(); idx >= 0 {
		for _, info := range s.streams {
			if info.Index == idx {
				out.TimeBase = info.TimeBase
				break
			}
		}
	}
	out.Data = append(out.Data[:0], s.pkt.Data()...)
	return nil
}

func tsOrNoPTS(ts int64) int64 {
	if ts == astiav.NoPtsValue {
		return media.NoPTS
	}
	return ts
}

// Seek repositions the source. target and the window bounds are in stream
// microseconds, or byte offsets when byBytes.
func (s *Source) Seek(target, smin, smax int64, byBytes bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// go-astiav binds av_seek_frame but not avformat_seek_file, so the
	// [smin, smax] landing window cannot be forwarded; the backward flag
	// keeps landings on the near side of target.
	_, _ = smin, smax
	flags := astiav.NewSeekFlags(astiav.SeekFlagBackward)
	if byBytes {
		flags = astiav.NewSeekFlags(astiav.SeekFlagByte)
	}
	if err := s.fc.SeekFrame(-1, target, flags); err != nil {
		return fmt.Errorf("ffmpeg: seeking to %d: %w", target, err)
	}
	return nil
}

// SetPaused is unsupported for libav sources; the read loop simply stops
// pulling while paused.
func (s *Source) SetPaused(bool) error { return errors.ErrUnsupported }

func (s *Source) StartTime() int64 {
	st := s.fc.StartTime()
	if st == astiav.NoPtsValue {
		return media.NoPTS
	}
	return st
}

func (s *Source) TotalDuration() int64 {
	d := s.fc.Duration()
	if d <= 0 {
		return 0
	}
	return d
}

// Realtime reports whether the URL scheme implies a live source whose
// delivery rate the player should track.
func (s *Source) Realtime() bool {
	for _, scheme := range []string{"rtp:", "rtsp:", "udp:", "sdp:"} {
		if strings.HasPrefix(s.url, scheme) {
			return true
		}
	}
	return false
}

func (s *Source) TSDiscontinuous() bool {
	return tsDiscontinuousFormats[s.fc.InputFormat().Name()]
}

// ByteSeekable reports whether byte-offset seeking is meaningful: only for
// formats without reliable timestamps, which we approximate by the absence
// of a known duration.
func (s *Source) ByteSeekable() bool {
	return s.TotalDuration() <= 0
}

func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.pkt != nil {
		s.pkt.Free()
		s.pkt = nil
	}
	if s.fc != nil {
		s.fc.CloseInput()
		s.fc.Free()
		s.fc = nil
	}
	return nil
}

// secondsOf converts a stream timestamp to seconds, NaN when unset.
func secondsOf(ts int64, tb media.Rational) float64 {
	if ts == media.NoPTS || tb.IsZero() {
		return math.NaN()
	}
	return float64(ts) * tb.Float()
}
