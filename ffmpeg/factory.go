package ffmpeg

import (
	"errors"
	"fmt"

	"github.com/asticode/go-astiav"

	"github.com/zsiec/cadence/decode"
	"github.com/zsiec/cadence/demux"
	"github.com/zsiec/cadence/media"
)

// ErrNoSubtitles is returned for subtitle streams: go-astiav exposes no
// subtitle decoding API, so those streams stay closed.
var ErrNoSubtitles = errors.New("ffmpeg: subtitle decoding not supported")

// The Source doubles as the codec factory so codec parameters stay tied to
// the probed streams.

func (s *Source) codecParameters(index int) (*astiav.CodecParameters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("ffmpeg: source closed")
	}
	for _, st := range s.fc.Streams() {
		if st.Index() == index {
			return st.CodecParameters(), nil
		}
	}
	return nil, fmt.Errorf("ffmpeg: no stream with index %d", index)
}

func (s *Source) OpenVideo(info demux.StreamInfo) (decode.Codec[*media.VideoFrame], error) {
	cp, err := s.codecParameters(info.Index)
	if err != nil {
		return nil, err
	}
	return newVideoCodec(info, cp)
}

func (s *Source) OpenAudio(info demux.StreamInfo) (decode.Codec[*media.AudioFrame], error) {
	cp, err := s.codecParameters(info.Index)
	if err != nil {
		return nil, err
	}
	return newAudioCodec(info, cp)
}

func (s *Source) OpenSubtitle(demux.StreamInfo) (decode.Codec[*media.SubtitleFrame], error) {
	return nil, ErrNoSubtitles
}
