package player

import (
	"io"
	"math"
	"sync"

	"github.com/zsiec/cadence/decode"
	"github.com/zsiec/cadence/demux"
	"github.com/zsiec/cadence/media"
)

// fakeTime is a hand-advanced wall clock shared by every component of a
// test player.
type fakeTime struct {
	mu sync.Mutex
	t  float64
}

func (c *fakeTime) now() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeTime) advance(d float64) {
	c.mu.Lock()
	c.t += d
	c.mu.Unlock()
}

// fakeSource serves a scripted packet list. Packet timestamps are in the
// stream's time base and must be sorted.
type fakeSource struct {
	mu           sync.Mutex
	streams      []demux.StreamInfo
	packets      []media.Packet
	pos          int
	seeks        []int64
	paused       bool
	byteSeekable bool
}

func (s *fakeSource) Streams() []demux.StreamInfo { return s.streams }

func (s *fakeSource) ReadPacket(out *media.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos >= len(s.packets) {
		return io.EOF
	}
	pkt := s.packets[s.pos]
	s.pos++
	*out = pkt
	out.Data = append([]byte(nil), pkt.Data...)
	return nil
}

func (s *fakeSource) Seek(target, _, _ int64, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seeks = append(s.seeks, target)
	want := float64(target) / demux.TimeBaseMicro
	s.pos = len(s.packets)
	for i, pkt := range s.packets {
		ts := pkt.PTSSeconds()
		if !math.IsNaN(ts) && ts >= want {
			s.pos = i
			break
		}
	}
	return nil
}

func (s *fakeSource) SetPaused(p bool) error {
	s.mu.Lock()
	s.paused = p
	s.mu.Unlock()
	return nil
}

func (s *fakeSource) StartTime() int64      { return 0 }
func (s *fakeSource) TotalDuration() int64  { return 0 }
func (s *fakeSource) Realtime() bool        { return false }
func (s *fakeSource) TSDiscontinuous() bool { return false }
func (s *fakeSource) ByteSeekable() bool    { return s.byteSeekable }
func (s *fakeSource) Close() error          { return nil }

// videoPackets builds n video packets spaced interval time-base units
// apart for stream index idx.
func videoPackets(idx, n int, interval int64, tb media.Rational) []media.Packet {
	pkts := make([]media.Packet, 0, n)
	for i := 0; i < n; i++ {
		pkts = append(pkts, media.Packet{
			StreamIndex: idx,
			PTS:         int64(i) * interval,
			DTS:         int64(i) * interval,
			Duration:    interval,
			TimeBase:    tb,
			Data:        []byte{byte(i)},
		})
	}
	return pkts
}

// fakeVideoCodec emits one picture per packet, stamped with the packet's
// timestamp in seconds.
type fakeVideoCodec struct {
	pending  *media.Packet
	draining bool
}

func (c *fakeVideoCodec) SendPacket(pkt *media.Packet) error {
	if c.pending != nil {
		return media.ErrAgain
	}
	if pkt.IsNull() {
		c.draining = true
		return nil
	}
	cp := *pkt
	c.pending = &cp
	return nil
}

func (c *fakeVideoCodec) ReceiveFrame(f *media.VideoFrame) error {
	if c.pending == nil {
		if c.draining {
			return io.EOF
		}
		return media.ErrAgain
	}
	pkt := c.pending
	c.pending = nil
	f.PTS = pkt.PTSSeconds()
	f.Duration = float64(pkt.Duration) * pkt.TimeBase.Float()
	f.Width = 16
	f.Height = 16
	f.Data = []byte{1}
	return nil
}

func (c *fakeVideoCodec) Flush() {
	c.pending = nil
	c.draining = false
}

func (c *fakeVideoCodec) Close() {}

// fakeAudioCodec turns each packet's duration into a silence block at
// 48kHz stereo.
type fakeAudioCodec struct {
	pending  *media.Packet
	draining bool
}

func (c *fakeAudioCodec) SendPacket(pkt *media.Packet) error {
	if c.pending != nil {
		return media.ErrAgain
	}
	if pkt.IsNull() {
		c.draining = true
		return nil
	}
	cp := *pkt
	c.pending = &cp
	return nil
}

func (c *fakeAudioCodec) ReceiveFrame(f *media.AudioFrame) error {
	if c.pending == nil {
		if c.draining {
			return io.EOF
		}
		return media.ErrAgain
	}
	pkt := c.pending
	c.pending = nil
	f.Format = media.AudioFormat{SampleRate: 48000, Channels: 2}
	f.Samples = int(float64(pkt.Duration) * pkt.TimeBase.Float() * 48000)
	if f.Samples <= 0 {
		f.Samples = 1
	}
	f.Data = make([]byte, f.Samples*4)
	f.PTS = pkt.PTSSeconds()
	return nil
}

func (c *fakeAudioCodec) Flush() {
	c.pending = nil
	c.draining = false
}

func (c *fakeAudioCodec) Close() {}

type fakeFactory struct{}

func (fakeFactory) OpenVideo(demux.StreamInfo) (decode.Codec[*media.VideoFrame], error) {
	return &fakeVideoCodec{}, nil
}

func (fakeFactory) OpenAudio(demux.StreamInfo) (decode.Codec[*media.AudioFrame], error) {
	return &fakeAudioCodec{}, nil
}

func (fakeFactory) OpenSubtitle(demux.StreamInfo) (decode.Codec[*media.SubtitleFrame], error) {
	return &fakeSubtitleCodec{}, nil
}

type fakeSubtitleCodec struct {
	pending  *media.Packet
	draining bool
}

func (c *fakeSubtitleCodec) SendPacket(pkt *media.Packet) error {
	if c.pending != nil {
		return media.ErrAgain
	}
	if pkt.IsNull() {
		c.draining = true
		return nil
	}
	cp := *pkt
	c.pending = &cp
	return nil
}

func (c *fakeSubtitleCodec) ReceiveFrame(f *media.SubtitleFrame) error {
	if c.pending == nil {
		if c.draining {
			return io.EOF
		}
		return media.ErrAgain
	}
	pkt := c.pending
	c.pending = nil
	f.PTS = pkt.PTSSeconds()
	f.StartDisplay = 0
	f.EndDisplay = float64(pkt.Duration) * pkt.TimeBase.Float()
	f.Rects = []media.SubtitleRect{{Text: "sub"}}
	return nil
}

func (c *fakeSubtitleCodec) Flush() {
	c.pending = nil
	c.draining = false
}

func (c *fakeSubtitleCodec) Close() {}

// fakeSink records displayed frame timestamps.
type fakeSink struct {
	mu   sync.Mutex
	pts  []float64
	subs int
}

func (s *fakeSink) Display(f *media.VideoFrame, sub *media.SubtitleFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pts = append(s.pts, f.PTS)
	if sub != nil {
		s.subs++
	}
	return nil
}

func (s *fakeSink) displayed() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64(nil), s.pts...)
}

// fakeAudioDevice accepts whatever spec is requested and never pulls on
// its own; tests invoke the filler directly.
type fakeAudioDevice struct {
	mu     sync.Mutex
	fill   AudioFiller
	opened bool
	paused bool
}

func (d *fakeAudioDevice) Open(want AudioSpec, fill AudioFiller) (AudioSpec, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fill = fill
	d.opened = true
	d.paused = true
	return want, nil
}

func (d *fakeAudioDevice) Pause(paused bool) {
	d.mu.Lock()
	d.paused = paused
	d.mu.Unlock()
}

func (d *fakeAudioDevice) Close() {
	d.mu.Lock()
	d.opened = false
	d.mu.Unlock()
}
