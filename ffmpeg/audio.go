package ffmpeg

import (
	"errors"
	"fmt"
	"math"

	"github.com/asticode/go-astiav"

	"github.com/zsiec/cadence/demux"
	"github.com/zsiec/cadence/media"
)

// audioCodec decodes one audio stream and converts output to interleaved
// s16 at the stream's native rate and channel count. Frames that arrive
// without a timestamp are stamped by extrapolating from the previous one.
type audioCodec struct {
	cc       *astiav.CodecContext
	swr      *astiav.SoftwareResampleContext
	frame    *astiav.Frame
	outFrame *astiav.Frame
	pkt      *astiav.Packet
	info     demux.StreamInfo
	nextPTS  float64
}

func newAudioCodec(info demux.StreamInfo, cp *astiav.CodecParameters) (*audioCodec, error) {
	codec := astiav.FindDecoder(cp.CodecID())
	if codec == nil {
		return nil, fmt.Errorf("ffmpeg: no decoder for %s", cp.CodecID())
	}
	a := &audioCodec{info: info, nextPTS: math.NaN()}
	a.cc = astiav.AllocCodecContext(codec)
	if a.cc == nil {
		return nil, errors.New("ffmpeg: allocating audio codec context failed")
	}
	if err := cp.ToCodecContext(a.cc); err != nil {
		a.Close()
		return nil, fmt.Errorf("ffmpeg: copying audio codec parameters: %w", err)
	}
	if err := a.cc.Open(codec, nil); err != nil {
		a.Close()
		return nil, fmt.Errorf("ffmpeg: opening audio codec: %w", err)
	}
	a.frame = astiav.AllocFrame()
	a.outFrame = astiav.AllocFrame()
	a.pkt = astiav.AllocPacket()
	a.swr = astiav.AllocSoftwareResampleContext()
	if a.swr == nil {
		a.Close()
		return nil, errors.New("ffmpeg: allocating resample context failed")
	}
	return a, nil
}

func (a *audioCodec) SendPacket(pkt *media.Packet) error {
	if pkt.IsNull() {
		return mapCodecErr(a.cc.SendPacket(nil))
	}
	if err := a.pkt.FromData(pkt.Data); err != nil {
		return fmt.Errorf("ffmpeg: wrapping audio packet: %w", err)
	}
	defer a.pkt.Unref()
	a.pkt.SetStreamIndex(pkt.StreamIndex)
	if pkt.PTS != media.NoPTS {
		a.pkt.SetPts(pkt.PTS)
	}
	if pkt.DTS != media.NoPTS {
		a.pkt.SetDts(pkt.DTS)
	}
	a.pkt.SetDuration(pkt.Duration)
	return mapCodecErr(a.cc.SendPacket(a.pkt))
}

func (a *audioCodec) ReceiveFrame(out *media.AudioFrame) error {
	if err := mapCodecErr(a.cc.ReceiveFrame(a.frame)); err != nil {
		return err
	}
	defer a.frame.Unref()

	rate := a.frame.SampleRate()
	channels := a.frame.ChannelLayout().Channels()
	samples := a.frame.NbSamples()

	a.outFrame.SetSampleFormat(astiav.SampleFormatS16)
	a.outFrame.SetSampleRate(rate)
	a.outFrame.SetChannelLayout(a.frame.ChannelLayout())
	a.outFrame.SetNbSamples(samples)
	if err := a.outFrame.AllocBuffer(0); err != nil {
		return fmt.Errorf("ffmpeg: allocating sample buffer: %w", err)
	}
	defer a.outFrame.Unref()
	if err := a.swr.ConvertFrame(a.frame, a.outFrame); err != nil {
		return fmt.Errorf("ffmpeg: converting samples: %w", err)
	}
	raw, err := a.outFrame.Data().Bytes(0)
	if err != nil {
		return fmt.Errorf("ffmpeg: reading sample plane: %w", err)
	}
	n := a.outFrame.NbSamples() * channels * 2
	if n > len(raw) {
		n = len(raw)
	}

	out.Format = media.AudioFormat{SampleRate: rate, Channels: channels}
	out.Samples = a.outFrame.NbSamples()
	out.Data = append(out.Data[:0], raw[:n]...)

	pts := secondsOf(tsOrNoPTS(a.frame.Pts()), a.info.TimeBase)
	if math.IsNaN(pts) {
		pts = a.nextPTS
	}
	out.PTS = pts
	if !math.IsNaN(pts) && rate > 0 {
		a.nextPTS = pts + float64(samples)/float64(rate)
	}
	return nil
}

func (a *audioCodec) Flush() {
	a.cc.FlushBuffers()
	a.nextPTS = math.NaN()
}

func (a *audioCodec) Close() {
	if a.pkt != nil {
		a.pkt.Free()
		a.pkt = nil
	}
	if a.frame != nil {
		a.frame.Free()
		a.frame = nil
	}
	if a.outFrame != nil {
		a.outFrame.Free()
		a.outFrame = nil
	}
	if a.swr != nil {
		a.swr.Free()
		a.swr = nil
	}
	if a.cc != nil {
		a.cc.Free()
		a.cc = nil
	}
}
