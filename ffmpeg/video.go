package ffmpeg

import (
	"errors"
	"fmt"
	"io"

	"github.com/asticode/go-astiav"

	"github.com/zsiec/cadence/demux"
	"github.com/zsiec/cadence/media"
)

// videoCodec decodes one video stream and converts output to RGB24.
// Not safe for concurrent use; the decode loop is its only caller.
type videoCodec struct {
	cc       *astiav.CodecContext
	sws      *astiav.SoftwareScaleContext
	frame    *astiav.Frame
	rgbFrame *astiav.Frame
	pkt      *astiav.Packet
	info     demux.StreamInfo
	srcW     int
	srcH     int
	srcFmt   astiav.PixelFormat
}

func newVideoCodec(info demux.StreamInfo, cp *astiav.CodecParameters) (*videoCodec, error) {
	codec := astiav.FindDecoder(cp.CodecID())
	if codec == nil {
		return nil, fmt.Errorf("ffmpeg: no decoder for %s", cp.CodecID())
	}
	v := &videoCodec{info: info}
	v.cc = astiav.AllocCodecContext(codec)
	if v.cc == nil {
		return nil, errors.New("ffmpeg: allocating video codec context failed")
	}
	if err := cp.ToCodecContext(v.cc); err != nil {
		v.Close()
		return nil, fmt.Errorf("ffmpeg: copying video codec parameters: %w", err)
	}
	if err := v.cc.Open(codec, nil); err != nil {
		v.Close()
		return nil, fmt.Errorf("ffmpeg: opening video codec: %w", err)
	}
	v.frame = astiav.AllocFrame()
	v.rgbFrame = astiav.AllocFrame()
	v.pkt = astiav.AllocPacket()
	return v, nil
}

func (v *videoCodec) SendPacket(pkt *media.Packet) error {
	if pkt.IsNull() {
		return mapCodecErr(v.cc.SendPacket(nil))
	}
	if err := v.pkt.FromData(pkt.Data); err != nil {
		return fmt.Errorf("ffmpeg: wrapping video packet: %w", err)
	}
	defer v.pkt.Unref()
	v.pkt.SetStreamIndex(pkt.StreamIndex)
	if pkt.PTS != media.NoPTS {
		v.pkt.SetPts(pkt.PTS)
	}
	if pkt.DTS != media.NoPTS {
		v.pkt.SetDts(pkt.DTS)
	}
	v.pkt.SetDuration(pkt.Duration)
	return mapCodecErr(v.cc.SendPacket(v.pkt))
}

func (v *videoCodec) ReceiveFrame(out *media.VideoFrame) error {
	if err := mapCodecErr(v.cc.ReceiveFrame(v.frame)); err != nil {
		return err
	}
	defer v.frame.Unref()

	if err := v.ensureScaler(); err != nil {
		return err
	}
	if err := v.sws.ScaleFrame(v.frame, v.rgbFrame); err != nil {
		return fmt.Errorf("ffmpeg: scaling frame: %w", err)
	}
	raw, err := v.rgbFrame.Data().Bytes(1)
	if err != nil {
		return fmt.Errorf("ffmpeg: reading RGB plane: %w", err)
	}

	out.Width = v.srcW
	out.Height = v.srcH
	out.PixelFormat = "rgb24"
	out.Stride = v.srcW * 3
	out.Data = append(out.Data[:0], raw...)
	out.PTS = secondsOf(tsOrNoPTS(v.frame.Pts()), v.info.TimeBase)
	out.Duration = 0
	out.Pos = -1
	return nil
}

// ensureScaler (re)builds the RGB conversion context when the decoder's
// output geometry is first known or changes mid-stream.
func (v *videoCodec) ensureScaler() error {
	w, h, pf := v.frame.Width(), v.frame.Height(), v.frame.PixelFormat()
	if v.sws != nil && w == v.srcW && h == v.srcH && pf == v.srcFmt {
		return nil
	}
	if v.sws != nil {
		v.sws.Free()
		v.sws = nil
	}
	var err error
	v.sws, err = astiav.CreateSoftwareScaleContext(
		w, h, pf,
		w, h, astiav.PixelFormatRgb24,
		astiav.NewSoftwareScaleContextFlags(astiav.SoftwareScaleContextFlagBilinear),
	)
	if err != nil {
		return fmt.Errorf("ffmpeg: creating scale context: %w", err)
	}
	v.srcW, v.srcH, v.srcFmt = w, h, pf
	v.rgbFrame.SetWidth(w)
	v.rgbFrame.SetHeight(h)
	v.rgbFrame.SetPixelFormat(astiav.PixelFormatRgb24)
	if err := v.rgbFrame.AllocBuffer(1); err != nil {
		return fmt.Errorf("ffmpeg: allocating RGB buffer: %w", err)
	}
	return nil
}

func (v *videoCodec) Flush() {
	v.cc.FlushBuffers()
}

func (v *videoCodec) Close() {
	if v.pkt != nil {
		v.pkt.Free()
		v.pkt = nil
	}
	if v.frame != nil {
		v.frame.Free()
		v.frame = nil
	}
	if v.rgbFrame != nil {
		v.rgbFrame.Free()
		v.rgbFrame = nil
	}
	if v.sws != nil {
		v.sws.Free()
		v.sws = nil
	}
	if v.cc != nil {
		v.cc.Free()
		v.cc = nil
	}
}

// mapCodecErr translates libav send/receive results to the engine's codec
// contract.
func mapCodecErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, astiav.ErrEagain):
		return media.ErrAgain
	case errors.Is(err, astiav.ErrEof):
		return io.EOF
	default:
		return err
	}
}
