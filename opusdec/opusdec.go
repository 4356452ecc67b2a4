// Package opusdec decodes Opus audio with a pure-Go decoder, giving
// playback of Opus streams without cgo or a libav build. It plugs into the
// decode layer as a one-in one-out codec: each queued packet yields one
// PCM block.
package opusdec

import (
	"fmt"
	"io"
	"math"

	"github.com/pion/opus"

	"github.com/zsiec/cadence/media"
)

// maxFrameBytes holds the largest Opus frame: 120ms of 48kHz stereo s16.
const maxFrameBytes = 5760 * 2 * 2

// Codec implements decode.Codec for Opus. Not safe for concurrent use.
type Codec struct {
	dec      *opus.Decoder
	pending  *media.Packet
	draining bool
	out      []byte
	nextPTS  float64
}

// New returns a ready Codec.
func New() *Codec {
	dec := opus.NewDecoder()
	return &Codec{
		dec:     &dec,
		out:     make([]byte, maxFrameBytes),
		nextPTS: math.NaN(),
	}
}

// SendPacket accepts one packet when the previous one has been consumed.
// A payloadless packet switches the codec into drain mode.
func (c *Codec) SendPacket(pkt *media.Packet) error {
	if c.pending != nil {
		return media.ErrAgain
	}
	if pkt.IsNull() {
		c.draining = true
		return nil
	}
	cp := *pkt
	cp.Data = append([]byte(nil), pkt.Data...)
	c.pending = &cp
	return nil
}

// ReceiveFrame decodes the buffered packet into out. It reports
// media.ErrAgain when no input is buffered and io.EOF once draining.
func (c *Codec) ReceiveFrame(out *media.AudioFrame) error {
	if c.pending == nil {
		if c.draining {
			return io.EOF
		}
		return media.ErrAgain
	}
	pkt := c.pending
	c.pending = nil

	bandwidth, isStereo, err := c.dec.Decode(pkt.Data, c.out)
	if err != nil {
		return fmt.Errorf("opusdec: decoding frame: %w", err)
	}
	rate := bandwidth.SampleRate()
	channels := 1
	if isStereo {
		channels = 2
	}
	// The decoder always emits one 20ms frame.
	samples := rate / 50
	n := samples * channels * 2
	if n > len(c.out) {
		n = len(c.out)
		samples = n / (channels * 2)
	}

	out.Format = media.AudioFormat{SampleRate: rate, Channels: channels}
	out.Samples = samples
	out.Data = append(out.Data[:0], c.out[:n]...)

	pts := pkt.PTSSeconds()
	if math.IsNaN(pts) {
		pts = c.nextPTS
	}
	out.PTS = pts
	if !math.IsNaN(pts) && rate > 0 {
		c.nextPTS = pts + float64(samples)/float64(rate)
	}
	return nil
}

// Flush discards buffered input and timestamp prediction.
func (c *Codec) Flush() {
	c.pending = nil
	c.draining = false
	c.nextPTS = math.NaN()
}

func (c *Codec) Close() {
	c.pending = nil
}
