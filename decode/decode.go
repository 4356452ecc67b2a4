// Package decode binds a packet queue to a codec instance and tracks
// sequence continuity across seeks. The Decoder owns the serial
// bookkeeping: it flushes the codec when the queue's generation changes,
// silently discards packets from superseded generations, and records the
// generation at which the codec drained to end of stream.
package decode

import (
	"errors"
	"io"
	"log/slog"

	"github.com/zsiec/cadence/media"
	"github.com/zsiec/cadence/queue"
)

// Codec is the decoder-side library boundary. SendPacket returns
// media.ErrAgain when the codec's input buffer is full; the packet must
// then be retried unchanged. ReceiveFrame fills f and returns nil, or
// media.ErrAgain when more input is needed, or io.EOF once the codec has
// drained after a null packet. Flush resets internal buffers and any
// timestamp predictors.
//
// A nil-Data packet is the drain marker; codecs enter draining mode when
// they receive it.
type Codec[F media.Framer] interface {
	SendPacket(pkt *media.Packet) error
	ReceiveFrame(f F) error
	Flush()
	Close()
}

// noFinish is the finished-serial sentinel while the codec is still live.
const noFinish = -1

// Decoder pulls compressed units from its queue, feeds the codec, and
// yields decoded units. Used by exactly one decode goroutine.
type Decoder[F media.Framer] struct {
	log       *slog.Logger
	queue     *queue.PacketQueue
	codec     Codec[F]
	emptyWake chan<- struct{}

	pkt        media.Packet
	hasPending bool
	pktSerial  int
	finished   int
}

// New creates a decoder draining q into codec. emptyWake, if non-nil,
// receives a non-blocking signal whenever the decoder finds q empty, so
// the read loop can cut its buffering wait short.
func New[F media.Framer](codec Codec[F], q *queue.PacketQueue, emptyWake chan<- struct{}, log *slog.Logger) *Decoder[F] {
	if log == nil {
		log = slog.Default()
	}
	return &Decoder[F]{
		log:       log,
		queue:     q,
		codec:     codec,
		emptyWake: emptyWake,
		pktSerial: -1,
		finished:  noFinish,
	}
}

// DecodeFrame produces the next decoded unit into frame. It returns
// (true, nil) when a unit was produced, (false, nil) when the codec reached
// end of stream for the current generation, and (false, err) on abort or a
// codec failure. Buffered codec output is always drained before new input
// is pulled, since one compressed unit may yield many decoded units.
func (d *Decoder[F]) DecodeFrame(frame F) (bool, error) {
	for {
		if d.queue.Serial() == d.pktSerial {
			for {
				if d.queue.AbortRequested() {
					return false, media.ErrAborted
				}
				err := d.codec.ReceiveFrame(frame)
				switch {
				case err == nil:
					return true, nil
				case errors.Is(err, io.EOF):
					d.finished = d.pktSerial
					d.codec.Flush()
					return false, nil
				case errors.Is(err, media.ErrAgain):
					// fall through to pull more input
				default:
					return false, err
				}
				break
			}
		}

		for {
			if d.queue.Len() == 0 {
				d.wakeReader()
			}
			if d.hasPending {
				d.hasPending = false
			} else {
				oldSerial := d.pktSerial
				pkt, serial, err := d.queue.Get(true)
				if err != nil {
					return false, err
				}
				d.pkt = pkt
				d.pktSerial = serial
				if oldSerial != serial {
					// A seek happened between pulls; drop codec state
					// accumulated for the previous generation.
					d.codec.Flush()
					d.finished = noFinish
				}
			}
			if d.queue.Serial() == d.pktSerial {
				break
			}
			// Superseded by a newer generation; discard without decoding.
			d.pkt = media.Packet{}
		}

		err := d.codec.SendPacket(&d.pkt)
		switch {
		case errors.Is(err, media.ErrAgain):
			// Input buffer full while output was also empty would be an
			// API violation for a real codec, but pending retry keeps the
			// unit alive either way.
			d.hasPending = true
		case err != nil:
			return false, err
		default:
			d.pkt = media.Packet{}
		}
	}
}

func (d *Decoder[F]) wakeReader() {
	if d.emptyWake == nil {
		return
	}
	select {
	case d.emptyWake <- struct{}{}:
	default:
	}
}

// PktSerial returns the generation of the compressed unit currently being
// drained.
func (d *Decoder[F]) PktSerial() int {
	return d.pktSerial
}

// Finished reports whether the codec reached end of stream at generation
// serial.
func (d *Decoder[F]) Finished(serial int) bool {
	return d.finished != noFinish && d.finished == serial
}

// Close releases the held packet and closes the codec. Call only after the
// decode goroutine has exited.
func (d *Decoder[F]) Close() {
	d.pkt = media.Packet{}
	d.hasPending = false
	d.codec.Close()
}
