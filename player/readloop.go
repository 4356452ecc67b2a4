package player

import (
	"context"
	"errors"
	"io"
	"math"
	"time"

	"github.com/zsiec/cadence/demux"
	"github.com/zsiec/cadence/media"
	"github.com/zsiec/cadence/queue"
)

// readWait is how long the read loop sleeps when the queues are full or
// the source is exhausted, absent an explicit wakeup.
const readWait = 10 * time.Millisecond

// readLoop is the orchestration loop: it services pause and seek requests,
// enforces the buffering ceilings, reads packets from the source, and
// routes them to the per-stream queues. It owns the source exclusively.
func (p *Player) readLoop(ctx context.Context) error {
	var pkt media.Packet
	for {
		if p.abort.Load() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		p.serviceReadPause()
		if err := p.serviceSeek(); err != nil {
			p.log.Error("seek failed", "error", err)
		}
		p.serviceAttachments()

		if !p.infiniteBuffer && p.buffersFull() {
			p.waitReadWake(ctx)
			continue
		}

		if done, err := p.checkPlayedOut(); done {
			return err
		}

		err := p.src.ReadPacket(&pkt)
		if err != nil {
			if errors.Is(err, io.EOF) {
				// Push a drain marker per open stream exactly once so the
				// decoders flush their buffered output.
				if !p.eofValue() {
					p.putNullPackets()
					p.setEOF(true)
				}
				p.waitReadWake(ctx)
				continue
			}
			p.log.Error("read failed", "error", err)
			return err
		}
		p.setEOF(false)
		p.routePacket(&pkt)
	}
}

func (p *Player) serviceReadPause() {
	paused := p.Paused()
	p.mu.Lock()
	changed := paused != p.lastPaused
	p.lastPaused = paused
	p.mu.Unlock()
	if !changed {
		return
	}
	err := p.src.SetPaused(paused)
	if paused {
		p.mu.Lock()
		p.readPauseErr = err
		p.mu.Unlock()
	}
}

func (p *Player) serviceSeek() error {
	p.mu.Lock()
	if !p.seekReq {
		p.mu.Unlock()
		return nil
	}
	pos, rel, byBytes := p.seekPos, p.seekRel, p.seekByBytes
	p.seekReq = false
	p.mu.Unlock()

	// The landing window only narrows on the side the seek came from, so a
	// short relative seek cannot overshoot back past the origin.
	smin, smax := int64(math.MinInt64), int64(math.MaxInt64)
	if rel > 0 {
		smin = pos - rel + 2
	} else if rel < 0 {
		smax = pos - rel - 2
	}
	err := p.src.Seek(pos, smin, smax, byBytes)
	if err == nil {
		if p.component(media.KindAudio) != nil {
			p.audioq.Flush()
		}
		if p.component(media.KindSubtitle) != nil {
			p.subtitleq.Flush()
		}
		if p.component(media.KindVideo) != nil {
			p.videoq.Flush()
		}
		if byBytes {
			p.extclk.Set(math.NaN(), 0)
		} else {
			p.extclk.Set(float64(pos)/demux.TimeBaseMicro, 0)
		}
	}
	p.setQueueAttachmentsReq()
	p.setEOF(false)
	if p.Paused() {
		p.StepFrame()
	}
	return err
}

// serviceAttachments requeues cover art after open and after every seek,
// so a paused audio-with-cover stream still repaints.
func (p *Player) serviceAttachments() {
	p.mu.Lock()
	req := p.queueAttachmentsReq
	p.queueAttachmentsReq = false
	p.mu.Unlock()
	if !req {
		return
	}
	c := p.component(media.KindVideo)
	if c == nil || !c.info.AttachedPic || c.info.CoverArt == nil {
		return
	}
	pic := *c.info.CoverArt
	pic.Data = append([]byte(nil), c.info.CoverArt.Data...)
	if err := p.videoq.Put(&pic); err == nil {
		_ = p.videoq.PutNull(c.info.Index)
	}
}

func (p *Player) buffersFull() bool {
	total := p.videoq.Size() + p.audioq.Size() + p.subtitleq.Size()
	if total > MaxQueueBytes {
		return true
	}
	return p.streamHasEnough(media.KindAudio, p.audioq) &&
		p.streamHasEnough(media.KindVideo, p.videoq) &&
		p.streamHasEnough(media.KindSubtitle, p.subtitleq)
}

// streamHasEnough reports whether one stream's queue holds enough packets
// that reading more for it can wait. Absent or aborted streams never gate
// the read loop, nor does a cover-art stream that will get no more input.
func (p *Player) streamHasEnough(kind media.StreamKind, q *queue.PacketQueue) bool {
	c := p.component(kind)
	if c == nil || q.AbortRequested() || c.info.AttachedPic {
		return true
	}
	if q.Len() <= MinFrames {
		return false
	}
	d := q.Duration()
	return d == 0 || c.info.TimeBase.Float()*float64(d) > 1.0
}

// checkPlayedOut handles end of playback: every open stream decoded out
// and presented. Depending on configuration it loops back to the start,
// ends the loop for AutoExit, or leaves the player idling at the end.
func (p *Player) checkPlayedOut() (bool, error) {
	if p.Paused() || !p.audioPlayedOut() || !p.videoPlayedOut() {
		return false, nil
	}
	if p.cfg.LoopForever || p.loopsLeft > 1 {
		if !p.cfg.LoopForever {
			p.loopsLeft--
		}
		p.RequestSeek(p.cfg.StartTime, 0, false)
		return false, nil
	}
	if p.cfg.AutoExit {
		return true, nil
	}
	return false, nil
}

func (p *Player) audioPlayedOut() bool {
	if p.component(media.KindAudio) == nil {
		return true
	}
	return p.auddec.Finished(p.audioq.Serial()) && p.sampq.NbRemaining() == 0
}

func (p *Player) videoPlayedOut() bool {
	if p.component(media.KindVideo) == nil {
		return true
	}
	return p.viddec.Finished(p.videoq.Serial()) && p.pictq.NbRemaining() == 0
}

func (p *Player) putNullPackets() {
	if c := p.component(media.KindVideo); c != nil {
		_ = p.videoq.PutNull(c.info.Index)
	}
	if c := p.component(media.KindAudio); c != nil {
		_ = p.audioq.PutNull(c.info.Index)
	}
	if c := p.component(media.KindSubtitle); c != nil {
		_ = p.subtitleq.PutNull(c.info.Index)
	}
}

func (p *Player) routePacket(pkt *media.Packet) {
	if !p.packetInPlayRange(pkt) {
		pkt.Data = nil
		return
	}
	if c := p.component(media.KindAudio); c != nil && pkt.StreamIndex == c.info.Index {
		_ = p.audioq.Put(pkt)
		return
	}
	if c := p.component(media.KindVideo); c != nil && pkt.StreamIndex == c.info.Index {
		// Cover-art streams are fed from the attachment request, not the
		// packet flow.
		if c.info.AttachedPic {
			pkt.Data = nil
			return
		}
		_ = p.videoq.Put(pkt)
		return
	}
	if c := p.component(media.KindSubtitle); c != nil && pkt.StreamIndex == c.info.Index {
		_ = p.subtitleq.Put(pkt)
		return
	}
	pkt.Data = nil
}

// packetInPlayRange applies the configured play window. Packets without
// timestamps always pass.
func (p *Player) packetInPlayRange(pkt *media.Packet) bool {
	if p.cfg.PlayDuration <= 0 {
		return true
	}
	ts := pkt.PTSSeconds()
	if math.IsNaN(ts) {
		return true
	}
	start := float64(p.cfg.StartTime) / demux.TimeBaseMicro
	if st := p.src.StartTime(); st != media.NoPTS {
		ts -= float64(st) / demux.TimeBaseMicro
	}
	return ts-start <= float64(p.cfg.PlayDuration)/demux.TimeBaseMicro
}

func (p *Player) waitReadWake(ctx context.Context) {
	select {
	case <-p.continueRead:
	case <-time.After(readWait):
	case <-ctx.Done():
	}
}

func (p *Player) eofValue() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.eof
}

func (p *Player) setEOF(v bool) {
	p.mu.Lock()
	p.eof = v
	p.mu.Unlock()
}
