package player

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/cadence/clock"
	"github.com/zsiec/cadence/decode"
	"github.com/zsiec/cadence/demux"
	"github.com/zsiec/cadence/media"
	"github.com/zsiec/cadence/queue"
	"github.com/zsiec/cadence/resample"
)

// component tracks one open stream: its metadata and the decode goroutine
// feeding its frame queue.
type component struct {
	info demux.StreamInfo
	wg   sync.WaitGroup
}

// Player is the playback engine. One Player plays one source. Run drives
// the read loop; the owner drives Refresh (or RefreshLoop) from its event
// loop; the audio device pulls samples through Fill on its own goroutine.
type Player struct {
	cfg    Config
	log    *slog.Logger
	now    func() float64
	src    demux.Source
	sink   VideoSink
	adev   AudioDevice
	codecs CodecFactory
	resmp  Resampler

	audclk *clock.Clock
	vidclk *clock.Clock
	extclk *clock.Clock

	videoq    *queue.PacketQueue
	audioq    *queue.PacketQueue
	subtitleq *queue.PacketQueue

	pictq *queue.FrameQueue[*media.VideoFrame]
	sampq *queue.FrameQueue[*media.AudioFrame]
	subpq *queue.FrameQueue[*media.SubtitleFrame]

	viddec *decode.Decoder[*media.VideoFrame]
	auddec *decode.Decoder[*media.AudioFrame]
	subdec *decode.Decoder[*media.SubtitleFrame]

	// continueRead wakes the read loop out of its buffering wait when a
	// consumer runs dry or a control request arrives.
	continueRead chan struct{}

	// mu guards the control state below plus the component table.
	mu         sync.RWMutex
	comps      [media.NumKinds]*component
	paused     bool
	lastPaused bool
	step       bool
	eof        bool

	seekReq     bool
	seekPos     int64
	seekRel     int64
	seekByBytes bool

	queueAttachmentsReq bool
	readPauseErr        error

	// frameTimer is the presentation deadline of the frame currently on
	// screen. Owned by the refresh goroutine except for the pause/step
	// adjustments, hence guarded by mu.
	frameTimer   float64
	forceRefresh bool

	maxFrameDuration float64
	realtime         bool
	byteSeek         bool
	infiniteBuffer   bool
	loopsLeft        int

	muted  atomic.Bool
	volume atomic.Int32
	abort  atomic.Bool

	framesDroppedEarly atomic.Int64
	framesDroppedLate  atomic.Int64
	framesDisplayed    atomic.Int64

	// Audio pull state, owned by the device callback goroutine.
	audioSrc           media.AudioFormat
	audioTgt           media.AudioFormat
	audioBuf           []byte
	audioBufSize       int
	audioBufIndex      int
	audioWriteBufSize  int
	audioHWBufSize     int
	audioClock         float64
	audioClockSerial   int
	audioCallbackTime  float64
	audioDiffCum       float64
	audioDiffAvgCoef   float64
	audioDiffThreshold float64
	audioDiffAvgCount  int
}

// New builds a Player over src. sink, adev, and codecs are the output and
// codec backends; any nil backend disables the corresponding streams.
func New(src demux.Source, sink VideoSink, adev AudioDevice, codecs CodecFactory, cfg Config) (*Player, error) {
	if src == nil {
		return nil, errors.New("player: nil source")
	}
	if codecs == nil {
		return nil, errors.New("player: nil codec factory")
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Now == nil {
		epoch := time.Now()
		cfg.Now = func() float64 { return time.Since(epoch).Seconds() }
	}
	if cfg.Volume < 0 {
		cfg.Volume = 0
	}
	if cfg.Volume > MaxVolume {
		cfg.Volume = MaxVolume
	}
	if cfg.Loop < 1 {
		cfg.Loop = 1
	}
	if sink == nil {
		cfg.DisableVideo = true
		cfg.DisableSubtitles = true
	}
	if adev == nil {
		cfg.DisableAudio = true
	}

	p := &Player{
		cfg:              cfg,
		log:              cfg.Log.With("component", "player"),
		now:              cfg.Now,
		src:              src,
		sink:             sink,
		adev:             adev,
		codecs:           codecs,
		resmp:            resample.New(),
		continueRead:     make(chan struct{}, 1),
		realtime:         src.Realtime(),
		loopsLeft:        cfg.Loop,
		audioClock:       math.NaN(),
		audioClockSerial: -1,
	}
	p.muted.Store(cfg.Muted)
	p.volume.Store(int32(cfg.Volume))

	p.maxFrameDuration = 3600
	if src.TSDiscontinuous() {
		p.maxFrameDuration = 10
	}
	p.byteSeek = cfg.SeekByBytes && src.ByteSeekable()
	p.infiniteBuffer = cfg.Buffering == BufferInfinite ||
		(cfg.Buffering == BufferAuto && p.realtime)

	p.videoq = queue.NewPacketQueue()
	p.audioq = queue.NewPacketQueue()
	p.subtitleq = queue.NewPacketQueue()

	p.pictq = queue.NewFrameQueue(p.videoq, media.VideoQueueSize, true,
		func() *media.VideoFrame { return &media.VideoFrame{} })
	p.sampq = queue.NewFrameQueue(p.audioq, media.SampleQueueSize, true,
		func() *media.AudioFrame { return &media.AudioFrame{} })
	p.subpq = queue.NewFrameQueue(p.subtitleq, media.SubtitleQueueSize, false,
		func() *media.SubtitleFrame { return &media.SubtitleFrame{} })

	p.audclk = clock.New(p.audioq, p.now)
	p.vidclk = clock.New(p.videoq, p.now)
	p.extclk = clock.New(nil, p.now)
	return p, nil
}

// Run opens the best stream of each kind, starts the read loop, and blocks
// until playback stops (Stop, context cancellation, a fatal source error,
// or AutoExit reaching the end). Components are torn down before Run
// returns; the source itself stays open for the caller to close.
func (p *Player) Run(ctx context.Context) error {
	defer p.closeAllComponents()

	var vinfo, ainfo, sinfo *demux.StreamInfo
	for _, st := range p.src.Streams() {
		st := st
		switch st.Kind {
		case media.KindVideo:
			if vinfo == nil && !p.cfg.DisableVideo {
				vinfo = &st
			}
		case media.KindAudio:
			if ainfo == nil && !p.cfg.DisableAudio {
				ainfo = &st
			}
		case media.KindSubtitle:
			if sinfo == nil && !p.cfg.DisableSubtitles {
				sinfo = &st
			}
		}
	}

	if ainfo != nil {
		if err := p.openComponent(*ainfo); err != nil {
			p.log.Error("audio stream open failed", "error", err)
			ainfo = nil
		}
	}
	if vinfo != nil {
		if err := p.openComponent(*vinfo); err != nil {
			p.log.Error("video stream open failed", "error", err)
			vinfo = nil
		}
	}
	if sinfo != nil {
		if err := p.openComponent(*sinfo); err != nil {
			p.log.Error("subtitle stream open failed", "error", err)
		}
	}
	if vinfo == nil && ainfo == nil {
		return errors.New("player: no playable streams")
	}

	if p.cfg.StartTime != 0 {
		p.RequestSeek(p.cfg.StartTime, 0, false)
	}
	if p.cfg.StartPaused {
		p.streamTogglePause()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.readLoop(ctx) })
	return g.Wait()
}

// Stop requests playback shutdown. Safe to call from any goroutine; Run
// returns shortly after.
func (p *Player) Stop() {
	p.abort.Store(true)
	p.wakeReader()
}

func (p *Player) wakeReader() {
	select {
	case p.continueRead <- struct{}{}:
	default:
	}
}

func (p *Player) openComponent(info demux.StreamInfo) error {
	c := &component{info: info}
	switch info.Kind {
	case media.KindAudio:
		codec, err := p.codecs.OpenAudio(info)
		if err != nil {
			return fmt.Errorf("open audio codec %s: %w", info.CodecID, err)
		}
		want := info.Audio
		if want.IsZero() {
			want = media.AudioFormat{SampleRate: 44100, Channels: 2}
		}
		spec, err := p.adev.Open(AudioSpec{
			Format:     want,
			BufferSize: audioPeriodBytes(want),
		}, p)
		if err != nil {
			codec.Close()
			return fmt.Errorf("open audio device: %w", err)
		}
		p.audioTgt = spec.Format
		p.audioSrc = spec.Format
		p.audioHWBufSize = spec.BufferSize
		p.audioBuf = nil
		p.audioBufSize = 0
		p.audioBufIndex = 0
		p.audioDiffAvgCoef = math.Exp(math.Log(0.01) / AudioDiffAvgNB)
		p.audioDiffAvgCount = 0
		p.audioDiffCum = 0
		// Correction is pointless below the latency the device itself adds.
		p.audioDiffThreshold = float64(p.audioHWBufSize) / float64(p.audioTgt.BytesPerSecond())

		p.audioq.Start()
		p.auddec = decode.New[*media.AudioFrame](codec, p.audioq, p.continueRead, p.log)
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			p.audioLoop()
		}()
		p.adev.Pause(false)

	case media.KindVideo:
		codec, err := p.codecs.OpenVideo(info)
		if err != nil {
			return fmt.Errorf("open video codec %s: %w", info.CodecID, err)
		}
		p.videoq.Start()
		p.viddec = decode.New[*media.VideoFrame](codec, p.videoq, p.continueRead, p.log)
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			p.videoLoop(info)
		}()
		p.setQueueAttachmentsReq()

	case media.KindSubtitle:
		codec, err := p.codecs.OpenSubtitle(info)
		if err != nil {
			return fmt.Errorf("open subtitle codec %s: %w", info.CodecID, err)
		}
		p.subtitleq.Start()
		p.subdec = decode.New[*media.SubtitleFrame](codec, p.subtitleq, p.continueRead, p.log)
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			p.subtitleLoop()
		}()

	default:
		return fmt.Errorf("unsupported stream kind %v", info.Kind)
	}

	p.mu.Lock()
	p.comps[info.Kind] = c
	p.mu.Unlock()
	p.log.Info("stream opened",
		"kind", info.Kind.String(),
		"index", info.Index,
		"codec", info.CodecID)
	return nil
}

func (p *Player) closeComponent(kind media.StreamKind) {
	p.mu.Lock()
	c := p.comps[kind]
	p.comps[kind] = nil
	p.mu.Unlock()
	if c == nil {
		return
	}

	switch kind {
	case media.KindAudio:
		p.audioq.Abort()
		p.sampq.Signal()
		p.adev.Close()
		c.wg.Wait()
		p.auddec.Close()
		p.auddec = nil
		p.audioq.Flush()
		p.sampq.Drain()
		p.audioBuf = nil
		p.audioBufSize = 0
		p.audioBufIndex = 0
	case media.KindVideo:
		p.videoq.Abort()
		p.pictq.Signal()
		c.wg.Wait()
		p.viddec.Close()
		p.viddec = nil
		p.videoq.Flush()
		p.pictq.Drain()
	case media.KindSubtitle:
		p.subtitleq.Abort()
		p.subpq.Signal()
		c.wg.Wait()
		p.subdec.Close()
		p.subdec = nil
		p.subtitleq.Flush()
		p.subpq.Drain()
	}
	p.log.Info("stream closed", "kind", kind.String(), "index", c.info.Index)
}

func (p *Player) closeAllComponents() {
	p.closeComponent(media.KindAudio)
	p.closeComponent(media.KindVideo)
	p.closeComponent(media.KindSubtitle)
}

func (p *Player) component(kind media.StreamKind) *component {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.comps[kind]
}

func (p *Player) masterSyncType() SyncType {
	switch p.cfg.Sync {
	case SyncVideoMaster:
		if p.component(media.KindVideo) != nil {
			return SyncVideoMaster
		}
		return SyncAudioMaster
	case SyncAudioMaster:
		if p.component(media.KindAudio) != nil {
			return SyncAudioMaster
		}
		return SyncExternalClock
	default:
		return SyncExternalClock
	}
}

// MasterClock returns the current master clock value in seconds.
func (p *Player) MasterClock() float64 {
	switch p.masterSyncType() {
	case SyncVideoMaster:
		return p.vidclk.Get()
	case SyncAudioMaster:
		return p.audclk.Get()
	default:
		return p.extclk.Get()
	}
}

// Paused reports whether playback is paused.
func (p *Player) Paused() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused
}

func (p *Player) stepping() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.step
}

// streamTogglePause flips the pause state. On resume the frame timer is
// advanced by the pause span so the next frame is not considered late, and
// the video clock is re-anchored before the external clock.
func (p *Player) streamTogglePause() {
	p.mu.Lock()
	if p.paused {
		p.frameTimer += p.now() - p.vidclk.LastUpdated()
		if !errors.Is(p.readPauseErr, errors.ErrUnsupported) {
			p.vidclk.SetPaused(false)
		}
		p.vidclk.Set(p.vidclk.Get(), p.vidclk.SerialValue())
	}
	p.extclk.Set(p.extclk.Get(), p.extclk.SerialValue())
	p.paused = !p.paused
	paused := p.paused
	p.mu.Unlock()

	p.audclk.SetPaused(paused)
	p.vidclk.SetPaused(paused)
	p.extclk.SetPaused(paused)
	p.wakeReader()
}

// TogglePause flips pause and cancels single-step mode.
func (p *Player) TogglePause() {
	p.streamTogglePause()
	p.mu.Lock()
	p.step = false
	p.mu.Unlock()
}

// StepFrame advances exactly one video frame: playback resumes if paused
// and re-pauses after the next frame is displayed.
func (p *Player) StepFrame() {
	if p.Paused() {
		p.streamTogglePause()
	}
	p.mu.Lock()
	p.step = true
	p.mu.Unlock()
}

// RequestSeek schedules a seek to pos (stream microseconds, or a byte
// offset when byBytes). rel is the signed distance from the current
// position and narrows the acceptable landing window. A request already
// pending wins; the new one is dropped.
func (p *Player) RequestSeek(pos, rel int64, byBytes bool) {
	p.mu.Lock()
	if !p.seekReq {
		p.seekPos = pos
		p.seekRel = rel
		p.seekByBytes = byBytes
		p.seekReq = true
	}
	p.mu.Unlock()
	p.wakeReader()
}

// byteSeekRate is the assumed container byte rate used to turn a seconds
// increment into a byte offset when byte seeking is active.
const byteSeekRate = 180000

// SeekRelative seeks incr seconds from the current master clock position.
// With byte seeking active the target is derived from the last shown
// frame's byte position instead.
func (p *Player) SeekRelative(incr float64) {
	if p.byteSeek {
		pos := int64(-1)
		if p.component(media.KindVideo) != nil {
			pos = p.pictq.LastPos()
		}
		if pos < 0 && p.component(media.KindAudio) != nil {
			pos = p.sampq.LastPos()
		}
		if pos < 0 {
			pos = 0
		}
		by := int64(incr * byteSeekRate)
		p.RequestSeek(pos+by, by, true)
		return
	}
	pos := p.MasterClock()
	if math.IsNaN(pos) {
		pos = float64(p.cfg.StartTime) / demux.TimeBaseMicro
	}
	pos += incr
	if start := p.src.StartTime(); start != media.NoPTS &&
		pos < float64(start)/demux.TimeBaseMicro {
		pos = float64(start) / demux.TimeBaseMicro
	}
	p.RequestSeek(int64(pos*demux.TimeBaseMicro), int64(incr*demux.TimeBaseMicro), false)
}

// ToggleMute flips the software mute.
func (p *Player) ToggleMute() {
	p.muted.Store(!p.muted.Load())
}

// SetVolume sets the software volume, clamped to 0..MaxVolume.
func (p *Player) SetVolume(v int) {
	if v < 0 {
		v = 0
	}
	if v > MaxVolume {
		v = MaxVolume
	}
	p.volume.Store(int32(v))
}

// AdjustVolume moves the volume by sign steps of size step percent on a
// logarithmic scale.
func (p *Player) AdjustVolume(sign int, step float64) {
	vol := float64(p.volume.Load())
	level := 0.0
	if vol > 0 {
		level = math.Log(vol/MaxVolume) / math.Log(10) * 20
	}
	next := MaxVolume * math.Pow(10, (level+float64(sign)*step)/20)
	if vol == next {
		next = vol + float64(sign)
	}
	p.SetVolume(int(math.Round(next)))
}

// SetSpeed sets the external clock speed. Only meaningful when the
// external clock is master.
func (p *Player) SetSpeed(speed float64) {
	p.extclk.SetSpeed(speed)
}

// CycleStream switches the open stream of the given kind to the source's
// next stream of that kind, wrapping around. No-op when the source has at
// most one such stream.
func (p *Player) CycleStream(kind media.StreamKind) {
	c := p.component(kind)
	if c == nil {
		return
	}
	var same []demux.StreamInfo
	cur := -1
	for _, st := range p.src.Streams() {
		if st.Kind != kind {
			continue
		}
		if st.Index == c.info.Index {
			cur = len(same)
		}
		same = append(same, st)
	}
	if len(same) < 2 || cur < 0 {
		return
	}
	next := same[(cur+1)%len(same)]
	p.closeComponent(kind)
	if err := p.openComponent(next); err != nil {
		p.log.Error("stream cycle failed", "kind", kind.String(), "error", err)
	}
}

// Stats is a point-in-time snapshot of playback counters.
type Stats struct {
	MasterClock        float64
	AudioClock         float64
	VideoClock         float64
	ExternalClock      float64
	FramesDisplayed    int64
	FramesDroppedEarly int64
	FramesDroppedLate  int64
	VideoQueueBytes    int64
	AudioQueueBytes    int64
	SubtitleQueueBytes int64
	VideoQueuePackets  int
	AudioQueuePackets  int
	Paused             bool
}

// GetStats snapshots the playback counters.
func (p *Player) GetStats() Stats {
	return Stats{
		MasterClock:        p.MasterClock(),
		AudioClock:         p.audclk.Get(),
		VideoClock:         p.vidclk.Get(),
		ExternalClock:      p.extclk.Get(),
		FramesDisplayed:    p.framesDisplayed.Load(),
		FramesDroppedEarly: p.framesDroppedEarly.Load(),
		FramesDroppedLate:  p.framesDroppedLate.Load(),
		VideoQueueBytes:    p.videoq.Size(),
		AudioQueueBytes:    p.audioq.Size(),
		SubtitleQueueBytes: p.subtitleq.Size(),
		VideoQueuePackets:  p.videoq.Len(),
		AudioQueuePackets:  p.audioq.Len(),
		Paused:             p.Paused(),
	}
}

func (p *Player) setQueueAttachmentsReq() {
	p.mu.Lock()
	p.queueAttachmentsReq = true
	p.mu.Unlock()
}

// audioPeriodBytes sizes the requested device period: the largest power of
// two holding at most 1/AudioMaxCallbacksPerSec of audio, floored at
// AudioMinBufferSize.
func audioPeriodBytes(f media.AudioFormat) int {
	perCallback := f.BytesPerSecond() / AudioMaxCallbacksPerSec
	n := AudioMinBufferSize
	for n*2 <= perCallback {
		n *= 2
	}
	return n
}
