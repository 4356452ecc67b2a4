package media

// Frame queue capacities per stream kind. Video stays small because every
// queued picture is a full decoded surface; audio buffers a little deeper to
// ride out callback jitter; subtitles are cheap and arrive far ahead of
// their display time. MaxFrameQueueSize is the shared ceiling a queue's
// requested capacity is clamped to.
const (
	VideoQueueSize    = 3
	SampleQueueSize   = 9
	SubtitleQueueSize = 16
	MaxFrameQueueSize = 16
)

// FrameMeta carries the queue-facing metadata every decoded unit has: the
// presentation timestamp in seconds (NaN when unknown), the nominal
// duration, the byte position of the originating packet, and the playback
// generation (serial) the unit belongs to.
type FrameMeta struct {
	PTS      float64
	Duration float64
	Pos      int64
	Serial   int
}

// Meta returns the embedded metadata; it exists so frame types satisfy
// Framer through promotion.
func (m *FrameMeta) Meta() *FrameMeta { return m }

// Framer is the constraint shared by all decoded unit types stored in a
// frame queue.
type Framer interface {
	Meta() *FrameMeta
	Release()
}

// VideoFrame is one decoded picture ready for presentation. The pixel
// payload is opaque to the engine; only geometry and timing matter for
// synchronization.
type VideoFrame struct {
	FrameMeta
	Width        int
	Height       int
	PixelFormat  string
	SampleAspect Rational
	Data         []byte
	Stride       int
}

// Release drops the pixel payload so the queue slot can be rewritten.
func (f *VideoFrame) Release() {
	f.Data = nil
}

// CopyFrom moves the contents of src into f, transferring payload ownership.
func (f *VideoFrame) CopyFrom(src *VideoFrame) {
	*f = *src
	src.Data = nil
}

// AudioFrame is one decoded block of PCM samples, interleaved s16le.
type AudioFrame struct {
	FrameMeta
	Format  AudioFormat
	Samples int // per channel
	Data    []byte
}

func (f *AudioFrame) Release() {
	f.Data = nil
}

func (f *AudioFrame) CopyFrom(src *AudioFrame) {
	*f = *src
	src.Data = nil
}

// SubtitleRect is one positioned region of a rendered subtitle: either
// styled text or a pre-rendered bitmap.
type SubtitleRect struct {
	X, Y          int
	Width, Height int
	Text          string
	Bitmap        []byte
}

// SubtitleFrame is one decoded subtitle event. StartDisplay and EndDisplay
// are offsets in seconds relative to PTS bounding the on-screen window.
type SubtitleFrame struct {
	FrameMeta
	StartDisplay float64
	EndDisplay   float64
	Width        int
	Height       int
	Rects        []SubtitleRect
	Uploaded     bool
}

func (f *SubtitleFrame) Release() {
	f.Rects = nil
	f.Uploaded = false
}

func (f *SubtitleFrame) CopyFrom(src *SubtitleFrame) {
	*f = *src
	src.Rects = nil
}
