package recording

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/at-wat/ebml-go"
	"github.com/at-wat/ebml-go/webm"

	"github.com/wilsonzlin/meetflow/internal/mediastream"
)

const (
	DefaultTimeslice = time.Second

	trackTypeVideo = 1
	trackTypeAudio = 2

	subscriptionBuffer = 64
	finalizeTimeout    = 5 * time.Second
)

var (
	errNoTracks = errors.New("stream has no tracks")
	errNoBlocks = errors.New("webm has no blocks")
)

// NewWebMCapturer is the default CapturerFactory. It muxes every track of the
// stream into one WebM container. The track list is read once at creation.
func NewWebMCapturer(stream *mediastream.Stream, opts CaptureOptions) (Capturer, error) {
	tracks := stream.Tracks()
	if len(tracks) == 0 {
		return nil, errNoTracks
	}

	entries := make([]webm.TrackEntry, 0, len(tracks))
	for i, t := range tracks {
		entry, err := trackEntry(uint64(i+1), t)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	buf := newChunkBuffer()
	writers, err := webm.NewSimpleBlockWriter(buf, entries)
	if err != nil {
		return nil, fmt.Errorf("webm writer: %w", err)
	}

	timeslice := opts.Timeslice
	if timeslice <= 0 {
		timeslice = DefaultTimeslice
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &webmCapturer{
		buf:       buf,
		writers:   writers,
		timeslice: timeslice,
		logger:    logger.With("stream_id", stream.ID()),
		chunks:    make(chan []byte, 4),
		frames:    make(chan trackFrame, subscriptionBuffer),
		stop:      make(chan struct{}),
		started:   make([]bool, len(tracks)),
		keyed:     make([]bool, len(tracks)),
	}
	for i, t := range tracks {
		sub := t.Subscribe(subscriptionBuffer)
		c.subs = append(c.subs, sub)
		c.keyed[i] = t.Codec().Is(mediastream.MimeTypeVP8)
		c.forwarders.Add(1)
		go c.forward(i, sub)
	}
	go func() {
		c.forwarders.Wait()
		close(c.frames)
	}()
	go c.run(time.Now())
	return c, nil
}

func trackEntry(number uint64, t *mediastream.Track) (webm.TrackEntry, error) {
	codec := t.Codec()
	entry := webm.TrackEntry{
		Name:        t.ID(),
		TrackNumber: number,
		TrackUID:    number,
	}
	switch {
	case codec.Is(mediastream.MimeTypeVP8), codec.Is(mediastream.MimeTypeRawRGBA):
		entry.CodecID = "V_VP8"
		if codec.Is(mediastream.MimeTypeRawRGBA) {
			entry.CodecID = "V_UNCOMPRESSED"
		}
		entry.TrackType = trackTypeVideo
		entry.Video = &webm.Video{PixelWidth: uint64(codec.Width), PixelHeight: uint64(codec.Height)}
	case codec.Is(mediastream.MimeTypeOpus), codec.Is(mediastream.MimeTypePCM):
		entry.CodecID = "A_OPUS"
		if codec.Is(mediastream.MimeTypePCM) {
			entry.CodecID = "A_PCM/INT/LIT"
		}
		entry.TrackType = trackTypeAudio
		channels := codec.Channels
		if channels == 0 {
			channels = 1
		}
		entry.Audio = &webm.Audio{SamplingFrequency: float64(codec.ClockRate), Channels: uint64(channels)}
	default:
		return webm.TrackEntry{}, fmt.Errorf("track %s: unsupported codec %q", t.ID(), codec.MimeType)
	}
	return entry, nil
}

type trackFrame struct {
	index int
	frame mediastream.Frame
}

type webmCapturer struct {
	buf       *chunkBuffer
	writers   []webm.BlockWriteCloser
	timeslice time.Duration
	logger    *slog.Logger

	subs       []*mediastream.Subscription
	forwarders sync.WaitGroup
	frames     chan trackFrame
	chunks     chan []byte

	stop     chan struct{}
	stopOnce sync.Once

	// Owned by run.
	started []bool
	keyed   []bool
}

func (c *webmCapturer) Chunks() <-chan []byte { return c.chunks }

func (c *webmCapturer) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *webmCapturer) forward(index int, sub *mediastream.Subscription) {
	defer c.forwarders.Done()
	for f := range sub.Frames() {
		select {
		case c.frames <- trackFrame{index: index, frame: f}:
		case <-c.stop:
			return
		}
	}
}

func (c *webmCapturer) run(start time.Time) {
	defer close(c.chunks)

	ticker := time.NewTicker(c.timeslice)
	defer ticker.Stop()

	frames := c.frames
loop:
	for {
		select {
		case <-c.stop:
			break loop
		case tf, ok := <-frames:
			if !ok {
				// Every source track ended.
				break loop
			}
			c.write(tf, time.Since(start))
		case <-ticker.C:
			c.emit(c.buf.take())
		}
	}

	for _, sub := range c.subs {
		sub.Close()
	}
	c.forwarders.Wait()
	for _, w := range c.writers {
		if err := w.Close(); err != nil {
			c.logger.Warn("webm track close failed", "err", err)
		}
	}
	select {
	case <-c.buf.closed:
	case <-time.After(finalizeTimeout):
		c.logger.Warn("webm muxer did not finalize in time")
	}
	c.emit(c.buf.take())
}

func (c *webmCapturer) write(tf trackFrame, elapsed time.Duration) {
	i := tf.index
	if !c.started[i] {
		if c.keyed[i] && !tf.frame.Keyframe {
			return
		}
		c.started[i] = true
	}
	keyframe := tf.frame.Keyframe || !c.keyed[i]
	if _, err := c.writers[i].Write(keyframe, elapsed.Milliseconds(), tf.frame.Data); err != nil {
		c.logger.Warn("webm block write failed", "track", i, "err", err)
	}
}

func (c *webmCapturer) emit(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	c.chunks <- chunk
}

// chunkBuffer is the muxer's sink. Bytes accumulate until the next timeslice
// takes them.
type chunkBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	closed    chan struct{}
	closeOnce sync.Once
}

func newChunkBuffer() *chunkBuffer {
	return &chunkBuffer{closed: make(chan struct{})}
}

func (b *chunkBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *chunkBuffer) Close() error {
	b.closeOnce.Do(func() { close(b.closed) })
	return nil
}

func (b *chunkBuffer) take() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.buf.Len() == 0 {
		return nil
	}
	out := bytes.Clone(b.buf.Bytes())
	b.buf.Reset()
	return out
}

// WebMDuration returns the timecode of the last block in a document written
// by NewWebMCapturer. Timecodes count from capture start.
func WebMDuration(data []byte) (time.Duration, error) {
	var doc struct {
		Header  webm.EBMLHeader `ebml:"EBML"`
		Segment webm.Segment    `ebml:"Segment,size=unknown"`
	}
	if err := ebml.Unmarshal(bytes.NewReader(data), &doc); err != nil {
		return 0, fmt.Errorf("parse webm: %w", err)
	}

	scale := time.Duration(doc.Segment.Info.TimecodeScale)
	if scale == 0 {
		scale = time.Millisecond
	}
	last := int64(-1)
	for _, cluster := range doc.Segment.Cluster {
		for _, b := range cluster.SimpleBlock {
			last = max(last, int64(cluster.Timecode)+int64(b.Timecode))
		}
	}
	if last < 0 {
		return 0, errNoBlocks
	}
	return time.Duration(last) * scale, nil
}
