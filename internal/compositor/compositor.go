// Package compositor synthesizes a combined stream from two live streams:
// video side by side on a fixed canvas and all audio mixed into one track.
package compositor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/wilsonzlin/meetflow/internal/mediastream"
)

// ErrCompositorUnavailable reports that an input lacked a required track
// category or that the backend could not be started. When an input lacks
// video the combined stream is still returned with that side blank.
var ErrCompositorUnavailable = errors.New("compositor unavailable")

const (
	DefaultWidth       = 1280
	DefaultHeight      = 720
	DefaultFPS         = 30
	DefaultAudioPeriod = 20 * time.Millisecond

	videoSubscriptionBuffer = 4
	audioSubscriptionBuffer = 32
)

type Options struct {
	Width       int
	Height      int
	FPS         int
	AudioPeriod time.Duration

	// Backend defaults to RawBackend.
	Backend Backend
	Logger  *slog.Logger
}

type Compositor struct {
	canvas  Canvas
	backend Backend
	logger  *slog.Logger
}

func New(opts Options) *Compositor {
	c := Canvas{
		Width:       opts.Width,
		Height:      opts.Height,
		FPS:         opts.FPS,
		AudioPeriod: opts.AudioPeriod,
	}
	if c.Width <= 0 || c.Height <= 0 {
		c.Width, c.Height = DefaultWidth, DefaultHeight
	}
	if c.FPS <= 0 {
		c.FPS = DefaultFPS
	}
	if c.AudioPeriod <= 0 {
		c.AudioPeriod = DefaultAudioPeriod
	}
	backend := opts.Backend
	if backend == nil {
		backend = RawBackend{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Compositor{canvas: c, backend: backend, logger: logger}
}

func (c *Compositor) Canvas() Canvas { return c.canvas }

// Combined is a stream synthesized from two inputs. It owns only its own
// tracks; the inputs are read and never stopped.
type Combined struct {
	stream   *mediastream.Stream
	renderer Renderer
	subs     []*mediastream.Subscription

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Compose starts a combined stream with b in the left half and a in the
// right half, each scaled to half width and full height. The combined tracks
// end as soon as either input video track ends.
//
// If either input has no video track the combined stream is still returned
// together with an error wrapping ErrCompositorUnavailable. Missing audio is
// replaced by silence.
func (c *Compositor) Compose(ctx context.Context, a, b *mediastream.Stream) (*Combined, error) {
	half := c.canvas.Width / 2
	sides := []struct {
		name   string
		stream *mediastream.Stream
		rect   image.Rectangle
	}{
		{"b", b, image.Rect(0, 0, half, c.canvas.Height)},
		{"a", a, image.Rect(half, 0, c.canvas.Width, c.canvas.Height)},
	}

	var (
		inputs      Inputs
		videoTracks []*mediastream.Track
		audioTracks []*mediastream.Track
		missing     []string
	)
	for _, side := range sides {
		var video *mediastream.Track
		if videos := side.stream.VideoTracks(); len(videos) > 0 {
			video = videos[0]
			inputs.Video = append(inputs.Video, video.Codec())
		} else {
			missing = append(missing, side.name)
			inputs.Video = append(inputs.Video, mediastream.Codec{})
		}
		videoTracks = append(videoTracks, video)

		for _, t := range side.stream.AudioTracks() {
			audioTracks = append(audioTracks, t)
			inputs.Audio = append(inputs.Audio, t.Codec())
		}
	}

	renderer, err := c.backend.Open(c.canvas, inputs)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s backend: %v", ErrCompositorUnavailable, c.backend.Name(), err)
	}

	combined := &Combined{renderer: renderer, done: make(chan struct{})}
	loop := &redrawLoop{
		canvas:   c.canvas,
		renderer: renderer,
		logger:   c.logger,
	}
	for i, t := range videoTracks {
		in := videoInput{codec: inputs.Video[i], rect: sides[i].rect}
		if t != nil {
			in.sub = t.Subscribe(videoSubscriptionBuffer)
			combined.subs = append(combined.subs, in.sub)
		}
		loop.videos = append(loop.videos, in)
	}
	for _, t := range audioTracks {
		sub := t.Subscribe(audioSubscriptionBuffer)
		combined.subs = append(combined.subs, sub)
		loop.audios = append(loop.audios, audioInput{codec: t.Codec(), sub: sub})
	}

	id := "combined"
	if a != nil && b != nil {
		id = "combined-" + a.ID() + "-" + b.ID()
	}
	stream := mediastream.NewStream(id)
	loop.videoTrack = mediastream.NewTrack(id+"-video", renderer.VideoCodec())
	loop.audioTrack = mediastream.NewTrack(id+"-audio", renderer.AudioCodec())
	stream.AddTrack(loop.videoTrack)
	stream.AddTrack(loop.audioTrack)
	combined.stream = stream

	loopCtx, cancel := context.WithCancel(ctx)
	combined.cancel = cancel
	go func() {
		defer close(combined.done)
		loop.run(loopCtx)
	}()

	c.logger.Debug("compositor started",
		"stream_id", id,
		"backend", c.backend.Name(),
		"width", c.canvas.Width,
		"height", c.canvas.Height,
		"fps", c.canvas.FPS,
		"audio_inputs", len(loop.audios),
	)

	if len(missing) > 0 {
		return combined, fmt.Errorf("%w: input %v has no video track", ErrCompositorUnavailable, missing)
	}
	return combined, nil
}

func (c *Combined) Stream() *mediastream.Stream { return c.stream }

// Done is closed once the redraw loop has exited.
func (c *Combined) Done() <-chan struct{} { return c.done }

// Close cancels the redraw loop, waits for it to exit and stops the combined
// tracks. Input tracks are left running. Closing twice is a no-op.
func (c *Combined) Close() error {
	if c == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		c.cancel()
		<-c.done
		for _, sub := range c.subs {
			sub.Close()
		}
		c.stream.Stop()
		c.closeErr = c.renderer.Close()
	})
	return c.closeErr
}

type videoInput struct {
	codec  mediastream.Codec
	sub    *mediastream.Subscription
	rect   image.Rectangle
	latest *mediastream.Frame
}

type audioInput struct {
	codec mediastream.Codec
	sub   *mediastream.Subscription
}

type redrawLoop struct {
	canvas     Canvas
	renderer   Renderer
	logger     *slog.Logger
	videos     []videoInput
	audios     []audioInput
	videoTrack *mediastream.Track
	audioTrack *mediastream.Track
}

func (l *redrawLoop) run(ctx context.Context) {
	videoTicker := time.NewTicker(time.Second / time.Duration(l.canvas.FPS))
	defer videoTicker.Stop()
	audioTicker := time.NewTicker(l.canvas.AudioPeriod)
	defer audioTicker.Stop()

	start := time.Now()
	layers := make([]Layer, len(l.videos))
	mix := make([]AudioInput, len(l.audios))

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-videoTicker.C:
			for i := range l.videos {
				in := &l.videos[i]
				f, ok, open := latestFrame(in.sub)
				if ok {
					in.latest = &f
				}
				if !open {
					l.logger.Debug("compositor input ended", "track_id", in.sub.Track().ID())
					l.videoTrack.Stop()
					l.audioTrack.Stop()
					return
				}
				layers[i] = Layer{Codec: in.codec, Frame: in.latest, Rect: in.rect}
			}
			f, ok, err := l.renderer.RenderVideo(layers, now.Sub(start))
			if err != nil {
				l.logger.Warn("compositor video render failed", "err", err)
				continue
			}
			if ok {
				_ = l.videoTrack.WriteFrame(f)
			}
		case now := <-audioTicker.C:
			for i, in := range l.audios {
				mix[i] = AudioInput{Codec: in.codec, Frames: pendingFrames(in.sub)}
			}
			f, ok, err := l.renderer.MixAudio(mix, now.Sub(start))
			if err != nil {
				l.logger.Warn("compositor audio mix failed", "err", err)
				continue
			}
			if ok {
				_ = l.audioTrack.WriteFrame(f)
			}
		}
	}
}

// latestFrame drains sub without blocking and returns the newest frame.
// open is false once the input track has ended. A nil sub stays open.
func latestFrame(sub *mediastream.Subscription) (latest mediastream.Frame, got, open bool) {
	if sub == nil {
		return latest, false, true
	}
	for {
		select {
		case f, ok := <-sub.Frames():
			if !ok {
				return latest, got, false
			}
			latest, got = f, true
		default:
			return latest, got, true
		}
	}
}

// pendingFrames drains sub without blocking.
func pendingFrames(sub *mediastream.Subscription) []mediastream.Frame {
	var out []mediastream.Frame
	for {
		select {
		case f, ok := <-sub.Frames():
			if !ok {
				return out
			}
			out = append(out, f)
		default:
			return out
		}
	}
}
