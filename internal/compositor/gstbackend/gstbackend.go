//go:build !nogst

// Package gstbackend renders combined streams through a GStreamer pipeline:
// inputs are decoded, placed by a compositor element, mixed by audiomixer and
// re-encoded to VP8 and Opus.
package gstbackend

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-gst/go-gst/gst"
	"github.com/go-gst/go-gst/gst/app"

	"github.com/wilsonzlin/meetflow/internal/compositor"
	"github.com/wilsonzlin/meetflow/internal/mediastream"
)

var initOnce sync.Once

// Backend implements compositor.Backend. The zero value is ready to use.
type Backend struct {
	// Bitrate is the VP8 target in bits per second. Zero keeps the encoder
	// default.
	Bitrate int
}

func (Backend) Name() string { return "gstreamer" }

func (b Backend) Open(c compositor.Canvas, in compositor.Inputs) (compositor.Renderer, error) {
	initOnce.Do(func() { gst.Init(nil) })

	desc, err := pipelineDescription(c, in, b.Bitrate)
	if err != nil {
		return nil, err
	}
	pipeline, err := gst.NewPipelineFromString(desc)
	if err != nil {
		return nil, fmt.Errorf("build pipeline: %w", err)
	}

	r := &renderer{
		pipeline:  pipeline,
		canvas:    c,
		lastVideo: make([]*mediastream.Frame, len(in.Video)),
	}
	for i, codec := range in.Video {
		if codec.MimeType == "" {
			r.videoSrcs = append(r.videoSrcs, nil)
			continue
		}
		src, err := appSource(pipeline, fmt.Sprintf("video%d", i))
		if err != nil {
			return nil, err
		}
		r.videoSrcs = append(r.videoSrcs, src)
	}
	for i := range in.Audio {
		src, err := appSource(pipeline, fmt.Sprintf("audio%d", i))
		if err != nil {
			return nil, err
		}
		r.audioSrcs = append(r.audioSrcs, src)
	}
	if r.videoSink, err = appSink(pipeline, "videoout"); err != nil {
		return nil, err
	}
	if r.audioSink, err = appSink(pipeline, "audioout"); err != nil {
		return nil, err
	}

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return nil, fmt.Errorf("start pipeline: %w", err)
	}
	return r, nil
}

func pipelineDescription(c compositor.Canvas, in compositor.Inputs, bitrate int) (string, error) {
	half := c.Width / 2
	var sb strings.Builder

	sb.WriteString("compositor name=mix background=black")
	for i := range in.Video {
		fmt.Fprintf(&sb, " sink_%d::xpos=%d sink_%d::ypos=0 sink_%d::width=%d sink_%d::height=%d",
			i, i*half, i, i, half, i, c.Height)
	}
	enc := fmt.Sprintf("vp8enc deadline=1 keyframe-max-dist=%d", c.FPS)
	if bitrate > 0 {
		enc += fmt.Sprintf(" target-bitrate=%d", bitrate)
	}
	fmt.Fprintf(&sb, " ! videoconvert ! videorate ! video/x-raw,format=I420,width=%d,height=%d,framerate=%d/1 ! %s ! appsink name=videoout sync=false\n",
		c.Width, c.Height, c.FPS, enc)

	for i, codec := range in.Video {
		if codec.MimeType == "" {
			fmt.Fprintf(&sb, "videotestsrc is-live=true pattern=black ! video/x-raw,width=%d,height=%d ! mix.sink_%d\n", half, c.Height, i)
			continue
		}
		decode, err := videoDecode(codec)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&sb, "appsrc name=video%d is-live=true format=time do-timestamp=true %s ! videoconvert ! queue ! mix.sink_%d\n", i, decode, i)
	}

	periodMs := int(c.AudioPeriod / time.Millisecond)
	fmt.Fprintf(&sb, "audiomixer name=amix ! audioconvert ! audioresample ! audio/x-raw,rate=48000,channels=2 ! opusenc frame-size=%d ! appsink name=audioout sync=false\n", periodMs)
	if len(in.Audio) == 0 {
		sb.WriteString("audiotestsrc is-live=true wave=silence ! amix.\n")
	}
	for i, codec := range in.Audio {
		decode, err := audioDecode(codec)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&sb, "appsrc name=audio%d is-live=true format=time do-timestamp=true %s ! audioconvert ! queue ! amix.\n", i, decode)
	}
	return sb.String(), nil
}

func videoDecode(codec mediastream.Codec) (string, error) {
	switch {
	case codec.Is(mediastream.MimeTypeVP8):
		return "caps=video/x-vp8 ! vp8dec", nil
	case codec.Is(mediastream.MimeTypeRawRGBA):
		return fmt.Sprintf("caps=video/x-raw,format=RGBA,width=%d,height=%d,framerate=0/1", codec.Width, codec.Height), nil
	default:
		return "", fmt.Errorf("unsupported video codec %q", codec.MimeType)
	}
}

func audioDecode(codec mediastream.Codec) (string, error) {
	switch {
	case codec.Is(mediastream.MimeTypeOpus):
		return "caps=audio/x-opus ! opusdec", nil
	case codec.Is(mediastream.MimeTypePCM):
		return fmt.Sprintf("caps=audio/x-raw,format=S16LE,layout=interleaved,rate=%d,channels=%d", codec.ClockRate, codec.Channels), nil
	default:
		return "", fmt.Errorf("unsupported audio codec %q", codec.MimeType)
	}
}

func appSource(p *gst.Pipeline, name string) (*app.Source, error) {
	el, err := p.GetElementByName(name)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", name, err)
	}
	return app.SrcFromElement(el), nil
}

func appSink(p *gst.Pipeline, name string) (*app.Sink, error) {
	el, err := p.GetElementByName(name)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", name, err)
	}
	return app.SinkFromElement(el), nil
}

type renderer struct {
	pipeline  *gst.Pipeline
	canvas    compositor.Canvas
	videoSrcs []*app.Source
	audioSrcs []*app.Source
	videoSink *app.Sink
	audioSink *app.Sink

	// lastVideo is the frame most recently pushed per layer so a held frame
	// is not pushed twice.
	lastVideo []*mediastream.Frame
}

func (r *renderer) VideoCodec() mediastream.Codec {
	c := mediastream.CodecVP8
	c.Width, c.Height = r.canvas.Width, r.canvas.Height
	return c
}

func (r *renderer) AudioCodec() mediastream.Codec { return mediastream.CodecOpus }

func (r *renderer) RenderVideo(layers []compositor.Layer, pts time.Duration) (mediastream.Frame, bool, error) {
	for i, l := range layers {
		if i >= len(r.videoSrcs) || r.videoSrcs[i] == nil || l.Frame == nil || l.Frame == r.lastVideo[i] {
			continue
		}
		r.lastVideo[i] = l.Frame
		if err := push(r.videoSrcs[i], l.Frame.Data); err != nil {
			return mediastream.Frame{}, false, fmt.Errorf("video input %d: %w", i, err)
		}
	}
	return pull(r.videoSink, pts)
}

func (r *renderer) MixAudio(inputs []compositor.AudioInput, pts time.Duration) (mediastream.Frame, bool, error) {
	for i, in := range inputs {
		if i >= len(r.audioSrcs) {
			break
		}
		for _, f := range in.Frames {
			if err := push(r.audioSrcs[i], f.Data); err != nil {
				return mediastream.Frame{}, false, fmt.Errorf("audio input %d: %w", i, err)
			}
		}
	}
	return pull(r.audioSink, pts)
}

func (r *renderer) Close() error {
	for _, src := range append(append([]*app.Source(nil), r.videoSrcs...), r.audioSrcs...) {
		if src != nil {
			src.EndStream()
		}
	}
	return r.pipeline.SetState(gst.StateNull)
}

func push(src *app.Source, data []byte) error {
	buf := gst.NewBufferFromBytes(append([]byte(nil), data...))
	if flow := src.PushBuffer(buf); flow != gst.FlowOK {
		return errors.New("appsrc push failed: " + flow.String())
	}
	return nil
}

// pull takes one encoded sample without blocking. Encoded frames are never
// skipped, so a backlog drains one per tick.
func pull(sink *app.Sink, pts time.Duration) (mediastream.Frame, bool, error) {
	sample := sink.TryPullSample(0)
	if sample == nil {
		return mediastream.Frame{}, false, nil
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return mediastream.Frame{}, false, nil
	}
	mapped := buffer.Map(gst.MapRead)
	defer buffer.Unmap()

	return mediastream.Frame{
		Data:      append([]byte(nil), mapped.Bytes()...),
		Timestamp: pts,
		Duration:  time.Duration(buffer.Duration()),
		Keyframe:  buffer.GetFlags()&gst.BufferFlagDeltaUnit == 0,
	}, true, nil
}
