package compositor

import (
	"image"
	"time"

	"github.com/wilsonzlin/meetflow/internal/mediastream"
)

// Canvas is the output geometry of a combined stream.
type Canvas struct {
	Width  int
	Height int
	FPS    int

	// AudioPeriod is the duration of each mixed audio frame.
	AudioPeriod time.Duration
}

// Layer is the most recent frame of one input placed at Rect on the canvas.
// A nil Frame renders the rectangle blank.
type Layer struct {
	Codec mediastream.Codec
	Frame *mediastream.Frame
	Rect  image.Rectangle
}

// AudioInput holds the frames one input audio track produced since the
// previous mix.
type AudioInput struct {
	Codec  mediastream.Codec
	Frames []mediastream.Frame
}

// Inputs lists the codecs a renderer will be fed. Video holds one entry per
// canvas layer, and a zero Codec marks a layer without a source.
type Inputs struct {
	Video []mediastream.Codec
	Audio []mediastream.Codec
}

// Backend is the media processing capability behind a combined stream.
type Backend interface {
	Name() string
	Open(c Canvas, in Inputs) (Renderer, error)
}

// Renderer composes one combined stream. Calls come from a single goroutine.
type Renderer interface {
	VideoCodec() mediastream.Codec
	AudioCodec() mediastream.Codec

	// RenderVideo draws layers onto the canvas. It returns ok=false when the
	// backend has no output frame ready for this tick.
	RenderVideo(layers []Layer, pts time.Duration) (f mediastream.Frame, ok bool, err error)

	// MixAudio sums one period of every input. Inputs are indexed consistently
	// across calls.
	MixAudio(inputs []AudioInput, pts time.Duration) (f mediastream.Frame, ok bool, err error)

	Close() error
}
