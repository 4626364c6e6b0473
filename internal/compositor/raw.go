package compositor

import (
	"encoding/binary"
	"fmt"
	"image"
	"math"
	"time"

	"golang.org/x/image/draw"

	"github.com/wilsonzlin/meetflow/internal/mediastream"
)

// maxPendingPeriods bounds per-input PCM backlog so a bursty source cannot
// grow the mixer without limit.
const maxPendingPeriods = 5

// RawBackend composes RGBA video and mixes s16le PCM in process. It has no
// decoder, so Open refuses inputs carrying any other codec.
type RawBackend struct {
	// Scaler defaults to draw.ApproxBiLinear.
	Scaler draw.Scaler
}

func (RawBackend) Name() string { return "raw" }

func (b RawBackend) Open(c Canvas, in Inputs) (Renderer, error) {
	if err := decodable(in); err != nil {
		return nil, err
	}
	scaler := b.Scaler
	if scaler == nil {
		scaler = draw.ApproxBiLinear
	}
	video := mediastream.CodecRawRGBA
	video.Width, video.Height = c.Width, c.Height

	audio := mediastream.CodecPCM
	periodSamples := int(int64(audio.ClockRate) * int64(c.AudioPeriod) / int64(time.Second))
	return &rawRenderer{
		canvas:      c,
		scaler:      scaler,
		video:       video,
		audio:       audio,
		periodBytes: periodSamples * 2 * int(audio.Channels),
	}, nil
}

// decodable reports the first input the raw renderer would have to decode.
// A zero video codec marks a layer without a source and is accepted.
func decodable(in Inputs) error {
	for _, c := range in.Video {
		if c.MimeType != "" && !c.Is(mediastream.MimeTypeRawRGBA) {
			return fmt.Errorf("raw backend cannot decode video %s", c.MimeType)
		}
	}
	for _, c := range in.Audio {
		if !c.Is(mediastream.MimeTypePCM) {
			return fmt.Errorf("raw backend cannot decode audio %s", c.MimeType)
		}
	}
	return nil
}

type rawRenderer struct {
	canvas      Canvas
	scaler      draw.Scaler
	video       mediastream.Codec
	audio       mediastream.Codec
	periodBytes int
	pending     [][]byte
}

func (r *rawRenderer) VideoCodec() mediastream.Codec { return r.video }
func (r *rawRenderer) AudioCodec() mediastream.Codec { return r.audio }
func (r *rawRenderer) Close() error                  { return nil }

func (r *rawRenderer) RenderVideo(layers []Layer, pts time.Duration) (mediastream.Frame, bool, error) {
	dst := image.NewRGBA(image.Rect(0, 0, r.canvas.Width, r.canvas.Height))
	draw.Draw(dst, dst.Bounds(), image.Black, image.Point{}, draw.Src)

	for _, l := range layers {
		src := rgbaImage(l)
		if src == nil {
			continue
		}
		r.scaler.Scale(dst, l.Rect, src, src.Bounds(), draw.Src, nil)
	}

	return mediastream.Frame{
		Data:      dst.Pix,
		Timestamp: pts,
		Duration:  time.Second / time.Duration(r.canvas.FPS),
		Keyframe:  true,
		Width:     r.canvas.Width,
		Height:    r.canvas.Height,
	}, true, nil
}

// rgbaImage wraps a raw layer frame without copying. Anything that is not a
// complete RGBA frame yields nil.
func rgbaImage(l Layer) *image.RGBA {
	if l.Frame == nil || !l.Codec.Is(mediastream.MimeTypeRawRGBA) {
		return nil
	}
	w, h := l.Frame.Width, l.Frame.Height
	if w <= 0 || h <= 0 || len(l.Frame.Data) < w*h*4 {
		return nil
	}
	return &image.RGBA{Pix: l.Frame.Data, Stride: w * 4, Rect: image.Rect(0, 0, w, h)}
}

func (r *rawRenderer) MixAudio(inputs []AudioInput, pts time.Duration) (mediastream.Frame, bool, error) {
	for len(r.pending) < len(inputs) {
		r.pending = append(r.pending, nil)
	}

	sum := make([]int32, r.periodBytes/2)
	for i, in := range inputs {
		if !in.Codec.Is(mediastream.MimeTypePCM) {
			continue
		}
		for _, f := range in.Frames {
			r.pending[i] = append(r.pending[i], f.Data...)
		}
		if limit := maxPendingPeriods * r.periodBytes; len(r.pending[i]) > limit {
			r.pending[i] = r.pending[i][len(r.pending[i])-limit:]
		}

		n := min(len(r.pending[i]), r.periodBytes) &^ 1
		for j := 0; j < n; j += 2 {
			sum[j/2] += int32(int16(binary.LittleEndian.Uint16(r.pending[i][j:])))
		}
		r.pending[i] = r.pending[i][n:]
	}

	out := make([]byte, r.periodBytes)
	for j, v := range sum {
		binary.LittleEndian.PutUint16(out[j*2:], uint16(clampInt16(v)))
	}
	return mediastream.Frame{
		Data:      out,
		Timestamp: pts,
		Duration:  r.canvas.AudioPeriod,
	}, true, nil
}

func clampInt16(v int32) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	default:
		return int16(v)
	}
}
