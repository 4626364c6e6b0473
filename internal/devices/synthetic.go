package devices

import (
	"context"
	"encoding/binary"
	"fmt"
	"image/color"
	"log/slog"
	"math"
	"time"

	"github.com/wilsonzlin/meetflow/internal/mediastream"
)

const (
	DefaultFrameRate   = 30
	DefaultVideoWidth  = 640
	DefaultVideoHeight = 480

	audioFrameDuration = 20 * time.Millisecond
	audioSampleRate    = 48000
	keyframeInterval   = 30
	vp8PayloadBytes    = 1200
	toneHz             = 440
)

// Synthetic is a device-less media source. By default it produces VP8-shaped
// video samples and 20ms Opus-shaped audio samples suitable for transport over
// a peer connection. With Raw set it produces RGBA frames and s16le mono PCM.
type Synthetic struct {
	FrameRate int
	Width     int
	Height    int
	Raw       bool
	Color     color.RGBA

	// Disabled simulates a user refusing the capture request.
	Disabled bool

	Logger *slog.Logger
}

func (s *Synthetic) Acquire(ctx context.Context, c Constraints) (*mediastream.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Disabled {
		return nil, fmt.Errorf("synthetic device disabled: %w", ErrMediaAccessDenied)
	}
	if !c.Audio && !c.Video {
		return nil, fmt.Errorf("no media kinds requested: %w", ErrMediaAccessDenied)
	}

	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	fps := s.FrameRate
	if fps <= 0 {
		fps = DefaultFrameRate
	}
	w, h := s.Width, s.Height
	if w <= 0 || h <= 0 {
		w, h = DefaultVideoWidth, DefaultVideoHeight
	}

	stream := mediastream.NewStream("")
	if c.Video {
		codec := mediastream.CodecVP8
		if s.Raw {
			codec = mediastream.CodecRawRGBA
		}
		codec.Width, codec.Height = w, h
		track := mediastream.NewTrack(stream.ID()+"-video", codec)
		stream.AddTrack(track)
		go s.runVideo(track, fps, w, h)
	}
	if c.Audio {
		codec := mediastream.CodecOpus
		if s.Raw {
			codec = mediastream.CodecPCM
		}
		track := mediastream.NewTrack(stream.ID()+"-audio", codec)
		stream.AddTrack(track)
		go s.runAudio(track)
	}

	logger.Debug("synthetic media acquired", "stream_id", stream.ID(), "audio", c.Audio, "video", c.Video, "raw", s.Raw)
	return stream, nil
}

func (s *Synthetic) runVideo(track *mediastream.Track, fps, w, h int) {
	interval := time.Second / time.Duration(fps)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var n int
	for {
		select {
		case <-track.Done():
			return
		case <-ticker.C:
		}

		f := mediastream.Frame{
			Timestamp: time.Duration(n) * interval,
			Duration:  interval,
		}
		if s.Raw {
			f.Data = rgbaPattern(w, h, s.Color, n)
			f.Width, f.Height = w, h
			f.Keyframe = true
		} else {
			f.Keyframe = n%keyframeInterval == 0
			f.Data = vp8Sample(f.Keyframe, w, h, n)
		}
		if err := track.WriteFrame(f); err != nil {
			return
		}
		n++
	}
}

func (s *Synthetic) runAudio(track *mediastream.Track) {
	ticker := time.NewTicker(audioFrameDuration)
	defer ticker.Stop()

	var n int
	for {
		select {
		case <-track.Done():
			return
		case <-ticker.C:
		}

		f := mediastream.Frame{
			Timestamp: time.Duration(n) * audioFrameDuration,
			Duration:  audioFrameDuration,
			Keyframe:  true,
		}
		if s.Raw {
			f.Data = pcmTone(n)
		} else {
			f.Data = opusSample(n)
		}
		if err := track.WriteFrame(f); err != nil {
			return
		}
		n++
	}
}

// vp8Sample builds a payload with a valid VP8 frame tag. Keyframes carry the
// start code and dimensions so depacketizers and muxers classify them.
func vp8Sample(key bool, w, h, n int) []byte {
	b := make([]byte, vp8PayloadBytes)
	size := uint32(len(b) - 10)
	tag := size << 5
	if !key {
		tag |= 1
	}
	tag |= 1 << 4 // show_frame
	b[0] = byte(tag)
	b[1] = byte(tag >> 8)
	b[2] = byte(tag >> 16)
	if key {
		b[3], b[4], b[5] = 0x9d, 0x01, 0x2a
		binary.LittleEndian.PutUint16(b[6:8], uint16(w))
		binary.LittleEndian.PutUint16(b[8:10], uint16(h))
	}
	for i := 10; i < len(b); i++ {
		b[i] = byte(i + n)
	}
	return b
}

// opusSample returns a single 20ms CELT fullband stereo packet.
func opusSample(n int) []byte {
	b := make([]byte, 80)
	b[0] = 0xfc
	for i := 1; i < len(b); i++ {
		b[i] = byte(i * (n + 1))
	}
	return b
}

func pcmTone(n int) []byte {
	samples := audioSampleRate * int(audioFrameDuration) / int(time.Second)
	b := make([]byte, samples*2)
	offset := n * samples
	for i := 0; i < samples; i++ {
		v := int16(8000 * math.Sin(2*math.Pi*toneHz*float64(offset+i)/audioSampleRate))
		binary.LittleEndian.PutUint16(b[i*2:], uint16(v))
	}
	return b
}

func rgbaPattern(w, h int, c color.RGBA, n int) []byte {
	if c == (color.RGBA{}) {
		c = color.RGBA{R: 0x20, G: 0x80, B: 0xc0, A: 0xff}
	}
	b := make([]byte, w*h*4)
	bar := (n * 4) % w
	for y := 0; y < h; y++ {
		row := b[y*w*4:]
		for x := 0; x < w; x++ {
			px := row[x*4 : x*4+4]
			if x >= bar && x < bar+8 {
				px[0], px[1], px[2], px[3] = 0xff, 0xff, 0xff, 0xff
				continue
			}
			px[0], px[1], px[2], px[3] = c.R, c.G, c.B, 0xff
		}
	}
	return b
}
