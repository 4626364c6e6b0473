package compositor

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/meetflow/internal/devices"
	"github.com/wilsonzlin/meetflow/internal/mediastream"
)

func solidFrame(w, h int, r, g, b byte) mediastream.Frame {
	data := make([]byte, w*h*4)
	for i := 0; i < len(data); i += 4 {
		data[i], data[i+1], data[i+2], data[i+3] = r, g, b, 0xff
	}
	return mediastream.Frame{Data: data, Width: w, Height: h, Keyframe: true}
}

func pcmFrame(samples int, v int16) mediastream.Frame {
	data := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(v))
	}
	return mediastream.Frame{Data: data, Duration: 20 * time.Millisecond}
}

// feed writes f to track every few milliseconds until the test ends.
func feed(t *testing.T, track *mediastream.Track, f mediastream.Frame) {
	t.Helper()
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := track.WriteFrame(f); err != nil {
					return
				}
			}
		}
	}()
	t.Cleanup(func() {
		close(stop)
		<-done
	})
}

func rawVideoTrack(id string) *mediastream.Track {
	codec := mediastream.CodecRawRGBA
	codec.Width, codec.Height = 8, 8
	return mediastream.NewTrack(id, codec)
}

func pixel(f mediastream.Frame, x, y int) [4]byte {
	i := (y*f.Width + x) * 4
	return [4]byte{f.Data[i], f.Data[i+1], f.Data[i+2], f.Data[i+3]}
}

func testCompositor() *Compositor {
	return New(Options{Width: 64, Height: 32, FPS: 50})
}

func TestComposePlacesBLeftAndARight(t *testing.T) {
	aVideo := rawVideoTrack("a-video")
	bVideo := rawVideoTrack("b-video")
	a := mediastream.NewStream("a", aVideo)
	b := mediastream.NewStream("b", bVideo)
	feed(t, aVideo, solidFrame(8, 8, 0xff, 0, 0))
	feed(t, bVideo, solidFrame(8, 8, 0, 0, 0xff))

	combined, err := testCompositor().Compose(context.Background(), a, b)
	require.NoError(t, err)
	defer combined.Close()

	videos := combined.Stream().VideoTracks()
	require.Len(t, videos, 1)
	require.Equal(t, mediastream.MimeTypeRawRGBA, videos[0].Codec().MimeType)
	require.Equal(t, 64, videos[0].Codec().Width)
	require.Len(t, combined.Stream().AudioTracks(), 1)

	sub := videos[0].Subscribe(8)
	defer sub.Close()

	red := [4]byte{0xff, 0, 0, 0xff}
	blue := [4]byte{0, 0, 0xff, 0xff}
	deadline := time.After(5 * time.Second)
	for {
		select {
		case f, ok := <-sub.Frames():
			require.True(t, ok)
			require.Equal(t, 64, f.Width)
			require.Equal(t, 32, f.Height)
			require.Len(t, f.Data, 64*32*4)
			if pixel(f, 16, 16) == blue && pixel(f, 48, 16) == red {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for a composed frame with both sides drawn")
		}
	}
}

func TestComposeMissingVideoIsUnavailableButRuns(t *testing.T) {
	bVideo := rawVideoTrack("b-video")
	a := mediastream.NewStream("a", mediastream.NewTrack("a-audio", mediastream.CodecPCM))
	b := mediastream.NewStream("b", bVideo)

	combined, err := testCompositor().Compose(context.Background(), a, b)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrCompositorUnavailable))
	require.NotNil(t, combined)
	defer combined.Close()

	sub := combined.Stream().VideoTracks()[0].Subscribe(1)
	defer sub.Close()
	select {
	case f := <-sub.Frames():
		require.Equal(t, [4]byte{0, 0, 0, 0xff}, pixel(f, 48, 16))
	case <-time.After(5 * time.Second):
		t.Fatal("no frame from combined stream")
	}
}

func TestComposeWithoutAudioProducesSilence(t *testing.T) {
	a := mediastream.NewStream("a", rawVideoTrack("a-video"))
	b := mediastream.NewStream("b", rawVideoTrack("b-video"))

	combined, err := testCompositor().Compose(context.Background(), a, b)
	require.NoError(t, err)
	defer combined.Close()

	audio := combined.Stream().AudioTracks()
	require.Len(t, audio, 1)
	sub := audio[0].Subscribe(1)
	defer sub.Close()

	select {
	case f := <-sub.Frames():
		require.Len(t, f.Data, 960*2)
		require.Equal(t, make([]byte, len(f.Data)), f.Data)
	case <-time.After(5 * time.Second):
		t.Fatal("no audio frame from combined stream")
	}
}

func TestComposeMixesAudio(t *testing.T) {
	aAudio := mediastream.NewTrack("a-audio", mediastream.CodecPCM)
	bAudio := mediastream.NewTrack("b-audio", mediastream.CodecPCM)
	a := mediastream.NewStream("a", rawVideoTrack("a-video"), aAudio)
	b := mediastream.NewStream("b", rawVideoTrack("b-video"), bAudio)

	combined, err := testCompositor().Compose(context.Background(), a, b)
	require.NoError(t, err)
	defer combined.Close()

	feed(t, aAudio, pcmFrame(960, 1000))
	feed(t, bAudio, pcmFrame(960, 2000))

	sub := combined.Stream().AudioTracks()[0].Subscribe(16)
	defer sub.Close()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case f := <-sub.Frames():
			if int16(binary.LittleEndian.Uint16(f.Data)) == 3000 {
				return
			}
		case <-deadline:
			t.Fatal("never observed a mixed sample of both inputs")
		}
	}
}

func TestCombinedCloseLeavesInputsRunning(t *testing.T) {
	aVideo := rawVideoTrack("a-video")
	aAudio := mediastream.NewTrack("a-audio", mediastream.CodecPCM)
	bVideo := rawVideoTrack("b-video")
	a := mediastream.NewStream("a", aVideo, aAudio)
	b := mediastream.NewStream("b", bVideo)

	combined, err := testCompositor().Compose(context.Background(), a, b)
	require.NoError(t, err)
	outputs := combined.Stream().Tracks()

	require.NoError(t, combined.Close())
	require.NoError(t, combined.Close())

	select {
	case <-combined.Done():
	default:
		t.Fatal("redraw loop still running after Close")
	}
	for _, tr := range outputs {
		require.True(t, tr.Ended(), "combined track %s not stopped", tr.ID())
	}
	for _, tr := range []*mediastream.Track{aVideo, aAudio, bVideo} {
		require.False(t, tr.Ended(), "input track %s was stopped", tr.ID())
		require.NoError(t, tr.WriteFrame(mediastream.Frame{}))
	}
}

func TestComposeStopsWhenParentContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a := mediastream.NewStream("a", rawVideoTrack("a-video"))
	b := mediastream.NewStream("b", rawVideoTrack("b-video"))

	combined, err := testCompositor().Compose(ctx, a, b)
	require.NoError(t, err)
	cancel()

	select {
	case <-combined.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("redraw loop ignored cancellation")
	}
	require.NoError(t, combined.Close())
}

func TestRawComposeRefusesEncodedStreams(t *testing.T) {
	src := &devices.Synthetic{FrameRate: 10, Width: 32, Height: 24}
	acquire := func() *mediastream.Stream {
		s, err := src.Acquire(context.Background(), devices.Constraints{Audio: true, Video: true})
		require.NoError(t, err)
		t.Cleanup(s.Stop)
		return s
	}
	a, b := acquire(), acquire()

	combined, err := New(Options{}).Compose(context.Background(), a, b)
	require.Nil(t, combined)
	require.ErrorIs(t, err, ErrCompositorUnavailable)
	require.ErrorContains(t, err, mediastream.MimeTypeVP8)

	for _, tr := range append(a.Tracks(), b.Tracks()...) {
		require.False(t, tr.Ended(), "input track %s was stopped", tr.ID())
	}
}

func TestRawComposeRefusesEncodedAudioBesideRawVideo(t *testing.T) {
	a := mediastream.NewStream("a", rawVideoTrack("a-video"), mediastream.NewTrack("a-audio", mediastream.CodecOpus))
	b := mediastream.NewStream("b", rawVideoTrack("b-video"))

	combined, err := testCompositor().Compose(context.Background(), a, b)
	require.Nil(t, combined)
	require.ErrorIs(t, err, ErrCompositorUnavailable)
	require.ErrorContains(t, err, mediastream.MimeTypeOpus)
}

func TestCombinedEndsWithShorterInput(t *testing.T) {
	aVideo := rawVideoTrack("a-video")
	bVideo := rawVideoTrack("b-video")
	a := mediastream.NewStream("a", aVideo)
	b := mediastream.NewStream("b", bVideo)
	feed(t, aVideo, solidFrame(8, 8, 0xff, 0, 0))
	feed(t, bVideo, solidFrame(8, 8, 0, 0, 0xff))

	combined, err := testCompositor().Compose(context.Background(), a, b)
	require.NoError(t, err)
	defer combined.Close()

	sub := combined.Stream().VideoTracks()[0].Subscribe(1)
	defer sub.Close()
	select {
	case <-sub.Frames():
	case <-time.After(5 * time.Second):
		t.Fatal("no frame from combined stream")
	}

	bVideo.Stop()
	select {
	case <-combined.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("combined stream outlived its remote input")
	}
	for _, tr := range combined.Stream().Tracks() {
		require.True(t, tr.Ended(), "combined track %s not stopped", tr.ID())
	}
	require.False(t, aVideo.Ended())
	require.NoError(t, combined.Close())
}

type failingBackend struct{}

func (failingBackend) Name() string { return "failing" }
func (failingBackend) Open(Canvas, Inputs) (Renderer, error) {
	return nil, errors.New("no pipeline")
}

func TestComposeBackendOpenFailure(t *testing.T) {
	c := New(Options{Backend: failingBackend{}})
	combined, err := c.Compose(context.Background(), mediastream.NewStream("a"), mediastream.NewStream("b"))
	require.Nil(t, combined)
	require.ErrorIs(t, err, ErrCompositorUnavailable)
}

func TestNewDefaults(t *testing.T) {
	c := New(Options{})
	require.Equal(t, Canvas{Width: 1280, Height: 720, FPS: 30, AudioPeriod: 20 * time.Millisecond}, c.Canvas())
}
