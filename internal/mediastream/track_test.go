package mediastream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTrackFanOut(t *testing.T) {
	tr := NewTrack("v", CodecVP8)
	a := tr.Subscribe(4)
	b := tr.Subscribe(4)

	require.NoError(t, tr.WriteFrame(Frame{Data: []byte{1}, Keyframe: true}))

	fa := <-a.Frames()
	fb := <-b.Frames()
	require.Equal(t, []byte{1}, fa.Data)
	require.Equal(t, []byte{1}, fb.Data)
}

func TestTrackSlowSubscriberDrops(t *testing.T) {
	tr := NewTrack("a", CodecOpus)
	sub := tr.Subscribe(1)

	for i := 0; i < 5; i++ {
		require.NoError(t, tr.WriteFrame(Frame{Data: []byte{byte(i)}}))
	}
	require.Equal(t, uint64(4), sub.Dropped())

	f := <-sub.Frames()
	require.Equal(t, []byte{0}, f.Data)
}

func TestTrackStopClosesSubscriptions(t *testing.T) {
	tr := NewTrack("a", CodecOpus)
	sub := tr.Subscribe(1)

	tr.Stop()
	tr.Stop()

	select {
	case _, ok := <-sub.Frames():
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed")
	}
	require.True(t, tr.Ended())
	require.ErrorIs(t, tr.WriteFrame(Frame{}), ErrTrackEnded)

	late := tr.Subscribe(1)
	_, ok := <-late.Frames()
	require.False(t, ok)

	// Closing after the track stopped is a no-op.
	sub.Close()
}

func TestSubscriptionClose(t *testing.T) {
	tr := NewTrack("v", CodecVP8)
	sub := tr.Subscribe(1)
	sub.Close()
	sub.Close()

	require.NoError(t, tr.WriteFrame(Frame{Data: []byte{1}}))
	_, ok := <-sub.Frames()
	require.False(t, ok)
}

func TestCodecKind(t *testing.T) {
	require.Equal(t, KindAudio, CodecOpus.Kind())
	require.Equal(t, KindAudio, CodecPCM.Kind())
	require.Equal(t, KindVideo, CodecVP8.Kind())
	require.Equal(t, KindVideo, CodecRawRGBA.Kind())
	require.True(t, CodecVP8.Is("video/vp8"))
}
