package session

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v3/vnet"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/meetflow/internal/compositor"
	"github.com/wilsonzlin/meetflow/internal/devices"
	"github.com/wilsonzlin/meetflow/internal/recording"
	"github.com/wilsonzlin/meetflow/internal/signaling"
	"github.com/wilsonzlin/meetflow/internal/webrtcpeer"
)

func startRelay(t *testing.T) string {
	t.Helper()
	relay := signaling.NewRelay(signaling.RelayConfig{Logger: quietLogger()})
	mux := http.NewServeMux()
	relay.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		relay.Close()
		ts.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/signal"
}

func vnetAPIs(t *testing.T) (*webrtc.API, *webrtc.API) {
	t.Helper()
	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = router.Stop() })

	apis := make([]*webrtc.API, 0, 2)
	for _, ip := range []string{"10.0.0.1", "10.0.0.2"} {
		n, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ip}})
		require.NoError(t, err)
		require.NoError(t, router.AddNet(n))

		se := webrtc.SettingEngine{}
		se.SetNet(n)
		se.LoggerFactory = webrtcpeer.NewLoggerFactory(quietLogger())
		api, err := webrtcpeer.NewAPIWithSettings(se)
		require.NoError(t, err)
		apis = append(apis, api)
	}
	require.NoError(t, router.Start())
	return apis[0], apis[1]
}

const twoPartyTimeslice = 500 * time.Millisecond

func joinOverRelay(t *testing.T, url, name string, api *webrtc.API, store *fakeStore) *Controller {
	t.Helper()
	composer, _ := peerCompositorBackend()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := signaling.Dial(ctx, url, signaling.ClientOptions{Logger: quietLogger()})
	require.NoError(t, err)

	ctrl, err := Join(context.Background(), Options{
		MeetID:     "m1",
		UserName:   name,
		Signaler:   client,
		Devices:    &devices.Synthetic{FrameRate: 10, Width: 64, Height: 48},
		Peers:      webrtcpeer.NewManager(api, nil, quietLogger()),
		Compositor: compositor.New(compositor.Options{Width: 64, Height: 48, FPS: 10, Backend: composer, Logger: quietLogger()}),
		Recorder:   recording.New(recording.Options{Timeslice: twoPartyTimeslice, Logger: quietLogger()}),
		Store:      store,
		Logger:     quietLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = ctrl.Leave(ctx)
	})
	return ctrl
}

// waitNotification discards notifications until one of type T arrives.
func waitNotification[T Notification](t *testing.T, c *Controller, timeout time.Duration) T {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case n := <-c.Notifications():
			if v, ok := n.(T); ok {
				return v
			}
		case <-deadline:
			var zero T
			t.Fatalf("timeout waiting for %T", zero)
			return zero
		}
	}
}

func artifactDuration(t *testing.T, saved []SavedArtifact, label string) time.Duration {
	t.Helper()
	for _, s := range saved {
		if s.Meta.Label == label {
			d, err := s.Artifact.Duration()
			require.NoError(t, err, label)
			return d
		}
	}
	t.Fatalf("no %s artifact", label)
	return 0
}

func artifactData(t *testing.T, saved []SavedArtifact, label string) []byte {
	t.Helper()
	for _, s := range saved {
		if s.Meta.Label == label {
			return s.Artifact.Data
		}
	}
	t.Fatalf("no %s artifact", label)
	return nil
}

func TestTwoPartyMeetRecordsAllSlots(t *testing.T) {
	_, composes := peerCompositorBackend()
	url := startRelay(t)
	apiA, apiB := vnetAPIs(t)
	storeA := &fakeStore{}

	a := joinOverRelay(t, url, "Ada", apiA, storeA)
	b := joinOverRelay(t, url, "Bob", apiB, &fakeStore{})

	joined := waitNotification[RemoteJoined](t, a, 5*time.Second)
	require.Equal(t, b.UserID(), joined.Participant.UserID)
	require.Equal(t, "Bob", joined.Participant.UserName)

	// Recording starts as soon as the stream is announced; the second
	// remote track may still be on its way.
	waitNotification[RemoteStreamReady](t, a, 15*time.Second)
	waitNotification[RemoteStreamReady](t, b, 15*time.Second)

	ctx := context.Background()
	st, err := b.Status(ctx)
	require.NoError(t, err)
	require.NotNil(t, st.Remote)
	require.Equal(t, a.UserID(), st.Remote.UserID)
	require.Equal(t, "Ada", st.Remote.UserName)

	require.NoError(t, a.StartRecording(ctx))
	st, err = a.Status(ctx)
	require.NoError(t, err)
	require.True(t, st.Recording)
	require.Equal(t, composes, st.Combined)

	time.Sleep(2 * time.Second)
	saved, err := a.StopRecording(ctx)
	require.NoError(t, err)

	want := []string{"A", "A_audio", "B", "B_audio"}
	if composes {
		want = []string{"A", "AB", "AB_audio", "A_audio", "B", "B_audio"}
	}
	require.Equal(t, want, labels(saved))
	require.Len(t, storeA.saved(), len(want))

	remote := artifactData(t, saved, "B")
	require.True(t, bytes.Contains(remote, []byte("V_VP8")), "remote video missing from B")
	require.True(t, bytes.Contains(remote, []byte("A_OPUS")), "remote audio missing from B")

	if composes {
		local, peer := artifactDuration(t, saved, "A"), artifactDuration(t, saved, "B")
		combined := artifactDuration(t, saved, "AB")
		require.InDelta(t, float64(min(local, peer)), float64(combined), float64(twoPartyTimeslice),
			"combined %v local %v remote %v", combined, local, peer)
	}

	for _, s := range saved {
		require.Equal(t, "m1", s.Meta.MeetID)
		switch s.Meta.Label {
		case "B", "B_audio":
			require.Equal(t, b.UserID(), s.Meta.UserID)
			require.Equal(t, "Bob", s.Meta.UserName)
		default:
			require.Equal(t, a.UserID(), s.Meta.UserID)
			require.Equal(t, "Ada", s.Meta.UserName)
		}
	}

	_, err = b.Leave(ctx)
	require.NoError(t, err)

	left := waitNotification[RemoteLeft](t, a, 5*time.Second)
	require.Equal(t, b.UserID(), left.Participant.UserID)

	st, err = a.Status(ctx)
	require.NoError(t, err)
	require.Nil(t, st.Remote)
	require.False(t, st.RemoteStream)
}
