package webrtcpeer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v3/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/meetflow/internal/devices"
	"github.com/wilsonzlin/meetflow/internal/mediastream"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type vnetPair struct {
	a, b *Manager
}

func newVNetPair(t *testing.T) vnetPair {
	t.Helper()
	const (
		cidr = "10.0.0.0/24"
		ipA  = "10.0.0.1"
		ipB  = "10.0.0.2"
	)

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          cidr,
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() {
		_ = router.Stop()
	})

	netA, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ipA}})
	if err != nil {
		t.Fatalf("new net A: %v", err)
	}
	netB, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ipB}})
	if err != nil {
		t.Fatalf("new net B: %v", err)
	}
	if err := router.AddNet(netA); err != nil {
		t.Fatalf("add net A: %v", err)
	}
	if err := router.AddNet(netB); err != nil {
		t.Fatalf("add net B: %v", err)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}

	apiA, err := newVNetAPI(netA)
	if err != nil {
		t.Fatalf("new api A: %v", err)
	}
	apiB, err := newVNetAPI(netB)
	if err != nil {
		t.Fatalf("new api B: %v", err)
	}

	p := vnetPair{
		a: NewManager(apiA, nil, quietLogger()),
		b: NewManager(apiB, nil, quietLogger()),
	}
	t.Cleanup(func() {
		_ = p.a.Close()
		_ = p.b.Close()
	})
	return p
}

func newVNetAPI(n *vnet.Net) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	se.SetNet(n)
	se.LoggerFactory = NewLoggerFactory(quietLogger())
	return NewAPIWithSettings(se)
}

func localStream(t *testing.T) *mediastream.Stream {
	t.Helper()
	s, err := (&devices.Synthetic{}).Acquire(context.Background(), devices.Constraints{Audio: true, Video: true})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

type observed struct {
	candidates chan webrtc.ICECandidateInit
	remote     chan *mediastream.Stream
	states     chan State
}

func observe(t *testing.T, m *Manager) observed {
	t.Helper()
	o := observed{
		candidates: make(chan webrtc.ICECandidateInit, 64),
		remote:     make(chan *mediastream.Stream, 4),
		states:     make(chan State, 16),
	}
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	go func() {
		for {
			select {
			case <-done:
				return
			case ev := <-m.Events():
				switch ev := ev.(type) {
				case LocalCandidateEvent:
					o.candidates <- ev.Candidate
				case RemoteStreamEvent:
					o.remote <- ev.Stream
				case StateEvent:
					o.states <- ev.State
				}
			}
		}
	}()
	return o
}

func waitState(t *testing.T, states <-chan State, want State) {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case s := <-states:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

func TestManager_CandidatesBeforeDescriptionsAreQueued(t *testing.T) {
	p := newVNetPair(t)
	obsA := observe(t, p.a)
	obsB := observe(t, p.b)

	if _, err := p.a.CreateConnection(RoleOfferer, localStream(t)); err != nil {
		t.Fatalf("create connection A: %v", err)
	}
	offer, err := p.a.CreateOffer(context.Background(), "endpoint-b")
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}

	// A's first candidate reaches B before B has a connection at all.
	select {
	case c := <-obsA.candidates:
		if err := p.b.AddRemoteCandidate(c); err != nil {
			t.Fatalf("queue candidate on B: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for A candidate")
	}

	connB, err := p.b.CreateConnection(RoleAnswerer, localStream(t))
	if err != nil {
		t.Fatalf("create connection B: %v", err)
	}
	if got := connB.PendingCandidates(); got != 1 {
		t.Fatalf("pending candidates on B=%d, want 1", got)
	}
	answer, err := p.b.AcceptOffer(context.Background(), offer, "endpoint-a")
	if err != nil {
		t.Fatalf("accept offer: %v", err)
	}
	if got := connB.PendingCandidates(); got != 0 {
		t.Fatalf("pending candidates on B after offer=%d, want 0", got)
	}

	// B's candidates reach A before the answer does.
	select {
	case c := <-obsB.candidates:
		if err := p.a.AddRemoteCandidate(c); err != nil {
			t.Fatalf("queue candidate on A: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for B candidate")
	}
	if got := p.a.Connection().PendingCandidates(); got != 1 {
		t.Fatalf("pending candidates on A=%d, want 1", got)
	}

	if err := p.a.AcceptAnswer(answer); err != nil {
		t.Fatalf("accept answer: %v", err)
	}
	if err := p.a.AddRemoteCandidate(webrtc.ICECandidateInit{}); err != nil {
		t.Fatalf("end-of-candidates marker: %v", err)
	}

	go relayCandidates(obsA.candidates, p.b)
	go relayCandidates(obsB.candidates, p.a)

	waitState(t, obsA.states, StateConnected)
	waitState(t, obsB.states, StateConnected)

	var remote *mediastream.Stream
	select {
	case remote = <-obsB.remote:
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for remote stream on B")
	}
	if got := p.b.RemoteStream(); got != remote {
		t.Fatalf("RemoteStream() does not match announced stream")
	}

	var video *mediastream.Track
	deadline := time.After(10 * time.Second)
	for video == nil {
		if vt := remote.VideoTracks(); len(vt) > 0 {
			video = vt[0]
			break
		}
		select {
		case <-deadline:
			t.Fatalf("remote stream has no video track")
		case <-time.After(20 * time.Millisecond):
		}
	}
	sub := video.Subscribe(32)
	select {
	case f := <-sub.Frames():
		if len(f.Data) == 0 {
			t.Fatalf("empty remote frame")
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for remote video frame")
	}

	select {
	case <-obsB.remote:
		t.Fatalf("remote stream announced twice")
	case <-time.After(200 * time.Millisecond):
	}
}

func relayCandidates(in <-chan webrtc.ICECandidateInit, to *Manager) {
	for c := range in {
		_ = to.AddRemoteCandidate(c)
	}
}

func TestManager_IllegalNegotiationCalls(t *testing.T) {
	p := newVNetPair(t)

	if err := p.a.AcceptAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}); !errors.Is(err, ErrInvalidNegotiationState) {
		t.Fatalf("AcceptAnswer without connection err=%v, want ErrInvalidNegotiationState", err)
	}

	conn, err := p.a.CreateConnection(RoleOfferer, nil)
	if err != nil {
		t.Fatalf("create connection: %v", err)
	}
	if err := p.a.AcceptAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}); !errors.Is(err, ErrInvalidNegotiationState) {
		t.Fatalf("AcceptAnswer before offer err=%v, want ErrInvalidNegotiationState", err)
	}
	if conn.State() != StateNew {
		t.Fatalf("state=%s, want %s", conn.State(), StateNew)
	}
	if _, err := p.a.AcceptOffer(context.Background(), webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}, "x"); !errors.Is(err, ErrInvalidNegotiationState) {
		t.Fatalf("AcceptOffer as offerer err=%v, want ErrInvalidNegotiationState", err)
	}

	if _, err := p.a.CreateOffer(context.Background(), "b"); err != nil {
		t.Fatalf("create offer: %v", err)
	}
	if _, err := p.a.CreateOffer(context.Background(), "b"); !errors.Is(err, ErrInvalidNegotiationState) {
		t.Fatalf("second CreateOffer err=%v, want ErrInvalidNegotiationState", err)
	}
	if conn.State() != StateOfferSent {
		t.Fatalf("state=%s, want %s", conn.State(), StateOfferSent)
	}

	answerer, err := p.b.CreateConnection(RoleAnswerer, nil)
	if err != nil {
		t.Fatalf("create answerer: %v", err)
	}
	if _, err := answerer.CreateOffer(context.Background(), "a"); !errors.Is(err, ErrInvalidNegotiationState) {
		t.Fatalf("CreateOffer as answerer err=%v, want ErrInvalidNegotiationState", err)
	}
}

func TestManager_ReplaceClosesPreviousConnection(t *testing.T) {
	p := newVNetPair(t)
	obsA := observe(t, p.a)

	first, err := p.a.CreateConnection(RoleOfferer, nil)
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	if err := p.a.AddRemoteCandidate(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.9 9 typ host"}); err != nil {
		t.Fatalf("add candidate: %v", err)
	}

	second, err := p.a.CreateConnection(RoleAnswerer, nil)
	if err != nil {
		t.Fatalf("create second: %v", err)
	}
	if first.State() != StateClosed {
		t.Fatalf("first state=%s, want %s", first.State(), StateClosed)
	}
	if p.a.Connection() != second {
		t.Fatalf("current connection was not replaced")
	}
	if second.PendingCandidates() != 0 {
		t.Fatalf("candidates for the first connection leaked into the second")
	}

	// The closed connection produces no further events.
	if _, err := first.CreateOffer(context.Background(), "x"); !errors.Is(err, ErrInvalidNegotiationState) {
		t.Fatalf("CreateOffer on closed connection err=%v", err)
	}
	select {
	case c := <-obsA.candidates:
		t.Fatalf("unexpected candidate from closed connection: %v", c)
	case <-time.After(300 * time.Millisecond):
	}

	if err := p.a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := second.Close(); err != nil {
		t.Fatalf("second close should be a no-op, got %v", err)
	}
	if p.a.State() != StateClosed {
		t.Fatalf("manager state=%s, want %s", p.a.State(), StateClosed)
	}
}
