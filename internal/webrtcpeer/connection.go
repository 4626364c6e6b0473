package webrtcpeer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/samplebuilder"

	"github.com/wilsonzlin/meetflow/internal/mediastream"
)

const (
	localTrackBuffer = 64

	videoMaxLate = 128
	audioMaxLate = 16

	rtcpBufferBytes = 1500
)

// Connection is one negotiated peer connection. All exported methods are safe
// for concurrent use, but negotiation is expected to be driven from a single
// goroutine.
type Connection struct {
	id     uint64
	role   Role
	pc     *webrtc.PeerConnection
	logger *slog.Logger
	emit   func(Event)

	mu             sync.Mutex
	state          State
	remoteEndpoint string
	remoteDescSet  bool
	pending        []webrtc.ICECandidateInit
	remote         *mediastream.Stream

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newConnection(api *webrtc.API, iceServers []webrtc.ICEServer, id uint64, role Role, local *mediastream.Stream, logger *slog.Logger, emit func(Event)) (*Connection, error) {
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	c := &Connection{
		id:     id,
		role:   role,
		pc:     pc,
		logger: logger.With("conn_id", id, "role", role.String()),
		emit:   emit,
		state:  StateNew,
		closed: make(chan struct{}),
	}

	if local != nil {
		for _, t := range local.Tracks() {
			if err := c.attachLocal(t, local.ID()); err != nil {
				_ = c.Close()
				return nil, err
			}
		}
	}

	pc.OnICECandidate(c.onICECandidate)
	pc.OnTrack(c.onTrack)
	pc.OnConnectionStateChange(c.onConnectionStateChange)
	return c, nil
}

func (c *Connection) ID() uint64 { return c.id }
func (c *Connection) Role() Role { return c.role }

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RemoteEndpoint is the signaling endpoint local candidates are routed to.
func (c *Connection) RemoteEndpoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteEndpoint
}

// RemoteStream returns the inbound stream, or nil before the first remote track.
func (c *Connection) RemoteStream() *mediastream.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

// CreateOffer creates and applies a local offer addressed to the given remote
// endpoint. Only a new offerer connection may offer.
func (c *Connection) CreateOffer(ctx context.Context, to string) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	if c.role != RoleOfferer || c.state != StateNew {
		st := c.state
		c.mu.Unlock()
		return webrtc.SessionDescription{}, fmt.Errorf("create offer as %s in state %s: %w", c.role, st, ErrInvalidNegotiationState)
	}
	c.state = StateOfferSent
	c.remoteEndpoint = to
	c.mu.Unlock()

	offer, err := c.negotiateOffer(ctx)
	if err != nil {
		c.revert(StateOfferSent, StateNew)
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (c *Connection) negotiateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	return offer, nil
}

// AcceptOffer applies a remote offer from the given endpoint and returns the
// applied answer. Only a new answerer connection may accept an offer.
func (c *Connection) AcceptOffer(ctx context.Context, offer webrtc.SessionDescription, from string) (webrtc.SessionDescription, error) {
	if offer.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("accept offer: got sdp type %s: %w", offer.Type, ErrInvalidNegotiationState)
	}
	c.mu.Lock()
	if c.role != RoleAnswerer || c.state != StateNew {
		st := c.state
		c.mu.Unlock()
		return webrtc.SessionDescription{}, fmt.Errorf("accept offer as %s in state %s: %w", c.role, st, ErrInvalidNegotiationState)
	}
	c.state = StateAnswerPending
	c.remoteEndpoint = from
	c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		c.revert(StateAnswerPending, StateNew)
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		c.revert(StateAnswerPending, StateNew)
		return webrtc.SessionDescription{}, fmt.Errorf("set remote offer: %w", err)
	}
	c.remoteDescriptionApplied()

	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	return answer, nil
}

// AcceptAnswer applies the remote answer to a previously sent offer.
func (c *Connection) AcceptAnswer(answer webrtc.SessionDescription) error {
	if answer.Type != webrtc.SDPTypeAnswer {
		return fmt.Errorf("accept answer: got sdp type %s: %w", answer.Type, ErrInvalidNegotiationState)
	}
	c.mu.Lock()
	if c.role != RoleOfferer || c.state != StateOfferSent || c.remoteDescSet {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("accept answer as %s in state %s: %w", c.role, st, ErrInvalidNegotiationState)
	}
	c.mu.Unlock()

	if err := c.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	c.remoteDescriptionApplied()
	return nil
}

// AddRemoteCandidate adds a trickled candidate, queueing it until a remote
// description has been applied. End-of-candidates markers are ignored.
func (c *Connection) AddRemoteCandidate(cand webrtc.ICECandidateInit) error {
	if cand.Candidate == "" {
		return nil
	}
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return fmt.Errorf("add candidate to closed connection: %w", ErrInvalidNegotiationState)
	}
	if !c.remoteDescSet {
		c.pending = append(c.pending, cand)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.pc.AddICECandidate(cand); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// PendingCandidates reports how many remote candidates are waiting for a
// remote description.
func (c *Connection) PendingCandidates() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Connection) remoteDescriptionApplied() {
	c.mu.Lock()
	c.remoteDescSet = true
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, cand := range pending {
		if err := c.pc.AddICECandidate(cand); err != nil {
			c.logger.Warn("queued ice candidate rejected", "err", err)
		}
	}
	if len(pending) > 0 {
		c.logger.Debug("flushed queued ice candidates", "count", len(pending))
	}
}

func (c *Connection) revert(from, to State) {
	c.mu.Lock()
	if c.state == from {
		c.state = to
	}
	c.mu.Unlock()
}

// Close tears the connection down. It is terminal and idempotent; no events
// are emitted afterwards.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		c.pending = nil
		remote := c.remote
		c.mu.Unlock()

		close(c.closed)
		c.pc.OnICECandidate(func(*webrtc.ICECandidate) {})
		c.pc.OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver) {})
		c.pc.OnConnectionStateChange(func(webrtc.PeerConnectionState) {})
		err = c.pc.Close()

		c.wg.Wait()
		remote.Stop()
	})
	return err
}

func (c *Connection) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Connection) onICECandidate(cand *webrtc.ICECandidate) {
	if cand == nil || c.isClosed() {
		return
	}
	c.emit(LocalCandidateEvent{To: c.RemoteEndpoint(), Candidate: cand.ToJSON()})
}

func (c *Connection) onConnectionStateChange(s webrtc.PeerConnectionState) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	prev := c.state
	switch s {
	case webrtc.PeerConnectionStateConnected:
		c.state = StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		if prev == StateConnected {
			c.state = StateDisconnected
		}
	case webrtc.PeerConnectionStateFailed:
		c.state = StateFailed
	case webrtc.PeerConnectionStateClosed:
		c.state = StateClosed
	}
	next := c.state
	c.mu.Unlock()

	if next == prev {
		return
	}
	c.logger.Debug("peer connection state changed", "from", prev.String(), "to", next.String(), "pion_state", s.String())
	c.emit(StateEvent{State: next})
}

func (c *Connection) attachLocal(t *mediastream.Track, streamID string) error {
	codec := t.Codec()
	if !codec.Is(webrtc.MimeTypeVP8) && !codec.Is(webrtc.MimeTypeOpus) {
		c.logger.Warn("local track not transportable, skipping", "track_id", t.ID(), "mime_type", codec.MimeType)
		return nil
	}

	out, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: codec.MimeType}, t.ID(), streamID)
	if err != nil {
		return fmt.Errorf("new local track %s: %w", t.ID(), err)
	}
	sender, err := c.pc.AddTrack(out)
	if err != nil {
		return fmt.Errorf("add local track %s: %w", t.ID(), err)
	}

	sub := t.Subscribe(localTrackBuffer)
	c.wg.Add(2)
	go c.drainRTCP(sender)
	go c.pumpLocal(sub, out)
	return nil
}

// drainRTCP keeps the sender's interceptors fed until the connection closes.
func (c *Connection) drainRTCP(sender *webrtc.RTPSender) {
	defer c.wg.Done()
	buf := make([]byte, rtcpBufferBytes)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (c *Connection) pumpLocal(sub *mediastream.Subscription, out *webrtc.TrackLocalStaticSample) {
	defer c.wg.Done()
	defer sub.Close()
	for {
		select {
		case <-c.closed:
			return
		case f, ok := <-sub.Frames():
			if !ok {
				return
			}
			err := out.WriteSample(media.Sample{Data: f.Data, Duration: f.Duration})
			if err != nil && !errors.Is(err, io.ErrClosedPipe) {
				c.logger.Debug("write local sample failed", "track_id", out.ID(), "err", err)
			}
		}
	}
}

func (c *Connection) onTrack(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	params := tr.Codec()
	track := mediastream.NewTrack(tr.ID(), mediastream.Codec{
		MimeType:  params.MimeType,
		ClockRate: params.ClockRate,
		Channels:  params.Channels,
	})

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	first := c.remote == nil
	if first {
		c.remote = mediastream.NewStream(tr.StreamID())
	}
	c.remote.AddTrack(track)
	stream := c.remote
	c.wg.Add(1)
	c.mu.Unlock()

	c.logger.Info("remote track", "track_id", tr.ID(), "kind", tr.Kind().String(), "mime_type", params.MimeType)
	go c.readRemote(tr, track)
	if first {
		c.emit(RemoteStreamEvent{Stream: stream})
	}
}

// readRemote reassembles RTP into samples until the track or connection ends.
func (c *Connection) readRemote(tr *webrtc.TrackRemote, track *mediastream.Track) {
	defer c.wg.Done()
	defer track.Stop()

	codec := track.Codec()
	var (
		depacketizer rtp.Depacketizer
		maxLate      uint16
	)
	switch {
	case codec.Is(webrtc.MimeTypeVP8):
		depacketizer, maxLate = &codecs.VP8Packet{}, videoMaxLate
	case codec.Is(webrtc.MimeTypeOpus):
		depacketizer, maxLate = &codecs.OpusPacket{}, audioMaxLate
	}
	if depacketizer == nil || codec.ClockRate == 0 {
		c.logger.Warn("unsupported remote codec, discarding", "mime_type", codec.MimeType)
		for {
			if _, _, err := tr.ReadRTP(); err != nil {
				return
			}
		}
	}

	sb := samplebuilder.New(maxLate, depacketizer, codec.ClockRate)
	var (
		base    uint32
		started bool
	)
	for {
		pkt, _, err := tr.ReadRTP()
		if err != nil {
			return
		}
		sb.Push(pkt)
		for s := sb.Pop(); s != nil; s = sb.Pop() {
			if !started {
				base, started = s.PacketTimestamp, true
			}
			offset := time.Duration(uint64(s.PacketTimestamp-base) * uint64(time.Second) / uint64(codec.ClockRate))
			_ = track.WriteFrame(mediastream.Frame{
				Data:      s.Data,
				Timestamp: offset,
				Duration:  s.Duration,
				Keyframe:  codec.Kind() == mediastream.KindAudio || isVP8Keyframe(s.Data),
			})
		}
	}
}

func isVP8Keyframe(b []byte) bool {
	return len(b) > 0 && b[0]&0x01 == 0
}
