package session

import (
	"context"

	"github.com/wilsonzlin/meetflow/internal/signaling"
	"github.com/wilsonzlin/meetflow/internal/webrtcpeer"
)

func (c *Controller) handleSignal(msg signaling.Message) {
	switch msg.Type {
	case signaling.MessageTypeUserJoined:
		c.onUserJoined(msg)
	case signaling.MessageTypeOffer:
		c.onOffer(msg)
	case signaling.MessageTypeAnswer:
		answer, err := msg.Answer.ToPion()
		if err == nil {
			err = c.peers.AcceptAnswer(answer)
		}
		if err != nil {
			c.logger.Warn("dropping answer", "from", msg.From, "err", err)
		}
	case signaling.MessageTypeCandidate:
		if err := c.peers.AddRemoteCandidate(msg.Candidate.ToPion()); err != nil {
			c.logger.Warn("dropping remote candidate", "from", msg.From, "err", err)
		}
	case signaling.MessageTypeUserLeft:
		c.onUserLeft(msg)
	case signaling.MessageTypeError:
		c.logger.Warn("signaling error", "code", msg.Code, "message", msg.Message)
		c.notify(SignalingError{Code: msg.Code, Message: msg.Message})
	default:
		c.logger.Debug("ignoring signaling message", "type", msg.Type)
	}
}

// onUserJoined makes this participant the offerer towards the newcomer.
func (c *Controller) onUserJoined(msg signaling.Message) {
	p := Participant{UserID: msg.UserID, UserName: msg.UserName, EndpointID: msg.EndpointID}
	c.setRemote(p)
	c.logger.Info("participant joined", "remote_user_id", p.UserID, "remote_user_name", p.UserName)
	c.notify(RemoteJoined{Participant: p})

	c.remoteStream = nil
	if _, err := c.peers.CreateConnection(webrtcpeer.RoleOfferer, c.local); err != nil {
		c.logger.Error("create peer connection", "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, negotiationTimeout)
	defer cancel()
	offer, err := c.peers.CreateOffer(ctx, p.EndpointID)
	if err != nil {
		c.logger.Error("create offer", "err", err)
		return
	}
	if err := c.sig.Send(signaling.Message{
		Type:     signaling.MessageTypeOffer,
		MeetID:   c.meetID,
		Offer:    ptr(signaling.SDPFromPion(offer)),
		To:       p.EndpointID,
		UserID:   c.userID,
		UserName: c.userName,
	}); err != nil {
		c.logger.Warn("send offer", "err", err)
	}
}

func (c *Controller) onOffer(msg signaling.Message) {
	offer, err := msg.Offer.ToPion()
	if err != nil {
		c.logger.Warn("dropping offer", "from", msg.From, "err", err)
		return
	}

	p := Participant{UserID: msg.UserID, UserName: msg.UserName, EndpointID: msg.From}
	if c.remote != nil && c.remote.EndpointID == msg.From {
		if p.UserID == "" {
			p.UserID = c.remote.UserID
		}
		if p.UserName == "" {
			p.UserName = c.remote.UserName
		}
	}
	c.setRemote(p)

	c.remoteStream = nil
	if _, err := c.peers.CreateConnection(webrtcpeer.RoleAnswerer, c.local); err != nil {
		c.logger.Error("create peer connection", "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, negotiationTimeout)
	defer cancel()
	answer, err := c.peers.AcceptOffer(ctx, offer, msg.From)
	if err != nil {
		c.logger.Warn("accept offer", "from", msg.From, "err", err)
		return
	}
	if err := c.sig.Send(signaling.Message{
		Type:   signaling.MessageTypeAnswer,
		MeetID: c.meetID,
		Answer: ptr(signaling.SDPFromPion(answer)),
		To:     msg.From,
	}); err != nil {
		c.logger.Warn("send answer", "err", err)
	}
}

// onUserLeft saves any recording before the remote side is torn down, so
// the remote slots still have their owner.
func (c *Controller) onUserLeft(msg signaling.Message) {
	if c.remote == nil || (msg.EndpointID != "" && msg.EndpointID != c.remote.EndpointID) {
		c.logger.Debug("ignoring user-left for unknown participant", "remote_user_id", msg.UserID)
		return
	}
	left := *c.remote
	c.logger.Info("participant left", "remote_user_id", left.UserID)

	if c.recorder.Active() {
		ctx, cancel := context.WithTimeout(c.ctx, c.stopTimeout)
		saved, err := c.stopRecording(ctx)
		cancel()
		c.notify(RecordingSaved{Artifacts: saved, Err: err})
	}

	c.clearRemote()
	if err := c.peers.Close(); err != nil {
		c.logger.Debug("close peer connection", "err", err)
	}
	c.notify(RemoteLeft{Participant: left})
}

func (c *Controller) handlePeerEvent(ev webrtcpeer.Event) {
	switch ev := ev.(type) {
	case webrtcpeer.RemoteStreamEvent:
		c.remoteStream = ev.Stream
		c.logger.Info("remote stream ready", "stream_id", ev.Stream.ID())
		c.notify(RemoteStreamReady{StreamID: ev.Stream.ID()})
	case webrtcpeer.LocalCandidateEvent:
		cand := signaling.CandidateFromPion(ev.Candidate)
		if err := c.sig.Send(signaling.Message{
			Type:      signaling.MessageTypeCandidate,
			MeetID:    c.meetID,
			Candidate: &cand,
			To:        ev.To,
		}); err != nil {
			c.logger.Debug("send candidate", "err", err)
		}
	case webrtcpeer.StateEvent:
		c.logger.Info("peer connection state", "state", ev.State.String())
		c.notify(PeerStateChanged{State: ev.State})
	}
}

// setRemote records the other participant. A different participant replaces
// the old one along with its media.
func (c *Controller) setRemote(p Participant) {
	if c.remote != nil && c.remote.EndpointID != p.EndpointID {
		c.clearRemote()
	}
	c.remote = &p
}

func (c *Controller) clearRemote() {
	if c.combined != nil {
		if err := c.combined.Close(); err != nil {
			c.logger.Debug("close combined stream", "err", err)
		}
		c.combined = nil
	}
	c.remoteStream = nil
	c.remote = nil
}

func ptr[T any](v T) *T { return &v }
