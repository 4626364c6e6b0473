package session

import "github.com/wilsonzlin/meetflow/internal/webrtcpeer"

// Notification is delivered on Controller.Notifications.
type Notification interface {
	isNotification()
}

type RemoteJoined struct {
	Participant Participant
}

type RemoteLeft struct {
	Participant Participant
}

// RemoteStreamReady fires when the remote participant's media arrives.
type RemoteStreamReady struct {
	StreamID string
}

type PeerStateChanged struct {
	State webrtcpeer.State
}

// RecordingSaved reports a recording stopped by the session itself, for
// example because the remote participant left.
type RecordingSaved struct {
	Artifacts []SavedArtifact
	Err       error
}

// SignalingError relays an error frame from the relay.
type SignalingError struct {
	Code    string
	Message string
}

func (RemoteJoined) isNotification()      {}
func (RemoteLeft) isNotification()        {}
func (RemoteStreamReady) isNotification() {}
func (PeerStateChanged) isNotification()  {}
func (RecordingSaved) isNotification()    {}
func (SignalingError) isNotification()    {}
