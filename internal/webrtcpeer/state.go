package webrtcpeer

import (
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/meetflow/internal/mediastream"
)

var (
	// ErrInvalidNegotiationState is returned when an SDP operation is issued
	// in a state that does not permit it. The connection state is unchanged.
	ErrInvalidNegotiationState = errors.New("invalid negotiation state")
	ErrNoConnection            = errors.New("no peer connection")
)

// Role decides which side of the offer/answer exchange a connection plays.
type Role int

const (
	RoleOfferer Role = iota + 1
	RoleAnswerer
)

func (r Role) String() string {
	switch r {
	case RoleOfferer:
		return "offerer"
	case RoleAnswerer:
		return "answerer"
	default:
		return "unknown"
	}
}

type State int

const (
	StateNew State = iota
	StateOfferSent
	StateAnswerPending
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateOfferSent:
		return "offer-sent"
	case StateAnswerPending:
		return "answer-pending"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is delivered on Manager.Events.
type Event interface {
	isEvent()
}

// RemoteStreamEvent fires once per connection, on the first inbound track.
// Later tracks are added to the same stream.
type RemoteStreamEvent struct {
	Stream *mediastream.Stream
}

// LocalCandidateEvent carries a gathered candidate and the remote endpoint it
// must be routed to.
type LocalCandidateEvent struct {
	To        string
	Candidate webrtc.ICECandidateInit
}

type StateEvent struct {
	State State
}

func (RemoteStreamEvent) isEvent()   {}
func (LocalCandidateEvent) isEvent() {}
func (StateEvent) isEvent()          {}
