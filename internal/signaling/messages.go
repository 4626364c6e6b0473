package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

type MessageType string

const (
	MessageTypeJoin       MessageType = "join"
	MessageTypeUserJoined MessageType = "user-joined"
	MessageTypeOffer      MessageType = "offer"
	MessageTypeAnswer     MessageType = "answer"
	MessageTypeCandidate  MessageType = "ice-candidate"
	MessageTypeLeave      MessageType = "leave"
	MessageTypeUserLeft   MessageType = "user-left"
	MessageTypeError      MessageType = "error"
)

// Error codes carried by error messages.
const (
	CodeBadMessage    = "bad_message"
	CodeRoomFull      = "room_full"
	CodeRateLimited   = "rate_limited"
	CodeNotJoined     = "not_joined"
	CodeUnknownTarget = "unknown_target"
)

type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SDP {
	return SDP{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Message is the single envelope for every signaling frame. Which fields may
// be set depends on Type; see ParseMessage.
type Message struct {
	Type MessageType `json:"type"`

	MeetID     string `json:"meetId,omitempty"`
	UserID     string `json:"userId,omitempty"`
	UserName   string `json:"userName,omitempty"`
	EndpointID string `json:"endpointId,omitempty"`

	Offer     *SDP       `json:"offer,omitempty"`
	Answer    *SDP       `json:"answer,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`

	To   string `json:"to,omitempty"`
	From string `json:"from,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ParseMessage decodes one frame, rejecting unknown fields, trailing data and
// fields that do not belong to the message type.
func ParseMessage(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, err
	}
	if err := msg.validate(); err != nil {
		return Message{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("unexpected trailing data")
	}
	return msg, nil
}

type field uint16

const (
	fieldMeetID field = 1 << iota
	fieldUserID
	fieldUserName
	fieldEndpointID
	fieldOffer
	fieldAnswer
	fieldCandidate
	fieldTo
	fieldFrom
	fieldCode
	fieldMessage
)

func (m Message) present() field {
	var f field
	set := func(ok bool, bit field) {
		if ok {
			f |= bit
		}
	}
	set(m.MeetID != "", fieldMeetID)
	set(m.UserID != "", fieldUserID)
	set(m.UserName != "", fieldUserName)
	set(m.EndpointID != "", fieldEndpointID)
	set(m.Offer != nil, fieldOffer)
	set(m.Answer != nil, fieldAnswer)
	set(m.Candidate != nil, fieldCandidate)
	set(m.To != "", fieldTo)
	set(m.From != "", fieldFrom)
	set(m.Code != "", fieldCode)
	set(m.Message != "", fieldMessage)
	return f
}

// required and optional fields per type. Anything else is rejected.
var messageFields = map[MessageType]struct{ required, optional field }{
	MessageTypeJoin:       {fieldMeetID | fieldUserID, fieldUserName},
	MessageTypeUserJoined: {fieldUserID | fieldEndpointID, fieldUserName | fieldMeetID},
	MessageTypeOffer:      {fieldOffer, fieldMeetID | fieldTo | fieldFrom | fieldUserID | fieldUserName},
	MessageTypeAnswer:     {fieldAnswer, fieldMeetID | fieldTo | fieldFrom},
	MessageTypeCandidate:  {fieldCandidate, fieldMeetID | fieldTo | fieldFrom},
	MessageTypeLeave:      {0, fieldMeetID | fieldUserID},
	MessageTypeUserLeft:   {fieldUserID, fieldEndpointID | fieldMeetID},
	MessageTypeError:      {fieldCode | fieldMessage, 0},
}

func (m Message) validate() error {
	rule, ok := messageFields[m.Type]
	if !ok {
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	have := m.present()
	if missing := rule.required &^ have; missing != 0 {
		return fmt.Errorf("%s message missing %s", m.Type, missing)
	}
	if extra := have &^ (rule.required | rule.optional); extra != 0 {
		return fmt.Errorf("%s message has unexpected fields: %s", m.Type, extra)
	}

	switch m.Type {
	case MessageTypeOffer:
		if m.Offer.Type != "offer" {
			return fmt.Errorf("offer message has sdp.type=%q", m.Offer.Type)
		}
	case MessageTypeAnswer:
		if m.Answer.Type != "answer" {
			return fmt.Errorf("answer message has sdp.type=%q", m.Answer.Type)
		}
	}
	return nil
}

var fieldNames = []string{"meetId", "userId", "userName", "endpointId", "offer", "answer", "candidate", "to", "from", "code", "message"}

func (f field) String() string {
	var buf bytes.Buffer
	for i, name := range fieldNames {
		if f&(1<<i) == 0 {
			continue
		}
		if buf.Len() > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(name)
	}
	return buf.String()
}
