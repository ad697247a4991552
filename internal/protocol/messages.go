// Package protocol models the signaling wire surface: one JSON envelope per
// frame, tagged by type. It deliberately carries SDP and candidate payloads
// opaquely so the relay can route without inspecting session contents.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"

	"github.com/vberezin/dialtone/internal/core"
	"github.com/vberezin/dialtone/internal/domain"
)

type MessageType string

const (
	// client -> server
	TypeRegister  MessageType = "register"
	TypeInvite    MessageType = "invite"
	TypeAccept    MessageType = "accept"
	TypeCandidate MessageType = "candidate"
	TypeEnd       MessageType = "end"
	TypePing      MessageType = "ping"

	// server -> client
	TypeRegistered       MessageType = "registered"
	TypePresenceSnapshot MessageType = "presence_snapshot"
	TypePresence         MessageType = "presence"
	TypeCancel           MessageType = "cancel"
	TypeUnreachable      MessageType = "unreachable"
	TypeError            MessageType = "error"
	TypePong             MessageType = "pong"
)

// Error codes carried in the Code field of TypeError replies.
const (
	CodeBadPayload       = "bad_payload"
	CodeGroupUnsupported = "group_calls_unsupported"
	CodeAlreadyPaired    = "already_paired"
	CodeNoInvite         = "no_invite"
	CodeRateLimited      = "rate_limited"
	CodeNotRegistered    = "not_registered"
	CodeUnknownType      = "unknown_type"
)

// Reasons carried in TypeUnreachable replies.
const (
	ReasonOffline = "offline"
	ReasonBusy    = "busy"
)

// SessionDescription is a JSON-friendly SDP offer/answer, compatible with
// what a browser's RTCSessionDescription serializes to.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SessionDescription {
	return SessionDescription{Type: desc.Type.String(), SDP: desc.SDP}
}

func (s SessionDescription) ToPion() (webrtc.SessionDescription, error) {
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

// Candidate is a discovered network path description, field-compatible with
// RTCIceCandidateInit.
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

// Message is the whole union. Which fields are meaningful depends on Type;
// Validate enforces the per-type shape on inbound traffic.
type Message struct {
	Type MessageType `json:"type"`

	Identity domain.Identity    `json:"identity,omitempty"`
	Online   *bool              `json:"online,omitempty"`
	Contacts []core.PresenceState `json:"contacts,omitempty"`

	From     domain.Identity    `json:"from,omitempty"`
	FromConn core.ConnID        `json:"from_conn,omitempty"`
	To       *domain.CallTarget `json:"to,omitempty"`
	ToConn   core.ConnID        `json:"to_conn,omitempty"`
	Conn     core.ConnID        `json:"conn,omitempty"`

	Media     domain.MediaKind    `json:"media,omitempty"`
	Offer     *SessionDescription `json:"offer,omitempty"`
	Answer    *SessionDescription `json:"answer,omitempty"`
	Candidate *Candidate          `json:"candidate,omitempty"`

	Reason  string `json:"reason,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Parse decodes one inbound frame strictly: unknown fields and trailing data
// are rejected so a malformed client fails loudly instead of being half-read.
func Parse(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("unexpected trailing data")
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// ParseServerMessage decodes one relay -> client frame with the same strict
// decoding as Parse but without the client-side shape rules. Clients use it
// on their inbound path.
func ParseServerMessage(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("unexpected trailing data")
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("frame missing type")
	}
	return msg, nil
}

// Validate checks the shape of a client -> server message. Server -> client
// types are rejected here: clients must not be able to spoof relay traffic.
func (m Message) Validate() error {
	switch m.Type {
	case TypeRegister:
		return m.Identity.Validate()
	case TypeInvite:
		if m.To == nil {
			return fmt.Errorf("invite missing to")
		}
		if err := m.To.Validate(); err != nil {
			return err
		}
		if err := m.Media.Validate(); err != nil {
			return err
		}
		if m.Offer == nil || m.Offer.SDP == "" {
			return fmt.Errorf("invite missing offer")
		}
		if m.Offer.Type != "offer" {
			return fmt.Errorf("invite has offer.type=%q", m.Offer.Type)
		}
		return nil
	case TypeAccept:
		if m.ToConn == "" {
			return fmt.Errorf("accept missing to_conn")
		}
		if m.Answer == nil || m.Answer.SDP == "" {
			return fmt.Errorf("accept missing answer")
		}
		if m.Answer.Type != "answer" {
			return fmt.Errorf("accept has answer.type=%q", m.Answer.Type)
		}
		return nil
	case TypeCandidate:
		if m.ToConn == "" {
			return fmt.Errorf("candidate missing to_conn")
		}
		if m.Candidate == nil || m.Candidate.Candidate == "" {
			return fmt.Errorf("candidate missing candidate")
		}
		return nil
	case TypeEnd:
		// to_conn may be empty: a caller abandoning a still-ringing invite
		// has no peer connection to name yet.
		return nil
	case TypePing:
		return nil
	}
	return fmt.Errorf("%s: %q", CodeUnknownType, m.Type)
}

// Encode marshals an outbound message into a wire frame.
func Encode(m Message) (core.Frame, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type, err)
	}
	return core.Frame(b), nil
}
