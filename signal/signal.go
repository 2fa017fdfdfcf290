package signal

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/opd-ai/famcall/identity"
	"github.com/opd-ai/famcall/media"
)

// Kind identifies what step of the call exchange a signal carries.
type Kind string

const (
	// KindCallRequest rings every device of the family. Broadcast only.
	KindCallRequest Kind = "call-request"
	// KindCallAccept resolves the responder for an outgoing call. Direct.
	KindCallAccept Kind = "call-accept"
	// KindCallReject declines an incoming call. Direct.
	KindCallReject Kind = "call-reject"
	// KindCallEnd tears down a call, or cancels an unanswered broadcast one.
	KindCallEnd Kind = "call-end"
	// KindOffer carries the initiator's session description. Direct.
	KindOffer Kind = "offer"
	// KindAnswer carries the responder's session description. Direct.
	KindAnswer Kind = "answer"
	// KindICECandidate carries one ICE candidate. Direct.
	KindICECandidate Kind = "ice-candidate"
)

// Valid reports whether k is a known signal kind.
func (k Kind) Valid() bool {
	switch k {
	case KindCallRequest, KindCallAccept, KindCallReject, KindCallEnd,
		KindOffer, KindAnswer, KindICECandidate:
		return true
	}
	return false
}

// Recipient is the tagged address of a signal: either the whole group or one
// specific participant. Modeling the two scopes explicitly keeps broadcast
// and direct addressing from ever being confused on the wire.
type Recipient struct {
	group       identity.GroupID
	participant identity.ParticipantID
}

// Broadcast addresses every device belonging to the group.
func Broadcast(g identity.GroupID) Recipient {
	return Recipient{group: g}
}

// Direct addresses one specific participant instance.
func Direct(p identity.ParticipantID) Recipient {
	return Recipient{participant: p}
}

// IsBroadcast reports whether the recipient is the whole group.
func (r Recipient) IsBroadcast() bool {
	return r.group != ""
}

// IsDirect reports whether the recipient is a single participant.
func (r Recipient) IsDirect() bool {
	return r.participant != ""
}

// Group returns the group identity of a broadcast recipient.
func (r Recipient) Group() identity.GroupID {
	return r.group
}

// Participant returns the participant identity of a direct recipient.
func (r Recipient) Participant() identity.ParticipantID {
	return r.participant
}

// Matches reports whether a signal with this recipient should be delivered
// to the given instance identity.
func (r Recipient) Matches(id identity.Identity) bool {
	if r.IsBroadcast() {
		return r.group == id.Group
	}
	return r.participant == id.Participant
}

// String renders the recipient for logging.
func (r Recipient) String() string {
	if r.IsBroadcast() {
		return "group:" + string(r.group)
	}
	return "participant:" + string(r.participant)
}

type recipientWire struct {
	Scope string `json:"scope"`
	ID    string `json:"id"`
}

// MarshalJSON encodes the recipient as a tagged {scope, id} pair.
func (r Recipient) MarshalJSON() ([]byte, error) {
	w := recipientWire{}
	switch {
	case r.IsBroadcast():
		w.Scope = "group"
		w.ID = string(r.group)
	case r.IsDirect():
		w.Scope = "participant"
		w.ID = string(r.participant)
	default:
		return nil, ErrMalformedSignal
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a tagged {scope, id} pair.
func (r *Recipient) UnmarshalJSON(data []byte) error {
	var w recipientWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.ID == "" {
		return fmt.Errorf("%w: empty recipient id", ErrMalformedSignal)
	}
	switch w.Scope {
	case "group":
		*r = Broadcast(identity.GroupID(w.ID))
	case "participant":
		*r = Direct(identity.ParticipantID(w.ID))
	default:
		return fmt.Errorf("%w: unknown recipient scope %q", ErrMalformedSignal, w.Scope)
	}
	return nil
}

// Payload is the kind-specific body of a signal, always tagged with the
// sender's participant identity so responders can address replies.
type Payload struct {
	From        identity.ParticipantID     `json:"from"`
	DisplayName string                     `json:"displayName,omitempty"`
	Description *webrtc.SessionDescription `json:"description,omitempty"`
	Candidate   *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// Signal is one immutable record exchanged over the transport.
type Signal struct {
	ID        string                 `json:"id"`
	Sender    identity.ParticipantID `json:"sender"`
	Recipient Recipient              `json:"recipient"`
	Kind      Kind                   `json:"kind"`
	Media     media.Kind             `json:"media"`
	Payload   Payload                `json:"payload"`
	CreatedAt time.Time              `json:"createdAt"`
}

// Compose builds a signal from this instance to the given recipient. The
// payload's From field is forced to the sender; a signal never claims to
// originate elsewhere.
func Compose(self identity.Identity, to Recipient, kind Kind, mediaKind media.Kind, payload Payload) *Signal {
	payload.From = self.Participant
	if payload.DisplayName == "" {
		payload.DisplayName = self.DisplayName
	}
	return &Signal{
		ID:        uuid.NewString(),
		Sender:    self.Participant,
		Recipient: to,
		Kind:      kind,
		Media:     mediaKind,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
}

// Validate checks structural well-formedness. Malformed signals are dropped
// by consumers without aborting the session.
func (s *Signal) Validate() error {
	if s == nil {
		return ErrMalformedSignal
	}
	if !s.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedSignal, s.Kind)
	}
	if s.Sender == "" {
		return fmt.Errorf("%w: missing sender", ErrMalformedSignal)
	}
	if !s.Recipient.IsBroadcast() && !s.Recipient.IsDirect() {
		return fmt.Errorf("%w: missing recipient", ErrMalformedSignal)
	}
	if !s.Media.Valid() {
		return fmt.Errorf("%w: invalid media kind %q", ErrMalformedSignal, s.Media)
	}

	switch s.Kind {
	case KindCallRequest:
		if !s.Recipient.IsBroadcast() {
			return fmt.Errorf("%w: call-request must be broadcast", ErrMalformedSignal)
		}
	case KindOffer, KindAnswer:
		if s.Payload.Description == nil {
			return fmt.Errorf("%w: %s without session description", ErrMalformedSignal, s.Kind)
		}
		if !s.Recipient.IsDirect() {
			return fmt.Errorf("%w: %s must be direct", ErrMalformedSignal, s.Kind)
		}
	case KindICECandidate:
		if s.Payload.Candidate == nil {
			return fmt.Errorf("%w: ice-candidate without candidate", ErrMalformedSignal)
		}
		if !s.Recipient.IsDirect() {
			return fmt.Errorf("%w: ice-candidate must be direct", ErrMalformedSignal)
		}
	case KindCallAccept, KindCallReject:
		if !s.Recipient.IsDirect() {
			return fmt.Errorf("%w: %s must be direct", ErrMalformedSignal, s.Kind)
		}
	}

	return nil
}
