package call

import (
	"time"

	"github.com/opd-ai/famcall/identity"
	"github.com/opd-ai/famcall/media"
)

// State is the call machine's lifecycle position.
type State int

const (
	// StateIdle means no call is active or pending.
	StateIdle State = iota
	// StateOutgoingRinging means a call-request was (or is about to be)
	// broadcast and no responder has accepted yet.
	StateOutgoingRinging
	// StateIncomingRinging means another family device is calling.
	StateIncomingRinging
	// StateConnecting means both parties are known and the offer/answer
	// exchange is in flight.
	StateConnecting
	// StateConnected means the peer connection reported connectivity.
	StateConnected
)

// String renders the state for logging.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOutgoingRinging:
		return "outgoing-ringing"
	case StateIncomingRinging:
		return "incoming-ringing"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Role distinguishes which side of the call this instance is.
type Role int

const (
	// RoleInitiator broadcast the call-request and will send the offer.
	RoleInitiator Role = iota
	// RoleResponder accepted the call-request and will send the answer.
	RoleResponder
)

// String renders the role for logging.
func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

// Session is the single active or pending call. The machine is its sole
// writer; accessors hand out copies.
type Session struct {
	// ID is locally generated and never shared; async continuations carry
	// it so stale results can be discarded.
	ID string

	// Remote is the other party. Empty on the initiator side until a
	// call-accept resolves the responder.
	Remote     identity.ParticipantID
	RemoteName string

	Media     media.Kind
	Role      Role
	StartedAt time.Time
}

// IncomingOffer is a received call-request held until the user accepts or
// rejects it. It becomes a Session only on accept.
type IncomingOffer struct {
	From        identity.ParticipantID
	DisplayName string
	Media       media.Kind
	ReceivedAt  time.Time
}

// Sounder is the hook surface for ringback, alert, and connect tones.
// Playback itself is outside the core; implementations bridge to the
// platform's audio output.
type Sounder interface {
	// StartRingback plays the outgoing-call tone.
	StartRingback()
	// StartAlert plays the incoming-call ring.
	StartAlert()
	// ConnectedTone plays a short confirmation on connect.
	ConnectedTone()
	// StopAll silences everything. Called from cleanup, so it must be
	// idempotent.
	StopAll()
}

// NopSounder is the default silent Sounder.
type NopSounder struct{}

// StartRingback implements Sounder.
func (NopSounder) StartRingback() {}

// StartAlert implements Sounder.
func (NopSounder) StartAlert() {}

// ConnectedTone implements Sounder.
func (NopSounder) ConnectedTone() {}

// StopAll implements Sounder.
func (NopSounder) StopAll() {}
