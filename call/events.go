package call

import (
	"github.com/pion/webrtc/v4"

	"github.com/opd-ai/famcall/media"
	"github.com/opd-ai/famcall/signal"
)

// event is the single inbound message type the loop consumes. Signals,
// user actions, peer connection events, timers, and resumed continuations
// all arrive through the same stream so the loop applies them one at a
// time.
type event interface {
	isEvent()
}

// signalEvent wraps one inbound signal from the transport subscription.
type signalEvent struct {
	sig *signal.Signal
}

// userAction enumerates the control surface operations.
type userAction int

const (
	actionStart userAction = iota
	actionAccept
	actionReject
	actionEnd
	actionToggleMute
	actionToggleVideo
)

// userEvent carries one user action into the loop. The loop answers on
// reply so guard failures surface synchronously to the caller.
type userEvent struct {
	action userAction
	media  media.Kind
	reply  chan error
}

// mediaAcquiredEvent resumes a suspended media acquisition. sessionID pins
// it to the session it was started for.
type mediaAcquiredEvent struct {
	sessionID string
	forAccept bool
	handle    *media.Handle
	err       error
}

// peerStateEvent reports a peer connection state change.
type peerStateEvent struct {
	sessionID string
	state     webrtc.PeerConnectionState
}

// remoteTrackEvent reports a remote media track surfaced by the peer
// connection.
type remoteTrackEvent struct {
	sessionID string
	track     *webrtc.TrackRemote
}

// ringTimeoutEvent fires when the outgoing ring timer elapses. The loop
// re-checks state on receipt; an accept that won the race makes this a
// no-op.
type ringTimeoutEvent struct {
	sessionID string
}

func (signalEvent) isEvent()        {}
func (userEvent) isEvent()          {}
func (mediaAcquiredEvent) isEvent() {}
func (peerStateEvent) isEvent()     {}
func (remoteTrackEvent) isEvent()   {}
func (ringTimeoutEvent) isEvent()   {}
