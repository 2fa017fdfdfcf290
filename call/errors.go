package call

import "errors"

// Terminal call errors, surfaced through LastError and cleared on the next
// user action.
var (
	// ErrMediaAcquisition indicates the camera or microphone could not be
	// acquired. Aborts the call attempt.
	ErrMediaAcquisition = errors.New("local media acquisition failed")

	// ErrNoAnswer indicates nobody accepted before the ring timeout.
	ErrNoAnswer = errors.New("no answer")

	// ErrRemoteRejected indicates the remote party declined the call.
	ErrRemoteRejected = errors.New("call rejected by remote party")

	// ErrNegotiationFailed indicates the peer connection failed and the
	// single ICE restart did not recover it.
	ErrNegotiationFailed = errors.New("connection negotiation failed")
)

// Guard errors returned synchronously from user actions.
var (
	// ErrCallAlreadyActive indicates a call is already active or pending.
	ErrCallAlreadyActive = errors.New("a call is already active")

	// ErrNoIncomingCall indicates there is no incoming call to accept or
	// reject.
	ErrNoIncomingCall = errors.New("no incoming call")

	// ErrNoActiveCall indicates there is no call to act on.
	ErrNoActiveCall = errors.New("no active call")

	// ErrNotRunning indicates the machine has not been started.
	ErrNotRunning = errors.New("call machine is not running")

	// ErrAlreadyRunning indicates Start was called twice.
	ErrAlreadyRunning = errors.New("call machine is already running")
)
