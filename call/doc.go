// Package call implements the call signaling state machine at the heart of
// famcall.
//
// A Machine owns the single current call: at most one session exists per
// client instance at any time, and every mutation of call state flows
// through one event loop goroutine. Inbound signals, user actions, peer
// connection events, the ring timer, and the results of suspended work
// (media acquisition, description exchange) all arrive as events and are
// applied one at a time through state-guarded transitions. Events that do
// not fit the current state are dropped silently, which is what makes the
// machine robust against the transport's reordering and duplication.
//
// # States
//
//	idle → outgoing-ringing → connecting → connected → idle
//	idle → incoming-ringing → connecting → connected → idle
//
// with a direct edge from any non-idle state back to idle on call-end,
// error, or timeout. Every terminal transition funnels through a single
// idempotent cleanup routine; no transition tears down a subset of
// resources by hand.
//
// # Suspension points
//
// Acquiring media, sending signals, and applying descriptions all happen
// off the loop. Their results are posted back tagged with the session ID
// they were started for; a result arriving after its session died is
// discarded rather than resurrecting it.
package call
