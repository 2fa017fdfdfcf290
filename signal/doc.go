// Package signal defines the immutable records exchanged between call
// participants and the dispatcher that delivers them.
//
// A Signal carries one step of the call control or negotiation exchange:
// ringing a family (call-request), resolving a responder (call-accept,
// call-reject), tearing down (call-end), or driving the peer connection
// (offer, answer, ice-candidate). Signals are write-once; consumers react to
// them and never mutate them.
//
// Addressing is explicit: a Recipient is either a broadcast to the whole
// group or a direct address to one participant. The broadcast form is used
// only to ring every family device and to cancel an unanswered outgoing
// call; everything after two parties know each other is direct.
//
// The Dispatcher provides attempted delivery over an acknowledgment-free
// transport: a fixed number of retries with exponential backoff, after which
// failure is logged and swallowed. Higher-level timeout and rejection logic
// is what surfaces failure to the user.
package signal
