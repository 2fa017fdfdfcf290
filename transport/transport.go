// Package transport defines the signal transport contract the call core
// depends on, and nothing else. The transport is an append-only log of
// signals consumed through a filtered subscription: an instance receives
// every signal addressed to its group identity or its participant identity.
//
// The contract is deliberately weak. Delivery is at-least-once within a
// best-effort window, ordering across signals is not guaranteed, and there
// is no acknowledgment channel back to the sender. The call core's staleness
// filtering and candidate buffering are designed around exactly these
// guarantees; adapters must not promise more.
package transport

import (
	"errors"

	"github.com/opd-ai/famcall/signal"
)

var (
	// ErrClosed indicates the transport has been shut down.
	ErrClosed = errors.New("transport closed")

	// ErrQueueFull indicates the transport's outbound buffer is full. The
	// attempt counts as failed; the dispatcher will retry.
	ErrQueueFull = errors.New("transport send queue full")
)

// Handler consumes one inbound signal. Handlers must not block for long;
// the call core's handler only enqueues into its event loop.
type Handler func(sig *signal.Signal)

// Transport is the external collaborator carrying signals between family
// devices.
type Transport interface {
	// Append publishes one signal. Best effort; the dispatcher layers retry
	// on top of this.
	Append(sig *signal.Signal) error

	// Subscribe registers a handler for every signal whose recipient matches
	// one of this instance's identities. The returned cancel function
	// unregisters it. Signals may arrive duplicated and out of order.
	Subscribe(h Handler) (cancel func(), err error)

	// Close shuts the transport down. Appends after Close fail with ErrClosed.
	Close() error
}
