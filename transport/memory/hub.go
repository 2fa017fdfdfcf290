// Package memory provides an in-process signal transport. A Hub routes
// appended signals to every endpoint whose identity matches the recipient,
// including the sender's own endpoint, mirroring the real contract where a
// device hears its own broadcasts back.
//
// The hub intentionally delivers with the same weak guarantees the contract
// promises: asynchronously, with optional duplication, and with no ordering
// guarantee between endpoints. It backs the package tests and the example
// program.
package memory

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/famcall/identity"
	"github.com/opd-ai/famcall/signal"
	"github.com/opd-ai/famcall/transport"
)

const endpointQueueSize = 128

// Options tune the hub's delivery behavior for tests.
type Options struct {
	// Duplicate delivers every signal twice, exercising at-least-once
	// tolerance in consumers.
	Duplicate bool
}

// Hub is the shared in-process signal log.
type Hub struct {
	opts Options

	mu        sync.Mutex
	endpoints []*Endpoint
	closed    bool
}

// NewHub creates an empty hub.
func NewHub(opts Options) *Hub {
	return &Hub{opts: opts}
}

// Endpoint attaches a new device with the given identity and returns its
// transport.
func (h *Hub) Endpoint(id identity.Identity) *Endpoint {
	ep := &Endpoint{
		hub:   h,
		id:    id,
		queue: make(chan *signal.Signal, endpointQueueSize),
		done:  make(chan struct{}),
	}
	go ep.pump()

	h.mu.Lock()
	h.endpoints = append(h.endpoints, ep)
	h.mu.Unlock()

	return ep
}

// Close shuts down the hub and every endpoint.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	endpoints := h.endpoints
	h.endpoints = nil
	h.mu.Unlock()

	for _, ep := range endpoints {
		_ = ep.Close()
	}
}

// route fans a signal out to every matching endpoint.
func (h *Hub) route(sig *signal.Signal) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return transport.ErrClosed
	}
	endpoints := make([]*Endpoint, len(h.endpoints))
	copy(endpoints, h.endpoints)
	h.mu.Unlock()

	copies := 1
	if h.opts.Duplicate {
		copies = 2
	}

	for _, ep := range endpoints {
		if !sig.Recipient.Matches(ep.id) {
			continue
		}
		for i := 0; i < copies; i++ {
			ep.enqueue(sig)
		}
	}
	return nil
}

// Endpoint is one device's view of the hub.
type Endpoint struct {
	hub *Hub
	id  identity.Identity

	queue chan *signal.Signal
	done  chan struct{}

	mu       sync.Mutex
	handlers map[int]transport.Handler
	nextSub  int
	closed   bool
}

// Append publishes a signal to the hub.
func (e *Endpoint) Append(sig *signal.Signal) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	if err := sig.Validate(); err != nil {
		return err
	}
	return e.hub.route(sig)
}

// Subscribe registers a handler for signals addressed to this endpoint.
func (e *Endpoint) Subscribe(h transport.Handler) (func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, transport.ErrClosed
	}
	if e.handlers == nil {
		e.handlers = make(map[int]transport.Handler)
	}
	sub := e.nextSub
	e.nextSub++
	e.handlers[sub] = h

	return func() {
		e.mu.Lock()
		delete(e.handlers, sub)
		e.mu.Unlock()
	}, nil
}

// Close detaches the endpoint from the hub.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	close(e.done)
	return nil
}

func (e *Endpoint) enqueue(sig *signal.Signal) {
	select {
	case e.queue <- sig:
	case <-e.done:
	default:
		// Best-effort window exceeded; the contract allows loss.
		logrus.WithFields(logrus.Fields{
			"function":  "enqueue",
			"signal_id": sig.ID,
			"endpoint":  e.id.Participant,
		}).Warn("Endpoint queue full, signal dropped")
	}
}

// pump serializes deliveries to this endpoint's handlers.
func (e *Endpoint) pump() {
	for {
		select {
		case <-e.done:
			return
		case sig := <-e.queue:
			e.mu.Lock()
			handlers := make([]transport.Handler, 0, len(e.handlers))
			for _, h := range e.handlers {
				handlers = append(handlers, h)
			}
			e.mu.Unlock()
			for _, h := range handlers {
				h(sig)
			}
		}
	}
}
