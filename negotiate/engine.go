// Package negotiate manages the peer connection's offer/answer/candidate
// sequence for one call session, independent of how signals are addressed
// or delivered.
//
// Two rules carry the correctness of the whole exchange:
//
//   - Local tracks are attached before any offer or answer is generated.
//     Generating a description first would negotiate a connection with no
//     outbound media.
//
//   - ICE candidates received before the remote description is set are
//     buffered, then applied in arrival order exactly once immediately after
//     SetRemoteDescription succeeds. Candidates arriving later are applied
//     immediately. No candidate is lost to reordering.
//
// The engine is created once per call session and never reused.
package negotiate

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/famcall/media"
)

var (
	// ErrTracksNotAttached indicates an offer or answer was requested before
	// any local media was attached.
	ErrTracksNotAttached = errors.New("local tracks not attached")

	// ErrNoRemoteDescription indicates an answer was requested before the
	// remote offer was applied.
	ErrNoRemoteDescription = errors.New("no remote description set")

	// ErrRestartExhausted indicates the single permitted ICE restart was
	// already used.
	ErrRestartExhausted = errors.New("ICE restart already attempted")

	// ErrEngineClosed indicates the engine was torn down.
	ErrEngineClosed = errors.New("negotiation engine closed")
)

// PeerConnection is the surface the engine needs from the platform's peer
// connection. *webrtc.PeerConnection satisfies it directly; tests substitute
// mocks.
type PeerConnection interface {
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	GetSenders() []*webrtc.RTPSender
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	Close() error
}

// Factory creates a peer connection from a configuration.
type Factory func(cfg webrtc.Configuration) (PeerConnection, error)

// Pion is the production factory backed by pion/webrtc.
func Pion(cfg webrtc.Configuration) (PeerConnection, error) {
	return webrtc.NewPeerConnection(cfg)
}

// Config holds the NAT traversal endpoints for peer connection creation.
type Config struct {
	// ICEServers lists STUN/TURN endpoints.
	ICEServers []webrtc.ICEServer

	// CandidatePoolSize hints how many candidates to pre-gather.
	CandidatePoolSize uint8
}

// Callbacks are the engine's outputs. LocalDescription and LocalCandidate
// feed the signal dispatcher; StateChange and RemoteTrack feed the call
// machine. Any callback may be nil.
type Callbacks struct {
	LocalDescription func(desc webrtc.SessionDescription)
	LocalCandidate   func(candidate webrtc.ICECandidateInit)
	StateChange      func(state webrtc.PeerConnectionState)
	RemoteTrack      func(track *webrtc.TrackRemote)
}

// Engine drives SDP and ICE for a single session.
type Engine struct {
	pc PeerConnection
	cb Callbacks

	mu        sync.Mutex
	handle    *media.Handle
	attached  bool
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	restarted bool
	closed    bool
}

// NewEngine creates the peer connection and wires its events. Created
// exactly once per call session, immediately before the first track is
// attached.
func NewEngine(factory Factory, cfg Config, cb Callbacks) (*Engine, error) {
	if factory == nil {
		factory = Pion
	}

	pc, err := factory(webrtc.Configuration{
		ICEServers:           cfg.ICEServers,
		ICECandidatePoolSize: cfg.CandidatePoolSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	e := &Engine{pc: pc, cb: cb}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // end of gathering
		}
		if e.cb.LocalCandidate != nil {
			// Local candidates go out immediately, fire-and-forget,
			// regardless of negotiation stage.
			e.cb.LocalCandidate(c.ToJSON())
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if e.cb.StateChange != nil {
			e.cb.StateChange(state)
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if e.cb.RemoteTrack != nil {
			e.cb.RemoteTrack(track)
		}
	})

	logrus.WithFields(logrus.Fields{
		"function":    "NewEngine",
		"ice_servers": len(cfg.ICEServers),
		"pool_size":   cfg.CandidatePoolSize,
	}).Debug("Negotiation engine created")

	return e, nil
}

// AttachLocalTracks adds the handle's tracks to the peer connection. Must
// complete before CreateOfferAndSend or CreateAnswerAndSend.
func (e *Engine) AttachLocalTracks(h *media.Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	return e.attachLocked(h)
}

func (e *Engine) attachLocked(h *media.Handle) error {
	if h == nil {
		return ErrTracksNotAttached
	}
	for _, track := range h.Tracks() {
		if _, err := e.pc.AddTrack(track); err != nil {
			return fmt.Errorf("failed to attach local track: %w", err)
		}
	}
	e.handle = h
	e.attached = true
	return nil
}

// ensureAttachedLocked enforces the attach-before-describe contract. A caller
// that slipped through without attaching is healed on demand when the handle
// is known, and the anomaly is logged.
func (e *Engine) ensureAttachedLocked(caller string) error {
	if len(e.pc.GetSenders()) > 0 {
		return nil
	}
	if e.handle == nil {
		return ErrTracksNotAttached
	}
	logrus.WithFields(logrus.Fields{
		"function": caller,
		"anomaly":  "no senders at description time",
	}).Warn("Local tracks not attached before negotiation, attaching on demand")
	return e.attachLocked(e.handle)
}

// CreateOfferAndSend generates the local offer, applies it, and emits it via
// the LocalDescription callback.
func (e *Engine) CreateOfferAndSend() error {
	return e.offer(false)
}

func (e *Engine) offer(iceRestart bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	if err := e.ensureAttachedLocked("CreateOfferAndSend"); err != nil {
		return err
	}

	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}

	offer, err := e.pc.CreateOffer(opts)
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("failed to set local offer: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":    "CreateOfferAndSend",
		"ice_restart": iceRestart,
	}).Debug("Local offer applied")

	if e.cb.LocalDescription != nil {
		e.cb.LocalDescription(offer)
	}
	return nil
}

// CreateAnswerAndSend generates the local answer to a previously applied
// remote offer, applies it, and emits it via the LocalDescription callback.
func (e *Engine) CreateAnswerAndSend() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	if !e.remoteSet {
		return ErrNoRemoteDescription
	}
	if err := e.ensureAttachedLocked("CreateAnswerAndSend"); err != nil {
		return err
	}

	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("failed to create answer: %w", err)
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("failed to set local answer: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "CreateAnswerAndSend",
	}).Debug("Local answer applied")

	if e.cb.LocalDescription != nil {
		e.cb.LocalDescription(answer)
	}
	return nil
}

// HandleRemoteDescription applies the remote offer or answer, then drains
// the pending candidate queue in arrival order. The queue is flushed exactly
// once; a later description (ICE restart re-offer) finds it already empty.
func (e *Engine) HandleRemoteDescription(desc webrtc.SessionDescription) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	e.mu.Unlock()

	if err := e.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}

	e.mu.Lock()
	e.remoteSet = true
	queued := e.pending
	e.pending = nil
	e.mu.Unlock()

	for _, c := range queued {
		if err := e.pc.AddICECandidate(c); err != nil {
			// A bad buffered candidate must not abort the session.
			logrus.WithFields(logrus.Fields{
				"function": "HandleRemoteDescription",
				"error":    err.Error(),
			}).Warn("Failed to apply buffered candidate")
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "HandleRemoteDescription",
		"type":     desc.Type.String(),
		"flushed":  len(queued),
	}).Debug("Remote description applied, candidate queue drained")

	return nil
}

// HandleRemoteCandidate buffers or applies one remote ICE candidate.
// Structurally invalid candidates are dropped silently.
func (e *Engine) HandleRemoteCandidate(c webrtc.ICECandidateInit) {
	if c.Candidate == "" && c.SDPMid == nil && c.SDPMLineIndex == nil {
		logrus.WithFields(logrus.Fields{
			"function": "HandleRemoteCandidate",
		}).Debug("Dropping structurally invalid candidate")
		return
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if !e.remoteSet {
		e.pending = append(e.pending, c)
		n := len(e.pending)
		e.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "HandleRemoteCandidate",
			"buffered": n,
		}).Debug("Candidate buffered until remote description")
		return
	}
	e.mu.Unlock()

	if err := e.pc.AddICECandidate(c); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "HandleRemoteCandidate",
			"error":    err.Error(),
		}).Warn("Failed to apply candidate")
	}
}

// RestartICE performs the single permitted ICE restart by generating a
// restart offer. Only the side that originally offered may call this.
func (e *Engine) RestartICE() error {
	e.mu.Lock()
	if e.restarted {
		e.mu.Unlock()
		return ErrRestartExhausted
	}
	e.restarted = true
	e.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "RestartICE",
	}).Info("Attempting ICE restart")

	return e.offer(true)
}

// PendingCandidates reports how many received candidates await the remote
// description.
func (e *Engine) PendingCandidates() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Close tears down the peer connection and discards the candidate queue.
// Idempotent.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.pending = nil
	e.handle = nil
	e.mu.Unlock()

	if err := e.pc.Close(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Close",
			"error":    err.Error(),
		}).Warn("Peer connection close failed")
	}
}
