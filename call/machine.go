package call

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/famcall/identity"
	"github.com/opd-ai/famcall/media"
	"github.com/opd-ai/famcall/negotiate"
	"github.com/opd-ai/famcall/signal"
	"github.com/opd-ai/famcall/transport"
)

// DefaultRingTimeout is how long an outgoing call rings before it is
// declared unanswered.
const DefaultRingTimeout = 30 * time.Second

const eventQueueSize = 64

// Config wires a Machine to its collaborators.
type Config struct {
	// Identity is this instance's group and participant identity. Required.
	Identity identity.Identity

	// Transport carries signals between family devices. Required.
	Transport transport.Transport

	// Capture acquires local media. Defaults to media.StaticCapture.
	Capture media.Capture

	// PeerFactory creates peer connections. Defaults to negotiate.Pion.
	PeerFactory negotiate.Factory

	// ICEServers lists NAT traversal endpoints handed to every peer
	// connection.
	ICEServers []webrtc.ICEServer

	// CandidatePoolSize hints candidate pre-gathering.
	CandidatePoolSize uint8

	// RingTimeout overrides DefaultRingTimeout. Must be positive.
	RingTimeout time.Duration

	// Sounder receives ringback/alert hooks. Defaults to NopSounder.
	Sounder Sounder
}

// Machine is the call signaling state machine. One instance exists per
// client; it is the sole writer of call state.
type Machine struct {
	self        identity.Identity
	tr          transport.Transport
	dispatcher  *signal.Dispatcher
	capture     media.Capture
	peerFactory negotiate.Factory
	iceServers  []webrtc.ICEServer
	poolSize    uint8
	ringTimeout time.Duration
	sounder     Sounder

	events      chan event
	cbQueue     chan func()
	done        chan struct{}
	loopDone    chan struct{}
	unsubscribe func()

	// Observable state. Written only by the loop; the mutex exists for the
	// read-side accessors.
	mu           sync.RWMutex
	running      bool
	state        State
	session      *Session
	incoming     *IncomingOffer
	lastErr      error
	muted        bool
	videoOff     bool
	localMedia   *media.Handle
	remoteTracks []*webrtc.TrackRemote

	// Loop-owned; never touched outside the event loop.
	engine        *negotiate.Engine
	ringTimer     *time.Timer
	restartBudget int

	cbMu          sync.RWMutex
	onState       func(State)
	onIncoming    func(IncomingOffer)
	onRemoteTrack func(*webrtc.TrackRemote)
}

// NewMachine validates the configuration and builds a stopped machine.
func NewMachine(cfg Config) (*Machine, error) {
	logrus.WithFields(logrus.Fields{
		"function":    "NewMachine",
		"participant": cfg.Identity.Participant,
	}).Info("Creating call machine")

	if cfg.Identity.Group == "" || cfg.Identity.Participant == "" {
		return nil, errors.New("identity cannot be empty")
	}
	if cfg.Transport == nil {
		return nil, errors.New("transport cannot be nil")
	}
	if cfg.RingTimeout < 0 {
		return nil, errors.New("ring timeout cannot be negative")
	}
	if cfg.RingTimeout == 0 {
		cfg.RingTimeout = DefaultRingTimeout
	}
	if cfg.Capture == nil {
		cfg.Capture = media.StaticCapture{}
	}
	if cfg.PeerFactory == nil {
		cfg.PeerFactory = negotiate.Pion
	}
	if cfg.Sounder == nil {
		cfg.Sounder = NopSounder{}
	}

	dispatcher, err := signal.NewDispatcher(cfg.Transport)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatcher: %w", err)
	}

	return &Machine{
		self:        cfg.Identity,
		tr:          cfg.Transport,
		dispatcher:  dispatcher,
		capture:     cfg.Capture,
		peerFactory: cfg.PeerFactory,
		iceServers:  cfg.ICEServers,
		poolSize:    cfg.CandidatePoolSize,
		ringTimeout: cfg.RingTimeout,
		sounder:     cfg.Sounder,
		events:      make(chan event, eventQueueSize),
		cbQueue:     make(chan func(), eventQueueSize),
		done:        make(chan struct{}),
		loopDone:    make(chan struct{}),
		state:       StateIdle,
	}, nil
}

// Start subscribes to the transport and begins consuming events.
func (m *Machine) Start() error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	m.running = true
	m.mu.Unlock()

	cancel, err := m.tr.Subscribe(func(sig *signal.Signal) {
		m.post(signalEvent{sig: sig})
	})
	if err != nil {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		return fmt.Errorf("failed to subscribe to transport: %w", err)
	}
	m.unsubscribe = cancel

	go m.loop()
	go m.callbackLoop()

	logrus.WithFields(logrus.Fields{
		"function":     "Start",
		"participant":  m.self.Participant,
		"ring_timeout": m.ringTimeout,
	}).Info("Call machine started")

	return nil
}

// Stop ends the loop, hanging up any active call.
func (m *Machine) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return ErrNotRunning
	}
	m.running = false
	m.mu.Unlock()

	if m.unsubscribe != nil {
		m.unsubscribe()
	}
	close(m.done)
	<-m.loopDone
	m.dispatcher.Wait()

	logrus.WithFields(logrus.Fields{
		"function": "Stop",
	}).Info("Call machine stopped")

	return nil
}

// post delivers an event to the loop unless the machine is shutting down.
func (m *Machine) post(ev event) {
	select {
	case m.events <- ev:
	case <-m.done:
	}
}

// fire hands a callback to the dispatch goroutine. Callbacks run off the
// event loop, in registration-observable order.
func (m *Machine) fire(f func()) {
	select {
	case m.cbQueue <- f:
	case <-m.done:
	}
}

// callbackLoop delivers registered callbacks one at a time so observers see
// transitions in the order they happened.
func (m *Machine) callbackLoop() {
	for {
		select {
		case <-m.done:
			return
		case f := <-m.cbQueue:
			f()
		}
	}
}

// loop is the single consumer of events. All state transitions happen here,
// one event at a time; the machine is never reentered.
func (m *Machine) loop() {
	defer close(m.loopDone)
	for {
		select {
		case <-m.done:
			m.cleanup(nil)
			return
		case ev := <-m.events:
			switch e := ev.(type) {
			case signalEvent:
				m.handleSignal(e.sig)
			case userEvent:
				e.reply <- m.handleUser(e)
			case mediaAcquiredEvent:
				m.handleMediaAcquired(e)
			case peerStateEvent:
				m.handlePeerState(e)
			case remoteTrackEvent:
				m.handleRemoteTrack(e)
			case ringTimeoutEvent:
				m.handleRingTimeout(e)
			}
		}
	}
}

// ---- user control surface ----

// StartCall begins an outgoing call of the given kind, ringing every family
// device. A no-op returning ErrCallAlreadyActive when a call is active.
func (m *Machine) StartCall(kind media.Kind) error {
	if !kind.Valid() {
		return media.ErrInvalidKind
	}
	return m.submit(userEvent{action: actionStart, media: kind})
}

// AcceptCall answers the pending incoming call.
func (m *Machine) AcceptCall() error {
	return m.submit(userEvent{action: actionAccept})
}

// RejectCall declines the pending incoming call.
func (m *Machine) RejectCall() error {
	return m.submit(userEvent{action: actionReject})
}

// EndCall hangs up the current call, or cancels an unanswered outgoing one.
func (m *Machine) EndCall() error {
	return m.submit(userEvent{action: actionEnd})
}

// ToggleMute flips the local audio track's enabled state.
func (m *Machine) ToggleMute() error {
	return m.submit(userEvent{action: actionToggleMute})
}

// ToggleVideoOff flips the local video track's enabled state.
func (m *Machine) ToggleVideoOff() error {
	return m.submit(userEvent{action: actionToggleVideo})
}

func (m *Machine) submit(ev userEvent) error {
	m.mu.RLock()
	running := m.running
	m.mu.RUnlock()
	if !running {
		return ErrNotRunning
	}

	ev.reply = make(chan error, 1)
	select {
	case m.events <- ev:
	case <-m.done:
		return ErrNotRunning
	}
	select {
	case err := <-ev.reply:
		return err
	case <-m.done:
		return ErrNotRunning
	}
}

func (m *Machine) handleUser(ev userEvent) error {
	// Any user action consumes the previously surfaced error.
	m.mu.Lock()
	m.lastErr = nil
	m.mu.Unlock()

	switch ev.action {
	case actionStart:
		return m.userStart(ev.media)
	case actionAccept:
		return m.userAccept()
	case actionReject:
		return m.userReject()
	case actionEnd:
		return m.userEnd()
	case actionToggleMute:
		return m.toggleTrack(media.TrackAudio)
	case actionToggleVideo:
		return m.toggleTrack(media.TrackVideo)
	}
	return nil
}

func (m *Machine) userStart(kind media.Kind) error {
	if m.stateNow() != StateIdle {
		logrus.WithFields(logrus.Fields{
			"function": "userStart",
			"state":    m.stateNow().String(),
		}).Warn("Start call ignored while non-idle")
		return ErrCallAlreadyActive
	}

	sess := &Session{
		ID:        uuid.NewString(),
		Media:     kind,
		Role:      RoleInitiator,
		StartedAt: time.Now(),
	}
	m.mu.Lock()
	m.session = sess
	m.mu.Unlock()
	m.setState(StateOutgoingRinging)

	logrus.WithFields(logrus.Fields{
		"function":   "userStart",
		"session_id": sess.ID,
		"media":      kind,
	}).Info("Outgoing call starting, acquiring local media")

	// Media must be in hand before the call-request goes out; acceptance
	// racing an unfinished acquisition would negotiate a one-way call.
	m.acquireAsync(sess.ID, kind, false)
	return nil
}

func (m *Machine) userAccept() error {
	m.mu.RLock()
	offer := m.incoming
	state := m.state
	m.mu.RUnlock()

	if state != StateIncomingRinging || offer == nil {
		return ErrNoIncomingCall
	}

	m.sounder.StopAll()

	sess := &Session{
		ID:         uuid.NewString(),
		Remote:     offer.From,
		RemoteName: offer.DisplayName,
		Media:      offer.Media,
		Role:       RoleResponder,
		StartedAt:  time.Now(),
	}
	m.mu.Lock()
	m.session = sess
	m.incoming = nil
	m.mu.Unlock()
	m.setState(StateConnecting)

	logrus.WithFields(logrus.Fields{
		"function":   "userAccept",
		"session_id": sess.ID,
		"remote":     sess.Remote,
		"media":      sess.Media,
	}).Info("Incoming call accepted, acquiring local media")

	m.acquireAsync(sess.ID, sess.Media, true)
	return nil
}

func (m *Machine) userReject() error {
	m.mu.RLock()
	offer := m.incoming
	state := m.state
	m.mu.RUnlock()

	if state != StateIncomingRinging || offer == nil {
		return ErrNoIncomingCall
	}

	m.sendAsync(signal.Direct(offer.From), signal.KindCallReject, offer.Media, signal.Payload{})
	logrus.WithFields(logrus.Fields{
		"function": "userReject",
		"remote":   offer.From,
	}).Info("Incoming call rejected")

	m.cleanup(nil)
	return nil
}

func (m *Machine) userEnd() error {
	state := m.stateNow()
	if state == StateIdle {
		return ErrNoActiveCall
	}
	// Rejecting covers the incoming-ringing case; no session exists yet and
	// the offerer owns the broadcast.
	if state == StateIncomingRinging {
		return m.userReject()
	}

	m.mu.RLock()
	sess := m.session
	m.mu.RUnlock()

	if sess != nil && sess.Remote != "" {
		m.sendAsync(signal.Direct(sess.Remote), signal.KindCallEnd, sess.Media, signal.Payload{})
	} else if sess != nil {
		// No responder resolved yet: cancel the ringing broadcast.
		m.sendAsync(signal.Broadcast(m.self.Group), signal.KindCallEnd, sess.Media, signal.Payload{})
	}

	logrus.WithFields(logrus.Fields{
		"function": "userEnd",
		"state":    state.String(),
	}).Info("Call ended by user")

	m.cleanup(nil)
	return nil
}

func (m *Machine) toggleTrack(class string) error {
	m.mu.Lock()
	handle := m.localMedia
	if handle == nil {
		m.mu.Unlock()
		return ErrNoActiveCall
	}
	var flipped bool
	switch class {
	case media.TrackAudio:
		m.muted = !m.muted
		flipped = !m.muted
	case media.TrackVideo:
		m.videoOff = !m.videoOff
		flipped = !m.videoOff
	}
	m.mu.Unlock()

	if err := handle.SetTrackEnabled(class, flipped); err != nil {
		// Roll the flag back; an audio-only call has no video to hide.
		m.mu.Lock()
		switch class {
		case media.TrackAudio:
			m.muted = !m.muted
		case media.TrackVideo:
			m.videoOff = !m.videoOff
		}
		m.mu.Unlock()
		return err
	}
	return nil
}

// ---- suspended continuations ----

func (m *Machine) acquireAsync(sessionID string, kind media.Kind, forAccept bool) {
	go func() {
		handle, err := m.capture.Acquire(kind)
		m.post(mediaAcquiredEvent{
			sessionID: sessionID,
			forAccept: forAccept,
			handle:    handle,
			err:       err,
		})
	}()
}

func (m *Machine) handleMediaAcquired(ev mediaAcquiredEvent) {
	sess := m.currentSession()
	if sess == nil || sess.ID != ev.sessionID {
		// The call died while we were waiting on hardware. Give the devices
		// back and do nothing else.
		if ev.handle != nil {
			m.capture.Release(ev.handle)
		}
		logrus.WithFields(logrus.Fields{
			"function":   "handleMediaAcquired",
			"session_id": ev.sessionID,
		}).Debug("Discarding media for dead session")
		return
	}

	if ev.err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "handleMediaAcquired",
			"session_id": ev.sessionID,
			"error":      ev.err.Error(),
		}).Error("Local media acquisition failed")
		if ev.forAccept {
			// Spare the caller the full ring timeout.
			m.sendAsync(signal.Direct(sess.Remote), signal.KindCallReject, sess.Media, signal.Payload{})
		}
		m.cleanup(fmt.Errorf("%w: %v", ErrMediaAcquisition, ev.err))
		return
	}

	m.mu.Lock()
	m.localMedia = ev.handle
	m.mu.Unlock()

	if ev.forAccept {
		m.finishAccept(sess)
		return
	}
	m.finishStart(sess)
}

// finishStart runs once the initiator's media is in hand: ring, arm the
// timeout, and broadcast the request.
func (m *Machine) finishStart(sess *Session) {
	if m.stateNow() != StateOutgoingRinging {
		return
	}

	m.sounder.StartRingback()

	sid := sess.ID
	m.ringTimer = time.AfterFunc(m.ringTimeout, func() {
		m.post(ringTimeoutEvent{sessionID: sid})
	})

	m.sendAsync(signal.Broadcast(m.self.Group), signal.KindCallRequest, sess.Media, signal.Payload{})

	logrus.WithFields(logrus.Fields{
		"function":   "finishStart",
		"session_id": sess.ID,
		"timeout":    m.ringTimeout,
	}).Info("Call request broadcast, ringing")
}

// finishAccept runs once the responder's media is in hand: bring up the
// peer connection, attach tracks, then tell the initiator we accepted. The
// offer that follows finds everything ready.
func (m *Machine) finishAccept(sess *Session) {
	if m.stateNow() != StateConnecting {
		return
	}

	if err := m.createEngine(sess); err != nil {
		m.cleanup(fmt.Errorf("%w: %v", ErrNegotiationFailed, err))
		return
	}

	m.mu.RLock()
	handle := m.localMedia
	m.mu.RUnlock()
	if err := m.engine.AttachLocalTracks(handle); err != nil {
		m.cleanup(fmt.Errorf("%w: %v", ErrNegotiationFailed, err))
		return
	}

	m.sendAsync(signal.Direct(sess.Remote), signal.KindCallAccept, sess.Media, signal.Payload{})

	logrus.WithFields(logrus.Fields{
		"function":   "finishAccept",
		"session_id": sess.ID,
		"remote":     sess.Remote,
	}).Info("Call accepted, awaiting offer")
}

// ---- inbound signals ----

func (m *Machine) handleSignal(sig *signal.Signal) {
	if err := sig.Validate(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleSignal",
			"error":    err.Error(),
		}).Debug("Dropping malformed signal")
		return
	}
	// Our own broadcasts come back through the subscription.
	if sig.Sender == m.self.Participant {
		return
	}

	switch sig.Kind {
	case signal.KindCallRequest:
		m.onCallRequest(sig)
	case signal.KindCallAccept:
		m.onCallAccept(sig)
	case signal.KindCallReject:
		m.onCallReject(sig)
	case signal.KindCallEnd:
		m.onCallEnd(sig)
	case signal.KindOffer:
		m.onOffer(sig)
	case signal.KindAnswer:
		m.onAnswer(sig)
	case signal.KindICECandidate:
		m.onCandidate(sig)
	}
}

func (m *Machine) dropStale(sig *signal.Signal, why string) {
	logrus.WithFields(logrus.Fields{
		"function": "dropStale",
		"kind":     sig.Kind,
		"sender":   sig.Sender,
		"state":    m.stateNow().String(),
		"reason":   why,
	}).Debug("Dropping stale signal")
}

func (m *Machine) onCallRequest(sig *signal.Signal) {
	if m.stateNow() != StateIdle {
		// One call at a time; a second request neither replaces nor queues.
		m.dropStale(sig, "non-idle")
		return
	}

	offer := &IncomingOffer{
		From:        sig.Sender,
		DisplayName: sig.Payload.DisplayName,
		Media:       sig.Media,
		ReceivedAt:  time.Now(),
	}
	m.mu.Lock()
	m.incoming = offer
	m.mu.Unlock()
	m.setState(StateIncomingRinging)
	m.sounder.StartAlert()

	logrus.WithFields(logrus.Fields{
		"function": "onCallRequest",
		"from":     offer.From,
		"media":    offer.Media,
	}).Info("Incoming call ringing")

	m.cbMu.RLock()
	cb := m.onIncoming
	m.cbMu.RUnlock()
	if cb != nil {
		o := *offer
		m.fire(func() { cb(o) })
	}
}

func (m *Machine) onCallAccept(sig *signal.Signal) {
	sess := m.currentSession()
	if m.stateNow() != StateOutgoingRinging || sess == nil || sess.Role != RoleInitiator {
		// Either a second responder lost the race, or the call is long gone.
		m.dropStale(sig, "no outgoing call awaiting acceptance")
		return
	}

	m.mu.RLock()
	handle := m.localMedia
	m.mu.RUnlock()
	if handle == nil {
		// Accept cannot precede our own broadcast; someone is confused.
		m.dropStale(sig, "local media not ready")
		return
	}

	m.stopRingTimer()
	m.sounder.StopAll()

	m.mu.Lock()
	m.session.Remote = sig.Sender
	m.session.RemoteName = sig.Payload.DisplayName
	sess = m.session
	m.mu.Unlock()
	m.setState(StateConnecting)

	logrus.WithFields(logrus.Fields{
		"function":   "onCallAccept",
		"session_id": sess.ID,
		"remote":     sess.Remote,
	}).Info("Call accepted, negotiating")

	if err := m.createEngine(sess); err != nil {
		m.cleanup(fmt.Errorf("%w: %v", ErrNegotiationFailed, err))
		return
	}
	if err := m.engine.AttachLocalTracks(handle); err != nil {
		m.cleanup(fmt.Errorf("%w: %v", ErrNegotiationFailed, err))
		return
	}
	if err := m.engine.CreateOfferAndSend(); err != nil {
		m.cleanup(fmt.Errorf("%w: %v", ErrNegotiationFailed, err))
	}
}

func (m *Machine) onCallReject(sig *signal.Signal) {
	if m.stateNow() != StateOutgoingRinging {
		m.dropStale(sig, "no outgoing call to reject")
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "onCallReject",
		"from":     sig.Sender,
	}).Info("Call rejected by remote party")

	m.cleanup(ErrRemoteRejected)
}

func (m *Machine) onCallEnd(sig *signal.Signal) {
	state := m.stateNow()
	if state == StateIdle {
		m.dropStale(sig, "idle")
		return
	}

	if state == StateIncomingRinging {
		m.mu.RLock()
		offer := m.incoming
		m.mu.RUnlock()
		if offer == nil || offer.From != sig.Sender {
			m.dropStale(sig, "call-end from stranger while ringing")
			return
		}
	} else {
		sess := m.currentSession()
		if sess == nil || sess.Remote == "" || sess.Remote != sig.Sender {
			m.dropStale(sig, "call-end does not match session")
			return
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "onCallEnd",
		"from":     sig.Sender,
		"state":    state.String(),
	}).Info("Call ended by remote party")

	m.cleanup(nil)
}

// sessionFor returns the live session if the direct signal matches it.
func (m *Machine) sessionFor(sig *signal.Signal) *Session {
	sess := m.currentSession()
	if sess == nil || sess.Remote == "" || sess.Remote != sig.Sender {
		return nil
	}
	return sess
}

func (m *Machine) onOffer(sig *signal.Signal) {
	sess := m.sessionFor(sig)
	state := m.stateNow()
	// Connected accepts re-offers: that is how an ICE restart reaches us.
	if sess == nil || sess.Role != RoleResponder || m.engine == nil ||
		(state != StateConnecting && state != StateConnected) {
		m.dropStale(sig, "offer without matching responder session")
		return
	}

	if err := m.engine.HandleRemoteDescription(*sig.Payload.Description); err != nil {
		m.cleanup(fmt.Errorf("%w: %v", ErrNegotiationFailed, err))
		return
	}
	if err := m.engine.CreateAnswerAndSend(); err != nil {
		m.cleanup(fmt.Errorf("%w: %v", ErrNegotiationFailed, err))
	}
}

func (m *Machine) onAnswer(sig *signal.Signal) {
	sess := m.sessionFor(sig)
	state := m.stateNow()
	if sess == nil || sess.Role != RoleInitiator || m.engine == nil ||
		(state != StateConnecting && state != StateConnected) {
		m.dropStale(sig, "answer without matching initiator session")
		return
	}

	if err := m.engine.HandleRemoteDescription(*sig.Payload.Description); err != nil {
		m.cleanup(fmt.Errorf("%w: %v", ErrNegotiationFailed, err))
	}
}

func (m *Machine) onCandidate(sig *signal.Signal) {
	sess := m.sessionFor(sig)
	if sess == nil || m.engine == nil {
		m.dropStale(sig, "candidate without matching session")
		return
	}
	m.engine.HandleRemoteCandidate(*sig.Payload.Candidate)
}

// ---- peer connection events ----

func (m *Machine) handlePeerState(ev peerStateEvent) {
	sess := m.currentSession()
	if sess == nil || sess.ID != ev.sessionID {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":   "handlePeerState",
		"session_id": ev.sessionID,
		"peer_state": ev.state.String(),
	}).Debug("Peer connection state changed")

	switch ev.state {
	case webrtc.PeerConnectionStateConnected:
		if m.stateNow() == StateConnecting {
			m.setState(StateConnected)
			m.sounder.ConnectedTone()
			logrus.WithFields(logrus.Fields{
				"function":   "handlePeerState",
				"session_id": sess.ID,
				"remote":     sess.Remote,
			}).Info("Call connected")
		}

	case webrtc.PeerConnectionStateFailed:
		if m.restartBudget > 0 {
			m.restartBudget--
			if sess.Role == RoleInitiator {
				if err := m.engine.RestartICE(); err != nil {
					m.cleanup(fmt.Errorf("%w: %v", ErrNegotiationFailed, err))
				}
				return
			}
			// The responder cannot re-offer; hold on for the initiator's
			// restart offer to arrive as a new remote description.
			return
		}
		m.cleanup(ErrNegotiationFailed)

	case webrtc.PeerConnectionStateDisconnected:
		if m.stateNow() == StateConnecting || m.stateNow() == StateConnected {
			m.cleanup(nil)
		}
	}
}

func (m *Machine) handleRemoteTrack(ev remoteTrackEvent) {
	sess := m.currentSession()
	if sess == nil || sess.ID != ev.sessionID {
		return
	}

	m.mu.Lock()
	m.remoteTracks = append(m.remoteTracks, ev.track)
	m.mu.Unlock()

	m.cbMu.RLock()
	cb := m.onRemoteTrack
	m.cbMu.RUnlock()
	if cb != nil {
		m.fire(func() { cb(ev.track) })
	}
}

// ---- ring timeout ----

func (m *Machine) handleRingTimeout(ev ringTimeoutEvent) {
	sess := m.currentSession()
	// First writer wins: an accept or reject that got in before this event
	// already moved the state, and the timeout concedes.
	if sess == nil || sess.ID != ev.sessionID || m.stateNow() != StateOutgoingRinging {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":   "handleRingTimeout",
		"session_id": sess.ID,
		"timeout":    m.ringTimeout,
	}).Info("Outgoing call unanswered")

	// Stop the other devices from ringing a dead call.
	m.sendAsync(signal.Broadcast(m.self.Group), signal.KindCallEnd, sess.Media, signal.Payload{})
	m.cleanup(ErrNoAnswer)
}

// ---- side-effect plumbing ----

func (m *Machine) createEngine(sess *Session) error {
	sid := sess.ID
	remote := sess.Remote
	kind := sess.Media

	engine, err := negotiate.NewEngine(m.peerFactory, negotiate.Config{
		ICEServers:        m.iceServers,
		CandidatePoolSize: m.poolSize,
	}, negotiate.Callbacks{
		LocalDescription: func(desc webrtc.SessionDescription) {
			kindSig := signal.KindOffer
			if desc.Type == webrtc.SDPTypeAnswer {
				kindSig = signal.KindAnswer
			}
			m.sendAsync(signal.Direct(remote), kindSig, kind, signal.Payload{Description: &desc})
		},
		LocalCandidate: func(c webrtc.ICECandidateInit) {
			m.sendAsync(signal.Direct(remote), signal.KindICECandidate, kind, signal.Payload{Candidate: &c})
		},
		StateChange: func(s webrtc.PeerConnectionState) {
			m.post(peerStateEvent{sessionID: sid, state: s})
		},
		RemoteTrack: func(tr *webrtc.TrackRemote) {
			m.post(remoteTrackEvent{sessionID: sid, track: tr})
		},
	})
	if err != nil {
		return err
	}
	m.engine = engine
	m.restartBudget = 1
	return nil
}

func (m *Machine) sendAsync(to signal.Recipient, kind signal.Kind, mk media.Kind, payload signal.Payload) {
	m.dispatcher.SendAsync(signal.Compose(m.self, to, kind, mk, payload))
}

func (m *Machine) stopRingTimer() {
	if m.ringTimer != nil {
		m.ringTimer.Stop()
		m.ringTimer = nil
	}
}

// cleanup is the single teardown funnel. Idempotent and safe from any
// state; reason, when non-nil, becomes the surfaced last error.
func (m *Machine) cleanup(reason error) {
	m.stopRingTimer()
	m.sounder.StopAll()

	if m.engine != nil {
		m.engine.Close()
		m.engine = nil
	}
	m.restartBudget = 0

	m.mu.Lock()
	if m.localMedia != nil {
		handle := m.localMedia
		m.localMedia = nil
		m.mu.Unlock()
		m.capture.Release(handle)
		m.mu.Lock()
	}
	m.incoming = nil
	m.session = nil
	m.muted = false
	m.videoOff = false
	m.remoteTracks = nil
	if reason != nil {
		m.lastErr = reason
	}
	m.mu.Unlock()

	m.setState(StateIdle)

	logrus.WithFields(logrus.Fields{
		"function": "cleanup",
		"reason":   fmt.Sprintf("%v", reason),
	}).Debug("Call resources released")
}

// ---- observable state ----

func (m *Machine) stateNow() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Machine) currentSession() *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session
}

func (m *Machine) setState(s State) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	old := m.state
	m.state = s
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "setState",
		"from":     old.String(),
		"to":       s.String(),
	}).Debug("Call state transition")

	m.cbMu.RLock()
	cb := m.onState
	m.cbMu.RUnlock()
	if cb != nil {
		m.fire(func() { cb(s) })
	}
}

// State returns the current call state.
func (m *Machine) State() State {
	return m.stateNow()
}

// Session returns a copy of the current session, if any.
func (m *Machine) Session() (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return Session{}, false
	}
	return *m.session, true
}

// IncomingCall returns a copy of the pending incoming call offer, if any.
func (m *Machine) IncomingCall() (IncomingOffer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.incoming == nil {
		return IncomingOffer{}, false
	}
	return *m.incoming, true
}

// LastError returns the most recent terminal error. Cleared by the next
// user action.
func (m *Machine) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// Muted reports whether local audio is muted.
func (m *Machine) Muted() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.muted
}

// VideoOff reports whether local video is hidden.
func (m *Machine) VideoOff() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.videoOff
}

// LocalMedia returns the acquired local media handle, if any.
func (m *Machine) LocalMedia() *media.Handle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.localMedia
}

// RemoteTracks returns the remote tracks surfaced so far in this session.
func (m *Machine) RemoteTracks() []*webrtc.TrackRemote {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*webrtc.TrackRemote, len(m.remoteTracks))
	copy(out, m.remoteTracks)
	return out
}

// OnStateChange registers a callback fired on every state transition.
// Callbacks run on a dedicated dispatch goroutine, one at a time, in
// transition order; they may call back into the machine.
func (m *Machine) OnStateChange(cb func(State)) {
	m.cbMu.Lock()
	m.onState = cb
	m.cbMu.Unlock()
}

// OnIncomingCall registers a callback fired when a call-request arrives.
func (m *Machine) OnIncomingCall(cb func(IncomingOffer)) {
	m.cbMu.Lock()
	m.onIncoming = cb
	m.cbMu.Unlock()
}

// OnRemoteTrack registers a callback fired when the remote stream surfaces
// a track.
func (m *Machine) OnRemoteTrack(cb func(*webrtc.TrackRemote)) {
	m.cbMu.Lock()
	m.onRemoteTrack = cb
	m.cbMu.Unlock()
}
