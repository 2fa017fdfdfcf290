package famcall

import (
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/famcall/call"
	"github.com/opd-ai/famcall/identity"
	"github.com/opd-ai/famcall/media"
	"github.com/opd-ai/famcall/signal"
	"github.com/opd-ai/famcall/transport"
	"github.com/opd-ai/famcall/transport/ws"
)

// Options contains configuration options for creating a Client.
type Options struct {
	// FamilySecret is the shared secret every family device is configured
	// with. It determines the group identity and the payload sealing key.
	// Required.
	FamilySecret string

	// DisplayName is the human-readable name shown to the other side of a
	// call, e.g. "Kitchen Tablet".
	DisplayName string

	// TransportFactory binds a transport once the instance identity has
	// been derived, e.g. attaching an endpoint to an in-process hub. Takes
	// precedence over Transport and RelayURL; the client owns the result.
	TransportFactory func(id identity.Identity) (transport.Transport, error)

	// Transport carries signals between devices. When set it takes
	// precedence over RelayURL and the caller keeps ownership of it.
	Transport transport.Transport

	// RelayURL is a websocket relay address. Used when Transport is nil;
	// the client owns the resulting connection and closes it on Stop.
	RelayURL string

	// Unsealed disables payload sealing on the relay transport. Only
	// sensible for local development against a trusted relay.
	Unsealed bool

	// Capture acquires the local camera and microphone. Defaults to
	// media.StaticCapture.
	Capture media.Capture

	// ICEServers lists STUN/TURN endpoints for NAT traversal.
	ICEServers []webrtc.ICEServer

	// CandidatePoolSize hints candidate pre-gathering.
	CandidatePoolSize uint8

	// RingTimeout bounds how long an outgoing call rings.
	RingTimeout time.Duration

	// Sounder receives ringback and alert hooks.
	Sounder call.Sounder
}

// NewOptions creates a new default Options.
func NewOptions() *Options {
	return &Options{
		RingTimeout: call.DefaultRingTimeout,
	}
}

// Client is the famcall API facade. It owns one identity, one transport
// binding, and the single call state machine.
type Client struct {
	id            identity.Identity
	tr            transport.Transport
	machine       *call.Machine
	ownsTransport bool
}

// New creates a Client from options. The client is stopped; call Start to
// begin receiving signals.
func New(opts *Options) (*Client, error) {
	if opts == nil {
		return nil, errors.New("options cannot be nil")
	}

	id, err := identity.New(opts.FamilySecret, opts.DisplayName)
	if err != nil {
		return nil, fmt.Errorf("failed to derive identity: %w", err)
	}

	var tr transport.Transport
	ownsTransport := false
	switch {
	case opts.TransportFactory != nil:
		tr, err = opts.TransportFactory(id)
		if err != nil {
			return nil, fmt.Errorf("failed to bind transport: %w", err)
		}
		ownsTransport = true
	case opts.Transport != nil:
		tr = opts.Transport
	case opts.RelayURL != "":
		codec := signal.NewCodec(nil)
		if !opts.Unsealed {
			key, err := identity.SealKey(opts.FamilySecret)
			if err != nil {
				return nil, fmt.Errorf("failed to derive seal key: %w", err)
			}
			codec = signal.NewCodec(key)
		}
		relay, err := ws.Dial(opts.RelayURL, id, codec)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to relay: %w", err)
		}
		tr = relay
		ownsTransport = true
	default:
		return nil, errors.New("no transport configured: set TransportFactory, Transport, or RelayURL")
	}

	machine, err := call.NewMachine(call.Config{
		Identity:          id,
		Transport:         tr,
		Capture:           opts.Capture,
		ICEServers:        opts.ICEServers,
		CandidatePoolSize: opts.CandidatePoolSize,
		RingTimeout:       opts.RingTimeout,
		Sounder:           opts.Sounder,
	})
	if err != nil {
		if ownsTransport {
			_ = tr.Close()
		}
		return nil, fmt.Errorf("failed to create call machine: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":     "New",
		"group_id":     id.Group,
		"participant":  id.Participant,
		"display_name": opts.DisplayName,
	}).Info("Famcall client created")

	return &Client{
		id:            id,
		tr:            tr,
		machine:       machine,
		ownsTransport: ownsTransport,
	}, nil
}

// Start begins receiving signals and serving calls.
func (c *Client) Start() error {
	return c.machine.Start()
}

// Stop hangs up any active call, stops the machine, and closes the transport
// if the client owns it.
func (c *Client) Stop() error {
	err := c.machine.Stop()
	if c.ownsTransport {
		if cerr := c.tr.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Identity returns this instance's group and participant identity.
func (c *Client) Identity() identity.Identity {
	return c.id
}

// StartCall rings every family device with a call of the given kind.
func (c *Client) StartCall(kind media.Kind) error {
	return c.machine.StartCall(kind)
}

// AcceptCall answers the pending incoming call.
func (c *Client) AcceptCall() error {
	return c.machine.AcceptCall()
}

// RejectCall declines the pending incoming call.
func (c *Client) RejectCall() error {
	return c.machine.RejectCall()
}

// EndCall hangs up the current call, or cancels an unanswered outgoing one.
func (c *Client) EndCall() error {
	return c.machine.EndCall()
}

// ToggleMute flips the local audio mute state.
func (c *Client) ToggleMute() error {
	return c.machine.ToggleMute()
}

// ToggleVideoOff flips the local video hidden state.
func (c *Client) ToggleVideoOff() error {
	return c.machine.ToggleVideoOff()
}

// State returns the current call state.
func (c *Client) State() call.State {
	return c.machine.State()
}

// ActiveSession returns a copy of the current call session, if any.
func (c *Client) ActiveSession() (call.Session, bool) {
	return c.machine.Session()
}

// IncomingCall returns the pending incoming call offer, if any.
func (c *Client) IncomingCall() (call.IncomingOffer, bool) {
	return c.machine.IncomingCall()
}

// LastError returns the most recent terminal call error, cleared by the
// next user action.
func (c *Client) LastError() error {
	return c.machine.LastError()
}

// Muted reports whether local audio is muted.
func (c *Client) Muted() bool {
	return c.machine.Muted()
}

// VideoOff reports whether local video is hidden.
func (c *Client) VideoOff() bool {
	return c.machine.VideoOff()
}

// LocalMedia returns the acquired local media handle, if any. Applications
// feeding samples into static tracks obtain them here.
func (c *Client) LocalMedia() *media.Handle {
	return c.machine.LocalMedia()
}

// RemoteTracks returns the remote media tracks surfaced in this session.
func (c *Client) RemoteTracks() []*webrtc.TrackRemote {
	return c.machine.RemoteTracks()
}

// OnStateChange registers a callback fired on every call state transition.
func (c *Client) OnStateChange(cb func(call.State)) {
	c.machine.OnStateChange(cb)
}

// OnIncomingCall registers a callback fired when another family device
// calls.
func (c *Client) OnIncomingCall(cb func(call.IncomingOffer)) {
	c.machine.OnIncomingCall(cb)
}

// OnRemoteTrack registers a callback fired when the remote side's media
// track arrives.
func (c *Client) OnRemoteTrack(cb func(*webrtc.TrackRemote)) {
	c.machine.OnRemoteTrack(cb)
}
