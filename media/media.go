// Package media is the boundary between the call core and the platform's
// media capture. The core never touches audio or video bytes; it only owns
// the lifecycle of an acquired local stream and hands its tracks to the
// negotiation engine.
//
// The Capture interface abstracts hardware acquisition so the call machine
// can be driven entirely by fakes in tests. StaticCapture provides a
// hardware-free default built on Pion's static sample tracks, suitable for
// wiring in applications that feed samples themselves.
package media

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// Kind selects which device classes a call uses.
type Kind string

const (
	// KindAudio is a microphone-only call.
	KindAudio Kind = "audio"
	// KindVideo is a camera and microphone call.
	KindVideo Kind = "video"
)

// Valid reports whether k is a known media kind.
func (k Kind) Valid() bool {
	return k == KindAudio || k == KindVideo
}

// Track classes within a handle, used for mute/video-off toggles.
const (
	TrackAudio = "audio"
	TrackVideo = "video"
)

var (
	// ErrInvalidKind indicates an unknown media kind was requested.
	ErrInvalidKind = errors.New("invalid media kind")

	// ErrNoSuchTrack indicates the handle has no track of the requested class.
	ErrNoSuchTrack = errors.New("handle has no track of this kind")

	// ErrReleased indicates the handle has already been released.
	ErrReleased = errors.New("media handle already released")
)

// Capture acquires and releases local media. Implementations wrap the
// platform's camera/microphone API; acquisition may block on hardware or a
// permission prompt.
type Capture interface {
	// Acquire obtains a local stream for the given kind. The returned handle
	// is exclusively owned by the caller until Release.
	Acquire(kind Kind) (*Handle, error)

	// Release stops the handle's tracks and returns the devices. Safe to call
	// with a handle that was already released.
	Release(h *Handle)
}

// Handle is the ownership wrapper around an acquired local stream. It is
// held by at most one call session at a time and released on every exit path.
type Handle struct {
	kind Kind

	mu       sync.Mutex
	tracks   map[string]webrtc.TrackLocal
	enabled  map[string]bool
	released bool
	stop     func()
}

// NewHandle wraps acquired tracks. stop is invoked once on release and may be
// nil. Custom Capture implementations use this to hand their tracks to the
// core.
func NewHandle(kind Kind, tracks map[string]webrtc.TrackLocal, stop func()) *Handle {
	enabled := make(map[string]bool, len(tracks))
	for class := range tracks {
		enabled[class] = true
	}
	return &Handle{
		kind:    kind,
		tracks:  tracks,
		enabled: enabled,
		stop:    stop,
	}
}

// Kind returns the media kind this handle was acquired for.
func (h *Handle) Kind() Kind {
	return h.kind
}

// Tracks returns the local tracks in a stable order (audio before video).
func (h *Handle) Tracks() []webrtc.TrackLocal {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]webrtc.TrackLocal, 0, len(h.tracks))
	for _, class := range []string{TrackAudio, TrackVideo} {
		if tr, ok := h.tracks[class]; ok {
			out = append(out, tr)
		}
	}
	return out
}

// SetTrackEnabled flips the enabled flag for one track class. The flag is
// bookkeeping consumed by the application layer (which pauses sample feeds);
// the track itself stays attached so renegotiation is never needed.
func (h *Handle) SetTrackEnabled(class string, enabled bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released {
		return ErrReleased
	}
	if _, ok := h.tracks[class]; !ok {
		return ErrNoSuchTrack
	}
	h.enabled[class] = enabled

	logrus.WithFields(logrus.Fields{
		"function": "SetTrackEnabled",
		"class":    class,
		"enabled":  enabled,
	}).Debug("Track enabled state changed")

	return nil
}

// TrackEnabled reports the enabled flag for one track class.
func (h *Handle) TrackEnabled(class string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.enabled[class]
}

// release marks the handle dead and runs the stop hook exactly once.
func (h *Handle) release() {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	h.released = true
	stop := h.stop
	h.stop = nil
	h.mu.Unlock()

	if stop != nil {
		stop()
	}
}

// Released reports whether the handle has been released.
func (h *Handle) Released() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

// StaticCapture builds handles from Pion static sample tracks. It never
// touches hardware: the application pushes encoded samples into the tracks
// it obtains from the handle. Useful as a default and for integration tests.
type StaticCapture struct{}

// Acquire creates an Opus audio track, plus a VP8 video track for video calls.
func (StaticCapture) Acquire(kind Kind) (*Handle, error) {
	if !kind.Valid() {
		return nil, ErrInvalidKind
	}

	tracks := make(map[string]webrtc.TrackLocal)

	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", "famcall",
	)
	if err != nil {
		return nil, err
	}
	tracks[TrackAudio] = audio

	if kind == KindVideo {
		video, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
			"video", "famcall",
		)
		if err != nil {
			return nil, err
		}
		tracks[TrackVideo] = video
	}

	logrus.WithFields(logrus.Fields{
		"function": "Acquire",
		"kind":     kind,
		"tracks":   len(tracks),
	}).Debug("Static media handle acquired")

	return NewHandle(kind, tracks, nil), nil
}

// Release marks the handle released. Static tracks have no device to return.
func (StaticCapture) Release(h *Handle) {
	if h == nil {
		return
	}
	h.release()
}
