package signal

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/opd-ai/famcall/identity"
	"github.com/opd-ai/famcall/media"
)

// Codec converts signals to and from their wire form for byte-oriented
// transports. With a key configured, payloads are sealed with a secretbox
// key derived from the family secret: a signal that opens proves its sender
// knows the shared secret, which is the only membership check this system
// makes. A nil key disables sealing (relay debugging).
type Codec struct {
	key *[32]byte
}

// NewCodec returns a codec sealing payloads with key. key may be nil.
func NewCodec(key *[32]byte) *Codec {
	return &Codec{key: key}
}

type sealedPayload struct {
	Nonce []byte `json:"nonce"`
	Box   []byte `json:"box"`
}

type wireSignal struct {
	ID        string          `json:"id"`
	Sender    string          `json:"sender"`
	Recipient Recipient       `json:"recipient"`
	Kind      Kind            `json:"kind"`
	Media     string          `json:"media"`
	CreatedAt int64           `json:"createdAt"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Sealed    *sealedPayload  `json:"sealed,omitempty"`
}

// Encode renders a signal to bytes, sealing the payload when a key is set.
func (c *Codec) Encode(sig *Signal) ([]byte, error) {
	if err := sig.Validate(); err != nil {
		return nil, err
	}

	body, err := json.Marshal(sig.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	w := wireSignal{
		ID:        sig.ID,
		Sender:    string(sig.Sender),
		Recipient: sig.Recipient,
		Kind:      sig.Kind,
		Media:     string(sig.Media),
		CreatedAt: sig.CreatedAt.UnixMilli(),
	}

	if c.key != nil {
		var nonce [24]byte
		if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
			return nil, fmt.Errorf("failed to generate nonce: %w", err)
		}
		w.Sealed = &sealedPayload{
			Nonce: nonce[:],
			Box:   secretbox.Seal(nil, body, &nonce, c.key),
		}
	} else {
		w.Payload = body
	}

	return json.Marshal(w)
}

// Decode parses bytes back into a signal, opening the sealed payload when a
// key is set. Failure to open is reported as ErrSealFailed; callers treat it
// like any other malformed signal and drop it.
func (c *Codec) Decode(data []byte) (*Signal, error) {
	var w wireSignal
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSignal, err)
	}

	var body []byte
	switch {
	case w.Sealed != nil:
		if c.key == nil {
			return nil, fmt.Errorf("%w: sealed payload but no key configured", ErrSealFailed)
		}
		if len(w.Sealed.Nonce) != 24 {
			return nil, fmt.Errorf("%w: bad nonce length %d", ErrSealFailed, len(w.Sealed.Nonce))
		}
		var nonce [24]byte
		copy(nonce[:], w.Sealed.Nonce)
		opened, ok := secretbox.Open(nil, w.Sealed.Box, &nonce, c.key)
		if !ok {
			return nil, ErrSealFailed
		}
		body = opened
	case w.Payload != nil:
		if c.key != nil {
			// A key is configured; plaintext signals do not prove membership.
			return nil, fmt.Errorf("%w: unsealed payload rejected", ErrSealFailed)
		}
		body = w.Payload
	default:
		return nil, fmt.Errorf("%w: missing payload", ErrMalformedSignal)
	}

	sig := &Signal{
		ID:        w.ID,
		Sender:    identity.ParticipantID(w.Sender),
		Recipient: w.Recipient,
		Kind:      w.Kind,
		Media:     media.Kind(w.Media),
		CreatedAt: time.UnixMilli(w.CreatedAt),
	}
	if err := json.Unmarshal(body, &sig.Payload); err != nil {
		return nil, fmt.Errorf("%w: bad payload: %v", ErrMalformedSignal, err)
	}
	if err := sig.Validate(); err != nil {
		return nil, err
	}
	return sig, nil
}
