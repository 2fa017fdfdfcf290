package signal

import (
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/famcall/identity"
	"github.com/opd-ai/famcall/media"
)

func TestCodecSealedRoundTrip(t *testing.T) {
	self := testIdentity(t)
	key, err := identity.SealKey("test-family")
	require.NoError(t, err)
	codec := NewCodec(key)

	desc := &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}
	sig := Compose(self, Direct("responder"), KindOffer, media.KindVideo,
		Payload{Description: desc})

	data, err := codec.Encode(sig)
	require.NoError(t, err)

	out, err := codec.Decode(data)
	require.NoError(t, err)

	assert.Equal(t, sig.ID, out.ID)
	assert.Equal(t, sig.Sender, out.Sender)
	assert.Equal(t, sig.Recipient, out.Recipient)
	assert.Equal(t, sig.Kind, out.Kind)
	assert.Equal(t, sig.Media, out.Media)
	require.NotNil(t, out.Payload.Description)
	assert.Equal(t, desc.SDP, out.Payload.Description.SDP)
	assert.Equal(t, sig.CreatedAt.UnixMilli(), out.CreatedAt.UnixMilli())
}

func TestCodecUnsealedRoundTrip(t *testing.T) {
	self := testIdentity(t)
	codec := NewCodec(nil)

	sig := Compose(self, Broadcast(self.Group), KindCallRequest, media.KindAudio, Payload{})
	data, err := codec.Encode(sig)
	require.NoError(t, err)

	out, err := codec.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, sig.Sender, out.Sender)
	assert.Equal(t, self.DisplayName, out.Payload.DisplayName)
}

func TestCodecWrongFamilyKeyRejected(t *testing.T) {
	self := testIdentity(t)
	rightKey, err := identity.SealKey("test-family")
	require.NoError(t, err)
	wrongKey, err := identity.SealKey("other-family")
	require.NoError(t, err)

	sig := Compose(self, Broadcast(self.Group), KindCallRequest, media.KindAudio, Payload{})
	data, err := NewCodec(rightKey).Encode(sig)
	require.NoError(t, err)

	_, err = NewCodec(wrongKey).Decode(data)
	assert.ErrorIs(t, err, ErrSealFailed)
}

func TestCodecRejectsPlaintextWhenKeyed(t *testing.T) {
	self := testIdentity(t)
	key, err := identity.SealKey("test-family")
	require.NoError(t, err)

	sig := Compose(self, Broadcast(self.Group), KindCallRequest, media.KindAudio, Payload{})
	plain, err := NewCodec(nil).Encode(sig)
	require.NoError(t, err)

	_, err = NewCodec(key).Decode(plain)
	assert.ErrorIs(t, err, ErrSealFailed)
}

func TestCodecDecodeGarbage(t *testing.T) {
	codec := NewCodec(nil)

	_, err := codec.Decode([]byte("not json"))
	assert.ErrorIs(t, err, ErrMalformedSignal)

	_, err = codec.Decode([]byte(`{"id":"x","sender":"s","kind":"offer","media":"audio","recipient":{"scope":"participant","id":"p"}}`))
	assert.ErrorIs(t, err, ErrMalformedSignal, "missing payload must be rejected")
}

func TestCodecEncodeRejectsInvalidSignal(t *testing.T) {
	self := testIdentity(t)
	codec := NewCodec(nil)

	bad := Compose(self, Direct("p"), KindOffer, media.KindAudio, Payload{})
	_, err := codec.Encode(bad)
	assert.ErrorIs(t, err, ErrMalformedSignal)
}
