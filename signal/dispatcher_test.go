package signal

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/famcall/media"
)

// flakyAppender fails the first failures attempts, then succeeds.
type flakyAppender struct {
	mu       sync.Mutex
	failures int
	attempts []time.Time
	appended []*Signal
}

func (f *flakyAppender) Append(sig *Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, time.Now())
	if len(f.attempts) <= f.failures {
		return errors.New("relay unreachable")
	}
	f.appended = append(f.appended, sig)
	return nil
}

func (f *flakyAppender) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.attempts)
}

func TestNewDispatcherNilTransport(t *testing.T) {
	_, err := NewDispatcher(nil)
	assert.Error(t, err)
}

func TestSendFirstAttemptSucceeds(t *testing.T) {
	tr := &flakyAppender{}
	d, err := NewDispatcher(tr)
	require.NoError(t, err)

	self := testIdentity(t)
	sig := Compose(self, Broadcast(self.Group), KindCallRequest, media.KindAudio, Payload{})

	require.NoError(t, d.Send(sig))
	assert.Equal(t, 1, tr.attemptCount())
	assert.Len(t, tr.appended, 1)
}

func TestSendRetriesWithBackoff(t *testing.T) {
	tr := &flakyAppender{failures: 2}
	d, err := NewDispatcher(tr)
	require.NoError(t, err)
	d.backoff = 10 * time.Millisecond // keep the test fast

	self := testIdentity(t)
	sig := Compose(self, Broadcast(self.Group), KindCallRequest, media.KindAudio, Payload{})

	start := time.Now()
	require.NoError(t, d.Send(sig))
	elapsed := time.Since(start)

	assert.Equal(t, 3, tr.attemptCount(), "two failures then success")
	// 10ms after attempt 1, 20ms after attempt 2.
	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond, "backoff delays must be honored")
}

func TestSendExhaustsRetries(t *testing.T) {
	tr := &flakyAppender{failures: 100}
	d, err := NewDispatcher(tr)
	require.NoError(t, err)
	d.backoff = time.Millisecond

	self := testIdentity(t)
	sig := Compose(self, Broadcast(self.Group), KindCallRequest, media.KindAudio, Payload{})

	err = d.Send(sig)
	assert.ErrorIs(t, err, ErrDeliveryFailed)
	assert.Equal(t, SendRetries, tr.attemptCount())
}

func TestSendRejectsMalformed(t *testing.T) {
	tr := &flakyAppender{}
	d, err := NewDispatcher(tr)
	require.NoError(t, err)

	self := testIdentity(t)
	bad := Compose(self, Direct("p"), KindOffer, media.KindAudio, Payload{})

	assert.ErrorIs(t, d.Send(bad), ErrMalformedSignal)
	assert.Equal(t, 0, tr.attemptCount(), "malformed signals never reach the transport")
}

func TestSendAsyncSwallowsFailure(t *testing.T) {
	tr := &flakyAppender{failures: 100}
	d, err := NewDispatcher(tr)
	require.NoError(t, err)
	d.backoff = time.Millisecond

	self := testIdentity(t)
	sig := Compose(self, Direct("p"), KindCallEnd, media.KindAudio, Payload{})

	d.SendAsync(sig)
	d.Wait()

	assert.Equal(t, SendRetries, tr.attemptCount())
}
