package memory

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/famcall/identity"
	"github.com/opd-ai/famcall/media"
	"github.com/opd-ai/famcall/signal"
	"github.com/opd-ai/famcall/transport"
)

type collector struct {
	mu   sync.Mutex
	sigs []*signal.Signal
}

func (c *collector) handle(sig *signal.Signal) {
	c.mu.Lock()
	c.sigs = append(c.sigs, sig)
	c.mu.Unlock()
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sigs)
}

func (c *collector) waitFor(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.count() >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d signals, got %d", n, c.count())
}

func familyOfThree(t *testing.T) (hub *Hub, ids []identity.Identity, eps []*Endpoint) {
	t.Helper()
	hub = NewHub(Options{})
	for _, name := range []string{"Kitchen", "Hallway", "Bedroom"} {
		id, err := identity.New("hub-test-family", name)
		require.NoError(t, err)
		ids = append(ids, id)
		eps = append(eps, hub.Endpoint(id))
	}
	t.Cleanup(hub.Close)
	return hub, ids, eps
}

func TestBroadcastReachesWholeFamilyIncludingSender(t *testing.T) {
	_, ids, eps := familyOfThree(t)

	var cols [3]collector
	for i, ep := range eps {
		_, err := ep.Subscribe(cols[i].handle)
		require.NoError(t, err)
	}

	sig := signal.Compose(ids[0], signal.Broadcast(ids[0].Group),
		signal.KindCallRequest, media.KindAudio, signal.Payload{})
	require.NoError(t, eps[0].Append(sig))

	for i := range cols {
		cols[i].waitFor(t, 1)
	}
}

func TestDirectReachesOnlyTarget(t *testing.T) {
	_, ids, eps := familyOfThree(t)

	var cols [3]collector
	for i, ep := range eps {
		_, err := ep.Subscribe(cols[i].handle)
		require.NoError(t, err)
	}

	sig := signal.Compose(ids[0], signal.Direct(ids[1].Participant),
		signal.KindCallAccept, media.KindAudio, signal.Payload{})
	require.NoError(t, eps[0].Append(sig))

	cols[1].waitFor(t, 1)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, cols[0].count(), "sender must not receive a direct signal to another participant")
	assert.Equal(t, 0, cols[2].count(), "third device must not receive it either")
}

func TestOtherFamilyIsInvisible(t *testing.T) {
	hub := NewHub(Options{})
	defer hub.Close()

	us, err := identity.New("family-a", "Us")
	require.NoError(t, err)
	them, err := identity.New("family-b", "Them")
	require.NoError(t, err)

	epUs := hub.Endpoint(us)
	epThem := hub.Endpoint(them)

	var col collector
	_, err = epThem.Subscribe(col.handle)
	require.NoError(t, err)

	sig := signal.Compose(us, signal.Broadcast(us.Group),
		signal.KindCallRequest, media.KindAudio, signal.Payload{})
	require.NoError(t, epUs.Append(sig))

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, col.count(), "a broadcast must stay inside its own group")
}

func TestDuplicateDelivery(t *testing.T) {
	hub := NewHub(Options{Duplicate: true})
	defer hub.Close()

	id, err := identity.New("dup-family", "Solo")
	require.NoError(t, err)
	ep := hub.Endpoint(id)

	var col collector
	_, err = ep.Subscribe(col.handle)
	require.NoError(t, err)

	sig := signal.Compose(id, signal.Broadcast(id.Group),
		signal.KindCallRequest, media.KindAudio, signal.Payload{})
	require.NoError(t, ep.Append(sig))

	col.waitFor(t, 2)
}

func TestSubscribeCancel(t *testing.T) {
	_, ids, eps := familyOfThree(t)

	var col collector
	cancel, err := eps[1].Subscribe(col.handle)
	require.NoError(t, err)
	cancel()

	sig := signal.Compose(ids[0], signal.Broadcast(ids[0].Group),
		signal.KindCallRequest, media.KindAudio, signal.Payload{})
	require.NoError(t, eps[0].Append(sig))

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, col.count())
}

func TestAppendAfterClose(t *testing.T) {
	hub := NewHub(Options{})
	id, err := identity.New("closed-family", "Solo")
	require.NoError(t, err)
	ep := hub.Endpoint(id)
	require.NoError(t, ep.Close())

	sig := signal.Compose(id, signal.Broadcast(id.Group),
		signal.KindCallRequest, media.KindAudio, signal.Payload{})
	assert.ErrorIs(t, ep.Append(sig), transport.ErrClosed)
}

func TestAppendRejectsMalformed(t *testing.T) {
	hub := NewHub(Options{})
	defer hub.Close()
	id, err := identity.New("val-family", "Solo")
	require.NoError(t, err)
	ep := hub.Endpoint(id)

	bad := signal.Compose(id, signal.Direct("p"), signal.KindOffer, media.KindAudio, signal.Payload{})
	assert.ErrorIs(t, ep.Append(bad), signal.ErrMalformedSignal)
}
