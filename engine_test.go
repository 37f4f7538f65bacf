package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilchat/engine/crypto"
	"github.com/veilchat/engine/history"
	"github.com/veilchat/engine/media"
	"github.com/veilchat/engine/transport"
)

func newTestEngine(t *testing.T, hub *transport.Loopback) *Engine {
	t.Helper()
	opts := NewOptions()
	opts.DataDir = t.TempDir()
	opts.Media = media.Config{PullWait: 200 * time.Millisecond}
	e, err := New(hub.Connect(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

// verifiedEngine builds an engine that already trusts the relay and is
// registered under name.
func verifiedEngine(t *testing.T, hub *transport.Loopback, name string) *Engine {
	t.Helper()
	e := newTestEngine(t, hub)
	// Consume the construction-time server trust event so it cannot be
	// mistaken for a later peer trust event.
	ev := waitEvent[TrustEvent](t, e)
	require.Empty(t, ev.Username)
	require.NoError(t, e.VerifyServerPin(e.ServerPin()))
	require.NoError(t, e.Register(context.Background(), name, "pw-"+name))
	return e
}

// waitEvent polls until an event of type T surfaces, re-queueing others
// so later waits can still observe them.
func waitEvent[T Event](t *testing.T, e *Engine) T {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var found *T
		for _, ev := range e.PollEvents(16, 100*time.Millisecond) {
			if want, ok := ev.(T); ok && found == nil {
				found = &want
				continue
			}
			e.events.push(ev)
		}
		if found != nil {
			return *found
		}
	}
	var zero T
	t.Fatalf("no %T event arrived", zero)
	return zero
}

// trustPeer fetches other's key on e and confirms the resulting pin.
func trustPeer(t *testing.T, e *Engine, other string) {
	t.Helper()
	_, err := e.Directory().PeerKey(context.Background(), other)
	require.NoError(t, err)
	rec := e.Trust().PendingPeer()
	require.NotNil(t, rec)
	require.NoError(t, e.Trust().TrustPendingPeer(rec.Pin))
}

func TestServerTrustGate(t *testing.T) {
	hub, err := transport.NewLoopback()
	require.NoError(t, err)
	e := newTestEngine(t, hub)

	// The relay's identity surfaces as a trust event with its pin.
	ev := waitEvent[TrustEvent](t, e)
	assert.Empty(t, ev.Username)
	assert.Equal(t, e.ServerPin(), ev.Pin)

	err = e.Register(context.Background(), "alice", "pw")
	require.ErrorIs(t, err, ErrTrustPending)
	err = e.Login(context.Background(), "alice", "pw")
	require.ErrorIs(t, err, ErrTrustPending)

	err = e.VerifyServerPin("0000-0000-0000-0000-0000-0000")
	require.ErrorIs(t, err, ErrTrustMismatch)
	require.ErrorIs(t, e.Register(context.Background(), "alice", "pw"), ErrTrustPending)

	require.NoError(t, e.VerifyServerPin(e.ServerPin()))
	require.NoError(t, e.Register(context.Background(), "alice", "pw"))
	assert.Equal(t, "alice", e.Session().Username())
}

func TestMessageDeliveryThroughEngine(t *testing.T) {
	hub, err := transport.NewLoopback()
	require.NoError(t, err)
	alice := verifiedEngine(t, hub, "alice")
	bob := verifiedEngine(t, hub, "bob")

	// Fetching bob's key opens a trust decision and emits an event.
	_, err = alice.Directory().PeerKey(context.Background(), "bob")
	require.NoError(t, err)
	ev := waitEvent[TrustEvent](t, alice)
	assert.Equal(t, "bob", ev.Username)
	require.NoError(t, alice.Trust().TrustPendingPeer(ev.Pin))

	id, err := alice.Messenger().SendText(context.Background(), "bob", "", "hello bob", nil)
	require.NoError(t, err)

	msg := waitEvent[MessageEvent](t, bob)
	assert.Equal(t, "alice", msg.Entry.Sender)
	assert.Equal(t, "hello bob", msg.Entry.Text)
	assert.Equal(t, id, msg.Entry.MessageID)
	assert.False(t, msg.Entry.Outgoing)

	// The relay confirms delivery back to the sender.
	notice := waitEvent[NoticeEvent](t, alice)
	assert.Equal(t, "delivery", notice.Kind)
	assert.Equal(t, id, notice.MessageID)
	entry := alice.History().Get("bob", false, id)
	require.NotNil(t, entry)
	assert.Equal(t, history.StatusDelivered, entry.Status)

	// A resend is absorbed on the receiving side without a new event.
	require.NoError(t, alice.Messenger().Resend(context.Background(), "bob", false, id))
	time.Sleep(100 * time.Millisecond)
	for _, ev := range bob.PollEvents(16, 0) {
		_, dup := ev.(MessageEvent)
		assert.False(t, dup, "duplicate message surfaced as a fresh event")
	}
}

func TestFriendFlowEvents(t *testing.T) {
	hub, err := transport.NewLoopback()
	require.NoError(t, err)
	alice := verifiedEngine(t, hub, "alice")
	bob := verifiedEngine(t, hub, "bob")

	require.NoError(t, alice.Directory().SendFriendRequest(context.Background(), "bob", "from work"))

	ev := waitEvent[FriendEvent](t, bob)
	assert.Equal(t, "request", ev.Kind)
	assert.Equal(t, "alice", ev.Username)
	assert.Equal(t, "from work", ev.Remark)

	// The request carries alice's key: bob's trust store now holds a
	// pending record for her.
	trustEv := waitEvent[TrustEvent](t, bob)
	assert.Equal(t, "alice", trustEv.Username)
	_, cached := bob.Directory().CachedPeerKey("alice")
	assert.True(t, cached)

	require.NoError(t, bob.Directory().RespondFriendRequest(context.Background(), "alice", true))
	accepted := waitEvent[FriendEvent](t, alice)
	assert.Equal(t, "accepted", accepted.Kind)
	assert.Equal(t, "bob", accepted.Username)
}

func TestCallKeysAndMediaThroughEngine(t *testing.T) {
	hub, err := transport.NewLoopback()
	require.NoError(t, err)
	ctx := context.Background()
	alice := verifiedEngine(t, hub, "alice")
	bob := verifiedEngine(t, hub, "bob")

	groupID, err := alice.Directory().CreateGroup(ctx)
	require.NoError(t, err)
	require.NoError(t, bob.Directory().JoinGroup(ctx, groupID))

	callID, err := alice.Calls().Start(ctx, groupID, false)
	require.NoError(t, err)
	_, joinKeyID, err := bob.Calls().Join(ctx, callID, groupID, false)
	require.NoError(t, err)
	require.NoError(t, bob.Calls().RequestKey(ctx, callID, joinKeyID))
	first := waitEvent[CallKeyEvent](t, bob)
	assert.Equal(t, callID, first.CallID)

	keyID, err := alice.Calls().RotateKey(ctx, callID, nil)
	require.NoError(t, err)
	rotated := waitEvent[CallKeyEvent](t, bob)
	assert.Equal(t, keyID, rotated.KeyID)

	aliceKey, err := alice.Calls().KeyFor(callID, keyID)
	require.NoError(t, err)
	bobKey, err := bob.Calls().KeyFor(callID, keyID)
	require.NoError(t, err)
	assert.Equal(t, aliceKey, bobKey)

	alice.Media().Subscribe(callID)
	bob.Media().Subscribe(callID)
	require.NoError(t, alice.Media().Push(ctx, callID, "", groupID, []byte("frame-a")))
	frames := bob.Media().Pull(ctx, callID, 0, time.Second)
	require.Len(t, frames, 1)
	assert.Equal(t, "alice", frames[0].From)
	assert.Equal(t, []byte("frame-a"), frames[0].Packet)
}

func TestMediaRootAgreement(t *testing.T) {
	hub, err := transport.NewLoopback()
	require.NoError(t, err)
	ctx := context.Background()
	alice := verifiedEngine(t, hub, "alice")
	bob := verifiedEngine(t, hub, "bob")

	callID, err := crypto.NewCallID()
	require.NoError(t, err)

	// Both sides must verify the other before deriving.
	_, err = alice.MediaRoot(ctx, "bob", callID)
	require.ErrorIs(t, err, ErrTrustPending)

	trustPeer(t, alice, "bob")
	trustPeer(t, bob, "alice")

	aliceRoot, err := alice.MediaRoot(ctx, "bob", callID)
	require.NoError(t, err)
	bobRoot, err := bob.MediaRoot(ctx, "alice", callID)
	require.NoError(t, err)
	assert.Equal(t, aliceRoot, bobRoot)
	assert.NotEqual(t, [32]byte{}, [32]byte(aliceRoot))
}

func TestPairingThroughEngine(t *testing.T) {
	hub, err := transport.NewLoopback()
	require.NoError(t, err)
	ctx := context.Background()
	primary := verifiedEngine(t, hub, "alice")
	secondary := newTestEngine(t, hub)
	require.NoError(t, secondary.VerifyServerPin(secondary.ServerPin()))

	code, err := primary.Pairing().BeginAdvertise(ctx)
	require.NoError(t, err)
	require.NoError(t, secondary.Pairing().RequestLink(ctx, code, "tablet"))

	ev := waitEvent[PairingEvent](t, primary)
	assert.Equal(t, "tablet", ev.DeviceID)

	reqs, err := primary.Pairing().PendingRequests(ctx)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	require.NoError(t, primary.Pairing().Approve(ctx, reqs[0], "alice", primary.KeyPair()))

	linked, err := secondary.Pairing().PollStatus(ctx)
	require.NoError(t, err)
	require.NotNil(t, linked)
	assert.Equal(t, "alice", linked.Username)

	require.NoError(t, secondary.AdoptLinkedIdentity(linked))
	assert.Equal(t, "alice", secondary.Session().Username())
	assert.Equal(t, primary.SelfFingerprint(), secondary.SelfFingerprint())

	// The adopted token authenticates: both devices show up.
	devices := secondary.Directory().ListDevices(ctx, 0)
	assert.Len(t, devices, 2)
}

func TestCloseIsIdempotent(t *testing.T) {
	hub, err := transport.NewLoopback()
	require.NoError(t, err)
	e := newTestEngine(t, hub)
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	assert.Nil(t, e.PollEvents(0, 0))
}
