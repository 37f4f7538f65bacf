package pairing

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilchat/engine/crypto"
	"github.com/veilchat/engine/protocol"
	"github.com/veilchat/engine/session"
	"github.com/veilchat/engine/transport"
)

type primary struct {
	client  *transport.LoopbackClient
	keyPair *crypto.KeyPair
	pairer  *Pairer
}

func newPrimary(t *testing.T, hub *transport.Loopback, name string) *primary {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	client := hub.Connect()
	t.Cleanup(func() { client.Close() })

	sm := session.NewManager(client, kp)
	require.NoError(t, sm.Register(context.Background(), name, "pw"))
	return &primary{client: client, keyPair: kp, pairer: New(client)}
}

func newLinked(t *testing.T, hub *transport.Loopback) *Pairer {
	t.Helper()
	client := hub.Connect()
	t.Cleanup(func() { client.Close() })
	return New(client)
}

func newHub(t *testing.T) *transport.Loopback {
	t.Helper()
	hub, err := transport.NewLoopback()
	require.NoError(t, err)
	return hub
}

func TestLinkFlow(t *testing.T) {
	hub := newHub(t)
	alice := newPrimary(t, hub, "alice")
	linked := newLinked(t, hub)

	code, err := alice.pairer.BeginAdvertise(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, code)
	assert.Equal(t, StateAdvertising, alice.pairer.State())

	require.NoError(t, linked.RequestLink(context.Background(), code, "tablet-1"))
	assert.Equal(t, StateRequesting, linked.State())

	// Nothing approved yet.
	id, err := linked.PollStatus(context.Background())
	require.NoError(t, err)
	assert.Nil(t, id)

	requests, err := alice.pairer.PendingRequests(context.Background())
	require.NoError(t, err)
	require.Len(t, requests, 1)
	assert.Equal(t, "tablet-1", requests[0].DeviceID)

	require.NoError(t, alice.pairer.Approve(context.Background(), requests[0], "alice", alice.keyPair))
	assert.Equal(t, StateBound, alice.pairer.State())

	id, err = linked.PollStatus(context.Background())
	require.NoError(t, err)
	require.NotNil(t, id)
	assert.Equal(t, "alice", id.Username)
	assert.Equal(t, alice.keyPair.Private, id.SecretKey, "the identity key transfers intact")
	assert.NotEmpty(t, id.Token, "the relay mints a session token for the new device")
	assert.Equal(t, "tablet-1", id.DeviceID)
	assert.Equal(t, StateBound, linked.State())
}

func TestCodeIsSingleUse(t *testing.T) {
	hub := newHub(t)
	alice := newPrimary(t, hub, "alice")
	first := newLinked(t, hub)
	second := newLinked(t, hub)

	code, err := alice.pairer.BeginAdvertise(context.Background())
	require.NoError(t, err)
	require.NoError(t, first.RequestLink(context.Background(), code, "tablet-1"))
	require.NoError(t, second.RequestLink(context.Background(), code, "tablet-2"))

	requests, err := alice.pairer.PendingRequests(context.Background())
	require.NoError(t, err)
	require.Len(t, requests, 2)

	require.NoError(t, alice.pairer.Approve(context.Background(), requests[0], "alice", alice.keyPair))
	err = alice.pairer.Approve(context.Background(), requests[1], "alice", alice.keyPair)
	assert.ErrorIs(t, err, protocol.ErrAlreadyResolved, "a second approval is refused as already resolved")

	// Same request id again, same answer.
	err = alice.pairer.Approve(context.Background(), requests[0], "alice", alice.keyPair)
	assert.ErrorIs(t, err, protocol.ErrAlreadyResolved)
}

func TestCancelClosesWindow(t *testing.T) {
	hub := newHub(t)
	alice := newPrimary(t, hub, "alice")
	linked := newLinked(t, hub)

	code, err := alice.pairer.BeginAdvertise(context.Background())
	require.NoError(t, err)
	require.NoError(t, alice.pairer.Cancel(context.Background()))
	assert.Equal(t, StateCancelled, alice.pairer.State())

	err = linked.RequestLink(context.Background(), code, "tablet-1")
	assert.ErrorIs(t, err, protocol.ErrNotFound, "a cancelled code is dead at the relay")
}

func TestBadCode(t *testing.T) {
	hub := newHub(t)
	linked := newLinked(t, hub)

	err := linked.RequestLink(context.Background(), "not a real code", "tablet-1")
	assert.Error(t, err)

	// A well-formed code nobody advertised is unknown to the relay.
	fresh, err := crypto.NewPairingCode()
	require.NoError(t, err)
	err = linked.RequestLink(context.Background(), fresh, "tablet-1")
	assert.ErrorIs(t, err, protocol.ErrNotFound)
}

func TestApproveNeedsWindow(t *testing.T) {
	hub := newHub(t)
	alice := newPrimary(t, hub, "alice")

	err := alice.pairer.Approve(context.Background(), Request{DeviceID: "d", RequestID: "r"}, "alice", alice.keyPair)
	assert.ErrorIs(t, err, protocol.ErrInvalidArgument)

	_, err = alice.pairer.PendingRequests(context.Background())
	assert.ErrorIs(t, err, protocol.ErrInvalidArgument)
}

func TestSingleWindowAtATime(t *testing.T) {
	hub := newHub(t)
	alice := newPrimary(t, hub, "alice")

	_, err := alice.pairer.BeginAdvertise(context.Background())
	require.NoError(t, err)
	_, err = alice.pairer.BeginAdvertise(context.Background())
	assert.ErrorIs(t, err, protocol.ErrInvalidArgument, "one window at a time")
}

func TestPairingPushReachesPrimary(t *testing.T) {
	hub := newHub(t)
	alice := newPrimary(t, hub, "alice")
	linked := newLinked(t, hub)

	code, err := alice.pairer.BeginAdvertise(context.Background())
	require.NoError(t, err)
	require.NoError(t, linked.RequestLink(context.Background(), code, "tablet-1"))

	select {
	case p := <-alice.client.Pushes():
		require.Equal(t, protocol.PushPairing, p.Kind)
		var push protocol.PairingPush
		require.NoError(t, json.Unmarshal(p.Body, &push))
		assert.Equal(t, "tablet-1", push.DeviceID)
	case <-time.After(2 * time.Second):
		t.Fatal("no pairing push arrived")
	}
}
