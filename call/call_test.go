package call

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilchat/engine/crypto"
	"github.com/veilchat/engine/directory"
	"github.com/veilchat/engine/protocol"
	"github.com/veilchat/engine/session"
	"github.com/veilchat/engine/transport"
)

type caller struct {
	name   string
	client *transport.LoopbackClient
	dir    *directory.Directory
	calls  *Manager
}

func newCaller(t *testing.T, hub *transport.Loopback, name string) *caller {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	client := hub.Connect()
	t.Cleanup(func() { client.Close() })

	sm := session.NewManager(client, kp)
	require.NoError(t, sm.Register(context.Background(), name, "pw-"+name))
	return &caller{name: name, client: client, dir: directory.New(client), calls: NewManager(client)}
}

func newHub(t *testing.T) *transport.Loopback {
	t.Helper()
	hub, err := transport.NewLoopback()
	require.NoError(t, err)
	return hub
}

func setupGroup(t *testing.T, members ...*caller) string {
	t.Helper()
	groupID, err := members[0].dir.CreateGroup(context.Background())
	require.NoError(t, err)
	for _, m := range members[1:] {
		require.NoError(t, m.dir.JoinGroup(context.Background(), groupID))
	}
	return groupID
}

func keyPush(t *testing.T, client *transport.LoopbackClient) *protocol.CallKeyPush {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case p, ok := <-client.Pushes():
			require.True(t, ok)
			if p.Kind == protocol.PushCallKey {
				var push protocol.CallKeyPush
				require.NoError(t, json.Unmarshal(p.Body, &push))
				return &push
			}
		case <-deadline:
			t.Fatal("no call key push arrived")
		}
	}
}

func TestStartPublishesFirstEpoch(t *testing.T) {
	hub := newHub(t)
	alice := newCaller(t, hub, "alice")
	groupID := setupGroup(t, alice)

	id, err := alice.calls.Start(context.Background(), groupID, false)
	require.NoError(t, err)
	assert.False(t, id.IsZero())

	keyID, key, err := alice.calls.CurrentKey(id)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), keyID)
	assert.NotEqual(t, crypto.CallKey{}, key)
}

func TestStartRequiresMembership(t *testing.T) {
	hub := newHub(t)
	alice := newCaller(t, hub, "alice")
	bob := newCaller(t, hub, "bob")
	groupID := setupGroup(t, alice)

	_, err := bob.calls.Start(context.Background(), groupID, false)
	assert.ErrorIs(t, err, protocol.ErrAuthz)
}

func TestJoinByZeroIDResolvesActiveCall(t *testing.T) {
	hub := newHub(t)
	alice := newCaller(t, hub, "alice")
	bob := newCaller(t, hub, "bob")
	groupID := setupGroup(t, alice, bob)

	started, err := alice.calls.Start(context.Background(), groupID, true)
	require.NoError(t, err)

	joined, keyID, err := bob.calls.Join(context.Background(), crypto.CallID{}, groupID, true)
	require.NoError(t, err)
	assert.Equal(t, started, joined, "zero id resolves to the group's active call")
	assert.Equal(t, uint32(1), keyID)
}

func TestKeyRotationIsStrictlyIncreasing(t *testing.T) {
	hub := newHub(t)
	alice := newCaller(t, hub, "alice")
	bob := newCaller(t, hub, "bob")
	groupID := setupGroup(t, alice, bob)

	id, err := alice.calls.Start(context.Background(), groupID, false)
	require.NoError(t, err)
	_, _, err = bob.calls.Join(context.Background(), id, "", false)
	require.NoError(t, err)

	for want := uint32(2); want <= 4; want++ {
		got, err := alice.calls.RotateKey(context.Background(), id, nil)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	keyID, _, err := alice.calls.CurrentKey(id)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), keyID)

	// Bob received every rotation through pushes.
	for want := uint32(2); want <= 4; want++ {
		push := keyPush(t, bob.client)
		require.NoError(t, bob.calls.HandleKeyPush(push))
		assert.Equal(t, want, push.KeyID)
	}
	keyID, bobKey, err := bob.calls.CurrentKey(id)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), keyID)
	_, aliceKey, err := alice.calls.CurrentKey(id)
	require.NoError(t, err)
	assert.Equal(t, aliceKey, bobKey, "both sides hold the same epoch key")
}

func TestStaleEpochOnPublish(t *testing.T) {
	hub := newHub(t)
	alice := newCaller(t, hub, "alice")
	groupID := setupGroup(t, alice)

	id, err := alice.calls.Start(context.Background(), groupID, false)
	require.NoError(t, err)

	// Replaying an already-used epoch id at the relay is refused.
	key, err := crypto.NewCallKey()
	require.NoError(t, err)
	req := &protocol.CallKeyPublishRequest{CallID: id[:], KeyID: 1, Key: key[:]}
	err = alice.client.Call(context.Background(), protocol.OpCallKeyPublish, req, nil)
	assert.ErrorIs(t, err, protocol.ErrInvalidArgument)
}

func TestRestrictedRotationExcludesMember(t *testing.T) {
	hub := newHub(t)
	alice := newCaller(t, hub, "alice")
	bob := newCaller(t, hub, "bob")
	carol := newCaller(t, hub, "carol")
	groupID := setupGroup(t, alice, bob, carol)

	id, err := alice.calls.Start(context.Background(), groupID, false)
	require.NoError(t, err)
	_, _, err = bob.calls.Join(context.Background(), id, "", false)
	require.NoError(t, err)
	_, _, err = carol.calls.Join(context.Background(), id, "", false)
	require.NoError(t, err)

	// Rotate to epoch 2, excluding carol.
	keyID, err := alice.calls.RotateKey(context.Background(), id, []string{"alice", "bob"})
	require.NoError(t, err)
	require.Equal(t, uint32(2), keyID)
	require.NoError(t, bob.calls.HandleKeyPush(keyPush(t, bob.client)))

	// Carol asks the relay for the epoch she was cut out of.
	req := &protocol.CallKeyRequestRequest{CallID: id[:], KeyID: 2}
	err = carol.client.Call(context.Background(), protocol.OpCallKeyRequest, req, nil)
	assert.ErrorIs(t, err, protocol.ErrAuthz)

	// Once epoch 3 lands, asking for 2 reports it as stale.
	_, err = alice.calls.RotateKey(context.Background(), id, []string{"alice", "bob"})
	require.NoError(t, err)
	err = carol.client.Call(context.Background(), protocol.OpCallKeyRequest, req, nil)
	assert.ErrorIs(t, err, protocol.ErrStaleKey)
}

func TestKeyForLocalStaleSemantics(t *testing.T) {
	hub := newHub(t)
	alice := newCaller(t, hub, "alice")
	bob := newCaller(t, hub, "bob")
	groupID := setupGroup(t, alice, bob)

	id, err := alice.calls.Start(context.Background(), groupID, false)
	require.NoError(t, err)
	_, _, err = bob.calls.Join(context.Background(), id, "", false)
	require.NoError(t, err)

	// Bob knows the current epoch is 1 but never received its key.
	_, err = bob.calls.KeyFor(id, 1)
	assert.ErrorIs(t, err, protocol.ErrNotFound)

	// Epoch 2 arrives; epoch 1 is now superseded and was never held.
	_, err = alice.calls.RotateKey(context.Background(), id, nil)
	require.NoError(t, err)
	require.NoError(t, bob.calls.HandleKeyPush(keyPush(t, bob.client)))

	_, err = bob.calls.KeyFor(id, 1)
	assert.ErrorIs(t, err, protocol.ErrStaleKey)
	_, err = bob.calls.KeyFor(id, 2)
	assert.NoError(t, err)
}

func TestRequestKeyDeliversThroughPush(t *testing.T) {
	hub := newHub(t)
	alice := newCaller(t, hub, "alice")
	bob := newCaller(t, hub, "bob")
	groupID := setupGroup(t, alice, bob)

	id, err := alice.calls.Start(context.Background(), groupID, false)
	require.NoError(t, err)
	_, _, err = bob.calls.Join(context.Background(), id, "", false)
	require.NoError(t, err)

	// Epoch 1 predates bob; he fetches it explicitly.
	require.NoError(t, bob.calls.RequestKey(context.Background(), id, 1))
	push := keyPush(t, bob.client)
	require.NoError(t, bob.calls.HandleKeyPush(push))
	assert.Equal(t, uint32(1), push.KeyID)

	_, err = bob.calls.KeyFor(id, 1)
	assert.NoError(t, err)
}

func TestLeaveWipesEpochs(t *testing.T) {
	hub := newHub(t)
	alice := newCaller(t, hub, "alice")
	groupID := setupGroup(t, alice)

	id, err := alice.calls.Start(context.Background(), groupID, false)
	require.NoError(t, err)
	require.NoError(t, alice.calls.Leave(context.Background(), id))

	_, _, err = alice.calls.CurrentKey(id)
	assert.ErrorIs(t, err, protocol.ErrNotFound)
}

func TestSignalResolvesCallAndRoster(t *testing.T) {
	hub := newHub(t)
	alice := newCaller(t, hub, "alice")
	bob := newCaller(t, hub, "bob")
	groupID := setupGroup(t, alice, bob)

	id, err := alice.calls.Start(context.Background(), groupID, false)
	require.NoError(t, err)
	_, _, err = bob.calls.Join(context.Background(), id, "", false)
	require.NoError(t, err)

	res, err := bob.calls.Signal(context.Background(), crypto.CallID{}, groupID, 1, false, 0, 7, uint64(time.Now().UnixMilli()), nil)
	require.NoError(t, err)
	assert.Equal(t, id, res.CallID, "the relay resolves the active call id")
	assert.Equal(t, uint32(1), res.KeyID)
	assert.ElementsMatch(t, []string{"alice", "bob"}, res.Members)
}

func TestSignalExtTooLarge(t *testing.T) {
	hub := newHub(t)
	alice := newCaller(t, hub, "alice")
	groupID := setupGroup(t, alice)

	id, err := alice.calls.Start(context.Background(), groupID, false)
	require.NoError(t, err)

	_, err = alice.calls.Signal(context.Background(), id, "", 1, false, 0, 0, 0, make([]byte, 4097))
	assert.ErrorIs(t, err, protocol.ErrInvalidArgument)
}
