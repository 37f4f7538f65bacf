package messaging

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilchat/engine/crypto"
	"github.com/veilchat/engine/directory"
	"github.com/veilchat/engine/history"
	"github.com/veilchat/engine/protocol"
	"github.com/veilchat/engine/session"
	"github.com/veilchat/engine/transport"
	"github.com/veilchat/engine/trust"
)

type peer struct {
	name    string
	client  *transport.LoopbackClient
	keyPair *crypto.KeyPair
	dir     *directory.Directory
	trust   *trust.Store
	hist    *history.Store
	msgr    *Messenger
}

func newPeer(t *testing.T, hub *transport.Loopback, name string) *peer {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	client := hub.Connect()
	t.Cleanup(func() { client.Close() })

	sm := session.NewManager(client, kp)
	require.NoError(t, sm.Register(context.Background(), name, "pw-"+name))

	p := &peer{
		name:    name,
		client:  client,
		keyPair: kp,
		dir:     directory.New(client),
		trust:   trust.NewStore(),
		hist:    history.NewStore(t.TempDir()),
	}
	p.dir.SetPeerObserver(func(username string, publicKey [32]byte) {
		p.trust.ObservePeer(username, crypto.Fingerprint(publicKey))
	})
	p.msgr = New(client, kp, p.dir, p.trust, p.hist, sm.Username)
	return p
}

// trustPeer fetches other's key and commits it, the way a user would
// after comparing pins.
func (p *peer) trustPeer(t *testing.T, other string) {
	t.Helper()
	_, err := p.dir.PeerKey(context.Background(), other)
	require.NoError(t, err)
	rec := p.trust.PendingPeer()
	require.NotNil(t, rec, "fetching an unknown key must open a trust decision")
	require.NoError(t, p.trust.TrustPendingPeer(rec.Pin))
}

// nextPush returns the next push of the wanted kind, skipping others.
func nextPush(t *testing.T, client *transport.LoopbackClient, kind string) protocol.Push {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case p, ok := <-client.Pushes():
			require.True(t, ok, "push channel closed")
			if p.Kind == kind {
				return p
			}
		case <-deadline:
			t.Fatalf("no %q push arrived", kind)
		}
	}
}

func messagePush(t *testing.T, client *transport.LoopbackClient) *protocol.MessagePush {
	t.Helper()
	raw := nextPush(t, client, protocol.PushMessage)
	var push protocol.MessagePush
	require.NoError(t, json.Unmarshal(raw.Body, &push))
	return &push
}

func newHub(t *testing.T) *transport.Loopback {
	t.Helper()
	hub, err := transport.NewLoopback()
	require.NoError(t, err)
	return hub
}

func TestSendTextEndToEnd(t *testing.T) {
	hub := newHub(t)
	alice := newPeer(t, hub, "alice")
	bob := newPeer(t, hub, "bob")
	alice.trustPeer(t, "bob")

	id, err := alice.msgr.SendText(context.Background(), "bob", "", "hello bob", nil)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	assert.Equal(t, history.StatusSent, alice.hist.Get("bob", false, id).Status)

	entry, fresh, err := bob.msgr.HandleMessagePush(messagePush(t, bob.client))
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.Equal(t, "hello bob", entry.Text)
	assert.Equal(t, "alice", entry.Sender)
	assert.Equal(t, "alice", entry.ConversationID)
	assert.False(t, entry.IsGroup)
}

func TestSendRequiresTrustedPeer(t *testing.T) {
	hub := newHub(t)
	alice := newPeer(t, hub, "alice")
	newPeer(t, hub, "bob")

	_, err := alice.msgr.SendText(context.Background(), "bob", "", "hi", nil)
	assert.ErrorIs(t, err, protocol.ErrTrustPending)
}

func TestReceiveWorksWhilePending(t *testing.T) {
	hub := newHub(t)
	alice := newPeer(t, hub, "alice")
	bob := newPeer(t, hub, "bob")
	alice.trustPeer(t, "bob")

	// Bob never verified alice; he can still read her message.
	_, err := alice.msgr.SendText(context.Background(), "bob", "", "first contact", nil)
	require.NoError(t, err)

	entry, fresh, err := bob.msgr.HandleMessagePush(messagePush(t, bob.client))
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.Equal(t, "first contact", entry.Text)
	assert.True(t, bob.trust.HasPendingPeer(), "her key entered his trust store as pending")
}

func TestResendProducesIdenticalEnvelopeAndDeduplicates(t *testing.T) {
	hub := newHub(t)
	alice := newPeer(t, hub, "alice")
	bob := newPeer(t, hub, "bob")
	alice.trustPeer(t, "bob")

	id, err := alice.msgr.SendText(context.Background(), "bob", "", "once only", nil)
	require.NoError(t, err)
	first := messagePush(t, bob.client)
	_, fresh, err := bob.msgr.HandleMessagePush(first)
	require.NoError(t, err)
	require.True(t, fresh)

	require.NoError(t, alice.msgr.Resend(context.Background(), "bob", false, id))
	second := messagePush(t, bob.client)
	assert.Equal(t, first.Envelope, second.Envelope, "resend reproduces the ciphertext byte for byte")

	_, fresh, err = bob.msgr.HandleMessagePush(second)
	require.NoError(t, err)
	assert.False(t, fresh, "the duplicate is absorbed silently")
	assert.Len(t, bob.hist.Load("alice", false, 0), 1)
}

func TestResendUnknownMessage(t *testing.T) {
	hub := newHub(t)
	alice := newPeer(t, hub, "alice")

	err := alice.msgr.Resend(context.Background(), "bob", false, "deadbeefdeadbeefdeadbeefdeadbeef")
	assert.ErrorIs(t, err, protocol.ErrNotFound)
}

func TestTextValidation(t *testing.T) {
	hub := newHub(t)
	alice := newPeer(t, hub, "alice")

	_, err := alice.msgr.SendText(context.Background(), "bob", "", "", nil)
	assert.Error(t, err, "empty text is rejected")

	_, err = alice.msgr.SendText(context.Background(), "bob", "", strings.Repeat("x", 4097), nil)
	assert.Error(t, err, "oversize text is rejected")
}

func TestReplyMetadata(t *testing.T) {
	hub := newHub(t)
	alice := newPeer(t, hub, "alice")
	bob := newPeer(t, hub, "bob")
	alice.trustPeer(t, "bob")

	_, err := alice.msgr.SendText(context.Background(), "bob", "", "answer", &Reply{
		MessageID: "aaaabbbbccccddddaaaabbbbccccdddd",
		Preview:   "original question",
	})
	require.NoError(t, err)

	entry, _, err := bob.msgr.HandleMessagePush(messagePush(t, bob.client))
	require.NoError(t, err)
	assert.Equal(t, "aaaabbbbccccddddaaaabbbbccccdddd", entry.ReplyTo)
	assert.Equal(t, "original question", entry.ReplyPreview)
}

func TestGroupMessageFanOut(t *testing.T) {
	hub := newHub(t)
	alice := newPeer(t, hub, "alice")
	bob := newPeer(t, hub, "bob")
	carol := newPeer(t, hub, "carol")

	groupID, err := alice.dir.CreateGroup(context.Background())
	require.NoError(t, err)
	require.NoError(t, bob.dir.JoinGroup(context.Background(), groupID))
	require.NoError(t, carol.dir.JoinGroup(context.Background(), groupID))

	_, err = alice.msgr.SendText(context.Background(), "", groupID, "hello group", nil)
	require.NoError(t, err)

	for _, p := range []*peer{bob, carol} {
		entry, fresh, err := p.msgr.HandleMessagePush(messagePush(t, p.client))
		require.NoError(t, err)
		assert.True(t, fresh)
		assert.Equal(t, "hello group", entry.Text)
		assert.Equal(t, groupID, entry.ConversationID)
		assert.True(t, entry.IsGroup)
	}
}

func TestSendFileBytesRoundTrip(t *testing.T) {
	hub := newHub(t)
	alice := newPeer(t, hub, "alice")
	bob := newPeer(t, hub, "bob")
	alice.trustPeer(t, "bob")

	content := []byte("the attachment body")
	_, err := alice.msgr.SendFileBytes(context.Background(), "bob", "", "notes.txt", content)
	require.NoError(t, err)

	entry, _, err := bob.msgr.HandleMessagePush(messagePush(t, bob.client))
	require.NoError(t, err)
	assert.Equal(t, history.KindFile, entry.Kind)
	assert.Equal(t, "notes.txt", entry.FileName)
	assert.Equal(t, uint64(len(content)), entry.FileSize)

	dl := history.NewDownloader(bob.hist, bob.client)
	got, err := dl.ToBytes(context.Background(), "alice", false, entry.MessageID, nil, false)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestSendSticker(t *testing.T) {
	hub := newHub(t)
	alice := newPeer(t, hub, "alice")
	bob := newPeer(t, hub, "bob")
	alice.trustPeer(t, "bob")

	_, err := alice.msgr.SendSticker(context.Background(), "bob", "", "cat-42")
	require.NoError(t, err)

	entry, _, err := bob.msgr.HandleMessagePush(messagePush(t, bob.client))
	require.NoError(t, err)
	assert.Equal(t, history.KindSticker, entry.Kind)
	assert.Equal(t, "cat-42", entry.StickerID)
}

func TestSendLocation(t *testing.T) {
	hub := newHub(t)
	alice := newPeer(t, hub, "alice")
	bob := newPeer(t, hub, "bob")
	alice.trustPeer(t, "bob")

	_, err := alice.msgr.SendLocation(context.Background(), "bob", "", 520000000, 134000000, "office")
	require.NoError(t, err)

	entry, _, err := bob.msgr.HandleMessagePush(messagePush(t, bob.client))
	require.NoError(t, err)
	assert.Equal(t, history.KindLocation, entry.Kind)
	assert.Equal(t, int32(520000000), entry.LatE7)
	assert.Equal(t, int32(134000000), entry.LonE7)
	assert.Equal(t, "office", entry.Label)
}

func TestSendLocationOutOfRange(t *testing.T) {
	hub := newHub(t)
	alice := newPeer(t, hub, "alice")

	_, err := alice.msgr.SendLocation(context.Background(), "bob", "", 900000001, 0, "")
	assert.ErrorIs(t, err, protocol.ErrInvalidArgument)
}

func TestSendContact(t *testing.T) {
	hub := newHub(t)
	alice := newPeer(t, hub, "alice")
	bob := newPeer(t, hub, "bob")
	alice.trustPeer(t, "bob")

	_, err := alice.msgr.SendContact(context.Background(), "bob", "", "carol", "Carol C")
	require.NoError(t, err)

	entry, _, err := bob.msgr.HandleMessagePush(messagePush(t, bob.client))
	require.NoError(t, err)
	assert.Equal(t, history.KindContact, entry.Kind)
	assert.Equal(t, "carol", entry.CardUsername)
	assert.Equal(t, "Carol C", entry.CardDisplay)
}

func TestTypingNotice(t *testing.T) {
	hub := newHub(t)
	alice := newPeer(t, hub, "alice")
	bob := newPeer(t, hub, "bob")

	require.NoError(t, alice.msgr.SendTyping(context.Background(), "bob", true))

	raw := nextPush(t, bob.client, protocol.PushNotice)
	var push protocol.NoticePush
	require.NoError(t, json.Unmarshal(raw.Body, &push))
	assert.Equal(t, protocol.NoticeTyping, push.Kind)
	assert.Equal(t, "alice", push.From)
	assert.True(t, push.On)
}

func TestReadReceiptNotice(t *testing.T) {
	hub := newHub(t)
	alice := newPeer(t, hub, "alice")
	bob := newPeer(t, hub, "bob")

	require.NoError(t, bob.msgr.SendReadReceipt(context.Background(), "alice", "aaaabbbbccccddddaaaabbbbccccdddd"))

	raw := nextPush(t, alice.client, protocol.PushNotice)
	var push protocol.NoticePush
	require.NoError(t, json.Unmarshal(raw.Body, &push))
	assert.Equal(t, protocol.NoticeReceipt, push.Kind)
	assert.Equal(t, "aaaabbbbccccddddaaaabbbbccccdddd", push.MessageID)
}

func TestDeliveryConfirmation(t *testing.T) {
	hub := newHub(t)
	alice := newPeer(t, hub, "alice")
	bob := newPeer(t, hub, "bob")
	alice.trustPeer(t, "bob")

	id, err := alice.msgr.SendText(context.Background(), "bob", "", "confirm me", nil)
	require.NoError(t, err)
	messagePush(t, bob.client)

	raw := nextPush(t, alice.client, protocol.PushNotice)
	var push protocol.NoticePush
	require.NoError(t, json.Unmarshal(raw.Body, &push))
	assert.Equal(t, protocol.NoticeDelivery, push.Kind)
	assert.Equal(t, id, push.MessageID)
}

func TestOfflineQueueing(t *testing.T) {
	hub := newHub(t)
	alice := newPeer(t, hub, "alice")
	bob := newPeer(t, hub, "bob")
	alice.trustPeer(t, "bob")
	bobKey := bob.keyPair

	// Bob disconnects; alice's message waits in his offline queue.
	require.NoError(t, bob.client.Close())
	_, err := alice.msgr.SendText(context.Background(), "bob", "", "catch up later", nil)
	require.NoError(t, err)

	// Bob reconnects on a fresh client and logs back in.
	client2 := hub.Connect()
	defer client2.Close()
	sm2 := session.NewManager(client2, bobKey)
	require.NoError(t, sm2.Login(context.Background(), "bob", "pw-bob"))

	raw := nextPush(t, client2, protocol.PushMessage)
	var push protocol.MessagePush
	require.NoError(t, json.Unmarshal(raw.Body, &push))
	assert.Equal(t, "alice", push.From)
}
