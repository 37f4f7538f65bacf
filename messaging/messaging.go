// Package messaging builds, encrypts, and routes chat payloads. Every
// message is sealed into a deterministic envelope keyed by conversation
// and nonce-bound to its message id, so resending a message id yields
// byte-identical ciphertext and receivers can deduplicate safely.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/veilchat/engine/crypto"
	"github.com/veilchat/engine/directory"
	"github.com/veilchat/engine/history"
	"github.com/veilchat/engine/protocol"
	"github.com/veilchat/engine/transport"
	"github.com/veilchat/engine/trust"
)

// Payload kinds carried inside an envelope.
const (
	payloadText     = "text"
	payloadFile     = "file"
	payloadSticker  = "sticker"
	payloadLocation = "location"
	payloadContact  = "contact"
)

// envelopePayload is the plaintext message body. Only the fields for the
// payload's kind are populated.
type envelopePayload struct {
	Kind string `json:"kind"`

	Text         string `json:"text,omitempty"`
	ReplyTo      string `json:"reply_to,omitempty"`
	ReplyPreview string `json:"reply_preview,omitempty"`

	FileID   string `json:"file_id,omitempty"`
	FileName string `json:"file_name,omitempty"`
	FileSize uint64 `json:"file_size,omitempty"`
	FileKey  []byte `json:"file_key,omitempty"`

	StickerID string `json:"sticker_id,omitempty"`

	LatE7 int32  `json:"lat_e7,omitempty"`
	LonE7 int32  `json:"lon_e7,omitempty"`
	Label string `json:"label,omitempty"`

	CardUsername string `json:"card_username,omitempty"`
	CardDisplay  string `json:"card_display,omitempty"`
}

// Messenger encrypts and sends messages and decrypts inbound pushes.
type Messenger struct {
	client  transport.Client
	keyPair *crypto.KeyPair
	dir     *directory.Directory
	trust   *trust.Store
	hist    *history.Store
	self    func() string
}

// New creates a messenger. self reports the local username for history
// attribution.
func New(client transport.Client, keyPair *crypto.KeyPair, dir *directory.Directory, trustStore *trust.Store, hist *history.Store, self func() string) *Messenger {
	return &Messenger{
		client:  client,
		keyPair: keyPair,
		dir:     dir,
		trust:   trustStore,
		hist:    hist,
		self:    self,
	}
}

// privateKey derives the 1:1 conversation key for a peer, enforcing the
// trust gate: sending to a peer whose fingerprint has not been verified
// fails with ErrTrustPending.
func (m *Messenger) privateKey(ctx context.Context, peer string) ([32]byte, error) {
	var zero [32]byte
	peerKey, err := m.dir.PeerKey(ctx, peer)
	if err != nil {
		return zero, err
	}
	if !m.trust.PeerTrusted(peer, crypto.Fingerprint(peerKey)) {
		return zero, fmt.Errorf("peer %s not verified: %w", peer, protocol.ErrTrustPending)
	}
	shared, err := crypto.DeriveSharedSecret(peerKey, m.keyPair.Private)
	if err != nil {
		return zero, fmt.Errorf("failed to derive shared secret: %w", err)
	}
	return crypto.ConversationKey(shared)
}

// groupKey derives the group conversation key from the group's shared
// secret.
func (m *Messenger) groupKey(groupID string) ([32]byte, error) {
	var zero [32]byte
	secret, err := m.dir.GroupKey(groupID)
	if err != nil {
		return zero, err
	}
	return crypto.GroupConversationKey(secret)
}

// send seals the payload and delivers it, recording a history entry.
// The returned message id is valid even when delivery failed, so the
// caller can resend with identical ciphertext.
func (m *Messenger) send(ctx context.Context, to, groupID string, payload *envelopePayload, entry *history.Entry) (string, error) {
	messageID, err := crypto.NewMessageID()
	if err != nil {
		return "", err
	}
	entry.MessageID = messageID
	entry.Sender = m.self()
	entry.Outgoing = true
	entry.Status = history.StatusQueued
	m.hist.Append(entry)

	err = m.deliver(ctx, to, groupID, messageID, payload)
	if err != nil {
		m.hist.SetStatus(entry.ConversationID, entry.IsGroup, messageID, history.StatusFailed)
		return messageID, err
	}
	m.hist.SetStatus(entry.ConversationID, entry.IsGroup, messageID, history.StatusSent)
	return messageID, nil
}

func (m *Messenger) deliver(ctx context.Context, to, groupID, messageID string, payload *envelopePayload) error {
	var key [32]byte
	var err error
	if groupID != "" {
		key, err = m.groupKey(groupID)
	} else {
		key, err = m.privateKey(ctx, to)
	}
	if err != nil {
		return err
	}
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	envelope, err := crypto.SealEnvelope(key, messageID, plaintext)
	crypto.ZeroBytes(plaintext)
	crypto.ZeroBytes(key[:])
	if err != nil {
		return err
	}

	req := &protocol.MessageSendRequest{
		To:        to,
		GroupID:   groupID,
		MessageID: messageID,
		Envelope:  envelope,
	}
	if err := m.client.Call(ctx, protocol.OpMessageSend, req, nil); err != nil {
		return fmt.Errorf("failed to send message %s: %w", messageID, err)
	}
	logrus.WithFields(logrus.Fields{
		"function":   "deliver",
		"message_id": messageID,
		"group":      groupID != "",
	}).Debug("Message delivered to relay")
	return nil
}

// Resend retransmits an existing outgoing message. The envelope is
// rebuilt from the stored entry under the original message id, producing
// the same ciphertext the first attempt sent.
func (m *Messenger) Resend(ctx context.Context, conversationID string, isGroup bool, messageID string) error {
	entry := m.hist.Get(conversationID, isGroup, messageID)
	if entry == nil || !entry.Outgoing {
		return fmt.Errorf("no outgoing message %s: %w", messageID, protocol.ErrNotFound)
	}
	payload, err := payloadFromEntry(entry)
	if err != nil {
		return err
	}
	to, groupID := conversationID, ""
	if isGroup {
		to, groupID = "", conversationID
	}
	if err := m.deliver(ctx, to, groupID, messageID, payload); err != nil {
		m.hist.SetStatus(conversationID, isGroup, messageID, history.StatusFailed)
		return err
	}
	m.hist.SetStatus(conversationID, isGroup, messageID, history.StatusSent)
	return nil
}

func payloadFromEntry(e *history.Entry) (*envelopePayload, error) {
	p := &envelopePayload{
		ReplyTo:      e.ReplyTo,
		ReplyPreview: e.ReplyPreview,
	}
	switch e.Kind {
	case history.KindText:
		p.Kind = payloadText
		p.Text = e.Text
	case history.KindFile:
		p.Kind = payloadFile
		p.FileID = e.FileID
		p.FileName = e.FileName
		p.FileSize = e.FileSize
		p.FileKey = e.FileKey
	case history.KindSticker:
		p.Kind = payloadSticker
		p.StickerID = e.StickerID
	case history.KindLocation:
		p.Kind = payloadLocation
		p.LatE7 = e.LatE7
		p.LonE7 = e.LonE7
		p.Label = e.Label
	case history.KindContact:
		p.Kind = payloadContact
		p.CardUsername = e.CardUsername
		p.CardDisplay = e.CardDisplay
	default:
		return nil, fmt.Errorf("cannot rebuild payload of kind %d: %w", e.Kind, protocol.ErrInvalidArgument)
	}
	return p, nil
}
