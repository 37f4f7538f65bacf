package messaging

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/veilchat/engine/crypto"
	"github.com/veilchat/engine/history"
	"github.com/veilchat/engine/protocol"
)

// HandleMessagePush decrypts an inbound message and records it. The
// second return is false when the message id was already seen, letting
// the caller suppress duplicate notifications from a peer's resend.
//
// Receiving from an unverified peer is allowed; the trust gate applies
// to sending only.
func (m *Messenger) HandleMessagePush(push *protocol.MessagePush) (*history.Entry, bool, error) {
	key, err := m.inboundKey(push)
	if err != nil {
		return nil, false, err
	}
	plaintext, err := crypto.OpenEnvelope(key, push.MessageID, push.Envelope)
	crypto.ZeroBytes(key[:])
	if err != nil {
		return nil, false, fmt.Errorf("failed to open message %s from %s: %w", push.MessageID, push.From, err)
	}
	var payload envelopePayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		crypto.ZeroBytes(plaintext)
		return nil, false, fmt.Errorf("malformed payload in message %s: %w", push.MessageID, err)
	}
	crypto.ZeroBytes(plaintext)

	entry, err := entryFromPayload(push, &payload)
	if err != nil {
		return nil, false, err
	}
	fresh := m.hist.Append(entry)
	return entry, fresh, nil
}

func (m *Messenger) inboundKey(push *protocol.MessagePush) ([32]byte, error) {
	var zero [32]byte
	if push.GroupID != "" {
		return m.groupKey(push.GroupID)
	}
	senderKey, ok := m.senderKey(push)
	if !ok {
		return zero, fmt.Errorf("no key material for sender %s: %w", push.From, protocol.ErrNotFound)
	}
	shared, err := crypto.DeriveSharedSecret(senderKey, m.keyPair.Private)
	if err != nil {
		return zero, err
	}
	return crypto.ConversationKey(shared)
}

func (m *Messenger) senderKey(push *protocol.MessagePush) ([32]byte, bool) {
	if len(push.SenderKey) == 32 {
		var key [32]byte
		copy(key[:], push.SenderKey)
		m.dir.LearnPeerKey(push.From, key)
		return key, true
	}
	return m.dir.CachedPeerKey(push.From)
}

func entryFromPayload(push *protocol.MessagePush, p *envelopePayload) (*history.Entry, error) {
	conversationID, isGroup := push.From, false
	if push.GroupID != "" {
		conversationID, isGroup = push.GroupID, true
	}
	entry := &history.Entry{
		ConversationID: conversationID,
		IsGroup:        isGroup,
		MessageID:      push.MessageID,
		Sender:         push.From,
		Timestamp:      time.UnixMilli(int64(push.TSMS)),
		ReplyTo:        p.ReplyTo,
		ReplyPreview:   p.ReplyPreview,
	}
	switch p.Kind {
	case payloadText:
		entry.Kind = history.KindText
		entry.Text = p.Text
	case payloadFile:
		entry.Kind = history.KindFile
		entry.FileID = p.FileID
		entry.FileName = p.FileName
		entry.FileSize = p.FileSize
		entry.FileKey = p.FileKey
	case payloadSticker:
		entry.Kind = history.KindSticker
		entry.StickerID = p.StickerID
	case payloadLocation:
		entry.Kind = history.KindLocation
		entry.LatE7 = p.LatE7
		entry.LonE7 = p.LonE7
		entry.Label = p.Label
	case payloadContact:
		entry.Kind = history.KindContact
		entry.CardUsername = p.CardUsername
		entry.CardDisplay = p.CardDisplay
	default:
		return nil, fmt.Errorf("unknown payload kind %q in message %s: %w", p.Kind, push.MessageID, protocol.ErrInvalidArgument)
	}
	return entry, nil
}
