package messaging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/veilchat/engine/crypto"
	"github.com/veilchat/engine/history"
	"github.com/veilchat/engine/limits"
	"github.com/veilchat/engine/protocol"
)

// Reply carries optional quoted-message metadata for a text send.
type Reply struct {
	MessageID string
	Preview   string
}

// SendText sends a text message to a peer or a group. Exactly one of
// to and groupID must be set.
func (m *Messenger) SendText(ctx context.Context, to, groupID, text string, reply *Reply) (string, error) {
	if err := limits.ValidateText(text); err != nil {
		return "", fmt.Errorf("text message: %w", err)
	}
	payload := &envelopePayload{Kind: payloadText, Text: text}
	entry := m.newEntry(to, groupID, history.KindText)
	entry.Text = text
	if reply != nil {
		if err := limits.ValidateLimit(len(reply.Preview), limits.MaxReplyPreview); err != nil {
			return "", fmt.Errorf("reply preview: %w", err)
		}
		payload.ReplyTo = reply.MessageID
		payload.ReplyPreview = reply.Preview
		entry.ReplyTo = reply.MessageID
		entry.ReplyPreview = reply.Preview
	}
	return m.send(ctx, to, groupID, payload, entry)
}

// SendFile encrypts the file at path under a fresh content key, uploads
// the ciphertext to the relay, and sends a file message referencing it.
// The content key travels only inside the sealed envelope.
func (m *Messenger) SendFile(ctx context.Context, to, groupID, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read attachment: %w", err)
	}
	defer crypto.ZeroBytes(data)
	return m.SendFileBytes(ctx, to, groupID, filepath.Base(path), data)
}

// SendFileBytes is SendFile for in-memory content.
func (m *Messenger) SendFileBytes(ctx context.Context, to, groupID, name string, data []byte) (string, error) {
	if err := limits.ValidateSize(data, limits.MaxAttachment); err != nil {
		return "", fmt.Errorf("attachment: %w", err)
	}
	if err := limits.ValidateName(name); err != nil {
		return "", fmt.Errorf("attachment name: %w", err)
	}

	contentKey, err := crypto.NewContentKey()
	if err != nil {
		return "", err
	}
	ciphertext, err := crypto.SealContent(contentKey, data)
	if err != nil {
		return "", err
	}
	fileID, err := crypto.NewMessageID()
	if err != nil {
		return "", err
	}
	req := &protocol.FilePutRequest{FileID: fileID, Data: ciphertext}
	if err := m.client.Call(ctx, protocol.OpFilePut, req, nil); err != nil {
		return "", fmt.Errorf("failed to upload attachment: %w", err)
	}
	// Keep a local ciphertext copy so the attachment can be re-read or
	// securely wiped without another round trip.
	if err := m.hist.CacheAttachment(fileID, ciphertext); err != nil {
		return "", err
	}

	payload := &envelopePayload{
		Kind:     payloadFile,
		FileID:   fileID,
		FileName: name,
		FileSize: uint64(len(data)),
		FileKey:  contentKey,
	}
	entry := m.newEntry(to, groupID, history.KindFile)
	entry.FileID = fileID
	entry.FileName = name
	entry.FileSize = uint64(len(data))
	entry.FileKey = contentKey
	return m.send(ctx, to, groupID, payload, entry)
}

// SendSticker sends a sticker reference.
func (m *Messenger) SendSticker(ctx context.Context, to, groupID, stickerID string) (string, error) {
	if err := limits.ValidateSize([]byte(stickerID), limits.MaxStickerID); err != nil {
		return "", fmt.Errorf("sticker id: %w", err)
	}
	payload := &envelopePayload{Kind: payloadSticker, StickerID: stickerID}
	entry := m.newEntry(to, groupID, history.KindSticker)
	entry.StickerID = stickerID
	return m.send(ctx, to, groupID, payload, entry)
}

// SendLocation sends a geographic coordinate in 1e-7 degree units with an
// optional place label.
func (m *Messenger) SendLocation(ctx context.Context, to, groupID string, latE7, lonE7 int32, label string) (string, error) {
	if latE7 < -900000000 || latE7 > 900000000 || lonE7 < -1800000000 || lonE7 > 1800000000 {
		return "", fmt.Errorf("coordinates out of range: %w", protocol.ErrInvalidArgument)
	}
	if err := limits.ValidateLimit(len(label), limits.MaxLocationLabel); err != nil {
		return "", fmt.Errorf("location label: %w", err)
	}
	payload := &envelopePayload{Kind: payloadLocation, LatE7: latE7, LonE7: lonE7, Label: label}
	entry := m.newEntry(to, groupID, history.KindLocation)
	entry.LatE7 = latE7
	entry.LonE7 = lonE7
	entry.Label = label
	return m.send(ctx, to, groupID, payload, entry)
}

// SendContact sends a contact card referencing another user.
func (m *Messenger) SendContact(ctx context.Context, to, groupID, cardUsername, cardDisplay string) (string, error) {
	if err := limits.ValidateName(cardUsername); err != nil {
		return "", fmt.Errorf("contact card: %w", err)
	}
	payload := &envelopePayload{Kind: payloadContact, CardUsername: cardUsername, CardDisplay: cardDisplay}
	entry := m.newEntry(to, groupID, history.KindContact)
	entry.CardUsername = cardUsername
	entry.CardDisplay = cardDisplay
	return m.send(ctx, to, groupID, payload, entry)
}

func (m *Messenger) newEntry(to, groupID string, kind history.Kind) *history.Entry {
	conversationID, isGroup := to, false
	if groupID != "" {
		conversationID, isGroup = groupID, true
	}
	return &history.Entry{
		ConversationID: conversationID,
		IsGroup:        isGroup,
		Kind:           kind,
		Timestamp:      time.Now(),
	}
}
