// Package history persists per-conversation message records and cached
// attachment blobs. Deletion supports a best-effort secure wipe: the
// bytes of deleted ciphertext and key material are overwritten before
// the index entry disappears.
package history

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/veilchat/engine/crypto"
)

// Kind classifies a history entry's payload.
type Kind uint8

const (
	KindText Kind = iota
	KindFile
	KindSticker
	KindLocation
	KindContact
	KindNotice
)

// Status is the delivery state of an outgoing entry.
type Status uint8

const (
	StatusQueued Status = iota
	StatusSent
	StatusDelivered
	StatusFailed
)

// DefaultLimit caps LoadChatHistory when the caller passes 0.
const DefaultLimit = 200

// Entry is one durable message record.
type Entry struct {
	ConversationID string
	IsGroup        bool
	MessageID      string
	Sender         string
	Outgoing       bool
	Kind           Kind
	Status         Status
	Timestamp      time.Time

	Text         string
	ReplyTo      string
	ReplyPreview string

	FileID   string
	FileName string
	FileSize uint64
	FileKey  []byte

	StickerID string

	LatE7 int32
	LonE7 int32
	Label string

	CardUsername string
	CardDisplay  string
}

// Store is the in-memory record index plus the on-disk attachment cache.
type Store struct {
	mu      sync.RWMutex
	enabled bool
	dataDir string
	convs   map[string][]*Entry
	index   map[string]map[string]*Entry
}

// NewStore creates a history store. dataDir holds cached attachment
// ciphertext and previews; empty means attachments are not cached.
func NewStore(dataDir string) *Store {
	return &Store{
		enabled: true,
		dataDir: dataDir,
		convs:   make(map[string][]*Entry),
		index:   make(map[string]map[string]*Entry),
	}
}

func convKey(conversationID string, isGroup bool) string {
	if isGroup {
		return "g/" + conversationID
	}
	return "p/" + conversationID
}

// SetEnabled toggles persistence of new entries. Disabling never deletes
// existing records.
func (s *Store) SetEnabled(enabled bool) {
	s.mu.Lock()
	s.enabled = enabled
	s.mu.Unlock()
	logrus.WithFields(logrus.Fields{
		"function": "SetEnabled",
		"enabled":  enabled,
	}).Info("History persistence toggled")
}

// Enabled reports whether new entries are being persisted.
func (s *Store) Enabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled
}

// Append records an entry unless its message id already exists in the
// conversation. Returns false for a duplicate: the caller treats the
// message as already seen and suppresses the duplicate notification.
func (s *Store) Append(e *Entry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := convKey(e.ConversationID, e.IsGroup)
	byID, ok := s.index[key]
	if !ok {
		byID = make(map[string]*Entry)
		s.index[key] = byID
	}
	if _, dup := byID[e.MessageID]; dup {
		return false
	}
	if !s.enabled {
		// Still track the id so resends stay idempotent while
		// persistence is off.
		byID[e.MessageID] = nil
		return true
	}
	byID[e.MessageID] = e
	s.convs[key] = append(s.convs[key], e)
	return true
}

// Seen reports whether a message id exists in a conversation.
func (s *Store) Seen(conversationID string, isGroup bool, messageID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[convKey(conversationID, isGroup)][messageID]
	return ok
}

// Get returns the entry for a message id, or nil.
func (s *Store) Get(conversationID string, isGroup bool, messageID string) *Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index[convKey(conversationID, isGroup)][messageID]
}

// SetStatus updates the delivery status of an outgoing entry.
func (s *Store) SetStatus(conversationID string, isGroup bool, messageID string, status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.index[convKey(conversationID, isGroup)][messageID]; e != nil {
		e.Status = status
	}
}

// SetStatusAny updates status by message id across all conversations.
// Delivery notices do not carry the conversation id.
func (s *Store) SetStatusAny(messageID string, status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, byID := range s.index {
		if e := byID[messageID]; e != nil {
			e.Status = status
			return
		}
	}
}

// Load returns entries for a conversation newest-first, up to limit
// (0 = DefaultLimit).
func (s *Store) Load(conversationID string, isGroup bool, limit int) []Entry {
	if limit <= 0 {
		limit = DefaultLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.convs[convKey(conversationID, isGroup)]
	out := make([]Entry, 0, min(limit, len(entries)))
	for i := len(entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, *entries[i])
	}
	return out
}

// DeleteConversation removes a conversation's records. With secureWipe,
// key material and cached attachment bytes are overwritten before the
// index entries are dropped.
func (s *Store) DeleteConversation(conversationID string, isGroup bool, deleteAttachments, secureWipe bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(convKey(conversationID, isGroup), deleteAttachments, secureWipe)
}

// ClearAll removes every conversation's records.
func (s *Store) ClearAll(deleteAttachments, secureWipe bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for key := range s.convs {
		if err := s.deleteLocked(key, deleteAttachments, secureWipe); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	// Conversations that only ever tracked ids (persistence off) still
	// hold index entries.
	s.index = make(map[string]map[string]*Entry)
	return firstErr
}

func (s *Store) deleteLocked(key string, deleteAttachments, secureWipe bool) error {
	var firstErr error
	for _, e := range s.convs[key] {
		if secureWipe && len(e.FileKey) > 0 {
			crypto.ZeroBytes(e.FileKey)
		}
		if deleteAttachments && e.FileID != "" {
			if err := s.removeAttachment(e.FileID, secureWipe); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if secureWipe {
			e.Text = ""
			e.ReplyPreview = ""
			e.Label = ""
		}
	}
	delete(s.convs, key)
	delete(s.index, key)
	return firstErr
}
