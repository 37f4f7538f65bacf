// Package call manages group call sessions and their media key epochs.
// Each call carries a strictly increasing key id; rotating to a new epoch
// with an explicit member list denies the key to everyone left out, and
// asking for a superseded epoch you never held fails with ErrStaleKey.
package call

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/veilchat/engine/crypto"
	"github.com/veilchat/engine/limits"
	"github.com/veilchat/engine/protocol"
	"github.com/veilchat/engine/transport"
)

// epochRing caps how many past key epochs a call retains locally.
const epochRing = 8

type callState struct {
	id      crypto.CallID
	groupID string
	video   bool
	keyID   uint32
	epochs  map[uint32]crypto.CallKey
	members []string
}

// Manager tracks the calls this device participates in.
type Manager struct {
	client transport.Client

	mu    sync.RWMutex
	calls map[crypto.CallID]*callState
}

// NewManager creates a call manager.
func NewManager(client transport.Client) *Manager {
	return &Manager{
		client: client,
		calls:  make(map[crypto.CallID]*callState),
	}
}

// Start creates a call in a group and publishes the first key epoch. The
// caller becomes the only member until others join.
func (m *Manager) Start(ctx context.Context, groupID string, video bool) (crypto.CallID, error) {
	id, err := crypto.NewCallID()
	if err != nil {
		return crypto.CallID{}, err
	}
	req := &protocol.CallStartRequest{GroupID: groupID, CallID: id[:], Video: video}
	if err := m.client.Call(ctx, protocol.OpCallStart, req, nil); err != nil {
		return crypto.CallID{}, fmt.Errorf("failed to start call: %w", err)
	}

	m.mu.Lock()
	m.calls[id] = &callState{
		id:      id,
		groupID: groupID,
		video:   video,
		epochs:  make(map[uint32]crypto.CallKey),
	}
	m.mu.Unlock()
	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"call_id":  id.String()[:8],
		"group_id": groupID[:min(8, len(groupID))],
		"video":    video,
	}).Info("Call started")

	if _, err := m.RotateKey(ctx, id, nil); err != nil {
		return id, err
	}
	return id, nil
}

// Join enters an existing call. A zero call id joins the group's active
// call; the resolved id is returned. The current epoch's key is not part
// of the response, it arrives through a key push or a RequestKey round
// trip.
func (m *Manager) Join(ctx context.Context, id crypto.CallID, groupID string, video bool) (crypto.CallID, uint32, error) {
	req := &protocol.CallJoinRequest{GroupID: groupID, Video: video}
	if !id.IsZero() {
		req.CallID = id[:]
	}
	var resp protocol.CallJoinResponse
	if err := m.client.Call(ctx, protocol.OpCallJoin, req, &resp); err != nil {
		return crypto.CallID{}, 0, fmt.Errorf("failed to join call: %w", err)
	}

	if id.IsZero() {
		// The group's active call was resolved server-side; the id is
		// confirmed in the first signal exchange. Until then track it
		// under the group.
		resolved, err := m.resolveActive(ctx, groupID)
		if err != nil {
			return crypto.CallID{}, 0, err
		}
		id = resolved
	}

	m.mu.Lock()
	st, ok := m.calls[id]
	if !ok {
		st = &callState{id: id, groupID: groupID, epochs: make(map[uint32]crypto.CallKey)}
		m.calls[id] = st
	}
	st.video = video
	st.keyID = resp.KeyID
	st.members = resp.Members
	m.mu.Unlock()
	return id, resp.KeyID, nil
}

// resolveActive asks the relay which call id a group's active call has,
// using a no-op signal.
func (m *Manager) resolveActive(ctx context.Context, groupID string) (crypto.CallID, error) {
	var resp protocol.CallSignalResponse
	req := &protocol.CallSignalRequest{GroupID: groupID}
	if err := m.client.Call(ctx, protocol.OpCallSignal, req, &resp); err != nil {
		return crypto.CallID{}, fmt.Errorf("failed to resolve active call: %w", err)
	}
	return crypto.CallIDFromBytes(resp.CallID)
}

// Leave exits a call and wipes every locally held key epoch.
func (m *Manager) Leave(ctx context.Context, id crypto.CallID) error {
	req := &protocol.CallLeaveRequest{CallID: id[:]}
	err := m.client.Call(ctx, protocol.OpCallLeave, req, nil)

	m.mu.Lock()
	if st, ok := m.calls[id]; ok {
		for kid := range st.epochs {
			key := st.epochs[kid]
			key.Wipe()
		}
		delete(m.calls, id)
	}
	m.mu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to leave call: %w", err)
	}
	return nil
}

// CurrentKey returns the newest locally held epoch for a call.
func (m *Manager) CurrentKey(id crypto.CallID) (uint32, crypto.CallKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.calls[id]
	if !ok {
		return 0, crypto.CallKey{}, fmt.Errorf("not in call %s: %w", id, protocol.ErrNotFound)
	}
	key, held := st.epochs[st.keyID]
	if !held {
		return 0, crypto.CallKey{}, fmt.Errorf("epoch %d not yet received: %w", st.keyID, protocol.ErrNotFound)
	}
	return st.keyID, key, nil
}

// KeyFor returns a specific epoch's key. A superseded epoch this device
// never held is reported as stale rather than merely missing, so callers
// can distinguish "rotated away from you" from "not arrived yet".
func (m *Manager) KeyFor(id crypto.CallID, keyID uint32) (crypto.CallKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.calls[id]
	if !ok {
		return crypto.CallKey{}, fmt.Errorf("not in call %s: %w", id, protocol.ErrNotFound)
	}
	if key, held := st.epochs[keyID]; held {
		return key, nil
	}
	if keyID < st.keyID {
		return crypto.CallKey{}, fmt.Errorf("epoch %d superseded by %d: %w", keyID, st.keyID, protocol.ErrStaleKey)
	}
	return crypto.CallKey{}, fmt.Errorf("epoch %d not held: %w", keyID, protocol.ErrNotFound)
}

// RotateKey generates and publishes a new key epoch with id one past the
// current one. A non-empty member list restricts who may fetch the new
// epoch; members left out keep hearing the old epoch only.
func (m *Manager) RotateKey(ctx context.Context, id crypto.CallID, members []string) (uint32, error) {
	m.mu.Lock()
	st, ok := m.calls[id]
	if !ok {
		m.mu.Unlock()
		return 0, fmt.Errorf("not in call %s: %w", id, protocol.ErrNotFound)
	}
	nextID := st.keyID + 1
	groupID := st.groupID
	m.mu.Unlock()

	key, err := crypto.NewCallKey()
	if err != nil {
		return 0, err
	}
	req := &protocol.CallKeyPublishRequest{
		GroupID: groupID,
		CallID:  id[:],
		KeyID:   nextID,
		Key:     key[:],
		Members: members,
	}
	if err := m.client.Call(ctx, protocol.OpCallKeyPublish, req, nil); err != nil {
		key.Wipe()
		return 0, fmt.Errorf("failed to publish epoch %d: %w", nextID, err)
	}

	m.mu.Lock()
	if st, ok := m.calls[id]; ok {
		m.storeEpoch(st, nextID, key)
	}
	m.mu.Unlock()
	logrus.WithFields(logrus.Fields{
		"function": "RotateKey",
		"call_id":  id.String()[:8],
		"key_id":   nextID,
		"limited":  len(members) > 0,
	}).Info("Call key rotated")
	return nextID, nil
}

// RequestKey asks the relay for a specific epoch. The key arrives through
// a key push; the error return reflects authorization, including
// ErrStaleKey for superseded epochs.
func (m *Manager) RequestKey(ctx context.Context, id crypto.CallID, keyID uint32) error {
	req := &protocol.CallKeyRequestRequest{CallID: id[:], KeyID: keyID}
	if err := m.client.Call(ctx, protocol.OpCallKeyRequest, req, nil); err != nil {
		return fmt.Errorf("failed to request epoch %d: %w", keyID, err)
	}
	return nil
}

// HandleKeyPush stores an epoch delivered by the relay.
func (m *Manager) HandleKeyPush(push *protocol.CallKeyPush) error {
	id, err := crypto.CallIDFromBytes(push.CallID)
	if err != nil {
		return err
	}
	key, err := crypto.CallKeyFromBytes(push.Key)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.calls[id]
	if !ok {
		st = &callState{id: id, groupID: push.GroupID, epochs: make(map[uint32]crypto.CallKey)}
		m.calls[id] = st
	}
	m.storeEpoch(st, push.KeyID, key)
	return nil
}

// storeEpoch records a key and advances the current epoch, trimming the
// oldest entries past the ring size. Caller holds the lock.
func (m *Manager) storeEpoch(st *callState, keyID uint32, key crypto.CallKey) {
	st.epochs[keyID] = key
	if keyID > st.keyID {
		st.keyID = keyID
	}
	for len(st.epochs) > epochRing {
		oldest := st.keyID
		for kid := range st.epochs {
			if kid < oldest {
				oldest = kid
			}
		}
		old := st.epochs[oldest]
		old.Wipe()
		delete(st.epochs, oldest)
	}
}

// Members returns the last known roster for a call.
func (m *Manager) Members(id crypto.CallID) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if st, ok := m.calls[id]; ok {
		return append([]string(nil), st.members...)
	}
	return nil
}

// GroupID returns the group a tracked call belongs to.
func (m *Manager) GroupID(id crypto.CallID) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if st, ok := m.calls[id]; ok {
		return st.groupID, true
	}
	return "", false
}

// SignalResult is the relay's view of a call after a signal exchange.
type SignalResult struct {
	CallID  crypto.CallID
	KeyID   uint32
	Members []string
}

// Signal sends a call-signaling message. An unresolved (zero) call id
// with a group id targets the group's active call; the result carries the
// resolved id, current epoch, and member roster.
func (m *Manager) Signal(ctx context.Context, id crypto.CallID, groupID string, op uint8, video bool, keyID, seq uint32, tsMS uint64, ext []byte) (*SignalResult, error) {
	if len(ext) > limits.MaxSignalExt {
		return nil, fmt.Errorf("signal ext %d bytes exceeds %d: %w", len(ext), limits.MaxSignalExt, protocol.ErrInvalidArgument)
	}
	req := &protocol.CallSignalRequest{
		Op:      op,
		GroupID: groupID,
		Video:   video,
		KeyID:   keyID,
		Seq:     seq,
		TSMS:    tsMS,
		Ext:     ext,
	}
	if !id.IsZero() {
		req.CallID = id[:]
	}
	var resp protocol.CallSignalResponse
	if err := m.client.Call(ctx, protocol.OpCallSignal, req, &resp); err != nil {
		return nil, fmt.Errorf("failed to send call signal: %w", err)
	}
	resolved, err := crypto.CallIDFromBytes(resp.CallID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if st, ok := m.calls[resolved]; ok {
		st.members = resp.Members
		if resp.KeyID > st.keyID {
			st.keyID = resp.KeyID
		}
	}
	m.mu.Unlock()
	return &SignalResult{CallID: resolved, KeyID: resp.KeyID, Members: resp.Members}, nil
}
