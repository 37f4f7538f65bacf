// Package directory maintains the engine's relationship state: friends
// and friend requests, the account's devices, and group membership with
// roles. The server is authoritative; the directory is a cache refreshed
// by sync and list operations and patched by inbound notices.
package directory

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/veilchat/engine/limits"
	"github.com/veilchat/engine/protocol"
	"github.com/veilchat/engine/transport"
)

// FriendEntry is one cached friend with its display override.
type FriendEntry struct {
	Username string
	Remark   string
	Blocked  bool
}

// FriendRequest is a pending inbound friend request.
type FriendRequest struct {
	Username string
	Remark   string
}

// DeviceEntry is one device bound to the account.
type DeviceEntry struct {
	DeviceID string
	LastSeen uint64
}

// GroupMember is one group member with its privilege level.
type GroupMember struct {
	Username string
	Role     uint32
}

// Group roles mirror the server's ordering: member < admin < owner.
const (
	RoleMember = transport.RoleMember
	RoleAdmin  = transport.RoleAdmin
	RoleOwner  = transport.RoleOwner
)

// Directory is the synchronized relationship cache.
type Directory struct {
	client transport.Client

	mu            sync.RWMutex
	friends       map[string]*FriendEntry
	syncedVersion uint64
	everSynced    bool
	groupKeys     map[string][]byte
	groupMembers  map[string][]GroupMember
	peerKeys      map[string][32]byte
	peerObserver  func(username string, publicKey [32]byte)
}

// New creates an empty directory bound to a transport client.
func New(client transport.Client) *Directory {
	return &Directory{
		client:       client,
		friends:      make(map[string]*FriendEntry),
		groupKeys:    make(map[string][]byte),
		groupMembers: make(map[string][]GroupMember),
		peerKeys:     make(map[string][32]byte),
	}
}

// SetPeerObserver installs the hook invoked whenever a peer identity key
// is learned. The engine routes it into the trust store.
func (d *Directory) SetPeerObserver(fn func(username string, publicKey [32]byte)) {
	d.mu.Lock()
	d.peerObserver = fn
	d.mu.Unlock()
}

// ListFriends returns the cached friend list, truncated to max entries
// (0 = no cap). Never fails.
func (d *Directory) ListFriends(max int) []FriendEntry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]FriendEntry, 0, len(d.friends))
	for _, e := range d.friends {
		out = append(out, *e)
	}
	sortFriends(out)
	return truncate(out, max)
}

// SyncFriends reconciles the cache against the server and reports
// whether the caller's view changed since the previous sync.
func (d *Directory) SyncFriends(ctx context.Context, max int) ([]FriendEntry, bool, error) {
	var resp protocol.FriendListResponse
	if err := d.client.Call(ctx, protocol.OpFriendList, nil, &resp); err != nil {
		return nil, false, fmt.Errorf("sync friends: %w", err)
	}

	d.mu.Lock()
	changed := !d.everSynced || resp.Version != d.syncedVersion
	d.everSynced = true
	d.syncedVersion = resp.Version
	d.friends = make(map[string]*FriendEntry, len(resp.Friends))
	for _, f := range resp.Friends {
		d.friends[f.Username] = &FriendEntry{Username: f.Username, Remark: f.Remark, Blocked: f.Blocked}
	}
	d.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "SyncFriends",
		"count":    len(resp.Friends),
		"changed":  changed,
	}).Debug("Friend list synchronized")
	return d.ListFriends(max), changed, nil
}

// AddFriend optimistically adds a friend and opens a consent request at
// the target. The entry is confirmed or rolled back by the target's
// response.
func (d *Directory) AddFriend(ctx context.Context, username, remark string) error {
	if err := limits.ValidateName(username); err != nil {
		return fmt.Errorf("%w: username: %v", protocol.ErrInvalidArgument, err)
	}
	req := &protocol.FriendMutation{Username: username, Remark: remark}
	if err := d.client.Call(ctx, protocol.OpFriendAdd, req, nil); err != nil {
		return fmt.Errorf("add friend %q: %w", username, err)
	}
	d.mu.Lock()
	if _, ok := d.friends[username]; !ok {
		d.friends[username] = &FriendEntry{Username: username, Remark: remark}
	}
	d.mu.Unlock()
	return nil
}

// DeleteFriend removes a friend on both sides.
func (d *Directory) DeleteFriend(ctx context.Context, username string) error {
	req := &protocol.FriendMutation{Username: username}
	if err := d.client.Call(ctx, protocol.OpFriendDelete, req, nil); err != nil {
		return fmt.Errorf("delete friend %q: %w", username, err)
	}
	d.mu.Lock()
	delete(d.friends, username)
	d.mu.Unlock()
	return nil
}

// SetFriendRemark sets the local display override for a friend.
func (d *Directory) SetFriendRemark(ctx context.Context, username, remark string) error {
	if len(remark) > limits.MaxRemark {
		return fmt.Errorf("%w: remark too long", protocol.ErrInvalidArgument)
	}
	req := &protocol.FriendMutation{Username: username, Remark: remark}
	if err := d.client.Call(ctx, protocol.OpFriendRemark, req, nil); err != nil {
		return fmt.Errorf("set remark for %q: %w", username, err)
	}
	d.mu.Lock()
	if e, ok := d.friends[username]; ok {
		e.Remark = remark
	}
	d.mu.Unlock()
	return nil
}

// SetUserBlocked blocks or unblocks a user.
func (d *Directory) SetUserBlocked(ctx context.Context, username string, blocked bool) error {
	req := &protocol.FriendMutation{Username: username, Blocked: blocked}
	if err := d.client.Call(ctx, protocol.OpFriendBlock, req, nil); err != nil {
		return fmt.Errorf("set blocked for %q: %w", username, err)
	}
	d.mu.Lock()
	if e, ok := d.friends[username]; ok {
		e.Blocked = blocked
	}
	d.mu.Unlock()
	return nil
}

// SendFriendRequest opens a consent request without the optimistic add.
func (d *Directory) SendFriendRequest(ctx context.Context, username, remark string) error {
	req := &protocol.FriendMutation{Username: username, Remark: remark}
	if err := d.client.Call(ctx, protocol.OpFriendReqSend, req, nil); err != nil {
		return fmt.Errorf("friend request to %q: %w", username, err)
	}
	return nil
}

// RespondFriendRequest accepts or rejects a pending inbound request.
func (d *Directory) RespondFriendRequest(ctx context.Context, username string, accept bool) error {
	req := &protocol.FriendRespondRequest{Username: username, Accept: accept}
	if err := d.client.Call(ctx, protocol.OpFriendReqRespond, req, nil); err != nil {
		return fmt.Errorf("respond to %q: %w", username, err)
	}
	if accept {
		d.mu.Lock()
		if _, ok := d.friends[username]; !ok {
			d.friends[username] = &FriendEntry{Username: username}
		}
		d.mu.Unlock()
	}
	return nil
}

// ListFriendRequests fetches pending inbound requests, truncated to max.
// Falls back to an empty list on connectivity failure.
func (d *Directory) ListFriendRequests(ctx context.Context, max int) []FriendRequest {
	var resp protocol.FriendRequestListResponse
	if err := d.client.Call(ctx, protocol.OpFriendReqList, nil, &resp); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ListFriendRequests",
			"error":    err.Error(),
		}).Warn("Falling back to empty request list")
		return nil
	}
	out := make([]FriendRequest, 0, len(resp.Requests))
	for _, r := range resp.Requests {
		out = append(out, FriendRequest{Username: r.Username, Remark: r.Remark})
	}
	return truncate(out, max)
}

// ListDevices fetches the account's devices, truncated to max.
func (d *Directory) ListDevices(ctx context.Context, max int) []DeviceEntry {
	var resp protocol.DeviceListResponse
	if err := d.client.Call(ctx, protocol.OpDeviceList, nil, &resp); err != nil {
		return nil
	}
	out := make([]DeviceEntry, 0, len(resp.Devices))
	for _, e := range resp.Devices {
		out = append(out, DeviceEntry{DeviceID: e.DeviceID, LastSeen: e.LastSeen})
	}
	return truncate(out, max)
}

// KickDevice unbinds a device from the account and invalidates its
// sessions.
func (d *Directory) KickDevice(ctx context.Context, deviceID string) error {
	req := &protocol.DeviceKickRequest{DeviceID: deviceID}
	if err := d.client.Call(ctx, protocol.OpDeviceKick, req, nil); err != nil {
		return fmt.Errorf("kick device %q: %w", deviceID, err)
	}
	return nil
}

func truncate[T any](entries []T, max int) []T {
	if max > 0 && len(entries) > max {
		return entries[:max]
	}
	return entries
}
