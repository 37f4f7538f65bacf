package directory

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/veilchat/engine/crypto"
	"github.com/veilchat/engine/protocol"
)

// CreateGroup creates a group with the acting identity as owner and
// returns the server-confirmed group id.
func (d *Directory) CreateGroup(ctx context.Context) (string, error) {
	var resp protocol.GroupCreateResponse
	if err := d.client.Call(ctx, protocol.OpGroupCreate, nil, &resp); err != nil {
		return "", fmt.Errorf("create group: %w", err)
	}
	d.mu.Lock()
	d.groupKeys[resp.GroupID] = append([]byte(nil), resp.GroupKey...)
	d.mu.Unlock()
	logrus.WithFields(logrus.Fields{
		"function": "CreateGroup",
		"group_id": resp.GroupID[:min(8, len(resp.GroupID))],
	}).Info("Group created")
	return resp.GroupID, nil
}

// JoinGroup joins an existing group and caches its conversation secret.
func (d *Directory) JoinGroup(ctx context.Context, groupID string) error {
	var resp protocol.GroupJoinResponse
	req := &protocol.GroupRef{GroupID: groupID}
	if err := d.client.Call(ctx, protocol.OpGroupJoin, req, &resp); err != nil {
		return fmt.Errorf("join group %q: %w", groupID, err)
	}
	d.mu.Lock()
	d.groupKeys[groupID] = append([]byte(nil), resp.GroupKey...)
	d.mu.Unlock()
	return nil
}

// LeaveGroup leaves a group and drops its cached state.
func (d *Directory) LeaveGroup(ctx context.Context, groupID string) error {
	req := &protocol.GroupRef{GroupID: groupID}
	if err := d.client.Call(ctx, protocol.OpGroupLeave, req, nil); err != nil {
		return fmt.Errorf("leave group %q: %w", groupID, err)
	}
	d.mu.Lock()
	delete(d.groupKeys, groupID)
	delete(d.groupMembers, groupID)
	d.mu.Unlock()
	return nil
}

// SendGroupInvite invites a peer into a group. The returned message id is
// the opaque confirmation token threaded through the invite notice.
func (d *Directory) SendGroupInvite(ctx context.Context, groupID, username string) (string, error) {
	messageID, err := crypto.NewMessageID()
	if err != nil {
		return "", err
	}
	req := &protocol.GroupInviteRequest{GroupID: groupID, Username: username, MessageID: messageID}
	if err := d.client.Call(ctx, protocol.OpGroupInvite, req, nil); err != nil {
		return "", fmt.Errorf("invite %q to %q: %w", username, groupID, err)
	}
	return messageID, nil
}

// ListGroupMembers fetches the server-confirmed membership, truncated to
// max. On connectivity failure the last confirmed snapshot is returned.
func (d *Directory) ListGroupMembers(ctx context.Context, groupID string, max int) []GroupMember {
	var resp protocol.GroupMembersResponse
	req := &protocol.GroupRef{GroupID: groupID}
	if err := d.client.Call(ctx, protocol.OpGroupMembers, req, &resp); err != nil {
		d.mu.RLock()
		cached := append([]GroupMember(nil), d.groupMembers[groupID]...)
		d.mu.RUnlock()
		return truncate(cached, max)
	}

	members := make([]GroupMember, 0, len(resp.Members))
	for _, m := range resp.Members {
		members = append(members, GroupMember{Username: m.Username, Role: m.Role})
	}
	d.mu.Lock()
	d.groupMembers[groupID] = members
	d.mu.Unlock()
	return truncate(append([]GroupMember(nil), members...), max)
}

// SetGroupMemberRole changes a member's privilege level. The server
// enforces that the acting identity outranks both the target's current
// and requested role.
func (d *Directory) SetGroupMemberRole(ctx context.Context, groupID, username string, role uint32) error {
	req := &protocol.GroupRoleRequest{GroupID: groupID, Username: username, Role: role}
	if err := d.client.Call(ctx, protocol.OpGroupRole, req, nil); err != nil {
		return fmt.Errorf("set role of %q in %q: %w", username, groupID, err)
	}
	d.invalidateMembers(groupID)
	return nil
}

// KickGroupMember removes a member from a group.
func (d *Directory) KickGroupMember(ctx context.Context, groupID, username string) error {
	req := &protocol.GroupKickRequest{GroupID: groupID, Username: username}
	if err := d.client.Call(ctx, protocol.OpGroupKick, req, nil); err != nil {
		return fmt.Errorf("kick %q from %q: %w", username, groupID, err)
	}
	d.invalidateMembers(groupID)
	return nil
}

// GroupKey returns the cached group conversation secret.
func (d *Directory) GroupKey(groupID string) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	key, ok := d.groupKeys[groupID]
	if !ok {
		return nil, fmt.Errorf("%w: not a member of group %q", protocol.ErrNotFound, groupID)
	}
	return key, nil
}

// InvalidateGroupMembers drops the cached member snapshot after a
// membership change notice so the next listing refetches.
func (d *Directory) InvalidateGroupMembers(groupID string) {
	d.invalidateMembers(groupID)
}

func (d *Directory) invalidateMembers(groupID string) {
	d.mu.Lock()
	delete(d.groupMembers, groupID)
	d.mu.Unlock()
}

func sortFriends(entries []FriendEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Username < entries[j].Username
	})
}
