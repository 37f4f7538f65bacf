package transport

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/veilchat/engine/limits"
	"github.com/veilchat/engine/protocol"
)

// Group roles, lowest to highest privilege.
const (
	RoleMember uint32 = 0
	RoleAdmin  uint32 = 1
	RoleOwner  uint32 = 2
)

func decode[T any](body []byte) (*T, error) {
	var v T
	if len(body) > 0 {
		if err := json.Unmarshal(body, &v); err != nil {
			return nil, fmt.Errorf("%w: malformed request body: %v", protocol.ErrInvalidArgument, err)
		}
	}
	return &v, nil
}

// handle dispatches one request. Called with h.mu held.
func (h *Loopback) handle(c *LoopbackClient, op, token string, body []byte) (any, error) {
	switch op {
	case protocol.OpRegister:
		return h.register(c, body)
	case protocol.OpLogin:
		return h.login(c, body)
	case protocol.OpHeartbeat:
		return &protocol.HeartbeatResponse{NowMS: nowMS()}, nil
	case protocol.OpPairRequest:
		return h.pairRequest(body)
	case protocol.OpPairStatus:
		return h.pairStatus(body)
	}

	user, acct, err := h.authenticate(token)
	if err != nil {
		return nil, err
	}

	switch op {
	case protocol.OpLogout:
		delete(h.tokens, token)
		return nil, nil
	case protocol.OpFriendAdd:
		return h.friendAdd(user, acct, body)
	case protocol.OpFriendReqSend:
		return h.friendRequest(user, acct, body)
	case protocol.OpFriendReqRespond:
		return h.friendRespond(user, acct, body)
	case protocol.OpFriendReqList:
		return h.friendRequestList(acct)
	case protocol.OpFriendDelete:
		return h.friendDelete(user, acct, body)
	case protocol.OpFriendRemark:
		return h.friendRemark(acct, body)
	case protocol.OpFriendBlock:
		return h.friendBlock(acct, body)
	case protocol.OpFriendList:
		return h.friendList(acct)
	case protocol.OpPeerInfo:
		return h.peerInfo(body)
	case protocol.OpDeviceList:
		return h.deviceList(acct)
	case protocol.OpDeviceKick:
		return h.deviceKick(user, acct, body)
	case protocol.OpGroupCreate:
		return h.groupCreate(user)
	case protocol.OpGroupJoin:
		return h.groupJoin(user, body)
	case protocol.OpGroupLeave:
		return h.groupLeave(user, body)
	case protocol.OpGroupInvite:
		return h.groupInvite(user, body)
	case protocol.OpGroupMembers:
		return h.groupMembers(body)
	case protocol.OpGroupRole:
		return h.groupRole(user, body)
	case protocol.OpGroupKick:
		return h.groupKick(user, body)
	case protocol.OpPairBegin:
		return h.pairBegin(user, body)
	case protocol.OpPairPoll:
		return h.pairPoll(user, body)
	case protocol.OpPairApprove:
		return h.pairApprove(user, body)
	case protocol.OpPairCancel:
		return h.pairCancel(user, body)
	case protocol.OpMessageSend:
		return h.messageSend(user, acct, body)
	case protocol.OpNoticeSend:
		return h.noticeSend(user, body)
	case protocol.OpCallStart:
		return h.callStart(user, body)
	case protocol.OpCallJoin:
		return h.callJoin(user, body)
	case protocol.OpCallLeave:
		return h.callLeave(user, body)
	case protocol.OpCallKeyPublish:
		return h.callKeyPublish(user, body)
	case protocol.OpCallKeyRequest:
		return h.callKeyRequest(user, body)
	case protocol.OpCallSignal:
		return h.callSignal(user, body)
	case protocol.OpMediaPush:
		return h.mediaPush(user, body)
	case protocol.OpFilePut:
		return h.filePut(body)
	case protocol.OpFileGet:
		return h.fileGet(body)
	}
	return nil, fmt.Errorf("%w: unknown operation %q", protocol.ErrInvalidArgument, op)
}

func (h *Loopback) register(c *LoopbackClient, body []byte) (any, error) {
	req, err := decode[protocol.RegisterRequest](body)
	if err != nil {
		return nil, err
	}
	if err := limits.ValidateName(req.Username); err != nil {
		return nil, fmt.Errorf("%w: username: %v", protocol.ErrInvalidArgument, err)
	}
	if req.Password == "" {
		return nil, fmt.Errorf("%w: empty password", protocol.ErrInvalidArgument)
	}
	if _, exists := h.accounts[req.Username]; exists {
		return nil, fmt.Errorf("%w: username %q already registered", protocol.ErrAuth, req.Username)
	}

	deviceID, err := newHexID()
	if err != nil {
		return nil, err
	}
	acct := &loopAccount{
		password:  req.Password,
		publicKey: append([]byte(nil), req.PublicKey...),
		devices:   map[string]uint64{deviceID: uint64(time.Now().Unix())},
		friends:   make(map[string]*protocol.FriendEntry),
		requests:  make(map[string]string),
		blocked:   make(map[string]bool),
	}
	h.accounts[req.Username] = acct

	token, err := h.newToken(req.Username, deviceID)
	if err != nil {
		return nil, err
	}
	return &protocol.RegisterResponse{Token: token, DeviceID: deviceID}, nil
}

func (h *Loopback) login(c *LoopbackClient, body []byte) (any, error) {
	req, err := decode[protocol.LoginRequest](body)
	if err != nil {
		return nil, err
	}
	acct, ok := h.accounts[req.Username]
	if !ok || acct.password != req.Password {
		return nil, fmt.Errorf("%w: bad credentials for %q", protocol.ErrAuth, req.Username)
	}

	deviceID := req.DeviceID
	if deviceID == "" {
		if deviceID, err = newHexID(); err != nil {
			return nil, err
		}
	}
	acct.devices[deviceID] = uint64(time.Now().Unix())
	if len(acct.publicKey) == 0 && len(req.PublicKey) > 0 {
		acct.publicKey = append([]byte(nil), req.PublicKey...)
	}

	token, err := h.newToken(req.Username, deviceID)
	if err != nil {
		return nil, err
	}

	// Drain the offline queue to the logging-in client.
	for _, p := range acct.offline {
		c.push(p)
	}
	acct.offline = nil

	return &protocol.LoginResponse{
		Token:          token,
		DeviceID:       deviceID,
		FriendsVersion: acct.friendsVersion,
	}, nil
}

// friendAdd optimistically adds the target to the actor's list and opens
// a consent request at the target. A rejection rolls the optimistic entry
// back; an acceptance mirrors the entry on the target's side.
func (h *Loopback) friendAdd(user string, acct *loopAccount, body []byte) (any, error) {
	req, err := decode[protocol.FriendMutation](body)
	if err != nil {
		return nil, err
	}
	if _, err := h.friendRequest(user, acct, body); err != nil {
		return nil, err
	}
	if _, ok := acct.friends[req.Username]; !ok {
		acct.friends[req.Username] = &protocol.FriendEntry{Username: req.Username, Remark: req.Remark}
		acct.friendsVersion++
	}
	return nil, nil
}

func (h *Loopback) friendRequest(user string, acct *loopAccount, body []byte) (any, error) {
	req, err := decode[protocol.FriendMutation](body)
	if err != nil {
		return nil, err
	}
	target, ok := h.accounts[req.Username]
	if !ok {
		return nil, fmt.Errorf("%w: no such user %q", protocol.ErrNotFound, req.Username)
	}
	if req.Username == user {
		return nil, fmt.Errorf("%w: cannot befriend yourself", protocol.ErrInvalidArgument)
	}
	if target.blocked[user] {
		// Blocked requesters get silent success: no request, no probe.
		return nil, nil
	}
	if _, already := target.friends[user]; already {
		return nil, nil
	}
	target.requests[user] = req.Remark
	h.deliver(req.Username, protocol.PushFriend, &protocol.FriendPush{
		Kind:     protocol.FriendNoticeRequest,
		Username: user,
		Remark:   req.Remark,
		PeerKey:  acct.publicKey,
		TSMS:     nowMS(),
	}, true)
	return nil, nil
}

func (h *Loopback) friendRespond(user string, acct *loopAccount, body []byte) (any, error) {
	req, err := decode[protocol.FriendRespondRequest](body)
	if err != nil {
		return nil, err
	}
	remark, ok := acct.requests[req.Username]
	if !ok {
		return nil, fmt.Errorf("%w: no pending request from %q", protocol.ErrNotFound, req.Username)
	}
	delete(acct.requests, req.Username)

	requester, ok := h.accounts[req.Username]
	if !ok {
		return nil, fmt.Errorf("%w: requester %q vanished", protocol.ErrNotFound, req.Username)
	}

	kind := protocol.FriendNoticeRejected
	if req.Accept {
		kind = protocol.FriendNoticeAccepted
		acct.friends[req.Username] = &protocol.FriendEntry{Username: req.Username, Remark: remark}
		acct.friendsVersion++
		if _, ok := requester.friends[user]; !ok {
			requester.friends[user] = &protocol.FriendEntry{Username: user}
			requester.friendsVersion++
		}
	} else if _, ok := requester.friends[user]; ok {
		// Roll back the requester's optimistic entry.
		delete(requester.friends, user)
		requester.friendsVersion++
	}
	h.deliver(req.Username, protocol.PushFriend, &protocol.FriendPush{
		Kind:     kind,
		Username: user,
		PeerKey:  acct.publicKey,
		TSMS:     nowMS(),
	}, true)
	return nil, nil
}

func (h *Loopback) friendRequestList(acct *loopAccount) (any, error) {
	resp := &protocol.FriendRequestListResponse{}
	for username, remark := range acct.requests {
		resp.Requests = append(resp.Requests, protocol.FriendRequestEntry{
			Username: username,
			Remark:   remark,
		})
	}
	sort.Slice(resp.Requests, func(i, j int) bool {
		return resp.Requests[i].Username < resp.Requests[j].Username
	})
	return resp, nil
}

func (h *Loopback) friendDelete(user string, acct *loopAccount, body []byte) (any, error) {
	req, err := decode[protocol.FriendMutation](body)
	if err != nil {
		return nil, err
	}
	if _, ok := acct.friends[req.Username]; !ok {
		return nil, fmt.Errorf("%w: %q is not a friend", protocol.ErrNotFound, req.Username)
	}
	delete(acct.friends, req.Username)
	acct.friendsVersion++
	if peer, ok := h.accounts[req.Username]; ok {
		delete(peer.friends, user)
		peer.friendsVersion++
		h.deliver(req.Username, protocol.PushFriend, &protocol.FriendPush{
			Kind:     protocol.FriendNoticeDeleted,
			Username: user,
			TSMS:     nowMS(),
		}, true)
	}
	return nil, nil
}

func (h *Loopback) friendRemark(acct *loopAccount, body []byte) (any, error) {
	req, err := decode[protocol.FriendMutation](body)
	if err != nil {
		return nil, err
	}
	entry, ok := acct.friends[req.Username]
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a friend", protocol.ErrNotFound, req.Username)
	}
	entry.Remark = req.Remark
	acct.friendsVersion++
	return nil, nil
}

func (h *Loopback) friendBlock(acct *loopAccount, body []byte) (any, error) {
	req, err := decode[protocol.FriendMutation](body)
	if err != nil {
		return nil, err
	}
	if _, ok := h.accounts[req.Username]; !ok {
		return nil, fmt.Errorf("%w: no such user %q", protocol.ErrNotFound, req.Username)
	}
	if req.Blocked {
		acct.blocked[req.Username] = true
	} else {
		delete(acct.blocked, req.Username)
	}
	if entry, ok := acct.friends[req.Username]; ok {
		entry.Blocked = req.Blocked
		acct.friendsVersion++
	}
	return nil, nil
}

func (h *Loopback) friendList(acct *loopAccount) (any, error) {
	resp := &protocol.FriendListResponse{Version: acct.friendsVersion}
	for _, entry := range acct.friends {
		resp.Friends = append(resp.Friends, *entry)
	}
	sort.Slice(resp.Friends, func(i, j int) bool {
		return resp.Friends[i].Username < resp.Friends[j].Username
	})
	return resp, nil
}

func (h *Loopback) peerInfo(body []byte) (any, error) {
	req, err := decode[protocol.PeerInfoRequest](body)
	if err != nil {
		return nil, err
	}
	acct, ok := h.accounts[req.Username]
	if !ok {
		return nil, fmt.Errorf("%w: no such user %q", protocol.ErrNotFound, req.Username)
	}
	return &protocol.PeerInfoResponse{Username: req.Username, PublicKey: acct.publicKey}, nil
}

func (h *Loopback) deviceList(acct *loopAccount) (any, error) {
	resp := &protocol.DeviceListResponse{}
	for id, seen := range acct.devices {
		resp.Devices = append(resp.Devices, protocol.DeviceEntry{DeviceID: id, LastSeen: seen})
	}
	sort.Slice(resp.Devices, func(i, j int) bool {
		return resp.Devices[i].DeviceID < resp.Devices[j].DeviceID
	})
	return resp, nil
}

func (h *Loopback) deviceKick(user string, acct *loopAccount, body []byte) (any, error) {
	req, err := decode[protocol.DeviceKickRequest](body)
	if err != nil {
		return nil, err
	}
	if _, ok := acct.devices[req.DeviceID]; !ok {
		return nil, fmt.Errorf("%w: no such device %q", protocol.ErrNotFound, req.DeviceID)
	}
	delete(acct.devices, req.DeviceID)
	for token, info := range h.tokens {
		if info.user == user && info.device == req.DeviceID {
			delete(h.tokens, token)
		}
	}
	return nil, nil
}

func (h *Loopback) groupCreate(user string) (any, error) {
	groupID, err := newHexID()
	if err != nil {
		return nil, err
	}
	key := make([]byte, 32)
	if _, err := randRead(key); err != nil {
		return nil, err
	}
	h.groups[groupID] = &loopGroup{
		key:     key,
		members: map[string]uint32{user: RoleOwner},
	}
	return &protocol.GroupCreateResponse{GroupID: groupID, GroupKey: key}, nil
}

func (h *Loopback) group(groupID string) (*loopGroup, error) {
	g, ok := h.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("%w: no such group %q", protocol.ErrNotFound, groupID)
	}
	return g, nil
}

func (h *Loopback) groupJoin(user string, body []byte) (any, error) {
	req, err := decode[protocol.GroupRef](body)
	if err != nil {
		return nil, err
	}
	g, err := h.group(req.GroupID)
	if err != nil {
		return nil, err
	}
	if _, ok := g.members[user]; !ok {
		g.members[user] = RoleMember
		h.notifyGroup(g, req.GroupID, "", &protocol.GroupPush{
			Kind:    protocol.GroupNoticeJoined,
			GroupID: req.GroupID,
			Actor:   user,
			TSMS:    nowMS(),
		})
	}
	return &protocol.GroupJoinResponse{GroupKey: g.key}, nil
}

func (h *Loopback) groupLeave(user string, body []byte) (any, error) {
	req, err := decode[protocol.GroupRef](body)
	if err != nil {
		return nil, err
	}
	g, err := h.group(req.GroupID)
	if err != nil {
		return nil, err
	}
	if _, ok := g.members[user]; !ok {
		return nil, fmt.Errorf("%w: not a member of %q", protocol.ErrNotFound, req.GroupID)
	}
	delete(g.members, user)
	h.notifyGroup(g, req.GroupID, "", &protocol.GroupPush{
		Kind:    protocol.GroupNoticeLeft,
		GroupID: req.GroupID,
		Actor:   user,
		TSMS:    nowMS(),
	})
	return nil, nil
}

func (h *Loopback) groupInvite(user string, body []byte) (any, error) {
	req, err := decode[protocol.GroupInviteRequest](body)
	if err != nil {
		return nil, err
	}
	g, err := h.group(req.GroupID)
	if err != nil {
		return nil, err
	}
	if _, ok := g.members[user]; !ok {
		return nil, fmt.Errorf("%w: not a member of %q", protocol.ErrAuthz, req.GroupID)
	}
	if _, ok := h.accounts[req.Username]; !ok {
		return nil, fmt.Errorf("%w: no such user %q", protocol.ErrNotFound, req.Username)
	}
	h.deliver(req.Username, protocol.PushGroup, &protocol.GroupPush{
		Kind:      protocol.GroupNoticeInvite,
		GroupID:   req.GroupID,
		Actor:     user,
		MessageID: req.MessageID,
		TSMS:      nowMS(),
	}, true)
	return nil, nil
}

func (h *Loopback) groupMembers(body []byte) (any, error) {
	req, err := decode[protocol.GroupRef](body)
	if err != nil {
		return nil, err
	}
	g, err := h.group(req.GroupID)
	if err != nil {
		return nil, err
	}
	resp := &protocol.GroupMembersResponse{}
	for username, role := range g.members {
		resp.Members = append(resp.Members, protocol.GroupMemberEntry{Username: username, Role: role})
	}
	sort.Slice(resp.Members, func(i, j int) bool {
		if resp.Members[i].Role != resp.Members[j].Role {
			return resp.Members[i].Role > resp.Members[j].Role
		}
		return resp.Members[i].Username < resp.Members[j].Username
	})
	return resp, nil
}

func (h *Loopback) groupRole(user string, body []byte) (any, error) {
	req, err := decode[protocol.GroupRoleRequest](body)
	if err != nil {
		return nil, err
	}
	g, err := h.group(req.GroupID)
	if err != nil {
		return nil, err
	}
	actorRole, ok := g.members[user]
	if !ok {
		return nil, fmt.Errorf("%w: not a member of %q", protocol.ErrAuthz, req.GroupID)
	}
	targetRole, ok := g.members[req.Username]
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a member", protocol.ErrNotFound, req.Username)
	}
	if actorRole <= targetRole || actorRole <= req.Role {
		return nil, fmt.Errorf("%w: role %d cannot assign role %d", protocol.ErrAuthz, actorRole, req.Role)
	}
	g.members[req.Username] = req.Role
	h.notifyGroup(g, req.GroupID, "", &protocol.GroupPush{
		Kind:    protocol.GroupNoticeRoleChange,
		GroupID: req.GroupID,
		Actor:   user,
		Target:  req.Username,
		Role:    req.Role,
		TSMS:    nowMS(),
	})
	return nil, nil
}

func (h *Loopback) groupKick(user string, body []byte) (any, error) {
	req, err := decode[protocol.GroupKickRequest](body)
	if err != nil {
		return nil, err
	}
	g, err := h.group(req.GroupID)
	if err != nil {
		return nil, err
	}
	actorRole, ok := g.members[user]
	if !ok {
		return nil, fmt.Errorf("%w: not a member of %q", protocol.ErrAuthz, req.GroupID)
	}
	targetRole, ok := g.members[req.Username]
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a member", protocol.ErrNotFound, req.Username)
	}
	if actorRole <= targetRole {
		return nil, fmt.Errorf("%w: role %d cannot kick role %d", protocol.ErrAuthz, actorRole, targetRole)
	}
	delete(g.members, req.Username)
	h.notifyGroup(g, req.GroupID, "", &protocol.GroupPush{
		Kind:    protocol.GroupNoticeKicked,
		GroupID: req.GroupID,
		Actor:   user,
		Target:  req.Username,
		TSMS:    nowMS(),
	})
	h.deliver(req.Username, protocol.PushGroup, &protocol.GroupPush{
		Kind:    protocol.GroupNoticeKicked,
		GroupID: req.GroupID,
		Actor:   user,
		Target:  req.Username,
		TSMS:    nowMS(),
	}, true)
	return nil, nil
}

// notifyGroup fans a push out to every group member except skip.
func (h *Loopback) notifyGroup(g *loopGroup, groupID, skip string, push *protocol.GroupPush) {
	for member := range g.members {
		if member == skip {
			continue
		}
		h.deliver(member, protocol.PushGroup, push, true)
	}
}

func (h *Loopback) messageSend(user string, acct *loopAccount, body []byte) (any, error) {
	req, err := decode[protocol.MessageSendRequest](body)
	if err != nil {
		return nil, err
	}
	if req.MessageID == "" || len(req.Envelope) == 0 {
		return nil, fmt.Errorf("%w: message id and envelope required", protocol.ErrInvalidArgument)
	}

	push := &protocol.MessagePush{
		From:      user,
		GroupID:   req.GroupID,
		MessageID: req.MessageID,
		Envelope:  req.Envelope,
		SenderKey: acct.publicKey,
		TSMS:      nowMS(),
	}

	if req.GroupID != "" {
		g, err := h.group(req.GroupID)
		if err != nil {
			return nil, err
		}
		if _, ok := g.members[user]; !ok {
			return nil, fmt.Errorf("%w: not a member of %q", protocol.ErrAuthz, req.GroupID)
		}
		delivered := false
		for member := range g.members {
			if member == user {
				continue
			}
			if h.deliver(member, protocol.PushMessage, push, true) {
				delivered = true
			}
		}
		h.confirmDelivery(user, req.MessageID, delivered)
		return nil, nil
	}

	target, ok := h.accounts[req.To]
	if !ok {
		return nil, fmt.Errorf("%w: no such user %q", protocol.ErrNotFound, req.To)
	}
	if target.blocked[user] {
		// Silent drop: the sender cannot distinguish a block.
		h.confirmDelivery(user, req.MessageID, false)
		return nil, nil
	}
	delivered := h.deliver(req.To, protocol.PushMessage, push, true)
	h.confirmDelivery(user, req.MessageID, delivered)
	return nil, nil
}

// confirmDelivery tells the sender a message reached an online device.
func (h *Loopback) confirmDelivery(user, messageID string, delivered bool) {
	if !delivered {
		return
	}
	h.deliver(user, protocol.PushNotice, &protocol.NoticePush{
		From:      "",
		Kind:      protocol.NoticeDelivery,
		MessageID: messageID,
		TSMS:      nowMS(),
	}, false)
}

func (h *Loopback) noticeSend(user string, body []byte) (any, error) {
	req, err := decode[protocol.NoticeSendRequest](body)
	if err != nil {
		return nil, err
	}
	target, ok := h.accounts[req.To]
	if !ok {
		return nil, fmt.Errorf("%w: no such user %q", protocol.ErrNotFound, req.To)
	}
	if target.blocked[user] {
		return nil, nil
	}
	h.deliver(req.To, protocol.PushNotice, &protocol.NoticePush{
		From:      user,
		Kind:      req.Kind,
		MessageID: req.MessageID,
		On:        req.On,
		TSMS:      nowMS(),
	}, false)
	return nil, nil
}

func (h *Loopback) callStart(user string, body []byte) (any, error) {
	req, err := decode[protocol.CallStartRequest](body)
	if err != nil {
		return nil, err
	}
	if len(req.CallID) != limits.CallIDLen {
		return nil, fmt.Errorf("%w: call id must be %d bytes", protocol.ErrInvalidArgument, limits.CallIDLen)
	}
	g, err := h.group(req.GroupID)
	if err != nil {
		return nil, err
	}
	if _, ok := g.members[user]; !ok {
		return nil, fmt.Errorf("%w: not a member of %q", protocol.ErrAuthz, req.GroupID)
	}
	id := hex.EncodeToString(req.CallID)
	if _, exists := h.calls[id]; exists {
		return nil, fmt.Errorf("%w: call id in use", protocol.ErrInvalidArgument)
	}
	h.calls[id] = &loopCall{
		groupID: req.GroupID,
		video:   req.Video,
		members: map[string]bool{user: true},
		epochs:  make(map[uint32]*loopEpoch),
	}
	g.activeCall = id
	return nil, nil
}

// resolveCall maps a call id (or the zero placeholder plus group id) to
// the call session.
func (h *Loopback) resolveCall(callID []byte, groupID string) (string, *loopCall, error) {
	if len(callID) == limits.CallIDLen && !bytes.Equal(callID, make([]byte, limits.CallIDLen)) {
		id := hex.EncodeToString(callID)
		call, ok := h.calls[id]
		if !ok {
			return "", nil, fmt.Errorf("%w: no such call", protocol.ErrNotFound)
		}
		return id, call, nil
	}
	if groupID == "" {
		return "", nil, fmt.Errorf("%w: call id required", protocol.ErrInvalidArgument)
	}
	g, err := h.group(groupID)
	if err != nil {
		return "", nil, err
	}
	call, ok := h.calls[g.activeCall]
	if !ok || g.activeCall == "" {
		return "", nil, fmt.Errorf("%w: no active call in %q", protocol.ErrNotFound, groupID)
	}
	return g.activeCall, call, nil
}

func (h *Loopback) callJoin(user string, body []byte) (any, error) {
	req, err := decode[protocol.CallJoinRequest](body)
	if err != nil {
		return nil, err
	}
	_, call, err := h.resolveCall(req.CallID, req.GroupID)
	if err != nil {
		return nil, err
	}
	if g, ok := h.groups[call.groupID]; ok {
		if _, member := g.members[user]; !member {
			return nil, fmt.Errorf("%w: not a member of %q", protocol.ErrAuthz, call.groupID)
		}
	}
	call.members[user] = true
	return &protocol.CallJoinResponse{KeyID: call.keyID, Members: callMembers(call)}, nil
}

func (h *Loopback) callLeave(user string, body []byte) (any, error) {
	req, err := decode[protocol.CallLeaveRequest](body)
	if err != nil {
		return nil, err
	}
	id, call, err := h.resolveCall(req.CallID, req.GroupID)
	if err != nil {
		return nil, err
	}
	delete(call.members, user)
	if len(call.members) == 0 {
		delete(h.calls, id)
		if g, ok := h.groups[call.groupID]; ok && g.activeCall == id {
			g.activeCall = ""
		}
	}
	return nil, nil
}

func (h *Loopback) callKeyPublish(user string, body []byte) (any, error) {
	req, err := decode[protocol.CallKeyPublishRequest](body)
	if err != nil {
		return nil, err
	}
	if len(req.Key) != limits.CallKeyLen {
		return nil, fmt.Errorf("%w: key must be %d bytes", protocol.ErrInvalidArgument, limits.CallKeyLen)
	}
	_, call, err := h.resolveCall(req.CallID, req.GroupID)
	if err != nil {
		return nil, err
	}
	if !call.members[user] {
		return nil, fmt.Errorf("%w: not in call", protocol.ErrAuthz)
	}
	if len(call.epochs) > 0 && req.KeyID <= call.keyID {
		return nil, fmt.Errorf("%w: epoch %d not after %d", protocol.ErrInvalidArgument, req.KeyID, call.keyID)
	}

	allowed := make(map[string]bool)
	if len(req.Members) > 0 {
		for _, m := range req.Members {
			allowed[m] = true
		}
	} else {
		for m := range call.members {
			allowed[m] = true
		}
	}
	call.epochs[req.KeyID] = &loopEpoch{
		key:      append([]byte(nil), req.Key...),
		allowed:  allowed,
		explicit: len(req.Members) > 0,
	}
	call.keyID = req.KeyID

	push := &protocol.CallKeyPush{
		GroupID: call.groupID,
		CallID:  req.CallID,
		KeyID:   req.KeyID,
		Key:     req.Key,
		From:    user,
	}
	for m := range allowed {
		if m == user || !call.members[m] {
			continue
		}
		h.deliver(m, protocol.PushCallKey, push, true)
	}
	return nil, nil
}

func (h *Loopback) callKeyRequest(user string, body []byte) (any, error) {
	req, err := decode[protocol.CallKeyRequestRequest](body)
	if err != nil {
		return nil, err
	}
	_, call, err := h.resolveCall(req.CallID, req.GroupID)
	if err != nil {
		return nil, err
	}
	keyID := req.KeyID
	epoch, ok := call.epochs[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: epoch %d not issued", protocol.ErrNotFound, keyID)
	}
	// An epoch published to the whole call is fetchable by anyone in the
	// call now; an explicit member list stays binding after joins.
	authorized := epoch.allowed[user] || (!epoch.explicit && call.members[user])
	if !authorized {
		if keyID < call.keyID {
			return nil, fmt.Errorf("%w: epoch %d superseded by %d", protocol.ErrStaleKey, keyID, call.keyID)
		}
		return nil, fmt.Errorf("%w: not authorized for epoch %d", protocol.ErrAuthz, keyID)
	}
	h.deliver(user, protocol.PushCallKey, &protocol.CallKeyPush{
		GroupID: call.groupID,
		CallID:  req.CallID,
		KeyID:   keyID,
		Key:     epoch.key,
	}, false)
	return nil, nil
}

func (h *Loopback) callSignal(user string, body []byte) (any, error) {
	req, err := decode[protocol.CallSignalRequest](body)
	if err != nil {
		return nil, err
	}
	if len(req.Ext) > limits.MaxSignalExt {
		return nil, fmt.Errorf("%w: ext payload too large", protocol.ErrInvalidArgument)
	}
	id, call, err := h.resolveCall(req.CallID, req.GroupID)
	if err != nil {
		return nil, err
	}
	g, err := h.group(call.groupID)
	if err != nil {
		return nil, err
	}
	if _, member := g.members[user]; !member {
		return nil, fmt.Errorf("%w: not a member of %q", protocol.ErrAuthz, call.groupID)
	}

	resolved, err := hex.DecodeString(id)
	if err != nil {
		return nil, fmt.Errorf("corrupt call id: %w", err)
	}
	push := &protocol.CallSignalPush{
		Op:      req.Op,
		GroupID: call.groupID,
		CallID:  resolved,
		From:    user,
		Video:   req.Video,
		KeyID:   req.KeyID,
		Seq:     req.Seq,
		TSMS:    req.TSMS,
		Ext:     req.Ext,
	}
	for member := range g.members {
		if member == user {
			continue
		}
		h.deliver(member, protocol.PushCallSignal, push, false)
	}
	return &protocol.CallSignalResponse{
		CallID:  resolved,
		KeyID:   call.keyID,
		Members: callMembers(call),
	}, nil
}

func (h *Loopback) mediaPush(user string, body []byte) (any, error) {
	req, err := decode[protocol.MediaPushRequest](body)
	if err != nil {
		return nil, err
	}
	if len(req.CallID) != limits.CallIDLen {
		return nil, fmt.Errorf("%w: call id must be %d bytes", protocol.ErrInvalidArgument, limits.CallIDLen)
	}
	if err := limits.ValidateMediaPacket(req.Packet); err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrInvalidArgument, err)
	}

	push := &protocol.MediaPacketPush{From: user, CallID: req.CallID, Packet: req.Packet}
	if req.GroupID != "" {
		_, call, err := h.resolveCall(req.CallID, req.GroupID)
		if err != nil {
			return nil, err
		}
		for member := range call.members {
			if member == user {
				continue
			}
			h.deliver(member, protocol.PushMedia, push, false)
		}
		return nil, nil
	}
	if _, ok := h.accounts[req.To]; !ok {
		return nil, fmt.Errorf("%w: no such user %q", protocol.ErrNotFound, req.To)
	}
	h.deliver(req.To, protocol.PushMedia, push, false)
	return nil, nil
}

func (h *Loopback) filePut(body []byte) (any, error) {
	req, err := decode[protocol.FilePutRequest](body)
	if err != nil {
		return nil, err
	}
	if req.FileID == "" {
		return nil, fmt.Errorf("%w: file id required", protocol.ErrInvalidArgument)
	}
	if len(req.Data) == 0 || len(req.Data) > limits.MaxAttachment {
		return nil, fmt.Errorf("%w: attachment size %d out of range", protocol.ErrInvalidArgument, len(req.Data))
	}
	h.files[req.FileID] = append([]byte(nil), req.Data...)
	return nil, nil
}

func (h *Loopback) fileGet(body []byte) (any, error) {
	req, err := decode[protocol.FileGetRequest](body)
	if err != nil {
		return nil, err
	}
	data, ok := h.files[req.FileID]
	if !ok {
		return nil, fmt.Errorf("%w: no such file %q", protocol.ErrNotFound, req.FileID)
	}
	return &protocol.FileGetResponse{Data: data}, nil
}

func callMembers(call *loopCall) []string {
	members := make([]string, 0, len(call.members))
	for m := range call.members {
		members = append(members, m)
	}
	sort.Strings(members)
	return members
}
