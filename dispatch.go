package engine

import (
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/veilchat/engine/crypto"
	"github.com/veilchat/engine/history"
	"github.com/veilchat/engine/protocol"
)

func decodePush[T any](body json.RawMessage, kind string) (*T, bool) {
	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "decodePush",
			"kind":     kind,
			"error":    err,
		}).Warn("Dropping malformed push")
		return nil, false
	}
	return &v, true
}

func (e *Engine) routeMessage(body json.RawMessage) {
	push, ok := decodePush[protocol.MessagePush](body, protocol.PushMessage)
	if !ok {
		return
	}
	entry, fresh, err := e.messenger.HandleMessagePush(push)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "routeMessage",
			"message_id": push.MessageID,
			"error":      err,
		}).Warn("Failed to process inbound message")
		return
	}
	if fresh {
		e.events.push(MessageEvent{Entry: *entry})
	}
}

func (e *Engine) routeNotice(body json.RawMessage) {
	push, ok := decodePush[protocol.NoticePush](body, protocol.PushNotice)
	if !ok {
		return
	}
	if push.Kind == protocol.NoticeDelivery {
		e.history.SetStatusAny(push.MessageID, history.StatusDelivered)
	}
	e.events.push(NoticeEvent{
		From:      push.From,
		Kind:      push.Kind,
		MessageID: push.MessageID,
		On:        push.On,
		At:        time.UnixMilli(int64(push.TSMS)),
	})
}

func (e *Engine) routeFriend(body json.RawMessage) {
	push, ok := decodePush[protocol.FriendPush](body, protocol.PushFriend)
	if !ok {
		return
	}
	if len(push.PeerKey) == 32 {
		var key [32]byte
		copy(key[:], push.PeerKey)
		e.directory.LearnPeerKey(push.Username, key)
	}
	e.events.push(FriendEvent{
		Kind:     push.Kind,
		Username: push.Username,
		Remark:   push.Remark,
		At:       time.UnixMilli(int64(push.TSMS)),
	})
}

func (e *Engine) routeGroup(body json.RawMessage) {
	push, ok := decodePush[protocol.GroupPush](body, protocol.PushGroup)
	if !ok {
		return
	}
	switch push.Kind {
	case protocol.GroupNoticeJoined, protocol.GroupNoticeLeft,
		protocol.GroupNoticeKicked, protocol.GroupNoticeRoleChange:
		e.directory.InvalidateGroupMembers(push.GroupID)
	}
	e.events.push(GroupEvent{
		Kind:      push.Kind,
		GroupID:   push.GroupID,
		Actor:     push.Actor,
		Target:    push.Target,
		Role:      push.Role,
		MessageID: push.MessageID,
		At:        time.UnixMilli(int64(push.TSMS)),
	})
}

func (e *Engine) routeCallSignal(body json.RawMessage) {
	push, ok := decodePush[protocol.CallSignalPush](body, protocol.PushCallSignal)
	if !ok {
		return
	}
	id, err := crypto.CallIDFromBytes(push.CallID)
	if err != nil {
		return
	}
	e.events.push(CallSignalEvent{
		Op:      push.Op,
		CallID:  id,
		GroupID: push.GroupID,
		From:    push.From,
		Video:   push.Video,
		KeyID:   push.KeyID,
		Seq:     push.Seq,
		At:      time.UnixMilli(int64(push.TSMS)),
		Ext:     push.Ext,
	})
}

func (e *Engine) routeCallKey(body json.RawMessage) {
	push, ok := decodePush[protocol.CallKeyPush](body, protocol.PushCallKey)
	if !ok {
		return
	}
	if err := e.calls.HandleKeyPush(push); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "routeCallKey",
			"key_id":   push.KeyID,
			"error":    err,
		}).Warn("Failed to store call key epoch")
		return
	}
	id, _ := crypto.CallIDFromBytes(push.CallID)
	e.events.push(CallKeyEvent{CallID: id, KeyID: push.KeyID, From: push.From})
}

func (e *Engine) routeMedia(body json.RawMessage) {
	push, ok := decodePush[protocol.MediaPacketPush](body, protocol.PushMedia)
	if !ok {
		return
	}
	e.media.HandleMediaPush(push)
}

func (e *Engine) routePairing(body json.RawMessage) {
	push, ok := decodePush[protocol.PairingPush](body, protocol.PushPairing)
	if !ok {
		return
	}
	e.events.push(PairingEvent{DeviceID: push.DeviceID, RequestID: push.RequestID})
}
