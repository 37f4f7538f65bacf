// Package protocol defines the request/response vocabulary between the
// engine and its network collaborator: operation names, payload shapes,
// push kinds, and the shared error vocabulary. Exact byte framing is owned
// by the transport implementation; this package only fixes the envelope
// semantics.
package protocol

import "encoding/json"

// Operation names for request/response calls.
const (
	OpRegister  = "auth.register"
	OpLogin     = "auth.login"
	OpLogout    = "auth.logout"
	OpHeartbeat = "auth.heartbeat"

	OpFriendAdd         = "friend.add"
	OpFriendDelete      = "friend.delete"
	OpFriendRemark      = "friend.remark"
	OpFriendBlock       = "friend.block"
	OpFriendList        = "friend.list"
	OpFriendReqSend     = "friend.request.send"
	OpFriendReqRespond  = "friend.request.respond"
	OpFriendReqList     = "friend.request.list"
	OpPeerInfo          = "peer.info"
	OpDeviceList        = "device.list"
	OpDeviceKick        = "device.kick"
	OpGroupCreate       = "group.create"
	OpGroupJoin         = "group.join"
	OpGroupLeave        = "group.leave"
	OpGroupInvite       = "group.invite"
	OpGroupMembers      = "group.members"
	OpGroupRole         = "group.role"
	OpGroupKick         = "group.kick"
	OpPairBegin         = "pair.begin"
	OpPairRequest       = "pair.request"
	OpPairPoll          = "pair.poll"
	OpPairApprove       = "pair.approve"
	OpPairStatus        = "pair.status"
	OpPairCancel        = "pair.cancel"
	OpMessageSend       = "msg.send"
	OpNoticeSend        = "notice.send"
	OpCallStart         = "call.start"
	OpCallJoin          = "call.join"
	OpCallLeave         = "call.leave"
	OpCallKeyPublish    = "call.key.publish"
	OpCallKeyRequest    = "call.key.request"
	OpCallSignal        = "call.signal"
	OpMediaPush         = "media.push"
	OpFilePut           = "file.put"
	OpFileGet           = "file.get"
)

// Push kinds for server-initiated traffic.
const (
	PushMessage    = "message"
	PushNotice     = "notice"
	PushFriend     = "friend"
	PushGroup      = "group"
	PushCallSignal = "call.signal"
	PushCallKey    = "call.key"
	PushMedia      = "media"
	PushPairing    = "pairing"
)

// Push is one server-initiated envelope. Kind selects the body shape.
type Push struct {
	Kind string          `json:"kind"`
	Body json.RawMessage `json:"body"`
}

// Auth payloads.

type RegisterRequest struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	PublicKey []byte `json:"public_key"`
}

type RegisterResponse struct {
	Token    string `json:"token"`
	DeviceID string `json:"device_id"`
}

type LoginRequest struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	DeviceID  string `json:"device_id,omitempty"`
	PublicKey []byte `json:"public_key,omitempty"`
}

type LoginResponse struct {
	Token          string `json:"token"`
	DeviceID       string `json:"device_id"`
	FriendsVersion uint64 `json:"friends_version"`
}

type HeartbeatResponse struct {
	NowMS uint64 `json:"now_ms"`
}

// Directory payloads.

type FriendEntry struct {
	Username string `json:"username"`
	Remark   string `json:"remark,omitempty"`
	Blocked  bool   `json:"blocked,omitempty"`
}

type FriendMutation struct {
	Username string `json:"username"`
	Remark   string `json:"remark,omitempty"`
	Blocked  bool   `json:"blocked,omitempty"`
}

type FriendListResponse struct {
	Friends []FriendEntry `json:"friends"`
	Version uint64        `json:"version"`
}

type FriendRequestEntry struct {
	Username string `json:"username"`
	Remark   string `json:"remark,omitempty"`
}

type FriendRequestListResponse struct {
	Requests []FriendRequestEntry `json:"requests"`
}

type FriendRespondRequest struct {
	Username string `json:"username"`
	Accept   bool   `json:"accept"`
}

// PeerInfoRequest fetches a peer's published identity key so the caller
// can establish trust and a pairwise secret.
type PeerInfoRequest struct {
	Username string `json:"username"`
}

type PeerInfoResponse struct {
	Username  string `json:"username"`
	PublicKey []byte `json:"public_key"`
}

type DeviceEntry struct {
	DeviceID string `json:"device_id"`
	LastSeen uint64 `json:"last_seen_sec"`
}

type DeviceListResponse struct {
	Devices []DeviceEntry `json:"devices"`
}

type DeviceKickRequest struct {
	DeviceID string `json:"device_id"`
}

// Group payloads.

type GroupCreateResponse struct {
	GroupID  string `json:"group_id"`
	GroupKey []byte `json:"group_key"`
}

type GroupRef struct {
	GroupID string `json:"group_id"`
}

type GroupJoinResponse struct {
	GroupKey []byte `json:"group_key"`
}

type GroupInviteRequest struct {
	GroupID   string `json:"group_id"`
	Username  string `json:"username"`
	MessageID string `json:"message_id"`
}

type GroupMemberEntry struct {
	Username string `json:"username"`
	Role     uint32 `json:"role"`
}

type GroupMembersResponse struct {
	Members []GroupMemberEntry `json:"members"`
}

type GroupRoleRequest struct {
	GroupID  string `json:"group_id"`
	Username string `json:"username"`
	Role     uint32 `json:"role"`
}

type GroupKickRequest struct {
	GroupID  string `json:"group_id"`
	Username string `json:"username"`
}

// Pairing payloads. Payload blobs are opaque to the server: they are
// sealed with a key derived from the pairing code secret, which the server
// never sees.

type PairBeginRequest struct {
	PairingID string `json:"pairing_id"`
}

type PairRequestRequest struct {
	PairingID string `json:"pairing_id"`
	DeviceID  string `json:"device_id"`
	RequestID string `json:"request_id"`
}

type PairPollRequest struct {
	PairingID string `json:"pairing_id"`
}

type PairingRequestEntry struct {
	DeviceID  string `json:"device_id"`
	RequestID string `json:"request_id"`
}

type PairPollResponse struct {
	Requests []PairingRequestEntry `json:"requests"`
}

type PairApproveRequest struct {
	PairingID string `json:"pairing_id"`
	DeviceID  string `json:"device_id"`
	RequestID string `json:"request_id"`
	Payload   []byte `json:"payload"`
}

type PairStatusRequest struct {
	PairingID string `json:"pairing_id"`
	RequestID string `json:"request_id"`
}

type PairStatusResponse struct {
	Completed bool   `json:"completed"`
	Payload   []byte `json:"payload,omitempty"`
	Token     string `json:"token,omitempty"`
}

type PairCancelRequest struct {
	PairingID string `json:"pairing_id"`
}

// Messaging payloads. Envelope bytes are ciphertext; the server routes
// them opaquely. SenderKey carries the sender's identity key so first
// contact can enter the recipient's trust store.

type MessageSendRequest struct {
	To        string `json:"to,omitempty"`
	GroupID   string `json:"group_id,omitempty"`
	MessageID string `json:"message_id"`
	Envelope  []byte `json:"envelope"`
}

type MessagePush struct {
	From      string `json:"from"`
	GroupID   string `json:"group_id,omitempty"`
	MessageID string `json:"message_id"`
	Envelope  []byte `json:"envelope"`
	SenderKey []byte `json:"sender_key,omitempty"`
	TSMS      uint64 `json:"ts_ms"`
}

// Notice kinds for fire-and-forget signals.
const (
	NoticeTyping   = "typing"
	NoticePresence = "presence"
	NoticeReceipt  = "receipt"
	NoticeDelivery = "delivery"
)

type NoticeSendRequest struct {
	To        string `json:"to"`
	Kind      string `json:"kind"`
	MessageID string `json:"message_id,omitempty"`
	On        bool   `json:"on,omitempty"`
}

type NoticePush struct {
	From      string `json:"from"`
	Kind      string `json:"kind"`
	MessageID string `json:"message_id,omitempty"`
	On        bool   `json:"on,omitempty"`
	TSMS      uint64 `json:"ts_ms"`
}

// Friend/group notice pushes (membership and relationship changes).
const (
	FriendNoticeRequest  = "request"
	FriendNoticeAccepted = "accepted"
	FriendNoticeRejected = "rejected"
	FriendNoticeDeleted  = "deleted"

	GroupNoticeInvite     = "invite"
	GroupNoticeJoined     = "joined"
	GroupNoticeLeft       = "left"
	GroupNoticeKicked     = "kicked"
	GroupNoticeRoleChange = "role"
)

type FriendPush struct {
	Kind     string `json:"kind"`
	Username string `json:"username"`
	Remark   string `json:"remark,omitempty"`
	PeerKey  []byte `json:"peer_key,omitempty"`
	TSMS     uint64 `json:"ts_ms"`
}

type GroupPush struct {
	Kind      string `json:"kind"`
	GroupID   string `json:"group_id"`
	Actor     string `json:"actor,omitempty"`
	Target    string `json:"target,omitempty"`
	Role      uint32 `json:"role,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	TSMS      uint64 `json:"ts_ms"`
}

// Call payloads. CallID is the fixed 16-byte identifier; Key is the
// fixed 32-byte epoch key material.

type CallStartRequest struct {
	GroupID string `json:"group_id"`
	CallID  []byte `json:"call_id"`
	Video   bool   `json:"video"`
}

type CallJoinRequest struct {
	GroupID string `json:"group_id"`
	CallID  []byte `json:"call_id"`
	Video   bool   `json:"video"`
}

type CallJoinResponse struct {
	KeyID   uint32   `json:"key_id"`
	Members []string `json:"members"`
}

type CallLeaveRequest struct {
	GroupID string `json:"group_id"`
	CallID  []byte `json:"call_id"`
}

type CallKeyPublishRequest struct {
	GroupID string   `json:"group_id"`
	CallID  []byte   `json:"call_id"`
	KeyID   uint32   `json:"key_id"`
	Key     []byte   `json:"key"`
	Members []string `json:"members,omitempty"`
}

type CallKeyRequestRequest struct {
	GroupID string `json:"group_id"`
	CallID  []byte `json:"call_id"`
	KeyID   uint32 `json:"key_id"`
}

type CallKeyPush struct {
	GroupID string `json:"group_id"`
	CallID  []byte `json:"call_id"`
	KeyID   uint32 `json:"key_id"`
	Key     []byte `json:"key"`
	From    string `json:"from"`
}

type CallSignalRequest struct {
	Op      uint8  `json:"op"`
	GroupID string `json:"group_id"`
	CallID  []byte `json:"call_id,omitempty"`
	Video   bool   `json:"video"`
	KeyID   uint32 `json:"key_id"`
	Seq     uint32 `json:"seq"`
	TSMS    uint64 `json:"ts_ms"`
	Ext     []byte `json:"ext,omitempty"`
}

type CallSignalResponse struct {
	CallID  []byte   `json:"call_id"`
	KeyID   uint32   `json:"key_id"`
	Members []string `json:"members"`
}

type CallSignalPush struct {
	Op      uint8  `json:"op"`
	GroupID string `json:"group_id"`
	CallID  []byte `json:"call_id"`
	From    string `json:"from"`
	Video   bool   `json:"video"`
	KeyID   uint32 `json:"key_id"`
	Seq     uint32 `json:"seq"`
	TSMS    uint64 `json:"ts_ms"`
	Ext     []byte `json:"ext,omitempty"`
}

// Media relay payloads.

type MediaPushRequest struct {
	To      string `json:"to,omitempty"`
	GroupID string `json:"group_id,omitempty"`
	CallID  []byte `json:"call_id"`
	Packet  []byte `json:"packet"`
}

type MediaPacketPush struct {
	From   string `json:"from"`
	CallID []byte `json:"call_id"`
	Packet []byte `json:"packet"`
}

// Attachment payloads. Data is ciphertext; the content key never passes
// through these messages.

type FilePutRequest struct {
	FileID string `json:"file_id"`
	Data   []byte `json:"data"`
}

type FileGetRequest struct {
	FileID string `json:"file_id"`
}

type FileGetResponse struct {
	Data []byte `json:"data"`
}

// PairingPush notifies a primary device of a new pairing request.
type PairingPush struct {
	PairingID string `json:"pairing_id"`
	DeviceID  string `json:"device_id"`
	RequestID string `json:"request_id"`
}
