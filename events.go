package engine

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/veilchat/engine/crypto"
	"github.com/veilchat/engine/history"
)

// Event is one application-facing notification. The concrete types below
// are the only implementations.
type Event interface {
	isEvent()
}

// MessageEvent reports a decrypted inbound message already recorded in
// history. Duplicates from a peer's resend never surface here.
type MessageEvent struct {
	Entry history.Entry
}

// NoticeEvent reports a fire-and-forget signal: typing, presence, read
// receipt, or delivery confirmation.
type NoticeEvent struct {
	From      string
	Kind      string
	MessageID string
	On        bool
	At        time.Time
}

// FriendEvent reports a contact change: an incoming request, an
// acceptance, a rejection, or a removal.
type FriendEvent struct {
	Kind     string
	Username string
	Remark   string
	At       time.Time
}

// GroupEvent reports a group membership or role change.
type GroupEvent struct {
	Kind      string
	GroupID   string
	Actor     string
	Target    string
	Role      uint32
	MessageID string
	At        time.Time
}

// CallSignalEvent reports inbound call signaling.
type CallSignalEvent struct {
	Op      uint8
	CallID  crypto.CallID
	GroupID string
	From    string
	Video   bool
	KeyID   uint32
	Seq     uint32
	At      time.Time
	Ext     []byte
}

// CallKeyEvent reports that a new call key epoch was received and stored.
type CallKeyEvent struct {
	CallID crypto.CallID
	KeyID  uint32
	From   string
}

// PairingEvent reports a device link attempt awaiting approval on this
// primary device.
type PairingEvent struct {
	DeviceID  string
	RequestID string
}

// TrustEvent reports that a subject's fingerprint awaits verification.
// Username is empty for the server.
type TrustEvent struct {
	Username    string
	Fingerprint string
	Pin         string
}

func (MessageEvent) isEvent()    {}
func (NoticeEvent) isEvent()     {}
func (FriendEvent) isEvent()     {}
func (GroupEvent) isEvent()      {}
func (CallSignalEvent) isEvent() {}
func (CallKeyEvent) isEvent()    {}
func (PairingEvent) isEvent()    {}
func (TrustEvent) isEvent()      {}

// eventQueueCap bounds the pending event backlog; past it the oldest
// event is shed.
const eventQueueCap = 1024

type eventQueue struct {
	mu      sync.Mutex
	events  []Event
	dropped uint64
	wake    chan struct{}
	closed  bool
}

func newEventQueue() *eventQueue {
	return &eventQueue{wake: make(chan struct{}, 1)}
}

func (q *eventQueue) push(ev Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if len(q.events) >= eventQueueCap {
		q.events = q.events[1:]
		q.dropped++
		if q.dropped%128 == 1 {
			logrus.WithFields(logrus.Fields{
				"function": "push",
				"dropped":  q.dropped,
			}).Warn("Event queue overflow, shedding oldest")
		}
	}
	q.events = append(q.events, ev)
	select {
	case q.wake <- struct{}{}:
	default:
	}
	q.mu.Unlock()
}

// poll drains up to max events, blocking up to wait for the first one.
// wait of zero or less checks and returns immediately.
func (q *eventQueue) poll(max int, wait time.Duration) []Event {
	if max <= 0 {
		max = eventQueueCap
	}
	if wait < 0 {
		wait = 0
	}
	var deadline <-chan time.Time
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		deadline = t.C
	}

	for {
		q.mu.Lock()
		if len(q.events) > 0 {
			n := min(max, len(q.events))
			out := make([]Event, n)
			copy(out, q.events[:n])
			q.events = q.events[n:]
			q.mu.Unlock()
			return out
		}
		if q.closed || wait == 0 {
			q.mu.Unlock()
			return nil
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-wake:
		case <-deadline:
			return nil
		}
	}
}

func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	select {
	case q.wake <- struct{}{}:
	default:
	}
	q.mu.Unlock()
}
