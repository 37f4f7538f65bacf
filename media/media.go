// Package media moves encrypted call frames through the relay. Inbound
// frames are buffered per call behind explicit subscriptions and drained
// with bounded-wait pulls; the engine never inspects packet contents.
package media

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/veilchat/engine/crypto"
	"github.com/veilchat/engine/limits"
	"github.com/veilchat/engine/protocol"
	"github.com/veilchat/engine/transport"
)

// Config tunes frame buffering and pull pacing.
type Config struct {
	// AudioDelay and VideoDelay are the jitter targets a renderer should
	// buffer before playout.
	AudioDelay time.Duration
	VideoDelay time.Duration
	// MaxFrames bounds each call's inbound buffer; past it the oldest
	// frame is dropped.
	MaxFrames int
	// PullBatch is the frame count a pull returns when the caller passes 0.
	PullBatch int
	// PullWait bounds how long a pull blocks for the first frame when the
	// caller passes 0.
	PullWait time.Duration
}

// DefaultConfig returns the playout defaults.
func DefaultConfig() Config {
	return Config{
		AudioDelay: 80 * time.Millisecond,
		VideoDelay: 120 * time.Millisecond,
		MaxFrames:  256,
		PullBatch:  32,
		PullWait:   time.Second,
	}
}

// Frame is one inbound media packet with its sender.
type Frame struct {
	From   string
	Packet []byte
}

type callBuffer struct {
	senders map[string]bool // empty = accept any
	frames  []Frame
	dropped uint64
	wake    chan struct{}
}

func (b *callBuffer) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Relay pushes outbound frames and buffers inbound ones.
type Relay struct {
	client transport.Client
	cfg    Config

	mu   sync.Mutex
	subs map[crypto.CallID]*callBuffer
}

// NewRelay creates a media relay with the given config (zero fields fall
// back to defaults).
func NewRelay(client transport.Client, cfg Config) *Relay {
	def := DefaultConfig()
	if cfg.MaxFrames <= 0 {
		cfg.MaxFrames = def.MaxFrames
	}
	if cfg.PullBatch <= 0 {
		cfg.PullBatch = def.PullBatch
	}
	if cfg.PullWait <= 0 {
		cfg.PullWait = def.PullWait
	}
	if cfg.AudioDelay <= 0 {
		cfg.AudioDelay = def.AudioDelay
	}
	if cfg.VideoDelay <= 0 {
		cfg.VideoDelay = def.VideoDelay
	}
	return &Relay{client: client, cfg: cfg, subs: make(map[crypto.CallID]*callBuffer)}
}

// Config returns the relay's effective configuration.
func (r *Relay) Config() Config { return r.cfg }

// Subscribe opens the inbound buffer for a call. A non-empty from list
// restricts which senders' frames are kept; subscribing again widens the
// sender set. Frames for unsubscribed calls are dropped on arrival.
func (r *Relay) Subscribe(id crypto.CallID, from ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	buf, ok := r.subs[id]
	if !ok {
		buf = &callBuffer{senders: make(map[string]bool), wake: make(chan struct{}, 1)}
		r.subs[id] = buf
	}
	for _, f := range from {
		buf.senders[f] = true
	}
	if len(from) == 0 {
		buf.senders = make(map[string]bool)
	}
}

// Unsubscribe closes a single call's buffer and discards pending frames.
func (r *Relay) Unsubscribe(id crypto.CallID) {
	r.mu.Lock()
	delete(r.subs, id)
	r.mu.Unlock()
}

// ClearSubscriptions drops every buffer.
func (r *Relay) ClearSubscriptions() {
	r.mu.Lock()
	r.subs = make(map[crypto.CallID]*callBuffer)
	r.mu.Unlock()
}

// Push sends one encrypted frame. Set groupID for a group call, or to
// for a 1:1 call. Media is never queued for offline peers.
func (r *Relay) Push(ctx context.Context, id crypto.CallID, to, groupID string, packet []byte) error {
	if err := limits.ValidateMediaPacket(packet); err != nil {
		return fmt.Errorf("media packet: %w", err)
	}
	req := &protocol.MediaPushRequest{
		To:      to,
		GroupID: groupID,
		CallID:  id[:],
		Packet:  packet,
	}
	if err := r.client.Call(ctx, protocol.OpMediaPush, req, nil); err != nil {
		return fmt.Errorf("failed to push media frame: %w", err)
	}
	return nil
}

// HandleMediaPush buffers one inbound frame. Frames from senders outside
// the subscription and frames for unsubscribed calls are dropped.
func (r *Relay) HandleMediaPush(push *protocol.MediaPacketPush) {
	id, err := crypto.CallIDFromBytes(push.CallID)
	if err != nil {
		return
	}
	r.mu.Lock()
	buf, ok := r.subs[id]
	if !ok || (len(buf.senders) > 0 && !buf.senders[push.From]) {
		r.mu.Unlock()
		return
	}
	if len(buf.frames) >= r.cfg.MaxFrames {
		buf.frames = buf.frames[1:]
		buf.dropped++
		if buf.dropped%64 == 1 {
			logrus.WithFields(logrus.Fields{
				"function": "HandleMediaPush",
				"call_id":  id.String()[:8],
				"dropped":  buf.dropped,
			}).Warn("Media buffer overflow, dropping oldest frames")
		}
	}
	buf.frames = append(buf.frames, Frame{From: push.From, Packet: push.Packet})
	buf.signal()
	r.mu.Unlock()
}

// Pull drains up to max buffered frames (0 = PullBatch). With an empty
// buffer it blocks until a frame arrives, wait elapses, or the context is
// done; it then returns whatever is buffered, possibly nothing. A wait of
// zero polls and returns immediately; negative waits use PullWait.
func (r *Relay) Pull(ctx context.Context, id crypto.CallID, max int, wait time.Duration) []Frame {
	if max <= 0 {
		max = r.cfg.PullBatch
	}
	if wait < 0 {
		wait = r.cfg.PullWait
	}
	var deadline <-chan time.Time
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		deadline = t.C
	}

	for {
		r.mu.Lock()
		buf, ok := r.subs[id]
		if !ok {
			r.mu.Unlock()
			return nil
		}
		if len(buf.frames) > 0 {
			n := min(max, len(buf.frames))
			out := make([]Frame, n)
			copy(out, buf.frames[:n])
			buf.frames = buf.frames[n:]
			r.mu.Unlock()
			return out
		}
		wake := buf.wake
		r.mu.Unlock()
		if wait == 0 {
			return nil
		}

		select {
		case <-wake:
		case <-deadline:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// Pending reports how many frames are buffered for a call.
func (r *Relay) Pending(id crypto.CallID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if buf, ok := r.subs[id]; ok {
		return len(buf.frames)
	}
	return 0
}
