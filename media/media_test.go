package media

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilchat/engine/crypto"
	"github.com/veilchat/engine/protocol"
)

func testCallID(t *testing.T) crypto.CallID {
	t.Helper()
	id, err := crypto.NewCallID()
	require.NoError(t, err)
	return id
}

func framePush(id crypto.CallID, from string, payload []byte) *protocol.MediaPacketPush {
	return &protocol.MediaPacketPush{From: from, CallID: id[:], Packet: payload}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 80*time.Millisecond, cfg.AudioDelay)
	assert.Equal(t, 120*time.Millisecond, cfg.VideoDelay)
	assert.Equal(t, 256, cfg.MaxFrames)
	assert.Equal(t, 32, cfg.PullBatch)
	assert.Equal(t, time.Second, cfg.PullWait)
}

func TestUnsubscribedFramesAreDropped(t *testing.T) {
	r := NewRelay(nil, Config{})
	id := testCallID(t)

	r.HandleMediaPush(framePush(id, "bob", []byte("x")))
	assert.Zero(t, r.Pending(id))
}

func TestSubscribeAndPull(t *testing.T) {
	r := NewRelay(nil, Config{})
	id := testCallID(t)
	r.Subscribe(id)

	r.HandleMediaPush(framePush(id, "bob", []byte("one")))
	r.HandleMediaPush(framePush(id, "carol", []byte("two")))

	frames := r.Pull(context.Background(), id, 0, time.Millisecond)
	require.Len(t, frames, 2)
	assert.Equal(t, "bob", frames[0].From)
	assert.Equal(t, []byte("one"), frames[0].Packet)
	assert.Equal(t, "carol", frames[1].From)
	assert.Zero(t, r.Pending(id), "pull drains the buffer")
}

func TestSenderFilter(t *testing.T) {
	r := NewRelay(nil, Config{})
	id := testCallID(t)
	r.Subscribe(id, "bob")

	r.HandleMediaPush(framePush(id, "bob", []byte("keep")))
	r.HandleMediaPush(framePush(id, "mallory", []byte("drop")))

	frames := r.Pull(context.Background(), id, 0, time.Millisecond)
	require.Len(t, frames, 1)
	assert.Equal(t, "bob", frames[0].From)
}

func TestPullBatchLimit(t *testing.T) {
	r := NewRelay(nil, Config{PullBatch: 2})
	id := testCallID(t)
	r.Subscribe(id)

	for i := 0; i < 5; i++ {
		r.HandleMediaPush(framePush(id, "bob", []byte{byte(i)}))
	}
	frames := r.Pull(context.Background(), id, 0, time.Millisecond)
	assert.Len(t, frames, 2, "a zero max uses the configured batch size")
	assert.Equal(t, 3, r.Pending(id))
}

func TestBufferOverflowDropsOldest(t *testing.T) {
	r := NewRelay(nil, Config{MaxFrames: 3})
	id := testCallID(t)
	r.Subscribe(id)

	for i := 0; i < 5; i++ {
		r.HandleMediaPush(framePush(id, "bob", []byte{byte(i)}))
	}
	frames := r.Pull(context.Background(), id, 10, time.Millisecond)
	require.Len(t, frames, 3)
	assert.Equal(t, []byte{2}, frames[0].Packet, "oldest frames were shed")
	assert.Equal(t, []byte{4}, frames[2].Packet)
}

func TestPullWaitIsBounded(t *testing.T) {
	r := NewRelay(nil, Config{})
	id := testCallID(t)
	r.Subscribe(id)

	start := time.Now()
	frames := r.Pull(context.Background(), id, 0, 80*time.Millisecond)
	elapsed := time.Since(start)

	assert.Empty(t, frames)
	assert.GreaterOrEqual(t, elapsed, 70*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond, "an empty pull must return once the wait elapses")
}

func TestPullWakesOnArrival(t *testing.T) {
	r := NewRelay(nil, Config{})
	id := testCallID(t)
	r.Subscribe(id)

	go func() {
		time.Sleep(30 * time.Millisecond)
		r.HandleMediaPush(framePush(id, "bob", []byte("late")))
	}()

	start := time.Now()
	frames := r.Pull(context.Background(), id, 0, 2*time.Second)
	elapsed := time.Since(start)

	require.Len(t, frames, 1)
	assert.Less(t, elapsed, time.Second, "a new frame must wake a blocked pull early")
}

func TestPullHonorsContext(t *testing.T) {
	r := NewRelay(nil, Config{})
	id := testCallID(t)
	r.Subscribe(id)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	frames := r.Pull(ctx, id, 0, 5*time.Second)
	assert.Empty(t, frames)
	assert.Less(t, time.Since(start), time.Second)
}

func TestClearSubscriptions(t *testing.T) {
	r := NewRelay(nil, Config{})
	id := testCallID(t)
	r.Subscribe(id)
	r.HandleMediaPush(framePush(id, "bob", []byte("x")))

	r.ClearSubscriptions()
	assert.Zero(t, r.Pending(id))
	assert.Empty(t, r.Pull(context.Background(), id, 0, time.Millisecond))
}

func TestZeroWaitPullReturnsImmediately(t *testing.T) {
	r := NewRelay(nil, Config{})
	id := testCallID(t)
	r.Subscribe(id)

	start := time.Now()
	assert.Empty(t, r.Pull(context.Background(), id, 0, 0))
	assert.Less(t, time.Since(start), 100*time.Millisecond, "zero wait must not block")

	r.HandleMediaPush(framePush(id, "bob", []byte("x")))
	frames := r.Pull(context.Background(), id, 0, 0)
	require.Len(t, frames, 1)
	assert.Equal(t, []byte("x"), frames[0].Packet)
}

func TestNegativeWaitUsesConfiguredDefault(t *testing.T) {
	r := NewRelay(nil, Config{PullWait: 30 * time.Millisecond})
	id := testCallID(t)
	r.Subscribe(id)

	start := time.Now()
	assert.Empty(t, r.Pull(context.Background(), id, 0, -1))
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}
