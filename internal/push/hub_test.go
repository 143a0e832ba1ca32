package push

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingStream struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
	closed bool
}

func (s *recordingStream) Deliver(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, frame)
	return nil
}

func (s *recordingStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *recordingStream) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.frames))
	for i, f := range s.frames {
		out[i] = string(f)
	}
	return out
}

func (s *recordingStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func TestBroadcastReachesOnlyTargetBoard(t *testing.T) {
	hub := NewHub()
	a := &recordingStream{}
	b := &recordingStream{}
	hub.Add(context.Background(), "brd_a", a)
	hub.Add(context.Background(), "brd_b", b)

	hub.Broadcast("brd_a", map[string]string{"type": "state_changed"})

	require.Len(t, a.received(), 1)
	assert.Empty(t, b.received())
}

func TestBroadcastFrameFormat(t *testing.T) {
	hub := NewHub()
	s := &recordingStream{}
	hub.Add(context.Background(), "brd_a", s)

	hub.Broadcast("brd_a", map[string]string{"boardId": "brd_a"})

	frames := s.received()
	require.Len(t, frames, 1)
	frame := frames[0]
	require.True(t, strings.HasPrefix(frame, "data: "), "frame %q", frame)
	require.True(t, strings.HasSuffix(frame, "\n\n"), "frame %q", frame)

	var event Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSuffix(strings.TrimPrefix(frame, "data: "), "\n\n")), &event))
	parsed, err := time.Parse(time.RFC3339, event.Timestamp)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), parsed, time.Minute)
	payload, ok := event.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "brd_a", payload["boardId"])
}

func TestFailingStreamIsDroppedOthersStillDelivered(t *testing.T) {
	hub := NewHub()
	bad := &recordingStream{err: errors.New("write failed")}
	good := &recordingStream{}
	hub.Add(context.Background(), "brd_a", bad)
	hub.Add(context.Background(), "brd_a", good)

	hub.Broadcast("brd_a", "first")
	hub.Broadcast("brd_a", "second")

	assert.Len(t, good.received(), 2)
	assert.True(t, bad.isClosed())
	assert.Equal(t, 1, hub.SubscriberCount("brd_a"))
}

func TestSubscriberRemovedWhenContextEnds(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	s := &recordingStream{}
	hub.Add(ctx, "brd_a", s)
	require.Equal(t, 1, hub.SubscriberCount("brd_a"))

	cancel()
	require.Eventually(t, func() bool {
		return hub.SubscriberCount("brd_a") == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, s.isClosed())
	assert.Equal(t, 0, hub.Stats().Boards)
}

func TestBroadcastWithoutSubscribersIsLost(t *testing.T) {
	hub := NewHub()
	// Must not block or panic; latest-state-wins, the event is dropped.
	hub.Broadcast("brd_nobody", "anything")

	late := &recordingStream{}
	hub.Add(context.Background(), "brd_nobody", late)
	assert.Empty(t, late.received())
}

func TestKeepaliveTouchesAllBoards(t *testing.T) {
	hub := NewHub()
	a := &recordingStream{}
	b := &recordingStream{}
	dead := &recordingStream{err: errors.New("connection reset")}
	hub.Add(context.Background(), "brd_a", a)
	hub.Add(context.Background(), "brd_b", b)
	hub.Add(context.Background(), "brd_b", dead)

	hub.Keepalive()

	require.Len(t, a.received(), 1)
	assert.True(t, strings.HasPrefix(a.received()[0], ":"))
	assert.Len(t, b.received(), 1)
	assert.True(t, dead.isClosed())
	assert.Equal(t, 1, hub.SubscriberCount("brd_b"))
}

func TestSSEStreamBackpressure(t *testing.T) {
	s := NewSSEStream(2)
	require.NoError(t, s.Deliver([]byte("one")))
	require.NoError(t, s.Deliver([]byte("two")))
	// Buffer full: the broadcaster must not block on a slow consumer.
	assert.ErrorIs(t, s.Deliver([]byte("three")), ErrSlowConsumer)

	<-s.Frames()
	require.NoError(t, s.Deliver([]byte("four")))

	s.Close()
	s.Close() // idempotent
	assert.ErrorIs(t, s.Deliver([]byte("five")), ErrStreamClosed)
}
