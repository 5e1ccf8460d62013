package session

import (
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tradepulse.com/internal/realtime/auth"
	"tradepulse.com/internal/realtime/event"
)

func active(t *testing.T, capacity int) *Session {
	t.Helper()
	s := New("s1", capacity, nil)
	require.NoError(t, s.Authenticate(auth.Principal{UserID: "7"}))
	require.True(t, s.Activate())
	return s
}

func seqs(s *Session, max int) []uint64 {
	var out []uint64
	for ev := range s.Drain(max) {
		out = append(out, ev.Seq)
	}
	return out
}

func TestSession_FIFO(t *testing.T) {
	s := active(t, 8)
	for i := uint64(1); i <= 3; i++ {
		require.True(t, s.Enqueue(event.Event{Topic: "market-data:AAPL", Seq: i}))
	}
	assert.Equal(t, []uint64{1, 2, 3}, seqs(s, 0))
	assert.Empty(t, seqs(s, 0))
}

func TestSession_DropOldest(t *testing.T) {
	s := active(t, 2)
	for i := uint64(1); i <= 3; i++ {
		if !s.Enqueue(event.Event{Seq: i}) {
			require.True(t, s.EnqueueEvict(event.Event{Seq: i}))
		}
	}
	assert.Equal(t, []uint64{2, 3}, seqs(s, 0))
	assert.Equal(t, uint64(1), s.Dropped())
}

func TestSession_DropCounterMatchesEvictions(t *testing.T) {
	s := active(t, 3)
	for i := uint64(1); i <= 10; i++ {
		s.EnqueueEvict(event.Event{Seq: i})
	}
	assert.Equal(t, uint64(7), s.Dropped())
	assert.Equal(t, []uint64{8, 9, 10}, seqs(s, 0))
}

func TestSession_EnqueueFullReturnsFalse(t *testing.T) {
	s := active(t, 1)
	assert.True(t, s.Enqueue(event.Event{Seq: 1}))
	assert.False(t, s.Enqueue(event.Event{Seq: 2}))
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, uint64(0), s.Dropped())
}

func TestSession_DrainBounded(t *testing.T) {
	s := active(t, 8)
	for i := uint64(1); i <= 5; i++ {
		s.Enqueue(event.Event{Seq: i})
	}
	assert.Equal(t, []uint64{1, 2}, seqs(s, 2))
	assert.Equal(t, []uint64{3, 4, 5}, seqs(s, 0))
}

func TestSession_DrainStopsEarly(t *testing.T) {
	s := active(t, 8)
	for i := uint64(1); i <= 4; i++ {
		s.Enqueue(event.Event{Seq: i})
	}
	for ev := range s.Drain(0) {
		if ev.Seq == 2 {
			break
		}
	}
	// break 之后剩下的还在队列里
	assert.Equal(t, []uint64{3, 4}, seqs(s, 0))
}

func TestSession_StateMachine(t *testing.T) {
	s := New("s1", 4, nil)
	assert.Equal(t, Connecting, s.State())
	assert.False(t, s.Enqueue(event.Event{Seq: 1}), "connecting 不接收事件")
	assert.False(t, s.Activate())

	require.NoError(t, s.Authenticate(auth.Principal{UserID: "1"}))
	assert.Error(t, s.Authenticate(auth.Principal{UserID: "2"}))
	assert.Equal(t, "1", s.Principal().UserID)

	assert.True(t, s.Activate())
	assert.Equal(t, Active, s.State())

	require.True(t, s.Enqueue(event.Event{Seq: 1}))
	assert.True(t, s.BeginDrain(1001, "shutdown"))
	assert.False(t, s.BeginDrain(4000, "idle_timeout"))
	assert.Equal(t, Draining, s.State())
	assert.False(t, s.Enqueue(event.Event{Seq: 2}), "draining 不再进新事件")
	assert.Equal(t, []uint64{1}, seqs(s, 0), "draining 仍然可以排空")

	code, reason := s.CloseInfo()
	assert.Equal(t, 1001, code)
	assert.Equal(t, "shutdown", reason)

	select {
	case <-s.Draining():
	default:
		t.Fatal("draining channel should be closed")
	}
}

func TestSession_ConnectingDrainClosesDirectly(t *testing.T) {
	s := New("s1", 4, nil)
	assert.False(t, s.BeginDrain(4408, "auth_timeout"))
	assert.Equal(t, Closed, s.State())
	code, _ := s.CloseInfo()
	assert.Equal(t, 4408, code)
}

func TestSession_CloseIdempotent(t *testing.T) {
	var calls atomic.Int32
	s := New("s1", 4, func(*Session) { calls.Add(1) })
	require.NoError(t, s.Authenticate(auth.Principal{UserID: "1"}))
	s.Activate()
	s.Enqueue(event.Event{Seq: 1})

	s.Close("remote")
	s.Close("again")

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, Closed, s.State())
	assert.Equal(t, 0, s.Len())
	assert.Empty(t, slices.Collect(s.Drain(0)))
	assert.False(t, s.PushControl(Control{Op: "pong"}))
	_, reason := s.CloseInfo()
	assert.Equal(t, "remote", reason)

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("done not closed")
	}
}

func TestSession_Release(t *testing.T) {
	s := active(t, 8)
	s.Enqueue(event.Event{Topic: "a:1", Seq: 1})
	s.Enqueue(event.Event{Topic: "b:1", Seq: 1})
	s.Enqueue(event.Event{Topic: "a:1", Seq: 2})
	s.Enqueue(event.Event{Topic: "b:1", Seq: 2})

	assert.Equal(t, 2, s.Release("a:1"))
	// 退订之后才到的在途事件也不能进队列
	assert.False(t, s.Enqueue(event.Event{Topic: "a:1", Seq: 3}))
	assert.False(t, s.EnqueueEvict(event.Event{Topic: "a:1", Seq: 4}))
	assert.True(t, s.Released("a:1"))

	var got []string
	for ev := range s.Drain(0) {
		got = append(got, ev.Topic)
	}
	assert.Equal(t, []string{"b:1", "b:1"}, got)
	assert.Equal(t, uint64(0), s.Dropped())

	s.Hold("a:1")
	assert.False(t, s.Released("a:1"))
	assert.True(t, s.Enqueue(event.Event{Topic: "a:1", Seq: 5}))
}

func TestSession_ControlNeverDropped(t *testing.T) {
	s := active(t, 1)
	s.Enqueue(event.Event{Seq: 1})
	for i := 0; i < 100; i++ {
		require.True(t, s.PushControl(Control{Op: "subscribed", Topic: "market-data:AAPL"}))
	}
	assert.Len(t, s.TakeControls(), 100)
	assert.Nil(t, s.TakeControls())
	assert.Equal(t, 1, s.Len())
}

func TestSession_NotifyCoalesces(t *testing.T) {
	s := active(t, 8)
	s.Enqueue(event.Event{Seq: 1})
	s.Enqueue(event.Event{Seq: 2})
	<-s.Notify()
	select {
	case <-s.Notify():
		t.Fatal("notify should coalesce to one wakeup")
	default:
	}
}

func TestSession_Touch(t *testing.T) {
	s := New("s1", 1, nil)
	before := s.LastActivity()
	time.Sleep(5 * time.Millisecond)
	s.Touch()
	assert.True(t, s.LastActivity().After(before))
	assert.Less(t, s.IdleFor(time.Now()), time.Second)
}

func TestParseDropPolicy(t *testing.T) {
	p, err := ParseDropPolicy("")
	require.NoError(t, err)
	assert.Equal(t, DropOldest, p)
	p, err = ParseDropPolicy("drop_newest")
	require.NoError(t, err)
	assert.Equal(t, DropNewest, p)
	_, err = ParseDropPolicy("block")
	assert.Error(t, err)
}
