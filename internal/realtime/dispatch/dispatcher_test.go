package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tradepulse.com/internal/realtime/auth"
	"tradepulse.com/internal/realtime/bus"
	"tradepulse.com/internal/realtime/event"
	rtmetrics "tradepulse.com/internal/realtime/metrics"
	"tradepulse.com/internal/realtime/registry"
	"tradepulse.com/internal/realtime/session"
	"tradepulse.com/internal/realtime/topic"
)

func newSession(t *testing.T, reg *registry.Registry, id string, capacity int) *session.Session {
	t.Helper()
	s := session.New(id, capacity, func(s *session.Session) { reg.RemoveSession(s) })
	require.NoError(t, s.Authenticate(auth.Principal{UserID: id}))
	s.Activate()
	return s
}

func drain(s *session.Session) []uint64 {
	var out []uint64
	for ev := range s.Drain(0) {
		out = append(out, ev.Seq)
	}
	return out
}

// 等 dispatcher 把 bus 上的事件搬完
func waitLen(t *testing.T, s *session.Session, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Len() >= n }, 2*time.Second, 5*time.Millisecond)
}

func TestDispatcher_Scenario(t *testing.T) {
	reg := registry.New()
	b := bus.NewMemBus(bus.Options{Capacity: 64})
	d := New(b, reg, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)
	<-d.Ready()

	aapl := topic.MustParse("market-data:AAPL")
	a := newSession(t, reg, "A", 16)
	bs := newSession(t, reg, "B", 16)
	_, err := reg.Subscribe(a, aapl)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := b.Publish(ctx, aapl.String(), []byte("tick"))
		require.NoError(t, err)
	}
	waitLen(t, a, 3)
	assert.Equal(t, []uint64{1, 2, 3}, drain(a))
	assert.Equal(t, 0, bs.Len())

	reg.Unsubscribe(a, aapl)
	// B 订阅作为 seq=4 已经送达的哨兵
	_, err = reg.Subscribe(bs, aapl)
	require.NoError(t, err)
	_, err = b.Publish(ctx, aapl.String(), []byte("tick"))
	require.NoError(t, err)
	waitLen(t, bs, 1)
	assert.Equal(t, []uint64{4}, drain(bs))
	assert.Empty(t, drain(a))
}

func TestDispatcher_DropOldestOnFullQueue(t *testing.T) {
	reg := registry.New()
	d := New(bus.NewMemBus(bus.Options{}), reg, Config{})
	s := newSession(t, reg, "s", 2)
	tp := topic.MustParse("market-data:AAPL")
	_, _ = reg.Subscribe(s, tp)

	for i := uint64(1); i <= 3; i++ {
		assert.Equal(t, 1, d.Dispatch(event.Event{Topic: tp.String(), Seq: i}))
	}
	assert.Equal(t, []uint64{2, 3}, drain(s))
	assert.Equal(t, uint64(1), s.Dropped())
}

func TestDispatcher_DropNewest(t *testing.T) {
	reg := registry.New()
	d := New(bus.NewMemBus(bus.Options{}), reg, Config{Policy: session.DropNewest})
	s := newSession(t, reg, "s", 2)
	tp := topic.MustParse("market-data:AAPL")
	_, _ = reg.Subscribe(s, tp)

	for i := uint64(1); i <= 3; i++ {
		d.Dispatch(event.Event{Topic: tp.String(), Seq: i})
	}
	assert.Equal(t, []uint64{1, 2}, drain(s))
	assert.Equal(t, uint64(1), s.Dropped())
}

func TestDispatcher_SlowSessionDoesNotBlockOthers(t *testing.T) {
	reg := registry.New()
	d := New(bus.NewMemBus(bus.Options{}), reg, Config{})
	tp := topic.MustParse("analytics:d1")
	slow := newSession(t, reg, "slow", 1)
	fast := newSession(t, reg, "fast", 100)
	_, _ = reg.Subscribe(slow, tp)
	_, _ = reg.Subscribe(fast, tp)

	for i := uint64(1); i <= 50; i++ {
		assert.Equal(t, 2, d.Dispatch(event.Event{Topic: tp.String(), Seq: i}))
	}
	assert.Len(t, drain(fast), 50)
	assert.Equal(t, []uint64{50}, drain(slow))
	assert.Equal(t, uint64(49), slow.Dropped())
}

func TestDispatcher_SkipsDrainingAndBadTopic(t *testing.T) {
	reg := registry.New()
	d := New(bus.NewMemBus(bus.Options{}), reg, Config{})
	tp := topic.MustParse("alerts:1")
	s := newSession(t, reg, "s", 4)
	_, _ = reg.Subscribe(s, tp)
	s.BeginDrain(1001, "shutdown")

	assert.Equal(t, 0, d.Dispatch(event.Event{Topic: tp.String(), Seq: 1}))
	assert.Equal(t, uint64(0), s.Dropped())
	assert.Equal(t, 0, d.Dispatch(event.Event{Topic: "nope", Seq: 1}))
}

// flakyBus 前两次 Subscribe 失败，之后委托给 MemBus
type flakyBus struct {
	*bus.MemBus
	fails atomic.Int32
}

func (f *flakyBus) Subscribe(ctx context.Context, p []string) (<-chan event.Event, error) {
	if f.fails.Add(1) <= 2 {
		return nil, errors.New("bus down")
	}
	return f.MemBus.Subscribe(ctx, p)
}

func TestDispatcher_ResubscribesWithBackoff(t *testing.T) {
	reg := registry.New()
	fb := &flakyBus{MemBus: bus.NewMemBus(bus.Options{})}
	d := New(fb, reg, Config{BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	select {
	case <-d.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher never subscribed")
	}
	assert.True(t, d.Connected())
	assert.Equal(t, int32(3), fb.fails.Load())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return on cancel")
	}
}

func TestDispatcher_OneSeqStreamPerTopic(t *testing.T) {
	reg := registry.New()
	b := bus.NewMemBus(bus.Options{Capacity: 64})
	d := New(b, reg, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)
	<-d.Ready()

	aapl := topic.MustParse("market-data:AAPL")
	s := newSession(t, reg, "A", 16)
	_, err := reg.Subscribe(s, aapl)
	require.NoError(t, err)

	// 小写 symbol 在 bus 上归一化，和规范 topic 共用一套 seq
	for _, name := range []string{"market-data:AAPL", "market-data:aapl", "market-data:AAPL"} {
		_, err := b.Publish(ctx, name, []byte("tick"))
		require.NoError(t, err)
	}
	waitLen(t, s, 3)

	var got []string
	for ev := range s.Drain(0) {
		got = append(got, fmt.Sprintf("%s#%d", ev.Topic, ev.Seq))
	}
	assert.Equal(t, []string{"market-data:AAPL#1", "market-data:AAPL#2", "market-data:AAPL#3"}, got)

	// 绕过 bus 直接进来的非规范 topic 不能混进订阅者的流
	before := testutil.ToFloat64(rtmetrics.DroppedTotal.WithLabelValues("bad_topic"))
	assert.Equal(t, 0, d.Dispatch(event.Event{Topic: "market-data:aapl", Seq: 1}))
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, before+1, testutil.ToFloat64(rtmetrics.DroppedTotal.WithLabelValues("bad_topic")))
}

func TestDispatcher_InFlightEventAfterUnsubscribe(t *testing.T) {
	reg := registry.New()
	d := New(bus.NewMemBus(bus.Options{}), reg, Config{})
	tp := topic.MustParse("market-data:AAPL")
	s := newSession(t, reg, "s", 2)
	_, err := reg.Subscribe(s, tp)
	require.NoError(t, err)

	assert.Equal(t, 1, d.Dispatch(event.Event{Topic: tp.String(), Seq: 1}))
	// dispatcher 退订前拿到的快照
	snapshot := reg.SubscribersOf(tp)
	require.Len(t, snapshot, 1)

	require.True(t, reg.Unsubscribe(s, tp))
	assert.Zero(t, s.Len(), "已排队的事件随退订清掉")

	ev := event.Event{Topic: tp.String(), Seq: 2}
	assert.False(t, snapshot[0].Enqueue(ev))
	assert.False(t, snapshot[0].EnqueueEvict(ev))
	assert.Zero(t, s.Len())
	assert.Equal(t, uint64(0), s.Dropped())

	// 重新订阅后恢复投递
	_, err = reg.Subscribe(s, tp)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Dispatch(event.Event{Topic: tp.String(), Seq: 3}))
	assert.Equal(t, []uint64{3}, drain(s))
}
