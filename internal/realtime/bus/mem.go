package bus

import (
	"context"
	"sync"
	"time"

	"tradepulse.com/internal/realtime/event"
	rtmetrics "tradepulse.com/internal/realtime/metrics"
	"tradepulse.com/pkg/xerr"
)

type memSub struct {
	patterns []string
	in       *inbox
	cancel   context.CancelFunc
}

// MemBus 单进程实现（开发 / 测试）；同一 topic 的 seq 分配和入 inbox 在同一把锁里完成，顺序一致
type MemBus struct {
	opts Options

	mu     sync.Mutex
	seq    map[string]uint64
	subs   map[int]*memSub
	nextID int
	closed bool
}

func NewMemBus(opts Options) *MemBus {
	return &MemBus{
		opts: opts.withDefaults(),
		seq:  make(map[string]uint64, 256),
		subs: make(map[int]*memSub),
	}
}

func (b *MemBus) Publish(ctx context.Context, topic string, payload []byte) (uint64, error) {
	topic, err := canonical(topic)
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		rtmetrics.BusPublishTotal.WithLabelValues("error").Inc()
		return 0, xerr.ErrTransportUnavailable
	}
	b.seq[topic]++
	ev := event.Event{Topic: topic, Seq: b.seq[topic], PublishedAt: time.Now(), Payload: cp}
	for _, s := range b.subs {
		if matchAny(s.patterns, topic) {
			s.in.push(ev) // 非阻塞
		}
	}
	rtmetrics.BusPublishTotal.WithLabelValues("ok").Inc()
	return ev.Seq, nil
}

func (b *MemBus) Subscribe(ctx context.Context, patterns []string) (<-chan event.Event, error) {
	subCtx, cancel := context.WithCancel(ctx)
	s := &memSub{
		patterns: append([]string(nil), patterns...),
		in:       newInbox(b.opts.Capacity, b.opts.Expiry),
		cancel:   cancel,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		return nil, xerr.ErrTransportUnavailable
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.mu.Unlock()

	go s.in.run(subCtx)
	go func() {
		<-subCtx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}()
	return s.in.out, nil
}

// Close 结束所有订阅，之后 Publish/Subscribe 返回 TransportUnavailable
func (b *MemBus) Close() error {
	b.mu.Lock()
	b.closed = true
	subs := make([]*memSub, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()
	for _, s := range subs {
		s.cancel()
	}
	return nil
}
