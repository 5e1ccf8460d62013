package bus

import (
	"context"
	"sync"
	"time"

	"tradepulse.com/internal/realtime/event"
	rtmetrics "tradepulse.com/internal/realtime/metrics"
	"tradepulse.com/pkg/ringbuf"
)

// inbox 单个订阅的缓冲：生产侧 push 永不阻塞（满了挤掉最旧的），消费侧通过 out 逐条读取
type inbox struct {
	mu     sync.Mutex
	q      *ringbuf.Ring[event.Event]
	expiry time.Duration
	now    func() time.Time

	notify chan struct{}
	out    chan event.Event
}

func newInbox(capacity int, expiry time.Duration) *inbox {
	return &inbox{
		q:      ringbuf.New[event.Event](capacity),
		expiry: expiry,
		now:    time.Now,
		notify: make(chan struct{}, 1),
		out:    make(chan event.Event),
	}
}

func (b *inbox) push(ev event.Event) {
	b.mu.Lock()
	evicted := b.q.PushEvict(ev)
	b.mu.Unlock()
	if evicted {
		rtmetrics.Drop("bus_capacity")
	}
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *inbox) pop() (event.Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.q.Pop()
}

// run 把缓冲里的事件送到 out，直到 ctx 结束；退出时关闭 out
func (b *inbox) run(ctx context.Context) {
	defer close(b.out)
	for {
		ev, ok := b.pop()
		if !ok {
			select {
			case <-b.notify:
				continue
			case <-ctx.Done():
				return
			}
		}
		if b.expiry > 0 && ev.Age(b.now()) > b.expiry {
			rtmetrics.Drop("bus_expired")
			continue
		}
		select {
		case b.out <- ev:
		case <-ctx.Done():
			return
		}
	}
}
