// Package session holds the server-side state of one live realtime connection:
// principal, lifecycle state, bounded outbound event queue and control-plane frames.
package session

import (
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"tradepulse.com/internal/realtime/auth"
	"tradepulse.com/internal/realtime/event"
	"tradepulse.com/pkg/ringbuf"
)

type State int32

const (
	Connecting State = iota
	Authenticated
	Active
	Draining
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Authenticated:
		return "authenticated"
	case Active:
		return "active"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Control 控制面帧（ack/error/pong），不受队列容量限制，永不丢弃
type Control struct {
	Op     string
	Topic  string
	Reason string
}

type Session struct {
	id        string
	createdAt time.Time

	state     atomic.Int32
	principal atomic.Pointer[auth.Principal]

	mu          sync.Mutex
	queue       *ringbuf.Ring[event.Event]
	ctrl        []Control
	released    map[string]struct{} // 已退订的 topic，在途事件到达时直接丢弃
	closeCode   int
	closeReason string

	dropped    atomic.Uint64
	lastActive atomic.Int64 // unix nano，只记录客户端发来的帧

	notify    chan struct{} // 缓冲 1：合并唤醒 writer
	draining  chan struct{}
	done      chan struct{}
	drainOnce sync.Once
	closeOnce sync.Once

	onClose func(*Session)
}

// New 创建处于 Connecting 状态的会话；onClose 在 Close 时调用一次（通常是 registry.RemoveSession）
func New(id string, queueCapacity int, onClose func(*Session)) *Session {
	now := time.Now()
	s := &Session{
		id:        id,
		createdAt: now,
		queue:     ringbuf.New[event.Event](queueCapacity),
		notify:    make(chan struct{}, 1),
		draining:  make(chan struct{}),
		done:      make(chan struct{}),
		onClose:   onClose,
	}
	s.lastActive.Store(now.UnixNano())
	return s
}

func (s *Session) ID() string           { return s.id }
func (s *Session) CreatedAt() time.Time { return s.createdAt }
func (s *Session) State() State         { return State(s.state.Load()) }

// Principal 未认证前返回零值
func (s *Session) Principal() auth.Principal {
	if p := s.principal.Load(); p != nil {
		return *p
	}
	return auth.Principal{}
}

// Authenticate Connecting -> Authenticated，principal 之后不再变化
func (s *Session) Authenticate(p auth.Principal) error {
	if !s.state.CompareAndSwap(int32(Connecting), int32(Authenticated)) {
		return fmt.Errorf("session %s: authenticate in state %s", s.id, s.State())
	}
	s.principal.Store(&p)
	return nil
}

// Activate Authenticated -> Active
func (s *Session) Activate() bool {
	return s.state.CompareAndSwap(int32(Authenticated), int32(Active))
}

// Accepting 只有 Authenticated/Active 接收新事件；Draining 只排空不再进
func (s *Session) Accepting() bool {
	st := s.State()
	return st == Authenticated || st == Active
}

// Enqueue 非阻塞入队；队列满、不再接收或 topic 已退订时返回 false，队列满由调用方执行丢弃策略
func (s *Session) Enqueue(ev event.Event) bool {
	if !s.Accepting() {
		return false
	}
	s.mu.Lock()
	if _, gone := s.released[ev.Topic]; gone {
		s.mu.Unlock()
		return false
	}
	ok := s.queue.Push(ev)
	s.mu.Unlock()
	if ok {
		s.wake()
	}
	return ok
}

// EnqueueEvict drop-oldest：挤掉队头放入新事件，每挤掉一条 drop 计数 +1
func (s *Session) EnqueueEvict(ev event.Event) bool {
	if !s.Accepting() {
		return false
	}
	s.mu.Lock()
	if _, gone := s.released[ev.Topic]; gone {
		s.mu.Unlock()
		return false
	}
	evicted := s.queue.PushEvict(ev)
	s.mu.Unlock()
	if evicted {
		s.dropped.Add(1)
	}
	s.wake()
	return true
}

// RecordDrop drop-newest 策略下由调用方计数
func (s *Session) RecordDrop() { s.dropped.Add(1) }

// Drain 惰性弹出最多 max 条（max<=0 表示调用时队列里的全部）；会话关闭后不再产出
func (s *Session) Drain(max int) iter.Seq[event.Event] {
	return func(yield func(event.Event) bool) {
		s.mu.Lock()
		limit := s.queue.Len()
		s.mu.Unlock()
		if max > 0 && max < limit {
			limit = max
		}
		for i := 0; i < limit; i++ {
			if s.State() == Closed {
				return
			}
			s.mu.Lock()
			ev, ok := s.queue.Pop()
			s.mu.Unlock()
			if !ok || !yield(ev) {
				return
			}
		}
	}
}

// Hold 订阅时调用，撤销之前的 Release
func (s *Session) Hold(topic string) {
	s.mu.Lock()
	delete(s.released, topic)
	s.mu.Unlock()
}

// Release 退订：丢掉队列里该 topic 尚未写出的事件（不计入 drop 计数），
// 并拒绝之后到达的该 topic 事件，直到再次 Hold。返回丢掉的条数
func (s *Session) Release(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released == nil {
		s.released = make(map[string]struct{}, 4)
	}
	s.released[topic] = struct{}{}

	n := s.queue.Len()
	removed := 0
	for i := 0; i < n; i++ {
		ev, _ := s.queue.Pop()
		if ev.Topic == topic {
			removed++
			continue
		}
		s.queue.Push(ev)
	}
	return removed
}

// Released 该 topic 是否处于退订状态
func (s *Session) Released(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.released[topic]
	return ok
}

// PushControl 控制帧走单独的通道，不占事件队列容量
func (s *Session) PushControl(c Control) bool {
	if s.State() == Closed {
		return false
	}
	s.mu.Lock()
	s.ctrl = append(s.ctrl, c)
	s.mu.Unlock()
	s.wake()
	return true
}

func (s *Session) TakeControls() []Control {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ctrl) == 0 {
		return nil
	}
	out := s.ctrl
	s.ctrl = nil
	return out
}

func (s *Session) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Wake writer 一批没写完时自我唤醒
func (s *Session) Wake() { s.wake() }

// Notify 有新事件或控制帧时可读
func (s *Session) Notify() <-chan struct{} { return s.notify }

func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

func (s *Session) Capacity() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Cap()
}

func (s *Session) Dropped() uint64 { return s.dropped.Load() }

// Touch 记录客户端活动（ping/subscribe/...），服务端 pong 不算
func (s *Session) Touch() { s.lastActive.Store(time.Now().UnixNano()) }

func (s *Session) LastActivity() time.Time { return time.Unix(0, s.lastActive.Load()) }

func (s *Session) IdleFor(now time.Time) time.Duration { return now.Sub(s.LastActivity()) }

// BeginDrain Active/Authenticated -> Draining，记录 close code；Connecting 直接 Close
func (s *Session) BeginDrain(code int, reason string) bool {
	for {
		st := s.State()
		switch st {
		case Connecting:
			s.setCloseInfo(code, reason)
			s.Close(reason)
			return false
		case Draining, Closed:
			return false
		}
		if s.state.CompareAndSwap(int32(st), int32(Draining)) {
			break
		}
	}
	s.setCloseInfo(code, reason)
	s.drainOnce.Do(func() { close(s.draining) })
	s.wake()
	return true
}

// Draining 进入 Draining 后可读
func (s *Session) Draining() <-chan struct{} { return s.draining }

// Done Close 之后可读
func (s *Session) Done() <-chan struct{} { return s.done }

// Close 幂等：进入 Closed，丢弃剩余事件，通知 registry
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(Closed))
		s.mu.Lock()
		if s.closeReason == "" {
			s.closeReason = reason
		}
		s.queue.Reset()
		s.ctrl = nil
		s.mu.Unlock()

		s.drainOnce.Do(func() { close(s.draining) })
		close(s.done)
		if s.onClose != nil {
			s.onClose(s)
		}
	})
}

func (s *Session) setCloseInfo(code int, reason string) {
	s.mu.Lock()
	if s.closeCode == 0 {
		s.closeCode = code
		s.closeReason = reason
	}
	s.mu.Unlock()
}

// CloseInfo 第一次设置的 close code/reason 生效
func (s *Session) CloseInfo() (int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCode, s.closeReason
}
