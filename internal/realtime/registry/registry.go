// Package registry is the in-memory topic -> sessions index shared by the
// dispatcher and the gateway front door.
package registry

import (
	"errors"
	"hash/fnv"
	"sort"
	"sync"

	"tradepulse.com/internal/realtime/session"
	"tradepulse.com/internal/realtime/topic"
)

var (
	ErrSessionGone   = errors.New("registry: session closed")
	ErrTooManyTopics = errors.New("registry: too many topics for session")
)

const defaultShards = 32

type shard struct {
	mu   sync.RWMutex
	subs map[topic.Topic]map[string]*session.Session // topic -> session id -> session
}

// member 记录一个会话订阅的 topic；持有 member.mu 时同时改 shard，保证双向一致
type member struct {
	mu     sync.Mutex
	s      *session.Session
	topics map[topic.Topic]struct{}
	gone   bool
}

type Registry struct {
	shards    []*shard
	maxTopics int

	mu      sync.RWMutex
	members map[string]*member
}

type Option func(*Registry)

// WithShards 分片数，<=0 忽略
func WithShards(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.shards = newShards(n)
		}
	}
}

// WithMaxTopics 单会话最多订阅多少 topic，0 表示不限
func WithMaxTopics(n int) Option {
	return func(r *Registry) { r.maxTopics = n }
}

func New(opts ...Option) *Registry {
	r := &Registry{
		shards:  newShards(defaultShards),
		members: make(map[string]*member, 1024),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func newShards(n int) []*shard {
	out := make([]*shard, n)
	for i := range out {
		out[i] = &shard{subs: make(map[topic.Topic]map[string]*session.Session, 256)}
	}
	return out
}

func (r *Registry) shardOf(t topic.Topic) *shard {
	// fnv1a + mod
	h := fnv.New64a()
	_, _ = h.Write([]byte(t.Namespace))
	_, _ = h.Write([]byte{':'})
	_, _ = h.Write([]byte(t.Key))
	return r.shards[h.Sum64()%uint64(len(r.shards))]
}

func (r *Registry) memberOf(s *session.Session, create bool) (*member, error) {
	r.mu.RLock()
	m := r.members[s.ID()]
	r.mu.RUnlock()
	if m != nil || !create {
		return m, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if m = r.members[s.ID()]; m != nil {
		return m, nil
	}
	// Close 先置 Closed 再 RemoveSession（拿同一把锁），这里检查之后不会泄漏 member
	if s.State() == session.Closed {
		return nil, ErrSessionGone
	}
	m = &member{s: s, topics: make(map[topic.Topic]struct{}, 8)}
	r.members[s.ID()] = m
	return m, nil
}

// Subscribe 幂等；返回 added=false 表示之前已订阅
func (r *Registry) Subscribe(s *session.Session, t topic.Topic) (added bool, err error) {
	m, err := r.memberOf(s, true)
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gone {
		return false, ErrSessionGone
	}
	if _, ok := m.topics[t]; ok {
		return false, nil
	}
	if r.maxTopics > 0 && len(m.topics) >= r.maxTopics {
		return false, ErrTooManyTopics
	}

	// 先 Hold 再进 shard：dispatcher 看得到这个会话时 topic 一定不是退订状态
	s.Hold(t.String())
	sh := r.shardOf(t)
	sh.mu.Lock()
	set := sh.subs[t]
	if set == nil {
		set = make(map[string]*session.Session, 16)
		sh.subs[t] = set
	}
	set[s.ID()] = s
	sh.mu.Unlock()

	m.topics[t] = struct{}{}
	return true, nil
}

// Unsubscribe 返回 false 表示本来就没订阅
func (r *Registry) Unsubscribe(s *session.Session, t topic.Topic) bool {
	m, _ := r.memberOf(s, false)
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.topics[t]; !ok {
		return false
	}
	delete(m.topics, t)
	r.detach(s.ID(), t)
	// 清掉已排队的，也挡住 dispatcher 拿着旧快照晚到的 Enqueue
	s.Release(t.String())
	return true
}

// RemoveSession 断线时调用，从所有 topic 里摘掉；返回它当时订阅的 topic
func (r *Registry) RemoveSession(s *session.Session) []topic.Topic {
	r.mu.Lock()
	m := r.members[s.ID()]
	delete(r.members, s.ID())
	r.mu.Unlock()
	if m == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.gone = true
	out := make([]topic.Topic, 0, len(m.topics))
	for t := range m.topics {
		r.detach(s.ID(), t)
		out = append(out, t)
	}
	clear(m.topics)
	return out
}

func (r *Registry) detach(id string, t topic.Topic) {
	sh := r.shardOf(t)
	sh.mu.Lock()
	if set := sh.subs[t]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(sh.subs, t) // 没人订阅的 topic 立即回收
		}
	}
	sh.mu.Unlock()
}

// SubscribersOf 返回拷贝，调用方遍历期间不持锁，并发 remove 不会影响它
func (r *Registry) SubscribersOf(t topic.Topic) []*session.Session {
	sh := r.shardOf(t)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	set := sh.subs[t]
	if len(set) == 0 {
		return nil
	}
	out := make([]*session.Session, 0, len(set))
	for _, s := range set {
		out = append(out, s)
	}
	return out
}

func (r *Registry) TopicsOf(s *session.Session) []topic.Topic {
	m, _ := r.memberOf(s, false)
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]topic.Topic, 0, len(m.topics))
	for t := range m.topics {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Sessions 当前至少订阅过一次且未移除的会话
func (r *Registry) Sessions() []*session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*session.Session, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m.s)
	}
	return out
}

// Counts topic -> 订阅数快照，给 stats/metrics 用
func (r *Registry) Counts() map[topic.Topic]int {
	out := make(map[topic.Topic]int, 256)
	for _, sh := range r.shards {
		sh.mu.RLock()
		for t, set := range sh.subs {
			out[t] = len(set)
		}
		sh.mu.RUnlock()
	}
	return out
}

func (r *Registry) TopicCount() int {
	n := 0
	for _, sh := range r.shards {
		sh.mu.RLock()
		n += len(sh.subs)
		sh.mu.RUnlock()
	}
	return n
}
