// Package bus is the broadcast transport between producers and gateway processes.
// Delivery is best-effort and at-most-once: each subscription holds a bounded inbox
// that evicts its oldest event on overflow and discards events older than the expiry.
package bus

import (
	"context"
	"strings"
	"sync"
	"time"

	"tradepulse.com/internal/realtime/event"
	rtmetrics "tradepulse.com/internal/realtime/metrics"
	"tradepulse.com/internal/realtime/topic"
)

type Bus interface {
	// Publish 返回 bus 给该 topic 分配的 seq；接收侧才编号的实现返回 0
	Publish(ctx context.Context, topic string, payload []byte) (uint64, error)
	// Subscribe patterns 是精确 topic 或 "namespace:*"；ctx 结束或 Close 后 channel 关闭
	Subscribe(ctx context.Context, patterns []string) (<-chan event.Event, error)
	Close() error
}

// Options 对应 channel layer 的 capacity / expiry
type Options struct {
	Capacity int           // 每个订阅 inbox 的容量
	Expiry   time.Duration // 超过这个年龄的事件在投递时丢弃，0 不检查
	Keyring  *Keyring      // nil 不加密
}

const (
	DefaultCapacity = 1500
	DefaultExpiry   = 10 * time.Second
)

func (o Options) withDefaults() Options {
	if o.Capacity <= 0 {
		o.Capacity = DefaultCapacity
	}
	return o
}

// canonical 发布前归一化（market-data:aapl -> market-data:AAPL），seq 只按规范 topic 分配
func canonical(name string) (string, error) {
	t, err := topic.Parse(name)
	if err != nil {
		rtmetrics.BusPublishTotal.WithLabelValues("invalid").Inc()
		return "", err
	}
	return t.String(), nil
}

// NamespacePattern "market-data" -> "market-data:*"
func NamespacePattern(ns topic.Namespace) string { return string(ns) + ":*" }

// AllNamespaces 每个 namespace 一个 pattern
func AllNamespaces() []string {
	nss := topic.Namespaces()
	out := make([]string, 0, len(nss))
	for _, ns := range nss {
		out = append(out, NamespacePattern(ns))
	}
	return out
}

func match(pattern, t string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(t, prefix)
	}
	return pattern == t
}

func matchAny(patterns []string, t string) bool {
	for _, p := range patterns {
		if match(p, t) {
			return true
		}
	}
	return false
}

// subSet 记录活跃订阅的 cancel，Close 时统一结束
type subSet struct {
	mu     sync.Mutex
	next   int
	m      map[int]context.CancelFunc
	closed bool
}

func (s *subSet) add(cancel context.CancelFunc) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, false
	}
	if s.m == nil {
		s.m = make(map[int]context.CancelFunc)
	}
	id := s.next
	s.next++
	s.m[id] = cancel
	return id, true
}

func (s *subSet) remove(id int) {
	s.mu.Lock()
	delete(s.m, id)
	s.mu.Unlock()
}

func (s *subSet) closeAll() {
	s.mu.Lock()
	s.closed = true
	cancels := make([]context.CancelFunc, 0, len(s.m))
	for _, c := range s.m {
		cancels = append(cancels, c)
	}
	s.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}
