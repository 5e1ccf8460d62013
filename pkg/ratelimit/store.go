package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	"tradepulse.com/pkg/safe"
)

// bucket 按 key（客户端 IP / IP+路由）一个令牌桶
type bucket struct {
	lim      *rate.Limiter
	lastSeen atomic.Int64 // unix nano
}

// Store 按 key 分桶的令牌桶集合。握手和 HTTP 接口各用一个
type Store struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
	idle    time.Duration
}

// NewStore idle 内没访问过的桶会被 janitor 回收，回收后重新拿到完整 burst
func NewStore(r rate.Limit, burst int, idle time.Duration) *Store {
	if burst <= 0 {
		burst = 1
	}
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	return &Store{
		buckets: make(map[string]*bucket, 256),
		limit:   r,
		burst:   burst,
		idle:    idle,
	}
}

func (s *Store) bucket(key string) *bucket {
	now := time.Now().UnixNano()
	s.mu.Lock()
	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(s.limit, s.burst)}
		s.buckets[key] = b
	}
	s.mu.Unlock()
	b.lastSeen.Store(now)
	return b
}

// Allow 拿一个令牌，拿不到返回 false（不等待）
func (s *Store) Allow(key string) bool {
	return s.bucket(key).lim.Allow()
}

// Len 当前在跟踪的 key 数量
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}

// StartJanitor 周期回收空闲桶，ctx 结束即退出
func (s *Store) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	safe.GoCtx(ctx, "ratelimit.janitor", func(ctx context.Context) {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.sweep()
			}
		}
	})
}

func (s *Store) sweep() int {
	cut := time.Now().Add(-s.idle).UnixNano()
	n := 0
	s.mu.Lock()
	for k, b := range s.buckets {
		if b.lastSeen.Load() < cut {
			delete(s.buckets, k)
			n++
		}
	}
	s.mu.Unlock()
	return n
}
