package auth

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"tradepulse.com/pkg/metrics"
)

// Revocation jti 黑名单（对应 token blacklist）
type Revocation interface {
	Revoked(ctx context.Context, jti string) (bool, error)
	// Revoke until 一般是 token 的 exp，之后条目可以过期
	Revoke(ctx context.Context, jti string, until time.Time) error
}

type MemRevocation struct {
	mu  sync.Mutex
	m   map[string]time.Time
	now func() time.Time
}

func NewMemRevocation() *MemRevocation {
	return &MemRevocation{m: make(map[string]time.Time), now: time.Now}
}

func (r *MemRevocation) Revoked(_ context.Context, jti string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	until, ok := r.m[jti]
	if !ok {
		return false, nil
	}
	if !until.IsZero() && r.now().After(until) {
		delete(r.m, jti)
		return false, nil
	}
	return true, nil
}

func (r *MemRevocation) Revoke(_ context.Context, jti string, until time.Time) error {
	r.mu.Lock()
	r.m[jti] = until
	r.mu.Unlock()
	return nil
}

const revokedPrefix = "rt:revoked:"

// RedisRevocation 多实例共享黑名单：rt:revoked:{jti}，TTL 跟随 token 过期
type RedisRevocation struct {
	rdb redis.UniversalClient
}

func NewRedisRevocation(rdb redis.UniversalClient) *RedisRevocation {
	return &RedisRevocation{rdb: rdb}
}

func (r *RedisRevocation) Revoked(ctx context.Context, jti string) (bool, error) {
	start := time.Now()
	n, err := r.rdb.Exists(ctx, revokedPrefix+jti).Result()
	metrics.RedisCmdDuration.WithLabelValues("exists", metrics.Status(err)).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RedisErrors.WithLabelValues("exists").Inc()
		return false, err
	}
	return n > 0, nil
}

func (r *RedisRevocation) Revoke(ctx context.Context, jti string, until time.Time) error {
	var ttl time.Duration
	if !until.IsZero() {
		ttl = time.Until(until)
		if ttl < time.Second {
			ttl = time.Second
		}
	}
	start := time.Now()
	err := r.rdb.Set(ctx, revokedPrefix+jti, 1, ttl).Err()
	metrics.RedisCmdDuration.WithLabelValues("set", metrics.Status(err)).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RedisErrors.WithLabelValues("set").Inc()
	}
	return err
}
