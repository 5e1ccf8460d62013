package auth

import (
	"crypto/sha256"
	"sync"
	"time"
)

type cacheEntry struct {
	p     Principal
	until time.Time // min(写入时间+ttl, token exp)
}

// tokenCache 已验证 token 的短期缓存，key 是 token 的 sha256，不保存原文
type tokenCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	m       map[[32]byte]cacheEntry
	revoked map[string]time.Time // jti -> 截止时间，期间拒绝写入缓存
	now     func() time.Time
}

// revokeWindow 吊销后多久内拒绝回填缓存，需要覆盖一次鉴权（握手超时）的耗时
const revokeWindow = time.Minute

func newTokenCache(ttl time.Duration, max int, now func() time.Time) *tokenCache {
	if max <= 0 {
		max = 10000
	}
	return &tokenCache{
		ttl:     ttl,
		max:     max,
		m:       make(map[[32]byte]cacheEntry, 256),
		revoked: make(map[string]time.Time),
		now:     now,
	}
}

func (c *tokenCache) enabled() bool { return c != nil && c.ttl > 0 }

// get 返回 (principal, hit, expired)；expired 表示凭证本身已过期，即使缓存还没到期
func (c *tokenCache) get(token string) (Principal, bool, bool) {
	if !c.enabled() {
		return Principal{}, false, false
	}
	k := sha256.Sum256([]byte(token))
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[k]
	if !ok {
		return Principal{}, false, false
	}
	if !e.p.ExpiresAt.IsZero() && !now.Before(e.p.ExpiresAt) {
		delete(c.m, k)
		return Principal{}, false, true
	}
	if !now.Before(e.until) {
		delete(c.m, k)
		return Principal{}, false, false
	}
	return e.p, true, false
}

func (c *tokenCache) put(token string, p Principal) {
	if !c.enabled() {
		return
	}
	now := c.now()
	until := now.Add(c.ttl)
	if !p.ExpiresAt.IsZero() && p.ExpiresAt.Before(until) {
		until = p.ExpiresAt
	}
	if !now.Before(until) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// 鉴权过程中 token 被吊销：本次放行，但不能缓存
	if p.TokenID != "" {
		if end, ok := c.revoked[p.TokenID]; ok && now.Before(end) {
			return
		}
	}
	if len(c.m) >= c.max {
		c.sweepLocked(now)
		if len(c.m) >= c.max {
			return // 满了就不缓存，下次重新验签
		}
	}
	c.m[sha256.Sum256([]byte(token))] = cacheEntry{p: p, until: until}
}

// dropJTI 吊销后立刻清掉对应缓存，并在 revokeWindow 内（不超过吊销截止时间）拒绝回填
func (c *tokenCache) dropJTI(jti string, until time.Time) {
	if !c.enabled() || jti == "" {
		return
	}
	now := c.now()
	end := now.Add(revokeWindow)
	if !until.IsZero() && until.Before(end) {
		end = until
	}
	c.mu.Lock()
	for k, e := range c.m {
		if e.p.TokenID == jti {
			delete(c.m, k)
		}
	}
	if now.Before(end) {
		c.revoked[jti] = end
	}
	c.mu.Unlock()
}

func (c *tokenCache) sweepLocked(now time.Time) {
	for k, e := range c.m {
		if !now.Before(e.until) {
			delete(c.m, k)
		}
	}
	for jti, end := range c.revoked {
		if !now.Before(end) {
			delete(c.revoked, jti)
		}
	}
}

func (c *tokenCache) len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}
