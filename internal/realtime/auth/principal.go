// Package auth is the authentication gate of the realtime gateway: it turns a
// bearer credential into a Principal and decides which topics it may subscribe to.
package auth

import (
	"context"
	"slices"
	"sync"
	"time"

	"tradepulse.com/pkg/xerr"
)

// Principal 连接级别的身份快照，重连才会重新解析
type Principal struct {
	UserID           string
	TokenID          string // jti，可能为空
	IsVerified       bool
	TradingEnabled   bool
	PaperTradingOnly bool
	IsStaff          bool
	Portfolios       []string
	ExpiresAt        time.Time // 凭证自身的过期时间
}

func (p Principal) OwnsPortfolio(id string) bool {
	return slices.Contains(p.Portfolios, id)
}

// Directory 按 user id 解析权限标志；找不到或已停用返回 xerr.ErrAuthPrincipalNotFound
type Directory interface {
	Lookup(ctx context.Context, userID string) (Principal, error)
}

// MemDirectory 静态用户表（开发环境 / 测试）
type MemDirectory struct {
	mu    sync.RWMutex
	users map[string]Principal
}

func NewMemDirectory(users ...Principal) *MemDirectory {
	d := &MemDirectory{users: make(map[string]Principal, len(users))}
	for _, u := range users {
		d.users[u.UserID] = u
	}
	return d
}

func (d *MemDirectory) Put(p Principal) {
	d.mu.Lock()
	d.users[p.UserID] = p
	d.mu.Unlock()
}

func (d *MemDirectory) Delete(userID string) {
	d.mu.Lock()
	delete(d.users, userID)
	d.mu.Unlock()
}

func (d *MemDirectory) Lookup(_ context.Context, userID string) (Principal, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.users[userID]
	if !ok {
		return Principal{}, xerr.ErrAuthPrincipalNotFound
	}
	p.Portfolios = slices.Clone(p.Portfolios)
	return p, nil
}
