package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"tradepulse.com/pkg/xerr"
)

type Config struct {
	SigningKeys []string      // 第一把是当前 key，其余用于轮换期间验签
	Leeway      time.Duration // 时钟偏差
	CacheTTL    time.Duration // 0 关闭缓存
	CacheSize   int
}

// userID 兼容 "user_id": 42 和 "user_id": "42"
type userID string

func (u *userID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*u = userID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*u = userID(n.String())
	return nil
}

type Claims struct {
	UserID    userID `json:"user_id"`
	TokenType string `json:"token_type,omitempty"`
	jwt.RegisteredClaims
}

type Gate struct {
	keys    [][]byte
	leeway  time.Duration
	dir     Directory
	revoked Revocation // 可以为 nil
	cache   *tokenCache
	now     func() time.Time
}

type GateOption func(*Gate)

// WithClock 测试用
func WithClock(now func() time.Time) GateOption {
	return func(g *Gate) { g.now = now }
}

func NewGate(cfg Config, dir Directory, rev Revocation, opts ...GateOption) (*Gate, error) {
	if len(cfg.SigningKeys) == 0 {
		return nil, errors.New("auth: at least one signing key is required")
	}
	if dir == nil {
		return nil, errors.New("auth: directory is required")
	}
	g := &Gate{leeway: cfg.Leeway, dir: dir, revoked: rev, now: time.Now}
	for _, k := range cfg.SigningKeys {
		if k == "" {
			return nil, errors.New("auth: empty signing key")
		}
		g.keys = append(g.keys, []byte(k))
	}
	for _, o := range opts {
		o(g)
	}
	g.cache = newTokenCache(cfg.CacheTTL, cfg.CacheSize, g.now)
	return g, nil
}

// Authenticate 校验签名/过期/黑名单并解析权限；错误都是 xerr 的 Auth* 码
func (g *Gate) Authenticate(ctx context.Context, credential string) (Principal, error) {
	tok := BearerToken(credential)
	if tok == "" {
		return Principal{}, xerr.New(xerr.AuthMalformed, "empty credential")
	}
	if err := ctx.Err(); err != nil {
		return Principal{}, ctxOr(err, xerr.AuthTimeout, "")
	}

	if p, hit, expired := g.cache.get(tok); expired {
		return Principal{}, xerr.ErrAuthExpired
	} else if hit {
		return p, nil
	}

	claims, err := g.parse(tok)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return Principal{}, xerr.ErrAuthExpired
	case err != nil:
		return Principal{}, xerr.Wrap(err, xerr.AuthMalformed, "")
	}
	if claims.TokenType != "" && claims.TokenType != "access" {
		return Principal{}, xerr.New(xerr.AuthMalformed, "not an access token")
	}
	if claims.UserID == "" {
		return Principal{}, xerr.New(xerr.AuthMalformed, "missing user_id claim")
	}

	if g.revoked != nil && claims.ID != "" {
		revoked, err := g.revoked.Revoked(ctx, claims.ID)
		if err != nil {
			return Principal{}, ctxOr(err, xerr.Internal, "revocation check failed")
		}
		if revoked {
			return Principal{}, xerr.ErrAuthRevoked
		}
	}

	p, err := g.dir.Lookup(ctx, string(claims.UserID))
	if err != nil {
		if _, ok := xerr.As(err); ok {
			return Principal{}, err
		}
		return Principal{}, ctxOr(err, xerr.Internal, "principal lookup failed")
	}
	p.UserID = string(claims.UserID)
	p.TokenID = claims.ID
	p.ExpiresAt = claims.ExpiresAt.Time

	g.cache.put(tok, p)
	return p, nil
}

// parse 依次用每把 key 验签；只有签名不匹配才换下一把
func (g *Gate) parse(tok string) (Claims, error) {
	var (
		claims Claims
		err    error
	)
	for _, k := range g.keys {
		claims = Claims{}
		_, err = jwt.ParseWithClaims(tok, &claims,
			func(*jwt.Token) (interface{}, error) { return k, nil },
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(g.leeway),
			jwt.WithTimeFunc(g.now),
		)
		if !errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			break
		}
	}
	return claims, err
}

// Revoke 写黑名单并清掉缓存里同一 jti 的条目；正在进行中的鉴权也不会再把它写回缓存
func (g *Gate) Revoke(ctx context.Context, jti string, until time.Time) error {
	if g.revoked == nil {
		return errors.New("auth: revocation list not configured")
	}
	if err := g.revoked.Revoke(ctx, jti, until); err != nil {
		return err
	}
	g.cache.dropJTI(jti, until)
	return nil
}

func (g *Gate) CacheLen() int { return g.cache.len() }

// BearerToken 去掉可选的 "Bearer " 前缀
func BearerToken(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 7 && strings.EqualFold(s[:7], "bearer ") {
		s = strings.TrimSpace(s[7:])
	}
	return s
}

// ctx 超时/取消统一映射成 AuthTimeout，其余按给定 code 包装
func ctxOr(err error, code int, msg string) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return xerr.Wrap(err, xerr.AuthTimeout, "")
	}
	return xerr.Wrap(err, code, msg)
}
