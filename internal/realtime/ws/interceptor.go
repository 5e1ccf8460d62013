package ws

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"

	"tradepulse.com/internal/realtime/topic"
	"tradepulse.com/pkg/common"
	"tradepulse.com/pkg/metrics"
	"tradepulse.com/pkg/ratelimit"
	"tradepulse.com/pkg/xerr"
)

// Interceptor 升级前按顺序执行：返回 (r, nil) 放行（可以换掉 r 的 context），返回 error 直接拒绝握手
type Interceptor func(r *http.Request) (*http.Request, error)

type routeKey struct{}

// RouteFrom 取 Route 拦截器解析出的作用域
func RouteFrom(ctx context.Context) (topic.Route, bool) {
	rt, ok := ctx.Value(routeKey{}).(topic.Route)
	return rt, ok
}

// RequestID 沿用 X-Request-Id，没有就生成；gin 中间件已经放进 ctx 的直接复用
func RequestID() Interceptor {
	return func(r *http.Request) (*http.Request, error) {
		if common.RequestIDFromContext(r.Context()) != "" {
			return r, nil
		}
		rid := r.Header.Get(common.HeaderRequestID)
		if rid == "" {
			rid = common.New()
		}
		return r.WithContext(common.WithRequestID(r.Context(), rid)), nil
	}
}

// OriginCheck allowed 为空或包含 "*" 时全部放行；没有 Origin 头（非浏览器客户端）放行
func OriginCheck(allowed []string) Interceptor {
	allowAll := len(allowed) == 0
	set := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		if a == "*" {
			allowAll = true
		}
		set[strings.ToLower(strings.TrimRight(a, "/"))] = struct{}{}
	}
	return func(r *http.Request) (*http.Request, error) {
		origin := r.Header.Get("Origin")
		if allowAll || origin == "" {
			return r, nil
		}
		u, err := url.Parse(origin)
		if err != nil || u.Host == "" {
			return nil, xerr.New(xerr.Forbidden, "bad origin")
		}
		if _, ok := set[strings.ToLower(u.Scheme+"://"+u.Host)]; ok {
			return r, nil
		}
		return nil, xerr.New(xerr.Forbidden, "origin not allowed")
	}
}

// ConnRateLimit 按客户端 IP 的令牌桶限制建连速率
func ConnRateLimit(store *ratelimit.Store, service string) Interceptor {
	return func(r *http.Request) (*http.Request, error) {
		if store.Allow(clientIP(r)) {
			return r, nil
		}
		metrics.RateLimitBlockTotal.WithLabelValues(service, "/ws", "conn_rate").Inc()
		return nil, xerr.New(xerr.Capacity, "too many connection attempts")
	}
}

// Route 解析路径作用域；非法 key 在鉴权前就拒绝
func Route() Interceptor {
	return func(r *http.Request) (*http.Request, error) {
		rt, err := topic.Resolve(r.URL.Path)
		if err != nil {
			return nil, err
		}
		return r.WithContext(context.WithValue(r.Context(), routeKey{}, rt)), nil
	}
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ip, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(ip)
	}
	if xr := r.Header.Get("X-Real-Ip"); xr != "" {
		return xr
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// credentialFrom Authorization 头优先，其次 ?token=（浏览器 WebSocket 不能带自定义头）
func credentialFrom(r *http.Request, allowQuery bool) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return h
	}
	if allowQuery {
		return r.URL.Query().Get("token")
	}
	return ""
}
