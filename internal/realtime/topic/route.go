package topic

import (
	"fmt"
	"strings"

	"tradepulse.com/pkg/xerr"
)

// Route 是连接 URL 解析出的作用域：空 Topics 表示裸 /ws（只做多路复用）
type Route struct {
	Name   string
	Topics []Topic
}

type routeDef struct {
	name     string
	prefix   []string
	ns       Namespace
	suffixes []string // 可选的尾段，例如 portfolio/{id}/positions
	multi    bool     // key 是逗号分隔的多个 symbol
}

// 顺序有意义：更长的前缀放前面
var routes = []routeDef{
	{name: "market-data-stream", prefix: []string{"market-data", "stream"}, ns: MarketData, multi: true},
	{name: "market-data", prefix: []string{"market-data"}, ns: MarketData},
	{name: "trading", prefix: []string{"trading"}, ns: Trading},
	{name: "orders", prefix: []string{"orders"}, ns: Orders},
	{name: "portfolio", prefix: []string{"portfolio"}, ns: Portfolio, suffixes: []string{"positions", "performance"}},
	{name: "risk-monitoring", prefix: []string{"risk-monitoring"}, ns: Portfolio},
	{name: "predictions", prefix: []string{"predictions"}, ns: Predictions},
	{name: "backtesting", prefix: []string{"backtesting"}, ns: Predictions},
	{name: "model-training", prefix: []string{"model-training"}, ns: ModelTraining},
	{name: "analytics", prefix: []string{"analytics"}, ns: Analytics},
	{name: "alerts", prefix: []string{"alerts"}, ns: Alerts},
	{name: "webrtc-signaling", prefix: []string{"webrtc", "signaling"}, ns: WebRTCSignaling},
	{name: "webrtc-data-channel", prefix: []string{"webrtc", "data-channel"}, ns: WebRTCSignaling},
	{name: "webrtc-trading-room", prefix: []string{"webrtc", "trading-room"}, ns: WebRTCSignaling},
}

const maxStreamSymbols = 50

// Resolve 把 /ws/... 路径解析成 Route；不匹配或 key 非法都是 Protocol 错误（握手前拒绝）
func Resolve(path string) (Route, error) {
	rest, ok := strings.CutPrefix(path, "/ws")
	if !ok {
		return Route{}, xerr.New(xerr.Protocol, fmt.Sprintf("unknown route %q", path))
	}
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return Route{Name: "multiplex"}, nil
	}
	segs := strings.Split(rest, "/")

	for _, r := range routes {
		key, ok := r.match(segs)
		if !ok {
			continue
		}
		topics, err := r.topics(key)
		if err != nil {
			return Route{}, err
		}
		return Route{Name: r.name, Topics: topics}, nil
	}
	return Route{}, xerr.New(xerr.Protocol, fmt.Sprintf("unknown route %q", path))
}

func (r routeDef) match(segs []string) (string, bool) {
	n := len(r.prefix)
	if len(segs) != n+1 && len(segs) != n+2 {
		return "", false
	}
	for i, p := range r.prefix {
		if segs[i] != p {
			return "", false
		}
	}
	if len(segs) == n+2 {
		found := false
		for _, s := range r.suffixes {
			if segs[n+1] == s {
				found = true
				break
			}
		}
		if !found {
			return "", false
		}
	}
	return segs[n], true
}

func (r routeDef) topics(key string) ([]Topic, error) {
	if !r.multi {
		t, err := New(r.ns, key)
		if err != nil {
			return nil, err
		}
		return []Topic{t}, nil
	}

	parts := strings.Split(key, ",")
	if len(parts) > maxStreamSymbols {
		return nil, xerr.New(xerr.Protocol, fmt.Sprintf("too many symbols in stream (%d > %d)", len(parts), maxStreamSymbols))
	}
	out := make([]Topic, 0, len(parts))
	seen := make(map[Topic]struct{}, len(parts))
	for _, p := range parts {
		t, err := New(r.ns, p)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out, nil
}
