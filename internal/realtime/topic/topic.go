// Package topic defines topic identifiers ("namespace:key") and the URL route table
// that scopes a connection to its default topics.
package topic

import (
	"fmt"
	"regexp"
	"strings"

	"tradepulse.com/pkg/xerr"
)

type Namespace string

const (
	MarketData      Namespace = "market-data"
	Trading         Namespace = "trading"
	Orders          Namespace = "orders"
	Portfolio       Namespace = "portfolio"
	Predictions     Namespace = "predictions"
	ModelTraining   Namespace = "model-training"
	Analytics       Namespace = "analytics"
	Alerts          Namespace = "alerts"
	WebRTCSignaling Namespace = "webrtc-signaling"
)

type keyKind int

const (
	symbolKey keyKind = iota // AAPL / BTC-USDT
	idKey                    // user / portfolio / model id
	roomKey                  // webrtc room
)

var namespaces = map[Namespace]keyKind{
	MarketData:      symbolKey,
	Trading:         idKey,
	Orders:          idKey,
	Portfolio:       idKey,
	Predictions:     symbolKey,
	ModelTraining:   idKey,
	Analytics:       idKey,
	Alerts:          idKey,
	WebRTCSignaling: roomKey,
}

var (
	symbolRe = regexp.MustCompile(`^[A-Z0-9.\-]{1,32}$`)
	idRe     = regexp.MustCompile(`^\w{1,64}$`)
	roomRe   = regexp.MustCompile(`^[A-Za-z0-9._\-]{1,64}$`)
)

const sep = ":"

// Namespaces 固定顺序，dispatcher 按它生成 bus 订阅 pattern
func Namespaces() []Namespace {
	return []Namespace{
		MarketData, Trading, Orders, Portfolio, Predictions,
		ModelTraining, Analytics, Alerts, WebRTCSignaling,
	}
}

func (n Namespace) Valid() bool {
	_, ok := namespaces[n]
	return ok
}

// Topic 是值类型，可以直接做 map key
type Topic struct {
	Namespace Namespace
	Key       string
}

func (t Topic) String() string { return string(t.Namespace) + sep + t.Key }

// New 归一化并校验 key
func New(ns Namespace, rawKey string) (Topic, error) {
	kind, ok := namespaces[ns]
	if !ok {
		return Topic{}, xerr.New(xerr.Protocol, fmt.Sprintf("unknown topic namespace %q", ns))
	}
	key := strings.TrimSpace(rawKey)
	var re *regexp.Regexp
	switch kind {
	case symbolKey:
		key = NormalizeSymbol(key)
		re = symbolRe
	case idKey:
		re = idRe
	default:
		re = roomRe
	}
	if !re.MatchString(key) {
		return Topic{}, xerr.New(xerr.Protocol, fmt.Sprintf("malformed %s key %q", ns, rawKey))
	}
	return Topic{Namespace: ns, Key: key}, nil
}

// Parse 解析 "namespace:key"
func Parse(s string) (Topic, error) {
	ns, key, ok := strings.Cut(strings.TrimSpace(s), sep)
	if !ok || ns == "" {
		return Topic{}, xerr.New(xerr.Protocol, fmt.Sprintf("malformed topic %q", s))
	}
	return New(Namespace(ns), key)
}

// MustParse 只给测试和常量用
func MustParse(s string) Topic {
	t, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return t
}

// NormalizeSymbol 统一 symbol（大写、用 "-" 分隔）
func NormalizeSymbol(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "_", "-")
	s = strings.ReplaceAll(s, "/", "-")
	return s
}
