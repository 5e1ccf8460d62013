package session

import (
	"fmt"
	"strings"
)

// DropPolicy 队列满时的处理策略
type DropPolicy int

const (
	// DropOldest 淘汰队头，保证订阅者尽量贴近实时
	DropOldest DropPolicy = iota
	// DropNewest 拒绝新事件（只用于对比压测）
	DropNewest
)

func (p DropPolicy) String() string {
	if p == DropNewest {
		return "drop_newest"
	}
	return "drop_oldest"
}

func ParseDropPolicy(s string) (DropPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drop_oldest", "drop-oldest", "oldest":
		return DropOldest, nil
	case "drop_newest", "drop-newest", "newest":
		return DropNewest, nil
	default:
		return DropOldest, fmt.Errorf("unknown drop policy %q", s)
	}
}
