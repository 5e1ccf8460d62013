// Package event holds the immutable unit that flows from the broadcast bus to sessions.
package event

import "time"

// Event 发布后不可变；Payload 由网关透传，不解析业务字段
type Event struct {
	Topic       string
	Seq         uint64 // 同一 topic 内由 bus 分配，严格递增
	PublishedAt time.Time
	Payload     []byte
}

// Age 相对 now 的存活时间
func (e Event) Age(now time.Time) time.Duration {
	if e.PublishedAt.IsZero() {
		return 0
	}
	return now.Sub(e.PublishedAt)
}
