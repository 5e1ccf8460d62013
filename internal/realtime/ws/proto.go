package ws

import (
	"github.com/segmentio/encoding/json"
	"tradepulse.com/internal/realtime/event"
)

// 客户端 -> 网关
const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpPing        = "ping"
	OpAuth        = "auth"
)

// 网关 -> 客户端
const (
	OpSubscribed   = "subscribed"
	OpUnsubscribed = "unsubscribed"
	OpError        = "error"
	OpEvent        = "event"
	OpPong         = "pong"
)

type ClientMsg struct {
	Op    string `json:"op"`
	Topic string `json:"topic,omitempty"`
	Token string `json:"token,omitempty"`
}

type ServerMsg struct {
	Op      string          `json:"op"`
	Topic   string          `json:"topic,omitempty"`
	Seq     uint64          `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

// encodeEvent payload 是合法 JSON 就原样内嵌，否则按 []byte 编成 base64 字符串
func encodeEvent(ev event.Event) ([]byte, error) {
	msg := ServerMsg{Op: OpEvent, Topic: ev.Topic, Seq: ev.Seq}
	if len(ev.Payload) > 0 {
		if json.Valid(ev.Payload) {
			msg.Payload = ev.Payload
		} else {
			b, err := json.Marshal(ev.Payload)
			if err != nil {
				return nil, err
			}
			msg.Payload = b
		}
	}
	return json.Marshal(msg)
}
