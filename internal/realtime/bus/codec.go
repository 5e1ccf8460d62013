package bus

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// envelope 跨进程传输的外层，payload 原样透传
type envelope struct {
	Topic       string `msgpack:"t"`
	PublishedAt int64  `msgpack:"ts"` // unix nano
	Payload     []byte `msgpack:"p"`
}

type codec struct {
	keys *Keyring
}

func (c codec) encode(topic string, at time.Time, payload []byte) ([]byte, error) {
	b, err := msgpack.Marshal(&envelope{Topic: topic, PublishedAt: at.UnixNano(), Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	if c.keys == nil {
		return b, nil
	}
	return c.keys.Seal(b)
}

func (c codec) decode(b []byte) (envelope, error) {
	var env envelope
	if c.keys != nil {
		plain, err := c.keys.Open(b)
		if err != nil {
			return env, err
		}
		b = plain
	}
	if err := msgpack.Unmarshal(b, &env); err != nil {
		return env, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Topic == "" {
		return env, fmt.Errorf("decode envelope: empty topic")
	}
	return env, nil
}

func (e envelope) publishedAt() time.Time {
	if e.PublishedAt == 0 {
		return time.Time{}
	}
	return time.Unix(0, e.PublishedAt)
}
