package bus

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"tradepulse.com/internal/realtime/event"
	rtmetrics "tradepulse.com/internal/realtime/metrics"
	"tradepulse.com/pkg/logger"
	"tradepulse.com/pkg/metrics"
	"tradepulse.com/pkg/xerr"
)

const (
	channelPrefix = "rt:"
	seqPrefix     = "rt:seq:"
	// seq key 闲置一天后回收（group_expiry）
	defaultSeqTTL = 24 * time.Hour
)

// INCR 和 PUBLISH 在同一个脚本里执行：同一 topic 的 seq 顺序就是 PUBLISH 顺序
var publishScript = redis.NewScript(`
local seq = redis.call('INCR', KEYS[1])
redis.call('EXPIRE', KEYS[1], ARGV[2])
redis.call('PUBLISH', KEYS[2], seq .. '|' .. ARGV[1])
return seq
`)

type RedisBus struct {
	rdb    redis.UniversalClient
	opts   Options
	codec  codec
	seqTTL time.Duration
	subs   subSet
}

func NewRedisBus(rdb redis.UniversalClient, opts Options) *RedisBus {
	opts = opts.withDefaults()
	return &RedisBus{rdb: rdb, opts: opts, codec: codec{keys: opts.Keyring}, seqTTL: defaultSeqTTL}
}

func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) (uint64, error) {
	topic, err := canonical(topic)
	if err != nil {
		return 0, err
	}
	env, err := b.codec.encode(topic, time.Now(), payload)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	seq, err := publishScript.Run(ctx, b.rdb,
		[]string{seqPrefix + topic, channelPrefix + topic},
		env, int64(b.seqTTL/time.Second),
	).Int64()
	metrics.RedisCmdDuration.WithLabelValues("rt_publish", metrics.Status(err)).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RedisErrors.WithLabelValues("rt_publish").Inc()
		rtmetrics.BusPublishTotal.WithLabelValues("error").Inc()
		if errors.Is(err, context.Canceled) {
			return 0, err
		}
		return 0, xerr.Wrap(err, xerr.TransportUnavailable, "redis publish")
	}
	rtmetrics.BusPublishTotal.WithLabelValues("ok").Inc()
	return uint64(seq), nil
}

func (b *RedisBus) Subscribe(ctx context.Context, patterns []string) (<-chan event.Event, error) {
	chans := make([]string, 0, len(patterns))
	for _, p := range patterns {
		chans = append(chans, channelPrefix+p)
	}
	ps := b.rdb.PSubscribe(ctx, chans...)
	// 等订阅确认，确保返回之后发布的消息都能收到
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, xerr.Wrap(err, xerr.TransportUnavailable, "redis psubscribe")
	}

	subCtx, cancel := context.WithCancel(ctx)
	id, ok := b.subs.add(cancel)
	if !ok {
		cancel()
		_ = ps.Close()
		return nil, xerr.ErrTransportUnavailable
	}
	in := newInbox(b.opts.Capacity, b.opts.Expiry)
	go in.run(subCtx)
	go func() {
		defer b.subs.remove(id)
		defer cancel()
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				ev, err := b.decode(m.Payload)
				if err != nil {
					rtmetrics.Drop("decode")
					logger.Warn(subCtx, "bus: drop undecodable message",
						zap.String("channel", m.Channel), zap.Error(err))
					continue
				}
				rtmetrics.BusEventsInTotal.Inc()
				in.push(ev)
			}
		}
	}()
	return in.out, nil
}

// "<seq>|<envelope>"
func (b *RedisBus) decode(msg string) (event.Event, error) {
	i := strings.IndexByte(msg, '|')
	if i <= 0 {
		return event.Event{}, errors.New("missing seq prefix")
	}
	seq, err := strconv.ParseUint(msg[:i], 10, 64)
	if err != nil {
		return event.Event{}, err
	}
	env, err := b.codec.decode([]byte(msg[i+1:]))
	if err != nil {
		return event.Event{}, err
	}
	return event.Event{Topic: env.Topic, Seq: seq, PublishedAt: env.publishedAt(), Payload: env.Payload}, nil
}

// Close 结束所有订阅；redis client 由调用方管理，这里不关
func (b *RedisBus) Close() error {
	b.subs.closeAll()
	return nil
}
