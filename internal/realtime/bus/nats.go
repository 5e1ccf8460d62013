package bus

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"tradepulse.com/internal/realtime/event"
	rtmetrics "tradepulse.com/internal/realtime/metrics"
	"tradepulse.com/pkg/logger"
	"tradepulse.com/pkg/xerr"
)

const subjectPrefix = "rt."

// NatsBus core NATS 没有服务端序号，seq 在接收侧按 topic 编号（NATS 对单个发布者保证顺序）
type NatsBus struct {
	nc    *nats.Conn
	opts  Options
	codec codec
	subs  subSet
}

func NewNatsBus(url string, opts Options, natsOpts ...nats.Option) (*NatsBus, error) {
	nc, err := nats.Connect(url, natsOpts...)
	if err != nil {
		return nil, xerr.Wrap(err, xerr.TransportUnavailable, "nats connect")
	}
	opts = opts.withDefaults()
	return &NatsBus{nc: nc, opts: opts, codec: codec{keys: opts.Keyring}}, nil
}

func (b *NatsBus) Publish(ctx context.Context, topic string, payload []byte) (uint64, error) {
	topic, err := canonical(topic)
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if b.nc.IsClosed() {
		rtmetrics.BusPublishTotal.WithLabelValues("error").Inc()
		return 0, xerr.ErrTransportUnavailable
	}
	env, err := b.codec.encode(topic, time.Now(), payload)
	if err != nil {
		return 0, err
	}
	if err := b.nc.Publish(topicToSubject(topic), env); err != nil {
		rtmetrics.BusPublishTotal.WithLabelValues("error").Inc()
		return 0, xerr.Wrap(err, xerr.TransportUnavailable, "nats publish")
	}
	rtmetrics.BusPublishTotal.WithLabelValues("ok").Inc()
	return 0, nil
}

func (b *NatsBus) Subscribe(ctx context.Context, patterns []string) (<-chan event.Event, error) {
	subCtx, cancel := context.WithCancel(ctx)
	id, ok := b.subs.add(cancel)
	if !ok {
		cancel()
		return nil, xerr.ErrTransportUnavailable
	}
	in := newInbox(b.opts.Capacity, b.opts.Expiry)

	var (
		mu  sync.Mutex
		seq = make(map[string]uint64, 256)
	)
	handler := func(m *nats.Msg) {
		env, err := b.codec.decode(m.Data)
		if err != nil {
			rtmetrics.Drop("decode")
			logger.Warn(subCtx, "bus: drop undecodable message", zap.String("subject", m.Subject), zap.Error(err))
			return
		}
		if !matchAny(patterns, env.Topic) {
			return
		}
		mu.Lock()
		seq[env.Topic]++
		ev := event.Event{Topic: env.Topic, Seq: seq[env.Topic], PublishedAt: env.publishedAt(), Payload: env.Payload}
		in.push(ev) // 锁内 push，保证编号顺序 == 入队顺序
		mu.Unlock()
		rtmetrics.BusEventsInTotal.Inc()
	}

	subs := make([]*nats.Subscription, 0, len(patterns))
	for _, p := range dedupSubjects(patterns) {
		sub, err := b.nc.Subscribe(p, handler)
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			b.subs.remove(id)
			cancel()
			return nil, xerr.Wrap(err, xerr.TransportUnavailable, "nats subscribe")
		}
		subs = append(subs, sub)
	}
	// 等服务端确认订阅，返回后发布的消息一定收得到
	if err := b.nc.Flush(); err != nil {
		for _, s := range subs {
			_ = s.Unsubscribe()
		}
		b.subs.remove(id)
		cancel()
		return nil, xerr.Wrap(err, xerr.TransportUnavailable, "nats flush")
	}

	go in.run(subCtx)
	// 监听 ctx.Done 清理
	go func() {
		<-subCtx.Done()
		for _, s := range subs {
			_ = s.Unsubscribe()
		}
		b.subs.remove(id)
	}()
	return in.out, nil
}

func (b *NatsBus) Close() error {
	b.subs.closeAll()
	if b.nc != nil {
		_ = b.nc.Drain()
		b.nc.Close()
	}
	return nil
}

// "market-data:BRK.B" -> "rt.market-data.BRK_B"；"market-data:*" -> "rt.market-data.*"
// key 里的 "." 会和 subject 分隔符冲突，所以真实 topic 以 envelope 为准
func topicToSubject(t string) string {
	ns, key, _ := strings.Cut(t, ":")
	return subjectPrefix + ns + "." + strings.ReplaceAll(key, ".", "_")
}

// dedupSubjects 去重；同 namespace 已有通配时丢掉精确 subject，否则一条消息会被投两次
func dedupSubjects(patterns []string) []string {
	wild := make(map[string]struct{}, len(patterns))
	for _, p := range patterns {
		if ns, ok := strings.CutSuffix(p, ":*"); ok {
			wild[ns] = struct{}{}
		}
	}
	seen := make(map[string]struct{}, len(patterns))
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		ns, key, _ := strings.Cut(p, ":")
		if _, ok := wild[ns]; ok && key != "*" {
			continue
		}
		s := topicToSubject(p)
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
