// Package dispatch bridges the broadcast bus into local session queues.
package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"tradepulse.com/internal/realtime/bus"
	"tradepulse.com/internal/realtime/event"
	rtmetrics "tradepulse.com/internal/realtime/metrics"
	"tradepulse.com/internal/realtime/registry"
	"tradepulse.com/internal/realtime/session"
	"tradepulse.com/internal/realtime/topic"
	"tradepulse.com/pkg/logger"
	"tradepulse.com/pkg/xerr"
)

var errNotCanonical = errors.New("topic not canonical")

type Config struct {
	Policy      session.DropPolicy
	Patterns    []string      // 默认订阅全部 namespace
	BaseBackoff time.Duration // e.g. 300ms
	MaxBackoff  time.Duration // e.g. 5s
}

type Dispatcher struct {
	bus bus.Bus
	reg *registry.Registry
	cfg Config

	connected atomic.Bool
	readyOnce sync.Once
	ready     chan struct{}
}

func New(b bus.Bus, reg *registry.Registry, cfg Config) *Dispatcher {
	if len(cfg.Patterns) == 0 {
		cfg.Patterns = bus.AllNamespaces()
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 300 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}
	return &Dispatcher{bus: b, reg: reg, cfg: cfg, ready: make(chan struct{})}
}

// Ready 第一次订阅成功后可读
func (d *Dispatcher) Ready() <-chan struct{} { return d.ready }

// Connected 当前是否持有 bus 订阅
func (d *Dispatcher) Connected() bool { return d.connected.Load() }

// Run 阻塞直到 ctx 结束；订阅失败或事件流中断时指数退避 + jitter 重新订阅
func (d *Dispatcher) Run(ctx context.Context) error {
	backoff := d.cfg.BaseBackoff
	for {
		ch, err := d.bus.Subscribe(ctx, d.cfg.Patterns)
		if err == nil {
			d.connected.Store(true)
			d.readyOnce.Do(func() { close(d.ready) })
			logger.Info(ctx, "dispatcher: subscribed", zap.Strings("patterns", d.cfg.Patterns))
			backoff = d.cfg.BaseBackoff

			d.consume(ctx, ch)
			d.connected.Store(false)
		} else if ctx.Err() == nil {
			log := logger.Warn
			if !xerr.IsTransport(err) {
				log = logger.Error
			}
			log(ctx, "dispatcher: subscribe failed", zap.Error(err))
		}

		if ctx.Err() != nil {
			return nil
		}
		rtmetrics.DispatcherReconnectsTotal.Inc()

		// 避免多个网关实例同时重连
		sleep := backoff + time.Duration(rand.Int63n(int64(backoff/2+1)))
		if sleep > d.cfg.MaxBackoff {
			sleep = d.cfg.MaxBackoff
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		backoff *= 2
		if backoff > d.cfg.MaxBackoff {
			backoff = d.cfg.MaxBackoff
		}
	}
}

func (d *Dispatcher) consume(ctx context.Context, ch <-chan event.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				logger.Warn(ctx, "dispatcher: bus stream ended")
				return
			}
			d.Dispatch(ev)
		}
	}
}

// Dispatch 把一个事件非阻塞地放进所有本地订阅者的队列，返回入队的会话数
func (d *Dispatcher) Dispatch(ev event.Event) int {
	t, err := topic.Parse(ev.Topic)
	// bus 发布时已归一化；仍不规范（如 market-data:aapl）的事件不能混进规范 topic 的 seq 流
	if err == nil && t.String() != ev.Topic {
		err = errNotCanonical
	}
	if err != nil {
		rtmetrics.Drop("bad_topic")
		logger.Debug(context.Background(), "dispatcher: drop event with bad topic", zap.String("topic", ev.Topic))
		return 0
	}

	n := 0
	for _, s := range d.reg.SubscribersOf(t) {
		if s.Enqueue(ev) {
			n++
			continue
		}
		if !s.Accepting() || s.Released(ev.Topic) {
			continue // draining / closed / 刚退订
		}
		// 队列满：不等慢会话，按策略丢
		rtmetrics.Drop("session_full")
		if d.cfg.Policy == session.DropNewest {
			s.RecordDrop()
			continue
		}
		if s.EnqueueEvict(ev) {
			n++
		}
	}
	rtmetrics.DispatchFanoutTotal.Add(float64(n))
	return n
}
