package bus

import (
	"context"
	"errors"

	"tradepulse.com/internal/realtime/event"
	rtmetrics "tradepulse.com/internal/realtime/metrics"
	"tradepulse.com/pkg/metrics"
	"tradepulse.com/pkg/ratelimit"
	"tradepulse.com/pkg/xerr"
)

const (
	ResourcePublish   = "bus.publish"
	ResourceSubscribe = "bus.subscribe"
)

// Guard 给任意 Bus 套熔断：下游不可用时 Publish 直接失败（TransportUnavailable），不堆积请求
type Guard struct {
	Bus
	cbm     *ratelimit.Manager
	service string
}

func NewGuard(b Bus, cbm *ratelimit.Manager, service string) *Guard {
	return &Guard{Bus: b, cbm: cbm, service: service}
}

func (g *Guard) Publish(ctx context.Context, topic string, payload []byte) (uint64, error) {
	var seq uint64
	_, err := g.cbm.Get(ResourcePublish).Execute(func() (struct{}, error) {
		s, err := g.Bus.Publish(ctx, topic, payload)
		seq = s
		return struct{}{}, err
	})
	return seq, g.mapErr(ResourcePublish, err)
}

func (g *Guard) Subscribe(ctx context.Context, patterns []string) (<-chan event.Event, error) {
	var ch <-chan event.Event
	_, err := g.cbm.Get(ResourceSubscribe).Execute(func() (struct{}, error) {
		c, err := g.Bus.Subscribe(ctx, patterns)
		ch = c
		return struct{}{}, err
	})
	return ch, g.mapErr(ResourceSubscribe, err)
}

func (g *Guard) mapErr(resource string, err error) error {
	if err == nil {
		return nil
	}
	if ratelimit.IsOpen(err) {
		metrics.CBRejectTotal.WithLabelValues(g.service, resource).Inc()
		if resource == ResourcePublish {
			rtmetrics.BusPublishTotal.WithLabelValues("rejected").Inc()
		}
		return xerr.Wrap(err, xerr.TransportUnavailable, "bus circuit open")
	}
	if _, ok := xerr.As(err); ok || errors.Is(err, context.Canceled) {
		return err
	}
	return xerr.Wrap(err, xerr.TransportUnavailable, "")
}
