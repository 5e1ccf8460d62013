package ws

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"
	"tradepulse.com/internal/realtime/event"
	rtmetrics "tradepulse.com/internal/realtime/metrics"
	"tradepulse.com/internal/realtime/registry"
	"tradepulse.com/internal/realtime/session"
	"tradepulse.com/internal/realtime/topic"
	"tradepulse.com/pkg/logger"
	"tradepulse.com/pkg/safe"
	"tradepulse.com/pkg/xerr"
)

type conn struct {
	srv   *Server
	ws    *websocket.Conn
	sess  *session.Session
	route topic.Route
	cred  string

	// subMu 让 "registry 变更 + ack 入队" 和 writer 的 "取 ack + 取事件" 互斥，
	// 保证 subscribed 一定先于该 topic 的第一条事件写出
	subMu sync.Mutex
	wg    sync.WaitGroup
}

func (c *conn) serve(ctx context.Context) {
	defer c.finish(ctx)

	if !c.handshake(ctx) {
		return
	}
	logger.Info(ctx, "ws connected",
		zap.String("session_id", c.sess.ID()),
		zap.String("user_id", c.sess.Principal().UserID),
		zap.String("route", c.route.Name),
	)
	if c.srv.cfg.AutoSubscribe && len(c.route.Topics) > 0 {
		_ = c.subscribe(ctx, "")
	}

	safe.GoWG(ctx, &c.wg, "ws-write", c.writePump)
	c.readPump(ctx)
	c.wg.Wait()
}

func (c *conn) finish(ctx context.Context) {
	code, reason := c.sess.CloseInfo()
	if code == 0 {
		code, reason = websocket.CloseNormalClosure, "closed"
	}
	c.sess.Close(reason)
	_ = c.ws.Close()
	c.srv.untrack(c)
	rtmetrics.OnClose(code, reason)
	logger.Info(ctx, "ws closed",
		zap.String("session_id", c.sess.ID()),
		zap.String("user_id", c.sess.Principal().UserID),
		zap.Int("code", code),
		zap.String("reason", reason),
		zap.Uint64("dropped", c.sess.Dropped()),
	)
}

// handshake 凭证来自握手请求，或者 HandshakeTimeout 内的第一帧 {op:"auth"}
func (c *conn) handshake(ctx context.Context) bool {
	cfg := c.srv.cfg
	deadline := time.Now().Add(cfg.HandshakeTimeout)
	c.ws.SetReadLimit(cfg.ReadLimit)

	cred := c.cred
	if cred == "" {
		_ = c.ws.SetReadDeadline(deadline)
		_, b, err := c.ws.ReadMessage()
		if err != nil {
			if isTimeout(err) {
				c.rejectAuth(ctx, xerr.ErrAuthTimeout)
			} else {
				c.sess.BeginDrain(websocket.CloseAbnormalClosure, "remote_close")
			}
			return false
		}
		var m ClientMsg
		if json.Unmarshal(b, &m) != nil || m.Op != OpAuth || m.Token == "" {
			c.rejectAuth(ctx, xerr.New(xerr.AuthMalformed, "first frame must be auth"))
			return false
		}
		cred = m.Token
	}

	actx, cancel := context.WithDeadline(ctx, deadline)
	p, err := c.srv.gate.Authenticate(actx, cred)
	cancel()
	if err != nil {
		c.rejectAuth(ctx, err)
		return false
	}
	if err := c.sess.Authenticate(p); err != nil {
		// 鉴权期间被 Shutdown 关掉
		c.writeClose(websocket.CloseGoingAway, "shutdown")
		return false
	}
	c.sess.Activate()
	c.sess.Touch()
	return true
}

func (c *conn) rejectAuth(ctx context.Context, err error) {
	code := xerr.CodeOf(err)
	reason := xerr.Reason(code)
	if xerr.IsAuth(err) {
		rtmetrics.AuthFailuresTotal.WithLabelValues(reason).Inc()
		logger.Warn(ctx, "ws auth failed",
			zap.String("session_id", c.sess.ID()),
			zap.Int("code", code),
			zap.Error(err),
		)
	} else {
		// 用户目录 / 黑名单不可用，不是凭证的问题
		logger.Error(ctx, "ws auth unavailable",
			zap.String("session_id", c.sess.ID()),
			zap.Int("code", code),
			zap.Error(err),
		)
	}
	c.sess.BeginDrain(code, reason)
	c.writeClose(code, reason)
}

func (c *conn) readPump(ctx context.Context) {
	cfg := c.srv.cfg
	_ = c.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		rtmetrics.PongRecvTotal.Inc()
		return c.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	for {
		_, b, err := c.ws.ReadMessage()
		if err != nil {
			c.onReadError(ctx, err)
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
		c.sess.Touch()
		if c.sess.State() != session.Active {
			// Draining 期间客户端的帧只算活动，不再处理
			continue
		}
		if err := c.handle(ctx, b); err != nil {
			code := xerr.CodeOf(err)
			logger.Warn(ctx, "ws protocol error",
				zap.String("session_id", c.sess.ID()),
				zap.Int("code", code),
				zap.Error(err),
			)
			c.sess.BeginDrain(code, xerr.Reason(code))
			return
		}
	}
}

func (c *conn) onReadError(ctx context.Context, err error) {
	var ce *websocket.CloseError
	switch {
	case errors.As(err, &ce):
		c.sess.BeginDrain(ce.Code, "remote_close")
	case isTimeout(err):
		rtmetrics.PongTimeoutTotal.Inc()
		c.sess.BeginDrain(xerr.IdleTimeout, "pong_timeout")
	default:
		if c.sess.BeginDrain(websocket.CloseAbnormalClosure, "read_error") {
			logger.Debug(ctx, "ws read error", zap.String("session_id", c.sess.ID()), zap.Error(err))
		}
	}
}

func (c *conn) handle(ctx context.Context, b []byte) error {
	var m ClientMsg
	if err := json.Unmarshal(b, &m); err != nil {
		return xerr.Wrap(err, xerr.Protocol, "malformed control frame")
	}
	switch m.Op {
	case OpPing:
		c.sess.PushControl(session.Control{Op: OpPong})
	case OpSubscribe:
		return c.subscribe(ctx, m.Topic)
	case OpUnsubscribe:
		return c.unsubscribe(m.Topic)
	case OpAuth:
		c.sess.PushControl(session.Control{Op: OpError, Reason: "already_authenticated"})
	default:
		return xerr.New(xerr.Protocol, "unknown op "+m.Op)
	}
	return nil
}

// targets 空 topic 表示连接路径上的 topic；裸 /ws 必须显式给出
func (c *conn) targets(raw string) ([]topic.Topic, error) {
	if raw == "" {
		if len(c.route.Topics) == 0 {
			return nil, xerr.New(xerr.Protocol, "topic required")
		}
		return c.route.Topics, nil
	}
	t, err := topic.Parse(raw)
	if err != nil {
		return nil, err
	}
	return []topic.Topic{t}, nil
}

func (c *conn) subscribe(ctx context.Context, raw string) error {
	ts, err := c.targets(raw)
	if err != nil {
		return err
	}
	p := c.sess.Principal()
	for _, t := range ts {
		if err := c.srv.authorize(p, t); err != nil {
			rtmetrics.SubOpsTotal.WithLabelValues(OpSubscribe, "forbidden").Inc()
			logger.Info(ctx, "ws subscribe forbidden",
				zap.String("session_id", c.sess.ID()),
				zap.String("user_id", p.UserID),
				zap.String("topic", t.String()),
			)
			c.sess.PushControl(session.Control{Op: OpError, Topic: t.String(), Reason: xerr.Reason(xerr.CodeOf(err))})
			continue
		}

		c.subMu.Lock()
		_, err := c.srv.reg.Subscribe(c.sess, t)
		switch {
		case errors.Is(err, registry.ErrTooManyTopics):
			rtmetrics.SubOpsTotal.WithLabelValues(OpSubscribe, "limit").Inc()
			c.sess.PushControl(session.Control{Op: OpError, Topic: t.String(), Reason: "too_many_topics"})
		case err != nil:
			c.subMu.Unlock()
			return nil
		default:
			rtmetrics.SubOpsTotal.WithLabelValues(OpSubscribe, "ok").Inc()
			c.sess.PushControl(session.Control{Op: OpSubscribed, Topic: t.String()})
		}
		c.subMu.Unlock()
	}
	return nil
}

func (c *conn) unsubscribe(raw string) error {
	ts, err := c.targets(raw)
	if err != nil {
		return err
	}
	for _, t := range ts {
		c.subMu.Lock()
		c.srv.reg.Unsubscribe(c.sess, t)
		c.sess.PushControl(session.Control{Op: OpUnsubscribed, Topic: t.String()})
		c.subMu.Unlock()
		rtmetrics.SubOpsTotal.WithLabelValues(OpUnsubscribe, "ok").Inc()
	}
	return nil
}

func (c *conn) writePump(ctx context.Context) {
	cfg := c.srv.cfg
	defer func() { _ = c.ws.Close() }()

	period := cfg.PingPeriod
	if cfg.PingJitter > 0 {
		period += time.Duration(rand.Int64N(int64(cfg.PingJitter)))
	}
	ping := time.NewTicker(period)
	defer ping.Stop()

	var idleC <-chan time.Time
	if cfg.IdleTimeout > 0 {
		idle := time.NewTicker(max(cfg.IdleTimeout/4, 10*time.Millisecond))
		defer idle.Stop()
		idleC = idle.C
	}

	draining := c.sess.Draining()
	var deadline <-chan time.Time
	for {
		select {
		case <-c.sess.Notify():
		case <-draining:
			draining = nil
			t := time.NewTimer(cfg.DrainTimeout)
			defer t.Stop()
			deadline = t.C
		case <-deadline:
			code, reason := c.sess.CloseInfo()
			logger.Warn(ctx, "ws drain timeout, force close",
				zap.String("session_id", c.sess.ID()),
				zap.Int("pending", c.sess.Len()),
			)
			c.writeClose(code, reason)
			return
		case <-ping.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(cfg.WriteWait)); err != nil {
				rtmetrics.PingErrorsTotal.Inc()
				c.sess.BeginDrain(websocket.CloseAbnormalClosure, "write_error")
				return
			}
			rtmetrics.PingSentTotal.Inc()
			continue
		case <-idleC:
			if c.sess.IdleFor(time.Now()) > cfg.IdleTimeout {
				c.sess.BeginDrain(xerr.IdleTimeout, xerr.Reason(xerr.IdleTimeout))
			}
			continue
		}

		if err := c.flush(ctx); err != nil {
			c.sess.BeginDrain(websocket.CloseAbnormalClosure, "write_error")
			return
		}
		if draining == nil && c.sess.Len() == 0 {
			code, reason := c.sess.CloseInfo()
			c.writeClose(code, reason)
			return
		}
	}
}

// flush 先写控制帧再写事件，一帧一条消息
func (c *conn) flush(ctx context.Context) error {
	cfg := c.srv.cfg
	c.subMu.Lock()
	ctrls := c.sess.TakeControls()
	evs := make([]event.Event, 0, min(c.sess.Len(), cfg.MaxFlush))
	for ev := range c.sess.Drain(cfg.MaxFlush) {
		evs = append(evs, ev)
	}
	c.subMu.Unlock()
	if len(ctrls) == 0 && len(evs) == 0 {
		return nil
	}

	start := time.Now()
	n, bytes := 0, 0
	write := func(b []byte) error {
		_ = c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
		if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
			return err
		}
		n++
		bytes += len(b)
		return nil
	}

	var err error
	for _, ctl := range ctrls {
		b, _ := json.Marshal(ServerMsg{Op: ctl.Op, Topic: ctl.Topic, Reason: ctl.Reason})
		if err = write(b); err != nil {
			break
		}
	}
	for i := 0; err == nil && i < len(evs); i++ {
		b, encErr := encodeEvent(evs[i])
		if encErr != nil {
			rtmetrics.Drop("encode")
			logger.Warn(ctx, "ws encode event failed", zap.String("topic", evs[i].Topic), zap.Error(encErr))
			continue
		}
		err = write(b)
	}
	rtmetrics.ObserveWrite(n, bytes, time.Since(start), err)
	if err != nil {
		logger.Debug(ctx, "ws write failed", zap.String("session_id", c.sess.ID()), zap.Error(err))
		return err
	}
	if c.sess.Len() > 0 {
		c.sess.Wake()
	}
	return nil
}

// writeClose 1005/1006 不能出现在 close frame 里
func (c *conn) writeClose(code int, reason string) {
	switch code {
	case 0, websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure:
		return
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.srv.cfg.WriteWait))
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
