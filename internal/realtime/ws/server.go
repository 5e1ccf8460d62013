// Package ws is the gateway front door: interceptor chain, upgrade, auth handshake,
// control-frame reader and queue-driven writer for every realtime connection.
package ws

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"
	"tradepulse.com/internal/realtime/auth"
	rtmetrics "tradepulse.com/internal/realtime/metrics"
	"tradepulse.com/internal/realtime/registry"
	"tradepulse.com/internal/realtime/session"
	"tradepulse.com/internal/realtime/topic"
	"tradepulse.com/pkg/common"
	"tradepulse.com/pkg/logger"
	"tradepulse.com/pkg/safe"
	"tradepulse.com/pkg/xerr"
)

// Authenticator 凭证 -> Principal，*auth.Gate 实现了它
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (auth.Principal, error)
}

type Config struct {
	HandshakeTimeout time.Duration // 等待 auth 的最长时间
	IdleTimeout      time.Duration // 客户端多久没有任何帧就关闭，0 表示不检查
	PongWait         time.Duration
	PingPeriod       time.Duration
	PingJitter       time.Duration
	WriteWait        time.Duration
	DrainTimeout     time.Duration // Draining 之后最多等多久把队列写完
	ReadLimit        int64
	QueueCapacity    int
	MaxFlush         int // 单次唤醒最多写多少条事件
	AutoSubscribe    bool
	AllowQueryToken  bool
}

func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 5 * time.Second,
		IdleTimeout:      60 * time.Second,
		PongWait:         60 * time.Second,
		PingPeriod:       30 * time.Second,
		PingJitter:       100 * time.Millisecond,
		WriteWait:        5 * time.Second,
		DrainTimeout:     5 * time.Second,
		ReadLimit:        4 << 10,
		QueueCapacity:    256,
		MaxFlush:         256,
		AutoSubscribe:    true,
		AllowQueryToken:  true,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.PongWait <= 0 {
		c.PongWait = d.PongWait
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = d.WriteWait
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = d.DrainTimeout
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = d.ReadLimit
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = d.QueueCapacity
	}
	if c.MaxFlush <= 0 {
		c.MaxFlush = d.MaxFlush
	}
	return c
}

type Server struct {
	cfg       Config
	reg       *registry.Registry
	gate      Authenticator
	authorize func(auth.Principal, topic.Topic) error
	chain     []Interceptor
	upgrader  websocket.Upgrader

	mu      sync.Mutex
	conns   map[string]*conn
	wg      sync.WaitGroup
	closing atomic.Bool
}

// NewServer 拦截器按传入顺序执行；没有 Route 拦截器时默认追加一个
func NewServer(cfg Config, reg *registry.Registry, gate Authenticator, chain ...Interceptor) *Server {
	s := &Server{
		cfg:       cfg.withDefaults(),
		reg:       reg,
		gate:      gate,
		authorize: auth.Authorize,
		chain:     chain,
		conns:     make(map[string]*conn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin 由 OriginCheck 拦截器负责
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	if len(chain) == 0 {
		s.chain = []Interceptor{RequestID(), Route()}
	}
	return s
}

func (s *Server) Config() Config { return s.cfg }

// ServeWS 跑完拦截器再升级；任何拒绝都发生在 101 之前，按 xerr 码映射 HTTP 状态
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	if s.closing.Load() {
		reject(w, r, xerr.New(xerr.TransportUnavailable, "gateway is shutting down"))
		return
	}
	for _, ic := range s.chain {
		next, err := ic(r)
		if err != nil {
			reject(w, r, err)
			return
		}
		r = next
	}
	rt, ok := RouteFrom(r.Context())
	if !ok {
		var err error
		if rt, err = topic.Resolve(r.URL.Path); err != nil {
			reject(w, r, err)
			return
		}
	}
	cred := credentialFrom(r, s.cfg.AllowQueryToken)

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已经写过 HTTP 错误
		rtmetrics.HandshakeRejectTotal.WithLabelValues("upgrade").Inc()
		logger.Debug(r.Context(), "ws upgrade failed", zap.Error(err))
		return
	}

	// hijack 之后 r.Context() 会随 handler 返回被取消，只保留它的值
	ctx := context.WithoutCancel(r.Context())
	c := &conn{
		srv:   s,
		ws:    wsConn,
		route: rt,
		cred:  cred,
	}
	c.sess = session.New(uuid.NewString(), s.cfg.QueueCapacity, func(ss *session.Session) { s.reg.RemoveSession(ss) })
	if !s.track(c) {
		_ = wsConn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"), time.Now().Add(s.cfg.WriteWait))
		_ = wsConn.Close()
		return
	}
	rtmetrics.OnOpen()
	safe.GoCtx(ctx, "ws-conn", func(ctx context.Context) {
		defer s.wg.Done()
		c.serve(ctx)
	})
}

// ServeHTTP 让 Server 可以直接挂到 http.ServeMux
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.ServeWS(w, r) }

func (s *Server) track(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing.Load() {
		return false
	}
	s.conns[c.sess.ID()] = c
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	delete(s.conns, c.sess.ID())
	s.mu.Unlock()
}

func (s *Server) snapshot() []*conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}

// Shutdown 拒绝新连接，所有会话进入 Draining(1001)，等它们把队列写完；ctx 到期后强制关闭
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing.Store(true)
	s.mu.Unlock()

	conns := s.snapshot()
	for _, c := range conns {
		c.sess.BeginDrain(websocket.CloseGoingAway, "shutdown")
	}
	logger.Info(ctx, "ws gateway draining", zap.Int("sessions", len(conns)))

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	for _, c := range s.snapshot() {
		c.sess.Close("shutdown_forced")
		_ = c.ws.Close()
	}
	select {
	case <-done:
	case <-time.After(time.Second):
	}
	return ctx.Err()
}

type SessionInfo struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Route        string    `json:"route"`
	State        string    `json:"state"`
	Topics       []string  `json:"topics"`
	QueueLen     int       `json:"queue_len"`
	QueueCap     int       `json:"queue_cap"`
	Dropped      uint64    `json:"dropped"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
}

type Stats struct {
	Connections int            `json:"connections"`
	Topics      int            `json:"topics"`
	Subscribers map[string]int `json:"subscribers"`
	Sessions    []SessionInfo  `json:"sessions"`
}

// Stats 本进程的会话/订阅快照，给 /api/v1/stats 用
func (s *Server) Stats() Stats {
	conns := s.snapshot()
	st := Stats{
		Connections: len(conns),
		Topics:      s.reg.TopicCount(),
		Subscribers: make(map[string]int),
		Sessions:    make([]SessionInfo, 0, len(conns)),
	}
	for t, n := range s.reg.Counts() {
		st.Subscribers[t.String()] = n
	}
	for _, c := range conns {
		ss := c.sess
		info := SessionInfo{
			ID:           ss.ID(),
			UserID:       ss.Principal().UserID,
			Route:        c.route.Name,
			State:        ss.State().String(),
			QueueLen:     ss.Len(),
			QueueCap:     ss.Capacity(),
			Dropped:      ss.Dropped(),
			ConnectedAt:  ss.CreatedAt(),
			LastActivity: ss.LastActivity(),
		}
		for _, t := range s.reg.TopicsOf(ss) {
			info.Topics = append(info.Topics, t.String())
		}
		st.Sessions = append(st.Sessions, info)
	}
	sort.Slice(st.Sessions, func(i, j int) bool { return st.Sessions[i].ID < st.Sessions[j].ID })
	return st
}

func reject(w http.ResponseWriter, r *http.Request, err error) {
	code := xerr.CodeOf(err)
	rtmetrics.HandshakeRejectTotal.WithLabelValues(xerr.Reason(code)).Inc()
	logger.Info(r.Context(), "ws handshake rejected",
		zap.String("request_id", common.RequestIDFromContext(r.Context())),
		zap.String("path", r.URL.Path),
		zap.Int("code", code),
		zap.Error(err),
	)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(common.HTTPStatus(code))
	_ = json.NewEncoder(w).Encode(common.Response{Code: code, Message: xerr.MapErrMsg(code)})
}
