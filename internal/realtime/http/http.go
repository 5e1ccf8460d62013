package http

import (
	"context"
	"crypto/subtle"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/segmentio/encoding/json"
	ginprom "github.com/zsais/go-gin-prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
	"tradepulse.com/internal/realtime/topic"
	"tradepulse.com/internal/realtime/ws"
	"tradepulse.com/pkg/common"
	"tradepulse.com/pkg/logger"
	"tradepulse.com/pkg/middleware"
	"tradepulse.com/pkg/ratelimit"
	"tradepulse.com/pkg/xerr"
)

const HeaderPublishKey = "X-Publish-Key"

// Publisher 生产者入口，通常是 bus.Guard
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) (uint64, error)
}

type Revoker interface {
	Revoke(ctx context.Context, jti string, until time.Time) error
}

type Deps struct {
	Service     string
	WS          *ws.Server
	Publisher   Publisher
	Revoker     Revoker // 可以为 nil
	PublishKey  string  // 为空时 publish/revoke 接口关闭
	CORSOrigins []string
	RateLimit   *ratelimit.Store
	Healthy     func() bool // dispatcher 是否连着 bus
}

func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	// 监控，/metrics 也由它挂上
	p := ginprom.NewPrometheus("rt_gateway")
	p.Use(r)

	r.Use(
		otelgin.Middleware(d.Service),
		middleware.ReqId(),
		corsMiddleware(d.CORSOrigins),
		middleware.Recover(),
	)
	if d.RateLimit != nil {
		r.Use(middleware.RateLimit(d.RateLimit, d.Service))
	}

	h := &handler{d: d}
	r.GET("/healthz", h.health)
	r.GET("/ws", gin.WrapF(d.WS.ServeWS))
	r.GET("/ws/*route", gin.WrapF(d.WS.ServeWS))

	api := r.Group("/api/v1")
	{
		api.GET("/stats", h.stats)
		api.POST("/publish", h.requireKey, h.publish)
		api.POST("/revoke", h.requireKey, h.revoke)
	}
	return r
}

func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		// 不设 WriteTimeout：hijack 之后的 ws 连接由 ws.Server 自己管理 deadline
		MaxHeaderBytes: 1 << 20,
	}
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	if len(origins) == 0 {
		return cors.Default()
	}
	cfg := cors.DefaultConfig()
	cfg.AllowOrigins = origins
	cfg.AllowHeaders = append(cfg.AllowHeaders, "Authorization", common.HeaderRequestID, HeaderPublishKey)
	return cors.New(cfg)
}

type handler struct {
	d Deps
}

func (h *handler) health(c *gin.Context) {
	if h.d.Healthy != nil && !h.d.Healthy() {
		common.Fail(c, http.StatusServiceUnavailable, xerr.TransportUnavailable, "bus not connected")
		return
	}
	common.Success(c, gin.H{"status": "ok"})
}

func (h *handler) stats(c *gin.Context) {
	common.Success(c, h.d.WS.Stats())
}

func (h *handler) requireKey(c *gin.Context) {
	key := c.GetHeader(HeaderPublishKey)
	if h.d.PublishKey == "" {
		common.Fail(c, http.StatusForbidden, xerr.Forbidden, "publish api disabled")
		c.Abort()
		return
	}
	if subtle.ConstantTimeCompare([]byte(key), []byte(h.d.PublishKey)) != 1 {
		common.Fail(c, http.StatusUnauthorized, xerr.AuthMalformed, "invalid publish key")
		c.Abort()
		return
	}
	c.Next()
}

type publishReq struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

type publishResp struct {
	Topic string `json:"topic"`
	Seq   uint64 `json:"seq"`
}

func (h *handler) publish(c *gin.Context) {
	var req publishReq
	if err := decode(c, &req); err != nil {
		common.FailFromErr(c, err)
		return
	}
	t, err := topic.Parse(req.Topic)
	if err != nil {
		common.FailFromErr(c, err)
		return
	}
	seq, err := h.d.Publisher.Publish(c.Request.Context(), t.String(), req.Payload)
	if err != nil {
		logger.Warn(c.Request.Context(), "publish failed",
			zap.String("request_id", common.RequestIDFromGin(c)),
			zap.String("topic", t.String()),
			zap.Error(err),
		)
		common.FailFromErr(c, err)
		return
	}
	common.Success(c, publishResp{Topic: t.String(), Seq: seq})
}

type revokeReq struct {
	JTI   string    `json:"jti"`
	Until time.Time `json:"until"`
}

func (h *handler) revoke(c *gin.Context) {
	if h.d.Revoker == nil {
		common.Fail(c, http.StatusNotFound, xerr.Forbidden, "revocation not configured")
		return
	}
	var req revokeReq
	if err := decode(c, &req); err != nil {
		common.FailFromErr(c, err)
		return
	}
	if req.JTI == "" {
		common.FailFromErr(c, xerr.New(xerr.Protocol, "jti is required"))
		return
	}
	if req.Until.IsZero() {
		req.Until = time.Now().Add(24 * time.Hour)
	}
	if err := h.d.Revoker.Revoke(c.Request.Context(), req.JTI, req.Until); err != nil {
		common.FailFromErr(c, err)
		return
	}
	common.Success(c, gin.H{"jti": req.JTI})
}

// decode 请求体最多 1MB
func decode(c *gin.Context, out any) error {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20))
	if err != nil {
		return xerr.Wrap(err, xerr.Protocol, "read body")
	}
	if err := json.Unmarshal(body, out); err != nil {
		return xerr.Wrap(err, xerr.Protocol, "malformed json")
	}
	return nil
}
