package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"tradepulse.com/pkg/common"
	"tradepulse.com/pkg/logger"
	"tradepulse.com/pkg/metrics"
	"tradepulse.com/pkg/ratelimit"
	"tradepulse.com/pkg/xerr"
)

func RateLimit(store *ratelimit.Store, service string) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		key := c.ClientIP() + ":" + route

		if !store.Allow(key) {
			// 限流属于“可控拒绝”，不要打堆栈（压测会炸日志）
			metrics.RateLimitBlockTotal.WithLabelValues(service, route, "token_bucket").Inc()
			logger.Warn(c.Request.Context(), "http rate limited",
				zap.String("request_id", common.RequestIDFromGin(c)),
				zap.String("ip", c.ClientIP()),
				zap.String("route", route),
			)
			common.Fail(c, http.StatusTooManyRequests, xerr.Capacity, "请求过于频繁")
			c.Abort()
			return
		}
		c.Next()
	}
}
