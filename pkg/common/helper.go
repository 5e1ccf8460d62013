package common

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"tradepulse.com/pkg/logger"
	"tradepulse.com/pkg/xerr"
)

// 定义http返回格式
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

func Success(ctx *gin.Context, data interface{}) {
	ctx.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: http.StatusText(http.StatusOK),
		Data:    data,
	})
}

func Fail(c *gin.Context, httpStatus int, code int, message string) {
	c.JSON(httpStatus, Response{
		Code:    code,
		Message: message,
		Data:    nil,
	})
}

// FailFromErr 对外只回 code + message（data=null），真实原因只进日志
func FailFromErr(c *gin.Context, err error) {
	code := xerr.CodeOf(err)
	status := HTTPStatus(code)
	if status >= http.StatusInternalServerError {
		logger.Warn(c.Request.Context(), "http error",
			zap.String("request_id", RequestIDFromGin(c)),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("biz_code", code),
			zap.Error(err),
		)
	}
	Fail(c, status, code, xerr.MapErrMsg(code))
}

// HTTPStatus 把错误码映射成 HTTP 状态（握手前的拒绝和 REST 接口共用）
func HTTPStatus(code int) int {
	switch code {
	case xerr.OK:
		return http.StatusOK
	case xerr.Protocol:
		return http.StatusBadRequest
	case xerr.AuthMalformed, xerr.AuthExpired, xerr.AuthRevoked, xerr.AuthPrincipalNotFound, xerr.AuthTimeout:
		return http.StatusUnauthorized
	case xerr.Forbidden:
		return http.StatusForbidden
	case xerr.Capacity:
		return http.StatusTooManyRequests
	case xerr.TransportUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
