package xerr

import (
	"errors"
	"fmt"
)

// 错误码定义
// 4000-4999 是 WebSocket 的私有 close code 区间，网关里同一个码同时用于 close frame、日志和指标 label。
const (
	OK = 200

	IdleTimeout = 4000
	Protocol    = 4400

	AuthMalformed         = 4401
	AuthExpired           = 4402
	AuthRevoked           = 4403
	AuthPrincipalNotFound = 4404
	AuthTimeout           = 4408

	Capacity  = 4429
	Forbidden = 4430

	Internal             = 4500
	TransportUnavailable = 4503
)

type CodeError struct {
	Code  int    `json:"code"`
	Msg   string `json:"msg"`
	Cause error  `json:"-"`
}

func (e *CodeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("ErrCode:%d, Msg:%s, Cause:%v", e.Code, e.Msg, e.Cause)
	}
	return fmt.Sprintf("ErrCode:%d, Msg:%s", e.Code, e.Msg)
}

func (e *CodeError) Unwrap() error { return e.Cause }

// Is 按错误码匹配，errors.Is(err, xerr.ErrAuthExpired) 不关心 Msg/Cause
func (e *CodeError) Is(target error) bool {
	var t *CodeError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrIdleTimeout           = NewErrCode(IdleTimeout)
	ErrProtocol              = NewErrCode(Protocol)
	ErrAuthMalformed         = NewErrCode(AuthMalformed)
	ErrAuthExpired           = NewErrCode(AuthExpired)
	ErrAuthRevoked           = NewErrCode(AuthRevoked)
	ErrAuthPrincipalNotFound = NewErrCode(AuthPrincipalNotFound)
	ErrAuthTimeout           = NewErrCode(AuthTimeout)
	ErrForbidden             = NewErrCode(Forbidden)
	ErrCapacity              = NewErrCode(Capacity)
	ErrTransportUnavailable  = NewErrCode(TransportUnavailable)
)

func New(code int, msg string) error {
	return &CodeError{Code: code, Msg: msg}
}

func NewErrCode(code int) error {
	return &CodeError{Code: code, Msg: MapErrMsg(code)}
}

// Wrap 保留底层错误，方便日志里打出真实原因
func Wrap(cause error, code int, msg string) error {
	if msg == "" {
		msg = MapErrMsg(code)
	}
	return &CodeError{Code: code, Msg: msg, Cause: cause}
}

func As(err error) (*CodeError, bool) {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// CodeOf 非 CodeError 一律当 Internal
func CodeOf(err error) int {
	if err == nil {
		return OK
	}
	if ce, ok := As(err); ok {
		return ce.Code
	}
	return Internal
}

func IsAuth(err error) bool {
	switch CodeOf(err) {
	case AuthMalformed, AuthExpired, AuthRevoked, AuthPrincipalNotFound, AuthTimeout:
		return true
	}
	return false
}

func IsTransport(err error) bool { return CodeOf(err) == TransportUnavailable }

func MapErrMsg(code int) string {
	switch code {
	case IdleTimeout:
		return "idle timeout"
	case Protocol:
		return "protocol error"
	case AuthMalformed:
		return "malformed credential"
	case AuthExpired:
		return "credential expired"
	case AuthRevoked:
		return "credential revoked"
	case AuthPrincipalNotFound:
		return "principal not found"
	case AuthTimeout:
		return "auth timeout"
	case Forbidden:
		return "forbidden"
	case Capacity:
		return "capacity exceeded"
	case TransportUnavailable:
		return "transport unavailable"
	case Internal:
		return "internal error"
	default:
		return "unknown error"
	}
}

// Reason 给 close frame / 指标用的短标签
func Reason(code int) string {
	switch code {
	case IdleTimeout:
		return "idle_timeout"
	case Protocol:
		return "protocol_error"
	case AuthMalformed:
		return "malformed"
	case AuthExpired:
		return "expired"
	case AuthRevoked:
		return "revoked"
	case AuthPrincipalNotFound:
		return "principal_not_found"
	case AuthTimeout:
		return "auth_timeout"
	case Forbidden:
		return "forbidden"
	case Capacity:
		return "capacity"
	case TransportUnavailable:
		return "transport_unavailable"
	default:
		return "internal"
	}
}
