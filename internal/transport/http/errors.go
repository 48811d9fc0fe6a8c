package httptransport

import (
	"errors"
	"net/http"

	"tempinbox/backend/internal/domain"
)

// 具体错误 -> 中文消息，按顺序匹配
var errorMessages = []struct {
	err error
	msg string
}{
	{domain.ErrSessionNotFound, MsgSessionNotFound},
	{domain.ErrStaleGeneration, MsgSessionNotFound},
	{domain.ErrMessageNotFound, MsgMessageNotFound},
	{domain.ErrTokenNotFound, MsgAttachmentNotFound},
	{domain.ErrUnsupportedTTL, MsgUnsupportedTTL},
	{domain.ErrInvalidInput, MsgInvalidRequest},
	{domain.ErrUpstream, MsgUpstreamFailed},
}

// GetErrorMessage 获取错误的中文消息
func GetErrorMessage(err error) string {
	for _, m := range errorMessages {
		if errors.Is(err, m.err) {
			return m.msg
		}
	}
	return MsgInternalError
}

// StatusFor 把业务错误映射为 HTTP 状态码。
//
// 轮换期间被丢弃的刷新（冲突）对调用方而言等同于会话已不可用，返回 404。
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrConflict):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrUnsupported):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// 通用错误消息
const (
	MsgInvalidRequest     = "请求参数格式错误"
	MsgSessionIDRequired  = "缺少 sessionId"
	MsgTTLRequired        = "缺少 ttl"
	MsgMessageIDRequired  = "缺少邮件 id"
	MsgTokenRequired      = "缺少附件 token"
	MsgDomainRequired     = "缺少域名参数"
	MsgSessionNotFound    = "会话不存在或已过期"
	MsgMessageNotFound    = "邮件不存在或已过期"
	MsgAttachmentNotFound = "附件链接无效或已过期"
	MsgUnsupportedTTL     = "不支持的过期时间选项"
	MsgUpstreamFailed     = "邮件服务暂时不可用，请稍后重试"
	MsgInternalError      = "服务器内部错误，请稍后重试"
)
