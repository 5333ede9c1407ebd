package httptransport

import (
	"errors"
	"net/http"

	"tempinbox/backend/internal/domain"
	"tempinbox/backend/internal/service"
)

// errorStatus 业务错误 -> HTTP 状态码与中文消息
var errorStatus = []struct {
	err    error
	status int
	msg    string
}{
	{domain.ErrNoSuchMailbox, http.StatusNotFound, MsgMailboxNotFound},
	{domain.ErrNoSuchMessage, http.StatusNotFound, MsgMessageNotFound},
	{domain.ErrExhaustedNamespace, http.StatusServiceUnavailable, MsgNamespaceExhausted},
	{domain.ErrAlreadyExists, http.StatusConflict, MsgAddressInUse},
	{domain.ErrAddressInUse, http.StatusConflict, MsgAddressInUse},
	{domain.ErrDomainNotAllowed, http.StatusBadRequest, "域名不在允许列表中"},
	{domain.ErrInvalidLocalPart, http.StatusBadRequest, "邮箱前缀格式无效"},
	{domain.ErrLocalPartTooLong, http.StatusBadRequest, "邮箱前缀过长"},
	{domain.ErrInvalidEmail, http.StatusBadRequest, "邮箱地址格式无效"},
	{service.ErrInvalidTTL, http.StatusBadRequest, MsgInvalidTTL},
}

// classifyError 返回错误对应的 HTTP 状态码和消息，未知错误按 500 处理
func classifyError(err error) (int, string) {
	for _, e := range errorStatus {
		if errors.Is(err, e.err) {
			return e.status, e.msg
		}
	}
	return http.StatusInternalServerError, MsgInternalError
}

// 通用错误消息
const (
	MsgInvalidRequest = "请求参数格式错误"
	MsgInvalidTTL     = "有效期不能为负数"

	MsgMailboxNotFound    = "邮箱不存在"
	MsgMessageNotFound    = "邮件不存在"
	MsgAddressInUse       = "该地址正在使用或处于冷却期"
	MsgNamespaceExhausted = "暂无可用地址，请稍后重试"

	MsgInternalError = "服务器内部错误，请稍后重试"
)
