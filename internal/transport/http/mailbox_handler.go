package httptransport

import (
	"errors"
	"io"
	"math"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tempinbox/backend/internal/domain"
	"tempinbox/backend/internal/service"
)

// MailboxHandler 处理一次性邮箱相关请求
type MailboxHandler struct {
	mailboxes  *service.MailboxService
	logger     *zap.Logger
	retryAfter string
}

// NewMailboxHandler 创建邮箱处理器，retryAfter 为地址耗尽时建议客户端等待的时长
func NewMailboxHandler(mailboxes *service.MailboxService, retryAfter time.Duration, logger *zap.Logger) *MailboxHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	seconds := int(retryAfter.Seconds())
	if seconds <= 0 {
		seconds = 60
	}
	return &MailboxHandler{
		mailboxes:  mailboxes,
		logger:     logger,
		retryAfter: strconv.Itoa(seconds),
	}
}

// createMailboxRequest POST /mailbox 的可选请求体
type createMailboxRequest struct {
	Prefix string `json:"prefix"`
	Domain string `json:"domain"`
	TTL    int64  `json:"ttl"` // 秒
}

// MessageSummary 邮件列表项
type MessageSummary struct {
	ID         domain.MessageID `json:"id"`
	Sender     string           `json:"sender"`
	Subject    string           `json:"subject"`
	ReceivedAt time.Time        `json:"receivedAt"`
	IsNew      bool             `json:"isNew"`
}

// MailboxView GET /mailbox/{address} 的响应数据
type MailboxView struct {
	Address   string           `json:"address"`
	CreatedAt time.Time        `json:"createdAt"`
	ExpiresAt time.Time        `json:"expiresAt"`
	Unread    int              `json:"unread"`
	Messages  []MessageSummary `json:"messages"`
}

// MessageView 单封邮件详情
type MessageView struct {
	MessageSummary
	To   string `json:"to"`
	Text string `json:"text"`
	HTML string `json:"html"`
	Size int64  `json:"size"`
}

func summarize(m *domain.Message) MessageSummary {
	return MessageSummary{
		ID:         m.ID,
		Sender:     m.From,
		Subject:    m.Subject,
		ReceivedAt: m.ReceivedAt,
		IsNew:      m.IsNew(),
	}
}

func newMailboxView(mb *domain.Mailbox) MailboxView {
	view := MailboxView{
		Address:   mb.Address,
		CreatedAt: mb.CreatedAt,
		ExpiresAt: mb.ExpiresAt(),
		Unread:    mb.Unread(),
		Messages:  make([]MessageSummary, 0, len(mb.Messages)),
	}
	for i := range mb.Messages {
		view.Messages = append(view.Messages, summarize(&mb.Messages[i]))
	}
	return view
}

// respondError 将业务错误转换为统一响应
func (h *MailboxHandler) respondError(c *gin.Context, err error) {
	status, msg := classifyError(err)
	switch {
	case errors.Is(err, domain.ErrExhaustedNamespace):
		ServiceUnavailable(c, msg, h.retryAfter)
	case status >= 500:
		_ = c.Error(err)
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		Error(c, status, msg)
	default:
		Error(c, status, msg)
	}
}

// CreateMailbox POST /mailbox
//
// 请求体可省略；省略时使用默认域名、随机前缀和默认有效期。
func (h *MailboxHandler) CreateMailbox(c *gin.Context) {
	var req createMailboxRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	mailbox, err := h.mailboxes.Create(c.Request.Context(), service.CreateMailboxInput{
		Prefix: req.Prefix,
		Domain: req.Domain,
		TTL:    secondsToDuration(req.TTL),
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	Created(c, newMailboxView(mailbox))
}

// secondsToDuration 超出 time.Duration 范围时饱和，交由服务层截断或拒绝
func secondsToDuration(seconds int64) time.Duration {
	const limit = int64(math.MaxInt64 / int64(time.Second))
	switch {
	case seconds > limit:
		return time.Duration(math.MaxInt64)
	case seconds < -limit:
		return time.Duration(math.MinInt64)
	default:
		return time.Duration(seconds) * time.Second
	}
}

// GetMailbox GET /mailbox/:address
func (h *MailboxHandler) GetMailbox(c *gin.Context) {
	mailbox, err := h.mailboxes.Get(domain.NormalizeAddress(c.Param("address")))
	if err != nil {
		h.respondError(c, err)
		return
	}
	Success(c, newMailboxView(mailbox))
}

// GetMessage GET /mailbox/:address/messages/:id
func (h *MailboxHandler) GetMessage(c *gin.Context) {
	id, err := domain.ParseMessageID(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	msg, err := h.mailboxes.GetMessage(domain.NormalizeAddress(c.Param("address")), id)
	if err != nil {
		h.respondError(c, err)
		return
	}

	Success(c, MessageView{
		MessageSummary: summarize(msg),
		To:             msg.To,
		Text:           msg.Text,
		HTML:           msg.HTML,
		Size:           msg.Size,
	})
}

// MarkRead POST /mailbox/:address/messages/:id/read
func (h *MailboxHandler) MarkRead(c *gin.Context) {
	id, err := domain.ParseMessageID(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	if err := h.mailboxes.MarkRead(domain.NormalizeAddress(c.Param("address")), id); err != nil {
		h.respondError(c, err)
		return
	}

	SuccessWithMsg(c, "已标记为已读", gin.H{"id": id, "isNew": false})
}

// DeleteMailbox DELETE /mailbox/:address
func (h *MailboxHandler) DeleteMailbox(c *gin.Context) {
	if err := h.mailboxes.Delete(c.Request.Context(), c.Param("address")); err != nil {
		h.respondError(c, err)
		return
	}
	SuccessWithMsg(c, "邮箱已删除", nil)
}
