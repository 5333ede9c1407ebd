// Package smtp 实现只接收邮件的 SMTP 前端，将入站邮件交给接收器投递。
package smtp

import (
	"context"
	"errors"
	"io"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"tempinbox/backend/internal/config"
	"tempinbox/backend/internal/domain"
	"tempinbox/backend/internal/monitoring"
)

// Deliverer 投递入站邮件
type Deliverer interface {
	CanDeliver(recipient string) error
	Deliver(ctx context.Context, env domain.Envelope) (domain.MessageID, error)
}

// DomainChecker 判断域名是否由本服务管理
type DomainChecker interface {
	DomainAllowed(domainName string) bool
}

var (
	errRelayDenied = &gosmtp.SMTPError{
		Code:         550,
		EnhancedCode: gosmtp.EnhancedCode{5, 7, 1},
		Message:      "relay access denied - domain not managed by this server",
	}
	errNoMailbox = &gosmtp.SMTPError{
		Code:         550,
		EnhancedCode: gosmtp.EnhancedCode{5, 1, 1},
		Message:      "recipient mailbox not found",
	}
	errBadRecipient = &gosmtp.SMTPError{
		Code:         501,
		EnhancedCode: gosmtp.EnhancedCode{5, 1, 3},
		Message:      "invalid recipient address",
	}
	errTooManyRecipients = &gosmtp.SMTPError{
		Code:         452,
		EnhancedCode: gosmtp.EnhancedCode{4, 5, 3},
		Message:      "too many recipients",
	}
	errNoValidRecipients = &gosmtp.SMTPError{
		Code:         554,
		EnhancedCode: gosmtp.EnhancedCode{5, 5, 1},
		Message:      "no valid recipients",
	}
	errMalformedMessage = &gosmtp.SMTPError{
		Code:         554,
		EnhancedCode: gosmtp.EnhancedCode{5, 6, 0},
		Message:      "malformed message",
	}
	errMessageTooLarge = &gosmtp.SMTPError{
		Code:         552,
		EnhancedCode: gosmtp.EnhancedCode{5, 3, 4},
		Message:      "message exceeds fixed maximum message size",
	}
	errMailboxFull = &gosmtp.SMTPError{
		Code:         452,
		EnhancedCode: gosmtp.EnhancedCode{4, 2, 2},
		Message:      "mailbox full",
	}
	errTryLater = &gosmtp.SMTPError{
		Code:         421,
		EnhancedCode: gosmtp.EnhancedCode{4, 7, 0},
		Message:      "too many connections, try again later",
	}
	errLocal = &gosmtp.SMTPError{
		Code:         451,
		EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
		Message:      "local error in processing",
	}
)

// Backend 实现 go-smtp 的 Backend 接口。
//
// 只接收发往本服务已存在邮箱的邮件，不提供中继：
// 域名不受管理返回 550 5.7.1，邮箱不存在返回 550 5.1.1。
type Backend struct {
	receiver      Deliverer
	domains       DomainChecker
	limiter       *ConnectionLimiter
	metrics       *monitoring.Metrics
	logger        *zap.Logger
	maxBytes      int64
	maxRecipients int
	now           func() time.Time
}

// NewBackend 创建 SMTP Backend。
func NewBackend(receiver Deliverer, domains DomainChecker, cfg config.SMTPConfig, logger *zap.Logger) *Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{
		receiver:      receiver,
		domains:       domains,
		limiter:       NewConnectionLimiter(cfg.MaxConns, cfg.ConnRate),
		logger:        logger,
		maxBytes:      cfg.MaxMessageBytes,
		maxRecipients: cfg.MaxRecipients,
		now:           time.Now,
	}
}

// SetMetrics 设置监控指标
func (b *Backend) SetMetrics(m *monitoring.Metrics) {
	b.metrics = m
}

// NewServer 按配置创建 SMTP 服务器。
func NewServer(b *Backend, cfg config.SMTPConfig) *gosmtp.Server {
	server := gosmtp.NewServer(b)
	server.Addr = cfg.BindAddr
	server.Domain = cfg.Domain
	server.ReadTimeout = 10 * time.Second
	server.WriteTimeout = 10 * time.Second
	server.MaxMessageBytes = cfg.MaxMessageBytes
	server.MaxRecipients = cfg.MaxRecipients
	return server
}

// NewSession 创建新的 SMTP 会话。超过并发或速率限制时返回 421。
func (b *Backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	remote := ""
	if c != nil && c.Conn() != nil {
		remote = c.Conn().RemoteAddr().String()
	}

	if !b.limiter.Acquire() {
		b.metrics.RecordRateLimitBlock("smtp")
		b.logger.Warn("smtp connection rejected", zap.String("remote", remote))
		return nil, errTryLater
	}
	b.metrics.AddSMTPConnections(1)

	return &session{
		backend: b,
		id:      uuid.NewString(),
		remote:  remote,
	}, nil
}

type session struct {
	backend    *Backend
	id         string
	remote     string
	from       string
	recipients []string
	released   bool
}

// Mail 处理 MAIL 命令。
func (s *session) Mail(from string, _ *gosmtp.MailOptions) error {
	s.from = from
	return nil
}

// Rcpt 处理 RCPT 命令，拒绝非本服务域名和不存在的邮箱。
func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	b := s.backend
	if b.maxRecipients > 0 && len(s.recipients) >= b.maxRecipients {
		return errTooManyRecipients
	}

	address := domain.NormalizeAddress(to)
	_, recipientDomain, ok := domain.SplitAddress(address)
	if !ok {
		return errBadRecipient
	}
	if b.domains != nil && !b.domains.DomainAllowed(recipientDomain) {
		b.metrics.RecordMessageRejected("relay_denied")
		return errRelayDenied
	}

	switch err := b.receiver.CanDeliver(address); {
	case err == nil:
	case errors.Is(err, domain.ErrMalformedEnvelope):
		return errBadRecipient
	case errors.Is(err, domain.ErrMailboxNotFound):
		b.metrics.RecordMessageRejected("mailbox_not_found")
		return errNoMailbox
	default:
		return errLocal
	}

	for _, existing := range s.recipients {
		if existing == address {
			return nil
		}
	}
	s.recipients = append(s.recipients, address)
	return nil
}

// Data 解析邮件并为每个收件人投递一份。
func (s *session) Data(r io.Reader) error {
	b := s.backend
	if len(s.recipients) == 0 {
		return errNoValidRecipients
	}

	reader := r
	if b.maxBytes > 0 {
		reader = io.LimitReader(r, b.maxBytes+1)
	}
	raw, err := io.ReadAll(reader)
	if err != nil {
		if errors.Is(err, gosmtp.ErrDataTooLarge) {
			b.metrics.RecordMessageRejected("too_large")
			return errMessageTooLarge
		}
		return err
	}
	if b.maxBytes > 0 && int64(len(raw)) > b.maxBytes {
		b.metrics.RecordMessageRejected("too_large")
		return errMessageTooLarge
	}

	parsed, err := ParseEmail(raw)
	if err != nil {
		b.metrics.RecordMessageRejected("malformed")
		b.logger.Info("malformed message",
			zap.String("session", s.id),
			zap.String("remote", s.remote),
			zap.Error(err),
		)
		return errMalformedMessage
	}

	sender := s.from
	if sender == "" {
		sender = parsed.From
	}
	arrived := b.now()

	var delivered int
	var lastErr error
	for _, rcpt := range s.recipients {
		env := domain.Envelope{
			Recipient: rcpt,
			Sender:    sender,
			Subject:   parsed.Subject,
			Text:      parsed.Text,
			HTML:      parsed.HTML,
			Size:      int64(len(raw)),
			ArrivedAt: arrived,
		}
		if _, err := b.receiver.Deliver(context.Background(), env); err != nil {
			lastErr = err
			continue
		}
		delivered++
	}

	b.logger.Debug("smtp data processed",
		zap.String("session", s.id),
		zap.Int("recipients", len(s.recipients)),
		zap.Int("delivered", delivered),
		zap.Int("attachments", parsed.Attachments),
	)

	if delivered > 0 || lastErr == nil {
		return nil
	}
	return dataError(lastErr)
}

// dataError 将投递错误映射为 SMTP 响应
func dataError(err error) error {
	switch {
	case errors.Is(err, domain.ErrMailboxNotFound):
		return errNoMailbox
	case errors.Is(err, domain.ErrMalformedEnvelope):
		return errMalformedMessage
	case errors.Is(err, domain.ErrMailboxFull):
		return errMailboxFull
	default:
		return errLocal
	}
}

// Reset 重置状态。
func (s *session) Reset() {
	s.from = ""
	s.recipients = nil
}

// Logout 会话结束，释放连接许可。
func (s *session) Logout() error {
	if !s.released {
		s.released = true
		s.backend.limiter.Release()
		s.backend.metrics.AddSMTPConnections(-1)
	}
	return nil
}
