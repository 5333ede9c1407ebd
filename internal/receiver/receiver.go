// Package receiver 将入站邮件投递到一次性邮箱。
package receiver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tempinbox/backend/internal/domain"
	"tempinbox/backend/internal/monitoring"
	"tempinbox/backend/internal/storage"
)

// Sanitizer 清理 HTML 正文
type Sanitizer interface {
	Sanitize(html string) string
}

// Receiver 校验信封、解析收件人并追加邮件。可并发使用。
type Receiver struct {
	store     storage.MailboxStore
	notifier  storage.EventPublisher
	sanitizer Sanitizer
	validator *domain.EmailValidator
	metrics   *monitoring.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

// Option 接收器选项
type Option func(*Receiver)

// WithNotifier 投递成功后发布 new_mail 事件
func WithNotifier(n storage.EventPublisher) Option {
	return func(r *Receiver) { r.notifier = n }
}

// WithSanitizer 保存前清理 HTML 正文
func WithSanitizer(s Sanitizer) Option {
	return func(r *Receiver) { r.sanitizer = s }
}

// WithMetrics 记录投递与拒收指标
func WithMetrics(m *monitoring.Metrics) Option {
	return func(r *Receiver) { r.metrics = m }
}

// WithLogger 设置日志记录器
func WithLogger(l *zap.Logger) Option {
	return func(r *Receiver) { r.logger = l }
}

// WithClock 替换时钟
func WithClock(now func() time.Time) Option {
	return func(r *Receiver) { r.now = now }
}

// New 创建接收器
func New(store storage.MailboxStore, opts ...Option) *Receiver {
	r := &Receiver{
		store:     store,
		validator: domain.NewEmailValidator(),
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CanDeliver 在 RCPT 阶段判断收件人是否可投递。
//
// 地址无法解析返回 domain.ErrMalformedEnvelope，邮箱不存在返回 domain.ErrMailboxNotFound。
func (r *Receiver) CanDeliver(recipient string) error {
	address, err := r.recipient(recipient)
	if err != nil {
		return err
	}
	if !r.store.Exists(address) {
		return domain.ErrMailboxNotFound
	}
	return nil
}

// Deliver 投递一封邮件并返回编号。
//
// 收件人不存在时返回 domain.ErrMailboxNotFound 且存储不受影响；信封格式错误时返回
// domain.ErrMalformedEnvelope。两种情况都只记录日志后丢弃，不会 panic。
func (r *Receiver) Deliver(ctx context.Context, env domain.Envelope) (id domain.MessageID, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.metrics.RecordPanic()
			r.logger.Error("panic while delivering message",
				zap.Any("panic", p),
				zap.String("recipient", env.Recipient),
			)
			id, err = 0, fmt.Errorf("%w: internal error", domain.ErrMalformedEnvelope)
		}
	}()

	msg, address, err := r.build(env)
	if err != nil {
		r.reject("malformed", env, err)
		return 0, err
	}

	id, err = r.store.Append(address, msg)
	switch {
	case errors.Is(err, domain.ErrNoSuchMailbox):
		r.reject("mailbox_not_found", env, err)
		return 0, domain.ErrMailboxNotFound
	case errors.Is(err, domain.ErrMailboxFull):
		r.reject("mailbox_full", env, err)
		return 0, err
	case err != nil:
		r.reject("store_error", env, err)
		return 0, fmt.Errorf("append message: %w", err)
	}

	msg.ID = id
	r.metrics.RecordMessageReceived(msg.Size)
	r.logger.Info("message delivered",
		zap.String("recipient", address),
		zap.String("sender", msg.From),
		zap.Uint64("message_id", uint64(id)),
		zap.Int64("size", msg.Size),
	)

	if r.notifier != nil {
		event := storage.Event{Kind: storage.EventNewMail, Address: address, Message: msg, At: msg.ReceivedAt}
		if err := r.notifier.Publish(ctx, event); err != nil {
			r.logger.Warn("failed to publish new mail event",
				zap.String("recipient", address),
				zap.Error(err),
			)
		}
	}

	return id, nil
}

func (r *Receiver) recipient(raw string) (string, error) {
	address := domain.NormalizeAddress(raw)
	_, d, ok := domain.SplitAddress(address)
	if !ok || len(address) > domain.MaxEmailLength {
		return "", fmt.Errorf("%w: invalid recipient %q", domain.ErrMalformedEnvelope, raw)
	}
	if err := r.validator.ValidateDomain(d); err != nil {
		return "", fmt.Errorf("%w: invalid recipient domain: %v", domain.ErrMalformedEnvelope, err)
	}
	return address, nil
}

func (r *Receiver) build(env domain.Envelope) (*domain.Message, string, error) {
	address, err := r.recipient(env.Recipient)
	if err != nil {
		return nil, "", err
	}

	sender, err := r.validator.ValidateSender(env.Sender)
	if err != nil {
		return nil, "", fmt.Errorf("%w: invalid sender: %v", domain.ErrMalformedEnvelope, err)
	}
	if err := r.validator.ValidateSubject(env.Subject); err != nil {
		return nil, "", fmt.Errorf("%w: invalid subject: %v", domain.ErrMalformedEnvelope, err)
	}

	arrived := env.ArrivedAt
	if arrived.IsZero() {
		arrived = r.now()
	}

	size := env.Size
	if size <= 0 {
		size = int64(len(env.Subject) + len(env.Text) + len(env.HTML))
	}

	html := env.HTML
	if r.sanitizer != nil {
		html = r.sanitizer.Sanitize(html)
	}

	return &domain.Message{
		From:       sender,
		To:         address,
		Subject:    env.Subject,
		Text:       env.Text,
		HTML:       html,
		Size:       size,
		ReceivedAt: arrived.UTC(),
	}, address, nil
}

func (r *Receiver) reject(reason string, env domain.Envelope, err error) {
	r.metrics.RecordMessageRejected(reason)
	r.logger.Info("message dropped",
		zap.String("reason", reason),
		zap.String("recipient", env.Recipient),
		zap.String("sender", env.Sender),
		zap.Error(err),
	)
}
