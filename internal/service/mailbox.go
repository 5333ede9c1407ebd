package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"tempinbox/backend/internal/config"
	"tempinbox/backend/internal/domain"
	"tempinbox/backend/internal/monitoring"
	"tempinbox/backend/internal/storage"
)

var (
	ErrInvalidTTL = errors.New("ttl must not be negative")
)

// AddressAllocator 地址分配器
type AddressAllocator interface {
	Allocate(domainName string) (string, error)
	Reserve(localPart, domainName string) (string, error)
	Release(ctx context.Context, address string)
	Domains() []string
}

// Directory 跨实例的邮箱登记表
type Directory interface {
	Register(ctx context.Context, address string, ttl time.Duration) error
	Unregister(ctx context.Context, address string) error
	Contains(ctx context.Context, address string) (bool, error)
}

const directoryTimeout = 2 * time.Second

// MailboxService 封装邮箱相关业务操作：签发地址后创建邮箱，销毁邮箱后释放地址。
type MailboxService struct {
	store     storage.MailboxStore
	allocator AddressAllocator
	directory Directory
	notifier  storage.EventPublisher
	metrics   *monitoring.Metrics
	logger    *zap.Logger

	defaultTTL time.Duration
	maxTTL     time.Duration
}

// NewMailboxService 创建邮箱业务服务。
func NewMailboxService(store storage.MailboxStore, allocator AddressAllocator, cfg config.MailboxConfig, logger *zap.Logger) *MailboxService {
	if logger == nil {
		logger = zap.NewNop()
	}
	maxTTL := cfg.MaxTTL
	if maxTTL < cfg.DefaultTTL {
		maxTTL = cfg.DefaultTTL
	}
	return &MailboxService{
		store:      store,
		allocator:  allocator,
		logger:     logger,
		defaultTTL: cfg.DefaultTTL,
		maxTTL:     maxTTL,
	}
}

// SetNotifier 设置事件发布器
func (s *MailboxService) SetNotifier(n storage.EventPublisher) {
	s.notifier = n
}

// SetDirectory 设置跨实例登记表，未设置时只认本实例的邮箱
func (s *MailboxService) SetDirectory(d Directory) {
	s.directory = d
}

// SetMetrics 设置监控指标
func (s *MailboxService) SetMetrics(m *monitoring.Metrics) {
	s.metrics = m
}

// CreateMailboxInput 定义创建邮箱所需的输入。
type CreateMailboxInput struct {
	Prefix string        // 可选：自定义本地部分
	Domain string        // 可选：留空使用默认域名
	TTL    time.Duration // 可选：0 使用默认值，超过上限时截断
}

// Create 签发地址并创建空邮箱。
func (s *MailboxService) Create(ctx context.Context, input CreateMailboxInput) (*domain.Mailbox, error) {
	ttl, err := s.resolveTTL(input.TTL)
	if err != nil {
		return nil, err
	}

	var address string
	if prefix := strings.TrimSpace(input.Prefix); prefix != "" {
		address, err = s.allocator.Reserve(prefix, input.Domain)
	} else {
		address, err = s.allocator.Allocate(input.Domain)
	}
	if err != nil {
		if errors.Is(err, domain.ErrExhaustedNamespace) {
			s.metrics.RecordAllocationFailure()
			s.logger.Warn("mailbox allocation rejected", zap.Error(err))
		}
		return nil, err
	}

	mailbox, err := s.store.Create(address, ttl)
	if err != nil {
		// 地址未被使用过，直接归还
		s.allocator.Release(ctx, address)
		return nil, fmt.Errorf("create mailbox %s: %w", address, err)
	}

	if s.directory != nil {
		if err := s.directory.Register(ctx, mailbox.Address, ttl); err != nil {
			s.logger.Warn("failed to register mailbox", zap.String("address", mailbox.Address), zap.Error(err))
		}
	}

	s.metrics.RecordMailboxCreated()
	s.metrics.UpdateMailboxesActive(s.store.Count())
	s.logger.Info("mailbox created",
		zap.String("address", mailbox.Address),
		zap.Duration("ttl", ttl),
	)
	return mailbox, nil
}

// Get 返回邮箱快照（含全部邮件）。
func (s *MailboxService) Get(address string) (*domain.Mailbox, error) {
	return s.store.Get(address)
}

// GetMessage 返回单封邮件。
func (s *MailboxService) GetMessage(address string, id domain.MessageID) (*domain.Message, error) {
	return s.store.GetMessage(address, id)
}

// MarkRead 将邮件标记为已读。
func (s *MailboxService) MarkRead(address string, id domain.MessageID) error {
	if err := s.store.MarkRead(address, id); err != nil {
		return err
	}
	s.metrics.RecordMessageRead()
	return nil
}

// Delete 销毁邮箱并释放地址，邮箱不存在时返回 domain.ErrNoSuchMailbox。
func (s *MailboxService) Delete(ctx context.Context, address string) error {
	address = domain.NormalizeAddress(address)
	if !s.store.Exists(address) {
		return domain.ErrNoSuchMailbox
	}
	if err := s.store.Destroy(address); err != nil {
		return fmt.Errorf("destroy mailbox %s: %w", address, err)
	}
	s.allocator.Release(ctx, address)
	if s.directory != nil {
		if err := s.directory.Unregister(ctx, address); err != nil {
			s.logger.Warn("failed to unregister mailbox", zap.String("address", address), zap.Error(err))
		}
	}

	s.metrics.RecordMailboxDestroyed("deleted")
	s.metrics.UpdateMailboxesActive(s.store.Count())
	s.logger.Info("mailbox deleted", zap.String("address", address))

	if s.notifier != nil {
		event := storage.Event{Kind: storage.EventMailboxDeleted, Address: address, At: time.Now().UTC()}
		if err := s.notifier.Publish(ctx, event); err != nil {
			s.logger.Warn("failed to publish delete event", zap.String("address", address), zap.Error(err))
		}
	}
	return nil
}

// Exists 判断邮箱是否存在，本实例没有时再查跨实例登记表。
func (s *MailboxService) Exists(address string) bool {
	if s.store.Exists(address) {
		return true
	}
	if s.directory == nil {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), directoryTimeout)
	defer cancel()
	ok, err := s.directory.Contains(ctx, address)
	if err != nil {
		s.logger.Warn("mailbox directory lookup failed", zap.String("address", address), zap.Error(err))
		return false
	}
	return ok
}

// PublicConfig 公开给前端的配置。
type PublicConfig struct {
	Domains    []string      `json:"domains"`
	DefaultTTL time.Duration `json:"-"`
	MaxTTL     time.Duration `json:"-"`
}

// Config 返回公开配置。
func (s *MailboxService) Config() PublicConfig {
	return PublicConfig{
		Domains:    s.allocator.Domains(),
		DefaultTTL: s.defaultTTL,
		MaxTTL:     s.maxTTL,
	}
}

// resolveTTL 0 使用默认值，超过上限截断到上限。
func (s *MailboxService) resolveTTL(requested time.Duration) (time.Duration, error) {
	switch {
	case requested < 0:
		return 0, ErrInvalidTTL
	case requested == 0:
		return s.defaultTTL, nil
	case requested > s.maxTTL:
		return s.maxTTL, nil
	}
	return requested, nil
}
