package storage

import (
	"context"
	"time"

	"tempinbox/backend/internal/domain"
)

// MailboxStore 定义一次性邮箱的存取操作。
//
// 所有方法都必须可并发调用；不同地址之间互不阻塞。
type MailboxStore interface {
	Create(address string, ttl time.Duration) (*domain.Mailbox, error)
	Append(address string, message *domain.Message) (domain.MessageID, error)
	List(address string) ([]domain.Message, error)
	Get(address string) (*domain.Mailbox, error)
	GetMessage(address string, id domain.MessageID) (*domain.Message, error)
	MarkRead(address string, id domain.MessageID) error
	Destroy(address string) error
	Exists(address string) bool
	Expired(now time.Time) []string
	Count() int
}

// CooldownLedger 持久化已释放地址的冷却记录，使冷却期在重启后仍然有效。
type CooldownLedger interface {
	// Load 返回 since 之后释放的地址及其释放时间
	Load(ctx context.Context, since time.Time) (map[string]time.Time, error)
	Record(ctx context.Context, address string, releasedAt time.Time) error
	// Prune 删除 before 之前释放的记录，返回删除数量
	Prune(ctx context.Context, before time.Time) (int64, error)
	Close() error
}

// EventKind 邮箱事件类型
type EventKind string

const (
	EventNewMail        EventKind = "new_mail"
	EventMailboxExpired EventKind = "mailbox_expired"
	EventMailboxDeleted EventKind = "mailbox_deleted"
)

// Event 推送给订阅者的邮箱事件
type Event struct {
	Kind    EventKind       `json:"type"`
	Address string          `json:"address"`
	Message *domain.Message `json:"message,omitempty"`
	At      time.Time       `json:"at"`
}

// EventPublisher 发布邮箱事件
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}
