package memory

import (
	"sync"
	"sync/atomic"
	"time"

	"tempinbox/backend/internal/domain"
)

// entry 单个邮箱的存储单元，拥有独立的锁。
//
// destroyed 一旦置位就不再复位；持有旧指针的并发调用通过它感知邮箱已被销毁。
type entry struct {
	mu        sync.Mutex
	mailbox   domain.Mailbox
	nextID    domain.MessageID
	destroyed bool
}

// Store 使用内存保存一次性邮箱与邮件，进程退出即丢失。
//
// 索引为 sync.Map，不同地址的操作互不竞争同一把锁。
type Store struct {
	mailboxes   sync.Map // address -> *entry
	count       atomic.Int64
	maxMessages int
	now         func() time.Time
}

// Option 内存存储选项
type Option func(*Store)

// WithMaxMessages 限制单个邮箱保存的邮件数，0 表示不限
func WithMaxMessages(n int) Option {
	return func(s *Store) {
		s.maxMessages = n
	}
}

// WithClock 替换时钟，主要用于测试
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore 创建一个内存存储实例。
func NewStore(opts ...Option) *Store {
	s := &Store{now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MaxMessages 返回单个邮箱的邮件数上限
func (s *Store) MaxMessages() int {
	return s.maxMessages
}

// Create 创建空邮箱，地址已存在时返回 domain.ErrAlreadyExists。
func (s *Store) Create(address string, ttl time.Duration) (*domain.Mailbox, error) {
	address = domain.NormalizeAddress(address)
	local, d, ok := domain.SplitAddress(address)
	if !ok {
		return nil, domain.ErrInvalidEmail
	}

	e := &entry{
		mailbox: domain.Mailbox{
			Address:   address,
			LocalPart: local,
			Domain:    d,
			CreatedAt: s.now().UTC(),
			TTL:       ttl,
			Messages:  []domain.Message{},
		},
	}

	for {
		existing, loaded := s.mailboxes.LoadOrStore(address, e)
		if !loaded {
			break
		}
		old := existing.(*entry)
		old.mu.Lock()
		gone := old.destroyed
		old.mu.Unlock()
		if !gone {
			return nil, domain.ErrAlreadyExists
		}
		// 旧邮箱正在销毁，谁真正移除索引项谁负责计数
		if s.mailboxes.CompareAndDelete(address, old) {
			s.count.Add(-1)
		}
	}

	s.count.Add(1)
	snapshot := e.snapshot()
	return &snapshot, nil
}

// Append 追加一封邮件并返回分配的编号。
func (s *Store) Append(address string, message *domain.Message) (domain.MessageID, error) {
	e, ok := s.load(address)
	if !ok {
		return 0, domain.ErrNoSuchMailbox
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.destroyed {
		return 0, domain.ErrNoSuchMailbox
	}
	if s.maxMessages > 0 && len(e.mailbox.Messages) >= s.maxMessages {
		return 0, domain.ErrMailboxFull
	}

	e.nextID++
	msg := *message
	msg.ID = e.nextID
	msg.IsRead = false
	if msg.To == "" {
		msg.To = e.mailbox.Address
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = s.now().UTC()
	}
	e.mailbox.Messages = append(e.mailbox.Messages, msg)

	return msg.ID, nil
}

// List 按到达顺序返回邮件副本。
func (s *Store) List(address string) ([]domain.Message, error) {
	e, ok := s.load(address)
	if !ok {
		return nil, domain.ErrNoSuchMailbox
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.destroyed {
		return nil, domain.ErrNoSuchMailbox
	}
	out := make([]domain.Message, len(e.mailbox.Messages))
	copy(out, e.mailbox.Messages)
	return out, nil
}

// Get 返回邮箱快照（含邮件副本）。
func (s *Store) Get(address string) (*domain.Mailbox, error) {
	e, ok := s.load(address)
	if !ok {
		return nil, domain.ErrNoSuchMailbox
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.destroyed {
		return nil, domain.ErrNoSuchMailbox
	}
	snapshot := e.snapshotLocked()
	return &snapshot, nil
}

// GetMessage 返回单封邮件副本。
func (s *Store) GetMessage(address string, id domain.MessageID) (*domain.Message, error) {
	e, ok := s.load(address)
	if !ok {
		return nil, domain.ErrNoSuchMailbox
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.destroyed {
		return nil, domain.ErrNoSuchMailbox
	}
	msg := e.findLocked(id)
	if msg == nil {
		return nil, domain.ErrNoSuchMessage
	}
	out := *msg
	return &out, nil
}

// MarkRead 将邮件标记为已读，重复调用无副作用。
func (s *Store) MarkRead(address string, id domain.MessageID) error {
	e, ok := s.load(address)
	if !ok {
		return domain.ErrNoSuchMailbox
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.destroyed {
		return domain.ErrNoSuchMailbox
	}
	msg := e.findLocked(id)
	if msg == nil {
		return domain.ErrNoSuchMessage
	}
	msg.IsRead = true
	return nil
}

// Destroy 删除邮箱及其全部邮件，可重复调用。
func (s *Store) Destroy(address string) error {
	s.destroy(address, nil)
	return nil
}

// DestroyExpired 仅当邮箱在 now 时刻已过期才删除，返回是否删除。
//
// 过期判断与删除在同一把锁内完成，地址被删除后重新创建的新邮箱不会被误删。
func (s *Store) DestroyExpired(address string, now time.Time) (bool, error) {
	return s.destroy(address, func(mb *domain.Mailbox) bool {
		return mb.ExpiredAt(now)
	}), nil
}

func (s *Store) destroy(address string, cond func(*domain.Mailbox) bool) bool {
	address = domain.NormalizeAddress(address)
	value, ok := s.mailboxes.Load(address)
	if !ok {
		return false
	}
	e := value.(*entry)

	e.mu.Lock()
	if e.destroyed || (cond != nil && !cond(&e.mailbox)) {
		e.mu.Unlock()
		return false
	}
	e.destroyed = true
	e.mailbox.Messages = nil
	e.mu.Unlock()

	if s.mailboxes.CompareAndDelete(address, e) {
		s.count.Add(-1)
	}
	return true
}

// Exists 判断邮箱是否存在
func (s *Store) Exists(address string) bool {
	e, ok := s.load(address)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.destroyed
}

// Expired 返回 createdAt+ttl <= now 的邮箱地址。
func (s *Store) Expired(now time.Time) []string {
	var out []string
	s.mailboxes.Range(func(key, value any) bool {
		e := value.(*entry)
		// CreatedAt 与 TTL 创建后不再变化，无需加锁
		if e.mailbox.ExpiredAt(now) {
			out = append(out, key.(string))
		}
		return true
	})
	return out
}

// Count 返回当前邮箱数量
func (s *Store) Count() int {
	return int(s.count.Load())
}

func (s *Store) load(address string) (*entry, bool) {
	value, ok := s.mailboxes.Load(domain.NormalizeAddress(address))
	if !ok {
		return nil, false
	}
	return value.(*entry), true
}

func (e *entry) snapshot() domain.Mailbox {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *entry) snapshotLocked() domain.Mailbox {
	out := e.mailbox
	out.Messages = make([]domain.Message, len(e.mailbox.Messages))
	copy(out.Messages, e.mailbox.Messages)
	return out
}

// findLocked 编号从 1 开始连续分配且邮件不会单独删除，可直接按下标定位
func (e *entry) findLocked(id domain.MessageID) *domain.Message {
	if id == 0 || uint64(id) > uint64(len(e.mailbox.Messages)) {
		return nil
	}
	msg := &e.mailbox.Messages[id-1]
	if msg.ID != id {
		return nil
	}
	return msg
}
