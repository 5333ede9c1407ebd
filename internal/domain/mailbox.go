package domain

import (
	"time"
)

// Mailbox 表示一个一次性邮箱及其生命周期元数据。
type Mailbox struct {
	Address   string        `json:"address"`
	LocalPart string        `json:"localPart"`
	Domain    string        `json:"domain"`
	CreatedAt time.Time     `json:"createdAt"`
	TTL       time.Duration `json:"-"`
	Messages  []Message     `json:"messages"`
}

// ExpiresAt 返回邮箱的过期时间（CreatedAt + TTL）。
func (m *Mailbox) ExpiresAt() time.Time {
	return m.CreatedAt.Add(m.TTL)
}

// ExpiredAt 判断邮箱在 now 时刻是否已过期（creation_time + ttl <= now）。
func (m *Mailbox) ExpiredAt(now time.Time) bool {
	return !now.Before(m.ExpiresAt())
}

// Unread 返回未读邮件数量。
func (m *Mailbox) Unread() int {
	n := 0
	for i := range m.Messages {
		if !m.Messages[i].IsRead {
			n++
		}
	}
	return n
}
