package domain

import (
	"strconv"
	"time"
)

// MessageID 是邮箱内单调递增的邮件编号，从 1 开始。
type MessageID uint64

// String 返回十进制表示。
func (id MessageID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseMessageID 解析路径参数中的邮件编号。
func ParseMessageID(value string) (MessageID, error) {
	n, err := strconv.ParseUint(value, 10, 64)
	if err != nil || n == 0 {
		return 0, ErrNoSuchMessage
	}
	return MessageID(n), nil
}

// Message 表示一封已投递到一次性邮箱的邮件。
type Message struct {
	ID         MessageID `json:"id"`
	From       string    `json:"sender"`
	To         string    `json:"to"`
	Subject    string    `json:"subject"`
	Text       string    `json:"text,omitempty"`
	HTML       string    `json:"html,omitempty"`
	Size       int64     `json:"size"`
	ReceivedAt time.Time `json:"receivedAt"`
	IsRead     bool      `json:"-"`
}

// IsNew 表示邮件尚未被客户端查看。
func (m *Message) IsNew() bool {
	return !m.IsRead
}
