package domain

import "time"

// Envelope 是投递到接收器的原始邮件信封。
type Envelope struct {
	Recipient string
	Sender    string
	Subject   string
	Text      string
	HTML      string
	Size      int64
	ArrivedAt time.Time
}
