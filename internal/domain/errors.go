package domain

import "errors"

// 分配器错误
var (
	ErrExhaustedNamespace = errors.New("address namespace exhausted")
	ErrAddressInUse       = errors.New("address in use or cooling down")
	ErrDomainNotAllowed   = errors.New("domain not allowed")
)

// 存储错误
var (
	ErrAlreadyExists = errors.New("mailbox already exists")
	ErrNoSuchMailbox = errors.New("no such mailbox")
	ErrNoSuchMessage = errors.New("no such message")
	ErrMailboxFull   = errors.New("mailbox message limit reached")
)

// 接收器错误
var (
	ErrMailboxNotFound   = errors.New("mailbox not found")
	ErrMalformedEnvelope = errors.New("malformed envelope")
)
