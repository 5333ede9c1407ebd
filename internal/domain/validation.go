package domain

import (
	"errors"
	"net/mail"
	"regexp"
	"strings"
	"unicode/utf8"
)

// 验证相关的错误定义
var (
	ErrInvalidEmail     = errors.New("invalid email format")
	ErrEmailTooLong     = errors.New("email address too long")
	ErrLocalPartTooLong = errors.New("local part too long (max 64 chars)")
	ErrDomainTooLong    = errors.New("domain too long (max 253 chars)")
	ErrInvalidLocalPart = errors.New("invalid local part format")
	ErrInvalidDomain    = errors.New("invalid domain format")
	ErrSubjectTooLong   = errors.New("subject too long")
)

// 验证常量
const (
	// RFC 5322 邮箱地址长度限制
	MaxEmailLength     = 254 // 整个邮箱地址最大长度
	MaxLocalPartLength = 64  // 本地部分最大长度(@前面)
	MaxDomainLength    = 253 // 域名最大长度

	MinLocalPartLength = 3
	MaxSubjectLength   = 998 // RFC 5322 单行上限
)

var (
	// 本地部分验证（字母数字开头结尾，中间允许 . _ -）
	localPartRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*[a-zA-Z0-9]$|^[a-zA-Z0-9]$`)

	// 域名验证（支持子域名）
	domainRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9-]{0,61}[a-zA-Z0-9]?(\.[a-zA-Z0-9][a-zA-Z0-9-]{0,61}[a-zA-Z0-9]?)*$`)
)

// EmailValidator 邮箱验证器
type EmailValidator struct{}

// NewEmailValidator 创建邮箱验证器
func NewEmailValidator() *EmailValidator {
	return &EmailValidator{}
}

// ValidateEmail 完整验证本系统签发的邮箱地址（本地部分规则比 RFC 更严格）。
func (v *EmailValidator) ValidateEmail(email string) error {
	email = NormalizeAddress(email)

	if len(email) > MaxEmailLength {
		return ErrEmailTooLong
	}

	localPart, domain, ok := SplitAddress(email)
	if !ok {
		return ErrInvalidEmail
	}

	if err := v.ValidateLocalPart(localPart); err != nil {
		return err
	}
	return v.ValidateDomain(domain)
}

// ValidateLocalPart 验证邮箱本地部分
func (v *EmailValidator) ValidateLocalPart(localPart string) error {
	if len(localPart) < MinLocalPartLength {
		return ErrInvalidLocalPart
	}
	if len(localPart) > MaxLocalPartLength {
		return ErrLocalPartTooLong
	}
	if !localPartRegex.MatchString(localPart) {
		return ErrInvalidLocalPart
	}

	// 不允许连续的特殊字符
	for _, seq := range []string{"..", ".-", "-.", "--", "__", "_.", "._", "-_", "_-"} {
		if strings.Contains(localPart, seq) {
			return ErrInvalidLocalPart
		}
	}

	return nil
}

// ValidateDomain 验证域名
func (v *EmailValidator) ValidateDomain(domain string) error {
	if domain == "" {
		return ErrInvalidDomain
	}
	if len(domain) > MaxDomainLength {
		return ErrDomainTooLong
	}
	if !domainRegex.MatchString(domain) {
		return ErrInvalidDomain
	}

	// 每个标签不超过 63 字符
	for _, label := range strings.Split(domain, ".") {
		if len(label) > 63 {
			return ErrInvalidDomain
		}
	}

	return nil
}

// ValidateSender 验证外部发件人地址，接受 RFC 5322 允许的任意形式（含显示名）。
//
// 返回值为规范化后的纯地址。空的反向路径 "<>"（退信）视为合法并返回空串。
func (v *EmailValidator) ValidateSender(sender string) (string, error) {
	sender = strings.TrimSpace(sender)
	if sender == "" || sender == "<>" {
		return "", nil
	}
	if len(sender) > MaxEmailLength*2 {
		return "", ErrEmailTooLong
	}
	addr, err := mail.ParseAddress(sender)
	if err != nil {
		return "", ErrInvalidEmail
	}
	return strings.ToLower(addr.Address), nil
}

// ValidateSubject 验证邮件主题：长度受限，且不得包含换行等控制字符。
func (v *EmailValidator) ValidateSubject(subject string) error {
	if len(subject) > MaxSubjectLength {
		return ErrSubjectTooLong
	}
	if !utf8.ValidString(subject) {
		return ErrInvalidEmail
	}
	for _, r := range subject {
		if r < 32 && r != '\t' {
			return ErrInvalidEmail
		}
	}
	return nil
}

// NormalizeAddress 去除空白和尖括号并转为小写。
func NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.Trim(addr, "<>")
	return strings.ToLower(addr)
}

// SplitAddress 将地址拆分为本地部分和域名。
func SplitAddress(addr string) (localPart, domain string, ok bool) {
	at := strings.LastIndex(addr, "@")
	if at <= 0 || at == len(addr)-1 {
		return "", "", false
	}
	localPart, domain = addr[:at], addr[at+1:]
	if strings.Contains(localPart, "@") {
		return "", "", false
	}
	return localPart, domain, true
}
