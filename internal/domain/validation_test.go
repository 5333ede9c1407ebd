package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateEmail(t *testing.T) {
	v := NewEmailValidator()
	tests := []struct {
		name     string
		email    string
		expected error
	}{
		{"Valid email", "test@example.com", nil},
		{"Valid email with subdomain", "user@mail.example.com", nil},
		{"Valid email with dots", "user.name@example.com", nil},
		{"Upper case is normalized", "<USER123@Example.COM>", nil},
		{"Invalid - no @", "testexample.com", ErrInvalidEmail},
		{"Invalid - no domain", "test@", ErrInvalidEmail},
		{"Invalid - no local part", "@example.com", ErrInvalidEmail},
		{"Invalid - multiple @", "test@@example.com", ErrInvalidEmail},
		{"Invalid - empty", "", ErrInvalidEmail},
		{"Invalid - local part too short", "ab@example.com", ErrInvalidLocalPart},
		{"Invalid - special characters", "te$t@example.com", ErrInvalidLocalPart},
		{"Invalid - consecutive dots", "a..b@example.com", ErrInvalidLocalPart},
		{"Invalid - bad domain", "test@-example.com", ErrInvalidDomain},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, v.ValidateEmail(tt.email))
		})
	}
}

func TestValidateSender(t *testing.T) {
	v := NewEmailValidator()

	addr, err := v.ValidateSender(`"GitHub" <NoReply@GitHub.com>`)
	assert.NoError(t, err)
	assert.Equal(t, "noreply@github.com", addr)

	addr, err = v.ValidateSender("<>")
	assert.NoError(t, err)
	assert.Empty(t, addr)

	_, err = v.ValidateSender("not an address")
	assert.ErrorIs(t, err, ErrInvalidEmail)
}

func TestValidateSubject(t *testing.T) {
	v := NewEmailValidator()

	assert.NoError(t, v.ValidateSubject("Welcome\tto the inbox"))
	assert.ErrorIs(t, v.ValidateSubject("line\r\nBcc: x@y.com"), ErrInvalidEmail)

	long := make([]byte, MaxSubjectLength+1)
	for i := range long {
		long[i] = 'a'
	}
	assert.ErrorIs(t, v.ValidateSubject(string(long)), ErrSubjectTooLong)
}

func TestSplitAddress(t *testing.T) {
	local, domain, ok := SplitAddress("abc@temp.mail")
	assert.True(t, ok)
	assert.Equal(t, "abc", local)
	assert.Equal(t, "temp.mail", domain)

	_, _, ok = SplitAddress("abc@")
	assert.False(t, ok)
}
