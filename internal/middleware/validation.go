package middleware

import (
	"errors"
	"strconv"
	"strings"
	"unicode/utf8"
)

// ValidateMessageContent validates chat message content.
func ValidateMessageContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return errors.New("content cannot be empty")
	}
	if len(content) > 100000 { // ~100KB limit
		return errors.New("content exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return errors.New("content must be valid UTF-8")
	}
	return nil
}

// ParseID parses a positive numeric path parameter.
func ParseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid id")
	}
	return id, nil
}

// ValidateStatusValue checks that a raw status string is non-empty and
// within a sane length before it is compared against the known set.
func ValidateStatusValue(status string) error {
	if status == "" {
		return errors.New("status cannot be empty")
	}
	if len(status) > 32 {
		return errors.New("status exceeds maximum length")
	}
	return nil
}
