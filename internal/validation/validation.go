// Package validation содержит функции валидации входных данных.
package validation

import (
	"strings"
	"unicode/utf8"
)

const (
	minCouponCodeLen = 3
	maxCouponCodeLen = 32
	maxIDLen         = 64
	maxReasonLen     = 500
)

// NormalizeCouponCode приводит код купона к каноническому виду.
func NormalizeCouponCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// IsValidCouponCode проверяет нормализованный код: 3-32 символа из A-Z, 0-9, '_' и '-'.
func IsValidCouponCode(code string) bool {
	if len(code) < minCouponCodeLen || len(code) > maxCouponCodeLen {
		return false
	}

	for i := 0; i < len(code); i++ {
		ch := code[i]
		switch {
		case ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9', ch == '_', ch == '-':
		default:
			return false
		}
	}

	return true
}

// IsValidID проверяет идентификатор сущности: до 64 символов из букв, цифр и '-', '_', '.', ':'.
func IsValidID(id string) bool {
	if id == "" || len(id) > maxIDLen {
		return false
	}

	for i := 0; i < len(id); i++ {
		ch := id[i]
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
		case ch == '-', ch == '_', ch == '.', ch == ':':
		default:
			return false
		}
	}

	return true
}

// IsValidReason проверяет текстовое основание операции: непустое после обрезки пробелов
// и не длиннее 500 символов.
func IsValidReason(reason string) bool {
	reason = strings.TrimSpace(reason)
	return reason != "" && utf8.RuneCountInString(reason) <= maxReasonLen
}
