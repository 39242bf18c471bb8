// Package validation содержит функции валидации входных данных.
package validation

import "strings"

const (
	minCodeLength = 3
	maxCodeLength = 32
)

// NormalizeVoucherCode приводит код ваучера к каноническому виду:
// обрезает пробелы и переводит в верхний регистр.
func NormalizeVoucherCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// IsValidVoucherCode проверяет синтаксис кода ваучера: 3–32 символа,
// латинские буквы, цифры и дефис, без дефиса в начале или конце.
func IsValidVoucherCode(code string) bool {
	if len(code) < minCodeLength || len(code) > maxCodeLength {
		return false
	}
	if code[0] == '-' || code[len(code)-1] == '-' {
		return false
	}

	for i := 0; i < len(code); i++ {
		ch := code[i]
		switch {
		case ch >= 'A' && ch <= 'Z':
		case ch >= '0' && ch <= '9':
		case ch == '-':
		default:
			return false
		}
	}

	return true
}
