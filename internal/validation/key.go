package validation

import (
	"fmt"
	"regexp"
	"unicode"
)

const (
	// MaxKeyLen максимальная длина ключа
	MaxKeyLen = 256
	// MaxNamespaceLen максимальная длина namespace
	MaxNamespaceLen = 64
)

// NamespacePattern определяет допустимый формат namespace
// Только латинские буквы (a-z, A-Z), цифры (0-9), дефис (-), нижнее подчеркивание (_)
// Длина: 1-64 символа
var NamespacePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// ValidateKey проверяет, что ключ допустим для хранилища.
// Ключ не может быть пустым, длиннее MaxKeyLen и не может содержать
// управляющие символы (они ломают wire-пути poll-транспорта).
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}

	if len(key) > MaxKeyLen {
		return fmt.Errorf("key must not exceed %d characters", MaxKeyLen)
	}

	for _, r := range key {
		if unicode.IsControl(r) {
			return fmt.Errorf("key cannot contain control characters")
		}
	}

	return nil
}

// ValidateNamespace проверяет, что namespace соответствует требованиям
// Формат: только латинские буквы (a-z, A-Z), цифры (0-9), дефис (-), нижнее подчеркивание (_)
func ValidateNamespace(namespace string) error {
	if namespace == "" {
		return fmt.Errorf("namespace cannot be empty")
	}

	if len(namespace) > MaxNamespaceLen {
		return fmt.Errorf("namespace must not exceed %d characters", MaxNamespaceLen)
	}

	if !NamespacePattern.MatchString(namespace) {
		return fmt.Errorf("namespace can only contain letters (a-z, A-Z), numbers (0-9), hyphens (-), and underscores (_)")
	}

	return nil
}
