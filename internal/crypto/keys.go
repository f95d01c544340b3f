package crypto

import (
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// Параметры Argon2id для деривации ключа шифрования хранилища
const (
	// Argon2Time - количество итераций (time cost)
	Argon2Time = 1
	// Argon2Memory - объем памяти в KB (64MB = 64*1024 KB)
	Argon2Memory = 64 * 1024
	// Argon2Threads - количество параллельных потоков
	Argon2Threads = 4
)

// StorageKey выводит 32-байтовый ключ шифрования хранилища из passphrase.
// Соль детерминированно выводится из namespace, чтобы один и тот же
// passphrase давал один ключ для namespace между перезапусками,
// но разные ключи для разных namespace.
func StorageKey(passphrase, namespace string) ([]byte, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase cannot be empty")
	}
	if namespace == "" {
		return nil, fmt.Errorf("namespace cannot be empty")
	}

	salt := sha256.Sum256([]byte("kvsync:storage:" + namespace))
	key := argon2.IDKey([]byte(passphrase), salt[:], Argon2Time, Argon2Memory, Argon2Threads, KeySize)

	return key, nil
}
