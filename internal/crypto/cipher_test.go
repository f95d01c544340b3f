package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key, err := StorageKey("correct horse battery staple", "default")
	require.NoError(t, err)
	require.Len(t, key, KeySize)
	return key
}

func TestCipher_SealOpen(t *testing.T) {
	cipher, err := NewCipher(testKey(t))
	require.NoError(t, err)

	plaintext := []byte(`{"key":"profile","value":{"name":"alice"}}`)

	encrypted, err := cipher.Seal(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, encrypted)
	// nonce + ciphertext + 16-байтовый auth tag
	assert.Equal(t, NonceSize+len(plaintext)+16, len(encrypted))

	decrypted, err := cipher.Open(encrypted)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestCipher_SealUsesRandomNonce(t *testing.T) {
	cipher, err := NewCipher(testKey(t))
	require.NoError(t, err)

	plaintext := []byte("same input")

	first, err := cipher.Seal(plaintext)
	require.NoError(t, err)
	second, err := cipher.Seal(plaintext)
	require.NoError(t, err)

	// Одинаковый plaintext не должен давать одинаковый шифртекст
	assert.False(t, bytes.Equal(first, second))
}

func TestCipher_OpenTampered(t *testing.T) {
	cipher, err := NewCipher(testKey(t))
	require.NoError(t, err)

	encrypted, err := cipher.Seal([]byte("secret"))
	require.NoError(t, err)

	encrypted[len(encrypted)-1] ^= 0xff
	_, err = cipher.Open(encrypted)
	assert.Error(t, err)
}

func TestCipher_OpenTooShort(t *testing.T) {
	cipher, err := NewCipher(testKey(t))
	require.NoError(t, err)

	_, err = cipher.Open([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestNewCipher_BadKeySize(t *testing.T) {
	_, err := NewCipher([]byte("short"))
	assert.Error(t, err)
}

func TestCipher_SealEmpty(t *testing.T) {
	cipher, err := NewCipher(testKey(t))
	require.NoError(t, err)

	_, err = cipher.Seal(nil)
	assert.Error(t, err)
}

func TestStorageKey_Deterministic(t *testing.T) {
	first, err := StorageKey("passphrase", "ns")
	require.NoError(t, err)
	second, err := StorageKey("passphrase", "ns")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// Другой namespace дает другой ключ
	other, err := StorageKey("passphrase", "other")
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
}

func TestStorageKey_EmptyInputs(t *testing.T) {
	_, err := StorageKey("", "ns")
	assert.Error(t, err)

	_, err = StorageKey("passphrase", "")
	assert.Error(t, err)
}
