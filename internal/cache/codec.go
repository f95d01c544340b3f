package cache

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/iudanet/kvsync/internal/crypto"
)

// Codec преобразует сериализованное значение перед записью на носитель.
// Точки расширения для сжатия и шифрования: движок не навязывает алгоритмы,
// по умолчанию доступны gzip и AES-256-GCM.
type Codec interface {
	// Name возвращает имя кодека (для логов и диагностики)
	Name() string

	// Encode преобразует данные перед записью
	Encode(data []byte) ([]byte, error)

	// Decode восстанавливает данные после чтения
	Decode(data []byte) ([]byte, error)
}

// noopCodec пропускает данные без изменений
type noopCodec struct{}

func (noopCodec) Name() string                       { return "noop" }
func (noopCodec) Encode(data []byte) ([]byte, error) { return data, nil }
func (noopCodec) Decode(data []byte) ([]byte, error) { return data, nil }

// NoopCodec возвращает кодек, пропускающий данные без изменений
func NoopCodec() Codec { return noopCodec{} }

// gzipCodec сжимает значения gzip-ом
type gzipCodec struct{}

// GzipCodec возвращает кодек сжатия значений
func GzipCodec() Codec { return gzipCodec{} }

func (gzipCodec) Name() string { return "gzip" }

func (gzipCodec) Encode(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("failed to compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish compression: %w", err)
	}
	return buf.Bytes(), nil
}

func (gzipCodec) Decode(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open compressed data: %w", err)
	}
	defer func() {
		_ = r.Close()
	}()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress: %w", err)
	}
	return out, nil
}

// cipherCodec шифрует значения AES-256-GCM
type cipherCodec struct {
	cipher *crypto.Cipher
}

// CipherCodec возвращает кодек шифрования значений 32-байтовым ключом
func CipherCodec(key []byte) (Codec, error) {
	c, err := crypto.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher codec: %w", err)
	}
	return &cipherCodec{cipher: c}, nil
}

func (c *cipherCodec) Name() string { return "aes-gcm" }

func (c *cipherCodec) Encode(data []byte) ([]byte, error) {
	return c.cipher.Seal(data)
}

func (c *cipherCodec) Decode(data []byte) ([]byte, error) {
	return c.cipher.Open(data)
}

// chainCodec применяет кодеки по порядку на Encode и в обратном на Decode
type chainCodec struct {
	codecs []Codec
	name   string
}

// ChainCodec составляет цепочку кодеков: Encode слева направо, Decode справа
// налево. Типичная цепочка: gzip → aes-gcm (сжатие до шифрования).
func ChainCodec(codecs ...Codec) Codec {
	if len(codecs) == 0 {
		return NoopCodec()
	}
	if len(codecs) == 1 {
		return codecs[0]
	}

	name := codecs[0].Name()
	for _, c := range codecs[1:] {
		name += "+" + c.Name()
	}
	return &chainCodec{codecs: codecs, name: name}
}

func (c *chainCodec) Name() string { return c.name }

func (c *chainCodec) Encode(data []byte) ([]byte, error) {
	var err error
	for _, codec := range c.codecs {
		data, err = codec.Encode(data)
		if err != nil {
			return nil, fmt.Errorf("%s encode failed: %w", codec.Name(), err)
		}
	}
	return data, nil
}

func (c *chainCodec) Decode(data []byte) ([]byte, error) {
	var err error
	for i := len(c.codecs) - 1; i >= 0; i-- {
		data, err = c.codecs[i].Decode(data)
		if err != nil {
			return nil, fmt.Errorf("%s decode failed: %w", c.codecs[i].Name(), err)
		}
	}
	return data, nil
}
