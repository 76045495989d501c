package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
	"strings"
)

// Ошибки шифрования
var (
	ErrInvalidKeyLength  = errors.New("encryption key must be exactly 32 bytes for AES-256")
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	ErrDecryptionFailed  = errors.New("decryption failed: authentication error")
)

// EncryptedPrefix - префикс зашифрованного значения в переменных окружения
const EncryptedPrefix = "enc:"

// Encrypt шифрует plaintext AES-256-GCM, результат в base64 (nonce + ciphertext)
func Encrypt(plaintext string, key []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt расшифровывает результат Encrypt
func Decrypt(ciphertextBase64 string, key []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	data, err := base64.StdEncoding.DecodeString(ciphertextBase64)
	if err != nil || len(data) < gcm.NonceSize() {
		return "", ErrInvalidCiphertext
	}

	nonce, body := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// RevealSecret возвращает секрет как есть, либо расшифровывает значение
// с префиксом "enc:". Ключ нужен только для зашифрованных значений.
func RevealSecret(value, key string) (string, error) {
	if !strings.HasPrefix(value, EncryptedPrefix) {
		return value, nil
	}
	return Decrypt(strings.TrimPrefix(value, EncryptedPrefix), []byte(key))
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, ErrInvalidKeyLength
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
