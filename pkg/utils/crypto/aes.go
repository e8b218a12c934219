package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"

	"github.com/bytedance/sonic"
)

var (
	ErrInvalidKey        = errors.New("crypto: invalid encryption key")
	ErrEncryptionFailed  = errors.New("crypto: encryption failed")
	ErrDecryptionFailed  = errors.New("crypto: decryption failed")
	ErrInvalidCipherText = errors.New("crypto: invalid cipher text")
)

// newGCM derives a 32-byte AES-256 key from an arbitrary passphrase.
func newGCM(key string) (cipher.AEAD, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}
	sum := sha256.Sum256([]byte(key))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plainText with AES-256-GCM and returns nonce||ciphertext in
// base64.
func Encrypt(plainText string, key string) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		if errors.Is(err, ErrInvalidKey) {
			return "", err
		}
		return "", ErrEncryptionFailed
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", ErrEncryptionFailed
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plainText), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func Decrypt(cipherText string, key string) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		if errors.Is(err, ErrInvalidKey) {
			return "", err
		}
		return "", ErrDecryptionFailed
	}

	data, err := base64.StdEncoding.DecodeString(cipherText)
	if err != nil {
		return "", ErrInvalidCipherText
	}
	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", ErrInvalidCipherText
	}

	plain, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plain), nil
}

// EncryptJSON marshals v and encrypts the result.
func EncryptJSON(v any, key string) (string, error) {
	raw, err := sonic.Marshal(v)
	if err != nil {
		return "", ErrEncryptionFailed
	}
	return Encrypt(string(raw), key)
}

// DecryptJSON decrypts cipherText and unmarshals it into v.
func DecryptJSON(cipherText string, key string, v any) error {
	plain, err := Decrypt(cipherText, key)
	if err != nil {
		return err
	}
	if err := sonic.UnmarshalString(plain, v); err != nil {
		return ErrDecryptionFailed
	}
	return nil
}
